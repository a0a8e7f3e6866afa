package delayqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testPoll  = 10 * time.Millisecond
	testGrace = 500 * time.Millisecond
)

func startWorker(t *testing.T, w *Worker) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("worker did not stop")
		}
	})
	return cancel
}

func TestWorker_FiresNoEarlierThanRunAt(t *testing.T) {
	_, client := setupRedis(t)
	q := New(client, "post_jobs", WithPollInterval(testPoll))

	fired := make(chan time.Time, 1)
	w := NewWorker(q, func(ctx context.Context, job *Job) error {
		fired <- time.Now()
		return nil
	})
	startWorker(t, w)

	delay := 200 * time.Millisecond
	scheduledAt := time.Now()
	_, err := q.Schedule(context.Background(), JobSpec{ID: "p1", Data: []byte(`{}`), Delay: delay})
	require.NoError(t, err)

	select {
	case at := <-fired:
		elapsed := at.Sub(scheduledAt)
		assert.GreaterOrEqual(t, elapsed, delay-5*time.Millisecond)
		assert.Less(t, elapsed, delay+testGrace)
	case <-time.After(delay + 2*testGrace):
		t.Fatal("job did not fire")
	}
}

func TestWorker_CompletedHandlerCleansUp(t *testing.T) {
	_, client := setupRedis(t)
	q := New(client, "post_jobs", WithPollInterval(testPoll))

	w := NewWorker(q, func(ctx context.Context, job *Job) error { return nil })
	completed := make(chan string, 1)
	w.OnCompleted(func(ctx context.Context, job *Job) {
		assert.Equal(t, StatusCompleted, job.Status)
		require.NoError(t, q.Remove(ctx, job.ID))
		completed <- job.ID
	})
	startWorker(t, w)

	_, err := q.Schedule(context.Background(), JobSpec{ID: "p1", Data: []byte(`{}`)})
	require.NoError(t, err)

	select {
	case id := <-completed:
		assert.Equal(t, "p1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("job did not complete")
	}

	_, err = q.Get(context.Background(), "p1")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestWorker_FailedHandlerKeepsRecord(t *testing.T) {
	_, client := setupRedis(t)
	q := New(client, "email_jobs", WithPollInterval(testPoll))

	boom := errors.New("downstream unavailable")
	w := NewWorker(q, func(ctx context.Context, job *Job) error { return boom })
	failed := make(chan error, 1)
	w.OnFailed(func(ctx context.Context, job *Job, err error) {
		failed <- err
	})
	startWorker(t, w)

	job, err := q.Schedule(context.Background(), JobSpec{Name: "email", Data: []byte(`{}`)})
	require.NoError(t, err)

	select {
	case err := <-failed:
		assert.ErrorIs(t, err, boom)
	case <-time.After(2 * time.Second):
		t.Fatal("job did not fail")
	}

	stored, err := q.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stored.Status)
	assert.Equal(t, boom.Error(), stored.FailedReason)
}

func TestWorker_PanicBecomesFailure(t *testing.T) {
	_, client := setupRedis(t)
	q := New(client, "post_jobs", WithPollInterval(testPoll))

	w := NewWorker(q, func(ctx context.Context, job *Job) error { panic("bad payload") })
	failed := make(chan error, 1)
	w.OnFailed(func(ctx context.Context, job *Job, err error) { failed <- err })
	startWorker(t, w)

	_, err := q.Schedule(context.Background(), JobSpec{ID: "p1", Data: []byte(`{}`)})
	require.NoError(t, err)

	select {
	case err := <-failed:
		assert.ErrorIs(t, err, ErrProcessorPanic)
		assert.Contains(t, err.Error(), "bad payload")
	case <-time.After(2 * time.Second):
		t.Fatal("panic was not reported")
	}
}

func TestWorker_InterruptedJobIsReleased(t *testing.T) {
	_, client := setupRedis(t)
	q := New(client, "post_jobs", WithPollInterval(testPoll))

	started := make(chan struct{})
	w := NewWorker(q, func(ctx context.Context, job *Job) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	var failedCalls int
	var mu sync.Mutex
	w.OnFailed(func(ctx context.Context, job *Job, err error) {
		mu.Lock()
		failedCalls++
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	_, err := q.Schedule(context.Background(), JobSpec{ID: "p1", Data: []byte(`{}`)})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not start")
	}
	cancel()
	<-done

	job, err := q.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, StatusDelayed, job.Status)

	counts, err := q.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Counts{Delayed: 1}, counts)

	mu.Lock()
	assert.Zero(t, failedCalls)
	mu.Unlock()
}

func TestWorker_ConcurrentSlotsFireEachJobOnce(t *testing.T) {
	_, client := setupRedis(t)
	q := New(client, "email_jobs", WithPollInterval(testPoll))

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	const jobs = 20
	wg.Add(jobs)

	w := NewWorker(q, func(ctx context.Context, job *Job) error {
		mu.Lock()
		seen[job.ID]++
		mu.Unlock()
		wg.Done()
		return nil
	}, WithConcurrency(4))
	startWorker(t, w)

	for i := 0; i < jobs; i++ {
		_, err := q.Schedule(context.Background(), JobSpec{Name: "email", Data: []byte(`{}`)})
		require.NoError(t, err)
	}

	waited := make(chan struct{})
	go func() {
		wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(3 * time.Second):
		t.Fatal("not all jobs fired")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, jobs)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s fired more than once", id)
	}
}
