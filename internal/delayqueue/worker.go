package delayqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Processor runs a due job. A nil return marks the job completed.
type Processor func(ctx context.Context, job *Job) error

// CompletedHandler is called after a job completes.
type CompletedHandler func(ctx context.Context, job *Job)

// FailedHandler is called after a job fails.
type FailedHandler func(ctx context.Context, job *Job, err error)

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithConcurrency sets how many jobs the worker runs at once.
func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithLogger sets the worker logger.
func WithLogger(logger *zap.Logger) WorkerOption {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// Worker fires due jobs of one queue. Register event handlers before Run.
type Worker struct {
	queue       *Queue
	processor   Processor
	concurrency int
	logger      *zap.Logger

	completed []CompletedHandler
	failed    []FailedHandler
}

// NewWorker returns a worker that hands due jobs of q to processor.
func NewWorker(q *Queue, processor Processor, opts ...WorkerOption) *Worker {
	if q == nil {
		panic("delayqueue: nil Queue")
	}
	if processor == nil {
		panic("delayqueue: nil Processor")
	}
	w := &Worker{
		queue:       q,
		processor:   processor,
		concurrency: 1,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("queue", q.name))
	return w
}

// OnCompleted registers a completion handler.
func (w *Worker) OnCompleted(fn CompletedHandler) {
	w.completed = append(w.completed, fn)
}

// OnFailed registers a failure handler.
func (w *Worker) OnFailed(fn FailedHandler) {
	w.failed = append(w.failed, fn)
}

// Run polls the queue until ctx is cancelled. Jobs interrupted by
// cancellation are returned to the delayed set.
func (w *Worker) Run(ctx context.Context) error {
	if n, err := w.queue.RequeueStalled(ctx); err != nil {
		w.logger.Warn("Failed to requeue stalled jobs", zap.Error(err))
	} else if n > 0 {
		w.logger.Info("Requeued stalled jobs", zap.Int("count", n))
	}

	var wg sync.WaitGroup
	wg.Add(w.concurrency + 1)
	go func() {
		defer wg.Done()
		w.watchStalled(ctx)
	}()
	for i := 0; i < w.concurrency; i++ {
		go func(slot int) {
			defer wg.Done()
			w.loop(ctx, slot)
		}(i)
	}

	w.logger.Info("Delay worker started",
		zap.Int("concurrency", w.concurrency),
		zap.Duration("poll_interval", w.queue.pollInterval),
	)
	wg.Wait()
	w.logger.Info("Delay worker stopped")
	return ctx.Err()
}

func (w *Worker) loop(ctx context.Context, slot int) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		// Drain everything that is due before sleeping again
		for ctx.Err() == nil {
			job, err := w.queue.claim(ctx)
			if err != nil {
				if ctx.Err() == nil {
					w.logger.Error("Failed to claim job", zap.Int("slot", slot), zap.Error(err))
				}
				break
			}
			if job == nil {
				break
			}
			w.process(ctx, job)
		}

		timer.Reset(w.queue.pollInterval)
	}
}

func (w *Worker) watchStalled(ctx context.Context) {
	ticker := time.NewTicker(w.queue.stalledAfter / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.queue.RequeueStalled(ctx)
			if err != nil {
				if ctx.Err() == nil {
					w.logger.Warn("Failed to requeue stalled jobs", zap.Error(err))
				}
				continue
			}
			if n > 0 {
				w.logger.Warn("Requeued stalled jobs", zap.Int("count", n))
			}
		}
	}
}

func (w *Worker) process(ctx context.Context, job *Job) {
	log := w.logger.With(zap.String("job_id", job.ID), zap.String("job_name", job.Name))
	log.Debug("Firing job",
		zap.Time("run_at", job.RunAt),
		zap.Duration("lag", w.queue.clock.Now().Sub(job.RunAt)),
		zap.Int("attempt", job.Attempts),
	)

	err := w.run(ctx, job)
	interrupted := err != nil && ctx.Err() != nil

	// Bookkeeping must land even when shutdown cancelled ctx mid-job
	ctx = context.WithoutCancel(ctx)

	if interrupted {
		// Shutdown interrupted the job; hand it back so it fires again
		if _, rerr := w.queue.release(ctx, job.ID, w.queue.clock.Now()); rerr != nil {
			log.Error("Failed to release interrupted job", zap.Error(rerr))
		} else {
			log.Info("Released interrupted job")
		}
		return
	}

	if err != nil {
		if ferr := w.queue.finish(ctx, job, StatusFailed, err.Error()); ferr != nil {
			log.Error("Failed to record job failure", zap.Error(ferr))
		}
		for _, fn := range w.failed {
			fn(ctx, job, err)
		}
		return
	}

	if ferr := w.queue.finish(ctx, job, StatusCompleted, ""); ferr != nil {
		log.Error("Failed to record job completion", zap.Error(ferr))
	}
	for _, fn := range w.completed {
		fn(ctx, job)
	}
}

func (w *Worker) run(ctx context.Context, job *Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", ErrProcessorPanic, rec)
		}
	}()
	return w.processor(ctx, job)
}
