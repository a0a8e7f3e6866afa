// Package delayqueue is a Redis-backed delayed job engine.
//
// Each queue keeps a sorted set of delayed job ids scored by their run-at
// time in epoch milliseconds, a sorted set of active (claimed) job ids scored
// by claim time, and one hash per job record. Workers poll the delayed set,
// claim the earliest due job atomically and hand it to a Processor.
//
// Keys share a hash tag so that a queue lives in a single cluster slot:
//
//	<prefix>:{<queue>}:delayed
//	<prefix>:{<queue>}:active
//	<prefix>:{<queue>}:job:<id>
package delayqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix       = "scheduler"
	defaultPollInterval = 500 * time.Millisecond
	defaultStalledAfter = 5 * time.Minute

	// bound on optimistic-lock retries when a job key changes under WATCH
	maxScheduleRetries = 5
)

// claimScript moves the earliest due job from the delayed set to the active
// set and marks its record active in one step.
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
	return false
end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
local key = ARGV[2] .. id
if redis.call('EXISTS', key) == 0 then
	return false
end
redis.call('ZADD', KEYS[2], ARGV[1], id)
redis.call('HSET', key, 'status', 'active')
redis.call('HINCRBY', key, 'attempts', 1)
return id
`)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock uses the system time in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// Option configures a Queue.
type Option func(*Queue)

// WithPrefix sets the key prefix shared by every queue of a process.
func WithPrefix(prefix string) Option {
	return func(q *Queue) {
		if prefix != "" {
			q.prefix = prefix
		}
	}
}

// WithPollInterval sets how often idle workers look for due jobs.
func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.pollInterval = d
		}
	}
}

// WithStalledAfter sets the claim age after which an active job is
// considered abandoned and returned to the delayed set.
func WithStalledAfter(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.stalledAfter = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(c Clock) Option {
	return func(q *Queue) {
		if c != nil {
			q.clock = c
		}
	}
}

// Queue is a named delayed job queue. It is safe for concurrent use.
type Queue struct {
	client       redis.UniversalClient
	name         string
	prefix       string
	pollInterval time.Duration
	stalledAfter time.Duration
	clock        Clock
}

// Counts reports the cardinality of the queue's sets.
type Counts struct {
	Delayed int64 `json:"delayed"`
	Active  int64 `json:"active"`
}

// New returns a queue stored in client under name.
func New(client redis.UniversalClient, name string, opts ...Option) *Queue {
	if client == nil {
		panic("delayqueue: nil redis client")
	}
	q := &Queue{
		client:       client,
		name:         name,
		prefix:       defaultPrefix,
		pollInterval: defaultPollInterval,
		stalledAfter: defaultStalledAfter,
		clock:        SystemClock{},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) base() string {
	return q.prefix + ":{" + q.name + "}"
}

func (q *Queue) delayedKey() string { return q.base() + ":delayed" }
func (q *Queue) activeKey() string  { return q.base() + ":active" }
func (q *Queue) jobKeyPrefix() string {
	return q.base() + ":job:"
}
func (q *Queue) jobKey(id string) string {
	return q.jobKeyPrefix() + id
}

// Schedule stores a job that becomes due after spec.Delay. A negative delay
// is treated as zero. Scheduling an id that is already pending replaces its
// payload and run-at time; scheduling an id that is currently active fails
// with ErrJobActive unless its claim is older than StalledAfter.
func (q *Queue) Schedule(ctx context.Context, spec JobSpec) (*Job, error) {
	delay := spec.Delay
	if delay < 0 {
		delay = 0
	}

	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}

	now := q.clock.Now()
	job := &Job{
		ID:        id,
		Name:      spec.Name,
		Data:      spec.Data,
		Delay:     delay,
		RunAt:     now.Add(delay),
		CreatedAt: now,
		Status:    StatusDelayed,
	}
	key := q.jobKey(id)

	txf := func(tx *redis.Tx) error {
		status, err := tx.HGet(ctx, key, fieldStatus).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if Status(status) == StatusActive {
			claimedAt, err := tx.ZScore(ctx, q.activeKey(), id).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			// A claim older than StalledAfter belongs to a dead worker and is taken over
			if err == nil && int64(claimedAt) > now.Add(-q.stalledAfter).UnixMilli() {
				return ErrJobActive
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.ZRem(ctx, q.activeKey(), id)
			pipe.HSet(ctx, key, job.fields())
			pipe.ZAdd(ctx, q.delayedKey(), redis.Z{
				Score:  float64(job.RunAt.UnixMilli()),
				Member: id,
			})
			return nil
		})
		return err
	}

	for i := 0; i < maxScheduleRetries; i++ {
		err := q.client.Watch(ctx, txf, key)
		if err == nil {
			return job, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, ErrJobActive) {
			return nil, err
		}
		return nil, fmt.Errorf("schedule job %s: %w", id, err)
	}

	return nil, fmt.Errorf("schedule job %s: %w", id, redis.TxFailedErr)
}

// Get loads a job record.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	values, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return parseJob(values)
}

// Remove deletes a job record and its set entries. Removing an unknown job
// is not an error.
func (q *Queue) Remove(ctx context.Context, id string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, q.jobKey(id))
		pipe.ZRem(ctx, q.delayedKey(), id)
		pipe.ZRem(ctx, q.activeKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove job %s: %w", id, err)
	}
	return nil
}

// RemoveCompleted deletes a job record only while it is still marked
// completed, so a job rescheduled under the same id right after completion
// survives the cleanup. It reports whether the record was deleted.
func (q *Queue) RemoveCompleted(ctx context.Context, id string) (bool, error) {
	key := q.jobKey(id)
	removed := false

	err := q.client.Watch(ctx, func(tx *redis.Tx) error {
		status, err := tx.HGet(ctx, key, fieldStatus).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if Status(status) != StatusCompleted {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.ZRem(ctx, q.activeKey(), id)
			return nil
		})
		if err == nil {
			removed = true
		}
		return err
	}, key)
	if err != nil {
		return false, fmt.Errorf("remove completed job %s: %w", id, err)
	}
	return removed, nil
}

// Counts returns the number of delayed and active jobs.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	var delayed, active *redis.IntCmd
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		delayed = pipe.ZCard(ctx, q.delayedKey())
		active = pipe.ZCard(ctx, q.activeKey())
		return nil
	})
	if err != nil {
		return Counts{}, fmt.Errorf("count jobs: %w", err)
	}
	return Counts{Delayed: delayed.Val(), Active: active.Val()}, nil
}

// RequeueStalled returns active jobs claimed more than StalledAfter ago to
// the delayed set, due immediately. It reports how many jobs were moved.
func (q *Queue) RequeueStalled(ctx context.Context) (int, error) {
	now := q.clock.Now()
	cutoff := now.Add(-q.stalledAfter).UnixMilli()

	ids, err := q.client.ZRangeByScore(ctx, q.activeKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list stalled jobs: %w", err)
	}

	moved := 0
	for _, id := range ids {
		ok, err := q.release(ctx, id, now)
		if err != nil {
			return moved, err
		}
		if ok {
			moved++
		}
	}
	return moved, nil
}

// release moves an active job back to the delayed set, due at now.
func (q *Queue) release(ctx context.Context, id string, now time.Time) (bool, error) {
	removed, err := q.client.ZRem(ctx, q.activeKey(), id).Result()
	if err != nil {
		return false, fmt.Errorf("release job %s: %w", id, err)
	}
	if removed == 0 {
		return false, nil
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobKey(id), fieldStatus, string(StatusDelayed), fieldRunAt, now.UnixMilli())
		pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(now.UnixMilli()), Member: id})
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("release job %s: %w", id, err)
	}
	return true, nil
}

// claim takes the earliest due job, or returns nil when none is due.
func (q *Queue) claim(ctx context.Context) (*Job, error) {
	now := q.clock.Now().UnixMilli()
	id, err := claimScript.Run(ctx, q.client,
		[]string{q.delayedKey(), q.activeKey()},
		now, q.jobKeyPrefix(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}

	job, err := q.Get(ctx, id)
	if errors.Is(err, ErrJobNotFound) {
		// Removed between claim and load
		_ = q.client.ZRem(ctx, q.activeKey(), id).Err()
		return nil, nil
	}
	return job, err
}

func (q *Queue) finish(ctx context.Context, job *Job, status Status, reason string) error {
	now := q.clock.Now()
	job.Status = status
	job.FinishedAt = now
	job.FailedReason = reason

	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobKey(job.ID),
			fieldStatus, string(status),
			fieldFinishedAt, now.UnixMilli(),
			fieldFailedReason, reason,
		)
		pipe.ZRem(ctx, q.activeKey(), job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark job %s %s: %w", job.ID, status, err)
	}
	return nil
}
