package delayqueue

import (
	"errors"
	"strconv"
	"time"
)

var (
	// ErrJobNotFound is returned when no record exists for a job id.
	ErrJobNotFound = errors.New("delayqueue: job not found")
	// ErrJobActive is returned when scheduling over a job that is currently firing.
	ErrJobActive = errors.New("delayqueue: job is active")
	// ErrProcessorPanic wraps a panic raised by a Processor.
	ErrProcessorPanic = errors.New("delayqueue: processor panic")
)

// Status is the lifecycle state of a job record.
type Status string

const (
	StatusDelayed   Status = "delayed"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

const (
	fieldID           = "id"
	fieldName         = "name"
	fieldData         = "data"
	fieldDelayMs      = "delay_ms"
	fieldRunAt        = "run_at"
	fieldCreatedAt    = "created_at"
	fieldAttempts     = "attempts"
	fieldStatus       = "status"
	fieldFailedReason = "failed_reason"
	fieldFinishedAt   = "finished_at"
)

// JobSpec describes a job to schedule. An empty ID schedules an anonymous
// job under a generated id.
type JobSpec struct {
	ID    string
	Name  string
	Data  []byte
	Delay time.Duration
}

// Job is a stored delayed job.
type Job struct {
	ID           string
	Name         string
	Data         []byte
	Delay        time.Duration
	RunAt        time.Time
	CreatedAt    time.Time
	Attempts     int
	Status       Status
	FailedReason string
	FinishedAt   time.Time
}

func (j *Job) fields() map[string]any {
	return map[string]any{
		fieldID:        j.ID,
		fieldName:      j.Name,
		fieldData:      string(j.Data),
		fieldDelayMs:   j.Delay.Milliseconds(),
		fieldRunAt:     j.RunAt.UnixMilli(),
		fieldCreatedAt: j.CreatedAt.UnixMilli(),
		fieldAttempts:  j.Attempts,
		fieldStatus:    string(j.Status),
	}
}

func parseJob(values map[string]string) (*Job, error) {
	if len(values) == 0 {
		return nil, ErrJobNotFound
	}

	job := &Job{
		ID:           values[fieldID],
		Name:         values[fieldName],
		Data:         []byte(values[fieldData]),
		Status:       Status(values[fieldStatus]),
		FailedReason: values[fieldFailedReason],
	}

	delayMs, err := parseInt(values, fieldDelayMs)
	if err != nil {
		return nil, err
	}
	job.Delay = time.Duration(delayMs) * time.Millisecond

	if job.RunAt, err = parseMillis(values, fieldRunAt); err != nil {
		return nil, err
	}
	if job.CreatedAt, err = parseMillis(values, fieldCreatedAt); err != nil {
		return nil, err
	}
	if job.FinishedAt, err = parseMillis(values, fieldFinishedAt); err != nil {
		return nil, err
	}

	attempts, err := parseInt(values, fieldAttempts)
	if err != nil {
		return nil, err
	}
	job.Attempts = int(attempts)

	return job, nil
}

func parseInt(values map[string]string, field string) (int64, error) {
	raw, ok := values[field]
	if !ok || raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.New("delayqueue: invalid " + field + " field: " + raw)
	}
	return n, nil
}

func parseMillis(values map[string]string, field string) (time.Time, error) {
	ms, err := parseInt(values, field)
	if err != nil || ms == 0 {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
