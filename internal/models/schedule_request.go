package models

import (
	"errors"
	"time"
)

var (
	ErrScheduledAtRequired = errors.New("scheduled_at is required")
	ErrProjectIDRequired   = errors.New("project_id is required")
	ErrEmailsRequired      = errors.New("emails must contain at least one address")
	ErrFromAddressRequired = errors.New("from_address is required")
)

// ScheduleRequest is an inbound request to run an action at a point in time
type ScheduleRequest interface {
	// JobKey identifies the delayed job. Empty means anonymous.
	JobKey() string
	// RunAt is the instant the action must execute
	RunAt() time.Time
	Validate() error
}

// DelayUntil returns how long to wait from now until scheduledAt. Instants in
// the past or present yield zero, never a negative delay.
func DelayUntil(scheduledAt, now time.Time) time.Duration {
	d := scheduledAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
