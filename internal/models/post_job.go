package models

import (
	"strings"
	"time"
)

// PostScheduleRequest is consumed from post_jobs. Only the fields the
// scheduler needs are decoded; the full body is republished unchanged.
type PostScheduleRequest struct {
	ProjectID   string    `json:"project_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

// JobKey keys post jobs by project so a project has at most one pending publish
func (r *PostScheduleRequest) JobKey() string {
	return r.ProjectID
}

func (r *PostScheduleRequest) RunAt() time.Time {
	return r.ScheduledAt
}

func (r *PostScheduleRequest) Validate() error {
	if strings.TrimSpace(r.ProjectID) == "" {
		return ErrProjectIDRequired
	}
	if r.ScheduledAt.IsZero() {
		return ErrScheduledAtRequired
	}
	return nil
}
