package receiver

import (
	"encoding/json"
	"fmt"

	"github.com/publish-studio/scheduler-svc/internal/models"
)

const (
	PostJobsQueue  = "post_jobs"
	PostsQueue     = "posts"
	EmailJobsQueue = "email_jobs"
	EmailsQueue    = "emails"
)

// Domain binds an inbound scheduling queue to the queue that executes the
// action once its time has come.
type Domain struct {
	Name         string
	InboundQueue string
	ExecuteQueue string
	Decode       func(body []byte) (models.ScheduleRequest, error)
}

// PostDomain schedules post publishing. Jobs are keyed by project id.
func PostDomain() Domain {
	return Domain{
		Name:         "post",
		InboundQueue: PostJobsQueue,
		ExecuteQueue: PostsQueue,
		Decode: func(body []byte) (models.ScheduleRequest, error) {
			var req models.PostScheduleRequest
			if err := json.Unmarshal(body, &req); err != nil {
				return nil, fmt.Errorf("failed to unmarshal post schedule request: %w", err)
			}
			return &req, nil
		},
	}
}

// EmailDomain schedules transactional email. Jobs are anonymous.
func EmailDomain() Domain {
	return Domain{
		Name:         "email",
		InboundQueue: EmailJobsQueue,
		ExecuteQueue: EmailsQueue,
		Decode: func(body []byte) (models.ScheduleRequest, error) {
			var req models.EmailScheduleRequest
			if err := json.Unmarshal(body, &req); err != nil {
				return nil, fmt.Errorf("failed to unmarshal email schedule request: %w", err)
			}
			return &req, nil
		},
	}
}
