package models

import (
	"fmt"
	"strings"
	"time"
)

// EmailTemplate identifies a transactional email template
type EmailTemplate string

const (
	TemplateVerifyEmail   EmailTemplate = "ps_verify_email"
	TemplateResetPassword EmailTemplate = "ps_reset_password"
	TemplateWelcomeEmail  EmailTemplate = "ps_welcome_email"
)

// ParseEmailTemplate parses a string into an EmailTemplate
// Returns an error if the template is unknown. Matching is exact because the
// request body is forwarded unchanged.
func ParseEmailTemplate(name string) (EmailTemplate, error) {

	validTemplates := []EmailTemplate{
		TemplateVerifyEmail,
		TemplateResetPassword,
		TemplateWelcomeEmail,
	}

	for _, template := range validTemplates {
		if string(template) == name {
			return template, nil
		}
	}

	return "", fmt.Errorf("unknown email template: %s", name)
}

// EmailScheduleRequest is consumed from email_jobs
type EmailScheduleRequest struct {
	Emails      []string          `json:"emails"`
	Template    EmailTemplate     `json:"template"`
	Variables   map[string]string `json:"variables"`
	FromAddress string            `json:"from_address"`
	ScheduledAt time.Time         `json:"scheduled_at"`
}

// JobKey is empty: every email request becomes its own job
func (r *EmailScheduleRequest) JobKey() string {
	return ""
}

func (r *EmailScheduleRequest) RunAt() time.Time {
	return r.ScheduledAt
}

func (r *EmailScheduleRequest) Validate() error {
	if len(r.Emails) == 0 {
		return ErrEmailsRequired
	}
	for _, addr := range r.Emails {
		if !strings.Contains(addr, "@") {
			return fmt.Errorf("invalid email address: %q", addr)
		}
	}
	if _, err := ParseEmailTemplate(string(r.Template)); err != nil {
		return err
	}
	if strings.TrimSpace(r.FromAddress) == "" {
		return ErrFromAddressRequired
	}
	if r.ScheduledAt.IsZero() {
		return ErrScheduledAtRequired
	}
	return nil
}
