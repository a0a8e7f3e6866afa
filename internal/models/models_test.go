package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayUntil(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, time.Duration(0), DelayUntil(now, now))
	assert.Equal(t, time.Duration(0), DelayUntil(now.Add(-time.Second), now))
	assert.Equal(t, time.Duration(0), DelayUntil(now.Add(-1000*time.Hour), now))
	assert.Equal(t, 2*time.Second, DelayUntil(now.Add(2*time.Second), now))
}

func TestPostScheduleRequest_Decode(t *testing.T) {
	var req PostScheduleRequest
	err := json.Unmarshal([]byte(`{"project_id":"p1","scheduled_at":"2026-03-01T12:00:00.000Z","platforms":["medium"]}`), &req)
	require.NoError(t, err)

	require.NoError(t, req.Validate())
	assert.Equal(t, "p1", req.JobKey())
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), req.RunAt().UTC())
}

func TestPostScheduleRequest_Validate(t *testing.T) {
	assert.ErrorIs(t, (&PostScheduleRequest{ScheduledAt: time.Now()}).Validate(), ErrProjectIDRequired)
	assert.ErrorIs(t, (&PostScheduleRequest{ProjectID: "p1"}).Validate(), ErrScheduledAtRequired)
}

func TestEmailScheduleRequest_Validate(t *testing.T) {
	valid := func() EmailScheduleRequest {
		return EmailScheduleRequest{
			Emails:      []string{"user@example.com"},
			Template:    TemplateWelcomeEmail,
			Variables:   map[string]string{"name": "Ada"},
			FromAddress: "noreply@example.com",
			ScheduledAt: time.Now(),
		}
	}

	req := valid()
	require.NoError(t, req.Validate())
	assert.Empty(t, req.JobKey())

	req = valid()
	req.Emails = nil
	assert.ErrorIs(t, req.Validate(), ErrEmailsRequired)

	req = valid()
	req.Emails = []string{"not-an-address"}
	assert.Error(t, req.Validate())

	req = valid()
	req.Template = " PS_WELCOME_EMAIL "
	assert.ErrorContains(t, req.Validate(), "unknown email template")

	req = valid()
	req.Template = "ps_unknown"
	assert.ErrorContains(t, req.Validate(), "unknown email template")

	req = valid()
	req.FromAddress = " "
	assert.ErrorIs(t, req.Validate(), ErrFromAddressRequired)

	req = valid()
	req.ScheduledAt = time.Time{}
	assert.ErrorIs(t, req.Validate(), ErrScheduledAtRequired)
}

func TestParseEmailTemplate(t *testing.T) {
	tpl, err := ParseEmailTemplate("ps_reset_password")
	require.NoError(t, err)
	assert.Equal(t, TemplateResetPassword, tpl)

	_, err = ParseEmailTemplate(" PS_RESET_PASSWORD ")
	assert.Error(t, err)

	_, err = ParseEmailTemplate("ps_newsletter")
	assert.Error(t, err)
}
