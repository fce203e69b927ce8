package webhook

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"testing"
	"time"

	"buildappswith/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const calendlySecret = "whsec_calendly_test"

func signCalendly(t *testing.T, at time.Time, body []byte) string {
	t.Helper()
	ts := strconv.FormatInt(at.Unix(), 10)
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(CalendlySignature([]byte(calendlySecret), ts, body)))
}

func inviteePayload(event, token string) []byte {
	return []byte(fmt.Sprintf(`{
		"event": %q,
		"created_at": "2026-03-02T09:00:00Z",
		"payload": {
			"uri": "https://api.calendly.com/scheduled_events/EV1/invitees/INV1",
			"email": "client@example.com",
			"name": "Client One",
			"timezone": "Europe/London",
			"event": "https://api.calendly.com/scheduled_events/EV1",
			"rescheduled": false,
			"tracking": {"utm_content": %q},
			"cancellation": {"canceled_by": "Client One", "reason": "conflict"},
			"scheduled_event": {
				"uri": "https://api.calendly.com/scheduled_events/EV1",
				"start_time": "2026-03-03T10:00:00Z",
				"end_time": "2026-03-03T11:00:00Z"
			}
		}
	}`, event, token))
}

func TestCalendlyParseInviteeCreated(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	v := NewCalendlyVerifier(calendlySecret, time.Minute)
	v.SetClock(func() time.Time { return now })

	body := inviteePayload(models.EventInviteeCreated, "tok-1")
	ev, err := v.Parse(signCalendly(t, now, body), body)
	require.NoError(t, err)

	created, ok := ev.(models.InviteeCreated)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, "tok-1", created.CorrelationToken)
	assert.Equal(t, "https://api.calendly.com/scheduled_events/EV1", created.EventRef)
	assert.Equal(t, "client@example.com", created.Email)
	assert.Equal(t, time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC), created.Start.UTC())
	assert.Contains(t, created.ID, ":invitee.created")
}

func TestCalendlyParseInviteeCanceled(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	v := NewCalendlyVerifier(calendlySecret, time.Minute)
	v.SetClock(func() time.Time { return now })

	body := inviteePayload(models.EventInviteeCanceled, "tok-1")
	ev, err := v.Parse(signCalendly(t, now, body), body)
	require.NoError(t, err)

	canceled, ok := ev.(models.InviteeCanceled)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, "conflict", canceled.Reason)
	assert.False(t, canceled.Rescheduled)
}

func TestCalendlyParseRejects(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	v := NewCalendlyVerifier(calendlySecret, time.Minute)
	v.SetClock(func() time.Time { return now })
	body := inviteePayload(models.EventInviteeCreated, "tok-1")

	tests := []struct {
		name   string
		header string
		body   []byte
		want   error
	}{
		{"missing header", "", body, ErrInvalidSignature},
		{"garbage header", "nonsense", body, ErrInvalidSignature},
		{"tampered body", signCalendly(t, now, body), append([]byte(" "), body...), ErrInvalidSignature},
		{"wrong secret", "t=" + strconv.FormatInt(now.Unix(), 10) + ",v1=" + hex.EncodeToString(CalendlySignature([]byte("other"), strconv.FormatInt(now.Unix(), 10), body)), body, ErrInvalidSignature},
		{"too old", signCalendly(t, now.Add(-2*time.Minute), body), body, ErrReplayed},
		{"unsupported event", signCalendly(t, now, inviteePayload("routing_form_submission.created", "tok-1")), inviteePayload("routing_form_submission.created", "tok-1"), ErrUnsupportedEvent},
		{"missing token", signCalendly(t, now, inviteePayload(models.EventInviteeCreated, "")), inviteePayload(models.EventInviteeCreated, ""), ErrMalformedPayload},
		{"not json", signCalendly(t, now, []byte("{")), []byte("{"), ErrMalformedPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Parse(tt.header, tt.body)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
