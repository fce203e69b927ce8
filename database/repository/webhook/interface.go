package webhookRepo

import (
	"context"
	"time"

	"buildappswith/models"
)

// ExpiredBuffer is a buffer whose events were never claimed by a booking.
type ExpiredBuffer struct {
	Key    string
	Events []models.WebhookEvent
}

// WebhookStore deduplicates inbound events and parks out-of-order ones.
type WebhookStore interface {
	// Claim marks an event as being handled. It returns false when the event
	// was already claimed within ttl.
	Claim(ctx context.Context, provider models.WebhookProvider, eventID string, ttl time.Duration) (bool, error)
	// Release forgets a claim so a provider retry is processed again.
	Release(ctx context.Context, provider models.WebhookProvider, eventID string) error
	// Buffer appends ev under key. The buffer expires ttl after its first event.
	Buffer(ctx context.Context, key string, ev models.WebhookEvent, ttl time.Duration) error
	// Drain removes and returns every event buffered under key, oldest first.
	Drain(ctx context.Context, key string) ([]models.WebhookEvent, error)
	// Expired removes and returns buffers whose deadline is before now.
	Expired(ctx context.Context, now time.Time) ([]ExpiredBuffer, error)
}
