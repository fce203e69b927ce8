package webhookRepo

import (
	"context"
	"testing"
	"time"

	"buildappswith/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_BufferDeadlineIsFirstEvent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryWebhookStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })

	ev := models.RefundSettled{ID: "re_1", BookingID: "b1", RefundRef: "re_1"}
	require.NoError(t, store.Buffer(ctx, "pay:b1", ev, 10*time.Minute))

	now = now.Add(9 * time.Minute)
	require.NoError(t, store.Buffer(ctx, "pay:b1", ev, 10*time.Minute))

	expired, err := store.Expired(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Len(t, expired[0].Events, 2)
}

func TestMemoryStore_Claim(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryWebhookStore()

	ok, err := store.Claim(ctx, models.ProviderScheduling, "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.Claim(ctx, models.ProviderScheduling, "a", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}
