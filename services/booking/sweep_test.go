package booking

import (
	"context"
	"errors"
	"testing"
	"time"

	"buildappswith/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpireBooking(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{PendingTTL: 30 * time.Minute})
	st := h.addSessionType(t, "st-paid", 5000, time.Hour)
	b := h.schedule(t, st)
	assert.Equal(t, b.LastTransition.Add(30*time.Minute), h.expiry.scheduled[b.ID])

	got, err := h.coord.ExpireBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateScheduledPendingConfirmation, got.State)

	h.advance(30 * time.Minute)
	got, err = h.coord.ExpireBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateErrorRecovery, got.State)
	rd := got.StateData.(models.RecoveryData)
	assert.True(t, rd.Terminal)
	assert.Equal(t, models.StateScheduledPendingConfirmation, rd.FailState)

	// Once released, the scheduling confirmation no longer applies.
	err = h.coord.HandleWebhookEvent(ctx, h.inviteeCreated(b))
	assert.True(t, IsBenign(err), "got %v", err)
	assert.Equal(t, got.Version, h.get(t, b.ID).Version)
}

func TestExpireBookingLeavesConfirmedAlone(t *testing.T) {
	h := newHarness(t, Config{})
	st := h.addSessionType(t, "st-free", 0, 30*time.Minute)
	b := h.confirmed(t, st)

	h.advance(24 * time.Hour)
	got, err := h.coord.ExpireBooking(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateBookingConfirmed, got.State)
}

func TestExpireStaleBookingsSkipsFreshOnes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{PendingTTL: 30 * time.Minute})
	st := h.addSessionType(t, "st-paid", 5000, time.Hour)
	old := h.schedule(t, st)
	h.advance(20 * time.Minute)
	fresh := h.schedule(t, st)
	h.advance(15 * time.Minute)

	n, err := h.coord.ExpireStaleBookings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.StateErrorRecovery, h.get(t, old.ID).State)
	assert.Equal(t, models.StateScheduledPendingConfirmation, h.get(t, fresh.ID).State)
}

func TestRecoverStuckBookings(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{RecoveryAfter: 2 * time.Minute})
	st := h.addSessionType(t, "st-paid", 5000, time.Hour)
	b := h.confirmed(t, st)

	h.payments.setErrors(&models.ProviderError{Provider: "stripe", Op: "checkout", Kind: models.ProviderTimeout, Err: context.DeadlineExceeded}, nil)
	_, err := h.coord.InitiatePayment(ctx, b.ID)
	require.Error(t, err)
	h.payments.setErrors(nil, nil)

	n, err := h.coord.RecoverStuckBookings(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.advance(3 * time.Minute)
	n, err = h.coord.RecoverStuckBookings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.StateScheduleConfirmed, h.get(t, b.ID).State)
}

func TestRecoverBookingRejectsHealthyBookings(t *testing.T) {
	h := newHarness(t, Config{})
	st := h.addSessionType(t, "st-free", 0, 30*time.Minute)
	b := h.confirmed(t, st)

	_, err := h.coord.RecoverBooking(context.Background(), b.ID)
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = h.coord.RecoverBooking(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}
