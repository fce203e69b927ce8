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

func refundSettled(h *harness, b *models.Booking, ref string, amount int64, ok bool) models.RefundSettled {
	return models.RefundSettled{
		ID:        h.nextEventID("evt"),
		BookingID: b.ID,
		RefundRef: ref,
		Purpose:   models.PurposeBooking,
		Amount:    amount,
		Succeeded: ok,
	}
}

func TestCancelPaidBookingRefunds(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	st := h.addSessionType(t, "st-paid", 5000, time.Hour)
	b := h.paid(t, st)

	b, err := h.coord.CancelBooking(ctx, b.ID, "cannot make it", models.InitiatorClient)
	require.NoError(t, err)
	assert.Equal(t, models.StateRefundPending, b.State)
	assert.Equal(t, models.PaymentRefundPending, b.PaymentStatus)
	rd := b.StateData.(models.RefundData)
	require.Len(t, rd.Parts, 1)
	assert.Equal(t, "re_test_1", rd.Parts[0].RefundRef)
	assert.Equal(t, int64(5000), rd.Amount)
	assert.Contains(t, statesOf(b), models.StateBookingCancelled)

	req := h.payments.lastRefund()
	assert.Equal(t, b.PaymentIntentRef, req.PaymentIntentRef)
	assert.Equal(t, models.PurposeBooking, req.Purpose)
	assert.NotEmpty(t, req.IdempotencyKey)

	require.NoError(t, h.coord.HandleWebhookEvent(ctx, refundSettled(h, b, "re_test_1", 5000, true)))
	b = h.get(t, b.ID)
	assert.Equal(t, models.StateRefundCompleted, b.State)
	assert.Equal(t, models.PaymentRefunded, b.PaymentStatus)
	assert.Equal(t, int64(5000), b.AmountRefunded)

	// Duplicate settlement is a no-op.
	require.NoError(t, h.coord.HandleWebhookEvent(ctx, refundSettled(h, b, "re_test_1", 5000, true)))
	assert.Equal(t, b.Version, h.get(t, b.ID).Version)
}

func TestCancelFreeBookingHasNoRefund(t *testing.T) {
	h := newHarness(t, Config{})
	st := h.addSessionType(t, "st-free", 0, 30*time.Minute)
	b := h.confirmed(t, st)

	b, err := h.coord.CancelBooking(context.Background(), b.ID, "", models.InitiatorBuilder)
	require.NoError(t, err)
	assert.Equal(t, models.StateBookingCancelled, b.State)
	cd := b.StateData.(models.CancellationData)
	assert.Equal(t, models.InitiatorBuilder, cd.Initiator)
	assert.Empty(t, h.payments.refunds)
}

func TestCancelRequiresConfirmedBooking(t *testing.T) {
	h := newHarness(t, Config{})
	st := h.addSessionType(t, "st-paid", 5000, time.Hour)
	b := h.confirmed(t, st)

	_, err := h.coord.CancelBooking(context.Background(), b.ID, "", models.InitiatorClient)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestCancelWithFailingRefundIsRecovered(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	st := h.addSessionType(t, "st-paid", 5000, time.Hour)
	b := h.paid(t, st)

	h.payments.setErrors(nil, &models.ProviderError{Provider: "stripe", Op: "refund", Kind: models.ProviderTransient, Status: 500, Err: errors.New("boom")})
	b, err := h.coord.CancelBooking(ctx, b.ID, "", models.InitiatorClient)
	require.NoError(t, err)
	assert.Equal(t, models.StateErrorPayment, b.State)
	assert.Equal(t, models.PaymentRefundPending, b.PaymentStatus)
	firstKey := h.payments.lastRefund().IdempotencyKey

	h.payments.setErrors(nil, nil)
	h.advance(time.Minute)
	b, err = h.coord.RecoverBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateRefundPending, b.State)
	assert.NotEqual(t, firstKey, h.payments.lastRefund().IdempotencyKey)

	ref := b.StateData.(models.RefundData).Parts[0].RefundRef
	require.NoError(t, h.coord.HandleWebhookEvent(ctx, refundSettled(h, b, ref, 5000, true)))
	assert.Equal(t, models.StateRefundCompleted, h.get(t, b.ID).State)
}

func TestRefundFailureReportedByProvider(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	st := h.addSessionType(t, "st-paid", 5000, time.Hour)
	b := h.paid(t, st)

	b, err := h.coord.CancelBooking(ctx, b.ID, "", models.InitiatorClient)
	require.NoError(t, err)
	require.NoError(t, h.coord.HandleWebhookEvent(ctx, refundSettled(h, b, "re_test_1", 5000, false)))
	b = h.get(t, b.ID)
	assert.Equal(t, models.StateErrorPayment, b.State)

	// The provider later reports the refund went through after all.
	require.NoError(t, h.coord.HandleWebhookEvent(ctx, refundSettled(h, b, "re_test_1", 5000, true)))
	b = h.get(t, b.ID)
	assert.Equal(t, models.StateRefundCompleted, b.State)
	assert.Equal(t, models.PaymentRefunded, b.PaymentStatus)
}

func TestPartialRefund(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	st := h.addSessionType(t, "st-paid", 5000, time.Hour)
	b := h.paid(t, st)

	_, err := h.coord.InitiateRefund(ctx, b.ID, 6000, "", models.InitiatorAdmin)
	assert.Equal(t, CodeValidation, CodeOf(err))
	assert.Equal(t, models.StateBookingConfirmed, h.get(t, b.ID).State)

	b, err = h.coord.InitiateRefund(ctx, b.ID, 2000, "goodwill", models.InitiatorAdmin)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), h.payments.lastRefund().Amount)

	require.NoError(t, h.coord.HandleWebhookEvent(ctx, refundSettled(h, b, "re_test_1", 2000, true)))
	b = h.get(t, b.ID)
	assert.Equal(t, models.StateRefundCompleted, b.State)
	assert.Equal(t, models.PaymentPartiallyRefunded, b.PaymentStatus)
	assert.Equal(t, int64(2000), b.AmountRefunded)
}

func TestSchedulingProviderCancellation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	st := h.addSessionType(t, "st-paid", 5000, time.Hour)

	paid := h.paid(t, st)
	require.NoError(t, h.coord.HandleWebhookEvent(ctx, models.InviteeCanceled{
		ID: h.nextEventID("inv"), EventRef: paid.ExternalSchedulingRef, Reason: "host unavailable",
	}))
	paid = h.get(t, paid.ID)
	assert.Equal(t, models.StateRefundPending, paid.State)
	assert.Equal(t, models.InitiatorSchedulingProvider, paid.StateData.(models.RefundData).Initiator)

	pending := h.schedule(t, st)
	require.NoError(t, h.coord.HandleWebhookEvent(ctx, models.InviteeCanceled{
		ID: h.nextEventID("inv"), EventRef: "evt-never-confirmed", CorrelationToken: pending.CorrelationToken,
	}))
	pending = h.get(t, pending.ID)
	assert.Equal(t, models.StateErrorRecovery, pending.State)
	assert.True(t, isTerminal(pending))

	// A reschedule notice from the provider is not a cancellation.
	other := h.paid(t, st)
	require.NoError(t, h.coord.HandleWebhookEvent(ctx, models.InviteeCanceled{
		ID: h.nextEventID("inv"), EventRef: other.ExternalSchedulingRef, Rescheduled: true,
	}))
	assert.Equal(t, models.StateBookingConfirmed, h.get(t, other.ID).State)
}

func TestLatePaymentForReleasedBookingIsRefunded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{PendingTTL: 30 * time.Minute})
	st := h.addSessionType(t, "st-paid", 5000, time.Hour)
	b := h.confirmed(t, st)
	res, err := h.coord.InitiatePayment(ctx, b.ID)
	require.NoError(t, err)

	h.advance(31 * time.Minute)
	n, err := h.coord.ExpireStaleBookings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.True(t, isTerminal(h.get(t, b.ID)))

	require.NoError(t, h.coord.HandleWebhookEvent(ctx, h.checkoutCompleted(res.Booking, res.PaymentReference, 5000)))
	b = h.get(t, b.ID)
	assert.Equal(t, models.StateErrorRecovery, b.State)
	refund := h.payments.lastRefund()
	assert.Equal(t, models.PurposeCompensate, refund.Purpose)
	assert.Equal(t, "pi_"+res.PaymentReference, refund.PaymentIntentRef)
}

func TestDuplicatePaymentIsRefunded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	st := h.addSessionType(t, "st-paid", 5000, time.Hour)
	b := h.paid(t, st)

	dup := h.checkoutCompleted(b, "cs_second_tab", 5000)
	require.NoError(t, h.coord.HandleWebhookEvent(ctx, dup))
	assert.Equal(t, b.Version, h.get(t, b.ID).Version)
	assert.Equal(t, "pi_cs_second_tab", h.payments.lastRefund().PaymentIntentRef)
}

func TestAmountMismatchParksBooking(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	st := h.addSessionType(t, "st-paid", 5000, time.Hour)
	b := h.confirmed(t, st)
	res, err := h.coord.InitiatePayment(ctx, b.ID)
	require.NoError(t, err)

	require.NoError(t, h.coord.HandleWebhookEvent(ctx, h.checkoutCompleted(res.Booking, res.PaymentReference, 100)))
	b = h.get(t, b.ID)
	assert.Equal(t, models.StateErrorWebhook, b.State)
	assert.NotEqual(t, models.PaymentPaid, b.PaymentStatus)
	assert.Equal(t, models.PurposeCompensate, h.payments.lastRefund().Purpose)

	_, err = h.coord.RecoverBooking(ctx, b.ID)
	assert.ErrorIs(t, err, ErrManualIntervention)
}

func TestRetryStuckRefunds(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{RefundRetryAfter: 5 * time.Minute})
	st := h.addSessionType(t, "st-paid", 5000, time.Hour)
	b := h.paid(t, st)

	// Simulate a crash between cancelling and requesting the refund.
	cur := h.get(t, b.ID)
	next := cur.Clone()
	next.State = models.StateBookingCancelled
	next.StateData = models.CancellationData{Reason: "client", Initiator: models.InitiatorClient, CancelledAt: h.now()}
	next.Version++
	require.NoError(t, h.bookings.CompareAndSwap(ctx, cur.State, cur.Version, next))

	n, err := h.coord.RetryStuckRefunds(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.advance(6 * time.Minute)
	n, err = h.coord.RetryStuckRefunds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	b = h.get(t, b.ID)
	assert.Equal(t, models.StateRefundPending, b.State)
	assert.Equal(t, models.InitiatorSystem, b.StateData.(models.RefundData).Initiator)
}

func TestCancelWithImmediatelySettledRefund(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	st := h.addSessionType(t, "st-paid", 5000, time.Hour)
	b := h.paid(t, st)

	h.payments.setRefundStatus(models.RefundStatusSucceeded)
	b, err := h.coord.CancelBooking(ctx, b.ID, "", models.InitiatorClient)
	require.NoError(t, err)
	assert.Equal(t, models.StateRefundCompleted, b.State)
	assert.Equal(t, models.PaymentRefunded, b.PaymentStatus)
	assert.Equal(t, int64(5000), b.AmountRefunded)
	rd := b.StateData.(models.RefundData)
	assert.True(t, rd.Settled())
	assert.False(t, rd.CompletedAt.IsZero())

	// The webhook that follows finds nothing left to do.
	require.NoError(t, h.coord.HandleWebhookEvent(ctx, refundSettled(h, b, "re_test_1", 5000, true)))
	assert.Equal(t, b.Version, h.get(t, b.ID).Version)
}

func TestCancelWithImmediatelyRejectedRefund(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	st := h.addSessionType(t, "st-paid", 5000, time.Hour)
	b := h.paid(t, st)

	h.payments.setRefundStatus(models.RefundStatusFailed)
	b, err := h.coord.CancelBooking(ctx, b.ID, "", models.InitiatorClient)
	require.NoError(t, err)
	assert.Equal(t, models.StateErrorPayment, b.State)
	ed := b.StateData.(models.ErrorData)
	require.NotNil(t, ed.Refund)
	assert.Equal(t, models.StateRefundPending, ed.ResumeState)
	assert.Empty(t, ed.Refund.Parts[0].RefundRef)
}

func TestRetryStuckRefundsReconcilesIssuedRefund(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{RefundRetryAfter: 5 * time.Minute})
	st := h.addSessionType(t, "st-paid", 5000, time.Hour)
	b := h.paid(t, st)

	b, err := h.coord.CancelBooking(ctx, b.ID, "", models.InitiatorClient)
	require.NoError(t, err)
	require.Equal(t, models.StateRefundPending, b.State)

	// No webhook arrives and the provider still reports the refund pending.
	h.advance(time.Hour)
	n, err := h.coord.RetryStuckRefunds(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, models.StateRefundPending, h.get(t, b.ID).State)
	assert.Len(t, h.payments.refundRequests(), 1, "an issued refund is never sent twice")

	h.payments.settle("re_test_1", models.RefundStatusSucceeded)
	n, err = h.coord.RetryStuckRefunds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	b = h.get(t, b.ID)
	assert.Equal(t, models.StateRefundCompleted, b.State)
	assert.Equal(t, models.PaymentRefunded, b.PaymentStatus)
	assert.Equal(t, int64(5000), b.AmountRefunded)
}

func TestRetryStuckRefundsReportsProviderFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{RefundRetryAfter: 5 * time.Minute})
	st := h.addSessionType(t, "st-paid", 5000, time.Hour)
	b := h.paid(t, st)

	_, err := h.coord.CancelBooking(ctx, b.ID, "", models.InitiatorClient)
	require.NoError(t, err)
	h.payments.settle("re_test_1", models.RefundStatusFailed)
	h.advance(time.Hour)

	n, err := h.coord.RetryStuckRefunds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	b = h.get(t, b.ID)
	assert.Equal(t, models.StateErrorPayment, b.State)
	assert.Equal(t, models.StateRefundPending, b.StateData.(models.ErrorData).ResumeState)
}

func TestRefundSettledBeforeReferenceStored(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	st := h.addSessionType(t, "st-paid", 5000, time.Hour)
	b := h.paid(t, st)

	// The provider accepted the refund but its response never arrived.
	h.payments.setErrors(nil, errors.New("connection reset"))
	b, err := h.coord.CancelBooking(ctx, b.ID, "", models.InitiatorClient)
	require.NoError(t, err)
	require.Equal(t, models.StateErrorPayment, b.State)

	ev := refundSettled(h, b, "re_elsewhere", 5000, true)
	ev.PaymentIntentRef = b.PaymentIntentRef
	require.NoError(t, h.coord.HandleWebhookEvent(ctx, ev))
	b = h.get(t, b.ID)
	assert.Equal(t, models.StateRefundCompleted, b.State)
	assert.Equal(t, "re_elsewhere", b.StateData.(models.RefundData).Parts[0].RefundRef)
}
