package booking

import (
	"context"
	"errors"
	"strings"

	"buildappswith/models"

	"go.uber.org/zap"
)

var pendingStates = []models.LifecycleState{
	models.StateScheduledPendingConfirmation,
	models.StateScheduleConfirmed,
	models.StatePaymentPending,
	models.StatePaymentProcessing,
	models.StatePaymentFailed,
}

// ExpireBooking releases a booking that sat in a pre-confirmation state for
// longer than the pending TTL. Bookings that moved on are left alone.
func (c *Coordinator) ExpireBooking(ctx context.Context, bookingID string) (*models.Booking, error) {
	b, err := c.load(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !b.State.IsPendingConfirmation() {
		return b, nil
	}
	if c.now().Sub(b.LastTransition) < c.cfg.PendingTTL {
		return b, nil
	}
	c.logger.Info("Releasing expired booking",
		zap.String("bookingId", b.ID), zap.String("state", string(b.State)), zap.Time("lastTransition", b.LastTransition))
	return c.release(ctx, b, "pending booking expired")
}

// ExpireStaleBookings releases one batch of expired pending bookings and
// reports how many were released.
func (c *Coordinator) ExpireStaleBookings(ctx context.Context) (int, error) {
	stale, err := c.bookings.ListStale(ctx, pendingStates, c.now().Add(-c.cfg.PendingTTL), c.cfg.SweepBatchSize)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, b := range stale {
		next, err := c.ExpireBooking(ctx, b.ID)
		if err != nil {
			if !errors.Is(err, ErrStale) && !IsBenign(err) {
				c.logger.Warn("Failed to expire booking", zap.String("bookingId", b.ID), zap.Error(err))
			}
			continue
		}
		if next.State == models.StateErrorRecovery {
			released++
		}
	}
	return released, nil
}

// ExpireBufferedEvents discards webhook events whose buffer outlived its TTL.
// Money carried by a discarded payment event is refunded.
func (c *Coordinator) ExpireBufferedEvents(ctx context.Context) (int, error) {
	expired, err := c.webhooks.Expired(ctx, c.now())
	if err != nil {
		return 0, err
	}
	discarded := 0
	for _, buf := range expired {
		for _, ev := range buf.Events {
			discarded++
			c.metrics.ObserveWebhook(string(ev.Provider()), ev.EventType(), "expired")
			c.logger.Error("Discarding buffered webhook event (ERROR_WEBHOOK)",
				zap.String("key", buf.Key),
				zap.String("eventId", ev.EventID()),
				zap.String("type", ev.EventType()),
			)
			if cc, ok := ev.(models.CheckoutCompleted); ok && cc.Purpose != models.PurposeCompensate {
				c.compensate(ctx, cc.BookingID, cc.PaymentIntentRef, "payment event expired before scheduling was confirmed")
			}
		}
		if strings.HasPrefix(buf.Key, paymentBufferPrefix) {
			c.markWebhookError(ctx, strings.TrimPrefix(buf.Key, paymentBufferPrefix), len(buf.Events))
		}
	}
	return discarded, nil
}

// markWebhookError parks a booking whose payment events were discarded while
// it still waited for scheduling confirmation.
func (c *Coordinator) markWebhookError(ctx context.Context, bookingID string, count int) {
	b, err := c.load(ctx, bookingID)
	if err != nil || b.State != models.StateScheduledPendingConfirmation {
		return
	}
	if _, err := c.apply(ctx, b, change{
		path: []models.LifecycleState{models.StateErrorWebhook},
		data: models.ErrorData{
			Kind:        "buffer_expired",
			Message:     "payment notifications expired before scheduling was confirmed",
			ResumeState: models.StateScheduledPendingConfirmation,
			Recoverable: true,
			OccurredAt:  c.now(),
		},
	}); err != nil {
		c.logger.Warn("Failed to record webhook error", zap.String("bookingId", bookingID), zap.Int("events", count), zap.Error(err))
	}
}

// RetryStuckRefunds re-drives refunds for cancelled bookings still holding
// money and for refunds the provider never acknowledged. Refunds already with
// the provider are reconciled against its current status instead, so a lost
// webhook does not leave a booking in REFUND_PENDING.
func (c *Coordinator) RetryStuckRefunds(ctx context.Context) (int, error) {
	stuck, err := c.bookings.ListStale(ctx,
		[]models.LifecycleState{models.StateBookingCancelled, models.StateRefundPending},
		c.now().Add(-c.cfg.RefundRetryAfter), c.cfg.SweepBatchSize)
	if err != nil {
		return 0, err
	}
	retried := 0
	for _, b := range stuck {
		switch b.State {
		case models.StateBookingCancelled:
			if b.PaymentStatus != models.PaymentPaid {
				continue
			}
		case models.StateRefundPending:
			if rd, ok := b.StateData.(models.RefundData); ok && rd.Issued() {
				applied, err := c.reconcileRefund(ctx, b)
				if err != nil {
					c.logger.Warn("Refund reconciliation failed", zap.String("bookingId", b.ID), zap.Error(err))
				}
				if applied {
					retried++
				}
				continue
			}
		}
		reason := "refund retried by sweep"
		if cd, ok := b.StateData.(models.CancellationData); ok {
			reason = cd.Reason
		}
		if _, err := c.InitiateRefund(ctx, b.ID, 0, reason, models.InitiatorSystem); err != nil {
			c.logger.Warn("Stuck refund retry failed", zap.String("bookingId", b.ID), zap.Error(err))
			continue
		}
		retried++
	}
	return retried, nil
}

// RecoverStuckBookings runs RecoverBooking for bookings that have sat in an
// ERROR_* state for longer than the recovery delay.
func (c *Coordinator) RecoverStuckBookings(ctx context.Context) (int, error) {
	failed, err := c.bookings.ListStale(ctx,
		[]models.LifecycleState{models.StateErrorScheduling, models.StateErrorPayment, models.StateErrorWebhook},
		c.now().Add(-c.cfg.RecoveryAfter), c.cfg.SweepBatchSize)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, b := range failed {
		next, err := c.RecoverBooking(ctx, b.ID)
		if err != nil {
			c.logger.Warn("Automatic recovery failed",
				zap.String("bookingId", b.ID), zap.String("code", string(CodeOf(err))), zap.Error(err))
			continue
		}
		if !next.State.IsError() {
			recovered++
		}
	}
	return recovered, nil
}
