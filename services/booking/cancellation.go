package booking

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"buildappswith/models"

	"go.uber.org/zap"
)

// CancelBooking cancels a confirmed booking. A paid booking moves straight on
// to REFUND_PENDING in the same write and the refund is requested.
func (c *Coordinator) CancelBooking(ctx context.Context, bookingID, reason string, initiator models.Initiator) (*models.Booking, error) {
	b, err := c.load(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.State != models.StateBookingConfirmed {
		return nil, invalidState(b, "cancel")
	}
	if reason == "" {
		reason = "cancelled by " + string(initiator)
	}

	if b.PaymentStatus == models.PaymentPaid {
		next, err := c.startRefund(ctx, b, 0, reason, initiator)
		if err != nil {
			if CodeOf(err) == CodeRefundFailed && next != nil {
				// The cancellation stands; the refund is retried by recovery.
				c.logger.Warn("Booking cancelled but refund request failed",
					zap.String("bookingId", b.ID), zap.Error(err))
				return next, nil
			}
			return nil, err
		}
		return next, nil
	}

	return c.apply(ctx, b, change{
		path: []models.LifecycleState{models.StateBookingCancelled},
		data: models.CancellationData{Reason: reason, Initiator: initiator, CancelledAt: c.now()},
		mutate: func(next *models.Booking) {
			next.PendingAdjustment = nil
		},
	})
}

// InitiateRefund returns money for a paid booking. A zero amount refunds
// everything not yet refunded. It also re-drives a refund whose provider
// request never went through.
func (c *Coordinator) InitiateRefund(ctx context.Context, bookingID string, amount int64, reason string, initiator models.Initiator) (*models.Booking, error) {
	b, err := c.load(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.State == models.StateRefundPending {
		rd, _ := b.StateData.(models.RefundData)
		if rd.Issued() {
			return b, nil
		}
		return c.issueRefund(ctx, b, 0)
	}
	if reason == "" {
		reason = "refund requested by " + string(initiator)
	}
	return c.startRefund(ctx, b, amount, reason, initiator)
}

// startRefund moves a paid booking into REFUND_PENDING and asks the provider.
// The amount is split across the booking's charges before anything is sent.
func (c *Coordinator) startRefund(ctx context.Context, b *models.Booking, amount int64, reason string, initiator models.Initiator) (*models.Booking, error) {
	var path []models.LifecycleState
	switch b.State {
	case models.StateBookingConfirmed:
		path = []models.LifecycleState{models.StateBookingCancelled, models.StateRefundPending}
	case models.StateBookingCancelled:
		path = []models.LifecycleState{models.StateRefundPending}
	default:
		return nil, invalidState(b, "refund")
	}
	if b.PaymentStatus != models.PaymentPaid {
		return nil, validationError("booking has no captured payment to refund")
	}
	refundable := b.AmountPaid - b.AmountRefunded
	if amount == 0 {
		amount = refundable
	}
	if amount <= 0 || amount > refundable {
		return nil, validationError("refund amount must be between 1 and %d", refundable)
	}
	parts, ok := b.AllocateRefund(amount)
	if !ok {
		return nil, validationError("refund of %d exceeds the captured payments", amount)
	}

	pending, err := c.apply(ctx, b, change{
		path:    path,
		payment: models.PaymentRefundPending,
		data: models.RefundData{
			Reason:      reason,
			Initiator:   initiator,
			Amount:      amount,
			Parts:       parts,
			RequestedAt: c.now(),
		},
		mutate: func(next *models.Booking) {
			next.PendingAdjustment = nil
		},
	})
	if err != nil {
		return nil, err
	}
	return c.issueRefund(ctx, pending, 0)
}

// withParts returns a copy of rd that has its per-charge split.
func (c *Coordinator) withParts(b *models.Booking, rd models.RefundData) models.RefundData {
	rd = rd.Copy()
	if len(rd.Parts) == 0 {
		rd.Parts, _ = b.AllocateRefund(rd.Amount)
	}
	return rd
}

func refundKey(bookingID string, rd models.RefundData, part int) string {
	key := bookingID + ":refund:" + strconv.FormatInt(rd.RequestedAt.UnixNano(), 10) + ":" + strconv.Itoa(part)
	if attempt := rd.Parts[part].Attempt; attempt > 0 {
		key += ":" + strconv.Itoa(attempt)
	}
	return key
}

// issueRefund sends every part of the refund in b's REFUND_PENDING payload
// that has not reached the payment provider yet. A refund the provider
// settles on the spot completes the booking right away. attempts is the
// recovery count carried into the error state if the provider rejects a part.
func (c *Coordinator) issueRefund(ctx context.Context, b *models.Booking, attempts int) (*models.Booking, error) {
	stored, ok := b.StateData.(models.RefundData)
	if !ok {
		return nil, invalidState(b, "issue refund")
	}
	rd := c.withParts(b, stored)
	if len(rd.Parts) == 0 {
		return nil, validationError("booking has no captured payment to refund")
	}

	var perr error
	for i := range rd.Parts {
		part := &rd.Parts[i]
		if part.Settled || part.RefundRef != "" {
			continue
		}
		res, err := c.payments.CreateRefund(ctx, models.RefundRequest{
			BookingID:        b.ID,
			PaymentIntentRef: part.IntentRef,
			Amount:           part.Amount,
			Purpose:          models.PurposeBooking,
			IdempotencyKey:   refundKey(b.ID, rd, i),
		})
		switch {
		case err != nil:
			perr = err
		case res.Status == models.RefundStatusSucceeded:
			part.RefundRef, part.Settled = res.RefundRef, true
		case res.Status == models.RefundStatusFailed, res.Status == models.RefundStatusCanceled:
			perr = fmt.Errorf("refund %s %s: %s", res.RefundRef, res.Status, res.FailureReason)
		default:
			part.RefundRef = res.RefundRef
		}
		if perr != nil {
			part.Attempt++
			break
		}
	}

	if perr != nil {
		c.logger.Warn("Refund request failed", zap.String("bookingId", b.ID), zap.Error(perr))
		recoverable := true
		if pe, ok := models.AsProviderError(perr); ok {
			recoverable = pe.Retryable()
		}
		refund := rd
		failed, err := c.apply(ctx, b, change{
			path: []models.LifecycleState{models.StateErrorPayment},
			data: models.ErrorData{
				Kind:        providerKind(perr),
				Message:     perr.Error(),
				ResumeState: models.StateRefundPending,
				Recoverable: recoverable,
				Attempts:    attempts,
				Refund:      &refund,
				OccurredAt:  c.now(),
			},
		})
		if err != nil {
			return nil, err
		}
		return failed, providerFailure(CodeRefundFailed, b.ID, perr)
	}

	var (
		next *models.Booking
		err  error
	)
	if rd.Settled() {
		next, err = c.completeRefund(ctx, b, nil, rd)
	} else {
		next, err = c.apply(ctx, b, change{data: rd})
	}
	if errors.Is(err, ErrStale) {
		// The refund webhook beat us to it.
		return c.load(ctx, b.ID)
	}
	return next, err
}

// settlePart records o against the matching part of rd. It reports false when
// o matches no part or changes nothing.
func settlePart(rd models.RefundData, o models.RefundOutcome) (models.RefundData, bool) {
	i := rd.Part(o.RefundRef, o.PaymentIntentRef)
	if i < 0 || rd.Parts[i].Settled {
		return rd, false
	}
	part := &rd.Parts[i]
	if !o.Succeeded {
		if part.RefundRef == "" {
			return rd, false
		}
		part.RefundRef = ""
		part.Attempt++
		return rd, true
	}
	part.RefundRef = o.RefundRef
	part.Settled = true
	if o.Amount > 0 {
		part.Amount = o.Amount
	}
	return rd, true
}

// RecordRefundOutcome applies a verified refund result from the payment
// provider. The booking completes once every part of its refund has settled.
func (c *Coordinator) RecordRefundOutcome(ctx context.Context, o models.RefundOutcome) (*models.Booking, error) {
	b, err := c.load(ctx, o.BookingID)
	if err != nil {
		return nil, err
	}

	switch b.State {
	case models.StateRefundPending:
		stored, _ := b.StateData.(models.RefundData)
		rd, changed := settlePart(c.withParts(b, stored), o)
		if !changed {
			c.logger.Info("Refund outcome changes nothing",
				zap.String("bookingId", b.ID), zap.String("refundId", o.RefundRef), zap.Strings("issued", rd.RefundRefs()))
			return b, nil
		}
		if !o.Succeeded {
			return c.refundFailed(ctx, b, rd, o)
		}
		if rd.Settled() {
			return c.completeRefund(ctx, b, nil, rd)
		}
		return c.apply(ctx, b, change{data: rd})

	case models.StateErrorPayment:
		ed, _ := b.StateData.(models.ErrorData)
		if ed.Refund == nil {
			return b, nil
		}
		rd, changed := settlePart(c.withParts(b, *ed.Refund), o)
		if !changed {
			return b, nil
		}
		if rd.Settled() {
			// The provider settled the refund after all.
			return c.completeRefund(ctx, b,
				[]models.LifecycleState{models.StateErrorRecovery, models.StateRefundPending}, rd)
		}
		ed.Refund = &rd
		return c.apply(ctx, b, change{data: ed})

	case models.StateErrorRecovery:
		recovery, _ := b.StateData.(models.RecoveryData)
		if recovery.Refund == nil || recovery.Terminal {
			return b, nil
		}
		rd, changed := settlePart(c.withParts(b, *recovery.Refund), o)
		if !changed {
			return b, nil
		}
		if rd.Settled() {
			return c.completeRefund(ctx, b, []models.LifecycleState{models.StateRefundPending}, rd)
		}
		recovery.Refund = &rd
		return c.apply(ctx, b, change{data: recovery})

	case models.StateRefundCompleted:
		return b, nil
	}
	return nil, invalidState(b, "record refund")
}

func (c *Coordinator) completeRefund(ctx context.Context, b *models.Booking, lead []models.LifecycleState, rd models.RefundData) (*models.Booking, error) {
	var amount int64
	for _, p := range rd.Parts {
		amount += p.Amount
	}
	status := models.PaymentPartiallyRefunded
	if b.AmountRefunded+amount >= b.AmountPaid {
		status = models.PaymentRefunded
	}
	rd.Amount = amount
	rd.CompletedAt = c.now()
	return c.apply(ctx, b, change{
		path:    append(lead, models.StateRefundCompleted),
		payment: status,
		data:    rd,
		mutate: func(next *models.Booking) {
			for _, p := range rd.Parts {
				next.ApplyRefund(p.IntentRef, p.Amount)
			}
		},
	})
}

func (c *Coordinator) refundFailed(ctx context.Context, b *models.Booking, rd models.RefundData, o models.RefundOutcome) (*models.Booking, error) {
	c.logger.Error("Refund failed at payment provider",
		zap.String("bookingId", b.ID), zap.String("refundId", o.RefundRef), zap.String("reason", o.FailureReason))
	return c.apply(ctx, b, change{
		path: []models.LifecycleState{models.StateErrorPayment},
		data: models.ErrorData{
			Kind:        "refund_failed",
			Message:     o.FailureReason,
			ResumeState: models.StateRefundPending,
			Recoverable: true,
			Refund:      &rd,
			OccurredAt:  c.now(),
		},
	})
}

// reconcileRefund asks the payment provider about every issued part of a
// REFUND_PENDING booking and applies the parts that have reached a final
// status. It reports whether anything was applied.
func (c *Coordinator) reconcileRefund(ctx context.Context, b *models.Booking) (bool, error) {
	rd, _ := b.StateData.(models.RefundData)
	applied := false
	for _, part := range rd.Parts {
		if part.Settled || part.RefundRef == "" {
			continue
		}
		res, err := c.payments.GetRefund(ctx, part.RefundRef)
		if err != nil {
			return applied, err
		}
		if !res.Final() {
			continue
		}
		if _, err := c.RecordRefundOutcome(ctx, models.RefundOutcome{
			BookingID:        b.ID,
			RefundRef:        res.RefundRef,
			PaymentIntentRef: part.IntentRef,
			Amount:           res.Amount,
			Succeeded:        res.Status == models.RefundStatusSucceeded,
			FailureReason:    res.FailureReason,
		}); err != nil {
			return applied, err
		}
		applied = true
	}
	return applied, nil
}
