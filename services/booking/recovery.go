package booking

import (
	"context"

	"buildappswith/models"

	"go.uber.org/zap"
)

func isTerminal(b *models.Booking) bool {
	rd, ok := b.StateData.(models.RecoveryData)
	return ok && b.State == models.StateErrorRecovery && rd.Terminal
}

// release abandons a booking that never got confirmed. It ends in a terminal
// ERROR_RECOVERY so the slot and any late payment are accounted for.
func (c *Coordinator) release(ctx context.Context, b *models.Booking, reason string) (*models.Booking, error) {
	if !b.State.IsPendingConfirmation() {
		return nil, invalidState(b, "release")
	}
	return c.apply(ctx, b, change{
		path: []models.LifecycleState{models.StateErrorRecovery},
		data: models.RecoveryData{
			FailState: b.State,
			Terminal:  true,
			Reason:    reason,
			StartedAt: c.now(),
		},
	})
}

// RecoverBooking moves a booking in ERROR_SCHEDULING, ERROR_PAYMENT or
// ERROR_WEBHOOK into ERROR_RECOVERY and re-drives the step that failed. A
// booking out of recovery attempts, or whose failure cannot be retried,
// stays in a terminal ERROR_RECOVERY for support.
func (c *Coordinator) RecoverBooking(ctx context.Context, bookingID string) (*models.Booking, error) {
	b, err := c.load(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	switch b.State {
	case models.StateErrorScheduling, models.StateErrorPayment, models.StateErrorWebhook:
	case models.StateErrorRecovery:
		if isTerminal(b) {
			return b, &Error{Code: CodeManualIntervention, Message: ErrManualIntervention.Message, BookingID: b.ID}
		}
		// A previous run stopped half way.
		return c.resume(ctx, b)
	default:
		return nil, invalidState(b, "recover")
	}

	ed, _ := b.StateData.(models.ErrorData)
	attempts := ed.Attempts + 1
	rd := models.RecoveryData{
		ResumeState: ed.ResumeState,
		FailState:   b.State,
		Attempts:    attempts,
		Reason:      ed.Message,
		Refund:      ed.Refund,
		StartedAt:   c.now(),
	}
	if !ed.Recoverable || attempts > c.cfg.MaxRecoveryAttempts || ed.ResumeState == "" {
		rd.ResumeState = ""
		rd.Terminal = true
		next, err := c.apply(ctx, b, change{path: []models.LifecycleState{models.StateErrorRecovery}, data: rd})
		if err != nil {
			return nil, err
		}
		c.logger.Error("Booking needs manual intervention",
			zap.String("bookingId", b.ID), zap.String("failState", string(rd.FailState)), zap.Int("attempts", attempts))
		return next, &Error{Code: CodeManualIntervention, Message: ErrManualIntervention.Message, BookingID: b.ID}
	}

	recovering, err := c.apply(ctx, b, change{path: []models.LifecycleState{models.StateErrorRecovery}, data: rd})
	if err != nil {
		return nil, err
	}
	return c.resume(ctx, recovering)
}

// resume performs the action that hands a recovering booking back to its prior state.
func (c *Coordinator) resume(ctx context.Context, b *models.Booking) (*models.Booking, error) {
	rd, _ := b.StateData.(models.RecoveryData)
	now := c.now()

	switch rd.ResumeState {
	case models.StateScheduledPendingConfirmation:
		return c.resumeScheduling(ctx, b, rd)

	case models.StateScheduleConfirmed:
		payment := models.PaymentUnpaid
		if b.IsFree() {
			payment = models.PaymentExempt
		}
		next, err := c.apply(ctx, b, change{
			path:    []models.LifecycleState{models.StateScheduleConfirmed},
			payment: payment,
			data:    models.ConfirmationData{EventRef: b.ExternalSchedulingRef, ConfirmedAt: now},
		})
		if err != nil {
			return nil, err
		}
		return c.drain(ctx, next, paymentBufferPrefix+next.ID)

	case models.StatePaymentFailed:
		return c.apply(ctx, b, change{
			path:    []models.LifecycleState{models.StatePaymentFailed},
			payment: models.PaymentFailed,
			data: models.PaymentAttemptData{
				AttemptRef: b.PaymentAttemptRef,
				SessionRef: b.ExternalPaymentSessionRef,
				Attempt:    b.PaymentAttempts,
				StartedAt:  now,
			},
		})

	case models.StatePaymentProcessing:
		return c.apply(ctx, b, change{
			path:    []models.LifecycleState{models.StatePaymentProcessing},
			payment: models.PaymentPending,
			data: models.PaymentAttemptData{
				AttemptRef: b.PaymentAttemptRef,
				SessionRef: b.ExternalPaymentSessionRef,
				Attempt:    b.PaymentAttempts,
				StartedAt:  now,
			},
		})

	case models.StateRefundPending:
		if rd.Refund == nil {
			return c.giveUp(ctx, b, rd, "refund details missing")
		}
		// Parts already with the provider keep their references; the rest
		// carry a bumped attempt and so a fresh idempotency key.
		refund := c.withParts(b, *rd.Refund)
		pending, err := c.apply(ctx, b, change{
			path:    []models.LifecycleState{models.StateRefundPending},
			payment: models.PaymentRefundPending,
			data:    refund,
		})
		if err != nil {
			return nil, err
		}
		return c.issueRefund(ctx, pending, rd.Attempts)
	}
	return c.giveUp(ctx, b, rd, "no automatic recovery for "+string(rd.ResumeState))
}

func (c *Coordinator) resumeScheduling(ctx context.Context, b *models.Booking, rd models.RecoveryData) (*models.Booking, error) {
	if !b.Start.After(c.now()) {
		return c.giveUp(ctx, b, rd, "proposed time has passed")
	}
	st, err := c.sessionTypes.GetByID(ctx, b.SessionTypeID)
	if err != nil {
		return nil, err
	}
	slot := models.TimeSlot{Start: b.Start, End: b.End}
	available, verr := c.scheduling.VerifySlotStillAvailable(ctx, st.EventTypeRef, slot)
	if verr != nil {
		return c.fail(ctx, b, rd, verr)
	}
	if !available {
		return c.giveUp(ctx, b, rd, "proposed time is no longer available")
	}
	next, err := c.apply(ctx, b, change{
		path: []models.LifecycleState{models.StateScheduledPendingConfirmation},
		data: models.SchedulingData{ProposedStart: b.Start, ProposedEnd: b.End, RecordedAt: c.now()},
	})
	if err != nil {
		return nil, err
	}
	c.scheduleExpiry(ctx, next)
	return c.drain(ctx, next, schedulingBufferPrefix+next.CorrelationToken)
}

// fail returns a recovering booking to the error state it came from.
func (c *Coordinator) fail(ctx context.Context, b *models.Booking, rd models.RecoveryData, cause error) (*models.Booking, error) {
	recoverable := true
	if pe, ok := models.AsProviderError(cause); ok {
		recoverable = pe.Retryable()
	}
	next, err := c.apply(ctx, b, change{
		path: []models.LifecycleState{rd.FailState},
		data: models.ErrorData{
			Kind:        providerKind(cause),
			Message:     cause.Error(),
			ResumeState: rd.ResumeState,
			Recoverable: recoverable,
			Attempts:    rd.Attempts,
			Refund:      rd.Refund,
			OccurredAt:  c.now(),
		},
	})
	if err != nil {
		return nil, err
	}
	code := CodeSchedulingFailed
	if rd.FailState == models.StateErrorPayment {
		code = CodePaymentFailed
	}
	return next, providerFailure(code, b.ID, cause)
}

// giveUp makes a recovering booking terminal.
func (c *Coordinator) giveUp(ctx context.Context, b *models.Booking, rd models.RecoveryData, reason string) (*models.Booking, error) {
	rd.Terminal = true
	rd.Reason = reason
	next, err := c.apply(ctx, b, change{data: rd})
	if err != nil {
		return nil, err
	}
	c.logger.Error("Booking recovery abandoned", zap.String("bookingId", b.ID), zap.String("reason", reason))
	return next, &Error{Code: CodeManualIntervention, Message: reason, BookingID: b.ID}
}
