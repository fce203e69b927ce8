package booking

import (
	"context"
	"errors"
	"strings"

	"buildappswith/models"

	"go.uber.org/zap"
)

// InitiatePayment opens a hosted checkout for a booking whose scheduling is
// confirmed. Entering PAYMENT_PENDING is a compare-and-swap, so of two
// concurrent calls only one reaches the payment provider.
func (c *Coordinator) InitiatePayment(ctx context.Context, bookingID string) (*models.CheckoutResult, error) {
	b, err := c.load(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	if b.IsFree() {
		switch b.State {
		case models.StateScheduleConfirmed:
			b, err = c.apply(ctx, b, change{
				path:    []models.LifecycleState{models.StateBookingConfirmed},
				payment: models.PaymentExempt,
				data:    models.ConfirmedData{ConfirmedAt: c.now()},
			})
			if err != nil {
				return nil, err
			}
			return &models.CheckoutResult{Booking: b}, nil
		case models.StateBookingConfirmed:
			return &models.CheckoutResult{Booking: b}, nil
		}
		return nil, invalidState(b, "initiate payment")
	}

	if b.State != models.StateScheduleConfirmed && b.State != models.StatePaymentFailed {
		return nil, invalidState(b, "initiate payment")
	}
	if b.PaymentAttempts >= c.cfg.MaxPaymentAttempts {
		return nil, &Error{Code: CodeManualIntervention, Message: "payment retry limit reached", BookingID: b.ID}
	}

	resumeState := b.State
	attemptRef := c.newID()
	attempt := b.PaymentAttempts + 1
	started := c.now()
	pending, err := c.apply(ctx, b, change{
		path:    []models.LifecycleState{models.StatePaymentPending},
		payment: models.PaymentPending,
		data:    models.PaymentAttemptData{AttemptRef: attemptRef, Attempt: attempt, StartedAt: started},
		mutate: func(next *models.Booking) {
			next.PaymentAttemptRef = attemptRef
			next.ExternalPaymentSessionRef = ""
		},
	})
	if err != nil {
		return nil, err
	}

	session, perr := c.payments.CreateCheckoutSession(ctx, models.CheckoutRequest{
		BookingID:      pending.ID,
		BuilderID:      pending.BuilderID,
		ClientID:       pending.ClientID,
		SessionTypeID:  pending.SessionTypeID,
		Description:    pending.SessionTitle,
		Amount:         pending.Amount,
		Currency:       pending.Currency,
		AttemptRef:     attemptRef,
		Purpose:        models.PurposeBooking,
		SuccessURL:     c.cfg.SuccessURL,
		CancelURL:      c.cfg.CancelURL,
		CustomerEmail:  pending.ClientEmail,
		IdempotencyKey: pending.ID + ":checkout:" + attemptRef,
	})
	if perr != nil {
		c.logger.Warn("Checkout session creation failed", zap.String("bookingId", pending.ID), zap.Error(perr))
		if _, err := c.apply(ctx, pending, change{
			path: []models.LifecycleState{models.StateErrorPayment},
			data: models.ErrorData{
				Kind:        providerKind(perr),
				Message:     perr.Error(),
				ResumeState: resumeState,
				Recoverable: true,
				OccurredAt:  c.now(),
			},
		}); err != nil {
			c.logger.Error("Failed to record payment error", zap.String("bookingId", pending.ID), zap.Error(err))
		}
		return nil, providerFailure(CodePaymentFailed, pending.ID, perr)
	}

	processing, err := c.apply(ctx, pending, change{
		path: []models.LifecycleState{models.StatePaymentProcessing},
		data: models.PaymentAttemptData{
			AttemptRef:  attemptRef,
			SessionRef:  session.SessionID,
			CheckoutURL: session.URL,
			Attempt:     attempt,
			StartedAt:   started,
		},
		mutate: func(next *models.Booking) {
			next.ExternalPaymentSessionRef = session.SessionID
			next.PaymentAttempts = attempt
		},
	})
	if err != nil {
		return nil, err
	}
	processing, err = c.drain(ctx, processing, paymentBufferPrefix+processing.ID)
	if err != nil {
		return nil, err
	}
	return &models.CheckoutResult{
		CheckoutURL:      session.URL,
		PaymentReference: session.SessionID,
		Booking:          processing,
	}, nil
}

// RecordPaymentOutcome applies a verified payment result. Success confirms the
// booking in one write; failure allows another attempt until the limit.
func (c *Coordinator) RecordPaymentOutcome(ctx context.Context, outcome models.PaymentOutcome) (*models.Booking, error) {
	b, err := c.load(ctx, outcome.BookingID)
	if err != nil {
		return nil, err
	}
	if outcome.Succeeded {
		return c.paymentSucceeded(ctx, b, outcome)
	}
	return c.paymentFailed(ctx, b, outcome)
}

func (c *Coordinator) isCurrentAttempt(b *models.Booking, ref string) bool {
	return ref != "" && (ref == b.ExternalPaymentSessionRef || ref == b.PaymentAttemptRef)
}

func (c *Coordinator) paymentSucceeded(ctx context.Context, b *models.Booking, o models.PaymentOutcome) (*models.Booking, error) {
	var path []models.LifecycleState
	switch b.State {
	case models.StateIdle, models.StateSessionTypeSelection, models.StateSchedulingInProgress,
		models.StateScheduledPendingConfirmation:
		return nil, &Error{Code: CodeOutOfOrder, Message: "payment reported before scheduling was confirmed", BookingID: b.ID}
	case models.StateScheduleConfirmed:
		path = []models.LifecycleState{models.StatePaymentPending, models.StatePaymentProcessing}
	case models.StatePaymentPending:
		path = []models.LifecycleState{models.StatePaymentProcessing}
	case models.StatePaymentFailed:
		path = []models.LifecycleState{models.StatePaymentPending, models.StatePaymentProcessing}
	case models.StatePaymentProcessing:
	case models.StateBookingConfirmed, models.StateBookingRescheduled, models.StateBookingCancelled,
		models.StateRefundPending, models.StateRefundCompleted:
		if o.PaymentIntentRef == "" || o.PaymentIntentRef == b.PaymentIntentRef {
			return b, nil
		}
		// A second charge for an already paid booking.
		c.compensate(ctx, b.ID, o.PaymentIntentRef, "duplicate payment")
		return b, nil
	case models.StateErrorScheduling, models.StateErrorPayment, models.StateErrorWebhook, models.StateErrorRecovery:
		return c.paymentDuringError(ctx, b, o)
	default:
		return nil, invalidState(b, "record payment")
	}

	if o.Amount != b.Amount || (o.Currency != "" && !strings.EqualFold(o.Currency, b.Currency)) {
		return c.amountMismatch(ctx, b, o, path)
	}

	path = append(path, models.StatePaymentSucceeded, models.StateBookingConfirmed)
	return c.apply(ctx, b, change{
		path:    path,
		payment: models.PaymentPaid,
		data:    models.ConfirmedData{ConfirmedAt: c.now()},
		mutate: func(next *models.Booking) {
			next.PaymentIntentRef = o.PaymentIntentRef
			next.AmountPaid = o.Amount
			next.Captures = []models.PaymentCapture{{IntentRef: o.PaymentIntentRef, Amount: o.Amount, Purpose: models.PurposeBooking}}
			if o.Reference != "" && o.Reference != next.PaymentAttemptRef {
				next.ExternalPaymentSessionRef = o.Reference
			}
		},
	})
}

// amountMismatch parks a payment whose amount disagrees with the booking.
func (c *Coordinator) amountMismatch(ctx context.Context, b *models.Booking, o models.PaymentOutcome, lead []models.LifecycleState) (*models.Booking, error) {
	c.logger.Error("Payment amount does not match booking",
		zap.String("bookingId", b.ID), zap.Int64("expected", b.Amount), zap.Int64("received", o.Amount))
	path := append(lead, models.StateErrorWebhook)
	next, err := c.apply(ctx, b, change{
		path:    path,
		payment: models.PaymentPending,
		data: models.ErrorData{
			Kind:        "amount_mismatch",
			Message:     "payment amount does not match the booking amount",
			ResumeState: models.StatePaymentProcessing,
			Recoverable: false,
			OccurredAt:  c.now(),
		},
		mutate: func(next *models.Booking) {
			next.PaymentIntentRef = o.PaymentIntentRef
		},
	})
	if err != nil {
		return nil, err
	}
	c.compensate(ctx, b.ID, o.PaymentIntentRef, "payment amount mismatch")
	return next, nil
}

// paymentDuringError handles money arriving while the booking is in an error
// state. A scheduled booking that can still be resumed is confirmed through
// recovery; otherwise the payment is returned.
func (c *Coordinator) paymentDuringError(ctx context.Context, b *models.Booking, o models.PaymentOutcome) (*models.Booking, error) {
	if b.ExternalSchedulingRef == "" && !isTerminal(b) {
		if ed, ok := b.StateData.(models.ErrorData); ok && ed.Recoverable {
			// Scheduling may still be recovered; hold the payment until then.
			return nil, &Error{Code: CodeOutOfOrder, Message: "payment reported before scheduling was confirmed", BookingID: b.ID}
		}
	}
	resumable := b.ExternalSchedulingRef != "" && o.Amount == b.Amount && !isTerminal(b)
	if ed, ok := b.StateData.(models.ErrorData); ok && (!ed.Recoverable || ed.Refund != nil) {
		resumable = false
	}
	if rd, ok := b.StateData.(models.RecoveryData); ok && rd.Refund != nil {
		resumable = false
	}
	if !resumable {
		c.compensate(ctx, b.ID, o.PaymentIntentRef, "payment for released booking")
		return b, nil
	}

	var path []models.LifecycleState
	if b.State != models.StateErrorRecovery {
		path = append(path, models.StateErrorRecovery)
	}
	path = append(path, models.StatePaymentProcessing, models.StatePaymentSucceeded, models.StateBookingConfirmed)
	return c.apply(ctx, b, change{
		path:    path,
		payment: models.PaymentPaid,
		data:    models.ConfirmedData{ConfirmedAt: c.now()},
		mutate: func(next *models.Booking) {
			next.PaymentIntentRef = o.PaymentIntentRef
			next.AmountPaid = o.Amount
			next.Captures = []models.PaymentCapture{{IntentRef: o.PaymentIntentRef, Amount: o.Amount, Purpose: models.PurposeBooking}}
		},
	})
}

func (c *Coordinator) paymentFailed(ctx context.Context, b *models.Booking, o models.PaymentOutcome) (*models.Booking, error) {
	var lead []models.LifecycleState
	switch b.State {
	case models.StateScheduledPendingConfirmation:
		return nil, &Error{Code: CodeOutOfOrder, Message: "payment reported before scheduling was confirmed", BookingID: b.ID}
	case models.StatePaymentPending:
		lead = []models.LifecycleState{models.StatePaymentProcessing}
	case models.StatePaymentProcessing:
	default:
		// Failures of attempts the booking has moved past carry no information.
		c.logger.Info("Ignoring payment failure", zap.String("bookingId", b.ID), zap.String("state", string(b.State)))
		return b, nil
	}
	if !c.isCurrentAttempt(b, o.Reference) {
		c.logger.Info("Ignoring failure of a superseded payment attempt",
			zap.String("bookingId", b.ID), zap.String("reference", o.Reference))
		return b, nil
	}

	attempt := b.PaymentAttempts
	prev, _ := b.StateData.(models.PaymentAttemptData)
	now := c.now()
	if attempt >= c.cfg.MaxPaymentAttempts {
		return c.apply(ctx, b, change{
			path:    append(lead, models.StatePaymentFailed, models.StateErrorRecovery),
			payment: models.PaymentFailed,
			data: models.RecoveryData{
				FailState: models.StatePaymentFailed,
				Attempts:  attempt,
				Terminal:  true,
				Reason:    "payment retry limit reached: " + o.FailureReason,
				StartedAt: now,
			},
		})
	}
	return c.apply(ctx, b, change{
		path:    append(lead, models.StatePaymentFailed),
		payment: models.PaymentFailed,
		data: models.PaymentAttemptData{
			AttemptRef:    b.PaymentAttemptRef,
			SessionRef:    b.ExternalPaymentSessionRef,
			Attempt:       attempt,
			FailureReason: o.FailureReason,
			StartedAt:     prev.StartedAt,
		},
	})
}

// compensate refunds money that arrived for a booking that can no longer take it.
func (c *Coordinator) compensate(ctx context.Context, bookingID, paymentIntentRef, why string) {
	if paymentIntentRef == "" {
		c.logger.Error("Cannot refund payment without a payment reference",
			zap.String("bookingId", bookingID), zap.String("reason", why))
		return
	}
	res, err := c.payments.CreateRefund(ctx, models.RefundRequest{
		BookingID:        bookingID,
		PaymentIntentRef: paymentIntentRef,
		Purpose:          models.PurposeCompensate,
		IdempotencyKey:   bookingID + ":compensate:" + paymentIntentRef,
	})
	if err != nil {
		c.logger.Error("Compensating refund failed",
			zap.String("bookingId", bookingID), zap.String("paymentIntent", paymentIntentRef), zap.Error(err))
		return
	}
	c.logger.Warn("Refunded unexpected payment",
		zap.String("bookingId", bookingID),
		zap.String("reason", why),
		zap.String("paymentIntent", paymentIntentRef),
		zap.String("refundId", res.RefundRef),
		zap.String("status", string(res.Status)),
	)
}

// applyPaymentEvent routes a payment provider event by purpose and buffers
// results that arrive before scheduling is confirmed.
func (c *Coordinator) applyPaymentEvent(ctx context.Context, ev models.WebhookEvent) error {
	var (
		bookingID string
		err       error
	)
	switch e := ev.(type) {
	case models.CheckoutCompleted:
		bookingID = e.BookingID
		switch e.Purpose {
		case models.PurposeAdjustment:
			err = c.settleAdjustmentPayment(ctx, e)
		case models.PurposeCompensate:
			return nil
		default:
			_, err = c.RecordPaymentOutcome(ctx, models.PaymentOutcome{
				BookingID:        e.BookingID,
				Reference:        e.SessionRef,
				PaymentIntentRef: e.PaymentIntentRef,
				Succeeded:        true,
				Amount:           e.Amount,
				Currency:         e.Currency,
			})
		}
	case models.PaymentAttemptFailed:
		bookingID = e.BookingID
		if e.Purpose == models.PurposeAdjustment {
			// The client can retry on the same checkout page.
			c.logger.Info("Price adjustment payment failed", zap.String("bookingId", e.BookingID), zap.String("reason", e.Reason))
			return nil
		}
		_, err = c.RecordPaymentOutcome(ctx, models.PaymentOutcome{
			BookingID:        e.BookingID,
			Reference:        e.AttemptRef,
			PaymentIntentRef: e.PaymentIntentRef,
			FailureReason:    e.Reason,
		})
	case models.RefundSettled:
		bookingID = e.BookingID
		switch e.Purpose {
		case models.PurposeAdjustment:
			_, err = c.settleAdjustmentRefund(ctx, e)
		case models.PurposeCompensate:
			c.logger.Info("Compensating refund settled",
				zap.String("bookingId", e.BookingID), zap.String("refundId", e.RefundRef), zap.Bool("succeeded", e.Succeeded))
			return nil
		default:
			_, err = c.RecordRefundOutcome(ctx, models.RefundOutcome{
				BookingID:        e.BookingID,
				RefundRef:        e.RefundRef,
				PaymentIntentRef: e.PaymentIntentRef,
				Amount:           e.Amount,
				Succeeded:        e.Succeeded,
				FailureReason:    e.FailureReason,
			})
		}
	default:
		return models.ErrUnknownEventType
	}

	if errors.Is(err, ErrOutOfOrder) {
		return c.bufferAndRecheck(ctx, paymentBufferPrefix+bookingID, ev, func() (*models.Booking, error) {
			return c.bookings.GetByID(ctx, bookingID)
		})
	}
	return err
}
