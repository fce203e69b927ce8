package booking

import (
	"context"
	"errors"
	"fmt"

	sessionTypeRepo "buildappswith/database/repository/sessiontype"
	"buildappswith/models"

	"go.uber.org/zap"
)

// RescheduleBooking moves a confirmed booking to another slot, optionally of a
// different session type. The slot is re-verified with the scheduling provider.
// When the price changes the move is parked as a pending adjustment until the
// extra payment or partial refund settles.
func (c *Coordinator) RescheduleBooking(ctx context.Context, req RescheduleRequest) (*models.Booking, error) {
	b, err := c.load(ctx, req.BookingID)
	if err != nil {
		return nil, err
	}
	if b.State != models.StateBookingConfirmed {
		return nil, invalidState(b, "reschedule")
	}
	if b.PendingAdjustment != nil {
		return nil, &Error{Code: CodeInvalidState, Message: "a price adjustment is already pending", BookingID: b.ID}
	}

	st, err := c.rescheduleTarget(ctx, b, req.NewSessionTypeID)
	if err != nil {
		return nil, err
	}
	slot, err := normalizeSlot(req.Slot, st)
	if err != nil {
		return nil, err
	}
	if !slot.Start.After(c.now()) {
		return nil, &Error{Code: CodeInvalidTimeSlot, Message: "proposed time is in the past", BookingID: b.ID}
	}
	available, err := c.scheduling.VerifySlotStillAvailable(ctx, st.EventTypeRef, slot)
	if err != nil {
		// No error edge leaves BOOKING_CONFIRMED, so the booking stays as it was.
		return nil, providerFailure(CodeSchedulingFailed, b.ID, err)
	}
	if !available {
		return nil, ErrInvalidTimeSlot
	}

	newAmount := st.Price
	if st.ID == b.SessionTypeID {
		newAmount = b.Amount
	}
	adj := models.PriceAdjustment{
		Token:            c.newID(),
		NewAmount:        newAmount,
		NewSessionTypeID: st.ID,
		NewSessionTitle:  st.Title,
		NewDuration:      st.Duration,
		NewStart:         slot.Start,
		NewEnd:           slot.End,
		NewEventRef:      req.NewEventRef,
		RequestedAt:      c.now(),
	}

	diff := newAmount - b.Amount
	switch {
	case diff > 0:
		adj.Kind = models.AdjustmentAdditionalPayment
		adj.Amount = diff
		return c.requestAdditionalPayment(ctx, b, adj)
	case diff < 0 && b.PaymentStatus == models.PaymentPaid:
		adj.Kind = models.AdjustmentPartialRefund
		adj.Amount = -diff
		if adj.Amount > b.AmountPaid-b.AmountRefunded {
			return nil, validationError("price difference exceeds the refundable amount")
		}
		return c.requestPartialRefund(ctx, b, adj)
	}
	return c.finishReschedule(ctx, b, adj, "")
}

// rescheduleTarget resolves the session type the booking moves to. Staying on
// the same type keeps the booking's snapshot of price and duration.
func (c *Coordinator) rescheduleTarget(ctx context.Context, b *models.Booking, sessionTypeID string) (*models.SessionType, error) {
	if sessionTypeID == "" || sessionTypeID == b.SessionTypeID {
		st, err := c.sessionTypes.GetByID(ctx, b.SessionTypeID)
		if err != nil {
			if errors.Is(err, sessionTypeRepo.ErrNotFound) {
				return nil, ErrSessionTypeNotFound
			}
			return nil, err
		}
		snapshot := *st
		snapshot.Title = b.SessionTitle
		snapshot.Duration = b.Duration
		snapshot.Price = b.Amount
		snapshot.Currency = b.Currency
		return &snapshot, nil
	}
	st, err := c.activeSessionType(ctx, b.BuilderID, sessionTypeID)
	if err != nil {
		return nil, err
	}
	if st.Currency != b.Currency && b.Amount > 0 && st.Price > 0 {
		return nil, validationError("cannot reschedule between currencies %s and %s", b.Currency, st.Currency)
	}
	return st, nil
}

func (c *Coordinator) requestAdditionalPayment(ctx context.Context, b *models.Booking, adj models.PriceAdjustment) (*models.Booking, error) {
	held, err := c.update(ctx, b, func(next *models.Booking) { next.PendingAdjustment = &adj })
	if err != nil {
		return nil, err
	}
	session, perr := c.payments.CreateCheckoutSession(ctx, models.CheckoutRequest{
		BookingID:      held.ID,
		BuilderID:      held.BuilderID,
		ClientID:       held.ClientID,
		SessionTypeID:  adj.NewSessionTypeID,
		Description:    "Reschedule: " + adj.NewSessionTitle,
		Amount:         adj.Amount,
		Currency:       held.Currency,
		AttemptRef:     adj.Token,
		Purpose:        models.PurposeAdjustment,
		SuccessURL:     c.cfg.SuccessURL,
		CancelURL:      c.cfg.CancelURL,
		CustomerEmail:  held.ClientEmail,
		IdempotencyKey: held.ID + ":adjustment:" + adj.Token,
	})
	if perr != nil {
		c.dropAdjustment(ctx, held)
		return nil, providerFailure(CodePaymentFailed, held.ID, perr)
	}
	adj.PaymentRef = session.SessionID
	adj.CheckoutURL = session.URL
	return c.update(ctx, held, func(next *models.Booking) { next.PendingAdjustment = &adj })
}

// requestPartialRefund returns a price difference to the newest charge that
// can cover it on its own.
func (c *Coordinator) requestPartialRefund(ctx context.Context, b *models.Booking, adj models.PriceAdjustment) (*models.Booking, error) {
	capture, ok := b.CaptureCovering(adj.Amount)
	if !ok {
		return nil, validationError("no single payment covers a refund of %d", adj.Amount)
	}
	adj.RefundIntentRef = capture.IntentRef
	held, err := c.update(ctx, b, func(next *models.Booking) { next.PendingAdjustment = &adj })
	if err != nil {
		return nil, err
	}
	res, perr := c.payments.CreateRefund(ctx, models.RefundRequest{
		BookingID:        held.ID,
		PaymentIntentRef: capture.IntentRef,
		Amount:           adj.Amount,
		Purpose:          models.PurposeAdjustment,
		IdempotencyKey:   held.ID + ":adjustment:" + adj.Token,
	})
	if perr == nil && (res.Status == models.RefundStatusFailed || res.Status == models.RefundStatusCanceled) {
		perr = fmt.Errorf("refund %s %s: %s", res.RefundRef, res.Status, res.FailureReason)
	}
	if perr != nil {
		c.dropAdjustment(ctx, held)
		return nil, providerFailure(CodeRefundFailed, held.ID, perr)
	}
	adj.PaymentRef = res.RefundRef
	if res.Status == models.RefundStatusSucceeded {
		next, err := c.finishReschedule(ctx, held, adj, res.RefundRef)
		if errors.Is(err, ErrStale) {
			return c.load(ctx, held.ID)
		}
		return next, err
	}
	next, err := c.update(ctx, held, func(next *models.Booking) { next.PendingAdjustment = &adj })
	if errors.Is(err, ErrStale) {
		return c.load(ctx, held.ID)
	}
	return next, err
}

func (c *Coordinator) dropAdjustment(ctx context.Context, b *models.Booking) {
	if _, err := c.update(ctx, b, func(next *models.Booking) { next.PendingAdjustment = nil }); err != nil {
		c.logger.Error("Failed to clear price adjustment", zap.String("bookingId", b.ID), zap.Error(err))
	}
}

// finishReschedule applies the new slot through BOOKING_RESCHEDULED back to
// BOOKING_CONFIRMED in one write.
func (c *Coordinator) finishReschedule(ctx context.Context, b *models.Booking, adj models.PriceAdjustment, ref string) (*models.Booking, error) {
	prev, _ := b.StateData.(models.ConfirmedData)
	now := c.now()
	payment := b.PaymentStatus
	if adj.Kind == models.AdjustmentAdditionalPayment {
		payment = models.PaymentPaid
	}
	return c.apply(ctx, b, change{
		path:    []models.LifecycleState{models.StateBookingRescheduled, models.StateBookingConfirmed},
		payment: payment,
		data: models.ConfirmedData{
			ConfirmedAt:     prev.ConfirmedAt,
			RescheduledAt:   now,
			RescheduleToken: adj.Token,
		},
		mutate: func(next *models.Booking) {
			next.SessionTypeID = adj.NewSessionTypeID
			next.SessionTitle = adj.NewSessionTitle
			next.Duration = adj.NewDuration
			next.Amount = adj.NewAmount
			next.Start = adj.NewStart
			next.End = adj.NewEnd
			if adj.NewEventRef != "" {
				next.ExternalSchedulingRef = adj.NewEventRef
			}
			switch adj.Kind {
			case models.AdjustmentAdditionalPayment:
				next.AddCapture(ref, adj.Amount, models.PurposeAdjustment)
			case models.AdjustmentPartialRefund:
				intent := adj.RefundIntentRef
				if intent == "" {
					intent = next.PaymentIntentRef
				}
				next.ApplyRefund(intent, adj.Amount)
			}
			next.PendingAdjustment = nil
		},
	})
}

// SettlePriceAdjustment completes (settled) or abandons a pending reschedule
// identified by token. Settling an already applied token is a no-op.
func (c *Coordinator) SettlePriceAdjustment(ctx context.Context, bookingID, token string, settled bool, ref string) (*models.Booking, error) {
	b, err := c.load(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	adj := b.PendingAdjustment
	if adj == nil || adj.Token != token {
		if cd, ok := b.StateData.(models.ConfirmedData); ok && token != "" && cd.RescheduleToken == token {
			return b, nil
		}
		return nil, &Error{Code: CodeInvalidState, Message: "no pending price adjustment with that token", BookingID: b.ID}
	}
	if b.State != models.StateBookingConfirmed {
		return nil, invalidState(b, "settle price adjustment")
	}
	if !settled {
		c.logger.Info("Price adjustment abandoned", zap.String("bookingId", b.ID), zap.String("token", token))
		return c.update(ctx, b, func(next *models.Booking) { next.PendingAdjustment = nil })
	}
	return c.finishReschedule(ctx, b, *adj, ref)
}

// CancelPriceAdjustment drops a pending reschedule. A partial refund that was
// already sent to the provider cannot be withdrawn.
func (c *Coordinator) CancelPriceAdjustment(ctx context.Context, bookingID string) (*models.Booking, error) {
	b, err := c.load(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	adj := b.PendingAdjustment
	if adj == nil {
		return nil, &Error{Code: CodeInvalidState, Message: "no price adjustment is pending", BookingID: b.ID}
	}
	if adj.Kind == models.AdjustmentPartialRefund && adj.PaymentRef != "" {
		return nil, &Error{Code: CodeInvalidState, Message: "refund already requested from the payment provider", BookingID: b.ID}
	}
	return c.update(ctx, b, func(next *models.Booking) { next.PendingAdjustment = nil })
}

// settleAdjustmentPayment applies a paid reschedule checkout. Money for an
// adjustment that no longer exists is returned.
func (c *Coordinator) settleAdjustmentPayment(ctx context.Context, e models.CheckoutCompleted) error {
	b, err := c.load(ctx, e.BookingID)
	if err != nil {
		return err
	}
	if adj := b.PendingAdjustment; adj == nil || adj.Token != e.AttemptRef {
		if cd, ok := b.StateData.(models.ConfirmedData); ok && cd.RescheduleToken == e.AttemptRef {
			return nil
		}
		c.compensate(ctx, b.ID, e.PaymentIntentRef, "payment for abandoned reschedule")
		return nil
	}
	_, err = c.SettlePriceAdjustment(ctx, e.BookingID, e.AttemptRef, true, e.PaymentIntentRef)
	return err
}

// settleAdjustmentRefund matches a refund notification to the pending partial refund.
func (c *Coordinator) settleAdjustmentRefund(ctx context.Context, e models.RefundSettled) (*models.Booking, error) {
	b, err := c.load(ctx, e.BookingID)
	if err != nil {
		return nil, err
	}
	adj := b.PendingAdjustment
	if adj == nil || adj.Kind != models.AdjustmentPartialRefund || (adj.PaymentRef != "" && adj.PaymentRef != e.RefundRef) {
		c.logger.Info("Refund notification matches no pending adjustment",
			zap.String("bookingId", b.ID), zap.String("refundId", e.RefundRef))
		return b, nil
	}
	if !e.Succeeded {
		c.logger.Error("Reschedule partial refund failed",
			zap.String("bookingId", b.ID), zap.String("refundId", e.RefundRef), zap.String("reason", e.FailureReason))
	}
	return c.SettlePriceAdjustment(ctx, b.ID, adj.Token, e.Succeeded, e.RefundRef)
}
