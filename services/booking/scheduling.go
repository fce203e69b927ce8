package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"

	bookingRepo "buildappswith/database/repository/booking"
	"buildappswith/models"

	"go.uber.org/zap"
)

const (
	schedulingBufferPrefix = "sched:"
	paymentBufferPrefix    = "pay:"
)

// RecordExternalScheduling persists a booking for the slot the client chose.
// The slot is re-checked with the scheduling provider first; an unavailable
// slot is rejected without writing anything.
func (c *Coordinator) RecordExternalScheduling(ctx context.Context, draft models.BookingDraft, slot models.TimeSlot, externalEventRef string, contact models.ClientContact) (*models.Booking, error) {
	if draft.CorrelationToken == "" {
		return nil, validationError("draft has no correlation token")
	}
	if existing, err := c.bookings.GetByCorrelationToken(ctx, draft.CorrelationToken); err == nil {
		// The same draft submitted twice yields the same booking.
		return existing, nil
	} else if !errors.Is(err, bookingRepo.ErrNotFound) {
		return nil, err
	}

	st, err := c.activeSessionType(ctx, draft.BuilderID, draft.SessionTypeID)
	if err != nil {
		return nil, err
	}
	slot, err = normalizeSlot(slot, st)
	if err != nil {
		return nil, err
	}
	if !slot.Start.After(c.now()) {
		return nil, &Error{Code: CodeInvalidTimeSlot, Message: "proposed time is in the past"}
	}

	now := c.now()
	b := &models.Booking{
		ID:               c.newID(),
		BuilderID:        st.BuilderID,
		ClientID:         draft.ClientID,
		SessionTypeID:    st.ID,
		SessionTitle:     st.Title,
		Duration:         st.Duration,
		Amount:           st.Price,
		Currency:         st.Currency,
		Start:            slot.Start,
		End:              slot.End,
		CorrelationToken: draft.CorrelationToken,
		ClientEmail:      contact.Email,
		ClientName:       contact.Name,
		ClientTimezone:   contact.Timezone,
		Notes:            contact.Notes,
		PaymentStatus:    models.PaymentUnpaid,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
		LastTransition:   now,
	}
	if b.IsFree() {
		b.PaymentStatus = models.PaymentExempt
	}
	entry := []models.LifecycleState{models.StateSessionTypeSelection, models.StateSchedulingInProgress}

	available, verr := c.scheduling.VerifySlotStillAvailable(ctx, st.EventTypeRef, slot)
	if verr == nil && !available {
		return nil, ErrInvalidTimeSlot
	}

	path := append(entry, models.StateScheduledPendingConfirmation)
	if verr != nil {
		// The provider could not answer. Keep the attempt so it can be recovered.
		path = append(entry, models.StateErrorScheduling)
		b.StateData = models.ErrorData{
			Kind:        providerKind(verr),
			Message:     verr.Error(),
			ResumeState: models.StateScheduledPendingConfirmation,
			Recoverable: true,
			OccurredAt:  now,
		}
	} else {
		b.StateData = models.SchedulingData{
			ProposedEventRef: externalEventRef,
			ProposedStart:    slot.Start,
			ProposedEnd:      slot.End,
			RecordedAt:       now,
		}
	}
	from := models.StateIdle
	for _, to := range path {
		b.History = append(b.History, models.Transition{From: from, To: to, At: now})
		from = to
	}
	b.State = from

	if err := c.bookings.Create(ctx, b); err != nil {
		if errors.Is(err, bookingRepo.ErrDuplicate) {
			if existing, gerr := c.bookings.GetByCorrelationToken(ctx, draft.CorrelationToken); gerr == nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("failed to create booking: %w", err)
	}
	hop := models.StateIdle
	for _, to := range path {
		c.metrics.ObserveTransition(string(hop), string(to))
		hop = to
	}
	c.publish(ctx, models.StateIdle, b)
	c.logger.Info("Booking recorded",
		zap.String("bookingId", b.ID),
		zap.String("state", string(b.State)),
		zap.String("correlationToken", b.CorrelationToken),
	)

	if verr != nil {
		return b, &Error{Code: CodeSchedulingFailed, BookingID: b.ID, Recoverable: true, Err: verr}
	}

	c.scheduleExpiry(ctx, b)
	return c.drain(ctx, b, schedulingBufferPrefix+b.CorrelationToken)
}

// normalizeSlot fills a missing end from the session duration and rejects
// slots whose length does not match it.
func normalizeSlot(slot models.TimeSlot, st *models.SessionType) (models.TimeSlot, error) {
	if slot.Start.IsZero() {
		return slot, validationError("proposed start is required")
	}
	if slot.End.IsZero() {
		slot.End = slot.Start.Add(st.Duration)
	}
	if !slot.End.After(slot.Start) {
		return slot, &Error{Code: CodeInvalidTimeSlot, Message: "slot must end after it starts"}
	}
	if st.Duration > 0 && slot.End.Sub(slot.Start) != st.Duration {
		return slot, &Error{Code: CodeInvalidTimeSlot, Message: fmt.Sprintf("slot length must be %s", st.Duration)}
	}
	return slot, nil
}

func (c *Coordinator) scheduleExpiry(ctx context.Context, b *models.Booking) {
	if c.expiry == nil {
		return
	}
	if err := c.expiry.ScheduleExpiry(ctx, b.ID, b.LastTransition.Add(c.cfg.PendingTTL)); err != nil {
		// The periodic sweep still catches it.
		c.logger.Warn("Failed to schedule booking expiry", zap.String("bookingId", b.ID), zap.Error(err))
	}
}

// ConfirmExternalScheduling records that the scheduling provider holds the
// event. Free bookings are confirmed in the same write.
func (c *Coordinator) ConfirmExternalScheduling(ctx context.Context, bookingID, externalEventRef string) (*models.Booking, error) {
	b, err := c.load(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	return c.confirmScheduling(ctx, b, models.InviteeCreated{EventRef: externalEventRef})
}

func (c *Coordinator) confirmScheduling(ctx context.Context, b *models.Booking, ev models.InviteeCreated) (*models.Booking, error) {
	if ev.EventRef == "" {
		return nil, validationError("external event reference is required")
	}
	if b.State != models.StateScheduledPendingConfirmation {
		if b.ExternalSchedulingRef == ev.EventRef {
			return b, nil
		}
		if resumesScheduling(b) {
			return nil, &Error{Code: CodeOutOfOrder, Message: "scheduling confirmed while the booking is being recovered", BookingID: b.ID}
		}
		return nil, invalidState(b, "confirm scheduling")
	}
	if sd, ok := b.StateData.(models.SchedulingData); ok && sd.ProposedEventRef != "" && sd.ProposedEventRef != ev.EventRef {
		c.logger.Warn("Scheduling provider confirmed a different event than proposed",
			zap.String("bookingId", b.ID),
			zap.String("proposed", sd.ProposedEventRef),
			zap.String("confirmed", ev.EventRef),
		)
	}

	now := c.now()
	mutate := func(next *models.Booking) {
		next.ExternalSchedulingRef = ev.EventRef
		if !ev.Start.IsZero() && !ev.End.IsZero() {
			next.Start, next.End = ev.Start, ev.End
		}
		if next.ClientEmail == "" {
			next.ClientEmail = ev.Email
		}
		if next.ClientName == "" {
			next.ClientName = ev.Name
		}
		if next.ClientTimezone == "" {
			next.ClientTimezone = ev.Timezone
		}
	}

	var ch change
	if b.IsFree() {
		ch = change{
			path:    []models.LifecycleState{models.StateScheduleConfirmed, models.StateBookingConfirmed},
			payment: models.PaymentExempt,
			data:    models.ConfirmedData{ConfirmedAt: now},
			mutate:  mutate,
		}
	} else {
		ch = change{
			path:   []models.LifecycleState{models.StateScheduleConfirmed},
			data:   models.ConfirmationData{EventRef: ev.EventRef, ConfirmedAt: now},
			mutate: mutate,
		}
	}
	next, err := c.apply(ctx, b, ch)
	if err != nil {
		return nil, err
	}
	return c.drain(ctx, next, paymentBufferPrefix+next.ID)
}

// applyInviteeCreated routes a scheduling confirmation to its booking, or
// buffers it when the booking has not been recorded yet.
func (c *Coordinator) applyInviteeCreated(ctx context.Context, ev models.InviteeCreated) error {
	b, err := c.bookings.GetByCorrelationToken(ctx, ev.CorrelationToken)
	if errors.Is(err, bookingRepo.ErrNotFound) {
		return c.bufferAndRecheck(ctx, schedulingBufferPrefix+ev.CorrelationToken, ev, func() (*models.Booking, error) {
			return c.bookings.GetByCorrelationToken(ctx, ev.CorrelationToken)
		})
	}
	if err != nil {
		return err
	}
	_, err = c.confirmScheduling(ctx, b, ev)
	if errors.Is(err, ErrOutOfOrder) {
		// Recovery drains this key once the booking awaits confirmation again.
		return c.bufferAndRecheck(ctx, schedulingBufferPrefix+ev.CorrelationToken, ev, func() (*models.Booking, error) {
			cur, err := c.bookings.GetByCorrelationToken(ctx, ev.CorrelationToken)
			if err == nil && cur.State != models.StateScheduledPendingConfirmation {
				return nil, ErrOutOfOrder
			}
			return cur, err
		})
	}
	return err
}

// resumesScheduling reports whether b is in an error or recovery state that
// will return it to SCHEDULED_PENDING_CONFIRMATION.
func resumesScheduling(b *models.Booking) bool {
	switch sd := b.StateData.(type) {
	case models.ErrorData:
		return b.State.IsError() && sd.ResumeState == models.StateScheduledPendingConfirmation
	case models.RecoveryData:
		return b.State == models.StateErrorRecovery && !sd.Terminal && sd.ResumeState == models.StateScheduledPendingConfirmation
	}
	return false
}

// applyInviteeCanceled handles a cancellation made on the scheduling provider.
func (c *Coordinator) applyInviteeCanceled(ctx context.Context, ev models.InviteeCanceled) error {
	if ev.Rescheduled {
		// The provider follows up with a new invitee; reschedules go through RescheduleBooking.
		c.logger.Info("Ignoring provider-side reschedule cancellation", zap.String("eventRef", ev.EventRef))
		return nil
	}
	b, err := c.bookings.GetBySchedulingRef(ctx, ev.EventRef)
	if errors.Is(err, bookingRepo.ErrNotFound) && ev.CorrelationToken != "" {
		b, err = c.bookings.GetByCorrelationToken(ctx, ev.CorrelationToken)
		if errors.Is(err, bookingRepo.ErrNotFound) {
			return c.bufferAndRecheck(ctx, schedulingBufferPrefix+ev.CorrelationToken, ev, func() (*models.Booking, error) {
				return c.bookings.GetByCorrelationToken(ctx, ev.CorrelationToken)
			})
		}
	}
	if err != nil {
		return mapRepoError(err, "")
	}

	reason := ev.Reason
	if reason == "" {
		reason = "cancelled on scheduling provider"
	}
	switch {
	case b.State == models.StateBookingConfirmed:
		_, err = c.CancelBooking(ctx, b.ID, reason, models.InitiatorSchedulingProvider)
		return err
	case b.State.IsPendingConfirmation():
		_, err = c.release(ctx, b, reason)
		return err
	}
	c.logger.Info("Scheduling cancellation needs no transition",
		zap.String("bookingId", b.ID), zap.String("state", string(b.State)))
	return nil
}

// bufferAndRecheck parks ev under key. If the booking showed up while the
// event was being buffered, the buffer is drained right away.
func (c *Coordinator) bufferAndRecheck(ctx context.Context, key string, ev models.WebhookEvent, lookup func() (*models.Booking, error)) error {
	if err := c.webhooks.Buffer(ctx, key, ev, c.cfg.BufferTTL); err != nil {
		return err
	}
	c.logger.Info("Buffered out-of-order webhook event",
		zap.String("key", key), zap.String("eventId", ev.EventID()), zap.String("type", ev.EventType()))

	b, err := lookup()
	if err != nil {
		return nil
	}
	if strings.HasPrefix(key, paymentBufferPrefix) && b.ExternalSchedulingRef == "" {
		// Payment events wait until the scheduling provider has confirmed.
		return nil
	}
	_, err = c.drain(ctx, b, key)
	return err
}

// drain applies every event buffered under key to b, in arrival order, and
// returns the latest booking. Events that still cannot apply go back into the buffer.
func (c *Coordinator) drain(ctx context.Context, b *models.Booking, key string) (*models.Booking, error) {
	if c.webhooks == nil {
		return b, nil
	}
	pending, err := c.webhooks.Drain(ctx, key)
	if err != nil {
		c.logger.Warn("Failed to drain webhook buffer", zap.String("key", key), zap.Error(err))
		return b, nil
	}
	for _, ev := range pending {
		if err := c.HandleWebhookEvent(ctx, ev); err != nil && !IsBenign(err) {
			c.logger.Warn("Buffered webhook event failed, re-buffering",
				zap.String("key", key), zap.String("eventId", ev.EventID()), zap.Error(err))
			if berr := c.webhooks.Buffer(ctx, key, ev, c.cfg.BufferTTL); berr != nil {
				c.logger.Error("Failed to re-buffer webhook event", zap.String("key", key), zap.Error(berr))
			}
		}
	}
	if len(pending) == 0 {
		return b, nil
	}
	return c.load(ctx, b.ID)
}

func providerKind(err error) string {
	if pe, ok := models.AsProviderError(err); ok {
		return string(pe.Kind)
	}
	return "unknown"
}
