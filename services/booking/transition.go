package booking

import (
	"context"
	"errors"
	"fmt"

	bookingRepo "buildappswith/database/repository/booking"
	"buildappswith/models"
	"buildappswith/services/events"

	"go.uber.org/zap"
)

// change describes one atomic write: zero or more state hops, the payment
// status and payload that hold afterwards, plus any field updates.
type change struct {
	path    []models.LifecycleState
	payment models.PaymentStatus // empty keeps the current status
	data    models.StateData     // required when path is not empty
	mutate  func(next *models.Booking)
}

// apply validates ch against cur and persists it with a compare-and-swap on
// cur's state and version. Every hop is appended to the history.
func (c *Coordinator) apply(ctx context.Context, cur *models.Booking, ch change) (*models.Booking, error) {
	if len(ch.path) > 0 {
		if err := models.ValidatePath(cur.State, ch.path...); err != nil {
			return nil, &Error{Code: CodeInvalidState, BookingID: cur.ID, Message: err.Error()}
		}
	}

	now := c.now()
	next := cur.Clone()
	from := cur.State
	for _, to := range ch.path {
		next.History = append(next.History, models.Transition{From: from, To: to, At: now})
		from = to
	}
	next.State = from
	if ch.payment != "" {
		next.PaymentStatus = ch.payment
	}
	if len(ch.path) > 0 {
		next.StateData = ch.data
		next.LastTransition = now
	} else if ch.data != nil {
		next.StateData = ch.data
	}
	if ch.mutate != nil {
		ch.mutate(next)
	}

	if !models.ValidPaymentPair(next.State, next.PaymentStatus) {
		return nil, fmt.Errorf("booking %s: payment status %s is not valid in %s", cur.ID, next.PaymentStatus, next.State)
	}
	if !models.StateDataFits(next.State, next.StateData) {
		return nil, fmt.Errorf("booking %s: state data %T does not belong to %s", cur.ID, next.StateData, next.State)
	}

	next.Version = cur.Version + 1
	next.UpdatedAt = now
	if err := c.bookings.CompareAndSwap(ctx, cur.State, cur.Version, next); err != nil {
		return nil, mapRepoError(err, cur.ID)
	}

	hop := cur.State
	for _, to := range ch.path {
		c.metrics.ObserveTransition(string(hop), string(to))
		c.logger.Info("Booking transition",
			zap.String("bookingId", cur.ID),
			zap.String("from", string(hop)),
			zap.String("to", string(to)),
			zap.Int64("version", next.Version),
		)
		hop = to
	}
	if len(ch.path) > 0 {
		c.publish(ctx, cur.State, next)
	}
	return next, nil
}

// update persists field changes that do not move the state.
func (c *Coordinator) update(ctx context.Context, cur *models.Booking, mutate func(next *models.Booking)) (*models.Booking, error) {
	return c.apply(ctx, cur, change{mutate: mutate})
}

func (c *Coordinator) publish(ctx context.Context, from models.LifecycleState, b *models.Booking) {
	if c.publisher == nil {
		return
	}
	ev := events.BookingEvent{
		BookingID:     b.ID,
		BuilderID:     b.BuilderID,
		ClientID:      b.ClientID,
		From:          from,
		To:            b.State,
		PaymentStatus: b.PaymentStatus,
		Version:       b.Version,
		OccurredAt:    b.LastTransition,
	}
	if err := c.publisher.Publish(ctx, ev); err != nil {
		c.logger.Warn("Failed to publish booking transition", zap.String("bookingId", b.ID), zap.Error(err))
	}
}

func mapRepoError(err error, bookingID string) error {
	switch {
	case errors.Is(err, bookingRepo.ErrNotFound):
		return &Error{Code: CodeNotFound, Message: ErrNotFound.Message, BookingID: bookingID}
	case errors.Is(err, bookingRepo.ErrConflict):
		return &Error{Code: CodeStale, Message: ErrStale.Message, BookingID: bookingID, Recoverable: true}
	}
	return err
}
