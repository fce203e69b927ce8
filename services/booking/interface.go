package booking

import (
	"context"
	"time"

	"buildappswith/models"
	"buildappswith/services/events"
)

// SchedulingProvider is the part of the scheduling adapter the Coordinator calls.
type SchedulingProvider interface {
	ListAvailableSlots(ctx context.Context, eventTypeRef string, rng models.DateRange) ([]models.TimeSlot, error)
	VerifySlotStillAvailable(ctx context.Context, eventTypeRef string, slot models.TimeSlot) (bool, error)
}

// PaymentProvider is the part of the payment adapter the Coordinator calls.
type PaymentProvider interface {
	CreateCheckoutSession(ctx context.Context, req models.CheckoutRequest) (*models.CheckoutSession, error)
	CreateRefund(ctx context.Context, req models.RefundRequest) (*models.RefundResult, error)
	GetRefund(ctx context.Context, refundRef string) (*models.RefundResult, error)
}

// ExpiryScheduler arranges for a pending booking to be checked once its TTL has passed.
type ExpiryScheduler interface {
	ScheduleExpiry(ctx context.Context, bookingID string, at time.Time) error
}

// Publisher receives every persisted transition.
type Publisher interface {
	Publish(ctx context.Context, ev events.BookingEvent) error
}

// BookingCoordinator is the booking lifecycle state machine.
type BookingCoordinator interface {
	BeginSessionSelection(ctx context.Context, builderID, sessionTypeID, clientID string) (*models.BookingDraft, error)
	RecordExternalScheduling(ctx context.Context, draft models.BookingDraft, slot models.TimeSlot, externalEventRef string, contact models.ClientContact) (*models.Booking, error)
	ConfirmExternalScheduling(ctx context.Context, bookingID, externalEventRef string) (*models.Booking, error)
	InitiatePayment(ctx context.Context, bookingID string) (*models.CheckoutResult, error)
	RecordPaymentOutcome(ctx context.Context, outcome models.PaymentOutcome) (*models.Booking, error)
	CancelBooking(ctx context.Context, bookingID, reason string, initiator models.Initiator) (*models.Booking, error)
	InitiateRefund(ctx context.Context, bookingID string, amount int64, reason string, initiator models.Initiator) (*models.Booking, error)
	RecordRefundOutcome(ctx context.Context, outcome models.RefundOutcome) (*models.Booking, error)
	RescheduleBooking(ctx context.Context, req RescheduleRequest) (*models.Booking, error)
	SettlePriceAdjustment(ctx context.Context, bookingID, token string, settled bool, ref string) (*models.Booking, error)
	CancelPriceAdjustment(ctx context.Context, bookingID string) (*models.Booking, error)
	RecoverBooking(ctx context.Context, bookingID string) (*models.Booking, error)
	ClaimBooking(ctx context.Context, bookingID, clientID string) (*models.Booking, error)
	GetBooking(ctx context.Context, bookingID string) (*models.Booking, error)
	ListBookings(ctx context.Context, filter ListFilter) ([]*models.Booking, error)
	HandleWebhookEvent(ctx context.Context, ev models.WebhookEvent) error

	ExpireBooking(ctx context.Context, bookingID string) (*models.Booking, error)
	ExpireStaleBookings(ctx context.Context) (int, error)
	ExpireBufferedEvents(ctx context.Context) (int, error)
	RetryStuckRefunds(ctx context.Context) (int, error)
	RecoverStuckBookings(ctx context.Context) (int, error)
}

// RescheduleRequest moves a confirmed booking to a new slot, optionally of another session type.
type RescheduleRequest struct {
	BookingID        string
	Slot             models.TimeSlot
	NewSessionTypeID string
	NewEventRef      string
}

// ListFilter selects bookings by owner. Exactly one of ClientID and BuilderID is set.
type ListFilter struct {
	ClientID  string
	BuilderID string
	Limit     int
}
