package booking

import (
	"context"
	"time"

	bookingRepo "buildappswith/database/repository/booking"
	sessionTypeRepo "buildappswith/database/repository/sessiontype"
	webhookRepo "buildappswith/database/repository/webhook"
	"buildappswith/models"
	"buildappswith/utils"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config holds the Coordinator's limits and timeouts.
type Config struct {
	MaxPaymentAttempts  int
	MaxRecoveryAttempts int
	// PendingTTL is how long a booking may wait in a pre-confirmation state.
	PendingTTL time.Duration
	// BufferTTL is how long an out-of-order webhook event is kept.
	BufferTTL time.Duration
	// RefundRetryAfter is how long a refund may stay pending before the sweep
	// re-sends it or reconciles it with the provider.
	RefundRetryAfter time.Duration
	// RecoveryAfter is how long a booking stays in an ERROR_* state before the sweep recovers it.
	RecoveryAfter  time.Duration
	SuccessURL     string
	CancelURL      string
	SweepBatchSize int
}

func (c Config) withDefaults() Config {
	if c.MaxPaymentAttempts <= 0 {
		c.MaxPaymentAttempts = 3
	}
	if c.MaxRecoveryAttempts <= 0 {
		c.MaxRecoveryAttempts = 3
	}
	if c.PendingTTL <= 0 {
		c.PendingTTL = 30 * time.Minute
	}
	if c.BufferTTL <= 0 {
		c.BufferTTL = 10 * time.Minute
	}
	if c.RefundRetryAfter <= 0 {
		c.RefundRetryAfter = 5 * time.Minute
	}
	if c.RecoveryAfter <= 0 {
		c.RecoveryAfter = 2 * time.Minute
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = 100
	}
	return c
}

// Deps are the collaborators the Coordinator is built from. Expiry and
// Publisher are optional.
type Deps struct {
	Bookings     bookingRepo.BookingRepository
	SessionTypes sessionTypeRepo.SessionTypeRepository
	Scheduling   SchedulingProvider
	Payments     PaymentProvider
	Webhooks     webhookRepo.WebhookStore
	Expiry       ExpiryScheduler
	Publisher    Publisher
	Logger       *zap.Logger
	Metrics      *utils.Metrics
}

// Coordinator is the only writer of booking lifecycle and payment state.
type Coordinator struct {
	bookings     bookingRepo.BookingRepository
	sessionTypes sessionTypeRepo.SessionTypeRepository
	scheduling   SchedulingProvider
	payments     PaymentProvider
	webhooks     webhookRepo.WebhookStore
	expiry       ExpiryScheduler
	publisher    Publisher
	logger       *zap.Logger
	metrics      *utils.Metrics
	cfg          Config

	now   func() time.Time
	newID func() string
}

var _ BookingCoordinator = (*Coordinator)(nil)

func NewCoordinator(deps Deps, cfg Config) *Coordinator {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		bookings:     deps.Bookings,
		sessionTypes: deps.SessionTypes,
		scheduling:   deps.Scheduling,
		payments:     deps.Payments,
		webhooks:     deps.Webhooks,
		expiry:       deps.Expiry,
		publisher:    deps.Publisher,
		logger:       logger,
		metrics:      deps.Metrics,
		cfg:          cfg.withDefaults(),
		now:          time.Now,
		newID:        uuid.NewString,
	}
}

// SetClock overrides the time source.
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

func (c *Coordinator) load(ctx context.Context, bookingID string) (*models.Booking, error) {
	b, err := c.bookings.GetByID(ctx, bookingID)
	if err != nil {
		return nil, mapRepoError(err, bookingID)
	}
	return b, nil
}

// GetBooking returns the current booking.
func (c *Coordinator) GetBooking(ctx context.Context, bookingID string) (*models.Booking, error) {
	return c.load(ctx, bookingID)
}

// ListBookings returns a client's or a builder's bookings, newest first.
func (c *Coordinator) ListBookings(ctx context.Context, filter ListFilter) ([]*models.Booking, error) {
	switch {
	case filter.ClientID != "":
		return c.bookings.ListByClient(ctx, filter.ClientID, filter.Limit)
	case filter.BuilderID != "":
		return c.bookings.ListByBuilder(ctx, filter.BuilderID, filter.Limit)
	}
	return nil, validationError("a client or builder id is required")
}

// ClaimBooking attaches an anonymous booking to the now authenticated client.
func (c *Coordinator) ClaimBooking(ctx context.Context, bookingID, clientID string) (*models.Booking, error) {
	if clientID == "" {
		return nil, validationError("client id is required")
	}
	b, err := c.load(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	switch b.ClientID {
	case clientID:
		return b, nil
	case "":
		return c.update(ctx, b, func(next *models.Booking) { next.ClientID = clientID })
	}
	return nil, &Error{Code: CodeForbidden, Message: ErrForbidden.Message, BookingID: bookingID}
}
