package bookingRepo

import (
	"context"
	"errors"
	"time"

	"buildappswith/models"
)

var (
	ErrNotFound  = errors.New("booking not found")
	ErrConflict  = errors.New("booking was modified concurrently")
	ErrDuplicate = errors.New("booking already exists")
)

// BookingRepository persists bookings. Every state change goes through
// CompareAndSwap so that two writers racing on the same booking cannot both win.
type BookingRepository interface {
	Create(ctx context.Context, booking *models.Booking) error
	GetByID(ctx context.Context, id string) (*models.Booking, error)
	GetByCorrelationToken(ctx context.Context, token string) (*models.Booking, error)
	GetBySchedulingRef(ctx context.Context, eventRef string) (*models.Booking, error)
	// CompareAndSwap replaces the stored booking with next only if the stored
	// currentState and version still equal expectedState and expectedVersion.
	CompareAndSwap(ctx context.Context, expectedState models.LifecycleState, expectedVersion int64, next *models.Booking) error
	ListByClient(ctx context.Context, clientID string, limit int) ([]*models.Booking, error)
	ListByBuilder(ctx context.Context, builderID string, limit int) ([]*models.Booking, error)
	// ListStale returns bookings in one of states whose last transition happened before cutoff.
	ListStale(ctx context.Context, states []models.LifecycleState, cutoff time.Time, limit int) ([]*models.Booking, error)
	EnsureIndexes(ctx context.Context) error
}
