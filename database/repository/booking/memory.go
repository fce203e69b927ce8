package bookingRepo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"buildappswith/models"
)

type memoryBookingRepo struct {
	mu       sync.RWMutex
	bookings map[string]*models.Booking
}

// NewMemoryBookingRepo keeps bookings in process memory. Used for local runs and tests.
func NewMemoryBookingRepo() BookingRepository {
	return &memoryBookingRepo{bookings: make(map[string]*models.Booking)}
}

func (r *memoryBookingRepo) Create(_ context.Context, booking *models.Booking) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bookings[booking.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, booking.ID)
	}
	for _, b := range r.bookings {
		if b.CorrelationToken == booking.CorrelationToken {
			return fmt.Errorf("%w: correlation token %s", ErrDuplicate, booking.CorrelationToken)
		}
	}
	r.bookings[booking.ID] = booking.Clone()
	return nil
}

func (r *memoryBookingRepo) GetByID(_ context.Context, id string) (*models.Booking, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return b.Clone(), nil
}

func (r *memoryBookingRepo) findFirst(match func(*models.Booking) bool) (*models.Booking, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.bookings {
		if match(b) {
			return b.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (r *memoryBookingRepo) GetByCorrelationToken(_ context.Context, token string) (*models.Booking, error) {
	return r.findFirst(func(b *models.Booking) bool { return b.CorrelationToken == token })
}

func (r *memoryBookingRepo) GetBySchedulingRef(_ context.Context, eventRef string) (*models.Booking, error) {
	return r.findFirst(func(b *models.Booking) bool {
		return b.ExternalSchedulingRef != "" && b.ExternalSchedulingRef == eventRef
	})
}

func (r *memoryBookingRepo) CompareAndSwap(_ context.Context, expectedState models.LifecycleState, expectedVersion int64, next *models.Booking) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.bookings[next.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.State != expectedState || cur.Version != expectedVersion {
		return ErrConflict
	}
	r.bookings[next.ID] = next.Clone()
	return nil
}

func (r *memoryBookingRepo) list(match func(*models.Booking) bool, less func(a, b *models.Booking) bool, limit int) []*models.Booking {
	r.mu.RLock()
	var out []*models.Booking
	for _, b := range r.bookings {
		if match(b) {
			out = append(out, b.Clone())
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func newestFirst(a, b *models.Booking) bool { return a.CreatedAt.After(b.CreatedAt) }

func (r *memoryBookingRepo) ListByClient(_ context.Context, clientID string, limit int) ([]*models.Booking, error) {
	return r.list(func(b *models.Booking) bool { return b.ClientID == clientID }, newestFirst, limit), nil
}

func (r *memoryBookingRepo) ListByBuilder(_ context.Context, builderID string, limit int) ([]*models.Booking, error) {
	return r.list(func(b *models.Booking) bool { return b.BuilderID == builderID }, newestFirst, limit), nil
}

func (r *memoryBookingRepo) ListStale(_ context.Context, states []models.LifecycleState, cutoff time.Time, limit int) ([]*models.Booking, error) {
	wanted := make(map[models.LifecycleState]bool, len(states))
	for _, s := range states {
		wanted[s] = true
	}
	return r.list(
		func(b *models.Booking) bool { return wanted[b.State] && b.LastTransition.Before(cutoff) },
		func(a, b *models.Booking) bool { return a.LastTransition.Before(b.LastTransition) },
		limit,
	), nil
}

func (r *memoryBookingRepo) EnsureIndexes(context.Context) error { return nil }
