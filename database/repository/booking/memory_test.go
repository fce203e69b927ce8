package bookingRepo

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"buildappswith/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBooking(id, token string) *models.Booking {
	now := time.Now()
	return &models.Booking{
		ID:               id,
		BuilderID:        "builder-1",
		ClientID:         "client-1",
		CorrelationToken: token,
		State:            models.StateScheduledPendingConfirmation,
		PaymentStatus:    models.PaymentUnpaid,
		StateData:        models.SchedulingData{ProposedEventRef: "evt-" + id, RecordedAt: now},
		LastTransition:   now,
		CreatedAt:        now,
	}
}

func TestMemoryRepo_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryBookingRepo()

	require.NoError(t, repo.Create(ctx, newBooking("b1", "tok-1")))

	got, err := repo.GetByID(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, models.StateScheduledPendingConfirmation, got.State)
	assert.IsType(t, models.SchedulingData{}, got.StateData)

	byToken, err := repo.GetByCorrelationToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "b1", byToken.ID)

	_, err = repo.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRepo_CreateRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryBookingRepo()
	require.NoError(t, repo.Create(ctx, newBooking("b1", "tok-1")))

	assert.ErrorIs(t, repo.Create(ctx, newBooking("b1", "tok-2")), ErrDuplicate)
	assert.ErrorIs(t, repo.Create(ctx, newBooking("b2", "tok-1")), ErrDuplicate)
}

func TestMemoryRepo_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryBookingRepo()
	require.NoError(t, repo.Create(ctx, newBooking("b1", "tok-1")))

	got, err := repo.GetByID(ctx, "b1")
	require.NoError(t, err)
	got.State = models.StateBookingConfirmed

	again, err := repo.GetByID(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, models.StateScheduledPendingConfirmation, again.State)
}

func TestMemoryRepo_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryBookingRepo()
	require.NoError(t, repo.Create(ctx, newBooking("b1", "tok-1")))

	cur, err := repo.GetByID(ctx, "b1")
	require.NoError(t, err)

	next := cur.Clone()
	next.State = models.StateScheduleConfirmed
	next.StateData = models.ConfirmationData{EventRef: "evt-b1"}
	next.Version = cur.Version + 1

	require.NoError(t, repo.CompareAndSwap(ctx, cur.State, cur.Version, next))

	// A second writer holding the old snapshot loses.
	stale := cur.Clone()
	stale.State = models.StateErrorScheduling
	stale.Version = cur.Version + 1
	assert.ErrorIs(t, repo.CompareAndSwap(ctx, cur.State, cur.Version, stale), ErrConflict)

	missing := newBooking("nope", "tok-x")
	assert.ErrorIs(t, repo.CompareAndSwap(ctx, missing.State, 0, missing), ErrNotFound)
}

func TestMemoryRepo_CompareAndSwapSingleWinner(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryBookingRepo()
	require.NoError(t, repo.Create(ctx, newBooking("b1", "tok-1")))
	cur, err := repo.GetByID(ctx, "b1")
	require.NoError(t, err)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := cur.Clone()
			next.State = models.StateScheduleConfirmed
			next.StateData = models.ConfirmationData{EventRef: "evt"}
			next.Version = cur.Version + 1
			if repo.CompareAndSwap(ctx, cur.State, cur.Version, next) == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestMemoryRepo_ListStale(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryBookingRepo()

	old := newBooking("old", "tok-old")
	old.LastTransition = time.Now().Add(-time.Hour)
	fresh := newBooking("fresh", "tok-fresh")
	confirmed := newBooking("done", "tok-done")
	confirmed.State = models.StateBookingConfirmed
	confirmed.LastTransition = time.Now().Add(-2 * time.Hour)

	for _, b := range []*models.Booking{old, fresh, confirmed} {
		require.NoError(t, repo.Create(ctx, b))
	}

	stale, err := repo.ListStale(ctx, []models.LifecycleState{models.StateScheduledPendingConfirmation}, time.Now().Add(-30*time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "old", stale[0].ID)
}

func TestMemoryRepo_ListByClient(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryBookingRepo()

	first := newBooking("b1", "tok-1")
	first.CreatedAt = time.Now().Add(-time.Minute)
	second := newBooking("b2", "tok-2")
	other := newBooking("b3", "tok-3")
	other.ClientID = "someone-else"
	for _, b := range []*models.Booking{first, second, other} {
		require.NoError(t, repo.Create(ctx, b))
	}

	list, err := repo.ListByClient(ctx, "client-1", 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b2", list[0].ID)

	limited, err := repo.ListByClient(ctx, "client-1", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
