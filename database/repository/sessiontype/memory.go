package sessionTypeRepo

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"buildappswith/models"
)

type memorySessionTypeRepo struct {
	mu    sync.RWMutex
	items map[string]models.SessionType
}

func NewMemorySessionTypeRepo() SessionTypeRepository {
	return &memorySessionTypeRepo{items: make(map[string]models.SessionType)}
}

func (r *memorySessionTypeRepo) Create(_ context.Context, st *models.SessionType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[st.ID]; ok {
		return fmt.Errorf("session type %s already exists", st.ID)
	}
	r.items[st.ID] = *st
	return nil
}

func (r *memorySessionTypeRepo) GetByID(_ context.Context, id string) (*models.SessionType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &st, nil
}

func (r *memorySessionTypeRepo) ListByBuilder(_ context.Context, builderID string, activeOnly bool) ([]*models.SessionType, error) {
	r.mu.RLock()
	var out []*models.SessionType
	for _, st := range r.items {
		if st.BuilderID != builderID || (activeOnly && !st.Active) {
			continue
		}
		st := st
		out = append(out, &st)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Price < out[j].Price })
	return out, nil
}

func (r *memorySessionTypeRepo) Update(_ context.Context, expectedVersion int64, st *models.SessionType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.items[st.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrConflict
	}
	r.items[st.ID] = *st
	return nil
}

func (r *memorySessionTypeRepo) EnsureIndexes(context.Context) error { return nil }
