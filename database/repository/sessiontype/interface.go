package sessionTypeRepo

import (
	"context"
	"errors"

	"buildappswith/models"
)

var (
	ErrNotFound = errors.New("session type not found")
	ErrConflict = errors.New("session type was modified concurrently")
)

// SessionTypeRepository persists builder session types.
type SessionTypeRepository interface {
	Create(ctx context.Context, st *models.SessionType) error
	GetByID(ctx context.Context, id string) (*models.SessionType, error)
	ListByBuilder(ctx context.Context, builderID string, activeOnly bool) ([]*models.SessionType, error)
	// Update writes st if the stored version equals expectedVersion.
	Update(ctx context.Context, expectedVersion int64, st *models.SessionType) error
	EnsureIndexes(ctx context.Context) error
}
