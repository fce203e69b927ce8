package sessiontype

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sessionTypeRepo "buildappswith/database/repository/sessiontype"
	"buildappswith/models"
	"buildappswith/services/scheduling"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrNotFound  = errors.New("session type not found")
	ErrForbidden = errors.New("session type belongs to another builder")
	ErrConflict  = errors.New("session type was modified, re-fetch and retry")
	ErrInactive  = errors.New("session type is not active")
)

// ValidationError describes rejected input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Field + ": " + e.Message }

// maxSlotRange caps one availability query.
const maxSlotRange = 31 * 24 * time.Hour

// SchedulingLookup is the part of the scheduling adapter session types need.
type SchedulingLookup interface {
	GetEventType(ctx context.Context, eventTypeRef string) (*scheduling.EventType, error)
	ListAvailableSlots(ctx context.Context, eventTypeRef string, rng models.DateRange) ([]models.TimeSlot, error)
}

// SessionTypeService manages what builders offer.
type SessionTypeService interface {
	Create(ctx context.Context, builderID string, in Input) (*models.SessionType, error)
	Update(ctx context.Context, builderID, id string, expectedVersion int64, in Input) (*models.SessionType, error)
	Deactivate(ctx context.Context, builderID, id string) (*models.SessionType, error)
	Get(ctx context.Context, id string) (*models.SessionType, error)
	ListByBuilder(ctx context.Context, builderID string, includeInactive bool) ([]*models.SessionType, error)
	ListSlots(ctx context.Context, id string, rng models.DateRange) ([]models.TimeSlot, error)
}

// Input is the editable part of a session type.
type Input struct {
	Title         string        `json:"title"`
	Description   string        `json:"description"`
	Duration      time.Duration `json:"-"`
	Minutes       int           `json:"durationMinutes"`
	Price         int64         `json:"price"`
	Currency      string        `json:"currency"`
	EventTypeRef  string        `json:"eventTypeRef"`
	SchedulingURL string        `json:"schedulingUrl"`
}

type Service struct {
	repo       sessionTypeRepo.SessionTypeRepository
	scheduling SchedulingLookup
	logger     *zap.Logger
	now        func() time.Time
}

func NewService(repo sessionTypeRepo.SessionTypeRepository, lookup SchedulingLookup, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{repo: repo, scheduling: lookup, logger: logger, now: time.Now}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (in *Input) normalize() error {
	in.Title = strings.TrimSpace(in.Title)
	in.Currency = strings.ToLower(strings.TrimSpace(in.Currency))
	if in.Duration == 0 && in.Minutes > 0 {
		in.Duration = time.Duration(in.Minutes) * time.Minute
	}
	switch {
	case in.Title == "":
		return &ValidationError{Field: "title", Message: "is required"}
	case in.Duration <= 0 || in.Duration > 8*time.Hour:
		return &ValidationError{Field: "durationMinutes", Message: "must be between 1 and 480"}
	case in.Price < 0:
		return &ValidationError{Field: "price", Message: "must not be negative"}
	case len(in.Currency) != 3:
		return &ValidationError{Field: "currency", Message: "must be a three-letter ISO code"}
	case in.EventTypeRef == "":
		return &ValidationError{Field: "eventTypeRef", Message: "is required"}
	}
	return nil
}

// Create stores a new active session type. A missing scheduling URL is filled
// in from the scheduling provider's event type.
func (s *Service) Create(ctx context.Context, builderID string, in Input) (*models.SessionType, error) {
	if builderID == "" {
		return nil, &ValidationError{Field: "builderId", Message: "is required"}
	}
	if err := in.normalize(); err != nil {
		return nil, err
	}
	if err := s.fillSchedulingURL(ctx, &in); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	st := &models.SessionType{
		ID:            uuid.NewString(),
		BuilderID:     builderID,
		Title:         in.Title,
		Description:   in.Description,
		Duration:      in.Duration,
		Price:         in.Price,
		Currency:      in.Currency,
		Active:        true,
		EventTypeRef:  in.EventTypeRef,
		SchedulingURL: in.SchedulingURL,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.repo.Create(ctx, st); err != nil {
		return nil, fmt.Errorf("create session type: %w", err)
	}
	s.logger.Info("Session type created",
		zap.String("sessionTypeId", st.ID),
		zap.String("builderId", builderID),
		zap.Int64("price", st.Price))
	return st, nil
}

func (s *Service) fillSchedulingURL(ctx context.Context, in *Input) error {
	if in.SchedulingURL != "" || s.scheduling == nil {
		return nil
	}
	et, err := s.scheduling.GetEventType(ctx, in.EventTypeRef)
	if err != nil {
		return fmt.Errorf("look up event type: %w", err)
	}
	if !et.Active {
		return &ValidationError{Field: "eventTypeRef", Message: "event type is not active on the scheduling provider"}
	}
	in.SchedulingURL = et.SchedulingURL
	return nil
}

// Update replaces the editable fields if nobody changed the session type
// since expectedVersion. Existing bookings keep the price they were made at.
func (s *Service) Update(ctx context.Context, builderID, id string, expectedVersion int64, in Input) (*models.SessionType, error) {
	st, err := s.owned(ctx, builderID, id)
	if err != nil {
		return nil, err
	}
	if st.Version != expectedVersion {
		return nil, ErrConflict
	}
	if err := in.normalize(); err != nil {
		return nil, err
	}
	if in.EventTypeRef != st.EventTypeRef {
		if err := s.fillSchedulingURL(ctx, &in); err != nil {
			return nil, err
		}
	} else if in.SchedulingURL == "" {
		in.SchedulingURL = st.SchedulingURL
	}

	st.Title = in.Title
	st.Description = in.Description
	st.Duration = in.Duration
	st.Price = in.Price
	st.Currency = in.Currency
	st.EventTypeRef = in.EventTypeRef
	st.SchedulingURL = in.SchedulingURL
	return s.save(ctx, expectedVersion, st)
}

// Deactivate hides a session type from new bookings. Session types are never deleted.
func (s *Service) Deactivate(ctx context.Context, builderID, id string) (*models.SessionType, error) {
	st, err := s.owned(ctx, builderID, id)
	if err != nil {
		return nil, err
	}
	if !st.Active {
		return st, nil
	}
	st.Active = false
	return s.save(ctx, st.Version, st)
}

func (s *Service) save(ctx context.Context, expectedVersion int64, st *models.SessionType) (*models.SessionType, error) {
	st.Version = expectedVersion + 1
	st.UpdatedAt = s.now().UTC()
	if err := s.repo.Update(ctx, expectedVersion, st); err != nil {
		switch {
		case errors.Is(err, sessionTypeRepo.ErrConflict):
			return nil, ErrConflict
		case errors.Is(err, sessionTypeRepo.ErrNotFound):
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update session type: %w", err)
	}
	s.logger.Info("Session type updated",
		zap.String("sessionTypeId", st.ID),
		zap.Int64("version", st.Version),
		zap.Bool("active", st.Active))
	return st, nil
}

func (s *Service) owned(ctx context.Context, builderID, id string) (*models.SessionType, error) {
	st, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.BuilderID != builderID {
		return nil, ErrForbidden
	}
	return st, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.SessionType, error) {
	st, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sessionTypeRepo.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session type: %w", err)
	}
	return st, nil
}

func (s *Service) ListByBuilder(ctx context.Context, builderID string, includeInactive bool) ([]*models.SessionType, error) {
	list, err := s.repo.ListByBuilder(ctx, builderID, !includeInactive)
	if err != nil {
		return nil, fmt.Errorf("list session types: %w", err)
	}
	return list, nil
}

// ListSlots proxies the scheduling provider's availability for an active session type.
func (s *Service) ListSlots(ctx context.Context, id string, rng models.DateRange) ([]models.TimeSlot, error) {
	if rng.From.IsZero() {
		rng.From = s.now()
	}
	if rng.To.IsZero() {
		rng.To = rng.From.Add(7 * 24 * time.Hour)
	}
	if !rng.To.After(rng.From) {
		return nil, &ValidationError{Field: "to", Message: "must be after from"}
	}
	if rng.To.Sub(rng.From) > maxSlotRange {
		return nil, &ValidationError{Field: "to", Message: "range must not exceed 31 days"}
	}

	st, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !st.Active {
		return nil, ErrInactive
	}
	slots, err := s.scheduling.ListAvailableSlots(ctx, st.EventTypeRef, rng)
	if err != nil {
		return nil, fmt.Errorf("list available slots: %w", err)
	}
	if slots == nil {
		slots = []models.TimeSlot{}
	}
	return slots, nil
}
