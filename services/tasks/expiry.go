package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const TypeExpireBooking = "booking:expire"

// ExpirePayload identifies the pending booking to re-check.
type ExpirePayload struct {
	BookingID string `json:"bookingId"`
}

// NewExpireTask builds a task that fires at the booking's pending deadline.
// The task id makes rescheduling the same booking a no-op.
func NewExpireTask(bookingID string, fireAt time.Time) (*asynq.Task, []asynq.Option, error) {
	b, err := json.Marshal(ExpirePayload{BookingID: bookingID})
	if err != nil {
		return nil, nil, err
	}
	task := asynq.NewTask(TypeExpireBooking, b)
	opts := []asynq.Option{
		asynq.ProcessAt(fireAt),
		asynq.TaskID("expire:" + bookingID),
		asynq.MaxRetry(5),
		asynq.Retention(time.Hour),
	}
	return task, opts, nil
}

// ParseExpirePayload decodes a task produced by NewExpireTask.
func ParseExpirePayload(task *asynq.Task) (ExpirePayload, error) {
	var p ExpirePayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return p, fmt.Errorf("decode %s payload: %w", TypeExpireBooking, err)
	}
	if p.BookingID == "" {
		return p, fmt.Errorf("%s payload has no booking id", TypeExpireBooking)
	}
	return p, nil
}

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// ExpiryScheduler queues delayed expiry checks for pending bookings.
type ExpiryScheduler struct {
	client Enqueuer
	logger *zap.Logger
}

func NewExpiryScheduler(client Enqueuer, logger *zap.Logger) *ExpiryScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExpiryScheduler{client: client, logger: logger}
}

func (s *ExpiryScheduler) ScheduleExpiry(ctx context.Context, bookingID string, at time.Time) error {
	task, opts, err := NewExpireTask(bookingID, at)
	if err != nil {
		return err
	}
	info, err := s.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			return nil
		}
		return fmt.Errorf("enqueue expiry for booking %s: %w", bookingID, err)
	}
	s.logger.Debug("Scheduled booking expiry",
		zap.String("bookingId", bookingID),
		zap.String("taskId", info.ID),
		zap.Time("at", at))
	return nil
}
