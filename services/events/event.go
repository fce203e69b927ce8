package events

import (
	"context"
	"strings"
	"sync"
	"time"

	"buildappswith/models"

	"go.uber.org/zap"
)

// BookingEvent announces one persisted lifecycle transition.
type BookingEvent struct {
	BookingID     string                `json:"bookingId"`
	BuilderID     string                `json:"builderId"`
	ClientID      string                `json:"clientId,omitempty"`
	From          models.LifecycleState `json:"from"`
	To            models.LifecycleState `json:"to"`
	PaymentStatus models.PaymentStatus  `json:"paymentStatus"`
	Version       int64                 `json:"version"`
	OccurredAt    time.Time             `json:"occurredAt"`
}

// RoutingKey is booking.<target state>, lowercased, e.g. booking.booking_confirmed.
func (e BookingEvent) RoutingKey() string {
	return "booking." + strings.ToLower(string(e.To))
}

// LogPublisher writes events to the log. Used when no broker is configured.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, ev BookingEvent) error {
	p.logger.Info("Booking transition",
		zap.String("bookingId", ev.BookingID),
		zap.String("from", string(ev.From)),
		zap.String("to", string(ev.To)),
		zap.String("paymentStatus", string(ev.PaymentStatus)),
		zap.Int64("version", ev.Version),
	)
	return nil
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []BookingEvent
}

func (r *Recorder) Publish(_ context.Context, ev BookingEvent) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []BookingEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]BookingEvent(nil), r.events...)
}
