package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	webhookRepo "buildappswith/database/repository/webhook"
	"buildappswith/models"
	"buildappswith/services/booking"
	"buildappswith/utils"

	"go.uber.org/zap"
)

// Result is the outcome of ingesting one delivery. It is also the metric label.
type Result string

const (
	ResultProcessed   Result = "processed"
	ResultDuplicate   Result = "duplicate"
	ResultIgnored     Result = "ignored"
	ResultUnsupported Result = "unsupported"
	ResultRejected    Result = "rejected"
	ResultFailed      Result = "failed"
)

// Parser authenticates a raw delivery and decodes it.
type Parser interface {
	Parse(signatureHeader string, body []byte) (models.WebhookEvent, error)
}

// EventHandler applies a decoded event to the booking it targets.
type EventHandler interface {
	HandleWebhookEvent(ctx context.Context, ev models.WebhookEvent) error
}

// Ingestor is the single entry point for provider webhooks. It verifies,
// deduplicates and hands events to the booking coordinator.
type Ingestor struct {
	parsers map[models.WebhookProvider]Parser
	store   webhookRepo.WebhookStore
	handler EventHandler
	dedupe  time.Duration
	logger  *zap.Logger
	metrics *utils.Metrics
}

type IngestorDeps struct {
	Calendly  Parser
	Stripe    Parser
	Store     webhookRepo.WebhookStore
	Handler   EventHandler
	DedupeTTL time.Duration
	Logger    *zap.Logger
	Metrics   *utils.Metrics
}

func NewIngestor(deps IngestorDeps) *Ingestor {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dedupe := deps.DedupeTTL
	if dedupe <= 0 {
		dedupe = 24 * time.Hour
	}
	return &Ingestor{
		parsers: map[models.WebhookProvider]Parser{
			models.ProviderScheduling: deps.Calendly,
			models.ProviderPayment:    deps.Stripe,
		},
		store:   deps.Store,
		handler: deps.Handler,
		dedupe:  dedupe,
		logger:  logger,
		metrics: deps.Metrics,
	}
}

// Ingest processes one delivery. A non-nil error with ResultFailed means the
// provider should retry; with ResultRejected it must not.
func (i *Ingestor) Ingest(ctx context.Context, provider models.WebhookProvider, signatureHeader string, body []byte) (Result, error) {
	parser := i.parsers[provider]
	if parser == nil {
		return ResultRejected, fmt.Errorf("%w: no parser for provider %q", ErrUnsupportedEvent, provider)
	}

	ev, err := parser.Parse(signatureHeader, body)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnsupportedEvent):
			i.observe(provider, "unknown", ResultUnsupported)
			i.logger.Debug("Ignoring unsupported webhook event", zap.String("provider", string(provider)), zap.Error(err))
			return ResultUnsupported, nil
		case errors.Is(err, ErrIgnored):
			i.observe(provider, "unknown", ResultIgnored)
			i.logger.Debug("Webhook event needs no action", zap.String("provider", string(provider)), zap.Error(err))
			return ResultIgnored, nil
		}
		i.observe(provider, "unknown", ResultRejected)
		i.logger.Warn("Rejected webhook delivery", zap.String("provider", string(provider)), zap.Error(err))
		return ResultRejected, err
	}

	log := i.logger.With(
		zap.String("provider", string(provider)),
		zap.String("eventId", ev.EventID()),
		zap.String("eventType", ev.EventType()),
	)

	claimed, err := i.store.Claim(ctx, provider, ev.EventID(), i.dedupe)
	if err != nil {
		i.observe(provider, ev.EventType(), ResultFailed)
		log.Error("Failed to claim webhook event", zap.Error(err))
		return ResultFailed, fmt.Errorf("claim webhook event: %w", err)
	}
	if !claimed {
		i.observe(provider, ev.EventType(), ResultDuplicate)
		log.Info("Duplicate webhook event acknowledged")
		return ResultDuplicate, nil
	}

	err = i.handler.HandleWebhookEvent(ctx, ev)
	switch {
	case err == nil:
		i.observe(provider, ev.EventType(), ResultProcessed)
		log.Info("Webhook event processed")
		return ResultProcessed, nil
	case booking.IsBenign(err):
		i.observe(provider, ev.EventType(), ResultIgnored)
		log.Info("Webhook event did not apply", zap.Error(err))
		return ResultIgnored, nil
	case booking.CodeOf(err) == booking.CodeValidation, errors.Is(err, models.ErrUnknownEventType):
		i.observe(provider, ev.EventType(), ResultRejected)
		log.Warn("Webhook event failed validation", zap.Error(err))
		return ResultRejected, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	// Let the provider's retry reprocess the event.
	if rerr := i.store.Release(ctx, provider, ev.EventID()); rerr != nil {
		log.Error("Failed to release webhook claim", zap.Error(rerr))
	}
	i.observe(provider, ev.EventType(), ResultFailed)
	log.Error("Webhook event processing failed", zap.Error(err))
	return ResultFailed, err
}

func (i *Ingestor) observe(provider models.WebhookProvider, eventType string, result Result) {
	i.metrics.ObserveWebhook(string(provider), eventType, string(result))
}
