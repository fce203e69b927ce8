package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"buildappswith/models"
	"buildappswith/utils"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"go.uber.org/zap"
)

const providerName = "stripe"

// minCheckoutLifetime is the shortest expiry Stripe accepts for a checkout session.
const minCheckoutLifetime = 30 * time.Minute

type Config struct {
	SecretKey string
	Retry     utils.RetryPolicy
	// CheckoutLifetime is how long a hosted checkout page stays payable.
	CheckoutLifetime time.Duration
}

// StripeGateway creates hosted checkout sessions and refunds. The stripe
// client is built here and never shared through package globals.
type StripeGateway struct {
	api      *client.API
	retry    utils.RetryPolicy
	lifetime time.Duration
	logger   *zap.Logger
	metrics  *utils.Metrics
	now      func() time.Time
}

// NewStripeGateway builds a gateway. backends may be nil to use Stripe's API.
func NewStripeGateway(cfg Config, backends *stripe.Backends, logger *zap.Logger, metrics *utils.Metrics) *StripeGateway {
	if backends == nil {
		backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
			// Retries are driven by utils.Retry with stable idempotency keys.
			MaxNetworkRetries: stripe.Int64(0),
		})
		backends = &stripe.Backends{API: backend, Connect: backend, Uploads: backend}
	}
	lifetime := cfg.CheckoutLifetime
	if lifetime < minCheckoutLifetime {
		lifetime = minCheckoutLifetime
	}
	return &StripeGateway{
		api:      client.New(cfg.SecretKey, backends),
		retry:    cfg.Retry,
		lifetime: lifetime,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

func bookingMetadata(req models.CheckoutRequest) map[string]string {
	return map[string]string{
		models.MetaBookingID:     req.BookingID,
		models.MetaBuilderID:     req.BuilderID,
		models.MetaClientID:      req.ClientID,
		models.MetaSessionTypeID: req.SessionTypeID,
		models.MetaAttemptRef:    req.AttemptRef,
		models.MetaPurpose:       string(req.Purpose),
	}
}

// CreateCheckoutSession opens a one-item hosted checkout for the booking.
// Booking identifiers travel as metadata on both the session and its payment intent.
func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, req models.CheckoutRequest) (*models.CheckoutSession, error) {
	if req.Amount <= 0 {
		return nil, &models.ProviderError{Provider: providerName, Op: "create_checkout", Kind: models.ProviderPermanent, Err: errors.New("amount must be positive")}
	}
	meta := bookingMetadata(req)
	expiresAt := g.now().Add(g.lifetime).Unix()

	var session *stripe.CheckoutSession
	started := time.Now()
	err := utils.Retry(ctx, g.retry, func(ctx context.Context) error {
		params := &stripe.CheckoutSessionParams{
			Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
			SuccessURL:        stripe.String(req.SuccessURL),
			CancelURL:         stripe.String(req.CancelURL),
			ClientReferenceID: stripe.String(req.BookingID),
			ExpiresAt:         stripe.Int64(expiresAt),
			LineItems: []*stripe.CheckoutSessionLineItemParams{{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(strings.ToLower(req.Currency)),
					UnitAmount: stripe.Int64(req.Amount),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(req.Description),
					},
				},
				Quantity: stripe.Int64(1),
			}},
			PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
				Metadata: meta,
			},
		}
		if req.CustomerEmail != "" {
			params.CustomerEmail = stripe.String(req.CustomerEmail)
		}
		for k, v := range meta {
			params.AddMetadata(k, v)
		}
		params.Context = ctx
		params.SetIdempotencyKey(req.IdempotencyKey)

		s, err := g.api.CheckoutSessions.New(params)
		if err != nil {
			return translate("create_checkout", err)
		}
		session = s
		return nil
	})
	g.metrics.ObserveProviderCall(providerName, "create_checkout", started, err)
	if err != nil {
		g.logger.Warn("Stripe checkout session failed", zap.String("bookingId", req.BookingID), zap.Error(err))
		return nil, err
	}
	return &models.CheckoutSession{SessionID: session.ID, URL: session.URL}, nil
}

// CreateRefund refunds req.Amount of the payment intent, or all of it when
// Amount is zero. The result carries Stripe's status, which is often already
// succeeded for card payments.
func (g *StripeGateway) CreateRefund(ctx context.Context, req models.RefundRequest) (*models.RefundResult, error) {
	if req.PaymentIntentRef == "" {
		return nil, &models.ProviderError{Provider: providerName, Op: "create_refund", Kind: models.ProviderPermanent, Err: errors.New("missing payment reference")}
	}

	var refund *stripe.Refund
	started := time.Now()
	err := utils.Retry(ctx, g.retry, func(ctx context.Context) error {
		params := &stripe.RefundParams{
			PaymentIntent: stripe.String(req.PaymentIntentRef),
		}
		if req.Amount > 0 {
			params.Amount = stripe.Int64(req.Amount)
		}
		params.AddMetadata(models.MetaBookingID, req.BookingID)
		params.AddMetadata(models.MetaPurpose, string(req.Purpose))
		params.Context = ctx
		params.SetIdempotencyKey(req.IdempotencyKey)

		r, err := g.api.Refunds.New(params)
		if err != nil {
			return translate("create_refund", err)
		}
		refund = r
		return nil
	})
	g.metrics.ObserveProviderCall(providerName, "create_refund", started, err)
	if err != nil {
		g.logger.Warn("Stripe refund failed", zap.String("bookingId", req.BookingID), zap.Error(err))
		return nil, err
	}
	return refundResult(refund), nil
}

// GetRefund reads a refund's current status.
func (g *StripeGateway) GetRefund(ctx context.Context, refundRef string) (*models.RefundResult, error) {
	if refundRef == "" {
		return nil, &models.ProviderError{Provider: providerName, Op: "get_refund", Kind: models.ProviderPermanent, Err: errors.New("missing refund reference")}
	}

	var refund *stripe.Refund
	started := time.Now()
	err := utils.Retry(ctx, g.retry, func(ctx context.Context) error {
		params := &stripe.RefundParams{}
		params.Context = ctx
		r, err := g.api.Refunds.Get(refundRef, params)
		if err != nil {
			return translate("get_refund", err)
		}
		refund = r
		return nil
	})
	g.metrics.ObserveProviderCall(providerName, "get_refund", started, err)
	if err != nil {
		g.logger.Warn("Stripe refund lookup failed", zap.String("refundId", refundRef), zap.Error(err))
		return nil, err
	}
	return refundResult(refund), nil
}

func refundResult(r *stripe.Refund) *models.RefundResult {
	res := &models.RefundResult{
		RefundRef:     r.ID,
		Amount:        r.Amount,
		FailureReason: string(r.FailureReason),
	}
	switch r.Status {
	case stripe.RefundStatusSucceeded:
		res.Status = models.RefundStatusSucceeded
	case stripe.RefundStatusFailed:
		res.Status = models.RefundStatusFailed
	case stripe.RefundStatusCanceled:
		res.Status = models.RefundStatusCanceled
	default:
		res.Status = models.RefundStatusPending
	}
	return res
}

// translate maps stripe-go errors onto the provider error taxonomy.
func translate(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		kind := models.KindForStatus(se.HTTPStatusCode)
		if se.Type == stripe.ErrorTypeAPI && kind == models.ProviderPermanent {
			kind = models.ProviderTransient
		}
		return &models.ProviderError{
			Provider: providerName,
			Op:       op,
			Kind:     kind,
			Status:   se.HTTPStatusCode,
			Err:      fmt.Errorf("%s: %s", se.Type, se.Msg),
		}
	}
	return &models.ProviderError{Provider: providerName, Op: op, Kind: models.KindForError(err), Err: err}
}
