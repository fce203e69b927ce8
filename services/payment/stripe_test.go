package payment

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"buildappswith/models"
	"buildappswith/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"
	"go.uber.org/zap"
)

type fakeStripe struct {
	t           *testing.T
	calls       int32
	failFirst   int32
	failStatus  int
	failBody    string
	lastForm    map[string]string
	idempotency []string
	// refundStatus is what the refunds endpoint reports; pending by default.
	refundStatus string
}

func (f *fakeStripe) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := atomic.AddInt32(&f.calls, 1)
	f.idempotency = append(f.idempotency, r.Header.Get("Idempotency-Key"))
	assert.NoError(f.t, r.ParseForm())
	f.lastForm = map[string]string{}
	for k, v := range r.PostForm {
		f.lastForm[k] = v[0]
	}
	w.Header().Set("Content-Type", "application/json")
	if n <= f.failFirst {
		w.WriteHeader(f.failStatus)
		_, _ = w.Write([]byte(f.failBody))
		return
	}
	switch r.URL.Path {
	case "/v1/checkout/sessions":
		_, _ = w.Write([]byte(`{"id":"cs_test_1","object":"checkout.session","url":"https://checkout.stripe.com/c/pay/cs_test_1"}`))
	case "/v1/refunds", "/v1/refunds/re_test_1":
		status := f.refundStatus
		if status == "" {
			status = "pending"
		}
		_, _ = w.Write([]byte(`{"id":"re_test_1","object":"refund","amount":2500,"status":"` + status + `"}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestGateway(t *testing.T, fake *fakeStripe) *StripeGateway {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		HTTPClient:        srv.Client(),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	return NewStripeGateway(Config{
		SecretKey: "sk_test_123",
		Retry:     utils.RetryPolicy{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, AttemptTimeout: 2 * time.Second},
	}, &stripe.Backends{API: backend, Connect: backend, Uploads: backend}, zap.NewNop(), nil)
}

func checkoutRequest() models.CheckoutRequest {
	return models.CheckoutRequest{
		BookingID:      "b1",
		BuilderID:      "builder-1",
		ClientID:       "client-1",
		SessionTypeID:  "st-1",
		Description:    "Intro call",
		Amount:         7500,
		Currency:       "USD",
		AttemptRef:     "att-1",
		Purpose:        models.PurposeBooking,
		SuccessURL:     "https://app.test/success",
		CancelURL:      "https://app.test/cancel",
		IdempotencyKey: "b1:booking:att-1:1",
	}
}

func TestCreateCheckoutSession(t *testing.T) {
	fake := &fakeStripe{t: t}
	g := newTestGateway(t, fake)

	session, err := g.CreateCheckoutSession(context.Background(), checkoutRequest())
	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", session.SessionID)
	assert.Contains(t, session.URL, "cs_test_1")

	assert.Equal(t, "b1", fake.lastForm["metadata[booking_id]"])
	assert.Equal(t, "builder-1", fake.lastForm["metadata[builder_id]"])
	assert.Equal(t, "client-1", fake.lastForm["metadata[client_id]"])
	assert.Equal(t, "st-1", fake.lastForm["metadata[session_type_id]"])
	assert.Equal(t, "att-1", fake.lastForm["payment_intent_data[metadata][payment_attempt]"])
	assert.Equal(t, "7500", fake.lastForm["line_items[0][price_data][unit_amount]"])
	assert.Equal(t, "usd", fake.lastForm["line_items[0][price_data][currency]"])
	assert.Equal(t, "payment", fake.lastForm["mode"])
	assert.Equal(t, []string{"b1:booking:att-1:1"}, fake.idempotency)
}

func TestCreateCheckoutSession_RetriesServerErrorsWithSameKey(t *testing.T) {
	fake := &fakeStripe{t: t, failFirst: 1, failStatus: 500, failBody: `{"error":{"type":"api_error","message":"boom"}}`}
	g := newTestGateway(t, fake)

	_, err := g.CreateCheckoutSession(context.Background(), checkoutRequest())
	require.NoError(t, err)
	require.Len(t, fake.idempotency, 2)
	assert.Equal(t, fake.idempotency[0], fake.idempotency[1])
}

func TestCreateCheckoutSession_InvalidRequestIsPermanent(t *testing.T) {
	fake := &fakeStripe{t: t, failFirst: 5, failStatus: 400, failBody: `{"error":{"type":"invalid_request_error","message":"bad currency"}}`}
	g := newTestGateway(t, fake)

	_, err := g.CreateCheckoutSession(context.Background(), checkoutRequest())
	pe, ok := models.AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, models.ProviderPermanent, pe.Kind)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fake.calls))
}

func TestCreateCheckoutSession_RejectsZeroAmount(t *testing.T) {
	fake := &fakeStripe{t: t}
	g := newTestGateway(t, fake)

	req := checkoutRequest()
	req.Amount = 0
	_, err := g.CreateCheckoutSession(context.Background(), req)
	assert.Error(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fake.calls))
}

func TestCreateRefund(t *testing.T) {
	fake := &fakeStripe{t: t}
	g := newTestGateway(t, fake)

	res, err := g.CreateRefund(context.Background(), models.RefundRequest{
		BookingID:        "b1",
		PaymentIntentRef: "pi_1",
		Amount:           2500,
		Purpose:          models.PurposeBooking,
		IdempotencyKey:   "b1:refund:pi_1:1",
	})
	require.NoError(t, err)
	assert.Equal(t, "re_test_1", res.RefundRef)
	assert.Equal(t, models.RefundStatusPending, res.Status)
	assert.False(t, res.Final())
	assert.Equal(t, "pi_1", fake.lastForm["payment_intent"])
	assert.Equal(t, "2500", fake.lastForm["amount"])
	assert.Equal(t, "b1", fake.lastForm["metadata[booking_id]"])
}

func TestCreateRefund_FullRefundOmitsAmount(t *testing.T) {
	fake := &fakeStripe{t: t}
	g := newTestGateway(t, fake)

	_, err := g.CreateRefund(context.Background(), models.RefundRequest{BookingID: "b1", PaymentIntentRef: "pi_1"})
	require.NoError(t, err)
	_, hasAmount := fake.lastForm["amount"]
	assert.False(t, hasAmount)
}

func TestCreateRefund_ReportsImmediateSuccess(t *testing.T) {
	fake := &fakeStripe{t: t, refundStatus: "succeeded"}
	g := newTestGateway(t, fake)

	res, err := g.CreateRefund(context.Background(), models.RefundRequest{BookingID: "b1", PaymentIntentRef: "pi_1", Amount: 2500})
	require.NoError(t, err)
	assert.Equal(t, models.RefundStatusSucceeded, res.Status)
	assert.Equal(t, int64(2500), res.Amount)
	assert.True(t, res.Final())
}

func TestGetRefund(t *testing.T) {
	tests := []struct {
		stripeStatus string
		want         models.RefundStatus
	}{
		{"pending", models.RefundStatusPending},
		{"requires_action", models.RefundStatusPending},
		{"succeeded", models.RefundStatusSucceeded},
		{"failed", models.RefundStatusFailed},
		{"canceled", models.RefundStatusCanceled},
	}
	for _, tt := range tests {
		t.Run(tt.stripeStatus, func(t *testing.T) {
			fake := &fakeStripe{t: t, refundStatus: tt.stripeStatus}
			g := newTestGateway(t, fake)

			res, err := g.GetRefund(context.Background(), "re_test_1")
			require.NoError(t, err)
			assert.Equal(t, "re_test_1", res.RefundRef)
			assert.Equal(t, tt.want, res.Status)
		})
	}
}

func TestGetRefund_RequiresReference(t *testing.T) {
	fake := &fakeStripe{t: t}
	g := newTestGateway(t, fake)

	_, err := g.GetRefund(context.Background(), "")
	assert.Error(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fake.calls))
}
