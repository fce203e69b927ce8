package routes

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	bookingRepo "buildappswith/database/repository/booking"
	sessionTypeRepo "buildappswith/database/repository/sessiontype"
	webhookRepo "buildappswith/database/repository/webhook"
	"buildappswith/handlers"
	"buildappswith/models"
	"buildappswith/services/booking"
	"buildappswith/services/scheduling"
	"buildappswith/services/sessiontype"
	"buildappswith/services/webhook"
	"buildappswith/utils"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripehook "github.com/stripe/stripe-go/v76/webhook"
)

const (
	jwtSecret      = "test-jwt-secret"
	calendlySecret = "calendly-secret"
	stripeSecret   = "whsec_test"
)

type openCalendar struct{}

func (openCalendar) ListAvailableSlots(_ context.Context, _ string, rng models.DateRange) ([]models.TimeSlot, error) {
	return []models.TimeSlot{{Start: rng.From.Add(time.Hour), End: rng.From.Add(2 * time.Hour)}}, nil
}

func (openCalendar) VerifySlotStillAvailable(context.Context, string, models.TimeSlot) (bool, error) {
	return true, nil
}

func (openCalendar) GetEventType(_ context.Context, ref string) (*scheduling.EventType, error) {
	return &scheduling.EventType{URI: ref, Active: true, SchedulingURL: "https://calendly.com/builder/" + ref}, nil
}

type recordingPayments struct {
	mu        sync.Mutex
	checkouts []models.CheckoutRequest
	refunds   []models.RefundRequest
}

func (p *recordingPayments) CreateCheckoutSession(_ context.Context, req models.CheckoutRequest) (*models.CheckoutSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkouts = append(p.checkouts, req)
	id := fmt.Sprintf("cs_test_%d", len(p.checkouts))
	return &models.CheckoutSession{SessionID: id, URL: "https://checkout.test/" + id}, nil
}

func (p *recordingPayments) CreateRefund(_ context.Context, req models.RefundRequest) (*models.RefundResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refunds = append(p.refunds, req)
	return &models.RefundResult{RefundRef: fmt.Sprintf("re_test_%d", len(p.refunds)), Status: models.RefundStatusPending, Amount: req.Amount}, nil
}

func (p *recordingPayments) GetRefund(_ context.Context, refundRef string) (*models.RefundResult, error) {
	return &models.RefundResult{RefundRef: refundRef, Status: models.RefundStatusPending}, nil
}

type testServer struct {
	router   *gin.Engine
	payments *recordingPayments
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := webhookRepo.NewMemoryWebhookStore()
	sessionTypes := sessionTypeRepo.NewMemorySessionTypeRepo()
	payments := &recordingPayments{}
	metrics := utils.NewMetrics()

	coordinator := booking.NewCoordinator(booking.Deps{
		Bookings:     bookingRepo.NewMemoryBookingRepo(),
		SessionTypes: sessionTypes,
		Scheduling:   openCalendar{},
		Payments:     payments,
		Webhooks:     store,
		Metrics:      metrics,
	}, booking.Config{SuccessURL: "https://app.test/ok", CancelURL: "https://app.test/cancel"})

	hb := handlers.NewHandlerBundle(handlers.Deps{
		Bookings:     coordinator,
		SessionTypes: sessiontype.NewService(sessionTypes, openCalendar{}, nil),
		Webhooks: webhook.NewIngestor(webhook.IngestorDeps{
			Calendly: webhook.NewCalendlyVerifier(calendlySecret, time.Minute),
			Stripe:   webhook.NewStripeVerifier(stripeSecret, time.Minute),
			Store:    store,
			Handler:  coordinator,
			Metrics:  metrics,
		}),
		Metrics:   metrics,
		JWTSecret: []byte(jwtSecret),
	})

	r := gin.New()
	r.Use(utils.ErrorHandler())
	RegisterRoutes(r, hb, nil)
	return &testServer{router: r, payments: payments}
}

func token(t *testing.T, subject string, roles ...string) string {
	t.Helper()
	tok, err := utils.GenerateToken([]byte(jwtSecret), subject, subject+"@example.com", roles, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) webhook(t *testing.T, path, header, value string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set(header, value)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func (s *testServer) createSessionType(t *testing.T, price int64) models.SessionType {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/session-types", token(t, "builder-1", utils.RoleBuilder), gin.H{
		"title":           "Architecture review",
		"durationMinutes": 60,
		"price":           price,
		"currency":        "usd",
		"eventTypeRef":    "review",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var st models.SessionType
	decode(t, w, &st)
	return st
}

// bookingView is the part of a booking response the tests inspect.
type bookingView struct {
	ID               string                `json:"id"`
	ClientID         string                `json:"clientId"`
	State            models.LifecycleState `json:"currentState"`
	PaymentStatus    models.PaymentStatus  `json:"paymentStatus"`
	AmountPaid       int64                 `json:"amountPaid"`
	AmountRefunded   int64                 `json:"amountRefunded"`
	CorrelationToken string                `json:"correlationToken"`
}

type bookingResponse struct {
	Booking bookingView `json:"booking"`
}

// schedule walks a client through selection and slot choice.
func (s *testServer) schedule(t *testing.T, st models.SessionType, bearer string) (bookingView, models.TimeSlot) {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/bookings/draft", bearer, gin.H{"builderId": st.BuilderID, "sessionTypeId": st.ID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var draftResp struct {
		Draft         models.BookingDraft `json:"draft"`
		SchedulingURL string              `json:"schedulingUrl"`
	}
	decode(t, w, &draftResp)
	assert.Contains(t, draftResp.SchedulingURL, draftResp.Draft.CorrelationToken)

	start := time.Now().Add(72 * time.Hour).Truncate(time.Hour).UTC()
	slot := models.TimeSlot{Start: start, End: start.Add(time.Hour)}
	w = s.do(t, http.MethodPost, "/api/bookings", bearer, gin.H{
		"draft":    draftResp.Draft,
		"slot":     gin.H{"start": slot.Start, "end": slot.End},
		"eventRef": "https://api.calendly.com/scheduled_events/EV1",
		"contact":  gin.H{"email": "client@example.com", "name": "Client"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp bookingResponse
	decode(t, w, &resp)
	assert.Equal(t, models.StateScheduledPendingConfirmation, resp.Booking.State)
	return resp.Booking, slot
}

func (s *testServer) confirmScheduling(t *testing.T, b bookingView, slot models.TimeSlot) {
	t.Helper()
	body := []byte(fmt.Sprintf(`{
		"event": "invitee.created",
		"created_at": %q,
		"payload": {
			"uri": "https://api.calendly.com/scheduled_events/EV1/invitees/%s",
			"email": "client@example.com",
			"tracking": {"utm_content": %q},
			"scheduled_event": {"uri": "https://api.calendly.com/scheduled_events/EV1", "start_time": %q, "end_time": %q}
		}
	}`, time.Now().UTC().Format(time.RFC3339), b.ID, b.CorrelationToken,
		slot.Start.Format(time.RFC3339), slot.End.Format(time.RFC3339)))
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig := "t=" + ts + ",v1=" + hex.EncodeToString(webhook.CalendlySignature([]byte(calendlySecret), ts, body))

	w := s.webhook(t, "/webhooks/calendly", webhook.CalendlySignatureHeader, sig, body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), string(webhook.ResultProcessed))
}

func (s *testServer) getBooking(t *testing.T, id, bearer string) bookingView {
	t.Helper()
	w := s.do(t, http.MethodGet, "/api/bookings/"+id, bearer, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp bookingResponse
	decode(t, w, &resp)
	return resp.Booking
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health", "", nil).Code)

	w := s.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestFreeBookingFlow(t *testing.T) {
	s := newTestServer(t)
	st := s.createSessionType(t, 0)

	b, slot := s.schedule(t, st, "")
	s.confirmScheduling(t, b, slot)

	got := s.getBooking(t, b.ID, "")
	assert.Equal(t, models.StateBookingConfirmed, got.State)
	assert.Equal(t, models.PaymentExempt, got.PaymentStatus)
	assert.Empty(t, s.payments.checkouts)
}

func TestPaidBookingFlow(t *testing.T) {
	s := newTestServer(t)
	st := s.createSessionType(t, 15000)
	client := token(t, "client-1", utils.RoleClient)

	b, slot := s.schedule(t, st, client)
	assert.Equal(t, "client-1", b.ClientID)

	// Checkout is refused until the scheduling provider confirms.
	w := s.do(t, http.MethodPost, "/api/bookings/"+b.ID+"/checkout", client, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	s.confirmScheduling(t, b, slot)

	w = s.do(t, http.MethodPost, "/api/bookings/"+b.ID+"/checkout", client, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var checkout struct {
		CheckoutURL string      `json:"checkoutUrl"`
		Booking     bookingView `json:"booking"`
	}
	decode(t, w, &checkout)
	assert.Equal(t, "https://checkout.test/cs_test_1", checkout.CheckoutURL)
	assert.Equal(t, models.StatePaymentProcessing, checkout.Booking.State)

	attempt := s.payments.checkouts[0].AttemptRef
	event := []byte(fmt.Sprintf(`{
		"id": "evt_paid_1",
		"object": "event",
		"api_version": "2020-08-27",
		"created": %d,
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": "cs_test_1", "object": "checkout.session", "payment_status": "paid",
			"amount_total": 15000, "currency": "usd", "payment_intent": "pi_test_1",
			"metadata": {"booking_id": %q, "payment_attempt": %q, "purpose": "booking"}
		}}
	}`, time.Now().Unix(), b.ID, attempt))
	signed := stripehook.GenerateTestSignedPayload(&stripehook.UnsignedPayload{Payload: event, Secret: stripeSecret, Timestamp: time.Now()})

	w = s.webhook(t, "/webhooks/stripe", webhook.StripeSignatureHeader, signed.Header, event)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// A redelivery is acknowledged without reprocessing.
	w = s.webhook(t, "/webhooks/stripe", webhook.StripeSignatureHeader, signed.Header, event)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), string(webhook.ResultDuplicate))

	got := s.getBooking(t, b.ID, client)
	assert.Equal(t, models.StateBookingConfirmed, got.State)
	assert.Equal(t, models.PaymentPaid, got.PaymentStatus)
	assert.Equal(t, int64(15000), got.AmountPaid)

	// Only the builder or an admin may refund.
	w = s.do(t, http.MethodPost, "/api/bookings/"+b.ID+"/refund", client, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPost, "/api/bookings/"+b.ID+"/cancel", client, gin.H{"reason": "plans changed"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var cancelled bookingResponse
	decode(t, w, &cancelled)
	assert.Equal(t, models.StateRefundPending, cancelled.Booking.State)
	require.Len(t, s.payments.refunds, 1)
	assert.Equal(t, "pi_test_1", s.payments.refunds[0].PaymentIntentRef)

	// Stripe reports the refund through refund.created when it settles at once.
	refund := []byte(fmt.Sprintf(`{
		"id": "evt_refund_1",
		"object": "event",
		"api_version": "2020-08-27",
		"created": %d,
		"type": "refund.created",
		"data": {"object": {
			"id": "re_test_1", "object": "refund", "status": "succeeded", "amount": 15000,
			"payment_intent": "pi_test_1",
			"metadata": {"booking_id": %q, "purpose": "booking"}
		}}
	}`, time.Now().Unix(), b.ID))
	signed = stripehook.GenerateTestSignedPayload(&stripehook.UnsignedPayload{Payload: refund, Secret: stripeSecret, Timestamp: time.Now()})
	w = s.webhook(t, "/webhooks/stripe", webhook.StripeSignatureHeader, signed.Header, refund)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), string(webhook.ResultProcessed))

	got = s.getBooking(t, b.ID, client)
	assert.Equal(t, models.StateRefundCompleted, got.State)
	assert.Equal(t, models.PaymentRefunded, got.PaymentStatus)
	assert.Equal(t, int64(15000), got.AmountRefunded)
}

func TestBookingAccessControl(t *testing.T) {
	s := newTestServer(t)
	st := s.createSessionType(t, 0)
	owner := token(t, "client-1", utils.RoleClient)
	b, _ := s.schedule(t, st, owner)

	w := s.do(t, http.MethodGet, "/api/bookings/"+b.ID, token(t, "client-2", utils.RoleClient), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodGet, "/api/bookings/"+b.ID, token(t, "builder-1", utils.RoleBuilder), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/api/bookings", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodGet, "/api/bookings", owner, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Bookings []bookingView `json:"bookings"`
	}
	decode(t, w, &list)
	assert.Len(t, list.Bookings, 1)

	w = s.do(t, http.MethodPost, "/api/admin/bookings/"+b.ID+"/recover", owner, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPost, "/api/admin/bookings/"+b.ID+"/recover", token(t, "ops", utils.RoleAdmin), nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	var errResp utils.ErrorResponse
	decode(t, w, &errResp)
	assert.Equal(t, string(booking.CodeInvalidState), errResp.Code)
}

func TestClaimAnonymousBooking(t *testing.T) {
	s := newTestServer(t)
	st := s.createSessionType(t, 0)
	b, _ := s.schedule(t, st, "")

	w := s.do(t, http.MethodPost, "/api/bookings/"+b.ID+"/claim", token(t, "client-9", utils.RoleClient), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, "/api/bookings/"+b.ID+"/claim", token(t, "client-10", utils.RoleClient), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	s := newTestServer(t)
	body := []byte(`{"event":"invitee.created","payload":{}}`)

	w := s.webhook(t, "/webhooks/calendly", webhook.CalendlySignatureHeader, "t=1,v1=00", body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.webhook(t, "/webhooks/stripe", webhook.StripeSignatureHeader, "t=1,v1=00", body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSessionTypeEndpoints(t *testing.T) {
	s := newTestServer(t)
	st := s.createSessionType(t, 5000)
	builder := token(t, "builder-1", utils.RoleBuilder)

	w := s.do(t, http.MethodPost, "/api/session-types", token(t, "client-1", utils.RoleClient), gin.H{"title": "x"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPut, "/api/session-types/"+st.ID, builder, gin.H{
		"title": "Deep review", "durationMinutes": 90, "price": 9000, "currency": "usd",
		"eventTypeRef": "review", "version": st.Version,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodPut, "/api/session-types/"+st.ID, builder, gin.H{
		"title": "Stale edit", "durationMinutes": 90, "price": 1, "currency": "usd",
		"eventTypeRef": "review", "version": st.Version,
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodGet, "/api/session-types/"+st.ID+"/slots?from=2099-01-01T00:00:00Z&to=2099-01-02T00:00:00Z", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var slots struct {
		Slots []models.TimeSlot `json:"slots"`
	}
	decode(t, w, &slots)
	assert.Len(t, slots.Slots, 1)

	w = s.do(t, http.MethodGet, "/api/session-types/"+st.ID+"/slots?from=tomorrow", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodDelete, "/api/session-types/"+st.ID, builder, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodPost, "/api/bookings/draft", "", gin.H{"builderId": "builder-1", "sessionTypeId": st.ID})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}
