package booking

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	bookingRepo "buildappswith/database/repository/booking"
	sessionTypeRepo "buildappswith/database/repository/sessiontype"
	webhookRepo "buildappswith/database/repository/webhook"
	"buildappswith/models"
	"buildappswith/services/events"

	"github.com/stretchr/testify/require"
)

type fakeScheduling struct {
	mu          sync.Mutex
	unavailable bool
	err         error
	verifyCalls int
}

func (f *fakeScheduling) ListAvailableSlots(_ context.Context, _ string, _ models.DateRange) ([]models.TimeSlot, error) {
	return nil, nil
}

func (f *fakeScheduling) VerifySlotStillAvailable(_ context.Context, _ string, _ models.TimeSlot) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifyCalls++
	if f.err != nil {
		return false, f.err
	}
	return !f.unavailable, nil
}

func (f *fakeScheduling) set(unavailable bool, err error) {
	f.mu.Lock()
	f.unavailable, f.err = unavailable, err
	f.mu.Unlock()
}

type fakePayments struct {
	mu          sync.Mutex
	checkouts   []models.CheckoutRequest
	refunds     []models.RefundRequest
	checkoutErr error
	refundErr   error
	// refundStatus is what CreateRefund reports; pending when empty.
	refundStatus models.RefundStatus
	// settled holds the status GetRefund reports per refund reference.
	settled map[string]models.RefundStatus
	lookups int
	// release, when set, holds every checkout call until it is closed.
	release chan struct{}
}

func (f *fakePayments) CreateCheckoutSession(_ context.Context, req models.CheckoutRequest) (*models.CheckoutSession, error) {
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkouts = append(f.checkouts, req)
	if f.checkoutErr != nil {
		return nil, f.checkoutErr
	}
	n := len(f.checkouts)
	return &models.CheckoutSession{
		SessionID: fmt.Sprintf("cs_test_%d", n),
		URL:       fmt.Sprintf("https://checkout.test/pay/cs_test_%d", n),
	}, nil
}

func (f *fakePayments) CreateRefund(_ context.Context, req models.RefundRequest) (*models.RefundResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds = append(f.refunds, req)
	if f.refundErr != nil {
		return nil, f.refundErr
	}
	status := f.refundStatus
	if status == "" {
		status = models.RefundStatusPending
	}
	return &models.RefundResult{
		RefundRef: fmt.Sprintf("re_test_%d", len(f.refunds)),
		Status:    status,
		Amount:    req.Amount,
	}, nil
}

func (f *fakePayments) GetRefund(_ context.Context, refundRef string) (*models.RefundResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	status, ok := f.settled[refundRef]
	if !ok {
		status = models.RefundStatusPending
	}
	res := &models.RefundResult{RefundRef: refundRef, Status: status}
	for i, r := range f.refunds {
		if fmt.Sprintf("re_test_%d", i+1) == refundRef {
			res.Amount = r.Amount
		}
	}
	return res, nil
}

// settle makes GetRefund report status for refundRef.
func (f *fakePayments) settle(refundRef string, status models.RefundStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settled == nil {
		f.settled = make(map[string]models.RefundStatus)
	}
	f.settled[refundRef] = status
}

func (f *fakePayments) setRefundStatus(status models.RefundStatus) {
	f.mu.Lock()
	f.refundStatus = status
	f.mu.Unlock()
}

func (f *fakePayments) refundRequests() []models.RefundRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.RefundRequest(nil), f.refunds...)
}

func (f *fakePayments) checkoutCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.checkouts)
}

func (f *fakePayments) lastRefund() models.RefundRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refunds[len(f.refunds)-1]
}

func (f *fakePayments) setErrors(checkoutErr, refundErr error) {
	f.mu.Lock()
	f.checkoutErr, f.refundErr = checkoutErr, refundErr
	f.mu.Unlock()
}

type fakeExpiry struct {
	mu        sync.Mutex
	scheduled map[string]time.Time
}

func (f *fakeExpiry) ScheduleExpiry(_ context.Context, bookingID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scheduled == nil {
		f.scheduled = make(map[string]time.Time)
	}
	f.scheduled[bookingID] = at
	return nil
}

type harness struct {
	coord        *Coordinator
	bookings     bookingRepo.BookingRepository
	sessionTypes sessionTypeRepo.SessionTypeRepository
	webhooks     *webhookRepo.MemoryWebhookStore
	scheduling   *fakeScheduling
	payments     *fakePayments
	expiry       *fakeExpiry
	events       *events.Recorder

	mu      sync.Mutex
	clock   time.Time
	eventNo int
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		bookings:     bookingRepo.NewMemoryBookingRepo(),
		sessionTypes: sessionTypeRepo.NewMemorySessionTypeRepo(),
		webhooks:     webhookRepo.NewMemoryWebhookStore(),
		scheduling:   &fakeScheduling{},
		payments:     &fakePayments{},
		expiry:       &fakeExpiry{},
		events:       &events.Recorder{},
		clock:        time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	h.webhooks.SetClock(h.now)
	h.coord = NewCoordinator(Deps{
		Bookings:     h.bookings,
		SessionTypes: h.sessionTypes,
		Scheduling:   h.scheduling,
		Payments:     h.payments,
		Webhooks:     h.webhooks,
		Expiry:       h.expiry,
		Publisher:    h.events,
	}, cfg)
	h.coord.SetClock(h.now)
	return h
}

func (h *harness) now() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clock
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	h.clock = h.clock.Add(d)
	h.mu.Unlock()
}

func (h *harness) nextEventID(prefix string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.eventNo++
	return fmt.Sprintf("%s_%d", prefix, h.eventNo)
}

func (h *harness) addSessionType(t *testing.T, id string, price int64, duration time.Duration) *models.SessionType {
	t.Helper()
	st := &models.SessionType{
		ID:            id,
		BuilderID:     "builder-1",
		Title:         "Session " + id,
		Duration:      duration,
		Price:         price,
		Currency:      "usd",
		Active:        true,
		EventTypeRef:  "https://api.calendly.test/event_types/" + id,
		SchedulingURL: "https://calendly.test/builder-1/" + id,
		Version:       1,
	}
	require.NoError(t, h.sessionTypes.Create(context.Background(), st))
	return st
}

func (h *harness) slot(offset time.Duration, st *models.SessionType) models.TimeSlot {
	start := h.now().Add(offset).Truncate(time.Hour)
	return models.TimeSlot{Start: start, End: start.Add(st.Duration)}
}

// schedule runs selection and records the booking for a slot two days out.
func (h *harness) schedule(t *testing.T, st *models.SessionType) *models.Booking {
	t.Helper()
	ctx := context.Background()
	draft, err := h.coord.BeginSessionSelection(ctx, st.BuilderID, st.ID, "client-1")
	require.NoError(t, err)
	b, err := h.coord.RecordExternalScheduling(ctx, *draft, h.slot(48*time.Hour, st), "", models.ClientContact{
		Email: "client@example.com", Name: "Client", Timezone: "Europe/Berlin",
	})
	require.NoError(t, err)
	return b
}

func (h *harness) inviteeCreated(b *models.Booking) models.InviteeCreated {
	return models.InviteeCreated{
		ID:               h.nextEventID("inv"),
		OccurredAt:       h.now(),
		CorrelationToken: b.CorrelationToken,
		EventRef:         "https://api.calendly.test/scheduled_events/" + b.ID,
		InviteeRef:       "https://api.calendly.test/invitees/" + b.ID,
		Email:            "client@example.com",
		Start:            b.Start,
		End:              b.End,
	}
}

// confirmed drives a booking to SCHEDULE_CONFIRMED (or BOOKING_CONFIRMED when free).
func (h *harness) confirmed(t *testing.T, st *models.SessionType) *models.Booking {
	t.Helper()
	b := h.schedule(t, st)
	require.NoError(t, h.coord.HandleWebhookEvent(context.Background(), h.inviteeCreated(b)))
	return h.get(t, b.ID)
}

func (h *harness) checkoutCompleted(b *models.Booking, sessionRef string, amount int64) models.CheckoutCompleted {
	return models.CheckoutCompleted{
		ID:               h.nextEventID("evt"),
		OccurredAt:       h.now(),
		BookingID:        b.ID,
		BuilderID:        b.BuilderID,
		ClientID:         b.ClientID,
		SessionTypeID:    b.SessionTypeID,
		SessionRef:       sessionRef,
		AttemptRef:       b.PaymentAttemptRef,
		PaymentIntentRef: "pi_" + sessionRef,
		Purpose:          models.PurposeBooking,
		Amount:           amount,
		Currency:         "usd",
	}
}

// paid drives a paid session type through checkout to BOOKING_CONFIRMED.
func (h *harness) paid(t *testing.T, st *models.SessionType) *models.Booking {
	t.Helper()
	ctx := context.Background()
	b := h.confirmed(t, st)
	res, err := h.coord.InitiatePayment(ctx, b.ID)
	require.NoError(t, err)
	require.NoError(t, h.coord.HandleWebhookEvent(ctx, h.checkoutCompleted(res.Booking, res.PaymentReference, st.Price)))
	b = h.get(t, b.ID)
	require.Equal(t, models.StateBookingConfirmed, b.State)
	return b
}

func (h *harness) get(t *testing.T, id string) *models.Booking {
	t.Helper()
	b, err := h.bookings.GetByID(context.Background(), id)
	require.NoError(t, err)
	return b
}

func statesOf(b *models.Booking) []models.LifecycleState {
	out := make([]models.LifecycleState, 0, len(b.History))
	for _, tr := range b.History {
		out = append(out, tr.To)
	}
	return out
}

// paidImpliesSettled checks that money held as PAID only appears in settled states.
func paidImpliesSettled(t *testing.T, b *models.Booking) {
	t.Helper()
	if b.PaymentStatus != models.PaymentPaid {
		return
	}
	switch b.State {
	case models.StateBookingConfirmed, models.StateBookingCancelled, models.StateRefundPending, models.StateRefundCompleted:
	default:
		t.Fatalf("booking %s is PAID in %s", b.ID, b.State)
	}
}
