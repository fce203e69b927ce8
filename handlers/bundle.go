package handlers

import (
	"buildappswith/services/booking"
	"buildappswith/services/sessiontype"
	"buildappswith/services/webhook"
	"buildappswith/utils"

	"github.com/gin-gonic/gin"
)

// Deps are the services the HTTP layer calls into.
type Deps struct {
	Bookings     booking.BookingCoordinator
	SessionTypes sessiontype.SessionTypeService
	Webhooks     *webhook.Ingestor
	Health       *utils.HealthMonitor
	Metrics      *utils.Metrics
	JWTSecret    []byte
}

// HandlerBundle groups all endpoint handlers into one struct.
type HandlerBundle struct {
	JWTSecret []byte

	// Booking endpoints
	BeginSelectionHandler    gin.HandlerFunc
	RecordSchedulingHandler  gin.HandlerFunc
	InitiatePaymentHandler   gin.HandlerFunc
	GetBookingHandler        gin.HandlerFunc
	ListBookingsHandler      gin.HandlerFunc
	CancelBookingHandler     gin.HandlerFunc
	RescheduleBookingHandler gin.HandlerFunc
	CancelAdjustmentHandler  gin.HandlerFunc
	ClaimBookingHandler      gin.HandlerFunc
	RefundBookingHandler     gin.HandlerFunc
	RecoverBookingHandler    gin.HandlerFunc

	// Session type endpoints
	ListSessionTypesHandler      gin.HandlerFunc
	GetSessionTypeHandler        gin.HandlerFunc
	CreateSessionTypeHandler     gin.HandlerFunc
	UpdateSessionTypeHandler     gin.HandlerFunc
	DeactivateSessionTypeHandler gin.HandlerFunc
	ListSlotsHandler             gin.HandlerFunc

	// Provider webhooks
	CalendlyWebhookHandler gin.HandlerFunc
	StripeWebhookHandler   gin.HandlerFunc

	HealthHandler  gin.HandlerFunc
	MetricsHandler gin.HandlerFunc
}

func NewHandlerBundle(d Deps) *HandlerBundle {
	bh := &bookingHandlers{bookings: d.Bookings}
	sh := &sessionTypeHandlers{sessionTypes: d.SessionTypes}
	wh := &webhookHandlers{ingestor: d.Webhooks}

	return &HandlerBundle{
		JWTSecret: d.JWTSecret,

		BeginSelectionHandler:    bh.beginSelection,
		RecordSchedulingHandler:  bh.recordScheduling,
		InitiatePaymentHandler:   bh.initiatePayment,
		GetBookingHandler:        bh.get,
		ListBookingsHandler:      bh.list,
		CancelBookingHandler:     bh.cancel,
		RescheduleBookingHandler: bh.reschedule,
		CancelAdjustmentHandler:  bh.cancelAdjustment,
		ClaimBookingHandler:      bh.claim,
		RefundBookingHandler:     bh.refund,
		RecoverBookingHandler:    bh.recover,

		ListSessionTypesHandler:      sh.list,
		GetSessionTypeHandler:        sh.get,
		CreateSessionTypeHandler:     sh.create,
		UpdateSessionTypeHandler:     sh.update,
		DeactivateSessionTypeHandler: sh.deactivate,
		ListSlotsHandler:             sh.slots,

		CalendlyWebhookHandler: wh.handle(providerCalendly),
		StripeWebhookHandler:   wh.handle(providerStripe),

		HealthHandler:  healthHandler(d.Health),
		MetricsHandler: metricsHandler(d.Metrics),
	}
}
