package routes

import (
	"buildappswith/handlers"
	"buildappswith/middleware"
	"buildappswith/utils"

	"github.com/gin-gonic/gin"
)

// RegisterBookingRoutes sets up the booking lifecycle endpoints. Selection,
// scheduling and checkout work for anonymous clients; a token, when sent,
// ties the booking to the caller.
func RegisterBookingRoutes(r *gin.Engine, hb *handlers.HandlerBundle) {
	bookingGroup := r.Group("/api/bookings")
	{
		public := bookingGroup.Group("")
		public.Use(middleware.JWTAuthMiddleware(hb.JWTSecret, true))
		public.POST("/draft", hb.BeginSelectionHandler)
		public.POST("", hb.RecordSchedulingHandler)
		public.GET("/:id", hb.GetBookingHandler)
		public.POST("/:id/checkout", hb.InitiatePaymentHandler)
		public.POST("/:id/cancel", hb.CancelBookingHandler)
		public.POST("/:id/reschedule", hb.RescheduleBookingHandler)
		public.DELETE("/:id/adjustment", hb.CancelAdjustmentHandler)

		protected := bookingGroup.Group("")
		protected.Use(middleware.JWTAuthMiddleware(hb.JWTSecret, false))
		protected.GET("", hb.ListBookingsHandler)
		protected.POST("/:id/claim", hb.ClaimBookingHandler)
		protected.POST("/:id/refund", middleware.RequireRole(utils.RoleBuilder, utils.RoleAdmin), hb.RefundBookingHandler)
	}
}

// RegisterSessionTypeRoutes sets up session type management and availability.
func RegisterSessionTypeRoutes(r *gin.Engine, hb *handlers.HandlerBundle) {
	api := r.Group("/api/session-types")
	{
		api.Use(middleware.JWTAuthMiddleware(hb.JWTSecret, true))
		api.GET("", hb.ListSessionTypesHandler)
		api.GET("/:id", hb.GetSessionTypeHandler)
		api.GET("/:id/slots", hb.ListSlotsHandler)

		builder := api.Group("")
		builder.Use(middleware.RequireRole(utils.RoleBuilder))
		builder.POST("", hb.CreateSessionTypeHandler)
		builder.PUT("/:id", hb.UpdateSessionTypeHandler)
		builder.DELETE("/:id", hb.DeactivateSessionTypeHandler)
	}
}

// RegisterWebhookRoutes exposes provider callbacks. They carry no bearer
// token; each provider signs its deliveries instead.
func RegisterWebhookRoutes(r *gin.Engine, hb *handlers.HandlerBundle) {
	hooks := r.Group("/webhooks")
	{
		hooks.POST("/calendly", hb.CalendlyWebhookHandler)
		hooks.POST("/stripe", hb.StripeWebhookHandler)
	}
}

// RegisterAdminRoutes sets up endpoints for support operations.
func RegisterAdminRoutes(r *gin.Engine, hb *handlers.HandlerBundle) {
	adminGroup := r.Group("/api/admin")
	{
		adminGroup.Use(middleware.JWTAuthMiddleware(hb.JWTSecret, false), middleware.RequireRole(utils.RoleAdmin))
		adminGroup.POST("/bookings/:id/recover", hb.RecoverBookingHandler)
		adminGroup.POST("/bookings/:id/refund", hb.RefundBookingHandler)
	}
}
