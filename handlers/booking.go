package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"buildappswith/middleware"
	"buildappswith/models"
	"buildappswith/services/booking"
	"buildappswith/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type bookingHandlers struct {
	bookings booking.BookingCoordinator
}

type slotInput struct {
	Start time.Time `json:"start" binding:"required"`
	End   time.Time `json:"end" binding:"required"`
}

func (s slotInput) timeSlot() models.TimeSlot {
	return models.TimeSlot{Start: s.Start, End: s.End}
}

// caller returns the authenticated user's id and claims. Anonymous callers get "".
func caller(c *gin.Context) (string, utils.TokenClaims) {
	claims, ok := middleware.CallerClaims(c)
	if !ok {
		return "", utils.TokenClaims{}
	}
	return claims.Subject, claims
}

// canAccess reports whether the caller may see or act on b. Unclaimed
// bookings are reachable by whoever holds their id.
func canAccess(c *gin.Context, b *models.Booking) bool {
	id, claims := caller(c)
	switch {
	case claims.HasRole(utils.RoleAdmin):
		return true
	case id != "" && (b.ClientID == id || b.BuilderID == id):
		return true
	}
	return b.ClientID == ""
}

func initiatorFor(c *gin.Context, b *models.Booking) models.Initiator {
	id, claims := caller(c)
	switch {
	case id != "" && id == b.BuilderID:
		return models.InitiatorBuilder
	case claims.HasRole(utils.RoleAdmin) && id != b.ClientID:
		return models.InitiatorAdmin
	}
	return models.InitiatorClient
}

// authorized loads the booking named in the path and checks access.
func (h *bookingHandlers) authorized(c *gin.Context) (*models.Booking, bool) {
	b, err := h.bookings.GetBooking(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	if !canAccess(c, b) {
		respondError(c, &booking.Error{Code: booking.CodeForbidden, Message: booking.ErrForbidden.Message, BookingID: b.ID})
		return nil, false
	}
	return b, true
}

// respondBooking handles operations that can return the booking alongside an
// error: the booking still moved, and the client needs its new state.
func respondBooking(c *gin.Context, status int, b *models.Booking, err error) {
	if err == nil {
		c.JSON(status, gin.H{"booking": b})
		return
	}
	var be *booking.Error
	if b != nil && errors.As(err, &be) {
		c.AbortWithStatusJSON(bookingStatus(be), gin.H{
			"message":     be.Error(),
			"code":        be.Code,
			"recoverable": be.Recoverable,
			"bookingId":   b.ID,
			"booking":     b,
		})
		getLogger(c).Warn("Booking operation failed after a transition",
			zap.String("bookingId", b.ID), zap.String("state", string(b.State)), zap.Error(err))
		return
	}
	respondError(c, err)
}

func (h *bookingHandlers) beginSelection(c *gin.Context) {
	var input struct {
		BuilderID     string `json:"builderId" binding:"required"`
		SessionTypeID string `json:"sessionTypeId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		badRequest(c, err)
		return
	}
	clientID, _ := caller(c)

	draft, err := h.bookings.BeginSessionSelection(c.Request.Context(), input.BuilderID, input.SessionTypeID, clientID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"draft": draft, "schedulingUrl": draft.SchedulingURL})
}

func (h *bookingHandlers) recordScheduling(c *gin.Context) {
	var input struct {
		Draft    models.BookingDraft  `json:"draft"`
		Slot     slotInput            `json:"slot"`
		EventRef string               `json:"eventRef"`
		Contact  models.ClientContact `json:"contact"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		badRequest(c, err)
		return
	}
	if clientID, _ := caller(c); clientID != "" && input.Draft.ClientID == "" {
		input.Draft.ClientID = clientID
	}

	b, err := h.bookings.RecordExternalScheduling(c.Request.Context(), input.Draft, input.Slot.timeSlot(), input.EventRef, input.Contact)
	respondBooking(c, http.StatusCreated, b, err)
}

func (h *bookingHandlers) initiatePayment(c *gin.Context) {
	if _, ok := h.authorized(c); !ok {
		return
	}
	res, err := h.bookings.InitiatePayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *bookingHandlers) get(c *gin.Context) {
	b, ok := h.authorized(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"booking": b})
}

// list returns the caller's bookings; ?as=builder lists those they host.
func (h *bookingHandlers) list(c *gin.Context) {
	id, claims := caller(c)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	filter := booking.ListFilter{ClientID: id, Limit: limit}
	if c.Query("as") == "builder" {
		if !claims.HasRole(utils.RoleBuilder) {
			utils.JSONError(c, http.StatusForbidden, "Builder role required", "")
			return
		}
		filter = booking.ListFilter{BuilderID: id, Limit: limit}
	}

	list, err := h.bookings.ListBookings(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	if list == nil {
		list = []*models.Booking{}
	}
	c.JSON(http.StatusOK, gin.H{"bookings": list})
}

func (h *bookingHandlers) cancel(c *gin.Context) {
	b, ok := h.authorized(c)
	if !ok {
		return
	}
	var input struct {
		Reason string `json:"reason"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&input); err != nil {
			badRequest(c, err)
			return
		}
	}
	next, err := h.bookings.CancelBooking(c.Request.Context(), b.ID, input.Reason, initiatorFor(c, b))
	respondBooking(c, http.StatusOK, next, err)
}

func (h *bookingHandlers) reschedule(c *gin.Context) {
	b, ok := h.authorized(c)
	if !ok {
		return
	}
	var input struct {
		Slot          slotInput `json:"slot"`
		SessionTypeID string    `json:"sessionTypeId"`
		EventRef      string    `json:"eventRef"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		badRequest(c, err)
		return
	}
	next, err := h.bookings.RescheduleBooking(c.Request.Context(), booking.RescheduleRequest{
		BookingID:        b.ID,
		Slot:             input.Slot.timeSlot(),
		NewSessionTypeID: input.SessionTypeID,
		NewEventRef:      input.EventRef,
	})
	if err != nil {
		respondBooking(c, http.StatusOK, next, err)
		return
	}
	resp := gin.H{"booking": next}
	if adj := next.PendingAdjustment; adj != nil {
		resp["adjustment"] = adj
		if adj.CheckoutURL != "" {
			resp["checkoutUrl"] = adj.CheckoutURL
		}
		c.JSON(http.StatusAccepted, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *bookingHandlers) cancelAdjustment(c *gin.Context) {
	b, ok := h.authorized(c)
	if !ok {
		return
	}
	next, err := h.bookings.CancelPriceAdjustment(c.Request.Context(), b.ID)
	respondBooking(c, http.StatusOK, next, err)
}

func (h *bookingHandlers) claim(c *gin.Context) {
	clientID, _ := caller(c)
	b, err := h.bookings.ClaimBooking(c.Request.Context(), c.Param("id"), clientID)
	respondBooking(c, http.StatusOK, b, err)
}

// refund is for builders and admins. A builder may only refund their own bookings.
func (h *bookingHandlers) refund(c *gin.Context) {
	b, ok := h.authorized(c)
	if !ok {
		return
	}
	id, claims := caller(c)
	if !claims.HasRole(utils.RoleAdmin) && b.BuilderID != id {
		respondError(c, &booking.Error{Code: booking.CodeForbidden, Message: "only the builder or an admin can refund", BookingID: b.ID})
		return
	}
	var input struct {
		Amount int64  `json:"amount"`
		Reason string `json:"reason"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&input); err != nil {
			badRequest(c, err)
			return
		}
	}
	if input.Amount < 0 {
		badRequest(c, errors.New("amount must not be negative"))
		return
	}
	next, err := h.bookings.InitiateRefund(c.Request.Context(), b.ID, input.Amount, input.Reason, initiatorFor(c, b))
	respondBooking(c, http.StatusOK, next, err)
}

func (h *bookingHandlers) recover(c *gin.Context) {
	next, err := h.bookings.RecoverBooking(c.Request.Context(), c.Param("id"))
	respondBooking(c, http.StatusOK, next, err)
}
