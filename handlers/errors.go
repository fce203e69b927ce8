package handlers

import (
	"errors"
	"net/http"

	"buildappswith/services/booking"
	"buildappswith/services/sessiontype"
	"buildappswith/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// bookingStatus maps coordinator error codes onto HTTP statuses.
func bookingStatus(e *booking.Error) int {
	switch e.Code {
	case booking.CodeValidation:
		return http.StatusBadRequest
	case booking.CodeInvalidTimeSlot, booking.CodeSessionTypeInactive:
		return http.StatusUnprocessableEntity
	case booking.CodeNotFound, booking.CodeSessionTypeNotFound:
		return http.StatusNotFound
	case booking.CodeForbidden:
		return http.StatusForbidden
	case booking.CodeInvalidState, booking.CodeStale, booking.CodeOutOfOrder, booking.CodeManualIntervention:
		return http.StatusConflict
	case booking.CodeSchedulingFailed, booking.CodePaymentFailed, booking.CodeRefundFailed:
		if e.Recoverable {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// respondError writes err as an ErrorResponse. Unknown errors become a 500
// without leaking their text.
func respondError(c *gin.Context, err error) {
	var be *booking.Error
	if errors.As(err, &be) {
		status := bookingStatus(be)
		resp := utils.ErrorResponse{
			Message:     be.Error(),
			Code:        string(be.Code),
			Recoverable: be.Recoverable,
			BookingID:   be.BookingID,
		}
		if be.Message != "" {
			resp.Message = be.Message
		}
		if be.Err != nil && status < http.StatusInternalServerError {
			resp.Details = be.Err.Error()
		}
		utils.WriteError(c, status, resp)
		return
	}

	var ve *sessiontype.ValidationError
	switch {
	case errors.As(err, &ve):
		utils.WriteError(c, http.StatusBadRequest, utils.ErrorResponse{Message: "Invalid session type", Details: ve.Error(), Code: "VALIDATION_FAILED"})
	case errors.Is(err, sessiontype.ErrNotFound):
		utils.JSONError(c, http.StatusNotFound, "Session type not found", "")
	case errors.Is(err, sessiontype.ErrForbidden):
		utils.JSONError(c, http.StatusForbidden, "Session type belongs to another builder", "")
	case errors.Is(err, sessiontype.ErrConflict):
		utils.WriteError(c, http.StatusConflict, utils.ErrorResponse{Message: "Session type was modified, re-fetch and retry", Code: "STALE_STATE", Recoverable: true})
	case errors.Is(err, sessiontype.ErrInactive):
		utils.WriteError(c, http.StatusUnprocessableEntity, utils.ErrorResponse{Message: "Session type is not active", Code: string(booking.CodeSessionTypeInactive)})
	default:
		getLogger(c).Error("Unhandled error", zap.Error(err))
		utils.JSONError(c, http.StatusInternalServerError, "Internal Server Error", "")
	}
}

func badRequest(c *gin.Context, err error) {
	utils.WriteError(c, http.StatusBadRequest, utils.ErrorResponse{
		Message: "Invalid request",
		Details: err.Error(),
		Code:    string(booking.CodeValidation),
	})
}
