package booking

import (
	"errors"
	"fmt"

	"buildappswith/models"
)

// ErrorCode is the machine-readable reason surfaced to API callers.
type ErrorCode string

const (
	CodeValidation          ErrorCode = "VALIDATION_FAILED"
	CodeInvalidTimeSlot     ErrorCode = "INVALID_TIME_SLOT"
	CodeSessionTypeInactive ErrorCode = "SESSION_TYPE_INACTIVE"
	CodeSessionTypeNotFound ErrorCode = "SESSION_TYPE_NOT_FOUND"
	CodeNotFound            ErrorCode = "BOOKING_NOT_FOUND"
	CodeForbidden           ErrorCode = "FORBIDDEN"
	CodeInvalidState        ErrorCode = "INVALID_STATE"
	CodeStale               ErrorCode = "STALE_STATE"
	CodeOutOfOrder          ErrorCode = "OUT_OF_ORDER"
	CodeSchedulingFailed    ErrorCode = "SCHEDULING_FAILED"
	CodePaymentFailed       ErrorCode = "PAYMENT_FAILED"
	CodeRefundFailed        ErrorCode = "REFUND_FAILED"
	CodeManualIntervention  ErrorCode = "MANUAL_INTERVENTION_REQUIRED"
)

// Error is returned by every Coordinator operation that fails. Recoverable
// tells the caller whether offering a retry makes sense.
type Error struct {
	Code        ErrorCode
	Message     string
	BookingID   string
	Recoverable bool
	Err         error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.BookingID != "" {
		msg += fmt.Sprintf(" (booking %s)", e.BookingID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Code so callers can compare against the sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrInvalidTimeSlot     = &Error{Code: CodeInvalidTimeSlot, Message: "proposed time is not available"}
	ErrSessionTypeInactive = &Error{Code: CodeSessionTypeInactive, Message: "session type is not active"}
	ErrSessionTypeNotFound = &Error{Code: CodeSessionTypeNotFound, Message: "session type not found"}
	ErrNotFound            = &Error{Code: CodeNotFound, Message: "booking not found"}
	ErrForbidden           = &Error{Code: CodeForbidden, Message: "booking belongs to another client"}
	ErrInvalidState        = &Error{Code: CodeInvalidState}
	ErrStale               = &Error{Code: CodeStale, Message: "booking changed, re-fetch current state", Recoverable: true}
	ErrOutOfOrder          = &Error{Code: CodeOutOfOrder}
	ErrManualIntervention  = &Error{Code: CodeManualIntervention, Message: "booking requires support intervention"}
)

func validationError(format string, args ...interface{}) error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

func invalidState(b *models.Booking, action string) error {
	return &Error{
		Code:      CodeInvalidState,
		Message:   fmt.Sprintf("cannot %s while booking is %s", action, b.State),
		BookingID: b.ID,
	}
}

// providerFailure wraps an adapter error. Recoverable follows the provider's own classification.
func providerFailure(code ErrorCode, bookingID string, err error) error {
	recoverable := true
	if pe, ok := models.AsProviderError(err); ok {
		recoverable = pe.Retryable()
	}
	return &Error{Code: code, BookingID: bookingID, Recoverable: recoverable, Err: err}
}

// IsBenign reports errors that mean "nothing to do" rather than a failure.
func IsBenign(err error) bool {
	return errors.Is(err, ErrInvalidState) || errors.Is(err, ErrNotFound)
}

// CodeOf extracts the ErrorCode from err, or "" if err is not a booking error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
