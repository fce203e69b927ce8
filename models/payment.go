package models

// Payment metadata keys that round-trip through the payment provider.
const (
	MetaBookingID     = "booking_id"
	MetaBuilderID     = "builder_id"
	MetaClientID      = "client_id"
	MetaSessionTypeID = "session_type_id"
	MetaAttemptRef    = "payment_attempt"
	MetaPurpose       = "purpose"
)

// PaymentPurpose distinguishes the initial charge from reschedule adjustments.
type PaymentPurpose string

const (
	PurposeBooking    PaymentPurpose = "booking"
	PurposeAdjustment PaymentPurpose = "adjustment"
	PurposeCompensate PaymentPurpose = "compensation"
)

// CheckoutRequest asks the payment provider for a hosted checkout page.
type CheckoutRequest struct {
	BookingID      string
	BuilderID      string
	ClientID       string
	SessionTypeID  string
	Description    string
	Amount         int64
	Currency       string
	AttemptRef     string
	Purpose        PaymentPurpose
	SuccessURL     string
	CancelURL      string
	CustomerEmail  string
	IdempotencyKey string
}

// CheckoutSession is the provider's answer to a CheckoutRequest.
type CheckoutSession struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

// RefundRequest asks the payment provider to return money. A zero Amount means a full refund.
type RefundRequest struct {
	BookingID        string
	PaymentIntentRef string
	Amount           int64
	Purpose          PaymentPurpose
	IdempotencyKey   string
}

// RefundStatus is the provider's view of a refund.
type RefundStatus string

const (
	RefundStatusPending   RefundStatus = "pending"
	RefundStatusSucceeded RefundStatus = "succeeded"
	RefundStatusFailed    RefundStatus = "failed"
	RefundStatusCanceled  RefundStatus = "canceled"
)

// RefundResult is the provider's answer to a refund request or lookup.
type RefundResult struct {
	RefundRef     string       `json:"refundRef"`
	Status        RefundStatus `json:"status"`
	Amount        int64        `json:"amount"`
	FailureReason string       `json:"failureReason,omitempty"`
}

// Final reports whether the refund will not change status again.
func (r RefundResult) Final() bool {
	return r.Status == RefundStatusSucceeded || r.Status == RefundStatusFailed || r.Status == RefundStatusCanceled
}

// PaymentOutcome is a verified payment result reported by the payment webhook.
type PaymentOutcome struct {
	BookingID        string
	Reference        string // checkout session id or payment attempt ref
	PaymentIntentRef string
	Succeeded        bool
	Amount           int64
	Currency         string
	FailureReason    string
}

// RefundOutcome is a verified refund result reported by the payment webhook.
type RefundOutcome struct {
	BookingID        string
	RefundRef        string
	PaymentIntentRef string
	Amount           int64
	Succeeded        bool
	FailureReason    string
}

// CheckoutResult is returned to the client after initiating payment. For free
// sessions it carries the confirmed booking and no checkout URL.
type CheckoutResult struct {
	CheckoutURL      string   `json:"checkoutUrl,omitempty"`
	PaymentReference string   `json:"paymentReference,omitempty"`
	Booking          *Booking `json:"booking"`
}
