package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"buildappswith/models"

	"github.com/stripe/stripe-go/v76"
	stripehook "github.com/stripe/stripe-go/v76/webhook"
)

// StripeSignatureHeader is the header Stripe signs deliveries with.
const StripeSignatureHeader = "Stripe-Signature"

// StripeVerifier authenticates and decodes payment provider webhooks.
type StripeVerifier struct {
	secret    string
	tolerance time.Duration
}

func NewStripeVerifier(secret string, tolerance time.Duration) *StripeVerifier {
	if tolerance <= 0 {
		tolerance = stripehook.DefaultTolerance
	}
	return &StripeVerifier{secret: secret, tolerance: tolerance}
}

// ErrIgnored marks a well-formed event that carries nothing to act on yet,
// such as a refund that is still pending.
var ErrIgnored = errors.New("webhook event needs no action")

// Parse verifies the Stripe-Signature header and maps the event onto the
// booking domain. Metadata written at checkout time locates the booking.
func (v *StripeVerifier) Parse(header string, body []byte) (models.WebhookEvent, error) {
	event, err := stripehook.ConstructEventWithOptions(body, header, v.secret, stripehook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if errors.Is(err, stripehook.ErrTooOld) {
			return nil, ErrReplayed
		}
		if errors.Is(err, stripehook.ErrNotSigned) || errors.Is(err, stripehook.ErrInvalidHeader) || errors.Is(err, stripehook.ErrNoValidSignature) {
			return nil, ErrInvalidSignature
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if event.Data == nil {
		return nil, fmt.Errorf("%w: event has no data", ErrMalformedPayload)
	}
	occurred := time.Unix(event.Created, 0).UTC()

	var ev models.WebhookEvent
	switch string(event.Type) {
	case models.EventCheckoutCompleted:
		var s stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if s.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
			return nil, fmt.Errorf("%w: checkout %s is %s", ErrIgnored, s.ID, s.PaymentStatus)
		}
		cc := models.CheckoutCompleted{
			ID:            event.ID,
			OccurredAt:    occurred,
			BookingID:     s.Metadata[models.MetaBookingID],
			BuilderID:     s.Metadata[models.MetaBuilderID],
			ClientID:      s.Metadata[models.MetaClientID],
			SessionTypeID: s.Metadata[models.MetaSessionTypeID],
			SessionRef:    s.ID,
			AttemptRef:    s.Metadata[models.MetaAttemptRef],
			Purpose:       purposeOf(s.Metadata),
			Amount:        s.AmountTotal,
			Currency:      string(s.Currency),
		}
		if cc.BookingID == "" {
			cc.BookingID = s.ClientReferenceID
		}
		if s.PaymentIntent != nil {
			cc.PaymentIntentRef = s.PaymentIntent.ID
		}
		ev = cc

	case "checkout.session.expired":
		var s stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		ev = models.PaymentAttemptFailed{
			ID:         event.ID,
			OccurredAt: occurred,
			BookingID:  s.Metadata[models.MetaBookingID],
			AttemptRef: s.Metadata[models.MetaAttemptRef],
			Purpose:    purposeOf(s.Metadata),
			Reason:     "checkout_expired",
		}

	case models.EventPaymentFailed:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		reason := "payment_failed"
		if pi.LastPaymentError != nil {
			reason = string(pi.LastPaymentError.Code)
			if pi.LastPaymentError.Msg != "" {
				reason = pi.LastPaymentError.Msg
			}
		}
		ev = models.PaymentAttemptFailed{
			ID:               event.ID,
			OccurredAt:       occurred,
			BookingID:        pi.Metadata[models.MetaBookingID],
			AttemptRef:       pi.Metadata[models.MetaAttemptRef],
			PaymentIntentRef: pi.ID,
			Purpose:          purposeOf(pi.Metadata),
			Reason:           reason,
		}

	case models.EventRefundCreated, models.EventRefundUpdated, models.EventRefundChanged, models.EventRefundFailed:
		var r stripe.Refund
		if err := json.Unmarshal(event.Data.Raw, &r); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if !refundFinal(&r) {
			return nil, fmt.Errorf("%w: refund %s is %s", ErrIgnored, r.ID, r.Status)
		}
		ev = refundSettled(event.ID, occurred, &r, nil, "")

	case models.EventChargeRefunded:
		var ch stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		r := latestFinalRefund(&ch)
		if r == nil {
			return nil, fmt.Errorf("%w: charge %s carries no settled refund", ErrIgnored, ch.ID)
		}
		intent := ""
		if ch.PaymentIntent != nil {
			intent = ch.PaymentIntent.ID
		}
		ev = refundSettled(event.ID, occurred, r, ch.Metadata, intent)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEvent, event.Type)
	}

	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return ev, nil
}

func purposeOf(meta map[string]string) models.PaymentPurpose {
	if p := meta[models.MetaPurpose]; p != "" {
		return models.PaymentPurpose(p)
	}
	return models.PurposeBooking
}

func refundFinal(r *stripe.Refund) bool {
	switch r.Status {
	case stripe.RefundStatusSucceeded, stripe.RefundStatusFailed, stripe.RefundStatusCanceled:
		return true
	}
	return false
}

// latestFinalRefund picks the newest settled refund embedded in a charge.
func latestFinalRefund(ch *stripe.Charge) *stripe.Refund {
	if ch.Refunds == nil {
		return nil
	}
	var latest *stripe.Refund
	for _, r := range ch.Refunds.Data {
		if r == nil || !refundFinal(r) {
			continue
		}
		if latest == nil || r.Created > latest.Created {
			latest = r
		}
	}
	return latest
}

// refundSettled builds the event for a settled refund. Booking metadata falls
// back to the charge's when the refund carries none.
func refundSettled(id string, occurred time.Time, r *stripe.Refund, chargeMeta map[string]string, intent string) models.RefundSettled {
	meta := r.Metadata
	if meta[models.MetaBookingID] == "" && chargeMeta != nil {
		meta = chargeMeta
	}
	if r.PaymentIntent != nil && r.PaymentIntent.ID != "" {
		intent = r.PaymentIntent.ID
	}
	return models.RefundSettled{
		ID:               id,
		OccurredAt:       occurred,
		BookingID:        meta[models.MetaBookingID],
		RefundRef:        r.ID,
		PaymentIntentRef: intent,
		Purpose:          purposeOf(meta),
		Amount:           r.Amount,
		Succeeded:        r.Status == stripe.RefundStatusSucceeded,
		FailureReason:    string(r.FailureReason),
	}
}
