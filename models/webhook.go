package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// WebhookProvider names the external system that sent an event.
type WebhookProvider string

const (
	ProviderScheduling WebhookProvider = "calendly"
	ProviderPayment    WebhookProvider = "stripe"
)

// Event type discriminators accepted at the webhook boundary.
const (
	EventInviteeCreated    = "invitee.created"
	EventInviteeCanceled   = "invitee.canceled"
	EventCheckoutCompleted = "checkout.session.completed"
	EventPaymentFailed     = "payment_intent.payment_failed"
	EventRefundUpdated     = "charge.refund.updated"
	EventRefundCreated     = "refund.created"
	EventRefundChanged     = "refund.updated"
	EventRefundFailed      = "refund.failed"
	EventChargeRefunded    = "charge.refunded"
)

var ErrUnknownEventType = errors.New("unknown webhook event type")

// WebhookEvent is a verified, schema-checked provider notification. The
// concrete types below are the only implementations.
type WebhookEvent interface {
	EventID() string
	EventType() string
	Provider() WebhookProvider
	Validate() error
}

// InviteeCreated means the scheduling provider holds a real event for the invitee.
type InviteeCreated struct {
	ID               string    `json:"id"`
	OccurredAt       time.Time `json:"occurredAt"`
	CorrelationToken string    `json:"correlationToken"`
	EventRef         string    `json:"eventRef"`
	InviteeRef       string    `json:"inviteeRef"`
	Email            string    `json:"email"`
	Name             string    `json:"name"`
	Timezone         string    `json:"timezone"`
	Start            time.Time `json:"start"`
	End              time.Time `json:"end"`
}

func (e InviteeCreated) EventID() string           { return e.ID }
func (e InviteeCreated) EventType() string         { return EventInviteeCreated }
func (e InviteeCreated) Provider() WebhookProvider { return ProviderScheduling }

func (e InviteeCreated) Validate() error {
	if e.ID == "" || e.EventRef == "" {
		return fmt.Errorf("%s: missing id or event reference", EventInviteeCreated)
	}
	if e.CorrelationToken == "" {
		return fmt.Errorf("%s: missing correlation token", EventInviteeCreated)
	}
	return nil
}

// InviteeCanceled means the invitee or host cancelled on the scheduling provider.
type InviteeCanceled struct {
	ID               string    `json:"id"`
	OccurredAt       time.Time `json:"occurredAt"`
	CorrelationToken string    `json:"correlationToken"`
	EventRef         string    `json:"eventRef"`
	Reason           string    `json:"reason"`
	Rescheduled      bool      `json:"rescheduled"`
}

func (e InviteeCanceled) EventID() string           { return e.ID }
func (e InviteeCanceled) EventType() string         { return EventInviteeCanceled }
func (e InviteeCanceled) Provider() WebhookProvider { return ProviderScheduling }

func (e InviteeCanceled) Validate() error {
	if e.ID == "" || e.EventRef == "" {
		return fmt.Errorf("%s: missing id or event reference", EventInviteeCanceled)
	}
	return nil
}

// CheckoutCompleted reports a paid hosted checkout session.
type CheckoutCompleted struct {
	ID               string         `json:"id"`
	OccurredAt       time.Time      `json:"occurredAt"`
	BookingID        string         `json:"bookingId"`
	BuilderID        string         `json:"builderId"`
	ClientID         string         `json:"clientId"`
	SessionTypeID    string         `json:"sessionTypeId"`
	SessionRef       string         `json:"sessionRef"`
	AttemptRef       string         `json:"attemptRef"`
	PaymentIntentRef string         `json:"paymentIntentRef"`
	Purpose          PaymentPurpose `json:"purpose"`
	Amount           int64          `json:"amount"`
	Currency         string         `json:"currency"`
}

func (e CheckoutCompleted) EventID() string           { return e.ID }
func (e CheckoutCompleted) EventType() string         { return EventCheckoutCompleted }
func (e CheckoutCompleted) Provider() WebhookProvider { return ProviderPayment }

func (e CheckoutCompleted) Validate() error {
	if e.ID == "" || e.BookingID == "" || e.SessionRef == "" {
		return fmt.Errorf("%s: missing id, booking id or session reference", EventCheckoutCompleted)
	}
	if e.Amount < 0 {
		return fmt.Errorf("%s: negative amount", EventCheckoutCompleted)
	}
	return nil
}

// PaymentAttemptFailed reports a declined or otherwise failed payment attempt.
type PaymentAttemptFailed struct {
	ID               string         `json:"id"`
	OccurredAt       time.Time      `json:"occurredAt"`
	BookingID        string         `json:"bookingId"`
	AttemptRef       string         `json:"attemptRef"`
	PaymentIntentRef string         `json:"paymentIntentRef"`
	Purpose          PaymentPurpose `json:"purpose"`
	Reason           string         `json:"reason"`
}

func (e PaymentAttemptFailed) EventID() string           { return e.ID }
func (e PaymentAttemptFailed) EventType() string         { return EventPaymentFailed }
func (e PaymentAttemptFailed) Provider() WebhookProvider { return ProviderPayment }

func (e PaymentAttemptFailed) Validate() error {
	if e.ID == "" || e.BookingID == "" || e.AttemptRef == "" {
		return fmt.Errorf("%s: missing id, booking id or attempt reference", EventPaymentFailed)
	}
	return nil
}

// RefundSettled reports the final status of a refund.
type RefundSettled struct {
	ID               string         `json:"id"`
	OccurredAt       time.Time      `json:"occurredAt"`
	BookingID        string         `json:"bookingId"`
	RefundRef        string         `json:"refundRef"`
	PaymentIntentRef string         `json:"paymentIntentRef,omitempty"`
	Purpose          PaymentPurpose `json:"purpose"`
	Amount           int64          `json:"amount"`
	Succeeded        bool           `json:"succeeded"`
	FailureReason    string         `json:"failureReason"`
}

func (e RefundSettled) EventID() string           { return e.ID }
func (e RefundSettled) EventType() string         { return EventRefundUpdated }
func (e RefundSettled) Provider() WebhookProvider { return ProviderPayment }

func (e RefundSettled) Validate() error {
	if e.ID == "" || e.BookingID == "" || e.RefundRef == "" {
		return fmt.Errorf("%s: missing id, booking id or refund reference", EventRefundUpdated)
	}
	return nil
}

// webhookEnvelope is the storage form of a WebhookEvent, tagged by kind.
type webhookEnvelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

const (
	kindInviteeCreated    = "invitee_created"
	kindInviteeCanceled   = "invitee_canceled"
	kindCheckoutCompleted = "checkout_completed"
	kindPaymentFailed     = "payment_failed"
	kindRefundSettled     = "refund_settled"
)

// EncodeWebhookEvent serializes an event with its variant tag so it can be buffered.
func EncodeWebhookEvent(ev WebhookEvent) ([]byte, error) {
	var kind string
	switch ev.(type) {
	case InviteeCreated:
		kind = kindInviteeCreated
	case InviteeCanceled:
		kind = kindInviteeCanceled
	case CheckoutCompleted:
		kind = kindCheckoutCompleted
	case PaymentAttemptFailed:
		kind = kindPaymentFailed
	case RefundSettled:
		kind = kindRefundSettled
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEventType, ev)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(webhookEnvelope{Kind: kind, Payload: payload})
}

// DecodeWebhookEvent is the inverse of EncodeWebhookEvent.
func DecodeWebhookEvent(data []byte) (WebhookEvent, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode webhook envelope: %w", err)
	}
	var (
		ev  WebhookEvent
		err error
	)
	switch env.Kind {
	case kindInviteeCreated:
		var e InviteeCreated
		err = json.Unmarshal(env.Payload, &e)
		ev = e
	case kindInviteeCanceled:
		var e InviteeCanceled
		err = json.Unmarshal(env.Payload, &e)
		ev = e
	case kindCheckoutCompleted:
		var e CheckoutCompleted
		err = json.Unmarshal(env.Payload, &e)
		ev = e
	case kindPaymentFailed:
		var e PaymentAttemptFailed
		err = json.Unmarshal(env.Payload, &e)
		ev = e
	case kindRefundSettled:
		var e RefundSettled
		err = json.Unmarshal(env.Payload, &e)
		ev = e
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Kind, err)
	}
	return ev, nil
}

// BufferedEvent is a webhook event parked until the booking it targets can accept it.
type BufferedEvent struct {
	Key        string       `json:"key"`
	Event      WebhookEvent `json:"-"`
	BufferedAt time.Time    `json:"bufferedAt"`
}
