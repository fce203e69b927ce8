package models

import "time"

// Booking is a client's session request with a builder. It is never deleted:
// cancellation and refund are terminal states kept for audit history.
type Booking struct {
	ID            string `bson:"id" json:"id"`
	BuilderID     string `bson:"builderId" json:"builderId"`
	ClientID      string `bson:"clientId,omitempty" json:"clientId,omitempty"` // empty until an anonymous booking is claimed
	SessionTypeID string `bson:"sessionTypeId" json:"sessionTypeId"`

	// Snapshot of the session type at booking time.
	SessionTitle string        `bson:"sessionTitle" json:"sessionTitle"`
	Duration     time.Duration `bson:"duration" json:"duration"`
	Amount       int64         `bson:"amount" json:"amount"` // minor units
	Currency     string        `bson:"currency" json:"currency"`

	Start time.Time `bson:"start" json:"start"`
	End   time.Time `bson:"end" json:"end"`

	State         LifecycleState `bson:"currentState" json:"currentState"`
	PaymentStatus PaymentStatus  `bson:"paymentStatus" json:"paymentStatus"`
	StateData     StateData      `bson:"-" json:"stateData,omitempty"`

	CorrelationToken          string `bson:"correlationToken" json:"correlationToken"`
	ExternalSchedulingRef     string `bson:"externalSchedulingRef,omitempty" json:"externalSchedulingRef,omitempty"`
	ExternalPaymentSessionRef string `bson:"externalPaymentSessionRef,omitempty" json:"externalPaymentSessionRef,omitempty"`
	PaymentAttemptRef         string `bson:"paymentAttemptRef,omitempty" json:"paymentAttemptRef,omitempty"`
	PaymentIntentRef          string `bson:"paymentIntentRef,omitempty" json:"paymentIntentRef,omitempty"`
	PaymentAttempts           int    `bson:"paymentAttempts" json:"paymentAttempts"`
	AmountPaid                int64  `bson:"amountPaid" json:"amountPaid"`
	AmountRefunded            int64  `bson:"amountRefunded" json:"amountRefunded"`

	// Captures lists every charge taken for the booking, oldest first.
	Captures []PaymentCapture `bson:"captures,omitempty" json:"captures,omitempty"`

	PendingAdjustment *PriceAdjustment `bson:"pendingAdjustment,omitempty" json:"pendingAdjustment,omitempty"`

	ClientEmail    string `bson:"clientEmail,omitempty" json:"clientEmail,omitempty"`
	ClientName     string `bson:"clientName,omitempty" json:"clientName,omitempty"`
	ClientTimezone string `bson:"clientTimezone,omitempty" json:"clientTimezone,omitempty"`
	Notes          string `bson:"notes,omitempty" json:"notes,omitempty"`

	Version        int64        `bson:"version" json:"version"`
	History        []Transition `bson:"history" json:"history"`
	LastTransition time.Time    `bson:"lastTransition" json:"lastTransition"`
	CreatedAt      time.Time    `bson:"createdAt" json:"createdAt"`
	UpdatedAt      time.Time    `bson:"updatedAt" json:"updatedAt"`
}

// Transition is one hop recorded in a booking's audit history.
type Transition struct {
	From LifecycleState `bson:"from" json:"from"`
	To   LifecycleState `bson:"to" json:"to"`
	At   time.Time      `bson:"at" json:"at"`
}

// AdjustmentKind says which way money has to move before a reschedule is final.
type AdjustmentKind string

const (
	AdjustmentAdditionalPayment AdjustmentKind = "additional_payment"
	AdjustmentPartialRefund     AdjustmentKind = "partial_refund"
)

// PriceAdjustment is a reschedule that waits for a secondary payment or refund.
type PriceAdjustment struct {
	Token            string         `bson:"token" json:"token"`
	Kind             AdjustmentKind `bson:"kind" json:"kind"`
	Amount           int64          `bson:"amount" json:"amount"` // always positive
	NewAmount        int64          `bson:"newAmount" json:"newAmount"`
	NewSessionTypeID string         `bson:"newSessionTypeId" json:"newSessionTypeId"`
	NewSessionTitle  string         `bson:"newSessionTitle" json:"newSessionTitle"`
	NewDuration      time.Duration  `bson:"newDuration" json:"newDuration"`
	NewStart         time.Time      `bson:"newStart" json:"newStart"`
	NewEnd           time.Time      `bson:"newEnd" json:"newEnd"`
	NewEventRef      string         `bson:"newEventRef,omitempty" json:"newEventRef,omitempty"`
	PaymentRef       string         `bson:"paymentRef,omitempty" json:"paymentRef,omitempty"`
	RefundIntentRef  string         `bson:"refundIntentRef,omitempty" json:"refundIntentRef,omitempty"`
	CheckoutURL      string         `bson:"checkoutUrl,omitempty" json:"checkoutUrl,omitempty"`
	RequestedAt      time.Time      `bson:"requestedAt" json:"requestedAt"`
}

// IsFree reports whether the booking was created for a zero-price session type.
func (b *Booking) IsFree() bool {
	return b.Amount == 0
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (b *Booking) Clone() *Booking {
	if b == nil {
		return nil
	}
	c := *b
	c.History = append([]Transition(nil), b.History...)
	if b.Captures != nil {
		c.Captures = append([]PaymentCapture(nil), b.Captures...)
	}
	if b.PendingAdjustment != nil {
		adj := *b.PendingAdjustment
		c.PendingAdjustment = &adj
	}
	return &c
}

// PaymentCapture is one charge taken for a booking. Refunds go back to the
// charge they came from.
type PaymentCapture struct {
	IntentRef string         `bson:"intentRef" json:"intentRef"`
	Amount    int64          `bson:"amount" json:"amount"`
	Refunded  int64          `bson:"refunded" json:"refunded"`
	Purpose   PaymentPurpose `bson:"purpose" json:"purpose"`
}

// Refundable is what is left of the charge.
func (p PaymentCapture) Refundable() int64 {
	return p.Amount - p.Refunded
}

// PaymentCaptures returns the booking's charges. Bookings paid before captures
// were tracked report their single intent.
func (b *Booking) PaymentCaptures() []PaymentCapture {
	if len(b.Captures) > 0 || b.PaymentIntentRef == "" || b.AmountPaid == 0 {
		return b.Captures
	}
	return []PaymentCapture{{
		IntentRef: b.PaymentIntentRef,
		Amount:    b.AmountPaid,
		Refunded:  b.AmountRefunded,
		Purpose:   PurposeBooking,
	}}
}

// AddCapture records a charge and counts it as paid.
func (b *Booking) AddCapture(intentRef string, amount int64, purpose PaymentPurpose) {
	b.Captures = append(b.PaymentCaptures(), PaymentCapture{IntentRef: intentRef, Amount: amount, Purpose: purpose})
	b.AmountPaid += amount
	if b.PaymentIntentRef == "" {
		b.PaymentIntentRef = intentRef
	}
}

// ApplyRefund books amount as returned against the charge intentRef.
func (b *Booking) ApplyRefund(intentRef string, amount int64) {
	caps := b.PaymentCaptures()
	for i := range caps {
		if caps[i].IntentRef == intentRef {
			caps[i].Refunded += amount
			break
		}
	}
	b.Captures = caps
	b.AmountRefunded += amount
}

// AllocateRefund splits amount across the booking's charges, newest first.
// It reports false when the charges cannot cover it.
func (b *Booking) AllocateRefund(amount int64) ([]RefundPart, bool) {
	caps := b.PaymentCaptures()
	var parts []RefundPart
	left := amount
	for i := len(caps) - 1; i >= 0 && left > 0; i-- {
		take := caps[i].Refundable()
		if take <= 0 {
			continue
		}
		if take > left {
			take = left
		}
		parts = append(parts, RefundPart{IntentRef: caps[i].IntentRef, Amount: take})
		left -= take
	}
	return parts, left == 0
}

// CaptureCovering returns the newest charge with at least amount left on it.
func (b *Booking) CaptureCovering(amount int64) (PaymentCapture, bool) {
	caps := b.PaymentCaptures()
	for i := len(caps) - 1; i >= 0; i-- {
		if caps[i].Refundable() >= amount {
			return caps[i], true
		}
	}
	return PaymentCapture{}, false
}

// BookingDraft is the unpersisted result of a session type selection.
type BookingDraft struct {
	BuilderID        string        `json:"builderId"`
	ClientID         string        `json:"clientId,omitempty"`
	SessionTypeID    string        `json:"sessionTypeId"`
	SessionTitle     string        `json:"sessionTitle"`
	EventTypeRef     string        `json:"eventTypeRef"`
	Duration         time.Duration `json:"duration"`
	Amount           int64         `json:"amount"`
	Currency         string        `json:"currency"`
	CorrelationToken string        `json:"correlationToken"`
	SchedulingURL    string        `json:"schedulingUrl,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
}

// ClientContact is what the client tells us about themselves when proposing a time.
type ClientContact struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Timezone string `json:"timezone"`
	Notes    string `json:"notes"`
}
