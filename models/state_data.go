package models

import (
	"fmt"
	"time"
)

// StateData is the per-state payload carried next to currentState. The set of
// variants is closed: only types in this file implement it, and each variant
// declares which states it may accompany.
type StateData interface {
	belongsTo(s LifecycleState) bool
}

// StateDataFits reports whether data is a legal payload for state s. A nil
// payload is only legal for states that carry no transition metadata.
func StateDataFits(s LifecycleState, data StateData) bool {
	if data == nil {
		switch s {
		case StateIdle, StateSessionTypeSelection, StateSchedulingInProgress:
			return true
		}
		return false
	}
	return data.belongsTo(s)
}

// SchedulingData is held while the booking waits for the scheduling provider to confirm.
type SchedulingData struct {
	ProposedEventRef string    `bson:"proposedEventRef" json:"proposedEventRef"`
	ProposedStart    time.Time `bson:"proposedStart" json:"proposedStart"`
	ProposedEnd      time.Time `bson:"proposedEnd" json:"proposedEnd"`
	RecordedAt       time.Time `bson:"recordedAt" json:"recordedAt"`
}

func (SchedulingData) belongsTo(s LifecycleState) bool {
	return s == StateScheduledPendingConfirmation
}

// ConfirmationData records the provider-side confirmation of the scheduled event.
type ConfirmationData struct {
	EventRef    string    `bson:"eventRef" json:"eventRef"`
	ConfirmedAt time.Time `bson:"confirmedAt" json:"confirmedAt"`
}

func (ConfirmationData) belongsTo(s LifecycleState) bool {
	return s == StateScheduleConfirmed
}

// PaymentAttemptData describes the in-flight or last failed checkout attempt.
type PaymentAttemptData struct {
	AttemptRef    string    `bson:"attemptRef" json:"attemptRef"`
	SessionRef    string    `bson:"sessionRef,omitempty" json:"sessionRef,omitempty"`
	CheckoutURL   string    `bson:"checkoutUrl,omitempty" json:"checkoutUrl,omitempty"`
	Attempt       int       `bson:"attempt" json:"attempt"`
	FailureReason string    `bson:"failureReason,omitempty" json:"failureReason,omitempty"`
	StartedAt     time.Time `bson:"startedAt" json:"startedAt"`
}

func (PaymentAttemptData) belongsTo(s LifecycleState) bool {
	switch s {
	case StatePaymentPending, StatePaymentProcessing, StatePaymentFailed:
		return true
	}
	return false
}

// ConfirmedData accompanies a confirmed (or transiently rescheduled) booking.
type ConfirmedData struct {
	ConfirmedAt   time.Time `bson:"confirmedAt" json:"confirmedAt"`
	RescheduledAt time.Time `bson:"rescheduledAt,omitempty" json:"rescheduledAt,omitempty"`
	// RescheduleToken identifies the adjustment that produced the last reschedule.
	RescheduleToken string `bson:"rescheduleToken,omitempty" json:"rescheduleToken,omitempty"`
}

func (ConfirmedData) belongsTo(s LifecycleState) bool {
	switch s {
	case StatePaymentSucceeded, StateBookingConfirmed, StateBookingRescheduled:
		return true
	}
	return false
}

// Initiator identifies who asked for a cancellation.
type Initiator string

const (
	InitiatorClient             Initiator = "client"
	InitiatorBuilder            Initiator = "builder"
	InitiatorAdmin              Initiator = "admin"
	InitiatorSchedulingProvider Initiator = "scheduling_provider"
	InitiatorSystem             Initiator = "system"
)

// CancellationData records why and by whom a booking was cancelled.
type CancellationData struct {
	Reason      string    `bson:"reason" json:"reason"`
	Initiator   Initiator `bson:"initiator" json:"initiator"`
	CancelledAt time.Time `bson:"cancelledAt" json:"cancelledAt"`
}

func (CancellationData) belongsTo(s LifecycleState) bool {
	return s == StateBookingCancelled
}

// RefundData tracks a refund from request to provider confirmation. A refund
// spanning several charges has one part per charge.
type RefundData struct {
	Reason      string       `bson:"reason" json:"reason"`
	Initiator   Initiator    `bson:"initiator" json:"initiator"`
	Amount      int64        `bson:"amount" json:"amount"`
	Parts       []RefundPart `bson:"parts,omitempty" json:"parts,omitempty"`
	RequestedAt time.Time    `bson:"requestedAt" json:"requestedAt"`
	CompletedAt time.Time    `bson:"completedAt,omitempty" json:"completedAt,omitempty"`
}

// RefundPart is the share of a refund returned to one charge.
type RefundPart struct {
	IntentRef string `bson:"intentRef" json:"intentRef"`
	Amount    int64  `bson:"amount" json:"amount"`
	RefundRef string `bson:"refundRef,omitempty" json:"refundRef,omitempty"`
	Settled   bool   `bson:"settled" json:"settled"`
	Attempt   int    `bson:"attempt" json:"attempt"`
}

// Issued reports whether every unsettled part has been sent to the provider.
func (r RefundData) Issued() bool {
	if len(r.Parts) == 0 {
		return false
	}
	for _, p := range r.Parts {
		if !p.Settled && p.RefundRef == "" {
			return false
		}
	}
	return true
}

// Settled reports whether the provider confirmed every part.
func (r RefundData) Settled() bool {
	if len(r.Parts) == 0 {
		return false
	}
	for _, p := range r.Parts {
		if !p.Settled {
			return false
		}
	}
	return true
}

// Part finds the part a provider refund belongs to, by refund reference
// first and then by an unissued part on the same charge, or any unissued
// part when the charge is unknown. It returns -1 if none match.
func (r RefundData) Part(refundRef, intentRef string) int {
	for i, p := range r.Parts {
		if refundRef != "" && p.RefundRef == refundRef {
			return i
		}
	}
	for i, p := range r.Parts {
		if p.RefundRef == "" && !p.Settled && (intentRef == "" || p.IntentRef == intentRef) {
			return i
		}
	}
	return -1
}

// RefundRefs lists the provider references issued so far.
func (r RefundData) RefundRefs() []string {
	var refs []string
	for _, p := range r.Parts {
		if p.RefundRef != "" {
			refs = append(refs, p.RefundRef)
		}
	}
	return refs
}

// Copy returns r with its own parts slice.
func (r RefundData) Copy() RefundData {
	r.Parts = append([]RefundPart(nil), r.Parts...)
	return r
}

func (RefundData) belongsTo(s LifecycleState) bool {
	return s == StateRefundPending || s == StateRefundCompleted
}

// ErrorData is carried by ERROR_SCHEDULING, ERROR_PAYMENT and ERROR_WEBHOOK.
type ErrorData struct {
	Kind        string         `bson:"kind" json:"kind"`
	Message     string         `bson:"message" json:"message"`
	ResumeState LifecycleState `bson:"resumeState" json:"resumeState"`
	Recoverable bool           `bson:"recoverable" json:"recoverable"`
	Attempts    int            `bson:"attempts" json:"attempts"`
	// Refund is kept when the failure happened while a refund was being issued.
	Refund     *RefundData `bson:"refund,omitempty" json:"refund,omitempty"`
	OccurredAt time.Time   `bson:"occurredAt" json:"occurredAt"`
}

func (ErrorData) belongsTo(s LifecycleState) bool {
	switch s {
	case StateErrorScheduling, StateErrorPayment, StateErrorWebhook:
		return true
	}
	return false
}

// RecoveryData is carried by ERROR_RECOVERY. A terminal recovery requires
// manual intervention and accepts no further automatic transitions.
type RecoveryData struct {
	ResumeState LifecycleState `bson:"resumeState,omitempty" json:"resumeState,omitempty"`
	FailState   LifecycleState `bson:"failState,omitempty" json:"failState,omitempty"`
	Attempts    int            `bson:"attempts" json:"attempts"`
	Terminal    bool           `bson:"terminal" json:"terminal"`
	Reason      string         `bson:"reason" json:"reason"`
	Refund      *RefundData    `bson:"refund,omitempty" json:"refund,omitempty"`
	StartedAt   time.Time      `bson:"startedAt" json:"startedAt"`
}

func (RecoveryData) belongsTo(s LifecycleState) bool {
	return s == StateErrorRecovery
}

// DecodeStateData builds the payload variant that belongs to state s, filling it
// through decode (a bson or json unmarshal bound to the raw bytes).
func DecodeStateData(s LifecycleState, decode func(v interface{}) error) (StateData, error) {
	switch s {
	case StateIdle, StateSessionTypeSelection, StateSchedulingInProgress:
		return nil, nil
	case StateScheduledPendingConfirmation:
		var d SchedulingData
		err := decode(&d)
		return d, err
	case StateScheduleConfirmed:
		var d ConfirmationData
		err := decode(&d)
		return d, err
	case StatePaymentPending, StatePaymentProcessing, StatePaymentFailed:
		var d PaymentAttemptData
		err := decode(&d)
		return d, err
	case StatePaymentSucceeded, StateBookingConfirmed, StateBookingRescheduled:
		var d ConfirmedData
		err := decode(&d)
		return d, err
	case StateBookingCancelled:
		var d CancellationData
		err := decode(&d)
		return d, err
	case StateRefundPending, StateRefundCompleted:
		var d RefundData
		err := decode(&d)
		return d, err
	case StateErrorScheduling, StateErrorPayment, StateErrorWebhook:
		var d ErrorData
		err := decode(&d)
		return d, err
	case StateErrorRecovery:
		var d RecoveryData
		err := decode(&d)
		return d, err
	}
	return nil, fmt.Errorf("no state data variant for %s", s)
}
