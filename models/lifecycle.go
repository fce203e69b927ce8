package models

import "fmt"

// LifecycleState is the current position of a Booking in its lifecycle.
type LifecycleState string

const (
	StateIdle                         LifecycleState = "IDLE"
	StateSessionTypeSelection         LifecycleState = "SESSION_TYPE_SELECTION"
	StateSchedulingInProgress         LifecycleState = "SCHEDULING_IN_PROGRESS"
	StateScheduledPendingConfirmation LifecycleState = "SCHEDULED_PENDING_CONFIRMATION"
	StateScheduleConfirmed            LifecycleState = "SCHEDULE_CONFIRMED"
	StatePaymentPending               LifecycleState = "PAYMENT_PENDING"
	StatePaymentProcessing            LifecycleState = "PAYMENT_PROCESSING"
	StatePaymentSucceeded             LifecycleState = "PAYMENT_SUCCEEDED"
	StatePaymentFailed                LifecycleState = "PAYMENT_FAILED"
	StateBookingConfirmed             LifecycleState = "BOOKING_CONFIRMED"
	StateBookingCancelled             LifecycleState = "BOOKING_CANCELLED"
	StateBookingRescheduled           LifecycleState = "BOOKING_RESCHEDULED"
	StateRefundPending                LifecycleState = "REFUND_PENDING"
	StateRefundCompleted              LifecycleState = "REFUND_COMPLETED"
	StateErrorScheduling              LifecycleState = "ERROR_SCHEDULING"
	StateErrorPayment                 LifecycleState = "ERROR_PAYMENT"
	StateErrorWebhook                 LifecycleState = "ERROR_WEBHOOK"
	StateErrorRecovery                LifecycleState = "ERROR_RECOVERY"
)

// PaymentStatus tracks the money side of a Booking independently of its lifecycle state.
type PaymentStatus string

const (
	PaymentUnpaid            PaymentStatus = "UNPAID"
	PaymentPending           PaymentStatus = "PENDING"
	PaymentPaid              PaymentStatus = "PAID"
	PaymentFailed            PaymentStatus = "FAILED"
	PaymentExempt            PaymentStatus = "EXEMPT"
	PaymentRefundPending     PaymentStatus = "REFUND_PENDING"
	PaymentRefunded          PaymentStatus = "REFUNDED"
	PaymentPartiallyRefunded PaymentStatus = "PARTIALLY_REFUNDED"
)

// resumable lists the states ERROR_RECOVERY may hand control back to.
var resumable = []LifecycleState{
	StateScheduledPendingConfirmation,
	StateScheduleConfirmed,
	StatePaymentProcessing,
	StatePaymentFailed,
	StateBookingCancelled,
	StateRefundPending,
	StateErrorScheduling,
	StateErrorPayment,
	StateErrorWebhook,
}

var validTransitions = map[LifecycleState][]LifecycleState{
	StateIdle:                 {StateSessionTypeSelection},
	StateSessionTypeSelection: {StateSchedulingInProgress},
	StateSchedulingInProgress: {StateScheduledPendingConfirmation, StateErrorScheduling},
	StateScheduledPendingConfirmation: {
		StateScheduleConfirmed, StateErrorScheduling, StateErrorWebhook, StateErrorRecovery,
	},
	StateScheduleConfirmed: {StatePaymentPending, StateBookingConfirmed, StateErrorRecovery},
	StatePaymentPending:    {StatePaymentProcessing, StateErrorPayment, StateErrorRecovery},
	StatePaymentProcessing: {
		StatePaymentSucceeded, StatePaymentFailed, StateErrorPayment, StateErrorWebhook, StateErrorRecovery,
	},
	StatePaymentSucceeded:   {StateBookingConfirmed},
	StatePaymentFailed:      {StatePaymentPending, StateErrorRecovery},
	StateBookingConfirmed:   {StateBookingCancelled, StateBookingRescheduled},
	StateBookingRescheduled: {StateBookingConfirmed},
	StateBookingCancelled:   {StateRefundPending},
	StateRefundPending:      {StateRefundCompleted, StateErrorPayment},
	StateRefundCompleted:    {},
	StateErrorScheduling:    {StateErrorRecovery},
	StateErrorPayment:       {StateErrorRecovery},
	StateErrorWebhook:       {StateErrorRecovery},
	StateErrorRecovery:      resumable,
}

// validPayment enumerates the payment statuses a state may be persisted with.
var validPayment = map[LifecycleState][]PaymentStatus{
	StateIdle:                         {PaymentUnpaid, PaymentExempt},
	StateSessionTypeSelection:         {PaymentUnpaid, PaymentExempt},
	StateSchedulingInProgress:         {PaymentUnpaid, PaymentExempt},
	StateScheduledPendingConfirmation: {PaymentUnpaid, PaymentExempt},
	StateScheduleConfirmed:            {PaymentUnpaid, PaymentExempt},
	StatePaymentPending:               {PaymentPending},
	StatePaymentProcessing:            {PaymentPending},
	StatePaymentSucceeded:             {PaymentPaid},
	StatePaymentFailed:                {PaymentFailed},
	StateBookingConfirmed:             {PaymentPaid, PaymentExempt},
	StateBookingRescheduled:           {PaymentPaid, PaymentExempt},
	StateBookingCancelled:             {PaymentPaid, PaymentExempt},
	StateRefundPending:                {PaymentRefundPending},
	StateRefundCompleted:              {PaymentRefunded, PaymentPartiallyRefunded},
	StateErrorScheduling:              {PaymentUnpaid, PaymentExempt},
	StateErrorPayment:                 {PaymentPending, PaymentFailed, PaymentRefundPending},
	StateErrorWebhook:                 {PaymentUnpaid, PaymentExempt, PaymentPending},
	StateErrorRecovery: {
		PaymentUnpaid, PaymentExempt, PaymentPending, PaymentFailed, PaymentRefundPending,
	},
}

// IsValid reports whether s is one of the known lifecycle states.
func (s LifecycleState) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// CanTransitionTo reports whether the transition table allows s -> target.
func (s LifecycleState) CanTransitionTo(target LifecycleState) bool {
	for _, t := range validTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// IsError reports whether s is one of the ERROR_* states.
func (s LifecycleState) IsError() bool {
	switch s {
	case StateErrorScheduling, StateErrorPayment, StateErrorWebhook, StateErrorRecovery:
		return true
	}
	return false
}

// IsPendingConfirmation reports whether s is a pre-confirmation state that
// expires when left untouched for longer than the pending TTL.
func (s LifecycleState) IsPendingConfirmation() bool {
	switch s {
	case StateScheduledPendingConfirmation, StateScheduleConfirmed,
		StatePaymentPending, StatePaymentProcessing, StatePaymentFailed:
		return true
	}
	return false
}

// IsConfirmed reports whether s is the confirmed resting state.
func (s LifecycleState) IsConfirmed() bool {
	return s == StateBookingConfirmed
}

func (s LifecycleState) String() string {
	return string(s)
}

// ParseLifecycleState converts a string into a LifecycleState.
func ParseLifecycleState(v string) (LifecycleState, error) {
	s := LifecycleState(v)
	if !s.IsValid() {
		return "", fmt.Errorf("invalid lifecycle state: %s", v)
	}
	return s, nil
}

// ValidatePath checks that every hop from -> path[0] -> ... -> path[n-1] is allowed.
func ValidatePath(from LifecycleState, path ...LifecycleState) error {
	if len(path) == 0 {
		return fmt.Errorf("empty transition path from %s", from)
	}
	cur := from
	for _, next := range path {
		if !cur.CanTransitionTo(next) {
			return fmt.Errorf("transition %s -> %s is not allowed", cur, next)
		}
		cur = next
	}
	return nil
}

// ValidPaymentPair reports whether a Booking may be persisted in state s with payment status p.
func ValidPaymentPair(s LifecycleState, p PaymentStatus) bool {
	for _, allowed := range validPayment[s] {
		if allowed == p {
			return true
		}
	}
	return false
}
