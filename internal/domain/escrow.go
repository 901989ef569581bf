package domain

import (
	"errors"
	"fmt"
	"time"
)

// EscrowStatus is the monetary state of one match.
type EscrowStatus string

const (
	EscrowStatusPaymentPending              EscrowStatus = "payment_pending"
	EscrowStatusEscrowed                    EscrowStatus = "escrowed"
	EscrowStatusDeliveredByTransporter      EscrowStatus = "delivered_by_transporter"
	EscrowStatusConfirmedBySender           EscrowStatus = "confirmed_by_sender"
	EscrowStatusAutoConfirmedTimeout        EscrowStatus = "auto_confirmed_timeout"
	EscrowStatusPayoutReady                 EscrowStatus = "payout_ready"
	EscrowStatusPayoutBlockedNoPayoutMethod EscrowStatus = "payout_blocked_no_payout_method"
	EscrowStatusPayoutCompleted             EscrowStatus = "payout_completed"
	EscrowStatusDisputeOpened               EscrowStatus = "dispute_opened"
	EscrowStatusRefunded                    EscrowStatus = "refunded"
	EscrowStatusCancelled                   EscrowStatus = "cancelled"
)

// EscrowEvent is an input to the escrow state machine.
type EscrowEvent string

const (
	EventCapture                EscrowEvent = "capture"
	EventCancel                 EscrowEvent = "cancel"
	EventMarkDelivered          EscrowEvent = "mark_delivered"
	EventSenderConfirm          EscrowEvent = "sender_confirm"
	EventDeadlineElapsed        EscrowEvent = "deadline_elapsed"
	EventOpenDispute            EscrowEvent = "open_dispute"
	EventRelease                EscrowEvent = "release"
	EventBlockNoPayoutMethod    EscrowEvent = "block_no_payout_method"
	EventPayoutMethodRegistered EscrowEvent = "payout_method_registered"
	EventPayoutExecuted         EscrowEvent = "payout_executed"
	EventResolveForCarrier      EscrowEvent = "resolve_for_carrier"
	EventResolveForSender       EscrowEvent = "resolve_for_sender"
	EventReleaseRemainder       EscrowEvent = "release_remainder"
)

// escrowTransitions is the only place escrow moves are defined.
var escrowTransitions = map[EscrowStatus]map[EscrowEvent]EscrowStatus{
	EscrowStatusPaymentPending: {
		EventCapture: EscrowStatusEscrowed,
		EventCancel:  EscrowStatusCancelled,
	},
	EscrowStatusEscrowed: {
		EventMarkDelivered: EscrowStatusDeliveredByTransporter,
		EventOpenDispute:   EscrowStatusDisputeOpened,
	},
	EscrowStatusDeliveredByTransporter: {
		EventSenderConfirm:   EscrowStatusConfirmedBySender,
		EventDeadlineElapsed: EscrowStatusAutoConfirmedTimeout,
		EventOpenDispute:     EscrowStatusDisputeOpened,
	},
	EscrowStatusConfirmedBySender: {
		EventRelease:             EscrowStatusPayoutReady,
		EventBlockNoPayoutMethod: EscrowStatusPayoutBlockedNoPayoutMethod,
	},
	EscrowStatusAutoConfirmedTimeout: {
		EventRelease:             EscrowStatusPayoutReady,
		EventBlockNoPayoutMethod: EscrowStatusPayoutBlockedNoPayoutMethod,
	},
	EscrowStatusPayoutReady: {
		EventPayoutExecuted:      EscrowStatusPayoutCompleted,
		EventBlockNoPayoutMethod: EscrowStatusPayoutBlockedNoPayoutMethod,
	},
	EscrowStatusPayoutBlockedNoPayoutMethod: {
		EventPayoutMethodRegistered: EscrowStatusPayoutReady,
	},
	EscrowStatusDisputeOpened: {
		EventResolveForCarrier: EscrowStatusPayoutReady,
		EventResolveForSender:  EscrowStatusRefunded,
	},
	EscrowStatusRefunded: {
		EventReleaseRemainder: EscrowStatusPayoutReady,
	},
}

// ErrInvalidTransition is matched by every rejected escrow move.
var ErrInvalidTransition = errors.New("invalid state transition")

// TransitionError describes a move the table does not list.
type TransitionError struct {
	From   EscrowStatus
	Event  EscrowEvent
	Reason string
}

func (e *TransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid state transition: %s from %s: %s", e.Event, e.From, e.Reason)
	}
	return fmt.Sprintf("invalid state transition: %s from %s", e.Event, e.From)
}

// Is lets errors.Is(err, ErrInvalidTransition) match any TransitionError.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// NextEscrowStatus looks up the destination for event from the given status.
func NextEscrowStatus(from EscrowStatus, event EscrowEvent) (EscrowStatus, error) {
	to, ok := escrowTransitions[from][event]
	if !ok {
		return "", &TransitionError{From: from, Event: event}
	}
	return to, nil
}

// CanTransition reports whether the table lists event from status.
func CanTransition(from EscrowStatus, event EscrowEvent) bool {
	_, ok := escrowTransitions[from][event]
	return ok
}

// EscrowStatuses lists every status in declaration order.
func EscrowStatuses() []EscrowStatus {
	return []EscrowStatus{
		EscrowStatusPaymentPending,
		EscrowStatusEscrowed,
		EscrowStatusDeliveredByTransporter,
		EscrowStatusConfirmedBySender,
		EscrowStatusAutoConfirmedTimeout,
		EscrowStatusPayoutReady,
		EscrowStatusPayoutBlockedNoPayoutMethod,
		EscrowStatusPayoutCompleted,
		EscrowStatusDisputeOpened,
		EscrowStatusRefunded,
		EscrowStatusCancelled,
	}
}

// ConfirmationPath records how a delivery came to be confirmed.
type ConfirmationPath string

const (
	ConfirmationPathSender  ConfirmationPath = "sender"
	ConfirmationPathTimeout ConfirmationPath = "auto_confirmed_timeout"
	ConfirmationPathDispute ConfirmationPath = "dispute_resolution"
)

// Escrow is the ledger record for one match.
type Escrow struct {
	MatchID string
	Status  EscrowStatus

	// CarrierAmount is fixed at capture and never recomputed.
	CarrierAmount  int64
	RefundedAmount int64
	Currency       string

	PaymentRef string
	RefundRef  string
	PayoutRef  string

	// ConfirmationDeadline is absolute so it survives restarts.
	ConfirmationDeadline time.Time
	ConfirmationPath     ConfirmationPath
	ConfirmationNotes    string

	PayoutExecuted bool

	CapturedAt        time.Time
	DeliveredAt       time.Time
	ConfirmedAt       time.Time
	PayoutCompletedAt time.Time
	UpdatedAt         time.Time
}

// Apply moves the record through the table. The record is left untouched when
// the move is rejected.
func (e *Escrow) Apply(event EscrowEvent, now time.Time) (EscrowStatus, error) {
	from := e.Status
	to, err := NextEscrowStatus(from, event)
	if err != nil {
		return from, err
	}

	switch event {
	case EventPayoutExecuted:
		if e.PayoutExecuted {
			return from, &TransitionError{From: from, Event: event, Reason: "payout already executed"}
		}
		e.PayoutExecuted = true
		e.PayoutCompletedAt = now
	case EventReleaseRemainder:
		if e.RemainderOwed() <= 0 {
			return from, &TransitionError{From: from, Event: event, Reason: "nothing owed to carrier"}
		}
		if e.RefundRef == "" {
			return from, &TransitionError{From: from, Event: event, Reason: "refund not settled"}
		}
	case EventOpenDispute, EventSenderConfirm, EventDeadlineElapsed:
		e.ConfirmationDeadline = time.Time{}
	}

	e.Status = to
	e.UpdatedAt = now
	return from, nil
}

// RemainderOwed is what the carrier receives after any refund.
func (e *Escrow) RemainderOwed() int64 {
	owed := e.CarrierAmount - e.RefundedAmount
	if owed < 0 {
		return 0
	}
	return owed
}

// TimeRemaining is derived from the stored deadline; zero when no deadline is running.
func (e *Escrow) TimeRemaining(now time.Time) time.Duration {
	if e.Status != EscrowStatusDeliveredByTransporter || e.ConfirmationDeadline.IsZero() {
		return 0
	}
	remaining := e.ConfirmationDeadline.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// DeadlinePassed reports whether the confirmation window has closed.
func (e *Escrow) DeadlinePassed(now time.Time) bool {
	return !e.ConfirmationDeadline.IsZero() && !now.Before(e.ConfirmationDeadline)
}

// MatchStatusFor maps an escrow destination onto the match's delivery stage.
// The boolean is false when the match stage does not move.
func MatchStatusFor(to EscrowStatus) (MatchStatus, bool) {
	switch to {
	case EscrowStatusEscrowed:
		return MatchStatusAwaitingPickup, true
	case EscrowStatusDeliveredByTransporter:
		return MatchStatusDelivered, true
	case EscrowStatusConfirmedBySender, EscrowStatusAutoConfirmedTimeout:
		return MatchStatusDeliveryConfirmed, true
	case EscrowStatusPayoutCompleted:
		return MatchStatusCompleted, true
	case EscrowStatusDisputeOpened:
		return MatchStatusDisputed, true
	case EscrowStatusRefunded:
		return MatchStatusRefunded, true
	case EscrowStatusCancelled:
		return MatchStatusCancelled, true
	}
	return "", false
}
