// Package events publishes lifecycle notifications to the configured broker.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	TypeEscrowTransition   = "escrow.transition"
	TypePaymentCaptured    = "payment.captured"
	TypeDeliveryMarked     = "delivery.marked"
	TypeDeliveryConfirmed  = "delivery.confirmed"
	TypeAutoConfirmed      = "delivery.auto_confirmed"
	TypePayoutCompleted    = "payout.completed"
	TypePayoutFailed       = "payout.failed"
	TypePayoutBlocked      = "payout.blocked"
	TypeDisputeOpened      = "dispute.opened"
	TypeDisputeMessage     = "dispute.message"
	TypeDisputeUnderReview = "dispute.under_review"
	TypeDisputeResolved    = "dispute.resolved"
	TypeRefundIssued       = "refund.issued"
	TypeMatchCancelled     = "match.cancelled"
	TypePickupConfirmed    = "pickup.confirmed"
)

// Event is a single notification addressed to one or more users.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	MatchID    string         `json:"match_id"`
	From       string         `json:"from,omitempty"`
	To         string         `json:"to,omitempty"`
	Recipients []string       `json:"recipients,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// New builds an event with a fresh ID.
func New(eventType, matchID string, at time.Time, recipients ...string) Event {
	return Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		MatchID:    matchID,
		Recipients: recipients,
		OccurredAt: at.UTC(),
	}
}

// Publisher delivers events to a broker.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}
