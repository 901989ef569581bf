package repository

import (
	"context"
	"time"

	"shipmatch/internal/domain"
)

// EscrowTransition is one conditional escrow write plus the match fields that
// move with it.
type EscrowTransition struct {
	Escrow   *domain.Escrow
	Expected domain.EscrowStatus

	// MatchStatus is left unchanged when empty.
	MatchStatus domain.MatchStatus

	// DeliveryConfirmedAt is left unchanged when zero.
	DeliveryConfirmedAt time.Time
}

// EscrowRepository defines the persistence operations for escrow records.
type EscrowRepository interface {
	// GetByMatchID retrieves the escrow for a match.
	GetByMatchID(ctx context.Context, matchID string) (*domain.Escrow, error)

	// Apply writes the transition only if the stored status still equals
	// t.Expected. Returns ErrStaleState when another writer got there first.
	Apply(ctx context.Context, t EscrowTransition) error

	// ListDue returns delivered records whose confirmation deadline is at or before now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.Escrow, error)

	// ListByStatus returns records in the given status, oldest update first.
	ListByStatus(ctx context.Context, status domain.EscrowStatus, limit int) ([]*domain.Escrow, error)

	// ListBlockedByCarrier returns the carrier's records waiting for a payout method.
	ListBlockedByCarrier(ctx context.Context, carrierID string) ([]*domain.Escrow, error)

	// ListUnsettledRefunds returns refunded records whose provider refund has not been recorded.
	ListUnsettledRefunds(ctx context.Context, limit int) ([]*domain.Escrow, error)
}
