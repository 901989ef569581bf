package repository

import (
	"context"
	"time"

	"shipmatch/internal/domain"
)

// MatchRepository defines the persistence operations for matches.
// Status changes that follow the escrow go through EscrowRepository.Apply so
// the two records never disagree.
type MatchRepository interface {
	// CreateWithEscrow persists a new match together with its escrow record.
	CreateWithEscrow(ctx context.Context, match *domain.Match, escrow *domain.Escrow) error

	// GetByID retrieves a match by ID.
	GetByID(ctx context.Context, id string) (*domain.Match, error)

	// ListByParticipant returns matches where userID is sender or carrier, newest first.
	ListByParticipant(ctx context.Context, userID string, limit int) ([]*domain.Match, error)

	// GrantLocationPermission sets the per-match tracking consent. Granting twice is a no-op.
	GrantLocationPermission(ctx context.Context, id string, at time.Time) error

	// ConfirmPickup moves the match from awaiting_pickup to in_transit.
	// Returns ErrStaleState when the match is no longer awaiting pickup.
	ConfirmPickup(ctx context.Context, id string, at time.Time) error

	// MarkRated flips the rated flag. Returns ErrStaleState when already rated.
	MarkRated(ctx context.Context, id string, at time.Time) error
}
