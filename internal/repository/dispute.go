package repository

import (
	"context"

	"shipmatch/internal/domain"
)

// DisputeRepository defines the persistence operations for disputes.
type DisputeRepository interface {
	// Open persists a new dispute and applies the escrow transition atomically.
	Open(ctx context.Context, dispute *domain.Dispute, t EscrowTransition) error

	// GetByID retrieves a dispute with its messages and notes.
	GetByID(ctx context.Context, id string) (*domain.Dispute, error)

	// GetByMatchID retrieves the dispute opened on a match.
	GetByMatchID(ctx context.Context, matchID string) (*domain.Dispute, error)

	// AppendMessage adds a party message. Returns ErrStaleState once resolved.
	AppendMessage(ctx context.Context, disputeID string, msg domain.DisputeMessage) error

	// AppendNote adds an admin note. Returns ErrStaleState once resolved.
	AppendNote(ctx context.Context, disputeID string, note domain.AdminNote) error

	// UpdateStatusIf moves the dispute from expected to next.
	UpdateStatusIf(ctx context.Context, disputeID string, expected, next domain.DisputeStatus) error

	// Resolve stores the resolution and applies the escrow transition atomically.
	// Returns ErrStaleState when the dispute is already resolved.
	Resolve(ctx context.Context, disputeID string, resolution domain.Resolution, t EscrowTransition) error
}
