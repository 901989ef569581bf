package repository

import (
	"context"

	"shipmatch/internal/domain"
)

// UserProfileRepository reads identity and reputation data written by other services.
type UserProfileRepository interface {
	// GetByID retrieves a profile by user ID.
	GetByID(ctx context.Context, id string) (*domain.UserProfile, error)
}

// PayoutMethodRepository defines the persistence operations for carrier payout destinations.
type PayoutMethodRepository interface {
	// Upsert stores or replaces the carrier's destination.
	Upsert(ctx context.Context, method *domain.PayoutMethod) error

	// GetByCarrierID returns ErrNotFound when the carrier has none.
	GetByCarrierID(ctx context.Context, carrierID string) (*domain.PayoutMethod, error)
}
