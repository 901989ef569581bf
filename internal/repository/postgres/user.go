package postgres

import (
	"context"
	"database/sql"
	"errors"

	"shipmatch/internal/domain"
	"shipmatch/internal/repository"
)

// UserProfileRepository is a PostgreSQL implementation of repository.UserProfileRepository.
// The table is written by the identity and reputation services.
type UserProfileRepository struct {
	q Querier
}

// NewUserProfileRepository creates a new PostgreSQL profile repository.
func NewUserProfileRepository(db *sql.DB) *UserProfileRepository {
	return &UserProfileRepository{q: db}
}

// GetByID retrieves a profile by user ID.
func (r *UserProfileRepository) GetByID(ctx context.Context, id string) (*domain.UserProfile, error) {
	query := `
		SELECT id, name, verified, trust_level, completed_deliveries, rating, updated_at
		FROM user_profiles WHERE id = $1
	`

	var p domain.UserProfile
	err := r.q.QueryRowContext(ctx, query, id).Scan(
		&p.ID,
		&p.Name,
		&p.Verified,
		&p.TrustLevel,
		&p.CompletedDeliveries,
		&p.Rating,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}

	return &p, nil
}

// PayoutMethodRepository is a PostgreSQL implementation of repository.PayoutMethodRepository.
type PayoutMethodRepository struct {
	q Querier
}

// NewPayoutMethodRepository creates a new PostgreSQL payout method repository.
func NewPayoutMethodRepository(db *sql.DB) *PayoutMethodRepository {
	return &PayoutMethodRepository{q: db}
}

// Upsert stores or replaces the carrier's destination.
func (r *PayoutMethodRepository) Upsert(ctx context.Context, method *domain.PayoutMethod) error {
	query := `
		INSERT INTO payout_methods (carrier_id, destination, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (carrier_id) DO UPDATE SET destination = EXCLUDED.destination, updated_at = EXCLUDED.updated_at
	`

	_, err := r.q.ExecContext(ctx, query,
		method.CarrierID,
		method.Destination,
		method.CreatedAt,
		method.UpdatedAt,
	)
	return err
}

// GetByCarrierID returns ErrNotFound when the carrier has none.
func (r *PayoutMethodRepository) GetByCarrierID(ctx context.Context, carrierID string) (*domain.PayoutMethod, error) {
	query := `SELECT carrier_id, destination, created_at, updated_at FROM payout_methods WHERE carrier_id = $1`

	var pm domain.PayoutMethod
	err := r.q.QueryRowContext(ctx, query, carrierID).Scan(
		&pm.CarrierID,
		&pm.Destination,
		&pm.CreatedAt,
		&pm.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}

	return &pm, nil
}

// Ensure the repositories implement their interfaces.
var (
	_ repository.UserProfileRepository  = (*UserProfileRepository)(nil)
	_ repository.PayoutMethodRepository = (*PayoutMethodRepository)(nil)
)
