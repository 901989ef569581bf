package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"shipmatch/internal/domain"
	"shipmatch/internal/repository"
)

// MatchRepository is a PostgreSQL implementation of repository.MatchRepository.
type MatchRepository struct {
	db *sql.DB
	q  Querier
}

// NewMatchRepository creates a new PostgreSQL match repository.
func NewMatchRepository(db *sql.DB) *MatchRepository {
	return &MatchRepository{db: db, q: db}
}

// NewMatchRepositoryWithTx creates a match repository using a transaction.
func NewMatchRepositoryWithTx(tx *sql.Tx) *MatchRepository {
	return &MatchRepository{q: tx}
}

const matchColumns = `
	id, sender_id, carrier_id, trip_ref, shipment_ref, status,
	estimated_price, platform_commission, carrier_earnings,
	pickup_confirmed_at, delivery_confirmed_at, location_permission_granted, rated,
	created_at, updated_at`

// CreateWithEscrow persists a new match together with its escrow record.
func (r *MatchRepository) CreateWithEscrow(ctx context.Context, match *domain.Match, escrow *domain.Escrow) error {
	return runInTx(ctx, r.db, r.q, func(q Querier) error {
		_, err := q.ExecContext(ctx, `
			INSERT INTO matches (`+matchColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		`,
			match.ID,
			match.SenderID,
			match.CarrierID,
			match.TripRef,
			match.ShipmentRef,
			match.Status,
			match.EstimatedPrice,
			match.PlatformCommission,
			match.CarrierEarnings,
			nullTime(match.PickupConfirmedAt),
			nullTime(match.DeliveryConfirmedAt),
			match.LocationPermissionGranted,
			match.Rated,
			match.CreatedAt,
			match.UpdatedAt,
		)
		if err != nil {
			return err
		}

		return insertEscrow(ctx, q, escrow)
	})
}

// GetByID retrieves a match by ID.
func (r *MatchRepository) GetByID(ctx context.Context, id string) (*domain.Match, error) {
	query := `SELECT ` + matchColumns + ` FROM matches WHERE id = $1`

	m, err := scanMatch(r.q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return m, nil
}

// ListByParticipant returns matches where userID is sender or carrier, newest first.
func (r *MatchRepository) ListByParticipant(ctx context.Context, userID string, limit int) ([]*domain.Match, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + matchColumns + `
		FROM matches
		WHERE sender_id = $1 OR carrier_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.q.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []*domain.Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}

	return matches, rows.Err()
}

// GrantLocationPermission sets the per-match tracking consent.
func (r *MatchRepository) GrantLocationPermission(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE matches
		SET location_permission_granted = TRUE,
		    updated_at = CASE WHEN location_permission_granted THEN updated_at ELSE $1 END
		WHERE id = $2
	`
	return expectRow(r.q.ExecContext(ctx, query, at, id))
}

// ConfirmPickup moves the match from awaiting_pickup to in_transit.
func (r *MatchRepository) ConfirmPickup(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE matches
		SET status = $1, pickup_confirmed_at = $2, updated_at = $2
		WHERE id = $3 AND status = $4
	`
	return r.conditional(ctx, id, query, domain.MatchStatusInTransit, at, id, domain.MatchStatusAwaitingPickup)
}

// MarkRated flips the rated flag once.
func (r *MatchRepository) MarkRated(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE matches SET rated = TRUE, updated_at = $1 WHERE id = $2 AND rated = FALSE`
	return r.conditional(ctx, id, query, at, id)
}

// conditional runs a guarded update and tells a missing row apart from a lost guard.
func (r *MatchRepository) conditional(ctx context.Context, id, query string, args ...any) error {
	err := expectRow(r.q.ExecContext(ctx, query, args...))
	if !errors.Is(err, repository.ErrNotFound) {
		return err
	}

	var exists bool
	if err := r.q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM matches WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return repository.ErrStaleState
	}
	return repository.ErrNotFound
}

func scanMatch(row rowScanner) (*domain.Match, error) {
	var m domain.Match
	var pickupAt, confirmedAt sql.NullTime

	if err := row.Scan(
		&m.ID,
		&m.SenderID,
		&m.CarrierID,
		&m.TripRef,
		&m.ShipmentRef,
		&m.Status,
		&m.EstimatedPrice,
		&m.PlatformCommission,
		&m.CarrierEarnings,
		&pickupAt,
		&confirmedAt,
		&m.LocationPermissionGranted,
		&m.Rated,
		&m.CreatedAt,
		&m.UpdatedAt,
	); err != nil {
		return nil, err
	}

	m.PickupConfirmedAt = timeOf(pickupAt)
	m.DeliveryConfirmedAt = timeOf(confirmedAt)
	return &m, nil
}

// expectRow converts a zero-row update into ErrNotFound.
func expectRow(result sql.Result, err error) error {
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return repository.ErrNotFound
	}

	return nil
}

// Ensure MatchRepository implements repository.MatchRepository.
var _ repository.MatchRepository = (*MatchRepository)(nil)
