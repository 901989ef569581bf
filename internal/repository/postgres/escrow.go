package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"shipmatch/internal/domain"
	"shipmatch/internal/repository"
)

// EscrowRepository is a PostgreSQL implementation of repository.EscrowRepository.
type EscrowRepository struct {
	db *sql.DB
	q  Querier
}

// NewEscrowRepository creates a new PostgreSQL escrow repository.
func NewEscrowRepository(db *sql.DB) *EscrowRepository {
	return &EscrowRepository{db: db, q: db}
}

// NewEscrowRepositoryWithTx creates an escrow repository using a transaction.
func NewEscrowRepositoryWithTx(tx *sql.Tx) *EscrowRepository {
	return &EscrowRepository{q: tx}
}

const escrowColumns = `
	match_id, status, carrier_amount, refunded_amount, currency,
	payment_ref, refund_ref, payout_ref,
	confirmation_deadline, confirmation_path, confirmation_notes, payout_executed,
	captured_at, delivered_at, confirmed_at, payout_completed_at, updated_at`

func insertEscrow(ctx context.Context, q Querier, e *domain.Escrow) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO escrows (`+escrowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`,
		e.MatchID,
		e.Status,
		e.CarrierAmount,
		e.RefundedAmount,
		e.Currency,
		nullString(e.PaymentRef),
		nullString(e.RefundRef),
		nullString(e.PayoutRef),
		nullTime(e.ConfirmationDeadline),
		nullString(string(e.ConfirmationPath)),
		nullString(e.ConfirmationNotes),
		e.PayoutExecuted,
		nullTime(e.CapturedAt),
		nullTime(e.DeliveredAt),
		nullTime(e.ConfirmedAt),
		nullTime(e.PayoutCompletedAt),
		e.UpdatedAt,
	)
	return err
}

// applyTransition is the compare-and-swap shared by every escrow write.
func applyTransition(ctx context.Context, q Querier, t repository.EscrowTransition) error {
	e := t.Escrow
	result, err := q.ExecContext(ctx, `
		UPDATE escrows
		SET status = $1, carrier_amount = $2, refunded_amount = $3, currency = $4,
		    payment_ref = $5, refund_ref = $6, payout_ref = $7,
		    confirmation_deadline = $8, confirmation_path = $9, confirmation_notes = $10,
		    payout_executed = $11, captured_at = $12, delivered_at = $13, confirmed_at = $14,
		    payout_completed_at = $15, updated_at = $16
		WHERE match_id = $17 AND status = $18
	`,
		e.Status,
		e.CarrierAmount,
		e.RefundedAmount,
		e.Currency,
		nullString(e.PaymentRef),
		nullString(e.RefundRef),
		nullString(e.PayoutRef),
		nullTime(e.ConfirmationDeadline),
		nullString(string(e.ConfirmationPath)),
		nullString(e.ConfirmationNotes),
		e.PayoutExecuted,
		nullTime(e.CapturedAt),
		nullTime(e.DeliveredAt),
		nullTime(e.ConfirmedAt),
		nullTime(e.PayoutCompletedAt),
		e.UpdatedAt,
		e.MatchID,
		t.Expected,
	)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		var exists bool
		if err := q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM escrows WHERE match_id = $1)`, e.MatchID).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return repository.ErrStaleState
		}
		return repository.ErrNotFound
	}

	if t.MatchStatus == "" && t.DeliveryConfirmedAt.IsZero() {
		return nil
	}

	_, err = q.ExecContext(ctx, `
		UPDATE matches
		SET status = COALESCE(NULLIF($1, ''), status),
		    delivery_confirmed_at = COALESCE($2, delivery_confirmed_at),
		    updated_at = $3
		WHERE id = $4
	`,
		string(t.MatchStatus),
		nullTime(t.DeliveryConfirmedAt),
		e.UpdatedAt,
		e.MatchID,
	)
	return err
}

// GetByMatchID retrieves the escrow for a match.
func (r *EscrowRepository) GetByMatchID(ctx context.Context, matchID string) (*domain.Escrow, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrows WHERE match_id = $1`

	e, err := scanEscrow(r.q.QueryRowContext(ctx, query, matchID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

// Apply writes the transition only if the stored status still equals t.Expected.
func (r *EscrowRepository) Apply(ctx context.Context, t repository.EscrowTransition) error {
	return runInTx(ctx, r.db, r.q, func(q Querier) error {
		return applyTransition(ctx, q, t)
	})
}

// ListDue returns delivered records whose confirmation deadline has passed.
func (r *EscrowRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.Escrow, error) {
	query := `
		SELECT ` + escrowColumns + `
		FROM escrows
		WHERE status = $1 AND confirmation_deadline <= $2
		ORDER BY confirmation_deadline
		LIMIT $3
	`
	return r.query(ctx, query, domain.EscrowStatusDeliveredByTransporter, now, limitOrDefault(limit))
}

// ListByStatus returns records in the given status, oldest update first.
func (r *EscrowRepository) ListByStatus(ctx context.Context, status domain.EscrowStatus, limit int) ([]*domain.Escrow, error) {
	query := `
		SELECT ` + escrowColumns + `
		FROM escrows
		WHERE status = $1
		ORDER BY updated_at
		LIMIT $2
	`
	return r.query(ctx, query, status, limitOrDefault(limit))
}

// ListBlockedByCarrier returns the carrier's records waiting for a payout method.
func (r *EscrowRepository) ListBlockedByCarrier(ctx context.Context, carrierID string) ([]*domain.Escrow, error) {
	query := `
		SELECT ` + prefixColumns("e.", escrowColumns) + `
		FROM escrows e
		JOIN matches m ON m.id = e.match_id
		WHERE m.carrier_id = $1 AND e.status = $2
		ORDER BY e.updated_at
	`
	return r.query(ctx, query, carrierID, domain.EscrowStatusPayoutBlockedNoPayoutMethod)
}

// ListUnsettledRefunds returns refunded records without a provider refund reference.
func (r *EscrowRepository) ListUnsettledRefunds(ctx context.Context, limit int) ([]*domain.Escrow, error) {
	query := `
		SELECT ` + escrowColumns + `
		FROM escrows
		WHERE status = $1 AND refunded_amount > 0 AND refund_ref IS NULL
		ORDER BY updated_at
		LIMIT $2
	`
	return r.query(ctx, query, domain.EscrowStatusRefunded, limitOrDefault(limit))
}

func (r *EscrowRepository) query(ctx context.Context, query string, args ...any) ([]*domain.Escrow, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var escrows []*domain.Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		escrows = append(escrows, e)
	}

	return escrows, rows.Err()
}

func scanEscrow(row rowScanner) (*domain.Escrow, error) {
	var e domain.Escrow
	var paymentRef, refundRef, payoutRef, path, notes sql.NullString
	var deadline, capturedAt, deliveredAt, confirmedAt, completedAt sql.NullTime

	if err := row.Scan(
		&e.MatchID,
		&e.Status,
		&e.CarrierAmount,
		&e.RefundedAmount,
		&e.Currency,
		&paymentRef,
		&refundRef,
		&payoutRef,
		&deadline,
		&path,
		&notes,
		&e.PayoutExecuted,
		&capturedAt,
		&deliveredAt,
		&confirmedAt,
		&completedAt,
		&e.UpdatedAt,
	); err != nil {
		return nil, err
	}

	e.PaymentRef = paymentRef.String
	e.RefundRef = refundRef.String
	e.PayoutRef = payoutRef.String
	e.ConfirmationDeadline = timeOf(deadline)
	e.ConfirmationPath = domain.ConfirmationPath(path.String)
	e.ConfirmationNotes = notes.String
	e.CapturedAt = timeOf(capturedAt)
	e.DeliveredAt = timeOf(deliveredAt)
	e.ConfirmedAt = timeOf(confirmedAt)
	e.PayoutCompletedAt = timeOf(completedAt)
	return &e, nil
}

// prefixColumns qualifies every column in a comma separated list.
func prefixColumns(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

// Ensure EscrowRepository implements repository.EscrowRepository.
var _ repository.EscrowRepository = (*EscrowRepository)(nil)
