package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"shipmatch/internal/domain"
	"shipmatch/internal/repository"
)

// DisputeRepository is a PostgreSQL implementation of repository.DisputeRepository.
type DisputeRepository struct {
	db *sql.DB
	q  Querier
}

// NewDisputeRepository creates a new PostgreSQL dispute repository.
func NewDisputeRepository(db *sql.DB) *DisputeRepository {
	return &DisputeRepository{db: db, q: db}
}

// NewDisputeRepositoryWithTx creates a dispute repository using a transaction.
func NewDisputeRepositoryWithTx(tx *sql.Tx) *DisputeRepository {
	return &DisputeRepository{q: tx}
}

const disputeColumns = `
	id, match_id, reason, description, opened_by, opened_by_id, status,
	resolution_type, refund_amount, resolution_notes, resolved_by, resolved_at,
	created_at, updated_at`

// uniqueViolation is the PostgreSQL error code for a unique constraint failure.
const uniqueViolation = "23505"

// Open persists a new dispute and applies the escrow transition atomically.
func (r *DisputeRepository) Open(ctx context.Context, dispute *domain.Dispute, t repository.EscrowTransition) error {
	return runInTx(ctx, r.db, r.q, func(q Querier) error {
		if err := applyTransition(ctx, q, t); err != nil {
			return err
		}

		_, err := q.ExecContext(ctx, `
			INSERT INTO disputes (id, match_id, reason, description, opened_by, opened_by_id, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`,
			dispute.ID,
			dispute.MatchID,
			dispute.Reason,
			dispute.Description,
			dispute.OpenedBy,
			dispute.OpenedByID,
			dispute.Status,
			dispute.CreatedAt,
			dispute.UpdatedAt,
		)
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return repository.ErrAlreadyExists
		}
		return err
	})
}

// GetByID retrieves a dispute with its messages and notes.
func (r *DisputeRepository) GetByID(ctx context.Context, id string) (*domain.Dispute, error) {
	return r.get(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
}

// GetByMatchID retrieves the dispute opened on a match.
func (r *DisputeRepository) GetByMatchID(ctx context.Context, matchID string) (*domain.Dispute, error) {
	return r.get(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE match_id = $1`, matchID)
}

func (r *DisputeRepository) get(ctx context.Context, query string, arg string) (*domain.Dispute, error) {
	d, err := scanDispute(r.q.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}

	if err := r.loadThread(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (r *DisputeRepository) loadThread(ctx context.Context, d *domain.Dispute) error {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, author_id, sender_name, content, created_at
		FROM dispute_messages WHERE dispute_id = $1 ORDER BY created_at, id
	`, d.ID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var m domain.DisputeMessage
		if err := rows.Scan(&m.ID, &m.AuthorID, &m.SenderName, &m.Content, &m.CreatedAt); err != nil {
			rows.Close()
			return err
		}
		d.Messages = append(d.Messages, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = r.q.QueryContext(ctx, `
		SELECT id, admin_id, admin_name, content, created_at
		FROM dispute_notes WHERE dispute_id = $1 ORDER BY created_at, id
	`, d.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var n domain.AdminNote
		if err := rows.Scan(&n.ID, &n.AdminID, &n.AdminName, &n.Content, &n.CreatedAt); err != nil {
			return err
		}
		d.AdminNotes = append(d.AdminNotes, n)
	}
	return rows.Err()
}

// AppendMessage adds a party message while the dispute is unresolved.
func (r *DisputeRepository) AppendMessage(ctx context.Context, disputeID string, msg domain.DisputeMessage) error {
	return r.appendEntry(ctx, disputeID, `
		INSERT INTO dispute_messages (id, dispute_id, author_id, sender_name, content, created_at)
		SELECT $1, d.id, $2, $3, $4, $5 FROM disputes d WHERE d.id = $6 AND d.status <> $7
	`, msg.ID, msg.AuthorID, msg.SenderName, msg.Content, msg.CreatedAt, disputeID, domain.DisputeStatusResolved)
}

// AppendNote adds an admin note while the dispute is unresolved.
func (r *DisputeRepository) AppendNote(ctx context.Context, disputeID string, note domain.AdminNote) error {
	return r.appendEntry(ctx, disputeID, `
		INSERT INTO dispute_notes (id, dispute_id, admin_id, admin_name, content, created_at)
		SELECT $1, d.id, $2, $3, $4, $5 FROM disputes d WHERE d.id = $6 AND d.status <> $7
	`, note.ID, note.AdminID, note.AdminName, note.Content, note.CreatedAt, disputeID, domain.DisputeStatusResolved)
}

func (r *DisputeRepository) appendEntry(ctx context.Context, disputeID, query string, args ...any) error {
	err := expectRow(r.q.ExecContext(ctx, query, args...))
	if !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	return r.missingOrStale(ctx, r.q, disputeID)
}

// UpdateStatusIf moves the dispute from expected to next.
func (r *DisputeRepository) UpdateStatusIf(ctx context.Context, disputeID string, expected, next domain.DisputeStatus) error {
	err := expectRow(r.q.ExecContext(ctx, `
		UPDATE disputes SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3
	`, next, disputeID, expected))
	if !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	return r.missingOrStale(ctx, r.q, disputeID)
}

// Resolve stores the resolution and applies the escrow transition atomically.
func (r *DisputeRepository) Resolve(ctx context.Context, disputeID string, resolution domain.Resolution, t repository.EscrowTransition) error {
	return runInTx(ctx, r.db, r.q, func(q Querier) error {
		err := expectRow(q.ExecContext(ctx, `
			UPDATE disputes
			SET status = $1, resolution_type = $2, refund_amount = $3, resolution_notes = $4,
			    resolved_by = $5, resolved_at = $6, updated_at = $6
			WHERE id = $7 AND status <> $1
		`,
			domain.DisputeStatusResolved,
			resolution.Type,
			resolution.RefundAmount,
			resolution.Notes,
			resolution.ResolvedBy,
			resolution.ResolvedAt,
			disputeID,
		))
		if errors.Is(err, repository.ErrNotFound) {
			return r.missingOrStale(ctx, q, disputeID)
		}
		if err != nil {
			return err
		}

		return applyTransition(ctx, q, t)
	})
}

func (r *DisputeRepository) missingOrStale(ctx context.Context, q Querier, disputeID string) error {
	var exists bool
	if err := q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM disputes WHERE id = $1)`, disputeID).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return repository.ErrStaleState
	}
	return repository.ErrNotFound
}

func scanDispute(row rowScanner) (*domain.Dispute, error) {
	var d domain.Dispute
	var resType, resNotes, resolvedBy sql.NullString
	var refund sql.NullInt64
	var resolvedAt sql.NullTime

	if err := row.Scan(
		&d.ID,
		&d.MatchID,
		&d.Reason,
		&d.Description,
		&d.OpenedBy,
		&d.OpenedByID,
		&d.Status,
		&resType,
		&refund,
		&resNotes,
		&resolvedBy,
		&resolvedAt,
		&d.CreatedAt,
		&d.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if resType.Valid {
		d.Resolution = &domain.Resolution{
			Type:         domain.ResolutionType(resType.String),
			RefundAmount: refund.Int64,
			Notes:        resNotes.String,
			ResolvedBy:   resolvedBy.String,
			ResolvedAt:   timeOf(resolvedAt),
		}
	}
	return &d, nil
}

// Ensure DisputeRepository implements repository.DisputeRepository.
var _ repository.DisputeRepository = (*DisputeRepository)(nil)
