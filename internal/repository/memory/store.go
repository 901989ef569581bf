// Package memory keeps every record in process. It backs the service when no
// database is configured and is the store used by service tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"shipmatch/internal/domain"
	"shipmatch/internal/repository"
)

// Store holds all entities behind one lock so multi-record writes are atomic.
type Store struct {
	mu             sync.RWMutex
	matches        map[string]*domain.Match
	escrows        map[string]*domain.Escrow
	disputes       map[string]*domain.Dispute
	disputeByMatch map[string]string
	profiles       map[string]*domain.UserProfile
	payoutMethods  map[string]*domain.PayoutMethod
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		matches:        make(map[string]*domain.Match),
		escrows:        make(map[string]*domain.Escrow),
		disputes:       make(map[string]*domain.Dispute),
		disputeByMatch: make(map[string]string),
		profiles:       make(map[string]*domain.UserProfile),
		payoutMethods:  make(map[string]*domain.PayoutMethod),
	}
}

// Matches returns the match repository view.
func (s *Store) Matches() *MatchRepository { return &MatchRepository{s: s} }

// Escrows returns the escrow repository view.
func (s *Store) Escrows() *EscrowRepository { return &EscrowRepository{s: s} }

// Disputes returns the dispute repository view.
func (s *Store) Disputes() *DisputeRepository { return &DisputeRepository{s: s} }

// Profiles returns the user profile repository view.
func (s *Store) Profiles() *UserProfileRepository { return &UserProfileRepository{s: s} }

// PayoutMethods returns the payout method repository view.
func (s *Store) PayoutMethods() *PayoutMethodRepository { return &PayoutMethodRepository{s: s} }

// PutProfile seeds a profile, standing in for the identity service.
func (s *Store) PutProfile(p *domain.UserProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.profiles[p.ID] = &cp
}

// applyLocked performs the conditional escrow write. Caller holds s.mu.
func (s *Store) applyLocked(t repository.EscrowTransition) error {
	current, ok := s.escrows[t.Escrow.MatchID]
	if !ok {
		return repository.ErrNotFound
	}
	if current.Status != t.Expected {
		return repository.ErrStaleState
	}

	cp := *t.Escrow
	s.escrows[t.Escrow.MatchID] = &cp

	if m, ok := s.matches[t.Escrow.MatchID]; ok {
		if t.MatchStatus != "" {
			m.Status = t.MatchStatus
		}
		if !t.DeliveryConfirmedAt.IsZero() {
			m.DeliveryConfirmedAt = t.DeliveryConfirmedAt
		}
		m.UpdatedAt = t.Escrow.UpdatedAt
	}
	return nil
}

// ──────────────────────────────────────────────
// MATCHES
// ──────────────────────────────────────────────

// MatchRepository is the in-memory repository.MatchRepository.
type MatchRepository struct{ s *Store }

func (r *MatchRepository) CreateWithEscrow(ctx context.Context, match *domain.Match, escrow *domain.Escrow) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.matches[match.ID]; ok {
		return repository.ErrAlreadyExists
	}
	m := *match
	e := *escrow
	r.s.matches[match.ID] = &m
	r.s.escrows[escrow.MatchID] = &e
	return nil
}

func (r *MatchRepository) GetByID(ctx context.Context, id string) (*domain.Match, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	m, ok := r.s.matches[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (r *MatchRepository) ListByParticipant(ctx context.Context, userID string, limit int) ([]*domain.Match, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var result []*domain.Match
	for _, m := range r.s.matches {
		if m.IsParticipant(userID) {
			cp := *m
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *MatchRepository) GrantLocationPermission(ctx context.Context, id string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	m, ok := r.s.matches[id]
	if !ok {
		return repository.ErrNotFound
	}
	if !m.LocationPermissionGranted {
		m.LocationPermissionGranted = true
		m.UpdatedAt = at
	}
	return nil
}

func (r *MatchRepository) ConfirmPickup(ctx context.Context, id string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	m, ok := r.s.matches[id]
	if !ok {
		return repository.ErrNotFound
	}
	if m.Status != domain.MatchStatusAwaitingPickup {
		return repository.ErrStaleState
	}
	m.Status = domain.MatchStatusInTransit
	m.PickupConfirmedAt = at
	m.UpdatedAt = at
	return nil
}

func (r *MatchRepository) MarkRated(ctx context.Context, id string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	m, ok := r.s.matches[id]
	if !ok {
		return repository.ErrNotFound
	}
	if m.Rated {
		return repository.ErrStaleState
	}
	m.Rated = true
	m.UpdatedAt = at
	return nil
}

// ──────────────────────────────────────────────
// ESCROWS
// ──────────────────────────────────────────────

// EscrowRepository is the in-memory repository.EscrowRepository.
type EscrowRepository struct{ s *Store }

func (r *EscrowRepository) GetByMatchID(ctx context.Context, matchID string) (*domain.Escrow, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	e, ok := r.s.escrows[matchID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *EscrowRepository) Apply(ctx context.Context, t repository.EscrowTransition) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.applyLocked(t)
}

func (r *EscrowRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.Escrow, error) {
	return r.list(limit, func(e *domain.Escrow) bool {
		return e.Status == domain.EscrowStatusDeliveredByTransporter && e.DeadlinePassed(now)
	}), nil
}

func (r *EscrowRepository) ListByStatus(ctx context.Context, status domain.EscrowStatus, limit int) ([]*domain.Escrow, error) {
	return r.list(limit, func(e *domain.Escrow) bool {
		return e.Status == status
	}), nil
}

func (r *EscrowRepository) ListBlockedByCarrier(ctx context.Context, carrierID string) ([]*domain.Escrow, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var result []*domain.Escrow
	for id, e := range r.s.escrows {
		m, ok := r.s.matches[id]
		if !ok || m.CarrierID != carrierID {
			continue
		}
		if e.Status == domain.EscrowStatusPayoutBlockedNoPayoutMethod {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (r *EscrowRepository) ListUnsettledRefunds(ctx context.Context, limit int) ([]*domain.Escrow, error) {
	return r.list(limit, func(e *domain.Escrow) bool {
		return e.Status == domain.EscrowStatusRefunded && e.RefundedAmount > 0 && e.RefundRef == ""
	}), nil
}

func (r *EscrowRepository) list(limit int, keep func(*domain.Escrow) bool) []*domain.Escrow {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var result []*domain.Escrow
	for _, e := range r.s.escrows {
		if keep(e) {
			cp := *e
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.Before(result[j].UpdatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// ──────────────────────────────────────────────
// DISPUTES
// ──────────────────────────────────────────────

// DisputeRepository is the in-memory repository.DisputeRepository.
type DisputeRepository struct{ s *Store }

func (r *DisputeRepository) Open(ctx context.Context, dispute *domain.Dispute, t repository.EscrowTransition) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.disputeByMatch[dispute.MatchID]; ok {
		return repository.ErrAlreadyExists
	}
	if err := r.s.applyLocked(t); err != nil {
		return err
	}
	r.s.disputes[dispute.ID] = copyDispute(dispute)
	r.s.disputeByMatch[dispute.MatchID] = dispute.ID
	return nil
}

func (r *DisputeRepository) GetByID(ctx context.Context, id string) (*domain.Dispute, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	d, ok := r.s.disputes[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copyDispute(d), nil
}

func (r *DisputeRepository) GetByMatchID(ctx context.Context, matchID string) (*domain.Dispute, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	id, ok := r.s.disputeByMatch[matchID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copyDispute(r.s.disputes[id]), nil
}

func (r *DisputeRepository) AppendMessage(ctx context.Context, disputeID string, msg domain.DisputeMessage) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	d, ok := r.s.disputes[disputeID]
	if !ok {
		return repository.ErrNotFound
	}
	if d.IsResolved() {
		return repository.ErrStaleState
	}
	d.Messages = append(d.Messages, msg)
	d.UpdatedAt = msg.CreatedAt
	return nil
}

func (r *DisputeRepository) AppendNote(ctx context.Context, disputeID string, note domain.AdminNote) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	d, ok := r.s.disputes[disputeID]
	if !ok {
		return repository.ErrNotFound
	}
	if d.IsResolved() {
		return repository.ErrStaleState
	}
	d.AdminNotes = append(d.AdminNotes, note)
	d.UpdatedAt = note.CreatedAt
	return nil
}

func (r *DisputeRepository) UpdateStatusIf(ctx context.Context, disputeID string, expected, next domain.DisputeStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	d, ok := r.s.disputes[disputeID]
	if !ok {
		return repository.ErrNotFound
	}
	if d.Status != expected {
		return repository.ErrStaleState
	}
	d.Status = next
	return nil
}

func (r *DisputeRepository) Resolve(ctx context.Context, disputeID string, resolution domain.Resolution, t repository.EscrowTransition) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	d, ok := r.s.disputes[disputeID]
	if !ok {
		return repository.ErrNotFound
	}
	if d.IsResolved() {
		return repository.ErrStaleState
	}
	if err := r.s.applyLocked(t); err != nil {
		return err
	}
	res := resolution
	d.Resolution = &res
	d.Status = domain.DisputeStatusResolved
	d.UpdatedAt = resolution.ResolvedAt
	return nil
}

func copyDispute(d *domain.Dispute) *domain.Dispute {
	cp := *d
	cp.Messages = append([]domain.DisputeMessage(nil), d.Messages...)
	cp.AdminNotes = append([]domain.AdminNote(nil), d.AdminNotes...)
	if d.Resolution != nil {
		res := *d.Resolution
		cp.Resolution = &res
	}
	return &cp
}

// ──────────────────────────────────────────────
// PROFILES AND PAYOUT METHODS
// ──────────────────────────────────────────────

// UserProfileRepository is the in-memory repository.UserProfileRepository.
type UserProfileRepository struct{ s *Store }

func (r *UserProfileRepository) GetByID(ctx context.Context, id string) (*domain.UserProfile, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	p, ok := r.s.profiles[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// PayoutMethodRepository is the in-memory repository.PayoutMethodRepository.
type PayoutMethodRepository struct{ s *Store }

func (r *PayoutMethodRepository) Upsert(ctx context.Context, method *domain.PayoutMethod) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	cp := *method
	if existing, ok := r.s.payoutMethods[method.CarrierID]; ok {
		cp.CreatedAt = existing.CreatedAt
	}
	r.s.payoutMethods[method.CarrierID] = &cp
	return nil
}

func (r *PayoutMethodRepository) GetByCarrierID(ctx context.Context, carrierID string) (*domain.PayoutMethod, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	pm, ok := r.s.payoutMethods[carrierID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *pm
	return &cp, nil
}

// Ensure the views implement the repository interfaces.
var (
	_ repository.MatchRepository        = (*MatchRepository)(nil)
	_ repository.EscrowRepository       = (*EscrowRepository)(nil)
	_ repository.DisputeRepository      = (*DisputeRepository)(nil)
	_ repository.UserProfileRepository  = (*UserProfileRepository)(nil)
	_ repository.PayoutMethodRepository = (*PayoutMethodRepository)(nil)
)
