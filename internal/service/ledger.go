package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"shipmatch/internal/domain"
	"shipmatch/internal/observability"
	"shipmatch/internal/redis"
	"shipmatch/internal/repository"
)

// Ledger is the only writer of escrow status. Every move is checked against
// the transition table, then persisted with a conditional update keyed on the
// status it was computed from, so concurrent callers on one match serialize
// and exactly one of them wins.
type Ledger struct {
	escrows  repository.EscrowRepository
	notifier *NotificationService
	cache    redis.CacheStoreInterface
	logger   *slog.Logger
	now      func() time.Time
}

// NewLedger creates a new Ledger. cache may be nil.
func NewLedger(
	escrows repository.EscrowRepository,
	notifier *NotificationService,
	cache redis.CacheStoreInterface,
	logger *slog.Logger,
) *Ledger {
	return &Ledger{
		escrows:  escrows,
		notifier: notifier,
		cache:    cache,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock replaces the time source used for deadlines and timestamps.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Now returns the ledger's current time.
func (l *Ledger) Now() time.Time {
	return l.now().UTC()
}

// Transition applies event to the record and persists it.
// mutate runs after the table accepted the move and may set extra fields.
func (l *Ledger) Transition(
	ctx context.Context,
	m *domain.Match,
	current *domain.Escrow,
	event domain.EscrowEvent,
	mutate func(e *domain.Escrow, now time.Time),
) (*domain.Escrow, error) {
	t, err := l.prepare(m, current, event, mutate)
	if err != nil {
		return nil, err
	}
	if err := l.finish(ctx, m, t, event, l.escrows.Apply(ctx, t)); err != nil {
		return nil, err
	}
	return t.Escrow, nil
}

// Record persists field changes that do not move the status, still
// conditioned on the status being unchanged.
func (l *Ledger) Record(ctx context.Context, current *domain.Escrow, mutate func(e *domain.Escrow, now time.Time)) (*domain.Escrow, error) {
	next := *current
	now := l.Now()
	mutate(&next, now)
	next.UpdatedAt = now

	err := l.escrows.Apply(ctx, repository.EscrowTransition{Escrow: &next, Expected: current.Status})
	if errors.Is(err, repository.ErrStaleState) {
		return nil, &domain.TransitionError{From: current.Status, Reason: "record changed concurrently"}
	}
	if err != nil {
		return nil, err
	}
	return &next, nil
}

// prepare computes the write for event without persisting it. Callers that
// need the escrow move inside a larger atomic write pass the result to a
// repository and then call finish.
func (l *Ledger) prepare(
	m *domain.Match,
	current *domain.Escrow,
	event domain.EscrowEvent,
	mutate func(e *domain.Escrow, now time.Time),
) (repository.EscrowTransition, error) {
	next := *current
	now := l.Now()

	if _, err := next.Apply(event, now); err != nil {
		l.rejected(m.ID, current.Status, event, err)
		return repository.EscrowTransition{}, err
	}
	if mutate != nil {
		mutate(&next, now)
	}

	t := repository.EscrowTransition{Escrow: &next, Expected: current.Status}
	if status, ok := domain.MatchStatusFor(next.Status); ok {
		t.MatchStatus = status
	}

	switch event {
	case domain.EventSenderConfirm, domain.EventDeadlineElapsed:
		t.DeliveryConfirmedAt = now
	case domain.EventResolveForCarrier:
		// Staff ruled the delivery good.
		t.MatchStatus = domain.MatchStatusDeliveryConfirmed
		t.DeliveryConfirmedAt = now
	}
	return t, nil
}

// finish turns the repository result into the caller's error and, on
// success, records the move.
func (l *Ledger) finish(ctx context.Context, m *domain.Match, t repository.EscrowTransition, event domain.EscrowEvent, err error) error {
	if errors.Is(err, repository.ErrStaleState) {
		lost := &domain.TransitionError{From: t.Expected, Event: event, Reason: "record changed concurrently"}
		l.rejected(m.ID, t.Expected, event, lost)
		return lost
	}
	if err != nil {
		return err
	}

	l.applied(ctx, m, t.Expected, t.Escrow, event)
	return nil
}

func (l *Ledger) applied(ctx context.Context, m *domain.Match, from domain.EscrowStatus, e *domain.Escrow, event domain.EscrowEvent) {
	observability.EscrowTransitions.WithLabelValues(string(from), string(e.Status)).Inc()
	l.logger.Info("escrow transition applied",
		"match_id", m.ID,
		"from", string(from),
		"to", string(e.Status),
		"event", string(event),
	)

	if l.cache != nil {
		if err := l.cache.InvalidateMatch(ctx, m.ID); err != nil {
			l.logger.Warn("match cache invalidation failed", "match_id", m.ID, "error", err)
		}
	}
	l.notifier.EscrowTransition(ctx, m, e, from, event)
}

func (l *Ledger) rejected(matchID string, from domain.EscrowStatus, event domain.EscrowEvent, err error) {
	observability.EscrowRejectedTransitions.WithLabelValues(string(event)).Inc()
	l.logger.Warn("escrow transition rejected",
		"match_id", matchID,
		"from", string(from),
		"event", string(event),
		"error", err,
	)
}
