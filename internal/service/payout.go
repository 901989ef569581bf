package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"shipmatch/internal/domain"
	"shipmatch/internal/observability"
	"shipmatch/internal/payments"
	"shipmatch/internal/redis"
	"shipmatch/internal/repository"
)

// PayoutService moves released funds to carriers and returns refunded funds to
// senders. A payout is at most once per match: the persisted executed flag is
// set by a conditional update, and the provider call carries a per-match
// idempotency key, so even a lost response followed by a retry transfers once.
type PayoutService struct {
	ledger   *Ledger
	matches  repository.MatchRepository
	escrows  repository.EscrowRepository
	methods  repository.PayoutMethodRepository
	provider payments.Provider
	locks    redis.LockStoreInterface
	notifier *NotificationService
	logger   *slog.Logger
	settings PayoutSettings
}

// PayoutSettings tunes payout execution.
type PayoutSettings struct {
	LockTTL time.Duration
	// PayOnRelease attempts the transfer as soon as a record becomes payout_ready.
	// When false, payouts wait for the sweeper or an operator.
	PayOnRelease bool
}

// NewPayoutService creates a new PayoutService. locks may be nil, in which case
// concurrent executors are only serialized by the conditional update.
func NewPayoutService(
	ledger *Ledger,
	matches repository.MatchRepository,
	escrows repository.EscrowRepository,
	methods repository.PayoutMethodRepository,
	provider payments.Provider,
	locks redis.LockStoreInterface,
	notifier *NotificationService,
	logger *slog.Logger,
	settings PayoutSettings,
) *PayoutService {
	return &PayoutService{
		ledger:   ledger,
		matches:  matches,
		escrows:  escrows,
		methods:  methods,
		provider: provider,
		locks:    locks,
		notifier: notifier,
		logger:   logger,
		settings: settings,
	}
}

// Release moves a confirmed record to payout_ready, or to
// payout_blocked_no_payout_method when the carrier has nowhere to be paid.
// When a concurrent caller, usually the sweeper, already released the same
// confirmation, Release returns that outcome instead of an error.
func (s *PayoutService) Release(ctx context.Context, m *domain.Match, e *domain.Escrow) (*domain.Escrow, error) {
	released, err := s.release(ctx, m, e)
	if errors.Is(err, ErrInvalidTransition) {
		if current, ok := s.releasedElsewhere(ctx, e); ok {
			s.logger.Debug("release already applied", "match_id", e.MatchID, "status", string(current.Status))
			return s.PayIfEnabled(ctx, current), nil
		}
	}
	if err != nil {
		return nil, err
	}
	return released, nil
}

// releasedElsewhere reloads the record and reports whether it has moved past
// release from the same confirmation e carries.
func (s *PayoutService) releasedElsewhere(ctx context.Context, e *domain.Escrow) (*domain.Escrow, bool) {
	current, err := s.escrows.GetByMatchID(ctx, e.MatchID)
	if err != nil {
		return nil, false
	}
	switch current.Status {
	case domain.EscrowStatusPayoutReady, domain.EscrowStatusPayoutBlockedNoPayoutMethod, domain.EscrowStatusPayoutCompleted:
	default:
		return nil, false
	}
	if current.ConfirmationPath != e.ConfirmationPath || !current.ConfirmedAt.Equal(e.ConfirmedAt) {
		return nil, false
	}
	return current, true
}

func (s *PayoutService) release(ctx context.Context, m *domain.Match, e *domain.Escrow) (*domain.Escrow, error) {
	hasMethod, err := s.hasPayoutMethod(ctx, m.CarrierID)
	if err != nil {
		return nil, err
	}

	if !hasMethod {
		return s.block(ctx, m, e)
	}

	ready, err := s.ledger.Transition(ctx, m, e, domain.EventRelease, nil)
	if err != nil {
		return nil, err
	}
	return s.PayIfEnabled(ctx, ready), nil
}

// PayIfEnabled attempts the payout for a payout_ready record when PayOnRelease
// is set. Failures are logged and the record is returned as it stands; the
// sweeper retries.
func (s *PayoutService) PayIfEnabled(ctx context.Context, e *domain.Escrow) *domain.Escrow {
	if !s.settings.PayOnRelease || e.Status != domain.EscrowStatusPayoutReady {
		return e
	}

	paid, err := s.Execute(ctx, e.MatchID)
	if err != nil {
		s.logger.Warn("payout after release failed, will retry", "match_id", e.MatchID, "error", err)
		return e
	}
	return paid
}

// Execute pays the carrier for a payout_ready record. A record already paid
// returns success without calling the provider. A failed transfer leaves the
// record in payout_ready for the sweeper or an operator to retry.
func (s *PayoutService) Execute(ctx context.Context, matchID string) (*domain.Escrow, error) {
	if matchID == "" {
		return nil, ErrInvalidMatchID
	}

	e, err := s.loadEscrow(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if e.PayoutExecuted {
		observability.Payouts.WithLabelValues("already_completed").Inc()
		return e, nil
	}
	if e.Status != domain.EscrowStatusPayoutReady {
		err := &domain.TransitionError{From: e.Status, Event: domain.EventPayoutExecuted}
		s.ledger.rejected(matchID, e.Status, domain.EventPayoutExecuted, err)
		return nil, err
	}

	if s.locks != nil {
		token, err := s.locks.AcquirePayoutLock(ctx, matchID, s.settings.LockTTL)
		if err != nil {
			return nil, fmt.Errorf("acquire payout lock: %w", err)
		}
		if token == "" {
			return nil, ErrPayoutInProgress
		}
		defer func() {
			if err := s.locks.ReleasePayoutLock(context.WithoutCancel(ctx), matchID, token); err != nil {
				s.logger.Warn("payout lock release failed", "match_id", matchID, "error", err)
			}
		}()

		// Someone may have finished between the first read and the lock.
		e, err = s.loadEscrow(ctx, matchID)
		if err != nil {
			return nil, err
		}
		if e.PayoutExecuted {
			observability.Payouts.WithLabelValues("already_completed").Inc()
			return e, nil
		}
		if e.Status != domain.EscrowStatusPayoutReady {
			return nil, &domain.TransitionError{From: e.Status, Event: domain.EventPayoutExecuted}
		}
	}

	m, err := loadMatch(ctx, s.matches, matchID)
	if err != nil {
		return nil, err
	}

	method, err := s.methods.GetByCarrierID(ctx, m.CarrierID)
	if errors.Is(err, repository.ErrNotFound) {
		return s.block(ctx, m, e)
	}
	if err != nil {
		return nil, err
	}

	ref := ""
	if amount := e.RemainderOwed(); amount > 0 {
		ref, err = s.provider.Payout(ctx, payments.PayoutRequest{
			MatchID:        m.ID,
			Destination:    method.Destination,
			Amount:         amount,
			Currency:       e.Currency,
			IdempotencyKey: payments.PayoutKey(m.ID),
		})
		if errors.Is(err, payments.ErrNoDestination) {
			return s.block(ctx, m, e)
		}
		if err != nil {
			observability.Payouts.WithLabelValues("failed").Inc()
			s.notifier.PayoutFailed(ctx, m, s.ledger.Now(), err)
			return nil, fmt.Errorf("%w: payout: %w", ErrExternalProvider, err)
		}
	}

	paid, err := s.ledger.Transition(ctx, m, e, domain.EventPayoutExecuted, func(next *domain.Escrow, _ time.Time) {
		next.PayoutRef = ref
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			// Lost the race to another executor; report its result.
			latest, loadErr := s.loadEscrow(ctx, matchID)
			if loadErr == nil && latest.PayoutExecuted {
				return latest, nil
			}
		}
		return nil, err
	}

	observability.Payouts.WithLabelValues("completed").Inc()
	return paid, nil
}

// SettleRefund sends a refunded record's refund to the provider, records the
// reference, and releases any remainder to the carrier. Records already
// settled are left alone.
func (s *PayoutService) SettleRefund(ctx context.Context, matchID string) (*domain.Escrow, error) {
	e, err := s.loadEscrow(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if e.Status != domain.EscrowStatusRefunded || e.RefundRef != "" {
		return e, nil
	}

	m, err := loadMatch(ctx, s.matches, matchID)
	if err != nil {
		return nil, err
	}

	ref, err := s.provider.Refund(ctx, payments.RefundRequest{
		MatchID:        m.ID,
		PaymentRef:     e.PaymentRef,
		Amount:         e.RefundedAmount,
		IdempotencyKey: payments.RefundKey(m.ID),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: refund: %w", ErrExternalProvider, err)
	}

	e, err = s.ledger.Record(ctx, e, func(next *domain.Escrow, _ time.Time) {
		next.RefundRef = ref
	})
	if err != nil {
		return nil, err
	}
	s.notifier.RefundIssued(ctx, m, e, s.ledger.Now())

	if e.RemainderOwed() == 0 {
		return e, nil
	}
	ready, err := s.ledger.Transition(ctx, m, e, domain.EventReleaseRemainder, nil)
	if err != nil {
		return nil, err
	}
	return s.PayIfEnabled(ctx, ready), nil
}

// RegisterPayoutMethod stores the carrier's destination and returns every
// blocked record of theirs to payout_ready without re-running confirmation.
func (s *PayoutService) RegisterPayoutMethod(ctx context.Context, carrierID, destination string) (*domain.PayoutMethod, []*domain.Escrow, error) {
	if carrierID == "" {
		return nil, nil, ErrInvalidUserID
	}
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return nil, nil, ErrInvalidDestination
	}

	now := s.ledger.Now()
	method := &domain.PayoutMethod{
		CarrierID:   carrierID,
		Destination: destination,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.methods.Upsert(ctx, method); err != nil {
		return nil, nil, err
	}

	blocked, err := s.escrows.ListBlockedByCarrier(ctx, carrierID)
	if err != nil {
		return nil, nil, err
	}

	var unblocked []*domain.Escrow
	for _, e := range blocked {
		m, err := loadMatch(ctx, s.matches, e.MatchID)
		if err != nil {
			return method, unblocked, err
		}
		ready, err := s.ledger.Transition(ctx, m, e, domain.EventPayoutMethodRegistered, nil)
		if errors.Is(err, ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return method, unblocked, err
		}
		unblocked = append(unblocked, s.PayIfEnabled(ctx, ready))
	}
	return method, unblocked, nil
}

func (s *PayoutService) block(ctx context.Context, m *domain.Match, e *domain.Escrow) (*domain.Escrow, error) {
	blocked, err := s.ledger.Transition(ctx, m, e, domain.EventBlockNoPayoutMethod, nil)
	if err != nil {
		return nil, err
	}
	observability.Payouts.WithLabelValues("blocked").Inc()
	s.notifier.PayoutBlocked(ctx, m, blocked.UpdatedAt)
	return blocked, nil
}

func (s *PayoutService) hasPayoutMethod(ctx context.Context, carrierID string) (bool, error) {
	_, err := s.methods.GetByCarrierID(ctx, carrierID)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *PayoutService) loadEscrow(ctx context.Context, matchID string) (*domain.Escrow, error) {
	e, err := s.escrows.GetByMatchID(ctx, matchID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrMatchNotFound
	}
	return e, err
}
