package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"shipmatch/internal/domain"
	"shipmatch/internal/repository"
)

// Sweeper is the background timeout and retry loop. It is safe to run on
// several instances at once: every step it takes goes through the ledger's
// conditional updates, and losing a race is expected and quiet.
type Sweeper struct {
	delivery *DeliveryService
	payouts  *PayoutService
	matches  repository.MatchRepository
	escrows  repository.EscrowRepository
	ledger   *Ledger
	logger   *slog.Logger

	interval time.Duration
	batch    int
}

// SweepResult counts what one pass did.
type SweepResult struct {
	AutoConfirmed  int
	Released       int
	PayoutsRetried int
	RefundsSettled int
}

// NewSweeper creates a new Sweeper.
func NewSweeper(
	delivery *DeliveryService,
	payouts *PayoutService,
	matches repository.MatchRepository,
	escrows repository.EscrowRepository,
	ledger *Ledger,
	logger *slog.Logger,
	interval time.Duration,
	batch int,
) *Sweeper {
	return &Sweeper{
		delivery: delivery,
		payouts:  payouts,
		matches:  matches,
		escrows:  escrows,
		ledger:   ledger,
		logger:   logger,
		interval: interval,
		batch:    batch,
	}
}

// Run sweeps immediately and then on every interval until ctx ends.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("sweeper started", "interval", s.interval.String(), "batch", s.batch)
	for {
		res := s.SweepOnce(ctx)
		if res != (SweepResult{}) {
			s.logger.Info("sweep finished",
				"auto_confirmed", res.AutoConfirmed,
				"released", res.Released,
				"payouts_retried", res.PayoutsRetried,
				"refunds_settled", res.RefundsSettled,
			)
		}

		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce runs every duty once:
//   - auto-confirm delivered records whose deadline passed
//   - release confirmed records a crash left short of payout_ready
//   - retry payouts sitting in payout_ready
//   - retry refunds the provider has not yet accepted
func (s *Sweeper) SweepOnce(ctx context.Context) SweepResult {
	var res SweepResult

	due, err := s.escrows.ListDue(ctx, s.ledger.Now(), s.batch)
	if err != nil {
		s.logger.Error("list due confirmations failed", "error", err)
	}
	for _, e := range due {
		if ctx.Err() != nil {
			return res
		}
		if _, err := s.delivery.AutoConfirm(ctx, e.MatchID); err != nil {
			s.skip("auto-confirm", e.MatchID, err)
			continue
		}
		res.AutoConfirmed++
	}

	for _, status := range []domain.EscrowStatus{domain.EscrowStatusConfirmedBySender, domain.EscrowStatusAutoConfirmedTimeout} {
		stuck, err := s.escrows.ListByStatus(ctx, status, s.batch)
		if err != nil {
			s.logger.Error("list confirmed records failed", "status", string(status), "error", err)
			continue
		}
		for _, e := range stuck {
			m, err := loadMatch(ctx, s.matches, e.MatchID)
			if err != nil {
				s.skip("release", e.MatchID, err)
				continue
			}
			if _, err := s.payouts.Release(ctx, m, e); err != nil {
				s.skip("release", e.MatchID, err)
				continue
			}
			res.Released++
		}
	}

	ready, err := s.escrows.ListByStatus(ctx, domain.EscrowStatusPayoutReady, s.batch)
	if err != nil {
		s.logger.Error("list payout_ready records failed", "error", err)
	}
	for _, e := range ready {
		if ctx.Err() != nil {
			return res
		}
		paid, err := s.payouts.Execute(ctx, e.MatchID)
		if err != nil {
			s.skip("payout", e.MatchID, err)
			continue
		}
		if paid.PayoutExecuted {
			res.PayoutsRetried++
		}
	}

	unsettled, err := s.escrows.ListUnsettledRefunds(ctx, s.batch)
	if err != nil {
		s.logger.Error("list unsettled refunds failed", "error", err)
	}
	for _, e := range unsettled {
		if ctx.Err() != nil {
			return res
		}
		if _, err := s.payouts.SettleRefund(ctx, e.MatchID); err != nil {
			s.skip("refund", e.MatchID, err)
			continue
		}
		res.RefundsSettled++
	}

	return res
}

func (s *Sweeper) skip(duty, matchID string, err error) {
	// Another instance or a user got there first.
	if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrPayoutInProgress) || errors.Is(err, ErrDeadlineNotReached) {
		s.logger.Debug("sweep item skipped", "duty", duty, "match_id", matchID, "error", err)
		return
	}
	s.logger.Error("sweep item failed", "duty", duty, "match_id", matchID, "error", err)
}
