package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"shipmatch/internal/domain"
	"shipmatch/internal/observability"
	"shipmatch/internal/repository"
)

// FeedCloser ends live location watches for a match.
type FeedCloser interface {
	CloseMatch(matchID string)
}

// DeliveryService drives mark delivered, then confirm, auto-confirm or
// dispute. The confirmation deadline is stored as an absolute time so a
// restart does not reset the window.
type DeliveryService struct {
	ledger  *Ledger
	payouts *PayoutService
	matches repository.MatchRepository
	escrows repository.EscrowRepository
	feeds   FeedCloser
	logger  *slog.Logger

	confirmationWindow time.Duration
}

// NewDeliveryService creates a new DeliveryService. feeds may be nil.
func NewDeliveryService(
	ledger *Ledger,
	payouts *PayoutService,
	matches repository.MatchRepository,
	escrows repository.EscrowRepository,
	feeds FeedCloser,
	logger *slog.Logger,
	confirmationWindow time.Duration,
) *DeliveryService {
	return &DeliveryService{
		ledger:             ledger,
		payouts:            payouts,
		matches:            matches,
		escrows:            escrows,
		feeds:              feeds,
		logger:             logger,
		confirmationWindow: confirmationWindow,
	}
}

// MarkDelivered is called by the carrier on arrival. It requires the match's
// location permission as the physical presence proxy and starts the sender's
// confirmation window.
func (s *DeliveryService) MarkDelivered(ctx context.Context, matchID, carrierID string) (*domain.Escrow, error) {
	if matchID == "" {
		return nil, ErrInvalidMatchID
	}

	m, e, err := loadMatchAndEscrow(ctx, s.matches, s.escrows, matchID)
	if err != nil {
		return nil, err
	}
	if !m.IsCarrier(carrierID) {
		return nil, ErrNotMatchCarrier
	}
	if !m.LocationPermissionGranted {
		return nil, ErrLocationPermissionRequired
	}

	delivered, err := s.ledger.Transition(ctx, m, e, domain.EventMarkDelivered, func(next *domain.Escrow, now time.Time) {
		next.DeliveredAt = now
		next.ConfirmationDeadline = now.Add(s.confirmationWindow)
	})
	if err != nil {
		return nil, err
	}

	s.closeFeed(matchID)
	return delivered, nil
}

// ConfirmDelivery is the sender accepting the delivery. The record moves
// straight on to payout_ready, or to the blocked sub-state when the carrier
// has no payout method.
func (s *DeliveryService) ConfirmDelivery(ctx context.Context, matchID, senderID, notes string) (*domain.Escrow, error) {
	if matchID == "" {
		return nil, ErrInvalidMatchID
	}

	m, e, err := loadMatchAndEscrow(ctx, s.matches, s.escrows, matchID)
	if err != nil {
		return nil, err
	}
	if !m.IsSender(senderID) {
		return nil, ErrNotMatchSender
	}

	confirmed, err := s.ledger.Transition(ctx, m, e, domain.EventSenderConfirm, func(next *domain.Escrow, now time.Time) {
		next.ConfirmedAt = now
		next.ConfirmationPath = domain.ConfirmationPathSender
		next.ConfirmationNotes = strings.TrimSpace(notes)
	})
	if err != nil {
		return nil, err
	}

	return s.payouts.Release(ctx, m, confirmed)
}

// AutoConfirm confirms a delivery whose deadline passed with no sender
// action. Under concurrent sweepers exactly one caller wins; the others get an
// invalid transition.
func (s *DeliveryService) AutoConfirm(ctx context.Context, matchID string) (*domain.Escrow, error) {
	if matchID == "" {
		return nil, ErrInvalidMatchID
	}

	m, e, err := loadMatchAndEscrow(ctx, s.matches, s.escrows, matchID)
	if err != nil {
		return nil, err
	}
	if e.Status == domain.EscrowStatusDeliveredByTransporter && !e.DeadlinePassed(s.ledger.Now()) {
		return nil, ErrDeadlineNotReached
	}

	confirmed, err := s.ledger.Transition(ctx, m, e, domain.EventDeadlineElapsed, func(next *domain.Escrow, now time.Time) {
		next.ConfirmedAt = now
		next.ConfirmationPath = domain.ConfirmationPathTimeout
	})
	if err != nil {
		return nil, err
	}

	observability.AutoConfirms.Inc()
	s.logger.Info("delivery auto-confirmed", "match_id", matchID, "deadline", e.ConfirmationDeadline)
	return s.payouts.Release(ctx, m, confirmed)
}

func (s *DeliveryService) closeFeed(matchID string) {
	if s.feeds != nil {
		s.feeds.CloseMatch(matchID)
	}
}
