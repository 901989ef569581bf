package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"shipmatch/internal/domain"
	"shipmatch/internal/payments"
	"shipmatch/internal/redis"
	"shipmatch/internal/repository"
)

const defaultListLimit = 50

// MatchService creates matches and handles the steps around the escrow
// workflow: capture, cancellation, tracking consent, pickup and rating.
type MatchService struct {
	ledger   *Ledger
	matches  repository.MatchRepository
	escrows  repository.EscrowRepository
	disputes repository.DisputeRepository
	profiles repository.UserProfileRepository
	provider payments.Provider
	cache    redis.CacheStoreInterface
	notifier *NotificationService
	logger   *slog.Logger

	currency        string
	minCarrierTrust domain.TrustLevel
}

// NewMatchService creates a new MatchService. cache may be nil.
func NewMatchService(
	ledger *Ledger,
	matches repository.MatchRepository,
	escrows repository.EscrowRepository,
	disputes repository.DisputeRepository,
	profiles repository.UserProfileRepository,
	provider payments.Provider,
	cache redis.CacheStoreInterface,
	notifier *NotificationService,
	logger *slog.Logger,
	currency string,
	minCarrierTrust domain.TrustLevel,
) *MatchService {
	return &MatchService{
		ledger:          ledger,
		matches:         matches,
		escrows:         escrows,
		disputes:        disputes,
		profiles:        profiles,
		provider:        provider,
		cache:           cache,
		notifier:        notifier,
		logger:          logger,
		currency:        currency,
		minCarrierTrust: minCarrierTrust,
	}
}

// CreateMatchRequest contains the parameters for opening a match once both
// parties accepted the pairing.
type CreateMatchRequest struct {
	SenderID       string
	CarrierID      string
	TripRef        string
	ShipmentRef    string
	EstimatedPrice int64
	// CommissionBps is the platform's cut in basis points.
	CommissionBps int
}

// MatchView is a match with its escrow and the derived confirmation window.
type MatchView struct {
	Match         *domain.Match
	Escrow        *domain.Escrow
	TimeRemaining time.Duration
	DisputeID     string
}

// CreateMatch splits the price and opens the match with its escrow record in
// payment_pending.
func (s *MatchService) CreateMatch(ctx context.Context, req CreateMatchRequest) (*domain.Match, error) {
	if req.SenderID == "" || req.CarrierID == "" {
		return nil, ErrInvalidUserID
	}
	if req.SenderID == req.CarrierID {
		return nil, ErrSameParty
	}
	if strings.TrimSpace(req.TripRef) == "" || strings.TrimSpace(req.ShipmentRef) == "" {
		return nil, ErrInvalidReference
	}

	commission, earnings, err := domain.SplitPrice(req.EstimatedPrice, req.CommissionBps)
	if err != nil || req.EstimatedPrice == 0 {
		return nil, ErrInvalidPrice
	}

	profile, err := s.profiles.GetByID(ctx, req.CarrierID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrCarrierNotVerified
	}
	if err != nil {
		return nil, err
	}
	if !profile.Verified {
		return nil, ErrCarrierNotVerified
	}
	if !profile.TrustLevel.AtLeast(s.minCarrierTrust) {
		return nil, ErrCarrierTrustTooLow
	}

	now := s.ledger.Now()
	match := &domain.Match{
		ID:                 uuid.New().String(),
		SenderID:           req.SenderID,
		CarrierID:          req.CarrierID,
		TripRef:            req.TripRef,
		ShipmentRef:        req.ShipmentRef,
		Status:             domain.MatchStatusPendingPayment,
		EstimatedPrice:     req.EstimatedPrice,
		PlatformCommission: commission,
		CarrierEarnings:    earnings,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	escrow := &domain.Escrow{
		MatchID:   match.ID,
		Status:    domain.EscrowStatusPaymentPending,
		Currency:  s.currency,
		UpdatedAt: now,
	}

	if err := s.matches.CreateWithEscrow(ctx, match, escrow); err != nil {
		return nil, err
	}

	s.logger.Info("match created",
		"match_id", match.ID,
		"sender_id", match.SenderID,
		"carrier_id", match.CarrierID,
		"estimated_price", match.EstimatedPrice,
		"platform_commission", match.PlatformCommission,
	)
	return match, nil
}

// CapturePayment captures the sender's held funds and escrows them. The
// carrier amount is fixed here from the match's earnings.
func (s *MatchService) CapturePayment(ctx context.Context, matchID string, actor domain.Actor, paymentRef string) (*domain.Escrow, error) {
	if matchID == "" {
		return nil, ErrInvalidMatchID
	}
	paymentRef = strings.TrimSpace(paymentRef)
	if paymentRef == "" {
		return nil, ErrPaymentRefRequired
	}

	m, e, err := s.load(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if !m.IsSender(actor.ID) && !actor.IsAdmin() && !actor.IsSystem() {
		return nil, ErrNotMatchSender
	}

	// Check before charging anyone.
	if !domain.CanTransition(e.Status, domain.EventCapture) {
		err := &domain.TransitionError{From: e.Status, Event: domain.EventCapture}
		s.ledger.rejected(m.ID, e.Status, domain.EventCapture, err)
		return nil, err
	}

	ref, err := s.provider.Capture(ctx, payments.CaptureRequest{
		MatchID:        m.ID,
		PaymentRef:     paymentRef,
		Amount:         m.EstimatedPrice,
		Currency:       e.Currency,
		IdempotencyKey: payments.CaptureKey(m.ID),
	})
	if err != nil {
		s.logger.Error("payment capture failed", "match_id", m.ID, "error", err)
		return nil, fmt.Errorf("%w: capture: %w", ErrExternalProvider, err)
	}

	return s.ledger.Transition(ctx, m, e, domain.EventCapture, func(next *domain.Escrow, now time.Time) {
		next.CarrierAmount = m.CarrierEarnings
		next.PaymentRef = ref
		next.CapturedAt = now
	})
}

// CancelMatch cancels a match before capture. Either party or staff may cancel.
func (s *MatchService) CancelMatch(ctx context.Context, matchID string, actor domain.Actor) (*domain.Escrow, error) {
	if matchID == "" {
		return nil, ErrInvalidMatchID
	}

	m, e, err := s.load(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if !m.IsParticipant(actor.ID) && !actor.IsAdmin() {
		return nil, ErrNotParticipant
	}

	return s.ledger.Transition(ctx, m, e, domain.EventCancel, nil)
}

// GrantLocationPermission records the carrier's consent to be tracked on this
// match. Granting again is a no-op.
func (s *MatchService) GrantLocationPermission(ctx context.Context, matchID, carrierID string) (*domain.Match, error) {
	m, err := s.carrierMatch(ctx, matchID, carrierID)
	if err != nil {
		return nil, err
	}
	if m.Status.IsTerminal() {
		return nil, ErrMatchClosed
	}
	if m.LocationPermissionGranted {
		return m, nil
	}

	now := s.ledger.Now()
	if err := s.matches.GrantLocationPermission(ctx, matchID, now); err != nil {
		return nil, err
	}
	s.invalidate(ctx, matchID)

	m.LocationPermissionGranted = true
	m.UpdatedAt = now
	return m, nil
}

// ConfirmPickup starts transit. Location reports are accepted from here until
// the carrier marks the delivery.
func (s *MatchService) ConfirmPickup(ctx context.Context, matchID, carrierID string) (*domain.Match, error) {
	m, err := s.carrierMatch(ctx, matchID, carrierID)
	if err != nil {
		return nil, err
	}

	now := s.ledger.Now()
	err = s.matches.ConfirmPickup(ctx, matchID, now)
	if errors.Is(err, repository.ErrStaleState) {
		return nil, ErrPickupNotAllowed
	}
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, matchID)

	m.Status = domain.MatchStatusInTransit
	m.PickupConfirmedAt = now
	m.UpdatedAt = now

	s.logger.Info("pickup confirmed", "match_id", matchID, "carrier_id", carrierID)
	s.notifier.PickupConfirmed(ctx, m, now)
	return m, nil
}

// MarkRated records that the sender rated the carrier. Allowed once, after
// delivery was confirmed.
func (s *MatchService) MarkRated(ctx context.Context, matchID, senderID string) (*domain.Match, error) {
	if matchID == "" {
		return nil, ErrInvalidMatchID
	}

	m, err := loadMatch(ctx, s.matches, matchID)
	if err != nil {
		return nil, err
	}
	if !m.IsSender(senderID) {
		return nil, ErrNotMatchSender
	}
	if m.DeliveryConfirmedAt.IsZero() {
		return nil, ErrDeliveryNotConfirmed
	}

	now := s.ledger.Now()
	err = s.matches.MarkRated(ctx, matchID, now)
	if errors.Is(err, repository.ErrStaleState) {
		return nil, ErrAlreadyRated
	}
	if err != nil {
		return nil, err
	}

	m.Rated = true
	m.UpdatedAt = now
	return m, nil
}

// GetMatch returns the match, its escrow and the time left to confirm.
func (s *MatchService) GetMatch(ctx context.Context, matchID string, actor domain.Actor) (*MatchView, error) {
	if matchID == "" {
		return nil, ErrInvalidMatchID
	}

	m, e, err := s.load(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if !m.IsParticipant(actor.ID) && !actor.IsAdmin() {
		return nil, ErrNotParticipant
	}

	view := &MatchView{
		Match:         m,
		Escrow:        e,
		TimeRemaining: e.TimeRemaining(s.ledger.Now()),
	}

	d, err := s.disputes.GetByMatchID(ctx, matchID)
	switch {
	case err == nil:
		view.DisputeID = d.ID
	case !errors.Is(err, repository.ErrNotFound):
		return nil, err
	}
	return view, nil
}

// ListMatches returns the caller's matches as sender or carrier, newest first.
func (s *MatchService) ListMatches(ctx context.Context, actor domain.Actor, limit int) ([]*domain.Match, error) {
	if actor.ID == "" {
		return nil, ErrInvalidUserID
	}
	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}
	return s.matches.ListByParticipant(ctx, actor.ID, limit)
}

func (s *MatchService) carrierMatch(ctx context.Context, matchID, carrierID string) (*domain.Match, error) {
	if matchID == "" {
		return nil, ErrInvalidMatchID
	}
	m, err := loadMatch(ctx, s.matches, matchID)
	if err != nil {
		return nil, err
	}
	if !m.IsCarrier(carrierID) {
		return nil, ErrNotMatchCarrier
	}
	return m, nil
}

func (s *MatchService) load(ctx context.Context, matchID string) (*domain.Match, *domain.Escrow, error) {
	return loadMatchAndEscrow(ctx, s.matches, s.escrows, matchID)
}

func (s *MatchService) invalidate(ctx context.Context, matchID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateMatch(ctx, matchID); err != nil {
		s.logger.Warn("match cache invalidation failed", "match_id", matchID, "error", err)
	}
}

func loadMatch(ctx context.Context, matches repository.MatchRepository, matchID string) (*domain.Match, error) {
	m, err := matches.GetByID(ctx, matchID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrMatchNotFound
	}
	return m, err
}

func loadMatchAndEscrow(
	ctx context.Context,
	matches repository.MatchRepository,
	escrows repository.EscrowRepository,
	matchID string,
) (*domain.Match, *domain.Escrow, error) {
	m, err := loadMatch(ctx, matches, matchID)
	if err != nil {
		return nil, nil, err
	}
	e, err := escrows.GetByMatchID(ctx, matchID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil, ErrMatchNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	return m, e, nil
}
