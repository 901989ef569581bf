package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"shipmatch/internal/domain"
	"shipmatch/internal/repository"
)

// DisputeService opens disputes, collects the evidence thread and applies the
// binding resolution to the escrow.
type DisputeService struct {
	ledger   *Ledger
	payouts  *PayoutService
	matches  repository.MatchRepository
	escrows  repository.EscrowRepository
	disputes repository.DisputeRepository
	feeds    FeedCloser
	notifier *NotificationService
	logger   *slog.Logger
}

// NewDisputeService creates a new DisputeService. feeds may be nil.
func NewDisputeService(
	ledger *Ledger,
	payouts *PayoutService,
	matches repository.MatchRepository,
	escrows repository.EscrowRepository,
	disputes repository.DisputeRepository,
	feeds FeedCloser,
	notifier *NotificationService,
	logger *slog.Logger,
) *DisputeService {
	return &DisputeService{
		ledger:   ledger,
		payouts:  payouts,
		matches:  matches,
		escrows:  escrows,
		disputes: disputes,
		feeds:    feeds,
		notifier: notifier,
		logger:   logger,
	}
}

// OpenDisputeRequest contains the parameters for opening a dispute.
type OpenDisputeRequest struct {
	MatchID     string
	Caller      domain.Actor
	Reason      string
	Description string
}

// ResolveRequest contains the parameters for resolving a dispute.
type ResolveRequest struct {
	DisputeID string
	Admin     domain.Actor
	Type      domain.ResolutionType
	// RefundAmount nil takes the default for the type: the full carrier amount
	// for sender, half of it for split, zero otherwise.
	RefundAmount *int64
	Notes        string
}

// OpenDispute freezes the escrow. The sender may dispute a delivered match;
// the carrier may dispute while escrowed or delivered. The dispute and the
// escrow move are written together.
func (s *DisputeService) OpenDispute(ctx context.Context, req OpenDisputeRequest) (*domain.Dispute, error) {
	if req.MatchID == "" {
		return nil, ErrInvalidMatchID
	}
	reason := strings.TrimSpace(req.Reason)

	m, e, err := loadMatchAndEscrow(ctx, s.matches, s.escrows, req.MatchID)
	if err != nil {
		return nil, err
	}

	var party domain.DisputeParty
	switch {
	case m.IsSender(req.Caller.ID):
		party = domain.DisputePartySender
		if e.Status != domain.EscrowStatusDeliveredByTransporter {
			err := &domain.TransitionError{From: e.Status, Event: domain.EventOpenDispute, Reason: "sender may dispute only after delivery is marked"}
			s.ledger.rejected(m.ID, e.Status, domain.EventOpenDispute, err)
			return nil, err
		}
	case m.IsCarrier(req.Caller.ID):
		party = domain.DisputePartyCarrier
	default:
		return nil, ErrNotParticipant
	}

	if reason == "" {
		return nil, ErrDisputeReasonRequired
	}

	t, err := s.ledger.prepare(m, e, domain.EventOpenDispute, nil)
	if err != nil {
		return nil, err
	}

	now := t.Escrow.UpdatedAt
	dispute := &domain.Dispute{
		ID:          uuid.New().String(),
		MatchID:     m.ID,
		Reason:      reason,
		Description: strings.TrimSpace(req.Description),
		OpenedBy:    party,
		OpenedByID:  req.Caller.ID,
		Status:      domain.DisputeStatusOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err = s.disputes.Open(ctx, dispute, t)
	if errors.Is(err, repository.ErrAlreadyExists) {
		return nil, ErrDisputeExists
	}
	if err := s.ledger.finish(ctx, m, t, domain.EventOpenDispute, err); err != nil {
		return nil, err
	}

	if s.feeds != nil {
		s.feeds.CloseMatch(m.ID)
	}
	return dispute, nil
}

// AddNote appends to the dispute. Party messages go to the chat thread, staff
// notes to the admin list. Status does not change.
func (s *DisputeService) AddNote(ctx context.Context, disputeID string, author domain.Actor, content string) (*domain.Dispute, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyNote
	}

	d, m, err := s.load(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.IsResolved() {
		return nil, ErrDisputeResolved
	}

	now := s.ledger.Now()
	switch {
	case author.IsAdmin():
		err = s.disputes.AppendNote(ctx, d.ID, domain.AdminNote{
			ID:        uuid.New().String(),
			AdminID:   author.ID,
			AdminName: author.Name,
			Content:   content,
			CreatedAt: now,
		})
	case m.IsParticipant(author.ID):
		err = s.disputes.AppendMessage(ctx, d.ID, domain.DisputeMessage{
			ID:         uuid.New().String(),
			AuthorID:   author.ID,
			SenderName: author.Name,
			Content:    content,
			CreatedAt:  now,
		})
	default:
		return nil, ErrNotParticipant
	}
	if errors.Is(err, repository.ErrStaleState) {
		return nil, ErrDisputeResolved
	}
	if err != nil {
		return nil, err
	}

	if !author.IsAdmin() {
		s.notifier.DisputeMessage(ctx, m, d, author.ID, now)
	}
	return s.get(ctx, d.ID)
}

// StartReview moves an open dispute to under_review.
func (s *DisputeService) StartReview(ctx context.Context, disputeID string, admin domain.Actor) (*domain.Dispute, error) {
	if !admin.IsAdmin() {
		return nil, ErrAdminRequired
	}

	d, m, err := s.load(ctx, disputeID)
	if err != nil {
		return nil, err
	}

	err = s.disputes.UpdateStatusIf(ctx, d.ID, domain.DisputeStatusOpen, domain.DisputeStatusUnderReview)
	if errors.Is(err, repository.ErrStaleState) {
		return nil, ErrDisputeNotOpen
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("dispute under review", "dispute_id", d.ID, "match_id", m.ID, "admin_id", admin.ID)
	s.notifier.DisputeUnderReview(ctx, m, d, s.ledger.Now())
	return s.get(ctx, d.ID)
}

// Resolve records the binding outcome exactly once and moves the escrow.
// Carrier and dismissed outcomes release the full carrier amount. Sender and
// split outcomes refund the given amount, bounded by the carrier amount, and
// release whatever remains to the carrier.
func (s *DisputeService) Resolve(ctx context.Context, req ResolveRequest) (*domain.Dispute, *domain.Escrow, error) {
	if !req.Admin.IsAdmin() {
		return nil, nil, ErrAdminRequired
	}
	if !req.Type.Valid() {
		return nil, nil, ErrInvalidResolutionType
	}
	if req.RefundAmount != nil && *req.RefundAmount < 0 {
		return nil, nil, ErrInvalidRefundAmount
	}

	d, m, err := s.load(ctx, req.DisputeID)
	if err != nil {
		return nil, nil, err
	}
	if d.IsResolved() {
		return nil, nil, ErrDisputeResolved
	}

	e, err := s.escrows.GetByMatchID(ctx, m.ID)
	if err != nil {
		return nil, nil, err
	}

	refund, err := refundFor(req.Type, req.RefundAmount, e.CarrierAmount)
	if err != nil {
		return nil, nil, err
	}

	event := domain.EventResolveForCarrier
	if req.Type.ReturnsFunds() {
		event = domain.EventResolveForSender
	}

	t, err := s.ledger.prepare(m, e, event, func(next *domain.Escrow, now time.Time) {
		next.RefundedAmount = refund
		if event == domain.EventResolveForCarrier {
			next.ConfirmedAt = now
			next.ConfirmationPath = domain.ConfirmationPathDispute
		}
	})
	if err != nil {
		return nil, nil, err
	}

	resolution := domain.Resolution{
		Type:         req.Type,
		RefundAmount: refund,
		Notes:        strings.TrimSpace(req.Notes),
		ResolvedBy:   req.Admin.ID,
		ResolvedAt:   t.Escrow.UpdatedAt,
	}

	err = s.disputes.Resolve(ctx, d.ID, resolution, t)
	if errors.Is(err, repository.ErrStaleState) {
		if latest, getErr := s.get(ctx, d.ID); getErr == nil && latest.IsResolved() {
			return nil, nil, ErrDisputeResolved
		}
	}
	if err := s.ledger.finish(ctx, m, t, event, err); err != nil {
		return nil, nil, err
	}

	s.logger.Info("dispute resolved",
		"dispute_id", d.ID,
		"match_id", m.ID,
		"type", string(req.Type),
		"refund_amount", refund,
	)

	escrow := s.settle(ctx, m, t.Escrow)

	resolved, err := s.get(ctx, d.ID)
	if err != nil {
		return nil, nil, err
	}
	return resolved, escrow, nil
}

// GetDispute returns the dispute to either party or staff.
func (s *DisputeService) GetDispute(ctx context.Context, disputeID string, caller domain.Actor) (*domain.Dispute, error) {
	d, m, err := s.load(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if !m.IsParticipant(caller.ID) && !caller.IsAdmin() {
		return nil, ErrNotParticipant
	}
	return d, nil
}

// settle starts the money movement the resolution calls for. The resolution
// itself is already committed, so provider failures are logged and left for
// the sweeper.
func (s *DisputeService) settle(ctx context.Context, m *domain.Match, e *domain.Escrow) *domain.Escrow {
	if e.Status == domain.EscrowStatusPayoutReady {
		return s.payouts.PayIfEnabled(ctx, e)
	}

	settled, err := s.payouts.SettleRefund(ctx, m.ID)
	if err != nil {
		s.logger.Error("refund after resolution failed, will retry", "match_id", m.ID, "error", err)
		return e
	}
	return settled
}

func (s *DisputeService) load(ctx context.Context, disputeID string) (*domain.Dispute, *domain.Match, error) {
	d, err := s.get(ctx, disputeID)
	if err != nil {
		return nil, nil, err
	}
	m, err := loadMatch(ctx, s.matches, d.MatchID)
	if err != nil {
		return nil, nil, err
	}
	return d, m, nil
}

func (s *DisputeService) get(ctx context.Context, disputeID string) (*domain.Dispute, error) {
	if disputeID == "" {
		return nil, ErrDisputeNotFound
	}
	d, err := s.disputes.GetByID(ctx, disputeID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

// refundFor applies the per-type default and bounds. Refunds never exceed
// what the carrier would have received.
func refundFor(t domain.ResolutionType, requested *int64, carrierAmount int64) (int64, error) {
	switch t {
	case domain.ResolutionCarrier, domain.ResolutionDismissed:
		if requested != nil && *requested != 0 {
			return 0, ErrRefundNotAllowed
		}
		return 0, nil
	}

	var refund int64
	switch {
	case requested != nil:
		refund = *requested
	case t == domain.ResolutionSplit:
		refund = carrierAmount / 2
	default:
		refund = carrierAmount
	}

	if refund > carrierAmount {
		return 0, ErrRefundExceedsAmount
	}
	if refund == 0 {
		return 0, ErrRefundRequired
	}
	return refund, nil
}
