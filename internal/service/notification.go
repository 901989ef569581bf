package service

import (
	"context"
	"log/slog"
	"time"

	"shipmatch/internal/domain"
	"shipmatch/internal/events"
)

const notificationTimeout = 3 * time.Second

var transitionEventTypes = map[domain.EscrowEvent]string{
	domain.EventCapture:           events.TypePaymentCaptured,
	domain.EventCancel:            events.TypeMatchCancelled,
	domain.EventMarkDelivered:     events.TypeDeliveryMarked,
	domain.EventSenderConfirm:     events.TypeDeliveryConfirmed,
	domain.EventDeadlineElapsed:   events.TypeAutoConfirmed,
	domain.EventOpenDispute:       events.TypeDisputeOpened,
	domain.EventPayoutExecuted:    events.TypePayoutCompleted,
	domain.EventResolveForCarrier: events.TypeDisputeResolved,
	domain.EventResolveForSender:  events.TypeDisputeResolved,
}

// NotificationService publishes lifecycle events. Publishing is fire and
// forget: failures are logged and never reach the caller.
type NotificationService struct {
	publisher events.Publisher
	logger    *slog.Logger
}

// NewNotificationService creates a new NotificationService.
func NewNotificationService(publisher events.Publisher, logger *slog.Logger) *NotificationService {
	return &NotificationService{publisher: publisher, logger: logger}
}

// EscrowTransition announces an applied escrow move to both parties.
func (s *NotificationService) EscrowTransition(ctx context.Context, m *domain.Match, e *domain.Escrow, from domain.EscrowStatus, event domain.EscrowEvent) {
	eventType, ok := transitionEventTypes[event]
	if !ok {
		eventType = events.TypeEscrowTransition
	}

	ev := events.New(eventType, m.ID, e.UpdatedAt, m.SenderID, m.CarrierID)
	ev.From = string(from)
	ev.To = string(e.Status)
	ev.Data = map[string]any{
		"event":          string(event),
		"carrier_amount": e.CarrierAmount,
	}
	if !e.ConfirmationDeadline.IsZero() {
		ev.Data["confirmation_deadline"] = e.ConfirmationDeadline
	}
	if e.ConfirmationPath != "" {
		ev.Data["confirmation_path"] = string(e.ConfirmationPath)
	}
	s.send(ctx, ev)
}

// PayoutBlocked asks the carrier to register a payout destination.
func (s *NotificationService) PayoutBlocked(ctx context.Context, m *domain.Match, at time.Time) {
	ev := events.New(events.TypePayoutBlocked, m.ID, at, m.CarrierID)
	ev.Data = map[string]any{"message": "register a payout method to receive released funds"}
	s.send(ctx, ev)
}

// PayoutFailed tells the carrier a transfer did not go through and will be retried.
func (s *NotificationService) PayoutFailed(ctx context.Context, m *domain.Match, at time.Time, cause error) {
	ev := events.New(events.TypePayoutFailed, m.ID, at, m.CarrierID)
	ev.Data = map[string]any{"error": cause.Error()}
	s.send(ctx, ev)
}

// RefundIssued tells the sender funds are on their way back.
func (s *NotificationService) RefundIssued(ctx context.Context, m *domain.Match, e *domain.Escrow, at time.Time) {
	ev := events.New(events.TypeRefundIssued, m.ID, at, m.SenderID)
	ev.Data = map[string]any{
		"refunded_amount": e.RefundedAmount,
		"refund_ref":      e.RefundRef,
	}
	s.send(ctx, ev)
}

// PickupConfirmed tells the sender the package is on its way.
func (s *NotificationService) PickupConfirmed(ctx context.Context, m *domain.Match, at time.Time) {
	s.send(ctx, events.New(events.TypePickupConfirmed, m.ID, at, m.SenderID))
}

// DisputeMessage tells everyone but the author that the thread changed.
func (s *NotificationService) DisputeMessage(ctx context.Context, m *domain.Match, d *domain.Dispute, authorID string, at time.Time) {
	var recipients []string
	for _, id := range []string{m.SenderID, m.CarrierID} {
		if id != authorID {
			recipients = append(recipients, id)
		}
	}
	ev := events.New(events.TypeDisputeMessage, m.ID, at, recipients...)
	ev.Data = map[string]any{"dispute_id": d.ID}
	s.send(ctx, ev)
}

// DisputeUnderReview tells both parties staff picked up the dispute.
func (s *NotificationService) DisputeUnderReview(ctx context.Context, m *domain.Match, d *domain.Dispute, at time.Time) {
	ev := events.New(events.TypeDisputeUnderReview, m.ID, at, m.SenderID, m.CarrierID)
	ev.Data = map[string]any{"dispute_id": d.ID}
	s.send(ctx, ev)
}

func (s *NotificationService) send(ctx context.Context, ev events.Event) {
	// Detach from request cancellation so a client hanging up does not lose the event.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notificationTimeout)
	defer cancel()

	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn("notification publish failed",
			"type", ev.Type,
			"match_id", ev.MatchID,
			"error", err,
		)
	}
}
