package handler

import (
	"time"

	"shipmatch/internal/domain"
	"shipmatch/internal/service"
)

// MatchResponse is the HTTP representation of a match.
type MatchResponse struct {
	ID                        string `json:"id"`
	SenderID                  string `json:"sender_id"`
	CarrierID                 string `json:"carrier_id"`
	TripRef                   string `json:"trip_ref"`
	ShipmentRef               string `json:"shipment_ref"`
	Status                    string `json:"status"`
	EstimatedPrice            int64  `json:"estimated_price"`
	PlatformCommission        int64  `json:"platform_commission"`
	CarrierEarnings           int64  `json:"carrier_earnings"`
	LocationPermissionGranted bool   `json:"location_permission_granted"`
	Rated                     bool   `json:"rated"`
	PickupConfirmedAt         string `json:"pickup_confirmed_at,omitempty"`
	DeliveryConfirmedAt       string `json:"delivery_confirmed_at,omitempty"`
	CreatedAt                 string `json:"created_at"`
}

// EscrowResponse is the HTTP representation of an escrow record.
type EscrowResponse struct {
	MatchID              string `json:"match_id"`
	Status               string `json:"status"`
	CarrierAmount        int64  `json:"carrier_amount"`
	RefundedAmount       int64  `json:"refunded_amount"`
	Currency             string `json:"currency"`
	ConfirmationDeadline string `json:"confirmation_deadline,omitempty"`
	ConfirmationPath     string `json:"confirmation_path,omitempty"`
	PayoutExecuted       bool   `json:"payout_executed"`
	DeliveredAt          string `json:"delivered_at,omitempty"`
	ConfirmedAt          string `json:"confirmed_at,omitempty"`
	PayoutCompletedAt    string `json:"payout_completed_at,omitempty"`
	UpdatedAt            string `json:"updated_at"`
}

// MatchViewResponse is a match with its escrow and derived timer.
type MatchViewResponse struct {
	Match                MatchResponse  `json:"match"`
	Escrow               EscrowResponse `json:"escrow"`
	TimeRemainingSeconds int64          `json:"time_remaining_seconds"`
	DisputeID            string         `json:"dispute_id,omitempty"`
}

// DisputeMessageResponse is one chat entry.
type DisputeMessageResponse struct {
	ID         string `json:"id"`
	AuthorID   string `json:"author_id"`
	SenderName string `json:"sender_name"`
	Content    string `json:"content"`
	CreatedAt  string `json:"created_at"`
}

// AdminNoteResponse is one staff note.
type AdminNoteResponse struct {
	ID        string `json:"id"`
	AdminID   string `json:"admin_id"`
	AdminName string `json:"admin_name"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

// ResolutionResponse is the binding outcome of a dispute.
type ResolutionResponse struct {
	Type         string `json:"type"`
	RefundAmount int64  `json:"refund_amount"`
	Notes        string `json:"notes,omitempty"`
	ResolvedBy   string `json:"resolved_by"`
	ResolvedAt   string `json:"resolved_at"`
}

// DisputeResponse is the HTTP representation of a dispute.
type DisputeResponse struct {
	ID          string                   `json:"id"`
	MatchID     string                   `json:"match_id"`
	Reason      string                   `json:"reason"`
	Description string                   `json:"description,omitempty"`
	OpenedBy    string                   `json:"opened_by"`
	Status      string                   `json:"status"`
	Messages    []DisputeMessageResponse `json:"messages"`
	AdminNotes  []AdminNoteResponse      `json:"admin_notes,omitempty"`
	Resolution  *ResolutionResponse      `json:"resolution,omitempty"`
	CreatedAt   string                   `json:"created_at"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toMatchResponse(m *domain.Match) MatchResponse {
	return MatchResponse{
		ID:                        m.ID,
		SenderID:                  m.SenderID,
		CarrierID:                 m.CarrierID,
		TripRef:                   m.TripRef,
		ShipmentRef:               m.ShipmentRef,
		Status:                    string(m.Status),
		EstimatedPrice:            m.EstimatedPrice,
		PlatformCommission:        m.PlatformCommission,
		CarrierEarnings:           m.CarrierEarnings,
		LocationPermissionGranted: m.LocationPermissionGranted,
		Rated:                     m.Rated,
		PickupConfirmedAt:         formatTime(m.PickupConfirmedAt),
		DeliveryConfirmedAt:       formatTime(m.DeliveryConfirmedAt),
		CreatedAt:                 formatTime(m.CreatedAt),
	}
}

func toEscrowResponse(e *domain.Escrow) EscrowResponse {
	return EscrowResponse{
		MatchID:              e.MatchID,
		Status:               string(e.Status),
		CarrierAmount:        e.CarrierAmount,
		RefundedAmount:       e.RefundedAmount,
		Currency:             e.Currency,
		ConfirmationDeadline: formatTime(e.ConfirmationDeadline),
		ConfirmationPath:     string(e.ConfirmationPath),
		PayoutExecuted:       e.PayoutExecuted,
		DeliveredAt:          formatTime(e.DeliveredAt),
		ConfirmedAt:          formatTime(e.ConfirmedAt),
		PayoutCompletedAt:    formatTime(e.PayoutCompletedAt),
		UpdatedAt:            formatTime(e.UpdatedAt),
	}
}

func toMatchViewResponse(v *service.MatchView) MatchViewResponse {
	return MatchViewResponse{
		Match:                toMatchResponse(v.Match),
		Escrow:               toEscrowResponse(v.Escrow),
		TimeRemainingSeconds: int64(v.TimeRemaining / time.Second),
		DisputeID:            v.DisputeID,
	}
}

// toDisputeResponse hides staff notes from the parties.
func toDisputeResponse(d *domain.Dispute, includeNotes bool) DisputeResponse {
	resp := DisputeResponse{
		ID:          d.ID,
		MatchID:     d.MatchID,
		Reason:      d.Reason,
		Description: d.Description,
		OpenedBy:    string(d.OpenedBy),
		Status:      string(d.Status),
		Messages:    make([]DisputeMessageResponse, 0, len(d.Messages)),
		CreatedAt:   formatTime(d.CreatedAt),
	}
	for _, msg := range d.Messages {
		resp.Messages = append(resp.Messages, DisputeMessageResponse{
			ID:         msg.ID,
			AuthorID:   msg.AuthorID,
			SenderName: msg.SenderName,
			Content:    msg.Content,
			CreatedAt:  formatTime(msg.CreatedAt),
		})
	}
	if includeNotes {
		for _, note := range d.AdminNotes {
			resp.AdminNotes = append(resp.AdminNotes, AdminNoteResponse{
				ID:        note.ID,
				AdminID:   note.AdminID,
				AdminName: note.AdminName,
				Content:   note.Content,
				CreatedAt: formatTime(note.CreatedAt),
			})
		}
	}
	if r := d.Resolution; r != nil {
		resp.Resolution = &ResolutionResponse{
			Type:         string(r.Type),
			RefundAmount: r.RefundAmount,
			Notes:        r.Notes,
			ResolvedBy:   r.ResolvedBy,
			ResolvedAt:   formatTime(r.ResolvedAt),
		}
	}
	return resp
}
