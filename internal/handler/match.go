package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"shipmatch/internal/domain"
	"shipmatch/internal/service"
)

// MatchHandler handles HTTP requests for matches and their escrow workflow.
type MatchHandler struct {
	matches  *service.MatchService
	delivery *service.DeliveryService
	payouts  *service.PayoutService
}

// NewMatchHandler creates a new MatchHandler.
func NewMatchHandler(matches *service.MatchService, delivery *service.DeliveryService, payouts *service.PayoutService) *MatchHandler {
	return &MatchHandler{
		matches:  matches,
		delivery: delivery,
		payouts:  payouts,
	}
}

// CreateMatchRequest is the HTTP request body for opening a match.
type CreateMatchRequest struct {
	SenderID       string `json:"sender_id"`
	CarrierID      string `json:"carrier_id"`
	TripRef        string `json:"trip_ref"`
	ShipmentRef    string `json:"shipment_ref"`
	EstimatedPrice int64  `json:"estimated_price"`
	CommissionBps  int    `json:"commission_bps"`
}

// CapturePaymentRequest is the HTTP request body for capturing payment.
type CapturePaymentRequest struct {
	PaymentRef string `json:"payment_ref"`
}

// ConfirmDeliveryRequest is the optional HTTP request body for confirming delivery.
type ConfirmDeliveryRequest struct {
	Notes string `json:"notes,omitempty"`
}

// RegisterPayoutMethodRequest is the HTTP request body for registering a payout destination.
type RegisterPayoutMethodRequest struct {
	Destination string `json:"destination"`
}

// RegisterPayoutMethodResponse lists the records the registration unblocked.
type RegisterPayoutMethodResponse struct {
	CarrierID   string           `json:"carrier_id"`
	Destination string           `json:"destination"`
	Unblocked   []EscrowResponse `json:"unblocked"`
}

// CreateMatch handles POST /v1/matches
// Called by the matching flow once both parties accepted, so it is limited to
// staff and internal services.
func (h *MatchHandler) CreateMatch(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	if !actor.IsAdmin() && !actor.IsSystem() {
		respondError(c, service.ErrAdminRequired)
		return
	}

	var req CreateMatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "invalid request body")
		return
	}

	m, err := h.matches.CreateMatch(c.Request.Context(), service.CreateMatchRequest{
		SenderID:       req.SenderID,
		CarrierID:      req.CarrierID,
		TripRef:        req.TripRef,
		ShipmentRef:    req.ShipmentRef,
		EstimatedPrice: req.EstimatedPrice,
		CommissionBps:  req.CommissionBps,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusCreated, toMatchResponse(m))
}

// ListMatches handles GET /v1/matches?role=sender|carrier&limit=
func (h *MatchHandler) ListMatches(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	role := c.Query("role")
	if role != "" && role != "sender" && role != "carrier" {
		respondBadRequest(c, "role must be sender or carrier")
		return
	}

	matches, err := h.matches.ListMatches(c.Request.Context(), actor, limit)
	if err != nil {
		respondError(c, err)
		return
	}

	response := make([]MatchResponse, 0, len(matches))
	for _, m := range matches {
		if (role == "sender" && !m.IsSender(actor.ID)) || (role == "carrier" && !m.IsCarrier(actor.ID)) {
			continue
		}
		response = append(response, toMatchResponse(m))
	}
	respondJSON(c, http.StatusOK, response)
}

// GetMatch handles GET /v1/matches/:id
func (h *MatchHandler) GetMatch(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}

	view, err := h.matches.GetMatch(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		respondError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, toMatchViewResponse(view))
}

// CapturePayment handles POST /v1/matches/:id/capture
func (h *MatchHandler) CapturePayment(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}

	var req CapturePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "invalid request body")
		return
	}

	e, err := h.matches.CapturePayment(c.Request.Context(), c.Param("id"), actor, req.PaymentRef)
	h.respondEscrow(c, e, err)
}

// CancelMatch handles POST /v1/matches/:id/cancel
func (h *MatchHandler) CancelMatch(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	e, err := h.matches.CancelMatch(c.Request.Context(), c.Param("id"), actor)
	h.respondEscrow(c, e, err)
}

// GrantLocationPermission handles POST /v1/matches/:id/location-permission
func (h *MatchHandler) GrantLocationPermission(c *gin.Context) {
	h.respondMatch(c, h.matches.GrantLocationPermission)
}

// ConfirmPickup handles POST /v1/matches/:id/pickup
func (h *MatchHandler) ConfirmPickup(c *gin.Context) {
	h.respondMatch(c, h.matches.ConfirmPickup)
}

// MarkRated handles POST /v1/matches/:id/rate
func (h *MatchHandler) MarkRated(c *gin.Context) {
	h.respondMatch(c, h.matches.MarkRated)
}

// MarkDelivered handles POST /v1/matches/:id/deliver
func (h *MatchHandler) MarkDelivered(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	e, err := h.delivery.MarkDelivered(c.Request.Context(), c.Param("id"), actor.ID)
	h.respondEscrow(c, e, err)
}

// ConfirmDelivery handles POST /v1/matches/:id/confirm
func (h *MatchHandler) ConfirmDelivery(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}

	var req ConfirmDeliveryRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	e, err := h.delivery.ConfirmDelivery(c.Request.Context(), c.Param("id"), actor.ID, req.Notes)
	h.respondEscrow(c, e, err)
}

// ExecutePayout handles POST /v1/matches/:id/payout
// Operators use it to retry a payout without waiting for the sweeper.
func (h *MatchHandler) ExecutePayout(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	if !actor.IsAdmin() && !actor.IsSystem() {
		respondError(c, service.ErrAdminRequired)
		return
	}

	e, err := h.payouts.Execute(c.Request.Context(), c.Param("id"))
	h.respondEscrow(c, e, err)
}

// RegisterPayoutMethod handles POST /v1/carriers/me/payout-method
func (h *MatchHandler) RegisterPayoutMethod(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}

	var req RegisterPayoutMethodRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "invalid request body")
		return
	}

	method, unblocked, err := h.payouts.RegisterPayoutMethod(c.Request.Context(), actor.ID, req.Destination)
	if err != nil {
		respondError(c, err)
		return
	}

	response := RegisterPayoutMethodResponse{
		CarrierID:   method.CarrierID,
		Destination: method.Destination,
		Unblocked:   make([]EscrowResponse, 0, len(unblocked)),
	}
	for _, e := range unblocked {
		response.Unblocked = append(response.Unblocked, toEscrowResponse(e))
	}
	respondJSON(c, http.StatusOK, response)
}

func (h *MatchHandler) respondMatch(c *gin.Context, op func(ctx context.Context, matchID, userID string) (*domain.Match, error)) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	m, err := op(c.Request.Context(), c.Param("id"), actor.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, toMatchResponse(m))
}

func (h *MatchHandler) respondEscrow(c *gin.Context, e *domain.Escrow, err error) {
	if err != nil {
		respondError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, toEscrowResponse(e))
}
