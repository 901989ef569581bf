package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"shipmatch/internal/domain"
	"shipmatch/internal/service"
)

// DisputeHandler handles HTTP requests for disputes.
type DisputeHandler struct {
	disputes *service.DisputeService
}

// NewDisputeHandler creates a new DisputeHandler.
func NewDisputeHandler(disputes *service.DisputeService) *DisputeHandler {
	return &DisputeHandler{disputes: disputes}
}

// OpenDisputeRequest is the HTTP request body for opening a dispute.
type OpenDisputeRequest struct {
	Reason      string `json:"reason"`
	Description string `json:"description,omitempty"`
}

// AddNoteRequest is the HTTP request body for a dispute message or staff note.
type AddNoteRequest struct {
	Content string `json:"content"`
}

// ResolveDisputeRequest is the HTTP request body for resolving a dispute.
type ResolveDisputeRequest struct {
	Type         string `json:"type"` // sender, carrier, split, dismissed
	RefundAmount *int64 `json:"refund_amount,omitempty"`
	Notes        string `json:"notes,omitempty"`
}

// ResolveDisputeResponse is the resolved dispute and where the escrow ended up.
type ResolveDisputeResponse struct {
	Dispute DisputeResponse `json:"dispute"`
	Escrow  EscrowResponse  `json:"escrow"`
}

// OpenDispute handles POST /v1/matches/:id/dispute
func (h *DisputeHandler) OpenDispute(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}

	var req OpenDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "invalid request body")
		return
	}

	d, err := h.disputes.OpenDispute(c.Request.Context(), service.OpenDisputeRequest{
		MatchID:     c.Param("id"),
		Caller:      actor,
		Reason:      req.Reason,
		Description: req.Description,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respondJSON(c, http.StatusCreated, toDisputeResponse(d, actor.IsAdmin()))
}

// GetDispute handles GET /v1/disputes/:id
func (h *DisputeHandler) GetDispute(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}

	d, err := h.disputes.GetDispute(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		respondError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, toDisputeResponse(d, actor.IsAdmin()))
}

// AddNote handles POST /v1/disputes/:id/notes
func (h *DisputeHandler) AddNote(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}

	var req AddNoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "invalid request body")
		return
	}

	d, err := h.disputes.AddNote(c.Request.Context(), c.Param("id"), actor, req.Content)
	if err != nil {
		respondError(c, err)
		return
	}
	respondJSON(c, http.StatusCreated, toDisputeResponse(d, actor.IsAdmin()))
}

// StartReview handles POST /v1/disputes/:id/review
func (h *DisputeHandler) StartReview(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}

	d, err := h.disputes.StartReview(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		respondError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, toDisputeResponse(d, true))
}

// Resolve handles POST /v1/disputes/:id/resolve
func (h *DisputeHandler) Resolve(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}

	var req ResolveDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "invalid request body")
		return
	}

	d, e, err := h.disputes.Resolve(c.Request.Context(), service.ResolveRequest{
		DisputeID:    c.Param("id"),
		Admin:        actor,
		Type:         domain.ResolutionType(req.Type),
		RefundAmount: req.RefundAmount,
		Notes:        req.Notes,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusOK, ResolveDisputeResponse{
		Dispute: toDisputeResponse(d, true),
		Escrow:  toEscrowResponse(e),
	})
}
