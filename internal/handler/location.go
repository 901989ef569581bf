package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"shipmatch/internal/domain"
	"shipmatch/internal/relay"
	"shipmatch/internal/service"
)

const (
	pingInterval   = 30 * time.Second
	pongWait       = 60 * time.Second
	writeWait      = 10 * time.Second
	maxMessageSize = 8192

	defaultRouteLimit = 100
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Callers are authenticated by token, not by cookie, so any origin may connect.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// LocationHandler handles carrier location reports and sender watches.
type LocationHandler struct {
	locations *service.LocationService
	logger    *slog.Logger
}

// NewLocationHandler creates a new LocationHandler.
func NewLocationHandler(locations *service.LocationService, logger *slog.Logger) *LocationHandler {
	return &LocationHandler{
		locations: locations,
		logger:    logger,
	}
}

// ReportLocationRequest is the HTTP request body for a location report.
type ReportLocationRequest struct {
	Lat      *float64 `json:"lat" binding:"required"`
	Lng      *float64 `json:"lng" binding:"required"`
	Accuracy float64  `json:"accuracy"`
	Speed    float64  `json:"speed"`
}

// RouteResponse is the last known location plus history, oldest first.
type RouteResponse struct {
	MatchID string                  `json:"match_id"`
	Last    *domain.LocationSample  `json:"last,omitempty"`
	History []domain.LocationSample `json:"history"`
}

// ReportLocation handles POST /v1/matches/:id/location
func (h *LocationHandler) ReportLocation(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}

	var req ReportLocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "invalid request body: lat and lng are required")
		return
	}

	sample, err := h.locations.ReportLocation(c.Request.Context(), service.ReportLocationRequest{
		MatchID:   c.Param("id"),
		CarrierID: actor.ID,
		Lat:       *req.Lat,
		Lng:       *req.Lng,
		Accuracy:  req.Accuracy,
		Speed:     req.Speed,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respondJSON(c, http.StatusAccepted, sample)
}

// GetRoute handles GET /v1/matches/:id/location?limit=
func (h *LocationHandler) GetRoute(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}

	limit := defaultRouteLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondBadRequest(c, "limit must be a positive integer")
			return
		}
		limit = n
	}

	route, err := h.locations.Route(c.Request.Context(), c.Param("id"), actor, limit)
	if err != nil {
		respondError(c, err)
		return
	}

	history := route.History
	if history == nil {
		history = []domain.LocationSample{}
	}
	respondJSON(c, http.StatusOK, RouteResponse{
		MatchID: c.Param("id"),
		Last:    route.Last,
		History: history,
	})
}

// Watch handles GET /v1/matches/:id/location/watch
// The subscription is taken before the upgrade so authorization failures are
// plain HTTP errors. Each relay.Update is written as one JSON text frame.
func (h *LocationHandler) Watch(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	matchID := c.Param("id")

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	sub, err := h.locations.Watch(ctx, matchID, actor.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "match_id", matchID, "error", err)
		return
	}
	defer conn.Close()

	h.logger.Info("location watch opened", "match_id", matchID, "sender_id", actor.ID)
	go h.readPump(conn, cancel)
	h.writePump(ctx, conn, sub)
	h.logger.Info("location watch closed", "match_id", matchID, "sender_id", actor.ID, "dropped", sub.Dropped())
}

// readPump only services control frames; watchers send nothing meaningful.
// It cancels the watch when the client goes away.
func (h *LocationHandler) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error", "error", err)
			}
			return
		}
	}
}

func (h *LocationHandler) writePump(ctx context.Context, conn *websocket.Conn, sub *relay.Subscription) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return

		case update, ok := <-sub.Updates():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "feed closed"))
				return
			}
			if err := conn.WriteJSON(update); err != nil {
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
