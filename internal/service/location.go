package service

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"shipmatch/internal/domain"
	"shipmatch/internal/observability"
	"shipmatch/internal/redis"
	"shipmatch/internal/relay"
	"shipmatch/internal/repository"
)

// Relay is the live fan-out for accepted samples.
type Relay interface {
	Publish(ctx context.Context, sample domain.LocationSample) error
	Subscribe(ctx context.Context, matchID string) (*relay.Subscription, error)
}

// LocationService ingests carrier positions and serves them to the sender.
// Reports are authorised against a short-lived match snapshot so the hot path
// usually skips the database.
type LocationService struct {
	matches repository.MatchRepository
	routes  redis.RouteStoreInterface
	relay   Relay
	cache   redis.CacheStoreInterface
	logger  *slog.Logger
	now     func() time.Time
}

// NewLocationService creates a new LocationService. cache may be nil.
func NewLocationService(
	matches repository.MatchRepository,
	routes redis.RouteStoreInterface,
	relay Relay,
	cache redis.CacheStoreInterface,
	logger *slog.Logger,
) *LocationService {
	return &LocationService{
		matches: matches,
		routes:  routes,
		relay:   relay,
		cache:   cache,
		logger:  logger,
		now:     time.Now,
	}
}

// WithClock replaces the time source used to stamp samples.
func (s *LocationService) WithClock(now func() time.Time) *LocationService {
	s.now = now
	return s
}

// ReportLocationRequest is one position report from the carrier.
type ReportLocationRequest struct {
	MatchID   string
	CarrierID string
	Lat       float64
	Lng       float64
	Accuracy  float64
	Speed     float64
}

// RouteView is the last known location plus recent history.
type RouteView struct {
	Last    *domain.LocationSample
	History []domain.LocationSample
}

// ReportLocation accepts a sample only from the match's carrier, while the
// match is in transit and tracking was granted. Rejected reports are not
// queued and leave the history untouched.
func (s *LocationService) ReportLocation(ctx context.Context, req ReportLocationRequest) (*domain.LocationSample, error) {
	if req.MatchID == "" {
		return nil, ErrInvalidMatchID
	}
	if !domain.ValidCoordinates(req.Lat, req.Lng) {
		observability.LocationReports.WithLabelValues("invalid").Inc()
		return nil, ErrInvalidCoordinates
	}
	if !validReading(req.Accuracy) || !validReading(req.Speed) {
		observability.LocationReports.WithLabelValues("invalid").Inc()
		return nil, ErrInvalidReading
	}

	snap, err := s.snapshot(ctx, req.MatchID)
	if err != nil {
		return nil, err
	}

	switch {
	case snap.CarrierID != req.CarrierID || req.CarrierID == "":
		observability.LocationReports.WithLabelValues("not_carrier").Inc()
		return nil, ErrNotAuthorizedCarrier
	case snap.Status != string(domain.MatchStatusInTransit):
		observability.LocationReports.WithLabelValues("not_in_transit").Inc()
		return nil, ErrMatchNotInTransit
	case !snap.LocationPermissionGranted:
		observability.LocationReports.WithLabelValues("no_permission").Inc()
		return nil, ErrLocationPermissionRequired
	}

	sample := domain.LocationSample{
		MatchID:    req.MatchID,
		CarrierID:  req.CarrierID,
		Lat:        req.Lat,
		Lng:        req.Lng,
		Accuracy:   req.Accuracy,
		Speed:      req.Speed,
		RecordedAt: s.now().UTC(),
	}

	if err := s.routes.Append(ctx, sample); err != nil {
		return nil, err
	}
	observability.LocationReports.WithLabelValues("accepted").Inc()

	// Watchers are best effort; a failed fan-out never fails ingest.
	if err := s.relay.Publish(ctx, sample); err != nil {
		s.logger.Warn("relay publish failed", "match_id", req.MatchID, "error", err)
	}
	return &sample, nil
}

// Watch subscribes the match's sender to live positions. The stream starts
// with the last known location and recent history.
func (s *LocationService) Watch(ctx context.Context, matchID, senderID string) (*relay.Subscription, error) {
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
	return s.relay.Subscribe(ctx, matchID)
}

// Route returns the last known location and up to limit recent samples to
// the match's sender or staff.
func (s *LocationService) Route(ctx context.Context, matchID string, caller domain.Actor, limit int) (*RouteView, error) {
	if matchID == "" {
		return nil, ErrInvalidMatchID
	}
	m, err := loadMatch(ctx, s.matches, matchID)
	if err != nil {
		return nil, err
	}
	if !m.IsSender(caller.ID) && !caller.IsAdmin() {
		return nil, ErrNotMatchSender
	}

	last, err := s.routes.Last(ctx, matchID)
	if err != nil {
		return nil, err
	}
	history, err := s.routes.Recent(ctx, matchID, limit)
	if err != nil {
		return nil, err
	}
	return &RouteView{Last: last, History: history}, nil
}

func (s *LocationService) snapshot(ctx context.Context, matchID string) (*redis.CachedMatch, error) {
	if s.cache != nil {
		cached, err := s.cache.GetMatch(ctx, matchID)
		if err != nil {
			s.logger.Warn("match cache read failed", "match_id", matchID, "error", err)
		} else if cached != nil {
			return cached, nil
		}
	}

	m, err := s.matches.GetByID(ctx, matchID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrMatchNotFound
	}
	if err != nil {
		return nil, err
	}

	snap := matchSnapshot(m)
	if s.cache == nil {
		return snap, nil
	}
	if err := s.cache.SetMatch(ctx, snap); err != nil {
		s.logger.Warn("match cache write failed", "match_id", matchID, "error", err)
		return snap, nil
	}

	// A status change committed after our read invalidated the cache before
	// SetMatch ran. Read again so that snapshot does not outlive the change.
	again, err := s.matches.GetByID(ctx, matchID)
	if err != nil {
		s.dropSnapshot(ctx, matchID)
		return snap, nil
	}
	if fresh := matchSnapshot(again); *fresh != *snap {
		s.dropSnapshot(ctx, matchID)
		return fresh, nil
	}
	return snap, nil
}

func (s *LocationService) dropSnapshot(ctx context.Context, matchID string) {
	if err := s.cache.InvalidateMatch(ctx, matchID); err != nil {
		s.logger.Warn("match cache invalidation failed", "match_id", matchID, "error", err)
	}
}

func matchSnapshot(m *domain.Match) *redis.CachedMatch {
	return &redis.CachedMatch{
		ID:                        m.ID,
		SenderID:                  m.SenderID,
		CarrierID:                 m.CarrierID,
		Status:                    string(m.Status),
		LocationPermissionGranted: m.LocationPermissionGranted,
	}
}

func validReading(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}
