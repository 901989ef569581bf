package memory

import (
	"context"
	"sync"

	"shipmatch/internal/domain"
)

// RouteStore keeps a bounded route history per match in process.
type RouteStore struct {
	mu     sync.RWMutex
	limit  int
	routes map[string][]domain.LocationSample
}

// NewRouteStore creates a RouteStore trimming each route to limit samples.
func NewRouteStore(limit int) *RouteStore {
	if limit <= 0 {
		limit = 1
	}
	return &RouteStore{
		limit:  limit,
		routes: make(map[string][]domain.LocationSample),
	}
}

// Append adds a sample, trimming the oldest beyond the limit.
func (s *RouteStore) Append(ctx context.Context, sample domain.LocationSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	route := append(s.routes[sample.MatchID], sample)
	if len(route) > s.limit {
		route = append([]domain.LocationSample(nil), route[len(route)-s.limit:]...)
	}
	s.routes[sample.MatchID] = route
	return nil
}

// Recent returns up to n of the newest samples, oldest first.
func (s *RouteStore) Recent(ctx context.Context, matchID string, n int) ([]domain.LocationSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	route := s.routes[matchID]
	if n > 0 && len(route) > n {
		route = route[len(route)-n:]
	}
	return append([]domain.LocationSample(nil), route...), nil
}

// Last returns the most recent sample, or nil when none was recorded.
func (s *RouteStore) Last(ctx context.Context, matchID string) (*domain.LocationSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	route := s.routes[matchID]
	if len(route) == 0 {
		return nil, nil
	}
	last := route[len(route)-1]
	return &last, nil
}
