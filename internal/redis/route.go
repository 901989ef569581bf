package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"shipmatch/internal/domain"
)

const (
	routeKeyPrefix = "route:"
	lastKeyPrefix  = "route:last:"
)

// RouteStore keeps a bounded route history per match in a Redis list.
type RouteStore struct {
	client *redis.Client
	limit  int64
	ttl    time.Duration
}

// NewRouteStore creates a RouteStore trimming each route to limit samples.
// Keys expire ttl after the last report.
func NewRouteStore(client *redis.Client, limit int, ttl time.Duration) *RouteStore {
	if limit <= 0 {
		limit = 1
	}
	return &RouteStore{client: client, limit: int64(limit), ttl: ttl}
}

// Append pushes a sample, trims the oldest and records it as last known.
func (s *RouteStore) Append(ctx context.Context, sample domain.LocationSample) error {
	data, err := json.Marshal(sample)
	if err != nil {
		return err
	}

	routeKey := routeKeyPrefix + sample.MatchID
	lastKey := lastKeyPrefix + sample.MatchID

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, routeKey, data)
	pipe.LTrim(ctx, routeKey, -s.limit, -1)
	pipe.Set(ctx, lastKey, data, s.ttl)
	if s.ttl > 0 {
		pipe.Expire(ctx, routeKey, s.ttl)
	}

	_, err = pipe.Exec(ctx)
	return err
}

// Recent returns up to n of the newest samples, oldest first.
func (s *RouteStore) Recent(ctx context.Context, matchID string, n int) ([]domain.LocationSample, error) {
	start := int64(0)
	if n > 0 {
		start = -int64(n)
	}

	raw, err := s.client.LRange(ctx, routeKeyPrefix+matchID, start, -1).Result()
	if err != nil {
		return nil, err
	}

	samples := make([]domain.LocationSample, 0, len(raw))
	for _, item := range raw {
		var sample domain.LocationSample
		if err := json.Unmarshal([]byte(item), &sample); err != nil {
			continue // Skip corrupt entries
		}
		samples = append(samples, sample)
	}
	return samples, nil
}

// Last returns the most recent sample, or nil when none was recorded.
func (s *RouteStore) Last(ctx context.Context, matchID string) (*domain.LocationSample, error) {
	data, err := s.client.Get(ctx, lastKeyPrefix+matchID).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var sample domain.LocationSample
	if err := json.Unmarshal(data, &sample); err != nil {
		return nil, err
	}
	return &sample, nil
}
