package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// CacheStore handles entity caching in Redis.
type CacheStore struct {
	client *redis.Client
}

// NewCacheStore creates a new CacheStore.
func NewCacheStore(client *redis.Client) *CacheStore {
	return &CacheStore{client: client}
}

// MatchCacheTTL bounds how long a location report can be authorised from a stale snapshot.
const MatchCacheTTL = 10 * time.Second

const matchCachePrefix = "cache:match:"

// CachedMatch is the slice of a match the location ingest path needs.
type CachedMatch struct {
	ID                        string `json:"id"`
	SenderID                  string `json:"sender_id"`
	CarrierID                 string `json:"carrier_id"`
	Status                    string `json:"status"`
	LocationPermissionGranted bool   `json:"location_permission_granted"`
}

// GetMatch retrieves a match snapshot. Returns nil on a cache miss.
func (s *CacheStore) GetMatch(ctx context.Context, matchID string) (*CachedMatch, error) {
	data, err := s.client.Get(ctx, matchCachePrefix+matchID).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil // Cache miss
		}
		return nil, err
	}

	var m CachedMatch
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// SetMatch stores a match snapshot.
func (s *CacheStore) SetMatch(ctx context.Context, m *CachedMatch) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, matchCachePrefix+m.ID, data, MatchCacheTTL).Err()
}

// InvalidateMatch removes a match snapshot.
func (s *CacheStore) InvalidateMatch(ctx context.Context, matchID string) error {
	return s.client.Del(ctx, matchCachePrefix+matchID).Err()
}
