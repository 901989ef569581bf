package redis

import (
	"context"
	"time"

	"shipmatch/internal/domain"
)

// RouteStoreInterface defines the interface for route history operations.
type RouteStoreInterface interface {
	Append(ctx context.Context, sample domain.LocationSample) error
	Recent(ctx context.Context, matchID string, n int) ([]domain.LocationSample, error)
	Last(ctx context.Context, matchID string) (*domain.LocationSample, error)
}

// LockStoreInterface defines the interface for distributed locking.
type LockStoreInterface interface {
	AcquirePayoutLock(ctx context.Context, matchID string, ttl time.Duration) (string, error)
	ReleasePayoutLock(ctx context.Context, matchID, token string) error
}

// CacheStoreInterface defines the interface for match snapshot caching.
type CacheStoreInterface interface {
	GetMatch(ctx context.Context, matchID string) (*CachedMatch, error)
	SetMatch(ctx context.Context, m *CachedMatch) error
	InvalidateMatch(ctx context.Context, matchID string) error
}

// PubSubInterface defines the interface for cross-instance location fan-out.
type PubSubInterface interface {
	Publish(ctx context.Context, sample domain.LocationSample) error
	PublishClose(ctx context.Context, matchID string) error
	Listen(ctx context.Context, onSample func(domain.LocationSample), onClose func(matchID string)) error
}

// Ensure concrete types implement interfaces.
var (
	_ RouteStoreInterface = (*RouteStore)(nil)
	_ LockStoreInterface  = (*LockStore)(nil)
	_ CacheStoreInterface = (*CacheStore)(nil)
	_ PubSubInterface     = (*LocationPubSub)(nil)
)
