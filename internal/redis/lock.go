package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// LockStore handles distributed locking in Redis.
type LockStore struct {
	client *redis.Client
}

// NewLockStore creates a new LockStore.
func NewLockStore(client *redis.Client) *LockStore {
	return &LockStore{client: client}
}

// releaseScript deletes the key only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// AcquirePayoutLock attempts to take the payout lock for a match.
// Returns a token to release with, or "" if the lock is already held.
func (s *LockStore) AcquirePayoutLock(ctx context.Context, matchID string, ttl time.Duration) (string, error) {
	token := newLockToken()

	ok, err := s.client.SetNX(ctx, payoutLockKey(matchID), token, ttl).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}

	return token, nil
}

// ReleasePayoutLock releases the payout lock if token still owns it.
func (s *LockStore) ReleasePayoutLock(ctx context.Context, matchID, token string) error {
	return releaseScript.Run(ctx, s.client, []string{payoutLockKey(matchID)}, token).Err()
}

// newLockToken returns a holder token that is unique across instances, so a
// holder whose lease expired cannot release a successor's lock.
func newLockToken() string {
	return uuid.New().String()
}

func payoutLockKey(matchID string) string {
	return fmt.Sprintf("lock:payout:%s", matchID)
}
