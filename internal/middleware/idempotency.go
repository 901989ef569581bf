package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

const (
	idempotencyHeader  = "Idempotency-Key"
	replayedHeader     = "Idempotent-Replayed"
	idempotencyTTL     = 24 * time.Hour
	idempotencyPending = 30 * time.Second
)

// pendingMarker is stored under the key while the first request is running.
var pendingMarker = []byte(`{"pending":true}`)

// storedResponse is what a replay writes back.
type storedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
	Pending     bool   `json:"pending,omitempty"`
}

// bodyRecorder tees the handler's output so it can be stored.
type bodyRecorder struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *bodyRecorder) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

type idempotencyStore struct {
	client *redis.Client
}

// reserve claims key for this request. It returns the stored response when
// another request already claimed it.
func (s idempotencyStore) reserve(ctx context.Context, key string) (*storedResponse, error) {
	ok, err := s.client.SetNX(ctx, key, pendingMarker, idempotencyPending).Result()
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, nil
	}

	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; run the request.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var stored storedResponse
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

func (s idempotencyStore) save(ctx context.Context, key string, resp storedResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, data, idempotencyTTL).Err()
}

func (s idempotencyStore) release(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

// IdempotencyMiddleware replays the stored response for a repeated POST with
// the same Idempotency-Key from the same caller on the same route. A retried
// confirm or payout therefore returns the original outcome instead of an
// invalid transition. A duplicate that arrives while the first is still
// running gets 409. With no Redis client the middleware is a no-op.
func IdempotencyMiddleware(redisClient *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		if redisClient == nil || c.Request.Method != http.MethodPost {
			c.Next()
			return
		}

		key := c.GetHeader(idempotencyHeader)
		if key == "" {
			c.Next()
			return
		}

		store := idempotencyStore{client: redisClient}
		ctx := c.Request.Context()
		cacheKey := idempotencyCacheKey(c, key)

		stored, err := store.reserve(ctx, cacheKey)
		if err != nil {
			// Redis unavailable: serve the request without replay protection.
			c.Next()
			return
		}

		if stored != nil {
			c.Header(replayedHeader, "true")
			if stored.Pending {
				c.AbortWithStatusJSON(http.StatusConflict, gin.H{
					"error": "a request with this Idempotency-Key is still in progress",
					"code":  "idempotency-in-progress",
				})
				return
			}
			contentType := stored.ContentType
			if contentType == "" {
				contentType = "application/json"
			}
			c.Data(stored.Status, contentType, stored.Body)
			c.Abort()
			return
		}

		w := &bodyRecorder{ResponseWriter: c.Writer}
		c.Writer = w

		c.Next()

		bg := context.WithoutCancel(ctx)
		status := w.Status()
		// Server errors are not stored so the client can retry them.
		if status >= http.StatusInternalServerError {
			_ = store.release(bg, cacheKey)
			return
		}
		_ = store.save(bg, cacheKey, storedResponse{
			Status:      status,
			ContentType: w.Header().Get("Content-Type"),
			Body:        w.body.Bytes(),
		})
	}
}

func idempotencyCacheKey(c *gin.Context, key string) string {
	caller := "anonymous"
	if actor, ok := ActorFrom(c); ok {
		caller = actor.ID
	}
	return "idempotency:" + caller + ":" + c.Request.URL.Path + ":" + key
}
