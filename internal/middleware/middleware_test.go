package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipmatch/internal/domain"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newAuthedRouter(v *TokenVerifier, extra ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(AuthMiddleware(v))
	r.Use(extra...)
	r.GET("/whoami", func(c *gin.Context) {
		actor, _ := ActorFrom(c)
		c.JSON(http.StatusOK, gin.H{"id": actor.ID, "role": actor.Role})
	})
	return r
}

// ──────────────────────────────────────────────
// AUTH
// ──────────────────────────────────────────────

func TestAuthMiddleware(t *testing.T) {
	t.Parallel()

	verifier := NewTokenVerifier("secret", "shipmatch")
	valid, err := verifier.Issue(domain.Actor{ID: "u1", Name: "Ana", Role: domain.RoleAdmin}, time.Hour)
	require.NoError(t, err)
	expired, err := verifier.Issue(domain.Actor{ID: "u1"}, -time.Minute)
	require.NoError(t, err)
	otherIssuer, err := NewTokenVerifier("secret", "elsewhere").Issue(domain.Actor{ID: "u1"}, time.Hour)
	require.NoError(t, err)
	wrongSecret, err := NewTokenVerifier("other", "shipmatch").Issue(domain.Actor{ID: "u1"}, time.Hour)
	require.NoError(t, err)
	badRole, err := verifier.Issue(domain.Actor{ID: "u1", Role: "root"}, time.Hour)
	require.NoError(t, err)

	testCases := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"bearer header", "Bearer " + valid, "", http.StatusOK},
		{"lowercase scheme", "bearer " + valid, "", http.StatusOK},
		{"query param", "", valid, http.StatusOK},
		{"missing", "", "", http.StatusUnauthorized},
		{"basic scheme", "Basic " + valid, "", http.StatusUnauthorized},
		{"expired", "Bearer " + expired, "", http.StatusUnauthorized},
		{"other issuer", "Bearer " + otherIssuer, "", http.StatusUnauthorized},
		{"wrong secret", "Bearer " + wrongSecret, "", http.StatusUnauthorized},
		{"unknown role", "Bearer " + badRole, "", http.StatusUnauthorized},
	}

	r := newAuthedRouter(verifier)
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			target := "/whoami"
			if tc.query != "" {
				target += "?access_token=" + tc.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tc.want, w.Code)
			if tc.want == http.StatusUnauthorized {
				assert.Contains(t, w.Body.String(), `"code":"unauthenticated"`)
			}
		})
	}
}

func TestVerify_DefaultsRoleToUser(t *testing.T) {
	t.Parallel()
	verifier := NewTokenVerifier("secret", "")
	token, err := verifier.Issue(domain.Actor{ID: "u2", Name: "Bruno"}, time.Hour)
	require.NoError(t, err)

	actor, err := verifier.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, domain.Actor{ID: "u2", Name: "Bruno", Role: domain.RoleUser}, actor)
}

// ──────────────────────────────────────────────
// RATE LIMIT
// ──────────────────────────────────────────────

func TestRateLimitMiddleware_PerCaller(t *testing.T) {
	t.Parallel()

	verifier := NewTokenVerifier("secret", "")
	limiter := NewRateLimiter(0.001, 2)
	r := newAuthedRouter(verifier, RateLimitMiddleware(limiter))

	call := func(userID string) int {
		token, err := verifier.Issue(domain.Actor{ID: userID}, time.Hour)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, call("carrier-a"))
	assert.Equal(t, http.StatusOK, call("carrier-a"))
	assert.Equal(t, http.StatusTooManyRequests, call("carrier-a"))
	assert.Equal(t, http.StatusOK, call("carrier-b"))
}

func TestRateLimiter_CleanupDropsIdle(t *testing.T) {
	t.Parallel()
	limiter := NewRateLimiter(1, 1)
	limiter.Allow("a")

	limiter.cleanup(time.Now())
	assert.Len(t, limiter.limiters, 1)

	limiter.cleanup(time.Now().Add(limiterIdleTimeout + time.Minute))
	assert.Empty(t, limiter.limiters)
}

// ──────────────────────────────────────────────
// CORS AND IDEMPOTENCY WITHOUT REDIS
// ──────────────────────────────────────────────

func TestCORSMiddleware_Preflight(t *testing.T) {
	t.Parallel()
	r := gin.New()
	r.Use(CORSMiddleware())
	r.POST("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/x", nil))

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Idempotency-Key")
}

func TestIdempotencyMiddleware_NoRedisPassesThrough(t *testing.T) {
	t.Parallel()
	calls := 0
	r := gin.New()
	r.Use(IdempotencyMiddleware(nil))
	r.POST("/x", func(c *gin.Context) {
		calls++
		c.Status(http.StatusCreated)
	})

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/x", nil)
		req.Header.Set(idempotencyHeader, "k1")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusCreated, w.Code)
	}
	assert.Equal(t, 2, calls)
}
