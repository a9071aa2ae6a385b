package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storefront/api/internal/platform/auth"
)

func TestMemoryRateLimiterWindow(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewMemoryRateLimiter(2, time.Minute, func() time.Time { return now })
	ctx := context.Background()

	assert.True(t, limiter.Allow(ctx, "10.0.0.1"))
	assert.True(t, limiter.Allow(ctx, "10.0.0.1"))
	assert.False(t, limiter.Allow(ctx, "10.0.0.1"))
	assert.True(t, limiter.Allow(ctx, "10.0.0.2"))

	now = now.Add(61 * time.Second)
	assert.True(t, limiter.Allow(ctx, "10.0.0.1"))

	assert.Nil(t, NewMemoryRateLimiter(0, time.Minute, nil))
}

func TestRedisRateLimiterWindow(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	limiter := NewRedisRateLimiter(client, 2, time.Minute, nil)
	ctx := context.Background()

	assert.True(t, limiter.Allow(ctx, "10.0.0.1"))
	assert.True(t, limiter.Allow(ctx, "10.0.0.1"))
	assert.False(t, limiter.Allow(ctx, "10.0.0.1"))

	ttl := server.TTL("ratelimit:10.0.0.1")
	require.Greater(t, ttl, time.Duration(0))

	server.FastForward(time.Minute + time.Second)
	assert.True(t, limiter.Allow(ctx, "10.0.0.1"))
}

func TestRedisRateLimiterFailsOpen(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	limiter := NewRedisRateLimiter(client, 1, time.Minute, nil)

	server.Close()
	assert.True(t, limiter.Allow(context.Background(), "10.0.0.1"))
	assert.True(t, limiter.Allow(context.Background(), "10.0.0.1"))
}

func TestRateLimitMiddlewareKeysByIdentity(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewMemoryRateLimiter(1, time.Minute, func() time.Time { return now })

	call := func(identity *auth.Identity) *httptest.ResponseRecorder {
		router := testRouter(identity, func(r chi.Router) {
			r.With(RateLimitMiddleware(limiter, IdentityKey)).Get("/orders", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusNoContent)
			})
		})
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/orders", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		router.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusNoContent, call(shopper("user-1")).Code)
	limited := call(shopper("user-1"))
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "60", limited.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusNoContent, call(shopper("user-2")).Code)
	assert.Equal(t, http.StatusNoContent, call(nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, call(nil).Code)
}

func TestRateLimitMiddlewareNilLimiterPassesThrough(t *testing.T) {
	handler := RateLimitMiddleware(nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/payments/stripe", nil))
		require.Equal(t, http.StatusAccepted, rec.Code)
	}
}
