package handlers

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/storefront/api/internal/platform/auth"
	"github.com/storefront/api/internal/platform/httpx"
)

// RateLimiter decides whether another call for key fits in the current window.
type RateLimiter interface {
	Allow(ctx context.Context, key string) bool
}

type simpleRateLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time
	mu     sync.Mutex
	store  map[string]rateEntry
}

type rateEntry struct {
	count int
	reset time.Time
}

// NewMemoryRateLimiter allows limit calls per key within each fixed window, per process.
func NewMemoryRateLimiter(limit int, window time.Duration, clock func() time.Time) RateLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &simpleRateLimiter{
		limit:  limit,
		window: window,
		clock:  clock,
		store:  make(map[string]rateEntry),
	}
}

func (l *simpleRateLimiter) Allow(_ context.Context, key string) bool {
	if l == nil {
		return true
	}
	key = normaliseLimiterKey(key)
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.store[key]
	if !ok || now.After(entry.reset) {
		l.store[key] = rateEntry{count: 1, reset: now.Add(l.window)}
		l.pruneExpiredLocked(now)
		return true
	}

	if entry.count >= l.limit {
		return false
	}
	entry.count++
	l.store[key] = entry
	return true
}

func (l *simpleRateLimiter) pruneExpiredLocked(now time.Time) {
	if len(l.store) == 0 {
		return
	}
	for key, entry := range l.store {
		if now.After(entry.reset) {
			delete(l.store, key)
		}
	}
}

type redisRateLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int64
	window time.Duration
	logger *zap.Logger
}

// NewRedisRateLimiter shares the fixed-window counters across instances. Redis failures
// fail open so the tracking lookup stays available.
func NewRedisRateLimiter(client redis.UniversalClient, limit int, window time.Duration, logger *zap.Logger) RateLimiter {
	if client == nil || limit <= 0 || window <= 0 {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &redisRateLimiter{
		client: client,
		prefix: "ratelimit:",
		limit:  int64(limit),
		window: window,
		logger: logger,
	}
}

func (l *redisRateLimiter) Allow(ctx context.Context, key string) bool {
	if l == nil {
		return true
	}
	redisKey := l.prefix + normaliseLimiterKey(key)

	count, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		l.logger.Warn("rate limiter unavailable", zap.Error(err))
		return true
	}
	if count == 1 {
		if err := l.client.Expire(ctx, redisKey, l.window).Err(); err != nil {
			l.logger.Warn("rate limiter expiry not set", zap.String("key", redisKey), zap.Error(err))
		}
	}
	return count <= l.limit
}

func normaliseLimiterKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "anonymous"
	}
	return key
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

// RateLimitMiddleware answers 429 once key exhausts the limiter's window. A nil key function
// keys by client address; a nil limiter disables throttling.
func RateLimitMiddleware(limiter RateLimiter, key func(*http.Request) string) func(http.Handler) http.Handler {
	if key == nil {
		key = clientKey
	}
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(r.Context(), key(r)) {
				writeRateLimited(w, r, "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IdentityKey keys authenticated requests by user and everything else by client address.
func IdentityKey(r *http.Request) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && identity != nil && identity.UID != "" {
		return "uid:" + identity.UID
	}
	return clientKey(r)
}

func writeRateLimited(w http.ResponseWriter, r *http.Request, message string) {
	httpx.WriteError(r.Context(), w, httpx.NewError("rate_limited", message, http.StatusTooManyRequests).Retryable(time.Minute))
}
