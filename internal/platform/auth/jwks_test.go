package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// jwksServer serves a key set for key under kid and counts fetches.
func jwksServer(t *testing.T, key *rsa.PrivateKey, kid, cacheControl string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var fetches atomic.Int32
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &key.PublicKey,
		KeyID:     kid,
		Algorithm: jwt.SigningMethodRS256.Alg(),
		Use:       "sig",
	}}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fetches.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if cacheControl != "" {
			w.Header().Set("Cache-Control", cacheControl)
		}
		_ = json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(srv.Close)
	return srv, &fetches
}

func newSigningKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func TestJWKSCacheHonoursMaxAge(t *testing.T) {
	srv, fetches := jwksServer(t, newSigningKey(t), "scheduler", "public, max-age=3600")
	now := time.Unix(1_000_000, 0)
	cache := NewJWKSCache(srv.URL, WithJWKSClock(func() time.Time { return now }))
	ctx := context.Background()

	key, err := cache.Key(ctx, "scheduler")
	require.NoError(t, err)
	assert.IsType(t, &rsa.PublicKey{}, key)

	_, err = cache.Key(ctx, "scheduler")
	require.NoError(t, err)
	_, err = cache.Key(ctx, "rotated")
	assert.ErrorIs(t, err, ErrJWKSKeyNotFound)
	assert.EqualValues(t, 1, fetches.Load(), "unknown kid inside the refresh gap must not refetch")

	now = now.Add(time.Minute)
	_, err = cache.Key(ctx, "rotated")
	assert.ErrorIs(t, err, ErrJWKSKeyNotFound)
	assert.EqualValues(t, 2, fetches.Load(), "unknown kid after the refresh gap refetches")

	now = now.Add(2 * time.Hour)
	_, err = cache.Key(ctx, "scheduler")
	require.NoError(t, err)
	assert.EqualValues(t, 3, fetches.Load())
}

func TestJWKSCacheFetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	_, err := NewJWKSCache(srv.URL).Key(context.Background(), "any")
	assert.ErrorIs(t, err, ErrJWKSFetchFailed)
}

func TestMaxAge(t *testing.T) {
	cases := map[string]time.Duration{
		"public, max-age=600, must-revalidate": 10 * time.Minute,
		"MAX-AGE=30":                           30 * time.Second,
		"no-cache":                             0,
		"max-age=abc":                          0,
		"max-age=-5":                           0,
	}
	for header, want := range cases {
		assert.Equal(t, want, maxAge(header), header)
	}
}
