package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "idem:"

// RedisStore keeps each entry as a JSON string whose Redis expiry matches Entry.ExpiresAt, so
// Purge has nothing to do. Updates run under WATCH and retry when the key changes underneath.
type RedisStore struct {
	client      redis.UniversalClient
	prefix      string
	maxAttempts int
}

// RedisOption customises a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix namespaces the Redis keys.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: defaultRedisPrefix, maxAttempts: defaultMaxAttempts}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) Begin(ctx context.Context, want Entry) (Claim, error) {
	want.CreatedAt = want.CreatedAt.UTC()
	var claim Claim
	err := s.mutate(ctx, want.Key, want.CreatedAt, func(existing Entry, found bool) (*Entry, error) {
		var (
			write bool
			err   error
		)
		if claim, write, err = begin(existing, found, want); err != nil || !write {
			return nil, err
		}
		return &claim.Entry, nil
	})
	return claim, err
}

func (s *RedisStore) Finish(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	return s.mutate(ctx, key, now, func(existing Entry, found bool) (*Entry, error) {
		entry, err := finish(existing, found, key, fingerprint, resp, now, ttl)
		if err != nil {
			return nil, err
		}
		return &entry, nil
	})
}

func (s *RedisStore) Abandon(ctx context.Context, key, fingerprint string) error {
	redisKey := s.key(key)
	return s.watch(ctx, redisKey, func(tx *redis.Tx) error {
		existing, found, err := s.read(ctx, tx, redisKey)
		if err != nil || !found || existing.Fingerprint != fingerprint {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return pipe.Del(ctx, redisKey).Err()
		})
		return err
	})
}

// Purge is a no-op; Redis expires entries itself.
func (s *RedisStore) Purge(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

func (s *RedisStore) key(key string) string {
	return s.prefix + storageID(key)
}

// mutate reads the entry, lets fn decide and writes the result, if any, with the matching expiry.
func (s *RedisStore) mutate(ctx context.Context, key string, now time.Time, fn func(Entry, bool) (*Entry, error)) error {
	redisKey := s.key(key)
	return s.watch(ctx, redisKey, func(tx *redis.Tx) error {
		existing, found, err := s.read(ctx, tx, redisKey)
		if err != nil {
			return err
		}
		next, err := fn(existing, found)
		if err != nil || next == nil {
			return err
		}
		payload, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("idempotency: encode entry: %w", err)
		}
		expiry := max(next.ExpiresAt.Sub(now), time.Second)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return pipe.Set(ctx, redisKey, payload, expiry).Err()
		})
		return err
	})
}

func (s *RedisStore) watch(ctx context.Context, redisKey string, fn func(*redis.Tx) error) error {
	for range s.maxAttempts {
		if err := s.client.Watch(ctx, fn, redisKey); !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("idempotency: %s kept changing: %w", redisKey, redis.TxFailedErr)
}

func (s *RedisStore) read(ctx context.Context, tx *redis.Tx, redisKey string) (Entry, bool, error) {
	payload, err := tx.Get(ctx, redisKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("idempotency: decode entry: %w", err)
	}
	return entry, true, nil
}
