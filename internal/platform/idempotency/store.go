// Package idempotency lets clients retry order and payment mutations safely: a request that
// repeats an Idempotency-Key gets the first response replayed instead of placing a second
// order or charging twice.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

// DefaultTTL is how long a key is remembered when no TTL is configured.
const DefaultTTL = 24 * time.Hour

// State is the lifecycle position of a key.
type State string

const (
	// StateInFlight means a request holds the key and has not produced a response yet.
	StateInFlight State = "in_flight"
	// StateDone means the response is stored and will be replayed.
	StateDone State = "done"
)

// ErrKeyReused is returned when a key comes back with a different request behind it.
var ErrKeyReused = errors.New("idempotency: key already used for a different request")

// Entry is what a store remembers about one key. Key is already scoped to the caller.
type Entry struct {
	Key         string              `json:"key"`
	Fingerprint string              `json:"fingerprint"`
	State       State               `json:"state"`
	Route       string              `json:"route,omitempty"`
	Status      int                 `json:"status,omitempty"`
	Header      map[string][]string `json:"header,omitempty"`
	Body        []byte              `json:"body,omitempty"`
	CreatedAt   time.Time           `json:"createdAt"`
	UpdatedAt   time.Time           `json:"updatedAt"`
	ExpiresAt   time.Time           `json:"expiresAt"`
}

func (e Entry) expiredAt(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Claim is the result of Begin. Owned is true when the caller now holds the key and must run
// the request; otherwise Entry describes the request that got there first.
type Claim struct {
	Owned bool
	Entry Entry
}

// Response is the handler output stored for replay.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Store persists keys. Implementations must make Begin atomic per key.
type Store interface {
	// Begin claims want.Key unless a live entry exists. want.CreatedAt is the current time.
	Begin(ctx context.Context, want Entry) (Claim, error)
	// Finish stores resp against a key previously claimed with the same fingerprint.
	Finish(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	// Abandon forgets a claim so the client may retry. Entries with another fingerprint stay.
	Abandon(ctx context.Context, key, fingerprint string) error
	// Purge deletes up to limit expired entries.
	Purge(ctx context.Context, now time.Time, limit int) (int, error)
}

// begin decides the outcome of a claim against the stored entry. write reports whether want
// has to be persisted.
func begin(existing Entry, found bool, want Entry) (claim Claim, write bool, err error) {
	if !found || existing.expiredAt(want.CreatedAt) {
		want.State = StateInFlight
		want.UpdatedAt = want.CreatedAt
		if want.ExpiresAt.IsZero() {
			want.ExpiresAt = want.CreatedAt.Add(DefaultTTL)
		}
		return Claim{Owned: true, Entry: want}, true, nil
	}
	if existing.Fingerprint != want.Fingerprint {
		return Claim{}, false, ErrKeyReused
	}
	return Claim{Entry: existing}, false, nil
}

// finish records resp on the entry. A vanished entry is recreated so the replay still works.
func finish(existing Entry, found bool, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) (Entry, error) {
	if found && existing.Fingerprint != fingerprint {
		return Entry{}, ErrKeyReused
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	entry := existing
	if !found {
		entry = Entry{Key: key, Fingerprint: fingerprint}
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.State = StateDone
	entry.Status = resp.Status
	entry.Header = replayableHeader(resp.Header)
	entry.Body = nil
	if len(resp.Body) > 0 {
		entry.Body = append([]byte(nil), resp.Body...)
	}
	entry.UpdatedAt = now
	entry.ExpiresAt = now.Add(ttl)
	return entry, nil
}

// storageID hashes a scoped key into something safe for a document id or Redis key.
func storageID(key string) string {
	return hexDigest([]byte(strings.TrimSpace(key)))
}

func hexDigest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// connection-level headers that must not be replayed
var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Content-Length":      {},
	"Date":                {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailers":            {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func replayableHeader(header http.Header) map[string][]string {
	out := make(map[string][]string, len(header))
	for name, values := range header.Clone() {
		name = http.CanonicalHeaderKey(name)
		if _, skip := hopHeaders[name]; !skip {
			out[name] = values
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
