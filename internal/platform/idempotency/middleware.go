package idempotency

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/storefront/api/internal/platform/auth"
	"github.com/storefront/api/internal/platform/httpx"
)

// ReplayHeader is set to "true" on replayed responses.
const ReplayHeader = "X-Idempotent-Replay"

const (
	defaultHeader = "Idempotency-Key"
	maxKeyLength  = 255
	maxBodyLength = 1 << 20
	anonymous     = "anonymous"
)

// Guard is HTTP middleware that runs a mutating request at most once per Idempotency-Key and
// caller. Repeats receive the stored response. Responses with a 5xx status are not stored, so
// the client can retry with the same key.
type Guard struct {
	store    Store
	header   string
	ttl      time.Duration
	methods  map[string]bool
	now      func() time.Time
	logger   *zap.Logger
	required bool
}

// Option customises a Guard.
type Option func(*Guard)

// WithHeader reads the key from name instead of Idempotency-Key.
func WithHeader(name string) Option {
	return func(g *Guard) {
		if name = strings.TrimSpace(name); name != "" {
			g.header = name
		}
	}
}

// WithTTL sets how long stored responses are replayed.
func WithTTL(ttl time.Duration) Option {
	return func(g *Guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithMethods replaces the guarded methods (POST, PUT, PATCH and DELETE by default).
func WithMethods(methods ...string) Option {
	return func(g *Guard) {
		guarded := make(map[string]bool, len(methods))
		for _, m := range methods {
			if m = strings.ToUpper(strings.TrimSpace(m)); m != "" {
				guarded[m] = true
			}
		}
		if len(guarded) > 0 {
			g.methods = guarded
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// RequireKey rejects guarded requests without a key. By default they run unprotected.
func RequireKey() Option {
	return func(g *Guard) { g.required = true }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// New returns a Guard over store. A nil store yields a pass-through guard.
func New(store Store, opts ...Option) *Guard {
	g := &Guard{
		store:  store,
		header: defaultHeader,
		ttl:    DefaultTTL,
		methods: map[string]bool{
			http.MethodPost:   true,
			http.MethodPut:    true,
			http.MethodPatch:  true,
			http.MethodDelete: true,
		},
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Wrap is the chi-compatible middleware function.
func (g *Guard) Wrap(next http.Handler) http.Handler {
	if g == nil || g.store == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.methods[r.Method] {
			next.ServeHTTP(w, r)
			return
		}
		key := strings.TrimSpace(r.Header.Get(g.header))
		switch {
		case key == "" && !g.required:
			next.ServeHTTP(w, r)
			return
		case key == "":
			reject(w, r, http.StatusBadRequest, "idempotency_key_required", "missing "+g.header+" header")
			return
		case len(key) > maxKeyLength:
			reject(w, r, http.StatusBadRequest, "idempotency_key_invalid", "idempotency key is too long")
			return
		}

		body, err := bufferBody(r)
		if errors.Is(err, errBodyTooLarge) {
			reject(w, r, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds allowed size")
			return
		}
		if err != nil {
			reject(w, r, http.StatusBadRequest, "invalid_request", "unable to read request body")
			return
		}

		caller := callerOf(r.Context())
		now := g.now()
		want := Entry{
			Key:         caller + "|" + key,
			Fingerprint: fingerprint(r, caller, body),
			Route:       r.Method + " " + r.URL.Path,
			CreatedAt:   now,
			ExpiresAt:   now.Add(g.ttl),
		}
		claim, err := g.store.Begin(r.Context(), want)
		switch {
		case errors.Is(err, ErrKeyReused):
			reject(w, r, http.StatusUnprocessableEntity, "idempotency_key_conflict", "idempotency key already used for a different request")
			return
		case err != nil:
			g.logger.Error("idempotency: begin failed", zap.String("route", want.Route), zap.Error(err))
			reject(w, r, http.StatusServiceUnavailable, "idempotency_store_error", "unable to process idempotency key")
			return
		case !claim.Owned && claim.Entry.State == StateDone:
			replay(w, claim.Entry)
			return
		case !claim.Owned:
			reject(w, r, http.StatusConflict, "idempotency_in_progress", "another request is processing this idempotency key")
			return
		}

		g.run(w, r, next, want)
	})
}

// run executes the claimed request and stores or abandons its outcome.
func (g *Guard) run(w http.ResponseWriter, r *http.Request, next http.Handler, want Entry) {
	ctx := r.Context()
	buf := &bufferedWriter{header: make(http.Header)}
	next.ServeHTTP(buf, r)

	logger := g.logger.With(zap.String("route", want.Route))
	if buf.statusCode() >= http.StatusInternalServerError {
		if err := g.store.Abandon(ctx, want.Key, want.Fingerprint); err != nil {
			logger.Warn("idempotency: abandon after server error failed", zap.Error(err))
		}
		buf.flushTo(w)
		return
	}

	resp := Response{Status: buf.statusCode(), Header: buf.header, Body: buf.body.Bytes()}
	if err := g.store.Finish(ctx, want.Key, want.Fingerprint, resp, g.now(), g.ttl); err != nil {
		logger.Error("idempotency: storing response failed", zap.Int("status", resp.Status), zap.Error(err))
		if err := g.store.Abandon(ctx, want.Key, want.Fingerprint); err != nil {
			logger.Warn("idempotency: abandon after store failure failed", zap.Error(err))
		}
		reject(w, r, http.StatusInternalServerError, "idempotency_store_error", "unable to persist idempotency state")
		return
	}
	buf.flushTo(w)
}

var errBodyTooLarge = errors.New("idempotency: body too large")

// bufferBody reads the body for fingerprinting and puts it back for the handler.
func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyLength+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxBodyLength {
		return nil, errBodyTooLarge
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// fingerprint identifies the request behind a key: method, target, content type, caller and
// body digest.
func fingerprint(r *http.Request, caller string, body []byte) string {
	parts := []string{
		r.Method,
		r.URL.Path,
		r.URL.RawQuery,
		r.Header.Get("Content-Type"),
		caller,
		hexDigest(body),
	}
	return hexDigest([]byte(strings.Join(parts, "\n")))
}

// callerOf scopes keys to the shopper uid or service account so two callers never share one.
func callerOf(ctx context.Context) string {
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil && identity.UID != "" {
		return "user:" + identity.UID
	}
	if svc, ok := auth.ServiceIdentityFromContext(ctx); ok && svc != nil && svc.Subject != "" {
		return "svc:" + svc.Subject
	}
	return anonymous
}

func replay(w http.ResponseWriter, entry Entry) {
	header := w.Header()
	for name, values := range entry.Header {
		header[name] = append([]string(nil), values...)
	}
	header.Set(ReplayHeader, "true")
	status := entry.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(entry.Body)
}

func reject(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	httpx.WriteError(r.Context(), w, httpx.NewError(code, message, status))
}

// bufferedWriter holds the handler's response until the outcome is stored.
type bufferedWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (b *bufferedWriter) Header() http.Header { return b.header }

func (b *bufferedWriter) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferedWriter) statusCode() int {
	if b.status == 0 {
		return http.StatusOK
	}
	return b.status
}

func (b *bufferedWriter) flushTo(w http.ResponseWriter) {
	for name, values := range b.header {
		w.Header()[name] = values
	}
	w.WriteHeader(b.statusCode())
	_, _ = b.body.WriteTo(w)
}
