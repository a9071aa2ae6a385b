package observability

import (
	"context"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"
	"unicode"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/storefront/api/internal/platform/auth"
	"github.com/storefront/api/internal/platform/httpx"
	"github.com/storefront/api/internal/platform/idempotency"
	"github.com/storefront/api/internal/platform/requestctx"
)

const defaultSlowRequest = 2 * time.Second

// orderRouteParams are the chi URL parameters that identify the order a request acts on.
var orderRouteParams = []string{"orderID", "orderNumber"}

// InjectLoggerMiddleware stores logger on the request context for handlers and services.
func InjectLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(requestctx.WithLogger(r.Context(), logger)))
		})
	}
}

// RequestLogOption customises RequestLoggerMiddleware.
type RequestLogOption func(*requestLogConfig)

type requestLogConfig struct {
	slow time.Duration
}

// WithSlowRequestThreshold logs successful requests slower than d at warn level. Zero disables it.
func WithSlowRequestThreshold(d time.Duration) RequestLogOption {
	return func(cfg *requestLogConfig) {
		cfg.slow = d
	}
}

// RequestLoggerMiddleware writes one structured line per request. The line carries the route
// pattern, the caller (shopper uid or service account), the order the route addressed and
// whether the response was an idempotent replay.
func RequestLoggerMiddleware(projectID string, opts ...RequestLogOption) func(http.Handler) http.Handler {
	cfg := requestLogConfig{slow: defaultSlowRequest}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			traceInfo, _ := requestctx.Trace(ctx)
			logger := WithRequestFields(requestctx.Logger(ctx),
				zap.String("request_id", middleware.GetReqID(ctx)),
				zap.String("method", clip(r.Method, 10)),
				zap.String("trace_id", traceInfo.TraceID),
			)
			if traceInfo.ProjectID == "" {
				traceInfo.ProjectID = projectID
			}
			if resource := traceInfo.CloudResource(); resource != "" {
				logger = logger.With(zap.String("logging.googleapis.com/trace", resource))
			}
			if ip := remoteIP(r); ip != "" {
				logger = logger.With(zap.String("remote_ip", ip))
			}
			r = r.WithContext(requestctx.WithLogger(ctx, logger))

			recorder := newResponseRecorder(w)
			start := time.Now()
			panicked := true
			defer func() {
				status := recorder.Status()
				if panicked && status < http.StatusInternalServerError {
					status = http.StatusInternalServerError
				}
				latency := time.Since(start)
				route := routePattern(r)

				span := trace.SpanFromContext(r.Context())
				span.SetAttributes(semconv.HTTPRoute(route), semconv.HTTPResponseStatusCode(status))
				if status >= http.StatusInternalServerError {
					span.SetStatus(codes.Error, http.StatusText(status))
				}

				fields := []zap.Field{
					zap.String("route", route),
					zap.Int("status", status),
					zap.Duration("latency", latency),
					zap.Int64("bytes", recorder.BytesWritten()),
				}
				fields = append(fields, callerFields(r.Context())...)
				if orderRef := routeOrderRef(r); orderRef != "" {
					fields = append(fields, zap.String("order_ref", orderRef))
				}
				if recorder.Header().Get(idempotency.ReplayHeader) == "true" {
					fields = append(fields, zap.Bool("idempotent_replay", true))
				}

				switch {
				case panicked || status >= http.StatusInternalServerError:
					logger.Error("request completed", fields...)
				case status >= http.StatusBadRequest:
					logger.Warn("request completed", fields...)
				case cfg.slow > 0 && latency > cfg.slow:
					logger.Warn("request completed", append(fields, zap.Bool("slow", true))...)
				default:
					logger.Info("request completed", fields...)
				}
			}()

			next.ServeHTTP(recorder, r)
			panicked = false
		})
	}
}

// RecoveryMiddleware turns a panic into a 500 envelope and logs the stack.
func RecoveryMiddleware(fallback *zap.Logger) func(http.Handler) http.Handler {
	if fallback == nil {
		fallback = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				ctx := r.Context()
				logger, ok := requestctx.LoggerFrom(ctx)
				if !ok {
					logger = fallback
				}
				logger.Error("panic recovered",
					zap.Any("panic", rec),
					zap.ByteString("stack", debug.Stack()),
				)
				httpx.WriteError(ctx, w, httpx.NewError("internal_error", "failed to process request", http.StatusInternalServerError))
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// callerFields attributes a request to a shopper or, on internal routes, a service account.
func callerFields(ctx context.Context) []zap.Field {
	if identity, ok := auth.IdentityFromContext(ctx); ok {
		fields := []zap.Field{zap.String("user_id", clip(identity.UID, 64))}
		if identity.IsAdmin() {
			fields = append(fields, zap.Bool("admin", true))
		}
		return fields
	}
	if svc, ok := auth.ServiceIdentityFromContext(ctx); ok {
		caller := svc.Email
		if caller == "" {
			caller = svc.Subject
		}
		return []zap.Field{zap.String("caller", clip(caller, 64))}
	}
	return nil
}

func routeOrderRef(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return ""
	}
	for _, key := range orderRouteParams {
		if value := rctx.URLParam(key); value != "" {
			return clip(value, 64)
		}
	}
	return ""
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return clip(pattern, 180)
		}
	}
	return clip(requestPath(r), 180)
}

func remoteIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return clip(addr, 64)
}

// clip drops control characters and cuts value to limit runes so client-supplied strings
// cannot forge log lines or blow up label cardinality.
func clip(value string, limit int) string {
	value = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, value)
	if runes := []rune(value); len(runes) > limit {
		value = string(runes[:limit])
	}
	return value
}

type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func newResponseRecorder(w http.ResponseWriter) *responseRecorder {
	return &responseRecorder{ResponseWriter: w}
}

func (r *responseRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

// Status is the first status written, or 200 when the handler wrote nothing.
func (r *responseRecorder) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func (r *responseRecorder) BytesWritten() int64 {
	return r.bytes
}
