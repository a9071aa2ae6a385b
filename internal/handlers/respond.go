package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/storefront/api/internal/platform/auth"
	"github.com/storefront/api/internal/platform/httpx"
	"github.com/storefront/api/internal/services"
)

const defaultBodyLimit = 16 * 1024

var (
	errEmptyBody    = errors.New("request body is required")
	errBodyTooLarge = errors.New("request body too large")
)

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	if limit <= 0 {
		limit = defaultBodyLimit
	}
	reader := io.LimitReader(r.Body, limit+1)
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

// decodeJSONBody reads and decodes the request body into dst, writing the error response
// itself. With optional set an empty body leaves dst untouched.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, limit int64, dst any, optional bool) bool {
	ctx := r.Context()
	body, err := readLimitedBody(r, limit)
	if err != nil {
		switch {
		case errors.Is(err, errEmptyBody) && optional:
			return true
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return false
	}
	return true
}

func requireIdentity(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func writeServiceUnavailable(ctx context.Context, w http.ResponseWriter, name string) {
	httpx.WriteError(ctx, w, httpx.NewError(name+"_service_unavailable", name+" service unavailable", http.StatusServiceUnavailable))
}

// writeWorkflowError maps order and payment workflow errors onto the HTTP error envelope.
// Dependency failures carry a generic message so gateway and storage details never leak.
func writeWorkflowError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput),
		errors.Is(err, services.ErrPaymentInvalidInput),
		errors.Is(err, services.ErrInvalidRefundAmount):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrPaymentIntentMismatch):
		httpx.WriteError(ctx, w, httpx.NewError("payment_intent_mismatch", "payment intent does not belong to this order", http.StatusBadRequest))
	case errors.Is(err, services.ErrInvalidSignature):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
	case errors.Is(err, services.ErrCouponInvalid),
		errors.Is(err, services.ErrCouponExpired),
		errors.Is(err, services.ErrCouponMinimumNotMet):
		httpx.WriteError(ctx, w, httpx.NewError("coupon_invalid", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrCouponExhausted):
		httpx.WriteError(ctx, w, httpx.NewError("coupon_exhausted", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrCouponAlreadyUsed):
		httpx.WriteError(ctx, w, httpx.NewError("coupon_already_used", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrProductNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("product_not_found", err.Error(), http.StatusNotFound))
	case errors.Is(err, services.ErrOrderAccessDenied):
		httpx.WriteError(ctx, w, httpx.NewError("access_denied", "order belongs to another user", http.StatusForbidden))
	case errors.Is(err, services.ErrProductInactive):
		httpx.WriteError(ctx, w, httpx.NewError("product_inactive", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrInsufficientStock):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrAlreadyPaid):
		httpx.WriteError(ctx, w, httpx.NewError("order_already_paid", "order has already been paid", http.StatusConflict))
	case errors.Is(err, services.ErrOrderCancelled):
		httpx.WriteError(ctx, w, httpx.NewError("order_cancelled", "order has been cancelled", http.StatusConflict))
	case errors.Is(err, services.ErrCancellationNotAllowed):
		httpx.WriteError(ctx, w, httpx.NewError("cancellation_not_allowed", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrInvalidStatusTransition):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_status_transition", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrCannotRefundUnpaid):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_paid", "order has not been paid", http.StatusConflict))
	case errors.Is(err, services.ErrNoTransactionRecord):
		httpx.WriteError(ctx, w, httpx.NewError("no_transaction_record", "order has no captured payment", http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", "order was modified concurrently, retry the request", http.StatusConflict).Retryable(time.Second))
	case errors.Is(err, services.ErrOrderReversalIncomplete):
		httpx.WriteError(ctx, w, httpx.NewError("reversal_incomplete", "order cancelled but stock restoration is pending, retry the request", http.StatusServiceUnavailable).Retryable(5*time.Second))
	case errors.Is(err, services.ErrPaymentInProgress):
		httpx.WriteError(ctx, w, httpx.NewError("payment_in_progress", "a previous payment for this order is still processing", http.StatusConflict).Retryable(5*time.Second))
	case errors.Is(err, services.ErrRefundRejected):
		httpx.WriteError(ctx, w, httpx.NewError("refund_rejected", "payment provider rejected the refund", http.StatusConflict))
	case errors.Is(err, services.ErrPaymentRejected):
		httpx.WriteError(ctx, w, httpx.NewError("payment_rejected", "payment provider rejected the request", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrPaymentFailed):
		httpx.WriteError(ctx, w, httpx.NewError("payment_failed", "payment was declined", http.StatusPaymentRequired))
	case errors.Is(err, services.ErrPaymentGatewayUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("payment_gateway_unavailable", "payment provider unavailable, try again later", http.StatusBadGateway))
	case errors.Is(err, services.ErrOrderUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("storage_unavailable", "service temporarily unavailable, try again later", http.StatusServiceUnavailable).Retryable(30*time.Second))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "failed to process request", http.StatusInternalServerError))
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
