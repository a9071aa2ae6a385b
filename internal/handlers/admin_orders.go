package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/platform/auth"
	"github.com/storefront/api/internal/platform/httpx"
	"github.com/storefront/api/internal/platform/textutil"
	"github.com/storefront/api/internal/services"
)

const maxAdminBodySize = 8 * 1024

var errInvalidAmountField = errors.New("amount must be a positive decimal in the order currency")

type refundOrderRequest struct {
	// Amount is a decimal such as "45.00" or 45.5 in the order currency. Omit for a full refund.
	Amount json.RawMessage `json:"amount"`
	Reason string          `json:"reason"`
}

type updateStatusRequest struct {
	Status         string `json:"status"`
	TrackingNumber string `json:"tracking_number"`
	Reason         string `json:"reason"`
}

// AdminOrderHandlers exposes staff-only order operations.
type AdminOrderHandlers struct {
	authn    *auth.Authenticator
	orders   services.OrderService
	payments services.PaymentService
}

// NewAdminOrderHandlers constructs AdminOrderHandlers.
func NewAdminOrderHandlers(authn *auth.Authenticator, orders services.OrderService, payments services.PaymentService) *AdminOrderHandlers {
	return &AdminOrderHandlers{
		authn:    authn,
		orders:   orders,
		payments: payments,
	}
}

// Routes registers the /admin endpoints behind the admin role guard.
func (h *AdminOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RoleAdmin))
	}
	r.Post("/orders/{orderID}:refund", h.refundOrder)
	r.Put("/orders/{orderID}/status", h.updateStatus)
}

func (h *AdminOrderHandlers) refundOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil || h.orders == nil {
		writeServiceUnavailable(ctx, w, "payment")
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req refundOrderRequest
	if !decodeJSONBody(w, r, maxAdminBodySize, &req, true) {
		return
	}

	cmd := services.RefundOrderCommand{
		ActorID: identity.UID,
		OrderID: orderID,
		Reason:  textutil.SanitizeText(req.Reason, maxReasonLength),
	}
	if raw := rawAmount(req.Amount); raw != "" {
		// The decimal amount is scaled by the order's currency, so the order is read first.
		order, err := h.orders.GetOrder(ctx, services.GetOrderCommand{OrderID: orderID, ActorID: identity.UID, Privileged: true})
		if err != nil {
			writeWorkflowError(ctx, w, err)
			return
		}
		amount, err := domain.ParseAmount(raw, order.Currency)
		if err != nil || amount <= 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", errInvalidAmountField.Error(), http.StatusBadRequest))
			return
		}
		cmd.Amount = &amount
	}

	result, err := h.payments.RefundOrder(ctx, cmd)
	if err != nil {
		writeWorkflowError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, refundResponse{
		RefundID: result.RefundID,
		Order:    buildOrderPayload(result.Order),
	})
}

func (h *AdminOrderHandlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w, "order")
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req updateStatusRequest
	if !decodeJSONBody(w, r, maxAdminBodySize, &req, false) {
		return
	}
	status := strings.ToLower(strings.TrimSpace(req.Status))
	if status == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.UpdateStatus(ctx, services.UpdateOrderStatusCommand{
		OrderID:        orderID,
		ActorID:        identity.UID,
		Status:         services.OrderStatus(status),
		TrackingNumber: textutil.SanitizeText(req.TrackingNumber, 64),
		Reason:         textutil.SanitizeText(req.Reason, maxReasonLength),
	})
	if err != nil {
		writeWorkflowError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

type refundResponse struct {
	RefundID string       `json:"refund_id"`
	Order    orderPayload `json:"order"`
}

// rawAmount accepts a JSON number or a quoted decimal string.
func rawAmount(raw json.RawMessage) string {
	value := strings.TrimSpace(string(raw))
	if value == "" || value == "null" {
		return ""
	}
	var quoted string
	if err := json.Unmarshal(raw, &quoted); err == nil {
		return strings.TrimSpace(quoted)
	}
	return value
}
