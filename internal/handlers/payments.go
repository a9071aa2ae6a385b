package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/platform/auth"
	"github.com/storefront/api/internal/platform/httpx"
	"github.com/storefront/api/internal/services"
)

const maxPaymentBodySize = 4 * 1024

type createIntentRequest struct {
	OrderID         string `json:"order_id"`
	PaymentMethodID string `json:"payment_method_id"`
}

type confirmPaymentRequest struct {
	OrderID         string `json:"order_id"`
	PaymentIntentID string `json:"payment_intent_id"`
}

// PaymentHandlers lets order owners start and confirm payments.
type PaymentHandlers struct {
	authn       *auth.Authenticator
	payments    services.PaymentService
	idempotency func(http.Handler) http.Handler
}

// NewPaymentHandlers constructs PaymentHandlers. idempotency may be nil.
func NewPaymentHandlers(authn *auth.Authenticator, payments services.PaymentService, idempotency func(http.Handler) http.Handler) *PaymentHandlers {
	return &PaymentHandlers{
		authn:       authn,
		payments:    payments,
		idempotency: idempotency,
	}
}

// Routes registers the /payments endpoints.
func (h *PaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	mutating := r
	if h.idempotency != nil {
		mutating = r.With(h.idempotency)
	}
	mutating.Post("/intents", h.createIntent)
	mutating.Post("/confirm", h.confirmPayment)
	r.Get("/orders/{orderID}", h.paymentDetails)
}

func (h *PaymentHandlers) createIntent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		writeServiceUnavailable(ctx, w, "payment")
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var req createIntentRequest
	if !decodeJSONBody(w, r, maxPaymentBodySize, &req, false) {
		return
	}
	if strings.TrimSpace(req.OrderID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order_id is required", http.StatusBadRequest))
		return
	}

	result, err := h.payments.CreatePaymentIntent(ctx, services.CreatePaymentIntentCommand{
		UserID:          identity.UID,
		OrderID:         strings.TrimSpace(req.OrderID),
		PaymentMethodID: strings.TrimSpace(req.PaymentMethodID),
	})
	if err != nil {
		writeWorkflowError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, paymentIntentResponse{
		PaymentIntentID: result.PaymentIntentID,
		ClientSecret:    result.ClientSecret,
		Status:          result.Status,
		RequiresAction:  result.RequiresAction,
	})
}

func (h *PaymentHandlers) confirmPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		writeServiceUnavailable(ctx, w, "payment")
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var req confirmPaymentRequest
	if !decodeJSONBody(w, r, maxPaymentBodySize, &req, false) {
		return
	}
	if strings.TrimSpace(req.OrderID) == "" || strings.TrimSpace(req.PaymentIntentID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order_id and payment_intent_id are required", http.StatusBadRequest))
		return
	}

	result, err := h.payments.ConfirmPayment(ctx, services.ConfirmPaymentCommand{
		UserID:          identity.UID,
		OrderID:         strings.TrimSpace(req.OrderID),
		PaymentIntentID: strings.TrimSpace(req.PaymentIntentID),
	})
	if err != nil {
		writeWorkflowError(ctx, w, err)
		return
	}

	resp := confirmPaymentResponse{
		Status:         result.Status,
		RequiresAction: result.RequiresAction,
		ClientSecret:   result.ClientSecret,
	}
	if result.Order.ID != "" {
		order := buildOrderPayload(result.Order)
		resp.Order = &order
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *PaymentHandlers) paymentDetails(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
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

	details, err := h.payments.GetPaymentDetails(ctx, services.GetOrderCommand{
		OrderID:    orderID,
		ActorID:    identity.UID,
		Privileged: identity.IsAdmin(),
	})
	if err != nil {
		writeWorkflowError(ctx, w, err)
		return
	}

	resp := paymentDetailsResponse{
		OrderID:       details.OrderID,
		OrderNumber:   details.OrderNumber,
		Amount:        details.Amount,
		AmountDisplay: domain.FormatAmount(details.Amount, details.Currency),
		Currency:      details.Currency,
		Payment:       newPaymentPayload(details.Payment),
	}
	if details.Intent != nil {
		resp.Intent = &intentPayload{
			ID:        details.Intent.ID,
			Status:    string(details.Intent.Status),
			Amount:    details.Intent.Amount,
			Currency:  details.Intent.Currency,
			CreatedAt: formatTime(details.Intent.CreatedAt),
		}
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

type paymentIntentResponse struct {
	PaymentIntentID string `json:"payment_intent_id"`
	ClientSecret    string `json:"client_secret"`
	Status          string `json:"status"`
	RequiresAction  bool   `json:"requires_action"`
}

type confirmPaymentResponse struct {
	Status         string        `json:"status"`
	RequiresAction bool          `json:"requires_action"`
	ClientSecret   string        `json:"client_secret,omitempty"`
	Order          *orderPayload `json:"order,omitempty"`
}

type paymentDetailsResponse struct {
	OrderID       string              `json:"order_id"`
	OrderNumber   string              `json:"order_number"`
	Amount        int64               `json:"amount"`
	AmountDisplay string              `json:"amount_display"`
	Currency      string              `json:"currency"`
	Payment       orderPaymentPayload `json:"payment"`
	Intent        *intentPayload      `json:"intent"`
}

type intentPayload struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	CreatedAt string `json:"created_at,omitempty"`
}
