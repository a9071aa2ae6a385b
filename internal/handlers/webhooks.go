package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/storefront/api/internal/platform/httpx"
	"github.com/storefront/api/internal/services"
)

const (
	maxWebhookBodySize    = 64 * 1024
	stripeSignatureHeader = "Stripe-Signature"
)

// WebhookHandlers receives payment provider notifications. Authentication is the provider
// signature, verified by the payment service against the raw body.
type WebhookHandlers struct {
	payments services.PaymentService
}

// NewWebhookHandlers constructs WebhookHandlers.
func NewWebhookHandlers(payments services.PaymentService) *WebhookHandlers {
	return &WebhookHandlers{payments: payments}
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/stripe", h.stripeWebhook)
}

func (h *WebhookHandlers) stripeWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		writeServiceUnavailable(ctx, w, "payment")
		return
	}

	signature := r.Header.Get(stripeSignatureHeader)
	if signature == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "missing "+stripeSignatureHeader+" header", http.StatusBadRequest))
		return
	}

	payload, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "webhook payload exceeds allowed size", http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return
	}

	result, err := h.payments.HandleWebhook(ctx, payload, signature)
	if err != nil {
		writeWorkflowError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, webhookResponse{
		Received: true,
		EventID:  result.EventID,
		Type:     result.Type,
		Handled:  result.Handled,
	})
}

type webhookResponse struct {
	Received bool   `json:"received"`
	EventID  string `json:"event_id,omitempty"`
	Type     string `json:"type,omitempty"`
	Handled  bool   `json:"handled"`
}
