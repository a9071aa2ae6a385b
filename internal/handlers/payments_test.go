package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/payments"
	"github.com/storefront/api/internal/services"
)

func TestPaymentHandlersCreateIntent(t *testing.T) {
	var captured services.CreatePaymentIntentCommand
	svc := &stubPaymentService{
		intentFn: func(_ context.Context, cmd services.CreatePaymentIntentCommand) (services.PaymentIntentResult, error) {
			captured = cmd
			return services.PaymentIntentResult{
				PaymentIntentID: "pi_123",
				ClientSecret:    "pi_123_secret",
				Status:          "requires_payment_method",
			}, nil
		},
	}
	router := testRouter(shopper("user-1"), NewPaymentHandlers(nil, svc, nil).Routes)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/intents", strings.NewReader(`{"order_id":"ord_1","payment_method_id":"pm_card"}`)))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.UserID != "user-1" || captured.OrderID != "ord_1" || captured.PaymentMethodID != "pm_card" {
		t.Fatalf("unexpected command: %+v", captured)
	}
	var resp paymentIntentResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ClientSecret != "pi_123_secret" || resp.PaymentIntentID != "pi_123" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestPaymentHandlersCreateIntentErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"already paid", fmt.Errorf("%w: order ord_1", services.ErrAlreadyPaid), http.StatusConflict, "order_already_paid"},
		{"cancelled", fmt.Errorf("%w: order ord_1", services.ErrOrderCancelled), http.StatusConflict, "order_cancelled"},
		{"not owner", fmt.Errorf("%w: order ord_1", services.ErrOrderAccessDenied), http.StatusForbidden, "access_denied"},
		{"gateway down", fmt.Errorf("%w: stripe: connection reset", services.ErrPaymentGatewayUnavailable), http.StatusBadGateway, "payment_gateway_unavailable"},
		{"declined", fmt.Errorf("%w: card_declined", services.ErrPaymentFailed), http.StatusPaymentRequired, "payment_failed"},
		{"earlier intent processing", fmt.Errorf("%w: intent pi_1 is processing", services.ErrPaymentInProgress), http.StatusConflict, "payment_in_progress"},
		{"rejected request", fmt.Errorf("%w: stripe: parameter_invalid_integer", services.ErrPaymentRejected), http.StatusUnprocessableEntity, "payment_rejected"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubPaymentService{
				intentFn: func(context.Context, services.CreatePaymentIntentCommand) (services.PaymentIntentResult, error) {
					return services.PaymentIntentResult{}, tc.err
				},
			}
			router := testRouter(shopper("user-1"), NewPaymentHandlers(nil, svc, nil).Routes)
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/intents", strings.NewReader(`{"order_id":"ord_1"}`)))
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			var body map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body["error"] != tc.code {
				t.Fatalf("expected %s, got %v", tc.code, body["error"])
			}
			if strings.Contains(rr.Body.String(), "stripe") || strings.Contains(rr.Body.String(), "card_declined") {
				t.Fatalf("gateway details leaked: %s", rr.Body.String())
			}
		})
	}
}

func TestPaymentHandlersConfirm(t *testing.T) {
	t.Run("requires action", func(t *testing.T) {
		svc := &stubPaymentService{
			confirmFn: func(_ context.Context, cmd services.ConfirmPaymentCommand) (services.ConfirmPaymentResult, error) {
				if cmd.PaymentIntentID != "pi_123" || cmd.OrderID != "ord_1" || cmd.UserID != "user-1" {
					t.Fatalf("unexpected command: %+v", cmd)
				}
				return services.ConfirmPaymentResult{Status: "requires_action", RequiresAction: true, ClientSecret: "sec"}, nil
			},
		}
		router := testRouter(shopper("user-1"), NewPaymentHandlers(nil, svc, nil).Routes)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/confirm", strings.NewReader(`{"order_id":"ord_1","payment_intent_id":"pi_123"}`)))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		var resp confirmPaymentResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !resp.RequiresAction || resp.ClientSecret != "sec" || resp.Order != nil {
			t.Fatalf("unexpected response: %+v", resp)
		}
	})

	t.Run("confirmed", func(t *testing.T) {
		svc := &stubPaymentService{
			confirmFn: func(context.Context, services.ConfirmPaymentCommand) (services.ConfirmPaymentResult, error) {
				order := sampleOrder()
				order.Status = domain.OrderStatusConfirmed
				order.Payment.Status = domain.PaymentStatusCompleted
				order.Payment.TransactionID = "pi_123"
				return services.ConfirmPaymentResult{Order: order, Status: "succeeded"}, nil
			},
		}
		router := testRouter(shopper("user-1"), NewPaymentHandlers(nil, svc, nil).Routes)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/confirm", strings.NewReader(`{"order_id":"ord_1","payment_intent_id":"pi_123"}`)))
		var resp confirmPaymentResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Order == nil || resp.Order.Status != "confirmed" || resp.Order.Payment.TransactionID != "pi_123" {
			t.Fatalf("unexpected response: %+v", resp)
		}
	})

	t.Run("intent mismatch", func(t *testing.T) {
		svc := &stubPaymentService{
			confirmFn: func(context.Context, services.ConfirmPaymentCommand) (services.ConfirmPaymentResult, error) {
				return services.ConfirmPaymentResult{}, fmt.Errorf("%w: pi_other", services.ErrPaymentIntentMismatch)
			},
		}
		router := testRouter(shopper("user-1"), NewPaymentHandlers(nil, svc, nil).Routes)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/confirm", strings.NewReader(`{"order_id":"ord_1","payment_intent_id":"pi_other"}`)))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rr.Code)
		}
	})

	t.Run("missing fields", func(t *testing.T) {
		router := testRouter(shopper("user-1"), NewPaymentHandlers(nil, &stubPaymentService{}, nil).Routes)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/confirm", strings.NewReader(`{"order_id":"ord_1"}`)))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rr.Code)
		}
	})
}

func TestPaymentHandlersDetails(t *testing.T) {
	created := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	svc := &stubPaymentService{
		detailsFn: func(_ context.Context, cmd services.GetOrderCommand) (services.PaymentDetails, error) {
			details := services.PaymentDetails{
				OrderID:     cmd.OrderID,
				OrderNumber: "ORD-1",
				Amount:      9000,
				Currency:    "USD",
				Payment:     services.OrderPayment{Status: domain.PaymentStatusPending, IntentID: "pi_123"},
			}
			if cmd.OrderID == "ord_live" {
				details.Intent = &payments.Intent{ID: "pi_123", Status: payments.IntentStatusProcessing, Amount: 9000, Currency: "usd", CreatedAt: created}
			}
			return details, nil
		},
	}
	router := testRouter(shopper("user-1"), NewPaymentHandlers(nil, svc, nil).Routes)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/orders/ord_live", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp paymentDetailsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Intent == nil || resp.Intent.Status != "processing" || resp.AmountDisplay != "90.00" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/orders/ord_offline", nil))
	var raw map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if value, ok := raw["intent"]; !ok || value != nil {
		t.Fatalf("expected intent to be null when the gateway view is unavailable, got %v", raw["intent"])
	}
}

func TestWebhookHandlers(t *testing.T) {
	payload := `{"id":"evt_1","type":"payment_intent.succeeded"}`

	t.Run("passes raw body and signature", func(t *testing.T) {
		svc := &stubPaymentService{
			webhookFn: func(_ context.Context, body []byte, signature string) (services.WebhookResult, error) {
				if string(body) != payload {
					t.Fatalf("body was altered: %s", body)
				}
				if signature != "t=1,v1=abc" {
					t.Fatalf("unexpected signature %q", signature)
				}
				return services.WebhookResult{EventID: "evt_1", Type: "payment_intent.succeeded", OrderID: "ord_1", Handled: true}, nil
			},
		}
		router := testRouter(nil, NewWebhookHandlers(svc).Routes)
		req := httptest.NewRequest(http.MethodPost, "/payments/stripe", strings.NewReader(payload))
		req.Header.Set("Stripe-Signature", "t=1,v1=abc")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		var resp webhookResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !resp.Received || !resp.Handled || resp.EventID != "evt_1" {
			t.Fatalf("unexpected response: %+v", resp)
		}
	})

	t.Run("missing signature", func(t *testing.T) {
		svc := &stubPaymentService{
			webhookFn: func(context.Context, []byte, string) (services.WebhookResult, error) {
				t.Fatal("service should not be called")
				return services.WebhookResult{}, nil
			},
		}
		router := testRouter(nil, NewWebhookHandlers(svc).Routes)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/payments/stripe", strings.NewReader(payload)))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rr.Code)
		}
	})

	t.Run("invalid signature", func(t *testing.T) {
		svc := &stubPaymentService{
			webhookFn: func(context.Context, []byte, string) (services.WebhookResult, error) {
				return services.WebhookResult{}, fmt.Errorf("%w: %v", services.ErrInvalidSignature, errors.New("no valid signature"))
			},
		}
		router := testRouter(nil, NewWebhookHandlers(svc).Routes)
		req := httptest.NewRequest(http.MethodPost, "/payments/stripe", strings.NewReader(payload))
		req.Header.Set("Stripe-Signature", "t=1,v1=bad")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rr.Code)
		}
		var body map[string]any
		_ = json.Unmarshal(rr.Body.Bytes(), &body)
		if body["error"] != "invalid_signature" {
			t.Fatalf("expected invalid_signature, got %v", body["error"])
		}
	})

	t.Run("storage failure asks for redelivery", func(t *testing.T) {
		svc := &stubPaymentService{
			webhookFn: func(context.Context, []byte, string) (services.WebhookResult, error) {
				return services.WebhookResult{}, fmt.Errorf("%w: timeout", services.ErrOrderUnavailable)
			},
		}
		router := testRouter(nil, NewWebhookHandlers(svc).Routes)
		req := httptest.NewRequest(http.MethodPost, "/payments/stripe", strings.NewReader(payload))
		req.Header.Set("Stripe-Signature", "t=1,v1=abc")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code < 500 {
			t.Fatalf("expected a 5xx so the provider retries, got %d", rr.Code)
		}
	})
}
