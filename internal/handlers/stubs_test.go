package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/storefront/api/internal/platform/auth"
	"github.com/storefront/api/internal/services"
)

type stubOrderService struct {
	createFn   func(context.Context, services.CreateOrderCommand) (services.Order, error)
	getFn      func(context.Context, services.GetOrderCommand) (services.Order, error)
	trackFn    func(context.Context, string) (services.Order, error)
	cancelFn   func(context.Context, services.CancelOrderCommand) (services.Order, error)
	updateFn   func(context.Context, services.UpdateOrderStatusCommand) (services.Order, error)
	completeFn func(context.Context, string) (services.Order, error)
}

func (s *stubOrderService) CreateOrder(ctx context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
	if s.createFn == nil {
		return services.Order{}, nil
	}
	return s.createFn(ctx, cmd)
}

func (s *stubOrderService) GetOrder(ctx context.Context, cmd services.GetOrderCommand) (services.Order, error) {
	if s.getFn == nil {
		return services.Order{}, nil
	}
	return s.getFn(ctx, cmd)
}

func (s *stubOrderService) TrackOrder(ctx context.Context, orderNumber string) (services.Order, error) {
	if s.trackFn == nil {
		return services.Order{}, nil
	}
	return s.trackFn(ctx, orderNumber)
}

func (s *stubOrderService) CancelOrder(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
	if s.cancelFn == nil {
		return services.Order{}, nil
	}
	return s.cancelFn(ctx, cmd)
}

func (s *stubOrderService) UpdateStatus(ctx context.Context, cmd services.UpdateOrderStatusCommand) (services.Order, error) {
	if s.updateFn == nil {
		return services.Order{}, nil
	}
	return s.updateFn(ctx, cmd)
}

func (s *stubOrderService) CompleteReversal(ctx context.Context, orderID string) (services.Order, error) {
	if s.completeFn == nil {
		return services.Order{}, nil
	}
	return s.completeFn(ctx, orderID)
}

type stubPaymentService struct {
	intentFn  func(context.Context, services.CreatePaymentIntentCommand) (services.PaymentIntentResult, error)
	confirmFn func(context.Context, services.ConfirmPaymentCommand) (services.ConfirmPaymentResult, error)
	webhookFn func(context.Context, []byte, string) (services.WebhookResult, error)
	refundFn  func(context.Context, services.RefundOrderCommand) (services.RefundResult, error)
	detailsFn func(context.Context, services.GetOrderCommand) (services.PaymentDetails, error)
	syncFn    func(context.Context, string) (services.Order, error)
}

func (s *stubPaymentService) CreatePaymentIntent(ctx context.Context, cmd services.CreatePaymentIntentCommand) (services.PaymentIntentResult, error) {
	if s.intentFn == nil {
		return services.PaymentIntentResult{}, nil
	}
	return s.intentFn(ctx, cmd)
}

func (s *stubPaymentService) ConfirmPayment(ctx context.Context, cmd services.ConfirmPaymentCommand) (services.ConfirmPaymentResult, error) {
	if s.confirmFn == nil {
		return services.ConfirmPaymentResult{}, nil
	}
	return s.confirmFn(ctx, cmd)
}

func (s *stubPaymentService) HandleWebhook(ctx context.Context, payload []byte, signature string) (services.WebhookResult, error) {
	if s.webhookFn == nil {
		return services.WebhookResult{}, nil
	}
	return s.webhookFn(ctx, payload, signature)
}

func (s *stubPaymentService) RefundOrder(ctx context.Context, cmd services.RefundOrderCommand) (services.RefundResult, error) {
	if s.refundFn == nil {
		return services.RefundResult{}, nil
	}
	return s.refundFn(ctx, cmd)
}

func (s *stubPaymentService) GetPaymentDetails(ctx context.Context, cmd services.GetOrderCommand) (services.PaymentDetails, error) {
	if s.detailsFn == nil {
		return services.PaymentDetails{}, nil
	}
	return s.detailsFn(ctx, cmd)
}

func (s *stubPaymentService) SyncOrderPayment(ctx context.Context, orderID string) (services.Order, error) {
	if s.syncFn == nil {
		return services.Order{}, nil
	}
	return s.syncFn(ctx, orderID)
}

type stubSweeper struct {
	sweepFn func(context.Context) (services.SweepResult, error)
}

func (s *stubSweeper) Sweep(ctx context.Context) (services.SweepResult, error) {
	return s.sweepFn(ctx)
}

type stubSystemService struct {
	report services.HealthReport
	err    error
}

func (s *stubSystemService) HealthReport(context.Context) (services.HealthReport, error) {
	return s.report, s.err
}

var (
	_ services.OrderService       = (*stubOrderService)(nil)
	_ services.PaymentService     = (*stubPaymentService)(nil)
	_ services.ReservationSweeper = (*stubSweeper)(nil)
	_ services.SystemService      = (*stubSystemService)(nil)
)

// testRouter mounts register behind a middleware that injects identity, standing in for
// the Firebase guard.
func testRouter(identity *auth.Identity, register func(chi.Router)) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if identity != nil {
				req = req.WithContext(auth.WithIdentity(req.Context(), identity))
			}
			next.ServeHTTP(w, req)
		})
	})
	register(r)
	return r
}

func shopper(uid string) *auth.Identity {
	return &auth.Identity{UID: uid, Roles: []string{auth.RoleUser}}
}

func admin(uid string) *auth.Identity {
	return &auth.Identity{UID: uid, Roles: []string{auth.RoleUser, auth.RoleAdmin}}
}
