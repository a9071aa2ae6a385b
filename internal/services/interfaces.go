package services

import (
	"context"
	"time"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/payments"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Order         = domain.Order
	OrderStatus   = domain.OrderStatus
	OrderTotals   = domain.OrderTotals
	OrderLineItem = domain.OrderLineItem
	OrderPayment  = domain.OrderPayment
	OrderShipping = domain.OrderShipping
	Address       = domain.Address
	Product       = domain.Product
	Coupon        = domain.Coupon
	HealthReport  = domain.HealthReport
)

// OrderService places, reads, and cancels orders. It owns stock and coupon reservations.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	GetOrder(ctx context.Context, cmd GetOrderCommand) (Order, error)
	TrackOrder(ctx context.Context, orderNumber string) (Order, error)
	CancelOrder(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	UpdateStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (Order, error)
	// CompleteReversal finishes stock and coupon restoration for a cancelled order whose
	// reversal was interrupted. It is a no-op when nothing is pending.
	CompleteReversal(ctx context.Context, orderID string) (Order, error)
}

// PaymentService drives the payment sub-state of orders from client calls and gateway webhooks.
type PaymentService interface {
	CreatePaymentIntent(ctx context.Context, cmd CreatePaymentIntentCommand) (PaymentIntentResult, error)
	ConfirmPayment(ctx context.Context, cmd ConfirmPaymentCommand) (ConfirmPaymentResult, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) (WebhookResult, error)
	RefundOrder(ctx context.Context, cmd RefundOrderCommand) (RefundResult, error)
	GetPaymentDetails(ctx context.Context, cmd GetOrderCommand) (PaymentDetails, error)
	// SyncOrderPayment pulls the current intent state from the gateway and reconciles the order.
	SyncOrderPayment(ctx context.Context, orderID string) (Order, error)
}

// ReservationSweeper releases stock held by orders that were never paid.
type ReservationSweeper interface {
	Sweep(ctx context.Context) (SweepResult, error)
}

// SystemService exposes health and build metadata for operational endpoints.
type SystemService interface {
	HealthReport(ctx context.Context) (HealthReport, error)
}

// ShippingResolver quotes the shipping method and cost for an order being placed.
type ShippingResolver interface {
	Quote(ctx context.Context, req ShippingQuoteRequest) (ShippingQuote, error)
}

type ShippingQuoteRequest struct {
	Currency string
	Subtotal int64
	Items    []OrderLineItem
	Address  Address
}

type ShippingQuote struct {
	Method string
	Cost   int64
}

type CreateOrderCommand struct {
	UserID          string
	Items           []CreateOrderItem
	ShippingAddress Address
	BillingAddress  *Address
	PaymentMethod   domain.PaymentMethod
	CouponCode      string
}

type CreateOrderItem struct {
	ProductID  string
	Quantity   int64
	Attributes map[string]string
}

type GetOrderCommand struct {
	OrderID string
	ActorID string
	// Privileged skips the ownership check for staff and system callers.
	Privileged bool
}

type CancelOrderCommand struct {
	OrderID    string
	ActorID    string
	Reason     string
	Privileged bool
}

type UpdateOrderStatusCommand struct {
	OrderID        string
	ActorID        string
	Status         OrderStatus
	TrackingNumber string
	Reason         string
}

type CreatePaymentIntentCommand struct {
	UserID          string
	OrderID         string
	PaymentMethodID string
}

type PaymentIntentResult struct {
	ClientSecret    string
	PaymentIntentID string
	Status          string
	RequiresAction  bool
}

type ConfirmPaymentCommand struct {
	UserID          string
	OrderID         string
	PaymentIntentID string
}

// ConfirmPaymentResult carries the reconciled order, or the action the client must complete.
type ConfirmPaymentResult struct {
	Order          Order
	Status         string
	RequiresAction bool
	ClientSecret   string
}

// WebhookResult acknowledges a verified gateway notification.
type WebhookResult struct {
	EventID string
	Type    string
	OrderID string
	// Handled is false when the event type or the referenced order is unknown.
	Handled bool
}

type RefundOrderCommand struct {
	ActorID string
	OrderID string
	// Amount in minor units; nil refunds the full order total.
	Amount *int64
	Reason string
}

type RefundResult struct {
	RefundID string
	Order    Order
}

// PaymentDetails combines the stored payment record with the gateway's live view of the intent.
type PaymentDetails struct {
	OrderID     string
	OrderNumber string
	Amount      int64
	Currency    string
	Payment     OrderPayment
	Intent      *payments.Intent
}

// SweepResult summarises one pass of the reservation sweeper.
type SweepResult struct {
	Scanned    int
	Expired    int
	Reconciled int
	Resumed    int
	Failed     int
	StartedAt  time.Time
	FinishedAt time.Time
}
