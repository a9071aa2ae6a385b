package domain

import (
	"time"
)

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending indicates the order was placed and stock reserved, awaiting payment.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusConfirmed indicates payment succeeded.
	OrderStatusConfirmed OrderStatus = "confirmed"
	// OrderStatusProcessing indicates the order is being prepared for shipment.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped indicates the order has left the warehouse.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered indicates the order reached the customer.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled indicates the order was cancelled and its reservations reversed.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// PaymentStatus enumerates the payment sub-state of an order.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

// PaymentMethod identifies the payment rail selected at checkout.
type PaymentMethod string

const (
	PaymentMethodStripe PaymentMethod = "stripe"
	PaymentMethodPayPal PaymentMethod = "paypal"
)

// DiscountType describes how a coupon discount is computed.
type DiscountType string

const (
	// DiscountTypePercentage applies DiscountValue percent of the subtotal.
	DiscountTypePercentage DiscountType = "percentage"
	// DiscountTypeFixed subtracts DiscountValue minor units.
	DiscountTypeFixed DiscountType = "fixed"
)

// Product is a catalog entry with its sellable stock counter.
type Product struct {
	ID        string
	Name      string
	SKU       string
	Category  string
	Price     int64
	Currency  string
	Stock     int64
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Coupon is a promotional code with usage constraints.
type Coupon struct {
	Code                  string
	Description           string
	DiscountType          DiscountType
	DiscountValue         int64
	MinimumOrderAmount    int64
	MaximumDiscountAmount *int64
	StartsAt              time.Time
	EndsAt                *time.Time
	UsageLimit            *int64
	UsedCount             int64
	UsedBy                []string
	OnePerUser            bool
	Active                bool
	ProductIDs            []string
	ExcludedProductIDs    []string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Order is the persisted record of a placed order.
type Order struct {
	ID              string
	OrderNumber     string
	UserID          string
	Status          OrderStatus
	Currency        string
	Items           []OrderLineItem
	Totals          OrderTotals
	ShippingAddress Address
	BillingAddress  Address
	Payment         OrderPayment
	Shipping        OrderShipping
	Coupon          *AppliedCoupon
	Reversal        OrderReversal
	CancelReason    string
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ConfirmedAt     *time.Time
	ProcessingAt    *time.Time
	ShippedAt       *time.Time
	DeliveredAt     *time.Time
	CancelledAt     *time.Time
}

// OrderTotals captures the monetary breakdown computed once at creation.
type OrderTotals struct {
	Subtotal int64
	Discount int64
	Shipping int64
	Tax      int64
	Total    int64
}

// OrderLineItem locks a product's price at purchase time.
type OrderLineItem struct {
	ProductID  string
	SKU        string
	Name       string
	Quantity   int64
	UnitPrice  int64
	Total      int64
	Attributes map[string]string
}

// OrderPayment is the payment sub-record of an order.
type OrderPayment struct {
	Method             PaymentMethod
	Status             PaymentStatus
	IntentID           string
	TransactionID      string
	Attempts           int
	RefundID           string
	RefundedAmount     int64
	RefundReason       string
	PaidAt             *time.Time
	FailedAt           *time.Time
	RefundedAt         *time.Time
	// DuplicateIntentIDs lists intents captured after TransactionID; each one needs a refund.
	DuplicateIntentIDs []string
}

// OrderShipping stores fulfillment details.
type OrderShipping struct {
	Method            string
	Cost              int64
	TrackingNumber    string
	EstimatedDelivery *time.Time
}

// AppliedCoupon snapshots the coupon redeemed by an order.
type AppliedCoupon struct {
	Code     string
	Discount int64
}

// OrderReversal tracks compensating effects applied when an order is unwound.
type OrderReversal struct {
	StockRestoredAt  *time.Time
	CouponReleasedAt *time.Time
}

// Address is a postal address snapshot.
type Address struct {
	Recipient  string
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
	Phone      string
}

// IsZero reports whether the address carries no data.
func (a Address) IsZero() bool {
	return a == Address{}
}

// Paid reports whether the order payment has been captured.
func (o Order) Paid() bool {
	return o.Payment.Status == PaymentStatusCompleted
}

// Terminal reports whether no further status transitions are possible.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}
