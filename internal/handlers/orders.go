package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/platform/auth"
	"github.com/storefront/api/internal/platform/httpx"
	"github.com/storefront/api/internal/platform/textutil"
	"github.com/storefront/api/internal/services"
)

const (
	maxCreateOrderBodySize = 64 * 1024
	maxOrderCancelBodySize = 4 * 1024
	maxAddressFieldLength  = 200
	maxAttributeLength     = 200
	maxLineAttributes      = 20
	maxReasonLength        = 500
)

type createOrderRequest struct {
	Items           []createOrderItemRequest `json:"items"`
	ShippingAddress addressPayload           `json:"shipping_address"`
	BillingAddress  *addressPayload          `json:"billing_address"`
	PaymentMethod   string                   `json:"payment_method"`
	CouponCode      string                   `json:"coupon_code"`
}

type createOrderItemRequest struct {
	ProductID  string            `json:"product_id"`
	Quantity   int64             `json:"quantity"`
	Attributes map[string]string `json:"attributes"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

// OrderOption customises OrderHandlers.
type OrderOption func(*OrderHandlers)

// WithOrderIdempotency wraps the mutating order routes with an idempotency middleware.
func WithOrderIdempotency(mw func(http.Handler) http.Handler) OrderOption {
	return func(h *OrderHandlers) {
		h.idempotency = mw
	}
}

// WithTrackingLimiter throttles the public tracking lookup per client address.
func WithTrackingLimiter(limiter RateLimiter) OrderOption {
	return func(h *OrderHandlers) {
		h.trackingLimiter = limiter
	}
}

// WithOrderLimiter throttles authenticated order calls per user.
func WithOrderLimiter(limiter RateLimiter) OrderOption {
	return func(h *OrderHandlers) {
		h.limiter = limiter
	}
}

// OrderHandlers exposes order placement, lookup and cancellation for authenticated users.
type OrderHandlers struct {
	authn           *auth.Authenticator
	orders          services.OrderService
	idempotency     func(http.Handler) http.Handler
	limiter         RateLimiter
	trackingLimiter RateLimiter
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, opts ...OrderOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:  authn,
		orders: orders,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	if h.limiter != nil {
		r.Use(RateLimitMiddleware(h.limiter, IdentityKey))
	}
	mutating := r
	if h.idempotency != nil {
		mutating = r.With(h.idempotency)
	}
	mutating.Post("/", h.createOrder)
	r.Get("/{orderID}", h.getOrder)
	mutating.Post("/{orderID}:cancel", h.cancelOrder)
}

// PublicRoutes registers the unauthenticated tracking lookup under /public.
func (h *OrderHandlers) PublicRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/orders/track/{orderNumber}", h.trackOrder)
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w, "order")
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var req createOrderRequest
	if !decodeJSONBody(w, r, maxCreateOrderBodySize, &req, false) {
		return
	}

	items := make([]services.CreateOrderItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, services.CreateOrderItem{
			ProductID:  strings.TrimSpace(item.ProductID),
			Quantity:   item.Quantity,
			Attributes: textutil.SanitizeAttributes(item.Attributes, maxLineAttributes, maxAttributeLength),
		})
	}
	cmd := services.CreateOrderCommand{
		UserID:          identity.UID,
		Items:           items,
		ShippingAddress: req.ShippingAddress.toDomain(),
		PaymentMethod:   domain.PaymentMethod(strings.ToLower(strings.TrimSpace(req.PaymentMethod))),
		CouponCode:      strings.TrimSpace(req.CouponCode),
	}
	if req.BillingAddress != nil {
		billing := req.BillingAddress.toDomain()
		cmd.BillingAddress = &billing
	}

	order, err := h.orders.CreateOrder(ctx, cmd)
	if err != nil {
		writeWorkflowError(ctx, w, err)
		return
	}
	w.Header().Set("Location", strings.TrimSuffix(r.URL.Path, "/")+"/"+order.ID)
	writeJSONResponse(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
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

	order, err := h.orders.GetOrder(ctx, services.GetOrderCommand{
		OrderID:    orderID,
		ActorID:    identity.UID,
		Privileged: identity.IsAdmin(),
	})
	if err != nil {
		writeWorkflowError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
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

	var req cancelOrderRequest
	if !decodeJSONBody(w, r, maxOrderCancelBodySize, &req, true) {
		return
	}

	cancelled, err := h.orders.CancelOrder(ctx, services.CancelOrderCommand{
		OrderID: orderID,
		ActorID: identity.UID,
		Reason:  textutil.SanitizeText(req.Reason, maxReasonLength),
	})
	if err != nil {
		writeWorkflowError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(cancelled)})
}

func (h *OrderHandlers) trackOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w, "order")
		return
	}
	if h.trackingLimiter != nil && !h.trackingLimiter.Allow(ctx, clientKey(r)) {
		writeRateLimited(w, r, "too many tracking requests")
		return
	}

	orderNumber := strings.TrimSpace(chi.URLParam(r, "orderNumber"))
	if orderNumber == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order number is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.TrackOrder(ctx, orderNumber)
	if err != nil {
		writeWorkflowError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildTrackingPayload(order))
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderPayload struct {
	ID              string               `json:"id"`
	OrderNumber     string               `json:"order_number"`
	UserID          string               `json:"user_id"`
	Status          string               `json:"status"`
	Currency        string               `json:"currency"`
	Totals          orderTotalsPayload   `json:"totals"`
	Coupon          *orderCouponPayload  `json:"coupon,omitempty"`
	Items           []orderItemPayload   `json:"items"`
	ShippingAddress addressPayload       `json:"shipping_address"`
	BillingAddress  *addressPayload      `json:"billing_address,omitempty"`
	Payment         orderPaymentPayload  `json:"payment"`
	Shipping        orderShippingPayload `json:"shipping"`
	CancelReason    string               `json:"cancel_reason,omitempty"`
	CreatedAt       string               `json:"created_at"`
	UpdatedAt       string               `json:"updated_at,omitempty"`
	ConfirmedAt     string               `json:"confirmed_at,omitempty"`
	ProcessingAt    string               `json:"processing_at,omitempty"`
	ShippedAt       string               `json:"shipped_at,omitempty"`
	DeliveredAt     string               `json:"delivered_at,omitempty"`
	CancelledAt     string               `json:"cancelled_at,omitempty"`
}

type orderTotalsPayload struct {
	Subtotal     int64  `json:"subtotal"`
	Discount     int64  `json:"discount"`
	Shipping     int64  `json:"shipping"`
	Tax          int64  `json:"tax"`
	Total        int64  `json:"total"`
	TotalDisplay string `json:"total_display"`
}

type orderCouponPayload struct {
	Code     string `json:"code"`
	Discount int64  `json:"discount"`
}

type orderItemPayload struct {
	ProductID  string            `json:"product_id"`
	SKU        string            `json:"sku,omitempty"`
	Name       string            `json:"name"`
	Quantity   int64             `json:"quantity"`
	UnitPrice  int64             `json:"unit_price"`
	Total      int64             `json:"total"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type orderPaymentPayload struct {
	Method             string   `json:"method,omitempty"`
	Status             string   `json:"status"`
	IntentID           string   `json:"intent_id,omitempty"`
	TransactionID      string   `json:"transaction_id,omitempty"`
	Attempts           int      `json:"attempts,omitempty"`
	RefundID           string   `json:"refund_id,omitempty"`
	RefundedAmount     int64    `json:"refunded_amount,omitempty"`
	RefundReason       string   `json:"refund_reason,omitempty"`
	PaidAt             string   `json:"paid_at,omitempty"`
	FailedAt           string   `json:"failed_at,omitempty"`
	RefundedAt         string   `json:"refunded_at,omitempty"`
	// DuplicateIntentIDs lists extra captures awaiting a refund.
	DuplicateIntentIDs []string `json:"duplicate_intent_ids,omitempty"`
}

type orderShippingPayload struct {
	Method            string `json:"method,omitempty"`
	Cost              int64  `json:"cost"`
	TrackingNumber    string `json:"tracking_number,omitempty"`
	EstimatedDelivery string `json:"estimated_delivery,omitempty"`
}

type addressPayload struct {
	Recipient  string `json:"recipient,omitempty"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

func (a addressPayload) toDomain() domain.Address {
	return domain.Address{
		Recipient:  textutil.SanitizeText(a.Recipient, maxAddressFieldLength),
		Line1:      textutil.SanitizeText(a.Line1, maxAddressFieldLength),
		Line2:      textutil.SanitizeText(a.Line2, maxAddressFieldLength),
		City:       textutil.SanitizeText(a.City, maxAddressFieldLength),
		State:      textutil.SanitizeText(a.State, maxAddressFieldLength),
		PostalCode: textutil.SanitizeText(a.PostalCode, 20),
		Country:    textutil.SanitizeText(a.Country, 64),
		Phone:      textutil.SanitizeText(a.Phone, 32),
	}
}

func newAddressPayload(addr domain.Address) addressPayload {
	return addressPayload{
		Recipient:  addr.Recipient,
		Line1:      addr.Line1,
		Line2:      addr.Line2,
		City:       addr.City,
		State:      addr.State,
		PostalCode: addr.PostalCode,
		Country:    addr.Country,
		Phone:      addr.Phone,
	}
}

func newPaymentPayload(p domain.OrderPayment) orderPaymentPayload {
	return orderPaymentPayload{
		Method:             string(p.Method),
		Status:             string(p.Status),
		IntentID:           p.IntentID,
		TransactionID:      p.TransactionID,
		Attempts:           p.Attempts,
		RefundID:           p.RefundID,
		RefundedAmount:     p.RefundedAmount,
		RefundReason:       p.RefundReason,
		PaidAt:             formatTimePtr(p.PaidAt),
		FailedAt:           formatTimePtr(p.FailedAt),
		RefundedAt:         formatTimePtr(p.RefundedAt),
		DuplicateIntentIDs: p.DuplicateIntentIDs,
	}
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:          order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		Status:      string(order.Status),
		Currency:    order.Currency,
		Totals: orderTotalsPayload{
			Subtotal:     order.Totals.Subtotal,
			Discount:     order.Totals.Discount,
			Shipping:     order.Totals.Shipping,
			Tax:          order.Totals.Tax,
			Total:        order.Totals.Total,
			TotalDisplay: domain.FormatAmount(order.Totals.Total, order.Currency),
		},
		Items:           make([]orderItemPayload, 0, len(order.Items)),
		ShippingAddress: newAddressPayload(order.ShippingAddress),
		Payment:         newPaymentPayload(order.Payment),
		Shipping: orderShippingPayload{
			Method:            order.Shipping.Method,
			Cost:              order.Shipping.Cost,
			TrackingNumber:    order.Shipping.TrackingNumber,
			EstimatedDelivery: formatTimePtr(order.Shipping.EstimatedDelivery),
		},
		CancelReason: order.CancelReason,
		CreatedAt:    formatTime(order.CreatedAt),
		UpdatedAt:    formatTime(order.UpdatedAt),
		ConfirmedAt:  formatTimePtr(order.ConfirmedAt),
		ProcessingAt: formatTimePtr(order.ProcessingAt),
		ShippedAt:    formatTimePtr(order.ShippedAt),
		DeliveredAt:  formatTimePtr(order.DeliveredAt),
		CancelledAt:  formatTimePtr(order.CancelledAt),
	}
	if order.Coupon != nil {
		payload.Coupon = &orderCouponPayload{Code: order.Coupon.Code, Discount: order.Coupon.Discount}
	}
	if !order.BillingAddress.IsZero() && order.BillingAddress != order.ShippingAddress {
		billing := newAddressPayload(order.BillingAddress)
		payload.BillingAddress = &billing
	}
	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			ProductID:  item.ProductID,
			SKU:        item.SKU,
			Name:       item.Name,
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
			Total:      item.Total,
			Attributes: item.Attributes,
		})
	}
	return payload
}

// trackingPayload is the redacted public view of an order: no customer, address or payment identifiers.
type trackingPayload struct {
	OrderNumber       string                `json:"order_number"`
	Status            string                `json:"status"`
	PaymentStatus     string                `json:"payment_status"`
	Items             []trackingItemPayload `json:"items"`
	TrackingNumber    string                `json:"tracking_number,omitempty"`
	EstimatedDelivery string                `json:"estimated_delivery,omitempty"`
	CreatedAt         string                `json:"created_at"`
	ConfirmedAt       string                `json:"confirmed_at,omitempty"`
	ShippedAt         string                `json:"shipped_at,omitempty"`
	DeliveredAt       string                `json:"delivered_at,omitempty"`
	CancelledAt       string                `json:"cancelled_at,omitempty"`
}

type trackingItemPayload struct {
	Name     string `json:"name"`
	Quantity int64  `json:"quantity"`
}

func buildTrackingPayload(order services.Order) trackingPayload {
	payload := trackingPayload{
		OrderNumber:       order.OrderNumber,
		Status:            string(order.Status),
		PaymentStatus:     string(order.Payment.Status),
		Items:             make([]trackingItemPayload, 0, len(order.Items)),
		TrackingNumber:    order.Shipping.TrackingNumber,
		EstimatedDelivery: formatTimePtr(order.Shipping.EstimatedDelivery),
		CreatedAt:         formatTime(order.CreatedAt),
		ConfirmedAt:       formatTimePtr(order.ConfirmedAt),
		ShippedAt:         formatTimePtr(order.ShippedAt),
		DeliveredAt:       formatTimePtr(order.DeliveredAt),
		CancelledAt:       formatTimePtr(order.CancelledAt),
	}
	for _, item := range order.Items {
		payload.Items = append(payload.Items, trackingItemPayload{Name: item.Name, Quantity: item.Quantity})
	}
	return payload
}
