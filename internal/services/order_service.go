package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/repositories"
)

const (
	orderIDPrefix         = "ord_"
	orderNumberCounterID  = "orders"
	estimatedDeliveryDays = 7
	defaultOrderCurrency  = "USD"

	// CancelReasonReservationExpired marks orders cancelled because payment never arrived.
	CancelReasonReservationExpired = "reservation_expired"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderAccessDenied indicates the caller does not own the order.
	ErrOrderAccessDenied = errors.New("order: access denied")
	// ErrOrderConflict indicates optimistic concurrency conflicts or duplicates.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderUnavailable indicates a backing store could not be reached.
	ErrOrderUnavailable = errors.New("order: repository unavailable")
	// ErrProductNotFound indicates a requested product has no catalog entry.
	ErrProductNotFound = errors.New("order: product not found")
	// ErrProductInactive indicates a requested product is not for sale.
	ErrProductInactive = errors.New("order: product inactive")
	// ErrInsufficientStock indicates fewer units are available than requested.
	ErrInsufficientStock = errors.New("order: insufficient stock")
	// ErrInvalidStatusTransition indicates the requested status change is outside the lifecycle graph.
	ErrInvalidStatusTransition = errors.New("order: invalid status transition")
	// ErrCancellationNotAllowed indicates the order has progressed past the point of cancellation.
	ErrCancellationNotAllowed = errors.New("order: cancellation not allowed")
	// ErrOrderReversalIncomplete indicates stock or coupon restoration could not be finished.
	ErrOrderReversalIncomplete = errors.New("order: reversal incomplete")
)

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Products   repositories.ProductRepository
	Coupons    repositories.CouponRepository
	Orders     repositories.OrderRepository
	Counters   repositories.CounterRepository
	Shipping   ShippingResolver
	TaxRateBps int64
	Currency   string
	// RetainCouponOnCancel keeps coupon usage consumed when an order is cancelled.
	RetainCouponOnCancel bool
	Clock                func() time.Time
	IDGenerator          func() string
	Events               OrderEventPublisher
	Metrics              WorkflowMetrics
	Tracer               trace.Tracer
	Logger               func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	products   repositories.ProductRepository
	coupons    repositories.CouponRepository
	orders     repositories.OrderRepository
	counters   repositories.CounterRepository
	writer     orderWriter
	reverser   orderReverser
	shipping   ShippingResolver
	taxRateBps int64
	currency   string
	clock      func() time.Time
	newID      func() string
	emitter    eventEmitter
	metrics    WorkflowMetrics
	tracer     trace.Tracer
	logger     func(context.Context, string, map[string]any)
}

var _ OrderService = (*orderService)(nil)

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Products == nil {
		return nil, errors.New("order service: product repository is required")
	}
	if deps.Coupons == nil {
		return nil, errors.New("order service: coupon repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: counter repository is required")
	}
	if deps.TaxRateBps < 0 {
		return nil, errors.New("order service: tax rate must not be negative")
	}

	currency := defaultOrderCurrency
	if strings.TrimSpace(deps.Currency) != "" {
		normalized, err := domain.NormalizeCurrency(deps.Currency)
		if err != nil {
			return nil, fmt.Errorf("order service: %w", err)
		}
		currency = normalized
	}

	shipping := deps.Shipping
	if shipping == nil {
		shipping = FlatShippingResolver{}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	utc := func() time.Time {
		return clock().UTC()
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}

	writer := orderWriter{orders: deps.Orders}
	return &orderService{
		products: deps.Products,
		coupons:  deps.Coupons,
		orders:   deps.Orders,
		counters: deps.Counters,
		writer:   writer,
		reverser: orderReverser{
			products: deps.Products,
			coupons:  deps.Coupons,
			writer:   writer,
			clock:    utc,
			logger:   logger,
			metrics:  metrics,

			retainCoupon: deps.RetainCouponOnCancel,
		},
		shipping:   shipping,
		taxRateBps: deps.TaxRateBps,
		currency:   currency,
		clock:      utc,
		newID:      idGen,
		emitter:    eventEmitter{events: deps.Events, logger: logger},
		metrics:    metrics,
		tracer:     defaultTracer(deps.Tracer),
		logger:     logger,
	}, nil
}

func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (_ Order, err error) {
	ctx, span := startSpan(ctx, s.tracer, "orders.CreateOrder", attribute.Int("order.items", len(cmd.Items)))
	defer finishSpan(span, &err)
	defer func() {
		if err != nil {
			s.metrics.OrderRejected(rejectionReason(err))
		}
	}()

	userID := strings.TrimSpace(cmd.UserID)
	if err := validateCreateOrder(userID, cmd); err != nil {
		return Order{}, err
	}
	method := cmd.PaymentMethod
	if method == "" {
		method = domain.PaymentMethodStripe
	}

	items, currency, err := s.resolveItems(ctx, cmd.Items)
	if err != nil {
		return Order{}, err
	}
	var subtotal int64
	for _, item := range items {
		subtotal += item.Total
	}

	ledger := &compensationLedger{}
	fail := func(cause error) (Order, error) {
		if failed := ledger.unwind(ctx, s.logger, s.metrics); failed > 0 {
			return Order{}, fmt.Errorf("%w (%d compensations failed)", cause, failed)
		}
		return Order{}, cause
	}

	for _, item := range items {
		if _, err := s.products.DecrementStock(ctx, item.ProductID, item.Quantity); err != nil {
			return fail(s.mapStockError(item.ProductID, err))
		}
		productID, qty := item.ProductID, item.Quantity
		ledger.push(compensationStockRestore, func(ctx context.Context) error {
			_, err := s.products.IncrementStock(ctx, productID, qty)
			return err
		})
	}

	now := s.clock()
	var (
		applied  *domain.AppliedCoupon
		discount int64
	)
	if code := normalizeCouponCode(cmd.CouponCode); code != "" {
		coupon, err := s.coupons.FindByCode(ctx, code)
		if err != nil {
			return fail(s.mapCouponError(code, err))
		}
		discount, err = evaluateCoupon(coupon, userID, items, subtotal, now)
		if err != nil {
			return fail(err)
		}
		applied = &domain.AppliedCoupon{Code: coupon.Code, Discount: discount}
	}

	shippingAddress := trimAddress(cmd.ShippingAddress)
	quote, err := s.shipping.Quote(ctx, ShippingQuoteRequest{
		Currency: currency,
		Subtotal: subtotal,
		Items:    items,
		Address:  shippingAddress,
	})
	if err != nil {
		return fail(fmt.Errorf("order: shipping quote: %w", err))
	}
	totals := computeTotals(subtotal, discount, quote.Cost, s.taxRateBps)

	if applied != nil {
		if _, err := s.coupons.IncrementUsage(ctx, applied.Code, userID, now); err != nil {
			return fail(s.mapCouponError(applied.Code, err))
		}
		code := applied.Code
		ledger.push(compensationCouponRelease, func(ctx context.Context) error {
			_, err := s.coupons.DecrementUsage(ctx, code, userID, s.clock())
			return err
		})
	}

	number, err := s.generateOrderNumber(ctx, now)
	if err != nil {
		return fail(mapRepositoryError(err))
	}

	billing := shippingAddress
	if cmd.BillingAddress != nil && !cmd.BillingAddress.IsZero() {
		billing = trimAddress(*cmd.BillingAddress)
	}

	order := Order{
		ID:              orderIDPrefix + s.newID(),
		OrderNumber:     number,
		UserID:          userID,
		Status:          domain.OrderStatusPending,
		Currency:        currency,
		Items:           items,
		Totals:          totals,
		ShippingAddress: shippingAddress,
		BillingAddress:  billing,
		Payment: domain.OrderPayment{
			Method: method,
			Status: domain.PaymentStatusPending,
		},
		Shipping: domain.OrderShipping{
			Method: quote.Method,
			Cost:   quote.Cost,
		},
		Coupon:    applied,
		CreatedAt: now,
		UpdatedAt: now,
	}

	saved, err := s.orders.Insert(ctx, order)
	if err != nil {
		return fail(mapRepositoryError(err))
	}

	span.SetAttributes(attribute.String("order.id", saved.ID), attribute.Int64("order.total", saved.Totals.Total))
	s.metrics.OrderCreated(saved.Currency, saved.Totals.Total)
	metadata := map[string]any{
		"total":    saved.Totals.Total,
		"currency": saved.Currency,
	}
	if applied != nil {
		metadata["coupon"] = applied.Code
	}
	s.emitter.publish(ctx, orderEvent(orderEventCreated, saved, "", userID, now, metadata))
	return saved, nil
}

func (s *orderService) GetOrder(ctx context.Context, cmd GetOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.writer.load(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if !cmd.Privileged && order.UserID != strings.TrimSpace(cmd.ActorID) {
		return Order{}, fmt.Errorf("%w: order %s", ErrOrderAccessDenied, orderID)
	}
	return order, nil
}

func (s *orderService) TrackOrder(ctx context.Context, orderNumber string) (Order, error) {
	orderNumber = strings.TrimSpace(orderNumber)
	if orderNumber == "" {
		return Order{}, fmt.Errorf("%w: order number is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByOrderNumber(ctx, orderNumber)
	if err != nil {
		return Order{}, mapRepositoryError(err)
	}
	return order, nil
}

// CancelOrder moves the order to cancelled and then returns its stock and coupon redemption.
// The status change is written first; an interrupted reversal is finished by the next call.
func (s *orderService) CancelOrder(ctx context.Context, cmd CancelOrderCommand) (_ Order, err error) {
	ctx, span := startSpan(ctx, s.tracer, "orders.CancelOrder", attribute.String("order.id", cmd.OrderID))
	defer finishSpan(span, &err)

	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	actorID := strings.TrimSpace(cmd.ActorID)

	order, err := s.writer.load(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if !cmd.Privileged && order.UserID != actorID {
		return Order{}, fmt.Errorf("%w: order %s", ErrOrderAccessDenied, orderID)
	}

	if order.Status == domain.OrderStatusCancelled {
		if s.reverser.pending(order, true) {
			return s.reverser.run(ctx, order, true)
		}
		return Order{}, fmt.Errorf("%w: order %s is already cancelled", ErrCancellationNotAllowed, orderID)
	}

	reason := strings.TrimSpace(cmd.Reason)
	var previous OrderStatus
	now := s.clock()
	cancelled, _, err := s.writer.apply(ctx, order, func(o *Order) (bool, error) {
		if !canTransition(o.Status, domain.OrderStatusCancelled) {
			return false, fmt.Errorf("%w: order status %q cannot be cancelled", ErrCancellationNotAllowed, o.Status)
		}
		previous = o.Status
		o.Status = domain.OrderStatusCancelled
		o.CancelReason = reason
		o.CancelledAt = &now
		o.UpdatedAt = now
		return true, nil
	})
	if err != nil {
		return Order{}, err
	}

	s.metrics.OrderCancelled(cancelMetricReason(reason))
	metadata := map[string]any{}
	if reason != "" {
		metadata["reason"] = reason
	}
	if cancelled.Paid() {
		metadata["refundRequired"] = true
	}
	s.emitter.publish(ctx, orderEvent(orderEventCancelled, cancelled, previous, actorID, now, metadata))

	reversed, err := s.reverser.run(ctx, cancelled, true)
	if err != nil {
		s.logger(ctx, "order.cancel.reversal_incomplete", map[string]any{
			"order": cancelled.ID,
			"error": err.Error(),
		})
		return Order{}, err
	}
	return reversed, nil
}

// UpdateStatus applies an administrative lifecycle change. Cancellation is routed through
// CancelOrder so stock and coupon usage are reversed.
func (s *orderService) UpdateStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (_ Order, err error) {
	ctx, span := startSpan(ctx, s.tracer, "orders.UpdateStatus",
		attribute.String("order.id", cmd.OrderID),
		attribute.String("order.target_status", string(cmd.Status)),
	)
	defer finishSpan(span, &err)

	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	target := OrderStatus(strings.ToLower(strings.TrimSpace(string(cmd.Status))))
	if !slices.Contains(knownOrderStatuses, target) {
		return Order{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, cmd.Status)
	}
	if target == domain.OrderStatusCancelled {
		return s.CancelOrder(ctx, CancelOrderCommand{
			OrderID:    orderID,
			ActorID:    cmd.ActorID,
			Reason:     cmd.Reason,
			Privileged: true,
		})
	}

	order, err := s.writer.load(ctx, orderID)
	if err != nil {
		return Order{}, err
	}

	tracking := strings.TrimSpace(cmd.TrackingNumber)
	var previous OrderStatus
	now := s.clock()
	updated, changed, err := s.writer.apply(ctx, order, func(o *Order) (bool, error) {
		previous = o.Status
		if o.Status == target {
			if tracking == "" || tracking == o.Shipping.TrackingNumber {
				return false, nil
			}
			o.Shipping.TrackingNumber = tracking
			o.UpdatedAt = now
			return true, nil
		}
		if !canTransition(o.Status, target) {
			return false, fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, o.Status, target)
		}
		o.Status = target
		o.UpdatedAt = now
		if tracking != "" {
			o.Shipping.TrackingNumber = tracking
		}
		stampStatus(o, target, now)
		return true, nil
	})
	if err != nil {
		return Order{}, err
	}
	if changed && previous != updated.Status {
		metadata := map[string]any{}
		if tracking != "" {
			metadata["trackingNumber"] = tracking
		}
		s.emitter.publish(ctx, orderEvent(orderEventStatusChanged, updated, previous, strings.TrimSpace(cmd.ActorID), now, metadata))
	}
	return updated, nil
}

func (s *orderService) CompleteReversal(ctx context.Context, orderID string) (Order, error) {
	order, err := s.writer.load(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return Order{}, err
	}
	if order.Status != domain.OrderStatusCancelled || !s.reverser.pending(order, true) {
		return order, nil
	}
	return s.reverser.run(ctx, order, true)
}

func (s *orderService) resolveItems(ctx context.Context, requested []CreateOrderItem) ([]OrderLineItem, string, error) {
	items := make([]OrderLineItem, 0, len(requested))
	currency := ""
	for _, req := range requested {
		productID := strings.TrimSpace(req.ProductID)
		product, err := s.products.FindByID(ctx, productID)
		if err != nil {
			return nil, "", s.mapStockError(productID, err)
		}
		if !product.Active {
			return nil, "", fmt.Errorf("%w: %s", ErrProductInactive, productID)
		}
		if req.Quantity > product.Stock {
			return nil, "", fmt.Errorf("%w: %s has %d available, %d requested", ErrInsufficientStock, productID, product.Stock, req.Quantity)
		}

		productCurrency := s.currency
		if strings.TrimSpace(product.Currency) != "" {
			productCurrency = strings.ToUpper(strings.TrimSpace(product.Currency))
		}
		if currency == "" {
			currency = productCurrency
		} else if currency != productCurrency {
			return nil, "", fmt.Errorf("%w: items must share one currency (%s, %s)", ErrOrderInvalidInput, currency, productCurrency)
		}

		items = append(items, OrderLineItem{
			ProductID:  product.ID,
			SKU:        product.SKU,
			Name:       product.Name,
			Quantity:   req.Quantity,
			UnitPrice:  product.Price,
			Total:      product.Price * req.Quantity,
			Attributes: maps.Clone(req.Attributes),
		})
	}
	return items, currency, nil
}

func (s *orderService) generateOrderNumber(ctx context.Context, now time.Time) (string, error) {
	seq, err := s.counters.Next(ctx, orderNumberCounterID, 1)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("ORD-%d-%d", now.UnixMilli(), seq), nil
}

func (s *orderService) mapStockError(productID string, err error) error {
	if code, ok := repositories.StockErrorCodeOf(err); ok {
		switch code {
		case repositories.StockErrorProductNotFound:
			return fmt.Errorf("%w: %s", ErrProductNotFound, productID)
		case repositories.StockErrorInsufficient:
			return fmt.Errorf("%w: %v", ErrInsufficientStock, err)
		case repositories.StockErrorInvalidQuantity:
			return fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
		}
	}
	return mapRepositoryError(err)
}

func (s *orderService) mapCouponError(code string, err error) error {
	if couponCode, ok := repositories.CouponErrorCodeOf(err); ok {
		switch couponCode {
		case repositories.CouponErrorNotFound:
			return fmt.Errorf("%w: %s not found", ErrCouponInvalid, code)
		case repositories.CouponErrorExhausted:
			return fmt.Errorf("%w: %s", ErrCouponExhausted, code)
		case repositories.CouponErrorAlreadyUsed:
			return fmt.Errorf("%w: %s", ErrCouponAlreadyUsed, code)
		}
	}
	return mapRepositoryError(err)
}

func validateCreateOrder(userID string, cmd CreateOrderCommand) error {
	if userID == "" {
		return fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	if len(cmd.Items) == 0 {
		return fmt.Errorf("%w: at least one item is required", ErrOrderInvalidInput)
	}
	for i, item := range cmd.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			return fmt.Errorf("%w: items[%d].productId is required", ErrOrderInvalidInput, i)
		}
		if item.Quantity < 1 {
			return fmt.Errorf("%w: items[%d].quantity must be at least 1", ErrOrderInvalidInput, i)
		}
	}
	addr := trimAddress(cmd.ShippingAddress)
	if addr.Line1 == "" || addr.City == "" || addr.PostalCode == "" || addr.Country == "" {
		return fmt.Errorf("%w: shipping address requires line1, city, postal code and country", ErrOrderInvalidInput)
	}
	switch cmd.PaymentMethod {
	case "", domain.PaymentMethodStripe, domain.PaymentMethodPayPal:
	default:
		return fmt.Errorf("%w: unsupported payment method %q", ErrOrderInvalidInput, cmd.PaymentMethod)
	}
	return nil
}

func stampStatus(order *Order, status OrderStatus, now time.Time) {
	switch status {
	case domain.OrderStatusConfirmed:
		order.ConfirmedAt = valuePtr(now)
	case domain.OrderStatusProcessing:
		order.ProcessingAt = valuePtr(now)
	case domain.OrderStatusShipped:
		order.ShippedAt = valuePtr(now)
		if order.Shipping.EstimatedDelivery == nil {
			order.Shipping.EstimatedDelivery = valuePtr(now.AddDate(0, 0, estimatedDeliveryDays))
		}
	case domain.OrderStatusDelivered:
		order.DeliveredAt = valuePtr(now)
	}
}

func trimAddress(addr Address) Address {
	return Address{
		Recipient:  strings.TrimSpace(addr.Recipient),
		Line1:      strings.TrimSpace(addr.Line1),
		Line2:      strings.TrimSpace(addr.Line2),
		City:       strings.TrimSpace(addr.City),
		State:      strings.TrimSpace(addr.State),
		PostalCode: strings.TrimSpace(addr.PostalCode),
		Country:    strings.ToUpper(strings.TrimSpace(addr.Country)),
		Phone:      strings.TrimSpace(addr.Phone),
	}
}

func normalizeCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func cancelMetricReason(reason string) string {
	if reason == CancelReasonReservationExpired {
		return reason
	}
	return "requested"
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrOrderInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrProductNotFound), errors.Is(err, ErrProductInactive):
		return "product_unavailable"
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrCouponInvalid), errors.Is(err, ErrCouponExpired), errors.Is(err, ErrCouponExhausted),
		errors.Is(err, ErrCouponAlreadyUsed), errors.Is(err, ErrCouponMinimumNotMet):
		return "coupon_rejected"
	default:
		return "internal"
	}
}
