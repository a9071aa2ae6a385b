package services

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/repositories"
	"github.com/storefront/api/internal/repositories/memory"
)

type recordingEvents struct {
	mu     sync.Mutex
	events []OrderEvent
}

func (r *recordingEvents) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingEvents) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.events))
	for _, event := range r.events {
		types = append(types, event.Type)
	}
	return types
}

func (r *recordingEvents) count(eventType string) int {
	n := 0
	for _, t := range r.types() {
		if t == eventType {
			n++
		}
	}
	return n
}

type recordingMetrics struct {
	mu            sync.Mutex
	created       int
	rejected      map[string]int
	cancelled     map[string]int
	compensations map[string]int
	reconciled    map[string]int
	refunds       []bool
	sweeps        []SweepResult
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		rejected:      map[string]int{},
		cancelled:     map[string]int{},
		compensations: map[string]int{},
		reconciled:    map[string]int{},
	}
}

func (m *recordingMetrics) OrderCreated(string, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created++
}

func (m *recordingMetrics) OrderRejected(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected[reason]++
}

func (m *recordingMetrics) OrderCancelled(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled[reason]++
}

func (m *recordingMetrics) CompensationApplied(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compensations[kind]++
}

func (m *recordingMetrics) PaymentReconciled(source, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconciled[source+":"+outcome]++
}

func (m *recordingMetrics) RefundIssued(_ bool, restocked bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refunds = append(m.refunds, restocked)
}

func (m *recordingMetrics) ReservationsSwept(result SweepResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweeps = append(m.sweeps, result)
}

type flakyProducts struct {
	repositories.ProductRepository
	decrementFn func(ctx context.Context, productID string, qty int64) (domain.Product, error)
	incrementFn func(ctx context.Context, productID string, qty int64) (domain.Product, error)
}

func (f *flakyProducts) DecrementStock(ctx context.Context, productID string, qty int64) (domain.Product, error) {
	if f.decrementFn != nil {
		return f.decrementFn(ctx, productID, qty)
	}
	return f.ProductRepository.DecrementStock(ctx, productID, qty)
}

func (f *flakyProducts) IncrementStock(ctx context.Context, productID string, qty int64) (domain.Product, error) {
	if f.incrementFn != nil {
		return f.incrementFn(ctx, productID, qty)
	}
	return f.ProductRepository.IncrementStock(ctx, productID, qty)
}

type flakyCoupons struct {
	repositories.CouponRepository
	decrementFn func(ctx context.Context, code, userID string, now time.Time) (domain.Coupon, error)
}

func (f *flakyCoupons) DecrementUsage(ctx context.Context, code, userID string, now time.Time) (domain.Coupon, error) {
	if f.decrementFn != nil {
		return f.decrementFn(ctx, code, userID, now)
	}
	return f.CouponRepository.DecrementUsage(ctx, code, userID, now)
}

type flakyOrders struct {
	repositories.OrderRepository
	insertFn func(ctx context.Context, order domain.Order) (domain.Order, error)
}

func (f *flakyOrders) Insert(ctx context.Context, order domain.Order) (domain.Order, error) {
	if f.insertFn != nil {
		return f.insertFn(ctx, order)
	}
	return f.OrderRepository.Insert(ctx, order)
}

type orderFixture struct {
	products *flakyProducts
	coupons  *flakyCoupons
	orders   *flakyOrders
	catalog  *memory.ProductStore
	promos   *memory.CouponStore
	events   *recordingEvents
	metrics  *recordingMetrics
	now      time.Time
	svc      OrderService
}

func newOrderFixture(t *testing.T, configure ...func(*OrderServiceDeps)) *orderFixture {
	t.Helper()
	catalog := memory.NewProductStore()
	catalog.Put(domain.Product{ID: "p1", Name: "Desk Lamp", SKU: "LAMP-1", Price: 5000, Currency: "USD", Stock: 10, Active: true})
	catalog.Put(domain.Product{ID: "p2", Name: "Bulb", SKU: "BULB-1", Price: 2500, Currency: "USD", Stock: 5, Active: true})
	catalog.Put(domain.Product{ID: "retired", Name: "Old Lamp", Price: 1000, Currency: "USD", Stock: 3, Active: false})

	promos := memory.NewCouponStore()
	promos.Put(domain.Coupon{
		Code:          "SAVE20",
		DiscountType:  domain.DiscountTypeFixed,
		DiscountValue: 2000,
		Active:        true,
		OnePerUser:    true,
	})

	f := &orderFixture{
		products: &flakyProducts{ProductRepository: catalog},
		coupons:  &flakyCoupons{CouponRepository: promos},
		orders:   &flakyOrders{OrderRepository: memory.NewOrderStore()},
		catalog:  catalog,
		promos:   promos,
		events:   &recordingEvents{},
		metrics:  newRecordingMetrics(),
		now:      time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}

	deps := OrderServiceDeps{
		Products:   f.products,
		Coupons:    f.coupons,
		Orders:     f.orders,
		Counters:   memory.NewCounterStore(),
		Shipping:   FlatShippingResolver{},
		TaxRateBps: DefaultTaxRateBasisPoints,
		Clock:      func() time.Time { return f.now },
		Events:     f.events,
		Metrics:    f.metrics,
	}
	for _, fn := range configure {
		fn(&deps)
	}
	svc, err := NewOrderService(deps)
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	f.svc = svc
	return f
}

func (f *orderFixture) stock(t *testing.T, productID string) int64 {
	t.Helper()
	product, err := f.catalog.FindByID(context.Background(), productID)
	if err != nil {
		t.Fatalf("find product %s: %v", productID, err)
	}
	return product.Stock
}

func (f *orderFixture) coupon(t *testing.T, code string) domain.Coupon {
	t.Helper()
	coupon, err := f.promos.FindByCode(context.Background(), code)
	if err != nil {
		t.Fatalf("find coupon %s: %v", code, err)
	}
	return coupon
}

func (f *orderFixture) place(t *testing.T, userID string, coupon string, items ...CreateOrderItem) Order {
	t.Helper()
	order, err := f.svc.CreateOrder(context.Background(), orderCommand(userID, coupon, items...))
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	return order
}

func orderCommand(userID, coupon string, items ...CreateOrderItem) CreateOrderCommand {
	return CreateOrderCommand{
		UserID: userID,
		Items:  items,
		ShippingAddress: Address{
			Recipient:  "Ada Lovelace",
			Line1:      "1 Main St",
			City:       "Springfield",
			PostalCode: "12345",
			Country:    "us",
		},
		CouponCode: coupon,
	}
}

func item(productID string, qty int64) CreateOrderItem {
	return CreateOrderItem{ProductID: productID, Quantity: qty}
}

func TestOrderServiceCreateOrderComputesTotals(t *testing.T) {
	f := newOrderFixture(t)

	order := f.place(t, "user-1", "save20", item("p1", 2))

	want := OrderTotals{Subtotal: 10000, Discount: 2000, Shipping: 0, Tax: 1000, Total: 9000}
	if order.Totals != want {
		t.Fatalf("expected totals %+v, got %+v", want, order.Totals)
	}
	if order.Status != domain.OrderStatusPending || order.Payment.Status != domain.PaymentStatusPending {
		t.Fatalf("expected pending order and payment, got %s/%s", order.Status, order.Payment.Status)
	}
	if !strings.HasPrefix(order.ID, "ord_") {
		t.Fatalf("expected ord_ id prefix, got %q", order.ID)
	}
	if !strings.HasPrefix(order.OrderNumber, "ORD-") || !strings.HasSuffix(order.OrderNumber, "-1") {
		t.Fatalf("unexpected order number %q", order.OrderNumber)
	}
	if order.Payment.Method != domain.PaymentMethodStripe {
		t.Fatalf("expected default stripe method, got %q", order.Payment.Method)
	}
	if order.ShippingAddress.Country != "US" || order.BillingAddress != order.ShippingAddress {
		t.Fatalf("expected normalised shipping address copied to billing, got %+v / %+v", order.ShippingAddress, order.BillingAddress)
	}
	if order.Coupon == nil || order.Coupon.Code != "SAVE20" || order.Coupon.Discount != 2000 {
		t.Fatalf("unexpected applied coupon %+v", order.Coupon)
	}
	if len(order.Items) != 1 || order.Items[0].UnitPrice != 5000 || order.Items[0].Total != 10000 {
		t.Fatalf("unexpected line items %+v", order.Items)
	}

	if got := f.stock(t, "p1"); got != 8 {
		t.Fatalf("expected stock 8, got %d", got)
	}
	coupon := f.coupon(t, "SAVE20")
	if coupon.UsedCount != 1 || !slices.Contains(coupon.UsedBy, "user-1") {
		t.Fatalf("expected coupon redeemed by user-1, got %+v", coupon)
	}
	if got := f.events.types(); !slices.Equal(got, []string{orderEventCreated}) {
		t.Fatalf("expected created event, got %v", got)
	}
	if f.metrics.created != 1 {
		t.Fatalf("expected created metric, got %d", f.metrics.created)
	}
}

func TestOrderServiceCreateOrderPercentageCouponAndShipping(t *testing.T) {
	f := newOrderFixture(t, func(deps *OrderServiceDeps) {
		deps.Shipping = FlatShippingResolver{Cost: 800, FreeThreshold: 20000}
	})
	maxDiscount := int64(1000)
	f.promos.Put(domain.Coupon{
		Code:                  "TENOFF",
		DiscountType:          domain.DiscountTypePercentage,
		DiscountValue:         15,
		MaximumDiscountAmount: &maxDiscount,
		ProductIDs:            []string{"p2"},
		Active:                true,
	})

	order := f.place(t, "user-1", "TENOFF", item("p1", 1), item("p2", 3))

	// 15% of the eligible 7500 is 1125, capped at 1000. Tax is 10% of 12500.
	want := OrderTotals{Subtotal: 12500, Discount: 1000, Shipping: 800, Tax: 1250, Total: 13550}
	if order.Totals != want {
		t.Fatalf("expected totals %+v, got %+v", want, order.Totals)
	}
	if order.Shipping.Method != "standard" || order.Shipping.Cost != 800 {
		t.Fatalf("unexpected shipping %+v", order.Shipping)
	}
}

func TestOrderServiceCreateOrderValidation(t *testing.T) {
	f := newOrderFixture(t)
	valid := orderCommand("user-1", "", item("p1", 1))

	cases := []struct {
		name   string
		mutate func(*CreateOrderCommand)
		want   error
	}{
		{"missing user", func(c *CreateOrderCommand) { c.UserID = " " }, ErrOrderInvalidInput},
		{"no items", func(c *CreateOrderCommand) { c.Items = nil }, ErrOrderInvalidInput},
		{"zero quantity", func(c *CreateOrderCommand) { c.Items = []CreateOrderItem{item("p1", 0)} }, ErrOrderInvalidInput},
		{"missing product id", func(c *CreateOrderCommand) { c.Items = []CreateOrderItem{item("", 1)} }, ErrOrderInvalidInput},
		{"missing address", func(c *CreateOrderCommand) { c.ShippingAddress.City = "" }, ErrOrderInvalidInput},
		{"unknown payment method", func(c *CreateOrderCommand) { c.PaymentMethod = "cash" }, ErrOrderInvalidInput},
		{"unknown product", func(c *CreateOrderCommand) { c.Items = []CreateOrderItem{item("missing", 1)} }, ErrProductNotFound},
		{"inactive product", func(c *CreateOrderCommand) { c.Items = []CreateOrderItem{item("retired", 1)} }, ErrProductInactive},
		{"insufficient stock", func(c *CreateOrderCommand) { c.Items = []CreateOrderItem{item("p1", 11)} }, ErrInsufficientStock},
		{"unknown coupon", func(c *CreateOrderCommand) { c.CouponCode = "NOPE" }, ErrCouponInvalid},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cmd := valid
			cmd.Items = slices.Clone(valid.Items)
			tc.mutate(&cmd)
			_, err := f.svc.CreateOrder(context.Background(), cmd)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	if got := f.stock(t, "p1"); got != 10 {
		t.Fatalf("expected stock untouched, got %d", got)
	}
}

func TestOrderServiceCreateOrderCouponRules(t *testing.T) {
	limit := int64(1)
	ended := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name   string
		coupon domain.Coupon
		want   error
	}{
		{"inactive", domain.Coupon{Code: "C", DiscountType: domain.DiscountTypeFixed, DiscountValue: 100}, ErrCouponInvalid},
		{"not started", domain.Coupon{Code: "C", DiscountType: domain.DiscountTypeFixed, DiscountValue: 100, Active: true, StartsAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}, ErrCouponInvalid},
		{"expired", domain.Coupon{Code: "C", DiscountType: domain.DiscountTypeFixed, DiscountValue: 100, Active: true, EndsAt: &ended}, ErrCouponExpired},
		{"exhausted", domain.Coupon{Code: "C", DiscountType: domain.DiscountTypeFixed, DiscountValue: 100, Active: true, UsageLimit: &limit, UsedCount: 1}, ErrCouponExhausted},
		{"minimum", domain.Coupon{Code: "C", DiscountType: domain.DiscountTypeFixed, DiscountValue: 100, Active: true, MinimumOrderAmount: 50000}, ErrCouponMinimumNotMet},
		{"no eligible items", domain.Coupon{Code: "C", DiscountType: domain.DiscountTypeFixed, DiscountValue: 100, Active: true, ExcludedProductIDs: []string{"p1"}}, ErrCouponInvalid},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newOrderFixture(t)
			f.promos.Put(tc.coupon)

			_, err := f.svc.CreateOrder(context.Background(), orderCommand("user-1", "C", item("p1", 1)))
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if got := f.stock(t, "p1"); got != 10 {
				t.Fatalf("expected stock restored to 10, got %d", got)
			}
			if f.metrics.compensations[compensationStockRestore] != 1 {
				t.Fatalf("expected one stock compensation, got %v", f.metrics.compensations)
			}
			if f.metrics.rejected["coupon_rejected"] != 1 {
				t.Fatalf("expected coupon rejection metric, got %v", f.metrics.rejected)
			}
		})
	}
}

func TestOrderServiceCreateOrderUnwindsPartialStockReservation(t *testing.T) {
	f := newOrderFixture(t)
	f.products.decrementFn = func(ctx context.Context, productID string, qty int64) (domain.Product, error) {
		if productID == "p2" {
			return domain.Product{}, repositories.NewStockError("test", repositories.StockErrorInsufficient, productID, 0)
		}
		return f.catalog.DecrementStock(ctx, productID, qty)
	}

	_, err := f.svc.CreateOrder(context.Background(), orderCommand("user-1", "", item("p1", 3), item("p2", 1)))
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if got := f.stock(t, "p1"); got != 10 {
		t.Fatalf("expected p1 restored to 10, got %d", got)
	}
	if got := f.stock(t, "p2"); got != 5 {
		t.Fatalf("expected p2 untouched, got %d", got)
	}
	if len(f.events.types()) != 0 {
		t.Fatalf("expected no events, got %v", f.events.types())
	}
}

func TestOrderServiceCreateOrderUnwindsOnPersistFailure(t *testing.T) {
	f := newOrderFixture(t)
	f.orders.insertFn = func(context.Context, domain.Order) (domain.Order, error) {
		return domain.Order{}, repositories.Unavailable("test", errors.New("db down"))
	}

	_, err := f.svc.CreateOrder(context.Background(), orderCommand("user-1", "SAVE20", item("p1", 2), item("p2", 1)))
	if !errors.Is(err, ErrOrderUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if got := f.stock(t, "p1"); got != 10 {
		t.Fatalf("expected p1 restored, got %d", got)
	}
	if got := f.stock(t, "p2"); got != 5 {
		t.Fatalf("expected p2 restored, got %d", got)
	}
	coupon := f.coupon(t, "SAVE20")
	if coupon.UsedCount != 0 || len(coupon.UsedBy) != 0 {
		t.Fatalf("expected coupon released, got %+v", coupon)
	}
	if f.metrics.compensations[compensationCouponRelease] != 1 || f.metrics.compensations[compensationStockRestore] != 2 {
		t.Fatalf("unexpected compensations %v", f.metrics.compensations)
	}
}

func TestOrderServiceCreateOrderReportsFailedCompensation(t *testing.T) {
	f := newOrderFixture(t)
	f.products.incrementFn = func(context.Context, string, int64) (domain.Product, error) {
		return domain.Product{}, errors.New("increment failed")
	}
	f.orders.insertFn = func(context.Context, domain.Order) (domain.Order, error) {
		return domain.Order{}, repositories.Unavailable("test", errors.New("db down"))
	}

	_, err := f.svc.CreateOrder(context.Background(), orderCommand("user-1", "", item("p1", 1)))
	if !errors.Is(err, ErrOrderUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if !strings.Contains(err.Error(), "1 compensations failed") {
		t.Fatalf("expected failed compensation count in error, got %v", err)
	}
}

func TestOrderServiceConcurrentOrdersNeverOversell(t *testing.T) {
	f := newOrderFixture(t)
	f.catalog.Put(domain.Product{ID: "scarce", Price: 1000, Currency: "USD", Stock: 5, Active: true})

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int64
		rejected  atomic.Int64
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.CreateOrder(context.Background(), orderCommand("user-1", "", item("scarce", 1)))
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ErrInsufficientStock):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded.Load() != 5 || rejected.Load() != 20 {
		t.Fatalf("expected 5 successes and 20 rejections, got %d/%d", succeeded.Load(), rejected.Load())
	}
	if got := f.stock(t, "scarce"); got != 0 {
		t.Fatalf("expected stock 0, got %d", got)
	}
}

func TestOrderServiceCancelRestoresStockOnce(t *testing.T) {
	f := newOrderFixture(t)
	order := f.place(t, "user-1", "", item("p1", 4), item("p2", 2))

	cancelled, err := f.svc.CancelOrder(context.Background(), CancelOrderCommand{OrderID: order.ID, ActorID: "user-1", Reason: "changed mind"})
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled || cancelled.CancelReason != "changed mind" || cancelled.CancelledAt == nil {
		t.Fatalf("unexpected cancelled order %+v", cancelled)
	}
	if cancelled.Reversal.StockRestoredAt == nil {
		t.Fatalf("expected stock restoration to be recorded")
	}
	if got := f.stock(t, "p1"); got != 10 {
		t.Fatalf("expected p1 10, got %d", got)
	}
	if got := f.stock(t, "p2"); got != 5 {
		t.Fatalf("expected p2 5, got %d", got)
	}

	_, err = f.svc.CancelOrder(context.Background(), CancelOrderCommand{OrderID: order.ID, ActorID: "user-1"})
	if !errors.Is(err, ErrCancellationNotAllowed) {
		t.Fatalf("expected cancellation not allowed on second cancel, got %v", err)
	}
	if got := f.stock(t, "p1"); got != 10 {
		t.Fatalf("expected stock restored exactly once, got %d", got)
	}
	if n := f.events.count(orderEventCancelled); n != 1 {
		t.Fatalf("expected one cancelled event, got %d", n)
	}
}

func TestOrderServiceConcurrentCancelRestoresOnce(t *testing.T) {
	f := newOrderFixture(t)
	order := f.place(t, "user-1", "SAVE20", item("p1", 3))

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int64
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.CancelOrder(context.Background(), CancelOrderCommand{OrderID: order.ID, ActorID: "user-1"})
			if err == nil {
				succeeded.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := f.stock(t, "p1"); got != 10 {
		t.Fatalf("expected stock 10, got %d", got)
	}
	if coupon := f.coupon(t, "SAVE20"); coupon.UsedCount != 0 {
		t.Fatalf("expected coupon usage released once, got %d", coupon.UsedCount)
	}
	if n := f.events.count(orderEventCancelled); n != 1 {
		t.Fatalf("expected one cancelled event, got %d", n)
	}
	if succeeded.Load() < 1 {
		t.Fatalf("expected at least one successful cancel")
	}
}

func TestOrderServiceCancelReleasesCouponForReuse(t *testing.T) {
	f := newOrderFixture(t)
	first := f.place(t, "user-1", "SAVE20", item("p1", 1))

	_, err := f.svc.CreateOrder(context.Background(), orderCommand("user-1", "SAVE20", item("p1", 1)))
	if !errors.Is(err, ErrCouponAlreadyUsed) {
		t.Fatalf("expected coupon already used, got %v", err)
	}

	cancelled, err := f.svc.CancelOrder(context.Background(), CancelOrderCommand{OrderID: first.ID, ActorID: "user-1"})
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if cancelled.Reversal.CouponReleasedAt == nil {
		t.Fatalf("expected coupon release to be recorded")
	}

	second := f.place(t, "user-1", "SAVE20", item("p1", 1))
	if second.Totals.Discount != 2000 {
		t.Fatalf("expected coupon to apply again, got discount %d", second.Totals.Discount)
	}
}

func TestOrderServiceCancelRetainsCouponWhenConfigured(t *testing.T) {
	f := newOrderFixture(t, func(deps *OrderServiceDeps) {
		deps.RetainCouponOnCancel = true
	})
	first := f.place(t, "user-1", "SAVE20", item("p1", 1))

	cancelled, err := f.svc.CancelOrder(context.Background(), CancelOrderCommand{OrderID: first.ID, ActorID: "user-1"})
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if cancelled.Reversal.CouponReleasedAt != nil {
		t.Fatalf("expected coupon to stay consumed")
	}
	if got := f.stock(t, "p1"); got != 10 {
		t.Fatalf("expected stock restored, got %d", got)
	}

	_, err = f.svc.CreateOrder(context.Background(), orderCommand("user-1", "SAVE20", item("p1", 1)))
	if !errors.Is(err, ErrCouponAlreadyUsed) {
		t.Fatalf("expected coupon already used after cancel, got %v", err)
	}
	if got := f.stock(t, "p1"); got != 10 {
		t.Fatalf("expected rejected order to leave stock at 10, got %d", got)
	}
}

func TestOrderServiceCancelDeliveredOrderFails(t *testing.T) {
	f := newOrderFixture(t)
	order := f.place(t, "user-1", "", item("p1", 2))
	for _, status := range []OrderStatus{
		domain.OrderStatusConfirmed,
		domain.OrderStatusProcessing,
		domain.OrderStatusShipped,
		domain.OrderStatusDelivered,
	} {
		if _, err := f.svc.UpdateStatus(context.Background(), UpdateOrderStatusCommand{OrderID: order.ID, ActorID: "admin", Status: status}); err != nil {
			t.Fatalf("UpdateStatus(%s): %v", status, err)
		}
	}
	before, err := f.svc.GetOrder(context.Background(), GetOrderCommand{OrderID: order.ID, Privileged: true})
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}

	_, err = f.svc.CancelOrder(context.Background(), CancelOrderCommand{OrderID: order.ID, ActorID: "user-1"})
	if !errors.Is(err, ErrCancellationNotAllowed) {
		t.Fatalf("expected cancellation not allowed, got %v", err)
	}

	after, err := f.svc.GetOrder(context.Background(), GetOrderCommand{OrderID: order.ID, Privileged: true})
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if after.Status != domain.OrderStatusDelivered || after.Version != before.Version {
		t.Fatalf("expected delivered order unchanged, got %s v%d (was v%d)", after.Status, after.Version, before.Version)
	}
	if got := f.stock(t, "p1"); got != 8 {
		t.Fatalf("expected stock to stay reserved, got %d", got)
	}
}

func TestOrderServiceUpdateStatusFollowsLifecycle(t *testing.T) {
	f := newOrderFixture(t)
	order := f.place(t, "user-1", "", item("p1", 1))

	_, err := f.svc.UpdateStatus(context.Background(), UpdateOrderStatusCommand{OrderID: order.ID, Status: domain.OrderStatusShipped})
	if !errors.Is(err, ErrInvalidStatusTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	_, err = f.svc.UpdateStatus(context.Background(), UpdateOrderStatusCommand{OrderID: order.ID, Status: "teleported"})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input for unknown status, got %v", err)
	}

	for _, status := range []OrderStatus{domain.OrderStatusConfirmed, domain.OrderStatusProcessing} {
		if _, err := f.svc.UpdateStatus(context.Background(), UpdateOrderStatusCommand{OrderID: order.ID, Status: status}); err != nil {
			t.Fatalf("UpdateStatus(%s): %v", status, err)
		}
	}
	shipped, err := f.svc.UpdateStatus(context.Background(), UpdateOrderStatusCommand{
		OrderID:        order.ID,
		ActorID:        "admin",
		Status:         domain.OrderStatusShipped,
		TrackingNumber: "1Z999",
	})
	if err != nil {
		t.Fatalf("UpdateStatus(shipped): %v", err)
	}
	if shipped.ShippedAt == nil || shipped.Shipping.TrackingNumber != "1Z999" {
		t.Fatalf("expected shipped timestamps and tracking, got %+v", shipped.Shipping)
	}
	wantDelivery := f.now.AddDate(0, 0, 7)
	if shipped.Shipping.EstimatedDelivery == nil || !shipped.Shipping.EstimatedDelivery.Equal(wantDelivery) {
		t.Fatalf("expected estimated delivery %s, got %v", wantDelivery, shipped.Shipping.EstimatedDelivery)
	}

	_, err = f.svc.UpdateStatus(context.Background(), UpdateOrderStatusCommand{OrderID: order.ID, Status: domain.OrderStatusCancelled})
	if !errors.Is(err, ErrCancellationNotAllowed) {
		t.Fatalf("expected cancellation not allowed once shipped, got %v", err)
	}
	if n := f.events.count(orderEventStatusChanged); n != 3 {
		t.Fatalf("expected 3 status change events, got %d", n)
	}
}

func TestOrderServiceAccessControl(t *testing.T) {
	f := newOrderFixture(t)
	order := f.place(t, "user-1", "", item("p1", 1))

	if _, err := f.svc.GetOrder(context.Background(), GetOrderCommand{OrderID: order.ID, ActorID: "user-2"}); !errors.Is(err, ErrOrderAccessDenied) {
		t.Fatalf("expected access denied, got %v", err)
	}
	if _, err := f.svc.CancelOrder(context.Background(), CancelOrderCommand{OrderID: order.ID, ActorID: "user-2"}); !errors.Is(err, ErrOrderAccessDenied) {
		t.Fatalf("expected access denied on cancel, got %v", err)
	}
	if _, err := f.svc.GetOrder(context.Background(), GetOrderCommand{OrderID: "ord_missing", ActorID: "user-1"}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	tracked, err := f.svc.TrackOrder(context.Background(), order.OrderNumber)
	if err != nil {
		t.Fatalf("TrackOrder: %v", err)
	}
	if tracked.ID != order.ID {
		t.Fatalf("expected tracked order %s, got %s", order.ID, tracked.ID)
	}
}

func TestOrderServiceResumesInterruptedReversal(t *testing.T) {
	f := newOrderFixture(t)
	order := f.place(t, "user-1", "SAVE20", item("p1", 2))

	f.coupons.decrementFn = func(context.Context, string, string, time.Time) (domain.Coupon, error) {
		return domain.Coupon{}, repositories.Unavailable("test", errors.New("coupon store down"))
	}
	_, err := f.svc.CancelOrder(context.Background(), CancelOrderCommand{OrderID: order.ID, ActorID: "user-1"})
	if !errors.Is(err, ErrOrderReversalIncomplete) {
		t.Fatalf("expected reversal incomplete, got %v", err)
	}

	stalled, err := f.svc.GetOrder(context.Background(), GetOrderCommand{OrderID: order.ID, Privileged: true})
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if stalled.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected order cancelled, got %s", stalled.Status)
	}
	if stalled.Reversal.CouponReleasedAt != nil || stalled.Reversal.StockRestoredAt != nil {
		t.Fatalf("expected no reversal recorded, got %+v", stalled.Reversal)
	}
	if got := f.stock(t, "p1"); got != 8 {
		t.Fatalf("expected stock still reserved, got %d", got)
	}

	f.coupons.decrementFn = nil
	resumed, err := f.svc.CompleteReversal(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("CompleteReversal: %v", err)
	}
	if resumed.Reversal.CouponReleasedAt == nil || resumed.Reversal.StockRestoredAt == nil {
		t.Fatalf("expected reversal complete, got %+v", resumed.Reversal)
	}
	if got := f.stock(t, "p1"); got != 10 {
		t.Fatalf("expected stock restored, got %d", got)
	}
	if coupon := f.coupon(t, "SAVE20"); coupon.UsedCount != 0 {
		t.Fatalf("expected coupon released, got %d", coupon.UsedCount)
	}

	again, err := f.svc.CompleteReversal(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("CompleteReversal again: %v", err)
	}
	if again.Version != resumed.Version {
		t.Fatalf("expected completed reversal to be a no-op")
	}
}

func TestOrderServiceRestoreStockTakesBackOnPartialFailure(t *testing.T) {
	f := newOrderFixture(t)
	order := f.place(t, "user-1", "", item("p1", 2), item("p2", 1))

	f.products.incrementFn = func(ctx context.Context, productID string, qty int64) (domain.Product, error) {
		if productID == "p2" {
			return domain.Product{}, repositories.Unavailable("test", errors.New("catalog down"))
		}
		return f.catalog.IncrementStock(ctx, productID, qty)
	}
	_, err := f.svc.CancelOrder(context.Background(), CancelOrderCommand{OrderID: order.ID, ActorID: "user-1"})
	if !errors.Is(err, ErrOrderReversalIncomplete) {
		t.Fatalf("expected reversal incomplete, got %v", err)
	}
	if got := f.stock(t, "p1"); got != 8 {
		t.Fatalf("expected p1 restore taken back, got %d", got)
	}

	f.products.incrementFn = nil
	if _, err := f.svc.CancelOrder(context.Background(), CancelOrderCommand{OrderID: order.ID, ActorID: "user-1"}); err != nil {
		t.Fatalf("retry CancelOrder: %v", err)
	}
	if got := f.stock(t, "p1"); got != 10 {
		t.Fatalf("expected p1 10, got %d", got)
	}
	if got := f.stock(t, "p2"); got != 5 {
		t.Fatalf("expected p2 5, got %d", got)
	}
}

func TestComputeTotalsRoundsHalfUp(t *testing.T) {
	totals := computeTotals(1005, 0, 0, DefaultTaxRateBasisPoints)
	if totals.Tax != 101 || totals.Total != 1106 {
		t.Fatalf("unexpected totals %+v", totals)
	}
	floored := computeTotals(500, 2000, 0, 0)
	if floored.Total != 0 {
		t.Fatalf("expected total floored at zero, got %d", floored.Total)
	}
}
