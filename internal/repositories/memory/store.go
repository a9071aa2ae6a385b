// Package memory provides mutex-guarded in-process stores used for local development and tests.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/repositories"
)

// Store implements repositories.Registry in memory.
type Store struct {
	products *ProductStore
	coupons  *CouponStore
	orders   *OrderStore
	counters *CounterStore
}

var _ repositories.Registry = (*Store)(nil)

// NewStore constructs an empty registry.
func NewStore() *Store {
	return &Store{
		products: NewProductStore(),
		coupons:  NewCouponStore(),
		orders:   NewOrderStore(),
		counters: NewCounterStore(),
	}
}

func (s *Store) Products() repositories.ProductRepository { return s.products }
func (s *Store) Coupons() repositories.CouponRepository   { return s.coupons }
func (s *Store) Orders() repositories.OrderRepository     { return s.orders }
func (s *Store) Counters() repositories.CounterRepository { return s.counters }
func (s *Store) Ping(context.Context) error               { return nil }
func (s *Store) Close(context.Context) error              { return nil }

// ProductStore is the catalog backend.
type ProductStore struct {
	mu       sync.Mutex
	products map[string]domain.Product
}

// NewProductStore constructs an empty catalog.
func NewProductStore() *ProductStore {
	return &ProductStore{products: make(map[string]domain.Product)}
}

// Put seeds or replaces a product.
func (s *ProductStore) Put(product domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[product.ID] = product
}

func (s *ProductStore) FindByID(_ context.Context, productID string) (domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	product, ok := s.products[productID]
	if !ok {
		return domain.Product{}, repositories.NewStockError("memory.products.find", repositories.StockErrorProductNotFound, productID, 0)
	}
	return product, nil
}

func (s *ProductStore) DecrementStock(_ context.Context, productID string, qty int64) (domain.Product, error) {
	const op = "memory.products.decrement"
	if qty <= 0 {
		return domain.Product{}, repositories.NewStockError(op, repositories.StockErrorInvalidQuantity, productID, 0)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	product, ok := s.products[productID]
	if !ok {
		return domain.Product{}, repositories.NewStockError(op, repositories.StockErrorProductNotFound, productID, 0)
	}
	if product.Stock < qty {
		return domain.Product{}, repositories.NewStockError(op, repositories.StockErrorInsufficient, productID, product.Stock)
	}
	product.Stock -= qty
	product.UpdatedAt = time.Now().UTC()
	s.products[productID] = product
	return product, nil
}

func (s *ProductStore) IncrementStock(_ context.Context, productID string, qty int64) (domain.Product, error) {
	const op = "memory.products.increment"
	if qty <= 0 {
		return domain.Product{}, repositories.NewStockError(op, repositories.StockErrorInvalidQuantity, productID, 0)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	product, ok := s.products[productID]
	if !ok {
		return domain.Product{}, repositories.NewStockError(op, repositories.StockErrorProductNotFound, productID, 0)
	}
	product.Stock += qty
	product.UpdatedAt = time.Now().UTC()
	s.products[productID] = product
	return product, nil
}

// CouponStore is the coupon backend.
type CouponStore struct {
	mu      sync.Mutex
	coupons map[string]domain.Coupon
}

// NewCouponStore constructs an empty coupon store.
func NewCouponStore() *CouponStore {
	return &CouponStore{coupons: make(map[string]domain.Coupon)}
}

// Put seeds or replaces a coupon keyed by its normalised code.
func (s *CouponStore) Put(coupon domain.Coupon) {
	s.mu.Lock()
	defer s.mu.Unlock()
	coupon.Code = normalizeCode(coupon.Code)
	coupon.UsedBy = slices.Clone(coupon.UsedBy)
	s.coupons[coupon.Code] = coupon
}

func (s *CouponStore) FindByCode(_ context.Context, code string) (domain.Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	coupon, ok := s.coupons[normalizeCode(code)]
	if !ok {
		return domain.Coupon{}, repositories.NewCouponError("memory.coupons.find", repositories.CouponErrorNotFound, code)
	}
	coupon.UsedBy = slices.Clone(coupon.UsedBy)
	return coupon, nil
}

func (s *CouponStore) IncrementUsage(_ context.Context, code string, userID string, now time.Time) (domain.Coupon, error) {
	const op = "memory.coupons.increment"
	code = normalizeCode(code)
	s.mu.Lock()
	defer s.mu.Unlock()
	coupon, ok := s.coupons[code]
	if !ok {
		return domain.Coupon{}, repositories.NewCouponError(op, repositories.CouponErrorNotFound, code)
	}
	if coupon.UsageLimit != nil && coupon.UsedCount >= *coupon.UsageLimit {
		return domain.Coupon{}, repositories.NewCouponError(op, repositories.CouponErrorExhausted, code)
	}
	if coupon.OnePerUser && slices.Contains(coupon.UsedBy, userID) {
		return domain.Coupon{}, repositories.NewCouponError(op, repositories.CouponErrorAlreadyUsed, code)
	}
	coupon.UsedCount++
	if userID != "" && !slices.Contains(coupon.UsedBy, userID) {
		coupon.UsedBy = append(slices.Clone(coupon.UsedBy), userID)
	}
	coupon.UpdatedAt = now
	s.coupons[code] = coupon
	coupon.UsedBy = slices.Clone(coupon.UsedBy)
	return coupon, nil
}

func (s *CouponStore) DecrementUsage(_ context.Context, code string, userID string, now time.Time) (domain.Coupon, error) {
	code = normalizeCode(code)
	s.mu.Lock()
	defer s.mu.Unlock()
	coupon, ok := s.coupons[code]
	if !ok {
		return domain.Coupon{}, repositories.NewCouponError("memory.coupons.decrement", repositories.CouponErrorNotFound, code)
	}
	if coupon.UsedCount > 0 {
		coupon.UsedCount--
	}
	coupon.UsedBy = slices.DeleteFunc(slices.Clone(coupon.UsedBy), func(id string) bool { return id == userID })
	coupon.UpdatedAt = now
	s.coupons[code] = coupon
	coupon.UsedBy = slices.Clone(coupon.UsedBy)
	return coupon, nil
}

// OrderStore is the order backend.
type OrderStore struct {
	mu     sync.Mutex
	orders map[string]domain.Order
}

// NewOrderStore constructs an empty order store.
func NewOrderStore() *OrderStore {
	return &OrderStore{orders: make(map[string]domain.Order)}
}

func (s *OrderStore) Insert(_ context.Context, order domain.Order) (domain.Order, error) {
	const op = "memory.orders.insert"
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.orders[order.ID]; exists {
		return domain.Order{}, repositories.Conflict(op, fmt.Errorf("order %s already exists", order.ID))
	}
	for _, existing := range s.orders {
		if existing.OrderNumber == order.OrderNumber {
			return domain.Order{}, repositories.Conflict(op, fmt.Errorf("order number %s already exists", order.OrderNumber))
		}
	}
	order.Version = 1
	s.orders[order.ID] = cloneOrder(order)
	return cloneOrder(order), nil
}

func (s *OrderStore) Update(_ context.Context, order domain.Order) (domain.Order, error) {
	const op = "memory.orders.update"
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.orders[order.ID]
	if !ok {
		return domain.Order{}, repositories.NotFound(op, fmt.Errorf("order %s", order.ID))
	}
	if current.Version != order.Version {
		return domain.Order{}, repositories.Conflict(op, fmt.Errorf("%w: stored %d, got %d", repositories.ErrVersionMismatch, current.Version, order.Version))
	}
	order.Version++
	s.orders[order.ID] = cloneOrder(order)
	return cloneOrder(order), nil
}

func (s *OrderStore) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return domain.Order{}, repositories.NotFound("memory.orders.find", fmt.Errorf("order %s", orderID))
	}
	return cloneOrder(order), nil
}

func (s *OrderStore) FindByOrderNumber(_ context.Context, orderNumber string) (domain.Order, error) {
	return s.findFirst("memory.orders.find_by_number", func(o domain.Order) bool { return o.OrderNumber == orderNumber })
}

func (s *OrderStore) FindByPaymentIntent(_ context.Context, intentID string) (domain.Order, error) {
	return s.findFirst("memory.orders.find_by_intent", func(o domain.Order) bool {
		return intentID != "" && (o.Payment.IntentID == intentID || o.Payment.TransactionID == intentID)
	})
}

func (s *OrderStore) ListForSweep(_ context.Context, query repositories.OrderSweepQuery) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []domain.Order
	for _, order := range s.orders {
		if query.Status != "" && order.Status != query.Status {
			continue
		}
		if !query.CreatedBefore.IsZero() && !order.CreatedAt.Before(query.CreatedBefore) {
			continue
		}
		if query.PendingReversal && order.Reversal.StockRestoredAt != nil {
			continue
		}
		matched = append(matched, cloneOrder(order))
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.Before(matched[j].CreatedAt) })
	if query.Limit > 0 && len(matched) > query.Limit {
		matched = matched[:query.Limit]
	}
	return matched, nil
}

func (s *OrderStore) findFirst(op string, match func(domain.Order) bool) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, order := range s.orders {
		if match(order) {
			return cloneOrder(order), nil
		}
	}
	return domain.Order{}, repositories.NotFound(op, nil)
}

// CounterStore provides in-memory sequences.
type CounterStore struct {
	mu     sync.Mutex
	values map[string]int64
}

// NewCounterStore constructs an empty counter store.
func NewCounterStore() *CounterStore {
	return &CounterStore{values: make(map[string]int64)}
}

func (s *CounterStore) Next(_ context.Context, counterID string, step int64) (int64, error) {
	if step <= 0 {
		step = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[counterID] += step
	return s.values[counterID], nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func cloneOrder(order domain.Order) domain.Order {
	cloned := order
	cloned.Items = make([]domain.OrderLineItem, len(order.Items))
	for i, item := range order.Items {
		item.Attributes = maps.Clone(item.Attributes)
		cloned.Items[i] = item
	}
	if order.Coupon != nil {
		coupon := *order.Coupon
		cloned.Coupon = &coupon
	}
	cloned.Payment.DuplicateIntentIDs = slices.Clone(order.Payment.DuplicateIntentIDs)
	return cloned
}
