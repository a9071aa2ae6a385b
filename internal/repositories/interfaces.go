package repositories

import (
	"context"
	"time"

	domain "github.com/storefront/api/internal/domain"
)

// Registry exposes the stores backing the order workflow for dependency injection.
type Registry interface {
	Products() ProductRepository
	Coupons() CouponRepository
	Orders() OrderRepository
	Counters() CounterRepository
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// ProductRepository reads catalog entries and mutates their stock counters atomically.
//
// DecrementStock must only succeed when the stored stock is at least qty; implementations
// express this as a conditional update, never as a separate read and write.
type ProductRepository interface {
	FindByID(ctx context.Context, productID string) (domain.Product, error)
	DecrementStock(ctx context.Context, productID string, qty int64) (domain.Product, error)
	IncrementStock(ctx context.Context, productID string, qty int64) (domain.Product, error)
}

// CouponRepository reads coupons and guards their redemption counters.
type CouponRepository interface {
	FindByCode(ctx context.Context, code string) (domain.Coupon, error)
	// IncrementUsage consumes one redemption for userID, failing with a CouponError when the
	// usage limit is reached or, for one-per-user coupons, the user already redeemed it.
	IncrementUsage(ctx context.Context, code string, userID string, now time.Time) (domain.Coupon, error)
	// DecrementUsage returns one redemption (floored at zero) and removes userID from UsedBy.
	DecrementUsage(ctx context.Context, code string, userID string, now time.Time) (domain.Coupon, error)
}

// OrderRepository persists orders. Update is a compare-and-swap on Order.Version: the stored
// version must equal the supplied one, and the returned order carries the incremented version.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) (domain.Order, error)
	Update(ctx context.Context, order domain.Order) (domain.Order, error)
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByOrderNumber(ctx context.Context, orderNumber string) (domain.Order, error)
	FindByPaymentIntent(ctx context.Context, intentID string) (domain.Order, error)
	ListForSweep(ctx context.Context, query OrderSweepQuery) ([]domain.Order, error)
}

// OrderSweepQuery selects orders needing background attention.
type OrderSweepQuery struct {
	// Status restricts results to a single order status.
	Status domain.OrderStatus
	// CreatedBefore excludes orders created at or after the instant when non-zero.
	CreatedBefore time.Time
	// PendingReversal restricts results to orders whose stock has not been restored.
	PendingReversal bool
	Limit           int
}

// CounterRepository provides monotonically increasing sequences.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
}
