package mysql

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/repositories"
)

// OrderRepository stores orders in a single table with JSON columns for nested values.
type OrderRepository struct {
	db *gorm.DB
}

// NewOrderRepository constructs a GORM order store.
func NewOrderRepository(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) (domain.Order, error) {
	order.Version = 1
	model := newOrderModel(order)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.Order{}, wrapError("mysql.orders.insert", err)
	}
	return order, nil
}

// Update writes every column guarded by the caller's version and bumps it by one.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) (domain.Order, error) {
	const op = "mysql.orders.update"
	expected := order.Version
	order.Version = expected + 1
	model := newOrderModel(order)

	res := r.db.WithContext(ctx).
		Model(&orderModel{}).
		Where("id = ? AND version = ?", order.ID, expected).
		Select("*").
		Omit("id", "created_at").
		Updates(&model)
	if res.Error != nil {
		return domain.Order{}, wrapError(op, res.Error)
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := r.db.WithContext(ctx).Model(&orderModel{}).Where("id = ?", order.ID).Count(&count).Error; err != nil {
			return domain.Order{}, wrapError(op, err)
		}
		if count == 0 {
			return domain.Order{}, repositories.NotFound(op, fmt.Errorf("order %s", order.ID))
		}
		return domain.Order{}, repositories.Conflict(op, fmt.Errorf("%w: expected %d", repositories.ErrVersionMismatch, expected))
	}
	return order, nil
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	return r.first(ctx, "mysql.orders.find", "id = ?", orderID)
}

func (r *OrderRepository) FindByOrderNumber(ctx context.Context, orderNumber string) (domain.Order, error) {
	return r.first(ctx, "mysql.orders.find_by_number", "order_number = ?", orderNumber)
}

func (r *OrderRepository) FindByPaymentIntent(ctx context.Context, intentID string) (domain.Order, error) {
	const op = "mysql.orders.find_by_intent"
	if intentID == "" {
		return domain.Order{}, repositories.NotFound(op, errors.New("intent id is empty"))
	}
	return r.first(ctx, op, "payment_intent_id = ? OR payment_transaction_id = ?", intentID, intentID)
}

func (r *OrderRepository) ListForSweep(ctx context.Context, query repositories.OrderSweepQuery) ([]domain.Order, error) {
	q := r.db.WithContext(ctx).Model(&orderModel{})
	if query.Status != "" {
		q = q.Where("status = ?", string(query.Status))
	}
	if !query.CreatedBefore.IsZero() {
		q = q.Where("created_at < ?", query.CreatedBefore.UTC())
	}
	if query.PendingReversal {
		q = q.Where("stock_restored_at IS NULL")
	}
	q = q.Order("created_at ASC")
	if query.Limit > 0 {
		q = q.Limit(query.Limit)
	}
	var models []orderModel
	if err := q.Find(&models).Error; err != nil {
		return nil, wrapError("mysql.orders.list_for_sweep", err)
	}
	orders := make([]domain.Order, 0, len(models))
	for _, m := range models {
		orders = append(orders, m.toDomain())
	}
	return orders, nil
}

func (r *OrderRepository) first(ctx context.Context, op string, where string, args ...any) (domain.Order, error) {
	var model orderModel
	if err := r.db.WithContext(ctx).Where(where, args...).First(&model).Error; err != nil {
		return domain.Order{}, wrapError(op, err)
	}
	return model.toDomain(), nil
}
