package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/repositories"
)

const maxOrderWriteAttempts = 5

var orderStateTransitions = map[OrderStatus][]OrderStatus{
	domain.OrderStatusPending:    {domain.OrderStatusConfirmed, domain.OrderStatusCancelled},
	domain.OrderStatusConfirmed:  {domain.OrderStatusProcessing, domain.OrderStatusCancelled},
	domain.OrderStatusProcessing: {domain.OrderStatusShipped},
	domain.OrderStatusShipped:    {domain.OrderStatusDelivered},
}

var knownOrderStatuses = []OrderStatus{
	domain.OrderStatusPending,
	domain.OrderStatusConfirmed,
	domain.OrderStatusProcessing,
	domain.OrderStatusShipped,
	domain.OrderStatusDelivered,
	domain.OrderStatusCancelled,
}

func canTransition(current, target OrderStatus) bool {
	next, ok := orderStateTransitions[current]
	if !ok {
		return false
	}
	return slices.Contains(next, target)
}

// orderMutation edits order in place and reports whether anything changed.
type orderMutation func(order *Order) (bool, error)

// orderWriter persists order changes with the repository's version check. On a lost race the
// order is reloaded and the mutation evaluated again against the fresh copy.
type orderWriter struct {
	orders repositories.OrderRepository
}

func (w orderWriter) apply(ctx context.Context, current Order, mutate orderMutation) (Order, bool, error) {
	for attempt := 1; ; attempt++ {
		next := cloneOrder(current)
		changed, err := mutate(&next)
		if err != nil {
			return current, false, err
		}
		if !changed {
			return current, false, nil
		}

		saved, err := w.orders.Update(ctx, next)
		if err == nil {
			return saved, true, nil
		}
		if !errors.Is(err, repositories.ErrVersionMismatch) || attempt >= maxOrderWriteAttempts {
			return current, false, mapRepositoryError(err)
		}

		current, err = w.orders.FindByID(ctx, current.ID)
		if err != nil {
			return Order{}, false, mapRepositoryError(err)
		}
	}
}

func (w orderWriter) load(ctx context.Context, orderID string) (Order, error) {
	order, err := w.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapRepositoryError(err)
	}
	return order, nil
}

func mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
		}
	}

	return err
}

func cloneOrder(order Order) Order {
	cloned := order
	cloned.Items = make([]OrderLineItem, len(order.Items))
	for i, item := range order.Items {
		item.Attributes = maps.Clone(item.Attributes)
		cloned.Items[i] = item
	}
	if order.Coupon != nil {
		coupon := *order.Coupon
		cloned.Coupon = &coupon
	}
	return cloned
}

func valuePtr[T any](v T) *T {
	return &v
}
