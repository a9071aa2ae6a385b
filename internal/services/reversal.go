package services

import (
	"context"
	"fmt"
	"time"

	"github.com/storefront/api/internal/repositories"
)

const (
	compensationStockRestore  = "stock_restore"
	compensationCouponRelease = "coupon_release"
)

type compensation struct {
	kind string
	undo func(context.Context) error
}

// compensationLedger records the mutations applied while placing an order so they can be
// undone in reverse order when a later step fails.
type compensationLedger struct {
	steps []compensation
}

func (l *compensationLedger) push(kind string, undo func(context.Context) error) {
	l.steps = append(l.steps, compensation{kind: kind, undo: undo})
}

// unwind runs every recorded undo step, newest first. It keeps going after a failed step and
// reports the number of steps that could not be undone.
func (l *compensationLedger) unwind(ctx context.Context, logger func(context.Context, string, map[string]any), metrics WorkflowMetrics) int {
	ctx = context.WithoutCancel(ctx)
	failed := 0
	for i := len(l.steps) - 1; i >= 0; i-- {
		step := l.steps[i]
		if err := step.undo(ctx); err != nil {
			failed++
			logger(ctx, "order.compensation.failed", map[string]any{
				"kind":  step.kind,
				"error": err.Error(),
			})
			continue
		}
		metrics.CompensationApplied(step.kind)
	}
	l.steps = nil
	return failed
}

// orderReverser undoes the stock and coupon effects of a placed order. Each effect is claimed
// on the order record with a versioned write before it is applied, so concurrent callers
// (cancel retries, refunds, the sweeper) never apply it twice.
type orderReverser struct {
	products repositories.ProductRepository
	coupons  repositories.CouponRepository
	writer   orderWriter
	clock    func() time.Time
	logger   func(context.Context, string, map[string]any)
	metrics  WorkflowMetrics
	// retainCoupon leaves coupon redemptions consumed when an order is unwound.
	retainCoupon bool
}

// run releases the coupon and then, when restock is set, returns every line item to stock.
func (r orderReverser) run(ctx context.Context, order Order, restock bool) (Order, error) {
	order, err := r.releaseCoupon(ctx, order)
	if err != nil {
		return order, err
	}
	if !restock {
		return order, nil
	}
	return r.restoreStock(ctx, order)
}

func (r orderReverser) pending(order Order, restock bool) bool {
	if !r.retainCoupon && order.Coupon != nil && order.Reversal.CouponReleasedAt == nil {
		return true
	}
	return restock && order.Reversal.StockRestoredAt == nil
}

func (r orderReverser) releaseCoupon(ctx context.Context, order Order) (Order, error) {
	if r.retainCoupon || order.Coupon == nil || order.Reversal.CouponReleasedAt != nil {
		return order, nil
	}

	claimed, changed, err := r.writer.apply(ctx, order, func(o *Order) (bool, error) {
		if o.Coupon == nil || o.Reversal.CouponReleasedAt != nil {
			return false, nil
		}
		now := r.clock()
		o.Reversal.CouponReleasedAt = &now
		o.UpdatedAt = now
		return true, nil
	})
	if err != nil || !changed {
		return claimed, err
	}

	if _, err := r.coupons.DecrementUsage(ctx, claimed.Coupon.Code, claimed.UserID, r.clock()); err != nil {
		released := r.unclaim(ctx, claimed, func(o *Order) bool {
			if o.Reversal.CouponReleasedAt == nil {
				return false
			}
			o.Reversal.CouponReleasedAt = nil
			return true
		})
		return released, fmt.Errorf("%w: release coupon %s: %v", ErrOrderReversalIncomplete, claimed.Coupon.Code, err)
	}
	r.metrics.CompensationApplied(compensationCouponRelease)
	return claimed, nil
}

func (r orderReverser) restoreStock(ctx context.Context, order Order) (Order, error) {
	if order.Reversal.StockRestoredAt != nil {
		return order, nil
	}

	claimed, changed, err := r.writer.apply(ctx, order, func(o *Order) (bool, error) {
		if o.Reversal.StockRestoredAt != nil {
			return false, nil
		}
		now := r.clock()
		o.Reversal.StockRestoredAt = &now
		o.UpdatedAt = now
		return true, nil
	})
	if err != nil || !changed {
		return claimed, err
	}

	restored := make([]OrderLineItem, 0, len(claimed.Items))
	for _, item := range claimed.Items {
		if _, err := r.products.IncrementStock(ctx, item.ProductID, item.Quantity); err != nil {
			r.takeBack(ctx, claimed, restored)
			released := r.unclaim(ctx, claimed, func(o *Order) bool {
				if o.Reversal.StockRestoredAt == nil {
					return false
				}
				o.Reversal.StockRestoredAt = nil
				return true
			})
			return released, fmt.Errorf("%w: restore stock for %s: %v", ErrOrderReversalIncomplete, item.ProductID, err)
		}
		restored = append(restored, item)
	}
	r.metrics.CompensationApplied(compensationStockRestore)
	return claimed, nil
}

// takeBack re-reserves stock already returned by a restore that failed part way.
func (r orderReverser) takeBack(ctx context.Context, order Order, items []OrderLineItem) {
	for _, item := range items {
		if _, err := r.products.DecrementStock(ctx, item.ProductID, item.Quantity); err != nil {
			r.logger(ctx, "order.reversal.take_back.failed", map[string]any{
				"order":    order.ID,
				"product":  item.ProductID,
				"quantity": item.Quantity,
				"error":    err.Error(),
			})
		}
	}
}

func (r orderReverser) unclaim(ctx context.Context, order Order, clear func(*Order) bool) Order {
	released, _, err := r.writer.apply(context.WithoutCancel(ctx), order, func(o *Order) (bool, error) {
		if !clear(o) {
			return false, nil
		}
		o.UpdatedAt = r.clock()
		return true, nil
	})
	if err != nil {
		r.logger(ctx, "order.reversal.unclaim.failed", map[string]any{
			"order": order.ID,
			"error": err.Error(),
		})
		return order
	}
	return released
}
