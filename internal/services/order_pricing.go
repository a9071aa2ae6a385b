package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	domain "github.com/storefront/api/internal/domain"
)

const (
	basisPointsDenominator = 10_000
	// DefaultTaxRateBasisPoints is a flat 10% applied to the subtotal.
	DefaultTaxRateBasisPoints int64 = 1_000
	defaultShippingMethod           = "standard"
)

var (
	// ErrCouponInvalid indicates the coupon does not exist, is inactive, not yet valid, or does not apply to the items.
	ErrCouponInvalid = errors.New("coupon: invalid")
	// ErrCouponExpired indicates the coupon validity window has closed.
	ErrCouponExpired = errors.New("coupon: expired")
	// ErrCouponExhausted indicates the usage limit has been reached.
	ErrCouponExhausted = errors.New("coupon: usage limit reached")
	// ErrCouponAlreadyUsed indicates a one-per-user coupon was already redeemed by the user.
	ErrCouponAlreadyUsed = errors.New("coupon: already used by user")
	// ErrCouponMinimumNotMet indicates the subtotal is below the coupon's minimum order amount.
	ErrCouponMinimumNotMet = errors.New("coupon: minimum order amount not met")
)

// FlatShippingResolver charges a fixed cost, waived when the subtotal reaches FreeThreshold.
type FlatShippingResolver struct {
	Method        string
	Cost          int64
	FreeThreshold int64
}

func (r FlatShippingResolver) Quote(_ context.Context, req ShippingQuoteRequest) (ShippingQuote, error) {
	method := strings.TrimSpace(r.Method)
	if method == "" {
		method = defaultShippingMethod
	}
	cost := r.Cost
	if cost < 0 {
		cost = 0
	}
	if r.FreeThreshold > 0 && req.Subtotal >= r.FreeThreshold {
		cost = 0
	}
	return ShippingQuote{Method: method, Cost: cost}, nil
}

// evaluateCoupon applies the redeemability predicate for userID and returns the discount the
// coupon grants on items.
func evaluateCoupon(coupon Coupon, userID string, items []OrderLineItem, subtotal int64, now time.Time) (int64, error) {
	code := coupon.Code
	switch {
	case !coupon.Active:
		return 0, fmt.Errorf("%w: %s is inactive", ErrCouponInvalid, code)
	case !coupon.StartsAt.IsZero() && now.Before(coupon.StartsAt):
		return 0, fmt.Errorf("%w: %s is not valid until %s", ErrCouponInvalid, code, coupon.StartsAt.Format(time.RFC3339))
	case coupon.EndsAt != nil && now.After(*coupon.EndsAt):
		return 0, fmt.Errorf("%w: %s ended at %s", ErrCouponExpired, code, coupon.EndsAt.Format(time.RFC3339))
	case coupon.UsageLimit != nil && coupon.UsedCount >= *coupon.UsageLimit:
		return 0, fmt.Errorf("%w: %s", ErrCouponExhausted, code)
	case coupon.OnePerUser && slices.Contains(coupon.UsedBy, userID):
		return 0, fmt.Errorf("%w: %s", ErrCouponAlreadyUsed, code)
	case subtotal < coupon.MinimumOrderAmount:
		return 0, fmt.Errorf("%w: %s requires %d", ErrCouponMinimumNotMet, code, coupon.MinimumOrderAmount)
	}

	base := eligibleSubtotal(coupon, items)
	if base <= 0 {
		return 0, fmt.Errorf("%w: %s does not apply to these items", ErrCouponInvalid, code)
	}
	return couponDiscount(coupon, base), nil
}

func eligibleSubtotal(coupon Coupon, items []OrderLineItem) int64 {
	var total int64
	for _, item := range items {
		if len(coupon.ProductIDs) > 0 && !slices.Contains(coupon.ProductIDs, item.ProductID) {
			continue
		}
		if slices.Contains(coupon.ExcludedProductIDs, item.ProductID) {
			continue
		}
		total += item.Total
	}
	return total
}

func couponDiscount(coupon Coupon, base int64) int64 {
	var discount int64
	switch coupon.DiscountType {
	case domain.DiscountTypePercentage:
		discount = roundDiv(base*min(coupon.DiscountValue, 100), 100)
	case domain.DiscountTypeFixed:
		discount = coupon.DiscountValue
	}
	if coupon.MaximumDiscountAmount != nil && discount > *coupon.MaximumDiscountAmount {
		discount = *coupon.MaximumDiscountAmount
	}
	return max(0, min(discount, base))
}

// computeTotals derives the order totals. Tax is a flat rate on the subtotal.
func computeTotals(subtotal, discount, shipping, taxRateBps int64) OrderTotals {
	tax := roundDiv(subtotal*taxRateBps, basisPointsDenominator)
	return OrderTotals{
		Subtotal: subtotal,
		Discount: discount,
		Shipping: shipping,
		Tax:      tax,
		Total:    max(0, subtotal+shipping+tax-discount),
	}
}

// roundDiv divides non-negative n by d rounding half up.
func roundDiv(n, d int64) int64 {
	if d == 0 {
		return 0
	}
	return (n + d/2) / d
}
