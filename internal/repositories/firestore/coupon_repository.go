package firestore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/storefront/api/internal/domain"
	pfirestore "github.com/storefront/api/internal/platform/firestore"
	"github.com/storefront/api/internal/repositories"
)

const couponsCollection = "coupons"

type couponDocument struct {
	Description           string     `firestore:"description,omitempty"`
	DiscountType          string     `firestore:"discountType"`
	DiscountValue         int64      `firestore:"discountValue"`
	MinimumOrderAmount    int64      `firestore:"minimumOrderAmount"`
	MaximumDiscountAmount *int64     `firestore:"maximumDiscountAmount,omitempty"`
	StartsAt              time.Time  `firestore:"startsAt"`
	EndsAt                *time.Time `firestore:"endsAt,omitempty"`
	UsageLimit            *int64     `firestore:"usageLimit,omitempty"`
	UsedCount             int64      `firestore:"usedCount"`
	UsedBy                []string   `firestore:"usedBy"`
	OnePerUser            bool       `firestore:"onePerUser"`
	Active                bool       `firestore:"active"`
	ProductIDs            []string   `firestore:"productIds,omitempty"`
	ExcludedProductIDs    []string   `firestore:"excludedProductIds,omitempty"`
	CreatedAt             time.Time  `firestore:"createdAt"`
	UpdatedAt             time.Time  `firestore:"updatedAt"`
}

func newCouponDocument(c domain.Coupon) couponDocument {
	return couponDocument{
		Description:           c.Description,
		DiscountType:          string(c.DiscountType),
		DiscountValue:         c.DiscountValue,
		MinimumOrderAmount:    c.MinimumOrderAmount,
		MaximumDiscountAmount: c.MaximumDiscountAmount,
		StartsAt:              c.StartsAt.UTC(),
		EndsAt:                c.EndsAt,
		UsageLimit:            c.UsageLimit,
		UsedCount:             c.UsedCount,
		UsedBy:                slices.Clone(c.UsedBy),
		OnePerUser:            c.OnePerUser,
		Active:                c.Active,
		ProductIDs:            slices.Clone(c.ProductIDs),
		ExcludedProductIDs:    slices.Clone(c.ExcludedProductIDs),
		CreatedAt:             c.CreatedAt.UTC(),
		UpdatedAt:             c.UpdatedAt.UTC(),
	}
}

func (d couponDocument) toDomain(code string) domain.Coupon {
	return domain.Coupon{
		Code:                  code,
		Description:           d.Description,
		DiscountType:          domain.DiscountType(d.DiscountType),
		DiscountValue:         d.DiscountValue,
		MinimumOrderAmount:    d.MinimumOrderAmount,
		MaximumDiscountAmount: d.MaximumDiscountAmount,
		StartsAt:              d.StartsAt.UTC(),
		EndsAt:                d.EndsAt,
		UsageLimit:            d.UsageLimit,
		UsedCount:             d.UsedCount,
		UsedBy:                slices.Clone(d.UsedBy),
		OnePerUser:            d.OnePerUser,
		Active:                d.Active,
		ProductIDs:            slices.Clone(d.ProductIDs),
		ExcludedProductIDs:    slices.Clone(d.ExcludedProductIDs),
		CreatedAt:             d.CreatedAt.UTC(),
		UpdatedAt:             d.UpdatedAt.UTC(),
	}
}

// CouponRepository stores coupons keyed by their uppercase code.
type CouponRepository struct {
	provider *pfirestore.Provider
}

// NewCouponRepository constructs a Firestore-backed coupon store.
func NewCouponRepository(provider *pfirestore.Provider) (*CouponRepository, error) {
	if provider == nil {
		return nil, errors.New("coupon repository requires firestore provider")
	}
	return &CouponRepository{provider: provider}, nil
}

func (r *CouponRepository) FindByCode(ctx context.Context, code string) (domain.Coupon, error) {
	code = normalizeCouponCode(code)
	ref, err := r.ref(ctx, code)
	if err != nil {
		return domain.Coupon{}, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		if pfirestore.IsNotFound(err) {
			return domain.Coupon{}, repositories.NewCouponError("coupons.find", repositories.CouponErrorNotFound, code)
		}
		return domain.Coupon{}, pfirestore.WrapError("coupons.find", err)
	}
	var doc couponDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Coupon{}, fmt.Errorf("decode coupon %s: %w", code, err)
	}
	return doc.toDomain(code), nil
}

// Save upserts a coupon; used by seeding tools and tests.
func (r *CouponRepository) Save(ctx context.Context, coupon domain.Coupon) error {
	code := normalizeCouponCode(coupon.Code)
	ref, err := r.ref(ctx, code)
	if err != nil {
		return err
	}
	if _, err := ref.Set(ctx, newCouponDocument(coupon)); err != nil {
		return pfirestore.WrapError("coupons.save", err)
	}
	return nil
}

func (r *CouponRepository) IncrementUsage(ctx context.Context, code string, userID string, now time.Time) (domain.Coupon, error) {
	const op = "coupons.increment_usage"
	return r.mutate(ctx, op, code, func(doc *couponDocument, code string) ([]firestore.Update, error) {
		if doc.UsageLimit != nil && doc.UsedCount >= *doc.UsageLimit {
			return nil, repositories.NewCouponError(op, repositories.CouponErrorExhausted, code)
		}
		if doc.OnePerUser && slices.Contains(doc.UsedBy, userID) {
			return nil, repositories.NewCouponError(op, repositories.CouponErrorAlreadyUsed, code)
		}
		doc.UsedCount++
		if userID != "" && !slices.Contains(doc.UsedBy, userID) {
			doc.UsedBy = append(doc.UsedBy, userID)
		}
		doc.UpdatedAt = now.UTC()
		updates := []firestore.Update{
			{Path: "usedCount", Value: doc.UsedCount},
			{Path: "updatedAt", Value: doc.UpdatedAt},
		}
		if userID != "" {
			updates = append(updates, firestore.Update{Path: "usedBy", Value: firestore.ArrayUnion(userID)})
		}
		return updates, nil
	})
}

func (r *CouponRepository) DecrementUsage(ctx context.Context, code string, userID string, now time.Time) (domain.Coupon, error) {
	return r.mutate(ctx, "coupons.decrement_usage", code, func(doc *couponDocument, _ string) ([]firestore.Update, error) {
		if doc.UsedCount > 0 {
			doc.UsedCount--
		}
		doc.UsedBy = slices.DeleteFunc(doc.UsedBy, func(id string) bool { return id == userID })
		doc.UpdatedAt = now.UTC()
		updates := []firestore.Update{
			{Path: "usedCount", Value: doc.UsedCount},
			{Path: "updatedAt", Value: doc.UpdatedAt},
		}
		if userID != "" {
			updates = append(updates, firestore.Update{Path: "usedBy", Value: firestore.ArrayRemove(userID)})
		}
		return updates, nil
	})
}

func (r *CouponRepository) mutate(ctx context.Context, op string, code string, apply func(*couponDocument, string) ([]firestore.Update, error)) (domain.Coupon, error) {
	code = normalizeCouponCode(code)
	ref, err := r.ref(ctx, code)
	if err != nil {
		return domain.Coupon{}, err
	}

	var result domain.Coupon
	err = r.provider.RunTransaction(ctx, op, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if pfirestore.IsNotFound(err) {
				return repositories.NewCouponError(op, repositories.CouponErrorNotFound, code)
			}
			return err
		}
		var doc couponDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode coupon %s: %w", code, err)
		}
		updates, err := apply(&doc, code)
		if err != nil {
			return err
		}
		if err := tx.Update(ref, updates); err != nil {
			return err
		}
		result = doc.toDomain(code)
		return nil
	})
	if err != nil {
		return domain.Coupon{}, err
	}
	return result, nil
}

func (r *CouponRepository) ref(ctx context.Context, code string) (*firestore.DocumentRef, error) {
	if code == "" {
		return nil, repositories.NewCouponError("coupons", repositories.CouponErrorNotFound, code)
	}
	coll, err := r.provider.Collection(ctx, couponsCollection)
	if err != nil {
		return nil, err
	}
	return coll.Doc(code), nil
}

func normalizeCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
