package mysql

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/repositories"
)

// CouponRepository stores coupons and their per-user redemptions.
type CouponRepository struct {
	db *gorm.DB
}

// NewCouponRepository constructs a GORM coupon store.
func NewCouponRepository(db *gorm.DB) *CouponRepository {
	return &CouponRepository{db: db}
}

func (r *CouponRepository) FindByCode(ctx context.Context, code string) (domain.Coupon, error) {
	code = normalizeCode(code)
	db := r.db.WithContext(ctx)
	model, err := findCoupon(db, code, false)
	if err != nil {
		return domain.Coupon{}, wrapCouponError("mysql.coupons.find", code, err)
	}
	usedBy, err := redeemedBy(db, code)
	if err != nil {
		return domain.Coupon{}, wrapError("mysql.coupons.find", err)
	}
	return model.toDomain(usedBy), nil
}

// Save upserts a coupon definition. Redemptions are untouched.
func (r *CouponRepository) Save(ctx context.Context, coupon domain.Coupon) error {
	model := newCouponModel(coupon)
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&model).Error
	return wrapError("mysql.coupons.save", err)
}

// IncrementUsage locks the coupon row, checks the usage guards and records the redemption in
// one transaction.
func (r *CouponRepository) IncrementUsage(ctx context.Context, code string, userID string, now time.Time) (domain.Coupon, error) {
	const op = "mysql.coupons.increment_usage"
	code = normalizeCode(code)
	var result domain.Coupon
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model, err := findCoupon(tx, code, true)
		if err != nil {
			return wrapCouponError(op, code, err)
		}
		if model.UsageLimit != nil && model.UsedCount >= *model.UsageLimit {
			return repositories.NewCouponError(op, repositories.CouponErrorExhausted, code)
		}
		if model.OnePerUser && userID != "" {
			var count int64
			if err := tx.Model(&couponRedemptionModel{}).Where("code = ? AND user_id = ?", code, userID).Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return repositories.NewCouponError(op, repositories.CouponErrorAlreadyUsed, code)
			}
		}
		if err := tx.Model(&couponModel{}).Where("code = ?", code).Updates(map[string]any{
			"used_count": gorm.Expr("used_count + 1"),
			"updated_at": now.UTC(),
		}).Error; err != nil {
			return err
		}
		if userID != "" {
			if err := tx.Create(&couponRedemptionModel{Code: code, UserID: userID, CreatedAt: now.UTC()}).Error; err != nil {
				return err
			}
		}
		model.UsedCount++
		model.UpdatedAt = now.UTC()
		usedBy, err := redeemedBy(tx, code)
		if err != nil {
			return err
		}
		result = model.toDomain(usedBy)
		return nil
	})
	if err != nil {
		return domain.Coupon{}, wrapError(op, err)
	}
	return result, nil
}

func (r *CouponRepository) DecrementUsage(ctx context.Context, code string, userID string, now time.Time) (domain.Coupon, error) {
	const op = "mysql.coupons.decrement_usage"
	code = normalizeCode(code)
	var result domain.Coupon
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model, err := findCoupon(tx, code, true)
		if err != nil {
			return wrapCouponError(op, code, err)
		}
		if err := tx.Model(&couponModel{}).Where("code = ?", code).Updates(map[string]any{
			"used_count": gorm.Expr("GREATEST(used_count - 1, 0)"),
			"updated_at": now.UTC(),
		}).Error; err != nil {
			return err
		}
		if userID != "" {
			if err := tx.Where("code = ? AND user_id = ?", code, userID).Delete(&couponRedemptionModel{}).Error; err != nil {
				return err
			}
		}
		if model.UsedCount > 0 {
			model.UsedCount--
		}
		model.UpdatedAt = now.UTC()
		usedBy, err := redeemedBy(tx, code)
		if err != nil {
			return err
		}
		result = model.toDomain(usedBy)
		return nil
	})
	if err != nil {
		return domain.Coupon{}, wrapError(op, err)
	}
	return result, nil
}

func findCoupon(db *gorm.DB, code string, lock bool) (couponModel, error) {
	q := db
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var model couponModel
	err := q.Where("code = ?", code).First(&model).Error
	return model, err
}

func redeemedBy(db *gorm.DB, code string) ([]string, error) {
	var users []string
	err := db.Model(&couponRedemptionModel{}).Where("code = ?", code).Distinct().Pluck("user_id", &users).Error
	return users, err
}

func wrapCouponError(op, code string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return repositories.NewCouponError(op, repositories.CouponErrorNotFound, code)
	}
	return err
}
