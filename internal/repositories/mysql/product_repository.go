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

// ProductRepository stores catalog entries in the products table.
type ProductRepository struct {
	db *gorm.DB
}

// NewProductRepository constructs a GORM catalog store.
func NewProductRepository(db *gorm.DB) *ProductRepository {
	return &ProductRepository{db: db}
}

func (r *ProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	var model productModel
	err := r.db.WithContext(ctx).Where("id = ?", productID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Product{}, repositories.NewStockError("mysql.products.find", repositories.StockErrorProductNotFound, productID, 0)
		}
		return domain.Product{}, wrapError("mysql.products.find", err)
	}
	return model.toDomain(), nil
}

// Save upserts a product.
func (r *ProductRepository) Save(ctx context.Context, product domain.Product) error {
	model := newProductModel(product)
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&model).Error
	return wrapError("mysql.products.save", err)
}

// DecrementStock issues a single conditional UPDATE so concurrent reservations cannot
// drive stock below zero.
func (r *ProductRepository) DecrementStock(ctx context.Context, productID string, qty int64) (domain.Product, error) {
	const op = "mysql.products.decrement"
	if qty <= 0 {
		return domain.Product{}, repositories.NewStockError(op, repositories.StockErrorInvalidQuantity, productID, 0)
	}
	return r.adjustStock(ctx, op, productID, -qty)
}

func (r *ProductRepository) IncrementStock(ctx context.Context, productID string, qty int64) (domain.Product, error) {
	const op = "mysql.products.increment"
	if qty <= 0 {
		return domain.Product{}, repositories.NewStockError(op, repositories.StockErrorInvalidQuantity, productID, 0)
	}
	return r.adjustStock(ctx, op, productID, qty)
}

// adjustStock applies delta and reads the row back in one transaction. An error therefore
// always means stock is unchanged, which is what compensation and reversal rely on.
func (r *ProductRepository) adjustStock(ctx context.Context, op, productID string, delta int64) (domain.Product, error) {
	var product domain.Product
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		update := tx.Model(&productModel{}).Where("id = ?", productID)
		if delta < 0 {
			update = update.Where("stock >= ?", -delta)
		}
		res := update.Updates(map[string]any{
			"stock":      gorm.Expr("stock + ?", delta),
			"updated_at": time.Now().UTC(),
		})
		if res.Error != nil {
			return wrapError(op, res.Error)
		}

		var model productModel
		if err := tx.Where("id = ?", productID).First(&model).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return repositories.NewStockError(op, repositories.StockErrorProductNotFound, productID, 0)
			}
			return wrapError(op, err)
		}
		if res.RowsAffected == 0 {
			return repositories.NewStockError(op, repositories.StockErrorInsufficient, productID, model.Stock)
		}
		product = model.toDomain()
		return nil
	})
	if err != nil {
		return domain.Product{}, err
	}
	return product, nil
}
