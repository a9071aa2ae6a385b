package mysql

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/storefront/api/internal/repositories"
)

// CounterRepository implements sequences with an upsert on the counters table.
type CounterRepository struct {
	db *gorm.DB
}

// NewCounterRepository constructs a GORM counter store.
func NewCounterRepository(db *gorm.DB) *CounterRepository {
	return &CounterRepository{db: db}
}

func (r *CounterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	const op = "mysql.counters.next"
	if counterID == "" {
		return 0, errors.New("counters: counter id is required")
	}
	if step <= 0 {
		step = 1
	}
	var next int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := counterModel{ID: counterID, Value: step, UpdatedAt: time.Now().UTC()}
		if err := tx.Clauses(clause.OnConflict{
			DoUpdates: clause.Assignments(map[string]any{
				"value":      gorm.Expr("value + ?", step),
				"updated_at": row.UpdatedAt,
			}),
		}).Create(&row).Error; err != nil {
			return err
		}
		var stored counterModel
		if err := tx.Where("id = ?", counterID).First(&stored).Error; err != nil {
			return err
		}
		next = stored.Value
		return nil
	})
	if err != nil {
		return 0, wrapError(op, err)
	}
	return next, nil
}

// Registry bundles the GORM stores behind repositories.Registry.
type Registry struct {
	db       *gorm.DB
	products *ProductRepository
	coupons  *CouponRepository
	orders   *OrderRepository
	counters *CounterRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry wires the stores to db.
func NewRegistry(db *gorm.DB) (*Registry, error) {
	if db == nil {
		return nil, errors.New("mysql registry requires a database handle")
	}
	return &Registry{
		db:       db,
		products: NewProductRepository(db),
		coupons:  NewCouponRepository(db),
		orders:   NewOrderRepository(db),
		counters: NewCounterRepository(db),
	}, nil
}

func (r *Registry) Products() repositories.ProductRepository { return r.products }
func (r *Registry) Coupons() repositories.CouponRepository   { return r.coupons }
func (r *Registry) Orders() repositories.OrderRepository     { return r.orders }
func (r *Registry) Counters() repositories.CounterRepository { return r.counters }

func (r *Registry) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return repositories.Unavailable("mysql.ping", err)
	}
	return nil
}

func (r *Registry) Close(context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
