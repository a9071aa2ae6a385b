// Package firestore implements the order workflow stores on Cloud Firestore.
package firestore

import (
	"context"
	"errors"

	pfirestore "github.com/storefront/api/internal/platform/firestore"
	"github.com/storefront/api/internal/repositories"
)

// Registry bundles the Firestore-backed stores behind repositories.Registry.
type Registry struct {
	provider *pfirestore.Provider
	products *ProductRepository
	coupons  *CouponRepository
	orders   *OrderRepository
	counters *CounterRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry wires every Firestore store to the shared provider.
func NewRegistry(provider *pfirestore.Provider) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry requires provider")
	}
	products, err := NewProductRepository(provider)
	if err != nil {
		return nil, err
	}
	coupons, err := NewCouponRepository(provider)
	if err != nil {
		return nil, err
	}
	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	counters, err := NewCounterRepository(provider)
	if err != nil {
		return nil, err
	}
	return &Registry{
		provider: provider,
		products: products,
		coupons:  coupons,
		orders:   orders,
		counters: counters,
	}, nil
}

func (r *Registry) Products() repositories.ProductRepository { return r.products }
func (r *Registry) Coupons() repositories.CouponRepository   { return r.coupons }
func (r *Registry) Orders() repositories.OrderRepository     { return r.orders }
func (r *Registry) Counters() repositories.CounterRepository { return r.counters }

func (r *Registry) Ping(ctx context.Context) error  { return r.provider.Ping(ctx) }
func (r *Registry) Close(ctx context.Context) error { return r.provider.Close(ctx) }
