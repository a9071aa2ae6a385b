package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/storefront/api/internal/domain"
	pfirestore "github.com/storefront/api/internal/platform/firestore"
	"github.com/storefront/api/internal/repositories"
)

const productsCollection = "products"

type productDocument struct {
	Name      string    `firestore:"name"`
	SKU       string    `firestore:"sku,omitempty"`
	Category  string    `firestore:"category,omitempty"`
	Price     int64     `firestore:"price"`
	Currency  string    `firestore:"currency"`
	Stock     int64     `firestore:"stock"`
	Active    bool      `firestore:"active"`
	CreatedAt time.Time `firestore:"createdAt"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func newProductDocument(p domain.Product) productDocument {
	return productDocument{
		Name:      p.Name,
		SKU:       p.SKU,
		Category:  p.Category,
		Price:     p.Price,
		Currency:  p.Currency,
		Stock:     p.Stock,
		Active:    p.Active,
		CreatedAt: p.CreatedAt.UTC(),
		UpdatedAt: p.UpdatedAt.UTC(),
	}
}

func (d productDocument) toDomain(id string) domain.Product {
	return domain.Product{
		ID:        id,
		Name:      d.Name,
		SKU:       d.SKU,
		Category:  d.Category,
		Price:     d.Price,
		Currency:  d.Currency,
		Stock:     d.Stock,
		Active:    d.Active,
		CreatedAt: d.CreatedAt.UTC(),
		UpdatedAt: d.UpdatedAt.UTC(),
	}
}

// ProductRepository stores catalog entries; stock mutations run inside transactions so the
// availability check and the write observe the same document version.
type ProductRepository struct {
	provider *pfirestore.Provider
	clock    func() time.Time
}

// NewProductRepository constructs a Firestore-backed catalog.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	return &ProductRepository{provider: provider, clock: time.Now}, nil
}

func (r *ProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	ref, err := r.ref(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		if pfirestore.IsNotFound(err) {
			return domain.Product{}, repositories.NewStockError("products.find", repositories.StockErrorProductNotFound, productID, 0)
		}
		return domain.Product{}, pfirestore.WrapError("products.find", err)
	}
	var doc productDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Product{}, fmt.Errorf("decode product %s: %w", productID, err)
	}
	return doc.toDomain(snap.Ref.ID), nil
}

// Save upserts a product; used by seeding tools and tests.
func (r *ProductRepository) Save(ctx context.Context, product domain.Product) error {
	ref, err := r.ref(ctx, product.ID)
	if err != nil {
		return err
	}
	if _, err := ref.Set(ctx, newProductDocument(product)); err != nil {
		return pfirestore.WrapError("products.save", err)
	}
	return nil
}

func (r *ProductRepository) DecrementStock(ctx context.Context, productID string, qty int64) (domain.Product, error) {
	if qty <= 0 {
		return domain.Product{}, repositories.NewStockError("products.decrement", repositories.StockErrorInvalidQuantity, productID, 0)
	}
	return r.adjust(ctx, "products.decrement", productID, -qty)
}

func (r *ProductRepository) IncrementStock(ctx context.Context, productID string, qty int64) (domain.Product, error) {
	if qty <= 0 {
		return domain.Product{}, repositories.NewStockError("products.increment", repositories.StockErrorInvalidQuantity, productID, 0)
	}
	return r.adjust(ctx, "products.increment", productID, qty)
}

func (r *ProductRepository) adjust(ctx context.Context, op string, productID string, delta int64) (domain.Product, error) {
	ref, err := r.ref(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}

	var updated domain.Product
	err = r.provider.RunTransaction(ctx, op, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if pfirestore.IsNotFound(err) {
				return repositories.NewStockError(op, repositories.StockErrorProductNotFound, productID, 0)
			}
			return err
		}
		var doc productDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode product %s: %w", productID, err)
		}
		if doc.Stock+delta < 0 {
			return repositories.NewStockError(op, repositories.StockErrorInsufficient, productID, doc.Stock)
		}
		doc.Stock += delta
		doc.UpdatedAt = r.clock().UTC()
		if err := tx.Update(ref, []firestore.Update{
			{Path: "stock", Value: doc.Stock},
			{Path: "updatedAt", Value: doc.UpdatedAt},
		}); err != nil {
			return err
		}
		updated = doc.toDomain(productID)
		return nil
	})
	if err != nil {
		return domain.Product{}, err
	}
	return updated, nil
}

func (r *ProductRepository) ref(ctx context.Context, productID string) (*firestore.DocumentRef, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return nil, repositories.NewStockError("products", repositories.StockErrorProductNotFound, productID, 0)
	}
	coll, err := r.provider.Collection(ctx, productsCollection)
	if err != nil {
		return nil, err
	}
	return coll.Doc(productID), nil
}
