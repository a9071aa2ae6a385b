package memory

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	domain "github.com/storefront/api/internal/domain"
)

// Fixtures is the JSON document accepted by LoadFixtures. Amounts are minor units.
type Fixtures struct {
	Products []domain.Product `json:"products"`
	Coupons  []domain.Coupon  `json:"coupons"`
}

// LoadFixtures seeds the catalog and coupons from r, replacing entries with the same key.
func (s *Store) LoadFixtures(r io.Reader) error {
	var fixtures Fixtures
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&fixtures); err != nil {
		return fmt.Errorf("memory: decode fixtures: %w", err)
	}
	for i, product := range fixtures.Products {
		if strings.TrimSpace(product.ID) == "" {
			return fmt.Errorf("memory: product %d has no id", i)
		}
		if product.Stock < 0 || product.Price < 0 {
			return fmt.Errorf("memory: product %s has negative stock or price", product.ID)
		}
		s.products.Put(product)
	}
	for i, coupon := range fixtures.Coupons {
		if strings.TrimSpace(coupon.Code) == "" {
			return fmt.Errorf("memory: coupon %d has no code", i)
		}
		s.coupons.Put(coupon)
	}
	return nil
}

// LoadFixturesFile is LoadFixtures for a file path.
func (s *Store) LoadFixturesFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("memory: open fixtures: %w", err)
	}
	defer file.Close()
	return s.LoadFixtures(file)
}
