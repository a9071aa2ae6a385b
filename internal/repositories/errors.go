package repositories

import (
	"errors"
	"fmt"
)

// StockErrorCode enumerates catalog failure causes.
type StockErrorCode string

const (
	// StockErrorInsufficient indicates the conditional decrement found fewer units than requested.
	StockErrorInsufficient StockErrorCode = "stock_insufficient"
	// StockErrorProductNotFound indicates the product has no catalog record.
	StockErrorProductNotFound StockErrorCode = "stock_product_not_found"
	// StockErrorInvalidQuantity indicates a non-positive quantity was supplied.
	StockErrorInvalidQuantity StockErrorCode = "stock_invalid_quantity"
)

// StockError wraps catalog stock failures with machine readable codes.
type StockError struct {
	Op        string
	Code      StockErrorCode
	ProductID string
	Available int64
	Err       error
}

func (e *StockError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("%s (product %s)", e.Code, e.ProductID)
	if e.Code == StockErrorInsufficient {
		msg = fmt.Sprintf("%s (product %s, available %d)", e.Code, e.ProductID, e.Available)
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *StockError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsNotFound implements RepositoryError.
func (e *StockError) IsNotFound() bool { return e != nil && e.Code == StockErrorProductNotFound }

// IsConflict implements RepositoryError.
func (e *StockError) IsConflict() bool { return e != nil && e.Code == StockErrorInsufficient }

// IsUnavailable implements RepositoryError.
func (e *StockError) IsUnavailable() bool { return false }

// NewStockError constructs a typed stock error.
func NewStockError(op string, code StockErrorCode, productID string, available int64) *StockError {
	return &StockError{Op: op, Code: code, ProductID: productID, Available: available}
}

// CouponErrorCode enumerates coupon redemption failure causes.
type CouponErrorCode string

const (
	CouponErrorNotFound    CouponErrorCode = "coupon_not_found"
	CouponErrorExhausted   CouponErrorCode = "coupon_usage_exhausted"
	CouponErrorAlreadyUsed CouponErrorCode = "coupon_already_used"
)

// CouponError wraps coupon usage failures.
type CouponError struct {
	Op     string
	Code   CouponErrorCode
	Coupon string
	Err    error
}

func (e *CouponError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Op, e.Code, e.Coupon)
	}
	return fmt.Sprintf("%s (%s)", e.Code, e.Coupon)
}

func (e *CouponError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *CouponError) IsNotFound() bool    { return e != nil && e.Code == CouponErrorNotFound }
func (e *CouponError) IsConflict() bool    { return e != nil && e.Code != CouponErrorNotFound }
func (e *CouponError) IsUnavailable() bool { return false }

// NewCouponError constructs a typed coupon error.
func NewCouponError(op string, code CouponErrorCode, coupon string) *CouponError {
	return &CouponError{Op: op, Code: code, Coupon: coupon}
}

// StockErrorCodeOf extracts the stock error code from err, if any.
func StockErrorCodeOf(err error) (StockErrorCode, bool) {
	var stockErr *StockError
	if errors.As(err, &stockErr) {
		return stockErr.Code, true
	}
	return "", false
}

// CouponErrorCodeOf extracts the coupon error code from err, if any.
func CouponErrorCodeOf(err error) (CouponErrorCode, bool) {
	var couponErr *CouponError
	if errors.As(err, &couponErr) {
		return couponErr.Code, true
	}
	return "", false
}

// StoreError is a generic categorised persistence error used by backends without a native
// error type carrying the RepositoryError contract.
type StoreError struct {
	Op          string
	Err         error
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e *StoreError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return e.Op
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *StoreError) Unwrap() error       { return e.Err }
func (e *StoreError) IsNotFound() bool    { return e != nil && e.notFound }
func (e *StoreError) IsConflict() bool    { return e != nil && e.conflict }
func (e *StoreError) IsUnavailable() bool { return e != nil && e.unavailable }

// NotFound builds a not-found StoreError.
func NotFound(op string, err error) *StoreError {
	return &StoreError{Op: op, Err: err, notFound: true}
}

// Conflict builds a conflict StoreError, used for duplicate keys and version mismatches.
func Conflict(op string, err error) *StoreError {
	return &StoreError{Op: op, Err: err, conflict: true}
}

// Unavailable builds a StoreError for transient backend failures.
func Unavailable(op string, err error) *StoreError {
	return &StoreError{Op: op, Err: err, unavailable: true}
}

// ErrVersionMismatch is wrapped by Update when the stored order version moved on.
var ErrVersionMismatch = errors.New("repositories: version mismatch")
