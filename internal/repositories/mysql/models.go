package mysql

import (
	"maps"
	"slices"
	"time"

	domain "github.com/storefront/api/internal/domain"
)

// productModel maps the products table.
type productModel struct {
	ID        string `gorm:"primaryKey;size:64"`
	Name      string `gorm:"size:255"`
	SKU       string `gorm:"size:64;index"`
	Category  string `gorm:"size:64"`
	Price     int64
	Currency  string `gorm:"size:3"`
	Stock     int64
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (productModel) TableName() string { return "products" }

func (m productModel) toDomain() domain.Product {
	return domain.Product{
		ID:        m.ID,
		Name:      m.Name,
		SKU:       m.SKU,
		Category:  m.Category,
		Price:     m.Price,
		Currency:  m.Currency,
		Stock:     m.Stock,
		Active:    m.Active,
		CreatedAt: m.CreatedAt.UTC(),
		UpdatedAt: m.UpdatedAt.UTC(),
	}
}

func newProductModel(p domain.Product) productModel {
	return productModel{
		ID:        p.ID,
		Name:      p.Name,
		SKU:       p.SKU,
		Category:  p.Category,
		Price:     p.Price,
		Currency:  p.Currency,
		Stock:     p.Stock,
		Active:    p.Active,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

// couponModel maps the coupons table; redemptions live in couponRedemptionModel.
type couponModel struct {
	Code                  string `gorm:"primaryKey;size:64"`
	Description           string `gorm:"size:255"`
	DiscountType          string `gorm:"size:16"`
	DiscountValue         int64
	MinimumOrderAmount    int64
	MaximumDiscountAmount *int64
	StartsAt              time.Time
	EndsAt                *time.Time
	UsageLimit            *int64
	UsedCount             int64
	OnePerUser            bool
	Active                bool
	ProductIDs            []string `gorm:"serializer:json;type:json"`
	ExcludedProductIDs    []string `gorm:"serializer:json;type:json"`
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func (couponModel) TableName() string { return "coupons" }

// couponRedemptionModel records one redemption of a coupon by a user.
type couponRedemptionModel struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	Code      string `gorm:"size:64;index:idx_redemption_code_user"`
	UserID    string `gorm:"size:128;index:idx_redemption_code_user"`
	CreatedAt time.Time
}

func (couponRedemptionModel) TableName() string { return "coupon_redemptions" }

func (m couponModel) toDomain(usedBy []string) domain.Coupon {
	return domain.Coupon{
		Code:                  m.Code,
		Description:           m.Description,
		DiscountType:          domain.DiscountType(m.DiscountType),
		DiscountValue:         m.DiscountValue,
		MinimumOrderAmount:    m.MinimumOrderAmount,
		MaximumDiscountAmount: m.MaximumDiscountAmount,
		StartsAt:              m.StartsAt.UTC(),
		EndsAt:                m.EndsAt,
		UsageLimit:            m.UsageLimit,
		UsedCount:             m.UsedCount,
		UsedBy:                usedBy,
		OnePerUser:            m.OnePerUser,
		Active:                m.Active,
		ProductIDs:            slices.Clone(m.ProductIDs),
		ExcludedProductIDs:    slices.Clone(m.ExcludedProductIDs),
		CreatedAt:             m.CreatedAt.UTC(),
		UpdatedAt:             m.UpdatedAt.UTC(),
	}
}

func newCouponModel(c domain.Coupon) couponModel {
	return couponModel{
		Code:                  normalizeCode(c.Code),
		Description:           c.Description,
		DiscountType:          string(c.DiscountType),
		DiscountValue:         c.DiscountValue,
		MinimumOrderAmount:    c.MinimumOrderAmount,
		MaximumDiscountAmount: c.MaximumDiscountAmount,
		StartsAt:              c.StartsAt,
		EndsAt:                c.EndsAt,
		UsageLimit:            c.UsageLimit,
		UsedCount:             c.UsedCount,
		OnePerUser:            c.OnePerUser,
		Active:                c.Active,
		ProductIDs:            slices.Clone(c.ProductIDs),
		ExcludedProductIDs:    slices.Clone(c.ExcludedProductIDs),
		CreatedAt:             c.CreatedAt,
		UpdatedAt:             c.UpdatedAt,
	}
}

// orderModel maps the orders table. Line items and addresses are stored as JSON columns;
// payment fields used for lookups are flattened so they can be indexed.
type orderModel struct {
	ID                   string          `gorm:"primaryKey;size:64"`
	OrderNumber          string          `gorm:"size:64;uniqueIndex"`
	UserID               string          `gorm:"size:128;index"`
	Status               string          `gorm:"size:16;index:idx_orders_status_created"`
	Currency             string          `gorm:"size:3"`
	Items                []orderItemJSON `gorm:"serializer:json;type:json"`
	Subtotal             int64
	Discount             int64
	ShippingTotal        int64
	Tax                  int64
	Total                int64
	ShippingAddress      domain.Address `gorm:"serializer:json;type:json"`
	BillingAddress       domain.Address `gorm:"serializer:json;type:json"`
	PaymentMethod        string         `gorm:"size:16"`
	PaymentStatus        string         `gorm:"size:16"`
	PaymentIntentID      string         `gorm:"size:128;index"`
	PaymentTransactionID string         `gorm:"size:128;index"`
	PaymentAttempts      int
	RefundID             string `gorm:"size:128"`
	RefundedAmount       int64
	RefundReason         string `gorm:"size:255"`
	PaidAt               *time.Time
	FailedAt             *time.Time
	RefundedAt           *time.Time
	DuplicateIntentIDs   []string `gorm:"serializer:json;type:json"`
	ShippingMethod       string   `gorm:"size:64"`
	TrackingNumber       string   `gorm:"size:128"`
	EstimatedDelivery    *time.Time
	CouponCode           *string `gorm:"size:64"`
	CouponDiscount       int64
	StockRestoredAt      *time.Time
	CouponReleasedAt     *time.Time
	CancelReason         string `gorm:"size:255"`
	Version              int64
	CreatedAt            time.Time `gorm:"index:idx_orders_status_created"`
	UpdatedAt            time.Time
	ConfirmedAt          *time.Time
	ProcessingAt         *time.Time
	ShippedAt            *time.Time
	DeliveredAt          *time.Time
	CancelledAt          *time.Time
}

func (orderModel) TableName() string { return "orders" }

type orderItemJSON struct {
	ProductID  string            `json:"product_id"`
	SKU        string            `json:"sku,omitempty"`
	Name       string            `json:"name"`
	Quantity   int64             `json:"quantity"`
	UnitPrice  int64             `json:"unit_price"`
	Total      int64             `json:"total"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func newOrderModel(o domain.Order) orderModel {
	m := orderModel{
		ID:                   o.ID,
		OrderNumber:          o.OrderNumber,
		UserID:               o.UserID,
		Status:               string(o.Status),
		Currency:             o.Currency,
		Subtotal:             o.Totals.Subtotal,
		Discount:             o.Totals.Discount,
		ShippingTotal:        o.Totals.Shipping,
		Tax:                  o.Totals.Tax,
		Total:                o.Totals.Total,
		ShippingAddress:      o.ShippingAddress,
		BillingAddress:       o.BillingAddress,
		PaymentMethod:        string(o.Payment.Method),
		PaymentStatus:        string(o.Payment.Status),
		PaymentIntentID:      o.Payment.IntentID,
		PaymentTransactionID: o.Payment.TransactionID,
		PaymentAttempts:      o.Payment.Attempts,
		RefundID:             o.Payment.RefundID,
		RefundedAmount:       o.Payment.RefundedAmount,
		RefundReason:         o.Payment.RefundReason,
		PaidAt:               o.Payment.PaidAt,
		FailedAt:             o.Payment.FailedAt,
		RefundedAt:           o.Payment.RefundedAt,
		DuplicateIntentIDs:   slices.Clone(o.Payment.DuplicateIntentIDs),
		ShippingMethod:       o.Shipping.Method,
		TrackingNumber:       o.Shipping.TrackingNumber,
		EstimatedDelivery:    o.Shipping.EstimatedDelivery,
		StockRestoredAt:      o.Reversal.StockRestoredAt,
		CouponReleasedAt:     o.Reversal.CouponReleasedAt,
		CancelReason:         o.CancelReason,
		Version:              o.Version,
		CreatedAt:            o.CreatedAt,
		UpdatedAt:            o.UpdatedAt,
		ConfirmedAt:          o.ConfirmedAt,
		ProcessingAt:         o.ProcessingAt,
		ShippedAt:            o.ShippedAt,
		DeliveredAt:          o.DeliveredAt,
		CancelledAt:          o.CancelledAt,
	}
	m.Items = make([]orderItemJSON, 0, len(o.Items))
	for _, item := range o.Items {
		m.Items = append(m.Items, orderItemJSON{
			ProductID:  item.ProductID,
			SKU:        item.SKU,
			Name:       item.Name,
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
			Total:      item.Total,
			Attributes: maps.Clone(item.Attributes),
		})
	}
	if o.Coupon != nil {
		code := o.Coupon.Code
		m.CouponCode = &code
		m.CouponDiscount = o.Coupon.Discount
	}
	return m
}

func (m orderModel) toDomain() domain.Order {
	o := domain.Order{
		ID:              m.ID,
		OrderNumber:     m.OrderNumber,
		UserID:          m.UserID,
		Status:          domain.OrderStatus(m.Status),
		Currency:        m.Currency,
		Totals:          domain.OrderTotals{Subtotal: m.Subtotal, Discount: m.Discount, Shipping: m.ShippingTotal, Tax: m.Tax, Total: m.Total},
		ShippingAddress: m.ShippingAddress,
		BillingAddress:  m.BillingAddress,
		Payment: domain.OrderPayment{
			Method:             domain.PaymentMethod(m.PaymentMethod),
			Status:             domain.PaymentStatus(m.PaymentStatus),
			IntentID:           m.PaymentIntentID,
			TransactionID:      m.PaymentTransactionID,
			Attempts:           m.PaymentAttempts,
			RefundID:           m.RefundID,
			RefundedAmount:     m.RefundedAmount,
			RefundReason:       m.RefundReason,
			PaidAt:             m.PaidAt,
			FailedAt:           m.FailedAt,
			RefundedAt:         m.RefundedAt,
			DuplicateIntentIDs: slices.Clone(m.DuplicateIntentIDs),
		},
		Shipping: domain.OrderShipping{
			Method:            m.ShippingMethod,
			Cost:              m.ShippingTotal,
			TrackingNumber:    m.TrackingNumber,
			EstimatedDelivery: m.EstimatedDelivery,
		},
		Reversal:     domain.OrderReversal{StockRestoredAt: m.StockRestoredAt, CouponReleasedAt: m.CouponReleasedAt},
		CancelReason: m.CancelReason,
		Version:      m.Version,
		CreatedAt:    m.CreatedAt.UTC(),
		UpdatedAt:    m.UpdatedAt.UTC(),
		ConfirmedAt:  m.ConfirmedAt,
		ProcessingAt: m.ProcessingAt,
		ShippedAt:    m.ShippedAt,
		DeliveredAt:  m.DeliveredAt,
		CancelledAt:  m.CancelledAt,
	}
	o.Items = make([]domain.OrderLineItem, 0, len(m.Items))
	for _, item := range m.Items {
		o.Items = append(o.Items, domain.OrderLineItem{
			ProductID:  item.ProductID,
			SKU:        item.SKU,
			Name:       item.Name,
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
			Total:      item.Total,
			Attributes: maps.Clone(item.Attributes),
		})
	}
	if m.CouponCode != nil {
		o.Coupon = &domain.AppliedCoupon{Code: *m.CouponCode, Discount: m.CouponDiscount}
	}
	return o
}

// counterModel maps the counters table.
type counterModel struct {
	ID        string `gorm:"primaryKey;size:64"`
	Value     int64
	UpdatedAt time.Time
}

func (counterModel) TableName() string { return "counters" }
