package firestore

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	domain "github.com/storefront/api/internal/domain"
	pfirestore "github.com/storefront/api/internal/platform/firestore"
	"github.com/storefront/api/internal/repositories"
)

const ordersCollection = "orders"

type orderDocument struct {
	OrderNumber     string              `firestore:"orderNumber"`
	UserID          string              `firestore:"userId"`
	Status          string              `firestore:"status"`
	Currency        string              `firestore:"currency"`
	Items           []orderItemDocument `firestore:"items"`
	Totals          orderTotalsDocument `firestore:"totals"`
	ShippingAddress addressDocument     `firestore:"shippingAddress"`
	BillingAddress  addressDocument     `firestore:"billingAddress"`
	Payment         paymentDocument     `firestore:"payment"`
	Shipping        shippingDocument    `firestore:"shipping"`
	Coupon          *couponRefDocument  `firestore:"coupon,omitempty"`
	Reversal        reversalDocument    `firestore:"reversal"`
	CancelReason    string              `firestore:"cancelReason,omitempty"`
	Version         int64               `firestore:"version"`
	CreatedAt       time.Time           `firestore:"createdAt"`
	UpdatedAt       time.Time           `firestore:"updatedAt"`
	ConfirmedAt     *time.Time          `firestore:"confirmedAt,omitempty"`
	ProcessingAt    *time.Time          `firestore:"processingAt,omitempty"`
	ShippedAt       *time.Time          `firestore:"shippedAt,omitempty"`
	DeliveredAt     *time.Time          `firestore:"deliveredAt,omitempty"`
	CancelledAt     *time.Time          `firestore:"cancelledAt,omitempty"`
}

type orderItemDocument struct {
	ProductID  string            `firestore:"productId"`
	SKU        string            `firestore:"sku,omitempty"`
	Name       string            `firestore:"name"`
	Quantity   int64             `firestore:"quantity"`
	UnitPrice  int64             `firestore:"unitPrice"`
	Total      int64             `firestore:"total"`
	Attributes map[string]string `firestore:"attributes,omitempty"`
}

type orderTotalsDocument struct {
	Subtotal int64 `firestore:"subtotal"`
	Discount int64 `firestore:"discount"`
	Shipping int64 `firestore:"shipping"`
	Tax      int64 `firestore:"tax"`
	Total    int64 `firestore:"total"`
}

type addressDocument struct {
	Recipient  string `firestore:"recipient,omitempty"`
	Line1      string `firestore:"line1,omitempty"`
	Line2      string `firestore:"line2,omitempty"`
	City       string `firestore:"city,omitempty"`
	State      string `firestore:"state,omitempty"`
	PostalCode string `firestore:"postalCode,omitempty"`
	Country    string `firestore:"country,omitempty"`
	Phone      string `firestore:"phone,omitempty"`
}

type paymentDocument struct {
	Method         string     `firestore:"method"`
	Status         string     `firestore:"status"`
	IntentID       string     `firestore:"intentId,omitempty"`
	TransactionID  string     `firestore:"transactionId,omitempty"`
	Attempts       int        `firestore:"attempts"`
	RefundID       string     `firestore:"refundId,omitempty"`
	RefundedAmount int64      `firestore:"refundedAmount"`
	RefundReason   string     `firestore:"refundReason,omitempty"`
	PaidAt         *time.Time `firestore:"paidAt,omitempty"`
	FailedAt       *time.Time `firestore:"failedAt,omitempty"`
	RefundedAt     *time.Time `firestore:"refundedAt,omitempty"`
	Duplicates     []string   `firestore:"duplicateIntentIds,omitempty"`
}

type shippingDocument struct {
	Method            string     `firestore:"method,omitempty"`
	Cost              int64      `firestore:"cost"`
	TrackingNumber    string     `firestore:"trackingNumber,omitempty"`
	EstimatedDelivery *time.Time `firestore:"estimatedDelivery,omitempty"`
}

type couponRefDocument struct {
	Code     string `firestore:"code"`
	Discount int64  `firestore:"discount"`
}

type reversalDocument struct {
	StockRestoredAt  *time.Time `firestore:"stockRestoredAt,omitempty"`
	CouponReleasedAt *time.Time `firestore:"couponReleasedAt,omitempty"`
}

func newOrderDocument(o domain.Order) orderDocument {
	doc := orderDocument{
		OrderNumber: o.OrderNumber,
		UserID:      o.UserID,
		Status:      string(o.Status),
		Currency:    o.Currency,
		Totals: orderTotalsDocument{
			Subtotal: o.Totals.Subtotal,
			Discount: o.Totals.Discount,
			Shipping: o.Totals.Shipping,
			Tax:      o.Totals.Tax,
			Total:    o.Totals.Total,
		},
		ShippingAddress: addressDocument(o.ShippingAddress),
		BillingAddress:  addressDocument(o.BillingAddress),
		Payment: paymentDocument{
			Method:         string(o.Payment.Method),
			Status:         string(o.Payment.Status),
			IntentID:       o.Payment.IntentID,
			TransactionID:  o.Payment.TransactionID,
			Attempts:       o.Payment.Attempts,
			RefundID:       o.Payment.RefundID,
			RefundedAmount: o.Payment.RefundedAmount,
			RefundReason:   o.Payment.RefundReason,
			PaidAt:         o.Payment.PaidAt,
			FailedAt:       o.Payment.FailedAt,
			RefundedAt:     o.Payment.RefundedAt,
			Duplicates:     slices.Clone(o.Payment.DuplicateIntentIDs),
		},
		Shipping:     shippingDocument(o.Shipping),
		Reversal:     reversalDocument(o.Reversal),
		CancelReason: o.CancelReason,
		Version:      o.Version,
		CreatedAt:    o.CreatedAt.UTC(),
		UpdatedAt:    o.UpdatedAt.UTC(),
		ConfirmedAt:  o.ConfirmedAt,
		ProcessingAt: o.ProcessingAt,
		ShippedAt:    o.ShippedAt,
		DeliveredAt:  o.DeliveredAt,
		CancelledAt:  o.CancelledAt,
	}
	doc.Items = make([]orderItemDocument, 0, len(o.Items))
	for _, item := range o.Items {
		doc.Items = append(doc.Items, orderItemDocument{
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
		doc.Coupon = &couponRefDocument{Code: o.Coupon.Code, Discount: o.Coupon.Discount}
	}
	return doc
}

func (d orderDocument) toDomain(id string) domain.Order {
	order := domain.Order{
		ID:          id,
		OrderNumber: d.OrderNumber,
		UserID:      d.UserID,
		Status:      domain.OrderStatus(d.Status),
		Currency:    d.Currency,
		Totals: domain.OrderTotals{
			Subtotal: d.Totals.Subtotal,
			Discount: d.Totals.Discount,
			Shipping: d.Totals.Shipping,
			Tax:      d.Totals.Tax,
			Total:    d.Totals.Total,
		},
		ShippingAddress: domain.Address(d.ShippingAddress),
		BillingAddress:  domain.Address(d.BillingAddress),
		Payment: domain.OrderPayment{
			Method:             domain.PaymentMethod(d.Payment.Method),
			Status:             domain.PaymentStatus(d.Payment.Status),
			IntentID:           d.Payment.IntentID,
			TransactionID:      d.Payment.TransactionID,
			Attempts:           d.Payment.Attempts,
			RefundID:           d.Payment.RefundID,
			RefundedAmount:     d.Payment.RefundedAmount,
			RefundReason:       d.Payment.RefundReason,
			PaidAt:             d.Payment.PaidAt,
			FailedAt:           d.Payment.FailedAt,
			RefundedAt:         d.Payment.RefundedAt,
			DuplicateIntentIDs: slices.Clone(d.Payment.Duplicates),
		},
		Shipping:     domain.OrderShipping(d.Shipping),
		Reversal:     domain.OrderReversal(d.Reversal),
		CancelReason: d.CancelReason,
		Version:      d.Version,
		CreatedAt:    d.CreatedAt.UTC(),
		UpdatedAt:    d.UpdatedAt.UTC(),
		ConfirmedAt:  d.ConfirmedAt,
		ProcessingAt: d.ProcessingAt,
		ShippedAt:    d.ShippedAt,
		DeliveredAt:  d.DeliveredAt,
		CancelledAt:  d.CancelledAt,
	}
	order.Items = make([]domain.OrderLineItem, 0, len(d.Items))
	for _, item := range d.Items {
		order.Items = append(order.Items, domain.OrderLineItem{
			ProductID:  item.ProductID,
			SKU:        item.SKU,
			Name:       item.Name,
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
			Total:      item.Total,
			Attributes: maps.Clone(item.Attributes),
		})
	}
	if d.Coupon != nil {
		order.Coupon = &domain.AppliedCoupon{Code: d.Coupon.Code, Discount: d.Coupon.Discount}
	}
	return order
}

// OrderRepository persists orders as single documents keyed by order ID.
type OrderRepository struct {
	provider *pfirestore.Provider
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{provider: provider}, nil
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) (domain.Order, error) {
	const op = "orders.insert"
	if strings.TrimSpace(order.ID) == "" {
		return domain.Order{}, errors.New("orders: id is required")
	}
	coll, err := r.provider.Collection(ctx, ordersCollection)
	if err != nil {
		return domain.Order{}, err
	}
	order.Version = 1
	// Create fails with AlreadyExists, which WrapError classifies as a conflict.
	if _, err := coll.Doc(order.ID).Create(ctx, newOrderDocument(order)); err != nil {
		return domain.Order{}, pfirestore.WrapError(op, err)
	}
	return order, nil
}

func (r *OrderRepository) Update(ctx context.Context, order domain.Order) (domain.Order, error) {
	const op = "orders.update"
	coll, err := r.provider.Collection(ctx, ordersCollection)
	if err != nil {
		return domain.Order{}, err
	}
	ref := coll.Doc(order.ID)
	expected := order.Version
	err = r.provider.RunTransaction(ctx, op, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if pfirestore.IsNotFound(err) {
				return repositories.NotFound(op, fmt.Errorf("order %s", order.ID))
			}
			return err
		}
		stored, err := snap.DataAt("version")
		if err != nil {
			return fmt.Errorf("read order version %s: %w", order.ID, err)
		}
		if v, _ := stored.(int64); v != expected {
			return repositories.Conflict(op, fmt.Errorf("%w: stored %v, got %d", repositories.ErrVersionMismatch, stored, expected))
		}
		next := order
		next.Version = expected + 1
		return tx.Set(ref, newOrderDocument(next))
	})
	if err != nil {
		return domain.Order{}, err
	}
	order.Version = expected + 1
	return order, nil
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	const op = "orders.find"
	coll, err := r.provider.Collection(ctx, ordersCollection)
	if err != nil {
		return domain.Order{}, err
	}
	snap, err := coll.Doc(strings.TrimSpace(orderID)).Get(ctx)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError(op, err)
	}
	return decodeOrder(snap)
}

func (r *OrderRepository) FindByOrderNumber(ctx context.Context, orderNumber string) (domain.Order, error) {
	coll, err := r.provider.Collection(ctx, ordersCollection)
	if err != nil {
		return domain.Order{}, err
	}
	return r.first(ctx, "orders.find_by_number", coll.Where("orderNumber", "==", strings.TrimSpace(orderNumber)))
}

// FindByPaymentIntent matches on the stored intent first and falls back to the captured
// transaction reference.
func (r *OrderRepository) FindByPaymentIntent(ctx context.Context, intentID string) (domain.Order, error) {
	const op = "orders.find_by_intent"
	intentID = strings.TrimSpace(intentID)
	if intentID == "" {
		return domain.Order{}, repositories.NotFound(op, errors.New("intent id is empty"))
	}
	coll, err := r.provider.Collection(ctx, ordersCollection)
	if err != nil {
		return domain.Order{}, err
	}
	order, err := r.first(ctx, op, coll.Where("payment.intentId", "==", intentID))
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		return r.first(ctx, op, coll.Where("payment.transactionId", "==", intentID))
	}
	return order, err
}

func (r *OrderRepository) ListForSweep(ctx context.Context, query repositories.OrderSweepQuery) ([]domain.Order, error) {
	const op = "orders.list_for_sweep"
	coll, err := r.provider.Collection(ctx, ordersCollection)
	if err != nil {
		return nil, err
	}
	q := coll.Query
	if query.Status != "" {
		q = q.Where("status", "==", string(query.Status))
	}
	if !query.CreatedBefore.IsZero() {
		q = q.Where("createdAt", "<", query.CreatedBefore.UTC())
	}
	q = q.OrderBy("createdAt", firestore.Asc)

	iter := q.Documents(ctx)
	defer iter.Stop()

	var orders []domain.Order
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, pfirestore.WrapError(op, err)
		}
		order, err := decodeOrder(snap)
		if err != nil {
			return nil, err
		}
		// Missing-field filters are not expressible as Firestore equality queries.
		if query.PendingReversal && order.Reversal.StockRestoredAt != nil {
			continue
		}
		orders = append(orders, order)
		if query.Limit > 0 && len(orders) >= query.Limit {
			break
		}
	}
	return orders, nil
}

func (r *OrderRepository) first(ctx context.Context, op string, q firestore.Query) (domain.Order, error) {
	iter := q.Limit(1).Documents(ctx)
	defer iter.Stop()
	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return domain.Order{}, repositories.NotFound(op, nil)
	}
	if err != nil {
		return domain.Order{}, pfirestore.WrapError(op, err)
	}
	return decodeOrder(snap)
}

func decodeOrder(snap *firestore.DocumentSnapshot) (domain.Order, error) {
	var doc orderDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
	}
	return doc.toDomain(snap.Ref.ID), nil
}
