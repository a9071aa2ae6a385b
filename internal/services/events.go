package services

import (
	"context"
	"maps"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	orderEventCreated            = "order.created"
	orderEventConfirmed          = "order.confirmed"
	orderEventPaymentFailed      = "order.payment_failed"
	orderEventCancelled          = "order.cancelled"
	orderEventRefunded           = "order.refunded"
	orderEventStatusChanged      = "order.status_changed"
	orderEventPaymentAfterCancel = "order.payment_after_cancel"
	orderEventDuplicatePayment   = "order.duplicate_payment"
)

// eventPublishTimeout bounds a publish. Events outlive the request that produced them.
const eventPublishTimeout = 5 * time.Second

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	// ID is a ULID assigned once per event; consumers dedupe redeliveries on it.
	ID             string
	Type           string
	OrderID        string
	OrderNumber    string
	UserID         string
	PreviousStatus string
	CurrentStatus  string
	ActorID        string
	OccurredAt     time.Time
	Metadata       map[string]any
}

// WorkflowMetrics receives counters for order workflow outcomes.
type WorkflowMetrics interface {
	OrderCreated(currency string, total int64)
	OrderRejected(reason string)
	OrderCancelled(reason string)
	CompensationApplied(kind string)
	PaymentReconciled(source string, outcome string)
	RefundIssued(full bool, restocked bool)
	ReservationsSwept(result SweepResult)
}

type noopMetrics struct{}

func (noopMetrics) OrderCreated(string, int64)       {}
func (noopMetrics) OrderRejected(string)             {}
func (noopMetrics) OrderCancelled(string)            {}
func (noopMetrics) CompensationApplied(string)       {}
func (noopMetrics) PaymentReconciled(string, string) {}
func (noopMetrics) RefundIssued(bool, bool)          {}
func (noopMetrics) ReservationsSwept(SweepResult)    {}

type eventEmitter struct {
	events OrderEventPublisher
	logger func(context.Context, string, map[string]any)
}

func (e eventEmitter) publish(ctx context.Context, event OrderEvent) {
	if e.events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), eventPublishTimeout)
	defer cancel()
	if err := e.events.PublishOrderEvent(ctx, event); err != nil {
		e.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"event":  event.ID,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}

func orderEvent(eventType string, order Order, previous OrderStatus, actorID string, at time.Time, metadata map[string]any) OrderEvent {
	return OrderEvent{
		ID:             ulid.Make().String(),
		Type:           eventType,
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		UserID:         order.UserID,
		PreviousStatus: string(previous),
		CurrentStatus:  string(order.Status),
		ActorID:        actorID,
		OccurredAt:     at,
		Metadata:       metadata,
	}
}
