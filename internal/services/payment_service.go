package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/payments"
	"github.com/storefront/api/internal/repositories"
)

var (
	// ErrPaymentInvalidInput signals the caller provided invalid payment data.
	ErrPaymentInvalidInput = errors.New("payment: invalid input")
	// ErrAlreadyPaid indicates the order payment has already been captured.
	ErrAlreadyPaid = errors.New("payment: order already paid")
	// ErrOrderCancelled indicates payment was requested for a cancelled order.
	ErrOrderCancelled = errors.New("payment: order cancelled")
	// ErrPaymentIntentMismatch indicates the intent does not belong to the order.
	ErrPaymentIntentMismatch = errors.New("payment: intent does not match order")
	// ErrPaymentFailed indicates the gateway declined the payment. It is a business outcome.
	ErrPaymentFailed = errors.New("payment: payment failed")
	// ErrCannotRefundUnpaid indicates a refund was requested for an order that was not paid.
	ErrCannotRefundUnpaid = errors.New("payment: cannot refund unpaid order")
	// ErrNoTransactionRecord indicates the order has no gateway transaction to refund.
	ErrNoTransactionRecord = errors.New("payment: no transaction record")
	// ErrInvalidRefundAmount indicates the refund amount is not within (0, total].
	ErrInvalidRefundAmount = errors.New("payment: invalid refund amount")
	// ErrInvalidSignature indicates a webhook could not be authenticated.
	ErrInvalidSignature = errors.New("payment: invalid webhook signature")
	// ErrPaymentInProgress indicates an earlier intent is still settling at the gateway.
	ErrPaymentInProgress = errors.New("payment: payment in progress")
	// ErrPaymentRejected indicates the gateway refused the intent request itself.
	ErrPaymentRejected = errors.New("payment: request rejected by gateway")
	// ErrRefundRejected indicates the gateway refused the refund, e.g. the charge was already
	// refunded outside the service.
	ErrRefundRejected = errors.New("payment: refund rejected")
	// ErrPaymentGatewayUnavailable indicates the gateway could not be reached; callers may retry.
	ErrPaymentGatewayUnavailable = errors.New("payment: gateway unavailable")
)

// RefundRestockPolicy decides which refunds return line items to stock.
type RefundRestockPolicy string

const (
	RestockFullRefundsOnly RefundRestockPolicy = "full_only"
	RestockAlways          RefundRestockPolicy = "always"
	RestockNever           RefundRestockPolicy = "never"
)

// ParseRefundRestockPolicy validates a configured policy name. Empty selects RestockFullRefundsOnly.
func ParseRefundRestockPolicy(value string) (RefundRestockPolicy, error) {
	switch policy := RefundRestockPolicy(strings.ToLower(strings.TrimSpace(value))); policy {
	case "":
		return RestockFullRefundsOnly, nil
	case RestockFullRefundsOnly, RestockAlways, RestockNever:
		return policy, nil
	default:
		return "", fmt.Errorf("unknown refund restock policy %q", value)
	}
}

const (
	reconcileSourceClient  = "client"
	reconcileSourceWebhook = "webhook"
	reconcileSourceSync    = "sync"
)

type reconcileOutcome string

const (
	outcomeConfirmed      reconcileOutcome = "confirmed"
	outcomeAlreadyApplied reconcileOutcome = "already_applied"
	outcomePaidAfterClose reconcileOutcome = "paid_after_cancel"
	outcomeDuplicate      reconcileOutcome = "duplicate_capture"
	outcomeFailed         reconcileOutcome = "failed"
	outcomeRequiresAction reconcileOutcome = "requires_action"
	outcomeUnchanged      reconcileOutcome = "unchanged"
)

// PaymentServiceDeps bundles collaborators required to construct the payment service.
type PaymentServiceDeps struct {
	Orders        repositories.OrderRepository
	Products      repositories.ProductRepository
	Coupons       repositories.CouponRepository
	Gateway       payments.Gateway
	RestockPolicy RefundRestockPolicy
	// ReturnURL receives the customer after off-session authentication when an intent is
	// confirmed at creation time.
	ReturnURL string
	Clock     func() time.Time
	Events    OrderEventPublisher
	Metrics   WorkflowMetrics
	Tracer    trace.Tracer
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

type paymentService struct {
	orders        repositories.OrderRepository
	gateway       payments.Gateway
	writer        orderWriter
	reverser      orderReverser
	restockPolicy RefundRestockPolicy
	returnURL     string
	clock         func() time.Time
	emitter       eventEmitter
	metrics       WorkflowMetrics
	tracer        trace.Tracer
	logger        func(context.Context, string, map[string]any)
}

var _ PaymentService = (*paymentService)(nil)

// NewPaymentService constructs a PaymentService validating required dependencies.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.Orders == nil {
		return nil, errors.New("payment service: order repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("payment service: product repository is required")
	}
	if deps.Coupons == nil {
		return nil, errors.New("payment service: coupon repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("payment service: payment gateway is required")
	}

	policy, err := ParseRefundRestockPolicy(string(deps.RestockPolicy))
	if err != nil {
		return nil, fmt.Errorf("payment service: %w", err)
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	utc := func() time.Time {
		return clock().UTC()
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}

	writer := orderWriter{orders: deps.Orders}
	return &paymentService{
		orders:  deps.Orders,
		gateway: deps.Gateway,
		writer:  writer,
		reverser: orderReverser{
			products: deps.Products,
			coupons:  deps.Coupons,
			writer:   writer,
			clock:    utc,
			logger:   logger,
			metrics:  metrics,
		},
		restockPolicy: policy,
		returnURL:     strings.TrimSpace(deps.ReturnURL),
		clock:         utc,
		emitter:       eventEmitter{events: deps.Events, logger: logger},
		metrics:       metrics,
		tracer:        defaultTracer(deps.Tracer),
		logger:        logger,
	}, nil
}

func (s *paymentService) CreatePaymentIntent(ctx context.Context, cmd CreatePaymentIntentCommand) (_ PaymentIntentResult, err error) {
	ctx, span := startSpan(ctx, s.tracer, "payments.CreatePaymentIntent", attribute.String("order.id", cmd.OrderID))
	defer finishSpan(span, &err)

	order, err := s.loadOwned(ctx, cmd.OrderID, cmd.UserID)
	if err != nil {
		return PaymentIntentResult{}, err
	}
	if err := checkPayable(order); err != nil {
		return PaymentIntentResult{}, err
	}

	if order.Payment.IntentID != "" {
		open, err := s.settlePriorIntent(ctx, order, cmd)
		if err != nil || open != nil {
			return intentResult(open), err
		}
	}

	attempt := order.Payment.Attempts + 1
	intent, err := s.gateway.CreateIntent(ctx, payments.IntentRequest{
		Amount:         order.Totals.Total,
		Currency:       order.Currency,
		Description:    "Order " + order.OrderNumber,
		IdempotencyKey: intentIdempotencyKey(order.ID, attempt),
		Metadata: map[string]string{
			payments.MetadataOrderID:     order.ID,
			payments.MetadataUserID:      order.UserID,
			payments.MetadataOrderNumber: order.OrderNumber,
		},
		PaymentMethodID: strings.TrimSpace(cmd.PaymentMethodID),
		ReturnURL:       s.returnURL,
	})
	if err != nil {
		return PaymentIntentResult{}, mapGatewayError(err)
	}

	now := s.clock()
	attached, _, err := s.writer.apply(ctx, order, func(o *Order) (bool, error) {
		if err := checkPayable(*o); err != nil {
			return false, err
		}
		o.Payment.IntentID = intent.ID
		o.Payment.Attempts = attempt
		o.Payment.Status = domain.PaymentStatusPending
		o.Payment.FailedAt = nil
		o.UpdatedAt = now
		return true, nil
	})
	if err != nil {
		return PaymentIntentResult{}, err
	}
	span.SetAttributes(attribute.String("payment.intent_id", intent.ID))

	if intent.Status == payments.IntentStatusSucceeded {
		if _, _, err := s.reconcile(ctx, attached, intent, reconcileSourceClient, false); err != nil {
			return PaymentIntentResult{}, err
		}
	}

	return intentResult(&intent), nil
}

// settlePriorIntent keeps at most one live intent per order. An open intent for the current
// total is returned for reuse; any other uncaptured intent is cancelled so it can never be
// captured next to its replacement.
func (s *paymentService) settlePriorIntent(ctx context.Context, order Order, cmd CreatePaymentIntentCommand) (*payments.Intent, error) {
	prior := order.Payment.IntentID
	intent, err := s.gateway.RetrieveIntent(ctx, prior)
	switch {
	case errors.Is(err, payments.ErrIntentNotFound):
		return nil, nil
	case err != nil:
		return nil, mapGatewayError(err)
	}

	switch intent.Status {
	case payments.IntentStatusSucceeded:
		if _, _, err := s.reconcile(ctx, order, intent, reconcileSourceClient, false); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: intent %s already succeeded", ErrAlreadyPaid, prior)
	case payments.IntentStatusProcessing, payments.IntentStatusRequiresCapture:
		return nil, fmt.Errorf("%w: intent %s is %s", ErrPaymentInProgress, prior, intent.Status)
	case payments.IntentStatusCanceled:
		return nil, nil
	}

	if order.Payment.Status == domain.PaymentStatusPending &&
		intent.Amount == order.Totals.Total &&
		strings.EqualFold(intent.Currency, order.Currency) &&
		intent.ClientSecret != "" &&
		strings.TrimSpace(cmd.PaymentMethodID) == "" {
		return &intent, nil
	}

	if _, err := s.gateway.CancelIntent(ctx, prior); err != nil {
		if errors.Is(err, payments.ErrRequestRejected) {
			return nil, fmt.Errorf("%w: intent %s could not be cancelled: %v", ErrPaymentInProgress, prior, err)
		}
		return nil, mapGatewayError(err)
	}
	s.logger(ctx, "payment.intent.superseded", map[string]any{
		"order":         order.ID,
		"paymentIntent": prior,
		"status":        intent.Status,
	})
	return nil, nil
}

func intentResult(intent *payments.Intent) PaymentIntentResult {
	if intent == nil {
		return PaymentIntentResult{}
	}
	return PaymentIntentResult{
		ClientSecret:    intent.ClientSecret,
		PaymentIntentID: intent.ID,
		Status:          string(intent.Status),
		RequiresAction:  intent.Status == payments.IntentStatusRequiresAction,
	}
}

func (s *paymentService) ConfirmPayment(ctx context.Context, cmd ConfirmPaymentCommand) (_ ConfirmPaymentResult, err error) {
	ctx, span := startSpan(ctx, s.tracer, "payments.ConfirmPayment",
		attribute.String("order.id", cmd.OrderID),
		attribute.String("payment.intent_id", cmd.PaymentIntentID),
	)
	defer finishSpan(span, &err)

	intentID := strings.TrimSpace(cmd.PaymentIntentID)
	if intentID == "" {
		return ConfirmPaymentResult{}, fmt.Errorf("%w: payment intent id is required", ErrPaymentInvalidInput)
	}
	order, err := s.loadOwned(ctx, cmd.OrderID, cmd.UserID)
	if err != nil {
		return ConfirmPaymentResult{}, err
	}
	intent, err := s.gateway.RetrieveIntent(ctx, intentID)
	if err != nil {
		if errors.Is(err, payments.ErrIntentNotFound) {
			return ConfirmPaymentResult{}, fmt.Errorf("%w: %v", ErrPaymentIntentMismatch, err)
		}
		return ConfirmPaymentResult{}, mapGatewayError(err)
	}
	// Superseded intents are no longer on the order but still carry its id in metadata.
	owner := intent.OrderID()
	if (owner != "" && owner != order.ID) || (owner == "" && !knownIntent(order.Payment, intentID)) {
		return ConfirmPaymentResult{}, fmt.Errorf("%w: intent %s belongs to order %q", ErrPaymentIntentMismatch, intentID, owner)
	}

	updated, outcome, err := s.reconcile(ctx, order, intent, reconcileSourceClient, false)
	if err != nil {
		return ConfirmPaymentResult{}, err
	}
	switch outcome {
	case outcomeRequiresAction:
		return ConfirmPaymentResult{
			Order:          updated,
			Status:         string(intent.Status),
			RequiresAction: true,
			ClientSecret:   intent.ClientSecret,
		}, nil
	case outcomeFailed:
		return ConfirmPaymentResult{}, fmt.Errorf("%w: intent %s is %s", ErrPaymentFailed, intent.ID, intent.Status)
	default:
		return ConfirmPaymentResult{Order: updated, Status: string(intent.Status)}, nil
	}
}

func (s *paymentService) HandleWebhook(ctx context.Context, payload []byte, signature string) (_ WebhookResult, err error) {
	ctx, span := startSpan(ctx, s.tracer, "payments.HandleWebhook")
	defer finishSpan(span, &err)

	event, err := s.gateway.ParseWebhook(payload, signature)
	if err != nil {
		if errors.Is(err, payments.ErrInvalidSignature) {
			return WebhookResult{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return WebhookResult{}, fmt.Errorf("%w: %v", ErrPaymentInvalidInput, err)
	}
	span.SetAttributes(attribute.String("webhook.event_id", event.ID), attribute.String("webhook.type", string(event.Type)))

	result := WebhookResult{EventID: event.ID, Type: string(event.Type)}
	switch event.Type {
	case payments.EventIntentSucceeded, payments.EventIntentPaymentFailed:
		if event.Intent == nil {
			s.logger(ctx, "payment.webhook.missing_intent", map[string]any{"event": event.ID, "type": event.Type})
			return result, nil
		}
		order, err := s.orderForIntent(ctx, *event.Intent)
		if errors.Is(err, ErrOrderNotFound) {
			s.logger(ctx, "payment.webhook.order_unknown", map[string]any{"event": event.ID, "paymentIntent": event.Intent.ID})
			return result, nil
		}
		if err != nil {
			return result, err
		}
		result.OrderID = order.ID
		if _, _, err := s.reconcile(ctx, order, *event.Intent, reconcileSourceWebhook, event.Type == payments.EventIntentPaymentFailed); err != nil {
			return result, err
		}
		result.Handled = true
	case payments.EventChargeRefunded:
		if event.Charge == nil || event.Charge.IntentID == "" {
			s.logger(ctx, "payment.webhook.missing_charge", map[string]any{"event": event.ID})
			return result, nil
		}
		order, err := s.orders.FindByPaymentIntent(ctx, event.Charge.IntentID)
		if err != nil {
			if mapped := mapRepositoryError(err); errors.Is(mapped, ErrOrderNotFound) {
				s.logger(ctx, "payment.webhook.order_unknown", map[string]any{"event": event.ID, "paymentIntent": event.Charge.IntentID})
				return result, nil
			}
			return result, mapRepositoryError(err)
		}
		result.OrderID = order.ID
		if err := s.applyChargeRefund(ctx, order, *event.Charge); err != nil {
			return result, err
		}
		result.Handled = true
	default:
		s.logger(ctx, "payment.webhook.ignored", map[string]any{"event": event.ID, "type": event.Type})
	}
	return result, nil
}

// RefundOrder issues a gateway refund and records it. The order is only written after the
// gateway accepted the refund. A full refund whose restock was interrupted can be retried to
// finish restoring stock without refunding again.
func (s *paymentService) RefundOrder(ctx context.Context, cmd RefundOrderCommand) (_ RefundResult, err error) {
	ctx, span := startSpan(ctx, s.tracer, "payments.RefundOrder", attribute.String("order.id", cmd.OrderID))
	defer finishSpan(span, &err)

	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return RefundResult{}, fmt.Errorf("%w: order id is required", ErrPaymentInvalidInput)
	}
	order, err := s.writer.load(ctx, orderID)
	if err != nil {
		return RefundResult{}, err
	}

	if order.Payment.Status == domain.PaymentStatusRefunded && s.restockPending(order) {
		restored, err := s.reverser.restoreStock(ctx, order)
		return RefundResult{RefundID: order.Payment.RefundID, Order: restored}, err
	}
	if order.Payment.Status != domain.PaymentStatusCompleted {
		return RefundResult{}, fmt.Errorf("%w: payment status is %s", ErrCannotRefundUnpaid, order.Payment.Status)
	}
	if order.Payment.TransactionID == "" {
		return RefundResult{}, fmt.Errorf("%w: order %s", ErrNoTransactionRecord, order.ID)
	}

	amount := order.Totals.Total
	if cmd.Amount != nil {
		amount = *cmd.Amount
		if amount <= 0 || amount > order.Totals.Total {
			return RefundResult{}, fmt.Errorf("%w: %d not in (0, %d]", ErrInvalidRefundAmount, amount, order.Totals.Total)
		}
	}
	full := amount == order.Totals.Total
	reason := strings.TrimSpace(cmd.Reason)

	req := payments.RefundRequest{
		IntentID:       order.Payment.TransactionID,
		Reason:         refundReasonRequestedByCustomer,
		IdempotencyKey: refundIdempotencyKey(order.ID, amount),
		Metadata: map[string]string{
			payments.MetadataOrderID:     order.ID,
			payments.MetadataOrderNumber: order.OrderNumber,
		},
	}
	if !full {
		req.Amount = &amount
	}
	refund, err := s.gateway.CreateRefund(ctx, req)
	if err != nil {
		return RefundResult{}, mapRefundError(err)
	}

	now := s.clock()
	updated, changed, err := s.writer.apply(ctx, order, func(o *Order) (bool, error) {
		if o.Payment.Status == domain.PaymentStatusRefunded && o.Payment.RefundID == refund.ID {
			return false, nil
		}
		o.Payment.Status = domain.PaymentStatusRefunded
		o.Payment.RefundID = refund.ID
		o.Payment.RefundedAmount = amount
		o.Payment.RefundReason = reason
		o.Payment.RefundedAt = &now
		o.UpdatedAt = now
		return true, nil
	})
	if err != nil {
		s.logger(ctx, "payment.refund.record_failed", map[string]any{
			"order":  order.ID,
			"refund": refund.ID,
			"error":  err.Error(),
		})
		return RefundResult{}, err
	}

	restock := s.shouldRestock(full)
	if restock {
		updated, err = s.reverser.restoreStock(ctx, updated)
	}
	s.metrics.RefundIssued(full, restock && err == nil)
	if changed {
		s.emitter.publish(ctx, orderEvent(orderEventRefunded, updated, updated.Status, strings.TrimSpace(cmd.ActorID), now, map[string]any{
			"refundId":  refund.ID,
			"amount":    amount,
			"full":      full,
			"restocked": restock && err == nil,
			"reason":    reason,
		}))
	}
	return RefundResult{RefundID: refund.ID, Order: updated}, err
}

func (s *paymentService) GetPaymentDetails(ctx context.Context, cmd GetOrderCommand) (PaymentDetails, error) {
	order, err := s.writer.load(ctx, strings.TrimSpace(cmd.OrderID))
	if err != nil {
		return PaymentDetails{}, err
	}
	if !cmd.Privileged && order.UserID != strings.TrimSpace(cmd.ActorID) {
		return PaymentDetails{}, fmt.Errorf("%w: order %s", ErrOrderAccessDenied, order.ID)
	}

	details := PaymentDetails{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		Amount:      order.Totals.Total,
		Currency:    order.Currency,
		Payment:     order.Payment,
	}
	if order.Payment.IntentID != "" {
		intent, err := s.gateway.RetrieveIntent(ctx, order.Payment.IntentID)
		if err != nil {
			s.logger(ctx, "payment.details.intent_unavailable", map[string]any{
				"order":         order.ID,
				"paymentIntent": order.Payment.IntentID,
				"error":         err.Error(),
			})
		} else {
			details.Intent = &intent
		}
	}
	return details, nil
}

func (s *paymentService) SyncOrderPayment(ctx context.Context, orderID string) (Order, error) {
	order, err := s.writer.load(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return Order{}, err
	}
	if order.Payment.IntentID == "" {
		return order, nil
	}
	intent, err := s.gateway.RetrieveIntent(ctx, order.Payment.IntentID)
	if err != nil {
		if errors.Is(err, payments.ErrIntentNotFound) {
			return order, nil
		}
		return Order{}, mapGatewayError(err)
	}
	updated, _, err := s.reconcile(ctx, order, intent, reconcileSourceSync, false)
	return updated, err
}

// reconcile is the single transition applied for gateway intent states, shared by the client
// confirmation path, webhooks, and background sync. Repeating it with the same intent state
// leaves the order unchanged and publishes nothing.
func (s *paymentService) reconcile(ctx context.Context, order Order, intent payments.Intent, source string, failed bool) (Order, reconcileOutcome, error) {
	status := intent.Status
	if failed {
		status = payments.IntentStatusRequiresPaymentMethod
	}

	var (
		updated Order
		changed bool
		outcome reconcileOutcome
		err     error
	)
	previous := order.Status
	now := s.clock()

	switch status {
	case payments.IntentStatusSucceeded:
		updated, changed, err = s.writer.apply(ctx, order, func(o *Order) (bool, error) {
			previous = o.Status
			if o.Payment.Status == domain.PaymentStatusCompleted || o.Payment.Status == domain.PaymentStatusRefunded {
				if knownIntent(o.Payment, intent.ID) {
					outcome = outcomeAlreadyApplied
					return false, nil
				}
				o.Payment.DuplicateIntentIDs = append(slices.Clone(o.Payment.DuplicateIntentIDs), intent.ID)
				o.UpdatedAt = now
				outcome = outcomeDuplicate
				return true, nil
			}
			o.Payment.Status = domain.PaymentStatusCompleted
			o.Payment.IntentID = intent.ID
			o.Payment.TransactionID = intent.ID
			o.Payment.PaidAt = &now
			o.UpdatedAt = now
			outcome = outcomeConfirmed
			switch o.Status {
			case domain.OrderStatusPending:
				o.Status = domain.OrderStatusConfirmed
				o.ConfirmedAt = &now
			case domain.OrderStatusCancelled:
				outcome = outcomePaidAfterClose
			}
			return true, nil
		})
	case payments.IntentStatusRequiresPaymentMethod:
		outcome = outcomeFailed
		updated, changed, err = s.writer.apply(ctx, order, func(o *Order) (bool, error) {
			previous = o.Status
			switch {
			case o.Payment.Status != domain.PaymentStatusPending:
				return false, nil
			case o.Payment.IntentID != "" && o.Payment.IntentID != intent.ID:
				return false, nil
			}
			o.Payment.Status = domain.PaymentStatusFailed
			o.Payment.FailedAt = &now
			o.UpdatedAt = now
			return true, nil
		})
	case payments.IntentStatusRequiresAction:
		updated, outcome = order, outcomeRequiresAction
	default:
		updated, outcome = order, outcomeUnchanged
	}
	if err != nil {
		return Order{}, "", err
	}

	s.metrics.PaymentReconciled(source, string(outcome))
	if !changed {
		return updated, outcome, nil
	}

	if outcome != outcomeDuplicate && status == payments.IntentStatusSucceeded && intent.Amount != 0 && intent.Amount != updated.Totals.Total {
		s.logger(ctx, "payment.amount_mismatch", map[string]any{
			"order":         updated.ID,
			"paymentIntent": intent.ID,
			"intentAmount":  intent.Amount,
			"orderTotal":    updated.Totals.Total,
		})
	}

	metadata := map[string]any{
		"paymentIntent": intent.ID,
		"source":        source,
	}
	switch outcome {
	case outcomeConfirmed:
		s.emitter.publish(ctx, orderEvent(orderEventConfirmed, updated, previous, "", now, metadata))
	case outcomePaidAfterClose:
		metadata["refundRequired"] = true
		s.emitter.publish(ctx, orderEvent(orderEventPaymentAfterCancel, updated, previous, "", now, metadata))
		s.logger(ctx, "payment.after_cancel", map[string]any{"order": updated.ID, "paymentIntent": intent.ID})
	case outcomeDuplicate:
		metadata["refundRequired"] = true
		metadata["amount"] = intent.Amount
		metadata["transactionId"] = updated.Payment.TransactionID
		s.emitter.publish(ctx, orderEvent(orderEventDuplicatePayment, updated, previous, "", now, metadata))
		s.logger(ctx, "payment.duplicate_capture", map[string]any{
			"order":         updated.ID,
			"paymentIntent": intent.ID,
			"transactionId": updated.Payment.TransactionID,
			"amount":        intent.Amount,
		})
	case outcomeFailed:
		s.emitter.publish(ctx, orderEvent(orderEventPaymentFailed, updated, previous, "", now, metadata))
	}
	return updated, outcome, nil
}

func (s *paymentService) applyChargeRefund(ctx context.Context, order Order, charge payments.Charge) error {
	now := s.clock()
	full := charge.FullyRefunded() || charge.AmountRefunded >= order.Totals.Total
	updated, changed, err := s.writer.apply(ctx, order, func(o *Order) (bool, error) {
		switch o.Payment.Status {
		case domain.PaymentStatusCompleted:
		case domain.PaymentStatusRefunded:
			if o.Payment.RefundedAmount >= charge.AmountRefunded {
				return false, nil
			}
		default:
			return false, nil
		}
		o.Payment.Status = domain.PaymentStatusRefunded
		o.Payment.RefundedAmount = charge.AmountRefunded
		if charge.RefundID != "" {
			o.Payment.RefundID = charge.RefundID
		}
		o.Payment.RefundedAt = &now
		o.UpdatedAt = now
		return true, nil
	})
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	restock := s.shouldRestock(full)
	if restock {
		updated, err = s.reverser.restoreStock(ctx, updated)
	}
	s.metrics.RefundIssued(full, restock && err == nil)
	s.emitter.publish(ctx, orderEvent(orderEventRefunded, updated, updated.Status, "", now, map[string]any{
		"refundId":  charge.RefundID,
		"amount":    charge.AmountRefunded,
		"full":      full,
		"restocked": restock && err == nil,
		"source":    reconcileSourceWebhook,
	}))
	return err
}

func (s *paymentService) loadOwned(ctx context.Context, orderID, userID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrPaymentInvalidInput)
	}
	order, err := s.writer.load(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if order.UserID != strings.TrimSpace(userID) {
		return Order{}, fmt.Errorf("%w: order %s", ErrOrderAccessDenied, orderID)
	}
	return order, nil
}

func (s *paymentService) orderForIntent(ctx context.Context, intent payments.Intent) (Order, error) {
	if orderID := intent.OrderID(); orderID != "" {
		return s.writer.load(ctx, orderID)
	}
	order, err := s.orders.FindByPaymentIntent(ctx, intent.ID)
	if err != nil {
		return Order{}, mapRepositoryError(err)
	}
	return order, nil
}

func (s *paymentService) shouldRestock(full bool) bool {
	switch s.restockPolicy {
	case RestockAlways:
		return true
	case RestockNever:
		return false
	default:
		return full
	}
}

func (s *paymentService) restockPending(order Order) bool {
	if order.Reversal.StockRestoredAt != nil {
		return false
	}
	return s.shouldRestock(order.Payment.RefundedAmount >= order.Totals.Total)
}

const refundReasonRequestedByCustomer = "requested_by_customer"

func checkPayable(order Order) error {
	switch {
	case order.Status == domain.OrderStatusCancelled:
		return fmt.Errorf("%w: order %s", ErrOrderCancelled, order.ID)
	case order.Payment.Status == domain.PaymentStatusCompleted, order.Payment.Status == domain.PaymentStatusRefunded:
		return fmt.Errorf("%w: order %s", ErrAlreadyPaid, order.ID)
	}
	return nil
}

func mapGatewayError(err error) error {
	switch {
	case errors.Is(err, payments.ErrCardDeclined):
		return fmt.Errorf("%w: %v", ErrPaymentFailed, err)
	case errors.Is(err, payments.ErrRequestRejected):
		return fmt.Errorf("%w: %v", ErrPaymentRejected, err)
	}
	return fmt.Errorf("%w: %v", ErrPaymentGatewayUnavailable, err)
}

func mapRefundError(err error) error {
	if errors.Is(err, payments.ErrCardDeclined) || errors.Is(err, payments.ErrRequestRejected) {
		return fmt.Errorf("%w: %v", ErrRefundRejected, err)
	}
	return fmt.Errorf("%w: %v", ErrPaymentGatewayUnavailable, err)
}

// knownIntent reports whether intentID is already recorded on the payment.
func knownIntent(p domain.OrderPayment, intentID string) bool {
	return p.IntentID == intentID || p.TransactionID == intentID || slices.Contains(p.DuplicateIntentIDs, intentID)
}

func intentIdempotencyKey(orderID string, attempt int) string {
	sum := sha256.Sum256([]byte(orderID + "|" + strconv.Itoa(attempt)))
	return hex.EncodeToString(sum[:])
}

func refundIdempotencyKey(orderID string, amount int64) string {
	sum := sha256.Sum256([]byte(orderID + "|refund|" + strconv.FormatInt(amount, 10)))
	return hex.EncodeToString(sum[:])
}
