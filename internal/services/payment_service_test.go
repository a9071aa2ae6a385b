package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/payments"
)

type fakeGateway struct {
	mu           sync.Mutex
	intents      map[string]payments.Intent
	events       map[string]payments.WebhookEvent
	created      []payments.IntentRequest
	refunds      []payments.RefundRequest
	createStatus payments.IntentStatus
	cancelled    []string
	createErr    error
	retrieveErr  error
	cancelErr    error
	refundErr    error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		intents:      map[string]payments.Intent{},
		events:       map[string]payments.WebhookEvent{},
		createStatus: payments.IntentStatusRequiresConfirmation,
	}
}

func (g *fakeGateway) CreateIntent(_ context.Context, req payments.IntentRequest) (payments.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return payments.Intent{}, g.createErr
	}
	g.created = append(g.created, req)
	intent := payments.Intent{
		ID:           fmt.Sprintf("pi_%d", len(g.created)),
		Status:       g.createStatus,
		Amount:       req.Amount,
		Currency:     req.Currency,
		ClientSecret: fmt.Sprintf("pi_%d_secret", len(g.created)),
		Metadata:     req.Metadata,
	}
	g.intents[intent.ID] = intent
	return intent, nil
}

func (g *fakeGateway) RetrieveIntent(_ context.Context, intentID string) (payments.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.retrieveErr != nil {
		return payments.Intent{}, g.retrieveErr
	}
	intent, ok := g.intents[intentID]
	if !ok {
		return payments.Intent{}, payments.ErrIntentNotFound
	}
	return intent, nil
}

func (g *fakeGateway) CancelIntent(_ context.Context, intentID string) (payments.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancelErr != nil {
		return payments.Intent{}, g.cancelErr
	}
	intent, ok := g.intents[intentID]
	if !ok {
		return payments.Intent{}, payments.ErrIntentNotFound
	}
	intent.Status = payments.IntentStatusCanceled
	g.intents[intentID] = intent
	g.cancelled = append(g.cancelled, intentID)
	return intent, nil
}

func (g *fakeGateway) CreateRefund(_ context.Context, req payments.RefundRequest) (payments.Refund, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.refundErr != nil {
		return payments.Refund{}, g.refundErr
	}
	g.refunds = append(g.refunds, req)
	refund := payments.Refund{ID: fmt.Sprintf("re_%d", len(g.refunds)), IntentID: req.IntentID, Status: "succeeded"}
	if req.Amount != nil {
		refund.Amount = *req.Amount
	} else {
		refund.Amount = g.intents[req.IntentID].Amount
	}
	return refund, nil
}

// ParseWebhook treats the payload as an event id and accepts it when signed as "sig:<id>".
func (g *fakeGateway) ParseWebhook(payload []byte, signature string) (payments.WebhookEvent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if signature != "sig:"+string(payload) {
		return payments.WebhookEvent{}, payments.ErrInvalidSignature
	}
	event, ok := g.events[string(payload)]
	if !ok {
		return payments.WebhookEvent{}, errors.New("unknown event")
	}
	return event, nil
}

func (g *fakeGateway) setStatus(intentID string, status payments.IntentStatus) payments.Intent {
	g.mu.Lock()
	defer g.mu.Unlock()
	intent := g.intents[intentID]
	intent.Status = status
	g.intents[intentID] = intent
	return intent
}

func (g *fakeGateway) register(event payments.WebhookEvent) (payload []byte, signature string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events[event.ID] = event
	return []byte(event.ID), "sig:" + event.ID
}

func (g *fakeGateway) refundCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.refunds)
}

type paymentFixture struct {
	*orderFixture
	gateway  *fakeGateway
	payments PaymentService
}

func newPaymentFixture(t *testing.T, configure ...func(*PaymentServiceDeps)) *paymentFixture {
	t.Helper()
	of := newOrderFixture(t)
	gateway := newFakeGateway()
	deps := PaymentServiceDeps{
		Orders:   of.orders,
		Products: of.products,
		Coupons:  of.coupons,
		Gateway:  gateway,
		Clock:    func() time.Time { return of.now },
		Events:   of.events,
		Metrics:  of.metrics,
	}
	for _, fn := range configure {
		fn(&deps)
	}
	svc, err := NewPaymentService(deps)
	if err != nil {
		t.Fatalf("NewPaymentService: %v", err)
	}
	return &paymentFixture{orderFixture: of, gateway: gateway, payments: svc}
}

func (f *paymentFixture) load(t *testing.T, orderID string) Order {
	t.Helper()
	order, err := f.svc.GetOrder(context.Background(), GetOrderCommand{OrderID: orderID, Privileged: true})
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	return order
}

func (f *paymentFixture) startPayment(t *testing.T, order Order) PaymentIntentResult {
	t.Helper()
	result, err := f.payments.CreatePaymentIntent(context.Background(), CreatePaymentIntentCommand{UserID: order.UserID, OrderID: order.ID})
	if err != nil {
		t.Fatalf("CreatePaymentIntent: %v", err)
	}
	return result
}

// paidOrder places a 2 x p1 order with SAVE20 (total 9000) and confirms payment.
func (f *paymentFixture) paidOrder(t *testing.T) Order {
	t.Helper()
	order := f.place(t, "user-1", "SAVE20", item("p1", 2))
	intent := f.startPayment(t, order)
	f.gateway.setStatus(intent.PaymentIntentID, payments.IntentStatusSucceeded)
	result, err := f.payments.ConfirmPayment(context.Background(), ConfirmPaymentCommand{UserID: "user-1", OrderID: order.ID, PaymentIntentID: intent.PaymentIntentID})
	if err != nil {
		t.Fatalf("ConfirmPayment: %v", err)
	}
	return result.Order
}

func TestPaymentServiceCreatePaymentIntent(t *testing.T) {
	f := newPaymentFixture(t)
	order := f.place(t, "user-1", "SAVE20", item("p1", 2))

	result := f.startPayment(t, order)
	if result.PaymentIntentID != "pi_1" || result.ClientSecret == "" {
		t.Fatalf("unexpected intent result %+v", result)
	}

	req := f.gateway.created[0]
	if req.Amount != 9000 || req.Currency != "USD" {
		t.Fatalf("expected 9000 USD intent, got %d %s", req.Amount, req.Currency)
	}
	if req.Metadata[payments.MetadataOrderID] != order.ID || req.Metadata[payments.MetadataUserID] != "user-1" {
		t.Fatalf("unexpected intent metadata %v", req.Metadata)
	}
	if req.IdempotencyKey == "" {
		t.Fatalf("expected idempotency key")
	}

	stored := f.load(t, order.ID)
	if stored.Payment.IntentID != "pi_1" || stored.Payment.Attempts != 1 {
		t.Fatalf("expected intent attached to order, got %+v", stored.Payment)
	}

	_, err := f.payments.CreatePaymentIntent(context.Background(), CreatePaymentIntentCommand{UserID: "user-2", OrderID: order.ID})
	if !errors.Is(err, ErrOrderAccessDenied) {
		t.Fatalf("expected access denied, got %v", err)
	}
}

func TestPaymentServiceCreatePaymentIntentRejectsClosedOrders(t *testing.T) {
	f := newPaymentFixture(t)
	paid := f.paidOrder(t)
	_, err := f.payments.CreatePaymentIntent(context.Background(), CreatePaymentIntentCommand{UserID: "user-1", OrderID: paid.ID})
	if !errors.Is(err, ErrAlreadyPaid) {
		t.Fatalf("expected already paid, got %v", err)
	}

	order := f.place(t, "user-2", "", item("p2", 1))
	if _, err := f.svc.CancelOrder(context.Background(), CancelOrderCommand{OrderID: order.ID, ActorID: "user-2"}); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	_, err = f.payments.CreatePaymentIntent(context.Background(), CreatePaymentIntentCommand{UserID: "user-2", OrderID: order.ID})
	if !errors.Is(err, ErrOrderCancelled) {
		t.Fatalf("expected order cancelled, got %v", err)
	}
}

func TestPaymentServiceCreatePaymentIntentDetectsSucceededIntent(t *testing.T) {
	f := newPaymentFixture(t)
	order := f.place(t, "user-1", "", item("p1", 1))
	intent := f.startPayment(t, order)
	f.gateway.setStatus(intent.PaymentIntentID, payments.IntentStatusSucceeded)

	_, err := f.payments.CreatePaymentIntent(context.Background(), CreatePaymentIntentCommand{UserID: "user-1", OrderID: order.ID})
	if !errors.Is(err, ErrAlreadyPaid) {
		t.Fatalf("expected already paid, got %v", err)
	}
	if stored := f.load(t, order.ID); stored.Status != domain.OrderStatusConfirmed {
		t.Fatalf("expected order confirmed from existing intent, got %s", stored.Status)
	}
	if len(f.gateway.created) != 1 {
		t.Fatalf("expected no second intent, got %d", len(f.gateway.created))
	}
}

func TestPaymentServiceCreatePaymentIntentReusesOpenIntent(t *testing.T) {
	f := newPaymentFixture(t)
	order := f.place(t, "user-1", "", item("p1", 1))

	first := f.startPayment(t, order)
	second := f.startPayment(t, f.load(t, order.ID))
	if second.PaymentIntentID != first.PaymentIntentID || second.ClientSecret != first.ClientSecret {
		t.Fatalf("expected open intent %s to be reused, got %+v", first.PaymentIntentID, second)
	}
	if len(f.gateway.created) != 1 || len(f.gateway.cancelled) != 0 {
		t.Fatalf("expected one intent and no cancellations, got %d created %v cancelled", len(f.gateway.created), f.gateway.cancelled)
	}
	if stored := f.load(t, order.ID); stored.Payment.Attempts != 1 {
		t.Fatalf("expected attempt count unchanged, got %d", stored.Payment.Attempts)
	}
}

func TestPaymentServiceCreatePaymentIntentRefusesWhileProcessing(t *testing.T) {
	for _, status := range []payments.IntentStatus{payments.IntentStatusProcessing, payments.IntentStatusRequiresCapture} {
		t.Run(string(status), func(t *testing.T) {
			f := newPaymentFixture(t)
			order := f.place(t, "user-1", "", item("p1", 1))
			intent := f.startPayment(t, order)
			f.gateway.setStatus(intent.PaymentIntentID, status)

			_, err := f.payments.CreatePaymentIntent(context.Background(), CreatePaymentIntentCommand{UserID: "user-1", OrderID: order.ID})
			if !errors.Is(err, ErrPaymentInProgress) {
				t.Fatalf("expected payment in progress, got %v", err)
			}
			if len(f.gateway.created) != 1 || len(f.gateway.cancelled) != 0 {
				t.Fatalf("expected no new intent while %s, got %d created", status, len(f.gateway.created))
			}
		})
	}
}

func TestPaymentServiceCreatePaymentIntentCancelsSupersededIntent(t *testing.T) {
	f := newPaymentFixture(t)
	order := f.place(t, "user-1", "", item("p1", 1))
	first := f.startPayment(t, order)
	f.gateway.setStatus(first.PaymentIntentID, payments.IntentStatusRequiresAction)

	second, err := f.payments.CreatePaymentIntent(context.Background(), CreatePaymentIntentCommand{UserID: "user-1", OrderID: order.ID, PaymentMethodID: "pm_other_card"})
	if err != nil {
		t.Fatalf("CreatePaymentIntent: %v", err)
	}
	if second.PaymentIntentID == first.PaymentIntentID {
		t.Fatalf("expected a new intent for a new payment method")
	}
	if len(f.gateway.cancelled) != 1 || f.gateway.cancelled[0] != first.PaymentIntentID {
		t.Fatalf("expected %s cancelled, got %v", first.PaymentIntentID, f.gateway.cancelled)
	}
	if stored := f.load(t, order.ID); stored.Payment.IntentID != second.PaymentIntentID || stored.Payment.Attempts != 2 {
		t.Fatalf("expected order to track the new intent, got %+v", stored.Payment)
	}
}

func TestPaymentServiceCreatePaymentIntentKeepsOrderWhenCancelRejected(t *testing.T) {
	f := newPaymentFixture(t)
	order := f.place(t, "user-1", "", item("p1", 1))
	first := f.startPayment(t, order)
	f.gateway.setStatus(first.PaymentIntentID, payments.IntentStatusRequiresAction)
	f.gateway.cancelErr = fmt.Errorf("%w: payment_intent_unexpected_state", payments.ErrRequestRejected)

	_, err := f.payments.CreatePaymentIntent(context.Background(), CreatePaymentIntentCommand{UserID: "user-1", OrderID: order.ID, PaymentMethodID: "pm_other_card"})
	if !errors.Is(err, ErrPaymentInProgress) {
		t.Fatalf("expected payment in progress, got %v", err)
	}
	if len(f.gateway.created) != 1 {
		t.Fatalf("expected no replacement intent, got %d", len(f.gateway.created))
	}
	if stored := f.load(t, order.ID); stored.Payment.IntentID != first.PaymentIntentID {
		t.Fatalf("expected order to keep %s, got %s", first.PaymentIntentID, stored.Payment.IntentID)
	}
}

func TestPaymentServiceSecondCaptureIsRecorded(t *testing.T) {
	f := newPaymentFixture(t)
	paid := f.paidOrder(t)

	stray, err := f.gateway.CreateIntent(context.Background(), payments.IntentRequest{
		Amount:   paid.Totals.Total,
		Currency: paid.Currency,
		Metadata: map[string]string{payments.MetadataOrderID: paid.ID},
	})
	if err != nil {
		t.Fatalf("CreateIntent: %v", err)
	}
	captured := f.gateway.setStatus(stray.ID, payments.IntentStatusSucceeded)

	for _, eventID := range []string{"evt_dup", "evt_dup_redelivered"} {
		payload, signature := f.gateway.register(payments.WebhookEvent{ID: eventID, Type: payments.EventIntentSucceeded, Intent: &captured})
		result, err := f.payments.HandleWebhook(context.Background(), payload, signature)
		if err != nil || !result.Handled {
			t.Fatalf("%s: unexpected result %+v err=%v", eventID, result, err)
		}
	}

	stored := f.load(t, paid.ID)
	if stored.Payment.TransactionID != "pi_1" || stored.Payment.Status != domain.PaymentStatusCompleted {
		t.Fatalf("expected original capture to stay authoritative, got %+v", stored.Payment)
	}
	if len(stored.Payment.DuplicateIntentIDs) != 1 || stored.Payment.DuplicateIntentIDs[0] != stray.ID {
		t.Fatalf("expected %s recorded as duplicate, got %v", stray.ID, stored.Payment.DuplicateIntentIDs)
	}
	if n := f.events.count(orderEventDuplicatePayment); n != 1 {
		t.Fatalf("expected one duplicate payment event, got %d", n)
	}
	for _, event := range f.events.events {
		if event.Type != orderEventDuplicatePayment {
			continue
		}
		if event.Metadata["refundRequired"] != true || event.Metadata["paymentIntent"] != stray.ID || event.Metadata["transactionId"] != "pi_1" {
			t.Fatalf("unexpected duplicate payment metadata %v", event.Metadata)
		}
	}
	if n := f.metrics.reconciled["webhook:duplicate_capture"]; n != 1 {
		t.Fatalf("expected one duplicate capture reconcile, got %v", f.metrics.reconciled)
	}

	confirmed, err := f.payments.ConfirmPayment(context.Background(), ConfirmPaymentCommand{UserID: "user-1", OrderID: paid.ID, PaymentIntentID: stray.ID})
	if err != nil {
		t.Fatalf("ConfirmPayment with the extra capture: %v", err)
	}
	if confirmed.Order.Version != stored.Version {
		t.Fatalf("expected confirm of a recorded duplicate to be a no-op, version %d -> %d", stored.Version, confirmed.Order.Version)
	}
}

func TestPaymentServiceConfirmPaymentIsIdempotent(t *testing.T) {
	f := newPaymentFixture(t)
	paid := f.paidOrder(t)

	if paid.Status != domain.OrderStatusConfirmed || paid.Payment.Status != domain.PaymentStatusCompleted {
		t.Fatalf("expected confirmed/completed, got %s/%s", paid.Status, paid.Payment.Status)
	}
	if paid.Payment.TransactionID != "pi_1" || paid.Payment.PaidAt == nil || paid.ConfirmedAt == nil {
		t.Fatalf("expected payment details recorded, got %+v", paid.Payment)
	}

	again, err := f.payments.ConfirmPayment(context.Background(), ConfirmPaymentCommand{UserID: "user-1", OrderID: paid.ID, PaymentIntentID: "pi_1"})
	if err != nil {
		t.Fatalf("ConfirmPayment again: %v", err)
	}
	if again.Order.Version != paid.Version {
		t.Fatalf("expected repeated confirmation to leave order untouched, version %d -> %d", paid.Version, again.Order.Version)
	}
	if n := f.events.count(orderEventConfirmed); n != 1 {
		t.Fatalf("expected one confirmed event, got %d", n)
	}
}

func TestPaymentServiceConfirmPaymentRejectsForeignIntent(t *testing.T) {
	f := newPaymentFixture(t)
	order := f.place(t, "user-1", "", item("p1", 1))
	f.startPayment(t, order)
	other := f.place(t, "user-1", "", item("p2", 1))
	otherIntent := f.startPayment(t, other)

	_, err := f.payments.ConfirmPayment(context.Background(), ConfirmPaymentCommand{UserID: "user-1", OrderID: order.ID, PaymentIntentID: otherIntent.PaymentIntentID})
	if !errors.Is(err, ErrPaymentIntentMismatch) {
		t.Fatalf("expected intent mismatch, got %v", err)
	}
	_, err = f.payments.ConfirmPayment(context.Background(), ConfirmPaymentCommand{UserID: "user-1", OrderID: order.ID})
	if !errors.Is(err, ErrPaymentInvalidInput) {
		t.Fatalf("expected invalid input without intent id, got %v", err)
	}
}

func TestPaymentServiceConfirmPaymentRequiresAction(t *testing.T) {
	f := newPaymentFixture(t)
	order := f.place(t, "user-1", "", item("p1", 1))
	intent := f.startPayment(t, order)
	f.gateway.setStatus(intent.PaymentIntentID, payments.IntentStatusRequiresAction)

	result, err := f.payments.ConfirmPayment(context.Background(), ConfirmPaymentCommand{UserID: "user-1", OrderID: order.ID, PaymentIntentID: intent.PaymentIntentID})
	if err != nil {
		t.Fatalf("ConfirmPayment: %v", err)
	}
	if !result.RequiresAction || result.ClientSecret == "" {
		t.Fatalf("expected requires action with client secret, got %+v", result)
	}
	if stored := f.load(t, order.ID); stored.Status != domain.OrderStatusPending || stored.Payment.Status != domain.PaymentStatusPending {
		t.Fatalf("expected order untouched, got %s/%s", stored.Status, stored.Payment.Status)
	}
}

func TestPaymentServiceConfirmPaymentFailureAllowsRetry(t *testing.T) {
	f := newPaymentFixture(t)
	order := f.place(t, "user-1", "", item("p1", 1))
	intent := f.startPayment(t, order)
	f.gateway.setStatus(intent.PaymentIntentID, payments.IntentStatusRequiresPaymentMethod)

	_, err := f.payments.ConfirmPayment(context.Background(), ConfirmPaymentCommand{UserID: "user-1", OrderID: order.ID, PaymentIntentID: intent.PaymentIntentID})
	if !errors.Is(err, ErrPaymentFailed) {
		t.Fatalf("expected payment failed, got %v", err)
	}
	failed := f.load(t, order.ID)
	if failed.Status != domain.OrderStatusPending || failed.Payment.Status != domain.PaymentStatusFailed || failed.Payment.FailedAt == nil {
		t.Fatalf("expected pending order with failed payment, got %s/%s", failed.Status, failed.Payment.Status)
	}
	if n := f.events.count(orderEventPaymentFailed); n != 1 {
		t.Fatalf("expected payment failed event, got %d", n)
	}

	retry := f.startPayment(t, failed)
	if retry.PaymentIntentID == intent.PaymentIntentID {
		t.Fatalf("expected a fresh intent on retry")
	}
	if len(f.gateway.cancelled) != 1 || f.gateway.cancelled[0] != intent.PaymentIntentID {
		t.Fatalf("expected failed intent cancelled before retry, got %v", f.gateway.cancelled)
	}
	if f.gateway.created[0].IdempotencyKey == f.gateway.created[1].IdempotencyKey {
		t.Fatalf("expected distinct idempotency keys per attempt")
	}
	retried := f.load(t, order.ID)
	if retried.Payment.Status != domain.PaymentStatusPending || retried.Payment.Attempts != 2 {
		t.Fatalf("expected payment reset to pending on attempt 2, got %+v", retried.Payment)
	}
}

func TestPaymentServiceWebhookIsIdempotent(t *testing.T) {
	f := newPaymentFixture(t)
	order := f.place(t, "user-1", "", item("p1", 1))
	intent := f.startPayment(t, order)
	succeeded := f.gateway.setStatus(intent.PaymentIntentID, payments.IntentStatusSucceeded)
	payload, signature := f.gateway.register(payments.WebhookEvent{ID: "evt_1", Type: payments.EventIntentSucceeded, Intent: &succeeded})

	first, err := f.payments.HandleWebhook(context.Background(), payload, signature)
	if err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	if !first.Handled || first.OrderID != order.ID {
		t.Fatalf("unexpected webhook result %+v", first)
	}
	confirmed := f.load(t, order.ID)

	if _, err := f.payments.HandleWebhook(context.Background(), payload, signature); err != nil {
		t.Fatalf("HandleWebhook redelivery: %v", err)
	}
	again := f.load(t, order.ID)
	if again.Version != confirmed.Version || again.Status != domain.OrderStatusConfirmed {
		t.Fatalf("expected redelivery to be a no-op, got %s v%d (was v%d)", again.Status, again.Version, confirmed.Version)
	}
	if n := f.events.count(orderEventConfirmed); n != 1 {
		t.Fatalf("expected one confirmed event, got %d", n)
	}

	if _, err := f.payments.ConfirmPayment(context.Background(), ConfirmPaymentCommand{UserID: "user-1", OrderID: order.ID, PaymentIntentID: intent.PaymentIntentID}); err != nil {
		t.Fatalf("ConfirmPayment after webhook: %v", err)
	}
	if f.load(t, order.ID).Version != confirmed.Version {
		t.Fatalf("expected client confirmation after webhook to be a no-op")
	}
}

func TestPaymentServiceWebhookRejectsBadSignature(t *testing.T) {
	f := newPaymentFixture(t)
	order := f.place(t, "user-1", "", item("p1", 1))
	intent := f.startPayment(t, order)
	succeeded := f.gateway.setStatus(intent.PaymentIntentID, payments.IntentStatusSucceeded)
	payload, _ := f.gateway.register(payments.WebhookEvent{ID: "evt_1", Type: payments.EventIntentSucceeded, Intent: &succeeded})

	_, err := f.payments.HandleWebhook(context.Background(), payload, "sig:forged")
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}
	if stored := f.load(t, order.ID); stored.Status != domain.OrderStatusPending {
		t.Fatalf("expected order untouched, got %s", stored.Status)
	}
}

func TestPaymentServiceWebhookAcknowledgesUnknownOrdersAndTypes(t *testing.T) {
	f := newPaymentFixture(t)
	stray := payments.Intent{ID: "pi_stray", Status: payments.IntentStatusSucceeded}
	payload, signature := f.gateway.register(payments.WebhookEvent{ID: "evt_stray", Type: payments.EventIntentSucceeded, Intent: &stray})

	result, err := f.payments.HandleWebhook(context.Background(), payload, signature)
	if err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	if result.Handled {
		t.Fatalf("expected unknown order to be acknowledged without handling")
	}

	payload, signature = f.gateway.register(payments.WebhookEvent{ID: "evt_other", Type: "customer.created"})
	result, err = f.payments.HandleWebhook(context.Background(), payload, signature)
	if err != nil || result.Handled {
		t.Fatalf("expected unhandled acknowledgement, got %+v %v", result, err)
	}
}

func TestPaymentServiceWebhookPaymentFailed(t *testing.T) {
	f := newPaymentFixture(t)
	order := f.place(t, "user-1", "", item("p1", 1))
	intent := f.startPayment(t, order)
	failedIntent := f.gateway.setStatus(intent.PaymentIntentID, payments.IntentStatusRequiresPaymentMethod)
	payload, signature := f.gateway.register(payments.WebhookEvent{ID: "evt_fail", Type: payments.EventIntentPaymentFailed, Intent: &failedIntent})

	for i := 0; i < 2; i++ {
		if _, err := f.payments.HandleWebhook(context.Background(), payload, signature); err != nil {
			t.Fatalf("HandleWebhook: %v", err)
		}
	}
	stored := f.load(t, order.ID)
	if stored.Status != domain.OrderStatusPending || stored.Payment.Status != domain.PaymentStatusFailed {
		t.Fatalf("expected pending/failed, got %s/%s", stored.Status, stored.Payment.Status)
	}
	if n := f.events.count(orderEventPaymentFailed); n != 1 {
		t.Fatalf("expected one payment failed event, got %d", n)
	}
}

func TestPaymentServicePaymentAfterCancelIsFlagged(t *testing.T) {
	f := newPaymentFixture(t)
	order := f.place(t, "user-1", "", item("p1", 1))
	intent := f.startPayment(t, order)
	if _, err := f.svc.CancelOrder(context.Background(), CancelOrderCommand{OrderID: order.ID, ActorID: "user-1"}); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}

	succeeded := f.gateway.setStatus(intent.PaymentIntentID, payments.IntentStatusSucceeded)
	payload, signature := f.gateway.register(payments.WebhookEvent{ID: "evt_late", Type: payments.EventIntentSucceeded, Intent: &succeeded})
	if _, err := f.payments.HandleWebhook(context.Background(), payload, signature); err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}

	stored := f.load(t, order.ID)
	if stored.Status != domain.OrderStatusCancelled || stored.Payment.Status != domain.PaymentStatusCompleted {
		t.Fatalf("expected cancelled order with captured payment, got %s/%s", stored.Status, stored.Payment.Status)
	}
	if n := f.events.count(orderEventPaymentAfterCancel); n != 1 {
		t.Fatalf("expected payment after cancel event, got %d", n)
	}
}

func TestPaymentServiceFullRefundRestoresStock(t *testing.T) {
	f := newPaymentFixture(t)
	paid := f.paidOrder(t)
	if got := f.stock(t, "p1"); got != 8 {
		t.Fatalf("expected stock 8 before refund, got %d", got)
	}

	result, err := f.payments.RefundOrder(context.Background(), RefundOrderCommand{ActorID: "admin", OrderID: paid.ID, Reason: "damaged"})
	if err != nil {
		t.Fatalf("RefundOrder: %v", err)
	}
	if result.RefundID == "" || result.Order.Payment.Status != domain.PaymentStatusRefunded || result.Order.Payment.RefundedAmount != 9000 {
		t.Fatalf("unexpected refund result %+v", result.Order.Payment)
	}
	if result.Order.Reversal.StockRestoredAt == nil {
		t.Fatalf("expected restock recorded")
	}
	if got := f.stock(t, "p1"); got != 10 {
		t.Fatalf("expected stock restored to 10, got %d", got)
	}
	if f.gateway.refunds[0].Amount != nil {
		t.Fatalf("expected full refund to omit amount")
	}
	if n := f.events.count(orderEventRefunded); n != 1 {
		t.Fatalf("expected refunded event, got %d", n)
	}

	_, err = f.payments.RefundOrder(context.Background(), RefundOrderCommand{ActorID: "admin", OrderID: paid.ID})
	if !errors.Is(err, ErrCannotRefundUnpaid) {
		t.Fatalf("expected second refund to be rejected, got %v", err)
	}
	if got := f.stock(t, "p1"); got != 10 {
		t.Fatalf("expected stock unchanged by rejected refund, got %d", got)
	}
}

func TestPaymentServicePartialRefundKeepsStock(t *testing.T) {
	f := newPaymentFixture(t)
	paid := f.paidOrder(t)

	amount := int64(4500)
	result, err := f.payments.RefundOrder(context.Background(), RefundOrderCommand{ActorID: "admin", OrderID: paid.ID, Amount: &amount})
	if err != nil {
		t.Fatalf("RefundOrder: %v", err)
	}
	if result.Order.Payment.RefundedAmount != 4500 || result.Order.Reversal.StockRestoredAt != nil {
		t.Fatalf("unexpected partial refund state %+v %+v", result.Order.Payment, result.Order.Reversal)
	}
	if got := f.stock(t, "p1"); got != 8 {
		t.Fatalf("expected stock to stay at 8, got %d", got)
	}
	if req := f.gateway.refunds[0]; req.Amount == nil || *req.Amount != 4500 {
		t.Fatalf("expected gateway refund of 4500, got %+v", req.Amount)
	}
}

func TestPaymentServiceRefundPolicyAlwaysRestocksPartialRefunds(t *testing.T) {
	f := newPaymentFixture(t, func(deps *PaymentServiceDeps) {
		deps.RestockPolicy = RestockAlways
	})
	paid := f.paidOrder(t)

	amount := int64(4500)
	if _, err := f.payments.RefundOrder(context.Background(), RefundOrderCommand{ActorID: "admin", OrderID: paid.ID, Amount: &amount}); err != nil {
		t.Fatalf("RefundOrder: %v", err)
	}
	if got := f.stock(t, "p1"); got != 10 {
		t.Fatalf("expected stock restored under always policy, got %d", got)
	}
}

func TestPaymentServiceRefundValidation(t *testing.T) {
	f := newPaymentFixture(t)
	unpaid := f.place(t, "user-1", "", item("p2", 1))
	_, err := f.payments.RefundOrder(context.Background(), RefundOrderCommand{ActorID: "admin", OrderID: unpaid.ID})
	if !errors.Is(err, ErrCannotRefundUnpaid) {
		t.Fatalf("expected cannot refund unpaid, got %v", err)
	}

	paid := f.paidOrder(t)
	for _, amount := range []int64{0, -1, 9001} {
		amount := amount
		_, err := f.payments.RefundOrder(context.Background(), RefundOrderCommand{ActorID: "admin", OrderID: paid.ID, Amount: &amount})
		if !errors.Is(err, ErrInvalidRefundAmount) {
			t.Fatalf("amount %d: expected invalid refund amount, got %v", amount, err)
		}
	}

	f.gateway.refundErr = fmt.Errorf("%w: timeout", payments.ErrGatewayUnavailable)
	_, err = f.payments.RefundOrder(context.Background(), RefundOrderCommand{ActorID: "admin", OrderID: paid.ID})
	if !errors.Is(err, ErrPaymentGatewayUnavailable) {
		t.Fatalf("expected gateway unavailable, got %v", err)
	}
	if stored := f.load(t, paid.ID); stored.Payment.Status != domain.PaymentStatusCompleted {
		t.Fatalf("expected payment untouched after gateway failure, got %s", stored.Payment.Status)
	}
}

func TestPaymentServiceRefundResumesInterruptedRestock(t *testing.T) {
	f := newPaymentFixture(t)
	paid := f.paidOrder(t)

	f.products.incrementFn = func(context.Context, string, int64) (domain.Product, error) {
		return domain.Product{}, errors.New("catalog down")
	}
	_, err := f.payments.RefundOrder(context.Background(), RefundOrderCommand{ActorID: "admin", OrderID: paid.ID})
	if !errors.Is(err, ErrOrderReversalIncomplete) {
		t.Fatalf("expected reversal incomplete, got %v", err)
	}
	if stored := f.load(t, paid.ID); stored.Payment.Status != domain.PaymentStatusRefunded {
		t.Fatalf("expected refund recorded, got %s", stored.Payment.Status)
	}

	f.products.incrementFn = nil
	if _, err := f.payments.RefundOrder(context.Background(), RefundOrderCommand{ActorID: "admin", OrderID: paid.ID}); err != nil {
		t.Fatalf("retry RefundOrder: %v", err)
	}
	if got := f.stock(t, "p1"); got != 10 {
		t.Fatalf("expected stock restored on retry, got %d", got)
	}
	if n := f.gateway.refundCount(); n != 1 {
		t.Fatalf("expected a single gateway refund, got %d", n)
	}
}

func TestPaymentServiceChargeRefundedWebhook(t *testing.T) {
	f := newPaymentFixture(t)
	paid := f.paidOrder(t)

	charge := payments.Charge{ID: "ch_1", IntentID: "pi_1", Amount: 9000, AmountRefunded: 9000, Refunded: true, RefundID: "re_ext"}
	payload, signature := f.gateway.register(payments.WebhookEvent{ID: "evt_refund", Type: payments.EventChargeRefunded, Charge: &charge})
	for i := 0; i < 2; i++ {
		result, err := f.payments.HandleWebhook(context.Background(), payload, signature)
		if err != nil {
			t.Fatalf("HandleWebhook: %v", err)
		}
		if !result.Handled || result.OrderID != paid.ID {
			t.Fatalf("unexpected result %+v", result)
		}
	}

	stored := f.load(t, paid.ID)
	if stored.Payment.Status != domain.PaymentStatusRefunded || stored.Payment.RefundID != "re_ext" {
		t.Fatalf("expected refund recorded, got %+v", stored.Payment)
	}
	if got := f.stock(t, "p1"); got != 10 {
		t.Fatalf("expected stock restored once, got %d", got)
	}
	if n := f.events.count(orderEventRefunded); n != 1 {
		t.Fatalf("expected one refunded event, got %d", n)
	}
}

func TestPaymentServiceRefundRejectedByGateway(t *testing.T) {
	f := newPaymentFixture(t)
	paid := f.paidOrder(t)
	f.gateway.refundErr = fmt.Errorf("%w: charge_already_refunded", payments.ErrRequestRejected)

	_, err := f.payments.RefundOrder(context.Background(), RefundOrderCommand{OrderID: paid.ID, ActorID: "staff-1"})
	if !errors.Is(err, ErrRefundRejected) {
		t.Fatalf("expected refund rejected, got %v", err)
	}
	if errors.Is(err, ErrPaymentFailed) {
		t.Fatalf("a rejected refund must not read as a declined payment: %v", err)
	}
	if stored := f.load(t, paid.ID); stored.Payment.Status != domain.PaymentStatusCompleted || stored.Version != paid.Version {
		t.Fatalf("expected order untouched, got %s v%d", stored.Payment.Status, stored.Version)
	}
}

func TestPaymentServiceGetPaymentDetailsDegradesWithoutGateway(t *testing.T) {
	f := newPaymentFixture(t)
	paid := f.paidOrder(t)

	details, err := f.payments.GetPaymentDetails(context.Background(), GetOrderCommand{OrderID: paid.ID, ActorID: "user-1"})
	if err != nil {
		t.Fatalf("GetPaymentDetails: %v", err)
	}
	if details.Intent == nil || details.Amount != 9000 {
		t.Fatalf("expected live intent and amount, got %+v", details)
	}

	f.gateway.retrieveErr = payments.ErrGatewayUnavailable
	details, err = f.payments.GetPaymentDetails(context.Background(), GetOrderCommand{OrderID: paid.ID, ActorID: "user-1"})
	if err != nil {
		t.Fatalf("GetPaymentDetails degraded: %v", err)
	}
	if details.Intent != nil || details.Payment.Status != domain.PaymentStatusCompleted {
		t.Fatalf("expected stored payment without intent, got %+v", details)
	}
}

func TestParseRefundRestockPolicy(t *testing.T) {
	cases := map[string]RefundRestockPolicy{
		"":          RestockFullRefundsOnly,
		"full_only": RestockFullRefundsOnly,
		"ALWAYS":    RestockAlways,
		" never ":   RestockNever,
	}
	for input, want := range cases {
		got, err := ParseRefundRestockPolicy(input)
		if err != nil || got != want {
			t.Fatalf("ParseRefundRestockPolicy(%q) = %q, %v", input, got, err)
		}
	}
	if _, err := ParseRefundRestockPolicy("sometimes"); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}
