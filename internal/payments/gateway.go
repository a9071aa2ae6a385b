// Package payments adapts payment service providers to the order workflow.
package payments

import (
	"context"
	"errors"
	"strings"
	"time"
)

// IntentStatus mirrors the gateway-reported state of a payment intent.
type IntentStatus string

const (
	IntentStatusSucceeded             IntentStatus = "succeeded"
	IntentStatusRequiresAction        IntentStatus = "requires_action"
	IntentStatusRequiresPaymentMethod IntentStatus = "requires_payment_method"
	IntentStatusRequiresConfirmation  IntentStatus = "requires_confirmation"
	IntentStatusRequiresCapture       IntentStatus = "requires_capture"
	IntentStatusProcessing            IntentStatus = "processing"
	IntentStatusCanceled              IntentStatus = "canceled"
)

// WebhookEventType enumerates the gateway notifications the workflow reacts to.
type WebhookEventType string

const (
	EventIntentSucceeded     WebhookEventType = "payment_intent.succeeded"
	EventIntentPaymentFailed WebhookEventType = "payment_intent.payment_failed"
	EventChargeRefunded      WebhookEventType = "charge.refunded"
)

var (
	// ErrInvalidSignature indicates the webhook payload could not be authenticated.
	ErrInvalidSignature = errors.New("payments: invalid webhook signature")
	// ErrGatewayUnavailable indicates the provider could not be reached or failed internally.
	ErrGatewayUnavailable = errors.New("payments: gateway unavailable")
	// ErrIntentNotFound indicates the provider has no record of the intent.
	ErrIntentNotFound = errors.New("payments: intent not found")
	// ErrCardDeclined indicates the card issuer declined the charge.
	ErrCardDeclined = errors.New("payments: card declined")
	// ErrRequestRejected indicates the provider refused the request as invalid for the current
	// state of the resource, such as refunding a charge that is already refunded.
	ErrRequestRejected = errors.New("payments: request rejected")
)

// IntentRequest describes a payment intent to create.
type IntentRequest struct {
	Amount          int64
	Currency        string
	Description     string
	IdempotencyKey  string
	Metadata        map[string]string
	PaymentMethodID string
	ReturnURL       string
}

// Intent is the normalised view of a gateway payment intent.
type Intent struct {
	ID           string
	Status       IntentStatus
	Amount       int64
	Currency     string
	ClientSecret string
	Metadata     map[string]string
	CreatedAt    time.Time
}

// OrderID returns the order identifier stamped on the intent at creation time.
func (i Intent) OrderID() string {
	return strings.TrimSpace(i.Metadata[MetadataOrderID])
}

// RefundRequest describes a refund against a captured intent. A nil Amount refunds the
// remaining captured balance.
type RefundRequest struct {
	IntentID       string
	Amount         *int64
	Reason         string
	IdempotencyKey string
	Metadata       map[string]string
}

// Refund is the normalised refund record.
type Refund struct {
	ID       string
	IntentID string
	Amount   int64
	Status   string
}

// Charge summarises a charge carried by refund notifications.
type Charge struct {
	ID             string
	IntentID       string
	Amount         int64
	AmountRefunded int64
	Refunded       bool
	RefundID       string
}

// FullyRefunded reports whether the whole captured amount was returned.
func (c Charge) FullyRefunded() bool {
	return c.Refunded || (c.Amount > 0 && c.AmountRefunded >= c.Amount)
}

// WebhookEvent is a verified gateway notification.
type WebhookEvent struct {
	ID     string
	Type   WebhookEventType
	Intent *Intent
	Charge *Charge
}

// Gateway is the payment service provider contract consumed by the workflow.
type Gateway interface {
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
	RetrieveIntent(ctx context.Context, intentID string) (Intent, error)
	// CancelIntent voids an intent that has not been captured.
	CancelIntent(ctx context.Context, intentID string) (Intent, error)
	CreateRefund(ctx context.Context, req RefundRequest) (Refund, error)
	// ParseWebhook authenticates payload against the signature header before decoding it.
	ParseWebhook(payload []byte, signature string) (WebhookEvent, error)
}

// Metadata keys stamped on intents so notifications can be routed back to orders.
const (
	MetadataOrderID     = "order_id"
	MetadataUserID      = "user_id"
	MetadataOrderNumber = "order_number"
)
