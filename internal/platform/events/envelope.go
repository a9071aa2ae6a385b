// Package events publishes order domain events to the configured broker.
package events

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/storefront/api/internal/services"
)

// envelopeVersion is bumped whenever a field is renamed or removed.
const envelopeVersion = 1

// Envelope is the wire format shared by every publisher.
type Envelope struct {
	Version        int            `json:"version"`
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	OrderID        string         `json:"orderId"`
	OrderNumber    string         `json:"orderNumber,omitempty"`
	UserID         string         `json:"userId,omitempty"`
	PreviousStatus string         `json:"previousStatus,omitempty"`
	CurrentStatus  string         `json:"currentStatus,omitempty"`
	ActorID        string         `json:"actorId,omitempty"`
	OccurredAt     time.Time      `json:"occurredAt"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func newEnvelope(event services.OrderEvent) Envelope {
	return Envelope{
		Version:        envelopeVersion,
		ID:             event.ID,
		Type:           event.Type,
		OrderID:        event.OrderID,
		OrderNumber:    event.OrderNumber,
		UserID:         event.UserID,
		PreviousStatus: event.PreviousStatus,
		CurrentStatus:  event.CurrentStatus,
		ActorID:        event.ActorID,
		OccurredAt:     event.OccurredAt.UTC(),
		Metadata:       event.Metadata,
	}
}

func encode(event services.OrderEvent) ([]byte, error) {
	return json.Marshal(newEnvelope(event))
}

// attributes are duplicated outside the payload so subscribers can filter without decoding.
func attributes(event services.OrderEvent) map[string]string {
	attrs := make(map[string]string, 5)
	setAttr(attrs, "eventId", event.ID)
	setAttr(attrs, "eventType", event.Type)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "status", event.CurrentStatus)
	setAttr(attrs, "actorId", event.ActorID)
	return attrs
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}

// Publisher is an order event publisher that owns broker resources.
type Publisher interface {
	services.OrderEventPublisher
	Close() error
}
