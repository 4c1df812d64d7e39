package events

import (
	"fmt"
	"sync"
	"time"
)

// EventType identifies a licensing lifecycle event
type EventType string

const (
	EventPaymentReceived EventType = "payment.received"
	EventPaymentRejected EventType = "payment.rejected"
	EventLicenseCreated  EventType = "license.created"
	EventLicenseRevoked  EventType = "license.revoked"
	EventPriceUpdated    EventType = "price.updated"
)

// AllTypes lists every event a webhook subscriber may register for. Every
// entry has a live emitter; subscribers never register for an event that
// cannot fire.
var AllTypes = []EventType{
	EventPaymentReceived,
	EventPaymentRejected,
	EventLicenseCreated,
	EventLicenseRevoked,
	EventPriceUpdated,
}

// IsKnownType reports whether s names a dispatchable event type.
func IsKnownType(s string) bool {
	for _, t := range AllTypes {
		if string(t) == s {
			return true
		}
	}
	return false
}

// Event is the single shape shared by API-triggered and chain-triggered
// events. ID is stable across redeliveries (entity id for API origin,
// txHash:logIndex for chain origin) so receivers can deduplicate.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events. Handlers run synchronously in
// publish order; slow consumers must hand off to their own queue.
type Subscriber func(Event)

// Bus fans events out to subscribers regardless of the producing side.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (b *Bus) Subscribe(eventType EventType, subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers[eventType] = append(b.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for every event type
func (b *Bus) SubscribeAll(subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.allSubs = append(b.allSubs, subscriber)
}

// Publish delivers an event to all matching subscribers in order.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	for _, sub := range b.subscribers[event.Type] {
		sub(event)
	}
	for _, sub := range b.allSubs {
		sub(event)
	}
}

// PublishLicenseCreated publishes a license.created event keyed by license id.
func (b *Bus) PublishLicenseCreated(licenseID, licenseKey, txHash, email, productCode string, expiresAt time.Time) {
	b.Publish(Event{
		ID:   licenseID,
		Type: EventLicenseCreated,
		Data: map[string]interface{}{
			"license_key":  licenseKey,
			"tx_hash":      txHash,
			"buyer_email":  email,
			"product_code": productCode,
			"expires_at":   expiresAt.UTC().Format(time.RFC3339),
		},
	})
}

// PublishLicenseRevoked publishes a license.revoked event.
func (b *Bus) PublishLicenseRevoked(licenseKey, revokedBy string) {
	b.Publish(Event{
		ID:   fmt.Sprintf("revoke:%s", licenseKey),
		Type: EventLicenseRevoked,
		Data: map[string]interface{}{
			"license_key": licenseKey,
			"revoked_by":  revokedBy,
		},
	})
}

// PublishPaymentReceived publishes a payment.received event keyed by txHash.
func (b *Bus) PublishPaymentReceived(txHash, asset, amount, productCode string) {
	b.Publish(Event{
		ID:   txHash,
		Type: EventPaymentReceived,
		Data: map[string]interface{}{
			"tx_hash":      txHash,
			"asset":        asset,
			"amount":       amount,
			"product_code": productCode,
		},
	})
}

// PublishPriceUpdated publishes a price.updated event for a fresh quote.
func (b *Bus) PublishPriceUpdated(asset, usdPrice, source string, observedAt time.Time) {
	b.Publish(Event{
		ID:   fmt.Sprintf("price:%s:%d", asset, observedAt.UnixNano()),
		Type: EventPriceUpdated,
		Data: map[string]interface{}{
			"asset":       asset,
			"usd_price":   usdPrice,
			"source":      source,
			"observed_at": observedAt.UTC().Format(time.RFC3339),
		},
	})
}

// PublishPaymentRejected publishes a payment.rejected event with its reason.
func (b *Bus) PublishPaymentRejected(txHash, reasonCode string) {
	b.Publish(Event{
		ID:   fmt.Sprintf("reject:%s", txHash),
		Type: EventPaymentRejected,
		Data: map[string]interface{}{
			"tx_hash":     txHash,
			"reason_code": reasonCode,
		},
	})
}
