package events

import (
	"testing"
	"time"
)

// TestPublishPreservesOrder verifies subscribers observe events in the
// exact publish order; the chain poller depends on this.
func TestPublishPreservesOrder(t *testing.T) {
	bus := NewBus()
	var seen []string
	bus.SubscribeAll(func(e Event) { seen = append(seen, e.ID) })

	for _, id := range []string{"a", "b", "c", "d"} {
		bus.Publish(Event{ID: id, Type: EventPaymentReceived})
	}

	if len(seen) != 4 {
		t.Fatalf("expected 4 events, got %d", len(seen))
	}
	for i, want := range []string{"a", "b", "c", "d"} {
		if seen[i] != want {
			t.Errorf("position %d: got %s, want %s", i, seen[i], want)
		}
	}
}

// TestSubscribeFiltersByType verifies type-scoped subscribers only see
// their event type while SubscribeAll sees everything.
func TestSubscribeFiltersByType(t *testing.T) {
	bus := NewBus()
	var created, all int
	bus.Subscribe(EventLicenseCreated, func(e Event) { created++ })
	bus.SubscribeAll(func(e Event) { all++ })

	bus.Publish(Event{ID: "1", Type: EventLicenseCreated})
	bus.Publish(Event{ID: "2", Type: EventPaymentRejected})

	if created != 1 {
		t.Errorf("typed subscriber saw %d events, want 1", created)
	}
	if all != 2 {
		t.Errorf("all-subscriber saw %d events, want 2", all)
	}
}

// TestPublishStampsTimestamp verifies missing timestamps are filled in.
func TestPublishStampsTimestamp(t *testing.T) {
	bus := NewBus()
	var got Event
	bus.SubscribeAll(func(e Event) { got = e })

	before := time.Now()
	bus.Publish(Event{ID: "x", Type: EventPriceUpdated})

	if got.Timestamp.Before(before) {
		t.Error("timestamp was not stamped at publish time")
	}
}

// TestIsKnownType covers the subscription validation helper.
func TestIsKnownType(t *testing.T) {
	for _, typ := range AllTypes {
		if !IsKnownType(string(typ)) {
			t.Errorf("%s should be known", typ)
		}
	}
	if IsKnownType("license.minted") {
		t.Error("license.minted should be unknown")
	}
}
