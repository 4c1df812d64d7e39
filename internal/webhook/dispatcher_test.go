package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"srpk-license-server/internal/database"
	"srpk-license-server/internal/events"
)

type memStore struct {
	mu       sync.Mutex
	subs     map[string]*database.WebhookSubscription
	attempts []database.DeliveryAttempt
	nextID   int
}

func newMemStore() *memStore {
	return &memStore{subs: make(map[string]*database.WebhookSubscription)}
}

func (m *memStore) CreateWebhookSubscription(ctx context.Context, sub *database.WebhookSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	if sub.ID == "" {
		sub.ID = time.Now().Format("150405.000000")
	}
	m.subs[sub.ID] = sub
	return nil
}

func (m *memStore) GetWebhookSubscription(ctx context.Context, id string) (*database.WebhookSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs[id], nil
}

func (m *memStore) UpdateWebhookSubscription(ctx context.Context, sub *database.WebhookSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *memStore) DeactivateWebhookSubscription(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok || !sub.IsActive {
		return false, nil
	}
	sub.IsActive = false
	return true, nil
}

func (m *memStore) ListActiveSubscriptionsForEvent(ctx context.Context, eventType string) ([]database.WebhookSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []database.WebhookSubscription
	for _, sub := range m.subs {
		if sub.IsActive {
			out = append(out, *sub)
		}
	}
	return out, nil
}

func (m *memStore) CountActiveSubscriptions(ctx context.Context, registrant string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, sub := range m.subs {
		if sub.IsActive && sub.Registrant == registrant {
			count++
		}
	}
	return count, nil
}

func (m *memStore) AppendDeliveryAttempt(ctx context.Context, attempt *database.DeliveryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, *attempt)
	return nil
}

func (m *memStore) ListDeliveryAttempts(ctx context.Context, subscriptionID string, limit int) ([]database.DeliveryAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []database.DeliveryAttempt
	for _, a := range m.attempts {
		if a.SubscriptionID == subscriptionID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memStore) ListExhaustedDeliveries(ctx context.Context, limit int) ([]database.DeliveryAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []database.DeliveryAttempt
	for _, a := range m.attempts {
		if a.Outcome == database.DeliveryOutcomeExhausted {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memStore) attemptRows() []database.DeliveryAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]database.DeliveryAttempt(nil), m.attempts...)
}

func testDispatcher(store Store) *Dispatcher {
	d := NewDispatcher(store, Config{
		Workers:          1,
		MaxAttempts:      5,
		BaseBackoff:      time.Second,
		DeliveryTimeout:  2 * time.Second,
		MaxPerRegistrant: 10,
		QueueSize:        16,
	})
	// No real sleeping in tests.
	return d.WithSleeper(func(ctx context.Context, _ time.Duration) bool { return true })
}

func testEvent() events.Event {
	return events.Event{
		ID:        "0xabc:0",
		Type:      events.EventLicenseCreated,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"license_key": "AAAA-BBBB-CCCC-DDDD"},
	}
}

// TestDeliveryRetriesThenSucceeds verifies an endpoint failing twice then
// succeeding produces exactly three audited attempts and no more.
func TestDeliveryRetriesThenSucceeds(t *testing.T) {
	var mu sync.Mutex
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		n := requests
		mu.Unlock()
		if n <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newMemStore()
	d := testDispatcher(store)
	sub := database.WebhookSubscription{ID: "sub-1", URL: srv.URL, Secret: "whsec_test", IsActive: true}

	d.deliverWithRetries(context.Background(), job{sub: sub, event: testEvent()})

	rows := store.attemptRows()
	if len(rows) != 3 {
		t.Fatalf("expected 3 attempt rows, got %d", len(rows))
	}
	for i, want := range []string{database.DeliveryOutcomeFailed, database.DeliveryOutcomeFailed, database.DeliveryOutcomeSuccess} {
		if rows[i].Outcome != want {
			t.Errorf("attempt %d outcome = %s, want %s", i+1, rows[i].Outcome, want)
		}
		if rows[i].AttemptNumber != i+1 {
			t.Errorf("attempt %d numbered %d", i+1, rows[i].AttemptNumber)
		}
	}
	if requests != 3 {
		t.Errorf("endpoint saw %d requests, want 3", requests)
	}
}

// TestDeliveryExhaustsAfterMaxAttempts verifies a permanently failing
// endpoint gets exactly maxAttempts tries, ends in the dead-letter list and
// is never retried again.
func TestDeliveryExhaustsAfterMaxAttempts(t *testing.T) {
	var mu sync.Mutex
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		mu.Unlock()
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	store := newMemStore()
	d := testDispatcher(store)
	sub := database.WebhookSubscription{ID: "sub-1", URL: srv.URL, Secret: "whsec_test", IsActive: true}

	d.deliverWithRetries(context.Background(), job{sub: sub, event: testEvent()})

	rows := store.attemptRows()
	if len(rows) != 5 {
		t.Fatalf("expected 5 attempt rows, got %d", len(rows))
	}
	if rows[4].Outcome != database.DeliveryOutcomeExhausted {
		t.Errorf("final outcome = %s, want exhausted", rows[4].Outcome)
	}
	for i := 0; i < 4; i++ {
		if rows[i].Outcome != database.DeliveryOutcomeFailed {
			t.Errorf("attempt %d outcome = %s, want failed", i+1, rows[i].Outcome)
		}
	}
	if requests != 5 {
		t.Errorf("endpoint saw %d requests, want 5", requests)
	}

	dead, err := store.ListExhaustedDeliveries(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListExhaustedDeliveries failed: %v", err)
	}
	if len(dead) != 1 {
		t.Errorf("expected 1 dead-lettered delivery, got %d", len(dead))
	}
}

// TestEnqueueOverflowDeadLetters verifies an event hitting a full delivery
// queue is dead-lettered instead of vanishing; the chain poller advances its
// cursor after enqueueing and relies on this trace for replay.
func TestEnqueueOverflowDeadLetters(t *testing.T) {
	store := newMemStore()
	if err := store.CreateWebhookSubscription(context.Background(), &database.WebhookSubscription{
		ID: "sub-1", Registrant: "acme", URL: "https://example.com/hook", Secret: "whsec_test", IsActive: true,
	}); err != nil {
		t.Fatalf("seeding subscription failed: %v", err)
	}

	// Unbuffered queue, no workers: the send can never proceed.
	d := NewDispatcher(store, Config{Workers: 0, MaxAttempts: 5, MaxPerRegistrant: 10, QueueSize: 0})
	d.Enqueue(testEvent())

	dead, err := store.ListExhaustedDeliveries(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListExhaustedDeliveries failed: %v", err)
	}
	if len(dead) != 1 {
		t.Fatalf("expected 1 dead-lettered delivery, got %d", len(dead))
	}
	if dead[0].AttemptNumber != 0 {
		t.Errorf("overflow row numbered %d, want 0 (no HTTP attempt happened)", dead[0].AttemptNumber)
	}
	if dead[0].EventID != "0xabc:0" {
		t.Errorf("overflow row event id = %s", dead[0].EventID)
	}
}

// TestDeliveryShutdownMarksExhausted verifies shutdown during backoff closes
// the trail with a terminal row on the last real attempt's number, not a
// fabricated next attempt.
func TestDeliveryShutdownMarksExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	store := newMemStore()
	d := testDispatcher(store).WithSleeper(func(ctx context.Context, _ time.Duration) bool { return false })
	sub := database.WebhookSubscription{ID: "sub-1", URL: srv.URL, Secret: "whsec_test", IsActive: true}

	d.deliverWithRetries(context.Background(), job{sub: sub, event: testEvent()})

	rows := store.attemptRows()
	if len(rows) != 2 {
		t.Fatalf("expected 2 attempt rows (failed + terminal marker), got %d", len(rows))
	}
	if rows[0].Outcome != database.DeliveryOutcomeFailed || rows[0].AttemptNumber != 1 {
		t.Errorf("first row = %s/%d, want failed/1", rows[0].Outcome, rows[0].AttemptNumber)
	}
	if rows[1].Outcome != database.DeliveryOutcomeExhausted || rows[1].AttemptNumber != 1 {
		t.Errorf("terminal row = %s/%d, want exhausted/1", rows[1].Outcome, rows[1].AttemptNumber)
	}
}

// TestDeliverySignatureAndHeaders verifies the payload signature and the
// identifying headers receivers depend on.
func TestDeliverySignatureAndHeaders(t *testing.T) {
	type seen struct {
		signature string
		eventType string
		delivery  string
		body      []byte
	}
	got := make(chan seen, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- seen{
			signature: r.Header.Get("X-SRPK-Signature"),
			eventType: r.Header.Get("X-SRPK-Event"),
			delivery:  r.Header.Get("X-SRPK-Delivery"),
			body:      body,
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newMemStore()
	d := testDispatcher(store)
	sub := database.WebhookSubscription{ID: "sub-1", URL: srv.URL, Secret: "whsec_test", IsActive: true}
	event := testEvent()

	d.deliverWithRetries(context.Background(), job{sub: sub, event: event})

	select {
	case s := <-got:
		if s.eventType != string(events.EventLicenseCreated) {
			t.Errorf("X-SRPK-Event = %s", s.eventType)
		}
		if s.delivery != event.ID {
			t.Errorf("X-SRPK-Delivery = %s, want %s", s.delivery, event.ID)
		}
		if want := Sign(sub.Secret, s.body); s.signature != want {
			t.Errorf("signature mismatch: got %s, want %s", s.signature, want)
		}
	default:
		t.Fatal("endpoint never received the delivery")
	}
}

// TestRegisterEnforcesLimit verifies the per-registrant subscription cap.
func TestRegisterEnforcesLimit(t *testing.T) {
	store := newMemStore()
	d := NewDispatcher(store, Config{MaxPerRegistrant: 2, QueueSize: 1})

	req := RegisterRequest{
		Registrant: "acme",
		URL:        "https://example.com/hook",
		Events:     []string{string(events.EventLicenseCreated)},
	}

	for i := 0; i < 2; i++ {
		if _, err := d.Register(context.Background(), req); err != nil {
			t.Fatalf("registration %d failed: %v", i+1, err)
		}
	}

	if _, err := d.Register(context.Background(), req); err == nil {
		t.Fatal("third registration should exceed the cap")
	}
}

// TestRegisterSecretHandling verifies a caller-supplied secret is stored
// as-is and one is generated only when the request omits it.
func TestRegisterSecretHandling(t *testing.T) {
	store := newMemStore()
	d := NewDispatcher(store, Config{MaxPerRegistrant: 10, QueueSize: 1})

	supplied, err := d.Register(context.Background(), RegisterRequest{
		Registrant: "acme",
		URL:        "https://example.com/hook",
		Secret:     "shared-with-receiver",
		Events:     []string{string(events.EventLicenseCreated)},
	})
	if err != nil {
		t.Fatalf("registration with secret failed: %v", err)
	}
	if supplied.Secret != "shared-with-receiver" {
		t.Errorf("caller secret replaced with %q", supplied.Secret)
	}

	generated, err := d.Register(context.Background(), RegisterRequest{
		Registrant: "acme",
		URL:        "https://example.com/hook2",
		Events:     []string{string(events.EventLicenseCreated)},
	})
	if err != nil {
		t.Fatalf("registration without secret failed: %v", err)
	}
	if !strings.HasPrefix(generated.Secret, "whsec_") {
		t.Errorf("generated secret %q missing whsec_ prefix", generated.Secret)
	}
}

// TestRegisterRejectsUnknownEvent verifies event name validation.
func TestRegisterRejectsUnknownEvent(t *testing.T) {
	d := NewDispatcher(newMemStore(), Config{MaxPerRegistrant: 10, QueueSize: 1})

	_, err := d.Register(context.Background(), RegisterRequest{
		Registrant: "acme",
		URL:        "https://example.com/hook",
		Events:     []string{"license.minted"},
	})
	if err == nil {
		t.Fatal("unknown event type should be rejected")
	}
}

// TestRemoveIsSoftDelete verifies removal keeps the subscription row for
// delivery history.
func TestRemoveIsSoftDelete(t *testing.T) {
	store := newMemStore()
	d := NewDispatcher(store, Config{MaxPerRegistrant: 10, QueueSize: 1})

	sub, err := d.Register(context.Background(), RegisterRequest{
		Registrant: "acme",
		URL:        "https://example.com/hook",
		Events:     []string{string(events.EventLicenseCreated)},
	})
	if err != nil {
		t.Fatalf("registration failed: %v", err)
	}

	if err := d.Remove(context.Background(), sub.ID); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	stored, _ := store.GetWebhookSubscription(context.Background(), sub.ID)
	if stored == nil {
		t.Fatal("subscription row should survive removal")
	}
	if stored.IsActive {
		t.Error("removed subscription should be inactive")
	}
}
