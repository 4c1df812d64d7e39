// Package webhook delivers licensing events to registered HTTP endpoints
// with signed payloads, bounded retries and a full delivery audit trail.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"srpk-license-server/internal/database"
	"srpk-license-server/internal/events"
	"srpk-license-server/internal/logging"
)

// Store is the persistence surface for subscriptions and the audit log.
type Store interface {
	CreateWebhookSubscription(ctx context.Context, sub *database.WebhookSubscription) error
	GetWebhookSubscription(ctx context.Context, id string) (*database.WebhookSubscription, error)
	UpdateWebhookSubscription(ctx context.Context, sub *database.WebhookSubscription) error
	DeactivateWebhookSubscription(ctx context.Context, id string) (bool, error)
	ListActiveSubscriptionsForEvent(ctx context.Context, eventType string) ([]database.WebhookSubscription, error)
	CountActiveSubscriptions(ctx context.Context, registrant string) (int, error)
	AppendDeliveryAttempt(ctx context.Context, attempt *database.DeliveryAttempt) error
	ListDeliveryAttempts(ctx context.Context, subscriptionID string, limit int) ([]database.DeliveryAttempt, error)
	ListExhaustedDeliveries(ctx context.Context, limit int) ([]database.DeliveryAttempt, error)
}

// Config holds delivery policy.
type Config struct {
	Workers          int
	MaxAttempts      int
	BaseBackoff      time.Duration
	DeliveryTimeout  time.Duration
	MaxPerRegistrant int
	QueueSize        int
}

type job struct {
	sub   database.WebhookSubscription
	event events.Event
}

// Dispatcher fans events out to subscriptions. Delivery failures never
// propagate back to the emitting component; the audit log and dead-letter
// list are the record.
type Dispatcher struct {
	store  Store
	cfg    Config
	client *http.Client
	queue  chan job
	logger zerolog.Logger
	wg     sync.WaitGroup
	sleep  func(ctx context.Context, d time.Duration) bool

	mu      sync.Mutex
	perDest map[string]*sync.Mutex
}

// NewDispatcher creates a webhook dispatcher.
func NewDispatcher(store Store, cfg Config) *Dispatcher {
	return &Dispatcher{
		store:   store,
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.DeliveryTimeout},
		queue:   make(chan job, cfg.QueueSize),
		logger:  logging.WithComponent("webhook"),
		sleep:   sleepCtx,
		perDest: make(map[string]*sync.Mutex),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// WithSleeper overrides the backoff sleeper, for tests.
func (d *Dispatcher) WithSleeper(sleep func(ctx context.Context, d time.Duration) bool) *Dispatcher {
	d.sleep = sleep
	return d
}

// Attach subscribes the dispatcher to every bus event.
func (d *Dispatcher) Attach(bus *events.Bus) {
	bus.SubscribeAll(d.Enqueue)
}

// Start launches the delivery workers.
func (d *Dispatcher) Start(ctx context.Context) {
	for w := 0; w < d.cfg.Workers; w++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	d.logger.Info().Int("workers", d.cfg.Workers).Msg("webhook dispatcher started")
}

// Stop waits for in-flight deliveries to finish. New work is refused once
// the context passed to Start is cancelled.
func (d *Dispatcher) Stop() {
	close(d.queue)
	d.wg.Wait()
	d.logger.Info().Msg("webhook dispatcher stopped")
}

// Enqueue schedules an event for delivery to every matching subscription.
// Runs synchronously on the bus; only the channel send happens here.
func (d *Dispatcher) Enqueue(event events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	subs, err := d.store.ListActiveSubscriptionsForEvent(ctx, string(event.Type))
	if err != nil {
		d.logger.Error().Err(err).Str("event_id", event.ID).Msg("failed to list subscriptions")
		return
	}

	for _, sub := range subs {
		select {
		case d.queue <- job{sub: sub, event: event}:
		default:
			// A full queue must never lose an event without trace: the
			// chain poller advances its cursor after enqueueing, so the
			// drop is dead-lettered for operator replay.
			d.logger.Error().
				Str("event_id", event.ID).
				Str("subscription_id", sub.ID).
				Msg("delivery queue full, dead-lettering")
			d.audit(job{sub: sub, event: event}, 0, database.DeliveryOutcomeExhausted, "delivery queue full, not attempted")
		}
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for j := range d.queue {
		d.deliverWithRetries(ctx, j)
	}
}

// destLock serializes deliveries per subscription so a slow or failing
// endpoint never sees concurrent requests from us.
func (d *Dispatcher) destLock(subID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.perDest[subID]
	if !ok {
		l = &sync.Mutex{}
		d.perDest[subID] = l
	}
	return l
}

// Sign computes the hex HMAC-SHA256 of a payload under a subscription
// secret. Exported so receivers in this codebase (and tests) share one
// implementation.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (d *Dispatcher) deliverWithRetries(ctx context.Context, j job) {
	lock := d.destLock(j.sub.ID)
	lock.Lock()
	defer lock.Unlock()

	payload, err := json.Marshal(j.event)
	if err != nil {
		d.logger.Error().Err(err).Str("event_id", j.event.ID).Msg("failed to marshal event payload")
		return
	}
	signature := Sign(j.sub.Secret, payload)

	backoff := d.cfg.BaseBackoff
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		detail, ok := d.attempt(ctx, j, payload, signature)

		outcome := database.DeliveryOutcomeSuccess
		if !ok {
			outcome = database.DeliveryOutcomeFailed
			if attempt == d.cfg.MaxAttempts {
				outcome = database.DeliveryOutcomeExhausted
			}
		}
		d.audit(j, attempt, outcome, detail)

		if ok {
			return
		}
		if attempt == d.cfg.MaxAttempts {
			d.logger.Error().
				Str("event_id", j.event.ID).
				Str("subscription_id", j.sub.ID).
				Int("attempts", attempt).
				Msg("delivery exhausted, dead-lettered")
			return
		}
		if !d.sleep(ctx, backoff) {
			// Terminal marker keeps the last real attempt's number; no
			// HTTP attempt happens past this point.
			d.audit(j, attempt, database.DeliveryOutcomeExhausted, "shutdown before retry")
			return
		}
		backoff *= 2
	}
}

// attempt performs one HTTP delivery. ok means a 2xx response.
func (d *Dispatcher) attempt(ctx context.Context, j job, payload []byte, signature string) (string, bool) {
	reqCtx, cancel := context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, j.sub.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Sprintf("bad request: %v", err), false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-SRPK-Signature", signature)
	req.Header.Set("X-SRPK-Event", string(j.event.Type))
	req.Header.Set("X-SRPK-Delivery", j.event.ID)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Sprintf("request failed: %v", err), false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return fmt.Sprintf("status %d", resp.StatusCode), true
	}
	return fmt.Sprintf("status %d", resp.StatusCode), false
}

func (d *Dispatcher) audit(j job, attempt int, outcome, detail string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	row := &database.DeliveryAttempt{
		SubscriptionID: j.sub.ID,
		EventID:        j.event.ID,
		EventType:      string(j.event.Type),
		Payload:        mustJSON(j.event),
		AttemptNumber:  attempt,
		Outcome:        outcome,
		Detail:         detail,
		RespondedAt:    time.Now(),
	}
	if err := d.store.AppendDeliveryAttempt(ctx, row); err != nil {
		d.logger.Error().Err(err).
			Str("event_id", j.event.ID).
			Str("subscription_id", j.sub.ID).
			Msg("failed to record delivery attempt")
	}
}

func mustJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
