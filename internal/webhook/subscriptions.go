package webhook

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"

	"srpk-license-server/internal/database"
	"srpk-license-server/internal/events"
)

// ErrSubscriptionLimit means the registrant already holds the maximum number
// of active subscriptions.
var ErrSubscriptionLimit = errors.New("active subscription limit reached")

// ErrSubscriptionNotFound is returned for unknown or removed subscriptions.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// RegisterRequest is the inbound shape for creating a subscription. Secret
// is optional; one is generated when absent.
type RegisterRequest struct {
	Registrant string   `json:"registrant" binding:"required"`
	URL        string   `json:"url" binding:"required"`
	Secret     string   `json:"secret"`
	Events     []string `json:"events" binding:"required"`
}

func validateTarget(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid webhook url %q", raw)
	}
	return nil
}

func validateEvents(names []string) error {
	if len(names) == 0 {
		return fmt.Errorf("at least one event type required")
	}
	for _, n := range names {
		if !events.IsKnownType(n) {
			return fmt.Errorf("unknown event type %q", n)
		}
	}
	return nil
}

// newSecret generates the per-subscription signing secret. It is returned
// exactly once, at registration.
func newSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate webhook secret: %w", err)
	}
	return "whsec_" + hex.EncodeToString(buf), nil
}

// Register creates a subscription, enforcing the per-registrant cap. The
// caller's secret is used when supplied; a generated one is returned exactly
// once and never shown again.
func (d *Dispatcher) Register(ctx context.Context, req RegisterRequest) (*database.WebhookSubscription, error) {
	if err := validateTarget(req.URL); err != nil {
		return nil, err
	}
	if err := validateEvents(req.Events); err != nil {
		return nil, err
	}

	count, err := d.store.CountActiveSubscriptions(ctx, req.Registrant)
	if err != nil {
		return nil, err
	}
	if count >= d.cfg.MaxPerRegistrant {
		return nil, fmt.Errorf("%w: %d active", ErrSubscriptionLimit, count)
	}

	secret := req.Secret
	if secret == "" {
		secret, err = newSecret()
		if err != nil {
			return nil, err
		}
	}

	sub := &database.WebhookSubscription{
		Registrant:       req.Registrant,
		URL:              req.URL,
		Secret:           secret,
		SubscribedEvents: database.FeaturesToJSON(req.Events),
		IsActive:         true,
	}
	if err := d.store.CreateWebhookSubscription(ctx, sub); err != nil {
		return nil, err
	}

	d.logger.Info().Str("subscription_id", sub.ID).Str("registrant", req.Registrant).Msg("webhook registered")
	return sub, nil
}

// Update changes the target URL and/or event set of an active subscription.
func (d *Dispatcher) Update(ctx context.Context, id string, targetURL string, eventNames []string) (*database.WebhookSubscription, error) {
	sub, err := d.store.GetWebhookSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub == nil || !sub.IsActive {
		return nil, ErrSubscriptionNotFound
	}

	if targetURL != "" {
		if err := validateTarget(targetURL); err != nil {
			return nil, err
		}
		sub.URL = targetURL
	}
	if len(eventNames) > 0 {
		if err := validateEvents(eventNames); err != nil {
			return nil, err
		}
		sub.SubscribedEvents = database.FeaturesToJSON(eventNames)
	}

	if err := d.store.UpdateWebhookSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Remove soft-deletes a subscription. History stays queryable.
func (d *Dispatcher) Remove(ctx context.Context, id string) error {
	ok, err := d.store.DeactivateWebhookSubscription(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrSubscriptionNotFound
	}
	d.logger.Info().Str("subscription_id", id).Msg("webhook removed")
	return nil
}

// Deliveries returns the audit trail for a subscription, newest first.
func (d *Dispatcher) Deliveries(ctx context.Context, id string, limit int) ([]database.DeliveryAttempt, error) {
	return d.store.ListDeliveryAttempts(ctx, id, limit)
}

// DeadLetters returns exhausted deliveries across all subscriptions.
func (d *Dispatcher) DeadLetters(ctx context.Context, limit int) ([]database.DeliveryAttempt, error) {
	return d.store.ListExhaustedDeliveries(ctx, limit)
}
