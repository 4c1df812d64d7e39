package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CreateWebhookSubscription registers a new subscriber endpoint.
func (r *Repository) CreateWebhookSubscription(ctx context.Context, sub *WebhookSubscription) error {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	sub.IsActive = true
	sub.CreatedAt = time.Now()
	sub.UpdatedAt = sub.CreatedAt

	query := `
	INSERT INTO webhook_subscriptions (id, registrant, url, secret, subscribed_events, is_active, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.db.Pool.Exec(ctx, query,
		sub.ID,
		sub.Registrant,
		sub.URL,
		sub.Secret,
		sub.SubscribedEvents,
		sub.IsActive,
		sub.CreatedAt,
		sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create webhook subscription: %w", err)
	}
	return nil
}

// GetWebhookSubscription retrieves a subscription by id
func (r *Repository) GetWebhookSubscription(ctx context.Context, id string) (*WebhookSubscription, error) {
	query := `
	SELECT id, registrant, url, secret, COALESCE(subscribed_events::text, '[]'), is_active, created_at, updated_at
	FROM webhook_subscriptions
	WHERE id = $1
	`

	var sub WebhookSubscription
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&sub.ID,
		&sub.Registrant,
		&sub.URL,
		&sub.Secret,
		&sub.SubscribedEvents,
		&sub.IsActive,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook subscription: %w", err)
	}

	return &sub, nil
}

// UpdateWebhookSubscription replaces url, secret and subscribed events.
func (r *Repository) UpdateWebhookSubscription(ctx context.Context, sub *WebhookSubscription) error {
	query := `
	UPDATE webhook_subscriptions
	SET url = $2, secret = $3, subscribed_events = $4, updated_at = NOW()
	WHERE id = $1 AND is_active = true
	`

	tag, err := r.db.Pool.Exec(ctx, query, sub.ID, sub.URL, sub.Secret, sub.SubscribedEvents)
	if err != nil {
		return fmt.Errorf("failed to update webhook subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("webhook subscription %s not found or inactive", sub.ID)
	}
	return nil
}

// DeactivateWebhookSubscription soft-deletes a subscription. Rows are never
// removed so delivery_attempts keeps its references.
func (r *Repository) DeactivateWebhookSubscription(ctx context.Context, id string) (bool, error) {
	query := `UPDATE webhook_subscriptions SET is_active = false, updated_at = NOW() WHERE id = $1 AND is_active = true`
	tag, err := r.db.Pool.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to deactivate webhook subscription: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListActiveSubscriptionsForEvent returns active subscriptions whose
// subscribed_events contains the given event type.
func (r *Repository) ListActiveSubscriptionsForEvent(ctx context.Context, eventType string) ([]WebhookSubscription, error) {
	query := `
	SELECT id, registrant, url, secret, COALESCE(subscribed_events::text, '[]'), is_active, created_at, updated_at
	FROM webhook_subscriptions
	WHERE is_active = true AND subscribed_events @> to_jsonb(ARRAY[$1::text])
	`

	rows, err := r.db.Pool.Query(ctx, query, eventType)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions for event: %w", err)
	}
	defer rows.Close()

	var subs []WebhookSubscription
	for rows.Next() {
		var sub WebhookSubscription
		err := rows.Scan(
			&sub.ID,
			&sub.Registrant,
			&sub.URL,
			&sub.Secret,
			&sub.SubscribedEvents,
			&sub.IsActive,
			&sub.CreatedAt,
			&sub.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}

	return subs, nil
}

// CountActiveSubscriptions returns the number of active subscriptions held by
// a registrant, used to cap fan-out cost.
func (r *Repository) CountActiveSubscriptions(ctx context.Context, registrant string) (int, error) {
	var count int
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM webhook_subscriptions WHERE registrant = $1 AND is_active = true`,
		registrant,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count subscriptions: %w", err)
	}
	return count, nil
}

// AppendDeliveryAttempt records one delivery try, success or failure.
func (r *Repository) AppendDeliveryAttempt(ctx context.Context, attempt *DeliveryAttempt) error {
	query := `
	INSERT INTO delivery_attempts (subscription_id, event_id, event_type, payload, attempt_number, outcome, detail, responded_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	RETURNING id
	`

	if attempt.RespondedAt.IsZero() {
		attempt.RespondedAt = time.Now()
	}

	err := r.db.Pool.QueryRow(ctx, query,
		attempt.SubscriptionID,
		attempt.EventID,
		attempt.EventType,
		attempt.Payload,
		attempt.AttemptNumber,
		attempt.Outcome,
		attempt.Detail,
		attempt.RespondedAt,
	).Scan(&attempt.ID)
	if err != nil {
		return fmt.Errorf("failed to append delivery attempt: %w", err)
	}
	return nil
}

// ListDeliveryAttempts returns the delivery audit trail for a subscription.
func (r *Repository) ListDeliveryAttempts(ctx context.Context, subscriptionID string, limit int) ([]DeliveryAttempt, error) {
	query := `
	SELECT id, subscription_id, event_id, event_type, payload::text, attempt_number, outcome, COALESCE(detail, ''), responded_at
	FROM delivery_attempts
	WHERE subscription_id = $1
	ORDER BY id DESC
	LIMIT $2
	`
	return r.queryDeliveryAttempts(ctx, query, subscriptionID, limit)
}

// ListExhaustedDeliveries returns terminally failed deliveries for operator
// review. These are never retried automatically.
func (r *Repository) ListExhaustedDeliveries(ctx context.Context, limit int) ([]DeliveryAttempt, error) {
	query := `
	SELECT id, subscription_id, event_id, event_type, payload::text, attempt_number, outcome, COALESCE(detail, ''), responded_at
	FROM delivery_attempts
	WHERE outcome = $1
	ORDER BY id DESC
	LIMIT $2
	`
	return r.queryDeliveryAttempts(ctx, query, DeliveryOutcomeExhausted, limit)
}

func (r *Repository) queryDeliveryAttempts(ctx context.Context, query string, args ...interface{}) ([]DeliveryAttempt, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list delivery attempts: %w", err)
	}
	defer rows.Close()

	var attempts []DeliveryAttempt
	for rows.Next() {
		var a DeliveryAttempt
		err := rows.Scan(
			&a.ID,
			&a.SubscriptionID,
			&a.EventID,
			&a.EventType,
			&a.Payload,
			&a.AttemptNumber,
			&a.Outcome,
			&a.Detail,
			&a.RespondedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery attempt: %w", err)
		}
		attempts = append(attempts, a)
	}

	return attempts, nil
}
