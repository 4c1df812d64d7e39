package database

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentClaim status values. A claim is immutable once credited or rejected.
const (
	ClaimStatusPending   = "pending"
	ClaimStatusConfirmed = "confirmed"
	ClaimStatusVerified  = "verified"
	ClaimStatusRejected  = "rejected"
	ClaimStatusCredited  = "credited"
)

// Delivery attempt outcomes
const (
	DeliveryOutcomeSuccess   = "success"
	DeliveryOutcomeFailed    = "failed"
	DeliveryOutcomeExhausted = "exhausted"
)

// PaymentClaim represents one claimed on-chain payment. tx_hash is the
// idempotency key: the same transaction can never be credited twice.
type PaymentClaim struct {
	TxHash        string          `json:"tx_hash" db:"tx_hash"`
	Network       string          `json:"network" db:"network"`
	Asset         string          `json:"asset" db:"asset"`
	ClaimedAmount decimal.Decimal `json:"claimed_amount" db:"claimed_amount"`
	PayerAddress  string          `json:"payer_address" db:"payer_address"`
	ProductCode   string          `json:"product_code" db:"product_code"`
	BuyerEmail    string          `json:"buyer_email" db:"buyer_email"`
	Status        string          `json:"status" db:"status"`
	ReasonCode    string          `json:"reason_code,omitempty" db:"reason_code"`
	BlockNumber   *int64          `json:"block_number,omitempty" db:"block_number"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// License represents an issued license. Exactly one license exists per
// credited payment claim (UNIQUE tx_hash).
type License struct {
	ID              string     `json:"id" db:"id"`
	LicenseKey      string     `json:"license_key" db:"license_key"`
	TxHash          string     `json:"tx_hash" db:"tx_hash"`
	BuyerEmail      string     `json:"buyer_email" db:"buyer_email"`
	ProductCode     string     `json:"product_code" db:"product_code"`
	Features        string     `json:"features" db:"features"` // JSON array
	IssuedAt        time.Time  `json:"issued_at" db:"issued_at"`
	ExpiresAt       time.Time  `json:"expires_at" db:"expires_at"`
	IsActive        bool       `json:"is_active" db:"is_active"`
	ValidationCount int64      `json:"validation_count" db:"validation_count"`
	LastValidated   *time.Time `json:"last_validated,omitempty" db:"last_validated"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// PriceSample is an append-only record of an observed exchange rate.
type PriceSample struct {
	ID         int64           `json:"id" db:"id"`
	Asset      string          `json:"asset" db:"asset"`
	USDPrice   decimal.Decimal `json:"usd_price" db:"usd_price"`
	Source     string          `json:"source" db:"source"`
	ObservedAt time.Time       `json:"observed_at" db:"observed_at"`
}

// WebhookSubscription is soft-deleted (is_active=false) so delivery history
// keeps referential integrity.
type WebhookSubscription struct {
	ID               string    `json:"id" db:"id"`
	Registrant       string    `json:"registrant" db:"registrant"`
	URL              string    `json:"url" db:"url"`
	Secret           string    `json:"-" db:"secret"`
	SubscribedEvents string    `json:"subscribed_events" db:"subscribed_events"` // JSON array
	IsActive         bool      `json:"is_active" db:"is_active"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
}

// DeliveryAttempt is one row per webhook delivery try, success or not.
type DeliveryAttempt struct {
	ID             int64     `json:"id" db:"id"`
	SubscriptionID string    `json:"subscription_id" db:"subscription_id"`
	EventID        string    `json:"event_id" db:"event_id"`
	EventType      string    `json:"event_type" db:"event_type"`
	Payload        string    `json:"payload" db:"payload"`
	AttemptNumber  int       `json:"attempt_number" db:"attempt_number"`
	Outcome        string    `json:"outcome" db:"outcome"`
	Detail         string    `json:"detail,omitempty" db:"detail"`
	RespondedAt    time.Time `json:"responded_at" db:"responded_at"`
}

// ChainCursor tracks the last safely processed block per network.
type ChainCursor struct {
	Network            string    `json:"network" db:"network"`
	LastProcessedBlock int64     `json:"last_processed_block" db:"last_processed_block"`
	UpdatedAt          time.Time `json:"updated_at" db:"updated_at"`
}
