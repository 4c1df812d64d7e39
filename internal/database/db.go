package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"srpk-license-server/internal/logging"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB creates a new database connection
func NewDB(cfg Config) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	logger := logging.WithComponent("database")
	logger.Info().Str("database", cfg.Database).Msg("connected to PostgreSQL")

	return &DB{Pool: pool}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		logger := logging.WithComponent("database")
		logger.Info().Msg("database connection closed")
	}
}

// RunMigrations creates the schema. Uniqueness of tx_hash and license_key is
// enforced here, not in application code, so idempotency survives crashes and
// multi-instance deployments.
func (db *DB) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS payment_claims (
			tx_hash VARCHAR(66) PRIMARY KEY,
			network VARCHAR(20) NOT NULL,
			asset VARCHAR(10) NOT NULL,
			claimed_amount NUMERIC(38, 18) NOT NULL,
			payer_address VARCHAR(42),
			product_code VARCHAR(50) NOT NULL,
			buyer_email VARCHAR(255) NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'pending',
			reason_code VARCHAR(40),
			block_number BIGINT,
			created_at TIMESTAMP DEFAULT NOW(),
			updated_at TIMESTAMP DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payment_claims_status ON payment_claims(status)`,
		`CREATE INDEX IF NOT EXISTS idx_payment_claims_email ON payment_claims(buyer_email)`,

		`CREATE TABLE IF NOT EXISTS licenses (
			id UUID PRIMARY KEY,
			license_key VARCHAR(20) UNIQUE NOT NULL,
			tx_hash VARCHAR(66) UNIQUE NOT NULL REFERENCES payment_claims(tx_hash),
			buyer_email VARCHAR(255) NOT NULL,
			product_code VARCHAR(50) NOT NULL,
			features JSONB DEFAULT '[]',
			issued_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			is_active BOOLEAN DEFAULT true,
			validation_count BIGINT DEFAULT 0,
			last_validated TIMESTAMP,
			created_at TIMESTAMP DEFAULT NOW(),
			updated_at TIMESTAMP DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_licenses_key ON licenses(license_key)`,
		`CREATE INDEX IF NOT EXISTS idx_licenses_email ON licenses(buyer_email)`,

		`CREATE TABLE IF NOT EXISTS price_samples (
			id BIGSERIAL PRIMARY KEY,
			asset VARCHAR(10) NOT NULL,
			usd_price NUMERIC(20, 8) NOT NULL,
			source VARCHAR(100) NOT NULL,
			observed_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_price_samples_asset_time ON price_samples(asset, observed_at DESC)`,

		`CREATE TABLE IF NOT EXISTS webhook_subscriptions (
			id UUID PRIMARY KEY,
			registrant VARCHAR(255) NOT NULL,
			url TEXT NOT NULL,
			secret TEXT NOT NULL,
			subscribed_events JSONB NOT NULL DEFAULT '[]',
			is_active BOOLEAN DEFAULT true,
			created_at TIMESTAMP DEFAULT NOW(),
			updated_at TIMESTAMP DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_subs_active ON webhook_subscriptions(is_active)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_subs_registrant ON webhook_subscriptions(registrant)`,

		`CREATE TABLE IF NOT EXISTS delivery_attempts (
			id BIGSERIAL PRIMARY KEY,
			subscription_id UUID NOT NULL REFERENCES webhook_subscriptions(id),
			event_id VARCHAR(100) NOT NULL,
			event_type VARCHAR(50) NOT NULL,
			payload JSONB NOT NULL,
			attempt_number INTEGER NOT NULL,
			outcome VARCHAR(20) NOT NULL,
			detail TEXT,
			responded_at TIMESTAMP DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_delivery_attempts_sub ON delivery_attempts(subscription_id)`,
		`CREATE INDEX IF NOT EXISTS idx_delivery_attempts_event ON delivery_attempts(event_id)`,
		`CREATE INDEX IF NOT EXISTS idx_delivery_attempts_outcome ON delivery_attempts(outcome)`,

		`CREATE TABLE IF NOT EXISTS chain_cursors (
			network VARCHAR(20) PRIMARY KEY,
			last_processed_block BIGINT NOT NULL,
			updated_at TIMESTAMP DEFAULT NOW()
		)`,
	}

	for _, m := range migrations {
		if _, err := db.Pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}
