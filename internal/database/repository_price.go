package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// InsertPriceSample appends an observed exchange rate. Samples are never
// updated or deleted; staleness is decided at read time.
func (r *Repository) InsertPriceSample(ctx context.Context, sample *PriceSample) error {
	query := `
	INSERT INTO price_samples (asset, usd_price, source, observed_at)
	VALUES ($1, $2, $3, $4)
	RETURNING id
	`

	err := r.db.Pool.QueryRow(ctx, query,
		sample.Asset,
		sample.USDPrice,
		sample.Source,
		sample.ObservedAt,
	).Scan(&sample.ID)
	if err != nil {
		return fmt.Errorf("failed to insert price sample: %w", err)
	}
	return nil
}

// LatestPriceSample returns the newest sample for an asset, or nil when the
// asset has never been quoted.
func (r *Repository) LatestPriceSample(ctx context.Context, asset string) (*PriceSample, error) {
	query := `
	SELECT id, asset, usd_price, source, observed_at
	FROM price_samples
	WHERE asset = $1
	ORDER BY observed_at DESC
	LIMIT 1
	`

	var sample PriceSample
	err := r.db.Pool.QueryRow(ctx, query, asset).Scan(
		&sample.ID,
		&sample.Asset,
		&sample.USDPrice,
		&sample.Source,
		&sample.ObservedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest price sample: %w", err)
	}

	return &sample, nil
}
