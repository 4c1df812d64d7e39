package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// GetChainCursor returns the cursor for a network, or nil when the network
// has never been polled.
func (r *Repository) GetChainCursor(ctx context.Context, network string) (*ChainCursor, error) {
	query := `
	SELECT network, last_processed_block, updated_at
	FROM chain_cursors
	WHERE network = $1
	`

	var cursor ChainCursor
	err := r.db.Pool.QueryRow(ctx, query, network).Scan(
		&cursor.Network,
		&cursor.LastProcessedBlock,
		&cursor.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chain cursor: %w", err)
	}

	return &cursor, nil
}

// AdvanceChainCursor moves the cursor forward. The WHERE guard keeps the
// value monotonic under the single-writer poller; a rollback after a detected
// reorg goes through ResetChainCursor instead.
func (r *Repository) AdvanceChainCursor(ctx context.Context, network string, block int64) error {
	query := `
	INSERT INTO chain_cursors (network, last_processed_block, updated_at)
	VALUES ($1, $2, NOW())
	ON CONFLICT (network) DO UPDATE
	SET last_processed_block = EXCLUDED.last_processed_block, updated_at = NOW()
	WHERE chain_cursors.last_processed_block < EXCLUDED.last_processed_block
	`

	_, err := r.db.Pool.Exec(ctx, query, network, block)
	if err != nil {
		return fmt.Errorf("failed to advance chain cursor: %w", err)
	}
	return nil
}

// ResetChainCursor rewinds the cursor after a detected reorg.
func (r *Repository) ResetChainCursor(ctx context.Context, network string, block int64) error {
	query := `
	INSERT INTO chain_cursors (network, last_processed_block, updated_at)
	VALUES ($1, $2, NOW())
	ON CONFLICT (network) DO UPDATE
	SET last_processed_block = EXCLUDED.last_processed_block, updated_at = NOW()
	`

	_, err := r.db.Pool.Exec(ctx, query, network, block)
	if err != nil {
		return fmt.Errorf("failed to reset chain cursor: %w", err)
	}
	return nil
}
