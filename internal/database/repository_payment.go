package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// CreatePaymentClaim inserts a claim for a transaction hash. If a claim for
// the same tx_hash already exists the stored row is returned instead; the
// tx_hash primary key is what makes repeated verification calls idempotent.
func (r *Repository) CreatePaymentClaim(ctx context.Context, claim *PaymentClaim) (*PaymentClaim, bool, error) {
	query := `
	INSERT INTO payment_claims (tx_hash, network, asset, claimed_amount, payer_address, product_code, buyer_email, status)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (tx_hash) DO NOTHING
	RETURNING created_at, updated_at
	`

	err := r.db.Pool.QueryRow(ctx, query,
		claim.TxHash,
		claim.Network,
		claim.Asset,
		claim.ClaimedAmount,
		claim.PayerAddress,
		claim.ProductCode,
		claim.BuyerEmail,
		ClaimStatusPending,
	).Scan(&claim.CreatedAt, &claim.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		existing, err := r.GetPaymentClaim(ctx, claim.TxHash)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to create payment claim: %w", err)
	}

	claim.Status = ClaimStatusPending
	return claim, true, nil
}

// GetPaymentClaim retrieves a claim by transaction hash
func (r *Repository) GetPaymentClaim(ctx context.Context, txHash string) (*PaymentClaim, error) {
	query := `
	SELECT tx_hash, network, asset, claimed_amount, COALESCE(payer_address, ''), product_code,
	       buyer_email, status, COALESCE(reason_code, ''), block_number, created_at, updated_at
	FROM payment_claims
	WHERE tx_hash = $1
	`

	var claim PaymentClaim
	err := r.db.Pool.QueryRow(ctx, query, txHash).Scan(
		&claim.TxHash,
		&claim.Network,
		&claim.Asset,
		&claim.ClaimedAmount,
		&claim.PayerAddress,
		&claim.ProductCode,
		&claim.BuyerEmail,
		&claim.Status,
		&claim.ReasonCode,
		&claim.BlockNumber,
		&claim.CreatedAt,
		&claim.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment claim: %w", err)
	}

	return &claim, nil
}

// TransitionClaimStatus moves a claim from one status to another as a
// compare-and-swap. Returns false when the claim was not in fromStatus, which
// is how concurrent verifiers detect they lost.
func (r *Repository) TransitionClaimStatus(ctx context.Context, txHash, fromStatus, toStatus, reasonCode string) (bool, error) {
	query := `
	UPDATE payment_claims
	SET status = $3, reason_code = NULLIF($4, ''), updated_at = NOW()
	WHERE tx_hash = $1 AND status = $2
	`

	tag, err := r.db.Pool.Exec(ctx, query, txHash, fromStatus, toStatus, reasonCode)
	if err != nil {
		return false, fmt.Errorf("failed to transition claim %s -> %s: %w", fromStatus, toStatus, err)
	}

	return tag.RowsAffected() == 1, nil
}

// SetClaimConfirmed records the block number alongside the pending->confirmed
// transition.
func (r *Repository) SetClaimConfirmed(ctx context.Context, txHash string, blockNumber int64) (bool, error) {
	query := `
	UPDATE payment_claims
	SET status = $2, block_number = $3, updated_at = NOW()
	WHERE tx_hash = $1 AND status = $4
	`

	tag, err := r.db.Pool.Exec(ctx, query, txHash, ClaimStatusConfirmed, blockNumber, ClaimStatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to confirm claim: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}
