package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrAlreadyIssued reports that a license already exists for the payment
// claim, either because the claim is no longer in the verified state or
// because the unique tx_hash constraint fired. The caller should fetch and
// return the existing license.
var ErrAlreadyIssued = errors.New("license already issued for this transaction")

const pgUniqueViolation = "23505"

// IssueLicense persists a license and flips the backing claim to credited in
// one transaction. The claim row is the atomic check-and-claim: only the
// writer that moves it verified->credited gets to insert. The storage-level
// UNIQUE constraints back this up across instances and crashes.
func (r *Repository) IssueLicense(ctx context.Context, license *License) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin issuance transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	claimUpdate := `
	UPDATE payment_claims
	SET status = $2, updated_at = NOW()
	WHERE tx_hash = $1 AND status = $3
	`

	tag, err := tx.Exec(ctx, claimUpdate, license.TxHash, ClaimStatusCredited, ClaimStatusVerified)
	if err != nil {
		return fmt.Errorf("failed to credit payment claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyIssued
	}

	insert := `
	INSERT INTO licenses (id, license_key, tx_hash, buyer_email, product_code, features, issued_at, expires_at, is_active)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, true)
	`

	_, err = tx.Exec(ctx, insert,
		license.ID,
		license.LicenseKey,
		license.TxHash,
		license.BuyerEmail,
		license.ProductCode,
		license.Features,
		license.IssuedAt,
		license.ExpiresAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrAlreadyIssued
		}
		return fmt.Errorf("failed to insert license: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit issuance: %w", err)
	}

	license.IsActive = true
	return nil
}

// GetLicenseByKey retrieves a license by its key
func (r *Repository) GetLicenseByKey(ctx context.Context, key string) (*License, error) {
	return r.getLicense(ctx, "license_key", key)
}

// GetLicenseByTxHash retrieves the license issued for a payment claim
func (r *Repository) GetLicenseByTxHash(ctx context.Context, txHash string) (*License, error) {
	return r.getLicense(ctx, "tx_hash", txHash)
}

func (r *Repository) getLicense(ctx context.Context, column, value string) (*License, error) {
	query := fmt.Sprintf(`
	SELECT id, license_key, tx_hash, buyer_email, product_code, COALESCE(features::text, '[]'),
	       issued_at, expires_at, is_active, validation_count, last_validated, created_at, updated_at
	FROM licenses
	WHERE %s = $1
	`, column)

	var license License
	err := r.db.Pool.QueryRow(ctx, query, value).Scan(
		&license.ID,
		&license.LicenseKey,
		&license.TxHash,
		&license.BuyerEmail,
		&license.ProductCode,
		&license.Features,
		&license.IssuedAt,
		&license.ExpiresAt,
		&license.IsActive,
		&license.ValidationCount,
		&license.LastValidated,
		&license.CreatedAt,
		&license.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get license by %s: %w", column, err)
	}

	return &license, nil
}

// RecordValidation increments the validation counter and stamps last_validated.
func (r *Repository) RecordValidation(ctx context.Context, key string, at time.Time) error {
	query := `
	UPDATE licenses
	SET validation_count = validation_count + 1, last_validated = $2, updated_at = NOW()
	WHERE license_key = $1
	`
	_, err := r.db.Pool.Exec(ctx, query, key, at)
	if err != nil {
		return fmt.Errorf("failed to record validation: %w", err)
	}
	return nil
}

// RevokeLicense deactivates a license. Returns false if the key is unknown or
// the license was already inactive.
func (r *Repository) RevokeLicense(ctx context.Context, key string) (bool, error) {
	query := `UPDATE licenses SET is_active = false, updated_at = NOW() WHERE license_key = $1 AND is_active = true`
	tag, err := r.db.Pool.Exec(ctx, query, key)
	if err != nil {
		return false, fmt.Errorf("failed to revoke license: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListLicenses retrieves licenses ordered by issue time, newest first.
func (r *Repository) ListLicenses(ctx context.Context, activeOnly bool, limit, offset int) ([]License, error) {
	query := `
	SELECT id, license_key, tx_hash, buyer_email, product_code, COALESCE(features::text, '[]'),
	       issued_at, expires_at, is_active, validation_count, last_validated, created_at, updated_at
	FROM licenses
	WHERE ($1 = false OR is_active = true)
	ORDER BY issued_at DESC
	LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool.Query(ctx, query, activeOnly, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list licenses: %w", err)
	}
	defer rows.Close()

	var licenses []License
	for rows.Next() {
		var license License
		err := rows.Scan(
			&license.ID,
			&license.LicenseKey,
			&license.TxHash,
			&license.BuyerEmail,
			&license.ProductCode,
			&license.Features,
			&license.IssuedAt,
			&license.ExpiresAt,
			&license.IsActive,
			&license.ValidationCount,
			&license.LastValidated,
			&license.CreatedAt,
			&license.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan license: %w", err)
		}
		licenses = append(licenses, license)
	}

	return licenses, nil
}

// GetLicenseStats returns aggregate license counts for the admin tooling.
func (r *Repository) GetLicenseStats(ctx context.Context) (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	byProduct := make(map[string]map[string]int)
	rows, err := r.db.Pool.Query(ctx, `
	SELECT product_code, COUNT(*), SUM(CASE WHEN is_active THEN 1 ELSE 0 END)
	FROM licenses
	GROUP BY product_code
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to get license stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var product string
		var count, active int
		if err := rows.Scan(&product, &count, &active); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}
		byProduct[product] = map[string]int{"total": count, "active": active}
	}
	stats["by_product"] = byProduct

	var total, totalActive int
	if err := r.db.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM licenses").Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to get total: %w", err)
	}
	if err := r.db.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM licenses WHERE is_active = true").Scan(&totalActive); err != nil {
		return nil, fmt.Errorf("failed to get total active: %w", err)
	}
	stats["total"] = total
	stats["total_active"] = totalActive

	return stats, nil
}
