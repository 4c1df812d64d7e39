// Package issuer turns verified payment claims into licenses and answers
// validation and revocation requests.
package issuer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"srpk-license-server/internal/database"
	"srpk-license-server/internal/events"
	"srpk-license-server/internal/logging"
	"srpk-license-server/internal/product"
)

// ErrIssuanceConflict means another issuance for the same transaction won
// the race. The returned license is the winner's; callers treat this as a
// successful (idempotent) outcome.
var ErrIssuanceConflict = errors.New("license already issued for transaction")

// ErrNotEligible means the claim is not in the verified state.
var ErrNotEligible = errors.New("claim is not eligible for issuance")

// ErrLicenseNotFound is returned by Revoke for unknown keys.
var ErrLicenseNotFound = errors.New("license not found")

// Store is the persistence surface the issuer needs.
type Store interface {
	IssueLicense(ctx context.Context, license *database.License) error
	GetLicenseByKey(ctx context.Context, key string) (*database.License, error)
	GetLicenseByTxHash(ctx context.Context, txHash string) (*database.License, error)
	RecordValidation(ctx context.Context, key string, at time.Time) error
	RevokeLicense(ctx context.Context, key string) (bool, error)
}

// Mailer delivers the license to the buyer. Delivery is best-effort and
// never blocks or fails issuance.
type Mailer interface {
	SendLicenseEmail(ctx context.Context, license *database.License, token string) error
}

// Config holds issuance policy.
type Config struct {
	TermDays      int
	SigningSecret string
	JWTSecret     string
}

// ValidationResult is the answer to a license validity check.
type ValidationResult struct {
	IsValid       bool      `json:"is_valid"`
	LicenseKey    string    `json:"license_key,omitempty"`
	ProductCode   string    `json:"product_code,omitempty"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
	DaysRemaining int       `json:"days_remaining"`
	Features      []string  `json:"features,omitempty"`
}

// Issuer issues, validates and revokes licenses.
type Issuer struct {
	store  Store
	bus    *events.Bus
	mailer Mailer // optional
	cfg    Config
	now    func() time.Time
	logger zerolog.Logger
}

// New creates a license issuer. mailer may be nil.
func New(store Store, bus *events.Bus, mailer Mailer, cfg Config) *Issuer {
	return &Issuer{
		store:  store,
		bus:    bus,
		mailer: mailer,
		cfg:    cfg,
		now:    time.Now,
		logger: logging.WithComponent("issuer"),
	}
}

// WithClock overrides the time source, for tests.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

// Issue creates a license for a verified claim. The claim status flip
// verified -> credited and the license insert share one transaction in the
// store, so exactly one license can ever exist per transaction hash. Losing
// the race returns the winner's license with ErrIssuanceConflict.
func (i *Issuer) Issue(ctx context.Context, claim *database.PaymentClaim) (*database.License, error) {
	if claim.Status != database.ClaimStatusVerified {
		if claim.Status == database.ClaimStatusCredited {
			return i.existingFor(ctx, claim.TxHash)
		}
		return nil, fmt.Errorf("%w: claim %s is %s", ErrNotEligible, claim.TxHash, claim.Status)
	}

	prod, ok := product.Get(claim.ProductCode)
	if !ok {
		return nil, fmt.Errorf("unknown product %s on claim %s", claim.ProductCode, claim.TxHash)
	}

	termDays := i.cfg.TermDays
	if termDays <= 0 {
		termDays = prod.TermDays
	}

	issuedAt := i.now()
	license := &database.License{
		ID:          uuid.New().String(),
		LicenseKey:  nextKey(claim.TxHash, i.cfg.SigningSecret),
		TxHash:      claim.TxHash,
		BuyerEmail:  claim.BuyerEmail,
		ProductCode: claim.ProductCode,
		Features:    database.FeaturesToJSON(prod.Features),
		IssuedAt:    issuedAt,
		ExpiresAt:   issuedAt.AddDate(0, 0, termDays),
		IsActive:    true,
	}

	err := i.store.IssueLicense(ctx, license)
	if errors.Is(err, database.ErrAlreadyIssued) {
		return i.existingFor(ctx, claim.TxHash)
	}
	if err != nil {
		return nil, err
	}

	i.logger.Info().
		Str("license_key", license.LicenseKey).
		Str("tx_hash", license.TxHash).
		Str("product", license.ProductCode).
		Time("expires_at", license.ExpiresAt).
		Msg("license issued")

	// Events and mail only after the transaction committed.
	i.bus.PublishLicenseCreated(license.ID, license.LicenseKey, license.TxHash,
		license.BuyerEmail, license.ProductCode, license.ExpiresAt)

	if i.mailer != nil {
		token, terr := i.Token(license)
		if terr != nil {
			token = ""
		}
		if merr := i.mailer.SendLicenseEmail(ctx, license, token); merr != nil {
			i.logger.Warn().Err(merr).Str("license_key", license.LicenseKey).Msg("license email failed")
		}
	}

	return license, nil
}

// existingFor loads the winner's license for a credited transaction.
func (i *Issuer) existingFor(ctx context.Context, txHash string) (*database.License, error) {
	existing, err := i.store.GetLicenseByTxHash(ctx, txHash)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("claim %s credited but no license found", txHash)
	}
	return existing, ErrIssuanceConflict
}

// Validate answers whether a key is currently valid and records the check.
func (i *Issuer) Validate(ctx context.Context, key string) (ValidationResult, error) {
	license, err := i.store.GetLicenseByKey(ctx, key)
	if err != nil {
		return ValidationResult{}, err
	}
	if license == nil {
		return ValidationResult{IsValid: false}, nil
	}

	now := i.now()
	valid := license.IsActive && now.Before(license.ExpiresAt)

	if err := i.store.RecordValidation(ctx, key, now); err != nil {
		i.logger.Warn().Err(err).Str("license_key", key).Msg("failed to record validation")
	}

	res := ValidationResult{
		IsValid:     valid,
		LicenseKey:  license.LicenseKey,
		ProductCode: license.ProductCode,
		ExpiresAt:   license.ExpiresAt,
		Features:    database.JSONToFeatures(license.Features),
	}
	if valid {
		res.DaysRemaining = int(license.ExpiresAt.Sub(now).Hours() / 24)
	}
	return res, nil
}

// Revoke deactivates a license. revokedBy identifies the authorized actor
// and travels on the emitted event.
func (i *Issuer) Revoke(ctx context.Context, key, revokedBy string) error {
	ok, err := i.store.RevokeLicense(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLicenseNotFound
	}

	i.logger.Info().Str("license_key", key).Str("revoked_by", revokedBy).Msg("license revoked")
	i.bus.PublishLicenseRevoked(key, revokedBy)
	return nil
}
