// Package verifier checks claimed on-chain payments against the chain and
// the price oracle, and owns the payment claim state machine.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"srpk-license-server/internal/chain"
	"srpk-license-server/internal/database"
	"srpk-license-server/internal/events"
	"srpk-license-server/internal/logging"
	"srpk-license-server/internal/pricing"
	"srpk-license-server/internal/product"
)

// ReasonCode classifies why a claim was rejected or cannot proceed yet.
type ReasonCode string

const (
	ReasonTransactionNotFound ReasonCode = "TRANSACTION_NOT_FOUND"
	ReasonTransactionReverted ReasonCode = "TRANSACTION_REVERTED"
	ReasonPendingConfirmation ReasonCode = "PENDING_CONFIRMATION"
	ReasonWrongRecipient      ReasonCode = "WRONG_RECIPIENT"
	ReasonWrongAsset          ReasonCode = "WRONG_ASSET"
	ReasonAmountMismatch      ReasonCode = "AMOUNT_MISMATCH"
	ReasonPriceUnavailable    ReasonCode = "PRICE_UNAVAILABLE"
)

// ErrUnknownProduct means the request named a product code that is not in
// the catalog. The claim is never created in that case.
var ErrUnknownProduct = errors.New("unknown product code")

// Request is one verification attempt for a transaction hash.
type Request struct {
	TxHash        string
	Network       string
	Asset         string
	ClaimedAmount decimal.Decimal
	ProductCode   string
	BuyerEmail    string
}

// Result is the outcome of a verification pass. Status mirrors the stored
// claim status, with "pending" covering both unconfirmed and unfound
// transactions so the buyer simply retries.
type Result struct {
	Status        string
	ReasonCode    ReasonCode
	Confirmations uint64
	Claim         *database.PaymentClaim
}

// Terminal reports whether the claim will never change again.
func (r Result) Terminal() bool {
	return r.Status == database.ClaimStatusRejected || r.Status == database.ClaimStatusCredited
}

// ChainReader is the chain access the verifier needs.
type ChainReader interface {
	Transaction(ctx context.Context, txHash string) (*types.Transaction, error)
	Receipt(ctx context.Context, txHash string) (*types.Receipt, error)
	Confirmations(ctx context.Context, receipt *types.Receipt) (uint64, error)
}

// PriceOracle converts the product's USD price into an acceptance band.
type PriceOracle interface {
	RequiredAmount(ctx context.Context, asset string, usdTarget decimal.Decimal) (pricing.Band, error)
}

// ClaimStore is the persistence surface for payment claims.
type ClaimStore interface {
	CreatePaymentClaim(ctx context.Context, claim *database.PaymentClaim) (*database.PaymentClaim, bool, error)
	GetPaymentClaim(ctx context.Context, txHash string) (*database.PaymentClaim, error)
	TransitionClaimStatus(ctx context.Context, txHash, fromStatus, toStatus, reasonCode string) (bool, error)
	SetClaimConfirmed(ctx context.Context, txHash string, blockNumber int64) (bool, error)
}

// Config holds verification policy.
type Config struct {
	MerchantWallet   string
	ChainID          int64
	MinConfirmations uint64
}

// Verifier drives claims through pending -> confirmed -> verified/rejected.
// The verified -> credited flip belongs to the issuer's transaction.
type Verifier struct {
	chain    ChainReader
	oracle   PriceOracle
	store    ClaimStore
	registry *chain.Registry
	bus      *events.Bus
	cfg      Config
	merchant common.Address
	logger   zerolog.Logger
}

// New creates a transaction verifier.
func New(reader ChainReader, oracle PriceOracle, store ClaimStore, registry *chain.Registry, bus *events.Bus, cfg Config) *Verifier {
	return &Verifier{
		chain:    reader,
		oracle:   oracle,
		store:    store,
		registry: registry,
		bus:      bus,
		cfg:      cfg,
		merchant: common.HexToAddress(cfg.MerchantWallet),
		logger:   logging.WithComponent("verifier"),
	}
}

// Verify runs one verification pass. Re-entrant: a claim in a terminal state
// returns its stored result without touching the chain, so repeated calls
// with the same txHash are harmless and cheap.
func (v *Verifier) Verify(ctx context.Context, req Request) (Result, error) {
	if _, ok := product.Get(req.ProductCode); !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownProduct, req.ProductCode)
	}
	if _, ok := v.registry.BySymbol(req.Asset); !ok {
		return Result{}, fmt.Errorf("unsupported asset %s", req.Asset)
	}

	claim, created, err := v.store.CreatePaymentClaim(ctx, &database.PaymentClaim{
		TxHash:        strings.ToLower(req.TxHash),
		Network:       req.Network,
		Asset:         strings.ToUpper(req.Asset),
		ClaimedAmount: req.ClaimedAmount,
		ProductCode:   req.ProductCode,
		BuyerEmail:    req.BuyerEmail,
	})
	if err != nil {
		return Result{}, err
	}

	// Terminal claims short-circuit. This is also the duplicate-submission
	// path: the original outcome is re-returned regardless of the payload
	// the duplicate carried.
	switch claim.Status {
	case database.ClaimStatusRejected:
		return Result{Status: claim.Status, ReasonCode: ReasonCode(claim.ReasonCode), Claim: claim}, nil
	case database.ClaimStatusCredited, database.ClaimStatusVerified:
		return Result{Status: claim.Status, Claim: claim}, nil
	}
	if !created {
		v.logger.Debug().Str("tx_hash", claim.TxHash).Str("status", claim.Status).Msg("re-verifying existing claim")
	}

	return v.verifyOnChain(ctx, claim)
}

func (v *Verifier) verifyOnChain(ctx context.Context, claim *database.PaymentClaim) (Result, error) {
	receipt, err := v.chain.Receipt(ctx, claim.TxHash)
	if err != nil {
		// The node not knowing the hash is indistinguishable from a
		// not-yet-propagated transaction; the claim stays pending so a
		// later retry can succeed.
		return Result{Status: database.ClaimStatusPending, ReasonCode: ReasonTransactionNotFound, Claim: claim}, nil
	}

	if receipt.Status == types.ReceiptStatusFailed {
		return v.reject(ctx, claim, ReasonTransactionReverted)
	}

	confirmations, err := v.chain.Confirmations(ctx, receipt)
	if err != nil {
		return Result{}, err
	}
	if confirmations < v.cfg.MinConfirmations {
		// Not an error: the claim stays pending and the caller retries
		// once the chain catches up.
		return Result{
			Status:        database.ClaimStatusPending,
			ReasonCode:    ReasonPendingConfirmation,
			Confirmations: confirmations,
			Claim:         claim,
		}, nil
	}

	if claim.Status == database.ClaimStatusPending {
		if _, err := v.store.SetClaimConfirmed(ctx, claim.TxHash, receipt.BlockNumber.Int64()); err != nil {
			return Result{}, err
		}
		claim.Status = database.ClaimStatusConfirmed
	}

	paid, reason, err := v.resolveTransfer(ctx, claim, receipt)
	if err != nil {
		return Result{}, err
	}
	if reason != "" {
		return v.reject(ctx, claim, reason)
	}

	prod, _ := product.Get(claim.ProductCode)
	band, err := v.oracle.RequiredAmount(ctx, claim.Asset, prod.USDPrice)
	if errors.Is(err, pricing.ErrPriceUnavailable) {
		// Fail closed but not terminal: no price, no judgement.
		return Result{
			Status:        claim.Status,
			ReasonCode:    ReasonPriceUnavailable,
			Confirmations: confirmations,
			Claim:         claim,
		}, pricing.ErrPriceUnavailable
	}
	if err != nil {
		return Result{}, err
	}

	if !band.Contains(paid) {
		v.logger.Info().
			Str("tx_hash", claim.TxHash).
			Str("paid", paid.String()).
			Str("lower", band.Lower.String()).
			Str("upper", band.Upper.String()).
			Msg("amount outside tolerance band")
		return v.reject(ctx, claim, ReasonAmountMismatch)
	}

	ok, err := v.store.TransitionClaimStatus(ctx, claim.TxHash, database.ClaimStatusConfirmed, database.ClaimStatusVerified, "")
	if err != nil {
		return Result{}, err
	}
	if !ok {
		// Lost the race; re-read and report whatever won.
		current, err := v.store.GetPaymentClaim(ctx, claim.TxHash)
		if err != nil {
			return Result{}, err
		}
		if current == nil {
			return Result{}, fmt.Errorf("claim %s disappeared during verification", claim.TxHash)
		}
		return Result{Status: current.Status, ReasonCode: ReasonCode(current.ReasonCode), Claim: current}, nil
	}
	claim.Status = database.ClaimStatusVerified

	v.bus.PublishPaymentReceived(claim.TxHash, claim.Asset, paid.String(), claim.ProductCode)

	return Result{
		Status:        database.ClaimStatusVerified,
		Confirmations: confirmations,
		Claim:         claim,
	}, nil
}

// resolveTransfer extracts the actual payment from the transaction. Returns
// a non-empty reason when the transfer does not pay the merchant in the
// claimed asset.
func (v *Verifier) resolveTransfer(ctx context.Context, claim *database.PaymentClaim, receipt *types.Receipt) (decimal.Decimal, ReasonCode, error) {
	if v.registry.IsNative(claim.Asset) {
		tx, err := v.chain.Transaction(ctx, claim.TxHash)
		if err != nil {
			return decimal.Zero, "", fmt.Errorf("failed to load native transfer: %w", err)
		}
		if tx.To() == nil || *tx.To() != v.merchant {
			return decimal.Zero, ReasonWrongRecipient, nil
		}
		transfer, err := v.registry.NativeTransfer(tx, v.senderOf(tx))
		if err != nil || transfer == nil {
			return decimal.Zero, ReasonAmountMismatch, err
		}
		claim.PayerAddress = transfer.From.Hex()
		return transfer.Amount, "", nil
	}

	// Token payment: scan receipt logs for a registered-token transfer to
	// the merchant wallet.
	var toMerchant *chain.Transfer
	sawOtherAsset := false
	for i := range receipt.Logs {
		transfer, err := v.registry.DecodeTransferLog(receipt.Logs[i])
		if err != nil {
			v.logger.Warn().Err(err).Str("tx_hash", claim.TxHash).Msg("skipping malformed transfer log")
			continue
		}
		if transfer == nil || transfer.To != v.merchant {
			continue
		}
		if strings.EqualFold(transfer.Asset, claim.Asset) {
			toMerchant = transfer
			break
		}
		sawOtherAsset = true
	}

	if toMerchant == nil {
		if sawOtherAsset {
			return decimal.Zero, ReasonWrongAsset, nil
		}
		return decimal.Zero, ReasonWrongRecipient, nil
	}

	claim.PayerAddress = toMerchant.From.Hex()
	return toMerchant.Amount, "", nil
}

func (v *Verifier) senderOf(tx *types.Transaction) common.Address {
	signer := types.LatestSignerForChainID(big.NewInt(v.cfg.ChainID))
	from, err := types.Sender(signer, tx)
	if err != nil {
		return common.Address{}
	}
	return from
}

func (v *Verifier) reject(ctx context.Context, claim *database.PaymentClaim, reason ReasonCode) (Result, error) {
	ok, err := v.store.TransitionClaimStatus(ctx, claim.TxHash, claim.Status, database.ClaimStatusRejected, string(reason))
	if err != nil {
		return Result{}, err
	}
	if !ok {
		current, err := v.store.GetPaymentClaim(ctx, claim.TxHash)
		if err != nil {
			return Result{}, err
		}
		if current != nil {
			return Result{Status: current.Status, ReasonCode: ReasonCode(current.ReasonCode), Claim: current}, nil
		}
	}
	claim.Status = database.ClaimStatusRejected
	claim.ReasonCode = string(reason)

	v.bus.PublishPaymentRejected(claim.TxHash, string(reason))

	return Result{Status: database.ClaimStatusRejected, ReasonCode: reason, Claim: claim}, nil
}
