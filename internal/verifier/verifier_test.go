package verifier

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"srpk-license-server/internal/chain"
	"srpk-license-server/internal/database"
	"srpk-license-server/internal/events"
	"srpk-license-server/internal/pricing"
)

const (
	testTxHash   = "0x1111111111111111111111111111111111111111111111111111111111111111"
	merchantAddr = "0x680c48F49187a2121a25e3F834585a8b82DfdC16"
	usdtAddr     = "0x55d398326f99059fF775485246999027B3197955"
	ethAddr      = "0x2170Ed0880ac9A755fd29B2688956BD959F933F8"
	payerAddr    = "0x00000000000000000000000000000000000000AA"
)

var transferSig = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

type fakeChain struct {
	tx         *types.Transaction
	receipt    *types.Receipt
	head       uint64
	receiptErr error
	calls      int
}

func (f *fakeChain) Transaction(ctx context.Context, txHash string) (*types.Transaction, error) {
	f.calls++
	return f.tx, nil
}

func (f *fakeChain) Receipt(ctx context.Context, txHash string) (*types.Receipt, error) {
	f.calls++
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	return f.receipt, nil
}

func (f *fakeChain) Confirmations(ctx context.Context, receipt *types.Receipt) (uint64, error) {
	block := receipt.BlockNumber.Uint64()
	if f.head < block {
		return 0, nil
	}
	return f.head - block + 1, nil
}

type fakeOracle struct {
	band pricing.Band
	err  error
}

func (f *fakeOracle) RequiredAmount(ctx context.Context, asset string, usdTarget decimal.Decimal) (pricing.Band, error) {
	if f.err != nil {
		return pricing.Band{}, f.err
	}
	return f.band, nil
}

type memClaims struct {
	claims map[string]*database.PaymentClaim
}

func newMemClaims() *memClaims {
	return &memClaims{claims: make(map[string]*database.PaymentClaim)}
}

func (m *memClaims) CreatePaymentClaim(ctx context.Context, claim *database.PaymentClaim) (*database.PaymentClaim, bool, error) {
	if existing, ok := m.claims[claim.TxHash]; ok {
		return existing, false, nil
	}
	claim.Status = database.ClaimStatusPending
	m.claims[claim.TxHash] = claim
	return claim, true, nil
}

func (m *memClaims) GetPaymentClaim(ctx context.Context, txHash string) (*database.PaymentClaim, error) {
	return m.claims[txHash], nil
}

func (m *memClaims) TransitionClaimStatus(ctx context.Context, txHash, fromStatus, toStatus, reasonCode string) (bool, error) {
	c, ok := m.claims[txHash]
	if !ok || c.Status != fromStatus {
		return false, nil
	}
	c.Status = toStatus
	c.ReasonCode = reasonCode
	return true, nil
}

func (m *memClaims) SetClaimConfirmed(ctx context.Context, txHash string, blockNumber int64) (bool, error) {
	c, ok := m.claims[txHash]
	if !ok || c.Status != database.ClaimStatusPending {
		return false, nil
	}
	c.Status = database.ClaimStatusConfirmed
	c.BlockNumber = &blockNumber
	return true, nil
}

// transferLog builds a standard ERC-20 Transfer log paying `to`.
func transferLog(token, from, to string, amount *big.Int) *types.Log {
	return &types.Log{
		Address: common.HexToAddress(token),
		Topics: []common.Hash{
			transferSig,
			common.BytesToHash(common.HexToAddress(from).Bytes()),
			common.BytesToHash(common.HexToAddress(to).Bytes()),
		},
		Data:   common.LeftPadBytes(amount.Bytes(), 32),
		TxHash: common.HexToHash(testTxHash),
	}
}

// tokenUnits converts a whole-token amount into 18-decimal units.
func tokenUnits(tokens int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(tokens), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func testRegistry() *chain.Registry {
	return chain.NewRegistry("BNB", map[string]string{"USDT": usdtAddr, "ETH": ethAddr}, nil)
}

func testBand() pricing.Band {
	return pricing.Band{
		Nominal: decimal.NewFromInt(100),
		Lower:   decimal.NewFromInt(97),
		Upper:   decimal.NewFromInt(103),
	}
}

func newTestVerifier(fc *fakeChain, oracle PriceOracle, store ClaimStore) *Verifier {
	return New(fc, oracle, store, testRegistry(), events.NewBus(), Config{
		MerchantWallet:   merchantAddr,
		ChainID:          56,
		MinConfirmations: 3,
	})
}

func tokenRequest() Request {
	return Request{
		TxHash:      testTxHash,
		Network:     "bsc",
		Asset:       "USDT",
		ProductCode: "starter",
		BuyerEmail:  "buyer@example.com",
	}
}

// TestVerifyTokenPayment verifies the happy path: confirmed token transfer
// to the merchant within the band becomes a verified claim.
func TestVerifyTokenPayment(t *testing.T) {
	fc := &fakeChain{
		receipt: &types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			BlockNumber: big.NewInt(100),
			Logs:        []*types.Log{transferLog(usdtAddr, payerAddr, merchantAddr, tokenUnits(100))},
		},
		head: 110,
	}
	store := newMemClaims()
	v := newTestVerifier(fc, &fakeOracle{band: testBand()}, store)

	result, err := v.Verify(context.Background(), tokenRequest())
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if result.Status != database.ClaimStatusVerified {
		t.Errorf("expected verified, got %s (reason %s)", result.Status, result.ReasonCode)
	}
	if result.Claim.PayerAddress != common.HexToAddress(payerAddr).Hex() {
		t.Errorf("expected payer recorded, got %q", result.Claim.PayerAddress)
	}
}

// TestVerifyIdempotentTerminal verifies a rejected claim short-circuits on
// re-verification without another chain query.
func TestVerifyIdempotentTerminal(t *testing.T) {
	fc := &fakeChain{
		receipt: &types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			BlockNumber: big.NewInt(100),
			Logs:        []*types.Log{transferLog(usdtAddr, payerAddr, merchantAddr, tokenUnits(97))},
		},
		head: 110,
	}
	store := newMemClaims()
	v := newTestVerifier(fc, &fakeOracle{band: testBand()}, store)

	first, err := v.Verify(context.Background(), tokenRequest())
	if err != nil {
		t.Fatalf("first Verify failed: %v", err)
	}
	if first.Status != database.ClaimStatusRejected || first.ReasonCode != ReasonAmountMismatch {
		t.Fatalf("expected rejection with AmountMismatch, got %s/%s", first.Status, first.ReasonCode)
	}

	callsAfterFirst := fc.calls
	second, err := v.Verify(context.Background(), tokenRequest())
	if err != nil {
		t.Fatalf("second Verify failed: %v", err)
	}
	if second.Status != database.ClaimStatusRejected || second.ReasonCode != ReasonAmountMismatch {
		t.Errorf("expected stored rejection, got %s/%s", second.Status, second.ReasonCode)
	}
	if fc.calls != callsAfterFirst {
		t.Errorf("terminal claim re-queried the chain: %d -> %d calls", callsAfterFirst, fc.calls)
	}
}

// TestVerifyPendingBelowMinConfirmations verifies the wait state.
func TestVerifyPendingBelowMinConfirmations(t *testing.T) {
	fc := &fakeChain{
		receipt: &types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			BlockNumber: big.NewInt(100),
			Logs:        []*types.Log{transferLog(usdtAddr, payerAddr, merchantAddr, tokenUnits(100))},
		},
		head: 101, // 2 confirmations, minimum is 3
	}
	store := newMemClaims()
	v := newTestVerifier(fc, &fakeOracle{band: testBand()}, store)

	result, err := v.Verify(context.Background(), tokenRequest())
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if result.Status != database.ClaimStatusPending || result.ReasonCode != ReasonPendingConfirmation {
		t.Errorf("expected pending confirmation, got %s/%s", result.Status, result.ReasonCode)
	}
	if result.Confirmations != 2 {
		t.Errorf("expected 2 confirmations, got %d", result.Confirmations)
	}

	// Once the chain catches up the same claim verifies.
	fc.head = 110
	result, err = v.Verify(context.Background(), tokenRequest())
	if err != nil {
		t.Fatalf("re-Verify failed: %v", err)
	}
	if result.Status != database.ClaimStatusVerified {
		t.Errorf("expected verified after confirmations, got %s/%s", result.Status, result.ReasonCode)
	}
}

// TestVerifyWrongRecipient verifies a transfer paying someone else is
// rejected with WrongRecipient.
func TestVerifyWrongRecipient(t *testing.T) {
	fc := &fakeChain{
		receipt: &types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			BlockNumber: big.NewInt(100),
			Logs:        []*types.Log{transferLog(usdtAddr, payerAddr, payerAddr, tokenUnits(100))},
		},
		head: 110,
	}
	v := newTestVerifier(fc, &fakeOracle{band: testBand()}, newMemClaims())

	result, err := v.Verify(context.Background(), tokenRequest())
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if result.Status != database.ClaimStatusRejected || result.ReasonCode != ReasonWrongRecipient {
		t.Errorf("expected WrongRecipient rejection, got %s/%s", result.Status, result.ReasonCode)
	}
}

// TestVerifyWrongAsset verifies paying the merchant in a different token
// than claimed is rejected with WrongAsset.
func TestVerifyWrongAsset(t *testing.T) {
	fc := &fakeChain{
		receipt: &types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			BlockNumber: big.NewInt(100),
			Logs:        []*types.Log{transferLog(ethAddr, payerAddr, merchantAddr, tokenUnits(100))},
		},
		head: 110,
	}
	v := newTestVerifier(fc, &fakeOracle{band: testBand()}, newMemClaims())

	result, err := v.Verify(context.Background(), tokenRequest())
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if result.Status != database.ClaimStatusRejected || result.ReasonCode != ReasonWrongAsset {
		t.Errorf("expected WrongAsset rejection, got %s/%s", result.Status, result.ReasonCode)
	}
}

// TestVerifyRevertedTransaction verifies a failed receipt is rejected.
func TestVerifyRevertedTransaction(t *testing.T) {
	fc := &fakeChain{
		receipt: &types.Receipt{
			Status:      types.ReceiptStatusFailed,
			BlockNumber: big.NewInt(100),
		},
		head: 110,
	}
	v := newTestVerifier(fc, &fakeOracle{band: testBand()}, newMemClaims())

	result, err := v.Verify(context.Background(), tokenRequest())
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if result.Status != database.ClaimStatusRejected || result.ReasonCode != ReasonTransactionReverted {
		t.Errorf("expected TransactionReverted rejection, got %s/%s", result.Status, result.ReasonCode)
	}
}

// TestVerifyTransactionNotFound verifies an unknown hash stays pending so a
// not-yet-propagated transaction can be retried.
func TestVerifyTransactionNotFound(t *testing.T) {
	fc := &fakeChain{receiptErr: errors.New("not found")}
	store := newMemClaims()
	v := newTestVerifier(fc, &fakeOracle{band: testBand()}, store)

	result, err := v.Verify(context.Background(), tokenRequest())
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if result.Status != database.ClaimStatusPending || result.ReasonCode != ReasonTransactionNotFound {
		t.Errorf("expected pending/TransactionNotFound, got %s/%s", result.Status, result.ReasonCode)
	}
	if store.claims[testTxHash].Status != database.ClaimStatusPending {
		t.Errorf("claim should stay pending, got %s", store.claims[testTxHash].Status)
	}
}

// TestVerifyPriceUnavailableFailsClosed verifies a stale oracle blocks the
// verdict without rejecting the claim.
func TestVerifyPriceUnavailableFailsClosed(t *testing.T) {
	fc := &fakeChain{
		receipt: &types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			BlockNumber: big.NewInt(100),
			Logs:        []*types.Log{transferLog(usdtAddr, payerAddr, merchantAddr, tokenUnits(100))},
		},
		head: 110,
	}
	store := newMemClaims()
	v := newTestVerifier(fc, &fakeOracle{err: pricing.ErrPriceUnavailable}, store)

	_, err := v.Verify(context.Background(), tokenRequest())
	if !errors.Is(err, pricing.ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
	if store.claims[testTxHash].Status == database.ClaimStatusRejected {
		t.Error("claim must not be rejected while the price is unavailable")
	}
}

// TestVerifyNativePayment verifies a plain value transfer to the merchant.
func TestVerifyNativePayment(t *testing.T) {
	merchant := common.HexToAddress(merchantAddr)
	tx := types.NewTx(&types.LegacyTx{
		To:    &merchant,
		Value: tokenUnits(100),
		Gas:   21000,
	})
	fc := &fakeChain{
		tx: tx,
		receipt: &types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			BlockNumber: big.NewInt(100),
		},
		head: 110,
	}
	v := newTestVerifier(fc, &fakeOracle{band: testBand()}, newMemClaims())

	req := tokenRequest()
	req.Asset = "BNB"
	result, err := v.Verify(context.Background(), req)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if result.Status != database.ClaimStatusVerified {
		t.Errorf("expected verified, got %s/%s", result.Status, result.ReasonCode)
	}
}

// TestVerifyUnknownProduct verifies the claim is never created for an
// unknown product code.
func TestVerifyUnknownProduct(t *testing.T) {
	store := newMemClaims()
	v := newTestVerifier(&fakeChain{}, &fakeOracle{band: testBand()}, store)

	req := tokenRequest()
	req.ProductCode = "platinum"
	if _, err := v.Verify(context.Background(), req); !errors.Is(err, ErrUnknownProduct) {
		t.Fatalf("expected ErrUnknownProduct, got %v", err)
	}
	if len(store.claims) != 0 {
		t.Error("no claim should be created for an unknown product")
	}
}
