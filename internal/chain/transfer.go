package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// transferTopic is keccak256("Transfer(address,address,uint256)"), the topic0
// of every standard ERC-20 transfer log.
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// TokenLayout describes how a token's transfer logs are laid out. Standard
// ERC-20 puts from/to in indexed topics and the amount in data; a future
// non-standard token gets its own entry here instead of a code fork.
type TokenLayout struct {
	Symbol   string
	Address  string
	Decimals int32
}

// Registry maps the configured payment assets to their on-chain layout.
// Native is the layout used for plain value transfers (no contract).
type Registry struct {
	byAddress map[common.Address]TokenLayout
	bySymbol  map[string]TokenLayout
	native    TokenLayout
}

// NewRegistry builds the asset registry from configured token addresses.
// Symbols absent from decimalsBySymbol default to 18 decimals.
func NewRegistry(nativeSymbol string, tokenAddresses map[string]string, decimalsBySymbol map[string]int32) *Registry {
	r := &Registry{
		byAddress: make(map[common.Address]TokenLayout),
		bySymbol:  make(map[string]TokenLayout),
		native:    TokenLayout{Symbol: nativeSymbol, Decimals: 18},
	}
	for symbol, addr := range tokenAddresses {
		decimals := int32(18)
		if d, ok := decimalsBySymbol[symbol]; ok {
			decimals = d
		}
		layout := TokenLayout{Symbol: symbol, Address: addr, Decimals: decimals}
		r.byAddress[common.HexToAddress(addr)] = layout
		r.bySymbol[strings.ToUpper(symbol)] = layout
	}
	r.bySymbol[strings.ToUpper(nativeSymbol)] = r.native
	return r
}

// Native returns the native asset layout.
func (r *Registry) Native() TokenLayout {
	return r.native
}

// BySymbol resolves an asset symbol to its layout.
func (r *Registry) BySymbol(symbol string) (TokenLayout, bool) {
	l, ok := r.bySymbol[strings.ToUpper(symbol)]
	return l, ok
}

// IsNative reports whether symbol names the chain's native asset.
func (r *Registry) IsNative(symbol string) bool {
	return strings.EqualFold(symbol, r.native.Symbol)
}

// Transfer is a decoded value movement, either a token log or the native
// value of a transaction.
type Transfer struct {
	Asset  string
	From   common.Address
	To     common.Address
	Amount decimal.Decimal // human units, decimals applied
}

// DecodeTransferLog decodes a standard ERC-20 Transfer log. Returns
// (nil, nil) when the log is not a transfer or the emitting contract is not
// a registered payment token.
func (r *Registry) DecodeTransferLog(log *types.Log) (*Transfer, error) {
	if len(log.Topics) == 0 || log.Topics[0] != transferTopic {
		return nil, nil
	}

	layout, ok := r.byAddress[log.Address]
	if !ok {
		return nil, nil
	}

	if len(log.Topics) != 3 {
		return nil, fmt.Errorf("malformed transfer log %s: %d topics", log.TxHash.Hex(), len(log.Topics))
	}
	if len(log.Data) != 32 {
		return nil, fmt.Errorf("malformed transfer log %s: %d data bytes", log.TxHash.Hex(), len(log.Data))
	}

	raw := new(big.Int).SetBytes(log.Data)
	return &Transfer{
		Asset:  layout.Symbol,
		From:   common.BytesToAddress(log.Topics[1].Bytes()),
		To:     common.BytesToAddress(log.Topics[2].Bytes()),
		Amount: decimal.NewFromBigInt(raw, -layout.Decimals),
	}, nil
}

// NativeTransfer builds a Transfer from a plain value transaction. Returns
// (nil, nil) when the transaction carries no value or no recipient.
func (r *Registry) NativeTransfer(tx *types.Transaction, from common.Address) (*Transfer, error) {
	if tx.To() == nil || tx.Value().Sign() <= 0 {
		return nil, nil
	}
	return &Transfer{
		Asset:  r.native.Symbol,
		From:   from,
		To:     *tx.To(),
		Amount: decimal.NewFromBigInt(tx.Value(), -r.native.Decimals),
	}, nil
}
