package chain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Topic signatures of the payment contract's events. Field order is the wire
// contract; decoding is positional and must match exactly what the contract
// emits.
var (
	paymentReceivedTopic  = crypto.Keccak256Hash([]byte("PaymentReceived(address,string,uint256,string,string)"))
	licensePurchasedTopic = crypto.Keccak256Hash([]byte("LicensePurchased(address,string,string,string,uint256,string,uint256)"))
	licenseRevokedTopic   = crypto.Keccak256Hash([]byte("LicenseRevoked(string,address)"))
)

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(fmt.Sprintf("bad abi type %s: %v", t, err))
	}
	return typ
}

var (
	addressT = mustType("address")
	stringT  = mustType("string")
	uint256T = mustType("uint256")

	paymentReceivedArgs = abi.Arguments{
		{Name: "buyer", Type: addressT},
		{Name: "asset", Type: stringT},
		{Name: "amount", Type: uint256T},
		{Name: "productId", Type: stringT},
		{Name: "emailHash", Type: stringT},
	}

	licensePurchasedArgs = abi.Arguments{
		{Name: "buyer", Type: addressT},
		{Name: "email", Type: stringT},
		{Name: "productType", Type: stringT},
		{Name: "token", Type: stringT},
		{Name: "amount", Type: uint256T},
		{Name: "licenseKey", Type: stringT},
		{Name: "expiryTime", Type: uint256T},
	}

	licenseRevokedArgs = abi.Arguments{
		{Name: "licenseKey", Type: stringT},
		{Name: "buyer", Type: addressT},
	}
)

// PaymentReceivedEvent mirrors the contract's PaymentReceived emission.
type PaymentReceivedEvent struct {
	Buyer     common.Address
	Asset     string
	Amount    *big.Int
	ProductID string
	EmailHash string
}

// LicensePurchasedEvent mirrors the contract's LicensePurchased emission.
type LicensePurchasedEvent struct {
	Buyer       common.Address
	Email       string
	ProductType string
	Token       string
	Amount      *big.Int
	LicenseKey  string
	ExpiryTime  *big.Int
}

// LicenseRevokedEvent mirrors the contract's LicenseRevoked emission.
type LicenseRevokedEvent struct {
	LicenseKey string
	Buyer      common.Address
}

// ContractEvent is a decoded contract log plus the identity fields the rest
// of the pipeline keys on.
type ContractEvent struct {
	// ID is txHash:logIndex, stable across redelivery and restart.
	ID          string
	TxHash      string
	BlockNumber uint64
	LogIndex    uint

	// Exactly one of the following is non-nil.
	Payment  *PaymentReceivedEvent
	Purchase *LicensePurchasedEvent
	Revoke   *LicenseRevokedEvent
}

// DecodeContractLog decodes one of the payment contract's known events.
// Unknown topics return (nil, nil) so the poller can skip them without
// treating the log as corrupt.
func DecodeContractLog(log *types.Log) (*ContractEvent, error) {
	if len(log.Topics) == 0 {
		return nil, nil
	}

	ev := &ContractEvent{
		ID:          fmt.Sprintf("%s:%d", log.TxHash.Hex(), log.Index),
		TxHash:      log.TxHash.Hex(),
		BlockNumber: log.BlockNumber,
		LogIndex:    log.Index,
	}

	switch log.Topics[0] {
	case paymentReceivedTopic:
		vals, err := paymentReceivedArgs.Unpack(log.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode PaymentReceived %s: %w", ev.ID, err)
		}
		ev.Payment = &PaymentReceivedEvent{
			Buyer:     vals[0].(common.Address),
			Asset:     vals[1].(string),
			Amount:    vals[2].(*big.Int),
			ProductID: vals[3].(string),
			EmailHash: vals[4].(string),
		}
		return ev, nil

	case licensePurchasedTopic:
		vals, err := licensePurchasedArgs.Unpack(log.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode LicensePurchased %s: %w", ev.ID, err)
		}
		ev.Purchase = &LicensePurchasedEvent{
			Buyer:       vals[0].(common.Address),
			Email:       vals[1].(string),
			ProductType: vals[2].(string),
			Token:       vals[3].(string),
			Amount:      vals[4].(*big.Int),
			LicenseKey:  vals[5].(string),
			ExpiryTime:  vals[6].(*big.Int),
		}
		return ev, nil

	case licenseRevokedTopic:
		vals, err := licenseRevokedArgs.Unpack(log.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode LicenseRevoked %s: %w", ev.ID, err)
		}
		ev.Revoke = &LicenseRevokedEvent{
			LicenseKey: vals[0].(string),
			Buyer:      vals[1].(common.Address),
		}
		return ev, nil
	}

	return nil, nil
}
