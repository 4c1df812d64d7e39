package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// RPC is the read-only view of the chain node the verifier and poller need.
// ethclient.Client satisfies it; tests substitute a fake.
type RPC interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Client wraps the RPC endpoint with per-call timeouts. The endpoint is
// treated as untrusted-but-authoritative: its view decides confirmation
// counts, with the reorg safety margin as the only hedge.
type Client struct {
	rpc     RPC
	network string
	timeout time.Duration
}

// Dial connects to an RPC endpoint.
func Dial(network, rpcURL string, timeout time.Duration) (*Client, error) {
	ec, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to chain RPC: %w", err)
	}
	return NewClient(network, ec, timeout), nil
}

// NewClient wraps an existing RPC connection.
func NewClient(network string, rpc RPC, timeout time.Duration) *Client {
	return &Client{rpc: rpc, network: network, timeout: timeout}
}

// Network returns the configured network name.
func (c *Client) Network() string {
	return c.network
}

func (c *Client) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// Transaction fetches a transaction by hash. Returns (nil, error) when the
// node does not know the hash.
func (c *Client) Transaction(ctx context.Context, txHash string) (*types.Transaction, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	tx, _, err := c.rpc.TransactionByHash(ctx, common.HexToHash(txHash))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transaction %s: %w", txHash, err)
	}
	return tx, nil
}

// Receipt fetches the receipt for a mined transaction.
func (c *Client) Receipt(ctx context.Context, txHash string) (*types.Receipt, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	receipt, err := c.rpc.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch receipt %s: %w", txHash, err)
	}
	return receipt, nil
}

// Head returns the current chain head block number.
func (c *Client) Head(ctx context.Context) (uint64, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	head, err := c.rpc.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch head block: %w", err)
	}
	return head, nil
}

// Confirmations returns how many blocks sit on top of the block containing
// the receipt, plus one for the containing block itself.
func (c *Client) Confirmations(ctx context.Context, receipt *types.Receipt) (uint64, error) {
	head, err := c.Head(ctx)
	if err != nil {
		return 0, err
	}
	blockNum := receipt.BlockNumber.Uint64()
	if head < blockNum {
		return 0, nil
	}
	return head - blockNum + 1, nil
}

// ContractLogs fetches logs emitted by the given contract in [from, to].
func (c *Client) ContractLogs(ctx context.Context, contract string, from, to uint64) ([]types.Log, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{common.HexToAddress(contract)},
	}

	logs, err := c.rpc.FilterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to filter logs [%d,%d]: %w", from, to, err)
	}
	return logs, nil
}
