package chain

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"srpk-license-server/internal/cache"
	"srpk-license-server/internal/database"
	"srpk-license-server/internal/events"
	"srpk-license-server/internal/logging"
)

// CursorStore persists the poller's position. The cursor only moves forward
// through AdvanceChainCursor; ResetChainCursor exists for operator-driven
// reorg recovery.
type CursorStore interface {
	GetChainCursor(ctx context.Context, network string) (*database.ChainCursor, error)
	AdvanceChainCursor(ctx context.Context, network string, block int64) error
}

// PollerConfig holds the sync policy for one network.
type PollerConfig struct {
	ContractAddress   string
	PollInterval      time.Duration
	MaxBlockBatch     uint64
	ReorgSafetyMargin uint64
}

// Poller is the single reader of contract logs for a network. It trails the
// head by the safety margin, forwards decoded events in block-then-log order,
// and advances the cursor only after a block's events have been handed off.
type Poller struct {
	client *Client
	store  CursorStore
	bus    *events.Bus
	redis  *cache.Service // optional cursor mirror
	cfg    PollerConfig
	logger zerolog.Logger
}

// NewPoller creates a chain sync poller. redis may be nil.
func NewPoller(client *Client, store CursorStore, bus *events.Bus, redis *cache.Service, cfg PollerConfig) *Poller {
	return &Poller{
		client: client,
		store:  store,
		bus:    bus,
		redis:  redis,
		cfg:    cfg,
		logger: logging.WithComponent("chain-poller"),
	}
}

// Run polls until ctx is cancelled. Individual poll failures are logged and
// retried on the next tick; the cursor guarantees no window is skipped.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info().
		Str("network", p.client.Network()).
		Str("contract", p.cfg.ContractAddress).
		Dur("interval", p.cfg.PollInterval).
		Msg("chain poller started")

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("chain poller stopped")
			return
		case <-ticker.C:
			if err := p.poll(ctx); err != nil {
				p.logger.Error().Err(err).Msg("poll cycle failed")
			}
		}
	}
}

// poll processes at most one window per tick.
func (p *Poller) poll(ctx context.Context) error {
	head, err := p.client.Head(ctx)
	if err != nil {
		return err
	}
	if head < p.cfg.ReorgSafetyMargin {
		return nil
	}
	safeHead := head - p.cfg.ReorgSafetyMargin

	cursor, err := p.store.GetChainCursor(ctx, p.client.Network())
	if err != nil {
		return err
	}

	var from uint64
	if cursor == nil {
		// First run: start at the safe head rather than replaying history.
		if err := p.store.AdvanceChainCursor(ctx, p.client.Network(), int64(safeHead)); err != nil {
			return err
		}
		p.logger.Info().Uint64("block", safeHead).Msg("cursor initialized at safe head")
		return nil
	}
	from = uint64(cursor.LastProcessedBlock) + 1

	if from > safeHead {
		return nil
	}

	to := safeHead
	if to-from+1 > p.cfg.MaxBlockBatch {
		to = from + p.cfg.MaxBlockBatch - 1
	}

	return p.processWindow(ctx, from, to)
}

func (p *Poller) processWindow(ctx context.Context, from, to uint64) error {
	logs, err := p.client.ContractLogs(ctx, p.cfg.ContractAddress, from, to)
	if err != nil {
		return err
	}

	// Node ordering is not contractual; enforce block then log index.
	sort.Slice(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})

	decoded := make([]*ContractEvent, 0, len(logs))
	for i := range logs {
		ev, err := DecodeContractLog(&logs[i])
		if err != nil {
			p.logger.Warn().Err(err).
				Str("tx_hash", logs[i].TxHash.Hex()).
				Msg("skipping undecodable contract log")
			continue
		}
		if ev != nil {
			decoded = append(decoded, ev)
		}
	}

	// Forward block by block; the cursor trails the last fully forwarded
	// block so a crash replays at most one partial window.
	idx := 0
	for block := from; block <= to; block++ {
		for idx < len(decoded) && decoded[idx].BlockNumber == block {
			p.forward(decoded[idx])
			idx++
		}
	}

	if err := p.store.AdvanceChainCursor(ctx, p.client.Network(), int64(to)); err != nil {
		return fmt.Errorf("failed to advance cursor to %d: %w", to, err)
	}
	if p.redis != nil {
		p.redis.MirrorCursor(ctx, p.client.Network(), int64(to))
	}

	if len(decoded) > 0 {
		p.logger.Info().
			Uint64("from", from).
			Uint64("to", to).
			Int("events", len(decoded)).
			Msg("window processed")
	}
	return nil
}

// forward maps a decoded contract event onto the shared bus. Event IDs keep
// the txHash:logIndex form so downstream consumers can deduplicate replays.
func (p *Poller) forward(ev *ContractEvent) {
	switch {
	case ev.Payment != nil:
		p.bus.Publish(events.Event{
			ID:   ev.ID,
			Type: events.EventPaymentReceived,
			Data: map[string]interface{}{
				"tx_hash":      ev.TxHash,
				"buyer":        ev.Payment.Buyer.Hex(),
				"asset":        ev.Payment.Asset,
				"amount":       ev.Payment.Amount.String(),
				"product_code": ev.Payment.ProductID,
				"email_hash":   ev.Payment.EmailHash,
				"block_number": ev.BlockNumber,
			},
		})
	case ev.Purchase != nil:
		p.bus.Publish(events.Event{
			ID:   ev.ID,
			Type: events.EventLicenseCreated,
			Data: map[string]interface{}{
				"tx_hash":      ev.TxHash,
				"buyer":        ev.Purchase.Buyer.Hex(),
				"buyer_email":  ev.Purchase.Email,
				"product_code": ev.Purchase.ProductType,
				"asset":        ev.Purchase.Token,
				"amount":       ev.Purchase.Amount.String(),
				"license_key":  ev.Purchase.LicenseKey,
				"expiry_time":  ev.Purchase.ExpiryTime.Int64(),
				"block_number": ev.BlockNumber,
			},
		})
	case ev.Revoke != nil:
		p.bus.Publish(events.Event{
			ID:   ev.ID,
			Type: events.EventLicenseRevoked,
			Data: map[string]interface{}{
				"license_key":  ev.Revoke.LicenseKey,
				"buyer":        ev.Revoke.Buyer.Hex(),
				"block_number": ev.BlockNumber,
			},
		})
	}
}
