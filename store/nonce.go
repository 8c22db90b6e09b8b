package store

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/artlu99/x402-gateway/types"
)

// NonceStatus is the lifecycle state of a nonce record.
type NonceStatus string

const (
	NonceStatusPending   NonceStatus = "pending"
	NonceStatusConfirmed NonceStatus = "confirmed"
)

// NonceRecord is the durable state for one payment nonce.
type NonceRecord struct {
	Status      NonceStatus `json:"status"`
	TimestampMs int64       `json:"timestampMs"`
	Network     string      `json:"network,omitempty"`
	Payer       string      `json:"payer,omitempty"`
	Route       string      `json:"route,omitempty"`
	VM          string      `json:"vm,omitempty"`
	TxHash      string      `json:"txHash,omitempty"`
	BlockNumber *uint64     `json:"blockNumber,omitempty"`
}

// NonceMetadata travels with a pending claim so operators can attribute
// in-flight settlements.
type NonceMetadata struct {
	Network string
	Payer   string
	Route   string
	VM      string
}

// NonceCoordinator owns the nonce lifecycle: claim (pending, short TTL),
// confirm (long TTL), release (delete on settlement failure).
//
// Error policy: reads fail open (the chain is the ultimate replay authority),
// claims fail closed (a store outage must not enable double-spend), and
// confirm failures are logged and ignored (the token contract's own nonce
// storage rejects a re-settle).
type NonceCoordinator struct {
	kv  KV
	log *zap.Logger
}

// NewNonceCoordinator creates a coordinator over the given backend.
func NewNonceCoordinator(kv KV, log *zap.Logger) *NonceCoordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &NonceCoordinator{kv: kv, log: log}
}

// Get returns the record for a nonce key, or nil when absent. Backend
// failures are treated as absent.
func (c *NonceCoordinator) Get(ctx context.Context, key string) *NonceRecord {
	raw, err := c.kv.Get(ctx, noncePrefix+key)
	if err != nil {
		c.log.Warn("nonce read failed, treating as absent",
			zap.String("nonce", key), zap.Error(err))
		return nil
	}
	if raw == nil {
		return nil
	}

	var record NonceRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		c.log.Warn("nonce record corrupt, treating as absent",
			zap.String("nonce", key), zap.Error(err))
		return nil
	}
	return &record
}

// Claim atomically marks a nonce pending. A true return is the caller's
// unique license to settle. Backend failures reject the claim.
func (c *NonceCoordinator) Claim(ctx context.Context, key string, meta NonceMetadata) bool {
	record := NonceRecord{
		Status:      NonceStatusPending,
		TimestampMs: time.Now().UnixMilli(),
		Network:     meta.Network,
		Payer:       meta.Payer,
		Route:       meta.Route,
		VM:          meta.VM,
	}
	raw, err := json.Marshal(record)
	if err != nil {
		c.log.Error("nonce record marshal failed", zap.Error(err))
		return false
	}

	ok, err := c.kv.SetNX(ctx, noncePrefix+key, raw, PendingTTL)
	if err != nil {
		c.log.Error("nonce claim failed, rejecting",
			zap.String("nonce", key), zap.Error(err))
		return false
	}
	return ok
}

// Confirm promotes a claimed nonce to confirmed with the settlement receipt.
func (c *NonceCoordinator) Confirm(ctx context.Context, key string, receipt *types.SettlementReceipt) {
	record := NonceRecord{
		Status:      NonceStatusConfirmed,
		TimestampMs: time.Now().UnixMilli(),
		Network:     receipt.Network,
		Payer:       receipt.Payer,
		TxHash:      receipt.TxHash,
		BlockNumber: receipt.BlockNumber,
	}
	raw, err := json.Marshal(record)
	if err != nil {
		c.log.Error("nonce confirm marshal failed", zap.Error(err))
		return
	}

	if err := c.kv.Set(ctx, noncePrefix+key, raw, ConfirmedTTL); err != nil {
		c.log.Warn("nonce confirm write failed; chain-side replay protection still applies",
			zap.String("nonce", key), zap.Error(err))
	}
}

// Release drops a pending claim after settlement failure so the client can
// retry. Called exactly once per failed settlement.
func (c *NonceCoordinator) Release(ctx context.Context, key string) {
	if err := c.kv.Del(ctx, noncePrefix+key); err != nil {
		c.log.Warn("nonce release failed; claim expires with pending TTL",
			zap.String("nonce", key), zap.Error(err))
	}
}
