package store

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/artlu99/x402-gateway/types"
)

// IdempotencyResponse is the cached outcome of a settled payment: the exact
// PAYMENT-RESPONSE header bytes plus the receipt they encode.
type IdempotencyResponse struct {
	PaymentResponseHeader string                   `json:"paymentResponseHeader"`
	Settlement            *types.SettlementReceipt `json:"settlement"`
}

// IdempotencyRecord is the stored form; records are written once and expire
// passively.
type IdempotencyRecord struct {
	TimestampMs int64               `json:"timestampMs"`
	Response    IdempotencyResponse `json:"response"`
}

// IdempotencyCache maps client payment identifiers to settled responses so
// retries are served without re-settling. Reads fail open; a miss just means
// the payment path runs, where nonce claiming still prevents double-charging.
type IdempotencyCache struct {
	kv  KV
	log *zap.Logger
}

// NewIdempotencyCache creates a cache over the given backend.
func NewIdempotencyCache(kv KV, log *zap.Logger) *IdempotencyCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &IdempotencyCache{kv: kv, log: log}
}

// Get returns the cached record for a payment id, or nil on miss.
func (c *IdempotencyCache) Get(ctx context.Context, paymentID string) *IdempotencyRecord {
	raw, err := c.kv.Get(ctx, idempotencyPrefix+paymentID)
	if err != nil {
		c.log.Warn("idempotency read failed, treating as miss",
			zap.String("paymentId", paymentID), zap.Error(err))
		return nil
	}
	if raw == nil {
		return nil
	}

	var record IdempotencyRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		c.log.Warn("idempotency record corrupt, treating as miss",
			zap.String("paymentId", paymentID), zap.Error(err))
		return nil
	}
	return &record
}

// Put stores the settled response for a payment id. Write failures only widen
// the retry window; they are logged and ignored.
func (c *IdempotencyCache) Put(ctx context.Context, paymentID string, response IdempotencyResponse) {
	record := IdempotencyRecord{
		TimestampMs: time.Now().UnixMilli(),
		Response:    response,
	}
	raw, err := json.Marshal(record)
	if err != nil {
		c.log.Error("idempotency record marshal failed", zap.Error(err))
		return
	}

	if err := c.kv.Set(ctx, idempotencyPrefix+paymentID, raw, IdempotencyTTL); err != nil {
		c.log.Warn("idempotency write failed",
			zap.String("paymentId", paymentID), zap.Error(err))
	}
}
