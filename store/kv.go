// Package store provides the gateway's durable coordination state: the nonce
// lifecycle and the payment-identifier idempotency cache, layered over a
// narrow TTL'd key-value backend.
package store

import (
	"context"
	"time"
)

// KV is the key-value backend contract. The gateway needs exactly four
// operations; SetNX is the atomic claim primitive everything else leans on.
// Implementations must be safe for concurrent use.
type KV interface {
	// Get returns the value for key, or (nil, nil) when absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes key unconditionally with the given TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX writes key with TTL if and only if it does not exist.
	// Returns true iff the write happened.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Del removes key. Deleting an absent key is not an error.
	Del(ctx context.Context, key string) error
}

// Key layout. Flat string namespace shared with any other gateway replica
// pointed at the same backend.
const (
	noncePrefix       = "x402:nonce:"
	idempotencyPrefix = "x402:idempotency:"
)

// Record lifetimes.
const (
	// PendingTTL bounds how long a crashed settlement can hold a nonce.
	PendingTTL = time.Hour
	// ConfirmedTTL is the replay-protection window for settled nonces.
	ConfirmedTTL = 7 * 24 * time.Hour
	// IdempotencyTTL is the retry window for payment-identifier caching.
	IdempotencyTTL = time.Hour
)
