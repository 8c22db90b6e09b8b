// Package svm implements the SVM chain adapter: the gateway co-signs
// client-partially-signed SPL token transfers as fee payer and submits them.
package svm

import (
	"context"
	"fmt"
	"sync"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/artlu99/x402-gateway/config"
)

const (
	// DefaultCommitment is the confirmation level used for simulation and
	// settlement reads.
	DefaultCommitment = rpc.CommitmentConfirmed

	// MaxComputeUnitPriceLamports caps the per-unit priority fee a client
	// transaction may ask the fee payer to fund.
	MaxComputeUnitPriceLamports = 5

	// MaxConfirmAttempts bounds confirmation polling after settlement.
	MaxConfirmAttempts = 30

	// ConfirmRetryDelay is the fixed wait between confirmation polls.
	ConfirmRetryDelay = 2 * time.Second
)

// FacilitatorSigner holds the gateway's fee-payer key and co-signs client
// transactions.
type FacilitatorSigner struct {
	key solana.PrivateKey
}

// NewFacilitatorSigner parses a base58-encoded private key.
func NewFacilitatorSigner(privateKeyBase58 string) (*FacilitatorSigner, error) {
	key, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("invalid SVM facilitator private key: %w", err)
	}
	return &FacilitatorSigner{key: key}, nil
}

// Address returns the fee-payer public key.
func (s *FacilitatorSigner) Address() solana.PublicKey {
	return s.key.PublicKey()
}

// SignTransaction adds the fee payer's signature at its account index,
// leaving the client's existing partial signature in place.
func (s *FacilitatorSigner) SignTransaction(_ context.Context, tx *solana.Transaction) error {
	messageBytes, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	signature, err := s.key.Sign(messageBytes)
	if err != nil {
		return fmt.Errorf("failed to sign: %w", err)
	}

	accountIndex, err := tx.GetAccountIndex(s.key.PublicKey())
	if err != nil {
		return fmt.Errorf("fee payer not present in transaction: %w", err)
	}

	if len(tx.Signatures) <= int(accountIndex) {
		grown := make([]solana.Signature, accountIndex+1)
		copy(grown, tx.Signatures)
		tx.Signatures = grown
	}
	tx.Signatures[accountIndex] = signature
	return nil
}

var (
	signerOnce sync.Once
	signer     *FacilitatorSigner
	signerErr  error
)

// SharedSigner returns the process-wide facilitator signer, initializing it
// from SOLANA_FACILITATOR_PRIVATE_KEY on first call. Concurrent first callers
// share one initialization; everyone observes the same signer or error.
func SharedSigner(env config.EnvFunc) (*FacilitatorSigner, error) {
	signerOnce.Do(func() {
		key := env(config.SolanaFacilitatorKeyEnv)
		if key == "" {
			signerErr = fmt.Errorf("missing SVM facilitator key: %s", config.SolanaFacilitatorKeyEnv)
			return
		}
		signer, signerErr = NewFacilitatorSigner(key)
	})
	return signer, signerErr
}

// DecodeTransaction parses a base64-encoded serialized Solana transaction.
func DecodeTransaction(encoded string) (*solana.Transaction, error) {
	tx, err := solana.TransactionFromBase64(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	return tx, nil
}
