package svm

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"testing"

	solana "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/artlu99/x402-gateway/config"
	"github.com/artlu99/x402-gateway/types"
)

func TestNewFacilitatorSigner(t *testing.T) {
	wallet := solana.NewWallet()

	signer, err := NewFacilitatorSigner(wallet.PrivateKey.String())
	require.NoError(t, err)
	assert.Equal(t, wallet.PublicKey(), signer.Address())

	_, err = NewFacilitatorSigner("not-a-key")
	assert.Error(t, err)
}

func TestNonceKeyHashesTransactionBytes(t *testing.T) {
	raw := []byte("serialized-transaction-bytes")
	encoded := base64.StdEncoding.EncodeToString(raw)

	adapter := NewExactAdapter(
		config.BuildNetworkRegistry(func(string) string { return "" }),
		func() (*FacilitatorSigner, error) { return nil, nil },
		nil, zap.NewNop(),
	)

	payload := &types.PaymentPayload{
		Scheme:  types.SchemeExact,
		Network: "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp",
		Payload: map[string]interface{}{"transaction": encoded},
	}

	key, ok := adapter.NonceKey(payload)
	require.True(t, ok)
	sum := sha256.Sum256(raw)
	assert.Equal(t, "svm:"+hex.EncodeToString(sum[:]), key)

	// Same bytes, same key: a resubmission collides.
	again, ok := adapter.NonceKey(payload)
	require.True(t, ok)
	assert.Equal(t, key, again)
}

func TestNonceKeyAbsentForMalformedPayload(t *testing.T) {
	adapter := NewExactAdapter(
		config.BuildNetworkRegistry(func(string) string { return "" }),
		func() (*FacilitatorSigner, error) { return nil, nil },
		nil, zap.NewNop(),
	)

	_, ok := adapter.NonceKey(&types.PaymentPayload{Payload: map[string]interface{}{}})
	assert.False(t, ok)

	_, ok = adapter.NonceKey(&types.PaymentPayload{
		Payload: map[string]interface{}{"transaction": "not base64!!!"},
	})
	assert.False(t, ok)
}

func TestVerifyRejectsMalformedPayloads(t *testing.T) {
	adapter := NewExactAdapter(
		config.BuildNetworkRegistry(func(string) string { return "" }),
		func() (*FacilitatorSigner, error) { return nil, nil },
		nil, zap.NewNop(),
	)
	network := &config.Network{VM: config.VMSvm, NetworkID: "solana:test"}
	route := &config.Route{Key: "myapi", PriceAtomic: "10000"}

	result, err := adapter.Verify(t.Context(), &types.PaymentPayload{
		Scheme:  "deferred",
		Payload: map[string]interface{}{},
	}, route, network)
	require.NoError(t, err)
	assert.False(t, result.IsValid)

	result, err = adapter.Verify(t.Context(), &types.PaymentPayload{
		Scheme:  types.SchemeExact,
		Payload: map[string]interface{}{},
	}, route, network)
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Contains(t, result.InvalidReason, "transaction")

	result, err = adapter.Verify(t.Context(), &types.PaymentPayload{
		Scheme:  types.SchemeExact,
		Payload: map[string]interface{}{"transaction": base64.StdEncoding.EncodeToString([]byte("junk"))},
	}, route, network)
	require.NoError(t, err)
	assert.False(t, result.IsValid)
}

func TestSettleRejectsWrongInstructionCount(t *testing.T) {
	wallet := solana.NewWallet()
	instr := solana.NewInstruction(
		solana.SystemProgramID,
		solana.AccountMetaSlice{solana.Meta(wallet.PublicKey()).WRITE().SIGNER()},
		[]byte{0, 0, 0, 0},
	)
	tx, err := solana.NewTransaction(
		[]solana.Instruction{instr},
		solana.Hash{},
		solana.TransactionPayer(wallet.PublicKey()),
	)
	require.NoError(t, err)
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)

	adapter := NewExactAdapter(
		config.BuildNetworkRegistry(func(string) string { return "" }),
		func() (*FacilitatorSigner, error) { return nil, nil },
		nil, zap.NewNop(),
	)
	network := &config.Network{VM: config.VMSvm, NetworkID: "solana:test"}
	route := &config.Route{Key: "myapi", PriceAtomic: "10000"}

	_, err = adapter.Settle(t.Context(), &types.PaymentPayload{
		Scheme:  types.SchemeExact,
		Network: "solana:test",
		Payload: map[string]interface{}{"transaction": base64.StdEncoding.EncodeToString(raw)},
	}, route, network)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected 3 instructions")
}
