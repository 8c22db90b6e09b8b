package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/artlu99/x402-gateway/config"
	"github.com/artlu99/x402-gateway/store"
	"github.com/artlu99/x402-gateway/types"
)

// NonceReader is the replay-check view of the nonce store.
type NonceReader interface {
	Get(ctx context.Context, key string) *store.NonceRecord
}

// ExactAdapter verifies and settles exact-scheme EIP-3009 payments directly
// against the chain, without an external facilitator.
type ExactAdapter struct {
	pool   *ClientPool
	signer *Signer
	nonces NonceReader
	log    *zap.Logger
	now    func() time.Time
}

// NewExactAdapter wires the local EVM adapter. signer may be nil when the
// gateway runs verify-only; Settle then fails with a configuration error.
func NewExactAdapter(pool *ClientPool, signer *Signer, nonces NonceReader, log *zap.Logger) *ExactAdapter {
	if log == nil {
		log = zap.NewNop()
	}
	return &ExactAdapter{
		pool:   pool,
		signer: signer,
		nonces: nonces,
		log:    log,
		now:    time.Now,
	}
}

// SetClock overrides the wall clock. Test hook.
func (a *ExactAdapter) SetClock(now func() time.Time) {
	a.now = now
}

func invalid(reason string) *types.VerifyResult {
	return &types.VerifyResult{IsValid: false, InvalidReason: reason}
}

// Verify runs the exact-scheme checks in order, stopping on the first
// failure. Only malformed route configuration returns a non-nil error;
// payment problems come back as an invalid result with a reason.
func (a *ExactAdapter) Verify(ctx context.Context, payload *types.PaymentPayload, route *config.Route, network *config.Network) (*types.VerifyResult, error) {
	exact, err := types.EvmPayloadFromMap(payload.Payload)
	if err != nil {
		return invalid(fmt.Sprintf("Invalid exact EVM payload: %v", err)), nil
	}
	if exact.Authorization == nil || exact.Signature == "" {
		return invalid("Missing authorization or signature"), nil
	}
	auth := exact.Authorization

	if payload.Scheme != types.SchemeExact {
		return invalid(fmt.Sprintf("Unsupported scheme: %s", payload.Scheme)), nil
	}

	required, err := config.RequiredAtomicAmount(route.PriceAtomic, network.Token.Decimals)
	if err != nil {
		return nil, err
	}
	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return invalid(fmt.Sprintf("Invalid authorization value: %s", auth.Value)), nil
	}
	if value.Cmp(required) < 0 {
		return invalid(fmt.Sprintf("Payment amount %s is less than required %s", value, required)), nil
	}

	if !strings.EqualFold(auth.To, route.PayTo) {
		return invalid(fmt.Sprintf("Payment recipient %s does not match %s", auth.To, route.PayTo)), nil
	}

	now := a.now().Unix()
	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return invalid(fmt.Sprintf("Invalid validAfter: %s", auth.ValidAfter)), nil
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return invalid(fmt.Sprintf("Invalid validBefore: %s", auth.ValidBefore)), nil
	}
	if big.NewInt(now).Cmp(validAfter) < 0 {
		return invalid("Authorization is not yet valid"), nil
	}
	if big.NewInt(now).Cmp(validBefore) > 0 {
		return invalid("Authorization has expired"), nil
	}

	if record := a.nonces.Get(ctx, auth.Nonce); record != nil {
		return invalid(fmt.Sprintf("Nonce already used (status: %s)", record.Status)), nil
	}

	signature, err := HexToBytes(exact.Signature)
	if err != nil {
		return invalid(fmt.Sprintf("Invalid signature encoding: %v", err)), nil
	}
	signer, err := RecoverAuthorizationSigner(
		auth, signature, network.ChainID,
		network.Token.Address, network.Token.DisplayName, network.Token.DomainVersion,
	)
	if err != nil {
		return invalid(fmt.Sprintf("Signature verification failed: %v", err)), nil
	}
	if !strings.EqualFold(signer.Hex(), auth.From) {
		return invalid(fmt.Sprintf("Recovered signer %s does not match %s", signer.Hex(), auth.From)), nil
	}

	client, err := a.pool.Client(network)
	if err != nil {
		return invalid(err.Error()), nil
	}
	balance, err := BalanceOf(ctx, client, network.Token.Address, auth.From)
	if err != nil {
		// The settlement transaction is the authoritative balance check;
		// an RPC hiccup here must not reject a valid payment.
		a.log.Warn("balance read failed, assuming sufficient",
			zap.String("network", network.NetworkID),
			zap.String("payer", auth.From),
			zap.Error(err))
	} else if balance.Cmp(required) < 0 {
		return invalid(fmt.Sprintf("Insufficient balance: have %s, need %s", balance, required)), nil
	}

	return &types.VerifyResult{IsValid: true, Payer: auth.From}, nil
}

// Settle submits transferWithAuthorization with the client's signature and
// waits for one confirmation.
func (a *ExactAdapter) Settle(ctx context.Context, payload *types.PaymentPayload, route *config.Route, network *config.Network) (*types.SettlementReceipt, error) {
	if a.signer == nil {
		return nil, fmt.Errorf("settlement signer not configured: set %s", config.SettlementKeyEnv)
	}

	exact, err := types.EvmPayloadFromMap(payload.Payload)
	if err != nil {
		return nil, fmt.Errorf("invalid exact EVM payload: %w", err)
	}
	auth := exact.Authorization

	signature, err := HexToBytes(exact.Signature)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(signature) != 65 {
		return nil, fmt.Errorf("invalid signature length: %d", len(signature))
	}

	var r, s [32]byte
	copy(r[:], signature[0:32])
	copy(s[:], signature[32:64])
	v := signature[64]
	if v < 27 {
		v += 27
	}

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid authorization value: %s", auth.Value)
	}
	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validAfter: %s", auth.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validBefore: %s", auth.ValidBefore)
	}
	nonceBytes, err := HexToBytes(auth.Nonce)
	if err != nil || len(nonceBytes) != 32 {
		return nil, fmt.Errorf("invalid authorization nonce: %s", auth.Nonce)
	}
	var nonce [32]byte
	copy(nonce[:], nonceBytes)

	client, err := a.pool.Client(network)
	if err != nil {
		return nil, err
	}

	txHash, err := a.signer.WriteContract(
		ctx, client, network.ChainID, network.Token.Address,
		TransferWithAuthorizationABI, FunctionTransferWithAuthorization,
		common.HexToAddress(auth.From),
		common.HexToAddress(auth.To),
		value, validAfter, validBefore, nonce, v, r, s,
	)
	if err != nil {
		return nil, fmt.Errorf("settlement failed: %w", err)
	}

	receipt, err := WaitForReceipt(ctx, client, txHash)
	if err != nil {
		return nil, err
	}
	if receipt.Status != TxStatusSuccess {
		return nil, fmt.Errorf("settlement transaction %s reverted", txHash)
	}

	blockNumber := receipt.BlockNumber.Uint64()
	return &types.SettlementReceipt{
		TxHash:      txHash,
		Network:     network.NetworkID,
		BlockNumber: &blockNumber,
		Payer:       auth.From,
	}, nil
}

// NonceKey returns the replay key for a local EVM payment: the EIP-3009
// authorization nonce itself.
func (a *ExactAdapter) NonceKey(payload *types.PaymentPayload) (string, bool) {
	exact, err := types.EvmPayloadFromMap(payload.Payload)
	if err != nil || exact.Authorization == nil || exact.Authorization.Nonce == "" {
		return "", false
	}
	return exact.Authorization.Nonce, true
}
