package svm

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
	"time"

	solana "github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"

	"github.com/artlu99/x402-gateway/config"
	"github.com/artlu99/x402-gateway/types"
)

// SignerFunc supplies the shared facilitator signer. Indirection so tests can
// inject a throwaway key without touching process-wide state.
type SignerFunc func() (*FacilitatorSigner, error)

// ExactAdapter verifies and settles exact-scheme SPL token payments by
// validating the client's partially-signed transaction, co-signing it as fee
// payer, and submitting it.
type ExactAdapter struct {
	registry *config.NetworkRegistry
	signerFn SignerFunc
	log      *zap.Logger

	mu      sync.Mutex
	clients map[string]*rpc.Client
}

// NewExactAdapter wires the SVM adapter. A nil signerFn uses the shared
// process-wide signer.
func NewExactAdapter(registry *config.NetworkRegistry, signerFn SignerFunc, env config.EnvFunc, log *zap.Logger) *ExactAdapter {
	if signerFn == nil {
		signerFn = func() (*FacilitatorSigner, error) { return SharedSigner(env) }
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ExactAdapter{
		registry: registry,
		signerFn: signerFn,
		log:      log,
		clients:  make(map[string]*rpc.Client),
	}
}

func (a *ExactAdapter) rpcClient(network *config.Network) (*rpc.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if client, ok := a.clients[network.NetworkID]; ok {
		return client, nil
	}
	url := a.registry.RPCURL(network)
	if url == "" {
		return nil, fmt.Errorf("missing RPC URL: %s", network.RPCEnvVar)
	}
	client := rpc.New(url)
	a.clients[network.NetworkID] = client
	return client, nil
}

func invalid(reason string) *types.VerifyResult {
	return &types.VerifyResult{IsValid: false, InvalidReason: reason}
}

// Verify checks the transaction's structure (compute budget caps, a single
// TransferChecked to the route's ATA for at least the required amount), then
// co-signs and simulates it to prove it would succeed on-chain.
func (a *ExactAdapter) Verify(ctx context.Context, payload *types.PaymentPayload, route *config.Route, network *config.Network) (*types.VerifyResult, error) {
	if payload.Scheme != types.SchemeExact {
		return invalid(fmt.Sprintf("Unsupported scheme: %s", payload.Scheme)), nil
	}

	exact, err := types.SvmPayloadFromMap(payload.Payload)
	if err != nil || exact.Transaction == "" {
		return invalid("Missing transaction in SVM payload"), nil
	}

	tx, err := DecodeTransaction(exact.Transaction)
	if err != nil {
		return invalid(fmt.Sprintf("Invalid transaction: %v", err)), nil
	}

	// ComputeLimit + ComputePrice + TransferChecked, nothing else.
	if len(tx.Message.Instructions) != 3 {
		return invalid(fmt.Sprintf("Expected 3 instructions, got %d", len(tx.Message.Instructions))), nil
	}

	signer, err := a.signerFn()
	if err != nil {
		return invalid(err.Error()), nil
	}

	if err := verifyComputeLimit(tx, tx.Message.Instructions[0]); err != nil {
		return invalid(err.Error()), nil
	}
	if err := verifyComputePrice(tx, tx.Message.Instructions[1]); err != nil {
		return invalid(err.Error()), nil
	}

	payer, err := a.verifyTransfer(tx, tx.Message.Instructions[2], route, network, signer.Address())
	if err != nil {
		return invalid(err.Error()), nil
	}

	if err := signer.SignTransaction(ctx, tx); err != nil {
		return invalid(fmt.Sprintf("Failed to co-sign transaction: %v", err)), nil
	}

	client, err := a.rpcClient(network)
	if err != nil {
		return invalid(err.Error()), nil
	}
	simResult, err := client.SimulateTransactionWithOpts(ctx, tx, &rpc.SimulateTransactionOpts{
		SigVerify:  true,
		Commitment: DefaultCommitment,
	})
	if err != nil {
		return invalid(fmt.Sprintf("Transaction simulation failed: %v", err)), nil
	}
	if simResult != nil && simResult.Value != nil && simResult.Value.Err != nil {
		return invalid(fmt.Sprintf("Transaction simulation failed: %v", simResult.Value.Err)), nil
	}

	return &types.VerifyResult{IsValid: true, Payer: payer}, nil
}

// Settle co-signs the client transaction as fee payer, submits it, and waits
// for confirmation. Inclusion is tracked by signature only, so the receipt
// carries no block number.
func (a *ExactAdapter) Settle(ctx context.Context, payload *types.PaymentPayload, route *config.Route, network *config.Network) (*types.SettlementReceipt, error) {
	exact, err := types.SvmPayloadFromMap(payload.Payload)
	if err != nil {
		return nil, fmt.Errorf("invalid SVM payload: %w", err)
	}
	tx, err := DecodeTransaction(exact.Transaction)
	if err != nil {
		return nil, err
	}
	if len(tx.Message.Instructions) != 3 {
		return nil, fmt.Errorf("expected 3 instructions, got %d", len(tx.Message.Instructions))
	}

	payer := ""
	if accounts, rerr := tx.Message.Instructions[2].ResolveInstructionAccounts(&tx.Message); rerr == nil && len(accounts) >= 4 {
		payer = accounts[3].PublicKey.String()
	}

	signer, err := a.signerFn()
	if err != nil {
		return nil, err
	}
	if err := signer.SignTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to co-sign transaction: %w", err)
	}

	client, err := a.rpcClient(network)
	if err != nil {
		return nil, err
	}
	signature, err := client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: DefaultCommitment,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send transaction: %w", err)
	}

	if err := a.confirmWithRetry(ctx, client, signature); err != nil {
		return nil, fmt.Errorf("transaction %s not confirmed: %w", signature, err)
	}

	return &types.SettlementReceipt{
		TxHash:      signature.String(),
		Network:     network.NetworkID,
		BlockNumber: nil,
		Payer:       payer,
	}, nil
}

// NonceKey hashes the raw transaction bytes; two submissions of the same
// signed transaction collide on it.
func (a *ExactAdapter) NonceKey(payload *types.PaymentPayload) (string, bool) {
	exact, err := types.SvmPayloadFromMap(payload.Payload)
	if err != nil || exact.Transaction == "" {
		return "", false
	}
	raw, err := base64.StdEncoding.DecodeString(exact.Transaction)
	if err != nil {
		return "", false
	}
	sum := sha256.Sum256(raw)
	return "svm:" + hex.EncodeToString(sum[:]), true
}

func verifyComputeLimit(tx *solana.Transaction, inst solana.CompiledInstruction) error {
	progID := tx.Message.AccountKeys[inst.ProgramIDIndex]
	if !progID.Equals(solana.ComputeBudget) {
		return fmt.Errorf("First instruction must set a compute unit limit")
	}
	// Discriminator 2 is SetComputeUnitLimit.
	if len(inst.Data) < 1 || inst.Data[0] != 2 {
		return fmt.Errorf("First instruction must set a compute unit limit")
	}
	accounts, err := inst.ResolveInstructionAccounts(&tx.Message)
	if err != nil {
		return fmt.Errorf("First instruction must set a compute unit limit")
	}
	if _, err := computebudget.DecodeInstruction(accounts, inst.Data); err != nil {
		return fmt.Errorf("First instruction must set a compute unit limit")
	}
	return nil
}

func verifyComputePrice(tx *solana.Transaction, inst solana.CompiledInstruction) error {
	progID := tx.Message.AccountKeys[inst.ProgramIDIndex]
	if !progID.Equals(solana.ComputeBudget) {
		return fmt.Errorf("Second instruction must set a compute unit price")
	}
	// Discriminator 3 is SetComputeUnitPrice.
	if len(inst.Data) < 1 || inst.Data[0] != 3 {
		return fmt.Errorf("Second instruction must set a compute unit price")
	}
	accounts, err := inst.ResolveInstructionAccounts(&tx.Message)
	if err != nil {
		return fmt.Errorf("Second instruction must set a compute unit price")
	}
	decoded, err := computebudget.DecodeInstruction(accounts, inst.Data)
	if err != nil {
		return fmt.Errorf("Second instruction must set a compute unit price")
	}
	priceInst, ok := decoded.Impl.(*computebudget.SetComputeUnitPrice)
	if !ok {
		return fmt.Errorf("Second instruction must set a compute unit price")
	}
	if priceInst.MicroLamports > uint64(MaxComputeUnitPriceLamports*1_000_000) {
		return fmt.Errorf("Compute unit price exceeds maximum")
	}
	return nil
}

// verifyTransfer validates the TransferChecked instruction and returns the
// authority (payer) address.
func (a *ExactAdapter) verifyTransfer(tx *solana.Transaction, inst solana.CompiledInstruction, route *config.Route, network *config.Network, feePayer solana.PublicKey) (string, error) {
	progID := tx.Message.AccountKeys[inst.ProgramIDIndex]
	if progID != solana.TokenProgramID && progID != solana.Token2022ProgramID {
		return "", fmt.Errorf("Third instruction must be a token transfer")
	}

	accounts, err := inst.ResolveInstructionAccounts(&tx.Message)
	if err != nil || len(accounts) < 4 {
		return "", fmt.Errorf("Third instruction must be a token transfer")
	}

	decoded, err := token.DecodeInstruction(accounts, inst.Data)
	if err != nil {
		return "", fmt.Errorf("Third instruction must be a token transfer")
	}
	transfer, ok := decoded.Impl.(*token.TransferChecked)
	if !ok {
		return "", fmt.Errorf("Third instruction must be a TransferChecked")
	}

	// TransferChecked accounts: [source, mint, destination, authority, ...].
	// The fee payer must never be the one whose funds move.
	authority := accounts[3].PublicKey
	if authority.Equals(feePayer) {
		return "", fmt.Errorf("Fee payer cannot be the transfer authority")
	}

	mint := accounts[1].PublicKey
	if mint.String() != network.Token.Address {
		return authority.String(), fmt.Errorf("Token mint %s does not match %s", mint, network.Token.Address)
	}

	payTo, err := solana.PublicKeyFromBase58(route.PayToSol)
	if err != nil {
		return authority.String(), fmt.Errorf("Invalid route recipient: %v", err)
	}
	expectedATA, _, err := solana.FindAssociatedTokenAddress(payTo, mint)
	if err != nil {
		return authority.String(), fmt.Errorf("Failed to derive recipient token account: %v", err)
	}
	destination := transfer.GetDestinationAccount().PublicKey
	if !destination.Equals(expectedATA) {
		return authority.String(), fmt.Errorf("Transfer destination %s does not match %s", destination, expectedATA)
	}

	required, err := config.RequiredAtomicAmount(route.PriceAtomic, network.Token.Decimals)
	if err != nil {
		return authority.String(), err
	}
	if transfer.Amount == nil || new(big.Int).SetUint64(*transfer.Amount).Cmp(required) < 0 {
		return authority.String(), fmt.Errorf("Transfer amount is less than required %s", required)
	}

	return authority.String(), nil
}

func (a *ExactAdapter) confirmWithRetry(ctx context.Context, client *rpc.Client, signature solana.Signature) error {
	for attempt := 0; attempt < MaxConfirmAttempts; attempt++ {
		statuses, err := client.GetSignatureStatuses(ctx, true, signature)
		if err == nil && statuses != nil && len(statuses.Value) > 0 && statuses.Value[0] != nil {
			status := statuses.Value[0]
			if status.Err != nil {
				return fmt.Errorf("transaction failed on-chain: %v", status.Err)
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(ConfirmRetryDelay):
		}
	}
	return fmt.Errorf("confirmation timed out after %d attempts", MaxConfirmAttempts)
}
