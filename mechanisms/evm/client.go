// Package evm implements the EVM-local chain adapter: EIP-3009 exact-scheme
// verification and on-chain settlement via transferWithAuthorization.
package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/artlu99/x402-gateway/config"
)

// receiptPollInterval is how often WaitForReceipt polls for a mined
// transaction, and maxReceiptAttempts bounds the wait: a transaction that
// drops from the mempool must fail settlement, not stall the request.
const (
	receiptPollInterval = 2 * time.Second
	maxReceiptAttempts  = 30
)

// ClientPool lazily dials and caches one RPC client per network. Clients are
// safe to share across requests.
type ClientPool struct {
	mu       sync.Mutex
	clients  map[string]*ethclient.Client
	registry *config.NetworkRegistry
}

// NewClientPool creates an empty pool over the network registry.
func NewClientPool(registry *config.NetworkRegistry) *ClientPool {
	return &ClientPool{
		clients:  make(map[string]*ethclient.Client),
		registry: registry,
	}
}

// Client returns the RPC client for a network, dialing on first use. A
// missing RPC URL is a configuration error naming the env var.
func (p *ClientPool) Client(n *config.Network) (*ethclient.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if client, ok := p.clients[n.NetworkID]; ok {
		return client, nil
	}

	url := p.registry.RPCURL(n)
	if url == "" {
		return nil, fmt.Errorf("missing RPC URL: %s", n.RPCEnvVar)
	}

	client, err := ethclient.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", n.NetworkID, err)
	}
	p.clients[n.NetworkID] = client
	return client, nil
}

// Signer submits settlement transactions with the gateway's settlement key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSignerFromPrivateKey creates a signer from a hex private key, with or
// without the 0x prefix.
func NewSignerFromPrivateKey(privateKeyHex string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid settlement private key: %w", err)
	}
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Address returns the settlement account address.
func (s *Signer) Address() string {
	return s.address.Hex()
}

// WriteContract packs and submits a contract call, returning the transaction
// hash without waiting for inclusion.
func (s *Signer) WriteContract(
	ctx context.Context,
	client *ethclient.Client,
	chainID *big.Int,
	contractAddress string,
	abiBytes []byte,
	functionName string,
	args ...interface{},
) (string, error) {
	contractABI, err := abi.JSON(strings.NewReader(string(abiBytes)))
	if err != nil {
		return "", fmt.Errorf("failed to parse ABI: %w", err)
	}
	data, err := contractABI.Pack(functionName, args...)
	if err != nil {
		return "", fmt.Errorf("failed to pack %s call: %w", functionName, err)
	}

	nonce, err := client.PendingNonceAt(ctx, s.address)
	if err != nil {
		return "", fmt.Errorf("failed to fetch account nonce: %w", err)
	}
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to suggest gas price: %w", err)
	}

	to := common.HexToAddress(contractAddress)
	gasLimit, err := client.EstimateGas(ctx, ethereum.CallMsg{
		From: s.address,
		To:   &to,
		Data: data,
	})
	if err != nil {
		return "", fmt.Errorf("failed to estimate gas: %w", err)
	}

	tx := ethtypes.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(chainID), s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}
	return signedTx.Hash().Hex(), nil
}

// WaitForReceipt polls until the transaction is mined (1 confirmation), the
// attempt budget runs out, or the context ends.
func WaitForReceipt(ctx context.Context, client *ethclient.Client, txHash string) (*ethtypes.Receipt, error) {
	return waitForReceipt(ctx, client, txHash, receiptPollInterval, maxReceiptAttempts)
}

func waitForReceipt(ctx context.Context, client *ethclient.Client, txHash string, interval time.Duration, maxAttempts int) (*ethtypes.Receipt, error) {
	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for attempt := 0; attempt < maxAttempts; attempt++ {
		receipt, err := client.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for receipt of %s: %w", txHash, ctx.Err())
		case <-ticker.C:
		}
	}
	return nil, fmt.Errorf("transaction %s not mined after %d attempts", txHash, maxAttempts)
}

// BalanceOf reads the ERC-20 balance of holder on the token contract.
func BalanceOf(ctx context.Context, client *ethclient.Client, tokenAddress, holder string) (*big.Int, error) {
	contractABI, err := abi.JSON(strings.NewReader(string(ERC20BalanceOfABI)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse balanceOf ABI: %w", err)
	}
	data, err := contractABI.Pack(FunctionBalanceOf, common.HexToAddress(holder))
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf call: %w", err)
	}

	to := common.HexToAddress(tokenAddress)
	result, err := client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("balanceOf call failed: %w", err)
	}

	outputs, err := contractABI.Unpack(FunctionBalanceOf, result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack balanceOf result: %w", err)
	}
	balance, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result type %T", outputs[0])
	}
	return balance, nil
}
