// Package config builds the gateway's network and route registries from the
// process environment. Registries are built once at startup; nothing here is
// consulted lazily at request time.
package config

import (
	"fmt"
	"math/big"
	"os"
)

// VM identifies the chain family of a network.
type VM string

const (
	VMEvm VM = "evm"
	VMSvm VM = "svm"
)

// EnvFunc looks up an environment variable. os.Getenv in production,
// injectable for tests.
type EnvFunc func(key string) string

// Token describes the settlement token on a network.
type Token struct {
	Address       string
	DisplayName   string // EIP-712 domain name for EVM tokens
	DomainVersion string // EIP-712 domain version
	Decimals      int
}

// Facilitator describes an external EVM settlement service. A non-nil
// Facilitator on a network means the gateway delegates verify/settle to it
// instead of submitting transactions itself.
type Facilitator struct {
	URL                 string
	APIKeyEnv           string
	NetworkAlias        string // network identifier the facilitator expects, if different
	FacilitatorContract string // advertised payTo when the facilitator escrows funds
	ProtocolVersion     int    // x402 version the facilitator speaks; 0 means use the payload's
}

// Network is the descriptor for one settlement network.
type Network struct {
	VM          VM
	NetworkID   string // CAIP-2 identifier, e.g. "eip155:8453"
	ChainID     *big.Int
	RPCEnvVar   string
	Token       Token
	Facilitator *Facilitator
}

// SolanaFacilitatorKeyEnv names the env var holding the gateway's SVM
// co-signer private key (base58).
const SolanaFacilitatorKeyEnv = "SOLANA_FACILITATOR_PRIVATE_KEY"

// SettlementKeyEnv names the env var holding the gateway's EVM settlement
// private key (hex).
const SettlementKeyEnv = "SETTLEMENT_PRIVATE_KEY"

// builtinNetworks is the static network table. Activation is decided per
// process by BuildNetworkRegistry from the environment.
var builtinNetworks = []Network{
	{
		VM:        VMEvm,
		NetworkID: "eip155:8453",
		ChainID:   big.NewInt(8453),
		RPCEnvVar: "BASE_RPC_URL",
		Token: Token{
			Address:       "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			DisplayName:   "USD Coin",
			DomainVersion: "2",
			Decimals:      6,
		},
	},
	{
		VM:        VMEvm,
		NetworkID: "eip155:84532",
		ChainID:   big.NewInt(84532),
		RPCEnvVar: "BASE_SEPOLIA_RPC_URL",
		Token: Token{
			Address:       "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			DisplayName:   "USDC",
			DomainVersion: "2",
			Decimals:      6,
		},
	},
	{
		VM:        VMEvm,
		NetworkID: "eip155:56",
		ChainID:   big.NewInt(56),
		RPCEnvVar: "BSC_RPC_URL",
		Token: Token{
			Address:       "0x8AC76a51cc950d9822D68b83fE1Ad97B32Cd580d",
			DisplayName:   "USD Coin",
			DomainVersion: "2",
			Decimals:      18,
		},
	},
	{
		VM:        VMEvm,
		NetworkID: "eip155:6342",
		ChainID:   big.NewInt(6342),
		RPCEnvVar: "MEGAETH_RPC_URL",
		Token: Token{
			Address:       "0x71a8AD0b5E8b0551a5aFD57C1dcB3A0e6874Ba96",
			DisplayName:   "MegaUSD",
			DomainVersion: "1",
			Decimals:      18,
		},
		Facilitator: &Facilitator{
			URL:                 "https://facilitator.megaeth.com",
			APIKeyEnv:           "MEGAETH_FACILITATOR_API_KEY",
			NetworkAlias:        "megaeth-testnet",
			FacilitatorContract: "0x2fA9C3c2F0B0cbB6Fc1bA916e4E8a40AB8b6A7c5",
			ProtocolVersion:     1,
		},
	},
	{
		VM:        VMSvm,
		NetworkID: "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp",
		RPCEnvVar: "SOLANA_RPC_URL",
		Token: Token{
			Address:     "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
			DisplayName: "USDC",
			Decimals:    6,
		},
	},
	{
		VM:        VMSvm,
		NetworkID: "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1",
		RPCEnvVar: "SOLANA_DEVNET_RPC_URL",
		Token: Token{
			Address:     "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU",
			DisplayName: "USDC",
			Decimals:    6,
		},
	},
}

// NetworkRegistry resolves CAIP-2 network identifiers to descriptors.
// Only active networks are registered.
type NetworkRegistry struct {
	networks map[string]*Network
	order    []string
	env      EnvFunc
}

// BuildNetworkRegistry builds the registry of active networks. A network is
// active when its RPC URL is configured; SVM networks additionally require the
// facilitator signing key so the gateway can co-sign.
func BuildNetworkRegistry(env EnvFunc) *NetworkRegistry {
	if env == nil {
		env = os.Getenv
	}

	reg := &NetworkRegistry{
		networks: make(map[string]*Network),
		env:      env,
	}

	for i := range builtinNetworks {
		n := builtinNetworks[i]
		if env(n.RPCEnvVar) == "" {
			continue
		}
		if n.VM == VMSvm && env(SolanaFacilitatorKeyEnv) == "" {
			continue
		}
		reg.networks[n.NetworkID] = &n
		reg.order = append(reg.order, n.NetworkID)
	}

	return reg
}

// Resolve returns the descriptor for a network identifier.
func (r *NetworkRegistry) Resolve(networkID string) (*Network, error) {
	n, ok := r.networks[networkID]
	if !ok {
		return nil, fmt.Errorf("unsupported network: %s", networkID)
	}
	return n, nil
}

// Active returns all active networks in declaration order.
func (r *NetworkRegistry) Active() []*Network {
	out := make([]*Network, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.networks[id])
	}
	return out
}

// RPCURL returns the configured RPC endpoint for a network.
func (r *NetworkRegistry) RPCURL(n *Network) string {
	return r.env(n.RPCEnvVar)
}

// FacilitatorAPIKey returns the API key for a delegated network, or an error
// naming the missing env var.
func (r *NetworkRegistry) FacilitatorAPIKey(n *Network) (string, error) {
	if n.Facilitator == nil {
		return "", fmt.Errorf("network %s has no facilitator", n.NetworkID)
	}
	key := r.env(n.Facilitator.APIKeyEnv)
	if key == "" {
		return "", fmt.Errorf("missing facilitator API key: %s", n.Facilitator.APIKeyEnv)
	}
	return key, nil
}
