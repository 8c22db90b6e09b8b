package gateway

import (
	"context"
	"fmt"

	"github.com/artlu99/x402-gateway/config"
	"github.com/artlu99/x402-gateway/types"
)

// ChainAdapter is the capability set a settlement path must provide. The
// dispatcher selects one per network; it never inspects payloads itself.
type ChainAdapter interface {
	// Verify validates the payment. Protocol-level rejections come back as
	// an invalid result with a reason; errors mean the check could not run.
	Verify(ctx context.Context, payload *types.PaymentPayload, route *config.Route, network *config.Network) (*types.VerifyResult, error)

	// Settle executes the transfer and returns a receipt.
	Settle(ctx context.Context, payload *types.PaymentPayload, route *config.Route, network *config.Network) (*types.SettlementReceipt, error)

	// NonceKey derives the replay-protection key for this payload, or
	// reports false when the path delegates replay protection externally.
	NonceKey(payload *types.PaymentPayload) (string, bool)
}

// Dispatcher maps a network descriptor to its settlement path.
type Dispatcher struct {
	evmLocal       ChainAdapter
	evmFacilitator ChainAdapter
	svm            ChainAdapter
}

// NewDispatcher wires the three settlement paths.
func NewDispatcher(evmLocal, evmFacilitator, svm ChainAdapter) *Dispatcher {
	return &Dispatcher{
		evmLocal:       evmLocal,
		evmFacilitator: evmFacilitator,
		svm:            svm,
	}
}

// Adapter selects the settlement path: SVM networks always use the co-signing
// adapter; EVM networks use the external facilitator when configured, else
// local settlement.
func (d *Dispatcher) Adapter(network *config.Network) (ChainAdapter, error) {
	switch network.VM {
	case config.VMSvm:
		return d.svm, nil
	case config.VMEvm:
		if network.Facilitator != nil {
			return d.evmFacilitator, nil
		}
		return d.evmLocal, nil
	default:
		return nil, fmt.Errorf("no settlement path for VM %q", network.VM)
	}
}
