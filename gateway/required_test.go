package gateway

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/artlu99/x402-gateway/config"
	"github.com/artlu99/x402-gateway/types"
)

func buildRoute() *config.Route {
	return &config.Route{
		Key:         "myapi",
		Path:        "/v1/myapi",
		PriceAtomic: "10000",
		PayTo:       "0x1111111111111111111111111111111111111111",
		PayToSol:    "7nYabs9dUhvxYwdTnrWVBL9MYviKSfrEbdWCUbcD5DhX",
		Description: "Paid API access",
		MimeType:    "application/json",
	}
}

func acceptsByNetwork(accepts []types.PaymentRequirements) map[string]types.PaymentRequirements {
	out := make(map[string]types.PaymentRequirements, len(accepts))
	for _, a := range accepts {
		out[a.Network] = a
	}
	return out
}

func TestBuildEnumeratesActiveNetworks(t *testing.T) {
	registry := config.BuildNetworkRegistry(func(key string) string {
		switch key {
		case "BASE_RPC_URL", "BSC_RPC_URL", "SOLANA_RPC_URL":
			return "https://rpc.example"
		case "SOLANA_FACILITATOR_PRIVATE_KEY":
			return "configured"
		}
		return ""
	})
	feePayer := func() (string, error) { return "FeePayer1111111111111111111111111111111111", nil }
	builder := NewRequiredBuilder(registry, feePayer, zap.NewNop())

	req := httptest.NewRequest("GET", "http://gateway.example/v1/myapi/test?q=1", nil)
	body, headerBase64, err := builder.Build(buildRoute(), req, "Payment required")
	require.NoError(t, err)
	require.NotEmpty(t, headerBase64)

	assert.Equal(t, 2, body.X402Version)
	assert.Equal(t, "Payment required", body.Error)
	assert.Equal(t, "http://gateway.example/v1/myapi/test?q=1", body.Resource.URL)

	byNetwork := acceptsByNetwork(body.Accepts)
	require.Len(t, byNetwork, 3)

	base := byNetwork["eip155:8453"]
	assert.Equal(t, "10000", base.Amount)
	assert.Equal(t, "0x1111111111111111111111111111111111111111", base.PayTo)
	assert.Equal(t, "USD Coin", base.Extra["name"])
	assert.Equal(t, "2", base.Extra["version"])

	// BSC's 18-decimal token scales the 6-decimal reference price.
	bsc := byNetwork["eip155:56"]
	assert.Equal(t, "10000000000000000", bsc.Amount)

	sol := byNetwork["solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"]
	assert.Equal(t, "7nYabs9dUhvxYwdTnrWVBL9MYviKSfrEbdWCUbcD5DhX", sol.PayTo)
	assert.Equal(t, "FeePayer1111111111111111111111111111111111", sol.Extra["feePayer"])
}

func TestBuildAdvertisesFacilitatorContract(t *testing.T) {
	registry := config.BuildNetworkRegistry(func(key string) string {
		if key == "MEGAETH_RPC_URL" {
			return "https://rpc.example"
		}
		return ""
	})
	builder := NewRequiredBuilder(registry, nil, zap.NewNop())

	req := httptest.NewRequest("GET", "http://gateway.example/v1/myapi", nil)
	body, _, err := builder.Build(buildRoute(), req, "")
	require.NoError(t, err)

	byNetwork := acceptsByNetwork(body.Accepts)
	mega, ok := byNetwork["eip155:6342"]
	require.True(t, ok)
	assert.NotEqual(t, buildRoute().PayTo, mega.PayTo, "delegated networks advertise the facilitator contract")
}

func TestBuildOmitsSvmWithoutFeePayer(t *testing.T) {
	registry := config.BuildNetworkRegistry(func(key string) string {
		switch key {
		case "SOLANA_RPC_URL":
			return "https://rpc.example"
		case "SOLANA_FACILITATOR_PRIVATE_KEY":
			return "configured"
		}
		return ""
	})
	feePayer := func() (string, error) { return "", errors.New("key not loadable") }
	builder := NewRequiredBuilder(registry, feePayer, zap.NewNop())

	req := httptest.NewRequest("GET", "http://gateway.example/v1/myapi", nil)
	body, _, err := builder.Build(buildRoute(), req, "")
	require.NoError(t, err)
	assert.Empty(t, body.Accepts)
}

func TestBuildOmitsNetworksWithoutRecipient(t *testing.T) {
	registry := config.BuildNetworkRegistry(func(key string) string {
		if key == "BASE_RPC_URL" {
			return "https://rpc.example"
		}
		return ""
	})
	builder := NewRequiredBuilder(registry, nil, zap.NewNop())

	route := buildRoute()
	route.PayTo = ""

	req := httptest.NewRequest("GET", "http://gateway.example/v1/myapi", nil)
	body, _, err := builder.Build(route, req, "")
	require.NoError(t, err)
	assert.Empty(t, body.Accepts)
}

func TestHeaderAcceptsCarryResourceMetadata(t *testing.T) {
	registry := config.BuildNetworkRegistry(func(key string) string {
		if key == "BASE_RPC_URL" {
			return "https://rpc.example"
		}
		return ""
	})
	builder := NewRequiredBuilder(registry, nil, zap.NewNop())

	req := httptest.NewRequest("GET", "http://gateway.example/v1/myapi/test", nil)
	body, headerBase64, err := builder.Build(buildRoute(), req, "")
	require.NoError(t, err)

	// Body accepts stay lean.
	require.Len(t, body.Accepts, 1)
	assert.Empty(t, body.Accepts[0].MaxAmountRequired)
	assert.Empty(t, body.Accepts[0].Resource)

	header, err := types.DecodePaymentRequiredFromBase64(headerBase64)
	require.NoError(t, err)
	require.Len(t, header.Accepts, 1)
	assert.Equal(t, "10000", header.Accepts[0].MaxAmountRequired)
	assert.Equal(t, "http://gateway.example/v1/myapi/test", header.Accepts[0].Resource)
	assert.Equal(t, "Paid API access", header.Accepts[0].Description)
	assert.Equal(t, "application/json", header.Accepts[0].MimeType)
}
