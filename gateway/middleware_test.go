package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/artlu99/x402-gateway/config"
	"github.com/artlu99/x402-gateway/store"
	"github.com/artlu99/x402-gateway/types"
)

// stubAdapter scripts verify/settle outcomes and records invocations.
type stubAdapter struct {
	verifyResult *types.VerifyResult
	settleErr    error
	receipt      *types.SettlementReceipt
	nonceKey     string

	verifyCalls int
	settleCalls int
}

func (s *stubAdapter) Verify(context.Context, *types.PaymentPayload, *config.Route, *config.Network) (*types.VerifyResult, error) {
	s.verifyCalls++
	if s.verifyResult != nil {
		return s.verifyResult, nil
	}
	return &types.VerifyResult{IsValid: true, Payer: "0xpayer"}, nil
}

func (s *stubAdapter) Settle(context.Context, *types.PaymentPayload, *config.Route, *config.Network) (*types.SettlementReceipt, error) {
	s.settleCalls++
	if s.settleErr != nil {
		return nil, s.settleErr
	}
	if s.receipt != nil {
		return s.receipt, nil
	}
	block := uint64(100)
	return &types.SettlementReceipt{
		TxHash:      "0xsettled",
		Network:     "eip155:8453",
		BlockNumber: &block,
		Payer:       "0xpayer",
	}, nil
}

func (s *stubAdapter) NonceKey(*types.PaymentPayload) (string, bool) {
	if s.nonceKey == "" {
		return "", false
	}
	return s.nonceKey, true
}

type fixture struct {
	gateway *Gateway
	adapter *stubAdapter
	backend *httptest.Server
	hits    *int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hits := 0
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":"paid content"}`))
	}))
	t.Cleanup(backend.Close)

	env := func(key string) string {
		switch key {
		case "BASE_RPC_URL":
			return "http://127.0.0.1:1"
		case "MYAPI_BACKEND_URL":
			return backend.URL
		case "PAY_TO_ADDRESS":
			return "0x1111111111111111111111111111111111111111"
		}
		return ""
	}

	networks := config.BuildNetworkRegistry(env)
	routes := config.BuildRouteTable(env)
	kv := store.NewMemoryKV()
	adapter := &stubAdapter{nonceKey: "0xnonce-1"}

	g := &Gateway{
		Networks:    networks,
		Routes:      routes,
		Dispatcher:  NewDispatcher(adapter, adapter, adapter),
		Nonces:      store.NewNonceCoordinator(kv, zap.NewNop()),
		Idempotency: store.NewIdempotencyCache(kv, zap.NewNop()),
		Required:    NewRequiredBuilder(networks, nil, zap.NewNop()),
		Proxy:       NewProxy(backend.Client(), zap.NewNop()),
		Metrics:     NewMetrics(nil),
		Log:         zap.NewNop(),
	}
	return &fixture{gateway: g, adapter: adapter, backend: backend, hits: &hits}
}

func (f *fixture) serve(t *testing.T, routeKey string, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	engine := gin.New()
	engine.Any("/v1/myapi/*subpath", f.gateway.Paywall(routeKey))
	recorder := httptest.NewRecorder()
	engine.ServeHTTP(recorder, req)
	return recorder
}

func paymentHeader(t *testing.T, payload map[string]interface{}) string {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}

func basePayload() map[string]interface{} {
	return map[string]interface{}{
		"x402Version": 2,
		"scheme":      "exact",
		"network":     "eip155:8453",
		"payload":     map[string]interface{}{"signature": "0xsig"},
	}
}

func TestNoHeaderGets402WithRequirements(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/myapi/test", nil)

	resp := f.serve(t, "myapi", req)
	assert.Equal(t, http.StatusPaymentRequired, resp.Code)

	var body types.PaymentRequired
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, 2, body.X402Version)
	require.NotEmpty(t, body.Accepts)
	assert.Equal(t, map[string]interface{}{"supported": true, "required": false},
		body.Extensions["payment-identifier"])

	headerRaw, err := base64.StdEncoding.DecodeString(resp.Header().Get(HeaderPaymentRequired))
	require.NoError(t, err)
	var header types.PaymentRequired
	require.NoError(t, json.Unmarshal(headerRaw, &header))
	assert.Equal(t, 2, header.X402Version)
	require.NotEmpty(t, header.Accepts)
	assert.NotEmpty(t, header.Accepts[0].MaxAmountRequired)
	assert.Contains(t, header.Accepts[0].Resource, "/v1/myapi/test")
}

func TestUnknownRouteIs500(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/myapi/test", nil)

	resp := f.serve(t, "nonexistent", req)
	assert.Equal(t, http.StatusInternalServerError, resp.Code)
	assert.JSONEq(t, `{"error":"Unknown route: nonexistent"}`, resp.Body.String())
}

func TestMalformedBase64Is400(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/myapi/test", nil)
	req.Header.Set(HeaderXPayment, "invalid!!!")

	resp := f.serve(t, "myapi", req)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.JSONEq(t, `{"error":"Invalid payment payload encoding"}`, resp.Body.String())
}

func TestUnsupportedNetworkIs402(t *testing.T) {
	f := newFixture(t)
	payload := basePayload()
	payload["network"] = "eip155:99999"
	req := httptest.NewRequest(http.MethodGet, "/v1/myapi/test", nil)
	req.Header.Set(HeaderXPayment, paymentHeader(t, payload))

	resp := f.serve(t, "myapi", req)
	assert.Equal(t, http.StatusPaymentRequired, resp.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "Unsupported network", body["error"])
	assert.Contains(t, body["reason"], "eip155:99999")
}

func TestSuccessfulPaymentFlow(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/myapi/test", nil)
	req.Header.Set(HeaderPaymentSignature, paymentHeader(t, basePayload()))

	resp := f.serve(t, "myapi", req)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, 1, *f.hits)
	assert.Equal(t, 1, f.adapter.settleCalls)

	headerRaw, err := base64.StdEncoding.DecodeString(resp.Header().Get(HeaderPaymentResponse))
	require.NoError(t, err)
	var response types.PaymentResponse
	require.NoError(t, json.Unmarshal(headerRaw, &response))
	assert.True(t, response.Success)
	assert.Equal(t, "0xsettled", response.TxHash)
}

func TestReplayedNonceIs402(t *testing.T) {
	f := newFixture(t)

	first := httptest.NewRequest(http.MethodGet, "/v1/myapi/test", nil)
	first.Header.Set(HeaderXPayment, paymentHeader(t, basePayload()))
	resp := f.serve(t, "myapi", first)
	require.Equal(t, http.StatusOK, resp.Code)

	// The nonce is now confirmed; the stub verifier does not consult the
	// store, so the claim is what rejects the replay.
	second := httptest.NewRequest(http.MethodGet, "/v1/myapi/test", nil)
	second.Header.Set(HeaderXPayment, paymentHeader(t, basePayload()))
	resp = f.serve(t, "myapi", second)

	assert.Equal(t, http.StatusPaymentRequired, resp.Code)
	assert.Contains(t, resp.Body.String(), "Nonce already used")
	assert.Equal(t, 1, f.adapter.settleCalls)
}

func TestIdempotencyHitSkipsSettlement(t *testing.T) {
	f := newFixture(t)
	const pid = "test-payment-id-12345678"

	cachedHeader := base64.StdEncoding.EncodeToString([]byte(`{"success":true,"txHash":"0xcached"}`))
	f.gateway.Idempotency.Put(context.Background(), pid, store.IdempotencyResponse{
		PaymentResponseHeader: cachedHeader,
		Settlement:            &types.SettlementReceipt{TxHash: "0xcached", Payer: "0xpayer"},
	})

	for _, location := range []string{"top", "nested"} {
		payload := basePayload()
		ext := map[string]interface{}{
			"payment-identifier": map[string]interface{}{"paymentId": pid},
		}
		if location == "top" {
			payload["extensions"] = ext
		} else {
			payload["payload"] = map[string]interface{}{
				"signature":  "0xsig",
				"extensions": ext,
			}
		}

		req := httptest.NewRequest(http.MethodGet, "/v1/myapi/test", nil)
		req.Header.Set(HeaderXPayment, paymentHeader(t, payload))
		resp := f.serve(t, "myapi", req)

		assert.Equal(t, http.StatusOK, resp.Code)
		assert.Equal(t, cachedHeader, resp.Header().Get(HeaderPaymentResponse))
	}

	assert.Equal(t, 0, f.adapter.settleCalls)
	assert.Equal(t, 0, f.adapter.verifyCalls)
	assert.Equal(t, 2, *f.hits)
}

func TestSettlementSuccessCachesIdempotency(t *testing.T) {
	f := newFixture(t)
	const pid = "fresh-payment-id-87654321"

	payload := basePayload()
	payload["extensions"] = map[string]interface{}{
		"payment-identifier": map[string]interface{}{"paymentId": pid},
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/myapi/test", nil)
	req.Header.Set(HeaderXPayment, paymentHeader(t, payload))
	resp := f.serve(t, "myapi", req)
	require.Equal(t, http.StatusOK, resp.Code)

	cached := f.gateway.Idempotency.Get(context.Background(), pid)
	require.NotNil(t, cached)
	assert.Equal(t, resp.Header().Get(HeaderPaymentResponse), cached.Response.PaymentResponseHeader)
	assert.Equal(t, "0xsettled", cached.Response.Settlement.TxHash)
}

func TestVerificationFailureIs402WithHeader(t *testing.T) {
	f := newFixture(t)
	f.adapter.verifyResult = &types.VerifyResult{
		IsValid:       false,
		InvalidReason: "Payment amount 1 is less than required 10000",
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/myapi/test", nil)
	req.Header.Set(HeaderXPayment, paymentHeader(t, basePayload()))
	resp := f.serve(t, "myapi", req)

	assert.Equal(t, http.StatusPaymentRequired, resp.Code)
	assert.NotEmpty(t, resp.Header().Get(HeaderPaymentRequired))

	var body map[string]string
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "Payment verification failed", body["error"])
	assert.Contains(t, body["reason"], "less than required")
	assert.Equal(t, 0, f.adapter.settleCalls)
}

func TestSettlementFailureReleasesNonce(t *testing.T) {
	f := newFixture(t)
	f.adapter.settleErr = errors.New("rpc timeout")

	req := httptest.NewRequest(http.MethodGet, "/v1/myapi/test", nil)
	req.Header.Set(HeaderXPayment, paymentHeader(t, basePayload()))
	resp := f.serve(t, "myapi", req)

	assert.Equal(t, http.StatusPaymentRequired, resp.Code)
	assert.Contains(t, resp.Body.String(), "rpc timeout")
	assert.Equal(t, 0, *f.hits)

	// The key is claimable again: release ran before the error surfaced.
	assert.True(t, f.gateway.Nonces.Claim(context.Background(), f.adapter.nonceKey, store.NonceMetadata{}))
}

func TestOptionsPreflightIs204(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodOptions, "/v1/myapi/test", nil)

	resp := f.serve(t, "myapi", req)
	assert.Equal(t, http.StatusNoContent, resp.Code)
	assert.Equal(t, 0, *f.hits)
}

func TestPaymentSignatureHeaderPreferred(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/myapi/test", nil)
	req.Header.Set(HeaderPaymentSignature, paymentHeader(t, basePayload()))
	req.Header.Set(HeaderXPayment, "invalid!!!")

	resp := f.serve(t, "myapi", req)
	assert.Equal(t, http.StatusOK, resp.Code)
}
