// Package facilitator delegates EVM verification and settlement to an
// external x402 facilitator service over HTTP.
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/artlu99/x402-gateway/config"
	"github.com/artlu99/x402-gateway/types"
)

// maxTimeoutSeconds is the settlement deadline advertised to facilitators.
const maxTimeoutSeconds = 3600

const defaultHTTPTimeout = 30 * time.Second

// requestBody is the wire shape of both /verify and /settle requests.
type requestBody struct {
	PaymentPayload      map[string]interface{}     `json:"paymentPayload"`
	PaymentRequirements *types.PaymentRequirements `json:"paymentRequirements"`
}

type verifyResponseBody struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

type settleResponseBody struct {
	Success     bool            `json:"success"`
	Transaction string          `json:"transaction,omitempty"`
	Network     string          `json:"network,omitempty"`
	ErrorReason string          `json:"errorReason,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
}

// errorMessage extracts a human-readable reason from a settle failure body,
// accepting either {error: "..."} or {error: {message: "..."}}.
func (r *settleResponseBody) errorMessage() string {
	if r.ErrorReason != "" {
		return r.ErrorReason
	}
	if len(r.Error) == 0 {
		return "facilitator settlement failed"
	}
	var asString string
	if err := json.Unmarshal(r.Error, &asString); err == nil && asString != "" {
		return asString
	}
	var asObject struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(r.Error, &asObject); err == nil && asObject.Message != "" {
		return asObject.Message
	}
	return "facilitator settlement failed"
}

// Adapter speaks the facilitator verify/settle API for EVM networks whose
// descriptor carries a Facilitator block. It never touches the chain itself,
// so it derives no nonce key and leaves blockNumber unset.
type Adapter struct {
	registry   *config.NetworkRegistry
	httpClient *http.Client
	log        *zap.Logger
}

// NewAdapter creates a facilitator adapter. httpClient may be nil; a default
// with a 30s timeout is used.
func NewAdapter(registry *config.NetworkRegistry, httpClient *http.Client, log *zap.Logger) *Adapter {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Adapter{registry: registry, httpClient: httpClient, log: log}
}

// buildBody assembles the facilitator request, applying the facilitator's
// protocol version and network alias when configured.
func (a *Adapter) buildBody(payload *types.PaymentPayload, route *config.Route, network *config.Network) (*requestBody, error) {
	fac := network.Facilitator

	version := payload.X402Version
	if version == 0 {
		version = types.ProtocolVersion
	}
	if fac.ProtocolVersion != 0 {
		version = fac.ProtocolVersion
	}

	alias := network.NetworkID
	if fac.NetworkAlias != "" {
		alias = fac.NetworkAlias
	}

	payTo := route.PayTo
	if fac.FacilitatorContract != "" {
		payTo = fac.FacilitatorContract
	}

	required, err := config.RequiredAtomicAmount(route.PriceAtomic, network.Token.Decimals)
	if err != nil {
		return nil, err
	}
	amount := required.String()

	return &requestBody{
		PaymentPayload: map[string]interface{}{
			"x402Version": version,
			"scheme":      payload.Scheme,
			"network":     alias,
			"payload":     payload.Payload,
		},
		PaymentRequirements: &types.PaymentRequirements{
			Scheme:            types.SchemeExact,
			Network:           alias,
			MaxAmountRequired: amount,
			MaxTimeoutSeconds: maxTimeoutSeconds,
			PayTo:             payTo,
			Asset:             network.Token.Address,
			Resource:          route.Path,
			Description:       route.Description,
			MimeType:          route.MimeType,
			Amount:            amount,
			Recipient:         payTo,
		},
	}, nil
}

func (a *Adapter) post(ctx context.Context, network *config.Network, endpoint string, body *requestBody) (int, []byte, error) {
	fac := network.Facilitator
	apiKey, err := a.registry.FacilitatorAPIKey(network)
	if err != nil {
		return 0, nil, err
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to encode facilitator request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fac.URL+endpoint, bytes.NewReader(encoded))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build facilitator request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("facilitator request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read facilitator response: %w", err)
	}
	return resp.StatusCode, raw, nil
}

// Verify asks the facilitator to validate the payment. Transport failures
// return an error; protocol-level rejections come back as an invalid result.
func (a *Adapter) Verify(ctx context.Context, payload *types.PaymentPayload, route *config.Route, network *config.Network) (*types.VerifyResult, error) {
	body, err := a.buildBody(payload, route, network)
	if err != nil {
		return nil, err
	}

	status, raw, err := a.post(ctx, network, "/verify", body)
	if err != nil {
		return &types.VerifyResult{IsValid: false, InvalidReason: err.Error()}, nil
	}

	var parsed verifyResponseBody
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return &types.VerifyResult{
			IsValid:       false,
			InvalidReason: fmt.Sprintf("Facilitator returned non-JSON (%d)", status),
		}, nil
	}

	if status < 200 || status >= 300 || !parsed.IsValid {
		reason := parsed.InvalidReason
		if reason == "" {
			reason = fmt.Sprintf("Facilitator rejected payment (%d)", status)
		}
		return &types.VerifyResult{IsValid: false, InvalidReason: reason}, nil
	}
	return &types.VerifyResult{IsValid: true, Payer: parsed.Payer}, nil
}

// Settle asks the facilitator to execute the transfer. The facilitator owns
// inclusion, so the receipt carries no block number.
func (a *Adapter) Settle(ctx context.Context, payload *types.PaymentPayload, route *config.Route, network *config.Network) (*types.SettlementReceipt, error) {
	body, err := a.buildBody(payload, route, network)
	if err != nil {
		return nil, err
	}

	status, raw, err := a.post(ctx, network, "/settle", body)
	if err != nil {
		return nil, err
	}

	var parsed settleResponseBody
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("Facilitator returned non-JSON (%d)", status)
	}
	if status < 200 || status >= 300 || !parsed.Success {
		return nil, fmt.Errorf("facilitator settlement failed: %s", parsed.errorMessage())
	}

	settledNetwork := parsed.Network
	if settledNetwork == "" {
		settledNetwork = network.NetworkID
	}
	return &types.SettlementReceipt{
		TxHash:      parsed.Transaction,
		Network:     settledNetwork,
		BlockNumber: nil,
		Facilitator: network.Facilitator.URL,
	}, nil
}

// NonceKey reports no key: the external facilitator owns replay protection.
func (a *Adapter) NonceKey(_ *types.PaymentPayload) (string, bool) {
	return "", false
}
