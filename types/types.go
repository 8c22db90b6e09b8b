// Package types defines the x402 wire types exchanged between paying clients,
// the gateway, and settlement facilitators.
package types

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the x402 protocol version this gateway speaks.
const ProtocolVersion = 2

// SchemeExact is the only payment scheme the gateway honors.
const SchemeExact = "exact"

// PaymentPayload is the decoded payment envelope carried in the
// Payment-Signature / X-Payment request header.
type PaymentPayload struct {
	X402Version int                    `json:"x402Version"`
	Scheme      string                 `json:"scheme"`
	Network     string                 `json:"network"`
	Payload     map[string]interface{} `json:"payload"`
	Extensions  map[string]interface{} `json:"extensions,omitempty"`
}

// EvmAuthorization is the EIP-3009 TransferWithAuthorization message.
type EvmAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`       // base units, decimal string
	ValidAfter  string `json:"validAfter"`  // unix seconds, decimal string
	ValidBefore string `json:"validBefore"` // unix seconds, decimal string
	Nonce       string `json:"nonce"`       // 32-byte hex
}

// ExactEvmPayload is the payload body for an exact EVM payment.
type ExactEvmPayload struct {
	Signature     string            `json:"signature"`
	Authorization *EvmAuthorization `json:"authorization,omitempty"`
}

// ExactSvmPayload is the payload body for an exact SVM payment: a base64
// encoded, client-partially-signed transaction.
type ExactSvmPayload struct {
	Transaction string `json:"transaction"`
}

// EvmPayloadFromMap parses the generic payload body as an exact EVM payload.
func EvmPayloadFromMap(data map[string]interface{}) (*ExactEvmPayload, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	var payload ExactEvmPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal evm payload: %w", err)
	}
	return &payload, nil
}

// SvmPayloadFromMap parses the generic payload body as an exact SVM payload.
func SvmPayloadFromMap(data map[string]interface{}) (*ExactSvmPayload, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	var payload ExactSvmPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal svm payload: %w", err)
	}
	return &payload, nil
}

// PaymentRequirements describes what the gateway will accept for a resource.
// It doubles as the body the gateway sends to external facilitators.
type PaymentRequirements struct {
	Scheme            string                 `json:"scheme"`
	Network           string                 `json:"network"`
	Amount            string                 `json:"amount,omitempty"`
	MaxAmountRequired string                 `json:"maxAmountRequired,omitempty"`
	Resource          string                 `json:"resource,omitempty"`
	Description       string                 `json:"description,omitempty"`
	MimeType          string                 `json:"mimeType,omitempty"`
	PayTo             string                 `json:"payTo"`
	Recipient         string                 `json:"recipient,omitempty"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds,omitempty"`
	Asset             string                 `json:"asset"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// ResourceInfo describes the resource behind a 402 response.
type ResourceInfo struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// PaymentRequired is the 402 response body and, enriched, the
// PAYMENT-REQUIRED header content.
type PaymentRequired struct {
	X402Version int                    `json:"x402Version"`
	Error       string                 `json:"error,omitempty"`
	Accepts     []PaymentRequirements  `json:"accepts"`
	Resource    *ResourceInfo          `json:"resource,omitempty"`
	Extensions  map[string]interface{} `json:"extensions,omitempty"`
}

// VerifyResult is the outcome of path-specific payment verification.
type VerifyResult struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettlementReceipt records a completed settlement. BlockNumber is nil for
// facilitator and SVM settlements, where the gateway never observes a block.
type SettlementReceipt struct {
	TxHash      string  `json:"txHash"`
	Network     string  `json:"network"`
	BlockNumber *uint64 `json:"blockNumber"`
	Payer       string  `json:"payer,omitempty"`
	Facilitator string  `json:"facilitator,omitempty"`
}

// PaymentResponse is the PAYMENT-RESPONSE header content attached to
// successfully paid responses.
type PaymentResponse struct {
	Success     bool    `json:"success"`
	TxHash      string  `json:"txHash"`
	Network     string  `json:"network"`
	BlockNumber *uint64 `json:"blockNumber"`
	Facilitator string  `json:"facilitator,omitempty"`
}

// EncodeToBase64 encodes the payment response as base64(JSON) for the
// PAYMENT-RESPONSE header.
func (p *PaymentResponse) EncodeToBase64() (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode payment response: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodePaymentPayloadFromBase64 decodes a base64(JSON) payment envelope.
// The standard alphabet with padding is required; anything else is a client
// encoding error.
func DecodePaymentPayloadFromBase64(encoded string) (*PaymentPayload, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 payment header: %w", err)
	}

	var payload PaymentPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment payload: %w", err)
	}
	return &payload, nil
}

// EncodePaymentRequiredToBase64 encodes the enriched 402 requirements for the
// PAYMENT-REQUIRED response header.
func EncodePaymentRequiredToBase64(required *PaymentRequired) (string, error) {
	raw, err := json.Marshal(required)
	if err != nil {
		return "", fmt.Errorf("failed to encode payment required: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodePaymentRequiredFromBase64 is the inverse of
// EncodePaymentRequiredToBase64. Clients use it to read the
// PAYMENT-REQUIRED header.
func DecodePaymentRequiredFromBase64(encoded string) (*PaymentRequired, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode payment required header: %w", err)
	}
	var required PaymentRequired
	if err := json.Unmarshal(raw, &required); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment required: %w", err)
	}
	return &required, nil
}
