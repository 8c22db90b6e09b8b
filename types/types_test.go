package types

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeEnvelope(t *testing.T, v interface{}) string {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}

func TestDecodePaymentPayloadFromBase64(t *testing.T) {
	encoded := encodeEnvelope(t, map[string]interface{}{
		"x402Version": 2,
		"scheme":      "exact",
		"network":     "eip155:8453",
		"payload": map[string]interface{}{
			"signature": "0xabc",
		},
	})

	payload, err := DecodePaymentPayloadFromBase64(encoded)
	require.NoError(t, err)
	assert.Equal(t, 2, payload.X402Version)
	assert.Equal(t, SchemeExact, payload.Scheme)
	assert.Equal(t, "eip155:8453", payload.Network)
	assert.Equal(t, "0xabc", payload.Payload["signature"])
}

func TestDecodePaymentPayloadRejectsBadBase64(t *testing.T) {
	_, err := DecodePaymentPayloadFromBase64("invalid!!!")
	assert.Error(t, err)
}

func TestDecodePaymentPayloadRejectsBadJSON(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("{not json"))
	_, err := DecodePaymentPayloadFromBase64(encoded)
	assert.Error(t, err)
}

func TestEvmPayloadFromMap(t *testing.T) {
	payload, err := EvmPayloadFromMap(map[string]interface{}{
		"signature": "0xsig",
		"authorization": map[string]interface{}{
			"from":        "0xFrom",
			"to":          "0xTo",
			"value":       "10000",
			"validAfter":  "0",
			"validBefore": "9999999999",
			"nonce":       "0x0101",
		},
	})
	require.NoError(t, err)
	require.NotNil(t, payload.Authorization)
	assert.Equal(t, "0xsig", payload.Signature)
	assert.Equal(t, "10000", payload.Authorization.Value)
	assert.Equal(t, "0x0101", payload.Authorization.Nonce)
}

func TestSvmPayloadFromMap(t *testing.T) {
	payload, err := SvmPayloadFromMap(map[string]interface{}{
		"transaction": "AQID",
	})
	require.NoError(t, err)
	assert.Equal(t, "AQID", payload.Transaction)
}

func TestPaymentResponseEncodeToBase64(t *testing.T) {
	block := uint64(123)
	response := &PaymentResponse{
		Success:     true,
		TxHash:      "0xdeadbeef",
		Network:     "eip155:8453",
		BlockNumber: &block,
	}

	encoded, err := response.EncodeToBase64()
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, true, decoded["success"])
	assert.Equal(t, "0xdeadbeef", decoded["txHash"])
	assert.Equal(t, float64(123), decoded["blockNumber"])
}

func TestEncodePaymentRequiredToBase64(t *testing.T) {
	required := &PaymentRequired{
		X402Version: ProtocolVersion,
		Accepts: []PaymentRequirements{
			{Scheme: SchemeExact, Network: "eip155:8453", Amount: "10000"},
		},
	}

	encoded, err := EncodePaymentRequiredToBase64(required)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)

	var decoded PaymentRequired
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, ProtocolVersion, decoded.X402Version)
	require.Len(t, decoded.Accepts, 1)
	assert.Equal(t, "10000", decoded.Accepts[0].Amount)
}
