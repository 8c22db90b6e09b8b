// Package paymentid implements the x402 payment-identifier extension: a
// client-chosen opaque id that makes retries idempotent.
package paymentid

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/artlu99/x402-gateway/types"
)

// ExtensionKey is the extension name in payload and 402 extensions maps.
const ExtensionKey = "payment-identifier"

const (
	minLength = 16
	maxLength = 128
)

var idPattern = regexp.MustCompile(fmt.Sprintf(`^[A-Za-z0-9_-]{%d,%d}$`, minLength, maxLength))

// extensionSchema validates the structural shape of the extension object.
var extensionSchema = gojsonschema.NewStringLoader(`{
	"type": "object",
	"properties": {
		"paymentId": {"type": "string"}
	},
	"required": ["paymentId"],
	"additionalProperties": true
}`)

// IsValidID reports whether id matches the payment identifier format:
// 16-128 characters of [A-Za-z0-9_-].
func IsValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Generate returns a fresh payment identifier. Client tooling and tests use
// this; the gateway itself only ever consumes ids.
func Generate(prefix string) string {
	if prefix == "" {
		prefix = "pay_"
	}
	return prefix + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// Extract returns the payment identifier carried by a payload, looking at
// both recognized locations: payload.extensions and payload.payload.extensions.
// A malformed or invalid identifier is treated as absent, never as an error.
func Extract(payload *types.PaymentPayload) string {
	if payload == nil {
		return ""
	}

	if id := fromExtensions(payload.Extensions); id != "" {
		return id
	}

	if payload.Payload != nil {
		if nested, ok := payload.Payload["extensions"].(map[string]interface{}); ok {
			if id := fromExtensions(nested); id != "" {
				return id
			}
		}
	}

	return ""
}

func fromExtensions(extensions map[string]interface{}) string {
	if extensions == nil {
		return ""
	}
	ext, ok := extensions[ExtensionKey]
	if !ok {
		return ""
	}

	raw, err := json.Marshal(ext)
	if err != nil {
		return ""
	}

	result, err := gojsonschema.Validate(extensionSchema, gojsonschema.NewBytesLoader(raw))
	if err != nil || !result.Valid() {
		return ""
	}

	var parsed struct {
		PaymentID string `json:"paymentId"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return ""
	}
	if !IsValidID(parsed.PaymentID) {
		return ""
	}
	return parsed.PaymentID
}

// Advertisement is the extension entry the gateway includes in 402 bodies:
// identifiers are supported but never required.
func Advertisement() map[string]interface{} {
	return map[string]interface{}{
		"supported": true,
		"required":  false,
	}
}
