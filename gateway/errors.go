// Package gateway is the payment core: envelope decoding, dispatch to a
// chain adapter, nonce and idempotency coordination, and the paywall
// middleware that ties them to the backend proxy.
package gateway

import "fmt"

// ErrorCode classifies a payment failure by meaning.
type ErrorCode string

const (
	CodeEnvelopeMalformed  ErrorCode = "envelope_malformed"
	CodePaymentRequired    ErrorCode = "payment_required"
	CodeUnsupportedNetwork ErrorCode = "unsupported_network"
	CodeVerificationFailed ErrorCode = "verification_failed"
	CodeNonceContended     ErrorCode = "nonce_contended"
	CodeSettlementFailed   ErrorCode = "settlement_failed"
	CodeConfigError        ErrorCode = "config_error"
)

// PaymentError carries a classification, a client-facing message, and
// optional structured details.
type PaymentError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewPaymentError creates a classified payment error.
func NewPaymentError(code ErrorCode, message string) *PaymentError {
	return &PaymentError{Code: code, Message: message}
}

// WithDetail attaches one structured detail, allocating the map lazily.
func (e *PaymentError) WithDetail(key string, value interface{}) *PaymentError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}
