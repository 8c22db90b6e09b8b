package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/artlu99/x402-gateway/config"
	"github.com/artlu99/x402-gateway/extensions/paymentid"
	"github.com/artlu99/x402-gateway/store"
	"github.com/artlu99/x402-gateway/types"
)

// Payment envelope headers, checked in order.
const (
	HeaderPaymentSignature = "Payment-Signature"
	HeaderXPayment         = "X-Payment"
	HeaderPaymentRequired  = "PAYMENT-REQUIRED"
	HeaderPaymentResponse  = "PAYMENT-RESPONSE"
)

// Gateway owns the payment pipeline's collaborators. One instance serves all
// routes; every request gets its own state on the stack.
type Gateway struct {
	Networks    *config.NetworkRegistry
	Routes      *config.RouteTable
	Dispatcher  *Dispatcher
	Nonces      *store.NonceCoordinator
	Idempotency *store.IdempotencyCache
	Required    *RequiredBuilder
	Proxy       *Proxy
	Metrics     *Metrics
	Log         *zap.Logger
}

// envelopeHeader finds the payment envelope, preferring Payment-Signature.
func envelopeHeader(c *gin.Context) string {
	if v := c.GetHeader(HeaderPaymentSignature); v != "" {
		return v
	}
	return c.GetHeader(HeaderXPayment)
}

// abortPayment renders a classified payment error as {error, reason?}.
func abortPayment(c *gin.Context, status int, perr *PaymentError) {
	body := gin.H{"error": perr.Message}
	if reason, ok := perr.Details["reason"]; ok {
		body["reason"] = reason
	}
	c.AbortWithStatusJSON(status, body)
}

// Paywall wraps the route's backend proxy in the payment state machine.
func (g *Gateway) Paywall(routeKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		route, err := g.Routes.Resolve(routeKey)
		if err != nil {
			g.Metrics.observe(routeKey, "", "unknown_route")
			abortPayment(c, http.StatusInternalServerError,
				NewPaymentError(CodeConfigError, err.Error()))
			return
		}

		encoded := envelopeHeader(c)
		if encoded == "" {
			g.emitPaymentRequired(c, route, "Payment required")
			return
		}

		payload, err := types.DecodePaymentPayloadFromBase64(encoded)
		if err != nil {
			g.Metrics.observe(route.Key, "", "malformed_envelope")
			abortPayment(c, http.StatusBadRequest,
				NewPaymentError(CodeEnvelopeMalformed, "Invalid payment payload encoding"))
			return
		}

		// A paymentId that already settled short-circuits everything,
		// including on-chain work.
		paymentID := paymentid.Extract(payload)
		if paymentID != "" {
			if cached := g.Idempotency.Get(c.Request.Context(), paymentID); cached != nil {
				g.Log.Info("idempotency hit",
					zap.String("route", route.Key),
					zap.String("paymentId", paymentID))
				g.Metrics.observe(route.Key, payload.Network, "idempotency_hit")
				c.Header(HeaderPaymentResponse, cached.Response.PaymentResponseHeader)
				g.Proxy.Forward(c, route, cachedPayer(cached))
				return
			}
		}

		network, err := g.Networks.Resolve(payload.Network)
		if err != nil {
			g.Metrics.observe(route.Key, payload.Network, "unsupported_network")
			abortPayment(c, http.StatusPaymentRequired,
				NewPaymentError(CodeUnsupportedNetwork, "Unsupported network").
					WithDetail("reason", err.Error()))
			return
		}

		adapter, err := g.Dispatcher.Adapter(network)
		if err != nil {
			g.Metrics.observe(route.Key, network.NetworkID, "unsupported_network")
			abortPayment(c, http.StatusPaymentRequired,
				NewPaymentError(CodeUnsupportedNetwork, "Unsupported network").
					WithDetail("reason", err.Error()))
			return
		}

		result, err := adapter.Verify(c.Request.Context(), payload, route, network)
		if err != nil {
			g.Metrics.observe(route.Key, network.NetworkID, "verify_error")
			g.emitVerificationFailed(c, route, err.Error())
			return
		}
		if !result.IsValid {
			g.Metrics.observe(route.Key, network.NetworkID, "verify_rejected")
			g.emitVerificationFailed(c, route, result.InvalidReason)
			return
		}

		nonceKey, hasNonce := adapter.NonceKey(payload)
		if hasNonce {
			claimed := g.Nonces.Claim(c.Request.Context(), nonceKey, store.NonceMetadata{
				Network: network.NetworkID,
				Payer:   result.Payer,
				Route:   route.Key,
				VM:      string(network.VM),
			})
			if !claimed {
				g.Metrics.observe(route.Key, network.NetworkID, "nonce_contended")
				abortPayment(c, http.StatusPaymentRequired,
					NewPaymentError(CodeNonceContended, "Nonce already used or settlement in progress"))
				return
			}
		}

		// Settlement must survive a client disconnect: the transfer may
		// already be committed on-chain.
		settleCtx := context.WithoutCancel(c.Request.Context())
		started := time.Now()
		receipt, err := adapter.Settle(settleCtx, payload, route, network)
		if g.Metrics != nil {
			g.Metrics.SettlementSeconds.WithLabelValues(network.NetworkID).Observe(time.Since(started).Seconds())
		}
		if err != nil {
			if hasNonce {
				g.Nonces.Release(settleCtx, nonceKey)
			}
			g.Log.Warn("settlement failed",
				zap.String("route", route.Key),
				zap.String("network", network.NetworkID),
				zap.Error(err))
			g.Metrics.observe(route.Key, network.NetworkID, "settlement_failed")
			abortPayment(c, http.StatusPaymentRequired,
				NewPaymentError(CodeSettlementFailed, "Settlement failed").
					WithDetail("reason", err.Error()))
			return
		}

		if hasNonce {
			g.Nonces.Confirm(settleCtx, nonceKey, receipt)
		}

		response := &types.PaymentResponse{
			Success:     true,
			TxHash:      receipt.TxHash,
			Network:     receipt.Network,
			BlockNumber: receipt.BlockNumber,
			Facilitator: receipt.Facilitator,
		}
		responseHeader, err := response.EncodeToBase64()
		if err != nil {
			responseHeader = ""
		}

		if paymentID != "" && responseHeader != "" {
			g.Idempotency.Put(settleCtx, paymentID, store.IdempotencyResponse{
				PaymentResponseHeader: responseHeader,
				Settlement:            receipt,
			})
		}

		g.Log.Info("payment settled",
			zap.String("route", route.Key),
			zap.String("network", receipt.Network),
			zap.String("txHash", receipt.TxHash),
			zap.String("payer", receipt.Payer))
		g.Metrics.observe(route.Key, network.NetworkID, "settled")

		if responseHeader != "" {
			c.Header(HeaderPaymentResponse, responseHeader)
		}
		payer := receipt.Payer
		if payer == "" {
			payer = result.Payer
		}
		g.Proxy.Forward(c, route, payer)
	}
}

func cachedPayer(record *store.IdempotencyRecord) string {
	if record.Response.Settlement != nil {
		return record.Response.Settlement.Payer
	}
	return ""
}

// emitPaymentRequired answers a paymentless request with the 402 prompt.
func (g *Gateway) emitPaymentRequired(c *gin.Context, route *config.Route, reason string) {
	g.Metrics.observe(route.Key, "", "payment_required")
	body, headerBase64, err := g.Required.Build(route, c.Request, reason)
	if err != nil {
		g.Log.Error("failed to build 402 response", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to build payment requirements"})
		return
	}
	c.Header(HeaderPaymentRequired, headerBase64)
	c.AbortWithStatusJSON(http.StatusPaymentRequired, body)
}

// emitVerificationFailed rebuilds the PAYMENT-REQUIRED header so the client
// can retry without a second paymentless round trip.
func (g *Gateway) emitVerificationFailed(c *gin.Context, route *config.Route, reason string) {
	_, headerBase64, err := g.Required.Build(route, c.Request, reason)
	if err == nil {
		c.Header(HeaderPaymentRequired, headerBase64)
	}
	abortPayment(c, http.StatusPaymentRequired,
		NewPaymentError(CodeVerificationFailed, "Payment verification failed").
			WithDetail("reason", reason))
}

// RouteSummaries lists the purchasable routes for the discovery endpoint.
func (g *Gateway) RouteSummaries() []gin.H {
	routes := g.Routes.All()
	summaries := make([]gin.H, 0, len(routes))
	for _, route := range routes {
		summaries = append(summaries, gin.H{
			"path":        route.Path,
			"price":       route.Price,
			"description": route.Description,
			"mimeType":    route.MimeType,
		})
	}
	return summaries
}
