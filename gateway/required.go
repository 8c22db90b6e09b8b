package gateway

import (
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/artlu99/x402-gateway/config"
	"github.com/artlu99/x402-gateway/extensions/paymentid"
	"github.com/artlu99/x402-gateway/types"
)

// maxTimeoutSeconds is the settlement deadline advertised in accept entries.
const maxTimeoutSeconds = 3600

// FeePayerFunc resolves the gateway's SVM co-signer address.
type FeePayerFunc func() (string, error)

// RequiredBuilder assembles 402 responses: one accept entry per active
// network the route can be paid on.
type RequiredBuilder struct {
	registry *config.NetworkRegistry
	feePayer FeePayerFunc
	log      *zap.Logger

	once           sync.Once
	feePayerCached string
}

// NewRequiredBuilder creates a 402 builder. feePayer may be nil when no SVM
// network is configured; SVM accepts are then omitted.
func NewRequiredBuilder(registry *config.NetworkRegistry, feePayer FeePayerFunc, log *zap.Logger) *RequiredBuilder {
	if log == nil {
		log = zap.NewNop()
	}
	return &RequiredBuilder{registry: registry, feePayer: feePayer, log: log}
}

// svmFeePayer resolves the co-signer address once; an empty result drops SVM
// networks from the accepts list.
func (b *RequiredBuilder) svmFeePayer() string {
	b.once.Do(func() {
		if b.feePayer == nil {
			return
		}
		address, err := b.feePayer()
		if err != nil {
			b.log.Warn("SVM fee payer unavailable, omitting SVM accepts", zap.Error(err))
			return
		}
		b.feePayerCached = address
	})
	return b.feePayerCached
}

// resourceURL reconstructs the full URL of the incoming request.
func resourceURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if forwarded := r.Header.Get("X-Forwarded-Proto"); forwarded != "" {
		scheme = forwarded
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// Build produces the 402 body and the base64 PAYMENT-REQUIRED header for a
// route. The header wraps a copy of the body's accepts enriched with
// maxAmountRequired and resource metadata.
func (b *RequiredBuilder) Build(route *config.Route, r *http.Request, reason string) (*types.PaymentRequired, string, error) {
	resource := &types.ResourceInfo{
		URL:         resourceURL(r),
		Description: route.Description,
		MimeType:    route.MimeType,
	}

	var bodyAccepts, headerAccepts []types.PaymentRequirements
	for _, network := range b.registry.Active() {
		amount, err := config.RequiredAtomicAmount(route.PriceAtomic, network.Token.Decimals)
		if err != nil {
			return nil, "", err
		}

		var payTo string
		extra := map[string]interface{}{}
		switch {
		case network.VM == config.VMSvm:
			payTo = route.PayToSol
			feePayer := b.svmFeePayer()
			if feePayer == "" {
				continue
			}
			extra["feePayer"] = feePayer
		case network.Facilitator != nil && network.Facilitator.FacilitatorContract != "":
			payTo = network.Facilitator.FacilitatorContract
			extra["name"] = network.Token.DisplayName
			extra["version"] = network.Token.DomainVersion
		default:
			payTo = route.PayTo
			extra["name"] = network.Token.DisplayName
			extra["version"] = network.Token.DomainVersion
		}
		if payTo == "" {
			continue
		}

		accept := types.PaymentRequirements{
			Scheme:            types.SchemeExact,
			Network:           network.NetworkID,
			Amount:            amount.String(),
			PayTo:             payTo,
			MaxTimeoutSeconds: maxTimeoutSeconds,
			Asset:             network.Token.Address,
			Extra:             extra,
		}
		bodyAccepts = append(bodyAccepts, accept)

		enriched := accept
		enriched.MaxAmountRequired = amount.String()
		enriched.Resource = resource.URL
		enriched.Description = route.Description
		enriched.MimeType = route.MimeType
		headerAccepts = append(headerAccepts, enriched)
	}

	body := &types.PaymentRequired{
		X402Version: types.ProtocolVersion,
		Error:       reason,
		Accepts:     bodyAccepts,
		Resource:    resource,
		Extensions: map[string]interface{}{
			paymentid.ExtensionKey: paymentid.Advertisement(),
		},
	}

	header := &types.PaymentRequired{
		X402Version: types.ProtocolVersion,
		Error:       reason,
		Accepts:     headerAccepts,
		Resource:    resource,
		Extensions:  body.Extensions,
	}
	headerBase64, err := types.EncodePaymentRequiredToBase64(header)
	if err != nil {
		return nil, "", err
	}
	return body, headerBase64, nil
}
