package config

import (
	"fmt"
	"math/big"
)

// referenceDecimals is the decimal base route prices are quoted in. Tokens
// with more decimals scale the price up; tokens with fewer keep it as-is.
const referenceDecimals = 6

// RequiredAtomicAmount converts a route's atomic price into the token's own
// base units: priceAtomic * 10^(decimals-6) when the exponent is positive,
// otherwise priceAtomic unchanged.
func RequiredAtomicAmount(priceAtomic string, decimals int) (*big.Int, error) {
	price, ok := new(big.Int).SetString(priceAtomic, 10)
	if !ok {
		return nil, fmt.Errorf("invalid atomic price: %q", priceAtomic)
	}
	exponent := decimals - referenceDecimals
	if exponent <= 0 {
		return price, nil
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exponent)), nil)
	return price.Mul(price, scale), nil
}
