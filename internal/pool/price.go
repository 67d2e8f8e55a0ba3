package pool

import (
	"fmt"
	"math/big"
)

// feeDenominator is the basis-point scale for swap fees.
const feeDenominator = 10_000

// SpotPrice returns the exact marginal price of token0 denominated in
// token1, adjusted for the tokens' decimal scales. The result is a
// rational, never a binary float, so downstream comparisons stay exact.
func (p *Pool) SpotPrice(decimals0, decimals1 uint8) (*big.Rat, error) {
	switch p.Variant {
	case VariantConstantProduct:
		if p.Reserve0 == nil || p.Reserve1 == nil {
			return nil, fmt.Errorf("%w: missing reserves", ErrInvalidPool)
		}
		if p.Reserve0.Sign() == 0 {
			return nil, fmt.Errorf("%w: zero reserve0", ErrInsufficientLiquidity)
		}
		price := new(big.Rat).SetFrac(new(big.Int).Set(p.Reserve1), new(big.Int).Set(p.Reserve0))
		return scaleDecimals(price, decimals0, decimals1), nil

	case VariantConcentratedLiquidity:
		if p.SqrtPriceX96 == nil || p.SqrtPriceX96.Sign() <= 0 {
			return nil, fmt.Errorf("%w: missing sqrt price", ErrInvalidPool)
		}
		// price = (sqrtPriceX96 / 2^96)^2
		num := new(big.Int).Mul(p.SqrtPriceX96, p.SqrtPriceX96)
		price := new(big.Rat).SetFrac(num, new(big.Int).Lsh(big.NewInt(1), 192))
		return scaleDecimals(price, decimals0, decimals1), nil

	default:
		return nil, fmt.Errorf("%w: unknown variant", ErrInvalidPool)
	}
}

// scaleDecimals converts a raw smallest-unit price into a human-scale
// price by multiplying with 10^(decimals0-decimals1).
func scaleDecimals(price *big.Rat, decimals0, decimals1 uint8) *big.Rat {
	if decimals0 == decimals1 {
		return price
	}
	if decimals0 > decimals1 {
		scale := pow10(uint(decimals0 - decimals1))
		return price.Mul(price, new(big.Rat).SetInt(scale))
	}
	scale := pow10(uint(decimals1 - decimals0))
	return price.Quo(price, new(big.Rat).SetInt(scale))
}

func pow10(n uint) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), new(big.Int).SetUint64(uint64(n)), nil)
}
