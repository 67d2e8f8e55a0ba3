package pool

import (
	"fmt"
	"math/big"
)

// maxAmountBits bounds swap inputs; anything wider risks overflowing
// the uint256 intermediates the on-chain contracts would reject anyway.
const maxAmountBits = 128

// SimulateSwap computes the exact output amount for swapping amountIn
// of one pool token for the other. zeroForOne selects the direction:
// token0 in, token1 out when true. The pool state is not mutated.
func (p *Pool) SimulateSwap(amountIn *big.Int, zeroForOne bool) (*big.Int, error) {
	return p.SimulateSwapWithLimit(amountIn, zeroForOne, nil)
}

// SimulateSwapWithLimit is SimulateSwap with an optional sqrt price
// limit (Q64.96) for concentrated liquidity pools: the walk stops once
// the pool price would cross the limit. The limit is ignored for
// constant product pools.
func (p *Pool) SimulateSwapWithLimit(amountIn *big.Int, zeroForOne bool, sqrtPriceLimitX96 *big.Int) (*big.Int, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, fmt.Errorf("%w: non-positive amount in", ErrInvalidPool)
	}
	if amountIn.BitLen() > maxAmountBits {
		return nil, fmt.Errorf("%w: amount in exceeds %d bits", ErrOverflow, maxAmountBits)
	}

	switch p.Variant {
	case VariantConstantProduct:
		return p.swapConstantProduct(amountIn, zeroForOne)
	case VariantConcentratedLiquidity:
		return p.swapConcentrated(amountIn, zeroForOne, sqrtPriceLimitX96)
	default:
		return nil, fmt.Errorf("%w: unknown variant", ErrInvalidPool)
	}
}

// swapConstantProduct applies the x*y=k invariant with the fee taken on
// the input amount:
//
//	out = reserveOut - (reserveIn * reserveOut) / (reserveIn + in*(1-fee))
//
// computed as the standard fee-scaled integer form to avoid rationals.
func (p *Pool) swapConstantProduct(amountIn *big.Int, zeroForOne bool) (*big.Int, error) {
	reserveIn, reserveOut := p.Reserve0, p.Reserve1
	if !zeroForOne {
		reserveIn, reserveOut = p.Reserve1, p.Reserve0
	}
	if reserveIn == nil || reserveOut == nil || reserveIn.Sign() == 0 || reserveOut.Sign() == 0 {
		return nil, fmt.Errorf("%w: empty reserves", ErrInsufficientLiquidity)
	}

	feeMul := big.NewInt(int64(feeDenominator - p.FeeBips))
	amountInWithFee := new(big.Int).Mul(amountIn, feeMul)

	numerator := new(big.Int).Mul(amountInWithFee, reserveOut)
	denominator := new(big.Int).Mul(reserveIn, big.NewInt(feeDenominator))
	denominator.Add(denominator, amountInWithFee)

	return numerator.Quo(numerator, denominator), nil
}

// swapConcentrated walks the initialized ticks in the trade direction,
// consuming the liquidity available in each tick range and crossing to
// the next until the input is spent, the price limit is hit, or the
// ticks run out.
func (p *Pool) swapConcentrated(amountIn *big.Int, zeroForOne bool, sqrtPriceLimitX96 *big.Int) (*big.Int, error) {
	// Fee on input, same basis-point convention as constant product.
	remaining := new(big.Int).Mul(amountIn, big.NewInt(int64(feeDenominator-p.FeeBips)))
	remaining.Quo(remaining, big.NewInt(feeDenominator))
	if remaining.Sign() == 0 {
		return big.NewInt(0), nil
	}

	sqrtP := new(big.Int).Set(p.SqrtPriceX96)
	liquidity := new(big.Int).Set(p.Liquidity)
	amountOut := new(big.Int)

	var boundaries []int32
	if zeroForOne {
		boundaries = p.initializedTicksBelow(p.CurrentTick)
	} else {
		boundaries = p.initializedTicksAbove(p.CurrentTick)
	}

	for _, tick := range boundaries {
		if remaining.Sign() == 0 {
			return amountOut, nil
		}

		target, err := SqrtRatioAtTick(tick)
		if err != nil {
			return nil, err
		}
		limited := false
		if sqrtPriceLimitX96 != nil {
			if zeroForOne && target.Cmp(sqrtPriceLimitX96) < 0 {
				target = sqrtPriceLimitX96
				limited = true
			}
			if !zeroForOne && target.Cmp(sqrtPriceLimitX96) > 0 {
				target = sqrtPriceLimitX96
				limited = true
			}
		}

		if liquidity.Sign() > 0 {
			stepIn, stepOut := stepAmounts(sqrtP, target, liquidity, zeroForOne)
			if remaining.Cmp(stepIn) < 0 {
				// The input runs out inside this tick range.
				finalP := finalSqrtPrice(sqrtP, liquidity, remaining, zeroForOne)
				_, partialOut := stepAmounts(sqrtP, finalP, liquidity, zeroForOne)
				amountOut.Add(amountOut, partialOut)
				return amountOut, nil
			}
			remaining.Sub(remaining, stepIn)
			amountOut.Add(amountOut, stepOut)
		}

		if limited {
			return amountOut, nil
		}

		// Cross the tick: price lands on the boundary and net liquidity
		// is applied in the direction of travel.
		sqrtP.Set(target)
		if net := p.Ticks[tick]; net != nil {
			if zeroForOne {
				liquidity.Sub(liquidity, net)
			} else {
				liquidity.Add(liquidity, net)
			}
		}
		if liquidity.Sign() < 0 {
			return nil, fmt.Errorf("%w: negative liquidity after crossing tick %d", ErrInvalidPool, tick)
		}
	}

	if remaining.Sign() > 0 {
		return nil, fmt.Errorf("%w: %s input unconsumed after last initialized tick", ErrInsufficientLiquidity, remaining)
	}
	return amountOut, nil
}

// stepAmounts returns the input consumed and output produced by moving
// the price from sqrtP to target at constant liquidity.
//
// Moving down (zeroForOne):
//
//	in  = L * (sqrtP - target) * 2^96 / (sqrtP * target)   token0
//	out = L * (sqrtP - target) / 2^96                      token1
//
// Moving up the two roles swap.
func stepAmounts(sqrtP, target, liquidity *big.Int, zeroForOne bool) (in, out *big.Int) {
	if zeroForOne {
		diff := new(big.Int).Sub(sqrtP, target)
		in = new(big.Int).Mul(liquidity, diff)
		in.Mul(in, q96)
		den := new(big.Int).Mul(sqrtP, target)
		// Round the required input up so the step never undercharges.
		in = ceilDiv(in, den)

		out = new(big.Int).Mul(liquidity, diff)
		out.Rsh(out, 96)
		return in, out
	}

	diff := new(big.Int).Sub(target, sqrtP)
	in = new(big.Int).Mul(liquidity, diff)
	in = ceilDiv(in, q96)

	out = new(big.Int).Mul(liquidity, diff)
	out.Mul(out, q96)
	den := new(big.Int).Mul(sqrtP, target)
	out.Quo(out, den)
	return in, out
}

// finalSqrtPrice computes where the price lands when amountIn is spent
// inside a single tick range at constant liquidity.
func finalSqrtPrice(sqrtP, liquidity, amountIn *big.Int, zeroForOne bool) *big.Int {
	if zeroForOne {
		// sqrtP' = L * sqrtP * 2^96 / (L * 2^96 + amountIn * sqrtP)
		num := new(big.Int).Mul(liquidity, sqrtP)
		num.Mul(num, q96)
		den := new(big.Int).Mul(liquidity, q96)
		den.Add(den, new(big.Int).Mul(amountIn, sqrtP))
		return num.Quo(num, den)
	}
	// sqrtP' = sqrtP + amountIn * 2^96 / L
	add := new(big.Int).Mul(amountIn, q96)
	add.Quo(add, liquidity)
	return add.Add(sqrtP, add)
}

func ceilDiv(num, den *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(num, den, new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, one)
	}
	return q
}
