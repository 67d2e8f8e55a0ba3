package pool

import (
	"fmt"
	"math/big"
	"sort"
)

// Tick bounds for concentrated liquidity pools, matching the on-chain
// limits of the V3 core contracts.
const (
	MinTick int32 = -887272
	MaxTick int32 = 887272
)

var (
	q96  = new(big.Int).Lsh(big.NewInt(1), 96)
	one  = big.NewInt(1)
	uMax = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

	// Precomputed Q128.128 multipliers for sqrt(1.0001)^(-2^i), the same
	// constants the on-chain TickMath library uses.
	tickRatios = mustRatios([]string{
		"fffcb933bd6fad37aa2d162d1a594001",
		"fff97272373d413259a46990580e213a",
		"fff2e50f5f656932ef12357cf3c7fdcc",
		"ffe5caca7e10e4e61c3624eaa0941cd0",
		"ffcb9843d60f6159c9db58835c926644",
		"ff973b41fa98c081472e6896dfb254c0",
		"ff2ea16466c96a3843ec78b326b52861",
		"fe5dee046a99a2a811c461f1969c3053",
		"fcbe86c7900a88aedcffc83b479aa3a4",
		"f987a7253ac413176f2b074cf7815e54",
		"f3392b0822b70005940c7a398e4b70f3",
		"e7159475a2c29b7443b29c7fa6e889d9",
		"d097f3bdfd2022b8845ad8f792aa5825",
		"a9f746462d870fdf8a65dc1f90e061e5",
		"70d869a156d2a1b890bb3df62baf32f7",
		"31be135f97d08fd981231505542fcfa6",
		"9aa508b5b7a84e1c677de54f3e99bc9",
		"5d6af8dedb81196699c329225ee604",
		"2216e584f5fa1ea926041bedfe98",
		"48a170391f7dc42444e8fa2",
	})
)

func mustRatios(hexes []string) []*big.Int {
	out := make([]*big.Int, len(hexes))
	for i, h := range hexes {
		v, ok := new(big.Int).SetString(h, 16)
		if !ok {
			panic(fmt.Sprintf("bad tick ratio constant %q", h))
		}
		out[i] = v
	}
	return out
}

// SqrtRatioAtTick returns sqrt(1.0001^tick) as a Q64.96 fixed point.
func SqrtRatioAtTick(tick int32) (*big.Int, error) {
	if tick < MinTick || tick > MaxTick {
		return nil, fmt.Errorf("%w: tick %d", ErrOverflow, tick)
	}

	absTick := uint32(tick)
	if tick < 0 {
		absTick = uint32(-tick)
	}

	ratio := new(big.Int).Lsh(one, 128)
	if absTick&1 != 0 {
		ratio.Set(tickRatios[0])
	}
	for i := 1; i < len(tickRatios); i++ {
		if absTick&(1<<uint(i)) != 0 {
			ratio.Mul(ratio, tickRatios[i])
			ratio.Rsh(ratio, 128)
		}
	}

	if tick > 0 {
		ratio.Quo(uMax, ratio)
	}

	// Q128.128 -> Q64.96, rounding up so round trips through TickAtSqrtRatio
	// stay on the same side of the tick.
	sqrtPrice := new(big.Int).Rsh(ratio, 32)
	if new(big.Int).And(ratio, big.NewInt((1<<32)-1)).Sign() != 0 {
		sqrtPrice.Add(sqrtPrice, one)
	}
	return sqrtPrice, nil
}

// initializedTicksAbove returns the initialized tick indexes strictly
// greater than tick, ascending.
func (p *Pool) initializedTicksAbove(tick int32) []int32 {
	var out []int32
	for t := range p.Ticks {
		if t > tick {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// initializedTicksBelow returns the initialized tick indexes less than
// or equal to tick, descending.
func (p *Pool) initializedTicksBelow(tick int32) []int32 {
	var out []int32
	for t := range p.Ticks {
		if t <= tick {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] > out[j] })
	return out
}
