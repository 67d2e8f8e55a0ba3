package pool

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSpotPriceConstantProduct(t *testing.T) {
	p := cpPool(t, 1000, 2000, 30)

	price, err := p.SpotPrice(18, 18)
	require.NoError(t, err)
	require.Equal(t, 0, price.Cmp(big.NewRat(2, 1)))
}

func TestSpotPriceDecimalScaling(t *testing.T) {
	p := cpPool(t, 1000, 2000, 30)

	// token0 has 18 decimals, token1 has 6: the raw price scales up by
	// 10^12.
	price, err := p.SpotPrice(18, 6)
	require.NoError(t, err)
	want := new(big.Rat).SetInt(new(big.Int).Mul(big.NewInt(2), pow10(12)))
	require.Equal(t, 0, price.Cmp(want))

	// The opposite skew scales down.
	price, err = p.SpotPrice(6, 18)
	require.NoError(t, err)
	want = new(big.Rat).SetFrac(big.NewInt(2), pow10(12))
	require.Equal(t, 0, price.Cmp(want))
}

func TestSpotPriceConcentrated(t *testing.T) {
	p := clPool(t, 30, map[int32]*big.Int{})

	// sqrtPriceX96 = 2^96 encodes a price of exactly 1.
	price, err := p.SpotPrice(18, 18)
	require.NoError(t, err)
	require.Equal(t, 0, price.Cmp(big.NewRat(1, 1)))

	p.SqrtPriceX96 = new(big.Int).Lsh(q96, 1)
	price, err = p.SpotPrice(18, 18)
	require.NoError(t, err)
	require.Equal(t, 0, price.Cmp(big.NewRat(4, 1)))
}

func TestSpotPriceDeterministic(t *testing.T) {
	p := cpPool(t, 123456789, 987654321, 30)

	first, err := p.SpotPrice(18, 6)
	require.NoError(t, err)
	second, err := p.SpotPrice(18, 6)
	require.NoError(t, err)
	require.Equal(t, 0, first.Cmp(second))
}

func TestSpotPriceErrors(t *testing.T) {
	p := cpPool(t, 1000, 2000, 30)
	p.Reserve0 = big.NewInt(0)
	_, err := p.SpotPrice(18, 18)
	require.ErrorIs(t, err, ErrInsufficientLiquidity)

	p.Reserve0 = nil
	_, err = p.SpotPrice(18, 18)
	require.ErrorIs(t, err, ErrInvalidPool)

	cl := clPool(t, 30, map[int32]*big.Int{})
	cl.SqrtPriceX96 = big.NewInt(0)
	_, err = cl.SpotPrice(18, 18)
	require.ErrorIs(t, err, ErrInvalidPool)

	unknown := cpPool(t, 1000, 2000, 30)
	unknown.Variant = VariantUnknown
	_, err = unknown.SpotPrice(18, 18)
	require.ErrorIs(t, err, ErrInvalidPool)
}
