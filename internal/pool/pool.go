package pool

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrInvalidPool marks a pool whose decoded fields are malformed.
	ErrInvalidPool = errors.New("invalid pool")
	// ErrInsufficientLiquidity is returned when a simulated swap exhausts
	// the initialized tick range before consuming the input amount.
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	// ErrOverflow is returned when an amount exceeds the safe range for
	// the pool arithmetic.
	ErrOverflow = errors.New("amount out of range")
)

// Variant tags the pricing-curve protocol of a pool.
type Variant uint8

const (
	VariantUnknown Variant = iota
	VariantConstantProduct
	VariantConcentratedLiquidity
)

func (v Variant) String() string {
	switch v {
	case VariantConstantProduct:
		return "constant_product"
	case VariantConcentratedLiquidity:
		return "concentrated_liquidity"
	default:
		return "unknown"
	}
}

// ParseVariant converts a checkpoint/config string into a Variant.
func ParseVariant(s string) (Variant, error) {
	switch s {
	case "constant_product":
		return VariantConstantProduct, nil
	case "concentrated_liquidity":
		return VariantConcentratedLiquidity, nil
	default:
		return VariantUnknown, fmt.Errorf("unknown pool variant: %q", s)
	}
}

// Pool is the local model of one on-chain CFMM pool. It is a tagged
// variant: the Variant field selects which state fields are meaningful
// and every math operation dispatches on it exhaustively.
//
// DexID is a non-owning back-reference resolved through the registry,
// never a pointer into a sync cycle's dex set.
type Pool struct {
	Address common.Address
	Token0  common.Address
	Token1  common.Address
	DexID   string
	Variant Variant

	// FeeBips is the swap fee in basis points, shared by both variants.
	FeeBips uint32

	// Constant product state.
	Reserve0 *big.Int
	Reserve1 *big.Int

	// Concentrated liquidity state. Ticks maps an initialized tick index
	// to its net liquidity delta (added when price crosses the tick
	// moving up, subtracted moving down).
	SqrtPriceX96 *big.Int
	CurrentTick  int32
	Liquidity    *big.Int
	TickSpacing  int32
	Ticks        map[int32]*big.Int
}

// Validate checks the structural invariants shared by both variants and
// the variant-specific state fields.
func (p *Pool) Validate() error {
	if p.Address == (common.Address{}) {
		return fmt.Errorf("%w: zero pool address", ErrInvalidPool)
	}
	if p.Token0 == p.Token1 {
		return fmt.Errorf("%w: token0 == token1 (%s)", ErrInvalidPool, p.Token0.Hex())
	}
	if bytes.Compare(p.Token0.Bytes(), p.Token1.Bytes()) > 0 {
		return fmt.Errorf("%w: tokens out of canonical order (%s > %s)", ErrInvalidPool, p.Token0.Hex(), p.Token1.Hex())
	}
	if p.FeeBips >= feeDenominator {
		return fmt.Errorf("%w: fee %d bips", ErrInvalidPool, p.FeeBips)
	}

	switch p.Variant {
	case VariantConstantProduct:
		if p.Reserve0 == nil || p.Reserve1 == nil {
			return fmt.Errorf("%w: missing reserves", ErrInvalidPool)
		}
		if p.Reserve0.Sign() < 0 || p.Reserve1.Sign() < 0 {
			return fmt.Errorf("%w: negative reserve", ErrInvalidPool)
		}
	case VariantConcentratedLiquidity:
		if p.SqrtPriceX96 == nil || p.SqrtPriceX96.Sign() <= 0 {
			return fmt.Errorf("%w: missing sqrt price", ErrInvalidPool)
		}
		if p.Liquidity == nil || p.Liquidity.Sign() < 0 {
			return fmt.Errorf("%w: missing liquidity", ErrInvalidPool)
		}
		if p.TickSpacing <= 0 {
			return fmt.Errorf("%w: tick spacing %d", ErrInvalidPool, p.TickSpacing)
		}
		if p.CurrentTick < MinTick || p.CurrentTick > MaxTick {
			return fmt.Errorf("%w: tick %d out of range", ErrInvalidPool, p.CurrentTick)
		}
	default:
		return fmt.Errorf("%w: unknown variant", ErrInvalidPool)
	}

	return nil
}

// NewConstantProduct builds and validates a constant product pool.
func NewConstantProduct(address, token0, token1 common.Address, dexID string, reserve0, reserve1 *big.Int, feeBips uint32) (*Pool, error) {
	p := &Pool{
		Address:  address,
		Token0:   token0,
		Token1:   token1,
		DexID:    dexID,
		Variant:  VariantConstantProduct,
		FeeBips:  feeBips,
		Reserve0: reserve0,
		Reserve1: reserve1,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// NewConcentratedLiquidity builds and validates a concentrated liquidity pool.
func NewConcentratedLiquidity(
	address, token0, token1 common.Address,
	dexID string,
	sqrtPriceX96 *big.Int,
	currentTick int32,
	liquidity *big.Int,
	feeBips uint32,
	tickSpacing int32,
	ticks map[int32]*big.Int,
) (*Pool, error) {
	p := &Pool{
		Address:      address,
		Token0:       token0,
		Token1:       token1,
		DexID:        dexID,
		Variant:      VariantConcentratedLiquidity,
		FeeBips:      feeBips,
		SqrtPriceX96: sqrtPriceX96,
		CurrentTick:  currentTick,
		Liquidity:    liquidity,
		TickSpacing:  tickSpacing,
		Ticks:        ticks,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Clone returns a deep copy so consumers can hold a pool beyond the
// sync cycle that produced it.
func (p *Pool) Clone() *Pool {
	out := *p
	out.Reserve0 = copyBig(p.Reserve0)
	out.Reserve1 = copyBig(p.Reserve1)
	out.SqrtPriceX96 = copyBig(p.SqrtPriceX96)
	out.Liquidity = copyBig(p.Liquidity)
	if p.Ticks != nil {
		out.Ticks = make(map[int32]*big.Int, len(p.Ticks))
		for tick, net := range p.Ticks {
			out.Ticks[tick] = copyBig(net)
		}
	}
	return &out
}

func copyBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

// CanonicalOrder reports whether a token pair is already in canonical
// (bytewise ascending) order, the ordering factories enforce on chain.
func CanonicalOrder(token0, token1 common.Address) bool {
	return bytes.Compare(token0.Bytes(), token1.Bytes()) < 0
}
