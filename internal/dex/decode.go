package dex

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"cfmmsync/internal/chain"
	"cfmmsync/internal/pool"
)

// DecodeCreated interprets raw creation-event logs into pool
// identities. Malformed logs become DecodeError warnings; the rest of
// the batch is unaffected. Input order (ascending block order as
// delivered by the batch layer) is preserved.
func (d *Dex) DecodeCreated(logs []types.Log) ([]PoolIdentity, []*DecodeError) {
	parsed, err := FactoryABI()
	if err != nil {
		return nil, []*DecodeError{decodeErrf(common.Address{}, "factory abi: %v", err)}
	}

	ids := make([]PoolIdentity, 0, len(logs))
	var warnings []*DecodeError

	for _, log := range logs {
		var (
			id   PoolIdentity
			derr *DecodeError
		)
		switch d.Variant {
		case pool.VariantConstantProduct:
			id, derr = d.decodePairCreated(parsed, log)
		case pool.VariantConcentratedLiquidity:
			id, derr = d.decodePoolCreated(parsed, log)
		default:
			derr = decodeErrf(log.Address, "unknown dex variant")
		}
		if derr != nil {
			warnings = append(warnings, derr)
			continue
		}
		if !pool.CanonicalOrder(id.Token0, id.Token1) {
			warnings = append(warnings, decodeErrf(id.Address, "tokens out of canonical order"))
			continue
		}
		ids = append(ids, id)
	}

	return ids, warnings
}

func (d *Dex) decodePairCreated(parsed abi.ABI, log types.Log) (PoolIdentity, *DecodeError) {
	event := parsed.Events["PairCreated"]
	if len(log.Topics) != 3 || log.Topics[0] != event.ID {
		return PoolIdentity{}, decodeErrf(log.Address, "unexpected PairCreated topics (%d)", len(log.Topics))
	}

	values, err := event.Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return PoolIdentity{}, decodeErrf(log.Address, "unpack PairCreated data: %v", err)
	}
	pair, err := asAddress(values[0])
	if err != nil {
		return PoolIdentity{}, decodeErrf(log.Address, "pair address: %v", err)
	}

	return PoolIdentity{
		Address: pair,
		Token0:  common.BytesToAddress(log.Topics[1].Bytes()),
		Token1:  common.BytesToAddress(log.Topics[2].Bytes()),
		FeeBips: d.Params.DefaultFeeBips,
		Block:   log.BlockNumber,
	}, nil
}

func (d *Dex) decodePoolCreated(parsed abi.ABI, log types.Log) (PoolIdentity, *DecodeError) {
	event := parsed.Events["PoolCreated"]
	if len(log.Topics) != 4 || log.Topics[0] != event.ID {
		return PoolIdentity{}, decodeErrf(log.Address, "unexpected PoolCreated topics (%d)", len(log.Topics))
	}

	values, err := event.Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return PoolIdentity{}, decodeErrf(log.Address, "unpack PoolCreated data: %v", err)
	}
	tickSpacingBig, err := asBigInt(values[0])
	if err != nil {
		return PoolIdentity{}, decodeErrf(log.Address, "tick spacing: %v", err)
	}
	poolAddr, err := asAddress(values[1])
	if err != nil {
		return PoolIdentity{}, decodeErrf(log.Address, "pool address: %v", err)
	}
	tickSpacing, err := int24FromBig(tickSpacingBig)
	if err != nil {
		return PoolIdentity{}, decodeErrf(poolAddr, "tick spacing: %v", err)
	}

	// The indexed fee tier is in hundredths of a bip on chain.
	feeUnits := new(big.Int).SetBytes(log.Topics[3].Bytes())
	if !feeUnits.IsUint64() || feeUnits.Uint64()%100 != 0 {
		return PoolIdentity{}, decodeErrf(poolAddr, "fee tier %s not whole bips", feeUnits)
	}
	feeBips := uint32(feeUnits.Uint64() / 100)

	if want, ok := d.Params.FeeTiers[uint32(feeUnits.Uint64())]; ok && want != tickSpacing {
		return PoolIdentity{}, decodeErrf(poolAddr, "tick spacing %d does not match tier table (%d)", tickSpacing, want)
	}

	return PoolIdentity{
		Address:     poolAddr,
		Token0:      common.BytesToAddress(log.Topics[1].Bytes()),
		Token1:      common.BytesToAddress(log.Topics[2].Bytes()),
		FeeBips:     feeBips,
		TickSpacing: tickSpacing,
		Block:       log.BlockNumber,
	}, nil
}

// CallsPerPool is how many sub-calls a state fetch needs per pool.
func (d *Dex) CallsPerPool() int {
	if d.Variant == pool.VariantConcentratedLiquidity {
		return 2 // slot0 + liquidity
	}
	return 1 // getReserves
}

// StateCalls returns the encoded sub-calls that fetch one pool's state.
func (d *Dex) StateCalls(id PoolIdentity) ([]chain.Call, error) {
	switch d.Variant {
	case pool.VariantConstantProduct:
		parsed, err := PairABI()
		if err != nil {
			return nil, err
		}
		data, err := parsed.Pack("getReserves")
		if err != nil {
			return nil, err
		}
		return []chain.Call{{Target: id.Address, CallData: data}}, nil

	case pool.VariantConcentratedLiquidity:
		parsed, err := CLPoolABI()
		if err != nil {
			return nil, err
		}
		slot0Data, err := parsed.Pack("slot0")
		if err != nil {
			return nil, err
		}
		liqData, err := parsed.Pack("liquidity")
		if err != nil {
			return nil, err
		}
		return []chain.Call{
			{Target: id.Address, CallData: slot0Data},
			{Target: id.Address, CallData: liqData},
		}, nil

	default:
		return nil, fmt.Errorf("dex %s: unknown variant", d.ID)
	}
}

// DecodeState interprets a batched state-fetch response into populated
// pools matching ids, preserving input order. results must hold
// CallsPerPool() entries per identity. Per-pool failures become
// DecodeError warnings and the pool is skipped.
func (d *Dex) DecodeState(ids []PoolIdentity, results []chain.CallResult) ([]*pool.Pool, []*DecodeError) {
	per := d.CallsPerPool()
	if len(results) != len(ids)*per {
		return nil, []*DecodeError{decodeErrf(common.Address{}, "result count %d does not match %d pools", len(results), len(ids))}
	}

	pools := make([]*pool.Pool, 0, len(ids))
	var warnings []*DecodeError

	for i, id := range ids {
		chunk := results[i*per : (i+1)*per]

		var (
			p    *pool.Pool
			derr *DecodeError
		)
		switch d.Variant {
		case pool.VariantConstantProduct:
			p, derr = d.decodeReserves(id, chunk[0])
		case pool.VariantConcentratedLiquidity:
			p, derr = d.decodeSlot0AndLiquidity(id, chunk[0], chunk[1])
		default:
			derr = decodeErrf(id.Address, "unknown dex variant")
		}
		if derr != nil {
			warnings = append(warnings, derr)
			continue
		}
		pools = append(pools, p)
	}

	return pools, warnings
}

func (d *Dex) decodeReserves(id PoolIdentity, result chain.CallResult) (*pool.Pool, *DecodeError) {
	if !result.Success {
		return nil, decodeErrf(id.Address, "getReserves reverted")
	}
	parsed, err := PairABI()
	if err != nil {
		return nil, decodeErrf(id.Address, "pair abi: %v", err)
	}
	values, err := parsed.Methods["getReserves"].Outputs.Unpack(result.ReturnData)
	if err != nil {
		return nil, decodeErrf(id.Address, "unpack getReserves: %v", err)
	}

	reserve0, err := asBigInt(values[0])
	if err != nil {
		return nil, decodeErrf(id.Address, "reserve0: %v", err)
	}
	reserve1, err := asBigInt(values[1])
	if err != nil {
		return nil, decodeErrf(id.Address, "reserve1: %v", err)
	}

	p, err := pool.NewConstantProduct(id.Address, id.Token0, id.Token1, d.ID, reserve0, reserve1, id.FeeBips)
	if err != nil {
		return nil, decodeErrf(id.Address, "%v", err)
	}
	return p, nil
}

func (d *Dex) decodeSlot0AndLiquidity(id PoolIdentity, slot0Res, liqRes chain.CallResult) (*pool.Pool, *DecodeError) {
	if !slot0Res.Success {
		return nil, decodeErrf(id.Address, "slot0 reverted")
	}
	if !liqRes.Success {
		return nil, decodeErrf(id.Address, "liquidity reverted")
	}
	parsed, err := CLPoolABI()
	if err != nil {
		return nil, decodeErrf(id.Address, "pool abi: %v", err)
	}

	slotValues, err := parsed.Methods["slot0"].Outputs.Unpack(slot0Res.ReturnData)
	if err != nil {
		return nil, decodeErrf(id.Address, "unpack slot0: %v", err)
	}
	sqrtPrice, err := asBigInt(slotValues[0])
	if err != nil {
		return nil, decodeErrf(id.Address, "sqrt price: %v", err)
	}
	tickBig, err := asBigInt(slotValues[1])
	if err != nil {
		return nil, decodeErrf(id.Address, "tick: %v", err)
	}
	tick, err := int24FromBig(tickBig)
	if err != nil {
		return nil, decodeErrf(id.Address, "tick: %v", err)
	}

	liqValues, err := parsed.Methods["liquidity"].Outputs.Unpack(liqRes.ReturnData)
	if err != nil {
		return nil, decodeErrf(id.Address, "unpack liquidity: %v", err)
	}
	liquidity, err := asBigInt(liqValues[0])
	if err != nil {
		return nil, decodeErrf(id.Address, "liquidity: %v", err)
	}

	p, err := pool.NewConcentratedLiquidity(
		id.Address, id.Token0, id.Token1, d.ID,
		sqrtPrice, tick, liquidity, id.FeeBips, id.TickSpacing,
		make(map[int32]*big.Int),
	)
	if err != nil {
		return nil, decodeErrf(id.Address, "%v", err)
	}
	return p, nil
}

// TickCalls builds the ticks() sub-calls covering `window` tick
// spacings on each side of the pool's current tick. The returned tick
// indexes are parallel to the calls.
func (d *Dex) TickCalls(p *pool.Pool, window int32) ([]int32, []chain.Call, error) {
	if p.Variant != pool.VariantConcentratedLiquidity {
		return nil, nil, nil
	}
	parsed, err := CLPoolABI()
	if err != nil {
		return nil, nil, err
	}

	base := floorDiv(p.CurrentTick, p.TickSpacing) * p.TickSpacing
	ticks := make([]int32, 0, 2*window+1)
	calls := make([]chain.Call, 0, 2*window+1)
	for i := -window; i <= window; i++ {
		tick := base + i*p.TickSpacing
		if tick < pool.MinTick || tick > pool.MaxTick {
			continue
		}
		data, err := parsed.Pack("ticks", big.NewInt(int64(tick)))
		if err != nil {
			return nil, nil, err
		}
		ticks = append(ticks, tick)
		calls = append(calls, chain.Call{Target: p.Address, CallData: data})
	}
	return ticks, calls, nil
}

// ApplyTicks decodes ticks() results and installs the initialized ones
// on the pool. results must be parallel to ticks.
func (d *Dex) ApplyTicks(p *pool.Pool, ticks []int32, results []chain.CallResult) []*DecodeError {
	parsed, err := CLPoolABI()
	if err != nil {
		return []*DecodeError{decodeErrf(p.Address, "pool abi: %v", err)}
	}
	if len(ticks) != len(results) {
		return []*DecodeError{decodeErrf(p.Address, "tick result count %d != %d", len(results), len(ticks))}
	}

	var warnings []*DecodeError
	for i, tick := range ticks {
		result := results[i]
		if !result.Success {
			warnings = append(warnings, decodeErrf(p.Address, "ticks(%d) reverted", tick))
			continue
		}
		values, err := parsed.Methods["ticks"].Outputs.Unpack(result.ReturnData)
		if err != nil {
			warnings = append(warnings, decodeErrf(p.Address, "unpack ticks(%d): %v", tick, err))
			continue
		}
		initialized, ok := values[7].(bool)
		if !ok {
			warnings = append(warnings, decodeErrf(p.Address, "ticks(%d): initialized flag type", tick))
			continue
		}
		if !initialized {
			continue
		}
		liquidityNet, err := asBigInt(values[1])
		if err != nil {
			warnings = append(warnings, decodeErrf(p.Address, "ticks(%d): %v", tick, err))
			continue
		}
		p.Ticks[tick] = liquidityNet
	}
	return warnings
}

func floorDiv(a, b int32) int32 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
