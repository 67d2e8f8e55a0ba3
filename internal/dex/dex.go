package dex

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"cfmmsync/internal/pool"
)

// Dex describes one protocol family deployment: where its factory
// lives, the block it appeared at, and the constants needed to turn raw
// discovery and state-fetch results into pools. Immutable once built.
type Dex struct {
	ID            string
	Variant       pool.Variant
	Factory       common.Address
	CreationBlock uint64
	Params        Params
}

// Params holds variant-specific protocol constants.
type Params struct {
	// DefaultFeeBips applies to every constant product pool of the dex.
	DefaultFeeBips uint32
	// FeeTiers maps a concentrated liquidity fee tier (in hundredths of
	// a bip, as emitted on chain) to its tick spacing. Used to validate
	// discovered pools against the deployment's known tiers.
	FeeTiers map[uint32]int32
}

// New builds a Dex and validates its descriptor.
func New(id string, variant pool.Variant, factory common.Address, creationBlock uint64, params Params) (*Dex, error) {
	if id == "" {
		return nil, fmt.Errorf("dex id is required")
	}
	if factory == (common.Address{}) {
		return nil, fmt.Errorf("dex %s: zero factory address", id)
	}
	switch variant {
	case pool.VariantConstantProduct:
		if params.DefaultFeeBips >= 10_000 {
			return nil, fmt.Errorf("dex %s: default fee %d bips", id, params.DefaultFeeBips)
		}
	case pool.VariantConcentratedLiquidity:
		// Fee tiers are optional; unknown tiers discovered on chain are
		// accepted with the event-supplied tick spacing.
	default:
		return nil, fmt.Errorf("dex %s: unknown variant", id)
	}
	return &Dex{
		ID:            id,
		Variant:       variant,
		Factory:       factory,
		CreationBlock: creationBlock,
		Params:        params,
	}, nil
}

// CreatedTopic returns the topic0 of the dex's pool creation event.
func (d *Dex) CreatedTopic() (common.Hash, error) {
	parsed, err := FactoryABI()
	if err != nil {
		return common.Hash{}, err
	}
	switch d.Variant {
	case pool.VariantConstantProduct:
		return parsed.Events["PairCreated"].ID, nil
	case pool.VariantConcentratedLiquidity:
		return parsed.Events["PoolCreated"].ID, nil
	default:
		return common.Hash{}, fmt.Errorf("dex %s: unknown variant", d.ID)
	}
}

// PoolIdentity is the minimal identity of a discovered pool, enough to
// fetch and decode its state later and to survive in a checkpoint.
type PoolIdentity struct {
	Address     common.Address
	Token0      common.Address
	Token1      common.Address
	FeeBips     uint32
	TickSpacing int32
	Block       uint64
}

// DecodeError is a per-item decode failure. Collecting these as
// warnings lets one malformed entry pass without discarding the batch.
type DecodeError struct {
	Pool   common.Address
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode pool %s: %s", e.Pool.Hex(), e.Reason)
}

func decodeErrf(addr common.Address, format string, args ...any) *DecodeError {
	return &DecodeError{Pool: addr, Reason: fmt.Sprintf(format, args...)}
}
