// Package checkpoint persists sync progress: the block frontier a run
// has fully completed and the pool identities discovered per dex. A
// saved checkpoint always corresponds to a block range whose discovery
// and state fetch both finished; the orchestrator never persists
// partial progress.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"cfmmsync/internal/dex"
	"cfmmsync/internal/pool"
)

// FormatVersion is the current checkpoint schema version. Payloads
// tagged with a newer version are rejected, never silently dropped.
const FormatVersion = 1

// ErrCheckpointCorrupt marks a payload that cannot be trusted: schema
// mismatch, malformed fields, or a foreign format version. The caller
// recovers by falling back to genesis for the affected dexes.
var ErrCheckpointCorrupt = errors.New("checkpoint corrupt")

// ErrVersionAhead additionally marks a payload written by a newer
// release. Unlike ordinary corruption it must not be overwritten
// blindly; the orchestrator surfaces it instead of resetting to
// genesis.
var ErrVersionAhead = errors.New("checkpoint version ahead")

// Checkpoint is the serializable snapshot of sync progress.
type Checkpoint struct {
	FormatVersion int        `json:"format_version"`
	SyncedThrough uint64     `json:"synced_through"`
	Dexes         []DexEntry `json:"dexes"`
}

// DexEntry records one dex's descriptor and its discovered pools.
type DexEntry struct {
	ID             string      `json:"id"`
	Variant        string      `json:"variant"`
	Factory        string      `json:"factory_address"`
	CreationBlock  uint64      `json:"creation_block"`
	DefaultFeeBips uint32      `json:"default_fee_bips,omitempty"`
	Pools          []PoolEntry `json:"pools"`
}

// PoolEntry is the minimal pool identity kept across runs. State
// fields are deliberately absent: reserves and prices are refetched
// every cycle, identity is not.
type PoolEntry struct {
	Address     string `json:"address"`
	Token0      string `json:"token0"`
	Token1      string `json:"token1"`
	FeeBips     uint32 `json:"fee_bips"`
	TickSpacing int32  `json:"tick_spacing,omitempty"`
	Block       uint64 `json:"block"`
}

// New returns an empty checkpoint at the current format version.
func New() Checkpoint {
	return Checkpoint{FormatVersion: FormatVersion}
}

// NewDexEntry builds the persisted form of a dex and its discovered
// pool identities.
func NewDexEntry(d *dex.Dex, ids []dex.PoolIdentity) DexEntry {
	entry := DexEntry{
		ID:             d.ID,
		Variant:        d.Variant.String(),
		Factory:        d.Factory.Hex(),
		CreationBlock:  d.CreationBlock,
		DefaultFeeBips: d.Params.DefaultFeeBips,
		Pools:          make([]PoolEntry, 0, len(ids)),
	}
	for _, id := range ids {
		entry.Pools = append(entry.Pools, PoolEntry{
			Address:     id.Address.Hex(),
			Token0:      id.Token0.Hex(),
			Token1:      id.Token1.Hex(),
			FeeBips:     id.FeeBips,
			TickSpacing: id.TickSpacing,
			Block:       id.Block,
		})
	}
	return entry
}

// Matches reports whether the entry was written for the same dex
// deployment. A factory or variant mismatch means the entry belongs to
// a different configuration and must not seed this dex's pool set.
func (e DexEntry) Matches(d *dex.Dex) bool {
	return e.ID == d.ID &&
		e.Variant == d.Variant.String() &&
		common.HexToAddress(e.Factory) == d.Factory
}

// Identities converts the entry's pools back into fetchable identities.
func (e DexEntry) Identities() ([]dex.PoolIdentity, error) {
	ids := make([]dex.PoolIdentity, 0, len(e.Pools))
	for _, p := range e.Pools {
		if !common.IsHexAddress(p.Address) || !common.IsHexAddress(p.Token0) || !common.IsHexAddress(p.Token1) {
			return nil, fmt.Errorf("%w: dex %s pool %q has malformed address fields", ErrCheckpointCorrupt, e.ID, p.Address)
		}
		ids = append(ids, dex.PoolIdentity{
			Address:     common.HexToAddress(p.Address),
			Token0:      common.HexToAddress(p.Token0),
			Token1:      common.HexToAddress(p.Token1),
			FeeBips:     p.FeeBips,
			TickSpacing: p.TickSpacing,
			Block:       p.Block,
		})
	}
	return ids, nil
}

// Load reads and validates the checkpoint under key. A missing key
// yields an empty checkpoint and ok=false. Any payload that fails
// validation yields ErrCheckpointCorrupt.
func Load(ctx context.Context, store Store, key string) (Checkpoint, bool, error) {
	data, err := store.LoadBytes(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return New(), false, nil
		}
		return Checkpoint{}, false, fmt.Errorf("load checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, false, fmt.Errorf("%w: %v", ErrCheckpointCorrupt, err)
	}
	if err := cp.validate(); err != nil {
		return Checkpoint{}, false, err
	}
	return cp, true, nil
}

// Save validates and persists the checkpoint. The synced frontier is
// monotone: writing a frontier behind the stored one is refused.
func Save(ctx context.Context, store Store, key string, cp Checkpoint) error {
	if err := cp.validate(); err != nil {
		return err
	}

	if prev, ok, err := Load(ctx, store, key); err == nil && ok && prev.SyncedThrough > cp.SyncedThrough {
		return fmt.Errorf("checkpoint frontier regression: %d behind stored %d", cp.SyncedThrough, prev.SyncedThrough)
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := store.SaveBytes(ctx, key, data); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (cp Checkpoint) validate() error {
	if cp.FormatVersion > FormatVersion {
		return fmt.Errorf("format version %d is newer than supported %d: %w",
			cp.FormatVersion, FormatVersion, errors.Join(ErrCheckpointCorrupt, ErrVersionAhead))
	}
	if cp.FormatVersion < 1 {
		return fmt.Errorf("%w: missing format version", ErrCheckpointCorrupt)
	}
	seen := make(map[string]struct{}, len(cp.Dexes))
	for _, entry := range cp.Dexes {
		if entry.ID == "" {
			return fmt.Errorf("%w: dex entry without id", ErrCheckpointCorrupt)
		}
		if _, dup := seen[entry.ID]; dup {
			return fmt.Errorf("%w: duplicate dex entry %s", ErrCheckpointCorrupt, entry.ID)
		}
		seen[entry.ID] = struct{}{}
		if _, err := pool.ParseVariant(entry.Variant); err != nil {
			return fmt.Errorf("%w: dex %s: %v", ErrCheckpointCorrupt, entry.ID, err)
		}
		if !common.IsHexAddress(entry.Factory) {
			return fmt.Errorf("%w: dex %s factory %q", ErrCheckpointCorrupt, entry.ID, entry.Factory)
		}
	}
	return nil
}
