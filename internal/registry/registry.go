// Package registry owns the dex descriptors and the assembled pool set
// for a sync run. Pools reference their dex by ID and resolve it here,
// never through a raw pointer into a sync cycle's dex model.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"cfmmsync/internal/dex"
	"cfmmsync/internal/pool"
)

// Registry is written only by the orchestrator after each phase join;
// reads from consumers may happen concurrently.
type Registry struct {
	mu    sync.RWMutex
	order []string
	dexes map[string]*dex.Dex
	pools map[common.Address]*pool.Pool
}

// New builds a registry over the run's dex set.
func New(dexes []*dex.Dex) (*Registry, error) {
	r := &Registry{
		dexes: make(map[string]*dex.Dex, len(dexes)),
		pools: make(map[common.Address]*pool.Pool),
	}
	for _, d := range dexes {
		if _, dup := r.dexes[d.ID]; dup {
			return nil, fmt.Errorf("duplicate dex id %q", d.ID)
		}
		r.dexes[d.ID] = d
		r.order = append(r.order, d.ID)
	}
	return r, nil
}

// Dex resolves a pool's dex back-reference.
func (r *Registry) Dex(id string) (*dex.Dex, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.dexes[id]
	return d, ok
}

// Dexes returns the dex set in configuration order.
func (r *Registry) Dexes() []*dex.Dex {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*dex.Dex, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.dexes[id])
	}
	return out
}

// UpsertPools installs refreshed pool states, overwriting any previous
// state for the same address.
func (r *Registry) UpsertPools(pools []*pool.Pool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range pools {
		r.pools[p.Address] = p
	}
}

// Pool returns a copy of one pool's current state.
func (r *Registry) Pool(address common.Address) (*pool.Pool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[address]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// Snapshot returns a consistent copy of the whole pool set, ordered by
// address for deterministic consumption.
func (r *Registry) Snapshot() []*pool.Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*pool.Pool, 0, len(r.pools))
	for _, p := range r.pools {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.Hex() < out[j].Address.Hex()
	})
	return out
}

// Len returns the number of tracked pools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pools)
}
