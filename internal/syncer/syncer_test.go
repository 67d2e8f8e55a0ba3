package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"cfmmsync/internal/batch"
	"cfmmsync/internal/chain"
	"cfmmsync/internal/checkpoint"
	"cfmmsync/internal/dex"
	"cfmmsync/internal/pool"
	"cfmmsync/internal/registry"
	"cfmmsync/internal/throttle"
)

func testAddr(b byte) common.Address {
	return common.BytesToAddress([]byte{b})
}

// memStore is an in-memory checkpoint.Store.
type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (s *memStore) LoadBytes(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.data[key]
	if !ok {
		return nil, checkpoint.ErrNotFound
	}
	return data, nil
}

func (s *memStore) SaveBytes(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = data
	return nil
}

func (s *memStore) seed(key string, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = payload
}

func (s *memStore) get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.data[key]
	return data, ok
}

type fakeHead uint64

func (h fakeHead) LatestBlockNumber(context.Context) (uint64, error) {
	return uint64(h), nil
}

// fakePair is one simulated on-chain pair.
type fakePair struct {
	address  common.Address
	block    uint64
	reserve0 int64
	reserve1 int64
}

// fakeChain answers discovery and state-fetch requests for a fixed pair
// set of one constant product dex.
type fakeChain struct {
	d     *dex.Dex
	pairs []fakePair

	mu         sync.Mutex
	logQueries int
	filterErr  error
}

func (f *fakeChain) FilterLogs(_ context.Context, from, to uint64, _ common.Address, _ common.Hash) ([]types.Log, error) {
	f.mu.Lock()
	f.logQueries++
	err := f.filterErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	parsed, abiErr := dex.FactoryABI()
	if abiErr != nil {
		return nil, abiErr
	}
	event := parsed.Events["PairCreated"]

	var logs []types.Log
	for _, pair := range f.pairs {
		if pair.block < from || pair.block > to {
			continue
		}
		data, packErr := event.Inputs.NonIndexed().Pack(pair.address, big.NewInt(1))
		if packErr != nil {
			return nil, packErr
		}
		logs = append(logs, types.Log{
			Address: f.d.Factory,
			Topics: []common.Hash{
				event.ID,
				common.BytesToHash(testAddr(0x01).Bytes()),
				common.BytesToHash(testAddr(0x02).Bytes()),
			},
			Data:        data,
			BlockNumber: pair.block,
		})
	}
	return logs, nil
}

func (f *fakeChain) CallAggregate(_ context.Context, calls []chain.Call) ([]chain.CallResult, error) {
	parsed, err := dex.PairABI()
	if err != nil {
		return nil, err
	}
	outputs := parsed.Methods["getReserves"].Outputs

	results := make([]chain.CallResult, 0, len(calls))
	for _, call := range calls {
		var found *fakePair
		for i := range f.pairs {
			if f.pairs[i].address == call.Target {
				found = &f.pairs[i]
				break
			}
		}
		if found == nil {
			results = append(results, chain.CallResult{Success: false})
			continue
		}
		data, err := outputs.Pack(big.NewInt(found.reserve0), big.NewInt(found.reserve1), uint32(0))
		if err != nil {
			return nil, err
		}
		results = append(results, chain.CallResult{Success: true, ReturnData: data})
	}
	return results, nil
}

func (f *fakeChain) queries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logQueries
}

type testRig struct {
	syncer *Syncer
	store  *memStore
	chain  *fakeChain
	reg    *registry.Registry
	dex    *dex.Dex
}

func newTestRig(t *testing.T, cfg Config, head uint64, store *memStore) *testRig {
	t.Helper()

	d, err := dex.New("testswap", pool.VariantConstantProduct, testAddr(0xF0), 5, dex.Params{DefaultFeeBips: 30})
	if err != nil {
		t.Fatalf("build dex: %v", err)
	}
	fc := &fakeChain{
		d: d,
		pairs: []fakePair{
			{address: testAddr(0xA1), block: 10, reserve0: 1000, reserve1: 2000},
			{address: testAddr(0xA2), block: 50, reserve0: 3000, reserve1: 4000},
		},
	}

	reg, err := registry.New([]*dex.Dex{d})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	governor := throttle.New(throttle.Config{Ceiling: 0, MaxInFlight: 16})
	requester := batch.NewRequester(batch.Config{
		MaxBlockRange:   1000,
		RetryBackoff:    time.Millisecond,
		MaxRetryBackoff: 2 * time.Millisecond,
	}, fc, governor, nil)

	if store == nil {
		store = newMemStore()
	}
	if cfg.CheckpointKey == "" {
		cfg.CheckpointKey = "test"
	}
	s, err := New(cfg, requester, fakeHead(head), store, reg, nil)
	if err != nil {
		t.Fatalf("new syncer: %v", err)
	}
	return &testRig{syncer: s, store: store, chain: fc, reg: reg, dex: d}
}

func TestRunCommitsFullCycle(t *testing.T) {
	rig := newTestRig(t, Config{}, 100, nil)

	result, err := rig.syncer.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.SyncedThrough != 100 {
		t.Fatalf("expected frontier 100, got %d", result.SyncedThrough)
	}
	if result.NewPools != 2 {
		t.Fatalf("expected 2 new pools, got %d", result.NewPools)
	}
	if len(result.Pools) != 2 {
		t.Fatalf("expected 2 pools, got %d", len(result.Pools))
	}
	if result.CheckpointReset {
		t.Fatal("unexpected checkpoint reset")
	}
	if rig.syncer.State() != StateIdle {
		t.Fatalf("expected idle, got %s", rig.syncer.State())
	}

	p, ok := rig.reg.Pool(testAddr(0xA1))
	if !ok || p.Reserve0.Int64() != 1000 {
		t.Fatalf("pool state not installed: %v %v", ok, p)
	}

	payload, ok := rig.store.get("test")
	if !ok {
		t.Fatal("checkpoint not saved")
	}
	var cp checkpoint.Checkpoint
	if err := json.Unmarshal(payload, &cp); err != nil {
		t.Fatalf("unmarshal checkpoint: %v", err)
	}
	if cp.SyncedThrough != 100 || len(cp.Dexes) != 1 || len(cp.Dexes[0].Pools) != 2 {
		t.Fatalf("wrong committed checkpoint: %+v", cp)
	}
}

func TestRunIsIdempotentWithoutChainChanges(t *testing.T) {
	rig := newTestRig(t, Config{}, 100, nil)

	first, err := rig.syncer.Run(context.Background())
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	queriesAfterFirst := rig.chain.queries()

	second, err := rig.syncer.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if second.NewPools != 0 {
		t.Fatalf("expected no new pools, got %d", second.NewPools)
	}
	if second.SyncedThrough != first.SyncedThrough {
		t.Fatalf("frontier moved from %d to %d", first.SyncedThrough, second.SyncedThrough)
	}
	if len(second.Pools) != len(first.Pools) {
		t.Fatalf("pool set changed: %d vs %d", len(first.Pools), len(second.Pools))
	}
	// The frontier already covers the chain, so no new log scans happen.
	if rig.chain.queries() != queriesAfterFirst {
		t.Fatalf("expected no further log queries, got %d more", rig.chain.queries()-queriesAfterFirst)
	}
}

func TestRunResumesFromCheckpointInNewInstance(t *testing.T) {
	store := newMemStore()
	first := newTestRig(t, Config{TargetBlock: 60}, 60, store)
	if _, err := first.syncer.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// A fresh process resumes from the stored frontier; the pair created
	// at block 50 must come from the checkpoint, not rediscovery.
	second := newTestRig(t, Config{}, 100, store)
	result, err := second.syncer.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if result.NewPools != 0 {
		t.Fatalf("expected no new pools on resume, got %d", result.NewPools)
	}
	if len(result.Pools) != 2 {
		t.Fatalf("expected both pools after resume, got %d", len(result.Pools))
	}
	if result.SyncedThrough != 100 {
		t.Fatalf("expected frontier 100, got %d", result.SyncedThrough)
	}
}

func TestRunRecoversFromCorruptCheckpoint(t *testing.T) {
	store := newMemStore()
	store.seed("test", []byte("{definitely not json"))
	rig := newTestRig(t, Config{}, 100, store)

	result, err := rig.syncer.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !result.CheckpointReset {
		t.Fatal("expected the reset to be flagged")
	}
	if result.NewPools != 2 || len(result.Pools) != 2 {
		t.Fatalf("expected full rediscovery, got %d new / %d total", result.NewPools, len(result.Pools))
	}
}

func TestRunSurfacesVersionAheadCheckpoint(t *testing.T) {
	store := newMemStore()
	store.seed("test", []byte(`{"format_version": 99, "synced_through": 10, "dexes": []}`))
	rig := newTestRig(t, Config{}, 100, store)

	_, err := rig.syncer.Run(context.Background())
	if !errors.Is(err, checkpoint.ErrVersionAhead) {
		t.Fatalf("expected ErrVersionAhead, got %v", err)
	}
	if _, ok := rig.store.get("test"); !ok {
		t.Fatal("newer checkpoint must not be deleted")
	}
}

func TestRunResetsMismatchedDexEntry(t *testing.T) {
	store := newMemStore()
	// A checkpoint written for a different factory deployment under the
	// same dex id.
	cp := checkpoint.New()
	cp.SyncedThrough = 60
	cp.Dexes = []checkpoint.DexEntry{{
		ID:            "testswap",
		Variant:       pool.VariantConstantProduct.String(),
		Factory:       testAddr(0xF9).Hex(),
		CreationBlock: 5,
		Pools: []checkpoint.PoolEntry{{
			Address: testAddr(0xDD).Hex(),
			Token0:  testAddr(0x01).Hex(),
			Token1:  testAddr(0x02).Hex(),
			Block:   20,
		}},
	}}
	payload, err := json.Marshal(cp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	store.seed("test", payload)

	rig := newTestRig(t, Config{}, 100, store)
	result, err := rig.syncer.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	// The foreign pool is discarded and the dex rescans from its
	// creation block, finding both real pairs.
	if result.NewPools != 2 || len(result.Pools) != 2 {
		t.Fatalf("expected full rediscovery, got %d new / %d total", result.NewPools, len(result.Pools))
	}
	if _, ok := rig.reg.Pool(testAddr(0xDD)); ok {
		t.Fatal("foreign pool survived the reset")
	}
}

func TestRunFailureLeavesCheckpointUntouched(t *testing.T) {
	rig := newTestRig(t, Config{}, 100, nil)
	rig.chain.filterErr = errors.New("execution reverted")

	_, err := rig.syncer.Run(context.Background())
	var de *batch.DiscoveryError
	if !errors.As(err, &de) {
		t.Fatalf("expected DiscoveryError, got %v", err)
	}
	if rig.syncer.State() != StateFailed {
		t.Fatalf("expected failed state, got %s", rig.syncer.State())
	}
	if _, ok := rig.store.get("test"); ok {
		t.Fatal("failed cycle must not commit a checkpoint")
	}
}

func TestRunMapsCancellation(t *testing.T) {
	rig := newTestRig(t, Config{}, 100, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := rig.syncer.Run(ctx)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if _, ok := rig.store.get("test"); ok {
		t.Fatal("cancelled cycle must not commit a checkpoint")
	}
}

func TestRunRejectsTargetBehindFrontier(t *testing.T) {
	store := newMemStore()
	first := newTestRig(t, Config{}, 100, store)
	if _, err := first.syncer.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}

	pinned := newTestRig(t, Config{TargetBlock: 50}, 100, store)
	if _, err := pinned.syncer.Run(context.Background()); err == nil {
		t.Fatal("expected a target behind the frontier to be rejected")
	}
}

func TestStateStrings(t *testing.T) {
	cases := map[State]string{
		StateIdle:        "idle",
		StateDiscovering: "discovering",
		StateFetching:    "fetching",
		StateCommitting:  "committing",
		StateFailed:      "failed",
		State(42):        "unknown",
	}
	for state, want := range cases {
		if state.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", state, state.String(), want)
		}
	}
}
