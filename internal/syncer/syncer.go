// Package syncer drives the end-to-end pipeline: advance the discovery
// frontier, fetch pool state in batches, commit the checkpoint, and
// emit a consistent pool set. One cycle is a state machine
//
//	Idle -> Discovering -> Fetching -> Committing -> Idle
//
// with Failed reachable from the two remote phases. The checkpoint is
// only written in Committing, after both phases fully succeeded, so a
// failed or cancelled cycle is always safe to retry.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cfmmsync/internal/batch"
	"cfmmsync/internal/checkpoint"
	"cfmmsync/internal/dex"
	"cfmmsync/internal/pool"
	"cfmmsync/internal/registry"
)

// ErrCancelled reports a cooperative stop: no new batches were issued
// after the signal, in-flight ones completed, and the checkpoint was
// left untouched.
var ErrCancelled = errors.New("sync cancelled")

// State is the orchestrator's current phase.
type State int32

const (
	StateIdle State = iota
	StateDiscovering
	StateFetching
	StateCommitting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDiscovering:
		return "discovering"
	case StateFetching:
		return "fetching"
	case StateCommitting:
		return "committing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// HeadSource supplies the current chain head. *chain.Client satisfies it.
type HeadSource interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
}

// Config holds per-run orchestrator settings.
type Config struct {
	// CheckpointKey is the store key the run loads and commits.
	CheckpointKey string
	// TargetBlock pins the discovery frontier; 0 means the chain head
	// observed at the start of the cycle.
	TargetBlock uint64
}

// Result is the outcome of one committed sync cycle.
type Result struct {
	Pools         []*pool.Pool
	SyncedThrough uint64
	NewPools      int
	Warnings      []*dex.DecodeError
	// CheckpointReset is true when a corrupt checkpoint forced a
	// restart from genesis.
	CheckpointReset bool
}

// Syncer orchestrates sync cycles for a fixed dex set.
type Syncer struct {
	cfg       Config
	requester *batch.Requester
	head      HeadSource
	store     checkpoint.Store
	reg       *registry.Registry
	logger    *zap.Logger

	state atomic.Int32

	// known identities per dex, deduplicated, merged across cycles.
	// Only the orchestrator goroutine writes here, after phase joins.
	known map[string][]dex.PoolIdentity
	seen  map[string]map[common.Address]struct{}
	// seeded marks dexes whose checkpoint entry was accepted. A dex
	// without a usable entry rescans from its creation block instead of
	// the global frontier.
	seeded map[string]bool
}

// New builds a Syncer. A nil logger is replaced by a nop.
func New(cfg Config, requester *batch.Requester, head HeadSource, store checkpoint.Store, reg *registry.Registry, logger *zap.Logger) (*Syncer, error) {
	if requester == nil {
		return nil, fmt.Errorf("requester is nil")
	}
	if head == nil {
		return nil, fmt.Errorf("head source is nil")
	}
	if store == nil {
		return nil, fmt.Errorf("checkpoint store is nil")
	}
	if reg == nil {
		return nil, fmt.Errorf("registry is nil")
	}
	if cfg.CheckpointKey == "" {
		cfg.CheckpointKey = "cfmmsync"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Syncer{
		cfg:       cfg,
		requester: requester,
		head:      head,
		store:     store,
		reg:       reg,
		logger:    logger,
		known:     make(map[string][]dex.PoolIdentity),
		seen:      make(map[string]map[common.Address]struct{}),
		seeded:    make(map[string]bool),
	}, nil
}

// State returns the current phase; safe from any goroutine.
func (s *Syncer) State() State {
	return State(s.state.Load())
}

func (s *Syncer) transition(to State) {
	from := s.State()
	s.state.Store(int32(to))
	s.logger.Debug("state transition", zap.String("from", from.String()), zap.String("to", to.String()))
}

// Run executes one full sync cycle and returns the refreshed pool set.
// Re-running with no intervening chain changes is idempotent: the same
// pool set and an unchanged frontier.
func (s *Syncer) Run(ctx context.Context) (*Result, error) {
	s.transition(StateIdle)

	cp, haveCheckpoint, reset, err := s.loadCheckpoint(ctx)
	if err != nil {
		return nil, err
	}

	target := s.cfg.TargetBlock
	if target == 0 {
		target, err = s.head.LatestBlockNumber(ctx)
		if err != nil {
			return nil, fmt.Errorf("get chain head: %w", err)
		}
	}

	frontier := uint64(0)
	if haveCheckpoint {
		frontier = cp.SyncedThrough
		s.seedFromCheckpoint(cp)
	}
	if target < frontier {
		return nil, fmt.Errorf("target block %d behind checkpoint frontier %d", target, frontier)
	}

	s.logger.Info("sync cycle start",
		zap.Uint64("frontier", frontier),
		zap.Uint64("target", target),
		zap.Int("dexes", len(s.reg.Dexes())),
		zap.Bool("resume", haveCheckpoint),
	)

	newPools, warnings, err := s.discover(ctx, frontier, target)
	if err != nil {
		return nil, s.fail(err, frontier, target, newPools)
	}

	pools, fetchWarnings, err := s.fetch(ctx)
	if err != nil {
		return nil, s.fail(err, frontier, target, newPools)
	}
	warnings = append(warnings, fetchWarnings...)

	s.transition(StateCommitting)
	next := checkpoint.Checkpoint{
		FormatVersion: checkpoint.FormatVersion,
		SyncedThrough: target,
	}
	for _, d := range s.reg.Dexes() {
		next.Dexes = append(next.Dexes, checkpoint.NewDexEntry(d, s.known[d.ID]))
	}
	if err := checkpoint.Save(ctx, s.store, s.cfg.CheckpointKey, next); err != nil {
		return nil, s.fail(err, frontier, target, newPools)
	}

	s.reg.UpsertPools(pools)
	s.transition(StateIdle)

	result := &Result{
		Pools:           s.reg.Snapshot(),
		SyncedThrough:   target,
		NewPools:        newPools,
		Warnings:        warnings,
		CheckpointReset: reset,
	}
	s.logger.Info("sync cycle committed",
		zap.Uint64("synced_through", target),
		zap.Int("pools", len(result.Pools)),
		zap.Int("new_pools", newPools),
		zap.Int("warnings", len(warnings)),
	)
	return result, nil
}

// loadCheckpoint reads the stored checkpoint. Ordinary corruption is
// recoverable: the run restarts from genesis and the reset is flagged.
// A version-ahead payload is surfaced instead, because overwriting a
// newer release's progress silently is never acceptable.
func (s *Syncer) loadCheckpoint(ctx context.Context) (checkpoint.Checkpoint, bool, bool, error) {
	cp, ok, err := checkpoint.Load(ctx, s.store, s.cfg.CheckpointKey)
	if err == nil {
		return cp, ok, false, nil
	}
	if errors.Is(err, checkpoint.ErrVersionAhead) {
		return checkpoint.Checkpoint{}, false, false, err
	}
	if errors.Is(err, checkpoint.ErrCheckpointCorrupt) {
		s.logger.Warn("checkpoint corrupt, restarting from genesis", zap.Error(err))
		return checkpoint.New(), false, true, nil
	}
	return checkpoint.Checkpoint{}, false, false, err
}

// seedFromCheckpoint installs checkpointed identities for every dex
// whose entry matches the configured deployment. A mismatched or
// malformed entry resets only that dex to genesis.
func (s *Syncer) seedFromCheckpoint(cp checkpoint.Checkpoint) {
	byID := make(map[string]checkpoint.DexEntry, len(cp.Dexes))
	for _, entry := range cp.Dexes {
		byID[entry.ID] = entry
	}
	for _, d := range s.reg.Dexes() {
		entry, ok := byID[d.ID]
		if !ok {
			continue
		}
		if !entry.Matches(d) {
			s.logger.Warn("checkpoint entry does not match configured dex, resetting dex to genesis",
				zap.String("dex", d.ID))
			continue
		}
		ids, err := entry.Identities()
		if err != nil {
			s.logger.Warn("checkpoint entry unreadable, resetting dex to genesis",
				zap.String("dex", d.ID), zap.Error(err))
			continue
		}
		s.mergeIdentities(d.ID, ids)
		s.seeded[d.ID] = true
	}
}

// discover runs the Discovering phase: every dex scans from its
// frontier to the target concurrently; the phase joins all scans before
// returning. Within a dex, results arrive in ascending block order.
func (s *Syncer) discover(ctx context.Context, frontier, target uint64) (int, []*dex.DecodeError, error) {
	s.transition(StateDiscovering)

	dexes := s.reg.Dexes()
	idsByDex := make([][]dex.PoolIdentity, len(dexes))
	warningsByDex := make([][]*dex.DecodeError, len(dexes))

	g, gctx := errgroup.WithContext(ctx)
	for i, d := range dexes {
		from := d.CreationBlock
		if s.seeded[d.ID] && frontier+1 > from {
			from = frontier + 1
		}
		if from > target {
			continue
		}
		i, d, from := i, d, from
		g.Go(func() error {
			ids, warnings, err := s.requester.Discover(gctx, d, from, target)
			if err != nil {
				return err
			}
			idsByDex[i] = ids
			warningsByDex[i] = warnings
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, nil, err
	}

	newPools := 0
	var warnings []*dex.DecodeError
	for i, d := range dexes {
		newPools += s.mergeIdentities(d.ID, idsByDex[i])
		warnings = append(warnings, warningsByDex[i]...)
	}
	return newPools, warnings, nil
}

// fetch runs the Fetching phase over the union of previously known and
// newly discovered pools, joining all batches before returning.
func (s *Syncer) fetch(ctx context.Context) ([]*pool.Pool, []*dex.DecodeError, error) {
	s.transition(StateFetching)

	dexes := s.reg.Dexes()
	poolsByDex := make([][]*pool.Pool, len(dexes))
	warningsByDex := make([][]*dex.DecodeError, len(dexes))

	g, gctx := errgroup.WithContext(ctx)
	for i, d := range dexes {
		ids := s.known[d.ID]
		if len(ids) == 0 {
			continue
		}
		i, d, ids := i, d, ids
		g.Go(func() error {
			pools, warnings, err := s.requester.FetchState(gctx, d, ids)
			if err != nil {
				return err
			}
			poolsByDex[i] = pools
			warningsByDex[i] = warnings
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var (
		pools    []*pool.Pool
		warnings []*dex.DecodeError
	)
	for i := range dexes {
		pools = append(pools, poolsByDex[i]...)
		warnings = append(warnings, warningsByDex[i]...)
	}
	return pools, warnings, nil
}

// mergeIdentities adds unseen identities for a dex, keeping the merged
// list sorted by creation block. Returns how many were new.
func (s *Syncer) mergeIdentities(dexID string, ids []dex.PoolIdentity) int {
	seen := s.seen[dexID]
	if seen == nil {
		seen = make(map[common.Address]struct{})
		s.seen[dexID] = seen
	}
	added := 0
	for _, id := range ids {
		if _, dup := seen[id.Address]; dup {
			continue
		}
		seen[id.Address] = struct{}{}
		s.known[dexID] = append(s.known[dexID], id)
		added++
	}
	if added > 0 {
		sort.SliceStable(s.known[dexID], func(i, j int) bool {
			return s.known[dexID][i].Block < s.known[dexID][j].Block
		})
	}
	return added
}

// fail transitions to Failed, reports the progress the cycle abandons,
// and maps cooperative cancellation onto ErrCancelled. The checkpoint
// keeps its last committed value either way.
func (s *Syncer) fail(err error, frontier, target uint64, newPools int) error {
	s.transition(StateFailed)
	s.logger.Error("sync cycle failed, checkpoint untouched",
		zap.Error(err),
		zap.String("phase", s.stateAtFailure(err)),
		zap.Uint64("frontier", frontier),
		zap.Uint64("abandoned_target", target),
		zap.Uint64("blocks_not_committed", target-frontier),
		zap.Int("new_pools_not_committed", newPools),
	)
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	return err
}

func (s *Syncer) stateAtFailure(err error) string {
	var de *batch.DiscoveryError
	if errors.As(err, &de) {
		return StateDiscovering.String()
	}
	var fe *batch.FetchError
	if errors.As(err, &fe) {
		return StateFetching.String()
	}
	return s.State().String()
}
