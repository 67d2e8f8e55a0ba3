// Package batch builds and dispatches grouped remote calls: ranged
// creation-event scans for pool discovery and aggregated state fetches.
// Every dispatch passes through the throttle; transient failures are
// retried with backoff, oversized ranges are split adaptively.
package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"cfmmsync/internal/chain"
	"cfmmsync/internal/throttle"
)

// Client is the remote capability surface the batch layer needs.
// *chain.Client satisfies it; tests substitute fakes.
type Client interface {
	FilterLogs(ctx context.Context, fromBlock, toBlock uint64, address common.Address, topic0 common.Hash) ([]types.Log, error)
	CallAggregate(ctx context.Context, calls []chain.Call) ([]chain.CallResult, error)
}

// Config holds the sizing and retry policy. Endpoint limits vary per
// provider, so all of these are configuration, not constants.
type Config struct {
	// MaxBlockRange is the widest block span of a single log scan.
	MaxBlockRange uint64
	// MaxSplits bounds how many times an oversized range is halved
	// before the scan fails.
	MaxSplits int
	// MaxCallsPerBatch caps the sub-calls packed into one aggregate
	// round trip.
	MaxCallsPerBatch int
	// MaxConcurrentBatches bounds concurrently dispatched batches per
	// operation.
	MaxConcurrentBatches int
	// MaxAttempts bounds retries of a transient failure per dispatch.
	MaxAttempts int
	// RetryBackoff is the initial backoff delay; MaxRetryBackoff caps it.
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	// RequestTimeout bounds a single remote attempt.
	RequestTimeout time.Duration
	// TickWindow is how many tick spacings on each side of the current
	// tick are fetched for concentrated liquidity pools.
	TickWindow int32
}

func (c Config) withDefaults() Config {
	if c.MaxBlockRange == 0 {
		c.MaxBlockRange = 10_000
	}
	if c.MaxSplits <= 0 {
		c.MaxSplits = 6
	}
	if c.MaxCallsPerBatch <= 0 {
		c.MaxCallsPerBatch = 200
	}
	if c.MaxConcurrentBatches <= 0 {
		c.MaxConcurrentBatches = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.MaxRetryBackoff <= 0 {
		c.MaxRetryBackoff = 10 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.TickWindow <= 0 {
		c.TickWindow = 16
	}
	return c
}

// Requester is the batch request layer for one sync run.
type Requester struct {
	cfg      Config
	client   Client
	throttle *throttle.Throttle
	logger   *zap.Logger
}

// NewRequester builds a Requester. A nil logger is replaced by a nop.
func NewRequester(cfg Config, client Client, governor *throttle.Throttle, logger *zap.Logger) *Requester {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Requester{
		cfg:      cfg.withDefaults(),
		client:   client,
		throttle: governor,
		logger:   logger,
	}
}

// DiscoveryError is the terminal failure of a discovery scan.
type DiscoveryError struct {
	DexID string
	From  uint64
	To    uint64
	Err   error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery failed for dex %s over [%d,%d]: %v", e.DexID, e.From, e.To, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// FetchError is the terminal failure of one state-fetch batch. Pools
// lists the identities whose state the failed batch covered, so the
// orchestrator knows not to advance the checkpoint past them.
type FetchError struct {
	DexID string
	Pools []common.Address
	Err   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch failed for dex %s (%d pools): %v", e.DexID, len(e.Pools), e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// blockRange is an inclusive block range.
type blockRange struct {
	from uint64
	to   uint64
}

// splitRange cuts [from,to] into spans of at most size blocks. The
// concatenation of the spans covers the range exactly once.
func splitRange(from, to, size uint64) ([]blockRange, error) {
	if size == 0 {
		return nil, fmt.Errorf("range size must be greater than zero")
	}
	if to < from {
		return nil, fmt.Errorf("to block %d precedes from block %d", to, from)
	}

	var ranges []blockRange
	for start := from; ; {
		end := to
		if remaining := to - start + 1; remaining > size {
			end = start + size - 1
		}
		ranges = append(ranges, blockRange{from: start, to: end})
		if end == to {
			break
		}
		start = end + 1
	}
	return ranges, nil
}
