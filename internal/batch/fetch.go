package batch

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cfmmsync/internal/chain"
	"cfmmsync/internal/dex"
	"cfmmsync/internal/pool"
)

// FetchState retrieves the current state of every identity in one or
// more aggregate round trips and decodes the packed results into pools,
// preserving input order. Per-pool decode failures are returned as
// warnings and the affected pool is skipped; a batch that exhausts its
// retries fails the whole operation with a FetchError naming the pools
// it covered.
func (r *Requester) FetchState(ctx context.Context, d *dex.Dex, ids []dex.PoolIdentity) ([]*pool.Pool, []*dex.DecodeError, error) {
	if len(ids) == 0 {
		return nil, nil, nil
	}

	poolsPerBatch := r.cfg.MaxCallsPerBatch / d.CallsPerPool()
	if poolsPerBatch < 1 {
		poolsPerBatch = 1
	}

	var chunks [][]dex.PoolIdentity
	for start := 0; start < len(ids); start += poolsPerBatch {
		end := start + poolsPerBatch
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}

	poolsByChunk := make([][]*pool.Pool, len(chunks))
	warningsByChunk := make([][]*dex.DecodeError, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.MaxConcurrentBatches)
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			decoded, warnings, err := r.fetchChunk(gctx, d, chunk)
			if err != nil {
				return err
			}
			poolsByChunk[i] = decoded
			warningsByChunk[i] = warnings
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
	for i := range chunks {
		pools = append(pools, poolsByChunk[i]...)
		warnings = append(warnings, warningsByChunk[i]...)
	}

	if d.Variant == pool.VariantConcentratedLiquidity {
		tickWarnings, err := r.fetchTicks(ctx, d, pools)
		if err != nil {
			return nil, nil, err
		}
		warnings = append(warnings, tickWarnings...)
	}

	r.logger.Debug("state fetch complete",
		zap.String("dex", d.ID),
		zap.Int("requested", len(ids)),
		zap.Int("decoded", len(pools)),
		zap.Int("decode_warnings", len(warnings)),
	)
	return pools, warnings, nil
}

func (r *Requester) fetchChunk(ctx context.Context, d *dex.Dex, chunk []dex.PoolIdentity) ([]*pool.Pool, []*dex.DecodeError, error) {
	calls := make([]chain.Call, 0, len(chunk)*d.CallsPerPool())
	for _, id := range chunk {
		poolCalls, err := d.StateCalls(id)
		if err != nil {
			return nil, nil, &FetchError{DexID: d.ID, Pools: chunkAddresses(chunk), Err: err}
		}
		calls = append(calls, poolCalls...)
	}

	var results []chain.CallResult
	err := r.dispatch(ctx, func(ctx context.Context) error {
		var err error
		results, err = r.client.CallAggregate(ctx, calls)
		return err
	})
	if err != nil {
		return nil, nil, &FetchError{DexID: d.ID, Pools: chunkAddresses(chunk), Err: err}
	}

	decoded, warnings := d.DecodeState(chunk, results)
	return decoded, warnings, nil
}

// tickJob pairs a concentrated liquidity pool with its pending ticks()
// sub-calls for one aggregate round.
type tickJob struct {
	pool  *pool.Pool
	ticks []int32
	calls []chain.Call
}

// fetchTicks runs the second aggregate round that populates the
// initialized-tick window around each pool's current tick. Jobs are
// packed greedily into batches bounded by MaxCallsPerBatch.
func (r *Requester) fetchTicks(ctx context.Context, d *dex.Dex, pools []*pool.Pool) ([]*dex.DecodeError, error) {
	var jobs []tickJob
	for _, p := range pools {
		ticks, calls, err := d.TickCalls(p, r.cfg.TickWindow)
		if err != nil {
			return nil, &FetchError{DexID: d.ID, Pools: poolAddresses(pools), Err: err}
		}
		if len(calls) == 0 {
			continue
		}
		jobs = append(jobs, tickJob{pool: p, ticks: ticks, calls: calls})
	}
	if len(jobs) == 0 {
		return nil, nil
	}

	var batches [][]tickJob
	var current []tickJob
	currentCalls := 0
	for _, job := range jobs {
		if currentCalls > 0 && currentCalls+len(job.calls) > r.cfg.MaxCallsPerBatch {
			batches = append(batches, current)
			current, currentCalls = nil, 0
		}
		current = append(current, job)
		currentCalls += len(job.calls)
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}

	warningsByBatch := make([][]*dex.DecodeError, len(batches))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.MaxConcurrentBatches)
	for i, jobs := range batches {
		i, jobs := i, jobs
		g.Go(func() error {
			calls := make([]chain.Call, 0)
			for _, job := range jobs {
				calls = append(calls, job.calls...)
			}

			var results []chain.CallResult
			err := r.dispatch(gctx, func(ctx context.Context) error {
				var err error
				results, err = r.client.CallAggregate(ctx, calls)
				return err
			})
			if err != nil {
				return &FetchError{DexID: d.ID, Pools: jobAddresses(jobs), Err: err}
			}

			var warnings []*dex.DecodeError
			offset := 0
			for _, job := range jobs {
				jobResults := results[offset : offset+len(job.calls)]
				offset += len(job.calls)
				warnings = append(warnings, d.ApplyTicks(job.pool, job.ticks, jobResults)...)
			}
			warningsByBatch[i] = warnings
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var warnings []*dex.DecodeError
	for _, w := range warningsByBatch {
		warnings = append(warnings, w...)
	}
	return warnings, nil
}

func chunkAddresses(chunk []dex.PoolIdentity) []common.Address {
	out := make([]common.Address, 0, len(chunk))
	for _, id := range chunk {
		out = append(out, id.Address)
	}
	return out
}

func poolAddresses(pools []*pool.Pool) []common.Address {
	out := make([]common.Address, 0, len(pools))
	for _, p := range pools {
		out = append(out, p.Address)
	}
	return out
}

func jobAddresses(jobs []tickJob) []common.Address {
	out := make([]common.Address, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, job.pool.Address)
	}
	return out
}
