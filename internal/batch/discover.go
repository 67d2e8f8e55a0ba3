package batch

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cfmmsync/internal/chain"
	"cfmmsync/internal/dex"
)

// Discover scans [fromBlock,toBlock] for the dex's pool creation events
// and returns the discovered identities in ascending block order, with
// per-log decode failures collected as warnings. Sub-ranges are
// dispatched concurrently; a "range too large" rejection halves the
// offending sub-range up to MaxSplits times before the scan fails with
// a DiscoveryError.
func (r *Requester) Discover(ctx context.Context, d *dex.Dex, fromBlock, toBlock uint64) ([]dex.PoolIdentity, []*dex.DecodeError, error) {
	topic, err := d.CreatedTopic()
	if err != nil {
		return nil, nil, &DiscoveryError{DexID: d.ID, From: fromBlock, To: toBlock, Err: err}
	}

	ranges, err := splitRange(fromBlock, toBlock, r.cfg.MaxBlockRange)
	if err != nil {
		return nil, nil, &DiscoveryError{DexID: d.ID, From: fromBlock, To: toBlock, Err: err}
	}

	// Results land in their range's slot so completion order does not
	// disturb block order.
	logsByRange := make([][]types.Log, len(ranges))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.MaxConcurrentBatches)
	for i, br := range ranges {
		i, br := i, br
		g.Go(func() error {
			logs, err := r.scanRange(gctx, d.Factory, topic, br.from, br.to, 0)
			if err != nil {
				return err
			}
			logsByRange[i] = logs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, &DiscoveryError{DexID: d.ID, From: fromBlock, To: toBlock, Err: err}
	}

	var (
		ids      []dex.PoolIdentity
		warnings []*dex.DecodeError
	)
	for _, logs := range logsByRange {
		rangeIDs, rangeWarnings := d.DecodeCreated(logs)
		ids = append(ids, rangeIDs...)
		warnings = append(warnings, rangeWarnings...)
	}

	r.logger.Debug("discovery complete",
		zap.String("dex", d.ID),
		zap.Uint64("from", fromBlock),
		zap.Uint64("to", toBlock),
		zap.Int("pools", len(ids)),
		zap.Int("decode_warnings", len(warnings)),
	)
	return ids, warnings, nil
}

// scanRange fetches one sub-range's logs, recursively halving it when
// the remote rejects the span as too large.
func (r *Requester) scanRange(ctx context.Context, factory common.Address, topic common.Hash, from, to uint64, splits int) ([]types.Log, error) {
	var logs []types.Log
	err := r.dispatch(ctx, func(ctx context.Context) error {
		var err error
		logs, err = r.client.FilterLogs(ctx, from, to, factory, topic)
		return err
	})
	if err == nil {
		return logs, nil
	}

	if !chain.IsRangeTooLarge(err) || splits >= r.cfg.MaxSplits || from >= to {
		return nil, err
	}

	mid := from + (to-from)/2
	r.logger.Debug("range too large, splitting",
		zap.Uint64("from", from),
		zap.Uint64("to", to),
		zap.Uint64("mid", mid),
		zap.Int("splits", splits+1),
	)

	left, err := r.scanRange(ctx, factory, topic, from, mid, splits+1)
	if err != nil {
		return nil, err
	}
	right, err := r.scanRange(ctx, factory, topic, mid+1, to, splits+1)
	if err != nil {
		return nil, err
	}
	return append(left, right...), nil
}
