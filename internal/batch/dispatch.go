package batch

import (
	"context"

	"github.com/cenkalti/backoff/v4"

	"cfmmsync/internal/chain"
)

// dispatch runs one remote operation under a throttle permit, retrying
// transient failures with capped exponential backoff. Rate-limit
// signals shrink the throttle budget before the retry; fatal errors
// (including range-too-large, which the caller handles by splitting)
// stop the retry loop immediately.
//
// Cancellation stops new attempts but an attempt already issued runs to
// completion under its own timeout, so no in-flight request goes
// unobserved.
func (r *Requester) dispatch(ctx context.Context, op func(context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.RetryBackoff
	bo.MaxInterval = r.cfg.MaxRetryBackoff
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(r.cfg.MaxAttempts-1)), ctx)

	return backoff.Retry(func() error {
		permit, err := r.throttle.Acquire(ctx, 1)
		if err != nil {
			return backoff.Permanent(err)
		}
		opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.RequestTimeout)
		err = op(opCtx)
		cancel()
		permit.Release()

		if err == nil {
			r.throttle.ReportSuccess()
			return nil
		}
		if chain.IsRateLimited(err) {
			r.throttle.ReportRateLimited()
		}
		if chain.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}
