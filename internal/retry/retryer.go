// Package retry runs gateway operations repeatedly while they fail with
// transient conditions like rate limiting or 5xx responses.
// It is the retry layer beneath the merge orchestration loop, the
// orchestrator never sees conditions that are handled here.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/simplesurance/depmerge/internal/logfields"
	"github.com/simplesurance/depmerge/internal/retryerr"
)

const defTimeout = 30 * time.Minute

// Retryer executes a function repeatedly until it was successful or a cancel
// condition happened.
type Retryer struct {
	logger                     *zap.Logger
	defTimeout                 time.Duration
	backoffInitialInterval     time.Duration
	backoffRandomizationFactor float64
}

func NewRetryer() *Retryer {
	return &Retryer{
		logger:                     zap.L().Named("retryer"),
		defTimeout:                 defTimeout,
		backoffInitialInterval:     backoff.DefaultInitialInterval,
		backoffRandomizationFactor: backoff.DefaultRandomizationFactor,
	}
}

// Run executes fn until it was successful, it returned an error that does
// not wrap retryerr.RetryableError or the execution was aborted via the
// context.
// When a RetryableError specifies an earliest retry time, the delay before
// the next try is extended to it. A retry time that lies behind the timeout
// of the operation aborts immediately, waiting for it can never succeed.
func (r *Retryer) Run(ctx context.Context, fn func(context.Context) error, logF []zap.Field) error {
	ctx, cancel := context.WithTimeout(ctx, r.defTimeout)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.backoffInitialInterval
	bo.RandomizationFactor = r.backoffRandomizationFactor
	bo.MaxElapsedTime = 0

	retryTimer := time.NewTimer(0)
	defer retryTimer.Stop()

	var tryCnt uint

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-retryTimer.C:
		}

		tryCnt++
		logger := r.logger.With(append([]zap.Field{zap.Uint("try_count", tryCnt)}, logF...)...)

		err := fn(ctx)
		if err == nil {
			logger.Debug(
				"operation executed successfully",
				logfields.Event("retryer_operation_succeeded"),
			)

			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var retryErr *retryerr.RetryableError
		if !errors.As(err, &retryErr) {
			logger.Debug(
				"operation failed, not retryable",
				logfields.Event("retryer_operation_failed"),
				zap.Error(err),
			)

			return err
		}

		if deadline, ok := ctx.Deadline(); ok && !retryErr.After.IsZero() && retryErr.After.After(deadline) {
			logger.Warn(
				"operation failed, next possible retry time is after timeout expiration",
				logfields.Event("retryer_operation_failed"),
				zap.Time("earliest_allowed_retry", retryErr.After),
			)

			return err
		}

		retryIn := bo.NextBackOff()
		if !retryErr.After.IsZero() {
			if untilAllowed := time.Until(retryErr.After); untilAllowed > retryIn {
				retryIn = untilAllowed
			}
		}

		retryTimer.Reset(retryIn)
		logger.Info(
			"operation failed, retry scheduled",
			logfields.Event("retryer_retry_scheduled"),
			zap.Error(err),
			zap.Duration("retry_in", retryIn),
		)
	}
}
