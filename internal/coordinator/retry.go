package coordinator

import (
	"context"
	"time"

	"github.com/cuemby/mongobackup/internal/backuperr"
	"github.com/rs/zerolog"
)

// RetryBackoff is the fixed delay between attempts, matching the original
// implementation's `time.sleep(2)` between retries.
const RetryBackoff = 2 * time.Second

// RunStep executes fn up to attempts times, waiting RetryBackoff between
// tries. If every attempt fails, it drains rollback (logging but ignoring
// any failures within the rollback itself) and returns a terminal
// *backuperr.Error of KindAborted wrapping the last failure.
func RunStep(ctx context.Context, name string, attempts int, rollback *RollbackLog, metrics Metrics, logger zerolog.Logger, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		start := time.Now()
		err := fn(ctx)
		metrics.ObservePhaseDuration(name, time.Since(start))

		if err == nil {
			logger.Info().Str("phase", name).Int("attempt", attempt).Msg("phase complete")
			return nil
		}

		lastErr = err
		logger.Info().Str("phase", name).Int("attempt", attempt).Err(err).Msg("phase failed")

		if attempt < attempts {
			metrics.IncPhaseRetry(name)
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = attempts
				continue
			case <-time.After(RetryBackoff):
				continue
			}
		}
	}

	logger.Warn().Str("phase", name).Msg("attempts exhausted, rolling back")
	// Rollback must run even when ctx is what just aborted the phase
	// (operator cancellation): a cancelled context would fail every
	// compensating action immediately, leaving the cluster mid-backup.
	rollbackCtx := context.WithoutCancel(ctx)
	rollback.DrainLIFO(rollbackCtx, logger, metrics)
	metrics.ObserveBackupResult("aborted")
	return backuperr.Aborted(name, lastErr)
}
