package coordinator

import (
	"context"

	"github.com/rs/zerolog"
)

// RollbackStep is one compensating action pushed onto the RollbackLog before
// its corresponding forward step runs.
type RollbackStep struct {
	Name string
	Fn   func(ctx context.Context) error
}

// RollbackLog is a LIFO list of compensating actions. Steps are pushed to
// the front as forward progress is made, so draining it front-to-back
// always undoes the most recent change first.
type RollbackLog struct {
	steps []RollbackStep
}

// Push inserts step at the front of the log.
func (r *RollbackLog) Push(step RollbackStep) {
	r.steps = append([]RollbackStep{step}, r.steps...)
}

// Remove deletes the first step matching name so it no longer runs on
// rollback. The coordinator calls it just before running the forward step
// that undoes the same change itself (unlocking shards, restarting the
// config server or balancer, unmounting or removing snapshots). It is a
// no-op if name isn't present.
func (r *RollbackLog) Remove(name string) {
	for i, s := range r.steps {
		if s.Name == name {
			r.steps = append(r.steps[:i], r.steps[i+1:]...)
			return
		}
	}
}

// DrainLIFO runs every remaining step in order, ignoring individual
// failures — a rollback step itself failing must not stop the rest of the
// rollback from attempting to restore the cluster. It returns the names of
// the steps it attempted.
func (r *RollbackLog) DrainLIFO(ctx context.Context, logger zerolog.Logger, metrics Metrics) []string {
	executed := make([]string, 0, len(r.steps))
	for _, s := range r.steps {
		executed = append(executed, s.Name)
		metrics.IncRollbackAction(s.Name)
		if err := s.Fn(ctx); err != nil {
			logger.Warn().Str("rollback_step", s.Name).Err(err).Msg("rollback step failed, continuing")
			continue
		}
		logger.Info().Str("rollback_step", s.Name).Msg("rollback step complete")
	}
	r.steps = nil
	return executed
}
