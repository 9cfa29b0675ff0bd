// Package fanout implements the parallel fan-out primitive the coordinator
// uses for every per-host phase: lock, create/mount/tar/unmount/remove
// snapshots.
package fanout

import (
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Op is one unit of work dispatched to a single host. Errors are reported by
// sending on errs rather than returning, mirroring the single-producer
// error channel described in spec.md §5.
type Op func(host string, errs chan<- string)

// Runner invokes an Op once per host concurrently and waits for all of them
// to finish before returning — even after a failure. It never cancels
// in-flight units: the underlying remote-shell `timeout` wrapper is the only
// upper bound on a stuck host, per spec.md §4.6.
type Runner struct {
	Logger zerolog.Logger
}

// New builds a Runner that logs discarded (non-first) errors through l.
func New(l zerolog.Logger) *Runner {
	return &Runner{Logger: l}
}

// Run executes op across hosts concurrently, waits for every host to finish,
// and returns the first error observed on the error channel (by arrival
// order), or nil if no host reported an error. Errors beyond the first are
// logged and discarded.
func (r *Runner) Run(hosts []string, op Op) error {
	if len(hosts) == 0 {
		return nil
	}

	errs := make(chan string, len(hosts))

	// errgroup gives us goroutine bookkeeping without its context-cancel
	// behavior: plain (non-WithContext) Group.Wait always joins every Go
	// call regardless of error, which is exactly the "no cancellation of
	// in-flight units" contract this phase needs.
	var g errgroup.Group
	for _, h := range hosts {
		host := h
		g.Go(func() error {
			op(host, errs)
			return nil
		})
	}
	_ = g.Wait()
	close(errs)

	var first string
	have := false
	for e := range errs {
		if !have {
			first = e
			have = true
			continue
		}
		r.Logger.Warn().Str("discarded_error", e).Msg("additional fan-out error discarded; surfacing only the first")
	}

	if have {
		return &RunError{Message: first}
	}
	return nil
}

// RunError is the phase-level error surfaced by Run: the first error
// observed among the fanned-out hosts.
type RunError struct {
	Message string
}

func (e *RunError) Error() string { return e.Message }
