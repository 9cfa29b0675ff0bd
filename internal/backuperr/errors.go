// Package backuperr defines the error taxonomy used throughout the backup
// coordinator. Every failure is an *Error carrying a Kind, so callers can
// branch on the kind with errors.As or errors.Is instead of matching on
// message text.
package backuperr

import "fmt"

// Kind identifies which class of failure a Error carries.
type Kind string

const (
	KindTransport       Kind = "transport"
	KindCommand         Kind = "command"
	KindBalancer        Kind = "balancer"
	KindLock            Kind = "lock"
	KindUnlock          Kind = "unlock"
	KindSnapshotMissing Kind = "snapshot_missing"
	KindClusterLocked   Kind = "cluster_locked"
	KindNoLockTarget    Kind = "no_lock_target"
	KindAborted         Kind = "aborted"
)

// Error is the concrete error type carried through the coordinator. Host and
// Shard are populated when the failure is attributable to one participant;
// both are empty for cluster-wide failures (e.g. KindClusterLocked).
type Error struct {
	Kind  Kind
	Host  string
	Shard string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	loc := ""
	switch {
	case e.Host != "":
		loc = fmt.Sprintf(" host=%s", e.Host)
	case e.Shard != "":
		loc = fmt.Sprintf(" shard=%s", e.Shard)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s:%s %s: %v", e.Kind, loc, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s:%s %s", e.Kind, loc, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a *Error with the same Kind, so that
// errors.Is(err, backuperr.New(KindTransport, "")) style checks work without
// comparing messages.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New builds a plain Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an Error of the given kind around an underlying cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// WithHost attaches a host to an Error copy.
func (e *Error) WithHost(host string) *Error {
	clone := *e
	clone.Host = host
	return &clone
}

// WithShard attaches a shard identifier to an Error copy.
func (e *Error) WithShard(shard string) *Error {
	clone := *e
	clone.Shard = shard
	return &clone
}

// Aborted wraps the terminal error raised by the coordinator's retry driver
// once a phase exhausts its attempt budget and rollback has drained.
func Aborted(phase string, cause error) *Error {
	return &Error{Kind: KindAborted, Msg: fmt.Sprintf("backup aborted at phase %q", phase), Err: cause}
}
