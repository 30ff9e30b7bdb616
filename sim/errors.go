package sim

import (
	"errors"
	"fmt"
	"strings"
)

// Recoverable conditions returned to task code as ordinary values.
var (
	ErrNotFound          = errors.New("not found")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrAlreadyExists     = errors.New("already exists")
	ErrConnectionClosed  = errors.New("connection closed")
	ErrConnectionRefused = errors.New("connection refused")
	ErrTimeout           = errors.New("timed out")
	ErrDropped           = errors.New("message dropped")
	ErrCancelled         = errors.New("cancelled")
	ErrInvalidAddr       = errors.New("invalid address")
	ErrUnsupported       = errors.New("not supported")
	ErrInvalidOffset     = errors.New("invalid offset")

	// ErrDeadlock is matched by *DeadlockError.
	ErrDeadlock = errors.New("deadlock: no runnable task and no pending event")
)

// OpError records the operation and subject (path or address) that failed.
type OpError struct {
	Op      string
	Subject string
	Err     error
}

func (e *OpError) Error() string {
	if e.Subject == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Subject, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

func opErr(op, subject string, err error) error {
	return &OpError{Op: op, Subject: subject, Err: err}
}

// UnhandledError carries an opaque error from a collaborator through the
// substrate unchanged.
type UnhandledError struct {
	Err error
}

func (e *UnhandledError) Error() string {
	return "unhandled: " + e.Err.Error()
}

func (e *UnhandledError) Unwrap() error {
	return e.Err
}

// Unhandled wraps err as an *UnhandledError. Returns nil for a nil error.
func Unhandled(err error) error {
	if err == nil {
		return nil
	}
	return &UnhandledError{Err: err}
}

// DeadlockError reports the tasks left blocked when the simulation stalled.
type DeadlockError struct {
	Clock   Timestamp
	Blocked []string
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("%v at %s; blocked tasks: [%s]", ErrDeadlock, e.Clock, strings.Join(e.Blocked, ", "))
}

func (e *DeadlockError) Is(target error) bool {
	return target == ErrDeadlock
}

// PanicError is returned by Run and BlockOn when a task panics. The
// simulation is aborted; re-running with Seed reproduces it.
type PanicError struct {
	Task  string
	Node  string
	Seed  int64
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task %s on node %s panicked: %v (reproduce with seed %d)", e.Task, e.Node, e.Value, e.Seed)
}

// Kind classifies an error for metrics and trace labels.
type Kind string

const (
	KindNone             Kind = ""
	KindNotFound         Kind = "not_found"
	KindPermissionDenied Kind = "permission_denied"
	KindAlreadyExists    Kind = "already_exists"
	KindConnectionClosed Kind = "connection_closed"
	KindRefused          Kind = "connection_refused"
	KindTimeout          Kind = "timeout"
	KindDropped          Kind = "dropped"
	KindCancelled        Kind = "cancelled"
	KindInvalidAddr      Kind = "invalid_addr"
	KindUnsupported      Kind = "unsupported"
	KindInvalidOffset    Kind = "invalid_offset"
	KindDeadlock         Kind = "deadlock"
	KindInternal         Kind = "internal"
)

var kindTable = []struct {
	err  error
	kind Kind
}{
	{ErrNotFound, KindNotFound},
	{ErrPermissionDenied, KindPermissionDenied},
	{ErrAlreadyExists, KindAlreadyExists},
	{ErrConnectionClosed, KindConnectionClosed},
	{ErrConnectionRefused, KindRefused},
	{ErrTimeout, KindTimeout},
	{ErrDropped, KindDropped},
	{ErrCancelled, KindCancelled},
	{ErrInvalidAddr, KindInvalidAddr},
	{ErrUnsupported, KindUnsupported},
	{ErrInvalidOffset, KindInvalidOffset},
	{ErrDeadlock, KindDeadlock},
}

// KindOf returns the Kind of err. Errors outside the taxonomy, including
// *UnhandledError, are KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var unhandled *UnhandledError
	if errors.As(err, &unhandled) {
		return KindInternal
	}
	for _, entry := range kindTable {
		if errors.Is(err, entry.err) {
			return entry.kind
		}
	}
	return KindInternal
}
