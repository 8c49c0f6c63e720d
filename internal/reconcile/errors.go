package reconcile

import (
	"errors"
	"fmt"
)

// Kind classifies a reconciliation failure. Callers use it to decide
// whether to retry and how to exit; the reconciler never retries on its
// own.
type Kind string

const (
	// KindInvalidSpec means the request was malformed; nothing was
	// attempted.
	KindInvalidSpec Kind = "InvalidSpec"

	// KindNotFound means the operation required a resource that does
	// not exist.
	KindNotFound Kind = "NotFound"

	// KindResourceBusy means another reconciliation holds the resource
	// lock. Retryable.
	KindResourceBusy Kind = "ResourceBusy"

	// KindCommandFailed means the underlying binary exited nonzero; the
	// exit code and stderr are preserved verbatim in the result.
	KindCommandFailed Kind = "CommandFailed"

	// KindTimeout means the command exceeded its allotted duration (or
	// the caller's deadline/cancellation fired first). Retryable.
	KindTimeout Kind = "Timeout"

	// KindIOError means a filesystem or process-table access failed.
	KindIOError Kind = "IOError"
)

// Retryable reports whether a failure of this kind may succeed if the
// caller simply tries again.
func (k Kind) Retryable() bool {
	return k == KindResourceBusy || k == KindTimeout
}

// ExitCode maps a kind to the kiln process exit code contract:
// 0 success/no-op, 1 invalid spec, 2 underlying failure, 3 timeout,
// 4 resource busy.
func (k Kind) ExitCode() int {
	switch k {
	case "":
		return 0
	case KindInvalidSpec:
		return 1
	case KindTimeout:
		return 3
	case KindResourceBusy:
		return 4
	default:
		// CommandFailed, NotFound and IOError all surface as an
		// underlying failure; the result carries the detail.
		return 2
	}
}

// Error is a classified reconciliation failure.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// errf builds a classified error with a formatted message. A trailing
// error argument after a %w-free format is attached as the cause.
func errf(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{
		Kind: kind,
		Msg:  fmt.Sprintf(format, args...),
		Err:  cause,
	}
}

// KindOf extracts the Kind from an error chain; unclassified errors report
// KindIOError, the closest thing to "something environmental broke".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindIOError
}
