// Package errs defines the error-kind taxonomy the cache engine surfaces to
// callers. Kinds are sentinel errors, not types: callers classify a failure
// with errors.Is against one of the exported sentinels, while the wrapped
// cause (via github.com/pkg/errors) is still available for logging.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind sentinels. A layer or manager failure is always wrapped around one of
// these so callers can branch on errors.Is(err, errs.TransientIO) etc. without
// caring which layer or component produced it.
var (
	// TransientIO marks a layer call that timed out or lost its connection.
	// Recovered locally: treated as a miss on read, logged and counted on
	// write.
	TransientIO = errors.New("methodcache: transient I/O failure")

	// Serialization marks a failure to serialize a value for an
	// out-of-process tier.
	Serialization = errors.New("methodcache: serialization failure")

	// Deserialization marks a failure to deserialize bytes read from an
	// out-of-process tier back into a value.
	Deserialization = errors.New("methodcache: deserialization failure")

	// StampedeTimeout marks a single-flight factory invocation that did not
	// complete within the policy's stampede-protection timeout.
	StampedeTimeout = errors.New("methodcache: stampede protection timeout")

	// FactoryFailure marks a factory that returned an error; it is
	// propagated unchanged to every waiter and is never cached.
	FactoryFailure = errors.New("methodcache: factory failure")

	// LockUnavailable marks a distributed lock that could not be acquired
	// within its configured wait window.
	LockUnavailable = errors.New("methodcache: distributed lock unavailable")

	// ShuttingDown marks an operation rejected because the coordinator or
	// manager is draining for shutdown.
	ShuttingDown = errors.New("methodcache: shutting down")

	// ConfigurationError marks an invalid or contradictory policy detected
	// at registration time. Fatal only at startup.
	ConfigurationError = errors.New("methodcache: configuration error")
)

// Wrap annotates cause with kind so errors.Is(result, kind) succeeds while
// errors.Cause(result) still recovers the original error. If cause is nil,
// Wrap returns nil.
func Wrap(kind error, cause error, msgAndArgs ...interface{}) error {
	if cause == nil {
		return nil
	}
	msg := kind.Error()
	if len(msgAndArgs) > 0 {
		if format, ok := msgAndArgs[0].(string); ok {
			msg = fmt.Sprintf(format, msgAndArgs[1:]...)
		}
	}
	return &kindError{kind: kind, cause: errors.Wrap(cause, msg)}
}

// New creates a new error classified as kind, with no separate cause.
func New(kind error, msg string) error {
	return &kindError{kind: kind, cause: errors.New(msg)}
}

type kindError struct {
	kind  error
	cause error
}

func (e *kindError) Error() string { return e.cause.Error() }

func (e *kindError) Unwrap() error { return e.kind }

// Cause returns the wrapped, stack-carrying cause for logging.
func (e *kindError) Cause() error { return errors.Cause(e.cause) }

// StackTrace exposes github.com/pkg/errors' stack trace, if the cause has one.
func (e *kindError) StackTrace() errors.StackTrace {
	type stackTracer interface{ StackTrace() errors.StackTrace }
	if st, ok := e.cause.(stackTracer); ok {
		return st.StackTrace()
	}
	return nil
}

// Is reports whether target is the kind sentinel this error was classified
// with, enabling errors.Is(err, errs.TransientIO).
func (e *kindError) Is(target error) bool {
	return e.kind == target
}
