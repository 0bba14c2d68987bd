package coronet

import (
	"errors"
	"fmt"
	"io"
	"runtime/debug"
)

var (
	// ErrConfig matches every *ConfigError returned by Builder.Build.
	ErrConfig = errors.New("coronet: invalid configuration")

	// ErrNoContext is returned when a context-dependent operation
	// runs outside any ContextGuard.
	ErrNoContext = errors.New("coronet: no pool in context")

	// ErrCanceled is returned from a suspension point once the
	// waiting task, or the context it waits with, has been cancelled.
	ErrCanceled = errors.New("coronet: canceled")

	// ErrPoolClosed is returned for submissions after shutdown began.
	ErrPoolClosed = errors.New("coronet: pool closed")

	// ErrPoolDegraded is returned for submissions once every worker
	// has retired under the DegradePool policy.
	ErrPoolDegraded = errors.New("coronet: pool degraded")

	ErrInvalidPriority = errors.New("coronet: invalid priority")
	ErrJoinSelf        = errors.New("coronet: task joined itself")

	// ErrWouldBlock is the signal a PollRead or PollWrite
	// implementation returns after registering its waker. The
	// combinators consume it; it never reaches their callers.
	ErrWouldBlock = errors.New("coronet: operation would block")

	// ErrInterestBusy is returned when a different waker already
	// holds the wake registration for the same resource and
	// direction.
	ErrInterestBusy = errors.New("coronet: interest already registered")

	ErrUnexpectedEOF  = io.ErrUnexpectedEOF
	ErrWriteZero      = errors.New("coronet: write returned zero bytes")
	ErrAddressInUse   = errors.New("coronet: address in use")
	ErrInvalidAddress = errors.New("coronet: invalid address")
	ErrNotSupported   = errors.New("coronet: networking not supported")
)

// ConfigError describes a rejected Builder setting.
type ConfigError struct {
	Field  string // Builder option name
	Value  any    // Rejected value
	Reason string // Constraint that was violated
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("coronet: invalid %s %v: %s", e.Field, e.Value, e.Reason)
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrConfig
}

// IOError wraps an operating system failure with the operation and
// address it occurred on. Kind, when set, is one of the sentinel
// errors of this package so callers can match it with errors.Is.
type IOError struct {
	Op   string
	Addr string
	Kind error
	Err  error
}

func (e *IOError) Error() string {
	msg := "coronet: " + e.Op
	if e.Addr != "" {
		msg += " " + e.Addr
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	} else if e.Kind != nil {
		msg += ": " + e.Kind.Error()
	}
	return msg
}

func (e *IOError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// PanicError is the failure recorded for a task whose body panicked.
type PanicError struct {
	Value any    // Value passed to panic
	Stack []byte // Stack of the panicking goroutine
}

func newPanicError(v any) *PanicError {
	return &PanicError{Value: v, Stack: debug.Stack()}
}

func (e *PanicError) Error() string {
	return "coronet: task panicked: " + fmt.Sprint(e.Value)
}

func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
