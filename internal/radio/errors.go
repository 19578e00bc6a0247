package radio

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies every failure the manager can report.
type ErrorKind string

const (
	KindDriverUnavailable ErrorKind = "driver_unavailable"
	KindDriverFailure     ErrorKind = "driver_failure"
	KindTimeout           ErrorKind = "timeout"
	KindAdapterNotReady   ErrorKind = "adapter_not_ready"
	KindAlreadyFaulted    ErrorKind = "already_faulted"
	KindInvalidTransport  ErrorKind = "invalid_transport"
)

// Result codes of the caller-facing surface.
const (
	CodeSuccess = 0
	CodeFailure = -1
)

// AdapterError is the tagged result carried through the manager.
// Only Code collapses it to the two-valued surface.
type AdapterError struct {
	Kind      ErrorKind
	Transport TransportKind
	Op        string
	Err       error
}

// Error implements the error interface
func (e *AdapterError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := string(e.Kind)
	if e.Op != "" {
		msg = fmt.Sprintf("%s %s: %s", e.Transport.Slug(), e.Op, e.Kind)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AdapterError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is allows errors.Is to compare AdapterError values by Kind
func (e *AdapterError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*AdapterError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors, one per kind
var (
	ErrDriverUnavailable = &AdapterError{Kind: KindDriverUnavailable}
	ErrDriverFailure     = &AdapterError{Kind: KindDriverFailure}
	ErrTimeout           = &AdapterError{Kind: KindTimeout}
	ErrAdapterNotReady   = &AdapterError{Kind: KindAdapterNotReady}
	ErrAlreadyFaulted    = &AdapterError{Kind: KindAlreadyFaulted}
	ErrInvalidTransport  = &AdapterError{Kind: KindInvalidTransport}
)

var (
	errHardwareLost  = errors.New("hardware lost")
	errShutdown      = errors.New("adapter shut down")
	errManagerClosed = errors.New("manager closed")
)

// DriverError tags a raw driver error with a kind so the manager keeps it
// when the error crosses the port. Drivers use it for causes they can classify.
func DriverError(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &AdapterError{Kind: kind, Err: err}
}

// KindOf returns the kind of the outermost AdapterError in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var aerr *AdapterError
	if errors.As(err, &aerr) {
		return aerr.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind ErrorKind) bool {
	return errors.Is(err, &AdapterError{Kind: kind})
}

// Code collapses an internal outcome into the two-valued result code.
func Code(err error) int {
	if err != nil {
		return CodeFailure
	}
	return CodeSuccess
}

// classify picks the kind a driver error maps to.
func classify(err error, fallback ErrorKind) ErrorKind {
	if kind := KindOf(err); kind != "" {
		return kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return fallback
}

func wrapDriverError(transport TransportKind, op string, err error, fallback ErrorKind) error {
	if err == nil {
		return nil
	}
	return &AdapterError{Kind: classify(err, fallback), Transport: transport, Op: op, Err: err}
}

// driverPanic marks a failure that came from a recovered driver panic.
type driverPanic struct {
	op    string
	value any
}

func (p *driverPanic) Error() string {
	return fmt.Sprintf("driver panic in %s: %v", p.op, p.value)
}

func (p *driverPanic) Unwrap() error {
	return ErrDriverFailure
}

func isDriverPanic(err error) bool {
	var p *driverPanic
	return errors.As(err, &p)
}

// callDriver runs fn and converts a driver panic into a DriverFailure error.
func callDriver(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &driverPanic{op: op, value: r}
		}
	}()
	return fn()
}
