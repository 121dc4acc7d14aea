package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"
)

// transportMarker is implemented by every transport-layer error kind so they
// can be classified together regardless of which kind actually occurred.
type transportMarker interface {
	error
	isTransport()
}

// Kind enumerates the error taxonomy of the media transport plane (spec §7).
type Kind int

const (
	// KindTransportUnavailable: no sink preference intersects the source's
	// capabilities. RequestConnection returns InProc{null} + empty cookie.
	KindTransportUnavailable Kind = iota
	// KindCookieTimeout: a registered cookie's timer fired before a socket arrived.
	KindCookieTimeout
	// KindCookieUnknown: an inbound socket presented a cookie with no registration.
	KindCookieUnknown
	// KindTransportBroken: socket error, unexpected EOF, or bad greeting.
	KindTransportBroken
	// KindRemoteBusy: RPC peer reported BUSY_TRY_LATER.
	KindRemoteBusy
	// KindRemoteNotFound: RPC peer reported NOT_FOUND.
	KindRemoteNotFound
	// KindRemoteInvalid: RPC peer returned an unexpected/malformed response.
	KindRemoteInvalid
	// KindInvalidOperation: caller used a stale or insufficient-priority handle.
	KindInvalidOperation
	// KindFatalIrrecoverable: a device/allocator fault that will not clear
	// without a process restart.
	KindFatalIrrecoverable
)

func (k Kind) String() string {
	switch k {
	case KindTransportUnavailable:
		return "TransportUnavailable"
	case KindCookieTimeout:
		return "CookieTimeout"
	case KindCookieUnknown:
		return "CookieUnknown"
	case KindTransportBroken:
		return "TransportBroken"
	case KindRemoteBusy:
		return "RemoteBusy"
	case KindRemoteNotFound:
		return "RemoteNotFound"
	case KindRemoteInvalid:
		return "RemoteInvalid"
	case KindInvalidOperation:
		return "InvalidOperation"
	case KindFatalIrrecoverable:
		return "FatalIrrecoverable"
	default:
		return "Unknown"
	}
}

// TransportError is the generic error type for every transport-plane error
// kind. Op names the high-level operation (e.g. "negotiator.pick",
// "acceptor.register", "sink.connect"); Err is the underlying cause (may be nil).
type TransportError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}
func (e *TransportError) Unwrap() error { return e.Err }
func (e *TransportError) isTransport()  {}

// TimeoutError indicates an operation exceeded a deadline or idle timeout.
type TimeoutError struct {
	Op       string
	Duration time.Duration
	Err      error
}

func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (after %s)", e.Op, e.Duration)
	if e.Err != nil {
		return base + ": " + e.Err.Error()
	}
	return base
}
func (e *TimeoutError) Unwrap() error { return e.Err }

// IsTimeout returns true if err is (or wraps) a TimeoutError, a context
// deadline exceeded, or any error type that exposes Timeout() bool and
// returns true.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	var te *TimeoutError
	if stdErrors.As(err, &te) {
		return true
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var toErr interface{ Timeout() bool }
	if stdErrors.As(err, &toErr) && toErr.Timeout() {
		return true
	}
	return false
}

// IsKind reports whether err is (or wraps) a *TransportError of the given kind.
func IsKind(err error, k Kind) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	if !stdErrors.As(err, &te) {
		return false
	}
	return te.Kind == k
}

// IsTransportError returns true if the error chain contains any
// *TransportError regardless of kind.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	var tm transportMarker
	return stdErrors.As(err, &tm)
}

// New constructs a *TransportError. Callers are encouraged to layer
// additional context with fmt.Errorf("...: %w", err) before passing Err in.
func New(kind Kind, op string, cause error) error {
	return &TransportError{Kind: kind, Op: op, Err: cause}
}

// NewTimeoutError constructs a *TimeoutError.
func NewTimeoutError(op string, d time.Duration, cause error) error {
	return &TimeoutError{Op: op, Duration: d, Err: cause}
}

// Convenience constructors, one per Kind, mirroring the teacher's
// per-layer constructor style (NewHandshakeError, NewChunkError, ...).
func NewTransportUnavailable(op string, cause error) error {
	return New(KindTransportUnavailable, op, cause)
}
func NewCookieTimeout(op string, cause error) error { return New(KindCookieTimeout, op, cause) }
func NewCookieUnknown(op string, cause error) error { return New(KindCookieUnknown, op, cause) }
func NewTransportBroken(op string, cause error) error {
	return New(KindTransportBroken, op, cause)
}
func NewRemoteBusy(op string, cause error) error       { return New(KindRemoteBusy, op, cause) }
func NewRemoteNotFound(op string, cause error) error   { return New(KindRemoteNotFound, op, cause) }
func NewRemoteInvalid(op string, cause error) error    { return New(KindRemoteInvalid, op, cause) }
func NewInvalidOperation(op string, cause error) error { return New(KindInvalidOperation, op, cause) }
func NewFatalIrrecoverable(op string, cause error) error {
	return New(KindFatalIrrecoverable, op, cause)
}

// Usage pattern example:
//
//	if _, err := io.ReadFull(r, buf); err != nil {
//	    return NewTransportBroken("acceptor.readCookie", fmt.Errorf("io: %w", err))
//	}
//
// Keep layering context with fmt.Errorf("...: %w", err).
