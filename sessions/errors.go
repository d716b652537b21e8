package sessions

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced by the registry.
type ErrorKind string

const (
	KindNotFound         ErrorKind = "not_found"
	KindNotReady         ErrorKind = "not_ready"
	KindInvalidRequest   ErrorKind = "invalid_request"
	KindTransportFailure ErrorKind = "transport_failure"
	KindAuthFailure      ErrorKind = "auth_failure"
)

var (
	ErrNotFound         = errors.New("session not found")
	ErrNotReady         = errors.New("session not ready")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrTransportFailure = errors.New("transport failure")
	ErrAuthFailure      = errors.New("authentication failure")

	// ErrRegistryClosed is returned by GetOrCreate once Close has been called.
	ErrRegistryClosed = errors.New("session registry closed")
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindNotReady:
		return ErrNotReady
	case KindInvalidRequest:
		return ErrInvalidRequest
	case KindTransportFailure:
		return ErrTransportFailure
	case KindAuthFailure:
		return ErrAuthFailure
	}
	return nil
}

// DispatchError is the error type returned by registry operations. It matches
// the sentinel of its Kind with errors.Is and unwraps to the underlying
// cause, if any.
type DispatchError struct {
	Kind ErrorKind
	ID   string
	Err  error
}

func (e *DispatchError) Error() string {
	msg := e.Kind.sentinel().Error()
	if e.ID != "" {
		msg = fmt.Sprintf("%s: %q", msg, e.ID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DispatchError) Unwrap() error { return e.Err }

func (e *DispatchError) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

func newError(kind ErrorKind, id string, cause error) error {
	return &DispatchError{Kind: kind, ID: id, Err: cause}
}

// KindOf extracts the ErrorKind from err. ok is false when err is not a
// *DispatchError.
func KindOf(err error) (kind ErrorKind, ok bool) {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Kind, true
	}
	return "", false
}
