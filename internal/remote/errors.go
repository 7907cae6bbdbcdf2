package remote

import (
	"errors"
	"fmt"
)

// Kind classifies a failed remote call.
type Kind int

const (
	KindConfiguration Kind = iota + 1
	KindNetwork
	KindProtocol
	KindApplication
)

var (
	ErrConfiguration = errors.New("remote endpoint not configured")
	ErrNetwork       = errors.New("remote unreachable")
	ErrProtocol      = errors.New("remote returned an unexpected response")
	ErrApplication   = errors.New("remote rejected the request")
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindNetwork:
		return "network"
	case KindProtocol:
		return "protocol"
	case KindApplication:
		return "application"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindConfiguration:
		return ErrConfiguration
	case KindNetwork:
		return ErrNetwork
	case KindProtocol:
		return ErrProtocol
	case KindApplication:
		return ErrApplication
	default:
		return nil
	}
}

// Error is returned by every failing Client call.
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	Reason     string
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("remote %s: %s", e.Op, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// KindOf reports the Kind of err, or 0 when err did not come from a Client.
func KindOf(err error) Kind {
	var remoteErr *Error
	if errors.As(err, &remoteErr) {
		return remoteErr.Kind
	}
	return 0
}

// Reason returns the short human readable cause of err.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var remoteErr *Error
	if errors.As(err, &remoteErr) && remoteErr.Reason != "" {
		return remoteErr.Reason
	}
	return err.Error()
}

// Unavailable reports whether err means the remote could not be reached or
// understood, as opposed to being misconfigured or refusing the request.
func Unavailable(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrProtocol)
}
