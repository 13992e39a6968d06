package dpdk

import (
	"errors"
	"fmt"

	"github.com/cboxdk/dpdk-telemetry-exporter/internal/types"
)

var (
	// ErrSessionClosed indicates the session was torn down and must be
	// replaced by a fresh one on a later cycle.
	ErrSessionClosed = errors.New("session is torn down")

	// ErrBindPending indicates the client socket is not bound yet and the
	// next bind attempt is not due.
	ErrBindPending = errors.New("client socket bind pending retry")

	// ErrUnknownVersion indicates an unsupported telemetry protocol version
	ErrUnknownVersion = errors.New("unknown telemetry protocol version")
)

// BindError indicates the local client socket could not be bound. It is
// retried with a fixed delay and only affects the owning session.
type BindError struct {
	ClientPath string
	Cause      error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind client socket '%s': %v", e.ClientPath, e.Cause)
}

func (e *BindError) Unwrap() error {
	return e.Cause
}

// ConnectError indicates an engine socket could not be reached
type ConnectError struct {
	Path  string
	Phase string
	Cause error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to engine '%s' during '%s': %v", e.Path, e.Phase, e.Cause)
}

func (e *ConnectError) Unwrap() error {
	return e.Cause
}

// ProtocolError indicates a malformed or undecodable engine reply, or a
// failed request/response exchange
type ProtocolError struct {
	Path    string
	Phase   string
	Command string
	Cause   error
}

func (e *ProtocolError) Error() string {
	if e.Command != "" {
		return fmt.Sprintf("protocol error on '%s' during '%s' (command %s): %v", e.Path, e.Phase, e.Command, e.Cause)
	}
	return fmt.Sprintf("protocol error on '%s' during '%s': %v", e.Path, e.Phase, e.Cause)
}

func (e *ProtocolError) Unwrap() error {
	return e.Cause
}

// Phase returns the scrape phase an error belongs to, or "" if unknown
func Phase(err error) string {
	var bindErr *BindError
	var connErr *ConnectError
	var protoErr *ProtocolError
	switch {
	case errors.As(err, &bindErr):
		return types.PhaseBind
	case errors.As(err, &connErr):
		return connErr.Phase
	case errors.As(err, &protoErr):
		return protoErr.Phase
	default:
		return ""
	}
}
