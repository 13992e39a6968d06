package dpdk

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cboxdk/dpdk-telemetry-exporter/internal/resilience"
	"github.com/cboxdk/dpdk-telemetry-exporter/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SessionState represents the lifecycle state of a legacy session
type SessionState int

const (
	SessionUnbound SessionState = iota
	SessionBinding
	SessionBoundUnregistered
	SessionRegistering
	SessionActive
	SessionTornDown
)

func (s SessionState) String() string {
	switch s {
	case SessionUnbound:
		return "unbound"
	case SessionBinding:
		return "binding"
	case SessionBoundUnregistered:
		return "bound_unregistered"
	case SessionRegistering:
		return "registering"
	case SessionActive:
		return "active"
	case SessionTornDown:
		return "torn_down"
	default:
		return "unknown"
	}
}

// Session is one registration with a legacy engine.
//
// The session binds a SOCK_SEQPACKET listener at its client path, asks the
// engine to connect back to it and then exchanges every request over the
// accepted connection. Any failure tears the session down; a new session is
// created for the same client path on a later cycle.
type Session struct {
	endpoint   types.Endpoint
	clientPath string
	timeout    time.Duration
	bufferSize int
	logger     *zap.Logger
	bindGate   *resilience.RetryGate

	release     func()
	releaseOnce sync.Once

	mu       sync.Mutex
	state    SessionState
	listener *net.UnixListener
	sendConn net.Conn
	conn     *net.UnixConn
	buf      []byte
}

// NewSession creates an unbound session. release is called once when the
// session is torn down.
func NewSession(ep types.Endpoint, clientPath string, opts Options, release func()) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	id := uuid.NewString()
	logger = logger.Named("session").With(
		zap.String("session_id", id),
		zap.String("client_path", clientPath),
		zap.String("endpoint", ep.Path))

	return &Session{
		endpoint:   ep,
		clientPath: clientPath,
		timeout:    opts.ReceiveTimeout,
		bufferSize: opts.BufferSize,
		logger:     logger,
		bindGate:   resilience.NewRetryGate("bind "+clientPath, opts.BindRetryDelay, logger),
		release:    release,
		state:      SessionUnbound,
	}
}

// ClientPath returns the local socket path the engine connects back to
func (s *Session) ClientPath() string {
	return s.clientPath
}

// Endpoint returns the engine this session is registered with
func (s *Session) Endpoint() types.Endpoint {
	return s.endpoint
}

// State returns the current lifecycle state
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Register binds the client socket and registers it with the engine. It is
// a no-op for an active session.
func (s *Session) Register(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registerLocked(ctx)
}

// Scrape queries all port stats, registering first if needed
func (s *Session) Scrape(ctx context.Context) (*types.StatBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.registerLocked(ctx); err != nil {
		return nil, err
	}

	payload, err := s.requestLocked(ctx)
	if err != nil {
		s.teardownLocked("request failed")
		return nil, err
	}

	reply, err := DecodePortsAllStatValues(payload)
	if err != nil {
		s.teardownLocked("malformed reply")
		return nil, &ProtocolError{Path: s.endpoint.Path, Phase: types.PhaseDecode, Command: commandPortsAllStatValues, Cause: err}
	}

	batch, err := ExtractPortStats(reply)
	if err != nil {
		s.teardownLocked("unusable reply")
		return nil, &ProtocolError{Path: s.endpoint.Path, Phase: types.PhaseDecode, Command: commandPortsAllStatValues, Cause: err}
	}

	return batch, nil
}

// Unregister tears the session down: best-effort unregistration, then all
// sockets are closed and the client socket file is removed.
func (s *Session) Unregister() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownLocked("unregister")
	return nil
}

// Close is Unregister
func (s *Session) Close() error {
	return s.Unregister()
}

func (s *Session) registerLocked(ctx context.Context) error {
	switch s.state {
	case SessionActive:
		return nil
	case SessionTornDown:
		return ErrSessionClosed
	case SessionUnbound, SessionBinding:
		if err := s.bindLocked(); err != nil {
			return err
		}
	}
	return s.handshakeLocked(ctx)
}

func (s *Session) bindLocked() error {
	s.state = SessionBinding

	if !s.bindGate.Ready() {
		return &BindError{ClientPath: s.clientPath, Cause: fmt.Errorf("%w: %v", ErrBindPending, s.bindGate.LastError())}
	}

	if err := os.MkdirAll(filepath.Dir(s.clientPath), 0755); err != nil {
		s.bindGate.Failure(err)
		return &BindError{ClientPath: s.clientPath, Cause: err}
	}

	// A leftover socket file from an earlier session makes bind fail
	if err := os.Remove(s.clientPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.bindGate.Failure(err)
		return &BindError{ClientPath: s.clientPath, Cause: err}
	}

	listener, err := net.ListenUnix(socketNetwork, &net.UnixAddr{Name: s.clientPath, Net: socketNetwork})
	if err != nil {
		s.bindGate.Failure(err)
		return &BindError{ClientPath: s.clientPath, Cause: err}
	}
	s.bindGate.Success()

	s.listener = listener
	s.state = SessionBoundUnregistered
	s.logger.Debug("Client socket bound")
	return nil
}

func (s *Session) handshakeLocked(ctx context.Context) error {
	s.state = SessionRegistering

	dialer := net.Dialer{Timeout: s.timeout}
	sendConn, err := dialer.DialContext(ctx, socketNetwork, s.endpoint.Path)
	if err != nil {
		s.teardownLocked("engine unreachable")
		return &ConnectError{Path: s.endpoint.Path, Phase: types.PhaseConnect, Cause: err}
	}
	s.sendConn = sendConn

	if err := sendConn.SetWriteDeadline(deadline(ctx, s.timeout)); err != nil {
		s.teardownLocked("registration failed")
		return &ConnectError{Path: s.endpoint.Path, Phase: types.PhaseRegister, Cause: err}
	}
	if _, err := sendConn.Write(registerMessage(s.clientPath)); err != nil {
		s.teardownLocked("registration failed")
		return &ConnectError{Path: s.endpoint.Path, Phase: types.PhaseRegister, Cause: err}
	}

	if err := s.listener.SetDeadline(deadline(ctx, s.timeout)); err != nil {
		s.teardownLocked("registration failed")
		return &ConnectError{Path: s.endpoint.Path, Phase: types.PhaseRegister, Cause: err}
	}
	conn, err := s.listener.AcceptUnix()
	if err != nil {
		s.teardownLocked("engine did not connect back")
		return &ConnectError{Path: s.endpoint.Path, Phase: types.PhaseRegister, Cause: fmt.Errorf("accept engine connection: %w", err)}
	}

	s.conn = conn
	s.buf = make([]byte, s.bufferSize)
	s.state = SessionActive
	s.logger.Info("Session registered")
	return nil
}

func (s *Session) requestLocked(ctx context.Context) ([]byte, error) {
	if err := s.conn.SetDeadline(deadline(ctx, s.timeout)); err != nil {
		return nil, &ProtocolError{Path: s.endpoint.Path, Phase: types.PhaseRequest, Command: commandPortsAllStatValues, Cause: err}
	}
	if _, err := s.conn.Write(queryMessage()); err != nil {
		return nil, &ProtocolError{Path: s.endpoint.Path, Phase: types.PhaseRequest, Command: commandPortsAllStatValues, Cause: err}
	}

	n, err := s.conn.Read(s.buf)
	if err != nil {
		return nil, &ProtocolError{Path: s.endpoint.Path, Phase: types.PhaseRequest, Command: commandPortsAllStatValues, Cause: err}
	}
	return s.buf[:n], nil
}

// teardownLocked is idempotent; it runs for explicit unregistration and
// for every unrecoverable exchange failure
func (s *Session) teardownLocked(reason string) {
	if s.state == SessionTornDown {
		return
	}

	if s.conn != nil {
		// The engine may already be gone
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
		if _, err := s.conn.Write(unregisterMessage(s.clientPath)); err != nil {
			s.logger.Debug("Unregistration not delivered", zap.Error(err))
		}
		_ = s.conn.Close()
		s.conn = nil
	}
	if s.sendConn != nil {
		_ = s.sendConn.Close()
		s.sendConn = nil
	}
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
		if err := os.Remove(s.clientPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("Failed to remove client socket", zap.Error(err))
		}
	}

	previous := s.state
	s.state = SessionTornDown
	s.buf = nil

	s.logger.Info("Session torn down",
		zap.String("reason", reason),
		zap.String("previous_state", previous.String()))

	s.releaseOnce.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
}
