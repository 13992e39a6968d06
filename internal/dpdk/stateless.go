package dpdk

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/cboxdk/dpdk-telemetry-exporter/internal/types"
	"go.uber.org/zap"
)

// StatelessClient scrapes a v2 engine over a fresh connection each time.
// Nothing is carried between scrapes.
type StatelessClient struct {
	endpoint   types.Endpoint
	timeout    time.Duration
	bufferSize int
	logger     *zap.Logger

	release     func()
	releaseOnce sync.Once
}

// NewStatelessClient creates a client for a v2 engine socket
func NewStatelessClient(ep types.Endpoint, opts Options, release func()) *StatelessClient {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatelessClient{
		endpoint:   ep,
		timeout:    opts.ReceiveTimeout,
		bufferSize: opts.BufferSize,
		logger:     logger.Named("v2").With(zap.String("endpoint", ep.Path)),
		release:    release,
	}
}

// Endpoint returns the engine this client talks to
func (c *StatelessClient) Endpoint() types.Endpoint {
	return c.endpoint
}

// Scrape connects, reads the greeting, issues the ethdev commands in order
// and closes the connection. The first malformed reply aborts the scrape.
func (c *StatelessClient) Scrape(ctx context.Context) (*types.StatBatch, error) {
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, socketNetwork, c.endpoint.Path)
	if err != nil {
		return nil, &ConnectError{Path: c.endpoint.Path, Phase: types.PhaseConnect, Cause: err}
	}
	defer conn.Close()

	ex := &exchange{
		conn:    conn,
		path:    c.endpoint.Path,
		timeout: c.timeout,
		buf:     make([]byte, c.bufferSize),
	}

	greeting, err := ex.readGreeting(ctx)
	if err != nil {
		return nil, err
	}
	if greeting.MaxOutputLen > len(ex.buf) {
		ex.buf = make([]byte, greeting.MaxOutputLen)
	}
	c.logger.Debug("Connected to engine",
		zap.String("engine_version", greeting.Version),
		zap.Int("engine_pid", greeting.PID),
		zap.Int("max_output_len", greeting.MaxOutputLen))

	var info *EthdevInfo
	xstats := make(map[string]float64)
	var ports []int

	for _, command := range v2Commands {
		reply, err := ex.command(ctx, command)
		if err != nil {
			return nil, err
		}

		for key, raw := range reply {
			switch key {
			case replyKey(CommandEthdevInfo):
				var decoded *EthdevInfo
				if err := json.Unmarshal(raw, &decoded); err != nil {
					return nil, &ProtocolError{Path: c.endpoint.Path, Phase: types.PhaseDecode, Command: command, Cause: err}
				}
				if decoded != nil {
					info = decoded
				}
			case replyKey(CommandEthdevXstats):
				var stats map[string]float64
				if err := json.Unmarshal(raw, &stats); err != nil {
					return nil, &ProtocolError{Path: c.endpoint.Path, Phase: types.PhaseDecode, Command: command, Cause: err}
				}
				for name, value := range stats {
					xstats[name] = value
				}
			case replyKey(CommandEthdevList):
				// informational only
				if err := json.Unmarshal(raw, &ports); err != nil {
					c.logger.Debug("Ignoring undecodable port list",
						zap.String("command", command),
						zap.Error(err))
				}
			}
		}
	}

	batch, err := ExtractEthdev(info, xstats)
	if err != nil {
		return nil, &ProtocolError{Path: c.endpoint.Path, Phase: types.PhaseDecode, Command: CommandEthdevInfo, Cause: err}
	}

	c.logger.Debug("Scraped engine",
		zap.String("hardware_address", batch.HardwareAddress),
		zap.Ints("ports", ports),
		zap.Int("stats", batch.Len()))
	return batch, nil
}

// Close releases nothing but signals release once
func (c *StatelessClient) Close() error {
	c.releaseOnce.Do(func() {
		if c.release != nil {
			c.release()
		}
	})
	return nil
}

// exchange is one v2 connection
type exchange struct {
	conn    net.Conn
	path    string
	timeout time.Duration
	buf     []byte
}

func (e *exchange) readGreeting(ctx context.Context) (*Greeting, error) {
	payload, err := e.read(ctx, "")
	if err != nil {
		return nil, err
	}
	var greeting Greeting
	if err := json.Unmarshal(payload, &greeting); err != nil {
		return nil, &ProtocolError{Path: e.path, Phase: types.PhaseDecode, Command: "greeting", Cause: err}
	}
	return &greeting, nil
}

func (e *exchange) command(ctx context.Context, command string) (map[string]json.RawMessage, error) {
	if err := e.conn.SetWriteDeadline(deadline(ctx, e.timeout)); err != nil {
		return nil, &ProtocolError{Path: e.path, Phase: types.PhaseRequest, Command: command, Cause: err}
	}
	if _, err := e.conn.Write([]byte(command)); err != nil {
		return nil, &ProtocolError{Path: e.path, Phase: types.PhaseRequest, Command: command, Cause: err}
	}

	payload, err := e.read(ctx, command)
	if err != nil {
		return nil, err
	}

	var reply map[string]json.RawMessage
	if err := json.Unmarshal(payload, &reply); err != nil {
		return nil, &ProtocolError{Path: e.path, Phase: types.PhaseDecode, Command: command, Cause: err}
	}
	return reply, nil
}

func (e *exchange) read(ctx context.Context, command string) ([]byte, error) {
	if err := e.conn.SetReadDeadline(deadline(ctx, e.timeout)); err != nil {
		return nil, &ProtocolError{Path: e.path, Phase: types.PhaseRequest, Command: command, Cause: err}
	}
	n, err := e.conn.Read(e.buf)
	if err != nil {
		return nil, &ProtocolError{Path: e.path, Phase: types.PhaseRequest, Command: command, Cause: err}
	}
	return e.buf[:n], nil
}
