// Package dpdk implements the client side of the two DPDK telemetry socket
// protocols: the legacy registered-session protocol (DPDK 19.11, reverse
// connection through a client socket) and the v2 stateless protocol
// (DPDK 20.05+, one connection per scrape).
package dpdk

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cboxdk/dpdk-telemetry-exporter/internal/discovery"
	"github.com/cboxdk/dpdk-telemetry-exporter/internal/types"
	"go.uber.org/zap"
)

// Version selects the telemetry protocol
type Version string

const (
	VersionLegacy Version = "legacy"
	VersionV2     Version = "v2"
)

// Well-known engine socket filenames
const (
	LegacySocketName = "telemetry"
	V2SocketName     = "dpdk_telemetry.v2"
)

// Socket network for both protocols: connection oriented, message boundaries kept
const socketNetwork = "unixpacket"

// Protocol defaults
const (
	DefaultReceiveTimeout   = 2 * time.Second
	DefaultBindRetryDelay   = 5 * time.Second
	DefaultLegacyBufferSize = 200000
	DefaultV2BufferSize     = 16384
)

// ParseVersion accepts the protocol names and the DPDK releases that
// introduced them
func ParseVersion(s string) (Version, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "legacy", "v1", "19.11":
		return VersionLegacy, nil
	case "v2", "22.11", "":
		return VersionV2, nil
	default:
		return "", fmt.Errorf("%w: %q (valid: legacy, v2)", ErrUnknownVersion, s)
	}
}

// SocketName returns the engine socket filename for the version
func (v Version) SocketName() string {
	if v == VersionLegacy {
		return LegacySocketName
	}
	return V2SocketName
}

// Client scrapes one engine
type Client interface {
	// Endpoint returns the engine this client talks to
	Endpoint() types.Endpoint

	// Scrape performs one request/response exchange and extracts its stats
	Scrape(ctx context.Context) (*types.StatBatch, error)

	// Close releases every resource held by the client. Safe to call twice.
	Close() error
}

// Protocol creates clients for one telemetry protocol version
type Protocol interface {
	Version() Version

	// SocketName is the engine socket filename discovery looks for
	SocketName() string

	// Persistent reports whether clients keep state across cycles and must
	// be tracked by the scrape loop under ClientKey
	Persistent() bool

	// ClientKey returns the identity under which a client for ep is tracked
	ClientKey(ep types.Endpoint) string

	// NewClient creates a client for ep. release is invoked exactly once when
	// the client tears itself down.
	NewClient(ep types.Endpoint, release func()) Client
}

// Options configure a protocol
type Options struct {
	Version        Version
	RootDir        string
	ReceiveTimeout time.Duration
	BindRetryDelay time.Duration
	BufferSize     int
	Logger         *zap.Logger
}

// NewProtocol returns the protocol implementation for opts.Version
func NewProtocol(opts Options) (Protocol, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ReceiveTimeout <= 0 {
		opts.ReceiveTimeout = DefaultReceiveTimeout
	}
	if opts.BindRetryDelay <= 0 {
		opts.BindRetryDelay = DefaultBindRetryDelay
	}

	switch opts.Version {
	case VersionLegacy:
		if opts.BufferSize <= 0 {
			opts.BufferSize = DefaultLegacyBufferSize
		}
		if opts.RootDir == "" {
			return nil, fmt.Errorf("legacy protocol requires a root directory for client sockets")
		}
		return &legacyProtocol{opts: opts}, nil
	case VersionV2:
		if opts.BufferSize <= 0 {
			opts.BufferSize = DefaultV2BufferSize
		}
		return &v2Protocol{opts: opts}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownVersion, opts.Version)
	}
}

type legacyProtocol struct {
	opts Options
}

func (p *legacyProtocol) Version() Version   { return VersionLegacy }
func (p *legacyProtocol) SocketName() string { return LegacySocketName }
func (p *legacyProtocol) Persistent() bool   { return true }

func (p *legacyProtocol) ClientKey(ep types.Endpoint) string {
	return discovery.ClientPath(p.opts.RootDir, ep.Path)
}

func (p *legacyProtocol) NewClient(ep types.Endpoint, release func()) Client {
	return NewSession(ep, p.ClientKey(ep), p.opts, release)
}

type v2Protocol struct {
	opts Options
}

func (p *v2Protocol) Version() Version   { return VersionV2 }
func (p *v2Protocol) SocketName() string { return V2SocketName }
func (p *v2Protocol) Persistent() bool   { return false }

func (p *v2Protocol) ClientKey(ep types.Endpoint) string {
	return ep.Path
}

func (p *v2Protocol) NewClient(ep types.Endpoint, release func()) Client {
	return NewStatelessClient(ep, p.opts, release)
}

// Legacy protocol actions
const (
	actionQuery      = 0
	actionRegister   = 1
	actionUnregister = 2
)

// Legacy protocol commands
const (
	commandClients            = "clients"
	commandPortsAllStatValues = "ports_all_stat_values"
)

// legacyRequest is the JSON envelope of every legacy request
type legacyRequest struct {
	Action  int         `json:"action"`
	Command string      `json:"command"`
	Data    interface{} `json:"data"`
}

type clientPathData struct {
	ClientPath string `json:"client_path"`
}

func registerMessage(clientPath string) []byte {
	return mustMarshal(legacyRequest{Action: actionRegister, Command: commandClients, Data: clientPathData{ClientPath: clientPath}})
}

func unregisterMessage(clientPath string) []byte {
	return mustMarshal(legacyRequest{Action: actionUnregister, Command: commandClients, Data: clientPathData{ClientPath: clientPath}})
}

func queryMessage() []byte {
	return mustMarshal(legacyRequest{Action: actionQuery, Command: commandPortsAllStatValues, Data: nil})
}

func mustMarshal(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal %T: %v", v, err))
	}
	return b
}

// V2 commands, issued in this order on every scrape
const (
	CommandEthdevInfo   = "/ethdev/info,0"
	CommandEthdevXstats = "/ethdev/xstats,0"
	CommandEthdevList   = "/ethdev/list"
)

var v2Commands = []string{CommandEthdevInfo, CommandEthdevXstats, CommandEthdevList}

// replyKey returns the key an engine uses for a command's reply object
func replyKey(command string) string {
	if i := strings.IndexByte(command, ','); i >= 0 {
		return command[:i]
	}
	return command
}

// deadline bounds a socket operation by timeout and by ctx
func deadline(ctx context.Context, timeout time.Duration) time.Time {
	d := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		return ctxDeadline
	}
	return d
}
