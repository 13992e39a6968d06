package discovery

import (
	"path/filepath"
	"strings"
)

// Default positions of the identity segments in a "/"-split socket path,
// e.g. /tmp/touchstone/<namespace>/<workload>/rte/<socket>
const (
	DefaultNamespaceSegment = 3
	DefaultWorkloadSegment  = 4
)

// ClientSocketName is the filename of a legacy client socket
const ClientSocketName = ".client"

// PathDecoder extracts the (namespace, workload name) pair from a socket path
type PathDecoder interface {
	Decode(path string) (namespace, workload string)
}

// PositionalDecoder reads the identity from fixed segment positions counted
// from the start of the path. The layout must match the deployment; a
// mismatch mislabels metrics rather than failing.
type PositionalDecoder struct {
	NamespaceSegment int
	WorkloadSegment  int
}

// DefaultDecoder returns the decoder for the standard touchstone layout
func DefaultDecoder() PositionalDecoder {
	return PositionalDecoder{
		NamespaceSegment: DefaultNamespaceSegment,
		WorkloadSegment:  DefaultWorkloadSegment,
	}
}

// Decode returns empty strings for positions the path does not have
func (p PositionalDecoder) Decode(path string) (string, string) {
	segments := strings.Split(filepath.ToSlash(path), "/")
	return segment(segments, p.NamespaceSegment), segment(segments, p.WorkloadSegment)
}

func segment(segments []string, i int) string {
	if i < 0 || i >= len(segments) {
		return ""
	}
	return segments[i]
}

// ClientPath returns the legacy client socket path for an engine socket.
// The fourth- and third-last segments of the socket path name a
// per-workload directory under root: <root>/<a>-<b>/.client
func ClientPath(root, socketPath string) string {
	segments := strings.Split(filepath.ToSlash(socketPath), "/")
	n := len(segments)
	dir := segment(segments, n-4) + "-" + segment(segments, n-3)
	return filepath.Join(root, dir, ClientSocketName)
}
