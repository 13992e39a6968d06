// Package discovery locates engine telemetry sockets on the local filesystem
// and derives the workload identity encoded in their paths.
package discovery

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/cboxdk/dpdk-telemetry-exporter/internal/types"
	"golang.org/x/sys/unix"
)

// DiscoveryError indicates the discovery root could not be read. The
// current scrape cycle is skipped; the next one starts over.
type DiscoveryError struct {
	Root  string
	Cause error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery root '%s' is not accessible: %v", e.Root, e.Cause)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Cause
}

// IsDiscoveryError checks if an error is a discovery error
func IsDiscoveryError(err error) bool {
	var de *DiscoveryError
	return errors.As(err, &de)
}

// Discoverer finds engine sockets under a root directory
type Discoverer struct {
	root       string
	socketName string
	decoder    PathDecoder
}

// New creates a discoverer for sockets named socketName under root
func New(root, socketName string, decoder PathDecoder) *Discoverer {
	if decoder == nil {
		decoder = DefaultDecoder()
	}
	return &Discoverer{
		root:       filepath.Clean(root),
		socketName: socketName,
		decoder:    decoder,
	}
}

// Root returns the directory being scanned
func (d *Discoverer) Root() string {
	return d.root
}

// SocketName returns the well-known socket filename being matched
func (d *Discoverer) SocketName() string {
	return d.socketName
}

// Discover returns the endpoints currently present under the root, in walk
// order. An empty result is not an error.
func (d *Discoverer) Discover() ([]types.Endpoint, error) {
	paths, err := FindSockets(d.root, d.socketName)
	if err != nil {
		return nil, err
	}

	endpoints := make([]types.Endpoint, 0, len(paths))
	for _, p := range paths {
		namespace, workload := d.decoder.Decode(p)
		endpoints = append(endpoints, types.Endpoint{
			Path:         p,
			Namespace:    namespace,
			WorkloadName: workload,
		})
	}
	return endpoints, nil
}

// CheckRoot verifies the root exists and can be listed
func CheckRoot(root string) error {
	if err := unix.Access(root, unix.R_OK|unix.X_OK); err != nil {
		return &DiscoveryError{Root: root, Cause: err}
	}
	return nil
}

// FindSockets walks root recursively and returns every non-directory entry
// whose name equals socketName. Unreadable subdirectories are skipped; only
// an unreadable root is reported.
func FindSockets(root, socketName string) ([]string, error) {
	root = filepath.Clean(root)
	if err := CheckRoot(root); err != nil {
		return nil, err
	}

	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || d.Name() != socketName {
			return nil
		}
		abs, absErr := filepath.Abs(path)
		if absErr != nil {
			abs = path
		}
		paths = append(paths, abs)
		return nil
	})
	if err != nil {
		return nil, &DiscoveryError{Root: root, Cause: err}
	}

	return paths, nil
}
