package metrics

import (
	"errors"
	"sort"
	"sync"

	"github.com/cboxdk/dpdk-telemetry-exporter/internal/dpdk"
)

// SessionSet holds the persistent clients owned by the scrape loop, keyed
// by client identity. A key maps to at most one client.
type SessionSet struct {
	mu      sync.Mutex
	clients map[string]dpdk.Client
}

// NewSessionSet creates an empty set
func NewSessionSet() *SessionSet {
	return &SessionSet{clients: make(map[string]dpdk.Client)}
}

// Add stores client under key unless the key is taken
func (s *SessionSet) Add(key string, client dpdk.Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[key]; exists {
		return false
	}
	s.clients[key] = client
	return true
}

// Get returns the client stored under key
func (s *SessionSet) Get(key string) (dpdk.Client, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[key]
	return client, ok
}

// Remove deletes key if it still maps to client. A stale release from an
// older client never evicts its replacement.
func (s *SessionSet) Remove(key string, client dpdk.Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.clients[key]; ok && current == client {
		delete(s.clients, key)
		return true
	}
	return false
}

// Keys returns the tracked keys in order
func (s *SessionSet) Keys() []string {
	s.mu.Lock()
	keys := make([]string, 0, len(s.clients))
	for key := range s.clients {
		keys = append(keys, key)
	}
	s.mu.Unlock()

	sort.Strings(keys)
	return keys
}

// Len returns the number of tracked clients
func (s *SessionSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// CloseAll closes every tracked client. Clients remove themselves through
// their release hook; anything left afterwards is dropped.
func (s *SessionSet) CloseAll() error {
	s.mu.Lock()
	clients := make([]dpdk.Client, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, client)
	}
	s.mu.Unlock()

	var errs []error
	for _, client := range clients {
		if err := client.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	s.mu.Lock()
	s.clients = make(map[string]dpdk.Client)
	s.mu.Unlock()

	return errors.Join(errs...)
}
