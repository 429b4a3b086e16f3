// Package membership provides membership.Oracle implementations.
//
// Static is an explicit allow list, GrantOracle accepts signed expiring grants, and Cached puts
// a TTL cache in front of any other Oracle.
package membership

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/rmacdonaldsmith/eventmesh-client-go/pkg/membership"
)

// Static is an in-memory allow list of subscribers per stream.
// Addresses are compared case-insensitively. It is safe for concurrent use.
type Static struct {
	mu      sync.RWMutex
	streams map[string]map[string]struct{}
}

// NewStatic creates a Static oracle seeded with the given subscribers per stream.
func NewStatic(subscribers map[string][]string) *Static {
	s := &Static{streams: make(map[string]map[string]struct{})}
	for streamID, addrs := range subscribers {
		s.Add(streamID, addrs...)
	}
	return s
}

// Add permits addrs to subscribe to streamID.
func (s *Static) Add(streamID string, addrs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.streams[streamID]
	if !ok {
		set = make(map[string]struct{})
		s.streams[streamID] = set
	}
	for _, a := range addrs {
		set[strings.ToLower(a)] = struct{}{}
	}
}

// Remove revokes addr's permission on streamID.
func (s *Static) Remove(streamID, addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams[streamID], strings.ToLower(addr))
}

// IsValidSubscriber implements membership.Oracle.
func (s *Static) IsValidSubscriber(_ context.Context, streamID, address string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.streams[streamID][strings.ToLower(address)]
	return ok, nil
}

// GetSubscribers implements membership.Oracle.
func (s *Static) GetSubscribers(_ context.Context, streamID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.streams[streamID]))
	for a := range s.streams[streamID] {
		out = append(out, a)
	}
	sort.Strings(out)
	return out, nil
}

var _ membership.Oracle = (*Static)(nil)
