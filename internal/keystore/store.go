// Package keystore holds the group keys a client knows, per stream.
//
// A Store is created once per client and shared by reference with every subscription and the
// key-exchange coordinator; there is no process-wide key cache. Keys are never removed, so
// historical messages stay decryptable for the Store's lifetime.
package keystore

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rmacdonaldsmith/eventmesh-client-go/pkg/protocol"
)

// ErrEmptyStreamID is returned when a stream id is empty
var ErrEmptyStreamID = errors.New("stream id cannot be empty")

// Store is an in-memory repository of group keys keyed by stream and key id.
// It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	streams map[string]*streamKeys
	now     func() time.Time
}

type streamKeys struct {
	keys    map[string]protocol.GroupKey
	current string
	next    *protocol.GroupKey
}

// New creates an empty Store.
func New() *Store {
	return NewWithClock(time.Now)
}

// NewWithClock creates an empty Store that stamps generated keys with now().
func NewWithClock(now func() time.Time) *Store {
	return &Store{
		streams: make(map[string]*streamKeys),
		now:     now,
	}
}

// Add stores key for streamID. It returns false if a key with the same id is already known;
// the existing key is kept.
func (s *Store) Add(streamID string, key protocol.GroupKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sk := s.streamLocked(streamID)
	if _, exists := sk.keys[key.ID()]; exists {
		return false
	}
	sk.keys[key.ID()] = key
	return true
}

// Get returns the key with the given id.
func (s *Store) Get(streamID, keyID string) (protocol.GroupKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sk, ok := s.streams[streamID]
	if !ok {
		return protocol.GroupKey{}, false
	}
	key, ok := sk.keys[keyID]
	return key, ok
}

// Has reports whether the key with the given id is known.
func (s *Store) Has(streamID, keyID string) bool {
	_, ok := s.Get(streamID, keyID)
	return ok
}

// Current returns the stream's current key, if one has been set.
func (s *Store) Current(streamID string) (protocol.GroupKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sk, ok := s.streams[streamID]
	if !ok || sk.current == "" {
		return protocol.GroupKey{}, false
	}
	return sk.keys[sk.current], true
}

// UseGroupKey returns the key to encrypt the next message of streamID with, generating one if
// the stream has none. If a rotation is queued the queued key is returned as next and becomes
// current for subsequent calls.
func (s *Store) UseGroupKey(streamID string) (protocol.GroupKey, *protocol.GroupKey, error) {
	if streamID == "" {
		return protocol.GroupKey{}, nil, ErrEmptyStreamID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sk := s.streamLocked(streamID)
	if sk.current == "" {
		key, err := protocol.GenerateGroupKey(s.now())
		if err != nil {
			return protocol.GroupKey{}, nil, err
		}
		sk.keys[key.ID()] = key
		sk.current = key.ID()
	}

	current := sk.keys[sk.current]
	next := sk.next
	if next != nil {
		sk.current = next.ID()
		sk.next = nil
	}
	return current, next, nil
}

// Rotate generates a key that replaces the current key after the next UseGroupKey call.
func (s *Store) Rotate(streamID string) (protocol.GroupKey, error) {
	if streamID == "" {
		return protocol.GroupKey{}, ErrEmptyStreamID
	}
	key, err := protocol.GenerateGroupKey(s.now())
	if err != nil {
		return protocol.GroupKey{}, fmt.Errorf("failed to rotate key for %s: %w", streamID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sk := s.streamLocked(streamID)
	sk.keys[key.ID()] = key
	sk.next = &key
	return key, nil
}

// Rekey generates a key and makes it current immediately, discarding any queued rotation.
func (s *Store) Rekey(streamID string) (protocol.GroupKey, error) {
	if streamID == "" {
		return protocol.GroupKey{}, ErrEmptyStreamID
	}
	key, err := protocol.GenerateGroupKey(s.now())
	if err != nil {
		return protocol.GroupKey{}, fmt.Errorf("failed to rekey %s: %w", streamID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sk := s.streamLocked(streamID)
	sk.keys[key.ID()] = key
	sk.current = key.ID()
	sk.next = nil
	return key, nil
}

// KeyIDs returns the ids of every key known for streamID, sorted.
func (s *Store) KeyIDs(streamID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sk, ok := s.streams[streamID]
	if !ok {
		return []string{}
	}
	ids := make([]string, 0, len(sk.keys))
	for id := range sk.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Store) streamLocked(streamID string) *streamKeys {
	sk, ok := s.streams[streamID]
	if !ok {
		sk = &streamKeys{keys: make(map[string]protocol.GroupKey)}
		s.streams[streamID] = sk
	}
	return sk
}
