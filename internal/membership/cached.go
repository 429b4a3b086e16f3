package membership

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rmacdonaldsmith/eventmesh-client-go/pkg/membership"
)

// Cached answers from a TTL cache in front of another Oracle. Errors are not cached.
type Cached struct {
	next membership.Oracle
	ttl  time.Duration
	now  func() time.Time

	mu          sync.Mutex
	valid       map[validKey]cacheEntry[bool]
	subscribers map[string]cacheEntry[[]string]
}

type validKey struct {
	streamID string
	address  string
}

type cacheEntry[T any] struct {
	value   T
	expires time.Time
}

// NewCached wraps next with a cache whose entries live for ttl. now defaults to time.Now.
func NewCached(next membership.Oracle, ttl time.Duration, now func() time.Time) *Cached {
	if now == nil {
		now = time.Now
	}
	return &Cached{
		next:        next,
		ttl:         ttl,
		now:         now,
		valid:       make(map[validKey]cacheEntry[bool]),
		subscribers: make(map[string]cacheEntry[[]string]),
	}
}

// IsValidSubscriber implements membership.Oracle.
func (c *Cached) IsValidSubscriber(ctx context.Context, streamID, address string) (bool, error) {
	key := validKey{streamID: streamID, address: strings.ToLower(address)}

	c.mu.Lock()
	if e, ok := c.valid[key]; ok && c.now().Before(e.expires) {
		c.mu.Unlock()
		return e.value, nil
	}
	c.mu.Unlock()

	ok, err := c.next.IsValidSubscriber(ctx, streamID, address)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	c.valid[key] = cacheEntry[bool]{value: ok, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return ok, nil
}

// GetSubscribers implements membership.Oracle.
func (c *Cached) GetSubscribers(ctx context.Context, streamID string) ([]string, error) {
	c.mu.Lock()
	if e, ok := c.subscribers[streamID]; ok && c.now().Before(e.expires) {
		c.mu.Unlock()
		return append([]string(nil), e.value...), nil
	}
	c.mu.Unlock()

	subs, err := c.next.GetSubscribers(ctx, streamID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.subscribers[streamID] = cacheEntry[[]string]{value: append([]string(nil), subs...), expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return subs, nil
}

// Invalidate drops every cached answer for streamID.
func (c *Cached) Invalidate(streamID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscribers, streamID)
	for k := range c.valid {
		if k.streamID == streamID {
			delete(c.valid, k)
		}
	}
}

var _ membership.Oracle = (*Cached)(nil)
