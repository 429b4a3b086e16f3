package subscription

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rmacdonaldsmith/eventmesh-client-go/pkg/subscription"
)

type partitionKey struct {
	streamID  string
	partition int
}

// InMemoryRegistry implements subscription.Registry.
type InMemoryRegistry struct {
	mu   sync.RWMutex
	subs map[partitionKey]subscription.Subscription
}

// NewInMemoryRegistry creates an empty registry.
func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{subs: make(map[partitionKey]subscription.Subscription)}
}

// Add registers sub under its stream partition.
func (r *InMemoryRegistry) Add(sub subscription.Subscription) error {
	if sub == nil {
		return fmt.Errorf("%w: subscription cannot be nil", subscription.ErrInvalidOptions)
	}
	key := partitionKey{streamID: sub.StreamID(), partition: sub.Partition()}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.subs[key]; exists {
		return fmt.Errorf("%w: %s/%d", subscription.ErrDuplicateSubscription, key.streamID, key.partition)
	}
	r.subs[key] = sub
	return nil
}

// Get returns the subscription for a stream partition.
func (r *InMemoryRegistry) Get(streamID string, partition int) (subscription.Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[partitionKey{streamID: streamID, partition: partition}]
	return sub, ok
}

// Remove unregisters and returns the subscription for a stream partition.
func (r *InMemoryRegistry) Remove(streamID string, partition int) (subscription.Subscription, bool) {
	key := partitionKey{streamID: streamID, partition: partition}

	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[key]
	if ok {
		delete(r.subs, key)
	}
	return sub, ok
}

// ForStream returns the subscriptions of streamID ordered by partition.
func (r *InMemoryRegistry) ForStream(streamID string) []subscription.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []subscription.Subscription
	for key, sub := range r.subs {
		if key.streamID == streamID {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Partition() < out[j].Partition() })
	return out
}

// All returns every subscription ordered by stream then partition.
func (r *InMemoryRegistry) All() []subscription.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]subscription.Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StreamID() != out[j].StreamID() {
			return out[i].StreamID() < out[j].StreamID()
		}
		return out[i].Partition() < out[j].Partition()
	})
	return out
}

// Count returns the number of registered subscriptions.
func (r *InMemoryRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Verify that InMemoryRegistry implements the Registry interface at compile time
var _ subscription.Registry = (*InMemoryRegistry)(nil)
