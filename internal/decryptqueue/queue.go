// Package decryptqueue buffers ordered messages that cannot be delivered until a group key arrives.
package decryptqueue

import (
	"sort"

	"github.com/rmacdonaldsmith/eventmesh-client-go/pkg/protocol"
)

// Queue is a per-chain FIFO of messages waiting for keys, partitioned by publisher then chain.
// A message's requirement is its GroupKeyID; unencrypted messages queued behind encrypted ones
// on the same chain have no requirement and drain as soon as they reach the head.
//
// Queue is not safe for concurrent use; its owner serialises access.
type Queue struct {
	byPublisher map[string]map[string][]*protocol.StreamMessage
	size        int
}

// New creates an empty Queue.
func New() *Queue {
	return &Queue{
		byPublisher: make(map[string]map[string][]*protocol.StreamMessage),
	}
}

// Enqueue appends msg to the tail of its chain.
func (q *Queue) Enqueue(msg *protocol.StreamMessage) {
	pub := msg.MessageID.PublisherID
	chains, ok := q.byPublisher[pub]
	if !ok {
		chains = make(map[string][]*protocol.StreamMessage)
		q.byPublisher[pub] = chains
	}
	chain := msg.MessageID.MsgChainID
	chains[chain] = append(chains[chain], msg)
	q.size++
}

// Drain removes and returns, for every chain of publisherID, the longest prefix whose messages
// need no key or a key whose id is in keyIDs. Messages keep their chain order; chains are
// returned in chain-id order. Emptied chains and publishers are pruned.
func (q *Queue) Drain(publisherID string, keyIDs ...string) []*protocol.StreamMessage {
	chains, ok := q.byPublisher[publisherID]
	if !ok {
		return nil
	}

	available := make(map[string]struct{}, len(keyIDs))
	for _, id := range keyIDs {
		available[id] = struct{}{}
	}

	chainIDs := make([]string, 0, len(chains))
	for id := range chains {
		chainIDs = append(chainIDs, id)
	}
	sort.Strings(chainIDs)

	var out []*protocol.StreamMessage
	for _, chainID := range chainIDs {
		msgs := chains[chainID]
		n := 0
		for n < len(msgs) && satisfied(msgs[n], available) {
			n++
		}
		if n == 0 {
			continue
		}
		out = append(out, msgs[:n]...)
		q.size -= n
		if n == len(msgs) {
			delete(chains, chainID)
		} else {
			rest := make([]*protocol.StreamMessage, len(msgs)-n)
			copy(rest, msgs[n:])
			chains[chainID] = rest
		}
	}
	if len(chains) == 0 {
		delete(q.byPublisher, publisherID)
	}
	return out
}

// HasPending reports whether the chain has queued messages.
func (q *Queue) HasPending(key protocol.ChainKey) bool {
	return len(q.byPublisher[key.PublisherID][key.MsgChainID]) > 0
}

// PendingKeyIDs returns the distinct key ids queued messages of publisherID are waiting for.
func (q *Queue) PendingKeyIDs(publisherID string) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, msgs := range q.byPublisher[publisherID] {
		for _, msg := range msgs {
			if msg.GroupKeyID == "" || !msg.IsEncrypted() {
				continue
			}
			if _, ok := seen[msg.GroupKeyID]; ok {
				continue
			}
			seen[msg.GroupKeyID] = struct{}{}
			ids = append(ids, msg.GroupKeyID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	return q.size
}

// IsEmpty reports whether nothing is queued.
func (q *Queue) IsEmpty() bool {
	return q.size == 0
}

// Clear drops every queued message.
func (q *Queue) Clear() {
	q.byPublisher = make(map[string]map[string][]*protocol.StreamMessage)
	q.size = 0
}

func satisfied(msg *protocol.StreamMessage, available map[string]struct{}) bool {
	if !msg.IsEncrypted() {
		return true
	}
	_, ok := available[msg.GroupKeyID]
	return ok
}
