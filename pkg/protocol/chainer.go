package protocol

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// MessageChainer builds the chained MessageIDs one publisher emits.
// Each (stream, partition) gets its own chain link; all share one MsgChainID.
// It is safe for concurrent use.
type MessageChainer struct {
	mu          sync.Mutex
	publisherID string
	msgChainID  string
	last        map[chainerKey]MessageRef
}

type chainerKey struct {
	streamID  string
	partition int
}

// NewMessageChainer creates a chainer for publisherID with a fresh random chain id.
func NewMessageChainer(publisherID string) *MessageChainer {
	return NewMessageChainerWithID(publisherID, uuid.NewString())
}

// NewMessageChainerWithID creates a chainer with an explicit chain id.
func NewMessageChainerWithID(publisherID, msgChainID string) *MessageChainer {
	return &MessageChainer{
		publisherID: publisherID,
		msgChainID:  msgChainID,
		last:        make(map[chainerKey]MessageRef),
	}
}

// PublisherID returns the publisher the chainer builds ids for.
func (c *MessageChainer) PublisherID() string {
	return c.publisherID
}

// MsgChainID returns the chain id shared by all ids from this chainer.
func (c *MessageChainer) MsgChainID() string {
	return c.msgChainID
}

// Next returns the next MessageID on (streamID, partition) and the ref it links to.
// Timestamps never go backwards; equal timestamps bump the sequence number.
func (c *MessageChainer) Next(streamID string, partition int, now time.Time) (MessageID, *MessageRef) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := chainerKey{streamID: streamID, partition: partition}
	ts := now.UnixMilli()
	ref := MessageRef{Timestamp: ts}

	prev, ok := c.last[key]
	if ok && ts <= prev.Timestamp {
		ref = prev.Next()
	}
	c.last[key] = ref

	id := MessageID{
		StreamID:        streamID,
		StreamPartition: partition,
		Timestamp:       ref.Timestamp,
		SequenceNumber:  ref.SequenceNumber,
		PublisherID:     c.publisherID,
		MsgChainID:      c.msgChainID,
	}
	if !ok {
		return id, nil
	}
	return id, &prev
}
