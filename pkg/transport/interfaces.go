package transport

import (
	"context"

	"github.com/rmacdonaldsmith/eventmesh-client-go/pkg/protocol"
)

// Publisher publishes messages on behalf of the engine (key-exchange traffic).
type Publisher interface {
	// Publish sends a message to its stream. Implementations must not block for long;
	// the engine calls Publish outside its internal locks.
	Publish(ctx context.Context, msg *protocol.StreamMessage) error
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, msg *protocol.StreamMessage) error

// Publish calls f(ctx, msg).
func (f PublisherFunc) Publish(ctx context.Context, msg *protocol.StreamMessage) error {
	return f(ctx, msg)
}

// ResendRequest selects stored messages of one stream partition.
// Exactly one of Last or From should be set. To bounds a From request inclusively.
// PublisherID and MsgChainID optionally restrict the request to one chain.
type ResendRequest struct {
	StreamID    string
	Partition   int
	Last        int
	From        *protocol.MessageRef
	To          *protocol.MessageRef
	PublisherID string
	MsgChainID  string
}

// IsRange reports whether the request selects a from/to range rather than the last N messages.
func (r ResendRequest) IsRange() bool {
	return r.From != nil
}

// Resender replays stored messages.
type Resender interface {
	// Resend streams the selected messages in storage order via a channel.
	// The message channel is closed when all messages are sent or the context is cancelled;
	// the error channel then yields at most one error and is closed.
	Resend(ctx context.Context, req ResendRequest) (<-chan *protocol.StreamMessage, <-chan error)
}
