// Package streamlog is an in-memory stream store with live fan-out.
//
// It stands in for the network in tests and in the simulate command: Publish stores a message
// and hands it to every handler subscribed to its stream, and Resend replays stored messages.
package streamlog

import (
	"context"
	"errors"
	"sync"

	"github.com/rmacdonaldsmith/eventmesh-client-go/pkg/protocol"
	"github.com/rmacdonaldsmith/eventmesh-client-go/pkg/transport"
)

var (
	// ErrNegativeOffset is returned when a negative offset is provided
	ErrNegativeOffset = errors.New("offset cannot be negative")
	// ErrNegativeMaxCount is returned when a negative max count is provided
	ErrNegativeMaxCount = errors.New("max count cannot be negative")
	// ErrClosed is returned when the log has been closed
	ErrClosed = errors.New("stream log is closed")
)

// Handler receives live messages of a subscribed stream.
type Handler func(ctx context.Context, msg *protocol.StreamMessage)

// DropFunc decides whether a published message skips live delivery. Dropped messages are still
// stored and can be resent.
type DropFunc func(msg *protocol.StreamMessage) bool

type partitionKey struct {
	streamID  string
	partition int
}

// InMemoryStreamLog stores messages per stream partition in publish order.
// It is safe for concurrent use.
type InMemoryStreamLog struct {
	mu          sync.RWMutex
	messages    map[partitionKey][]*protocol.StreamMessage
	handlers    map[string]map[int]Handler
	nextHandler int
	drop        DropFunc
	closed      bool
}

// NewInMemoryStreamLog creates an empty log.
func NewInMemoryStreamLog() *InMemoryStreamLog {
	return &InMemoryStreamLog{
		messages: make(map[partitionKey][]*protocol.StreamMessage),
		handlers: make(map[string]map[int]Handler),
	}
}

// SetDropFunc installs f to filter live delivery. Nil delivers everything.
func (log *InMemoryStreamLog) SetDropFunc(f DropFunc) {
	log.mu.Lock()
	defer log.mu.Unlock()
	log.drop = f
}

// Subscribe registers h for live messages of streamID on every partition.
// The returned function removes the handler.
func (log *InMemoryStreamLog) Subscribe(streamID string, h Handler) func() {
	log.mu.Lock()
	defer log.mu.Unlock()

	hs, ok := log.handlers[streamID]
	if !ok {
		hs = make(map[int]Handler)
		log.handlers[streamID] = hs
	}
	id := log.nextHandler
	log.nextHandler++
	hs[id] = h

	return func() {
		log.mu.Lock()
		defer log.mu.Unlock()
		delete(log.handlers[streamID], id)
	}
}

// Append stores msg and returns its offset within its stream partition.
func (log *InMemoryStreamLog) Append(ctx context.Context, msg *protocol.StreamMessage) (int64, error) {
	if err := msg.Validate(); err != nil {
		return 0, err
	}

	// Check if context is cancelled
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	log.mu.Lock()
	defer log.mu.Unlock()
	return log.appendLocked(msg)
}

func (log *InMemoryStreamLog) appendLocked(msg *protocol.StreamMessage) (int64, error) {
	if log.closed {
		return 0, ErrClosed
	}
	key := partitionKey{streamID: msg.MessageID.StreamID, partition: msg.MessageID.StreamPartition}
	offset := int64(len(log.messages[key]))
	log.messages[key] = append(log.messages[key], msg.Copy())
	return offset, nil
}

// Publish stores msg and delivers it to the stream's handlers before returning.
// Handlers run without the log's lock held and may publish themselves.
func (log *InMemoryStreamLog) Publish(ctx context.Context, msg *protocol.StreamMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	log.mu.Lock()
	if _, err := log.appendLocked(msg); err != nil {
		log.mu.Unlock()
		return err
	}
	var targets []Handler
	if log.drop == nil || !log.drop(msg) {
		for _, h := range log.handlers[msg.MessageID.StreamID] {
			targets = append(targets, h)
		}
	}
	log.mu.Unlock()

	for _, h := range targets {
		h(ctx, msg.Copy())
	}
	return nil
}

// Read returns up to maxCount messages of a stream partition starting at startOffset.
func (log *InMemoryStreamLog) Read(ctx context.Context, streamID string, partition int, startOffset int64, maxCount int) ([]*protocol.StreamMessage, error) {
	if startOffset < 0 {
		return nil, ErrNegativeOffset
	}
	if maxCount < 0 {
		return nil, ErrNegativeMaxCount
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	log.mu.RLock()
	defer log.mu.RUnlock()

	stored := log.messages[partitionKey{streamID: streamID, partition: partition}]
	results := make([]*protocol.StreamMessage, 0, maxCount)
	for i := startOffset; i < int64(len(stored)) && len(results) < maxCount; i++ {
		results = append(results, stored[i].Copy())
	}
	return results, nil
}

// EndOffset returns the next append position of a stream partition.
func (log *InMemoryStreamLog) EndOffset(ctx context.Context, streamID string, partition int) (int64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	log.mu.RLock()
	defer log.mu.RUnlock()
	return int64(len(log.messages[partitionKey{streamID: streamID, partition: partition}])), nil
}

// Resend replays the messages req selects via a channel, in storage order.
// The channel will be closed when all messages are sent or context is cancelled.
func (log *InMemoryStreamLog) Resend(ctx context.Context, req transport.ResendRequest) (<-chan *protocol.StreamMessage, <-chan error) {
	msgChan := make(chan *protocol.StreamMessage)
	errChan := make(chan error, 1) // Buffered to prevent blocking

	go func() {
		defer close(msgChan)
		defer close(errChan)

		if req.Last < 0 {
			errChan <- ErrNegativeMaxCount
			return
		}

		// Copy the selection to avoid holding the lock while sending
		log.mu.RLock()
		if log.closed {
			log.mu.RUnlock()
			errChan <- ErrClosed
			return
		}
		selected := selectMessages(log.messages[partitionKey{streamID: req.StreamID, partition: req.Partition}], req)
		log.mu.RUnlock()

		for _, msg := range selected {
			select {
			case <-ctx.Done():
				errChan <- ctx.Err()
				return
			case msgChan <- msg:
			}
		}
	}()

	return msgChan, errChan
}

// Close drops every stored message and handler. It is idempotent.
func (log *InMemoryStreamLog) Close() error {
	log.mu.Lock()
	defer log.mu.Unlock()

	if log.closed {
		return nil
	}
	log.messages = make(map[partitionKey][]*protocol.StreamMessage)
	log.handlers = make(map[string]map[int]Handler)
	log.closed = true
	return nil
}

func selectMessages(stored []*protocol.StreamMessage, req transport.ResendRequest) []*protocol.StreamMessage {
	var matching []*protocol.StreamMessage
	for _, msg := range stored {
		if req.PublisherID != "" && msg.MessageID.PublisherID != req.PublisherID {
			continue
		}
		if req.MsgChainID != "" && msg.MessageID.MsgChainID != req.MsgChainID {
			continue
		}
		if req.IsRange() {
			ref := msg.Ref()
			if ref.Less(*req.From) || (req.To != nil && req.To.Less(ref)) {
				continue
			}
		}
		matching = append(matching, msg)
	}

	if !req.IsRange() && len(matching) > req.Last {
		matching = matching[len(matching)-req.Last:]
	}

	out := make([]*protocol.StreamMessage, len(matching))
	for i, msg := range matching {
		out[i] = msg.Copy()
	}
	return out
}

// Verify that InMemoryStreamLog implements the transport interfaces at compile time
var (
	_ transport.Publisher = (*InMemoryStreamLog)(nil)
	_ transport.Resender  = (*InMemoryStreamLog)(nil)
)
