// Package ordering reorders each message chain and recovers gaps with bounded resend requests.
//
// An Orderer owns one (publisher, chain) pair. Messages arrive in any order; the Orderer
// delivers them in MessageRef order, using PrevMsgRef to decide whether the next expected
// message is present. When it is not, the Orderer buffers and, after PropagationTimeout,
// asks the owner to fetch the missing range, repeating every ResendTimeout up to
// MaxGapRequests times.
//
// Orderers are not safe for concurrent use. Timer callbacks are routed through the owner's
// Guard, which must run them inside the same critical section used for Add.
package ordering

import (
	"container/heap"
	"time"

	"github.com/rmacdonaldsmith/eventmesh-client-go/internal/scheduler"
	"github.com/rmacdonaldsmith/eventmesh-client-go/pkg/protocol"
)

// GapHandler is asked to fetch the messages between from and to (inclusive) of one chain.
type GapHandler func(from, to protocol.MessageRef, publisherID, msgChainID string)

// Guard runs fn inside the owner's critical section. A Guard may skip fn entirely,
// for example once its owner has shut down.
type Guard func(fn func())

// Options wires an Orderer (or Util) to its owner.
type Options struct {
	Config    Config
	Scheduler scheduler.Scheduler
	Guard     Guard

	// OnDeliver receives messages in chain order
	OnDeliver func(msg *protocol.StreamMessage)

	// OnGap is called for every resend request
	OnGap GapHandler

	// OnGapFailure is called once per gap that exhausted MaxGapRequests
	OnGapFailure func(err *protocol.GapFillFailedError)
}

func (o *Options) setDefaults() {
	if o.Config == (Config{}) {
		o.Config = DefaultConfig()
	}
	if o.Scheduler == nil {
		o.Scheduler = scheduler.New()
	}
	if o.Guard == nil {
		o.Guard = func(fn func()) { fn() }
	}
	if o.OnDeliver == nil {
		o.OnDeliver = func(*protocol.StreamMessage) {}
	}
	if o.OnGap == nil {
		o.OnGap = func(protocol.MessageRef, protocol.MessageRef, string, string) {}
	}
	if o.OnGapFailure == nil {
		o.OnGapFailure = func(*protocol.GapFillFailedError) {}
	}
}

// Orderer reorders a single message chain.
type Orderer struct {
	key  protocol.ChainKey
	opts Options

	lastDelivered *protocol.MessageRef
	queue         messageHeap

	gapTimer    scheduler.Timer
	gapGen      uint64
	gapRequests int
	closed      bool
}

// NewOrderer creates an Orderer for one chain.
func NewOrderer(key protocol.ChainKey, opts Options) *Orderer {
	opts.setDefaults()
	return &Orderer{key: key, opts: opts}
}

// Add accepts a message of this chain in any order.
// Messages at or before the last delivered ref are dropped.
func (o *Orderer) Add(msg *protocol.StreamMessage) {
	if o.closed || o.isDelivered(msg) {
		return
	}

	if !o.isNext(msg) {
		heap.Push(&o.queue, msg)
		o.scheduleGap()
		return
	}

	o.cancelGap()
	o.deliver(msg)
	o.drain()
	if o.queue.Len() > 0 {
		o.scheduleGap()
	}
}

// LastDelivered returns the ref of the most recently delivered message, if any.
func (o *Orderer) LastDelivered() (protocol.MessageRef, bool) {
	if o.lastDelivered == nil {
		return protocol.MessageRef{}, false
	}
	return *o.lastDelivered, true
}

// Len returns the number of buffered messages.
func (o *Orderer) Len() int {
	return o.queue.Len()
}

// IsEmpty reports whether nothing is buffered.
func (o *Orderer) IsEmpty() bool {
	return o.queue.Len() == 0
}

// HasGapTimer reports whether a gap-fill timer is armed.
func (o *Orderer) HasGapTimer() bool {
	return o.gapTimer != nil
}

// Close cancels the gap timer and drops buffered messages. Further Adds are ignored.
func (o *Orderer) Close() {
	o.cancelGap()
	o.queue = nil
	o.closed = true
}

func (o *Orderer) isDelivered(msg *protocol.StreamMessage) bool {
	return o.lastDelivered != nil && msg.Ref().Compare(*o.lastDelivered) <= 0
}

func (o *Orderer) isNext(msg *protocol.StreamMessage) bool {
	if o.lastDelivered == nil {
		return true
	}
	if msg.PrevMsgRef == nil {
		return msg.Ref().Compare(*o.lastDelivered) > 0
	}
	return msg.PrevMsgRef.Compare(*o.lastDelivered) == 0
}

func (o *Orderer) deliver(msg *protocol.StreamMessage) {
	ref := msg.Ref()
	o.lastDelivered = &ref
	o.opts.OnDeliver(msg)
}

// drain delivers buffered messages while the head continues the chain.
func (o *Orderer) drain() {
	for o.queue.Len() > 0 {
		head := o.queue.peek()
		if o.isDelivered(head) {
			heap.Pop(&o.queue)
			continue
		}
		if !o.isNext(head) {
			return
		}
		heap.Pop(&o.queue)
		o.deliver(head)
	}
}

func (o *Orderer) scheduleGap() {
	if o.gapTimer != nil {
		return
	}
	o.gapRequests = 0
	o.gapGen++
	o.armGapTimer(o.opts.Config.PropagationTimeout, o.gapGen)
}

func (o *Orderer) armGapTimer(d time.Duration, gen uint64) {
	o.gapTimer = o.opts.Scheduler.AfterFunc(d, func() {
		o.opts.Guard(func() { o.onGapTimer(gen) })
	})
}

func (o *Orderer) cancelGap() {
	if o.gapTimer != nil {
		o.gapTimer.Stop()
		o.gapTimer = nil
	}
	// stale callbacks that already left the scheduler see a new generation and return
	o.gapGen++
	o.gapRequests = 0
}

func (o *Orderer) onGapTimer(gen uint64) {
	if o.closed || gen != o.gapGen {
		return
	}
	o.gapTimer = nil

	head := o.queue.peek()
	if head == nil || o.isNext(head) || o.lastDelivered == nil || head.PrevMsgRef == nil {
		o.cancelGap()
		o.drain()
		if o.queue.Len() > 0 {
			o.scheduleGap()
		}
		return
	}

	from := o.lastDelivered.Next()
	to := *head.PrevMsgRef

	if o.gapRequests >= o.opts.Config.MaxGapRequests {
		requests := o.gapRequests
		o.cancelGap()
		o.opts.OnGapFailure(&protocol.GapFillFailedError{
			From:        from,
			To:          to,
			PublisherID: o.key.PublisherID,
			MsgChainID:  o.key.MsgChainID,
			Requests:    requests,
		})
		o.skipGap()
		return
	}

	o.gapRequests++
	o.opts.OnGap(from, to, o.key.PublisherID, o.key.MsgChainID)
	if o.closed || gen != o.gapGen {
		// the handler filled the gap synchronously
		return
	}
	o.armGapTimer(o.opts.Config.ResendTimeout, gen)
}

// skipGap gives up on the missing range and resumes the chain from the buffered head.
func (o *Orderer) skipGap() {
	if o.closed || o.queue.Len() == 0 {
		return
	}
	head := heap.Pop(&o.queue).(*protocol.StreamMessage)
	o.deliver(head)
	o.drain()
	if o.queue.Len() > 0 {
		o.scheduleGap()
	}
}
