// Package subscription implements the client subscription state machine.
//
// A Subscription composes per-chain ordering, the decryption queue and key requests for one
// stream partition. All of its state is guarded by a single mutex; timer callbacks enter the
// same critical section. Work that leaves the process (key requests, resends) is collected
// while the lock is held and performed after it is released, and application callbacks are
// dispatched in order from an outbox without holding the lock.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rmacdonaldsmith/eventmesh-client-go/internal/decryptqueue"
	"github.com/rmacdonaldsmith/eventmesh-client-go/internal/ordering"
	"github.com/rmacdonaldsmith/eventmesh-client-go/internal/scheduler"
	"github.com/rmacdonaldsmith/eventmesh-client-go/pkg/protocol"
	"github.com/rmacdonaldsmith/eventmesh-client-go/pkg/subscription"
	"github.com/rmacdonaldsmith/eventmesh-client-go/pkg/transport"
)

// Subscription implements subscription.Subscription.
type Subscription struct {
	cfg    Config
	opts   subscription.Options
	logger *slog.Logger

	mu       sync.Mutex
	state    subscription.State
	started  bool
	ctx      context.Context
	cancel   context.CancelFunc
	orderers *ordering.Util
	queue    *decryptqueue.Queue
	pending  map[keyRequestKey]*keyRequest
	// publishers whose queued messages a piggy-backed key may have unblocked
	redrain  map[string]struct{}

	// realtime messages held back while a combined subscription replays history
	buffered []*protocol.StreamMessage

	resends     int
	resendEnded bool
	delivered   int64

	effects []func()
	outbox  []func()

	deliverMu sync.Mutex
	closed    atomic.Bool
}

type keyRequestKey struct {
	publisherID string
	keyID       string
}

type keyRequest struct {
	timer scheduler.Timer
	sends int
}

// New creates a Subscription. Call Start to begin its lifecycle.
func New(cfg Config) (*Subscription, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid subscription config: %w", err)
	}

	s := &Subscription{
		cfg:   cfg,
		opts:  cfg.Options,
		state: subscription.Subscribing,
		queue: decryptqueue.New(),
		logger: cfg.Logger.With(
			"component", "subscription",
			"stream", cfg.Options.StreamID,
			"partition", cfg.Options.Partition,
			"kind", cfg.Options.Kind.String(),
		),
		pending: make(map[keyRequestKey]*keyRequest),
		redrain: make(map[string]struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.orderers = ordering.NewUtil(ordering.Options{
		Config:    cfg.Ordering,
		Scheduler: cfg.Scheduler,
		Guard:     func(fn func()) { s.do(fn) },
		OnDeliver: s.onOrdered,
		OnGap:     s.onGap,
		OnGapFailure: func(err *protocol.GapFillFailedError) {
			s.logger.Warn("gap fill failed", "error", err)
			s.emitError(err)
		},
	})
	return s, nil
}

// StreamID returns the subscribed stream.
func (s *Subscription) StreamID() string { return s.opts.StreamID }

// Partition returns the subscribed partition.
func (s *Subscription) Partition() int { return s.opts.Partition }

// Kind returns the subscription kind.
func (s *Subscription) Kind() subscription.Kind { return s.opts.Kind }

// State returns the current lifecycle state.
func (s *Subscription) State() subscription.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start begins the lifecycle. The subscription's background work is bound to ctx.
// Calling Start again is a no-op.
func (s *Subscription) Start(ctx context.Context) error {
	ok := s.do(func() {
		if s.started {
			return
		}
		s.started = true
		s.cancel()
		s.ctx, s.cancel = context.WithCancel(ctx)

		if s.opts.Kind == subscription.Historical {
			s.setState(subscription.Resending)
			s.startResend(s.opts.Resend.Request(s.opts.StreamID, s.opts.Partition), true)
		}
	})
	if !ok {
		return subscription.ErrSubscriptionClosed
	}
	return nil
}

// HandleSubscribeResponse reports that the realtime subscription is confirmed.
// Realtime subscriptions become Subscribed; combined ones start replaying history.
func (s *Subscription) HandleSubscribeResponse(_ context.Context) error {
	var err error
	ok := s.do(func() {
		switch {
		case s.opts.Kind == subscription.Historical:
			err = fmt.Errorf("%w: historical subscriptions have no realtime part", subscription.ErrInvalidTransition)
		case s.state != subscription.Subscribing:
			// duplicate confirmation
		case s.opts.Kind == subscription.Realtime:
			s.setState(subscription.Subscribed)
		case s.opts.Kind == subscription.Combined:
			s.setState(subscription.Resending)
			s.startResend(s.opts.Resend.Request(s.opts.StreamID, s.opts.Partition), true)
		}
	})
	if !ok {
		return subscription.ErrSubscriptionClosed
	}
	return err
}

// Handle accepts a realtime message of this stream partition.
func (s *Subscription) Handle(_ context.Context, msg *protocol.StreamMessage) error {
	if err := s.validate(msg); err != nil {
		return err
	}
	if msg.MessageType != protocol.MessageTypeMessage {
		return nil
	}

	ok := s.do(func() {
		switch s.opts.Kind {
		case subscription.Realtime:
			if s.state == subscription.Subscribing || s.state == subscription.Subscribed {
				s.orderers.Add(msg)
			}
		case subscription.Combined:
			switch s.state {
			case subscription.Subscribing, subscription.Resending:
				s.buffered = append(s.buffered, msg)
			case subscription.Subscribed:
				s.orderers.Add(msg)
			}
		case subscription.Historical:
			// realtime traffic is not part of a historical subscription
		}
	})
	if !ok {
		return subscription.ErrSubscriptionClosed
	}
	return nil
}

// HandleGroupKeys reports that keys of publisherID are now in the key store.
// Pending requests for them stop retrying and queued messages drain.
func (s *Subscription) HandleGroupKeys(publisherID string, keyIDs []string) {
	s.do(func() {
		for _, id := range keyIDs {
			s.resolveKeyRequest(publisherID, id)
		}
		s.drainQueue(publisherID)
	})
}

// Unsubscribe stops the subscription. It is idempotent.
func (s *Subscription) Unsubscribe() error {
	s.mu.Lock()
	if s.state == subscription.Unsubscribed || s.state == subscription.Unsubscribing {
		s.mu.Unlock()
		return nil
	}
	s.closed.Store(true)
	s.setState(subscription.Unsubscribing)

	s.orderers.Clear()
	for k, kr := range s.pending {
		kr.timer.Stop()
		delete(s.pending, k)
	}
	s.queue.Clear()
	clear(s.redrain)
	s.buffered = nil
	s.effects = nil
	s.cancel()

	s.setState(subscription.Unsubscribed)
	s.mu.Unlock()

	s.logger.Debug("unsubscribed")
	s.dispatch()
	return nil
}

// Stats returns buffer and progress counters.
func (s *Subscription) Stats() subscription.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return subscription.Stats{
		State:              s.state,
		Delivered:          s.delivered,
		Buffered:           s.orderers.Len() + len(s.buffered),
		AwaitingKeys:       s.queue.Len(),
		PendingKeyRequests: len(s.pending),
		Chains:             s.orderers.ChainCount(),
		ActiveResends:      s.resends,
	}
}

func (s *Subscription) validate(msg *protocol.StreamMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if msg.MessageID.StreamID != s.opts.StreamID || msg.MessageID.StreamPartition != s.opts.Partition {
		return fmt.Errorf("%w: message %s does not belong to %s/%d",
			protocol.ErrInvalidMessageID, msg.MessageID, s.opts.StreamID, s.opts.Partition)
	}
	return nil
}

// do runs fn in the critical section, then performs the effects fn collected and dispatches
// queued callbacks. It reports false without running fn once the subscription is unsubscribed.
func (s *Subscription) do(fn func()) bool {
	s.mu.Lock()
	if s.state == subscription.Unsubscribed || s.state == subscription.Unsubscribing {
		s.mu.Unlock()
		return false
	}
	fn()
	s.drainMarked()
	s.checkDone()
	effects := s.effects
	s.effects = nil
	s.mu.Unlock()

	for _, e := range effects {
		e()
	}
	s.dispatch()
	return true
}

// dispatch runs queued callbacks in order. Only one goroutine dispatches at a time; a callback
// that re-enters the subscription leaves its callbacks for the running dispatcher.
func (s *Subscription) dispatch() {
	for {
		if !s.deliverMu.TryLock() {
			return
		}
		s.mu.Lock()
		batch := s.outbox
		s.outbox = nil
		s.mu.Unlock()

		for _, f := range batch {
			f()
		}
		s.deliverMu.Unlock()

		s.mu.Lock()
		more := len(s.outbox) > 0
		s.mu.Unlock()
		if !more {
			return
		}
	}
}

func (s *Subscription) setState(to subscription.State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	s.logger.Debug("state change", "from", from.String(), "to", to.String())
	if cb := s.opts.Events.OnStateChange; cb != nil {
		s.outbox = append(s.outbox, func() { cb(from, to) })
	}
}

func (s *Subscription) emit(msg *protocol.StreamMessage) {
	s.delivered++
	cb := s.opts.OnMessage
	s.outbox = append(s.outbox, func() {
		if s.closed.Load() {
			return
		}
		cb(msg)
	})
}

func (s *Subscription) emitError(err error) {
	if cb := s.opts.Events.OnError; cb != nil {
		s.outbox = append(s.outbox, func() { cb(err) })
	}
}

// onOrdered receives each message once its chain predecessor has been delivered.
func (s *Subscription) onOrdered(msg *protocol.StreamMessage) {
	key := msg.ChainKey()
	needsKey := msg.EncryptionType == protocol.EncryptionSymmetric &&
		!s.cfg.Store.Has(s.opts.StreamID, msg.GroupKeyID)

	switch {
	case s.queue.HasPending(key):
		s.queue.Enqueue(msg)
		if needsKey {
			s.requestKey(msg.MessageID.PublisherID, msg.GroupKeyID)
		}
	case needsKey:
		s.queue.Enqueue(msg)
		s.requestKey(msg.MessageID.PublisherID, msg.GroupKeyID)
	default:
		s.decryptAndEmit(msg)
	}
}

func (s *Subscription) decryptAndEmit(msg *protocol.StreamMessage) {
	if !msg.IsEncrypted() {
		s.emit(msg)
		return
	}

	key, ok := s.cfg.Store.Get(s.opts.StreamID, msg.GroupKeyID)
	if !ok {
		s.emitError(&protocol.UnableToDecryptError{
			Message: msg,
			Err:     fmt.Errorf("group key %q unavailable", msg.GroupKeyID),
		})
		return
	}
	out, next, err := s.cfg.Engine.DecryptStreamMessage(msg, key)
	if err != nil {
		s.logger.Warn("unable to decrypt message", "id", msg.MessageID.String(), "error", err)
		s.emitError(&protocol.UnableToDecryptError{Message: msg, Err: err})
		return
	}
	if next != nil {
		pub := msg.MessageID.PublisherID
		s.cfg.Store.Add(s.opts.StreamID, *next)
		s.resolveKeyRequest(pub, next.ID())
		if slices.Contains(s.queue.PendingKeyIDs(pub), next.ID()) {
			s.redrain[pub] = struct{}{}
		}
	}
	s.emit(out)
}

// drainQueue delivers every queued message of publisherID whose key is now known.
// Keys carried by drained messages can unblock further messages, so it repeats until stable.
func (s *Subscription) drainQueue(publisherID string) {
	for {
		msgs := s.queue.Drain(publisherID, s.cfg.Store.KeyIDs(s.opts.StreamID)...)
		if len(msgs) == 0 {
			return
		}
		for _, m := range msgs {
			s.decryptAndEmit(m)
		}
	}
}

// drainMarked drains publishers marked by decryptAndEmit until no mark remains.
func (s *Subscription) drainMarked() {
	for len(s.redrain) > 0 {
		for pub := range s.redrain {
			delete(s.redrain, pub)
			s.drainQueue(pub)
		}
	}
}

func (s *Subscription) requestKey(publisherID, keyID string) {
	k := keyRequestKey{publisherID: publisherID, keyID: keyID}
	if _, outstanding := s.pending[k]; outstanding {
		return
	}
	kr := &keyRequest{}
	s.pending[k] = kr
	s.sendKeyRequest(k, kr)
}

func (s *Subscription) sendKeyRequest(k keyRequestKey, kr *keyRequest) {
	kr.sends++
	ctx := s.ctx
	streamID := s.opts.StreamID
	s.effects = append(s.effects, func() {
		if err := s.cfg.KeyRequester.RequestGroupKeys(ctx, streamID, k.publisherID, []string{k.keyID}); err != nil {
			s.logger.Warn("failed to request group key", "publisher", k.publisherID, "key", k.keyID, "error", err)
		}
	})
	kr.timer = s.cfg.Scheduler.AfterFunc(s.cfg.KeyRequestInterval, func() {
		s.do(func() { s.onKeyRequestTimer(k, kr) })
	})
}

func (s *Subscription) onKeyRequestTimer(k keyRequestKey, kr *keyRequest) {
	if s.pending[k] != kr {
		return
	}
	if s.cfg.Store.Has(s.opts.StreamID, k.keyID) {
		s.resolveKeyRequest(k.publisherID, k.keyID)
		s.drainQueue(k.publisherID)
		return
	}
	if kr.sends >= s.cfg.MaxGroupKeyRequests {
		delete(s.pending, k)
		s.logger.Info("giving up on group key", "publisher", k.publisherID, "key", k.keyID, "requests", kr.sends)
		return
	}
	s.sendKeyRequest(k, kr)
}

func (s *Subscription) resolveKeyRequest(publisherID, keyID string) {
	k := keyRequestKey{publisherID: publisherID, keyID: keyID}
	if kr, ok := s.pending[k]; ok {
		kr.timer.Stop()
		delete(s.pending, k)
	}
}

func (s *Subscription) onGap(from, to protocol.MessageRef, publisherID, msgChainID string) {
	if s.cfg.Resender == nil {
		s.logger.Debug("no resender for gap", "publisher", publisherID, "chain", msgChainID)
		return
	}
	s.logger.Debug("requesting gap fill", "publisher", publisherID, "chain", msgChainID, "from", from.String(), "to", to.String())
	s.startResend(transport.ResendRequest{
		StreamID:    s.opts.StreamID,
		Partition:   s.opts.Partition,
		From:        &from,
		To:          &to,
		PublisherID: publisherID,
		MsgChainID:  msgChainID,
	}, false)
}

// startResend schedules a resend; initial marks the historical part of the subscription.
func (s *Subscription) startResend(req transport.ResendRequest, initial bool) {
	s.resends++
	ctx := s.ctx
	s.effects = append(s.effects, func() {
		go s.consumeResend(ctx, req, initial)
	})
}

func (s *Subscription) consumeResend(ctx context.Context, req transport.ResendRequest, initial bool) {
	msgs, errs := s.cfg.Resender.Resend(ctx, req)
	for msg := range msgs {
		if err := s.validate(msg); err != nil {
			s.logger.Warn("dropping invalid resent message", "error", err)
			continue
		}
		if msg.MessageType != protocol.MessageTypeMessage {
			continue
		}
		s.do(func() { s.orderers.Add(msg) })
	}

	var err error
	for e := range errs {
		if e != nil {
			err = e
		}
	}
	s.do(func() { s.onResendEnd(initial, err) })
}

func (s *Subscription) onResendEnd(initial bool, err error) {
	s.resends--
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("resend failed", "error", err)
		s.emitError(fmt.Errorf("resend of %s/%d failed: %w", s.opts.StreamID, s.opts.Partition, err))
	}
	if !initial {
		return
	}

	s.resendEnded = true
	if cb := s.opts.Events.OnResent; cb != nil {
		s.outbox = append(s.outbox, cb)
	}
	if s.opts.Kind == subscription.Combined && s.state == subscription.Resending {
		buffered := s.buffered
		s.buffered = nil
		for _, m := range buffered {
			s.orderers.Add(m)
		}
		s.setState(subscription.Subscribed)
	}
}

// checkDone completes a historical subscription once its history is fully delivered.
func (s *Subscription) checkDone() {
	if s.opts.Kind != subscription.Historical || s.state != subscription.Resending || !s.resendEnded {
		return
	}
	if s.queue.IsEmpty() && s.orderers.IsEmpty() {
		s.setState(subscription.Done)
	}
}

var _ subscription.Subscription = (*Subscription)(nil)
