// Package keyexchange negotiates group keys between publishers and subscribers.
//
// Every client listens on its own key-exchange stream (protocol.KeyExchangeStreamID). A
// subscriber that meets an unknown group key publishes a GroupKeyRequest to the publisher's
// stream; the publisher answers with a GroupKeyResponse sealed to the subscriber's public key,
// or a GroupKeyErrorResponse when membership denies it. Publishers also push keys unasked with
// GroupKeyAnnounce, either sealed to each subscriber (rekey after revocation) or wrapped under
// the previous group key (rotation).
package keyexchange

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rmacdonaldsmith/eventmesh-client-go/internal/encryption"
	"github.com/rmacdonaldsmith/eventmesh-client-go/pkg/protocol"
)

// KeyListener is notified after group keys of streamID published by publisherID were stored.
type KeyListener func(streamID, publisherID string, keyIDs []string)

// ErrorListener is notified when a publisher rejects one of our key requests.
type ErrorListener func(publisherID string, resp *protocol.GroupKeyErrorResponse)

// Coordinator runs both sides of the key exchange for one client. It is safe for concurrent use.
type Coordinator struct {
	cfg     Config
	logger  *slog.Logger
	chainer *protocol.MessageChainer

	mu sync.Mutex
	// public keys of subscribers that requested keys, per stream then address
	subscriberKeys   map[string]map[string][]byte
	lastRevocationAt map[string]int64
	// our outstanding key requests by request id
	requests         map[string]sentRequest
	// publishers we have asked for keys, per stream; only they may announce to us
	sources          map[string]map[string]struct{}
	keyListeners     []KeyListener
	errorListeners   []ErrorListener
}

type sentRequest struct {
	streamID  string
	publisher string
	sentAt    time.Time
}

// New creates a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid key exchange config: %w", err)
	}
	return &Coordinator{
		cfg:              cfg,
		logger:           cfg.Logger.With("component", "keyexchange", "address", cfg.Address),
		chainer:          protocol.NewMessageChainer(cfg.Address),
		subscriberKeys:   make(map[string]map[string][]byte),
		lastRevocationAt: make(map[string]int64),
		requests:         make(map[string]sentRequest),
		sources:          make(map[string]map[string]struct{}),
	}, nil
}

// Address returns the client address the coordinator acts for.
func (c *Coordinator) Address() string {
	return c.cfg.Address
}

// StreamID returns the key-exchange stream this client receives on.
func (c *Coordinator) StreamID() string {
	return protocol.KeyExchangeStreamID(c.cfg.Address)
}

// OnGroupKeys registers a listener for newly stored keys.
func (c *Coordinator) OnGroupKeys(l KeyListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keyListeners = append(c.keyListeners, l)
}

// OnErrorResponse registers a listener for rejected key requests.
func (c *Coordinator) OnErrorResponse(l ErrorListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorListeners = append(c.errorListeners, l)
}

// Handle processes one message received on this client's key-exchange stream.
// Malformed payloads are returned as errors and otherwise ignored.
func (c *Coordinator) Handle(ctx context.Context, msg *protocol.StreamMessage) error {
	if msg == nil {
		return protocol.ErrNilMessage
	}
	switch msg.MessageType {
	case protocol.MessageTypeGroupKeyRequest:
		return c.handleRequest(ctx, msg)
	case protocol.MessageTypeGroupKeyResponse:
		return c.handleResponse(msg)
	case protocol.MessageTypeGroupKeyAnnounce:
		return c.handleAnnounce(msg)
	case protocol.MessageTypeGroupKeyErrorResponse:
		return c.handleErrorResponse(msg)
	default:
		c.logger.Debug("ignoring message on key-exchange stream", "type", msg.MessageType, "id", msg.MessageID)
		return nil
	}
}

// RequestGroupKeys asks publisherID for the given keys of streamID.
// The response arrives asynchronously through Handle.
func (c *Coordinator) RequestGroupKeys(ctx context.Context, streamID, publisherID string, keyIDs []string) error {
	if len(keyIDs) == 0 {
		return nil
	}
	req := &protocol.GroupKeyRequest{
		RequestID:   uuid.NewString(),
		StreamID:    streamID,
		PublicKey:   c.cfg.KeyPair.PublicKey(),
		GroupKeyIDs: append([]string(nil), keyIDs...),
	}
	c.logger.Debug("requesting group keys",
		"stream", streamID, "publisher", publisherID, "keys", keyIDs, "request", req.RequestID)

	// recorded before publishing: a loopback transport may answer synchronously
	c.trackRequest(req.RequestID, streamID, publisherID)
	if err := c.publish(ctx, publisherID, protocol.MessageTypeGroupKeyRequest, req.Marshal()); err != nil {
		c.mu.Lock()
		delete(c.requests, req.RequestID)
		c.mu.Unlock()
		return err
	}
	return nil
}

// Encrypt encrypts an outgoing content message with its stream's current group key,
// piggy-backing a queued rotation key if there is one.
func (c *Coordinator) Encrypt(msg *protocol.StreamMessage) (*protocol.StreamMessage, error) {
	current, next, err := c.cfg.Store.UseGroupKey(msg.MessageID.StreamID)
	if err != nil {
		return nil, fmt.Errorf("failed to select group key: %w", err)
	}
	return c.cfg.Engine.EncryptStreamMessage(msg, current, next)
}

// KeyRevocationNeeded reports whether enough subscribers that hold keys of streamID have lost
// access to justify a rekey. Each stream is checked at most once per RevocationDelay; calls in
// between return false.
func (c *Coordinator) KeyRevocationNeeded(ctx context.Context, streamID string) (bool, error) {
	now := c.cfg.Now().UnixNano()

	c.mu.Lock()
	last, checked := c.lastRevocationAt[streamID]
	if checked && now-last < int64(c.cfg.RevocationDelay) {
		c.mu.Unlock()
		return false, nil
	}
	c.lastRevocationAt[streamID] = now
	cached := c.subscriberAddressesLocked(streamID)
	c.mu.Unlock()

	if c.cfg.Membership == nil || len(cached) == 0 {
		return false, nil
	}

	subscribers, err := c.cfg.Membership.GetSubscribers(ctx, streamID)
	if err != nil {
		return false, fmt.Errorf("failed to get subscribers of %s: %w", streamID, err)
	}
	permitted := make(map[string]struct{}, len(subscribers))
	for _, s := range subscribers {
		permitted[s] = struct{}{}
	}

	revoked := 0
	for _, addr := range cached {
		if _, ok := permitted[addr]; !ok {
			revoked++
		}
	}
	c.logger.Debug("revocation check", "stream", streamID, "revoked", revoked, "threshold", c.cfg.RevocationThreshold)
	return revoked >= c.cfg.RevocationThreshold, nil
}

// Rekey replaces the current key of streamID and sends it to every cached subscriber that is
// still permitted. Subscribers that are no longer permitted are forgotten and receive nothing.
func (c *Coordinator) Rekey(ctx context.Context, streamID string) (protocol.GroupKey, error) {
	key, err := c.cfg.Store.Rekey(streamID)
	if err != nil {
		return protocol.GroupKey{}, err
	}

	for addr, pub := range c.subscriberSnapshot(streamID) {
		if c.cfg.Membership != nil {
			valid, err := c.cfg.Membership.IsValidSubscriber(ctx, streamID, addr)
			if err != nil {
				c.logger.Warn("membership check failed during rekey", "stream", streamID, "subscriber", addr, "error", err)
				continue
			}
			if !valid {
				c.evictSubscriber(streamID, addr)
				c.logger.Info("revoked subscriber", "stream", streamID, "subscriber", addr)
				continue
			}
		}

		enc, err := c.cfg.Engine.EncryptGroupKeyForRecipient(key, pub)
		if err != nil {
			c.logger.Warn("failed to seal group key", "stream", streamID, "subscriber", addr, "error", err)
			continue
		}
		announce := &protocol.GroupKeyAnnounce{
			StreamID:           streamID,
			EncryptedGroupKeys: []protocol.EncryptedGroupKey{enc},
		}
		if err := c.publish(ctx, addr, protocol.MessageTypeGroupKeyAnnounce, announce.Marshal()); err != nil {
			c.logger.Warn("failed to announce group key", "stream", streamID, "subscriber", addr, "error", err)
		}
	}
	return key, nil
}

// Rotate queues a new key for streamID. It replaces the current key after the next encrypted
// message, which carries it, and is announced now to cached subscribers wrapped under the current
// key.
func (c *Coordinator) Rotate(ctx context.Context, streamID string) (protocol.GroupKey, error) {
	current, hasCurrent := c.cfg.Store.Current(streamID)
	next, err := c.cfg.Store.Rotate(streamID)
	if err != nil {
		return protocol.GroupKey{}, err
	}
	if !hasCurrent {
		return next, nil
	}

	enc, err := c.cfg.Engine.EncryptGroupKey(next, current)
	if err != nil {
		return protocol.GroupKey{}, fmt.Errorf("failed to wrap rotated key: %w", err)
	}
	announce := &protocol.GroupKeyAnnounce{
		StreamID:           streamID,
		EncryptedWithKeyID: current.ID(),
		EncryptedGroupKeys: []protocol.EncryptedGroupKey{enc},
	}
	payload := announce.Marshal()
	for _, addr := range sortedAddresses(c.subscriberSnapshot(streamID)) {
		if err := c.publish(ctx, addr, protocol.MessageTypeGroupKeyAnnounce, payload); err != nil {
			c.logger.Warn("failed to announce rotated key", "stream", streamID, "subscriber", addr, "error", err)
		}
	}
	return next, nil
}

// Subscribers returns the addresses whose public keys are cached for streamID, sorted.
func (c *Coordinator) Subscribers(streamID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscriberAddressesLocked(streamID)
}

func (c *Coordinator) handleRequest(ctx context.Context, msg *protocol.StreamMessage) error {
	req, err := protocol.UnmarshalGroupKeyRequest(msg.Content)
	if err != nil {
		return err
	}
	requester := msg.MessageID.PublisherID
	log := c.logger.With("stream", req.StreamID, "requester", requester, "request", req.RequestID)

	if req.StreamID == "" || len(req.PublicKey) != encryption.PublicKeyLength {
		log.Warn("rejecting malformed group key request")
		return c.reject(ctx, requester, req, protocol.ErrorCodeInvalidRequest, "request needs a stream id and a public key")
	}

	if c.cfg.Membership != nil {
		valid, err := c.cfg.Membership.IsValidSubscriber(ctx, req.StreamID, requester)
		if err != nil {
			return fmt.Errorf("failed to check membership of %s: %w", requester, err)
		}
		if !valid {
			log.Info("rejecting group key request from non-subscriber")
			return c.reject(ctx, requester, req, protocol.ErrorCodeSubscriberNotPermitted,
				fmt.Sprintf("%s is not a subscriber of %s", requester, req.StreamID))
		}
	}

	c.cacheSubscriber(req.StreamID, requester, req.PublicKey)

	resp := &protocol.GroupKeyResponse{RequestID: req.RequestID, StreamID: req.StreamID}
	for _, id := range req.GroupKeyIDs {
		key, ok := c.cfg.Store.Get(req.StreamID, id)
		if !ok {
			log.Warn("requested group key not found", "key", id)
			continue
		}
		enc, err := c.cfg.Engine.EncryptGroupKeyForRecipient(key, req.PublicKey)
		if err != nil {
			return fmt.Errorf("failed to seal group key %s: %w", id, err)
		}
		resp.EncryptedGroupKeys = append(resp.EncryptedGroupKeys, enc)
	}

	log.Debug("answering group key request", "requested", len(req.GroupKeyIDs), "found", len(resp.EncryptedGroupKeys))
	return c.publish(ctx, requester, protocol.MessageTypeGroupKeyResponse, resp.Marshal())
}

func (c *Coordinator) reject(ctx context.Context, requester string, req *protocol.GroupKeyRequest, code, message string) error {
	resp := &protocol.GroupKeyErrorResponse{
		RequestID:   req.RequestID,
		StreamID:    req.StreamID,
		Code:        code,
		Message:     message,
		GroupKeyIDs: req.GroupKeyIDs,
	}
	return c.publish(ctx, requester, protocol.MessageTypeGroupKeyErrorResponse, resp.Marshal())
}

func (c *Coordinator) handleResponse(msg *protocol.StreamMessage) error {
	resp, err := protocol.UnmarshalGroupKeyResponse(msg.Content)
	if err != nil {
		return err
	}
	publisher := msg.MessageID.PublisherID
	if !c.claimRequest(resp.RequestID, resp.StreamID, publisher) {
		c.logger.Warn("ignoring unsolicited group key response",
			"stream", resp.StreamID, "publisher", publisher, "request", resp.RequestID)
		return nil
	}
	ids := c.storeKeys(resp.StreamID, publisher, resp.EncryptedGroupKeys, func(k protocol.EncryptedGroupKey) (protocol.GroupKey, error) {
		return c.cfg.Engine.DecryptGroupKeyWithPrivateKey(k, c.cfg.KeyPair)
	})
	c.notifyKeys(resp.StreamID, publisher, ids)
	return nil
}

func (c *Coordinator) handleAnnounce(msg *protocol.StreamMessage) error {
	announce, err := protocol.UnmarshalGroupKeyAnnounce(msg.Content)
	if err != nil {
		return err
	}
	publisher := msg.MessageID.PublisherID
	if !c.isSource(announce.StreamID, publisher) {
		c.logger.Warn("ignoring group key announce from publisher never asked",
			"stream", announce.StreamID, "publisher", publisher)
		return nil
	}

	open := func(k protocol.EncryptedGroupKey) (protocol.GroupKey, error) {
		return c.cfg.Engine.DecryptGroupKeyWithPrivateKey(k, c.cfg.KeyPair)
	}
	if announce.IsSymmetric() {
		with, ok := c.cfg.Store.Get(announce.StreamID, announce.EncryptedWithKeyID)
		if !ok {
			c.logger.Warn("cannot open announced keys: wrapping key unknown",
				"stream", announce.StreamID, "publisher", publisher, "key", announce.EncryptedWithKeyID)
			return nil
		}
		open = func(k protocol.EncryptedGroupKey) (protocol.GroupKey, error) {
			return c.cfg.Engine.DecryptGroupKey(k, with)
		}
	}

	ids := c.storeKeys(announce.StreamID, publisher, announce.EncryptedGroupKeys, open)
	c.notifyKeys(announce.StreamID, publisher, ids)
	return nil
}

func (c *Coordinator) handleErrorResponse(msg *protocol.StreamMessage) error {
	resp, err := protocol.UnmarshalGroupKeyErrorResponse(msg.Content)
	if err != nil {
		return err
	}
	publisher := msg.MessageID.PublisherID
	if !c.claimRequest(resp.RequestID, resp.StreamID, publisher) {
		c.logger.Warn("ignoring unsolicited group key error response",
			"stream", resp.StreamID, "publisher", publisher, "request", resp.RequestID)
		return nil
	}
	c.logger.Warn("group key request rejected",
		"stream", resp.StreamID, "publisher", publisher, "code", resp.Code, "message", resp.Message, "request", resp.RequestID)

	c.mu.Lock()
	listeners := append([]ErrorListener(nil), c.errorListeners...)
	c.mu.Unlock()
	for _, l := range listeners {
		l(publisher, resp)
	}
	return nil
}

// storeKeys opens and stores each key, returning the ids that are now available.
// Keys that were already known are included.
func (c *Coordinator) storeKeys(streamID, publisher string, keys []protocol.EncryptedGroupKey, open func(protocol.EncryptedGroupKey) (protocol.GroupKey, error)) []string {
	ids := make([]string, 0, len(keys))
	for _, enc := range keys {
		if c.cfg.Store.Has(streamID, enc.ID) {
			ids = append(ids, enc.ID)
			continue
		}
		key, err := open(enc)
		if err != nil {
			c.logger.Warn("failed to open group key", "stream", streamID, "publisher", publisher, "key", enc.ID, "error", err)
			continue
		}
		c.cfg.Store.Add(streamID, key)
		ids = append(ids, key.ID())
	}
	return ids
}

func (c *Coordinator) notifyKeys(streamID, publisher string, ids []string) {
	if len(ids) == 0 {
		return
	}
	c.logger.Debug("group keys available", "stream", streamID, "publisher", publisher, "keys", ids)

	c.mu.Lock()
	listeners := append([]KeyListener(nil), c.keyListeners...)
	c.mu.Unlock()
	for _, l := range listeners {
		l(streamID, publisher, ids)
	}
}

func (c *Coordinator) publish(ctx context.Context, recipient string, typ protocol.MessageType, payload []byte) error {
	streamID := protocol.KeyExchangeStreamID(recipient)
	id, prev := c.chainer.Next(streamID, 0, c.cfg.Now())
	msg := protocol.NewStreamMessage(id, prev, payload)
	msg.MessageType = typ
	if err := c.cfg.Publisher.Publish(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish %s to %s: %w", typ, recipient, err)
	}
	return nil
}

// trackRequest records an outgoing request. Addresses compare case-insensitively.
func (c *Coordinator) trackRequest(requestID, streamID, publisher string) {
	now := c.cfg.Now()
	publisher = strings.ToLower(publisher)

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, r := range c.requests {
		if now.Sub(r.sentAt) > c.cfg.RequestTTL {
			delete(c.requests, id)
		}
	}
	c.requests[requestID] = sentRequest{streamID: streamID, publisher: publisher, sentAt: now}

	pubs, ok := c.sources[streamID]
	if !ok {
		pubs = make(map[string]struct{})
		c.sources[streamID] = pubs
	}
	pubs[publisher] = struct{}{}
}

// claimRequest removes and reports an outstanding request matching a reply's id, stream and sender.
func (c *Coordinator) claimRequest(requestID, streamID, publisher string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.requests[requestID]
	if !ok || r.streamID != streamID || r.publisher != strings.ToLower(publisher) {
		return false
	}
	delete(c.requests, requestID)
	return c.cfg.Now().Sub(r.sentAt) <= c.cfg.RequestTTL
}

func (c *Coordinator) isSource(streamID, publisher string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sources[streamID][strings.ToLower(publisher)]
	return ok
}

func (c *Coordinator) cacheSubscriber(streamID, addr string, pub []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs, ok := c.subscriberKeys[streamID]
	if !ok {
		subs = make(map[string][]byte)
		c.subscriberKeys[streamID] = subs
	}
	subs[addr] = append([]byte(nil), pub...)
}

func (c *Coordinator) evictSubscriber(streamID, addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if subs, ok := c.subscriberKeys[streamID]; ok {
		delete(subs, addr)
		if len(subs) == 0 {
			delete(c.subscriberKeys, streamID)
		}
	}
}

func (c *Coordinator) subscriberSnapshot(streamID string) map[string][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]byte, len(c.subscriberKeys[streamID]))
	for addr, pub := range c.subscriberKeys[streamID] {
		out[addr] = pub
	}
	return out
}

func (c *Coordinator) subscriberAddressesLocked(streamID string) []string {
	return sortedAddresses(c.subscriberKeys[streamID])
}

func sortedAddresses(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for addr := range m {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}
