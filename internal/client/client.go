// Package client composes the key store, key exchange and subscriptions into one client.
//
// A Client owns a key pair and an address. Inbound messages from the transport are routed with
// HandleMessage: traffic on the client's own key-exchange stream goes to the key-exchange
// coordinator, content messages go to the subscription of their stream partition. Group keys
// learned by the coordinator are forwarded to every subscription of the key's stream.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/rmacdonaldsmith/eventmesh-client-go/internal/encryption"
	"github.com/rmacdonaldsmith/eventmesh-client-go/internal/keyexchange"
	"github.com/rmacdonaldsmith/eventmesh-client-go/internal/keystore"
	subimpl "github.com/rmacdonaldsmith/eventmesh-client-go/internal/subscription"
	"github.com/rmacdonaldsmith/eventmesh-client-go/pkg/protocol"
	"github.com/rmacdonaldsmith/eventmesh-client-go/pkg/subscription"
)

var (
	// ErrClientClosed is returned by operations on a closed client
	ErrClientClosed = errors.New("client is closed")
	// ErrClientStopped is returned by operations on a client that is not started
	ErrClientStopped = errors.New("client is not started")
	// ErrNoSubscription is returned when no subscription exists for a stream partition
	ErrNoSubscription = errors.New("no subscription for stream partition")
)

// Stats is a snapshot of a client's state.
type Stats struct {
	Address       string
	Subscriptions map[string]subscription.Stats
	// KeyExchangeSubscribers counts subscribers whose public keys are cached, per published stream
	KeyExchangeSubscribers map[string]int
}

// Client is a publish/subscribe endpoint with end-to-end encryption.
// It is safe for concurrent use.
type Client struct {
	config *Config
	logger *slog.Logger

	keyPair     *encryption.KeyPair
	store       *keystore.Store
	engine      *encryption.Engine
	keyExchange *keyexchange.Coordinator
	registry    *subimpl.InMemoryRegistry
	chainer     *protocol.MessageChainer

	mu        sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
	started   bool
	closed    bool
	published map[string]struct{}
}

// New creates a Client from config
func New(config *Config) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		var err error
		if logger, err = NewLogger(os.Stderr, config.Logging); err != nil {
			return nil, err
		}
	}

	keyPair := config.KeyPair
	if keyPair == nil {
		var err error
		if keyPair, err = encryption.GenerateKeyPair(); err != nil {
			return nil, fmt.Errorf("failed to generate key pair: %w", err)
		}
	}

	store := keystore.NewWithClock(config.Scheduler.Now)
	engine := encryption.New()
	coordinator, err := keyexchange.New(keyexchange.Config{
		Address:             config.Address,
		KeyPair:             keyPair,
		Store:               store,
		Engine:              engine,
		Publisher:           config.Publisher,
		Membership:          config.Membership,
		RevocationThreshold: config.RevocationThreshold,
		RevocationDelay:     config.RevocationDelay,
		Now:                 config.Scheduler.Now,
		Logger:              logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create key exchange: %w", err)
	}

	c := &Client{
		config:      config,
		logger:      logger.With("component", "client", "address", config.Address),
		keyPair:     keyPair,
		store:       store,
		engine:      engine,
		keyExchange: coordinator,
		registry:    subimpl.NewInMemoryRegistry(),
		chainer:     protocol.NewMessageChainer(config.Address),
		published:   make(map[string]struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	coordinator.OnGroupKeys(c.forwardGroupKeys)
	coordinator.OnErrorResponse(func(publisherID string, resp *protocol.GroupKeyErrorResponse) {
		if config.OnKeyExchangeError != nil {
			config.OnKeyExchangeError(publisherID, resp)
		}
	})
	return c, nil
}

// Address returns the client's address.
func (c *Client) Address() string {
	return c.config.Address
}

// PublicKey returns the public key group keys are sealed to.
func (c *Client) PublicKey() []byte {
	return c.keyPair.PublicKey()
}

// KeyExchangeStreamID returns the stream the transport must deliver to HandleMessage for
// key exchange to work.
func (c *Client) KeyExchangeStreamID() string {
	return c.keyExchange.StreamID()
}

// Start starts the client. Subscriptions created afterwards run until Stop or Close.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("cannot start closed client")
	}
	if c.started {
		return nil // Already started, idempotent
	}

	c.cancel()
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.started = true
	c.logger.Info("client started")
	return nil
}

// Stop unsubscribes every subscription and stops the client. It can be started again.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil // Not started, idempotent
	}
	c.started = false
	c.cancel()
	c.mu.Unlock()

	c.unsubscribeAll()
	c.logger.Info("client stopped")
	return nil
}

// Close stops the client permanently.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil // Already closed, idempotent
	}
	c.closed = true
	c.started = false
	c.cancel()
	c.mu.Unlock()

	c.unsubscribeAll()
	return nil
}

// Subscribe creates and starts a subscription. For realtime and combined subscriptions the
// caller confirms the realtime part with HandleSubscribeResponse once the transport has it.
func (c *Client) Subscribe(opts subscription.Options) (subscription.Subscription, error) {
	ctx, err := c.runContext()
	if err != nil {
		return nil, err
	}
	if _, exists := c.registry.Get(opts.StreamID, opts.Partition); exists {
		return nil, fmt.Errorf("%w: %s/%d", subscription.ErrDuplicateSubscription, opts.StreamID, opts.Partition)
	}

	sub, err := subimpl.New(subimpl.Config{
		Options:             opts,
		Ordering:            c.config.ordering(),
		MaxGroupKeyRequests: c.config.MaxGroupKeyRequests,
		KeyRequestInterval:  c.config.KeyRequestInterval,
		Store:               c.store,
		Engine:              c.engine,
		KeyRequester:        c.keyExchange,
		Resender:            c.config.Resender,
		Scheduler:           c.config.Scheduler,
		Logger:              c.logger,
	})
	if err != nil {
		return nil, err
	}
	if err := c.registry.Add(sub); err != nil {
		return nil, err
	}
	if err := sub.Start(ctx); err != nil {
		c.registry.Remove(opts.StreamID, opts.Partition)
		return nil, fmt.Errorf("failed to start subscription: %w", err)
	}
	c.logger.Info("subscribed", "stream", opts.StreamID, "partition", opts.Partition, "kind", opts.Kind.String())
	return sub, nil
}

// HandleSubscribeResponse confirms the realtime part of a subscription.
func (c *Client) HandleSubscribeResponse(ctx context.Context, streamID string, partition int) error {
	if _, err := c.runContext(); err != nil {
		return err
	}
	sub, ok := c.registry.Get(streamID, partition)
	if !ok {
		return fmt.Errorf("%w: %s/%d", ErrNoSubscription, streamID, partition)
	}
	return sub.HandleSubscribeResponse(ctx)
}

// Unsubscribe ends and removes the subscription of a stream partition.
func (c *Client) Unsubscribe(streamID string, partition int) error {
	sub, ok := c.registry.Remove(streamID, partition)
	if !ok {
		return fmt.Errorf("%w: %s/%d", ErrNoSubscription, streamID, partition)
	}
	if err := sub.Unsubscribe(); err != nil {
		return err
	}
	c.logger.Info("unsubscribed", "stream", streamID, "partition", partition)
	return nil
}

// HandleMessage routes one inbound message. Messages for streams without a subscription and
// key-exchange traffic addressed to other clients are dropped.
func (c *Client) HandleMessage(ctx context.Context, msg *protocol.StreamMessage) error {
	if _, err := c.runContext(); err != nil {
		return err
	}
	if msg == nil {
		return protocol.ErrNilMessage
	}

	streamID := msg.MessageID.StreamID
	if protocol.IsKeyExchangeStream(streamID) {
		if streamID != c.keyExchange.StreamID() {
			c.logger.Debug("dropping key-exchange message for another client", "stream", streamID)
			return nil
		}
		return c.keyExchange.Handle(ctx, msg)
	}

	sub, ok := c.registry.Get(streamID, msg.MessageID.StreamPartition)
	if !ok {
		c.logger.Debug("dropping message without subscription", "stream", streamID, "partition", msg.MessageID.StreamPartition)
		return nil
	}
	return sub.Handle(ctx, msg)
}

// Publish sends content on a stream partition, chained to this client's previous message there.
// Encrypted messages use the stream's current group key, generating one on first use.
func (c *Client) Publish(ctx context.Context, streamID string, partition int, content []byte, encrypt bool) (*protocol.StreamMessage, error) {
	if _, err := c.runContext(); err != nil {
		return nil, err
	}
	if streamID == "" {
		return nil, fmt.Errorf("stream id cannot be empty")
	}
	if protocol.IsKeyExchangeStream(streamID) {
		return nil, fmt.Errorf("cannot publish content to key-exchange stream %s", streamID)
	}

	id, prev := c.chainer.Next(streamID, partition, c.config.Scheduler.Now())
	msg := protocol.NewStreamMessage(id, prev, content)
	if encrypt {
		var err error
		if msg, err = c.keyExchange.Encrypt(msg); err != nil {
			return nil, fmt.Errorf("failed to encrypt message: %w", err)
		}
	}
	if err := c.config.Publisher.Publish(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to publish message: %w", err)
	}

	c.mu.Lock()
	c.published[streamID] = struct{}{}
	c.mu.Unlock()
	return msg, nil
}

// RotateGroupKey queues a new group key for streamID. See keyexchange.Coordinator.Rotate.
func (c *Client) RotateGroupKey(ctx context.Context, streamID string) (protocol.GroupKey, error) {
	if _, err := c.runContext(); err != nil {
		return protocol.GroupKey{}, err
	}
	return c.keyExchange.Rotate(ctx, streamID)
}

// Rekey replaces the group key of streamID and distributes it to permitted subscribers.
func (c *Client) Rekey(ctx context.Context, streamID string) (protocol.GroupKey, error) {
	if _, err := c.runContext(); err != nil {
		return protocol.GroupKey{}, err
	}
	return c.keyExchange.Rekey(ctx, streamID)
}

// CheckRevocations rekeys every stream this client has published on whose revocation check
// reports enough revoked subscribers. It returns the rekeyed streams.
func (c *Client) CheckRevocations(ctx context.Context) ([]string, error) {
	if _, err := c.runContext(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	streams := make([]string, 0, len(c.published))
	for s := range c.published {
		streams = append(streams, s)
	}
	c.mu.RUnlock()

	var (
		rekeyed []string
		errs    []error
	)
	for _, streamID := range streams {
		needed, err := c.keyExchange.KeyRevocationNeeded(ctx, streamID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !needed {
			continue
		}
		if _, err := c.keyExchange.Rekey(ctx, streamID); err != nil {
			errs = append(errs, fmt.Errorf("failed to rekey %s: %w", streamID, err))
			continue
		}
		c.logger.Info("rekeyed stream after revocations", "stream", streamID)
		rekeyed = append(rekeyed, streamID)
	}
	return rekeyed, errors.Join(errs...)
}

// Stats returns a snapshot of the client's subscriptions and key exchange.
func (c *Client) Stats() Stats {
	stats := Stats{
		Address:                c.config.Address,
		Subscriptions:          make(map[string]subscription.Stats),
		KeyExchangeSubscribers: make(map[string]int),
	}
	for _, sub := range c.registry.All() {
		stats.Subscriptions[fmt.Sprintf("%s/%d", sub.StreamID(), sub.Partition())] = sub.Stats()
	}

	c.mu.RLock()
	streams := make([]string, 0, len(c.published))
	for s := range c.published {
		streams = append(streams, s)
	}
	c.mu.RUnlock()
	for _, s := range streams {
		stats.KeyExchangeSubscribers[s] = len(c.keyExchange.Subscribers(s))
	}
	return stats
}

func (c *Client) forwardGroupKeys(streamID, publisherID string, keyIDs []string) {
	for _, sub := range c.registry.ForStream(streamID) {
		sub.HandleGroupKeys(publisherID, keyIDs)
	}
}

func (c *Client) unsubscribeAll() {
	for _, sub := range c.registry.All() {
		c.registry.Remove(sub.StreamID(), sub.Partition())
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Warn("failed to unsubscribe", "stream", sub.StreamID(), "partition", sub.Partition(), "error", err)
		}
	}
}

// runContext returns the context subscriptions run under, or an error if the client cannot
// accept work.
func (c *Client) runContext() (context.Context, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	if !c.started {
		return nil, ErrClientStopped
	}
	return c.ctx, nil
}
