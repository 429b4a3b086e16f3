package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/eventmesh-client-go/internal/membership"
	"github.com/rmacdonaldsmith/eventmesh-client-go/internal/streamlog"
	"github.com/rmacdonaldsmith/eventmesh-client-go/pkg/protocol"
	"github.com/rmacdonaldsmith/eventmesh-client-go/pkg/subscription"
)

const testStream = "orders"

// received collects what a subscription hands to the application.
type received struct {
	mu       sync.Mutex
	contents []string
	errs     []error
	resent   int
}

func (r *received) options(kind subscription.Kind) subscription.Options {
	return subscription.Options{
		StreamID: testStream,
		Kind:     kind,
		OnMessage: func(msg *protocol.StreamMessage) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.contents = append(r.contents, string(msg.Content))
		},
		Events: subscription.Events{
			OnError: func(err error) {
				r.mu.Lock()
				defer r.mu.Unlock()
				r.errs = append(r.errs, err)
			},
			OnResent: func() {
				r.mu.Lock()
				defer r.mu.Unlock()
				r.resent++
			},
		},
	}
}

func (r *received) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.contents...)
}

func (r *received) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

// network connects clients through one in-memory stream log.
type network struct {
	log *streamlog.InMemoryStreamLog
}

func newNetwork(t *testing.T) *network {
	t.Helper()
	log := streamlog.NewInMemoryStreamLog()
	t.Cleanup(func() { _ = log.Close() })
	return &network{log: log}
}

// join creates a started client whose key-exchange stream is routed to it.
func (n *network) join(t *testing.T, address string, configure func(*Config)) *Client {
	t.Helper()
	cfg := NewConfig(address, n.log, n.log).
		WithGapFill(20*time.Millisecond, 200*time.Millisecond, 3).
		WithKeyRequests(100*time.Millisecond, 3)
	if configure != nil {
		configure(cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Close() })

	unsubscribe := n.log.Subscribe(c.KeyExchangeStreamID(), n.route(t, c))
	t.Cleanup(unsubscribe)
	return c
}

// listen routes live messages of testStream to c.
func (n *network) listen(t *testing.T, c *Client) {
	t.Helper()
	t.Cleanup(n.log.Subscribe(testStream, n.route(t, c)))
}

func (n *network) route(t *testing.T, c *Client) streamlog.Handler {
	return func(ctx context.Context, msg *protocol.StreamMessage) {
		if err := c.HandleMessage(ctx, msg); err != nil {
			t.Logf("%s failed to handle %s: %v", c.Address(), msg.MessageID, err)
		}
	}
}

func publish(t *testing.T, c *Client, content string, encrypt bool) *protocol.StreamMessage {
	t.Helper()
	msg, err := c.Publish(context.Background(), testStream, 0, []byte(content), encrypt)
	require.NoError(t, err)
	return msg
}

func TestClient_Lifecycle(t *testing.T) {
	log := streamlog.NewInMemoryStreamLog()
	defer log.Close()

	c, err := New(NewConfig("alice", log, log))
	require.NoError(t, err)

	_, err = c.Publish(context.Background(), testStream, 0, []byte("x"), false)
	assert.ErrorIs(t, err, ErrClientStopped)

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Start(context.Background()), "Start should be idempotent")
	require.NoError(t, c.Stop(context.Background()))
	require.NoError(t, c.Stop(context.Background()), "Stop should be idempotent")
	require.NoError(t, c.Start(context.Background()), "a stopped client can be restarted")

	require.NoError(t, c.Close())
	require.NoError(t, c.Close(), "Close should be idempotent")
	assert.Error(t, c.Start(context.Background()))
	assert.ErrorIs(t, c.HandleMessage(context.Background(), &protocol.StreamMessage{}), ErrClientClosed)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	_, err = New(NewConfig("", nil, nil))
	assert.ErrorIs(t, err, ErrEmptyAddress)

	log := streamlog.NewInMemoryStreamLog()
	defer log.Close()
	_, err = New(NewConfig("alice", nil, log))
	assert.ErrorIs(t, err, ErrNilPublisher)
}

func TestClient_EncryptedRoundTrip(t *testing.T) {
	net := newNetwork(t)
	alice := net.join(t, "alice", nil)
	bob := net.join(t, "bob", nil)
	net.listen(t, bob)

	var got received
	_, err := bob.Subscribe(got.options(subscription.Realtime))
	require.NoError(t, err)
	require.NoError(t, bob.HandleSubscribeResponse(context.Background(), testStream, 0))

	sent := publish(t, alice, "first", true)
	assert.Equal(t, protocol.EncryptionSymmetric, sent.EncryptionType)
	assert.NotEqual(t, []byte("first"), sent.Content)
	publish(t, alice, "second", true)
	publish(t, alice, "plain", false)

	require.Eventually(t, func() bool { return len(got.messages()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"first", "second", "plain"}, got.messages())
	assert.Empty(t, got.errors())
	assert.Equal(t, []string{"bob"}, alice.keyExchange.Subscribers(testStream))

	stats := bob.Stats()
	require.Contains(t, stats.Subscriptions, "orders/0")
	assert.Equal(t, subscription.Subscribed, stats.Subscriptions["orders/0"].State)
	assert.Equal(t, int64(3), stats.Subscriptions["orders/0"].Delivered)
	assert.Zero(t, stats.Subscriptions["orders/0"].PendingKeyRequests)
	assert.Equal(t, 1, alice.Stats().KeyExchangeSubscribers[testStream])
}

func TestClient_KeyRequestDenied(t *testing.T) {
	net := newNetwork(t)
	var (
		mu       sync.Mutex
		rejected []*protocol.GroupKeyErrorResponse
	)
	alice := net.join(t, "alice", func(cfg *Config) {
		cfg.WithMembership(membership.NewStatic(map[string][]string{testStream: {"carol"}}))
	})
	bob := net.join(t, "bob", func(cfg *Config) {
		cfg.OnKeyExchangeError = func(publisherID string, resp *protocol.GroupKeyErrorResponse) {
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, "alice", publisherID)
			rejected = append(rejected, resp)
		}
	})
	net.listen(t, bob)

	var got received
	_, err := bob.Subscribe(got.options(subscription.Realtime))
	require.NoError(t, err)
	publish(t, alice, "secret", true)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(rejected) > 0
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, protocol.ErrorCodeSubscriberNotPermitted, rejected[0].Code)
	mu.Unlock()
	assert.Empty(t, got.messages())
	assert.Empty(t, alice.keyExchange.Subscribers(testStream))
}

func TestClient_GapFilledFromLog(t *testing.T) {
	net := newNetwork(t)
	alice := net.join(t, "alice", nil)
	bob := net.join(t, "bob", nil)
	net.listen(t, bob)
	net.log.SetDropFunc(func(msg *protocol.StreamMessage) bool {
		return msg.MessageID.StreamID == testStream && string(msg.Content) == "lost"
	})

	var got received
	_, err := bob.Subscribe(got.options(subscription.Realtime))
	require.NoError(t, err)

	publish(t, alice, "one", false)
	publish(t, alice, "lost", false)
	publish(t, alice, "three", false)

	require.Eventually(t, func() bool { return len(got.messages()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"one", "lost", "three"}, got.messages())
	assert.Empty(t, got.errors())
}

func TestClient_HistoricalSubscription(t *testing.T) {
	net := newNetwork(t)
	alice := net.join(t, "alice", nil)
	for _, content := range []string{"a", "b", "c"} {
		publish(t, alice, content, true)
	}

	bob := net.join(t, "bob", nil)
	var got received
	opts := got.options(subscription.Historical)
	opts.Resend = &subscription.ResendOptions{Last: 2}
	sub, err := bob.Subscribe(opts)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sub.State() == subscription.Done }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"b", "c"}, got.messages())
	got.mu.Lock()
	assert.Equal(t, 1, got.resent)
	got.mu.Unlock()
}

func TestClient_RotateGroupKey(t *testing.T) {
	net := newNetwork(t)
	alice := net.join(t, "alice", nil)
	bob := net.join(t, "bob", nil)
	net.listen(t, bob)

	var got received
	_, err := bob.Subscribe(got.options(subscription.Realtime))
	require.NoError(t, err)

	first := publish(t, alice, "before", true)
	require.Eventually(t, func() bool { return len(got.messages()) == 1 }, time.Second, 5*time.Millisecond)

	next, err := alice.RotateGroupKey(context.Background(), testStream)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return bob.store.Has(testStream, next.ID()) }, time.Second, 5*time.Millisecond,
		"the rotated key should be announced to bob")

	carrier := publish(t, alice, "carrier", true)
	assert.Equal(t, first.GroupKeyID, carrier.GroupKeyID)
	require.NotNil(t, carrier.NewGroupKey)
	after := publish(t, alice, "after", true)
	assert.Equal(t, next.ID(), after.GroupKeyID)

	require.Eventually(t, func() bool { return len(got.messages()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"before", "carrier", "after"}, got.messages())
}

func TestClient_CheckRevocations(t *testing.T) {
	net := newNetwork(t)
	members := membership.NewStatic(map[string][]string{testStream: {"bob"}})
	alice := net.join(t, "alice", func(cfg *Config) {
		cfg.WithMembership(members)
		cfg.RevocationThreshold = 1
	})
	bob := net.join(t, "bob", nil)
	net.listen(t, bob)

	var got received
	_, err := bob.Subscribe(got.options(subscription.Realtime))
	require.NoError(t, err)
	publish(t, alice, "hello", true)
	require.Eventually(t, func() bool { return len(got.messages()) == 1 }, time.Second, 5*time.Millisecond)

	members.Remove(testStream, "bob")
	rekeyed, err := alice.CheckRevocations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{testStream}, rekeyed)
	assert.Empty(t, alice.keyExchange.Subscribers(testStream), "revoked subscriber should be evicted")

	rekeyed, err = alice.CheckRevocations(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rekeyed, "checks within the revocation delay are skipped")
}

func TestClient_SubscribeAndUnsubscribe(t *testing.T) {
	net := newNetwork(t)
	bob := net.join(t, "bob", nil)

	var got received
	sub, err := bob.Subscribe(got.options(subscription.Realtime))
	require.NoError(t, err)

	_, err = bob.Subscribe(got.options(subscription.Realtime))
	assert.ErrorIs(t, err, subscription.ErrDuplicateSubscription)

	require.NoError(t, bob.Unsubscribe(testStream, 0))
	assert.Equal(t, subscription.Unsubscribed, sub.State())
	assert.ErrorIs(t, bob.Unsubscribe(testStream, 0), ErrNoSubscription)
	assert.ErrorIs(t, bob.HandleSubscribeResponse(context.Background(), testStream, 0), ErrNoSubscription)
}

func TestClient_DropsForeignKeyExchangeTraffic(t *testing.T) {
	net := newNetwork(t)
	bob := net.join(t, "bob", nil)

	id := protocol.MessageID{StreamID: protocol.KeyExchangeStreamID("carol"), PublisherID: "alice", MsgChainID: "c"}
	msg := protocol.NewStreamMessage(id, nil, []byte("not a request"))
	msg.MessageType = protocol.MessageTypeGroupKeyRequest
	assert.NoError(t, bob.HandleMessage(context.Background(), msg))
}

func TestClient_PublishRejectsKeyExchangeStream(t *testing.T) {
	net := newNetwork(t)
	alice := net.join(t, "alice", nil)

	_, err := alice.Publish(context.Background(), protocol.KeyExchangeStreamID("bob"), 0, []byte("x"), false)
	assert.Error(t, err)
	_, err = alice.Publish(context.Background(), "", 0, []byte("x"), false)
	assert.Error(t, err)
}
