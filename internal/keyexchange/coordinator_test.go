package keyexchange

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/eventmesh-client-go/internal/encryption"
	"github.com/rmacdonaldsmith/eventmesh-client-go/internal/keystore"
	"github.com/rmacdonaldsmith/eventmesh-client-go/internal/membership"
	membershippkg "github.com/rmacdonaldsmith/eventmesh-client-go/pkg/membership"
	"github.com/rmacdonaldsmith/eventmesh-client-go/pkg/protocol"
	"github.com/rmacdonaldsmith/eventmesh-client-go/pkg/transport"
)

// outbox records published key-exchange messages per stream.
type outbox struct {
	mu   sync.Mutex
	msgs map[string][]*protocol.StreamMessage
	err  error
}

func newOutbox() *outbox {
	return &outbox{msgs: make(map[string][]*protocol.StreamMessage)}
}

func (o *outbox) Publish(_ context.Context, msg *protocol.StreamMessage) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.msgs[msg.MessageID.StreamID] = append(o.msgs[msg.MessageID.StreamID], msg)
	return nil
}

// take removes and returns everything published to address.
func (o *outbox) take(address string) []*protocol.StreamMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := protocol.KeyExchangeStreamID(address)
	out := o.msgs[id]
	delete(o.msgs, id)
	return out
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

type peer struct {
	coord *Coordinator
	store *keystore.Store
	out   *outbox
	keys  []keyEvent
	errs  []*protocol.GroupKeyErrorResponse
}

type keyEvent struct {
	streamID, publisherID string
	keyIDs                []string
}

func newPeer(t *testing.T, address string, oracle membershippkg.Oracle, clk *clock) *peer {
	t.Helper()
	kp, err := encryption.GenerateKeyPair()
	require.NoError(t, err)

	p := &peer{store: keystore.New(), out: newOutbox()}
	cfg := Config{
		Address:    address,
		KeyPair:    kp,
		Store:      p.store,
		Publisher:  p.out,
		Membership: oracle,
	}
	if clk != nil {
		cfg.Now = clk.now
	}
	p.coord, err = New(cfg)
	require.NoError(t, err)

	p.coord.OnGroupKeys(func(streamID, publisherID string, keyIDs []string) {
		p.keys = append(p.keys, keyEvent{streamID, publisherID, keyIDs})
	})
	p.coord.OnErrorResponse(func(_ string, resp *protocol.GroupKeyErrorResponse) {
		p.errs = append(p.errs, resp)
	})
	return p
}

// deliver hands everything from's outbox addressed to to over to to's coordinator.
func deliver(t *testing.T, from, to *peer) int {
	t.Helper()
	msgs := from.out.take(to.coord.Address())
	for _, m := range msgs {
		require.NoError(t, to.coord.Handle(context.Background(), m))
	}
	return len(msgs)
}

func TestNew_Validation(t *testing.T) {
	kp, err := encryption.GenerateKeyPair()
	require.NoError(t, err)

	_, err = New(Config{KeyPair: kp, Store: keystore.New(), Publisher: newOutbox()})
	assert.ErrorIs(t, err, ErrMissingAddress)
	_, err = New(Config{Address: "a", Store: keystore.New(), Publisher: newOutbox()})
	assert.ErrorIs(t, err, ErrMissingKeyPair)
	_, err = New(Config{Address: "a", KeyPair: kp, Publisher: newOutbox()})
	assert.ErrorIs(t, err, ErrMissingStore)
	_, err = New(Config{Address: "a", KeyPair: kp, Store: keystore.New()})
	assert.ErrorIs(t, err, ErrMissingPublisher)
}

func TestRequestResponse_RoundTrip(t *testing.T) {
	ctx := context.Background()
	oracle := membership.NewStatic(map[string][]string{"orders": {"sub"}})
	pub := newPeer(t, "pub", oracle, nil)
	sub := newPeer(t, "sub", nil, nil)

	k1, _, err := pub.store.UseGroupKey("orders")
	require.NoError(t, err)

	require.NoError(t, sub.coord.RequestGroupKeys(ctx, "orders", "pub", []string{k1.ID(), "missing"}))
	require.Equal(t, 1, deliver(t, sub, pub))
	require.Equal(t, 1, deliver(t, pub, sub))

	got, ok := sub.store.Get("orders", k1.ID())
	require.True(t, ok)
	assert.Equal(t, k1.Material(), got.Material())

	require.Len(t, sub.keys, 1)
	assert.Equal(t, keyEvent{"orders", "pub", []string{k1.ID()}}, sub.keys[0], "only found keys are returned")
	assert.Equal(t, []string{"sub"}, pub.coord.Subscribers("orders"))
}

func TestRequest_CarriesPublicKeyAndRequestID(t *testing.T) {
	sub := newPeer(t, "Sub", nil, nil)
	require.NoError(t, sub.coord.RequestGroupKeys(context.Background(), "orders", "Pub", []string{"k1"}))

	msgs := sub.out.take("pub")
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.KeyExchangeStreamID("pub"), msgs[0].MessageID.StreamID)
	assert.Equal(t, protocol.MessageTypeGroupKeyRequest, msgs[0].MessageType)

	req, err := protocol.UnmarshalGroupKeyRequest(msgs[0].Content)
	require.NoError(t, err)
	assert.NotEmpty(t, req.RequestID)
	assert.Equal(t, "orders", req.StreamID)
	assert.Equal(t, []string{"k1"}, req.GroupKeyIDs)
	assert.Len(t, req.PublicKey, encryption.PublicKeyLength)
}

func TestRequestGroupKeys_NoIDsIsNoop(t *testing.T) {
	sub := newPeer(t, "sub", nil, nil)
	require.NoError(t, sub.coord.RequestGroupKeys(context.Background(), "orders", "pub", nil))
	assert.Empty(t, sub.out.take("pub"))
}

func TestRequest_NonSubscriberGetsErrorResponse(t *testing.T) {
	ctx := context.Background()
	pub := newPeer(t, "pub", membership.NewStatic(nil), nil)
	sub := newPeer(t, "sub", nil, nil)

	k1, _, err := pub.store.UseGroupKey("orders")
	require.NoError(t, err)

	require.NoError(t, sub.coord.RequestGroupKeys(ctx, "orders", "pub", []string{k1.ID()}))
	deliver(t, sub, pub)
	deliver(t, pub, sub)

	assert.False(t, sub.store.Has("orders", k1.ID()))
	assert.Empty(t, sub.keys)
	require.Len(t, sub.errs, 1)
	assert.Equal(t, protocol.ErrorCodeSubscriberNotPermitted, sub.errs[0].Code)
	assert.Equal(t, []string{k1.ID()}, sub.errs[0].GroupKeyIDs)
	assert.Empty(t, pub.coord.Subscribers("orders"), "rejected requesters are not cached")
}

func TestRequest_MalformedPublicKeyRejected(t *testing.T) {
	pub := newPeer(t, "pub", nil, nil)
	req := &protocol.GroupKeyRequest{RequestID: "r1", StreamID: "orders", PublicKey: []byte{1, 2, 3}}
	msg := protocol.NewStreamMessage(protocol.MessageID{
		StreamID: protocol.KeyExchangeStreamID("pub"), PublisherID: "sub", MsgChainID: "c",
	}, nil, req.Marshal())
	msg.MessageType = protocol.MessageTypeGroupKeyRequest

	require.NoError(t, pub.coord.Handle(context.Background(), msg))
	out := pub.out.take("sub")
	require.Len(t, out, 1)
	assert.Equal(t, protocol.MessageTypeGroupKeyErrorResponse, out[0].MessageType)

	resp, err := protocol.UnmarshalGroupKeyErrorResponse(out[0].Content)
	require.NoError(t, err)
	assert.Equal(t, protocol.ErrorCodeInvalidRequest, resp.Code)
	assert.Equal(t, "r1", resp.RequestID)
}

func TestHandle_MalformedPayload(t *testing.T) {
	c := newPeer(t, "pub", nil, nil)
	msg := protocol.NewStreamMessage(protocol.MessageID{StreamID: "x", PublisherID: "p", MsgChainID: "c"}, nil, []byte{0xff})
	msg.MessageType = protocol.MessageTypeGroupKeyResponse
	err := c.coord.Handle(context.Background(), msg)
	assert.ErrorIs(t, err, protocol.ErrMalformedPayload)

	assert.ErrorIs(t, c.coord.Handle(context.Background(), nil), protocol.ErrNilMessage)
}

func TestResponse_ReAddIsNoop(t *testing.T) {
	ctx := context.Background()
	pub := newPeer(t, "pub", nil, nil)
	sub := newPeer(t, "sub", nil, nil)
	k1, _, err := pub.store.UseGroupKey("orders")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		require.NoError(t, sub.coord.RequestGroupKeys(ctx, "orders", "pub", []string{k1.ID()}))
		deliver(t, sub, pub)
		deliver(t, pub, sub)
	}
	assert.Equal(t, []string{k1.ID()}, sub.store.KeyIDs("orders"))
	assert.Len(t, sub.keys, 2, "listeners hear about known keys again")
}

func TestKeyRevocationNeeded_ThresholdAndDelay(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: time.Unix(1_000, 0)}
	subs := []string{"s1", "s2", "s3", "s4", "s5", "s6"}
	oracle := membership.NewStatic(map[string][]string{"orders": subs})
	pub := newPeer(t, "pub", oracle, clk)
	_, _, err := pub.store.UseGroupKey("orders")
	require.NoError(t, err)

	for _, s := range subs {
		p := newPeer(t, s, nil, nil)
		require.NoError(t, p.coord.RequestGroupKeys(ctx, "orders", "pub", pub.store.KeyIDs("orders")))
		deliver(t, p, pub)
	}
	require.Len(t, pub.coord.Subscribers("orders"), 6)

	for _, s := range subs[:4] {
		oracle.Remove("orders", s)
	}
	needed, err := pub.coord.KeyRevocationNeeded(ctx, "orders")
	require.NoError(t, err)
	assert.False(t, needed, "4 revoked is below the threshold of 5")

	oracle.Remove("orders", "s5")
	needed, err = pub.coord.KeyRevocationNeeded(ctx, "orders")
	require.NoError(t, err)
	assert.False(t, needed, "checks within the delay return false")

	clk.t = clk.t.Add(DefaultRevocationDelay)
	needed, err = pub.coord.KeyRevocationNeeded(ctx, "orders")
	require.NoError(t, err)
	assert.True(t, needed)

	needed, err = pub.coord.KeyRevocationNeeded(ctx, "orders")
	require.NoError(t, err)
	assert.False(t, needed)
}

func TestRekey_SkipsAndEvictsRevokedSubscribers(t *testing.T) {
	ctx := context.Background()
	oracle := membership.NewStatic(map[string][]string{"orders": {"alice", "bob"}})
	pub := newPeer(t, "pub", oracle, nil)
	alice := newPeer(t, "alice", nil, nil)
	bob := newPeer(t, "bob", nil, nil)

	k1, _, err := pub.store.UseGroupKey("orders")
	require.NoError(t, err)
	for _, s := range []*peer{alice, bob} {
		require.NoError(t, s.coord.RequestGroupKeys(ctx, "orders", "pub", []string{k1.ID()}))
		deliver(t, s, pub)
		deliver(t, pub, s)
	}

	oracle.Remove("orders", "bob")
	k2, err := pub.coord.Rekey(ctx, "orders")
	require.NoError(t, err)
	assert.NotEqual(t, k1.ID(), k2.ID())

	current, ok := pub.store.Current("orders")
	require.True(t, ok)
	assert.Equal(t, k2.ID(), current.ID())

	assert.Equal(t, 1, deliver(t, pub, alice))
	assert.Equal(t, 0, deliver(t, pub, bob))
	assert.True(t, alice.store.Has("orders", k2.ID()))
	assert.False(t, bob.store.Has("orders", k2.ID()))
	assert.Equal(t, []string{"alice"}, pub.coord.Subscribers("orders"))
}

func TestRotate_SymmetricAnnounce(t *testing.T) {
	ctx := context.Background()
	pub := newPeer(t, "pub", nil, nil)
	sub := newPeer(t, "sub", nil, nil)

	k1, _, err := pub.store.UseGroupKey("orders")
	require.NoError(t, err)
	require.NoError(t, sub.coord.RequestGroupKeys(ctx, "orders", "pub", []string{k1.ID()}))
	deliver(t, sub, pub)
	deliver(t, pub, sub)

	k2, err := pub.coord.Rotate(ctx, "orders")
	require.NoError(t, err)

	msgs := pub.out.take("sub")
	require.Len(t, msgs, 1)
	announce, err := protocol.UnmarshalGroupKeyAnnounce(msgs[0].Content)
	require.NoError(t, err)
	assert.True(t, announce.IsSymmetric())
	assert.Equal(t, k1.ID(), announce.EncryptedWithKeyID)

	require.NoError(t, sub.coord.Handle(ctx, msgs[0]))
	got, ok := sub.store.Get("orders", k2.ID())
	require.True(t, ok)
	assert.Equal(t, k2.Material(), got.Material())
}

func TestAnnounce_UnknownWrappingKeyIgnored(t *testing.T) {
	sub := newPeer(t, "sub", nil, nil)
	require.NoError(t, sub.coord.RequestGroupKeys(context.Background(), "orders", "pub", []string{"k1"}))
	announce := &protocol.GroupKeyAnnounce{
		StreamID:           "orders",
		EncryptedWithKeyID: "unknown",
		EncryptedGroupKeys: []protocol.EncryptedGroupKey{{ID: "k2", Ciphertext: []byte("x")}},
	}
	msg := protocol.NewStreamMessage(protocol.MessageID{StreamID: "s", PublisherID: "pub", MsgChainID: "c"}, nil, announce.Marshal())
	msg.MessageType = protocol.MessageTypeGroupKeyAnnounce

	require.NoError(t, sub.coord.Handle(context.Background(), msg))
	assert.Empty(t, sub.keys)
	assert.False(t, sub.store.Has("orders", "k2"))
}

// fromPeer wraps a key-exchange payload as if published by sender.
func fromPeer(sender string, typ protocol.MessageType, payload []byte) *protocol.StreamMessage {
	msg := protocol.NewStreamMessage(protocol.MessageID{
		StreamID: protocol.KeyExchangeStreamID("sub"), PublisherID: sender, MsgChainID: "c",
	}, nil, payload)
	msg.MessageType = typ
	return msg
}

func sealedKey(t *testing.T, to *peer) (protocol.GroupKey, protocol.EncryptedGroupKey) {
	t.Helper()
	key, err := protocol.GenerateGroupKey(time.Now())
	require.NoError(t, err)
	enc, err := encryption.New().EncryptGroupKeyForRecipient(key, to.coord.cfg.KeyPair.PublicKey())
	require.NoError(t, err)
	return key, enc
}

func TestResponse_UnsolicitedIgnored(t *testing.T) {
	ctx := context.Background()
	sub := newPeer(t, "sub", nil, nil)
	require.NoError(t, sub.coord.RequestGroupKeys(ctx, "orders", "pub", []string{"k1"}))
	msgs := sub.out.take("pub")
	require.Len(t, msgs, 1)
	req, err := protocol.UnmarshalGroupKeyRequest(msgs[0].Content)
	require.NoError(t, err)

	key, enc := sealedKey(t, sub)
	forged := []struct {
		name      string
		sender    string
		requestID string
		streamID  string
	}{
		{"unknown request id", "pub", "forged", "orders"},
		{"other stream", "pub", req.RequestID, "payments"},
		{"other sender", "mallory", req.RequestID, "orders"},
	}
	for _, tc := range forged {
		t.Run(tc.name, func(t *testing.T) {
			resp := &protocol.GroupKeyResponse{
				RequestID:          tc.requestID,
				StreamID:           tc.streamID,
				EncryptedGroupKeys: []protocol.EncryptedGroupKey{enc},
			}
			require.NoError(t, sub.coord.Handle(ctx, fromPeer(tc.sender, protocol.MessageTypeGroupKeyResponse, resp.Marshal())))
			assert.Empty(t, sub.keys)
			assert.False(t, sub.store.Has(tc.streamID, key.ID()))
		})
	}

	resp := &protocol.GroupKeyResponse{
		RequestID:          req.RequestID,
		StreamID:           "orders",
		EncryptedGroupKeys: []protocol.EncryptedGroupKey{enc},
	}
	answer := fromPeer("Pub", protocol.MessageTypeGroupKeyResponse, resp.Marshal())
	require.NoError(t, sub.coord.Handle(ctx, answer))
	assert.True(t, sub.store.Has("orders", key.ID()), "the genuine answer still matches")
	require.Len(t, sub.keys, 1)

	require.NoError(t, sub.coord.Handle(ctx, answer))
	assert.Len(t, sub.keys, 1, "a request is answered once")
}

func TestResponse_ExpiredRequestIgnored(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: time.Unix(1_000, 0)}
	pub := newPeer(t, "pub", nil, nil)
	sub := newPeer(t, "sub", nil, clk)
	k1, _, err := pub.store.UseGroupKey("orders")
	require.NoError(t, err)

	require.NoError(t, sub.coord.RequestGroupKeys(ctx, "orders", "pub", []string{k1.ID()}))
	deliver(t, sub, pub)
	clk.t = clk.t.Add(DefaultRequestTTL + time.Second)
	require.Equal(t, 1, deliver(t, pub, sub))

	assert.False(t, sub.store.Has("orders", k1.ID()))
	assert.Empty(t, sub.keys)
}

func TestErrorResponse_UnsolicitedNotForwarded(t *testing.T) {
	sub := newPeer(t, "sub", nil, nil)
	resp := &protocol.GroupKeyErrorResponse{
		RequestID:   "forged",
		StreamID:    "orders",
		Code:        protocol.ErrorCodeSubscriberNotPermitted,
		GroupKeyIDs: []string{"k1"},
	}
	msg := fromPeer("pub", protocol.MessageTypeGroupKeyErrorResponse, resp.Marshal())
	require.NoError(t, sub.coord.Handle(context.Background(), msg))
	assert.Empty(t, sub.errs)
}

func TestAnnounce_FromUnaskedPublisherIgnored(t *testing.T) {
	ctx := context.Background()
	sub := newPeer(t, "sub", nil, nil)
	key, enc := sealedKey(t, sub)
	announce := &protocol.GroupKeyAnnounce{StreamID: "orders", EncryptedGroupKeys: []protocol.EncryptedGroupKey{enc}}
	msg := fromPeer("mallory", protocol.MessageTypeGroupKeyAnnounce, announce.Marshal())

	require.NoError(t, sub.coord.Handle(ctx, msg))
	assert.False(t, sub.store.Has("orders", key.ID()))
	assert.Empty(t, sub.keys)

	require.NoError(t, sub.coord.RequestGroupKeys(ctx, "payments", "mallory", []string{"k0"}))
	require.NoError(t, sub.coord.Handle(ctx, msg))
	assert.False(t, sub.store.Has("orders", key.ID()), "asking on another stream does not count")

	require.NoError(t, sub.coord.RequestGroupKeys(ctx, "orders", "mallory", []string{"k0"}))
	require.NoError(t, sub.coord.Handle(ctx, msg))
	assert.True(t, sub.store.Has("orders", key.ID()))
	require.Len(t, sub.keys, 1)
	assert.Equal(t, keyEvent{"orders", "mallory", []string{key.ID()}}, sub.keys[0])
}

func TestEncrypt_PiggyBacksRotation(t *testing.T) {
	ctx := context.Background()
	pub := newPeer(t, "pub", nil, nil)
	engine := encryption.New()
	chainer := protocol.NewMessageChainer("pub")

	plain := func(content string) *protocol.StreamMessage {
		id, prev := chainer.Next("orders", 0, time.Now())
		return protocol.NewStreamMessage(id, prev, []byte(content))
	}

	m1, err := pub.coord.Encrypt(plain("one"))
	require.NoError(t, err)
	k1, ok := pub.store.Get("orders", m1.GroupKeyID)
	require.True(t, ok)
	assert.Nil(t, m1.NewGroupKey)

	k2, err := pub.coord.Rotate(ctx, "orders")
	require.NoError(t, err)

	m2, err := pub.coord.Encrypt(plain("two"))
	require.NoError(t, err)
	assert.Equal(t, k1.ID(), m2.GroupKeyID)
	require.NotNil(t, m2.NewGroupKey)

	out, next, err := engine.DecryptStreamMessage(m2, k1)
	require.NoError(t, err)
	assert.Equal(t, "two", string(out.Content))
	require.NotNil(t, next)
	assert.Equal(t, k2.ID(), next.ID())

	m3, err := pub.coord.Encrypt(plain("three"))
	require.NoError(t, err)
	assert.Equal(t, k2.ID(), m3.GroupKeyID)
}

func TestPublishFailure_IsReturned(t *testing.T) {
	sub := newPeer(t, "sub", nil, nil)
	sub.out.err = errors.New("offline")
	err := sub.coord.RequestGroupKeys(context.Background(), "orders", "pub", []string{"k"})
	assert.Error(t, err)
}

var _ transport.Publisher = (*outbox)(nil)
