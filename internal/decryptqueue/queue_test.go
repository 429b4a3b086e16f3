package decryptqueue

import (
	"testing"

	"github.com/rmacdonaldsmith/eventmesh-client-go/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(pub, chain string, ts int64, keyID string) *protocol.StreamMessage {
	id := protocol.MessageID{StreamID: "s", Timestamp: ts, PublisherID: pub, MsgChainID: chain}
	m := protocol.NewStreamMessage(id, nil, []byte("x"))
	if keyID != "" {
		m.EncryptionType = protocol.EncryptionSymmetric
		m.GroupKeyID = keyID
	}
	return m
}

func timestamps(msgs []*protocol.StreamMessage) []int64 {
	out := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.MessageID.Timestamp)
	}
	return out
}

func TestQueue_DrainReturnsMatchingPrefixInOrder(t *testing.T) {
	q := New()
	q.Enqueue(msg("p1", "c1", 1, "k1"))
	q.Enqueue(msg("p1", "c1", 2, "k1"))
	q.Enqueue(msg("p1", "c1", 3, "k2"))
	q.Enqueue(msg("p1", "c1", 4, "k1"))

	drained := q.Drain("p1", "k1")

	assert.Equal(t, []int64{1, 2}, timestamps(drained))
	assert.Equal(t, 2, q.Len())
	assert.True(t, q.HasPending(protocol.ChainKey{PublisherID: "p1", MsgChainID: "c1"}))
	assert.Equal(t, []string{"k1", "k2"}, q.PendingKeyIDs("p1"))

	drained = q.Drain("p1", "k2", "k1")
	assert.Equal(t, []int64{3, 4}, timestamps(drained))
	assert.True(t, q.IsEmpty())
	assert.Empty(t, q.PendingKeyIDs("p1"), "emptied chains are pruned")
}

func TestQueue_DrainUnrelatedKeyIsNoop(t *testing.T) {
	q := New()
	q.Enqueue(msg("p1", "c1", 1, "k1"))

	assert.Empty(t, q.Drain("p1", "other"))
	assert.Empty(t, q.Drain("p2", "k1"), "other publishers are untouched")
	assert.Equal(t, 1, q.Len())
}

func TestQueue_ChainsDrainIndependently(t *testing.T) {
	q := New()
	q.Enqueue(msg("p1", "a", 1, "k1"))
	q.Enqueue(msg("p1", "b", 2, "k2"))
	q.Enqueue(msg("p1", "b", 3, "k1"))
	q.Enqueue(msg("p1", "a", 4, "k1"))

	drained := q.Drain("p1", "k1")

	assert.Equal(t, []int64{1, 4}, timestamps(drained), "chain b is blocked on k2")
	assert.False(t, q.HasPending(protocol.ChainKey{PublisherID: "p1", MsgChainID: "a"}))
	assert.True(t, q.HasPending(protocol.ChainKey{PublisherID: "p1", MsgChainID: "b"}))
}

func TestQueue_UnencryptedBehindEncryptedDrainsWithIt(t *testing.T) {
	q := New()
	q.Enqueue(msg("p1", "c1", 1, "k1"))
	q.Enqueue(msg("p1", "c1", 2, ""))
	q.Enqueue(msg("p1", "c1", 3, "k2"))

	drained := q.Drain("p1", "k1")
	require.Len(t, drained, 2)
	assert.False(t, drained[1].IsEncrypted())
	assert.Equal(t, []string{"k2"}, q.PendingKeyIDs("p1"))

	q.Clear()
	assert.True(t, q.IsEmpty())
}
