// Package protocol defines the message model shared by every EventMesh client component.
//
// This package defines the core abstractions for the subscription engine:
//   - MessageID / MessageRef: identity and total order of a message within its chain
//   - StreamMessage: one message on a (stream, partition), optionally encrypted
//   - GroupKey / EncryptedGroupKey: symmetric stream keys and their wire form
//   - GroupKeyRequest / GroupKeyResponse / GroupKeyAnnounce / GroupKeyErrorResponse:
//     the key-exchange payloads carried inside StreamMessage.Content
//   - MessageChainer: builds the chained MessageIDs of one publisher's chain
//
// A chain is the strictly ordered sequence produced by one (PublisherID, MsgChainID) pair
// within a partition. Each message links to its predecessor through PrevMsgRef, which is how
// the ordering layer detects gaps.
//
// Example usage:
//
//	chainer := protocol.NewMessageChainer("0xpublisher")
//	id, prev := chainer.Next("orders", 0, time.Now())
//	msg := protocol.NewStreamMessage(id, prev, []byte(`{"n":1}`))
//
//	// Key-exchange payloads travel on the recipient's key-exchange stream
//	req := &protocol.GroupKeyRequest{RequestID: "r1", StreamID: "orders", GroupKeyIDs: []string{"k1"}}
//	content := req.Marshal()
//	decoded, err := protocol.UnmarshalGroupKeyRequest(content)
//
// StreamMessage wire serialisation and signatures are handled outside this module; the
// Signature field is carried opaquely.
package protocol
