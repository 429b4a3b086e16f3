package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidMessageID is returned when a required identity field is missing or malformed
	ErrInvalidMessageID = errors.New("invalid message id")
	// ErrNilMessage is returned when a nil message is provided
	ErrNilMessage = errors.New("message cannot be nil")
)

// MessageType identifies what a StreamMessage's content carries.
type MessageType int

const (
	// MessageTypeMessage is ordinary application content
	MessageTypeMessage MessageType = iota
	// MessageTypeGroupKeyRequest asks a publisher for group keys
	MessageTypeGroupKeyRequest
	// MessageTypeGroupKeyResponse answers a GroupKeyRequest
	MessageTypeGroupKeyResponse
	// MessageTypeGroupKeyAnnounce pushes new group keys to a subscriber unsolicited
	MessageTypeGroupKeyAnnounce
	// MessageTypeGroupKeyErrorResponse rejects a GroupKeyRequest
	MessageTypeGroupKeyErrorResponse
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeMessage:
		return "Message"
	case MessageTypeGroupKeyRequest:
		return "GroupKeyRequest"
	case MessageTypeGroupKeyResponse:
		return "GroupKeyResponse"
	case MessageTypeGroupKeyAnnounce:
		return "GroupKeyAnnounce"
	case MessageTypeGroupKeyErrorResponse:
		return "GroupKeyErrorResponse"
	default:
		return "Unknown"
	}
}

// EncryptionType describes how a StreamMessage's content is encrypted.
type EncryptionType int

const (
	// EncryptionNone means the content is plaintext
	EncryptionNone EncryptionType = iota
	// EncryptionAsymmetric means the content is sealed to a recipient's public key
	EncryptionAsymmetric
	// EncryptionSymmetric means the content is encrypted with the group key named by GroupKeyID
	EncryptionSymmetric
)

func (t EncryptionType) String() string {
	switch t {
	case EncryptionNone:
		return "None"
	case EncryptionAsymmetric:
		return "Asymmetric"
	case EncryptionSymmetric:
		return "Symmetric"
	default:
		return "Unknown"
	}
}

// MessageRef is the (timestamp, sequence number) pair that orders messages within a chain.
type MessageRef struct {
	Timestamp      int64
	SequenceNumber int64
}

// Compare returns -1, 0 or 1 comparing timestamp first, then sequence number.
func (r MessageRef) Compare(other MessageRef) int {
	switch {
	case r.Timestamp < other.Timestamp:
		return -1
	case r.Timestamp > other.Timestamp:
		return 1
	case r.SequenceNumber < other.SequenceNumber:
		return -1
	case r.SequenceNumber > other.SequenceNumber:
		return 1
	default:
		return 0
	}
}

// Less reports whether r sorts before other.
func (r MessageRef) Less(other MessageRef) bool {
	return r.Compare(other) < 0
}

// Next returns the smallest ref that can follow r on the same timestamp.
func (r MessageRef) Next() MessageRef {
	return MessageRef{Timestamp: r.Timestamp, SequenceNumber: r.SequenceNumber + 1}
}

func (r MessageRef) String() string {
	return fmt.Sprintf("%d:%d", r.Timestamp, r.SequenceNumber)
}

// MessageID is the immutable identity of a message.
type MessageID struct {
	StreamID        string
	StreamPartition int
	Timestamp       int64
	SequenceNumber  int64
	PublisherID     string
	MsgChainID      string
}

// Ref returns the ordering key of the message.
func (id MessageID) Ref() MessageRef {
	return MessageRef{Timestamp: id.Timestamp, SequenceNumber: id.SequenceNumber}
}

// ChainKey returns the key naming the message chain this id belongs to.
func (id MessageID) ChainKey() ChainKey {
	return ChainKey{PublisherID: id.PublisherID, MsgChainID: id.MsgChainID}
}

// Validate checks the required identity fields.
func (id MessageID) Validate() error {
	if id.StreamID == "" {
		return fmt.Errorf("%w: stream id cannot be empty", ErrInvalidMessageID)
	}
	if id.StreamPartition < 0 {
		return fmt.Errorf("%w: partition cannot be negative", ErrInvalidMessageID)
	}
	if id.PublisherID == "" {
		return fmt.Errorf("%w: publisher id cannot be empty", ErrInvalidMessageID)
	}
	if id.MsgChainID == "" {
		return fmt.Errorf("%w: message chain id cannot be empty", ErrInvalidMessageID)
	}
	if id.SequenceNumber < 0 {
		return fmt.Errorf("%w: sequence number cannot be negative", ErrInvalidMessageID)
	}
	return nil
}

func (id MessageID) String() string {
	return fmt.Sprintf("%s/%d/%d/%d/%s/%s", id.StreamID, id.StreamPartition, id.Timestamp,
		id.SequenceNumber, id.PublisherID, id.MsgChainID)
}

// ChainKey names one logical message chain.
type ChainKey struct {
	PublisherID string
	MsgChainID  string
}

func (k ChainKey) String() string {
	return k.PublisherID + "-" + k.MsgChainID
}

// StreamMessage represents a single message on a stream partition.
type StreamMessage struct {
	MessageID MessageID

	// PrevMsgRef links to the previous message of the same chain, nil when unchained
	PrevMsgRef *MessageRef

	MessageType    MessageType
	EncryptionType EncryptionType

	// GroupKeyID names the group key that encrypts Content when EncryptionType is Symmetric
	GroupKeyID string

	// Content is plaintext or ciphertext depending on EncryptionType
	Content []byte

	// NewGroupKey is a piggy-backed rotation key, encrypted with the key named by GroupKeyID
	NewGroupKey *EncryptedGroupKey

	// Signature is produced and verified outside this module
	Signature []byte
}

// NewStreamMessage creates an unencrypted content message.
// The content is copied to ensure immutability.
func NewStreamMessage(id MessageID, prev *MessageRef, content []byte) *StreamMessage {
	msg := &StreamMessage{
		MessageID:      id,
		MessageType:    MessageTypeMessage,
		EncryptionType: EncryptionNone,
		Content:        copyBytes(content),
	}
	if prev != nil {
		p := *prev
		msg.PrevMsgRef = &p
	}
	return msg
}

// Ref returns the ordering key of the message.
func (m *StreamMessage) Ref() MessageRef {
	return m.MessageID.Ref()
}

// ChainKey returns the chain this message belongs to.
func (m *StreamMessage) ChainKey() ChainKey {
	return m.MessageID.ChainKey()
}

// IsEncrypted reports whether the content needs a key before it can be read.
func (m *StreamMessage) IsEncrypted() bool {
	return m.EncryptionType != EncryptionNone
}

// Validate checks the message's contract fields.
func (m *StreamMessage) Validate() error {
	if m == nil {
		return ErrNilMessage
	}
	if err := m.MessageID.Validate(); err != nil {
		return err
	}
	if m.EncryptionType == EncryptionSymmetric && m.GroupKeyID == "" {
		return fmt.Errorf("%w: symmetric message %s has no group key id", ErrInvalidMessageID, m.MessageID)
	}
	return nil
}

// WithContent returns a copy of the message carrying the given plaintext content.
// Used after decryption; the copy is unencrypted and has no piggy-backed key.
func (m *StreamMessage) WithContent(content []byte) *StreamMessage {
	out := m.Copy()
	out.Content = copyBytes(content)
	out.EncryptionType = EncryptionNone
	out.NewGroupKey = nil
	return out
}

// Copy returns a deep copy of the message.
func (m *StreamMessage) Copy() *StreamMessage {
	out := &StreamMessage{
		MessageID:      m.MessageID,
		MessageType:    m.MessageType,
		EncryptionType: m.EncryptionType,
		GroupKeyID:     m.GroupKeyID,
		Content:        copyBytes(m.Content),
		Signature:      copyBytes(m.Signature),
	}
	if m.PrevMsgRef != nil {
		p := *m.PrevMsgRef
		out.PrevMsgRef = &p
	}
	if m.NewGroupKey != nil {
		k := EncryptedGroupKey{ID: m.NewGroupKey.ID, Ciphertext: copyBytes(m.NewGroupKey.Ciphertext)}
		out.NewGroupKey = &k
	}
	return out
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
