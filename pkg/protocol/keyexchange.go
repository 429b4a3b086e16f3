package protocol

import "strings"

// KeyExchangeStreamPrefix prefixes the per-address streams that carry key-exchange messages.
const KeyExchangeStreamPrefix = "SYSTEM/keyexchange/"

// KeyExchangeStreamID returns the stream on which the given address receives key-exchange messages.
func KeyExchangeStreamID(address string) string {
	return KeyExchangeStreamPrefix + strings.ToLower(address)
}

// IsKeyExchangeStream reports whether streamID is a key-exchange stream.
func IsKeyExchangeStream(streamID string) bool {
	return strings.HasPrefix(streamID, KeyExchangeStreamPrefix)
}

// Error codes carried by GroupKeyErrorResponse.
const (
	ErrorCodeSubscriberNotPermitted = "SUBSCRIBER_NOT_PERMITTED"
	ErrorCodeInvalidRequest         = "INVALID_REQUEST"
)

// GroupKeyRequest is sent by a subscriber to a publisher to obtain group keys.
type GroupKeyRequest struct {
	RequestID string
	StreamID  string

	// PublicKey is the requester's public key; the response is encrypted to it
	PublicKey []byte

	GroupKeyIDs []string
}

// GroupKeyResponse answers a GroupKeyRequest with the keys the publisher holds,
// each encrypted to the requester's public key.
type GroupKeyResponse struct {
	RequestID          string
	StreamID           string
	EncryptedGroupKeys []EncryptedGroupKey
}

// GroupKeyAnnounce pushes keys to a subscriber without a request.
// An empty EncryptedWithKeyID means the keys are encrypted to the recipient's public key,
// otherwise they are encrypted under the named group key.
type GroupKeyAnnounce struct {
	StreamID           string
	EncryptedWithKeyID string
	EncryptedGroupKeys []EncryptedGroupKey
}

// IsSymmetric reports whether the announced keys are wrapped with a previous group key.
func (a *GroupKeyAnnounce) IsSymmetric() bool {
	return a.EncryptedWithKeyID != ""
}

// GroupKeyErrorResponse rejects a GroupKeyRequest.
type GroupKeyErrorResponse struct {
	RequestID   string
	StreamID    string
	Code        string
	Message     string
	GroupKeyIDs []string
}
