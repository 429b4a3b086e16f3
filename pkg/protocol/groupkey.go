package protocol

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GroupKeyLength is the size in bytes of group key material (AES-256).
const GroupKeyLength = 32

// ErrInvalidGroupKey is returned when a group key has no id or wrong-sized material
var ErrInvalidGroupKey = errors.New("invalid group key")

// GroupKey is a symmetric key that encrypts stream content.
// Group keys are immutable once created; rotation produces a new key with a new id.
type GroupKey struct {
	id        string
	material  []byte
	validFrom time.Time
}

// NewGroupKey creates a GroupKey from existing material.
// The material is copied to ensure immutability.
func NewGroupKey(id string, material []byte, validFrom time.Time) (GroupKey, error) {
	if id == "" {
		return GroupKey{}, fmt.Errorf("%w: id cannot be empty", ErrInvalidGroupKey)
	}
	if len(material) != GroupKeyLength {
		return GroupKey{}, fmt.Errorf("%w: key %s has %d bytes, want %d", ErrInvalidGroupKey, id, len(material), GroupKeyLength)
	}
	return GroupKey{id: id, material: copyBytes(material), validFrom: validFrom.UTC()}, nil
}

// GenerateGroupKey creates a random GroupKey with a UUID id.
func GenerateGroupKey(now time.Time) (GroupKey, error) {
	material := make([]byte, GroupKeyLength)
	if _, err := rand.Read(material); err != nil {
		return GroupKey{}, fmt.Errorf("failed to generate key material: %w", err)
	}
	return NewGroupKey(uuid.NewString(), material, now)
}

// ID returns the key id.
func (k GroupKey) ID() string {
	return k.id
}

// Material returns a copy of the raw key bytes.
func (k GroupKey) Material() []byte {
	return copyBytes(k.material)
}

// ValidFrom returns when the key became the stream's current key.
func (k GroupKey) ValidFrom() time.Time {
	return k.validFrom
}

// IsZero reports whether k is the zero value.
func (k GroupKey) IsZero() bool {
	return k.id == ""
}

// EncryptedGroupKey is the wire form of a GroupKey, encrypted under a public key or another group key.
type EncryptedGroupKey struct {
	ID         string
	Ciphertext []byte
	// ValidFrom travels at millisecond precision; zero when the sender did not set it
	ValidFrom time.Time
}
