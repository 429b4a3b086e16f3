package encryption

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

// PublicKeyLength is the size of a curve25519 public key.
const PublicKeyLength = 32

// ErrInvalidPublicKey is returned when a public key has the wrong size
var ErrInvalidPublicKey = errors.New("invalid public key")

// KeyPair is the asymmetric key pair a subscriber uses to receive group keys.
type KeyPair struct {
	public  *[32]byte
	private *[32]byte
}

// GenerateKeyPair creates a new random curve25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return &KeyPair{public: pub, private: priv}, nil
}

// PublicKey returns a copy of the public key bytes.
func (kp *KeyPair) PublicKey() []byte {
	out := make([]byte, PublicKeyLength)
	copy(out, kp.public[:])
	return out
}

// PublicKeyHex returns the public key hex encoded.
func (kp *KeyPair) PublicKeyHex() string {
	return hex.EncodeToString(kp.public[:])
}

func toKey(b []byte) (*[32]byte, error) {
	if len(b) != PublicKeyLength {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidPublicKey, len(b), PublicKeyLength)
	}
	var k [32]byte
	copy(k[:], b)
	return &k, nil
}
