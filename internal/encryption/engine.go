// Package encryption implements the content and key encryption primitives of the engine.
//
// Stream content is encrypted with AES-256-GCM under a group key; the nonce is prepended to the
// ciphertext. Group keys travel to subscribers sealed with NaCl anonymous boxes
// (x25519-xsalsa20-poly1305) addressed to the subscriber's public key, or wrapped with the
// previous group key on rotation. Both constructions authenticate, so a wrong key is detected
// rather than producing garbage.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/rmacdonaldsmith/eventmesh-client-go/pkg/protocol"
	"golang.org/x/crypto/nacl/box"
)

var (
	// ErrUnableToDecrypt is returned when ciphertext does not authenticate under the given key
	ErrUnableToDecrypt = errors.New("unable to decrypt")
	// ErrKeyMismatch is returned when a message is decrypted with a key other than the one it names
	ErrKeyMismatch = errors.New("group key does not match message")
)

// Engine performs encryption and decryption. It holds no key state and is safe for concurrent use.
type Engine struct {
	rand io.Reader
}

// New creates an Engine using crypto/rand.
func New() *Engine {
	return &Engine{rand: rand.Reader}
}

// EncryptWithGroupKey encrypts plaintext under key.
func (e *Engine) EncryptWithGroupKey(plaintext []byte, key protocol.GroupKey) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(e.rand, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// DecryptWithGroupKey decrypts ciphertext produced by EncryptWithGroupKey.
func (e *Engine) DecryptWithGroupKey(ciphertext []byte, key protocol.GroupKey) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrUnableToDecrypt)
	}
	nonce, body := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("%w with group key %s", ErrUnableToDecrypt, key.ID())
	}
	return plaintext, nil
}

// EncryptWithPublicKey seals plaintext to the holder of publicKey.
func (e *Engine) EncryptWithPublicKey(plaintext, publicKey []byte) ([]byte, error) {
	recipient, err := toKey(publicKey)
	if err != nil {
		return nil, err
	}
	out, err := box.SealAnonymous(nil, plaintext, recipient, e.rand)
	if err != nil {
		return nil, fmt.Errorf("failed to seal: %w", err)
	}
	return out, nil
}

// DecryptWithPrivateKey opens a box sealed to kp's public key.
func (e *Engine) DecryptWithPrivateKey(ciphertext []byte, kp *KeyPair) ([]byte, error) {
	out, ok := box.OpenAnonymous(nil, ciphertext, kp.public, kp.private)
	if !ok {
		return nil, fmt.Errorf("%w with private key", ErrUnableToDecrypt)
	}
	return out, nil
}

// EncryptGroupKey wraps key under another group key.
func (e *Engine) EncryptGroupKey(key, with protocol.GroupKey) (protocol.EncryptedGroupKey, error) {
	ct, err := e.EncryptWithGroupKey(key.Material(), with)
	if err != nil {
		return protocol.EncryptedGroupKey{}, err
	}
	return protocol.EncryptedGroupKey{ID: key.ID(), Ciphertext: ct, ValidFrom: key.ValidFrom()}, nil
}

// DecryptGroupKey unwraps a key wrapped by EncryptGroupKey.
func (e *Engine) DecryptGroupKey(enc protocol.EncryptedGroupKey, with protocol.GroupKey) (protocol.GroupKey, error) {
	material, err := e.DecryptWithGroupKey(enc.Ciphertext, with)
	if err != nil {
		return protocol.GroupKey{}, err
	}
	return protocol.NewGroupKey(enc.ID, material, enc.ValidFrom)
}

// EncryptGroupKeyForRecipient seals key to a recipient's public key.
func (e *Engine) EncryptGroupKeyForRecipient(key protocol.GroupKey, publicKey []byte) (protocol.EncryptedGroupKey, error) {
	ct, err := e.EncryptWithPublicKey(key.Material(), publicKey)
	if err != nil {
		return protocol.EncryptedGroupKey{}, err
	}
	return protocol.EncryptedGroupKey{ID: key.ID(), Ciphertext: ct, ValidFrom: key.ValidFrom()}, nil
}

// DecryptGroupKeyWithPrivateKey opens a key sealed by EncryptGroupKeyForRecipient.
func (e *Engine) DecryptGroupKeyWithPrivateKey(enc protocol.EncryptedGroupKey, kp *KeyPair) (protocol.GroupKey, error) {
	material, err := e.DecryptWithPrivateKey(enc.Ciphertext, kp)
	if err != nil {
		return protocol.GroupKey{}, err
	}
	return protocol.NewGroupKey(enc.ID, material, enc.ValidFrom)
}

// EncryptStreamMessage returns a symmetric-encrypted copy of msg under key.
// When next is non-nil it is wrapped under key and piggy-backed on the message.
func (e *Engine) EncryptStreamMessage(msg *protocol.StreamMessage, key protocol.GroupKey, next *protocol.GroupKey) (*protocol.StreamMessage, error) {
	if msg.IsEncrypted() {
		return nil, fmt.Errorf("message %s is already encrypted", msg.MessageID)
	}
	ct, err := e.EncryptWithGroupKey(msg.Content, key)
	if err != nil {
		return nil, err
	}
	out := msg.Copy()
	out.Content = ct
	out.EncryptionType = protocol.EncryptionSymmetric
	out.GroupKeyID = key.ID()
	if next != nil {
		wrapped, err := e.EncryptGroupKey(*next, key)
		if err != nil {
			return nil, err
		}
		out.NewGroupKey = &wrapped
	}
	return out, nil
}

// DecryptStreamMessage returns the plaintext copy of msg and, if the message carried one,
// the piggy-backed next group key. key must be the key msg.GroupKeyID names.
func (e *Engine) DecryptStreamMessage(msg *protocol.StreamMessage, key protocol.GroupKey) (*protocol.StreamMessage, *protocol.GroupKey, error) {
	if msg.EncryptionType != protocol.EncryptionSymmetric {
		return nil, nil, fmt.Errorf("%w: message %s is not symmetric-encrypted", ErrUnableToDecrypt, msg.MessageID)
	}
	if msg.GroupKeyID != key.ID() {
		return nil, nil, fmt.Errorf("%w: message names %s, got %s", ErrKeyMismatch, msg.GroupKeyID, key.ID())
	}
	plaintext, err := e.DecryptWithGroupKey(msg.Content, key)
	if err != nil {
		return nil, nil, err
	}
	var next *protocol.GroupKey
	if msg.NewGroupKey != nil {
		k, err := e.DecryptGroupKey(*msg.NewGroupKey, key)
		if err != nil {
			return nil, nil, fmt.Errorf("piggy-backed key %s: %w", msg.NewGroupKey.ID, err)
		}
		next = &k
	}
	return msg.WithContent(plaintext), next, nil
}

func newAEAD(key protocol.GroupKey) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key.Material())
	if err != nil {
		return nil, fmt.Errorf("invalid group key %s: %w", key.ID(), err)
	}
	return cipher.NewGCM(block)
}
