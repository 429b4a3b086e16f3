package keyexchange

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rmacdonaldsmith/eventmesh-client-go/internal/encryption"
	"github.com/rmacdonaldsmith/eventmesh-client-go/internal/keystore"
	"github.com/rmacdonaldsmith/eventmesh-client-go/pkg/membership"
	"github.com/rmacdonaldsmith/eventmesh-client-go/pkg/transport"
)

const (
	// DefaultRevocationThreshold is how many revoked subscribers trigger a rekey
	DefaultRevocationThreshold = 5
	// DefaultRevocationDelay is the minimum time between revocation checks of one stream
	DefaultRevocationDelay = 10 * time.Minute
	// DefaultRequestTTL is how long an unanswered key request still accepts its response
	DefaultRequestTTL = 10 * time.Minute
)

var (
	ErrMissingAddress   = errors.New("address cannot be empty")
	ErrMissingKeyPair   = errors.New("key pair cannot be nil")
	ErrMissingStore     = errors.New("key store cannot be nil")
	ErrMissingPublisher = errors.New("publisher cannot be nil")
)

// Config wires a Coordinator to its collaborators.
type Config struct {
	// Address identifies this client; key-exchange traffic for it arrives on
	// protocol.KeyExchangeStreamID(Address)
	Address string

	KeyPair   *encryption.KeyPair
	Store     *keystore.Store
	Engine    *encryption.Engine
	Publisher transport.Publisher

	// Membership gates key requests and rekeys. Nil permits every requester.
	Membership membership.Oracle

	RevocationThreshold int
	RevocationDelay     time.Duration

	// RequestTTL bounds how long responses to our own key requests are accepted
	RequestTTL time.Duration

	Now    func() time.Time
	Logger *slog.Logger
}

// SetDefaults fills zero-valued optional fields.
func (c *Config) SetDefaults() {
	if c.Engine == nil {
		c.Engine = encryption.New()
	}
	if c.RevocationThreshold == 0 {
		c.RevocationThreshold = DefaultRevocationThreshold
	}
	if c.RevocationDelay == 0 {
		c.RevocationDelay = DefaultRevocationDelay
	}
	if c.RequestTTL == 0 {
		c.RequestTTL = DefaultRequestTTL
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Validate checks the required fields.
func (c *Config) Validate() error {
	switch {
	case c.Address == "":
		return ErrMissingAddress
	case c.KeyPair == nil:
		return ErrMissingKeyPair
	case c.Store == nil:
		return ErrMissingStore
	case c.Publisher == nil:
		return ErrMissingPublisher
	case c.RevocationThreshold < 0:
		return fmt.Errorf("revocation threshold cannot be negative: %d", c.RevocationThreshold)
	case c.RevocationDelay < 0:
		return fmt.Errorf("revocation delay cannot be negative: %v", c.RevocationDelay)
	case c.RequestTTL < 0:
		return fmt.Errorf("request ttl cannot be negative: %v", c.RequestTTL)
	}
	return nil
}
