package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rmacdonaldsmith/eventmesh-client-go/internal/encryption"
	"github.com/rmacdonaldsmith/eventmesh-client-go/internal/keystore"
	"github.com/rmacdonaldsmith/eventmesh-client-go/internal/ordering"
	"github.com/rmacdonaldsmith/eventmesh-client-go/internal/scheduler"
	"github.com/rmacdonaldsmith/eventmesh-client-go/pkg/subscription"
	"github.com/rmacdonaldsmith/eventmesh-client-go/pkg/transport"
)

// Default key request settings.
const (
	DefaultMaxGroupKeyRequests = 10
	DefaultKeyRequestInterval  = 5 * time.Second
)

var (
	ErrMissingStore        = errors.New("key store cannot be nil")
	ErrMissingKeyRequester = errors.New("key requester cannot be nil")
	ErrMissingResender     = errors.New("resender is required for historical and combined subscriptions")
)

// KeyRequester asks a publisher for group keys. The keys arrive later through
// Subscription.HandleGroupKeys.
type KeyRequester interface {
	RequestGroupKeys(ctx context.Context, streamID, publisherID string, keyIDs []string) error
}

// Config wires a Subscription to the shared client components.
type Config struct {
	Options subscription.Options

	Ordering ordering.Config

	// MaxGroupKeyRequests bounds how often one missing key is requested
	MaxGroupKeyRequests int
	// KeyRequestInterval is the wait between repeated requests for one missing key
	KeyRequestInterval time.Duration

	Store        *keystore.Store
	Engine       *encryption.Engine
	KeyRequester KeyRequester
	Resender     transport.Resender
	Scheduler    scheduler.Scheduler
	Logger       *slog.Logger
}

// SetDefaults fills zero-valued optional fields.
func (c *Config) SetDefaults() {
	if c.Ordering == (ordering.Config{}) {
		c.Ordering = ordering.DefaultConfig()
	}
	if c.MaxGroupKeyRequests == 0 {
		c.MaxGroupKeyRequests = DefaultMaxGroupKeyRequests
	}
	if c.KeyRequestInterval == 0 {
		c.KeyRequestInterval = DefaultKeyRequestInterval
	}
	if c.Engine == nil {
		c.Engine = encryption.New()
	}
	if c.Scheduler == nil {
		c.Scheduler = scheduler.New()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := c.Options.Validate(); err != nil {
		return err
	}
	if err := c.Ordering.Validate(); err != nil {
		return fmt.Errorf("invalid ordering config: %w", err)
	}
	if c.MaxGroupKeyRequests < 0 {
		return fmt.Errorf("max group key requests cannot be negative: %d", c.MaxGroupKeyRequests)
	}
	if c.KeyRequestInterval < 0 {
		return fmt.Errorf("key request interval cannot be negative: %v", c.KeyRequestInterval)
	}
	if c.Store == nil {
		return ErrMissingStore
	}
	if c.KeyRequester == nil {
		return ErrMissingKeyRequester
	}
	if c.Options.Kind != subscription.Realtime && c.Resender == nil {
		return ErrMissingResender
	}
	return nil
}
