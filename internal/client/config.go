package client

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rmacdonaldsmith/eventmesh-client-go/internal/encryption"
	"github.com/rmacdonaldsmith/eventmesh-client-go/internal/keyexchange"
	"github.com/rmacdonaldsmith/eventmesh-client-go/internal/ordering"
	"github.com/rmacdonaldsmith/eventmesh-client-go/internal/scheduler"
	"github.com/rmacdonaldsmith/eventmesh-client-go/internal/subscription"
	"github.com/rmacdonaldsmith/eventmesh-client-go/pkg/membership"
	"github.com/rmacdonaldsmith/eventmesh-client-go/pkg/protocol"
	"github.com/rmacdonaldsmith/eventmesh-client-go/pkg/transport"
)

var (
	// ErrEmptyAddress is returned when the client address is empty
	ErrEmptyAddress = errors.New("client address cannot be empty")
	// ErrNilPublisher is returned when no publisher is configured
	ErrNilPublisher = errors.New("publisher cannot be nil")
)

// LoggingConfig selects the client's log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error
	Level string `yaml:"level"`
	// Format is text or json
	Format string `yaml:"format"`
}

// Config represents configuration for a Client.
// Durations in YAML use Go syntax ("5s", "10m").
type Config struct {
	// Address identifies this client as publisher and as key-exchange participant
	Address string `yaml:"address"`

	PropagationTimeout time.Duration `yaml:"propagation_timeout"`
	ResendTimeout      time.Duration `yaml:"resend_timeout"`
	MaxGapRequests     int           `yaml:"max_gap_requests"`

	MaxGroupKeyRequests int           `yaml:"max_group_key_requests"`
	KeyRequestInterval  time.Duration `yaml:"key_request_interval"`

	RevocationThreshold int           `yaml:"revocation_threshold"`
	RevocationDelay     time.Duration `yaml:"revocation_delay"`

	Logging LoggingConfig `yaml:"logging"`

	// KeyPair receives group keys; generated when nil
	KeyPair *encryption.KeyPair `yaml:"-"`

	Publisher  transport.Publisher `yaml:"-"`
	Resender   transport.Resender  `yaml:"-"`
	Membership membership.Oracle   `yaml:"-"`
	Scheduler  scheduler.Scheduler `yaml:"-"`

	// OnKeyExchangeError receives publishers' rejections of our key requests
	OnKeyExchangeError func(publisherID string, resp *protocol.GroupKeyErrorResponse) `yaml:"-"`

	Logger *slog.Logger `yaml:"-"`
}

// NewConfig creates a new Client configuration with safe defaults
func NewConfig(address string, publisher transport.Publisher, resender transport.Resender) *Config {
	c := &Config{
		Address:   address,
		Publisher: publisher,
		Resender:  resender,
	}
	c.SetDefaults()
	return c
}

// LoadConfig reads a YAML configuration file. Collaborators that cannot be expressed in YAML
// (publisher, resender, membership) must be set on the returned Config.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes a YAML configuration and applies defaults.
func ParseConfig(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.SetDefaults()
	return &c, nil
}

// SetDefaults fills zero-valued fields.
func (c *Config) SetDefaults() {
	if c.PropagationTimeout == 0 {
		c.PropagationTimeout = ordering.DefaultPropagationTimeout
	}
	if c.ResendTimeout == 0 {
		c.ResendTimeout = ordering.DefaultResendTimeout
	}
	if c.MaxGapRequests == 0 {
		c.MaxGapRequests = ordering.DefaultMaxGapRequests
	}
	if c.MaxGroupKeyRequests == 0 {
		c.MaxGroupKeyRequests = subscription.DefaultMaxGroupKeyRequests
	}
	if c.KeyRequestInterval == 0 {
		c.KeyRequestInterval = subscription.DefaultKeyRequestInterval
	}
	if c.RevocationThreshold == 0 {
		c.RevocationThreshold = keyexchange.DefaultRevocationThreshold
	}
	if c.RevocationDelay == 0 {
		c.RevocationDelay = keyexchange.DefaultRevocationDelay
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Scheduler == nil {
		c.Scheduler = scheduler.New()
	}
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	if c.Address == "" {
		return ErrEmptyAddress
	}
	if c.Publisher == nil {
		return ErrNilPublisher
	}
	if err := c.ordering().Validate(); err != nil {
		return fmt.Errorf("invalid ordering config: %w", err)
	}
	if c.MaxGroupKeyRequests < 0 {
		return fmt.Errorf("max group key requests cannot be negative: %d", c.MaxGroupKeyRequests)
	}
	if c.KeyRequestInterval <= 0 {
		return fmt.Errorf("key request interval must be positive: %v", c.KeyRequestInterval)
	}
	if c.RevocationThreshold < 0 {
		return fmt.Errorf("revocation threshold cannot be negative: %d", c.RevocationThreshold)
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}
	return nil
}

// WithMembership sets the membership oracle used to answer key requests
func (c *Config) WithMembership(oracle membership.Oracle) *Config {
	c.Membership = oracle
	return c
}

// WithKeyPair sets the client's key pair
func (c *Config) WithKeyPair(kp *encryption.KeyPair) *Config {
	c.KeyPair = kp
	return c
}

// WithScheduler sets the timer source
func (c *Config) WithScheduler(s scheduler.Scheduler) *Config {
	c.Scheduler = s
	return c
}

// WithLogger sets the logger, overriding Logging
func (c *Config) WithLogger(logger *slog.Logger) *Config {
	c.Logger = logger
	return c
}

// WithGapFill sets the gap detection timeouts and request bound
func (c *Config) WithGapFill(propagation, resend time.Duration, maxRequests int) *Config {
	c.PropagationTimeout = propagation
	c.ResendTimeout = resend
	c.MaxGapRequests = maxRequests
	return c
}

// WithKeyRequests sets the key request retry interval and bound
func (c *Config) WithKeyRequests(interval time.Duration, maxRequests int) *Config {
	c.KeyRequestInterval = interval
	c.MaxGroupKeyRequests = maxRequests
	return c
}

func (c *Config) ordering() ordering.Config {
	return ordering.Config{
		PropagationTimeout: c.PropagationTimeout,
		ResendTimeout:      c.ResendTimeout,
		MaxGapRequests:     c.MaxGapRequests,
	}
}

// NewLogger builds a slog.Logger writing to w as configured.
func NewLogger(w io.Writer, cfg LoggingConfig) (*slog.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}
