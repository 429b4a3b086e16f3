package ordering

import (
	"errors"
	"time"
)

// Default gap-fill settings.
const (
	DefaultPropagationTimeout = 5 * time.Second
	DefaultResendTimeout      = 5 * time.Second
	DefaultMaxGapRequests     = 10
)

var (
	// ErrInvalidTimeout is returned when a gap timeout is not positive
	ErrInvalidTimeout = errors.New("gap timeouts must be positive")
	// ErrInvalidMaxGapRequests is returned when the gap request bound is negative
	ErrInvalidMaxGapRequests = errors.New("max gap requests cannot be negative")
)

// Config controls gap detection and retry for every chain of a subscription.
type Config struct {
	// PropagationTimeout is how long a gap may persist before the first resend request
	PropagationTimeout time.Duration

	// ResendTimeout is the interval between subsequent resend requests for the same gap
	ResendTimeout time.Duration

	// MaxGapRequests bounds resend requests per gap before the gap is given up
	MaxGapRequests int
}

// DefaultConfig returns the default gap-fill settings.
func DefaultConfig() Config {
	return Config{
		PropagationTimeout: DefaultPropagationTimeout,
		ResendTimeout:      DefaultResendTimeout,
		MaxGapRequests:     DefaultMaxGapRequests,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.PropagationTimeout <= 0 || c.ResendTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.MaxGapRequests < 0 {
		return ErrInvalidMaxGapRequests
	}
	return nil
}
