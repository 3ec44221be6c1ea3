package events

import (
	"errors"
	"time"
)

// Config holds the reconnect policy for push sources.
// Config is passed as a constructor argument; no file I/O in this package.
type Config struct {
	// BaseInterval is the first reconnect delay after a failure.
	// Default: 1s
	BaseInterval time.Duration `yaml:"base_interval"`

	// MaxInterval caps the exponential backoff.
	// Default: 60s
	MaxInterval time.Duration `yaml:"max_interval"`

	// Multiplier grows the delay after each consecutive failure.
	// Default: 2.0
	Multiplier float64 `yaml:"multiplier"`

	// JitterFraction randomizes each delay by plus or minus this fraction.
	// Default: 0.25
	JitterFraction float64 `yaml:"jitter_fraction"`
}

// DefaultBaseInterval is the default first reconnect delay.
const DefaultBaseInterval = 1 * time.Second

// DefaultMaxInterval is the default backoff cap.
const DefaultMaxInterval = 60 * time.Second

// DefaultMultiplier is the default backoff growth factor.
const DefaultMultiplier = 2.0

// DefaultJitterFraction is the default jitter fraction.
const DefaultJitterFraction = 0.25

// ApplyDefaults sets default values for zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.BaseInterval == 0 {
		c.BaseInterval = DefaultBaseInterval
	}
	if c.MaxInterval == 0 {
		c.MaxInterval = DefaultMaxInterval
	}
	if c.Multiplier == 0 {
		c.Multiplier = DefaultMultiplier
	}
	if c.JitterFraction == 0 {
		c.JitterFraction = DefaultJitterFraction
	}
}

// Validate checks that configuration values are acceptable.
func (c *Config) Validate() error {
	if c.BaseInterval <= 0 {
		return errors.New("events: config: BaseInterval must be positive")
	}
	if c.MaxInterval < c.BaseInterval {
		return errors.New("events: config: MaxInterval must not be below BaseInterval")
	}
	if c.Multiplier < 1 {
		return errors.New("events: config: Multiplier must be at least 1")
	}
	if c.JitterFraction < 0 || c.JitterFraction >= 1 {
		return errors.New("events: config: JitterFraction must be in [0, 1)")
	}
	return nil
}
