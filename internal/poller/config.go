package poller

import (
	"errors"
	"time"
)

// Config holds the configuration for the status poller.
// Config is passed as a constructor argument; no file I/O in this package.
type Config struct {
	// IdleInterval is the delay between polls while no operation is active.
	// Default: 30s
	IdleInterval time.Duration `yaml:"idle_interval"`

	// ActiveInterval is the delay between polls while an operation is active.
	// Default: 2s
	ActiveInterval time.Duration `yaml:"active_interval"`

	// QueryTimeout bounds a single status query.
	// Default: 5s
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// DefaultIdleInterval is the default idle poll interval.
const DefaultIdleInterval = 30 * time.Second

// DefaultActiveInterval is the default poll interval during an operation.
const DefaultActiveInterval = 2 * time.Second

// DefaultQueryTimeout is the default per-query timeout.
const DefaultQueryTimeout = 5 * time.Second

// ApplyDefaults sets default values for zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.IdleInterval == 0 {
		c.IdleInterval = DefaultIdleInterval
	}
	if c.ActiveInterval == 0 {
		c.ActiveInterval = DefaultActiveInterval
	}
	if c.QueryTimeout == 0 {
		c.QueryTimeout = DefaultQueryTimeout
	}
}

// Validate checks that configuration values are acceptable.
func (c *Config) Validate() error {
	if c.IdleInterval <= 0 {
		return errors.New("poller: config: IdleInterval must be positive")
	}
	if c.ActiveInterval <= 0 {
		return errors.New("poller: config: ActiveInterval must be positive")
	}
	if c.ActiveInterval > c.IdleInterval {
		return errors.New("poller: config: ActiveInterval must not exceed IdleInterval")
	}
	if c.QueryTimeout <= 0 {
		return errors.New("poller: config: QueryTimeout must be positive")
	}
	return nil
}
