package history

import (
	"errors"
	"time"
)

// Config holds the journal settings.
type Config struct {
	// Enabled turns the journal on.
	Enabled bool `yaml:"enabled"`

	// Path is the SQLite database file. Its directory is created if missing.
	// Default: /var/lib/devlink/history.db
	Path string `yaml:"path"`

	// Retention is how long entries are kept.
	// Default: 168h
	Retention time.Duration `yaml:"retention"`

	// BufferSize is the number of entries queued for writing before new
	// ones are dropped.
	// Default: 256
	BufferSize int `yaml:"buffer_size"`
}

// DefaultPath is the default database location.
const DefaultPath = "/var/lib/devlink/history.db"

// DefaultRetention is the default retention period.
const DefaultRetention = 7 * 24 * time.Hour

// DefaultBufferSize is the default write queue length.
const DefaultBufferSize = 256

// ApplyDefaults sets default values for zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.Retention == 0 {
		c.Retention = DefaultRetention
	}
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
}

// Validate checks that configuration values are acceptable.
// A disabled journal is always valid.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Path == "" {
		return errors.New("history: config: Path is required")
	}
	if c.Retention <= 0 {
		return errors.New("history: config: Retention must be positive")
	}
	if c.BufferSize <= 0 {
		return errors.New("history: config: BufferSize must be positive")
	}
	return nil
}
