package api

import (
	"errors"
	"time"
)

// Config holds the configuration for the device backend client.
// Config is passed as a constructor argument; no file I/O in this package.
type Config struct {
	// BaseURL is the device service base URL (required).
	// Example: "https://devices.example.com"
	BaseURL string `yaml:"base_url"`

	// DeviceID identifies the device on the service (required).
	DeviceID string `yaml:"device_id"`

	// Token is the bearer token sent with every request.
	Token string `yaml:"token"`

	// TLSInsecureSkipVerify disables TLS certificate verification.
	// WARNING: Only use for development/testing.
	TLSInsecureSkipVerify bool `yaml:"tls_insecure_skip_verify"`

	// ConnectTimeout is the maximum time to wait for a TCP connection.
	// Default: 10s
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// RequestTimeout is the maximum time for a complete HTTP request/response cycle.
	// It does not apply to the event stream.
	// Default: 30s
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// SSEIdleTimeout is the maximum time to wait for any data on the event
	// stream before considering the connection stale and reconnecting.
	// Default: 90s
	SSEIdleTimeout time.Duration `yaml:"sse_idle_timeout"`
}

// DefaultConnectTimeout is the default TCP connect timeout.
const DefaultConnectTimeout = 10 * time.Second

// DefaultRequestTimeout is the default HTTP request timeout.
const DefaultRequestTimeout = 30 * time.Second

// DefaultSSEIdleTimeout is the default SSE idle timeout.
const DefaultSSEIdleTimeout = 90 * time.Second

// ApplyDefaults sets default values for zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.SSEIdleTimeout == 0 {
		c.SSEIdleTimeout = DefaultSSEIdleTimeout
	}
}

// Validate checks that required fields are set.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("api: config: BaseURL is required")
	}
	if c.DeviceID == "" {
		return errors.New("api: config: DeviceID is required")
	}
	if c.ConnectTimeout < 0 || c.RequestTimeout < 0 || c.SSEIdleTimeout < 0 {
		return errors.New("api: config: timeouts must not be negative")
	}
	return nil
}
