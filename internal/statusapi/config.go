package statusapi

import (
	"errors"
	"time"
)

// Config holds the configuration for the local status API.
type Config struct {
	// SocketPath is the path to the Unix domain socket.
	// Default: /run/devlink/devlink.sock
	SocketPath string `yaml:"socket_path"`

	// SocketGroup owns the socket file (mode 0660). When the group does not
	// exist the socket is world-accessible.
	// Default: devlink
	SocketGroup string `yaml:"socket_group"`

	// ControlGroup, when set, restricts connect and disconnect over the Unix
	// socket to root and members of this group. Linux only.
	ControlGroup string `yaml:"control_group"`

	// HTTPEnabled enables the optional TCP listener.
	HTTPEnabled bool `yaml:"http_enabled"`

	// HTTPListen is the TCP listen address.
	// Default: 127.0.0.1:9180
	HTTPListen string `yaml:"http_listen"`

	// HTTPTokenFile holds the bearer token required on the TCP listener.
	HTTPTokenFile string `yaml:"http_token_file"`

	// ShutdownTimeout bounds the graceful shutdown.
	// Default: 5s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// WatchPingInterval is the keepalive interval on watch streams.
	// Default: 30s
	WatchPingInterval time.Duration `yaml:"watch_ping_interval"`
}

const (
	DefaultSocketPath        = "/run/devlink/devlink.sock"
	DefaultSocketGroup       = "devlink"
	DefaultHTTPListen        = "127.0.0.1:9180"
	DefaultShutdownTimeout   = 5 * time.Second
	DefaultWatchPingInterval = 30 * time.Second
)

// ApplyDefaults sets default values for zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.SocketPath == "" {
		c.SocketPath = DefaultSocketPath
	}
	if c.SocketGroup == "" {
		c.SocketGroup = DefaultSocketGroup
	}
	if c.HTTPListen == "" {
		c.HTTPListen = DefaultHTTPListen
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.WatchPingInterval == 0 {
		c.WatchPingInterval = DefaultWatchPingInterval
	}
}

// Validate checks that required fields are set and values are acceptable.
func (c *Config) Validate() error {
	if c.SocketPath == "" {
		return errors.New("statusapi: config: SocketPath is required")
	}
	if c.HTTPEnabled && c.HTTPTokenFile == "" {
		return errors.New("statusapi: config: HTTPTokenFile is required when HTTPEnabled")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("statusapi: config: ShutdownTimeout must be positive")
	}
	if c.WatchPingInterval <= 0 {
		return errors.New("statusapi: config: WatchPingInterval must be positive")
	}
	return nil
}
