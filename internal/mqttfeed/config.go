package mqttfeed

import (
	"errors"
	"time"
)

// Config holds the MQTT push channel settings.
type Config struct {
	// Broker is the broker URL, e.g. "tcp://broker.local:1883" or "ssl://...".
	Broker string `yaml:"broker"`

	// ClientID identifies this client to the broker.
	// Default: "devlink"
	ClientID string `yaml:"client_id"`

	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// StatusTopic carries status payloads for the device (required).
	StatusTopic string `yaml:"status_topic"`

	// QoS is the subscription quality of service (0, 1 or 2).
	QoS int `yaml:"qos"`

	// ConnectTimeout bounds the initial connect and the subscribe handshake.
	// Default: 10s
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// KeepAlive is the MQTT keepalive interval.
	// Default: 60s
	KeepAlive time.Duration `yaml:"keep_alive"`
}

// DefaultClientID is the default MQTT client identifier.
const DefaultClientID = "devlink"

// DefaultConnectTimeout is the default connect timeout.
const DefaultConnectTimeout = 10 * time.Second

// DefaultKeepAlive is the default keepalive interval.
const DefaultKeepAlive = 60 * time.Second

// ApplyDefaults sets default values for zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.ClientID == "" {
		c.ClientID = DefaultClientID
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = DefaultKeepAlive
	}
}

// Validate checks that configuration values are acceptable.
func (c *Config) Validate() error {
	if c.Broker == "" {
		return errors.New("mqttfeed: config: Broker is required")
	}
	if c.StatusTopic == "" {
		return errors.New("mqttfeed: config: StatusTopic is required")
	}
	if c.QoS < 0 || c.QoS > 2 {
		return errors.New("mqttfeed: config: QoS must be 0, 1 or 2")
	}
	if c.ConnectTimeout < 0 || c.KeepAlive < 0 {
		return errors.New("mqttfeed: config: durations must not be negative")
	}
	return nil
}
