package agent

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/plexsphere/devlink/internal/api"
	"github.com/plexsphere/devlink/internal/events"
	"github.com/plexsphere/devlink/internal/history"
	"github.com/plexsphere/devlink/internal/mqttfeed"
	"github.com/plexsphere/devlink/internal/orchestrator"
	"github.com/plexsphere/devlink/internal/poller"
	"github.com/plexsphere/devlink/internal/statusapi"
	"github.com/plexsphere/devlink/internal/telemetry"
	"github.com/plexsphere/devlink/internal/wsfeed"
)

// DefaultLogLevel is the default log level.
const DefaultLogLevel = "info"

// PushConfig selects the push channels and their reconnect policy.
type PushConfig struct {
	// SSE enables the backend event stream.
	// Default: true
	SSE *bool `yaml:"sse"`

	Reconnect events.Config `yaml:"reconnect"`
}

// SSEEnabled reports whether the backend event stream is used.
func (c *PushConfig) SSEEnabled() bool {
	return c.SSE == nil || *c.SSE
}

// AgentConfig is the top-level configuration of the devlink daemon. It
// aggregates all subsystem configurations and is populated from a YAML file
// via ParseConfig.
type AgentConfig struct {
	// LogLevel is the log level: "debug", "info", "warn", "error".
	// Default: "info"
	LogLevel string `yaml:"log_level"`

	Device    orchestrator.Config `yaml:"device"`
	Poll      poller.Config       `yaml:"poll"`
	Push      PushConfig          `yaml:"push"`
	API       api.Config          `yaml:"api"`
	MQTT      mqttfeed.Config     `yaml:"mqtt"`
	WebSocket wsfeed.Config       `yaml:"websocket"`
	History   history.Config      `yaml:"history"`
	Telemetry telemetry.Config    `yaml:"telemetry"`
	StatusAPI statusapi.Config    `yaml:"status_api"`
}

// MQTTEnabled reports whether an MQTT broker is configured.
func (c *AgentConfig) MQTTEnabled() bool { return c.MQTT.Broker != "" }

// WebSocketEnabled reports whether a WebSocket push endpoint is configured.
func (c *AgentConfig) WebSocketEnabled() bool { return c.WebSocket.URL != "" }

// ApplyDefaults sets default values for zero-valued fields.
func (c *AgentConfig) ApplyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	c.Device.ApplyDefaults()
	c.Poll.ApplyDefaults()
	c.Push.Reconnect.ApplyDefaults()
	c.API.ApplyDefaults()
	c.MQTT.ApplyDefaults()
	c.WebSocket.ApplyDefaults()
	c.History.ApplyDefaults()
	c.Telemetry.ApplyDefaults()
	c.StatusAPI.ApplyDefaults()
}

// Validate checks that required fields are set and values are acceptable.
// Optional push channels are only validated when configured.
func (c *AgentConfig) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("agent: config: invalid log_level %q", c.LogLevel)
	}
	if err := c.Device.Validate(); err != nil {
		return err
	}
	if err := c.Poll.Validate(); err != nil {
		return err
	}
	if err := c.Push.Reconnect.Validate(); err != nil {
		return err
	}
	if err := c.API.Validate(); err != nil {
		return err
	}
	if c.MQTTEnabled() {
		if err := c.MQTT.Validate(); err != nil {
			return err
		}
	}
	if c.WebSocketEnabled() {
		if err := c.WebSocket.Validate(); err != nil {
			return err
		}
	}
	if err := c.History.Validate(); err != nil {
		return err
	}
	if err := c.Telemetry.Validate(); err != nil {
		return err
	}
	return c.StatusAPI.Validate()
}

// ParseConfig reads a YAML configuration file and returns an AgentConfig.
// It applies defaults and validates the configuration.
func ParseConfig(path string) (*AgentConfig, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig reads the YAML file at path and applies defaults without
// validating, so callers can layer overrides before calling Validate.
func LoadConfig(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("agent: config: read %s: %w", path, err)
	}
	var cfg AgentConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("agent: config: parse %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}
