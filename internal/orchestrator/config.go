package orchestrator

import (
	"errors"
	"time"

	"github.com/plexsphere/devlink/internal/linkstate"
)

// Config holds operation settings for one device.
type Config struct {
	// ConnectTimeout bounds a connect operation from lock acquisition.
	// Default: 45s
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// DisconnectTimeout bounds a disconnect operation.
	// Default: 10s
	DisconnectTimeout time.Duration `yaml:"disconnect_timeout"`

	// ForceWakeup asks the backend to wake a sleeping device on connect.
	// Nil means true.
	ForceWakeup *bool `yaml:"force_wakeup"`

	// ConflictThreshold is the number of consecutive pulls contradicting the
	// goal after which an accepted operation is abandoned. Negative disables.
	// Default: 20
	ConflictThreshold int `yaml:"conflict_threshold"`
}

// DefaultConnectTimeout is the default upper bound of a connect operation.
const DefaultConnectTimeout = 45 * time.Second

// DefaultDisconnectTimeout is the default upper bound of a disconnect operation.
const DefaultDisconnectTimeout = 10 * time.Second

// DefaultConflictThreshold is the default number of contradicting pulls
// tolerated after an action was accepted.
const DefaultConflictThreshold = 20

// BoolPtr returns a pointer to v.
func BoolPtr(v bool) *bool { return &v }

// ApplyDefaults sets default values for zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.DisconnectTimeout == 0 {
		c.DisconnectTimeout = DefaultDisconnectTimeout
	}
	if c.ForceWakeup == nil {
		c.ForceWakeup = BoolPtr(true)
	}
	if c.ConflictThreshold == 0 {
		c.ConflictThreshold = DefaultConflictThreshold
	}
}

// Validate checks that configuration values are acceptable.
func (c *Config) Validate() error {
	if c.ConnectTimeout <= 0 {
		return errors.New("orchestrator: config: ConnectTimeout must be positive")
	}
	if c.DisconnectTimeout <= 0 {
		return errors.New("orchestrator: config: DisconnectTimeout must be positive")
	}
	if c.ConnectTimeout < c.DisconnectTimeout {
		return errors.New("orchestrator: config: ConnectTimeout must not be below DisconnectTimeout")
	}
	return nil
}

func (c *Config) timeout(kind linkstate.OperationKind) time.Duration {
	if kind == linkstate.KindDisconnect {
		return c.DisconnectTimeout
	}
	return c.ConnectTimeout
}

func (c *Config) forceWakeup() bool {
	return c.ForceWakeup == nil || *c.ForceWakeup
}
