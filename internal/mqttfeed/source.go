// Package mqttfeed receives device status over MQTT.
package mqttfeed

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/plexsphere/devlink/internal/linkstate"
)

var (
	// ErrConnectionFailed is returned when the broker cannot be reached.
	ErrConnectionFailed = errors.New("mqttfeed: connection failed")

	// ErrSubscribeFailed is returned when the status topic cannot be subscribed.
	ErrSubscribeFailed = errors.New("mqttfeed: subscribe failed")

	// ErrConnectionLost is returned when an established connection drops.
	ErrConnectionLost = errors.New("mqttfeed: connection lost")

	// ErrInvalidPayload is returned by ParseStatus for unusable messages.
	ErrInvalidPayload = errors.New("mqttfeed: invalid payload")
)

// disconnectQuiesce is the time in milliseconds allowed for in-flight work
// on disconnect.
const disconnectQuiesce = 250

// client is the subset of pahomqtt.Client used by Source.
type client interface {
	Connect() pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	Disconnect(quiesce uint)
}

// Source is an MQTT push channel. Each Run opens a fresh session; paho's
// own reconnect is disabled so the listener's backoff applies.
type Source struct {
	cfg       Config
	logger    *slog.Logger
	newClient func(*pahomqtt.ClientOptions) client
}

// New creates a Source. Config defaults are applied automatically.
func New(cfg Config, logger *slog.Logger) *Source {
	cfg.ApplyDefaults()
	return &Source{
		cfg:    cfg,
		logger: logger.With("component", "mqttfeed", "topic", cfg.StatusTopic),
		newClient: func(opts *pahomqtt.ClientOptions) client {
			return pahomqtt.NewClient(opts)
		},
	}
}

// Name implements events.Source.
func (s *Source) Name() string { return "mqtt" }

// Run implements events.Source. It blocks until ctx is cancelled or the
// connection is lost.
func (s *Source) Run(ctx context.Context, emit func(linkstate.Status)) error {
	lost := make(chan error, 1)
	opts := s.clientOptions()
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		select {
		case lost <- err:
		default:
		}
	})

	c := s.newClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(s.cfg.ConnectTimeout) {
		// The attempt may still complete in the background.
		c.Disconnect(disconnectQuiesce)
		return fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, s.cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	defer c.Disconnect(disconnectQuiesce)

	token = c.Subscribe(s.cfg.StatusTopic, byte(s.cfg.QoS), func(_ pahomqtt.Client, msg pahomqtt.Message) {
		st, err := ParseStatus(msg.Payload())
		if err != nil {
			s.logger.Warn("dropping status message", "error", err)
			return
		}
		emit(st)
	})
	if !token.WaitTimeout(s.cfg.ConnectTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrSubscribeFailed, s.cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}

	s.logger.Info("subscribed to status topic", "broker", s.cfg.Broker)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-lost:
		return fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}
}

// clientOptions builds paho options from the config.
func (s *Source) clientOptions() *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(s.cfg.Broker)
	opts.SetClientID(s.cfg.ClientID)
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetConnectTimeout(s.cfg.ConnectTimeout)
	opts.SetKeepAlive(s.cfg.KeepAlive)
	opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	return opts
}

// statusPayload is the wire form of a status message. Connected is
// required; a missing ready field means not ready.
type statusPayload struct {
	Connected *bool `json:"connected"`
	Ready     bool  `json:"ready"`
}

// ParseStatus decodes a status message payload.
func ParseStatus(payload []byte) (linkstate.Status, error) {
	var p statusPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return linkstate.Status{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if p.Connected == nil {
		return linkstate.Status{}, fmt.Errorf("%w: missing connected field", ErrInvalidPayload)
	}
	return linkstate.Status{Connected: *p.Connected, Ready: p.Ready}, nil
}
