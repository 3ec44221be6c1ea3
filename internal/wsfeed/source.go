// Package wsfeed receives device status over a WebSocket.
package wsfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/plexsphere/devlink/internal/events"
	"github.com/plexsphere/devlink/internal/linkstate"
)

// Config holds the WebSocket push channel settings.
type Config struct {
	// URL is the ws:// or wss:// endpoint streaming status messages.
	URL string `yaml:"url"`

	// Token is sent as a bearer token during the handshake.
	Token string `yaml:"token"`

	// HandshakeTimeout bounds the opening handshake.
	// Default: 10s
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// PingInterval is the time between keepalive pings.
	// Default: 30s
	PingInterval time.Duration `yaml:"ping_interval"`

	// PongWait is how long the connection may stay silent before it is
	// considered dead. Must exceed PingInterval.
	// Default: 45s
	PongWait time.Duration `yaml:"pong_wait"`
}

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultPingInterval     = 30 * time.Second
	DefaultPongWait         = 45 * time.Second

	writeWait = 10 * time.Second
)

// ApplyDefaults sets default values for zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.PingInterval == 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PongWait == 0 {
		c.PongWait = DefaultPongWait
	}
}

// Validate checks that configuration values are acceptable.
func (c *Config) Validate() error {
	if c.URL == "" {
		return errors.New("wsfeed: config: URL is required")
	}
	if c.PongWait <= c.PingInterval {
		return errors.New("wsfeed: config: PongWait must exceed PingInterval")
	}
	return nil
}

// Source is a WebSocket push channel. Every text message is a status JSON
// object.
type Source struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Source. Config defaults are applied automatically.
func New(cfg Config, logger *slog.Logger) *Source {
	cfg.ApplyDefaults()
	return &Source{
		cfg:    cfg,
		logger: logger.With("component", "wsfeed"),
	}
}

// Name implements events.Source.
func (s *Source) Name() string { return "websocket" }

// Run implements events.Source. It returns nil on a normal close from the
// server and an error otherwise.
func (s *Source) Run(ctx context.Context, emit func(linkstate.Status)) error {
	header := http.Header{}
	if s.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+s.cfg.Token)
	}
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout}

	conn, resp, err := dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("wsfeed: handshake: HTTP %d: %w", resp.StatusCode, err)
			if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotFound {
				return events.Permanent(err)
			}
			return err
		}
		return fmt.Errorf("wsfeed: dial: %w", err)
	}
	s.logger.Info("websocket connected", "url", s.cfg.URL)

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.keepalive(ctx, conn, done)
	}()
	defer func() {
		close(done)
		wg.Wait()
		conn.Close()
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("wsfeed: read: %w", err)
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var st linkstate.Status
		if err := json.Unmarshal(data, &st); err != nil {
			s.logger.Warn("failed to parse message", "error", err)
			continue
		}
		emit(st)
	}
}

// keepalive sends pings until done is closed. On ctx cancellation it sends a
// close frame and unblocks the reader.
func (s *Source) keepalive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			_ = conn.SetReadDeadline(time.Now())
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}
