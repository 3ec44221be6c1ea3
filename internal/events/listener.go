// Package events adapts push channels into timestamped snapshots and keeps
// them connected with exponential backoff.
package events

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/plexsphere/devlink/internal/clock"
	"github.com/plexsphere/devlink/internal/linkstate"
)

// Source is a push channel. Run blocks while the channel is connected and
// calls emit once per received status message. It returns nil when the
// channel closes cleanly and an error when it fails.
type Source interface {
	Name() string
	Run(ctx context.Context, emit func(linkstate.Status)) error
}

// Sink receives every push snapshot.
type Sink func(linkstate.Snapshot)

// permanentError marks a source failure that must not be retried.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the listener stops reconnecting.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Listener runs a push Source, stamps every message with its arrival time and
// forwards it. It does not buffer or deduplicate; ordering is left to the
// reconciler.
type Listener struct {
	cfg    Config
	source Source
	sink   Sink
	clock  clock.Clock
	logger *slog.Logger

	mu              sync.Mutex
	currentInterval time.Duration
}

// NewListener creates a Listener. Config defaults are applied automatically.
func NewListener(cfg Config, source Source, sink Sink, logger *slog.Logger) *Listener {
	cfg.ApplyDefaults()
	return &Listener{
		cfg:             cfg,
		source:          source,
		sink:            sink,
		clock:           clock.Real{},
		logger:          logger.With("component", "events", "source", source.Name()),
		currentInterval: cfg.BaseInterval,
	}
}

// SetClock sets a custom clock implementation for testing.
// SetClock must be called before Run.
func (l *Listener) SetClock(c clock.Clock) {
	l.clock = c
}

// Run keeps the source connected until ctx is cancelled or the source
// reports a permanent failure.
func (l *Listener) Run(ctx context.Context) error {
	l.resetBackoff()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := l.source.Run(ctx, l.emit)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err == nil {
			l.resetBackoff()
			l.logger.Info("push channel closed, reconnecting")
		} else if IsPermanent(err) {
			l.logger.Error("permanent push failure, listener stopped", "error", err)
			return err
		}

		delay := l.jitter(l.interval())
		if err != nil {
			l.logger.Warn("push channel failed, backing off", "error", err, "delay", delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.clock.After(delay):
		}

		if err != nil {
			l.incrementInterval()
		}
	}
}

// emit stamps the status at arrival and forwards it.
func (l *Listener) emit(st linkstate.Status) {
	l.sink(linkstate.PushSnapshot(st, l.clock.Now()))
}

func (l *Listener) interval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentInterval
}

func (l *Listener) resetBackoff() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.currentInterval = l.cfg.BaseInterval
}

func (l *Listener) incrementInterval() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.currentInterval = time.Duration(
		math.Min(
			float64(l.currentInterval)*l.cfg.Multiplier,
			float64(l.cfg.MaxInterval),
		),
	)
}

// jitter adds random jitter (plus or minus JitterFraction) to a duration.
func (l *Listener) jitter(d time.Duration) time.Duration {
	jit := float64(d) * l.cfg.JitterFraction
	delta := (rand.Float64()*2 - 1) * jit
	return time.Duration(float64(d) + delta)
}
