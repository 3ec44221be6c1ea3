// Package poller implements the pull side of device state observation: a
// loop that queries device status on an adaptive cadence.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/plexsphere/devlink/internal/clock"
	"github.com/plexsphere/devlink/internal/linkstate"
)

// StatusQuerier queries the current device status.
type StatusQuerier interface {
	GetStatus(ctx context.Context) (linkstate.Status, error)
}

// LockReader returns a copy of the operation lock currently in force.
type LockReader interface {
	Lock() linkstate.Lock
}

// Sink receives every observation produced by the poller.
type Sink func(linkstate.Snapshot)

// Poller periodically queries device status and forwards the result as a
// pull snapshot. The delay before each poll is chosen from the lock state
// read just before waiting; only one cadence is ever running.
type Poller struct {
	cfg       Config
	querier   StatusQuerier
	locks     LockReader
	sink      Sink
	clock     clock.Clock
	logger    *slog.Logger
	triggerCh chan struct{}
}

// New creates a Poller. Config defaults are applied automatically.
func New(cfg Config, querier StatusQuerier, locks LockReader, sink Sink, logger *slog.Logger) *Poller {
	cfg.ApplyDefaults()
	return &Poller{
		cfg:       cfg,
		querier:   querier,
		locks:     locks,
		sink:      sink,
		clock:     clock.Real{},
		logger:    logger.With("component", "poller"),
		triggerCh: make(chan struct{}, 1),
	}
}

// SetClock sets a custom clock implementation for testing.
// SetClock must be called before Run.
func (p *Poller) SetClock(c clock.Clock) {
	p.clock = c
}

// Trigger requests an immediate poll. Multiple rapid calls are coalesced.
func (p *Poller) Trigger() {
	select {
	case p.triggerCh <- struct{}{}:
	default:
	}
}

// Run polls once immediately and then keeps polling until ctx is cancelled.
// A failed query never stops the loop.
func (p *Poller) Run(ctx context.Context) error {
	if p.querier == nil {
		return errors.New("poller: querier is nil")
	}

	p.poll(ctx)

	for {
		delay := p.nextDelay()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.clock.After(delay):
			p.poll(ctx)
		case <-p.triggerCh:
			p.poll(ctx)
		}
	}
}

// nextDelay returns the active interval while an operation holds the lock
// and the idle interval otherwise.
func (p *Poller) nextDelay() time.Duration {
	if p.locks != nil && p.locks.Lock().Active {
		return p.cfg.ActiveInterval
	}
	return p.cfg.IdleInterval
}

// poll performs one status query and forwards the outcome.
func (p *Poller) poll(ctx context.Context) {
	issuedAt := p.clock.Now()

	qctx, cancel := context.WithTimeout(ctx, p.cfg.QueryTimeout)
	status, err := p.querier.GetStatus(qctx)
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.logger.Warn("status query failed", "error", err)
		p.sink(linkstate.PullFailure(err, issuedAt))
		return
	}

	p.logger.Debug("status polled",
		"connected", status.Connected,
		"ready", status.Ready,
	)
	p.sink(linkstate.PullSnapshot(status, issuedAt))
}
