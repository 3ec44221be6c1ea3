// Package orchestrator keeps one authoritative view of a device's
// connection state while push and pull observations race with user
// operations.
//
// A single sequencer goroutine owns the state and the operation lock. The
// poller, the push listeners and operation goroutines hand work to it as
// closures; readers see atomically published copies.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/plexsphere/devlink/internal/clock"
	"github.com/plexsphere/devlink/internal/events"
	"github.com/plexsphere/devlink/internal/linkstate"
	"github.com/plexsphere/devlink/internal/poller"
)

// Backend is the device service consumed by the orchestrator. Connect and
// Disconnect return once the request was accepted, not when it completed.
type Backend interface {
	GetStatus(ctx context.Context) (linkstate.Status, error)
	Connect(ctx context.Context, forceWakeup bool) error
	Disconnect(ctx context.Context) error
}

// Observer receives a copy of the state after every visible change.
// Observers run on the sequencer goroutine and must not block.
type Observer func(linkstate.State)

// OperationResult describes a finished operation.
type OperationResult struct {
	Kind       linkstate.OperationKind
	StartedAt  time.Time
	FinishedAt time.Time
	Err        error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces the real clock. Used by tests.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithPollerConfig sets the pull cadence.
func WithPollerConfig(cfg poller.Config) Option {
	return func(o *Orchestrator) { o.pollCfg = cfg }
}

// WithPushSource adds a push channel. It may be given more than once.
func WithPushSource(src events.Source) Option {
	return func(o *Orchestrator) { o.sources = append(o.sources, src) }
}

// WithReconnectConfig sets the backoff policy shared by all push sources.
func WithReconnectConfig(cfg events.Config) Option {
	return func(o *Orchestrator) { o.pushCfg = cfg }
}

// Orchestrator is the connection orchestrator for one device.
type Orchestrator struct {
	cfg     Config
	backend Backend
	logger  *slog.Logger
	clock   clock.Clock

	pollCfg   poller.Config
	pushCfg   events.Config
	sources   []events.Source
	poller    *poller.Poller
	listeners []*events.Listener

	inbox   chan func()
	started atomic.Bool
	ready   chan struct{}
	stopped chan struct{}
	runCtx  context.Context
	wg      sync.WaitGroup

	// Owned by the sequencer goroutine.
	state linkstate.State
	lock  linkstate.Lock
	op    *Operation

	published     atomic.Pointer[linkstate.State]
	publishedLock atomic.Pointer[linkstate.Lock]

	obsMu     sync.Mutex
	observers map[int]Observer
	nextObsID int

	doneHooks []func(OperationResult)
}

// New creates an Orchestrator. Config defaults are applied automatically.
// The initial state is idle and disconnected.
func New(cfg Config, backend Backend, logger *slog.Logger, opts ...Option) *Orchestrator {
	cfg.ApplyDefaults()
	o := &Orchestrator{
		cfg:       cfg,
		backend:   backend,
		logger:    logger.With("component", "orchestrator"),
		clock:     clock.Real{},
		inbox:     make(chan func()),
		ready:     make(chan struct{}),
		stopped:   make(chan struct{}),
		observers: make(map[int]Observer),
	}
	for _, opt := range opts {
		opt(o)
	}

	o.poller = poller.New(o.pollCfg, backend, o, o.Observe, logger)
	o.poller.SetClock(o.clock)
	for _, src := range o.sources {
		l := events.NewListener(o.pushCfg, src, o.Observe, logger)
		l.SetClock(o.clock)
		o.listeners = append(o.listeners, l)
	}

	o.storeState()
	o.storeLock()
	return o
}

// OnOperationDone registers fn to be called after every operation finishes.
// Hooks run on the sequencer goroutine and must not block.
// OnOperationDone must be called before Run; it is not safe for concurrent use.
func (o *Orchestrator) OnOperationDone(fn func(OperationResult)) {
	o.doneHooks = append(o.doneHooks, fn)
}

// Subscribe registers an observer and returns a function that removes it.
func (o *Orchestrator) Subscribe(fn Observer) (unsubscribe func()) {
	o.obsMu.Lock()
	id := o.nextObsID
	o.nextObsID++
	o.observers[id] = fn
	o.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.obsMu.Lock()
			delete(o.observers, id)
			o.obsMu.Unlock()
		})
	}
}

// CurrentState returns the last published state.
func (o *Orchestrator) CurrentState() linkstate.State {
	return *o.published.Load()
}

// Lock returns the operation lock currently in force.
func (o *Orchestrator) Lock() linkstate.Lock {
	return *o.publishedLock.Load()
}

// Ready is closed once Run has started the sequencer.
func (o *Orchestrator) Ready() <-chan struct{} {
	return o.ready
}

// Refresh requests an immediate status query.
func (o *Orchestrator) Refresh() {
	o.poller.Trigger()
}

// Observe hands a snapshot to the reconciler. Snapshots arriving while the
// orchestrator is not running are dropped.
func (o *Orchestrator) Observe(snap linkstate.Snapshot) {
	if err := o.submit(func() { o.apply(snap) }); err != nil {
		o.logger.Debug("snapshot dropped", "source", snap.Source, "error", err)
	}
}

// Run starts the sequencer, the poller and every push listener. It blocks
// until ctx is cancelled. An operation still in flight is finished with
// ErrClosed.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.backend == nil {
		return errors.New("orchestrator: backend is nil")
	}
	if !o.started.CompareAndSwap(false, true) {
		return errors.New("orchestrator: already started")
	}

	o.runCtx = ctx
	o.logger.Info("orchestrator started",
		"connect_timeout", o.cfg.ConnectTimeout,
		"disconnect_timeout", o.cfg.DisconnectTimeout,
		"push_sources", len(o.listeners),
	)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.sequence(ctx)
	}()
	close(o.ready)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.poller.Run(ctx); err != nil && ctx.Err() == nil {
			o.logger.Error("poller stopped", "error", err)
		}
	}()

	for _, l := range o.listeners {
		o.wg.Add(1)
		go func(l *events.Listener) {
			defer o.wg.Done()
			if err := l.Run(ctx); err != nil && ctx.Err() == nil {
				o.logger.Error("push listener stopped", "error", err)
			}
		}(l)
	}

	<-ctx.Done()
	o.wg.Wait()
	o.logger.Info("orchestrator stopped")
	return ctx.Err()
}

// sequence executes inbox closures one at a time until ctx is cancelled.
func (o *Orchestrator) sequence(ctx context.Context) {
	defer close(o.stopped)
	for {
		select {
		case <-ctx.Done():
			if o.op != nil {
				o.finish(o.op, ErrClosed)
			}
			return
		case fn := <-o.inbox:
			fn()
		}
	}
}

// submit queues fn for the sequencer. A nil error means fn will run.
func (o *Orchestrator) submit(fn func()) error {
	select {
	case <-o.ready:
	default:
		return ErrClosed
	}
	select {
	case o.inbox <- fn:
		return nil
	case <-o.stopped:
		return ErrClosed
	}
}

// apply reconciles one snapshot. Must run on the sequencer.
func (o *Orchestrator) apply(snap linkstate.Snapshot) {
	next, applied := linkstate.Reconcile(o.state, snap, o.lock)
	if !applied {
		o.logger.Debug("snapshot rejected",
			"source", snap.Source,
			"observed_at", snap.ObservedAt,
			"last_applied_at", o.state.LastAppliedAt,
		)
		return
	}
	o.setState(next)

	op := o.op
	if op == nil || !op.accepted {
		return
	}
	if op.Kind.GoalReached(o.state) {
		o.finish(op, nil)
		return
	}
	o.trackConflict(op, snap)
}

// trackConflict counts consecutive successful pulls that contradict the
// goal of an accepted operation.
func (o *Orchestrator) trackConflict(op *Operation, snap linkstate.Snapshot) {
	if o.cfg.ConflictThreshold < 0 || snap.Source != linkstate.SourcePull || snap.Failed() {
		return
	}
	if snap.ObservedAt.Before(op.acceptedAt) {
		return
	}
	if !op.Kind.Contradicts(snap) {
		op.contradictions = 0
		return
	}
	op.contradictions++
	if op.contradictions >= o.cfg.ConflictThreshold {
		o.logger.Warn("device keeps contradicting operation",
			"kind", op.Kind,
			"observations", op.contradictions,
		)
		o.finish(op, ErrConflictingState)
	}
}

// setState stores next and notifies observers when the visible view changed.
func (o *Orchestrator) setState(next linkstate.State) {
	prev := o.state
	o.state = next
	o.storeState()
	if prev.SameView(next) {
		return
	}
	o.notify(next)
}

func (o *Orchestrator) storeState() {
	s := o.state
	o.published.Store(&s)
}

func (o *Orchestrator) storeLock() {
	l := o.lock
	o.publishedLock.Store(&l)
}

// notify calls every observer in turn. A panicking observer is logged and
// does not affect the others.
func (o *Orchestrator) notify(s linkstate.State) {
	o.obsMu.Lock()
	fns := make([]Observer, 0, len(o.observers))
	for _, fn := range o.observers {
		fns = append(fns, fn)
	}
	o.obsMu.Unlock()

	for _, fn := range fns {
		if err := safeNotify(fn, s); err != nil {
			o.logger.Error("observer failed", "error", err)
		}
	}
}

func safeNotify(fn Observer, s linkstate.State) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("observer panicked: %v\n%s", v, debug.Stack())
		}
	}()
	fn(s)
	return nil
}
