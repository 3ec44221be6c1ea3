package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/plexsphere/devlink/internal/linkstate"
)

// Operation is a connect or disconnect in flight.
type Operation struct {
	Kind      linkstate.OperationKind
	StartedAt time.Time
	Deadline  time.Time

	done chan struct{}
	err  error

	// Owned by the sequencer goroutine.
	accepted       bool
	acceptedAt     time.Time
	contradictions int
}

// Done is closed when the operation has finished.
func (op *Operation) Done() <-chan struct{} { return op.done }

// Err returns the outcome. It is only meaningful after Done is closed.
func (op *Operation) Err() error {
	select {
	case <-op.done:
		return op.err
	default:
		return nil
	}
}

// Wait blocks until the operation finishes or ctx is cancelled. Cancelling
// ctx stops the wait only; the operation runs on to its own deadline.
func (op *Operation) Wait(ctx context.Context) error {
	select {
	case <-op.done:
		return op.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect requests a connection and waits for the device to report it is
// connected and ready.
func (o *Orchestrator) Connect(ctx context.Context) error {
	return o.execute(ctx, linkstate.KindConnect)
}

// Disconnect requests a disconnection and waits for the device to report it.
func (o *Orchestrator) Disconnect(ctx context.Context) error {
	return o.execute(ctx, linkstate.KindDisconnect)
}

func (o *Orchestrator) execute(ctx context.Context, kind linkstate.OperationKind) error {
	op, err := o.Start(kind)
	if err != nil {
		return err
	}
	return op.Wait(ctx)
}

// Start acquires the operation lock and launches kind in the background.
// It fails fast with ErrAlreadyInProgress when another operation holds the
// lock; the request is neither queued nor merged.
func (o *Orchestrator) Start(kind linkstate.OperationKind) (*Operation, error) {
	if kind != linkstate.KindConnect && kind != linkstate.KindDisconnect {
		return nil, fmt.Errorf("orchestrator: unsupported operation %q", kind)
	}

	type result struct {
		op  *Operation
		err error
	}
	resCh := make(chan result, 1)
	if err := o.submit(func() {
		op, err := o.acquire(kind)
		resCh <- result{op, err}
	}); err != nil {
		return nil, err
	}
	r := <-resCh
	return r.op, r.err
}

// acquire takes the lock, sets the optimistic phase and starts the action
// and the deadline. Must run on the sequencer.
func (o *Orchestrator) acquire(kind linkstate.OperationKind) (*Operation, error) {
	if o.lock.Active {
		o.logger.Info("operation rejected",
			"kind", kind,
			"active_kind", o.lock.Kind,
		)
		return nil, ErrAlreadyInProgress
	}

	timeout := o.cfg.timeout(kind)
	o.lock = linkstate.NewLock(kind, o.clock.Now(), timeout)
	op := &Operation{
		Kind:      kind,
		StartedAt: o.lock.StartedAt,
		Deadline:  o.lock.Deadline,
		done:      make(chan struct{}),
	}
	o.op = op
	o.storeLock()
	o.setState(linkstate.Begin(o.state, o.lock))
	o.poller.Trigger()

	o.logger.Info("operation started", "kind", kind, "deadline", op.Deadline)

	o.wg.Add(2)
	go o.watchDeadline(op, timeout)
	go o.runAction(op, timeout)
	return op, nil
}

// watchDeadline finishes op with ErrOperationTimeout unless it completes
// first. This is the only timer of an operation.
func (o *Orchestrator) watchDeadline(op *Operation, timeout time.Duration) {
	defer o.wg.Done()
	select {
	case <-op.done:
	case <-o.clock.After(timeout):
		_ = o.submit(func() { o.finish(op, ErrOperationTimeout) })
	}
}

// runAction calls the backend with a context detached from the caller and
// bounded by the operation timeout.
func (o *Orchestrator) runAction(op *Operation, timeout time.Duration) {
	defer o.wg.Done()

	ctx, cancel := context.WithTimeout(o.runCtx, timeout)
	defer cancel()

	var err error
	switch op.Kind {
	case linkstate.KindConnect:
		err = o.backend.Connect(ctx, o.cfg.forceWakeup())
	case linkstate.KindDisconnect:
		err = o.backend.Disconnect(ctx)
	}

	if err != nil {
		ioErr := &TransientIOError{Op: op.Kind.String(), Err: err}
		_ = o.submit(func() { o.finish(op, ioErr) })
		return
	}
	_ = o.submit(func() { o.accept(op) })
}

// accept records that the backend took the request. The goal may already
// hold, for instance when a push arrived before the action returned.
func (o *Orchestrator) accept(op *Operation) {
	if o.op != op {
		return
	}
	op.accepted = true
	op.acceptedAt = o.clock.Now()
	o.logger.Debug("operation accepted", "kind", op.Kind)
	if op.Kind.GoalReached(o.state) {
		o.finish(op, nil)
	}
}

// finish releases the lock, returns the phase to idle and reports the
// outcome. Later calls for the same operation are no-ops.
func (o *Orchestrator) finish(op *Operation, err error) {
	if o.op != op {
		return
	}
	o.op = nil
	o.lock = linkstate.Lock{}
	o.storeLock()

	msg := ""
	if err != nil {
		msg = err.Error()
	}
	o.setState(linkstate.Settle(o.state, msg))

	now := o.clock.Now()
	if err != nil {
		o.logger.Warn("operation failed",
			"kind", op.Kind,
			"duration", now.Sub(op.StartedAt),
			"error", err,
		)
	} else {
		o.logger.Info("operation completed",
			"kind", op.Kind,
			"duration", now.Sub(op.StartedAt),
		)
	}

	res := OperationResult{Kind: op.Kind, StartedAt: op.StartedAt, FinishedAt: now, Err: err}
	for _, hook := range o.doneHooks {
		hook(res)
	}

	op.err = err
	close(op.done)
}
