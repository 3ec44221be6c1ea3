package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/plexsphere/devlink/internal/clock"
	"github.com/plexsphere/devlink/internal/linkstate"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type fakeBackend struct {
	mu              sync.Mutex
	status          linkstate.Status
	connectErr      error
	release         chan struct{} // when set, actions block until closed
	statusCalls     int
	connectCalls    int
	disconnectCalls int
	lastWakeup      bool
}

func (f *fakeBackend) GetStatus(_ context.Context) (linkstate.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	return f.status, nil
}

func (f *fakeBackend) Connect(ctx context.Context, forceWakeup bool) error {
	f.mu.Lock()
	f.connectCalls++
	f.lastWakeup = forceWakeup
	release, err := f.release, f.connectErr
	f.mu.Unlock()
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeBackend) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	f.disconnectCalls++
	release := f.release
	f.mu.Unlock()
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (f *fakeBackend) counts() (connects, disconnects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls, f.disconnectCalls
}

type stateRecorder struct {
	mu     sync.Mutex
	states []linkstate.State
}

func (r *stateRecorder) observe(s linkstate.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) get() []linkstate.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]linkstate.State, len(r.states))
	copy(out, r.states)
	return out
}

type hookRecorder struct {
	mu      sync.Mutex
	results []OperationResult
}

func (h *hookRecorder) hook(r OperationResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.results = append(h.results, r)
}

func (h *hookRecorder) get() []OperationResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]OperationResult, len(h.results))
	copy(out, h.results)
	return out
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, nil))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}

func waitRequested(t *testing.T, fc *clock.Fake, d time.Duration) {
	t.Helper()
	waitFor(t, func() bool {
		for _, r := range fc.Requested() {
			if r == d {
				return true
			}
		}
		return false
	})
}

// flush blocks until every closure queued before it has run.
func flush(t *testing.T, o *Orchestrator) {
	t.Helper()
	done := make(chan struct{})
	if err := o.submit(func() { close(done) }); err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-done
}

func recv(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("operation did not return within 2s")
		return nil
	}
}

// startOrchestrator runs o until the test ends or stop is called.
func startOrchestrator(t *testing.T, o *Orchestrator) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()
	<-o.Ready()

	var once sync.Once
	stop = func() {
		once.Do(func() {
			cancel()
			if err := <-done; !errors.Is(err, context.Canceled) {
				t.Errorf("Run() = %v, want context.Canceled", err)
			}
		})
	}
	t.Cleanup(stop)
	return stop
}

func newTestOrchestrator(t *testing.T, cfg Config, be *fakeBackend, opts ...Option) (*Orchestrator, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(t0)
	opts = append([]Option{WithClock(fc)}, opts...)
	o := New(cfg, be, discardLogger(), opts...)
	return o, fc
}

func connectAsync(ctx context.Context, o *Orchestrator) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- o.Connect(ctx) }()
	return ch
}

// ---------------------------------------------------------------------------
// Config
// ---------------------------------------------------------------------------

func TestConfig_Defaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	if cfg.ConnectTimeout != DefaultConnectTimeout {
		t.Errorf("ConnectTimeout = %v, want %v", cfg.ConnectTimeout, DefaultConnectTimeout)
	}
	if cfg.DisconnectTimeout != DefaultDisconnectTimeout {
		t.Errorf("DisconnectTimeout = %v, want %v", cfg.DisconnectTimeout, DefaultDisconnectTimeout)
	}
	if cfg.ForceWakeup == nil || !*cfg.ForceWakeup {
		t.Errorf("ForceWakeup = %v, want true", cfg.ForceWakeup)
	}
	if cfg.ConflictThreshold != DefaultConflictThreshold {
		t.Errorf("ConflictThreshold = %d, want %d", cfg.ConflictThreshold, DefaultConflictThreshold)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestConfig_ValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero connect timeout", Config{DisconnectTimeout: time.Second}},
		{"negative disconnect timeout", Config{ConnectTimeout: time.Second, DisconnectTimeout: -time.Second}},
		{"connect below disconnect", Config{ConnectTimeout: time.Second, DisconnectTimeout: 5 * time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestConfig_ExplicitValuesKept(t *testing.T) {
	cfg := Config{ForceWakeup: BoolPtr(false), ConflictThreshold: -1}
	cfg.ApplyDefaults()
	if *cfg.ForceWakeup {
		t.Error("ForceWakeup = true, want false")
	}
	if cfg.ConflictThreshold != -1 {
		t.Errorf("ConflictThreshold = %d, want -1", cfg.ConflictThreshold)
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestOrchestrator_InitialState(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{}, &fakeBackend{})
	s := o.CurrentState()
	if s.Connected || s.Ready || s.Phase != linkstate.PhaseIdle {
		t.Errorf("initial state = %+v, want idle and disconnected", s)
	}
	if o.Lock().Active {
		t.Error("initial lock is active")
	}
}

func TestOrchestrator_NotRunning(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{}, &fakeBackend{})
	o.Observe(linkstate.PushSnapshot(linkstate.Status{Connected: true}, t0))
	if _, err := o.Start(linkstate.KindConnect); !errors.Is(err, ErrClosed) {
		t.Errorf("Start() = %v, want ErrClosed", err)
	}
	if o.CurrentState().Connected {
		t.Error("snapshot applied while not running")
	}
}

func TestOrchestrator_RunNilBackend(t *testing.T) {
	o := New(Config{}, nil, discardLogger())
	if err := o.Run(context.Background()); err == nil {
		t.Fatal("Run() = nil, want error")
	}
}

func TestOrchestrator_RunTwice(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{}, &fakeBackend{})
	startOrchestrator(t, o)
	if err := o.Run(context.Background()); err == nil {
		t.Fatal("second Run() = nil, want error")
	}
}

func TestOrchestrator_StopFinishesOperation(t *testing.T) {
	be := &fakeBackend{}
	o, _ := newTestOrchestrator(t, Config{}, be)
	stop := startOrchestrator(t, o)

	op, err := o.Start(linkstate.KindConnect)
	if err != nil {
		t.Fatalf("Start() = %v", err)
	}
	stop()

	if err := op.Wait(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Wait() = %v, want ErrClosed", err)
	}
	if o.Lock().Active {
		t.Error("lock still active after stop")
	}
	if _, err := o.Start(linkstate.KindDisconnect); !errors.Is(err, ErrClosed) {
		t.Errorf("Start() after stop = %v, want ErrClosed", err)
	}
}

func TestOrchestrator_UnsupportedKind(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{}, &fakeBackend{})
	startOrchestrator(t, o)
	if _, err := o.Start(linkstate.KindNone); err == nil {
		t.Fatal("Start(KindNone) = nil error, want error")
	}
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

func TestOrchestrator_ConnectConfirmedByPullThenPush(t *testing.T) {
	be := &fakeBackend{}
	o, _ := newTestOrchestrator(t, Config{}, be)
	rec := &stateRecorder{}
	o.Subscribe(rec.observe)
	hooks := &hookRecorder{}
	o.OnOperationDone(hooks.hook)
	startOrchestrator(t, o)

	errCh := connectAsync(context.Background(), o)
	waitFor(t, func() bool { return o.Lock().Active })

	o.Observe(linkstate.PullSnapshot(linkstate.Status{Connected: true}, t0.Add(time.Second)))
	o.Observe(linkstate.PushSnapshot(linkstate.Status{Connected: true, Ready: true}, t0.Add(3*time.Second)))

	if err := recv(t, errCh); err != nil {
		t.Fatalf("Connect() = %v, want nil", err)
	}

	s := o.CurrentState()
	if !s.Connected || !s.Ready || s.Phase != linkstate.PhaseIdle || s.Err != "" {
		t.Errorf("final state = %+v, want connected, ready, idle", s)
	}
	if o.Lock().Active {
		t.Error("lock still active")
	}

	var phases []linkstate.Phase
	for _, st := range rec.get() {
		if len(phases) == 0 || phases[len(phases)-1] != st.Phase {
			phases = append(phases, st.Phase)
		}
	}
	want := []linkstate.Phase{linkstate.PhaseConnecting, linkstate.PhaseIdle}
	if len(phases) != len(want) || phases[0] != want[0] || phases[1] != want[1] {
		t.Errorf("phases = %v, want %v", phases, want)
	}

	results := hooks.get()
	if len(results) != 1 || results[0].Err != nil || results[0].Kind != linkstate.KindConnect {
		t.Errorf("operation results = %+v, want one successful connect", results)
	}
	if connects, _ := be.counts(); connects != 1 {
		t.Errorf("backend connects = %d, want 1", connects)
	}
}

func TestOrchestrator_ConnectTimesOut(t *testing.T) {
	be := &fakeBackend{}
	o, fc := newTestOrchestrator(t, Config{}, be)
	startOrchestrator(t, o)

	errCh := connectAsync(context.Background(), o)
	waitRequested(t, fc, DefaultConnectTimeout)
	fc.Advance(DefaultConnectTimeout)

	if err := recv(t, errCh); !errors.Is(err, ErrOperationTimeout) {
		t.Fatalf("Connect() = %v, want ErrOperationTimeout", err)
	}
	s := o.CurrentState()
	if s.Connected || s.Phase != linkstate.PhaseIdle || s.Err != "operation timed out" {
		t.Errorf("state = %+v, want {connected:false phase:idle error:operation timed out}", s)
	}
	if o.Lock().Active {
		t.Error("lock still active after timeout")
	}
}

func TestOrchestrator_SecondOperationRejected(t *testing.T) {
	be := &fakeBackend{release: make(chan struct{})}
	o, _ := newTestOrchestrator(t, Config{}, be)
	startOrchestrator(t, o)

	errCh := connectAsync(context.Background(), o)
	waitFor(t, func() bool { return o.Lock().Active })
	before := o.Lock()

	if err := o.Disconnect(context.Background()); !errors.Is(err, ErrAlreadyInProgress) {
		t.Fatalf("Disconnect() = %v, want ErrAlreadyInProgress", err)
	}
	if after := o.Lock(); after != before {
		t.Errorf("lock changed: %+v -> %+v", before, after)
	}
	if _, disconnects := be.counts(); disconnects != 0 {
		t.Errorf("backend disconnects = %d, want 0", disconnects)
	}

	close(be.release)
	o.Observe(linkstate.PushSnapshot(linkstate.Status{Connected: true, Ready: true}, t0.Add(time.Second)))
	if err := recv(t, errCh); err != nil {
		t.Errorf("Connect() = %v, want nil", err)
	}
}

// ---------------------------------------------------------------------------
// Properties
// ---------------------------------------------------------------------------

func TestOrchestrator_SingleLockUnderConcurrency(t *testing.T) {
	be := &fakeBackend{release: make(chan struct{})}
	o, _ := newTestOrchestrator(t, Config{}, be)
	startOrchestrator(t, o)

	const callers = 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		started  []*Operation
		rejected int
	)
	for i := 0; i < callers; i++ {
		kind := linkstate.KindConnect
		if i%2 == 1 {
			kind = linkstate.KindDisconnect
		}
		wg.Add(1)
		go func(kind linkstate.OperationKind) {
			defer wg.Done()
			op, err := o.Start(kind)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				started = append(started, op)
			case errors.Is(err, ErrAlreadyInProgress):
				rejected++
			default:
				t.Errorf("Start() = %v", err)
			}
		}(kind)
	}
	wg.Wait()

	if len(started) != 1 || rejected != callers-1 {
		t.Fatalf("started = %d, rejected = %d, want 1 and %d", len(started), rejected, callers-1)
	}

	close(be.release)
	o.Observe(linkstate.PushSnapshot(linkstate.Status{Connected: true, Ready: true}, t0.Add(time.Second)))
	select {
	case <-started[0].Done():
	case <-time.After(2 * time.Second):
		t.Fatal("operation did not finish")
	}
}

func TestOrchestrator_NoRegressionDuringConnect(t *testing.T) {
	be := &fakeBackend{release: make(chan struct{})}
	o, _ := newTestOrchestrator(t, Config{ConflictThreshold: -1}, be)
	rec := &stateRecorder{}
	o.Subscribe(rec.observe)
	startOrchestrator(t, o)

	op, err := o.Start(linkstate.KindConnect)
	if err != nil {
		t.Fatalf("Start() = %v", err)
	}

	rng := rand.New(rand.NewSource(7))
	for i := 1; i <= 200; i++ {
		st := linkstate.Status{Connected: rng.Intn(2) == 0}
		at := t0.Add(time.Duration(i) * time.Millisecond)
		if rng.Intn(2) == 0 {
			o.Observe(linkstate.PushSnapshot(st, at))
		} else {
			o.Observe(linkstate.PullSnapshot(st, at))
		}
	}
	flush(t, o)

	states := rec.get()
	for i := 1; i < len(states); i++ {
		prev, cur := states[i-1], states[i]
		if cur.Phase == linkstate.PhaseConnecting && prev.Connected && !cur.Connected {
			t.Fatalf("connected regressed during connect at notification %d: %+v -> %+v", i, prev, cur)
		}
	}
	if !o.CurrentState().Connected {
		t.Error("state not connected after mixed observations")
	}

	close(be.release)
	o.Observe(linkstate.PushSnapshot(linkstate.Status{Connected: true, Ready: true}, t0.Add(time.Second)))
	if err := op.Wait(context.Background()); err != nil {
		t.Errorf("Wait() = %v, want nil", err)
	}
}

func TestOrchestrator_MonotonicApplication(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{}, &fakeBackend{})
	startOrchestrator(t, o)

	o.Observe(linkstate.PullSnapshot(linkstate.Status{Connected: true, Ready: true}, t0.Add(2*time.Second)))
	o.Observe(linkstate.PullSnapshot(linkstate.Status{}, t0.Add(time.Second)))
	flush(t, o)
	if s := o.CurrentState(); !s.Connected || !s.Ready {
		t.Fatalf("stale pull applied: %+v", s)
	}

	o.Observe(linkstate.PullSnapshot(linkstate.Status{}, t0.Add(2*time.Second)))
	flush(t, o)
	if s := o.CurrentState(); !s.Connected {
		t.Fatalf("pull at LastAppliedAt applied: %+v", s)
	}

	o.Observe(linkstate.PushSnapshot(linkstate.Status{}, t0.Add(time.Second)))
	flush(t, o)
	s := o.CurrentState()
	if s.Connected {
		t.Errorf("push rejected: %+v", s)
	}
	if !s.LastAppliedAt.Equal(t0.Add(2 * time.Second)) {
		t.Errorf("LastAppliedAt = %v, want %v", s.LastAppliedAt, t0.Add(2*time.Second))
	}
}

func TestOrchestrator_IdempotentIdlePolling(t *testing.T) {
	be := &fakeBackend{status: linkstate.Status{Connected: true, Ready: true}}
	o, fc := newTestOrchestrator(t, Config{}, be)
	var (
		mu    sync.Mutex
		count int
	)
	o.Subscribe(func(linkstate.State) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	startOrchestrator(t, o)

	for i := 0; i < 5; i++ {
		if !fc.WaitForWaiters(1, 2*time.Second) {
			t.Fatalf("poll %d not scheduled", i)
		}
		fc.Advance(30 * time.Second)
	}
	last := t0.Add(150 * time.Second)
	waitFor(t, func() bool { return o.CurrentState().LastAppliedAt.Equal(last) })

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("notifications = %d, want 1", count)
	}
}

// ---------------------------------------------------------------------------
// Failures
// ---------------------------------------------------------------------------

func TestOrchestrator_ActionFailureIsTransient(t *testing.T) {
	refused := errors.New("connection refused")
	be := &fakeBackend{connectErr: refused}
	o, _ := newTestOrchestrator(t, Config{}, be)
	hooks := &hookRecorder{}
	o.OnOperationDone(hooks.hook)
	startOrchestrator(t, o)

	err := o.Connect(context.Background())
	var ioErr *TransientIOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("Connect() = %v, want *TransientIOError", err)
	}
	if ioErr.Op != "connect" || !errors.Is(err, refused) {
		t.Errorf("TransientIOError = %+v, want op connect wrapping the cause", ioErr)
	}

	s := o.CurrentState()
	if s.Phase != linkstate.PhaseIdle || !strings.Contains(s.Err, "connection refused") {
		t.Errorf("state = %+v, want idle with error", s)
	}
	if s.ErrOrigin != linkstate.SourceOptimistic {
		t.Errorf("ErrOrigin = %v, want optimistic", s.ErrOrigin)
	}
	if o.Lock().Active {
		t.Error("lock still active")
	}
	if r := hooks.get(); len(r) != 1 || r[0].Err == nil {
		t.Errorf("operation results = %+v, want one failure", r)
	}

	// A fresh operation clears the previous outcome.
	be.mu.Lock()
	be.connectErr = nil
	be.mu.Unlock()
	if _, err := o.Start(linkstate.KindConnect); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	if s := o.CurrentState(); s.Err != "" || s.Phase != linkstate.PhaseConnecting {
		t.Errorf("state after restart = %+v, want connecting without error", s)
	}
}

func TestOrchestrator_ConflictAbandonsOperation(t *testing.T) {
	be := &fakeBackend{}
	o, _ := newTestOrchestrator(t, Config{ConflictThreshold: 3}, be)
	startOrchestrator(t, o)

	op, err := o.Start(linkstate.KindConnect)
	if err != nil {
		t.Fatalf("Start() = %v", err)
	}

	for i := 1; i <= 100; i++ {
		o.Observe(linkstate.PullSnapshot(linkstate.Status{}, t0.Add(time.Duration(i)*time.Second)))
		flush(t, o)
		if o.CurrentState().Phase == linkstate.PhaseIdle {
			break
		}
	}

	if err := op.Wait(context.Background()); !errors.Is(err, ErrConflictingState) {
		t.Fatalf("Wait() = %v, want ErrConflictingState", err)
	}
	if s := o.CurrentState(); s.Phase != linkstate.PhaseIdle || s.Err != ErrConflictingState.Error() {
		t.Errorf("state = %+v, want idle with conflict error", s)
	}
}

func TestOrchestrator_CallerCancelKeepsOperation(t *testing.T) {
	be := &fakeBackend{}
	o, _ := newTestOrchestrator(t, Config{}, be)
	hooks := &hookRecorder{}
	o.OnOperationDone(hooks.hook)
	startOrchestrator(t, o)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := connectAsync(ctx, o)
	waitFor(t, func() bool { return o.Lock().Active })
	cancel()

	if err := recv(t, errCh); !errors.Is(err, context.Canceled) {
		t.Fatalf("Connect() = %v, want context.Canceled", err)
	}
	if !o.Lock().Active {
		t.Fatal("lock released by caller cancellation")
	}

	o.Observe(linkstate.PushSnapshot(linkstate.Status{Connected: true, Ready: true}, t0.Add(time.Second)))
	waitFor(t, func() bool { return !o.Lock().Active })
	if r := hooks.get(); len(r) != 1 || r[0].Err != nil {
		t.Errorf("operation results = %+v, want one success", r)
	}
}

// ---------------------------------------------------------------------------
// Disconnect
// ---------------------------------------------------------------------------

func TestOrchestrator_DisconnectConfirmedByPush(t *testing.T) {
	be := &fakeBackend{}
	o, _ := newTestOrchestrator(t, Config{}, be)
	startOrchestrator(t, o)

	o.Observe(linkstate.PushSnapshot(linkstate.Status{Connected: true, Ready: true}, t0))
	flush(t, o)

	errCh := make(chan error, 1)
	go func() { errCh <- o.Disconnect(context.Background()) }()
	waitFor(t, func() bool { return o.CurrentState().Phase == linkstate.PhaseDisconnecting })

	o.Observe(linkstate.PushSnapshot(linkstate.Status{}, t0.Add(time.Second)))
	if err := recv(t, errCh); err != nil {
		t.Fatalf("Disconnect() = %v, want nil", err)
	}
	if s := o.CurrentState(); s.Connected || s.Phase != linkstate.PhaseIdle {
		t.Errorf("state = %+v, want disconnected and idle", s)
	}
	if _, disconnects := be.counts(); disconnects != 1 {
		t.Errorf("backend disconnects = %d, want 1", disconnects)
	}
}

func TestOrchestrator_DisconnectAlreadyDisconnected(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{}, &fakeBackend{})
	startOrchestrator(t, o)

	errCh := make(chan error, 1)
	go func() { errCh <- o.Disconnect(context.Background()) }()
	if err := recv(t, errCh); err != nil {
		t.Fatalf("Disconnect() = %v, want nil", err)
	}
}

func TestOrchestrator_DisconnectUsesShorterDeadline(t *testing.T) {
	// The device never reports the disconnect.
	be := &fakeBackend{status: linkstate.Status{Connected: true, Ready: true}}
	o, fc := newTestOrchestrator(t, Config{}, be)
	startOrchestrator(t, o)

	o.Observe(linkstate.PushSnapshot(linkstate.Status{Connected: true, Ready: true}, t0))
	flush(t, o)

	op, err := o.Start(linkstate.KindDisconnect)
	if err != nil {
		t.Fatalf("Start() = %v", err)
	}
	if want := t0.Add(DefaultDisconnectTimeout); !op.Deadline.Equal(want) {
		t.Errorf("Deadline = %v, want %v", op.Deadline, want)
	}
	waitRequested(t, fc, DefaultDisconnectTimeout)
	fc.Advance(DefaultDisconnectTimeout)
	if err := op.Wait(context.Background()); !errors.Is(err, ErrOperationTimeout) {
		t.Errorf("Wait() = %v, want ErrOperationTimeout", err)
	}
}

func TestOrchestrator_ForceWakeupPassed(t *testing.T) {
	be := &fakeBackend{}
	o, _ := newTestOrchestrator(t, Config{ForceWakeup: BoolPtr(false)}, be)
	startOrchestrator(t, o)

	if _, err := o.Start(linkstate.KindConnect); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	waitFor(t, func() bool {
		connects, _ := be.counts()
		return connects == 1
	})
	be.mu.Lock()
	defer be.mu.Unlock()
	if be.lastWakeup {
		t.Error("forceWakeup = true, want false")
	}
}

// ---------------------------------------------------------------------------
// Observers and push sources
// ---------------------------------------------------------------------------

func TestOrchestrator_ObserverPanicIsolated(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{}, &fakeBackend{})
	o.Subscribe(func(linkstate.State) { panic("boom") })
	rec := &stateRecorder{}
	o.Subscribe(rec.observe)
	startOrchestrator(t, o)

	o.Observe(linkstate.PushSnapshot(linkstate.Status{Connected: true}, t0.Add(time.Second)))
	flush(t, o)
	if got := len(rec.get()); got != 1 {
		t.Errorf("notifications = %d, want 1", got)
	}
}

func TestOrchestrator_Unsubscribe(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{}, &fakeBackend{})
	rec := &stateRecorder{}
	unsubscribe := o.Subscribe(rec.observe)
	startOrchestrator(t, o)

	o.Observe(linkstate.PushSnapshot(linkstate.Status{Connected: true}, t0.Add(time.Second)))
	flush(t, o)
	unsubscribe()
	unsubscribe()
	o.Observe(linkstate.PushSnapshot(linkstate.Status{}, t0.Add(2*time.Second)))
	flush(t, o)

	if got := len(rec.get()); got != 1 {
		t.Errorf("notifications = %d, want 1", got)
	}
}

type onceSource struct {
	status linkstate.Status
}

func (s *onceSource) Name() string { return "once" }

func (s *onceSource) Run(ctx context.Context, emit func(linkstate.Status)) error {
	emit(s.status)
	<-ctx.Done()
	return ctx.Err()
}

func TestOrchestrator_PushSourceFeedsState(t *testing.T) {
	src := &onceSource{status: linkstate.Status{Connected: true, Ready: true}}
	o, _ := newTestOrchestrator(t, Config{}, &fakeBackend{}, WithPushSource(src))
	startOrchestrator(t, o)

	waitFor(t, func() bool {
		s := o.CurrentState()
		return s.Connected && s.Ready
	})
	if got := o.CurrentState().LastAppliedSource; got != linkstate.SourcePush {
		t.Errorf("LastAppliedSource = %v, want push", got)
	}
}
