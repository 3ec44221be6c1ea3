// Package agent assembles the devlink daemon from its configuration.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/plexsphere/devlink/internal/api"
	"github.com/plexsphere/devlink/internal/history"
	"github.com/plexsphere/devlink/internal/mqttfeed"
	"github.com/plexsphere/devlink/internal/orchestrator"
	"github.com/plexsphere/devlink/internal/statusapi"
	"github.com/plexsphere/devlink/internal/telemetry"
	"github.com/plexsphere/devlink/internal/wsfeed"
)

// DrainTimeout is the maximum time for graceful shutdown.
const DrainTimeout = 30 * time.Second

// Agent owns the orchestrator and everything that feeds or observes it.
type Agent struct {
	cfg    AgentConfig
	logger *slog.Logger

	orch     *orchestrator.Orchestrator
	journal  *history.Journal
	recorder *telemetry.Recorder
	server   *statusapi.Server
}

// New wires the backend client, push sources, journal, telemetry and status
// API around a new orchestrator. Telemetry that cannot reach its server is
// disabled with a warning; every other failure is returned.
func New(cfg AgentConfig, version string, logger *slog.Logger) (*Agent, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &Agent{cfg: cfg, logger: logger}

	client, err := api.NewClient(cfg.API, version, logger)
	if err != nil {
		return nil, fmt.Errorf("agent: create client: %w", err)
	}

	opts := []orchestrator.Option{
		orchestrator.WithPollerConfig(cfg.Poll),
		orchestrator.WithReconnectConfig(cfg.Push.Reconnect),
	}
	if cfg.Push.SSEEnabled() {
		opts = append(opts, orchestrator.WithPushSource(api.NewEventSource(client, logger)))
	}
	if cfg.MQTTEnabled() {
		opts = append(opts, orchestrator.WithPushSource(mqttfeed.New(cfg.MQTT, logger)))
	}
	if cfg.WebSocketEnabled() {
		opts = append(opts, orchestrator.WithPushSource(wsfeed.New(cfg.WebSocket, logger)))
	}
	a.orch = orchestrator.New(cfg.Device, client, logger, opts...)

	if cfg.History.Enabled {
		a.journal, err = history.Open(cfg.History, logger)
		if err != nil {
			return nil, fmt.Errorf("agent: open history: %w", err)
		}
		a.orch.Subscribe(a.journal.RecordState)
		a.orch.OnOperationDone(func(res orchestrator.OperationResult) {
			rec := history.OperationRecord{
				Kind:       res.Kind,
				StartedAt:  res.StartedAt,
				FinishedAt: res.FinishedAt,
			}
			if res.Err != nil {
				rec.Error = res.Err.Error()
			}
			a.journal.RecordOperation(rec)
		})
	}

	if cfg.Telemetry.Enabled {
		a.recorder, err = telemetry.Connect(cfg.Telemetry, cfg.API.DeviceID, logger)
		if err != nil {
			logger.Warn("telemetry disabled", "error", err)
		} else {
			a.orch.Subscribe(a.recorder.RecordState)
			a.orch.OnOperationDone(a.recorder.RecordOperation)
		}
	}

	// A nil *Journal must not reach the server as a non-nil interface.
	var reader statusapi.HistoryReader
	if a.journal != nil {
		reader = a.journal
	}
	a.server = statusapi.NewServer(cfg.StatusAPI, a.orch, reader, logger)
	return a, nil
}

// Orchestrator returns the orchestrator driven by the agent.
func (a *Agent) Orchestrator() *orchestrator.Orchestrator {
	return a.orch
}

// Run runs every component until ctx is cancelled, then drains them. The
// journal and telemetry writers outlive the orchestrator so the final
// operation outcome is recorded.
func (a *Agent) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	sinkCtx, stopSinks := context.WithCancel(context.Background())
	defer stopSinks()
	var journalDone, recorderDone chan struct{}
	if a.journal != nil {
		journalDone = make(chan struct{})
		go func() {
			defer close(journalDone)
			_ = a.journal.Run(sinkCtx)
		}()
	}
	if a.recorder != nil {
		recorderDone = make(chan struct{})
		go func() {
			defer close(recorderDone)
			_ = a.recorder.Run(sinkCtx)
		}()
	}

	orchDone := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(orchDone)
		if err := a.orch.Run(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("orchestrator stopped", "error", err)
		}
	}()

	select {
	case <-a.orch.Ready():
	case <-orchDone:
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.server.Run(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("status API stopped", "error", err)
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutting down", "reason", ctx.Err())

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(DrainTimeout):
		a.logger.Warn("drain timeout exceeded, forcing exit")
	}

	stopSinks()
	if a.journal != nil {
		<-journalDone
		if err := a.journal.Close(); err != nil {
			a.logger.Warn("close history", "error", err)
		}
	}
	if a.recorder != nil {
		<-recorderDone
		a.recorder.Close()
		if n := a.recorder.Dropped(); n > 0 {
			a.logger.Warn("telemetry points dropped", "count", n)
		}
	}
	return nil
}
