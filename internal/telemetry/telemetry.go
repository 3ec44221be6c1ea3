// Package telemetry writes device state and operation outcomes to InfluxDB.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/plexsphere/devlink/internal/clock"
	"github.com/plexsphere/devlink/internal/linkstate"
	"github.com/plexsphere/devlink/internal/orchestrator"
)

// Measurement names.
const (
	MeasurementState     = "device_state"
	MeasurementOperation = "device_operation"
)

// Operation outcome tag values.
const (
	OutcomeSuccess  = "success"
	OutcomeTimeout  = "timeout"
	OutcomeConflict = "conflict"
	OutcomeFailed   = "failed"
	OutcomeAborted  = "aborted"
)

const pingTimeout = 5 * time.Second

// DefaultQueueSize is the default capacity of the point queue.
const DefaultQueueSize = 256

// Config holds the InfluxDB settings.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`

	// BatchSize is the number of points sent per write.
	// Default: 100
	BatchSize uint `yaml:"batch_size"`

	// FlushInterval is the longest a point waits in the buffer.
	// Default: 10s
	FlushInterval time.Duration `yaml:"flush_interval"`

	// QueueSize is the number of points held for the writer goroutine.
	// Points recorded while the queue is full are dropped.
	// Default: 256
	QueueSize int `yaml:"queue_size"`
}

// ApplyDefaults sets default values for zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = 10 * time.Second
	}
	if c.QueueSize == 0 {
		c.QueueSize = DefaultQueueSize
	}
}

// Validate checks that configuration values are acceptable.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.URL == "" {
		return errors.New("telemetry: config: URL is required")
	}
	if c.Org == "" || c.Bucket == "" {
		return errors.New("telemetry: config: Org and Bucket are required")
	}
	if c.FlushInterval < time.Millisecond {
		return errors.New("telemetry: config: FlushInterval must be at least 1ms")
	}
	if c.QueueSize < 0 {
		return errors.New("telemetry: config: QueueSize must not be negative")
	}
	return nil
}

// PointWriter is the write side of an InfluxDB client. WritePoint may block
// while the client sends a batch.
type PointWriter interface {
	WritePoint(p *write.Point)
	Flush()
}

// Recorder turns orchestrator events into points. Record calls only queue
// the point; Run hands queued points to the writer.
type Recorder struct {
	writer   PointWriter
	deviceID string
	logger   *slog.Logger
	clock    clock.Clock
	close    func()

	queue   chan *write.Point
	dropped atomic.Int64
}

// NewRecorder returns a Recorder writing to w through a queue of queueSize
// points. A non-positive queueSize selects DefaultQueueSize.
func NewRecorder(w PointWriter, deviceID string, queueSize int, logger *slog.Logger) *Recorder {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Recorder{
		writer:   w,
		deviceID: deviceID,
		logger:   logger.With("component", "telemetry"),
		clock:    clock.Real{},
		queue:    make(chan *write.Point, queueSize),
	}
}

// Connect opens an InfluxDB client, verifies it answers and returns a
// Recorder using its batching write API.
func Connect(cfg Config, deviceID string, logger *slog.Logger) (*Recorder, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(cfg.BatchSize).
			SetFlushInterval(uint(cfg.FlushInterval/time.Millisecond)),
	)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("telemetry: ping: %w", err)
	}
	if !healthy {
		client.Close()
		return nil, errors.New("telemetry: server not healthy")
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	r := NewRecorder(writeAPI, deviceID, cfg.QueueSize, logger)
	go func(errs <-chan error) {
		for err := range errs {
			r.logger.Warn("write failed", "error", err)
		}
	}(writeAPI.Errors())
	r.close = client.Close
	return r, nil
}

// Dropped returns the number of points discarded because the queue was full.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Run passes queued points to the writer until ctx is cancelled. Points
// still queued at cancellation are written before Run returns.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.drain()
			return ctx.Err()
		case p := <-r.queue:
			r.writer.WritePoint(p)
		}
	}
}

func (r *Recorder) drain() {
	for {
		select {
		case p := <-r.queue:
			r.writer.WritePoint(p)
		default:
			return
		}
	}
}

func (r *Recorder) enqueue(p *write.Point) {
	select {
	case r.queue <- p:
	default:
		if r.dropped.Add(1) == 1 {
			r.logger.Warn("telemetry queue full, dropping points")
		}
	}
}

// Close flushes buffered points and releases the client. Run must have
// returned.
func (r *Recorder) Close() {
	r.writer.Flush()
	if r.close != nil {
		r.close()
	}
}

// RecordState queues a published state. It is meant to be registered as an
// orchestrator observer and never blocks.
func (r *Recorder) RecordState(s linkstate.State) {
	fields := map[string]interface{}{
		"connected": s.Connected,
		"ready":     s.Ready,
	}
	if s.Err != "" {
		fields["error"] = s.Err
	}
	r.enqueue(write.NewPoint(
		MeasurementState,
		map[string]string{
			"device_id": r.deviceID,
			"phase":     s.Phase.String(),
		},
		fields,
		r.clock.Now(),
	))
}

// RecordOperation queues a finished operation with its outcome and duration.
func (r *Recorder) RecordOperation(res orchestrator.OperationResult) {
	r.enqueue(write.NewPoint(
		MeasurementOperation,
		map[string]string{
			"device_id": r.deviceID,
			"kind":      res.Kind.String(),
			"outcome":   Outcome(res.Err),
		},
		map[string]interface{}{
			"duration_ms": float64(res.FinishedAt.Sub(res.StartedAt)) / float64(time.Millisecond),
		},
		res.FinishedAt,
	))
}

// Outcome classifies an operation error into a tag value.
func Outcome(err error) string {
	var ioErr *orchestrator.TransientIOError
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, orchestrator.ErrOperationTimeout):
		return OutcomeTimeout
	case errors.Is(err, orchestrator.ErrConflictingState):
		return OutcomeConflict
	case errors.As(err, &ioErr):
		return OutcomeFailed
	default:
		return OutcomeAborted
	}
}
