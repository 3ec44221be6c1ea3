package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/plexsphere/devlink/internal/events"
	"github.com/plexsphere/devlink/internal/linkstate"
)

// EventTypeDeviceStatus is the SSE event type carrying a status payload.
const EventTypeDeviceStatus = "device_status"

// ErrSSEIdleTimeout is returned when the SSE stream receives no data
// within the configured idle timeout period.
var ErrSSEIdleTimeout = errors.New("api: SSE idle timeout")

// idleTimeoutReader closes the wrapped reader when no data arrives within
// timeout, which unblocks a pending Read. Later reads return ErrSSEIdleTimeout.
type idleTimeoutReader struct {
	rc      io.ReadCloser
	timer   *time.Timer
	timeout time.Duration

	mu      sync.Mutex
	err     error
	stopped bool
}

func newIdleTimeoutReader(rc io.ReadCloser, timeout time.Duration) *idleTimeoutReader {
	r := &idleTimeoutReader{rc: rc, timeout: timeout}
	if timeout > 0 {
		r.timer = time.AfterFunc(timeout, r.onTimeout)
	}
	return r
}

// Read implements io.Reader. Each successful read resets the idle timer.
func (r *idleTimeoutReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)

	r.mu.Lock()
	idleErr := r.err
	r.mu.Unlock()
	if idleErr != nil {
		return 0, idleErr
	}

	if n > 0 && r.timer != nil {
		r.timer.Reset(r.timeout)
	}
	return n, err
}

func (r *idleTimeoutReader) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Stop cancels the idle timer. Must be called when done with the reader.
func (r *idleTimeoutReader) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
	}
}

func (r *idleTimeoutReader) onTimeout() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.err = ErrSSEIdleTimeout
	r.rc.Close()
}

// sseEvent is a single dispatched server-sent event.
type sseEvent struct {
	Type string
	Data string
	ID   string
}

// sseParser splits a text/event-stream body into events. Comment lines
// serve as keepalives and are skipped; retry hints are ignored because the
// listener owns the reconnect policy.
type sseParser struct {
	scanner *bufio.Scanner
}

func newSSEParser(r io.Reader) *sseParser {
	return &sseParser{scanner: bufio.NewScanner(r)}
}

// next returns the next event with data. It returns io.EOF when the stream
// ends cleanly and the scanner's error when a read fails or a line exceeds
// the buffer.
func (p *sseParser) next() (sseEvent, error) {
	var evt sseEvent
	var data []string

	for p.scanner.Scan() {
		line := p.scanner.Text()

		if line == "" {
			if len(data) > 0 {
				if evt.Type == "" {
					evt.Type = "message"
				}
				evt.Data = strings.Join(data, "\n")
				return evt, nil
			}
			evt = sseEvent{}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			evt.Type = value
		case "data":
			data = append(data, value)
		case "id":
			evt.ID = value
		}
	}
	if err := p.scanner.Err(); err != nil {
		return sseEvent{}, fmt.Errorf("api: read event stream: %w", err)
	}
	return sseEvent{}, io.EOF
}

// EventSource is the device event stream as a push source. It resumes from
// the last seen event ID on reconnect.
type EventSource struct {
	client *Client
	logger *slog.Logger

	mu          sync.Mutex
	lastEventID string
}

// NewEventSource returns a push source reading the client's event stream.
func NewEventSource(client *Client, logger *slog.Logger) *EventSource {
	return &EventSource{
		client: client,
		logger: logger.With("component", "api", "source", "sse"),
	}
}

// Name implements events.Source.
func (s *EventSource) Name() string { return "sse" }

// LastEventID returns the last received event ID.
func (s *EventSource) LastEventID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEventID
}

// Run implements events.Source. It returns nil when the server closes the
// stream, ErrSSEIdleTimeout when it goes silent, a read error when the
// stream breaks or carries an oversized line, and a permanent error when
// the device is unknown or access is denied.
func (s *EventSource) Run(ctx context.Context, emit func(linkstate.Status)) error {
	resp, err := s.client.openEventStream(ctx, s.LastEventID())
	if err != nil {
		if IsPermanent(err) {
			return events.Permanent(err)
		}
		return err
	}
	defer resp.Body.Close()

	idleReader := newIdleTimeoutReader(resp.Body, s.client.idleTimeout)
	defer idleReader.Stop()

	s.logger.Info("event stream connected")
	parser := newSSEParser(idleReader)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		evt, err := parser.next()
		if err != nil {
			if err := idleReader.Err(); err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		if evt.ID != "" {
			s.mu.Lock()
			s.lastEventID = evt.ID
			s.mu.Unlock()
		}

		if evt.Type != EventTypeDeviceStatus {
			s.logger.Debug("ignoring event", "event_type", evt.Type, "event_id", evt.ID)
			continue
		}

		var st linkstate.Status
		if err := json.Unmarshal([]byte(evt.Data), &st); err != nil {
			s.logger.Error("failed to parse status event",
				"event_id", evt.ID,
				"error", err,
			)
			continue
		}
		emit(st)
	}
}
