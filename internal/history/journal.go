// Package history keeps a SQLite journal of published state changes and
// finished operations.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/plexsphere/devlink/internal/clock"
	"github.com/plexsphere/devlink/internal/linkstate"
)

const (
	dirPermissions  = 0o750
	filePermissions = 0o600

	busyTimeoutMS = 5000
	pingTimeout   = 5 * time.Second
	pruneInterval = time.Hour

	defaultListLimit = 50
	maxListLimit     = 500

	// timeLayout is fixed-width so stored timestamps sort as text.
	timeLayout = "2006-01-02T15:04:05.000000000Z"
)

// Entry kinds.
const (
	KindState     = "state"
	KindOperation = "operation"
)

// OperationRecord describes a finished operation.
type OperationRecord struct {
	Kind       linkstate.OperationKind `json:"kind"`
	StartedAt  time.Time               `json:"started_at"`
	FinishedAt time.Time               `json:"finished_at"`
	Error      string                  `json:"error,omitempty"`
}

// Entry is one journal row. Exactly one of State and Operation is set.
type Entry struct {
	ID         int64            `json:"id"`
	Kind       string           `json:"kind"`
	RecordedAt time.Time        `json:"recorded_at"`
	State      *linkstate.State `json:"state,omitempty"`
	Operation  *OperationRecord `json:"operation,omitempty"`
}

const schema = `
CREATE TABLE IF NOT EXISTS journal (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	kind        TEXT NOT NULL,
	payload     TEXT NOT NULL,
	recorded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS journal_recorded_at ON journal (recorded_at);
`

// Journal records entries asynchronously. Record calls never block; when
// the queue is full the entry is dropped and counted.
type Journal struct {
	db     *sql.DB
	cfg    Config
	logger *slog.Logger
	clock  clock.Clock

	queue   chan Entry
	dropped atomic.Int64
}

// Open opens or creates the journal database. Config defaults are applied
// automatically.
func Open(cfg Config, logger *slog.Logger) (*Journal, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), dirPermissions); err != nil {
		return nil, fmt.Errorf("history: create directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL", cfg.Path, busyTimeoutMS)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}
	// SQLite supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: verify database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	_ = os.Chmod(cfg.Path, filePermissions)

	return &Journal{
		db:     db,
		cfg:    cfg,
		logger: logger.With("component", "history"),
		clock:  clock.Real{},
		queue:  make(chan Entry, cfg.BufferSize),
	}, nil
}

// SetClock sets a custom clock implementation for testing.
func (j *Journal) SetClock(c clock.Clock) {
	j.clock = c
}

// Close closes the database. Run must have returned.
func (j *Journal) Close() error {
	if err := j.db.Close(); err != nil {
		return fmt.Errorf("history: close database: %w", err)
	}
	return nil
}

// Dropped returns the number of entries discarded because the queue was full.
func (j *Journal) Dropped() int64 {
	return j.dropped.Load()
}

// RecordState queues a published state. It is meant to be registered as an
// orchestrator observer.
func (j *Journal) RecordState(s linkstate.State) {
	j.enqueue(Entry{Kind: KindState, RecordedAt: j.clock.Now(), State: &s})
}

// RecordOperation queues a finished operation.
func (j *Journal) RecordOperation(rec OperationRecord) {
	j.enqueue(Entry{Kind: KindOperation, RecordedAt: j.clock.Now(), Operation: &rec})
}

func (j *Journal) enqueue(e Entry) {
	select {
	case j.queue <- e:
	default:
		j.dropped.Add(1)
	}
}

// Run writes queued entries and prunes old ones until ctx is cancelled.
// Entries still queued at cancellation are written before Run returns.
func (j *Journal) Run(ctx context.Context) error {
	j.prune(ctx)

	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.drain()
			return ctx.Err()
		case e := <-j.queue:
			if err := j.write(ctx, e); err != nil && ctx.Err() == nil {
				j.logger.Warn("failed to write entry", "kind", e.Kind, "error", err)
			}
		case <-ticker.C:
			j.prune(ctx)
		}
	}
}

func (j *Journal) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	for {
		select {
		case e := <-j.queue:
			if err := j.write(ctx, e); err != nil {
				j.logger.Warn("failed to write entry", "kind", e.Kind, "error", err)
			}
		default:
			return
		}
	}
}

func (j *Journal) prune(ctx context.Context) {
	n, err := j.Prune(ctx, j.cfg.Retention)
	if err != nil {
		if ctx.Err() == nil {
			j.logger.Warn("prune failed", "error", err)
		}
		return
	}
	if n > 0 {
		j.logger.Info("pruned journal", "deleted", n)
	}
}

func (j *Journal) write(ctx context.Context, e Entry) error {
	var payload any = e.State
	if e.Kind == KindOperation {
		payload = e.Operation
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("history: marshal entry: %w", err)
	}
	_, err = j.db.ExecContext(ctx,
		"INSERT INTO journal (kind, payload, recorded_at) VALUES (?, ?, ?)",
		e.Kind,
		string(data),
		e.RecordedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("history: insert entry: %w", err)
	}
	return nil
}

// List returns up to limit entries, newest first. A non-positive limit
// selects the default of 50; the maximum is 500.
func (j *Journal) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	rows, err := j.db.QueryContext(ctx,
		`SELECT id, kind, payload, recorded_at
		 FROM journal
		 ORDER BY id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			e          Entry
			payload    string
			recordedAt string
		)
		if err := rows.Scan(&e.ID, &e.Kind, &payload, &recordedAt); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		if e.RecordedAt, err = time.Parse(timeLayout, recordedAt); err != nil {
			return nil, fmt.Errorf("history: parse recorded_at: %w", err)
		}
		switch e.Kind {
		case KindState:
			e.State = &linkstate.State{}
			err = json.Unmarshal([]byte(payload), e.State)
		case KindOperation:
			e.Operation = &OperationRecord{}
			err = json.Unmarshal([]byte(payload), e.Operation)
		default:
			err = fmt.Errorf("unknown kind %q", e.Kind)
		}
		if err != nil {
			return nil, fmt.Errorf("history: decode entry %d: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate: %w", err)
	}
	return entries, nil
}

// Prune deletes entries recorded more than olderThan ago.
func (j *Journal) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, errors.New("history: olderThan must be positive")
	}
	cutoff := j.clock.Now().UTC().Add(-olderThan).Format(timeLayout)
	res, err := j.db.ExecContext(ctx, "DELETE FROM journal WHERE recorded_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("history: delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("history: rows affected: %w", err)
	}
	return n, nil
}
