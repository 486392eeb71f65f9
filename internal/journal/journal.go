// Package journal records flash operations and their state transitions in
// a SQLite database (modernc.org/sqlite, no cgo).
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/usbflash/tools/internal/flash"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	device     TEXT NOT NULL,
	image      TEXT NOT NULL,
	overlay    TEXT NOT NULL DEFAULT '',
	mode       TEXT NOT NULL DEFAULT '',
	state      TEXT NOT NULL,
	message    TEXT NOT NULL DEFAULT '',
	error      TEXT NOT NULL DEFAULT '',
	started_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS transitions (
	run_id  TEXT NOT NULL REFERENCES runs(id),
	state   TEXT NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	error   TEXT NOT NULL DEFAULT '',
	at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS transitions_run ON transitions(run_id);
`

// Run is one recorded operation.
type Run struct {
	ID      string
	Device  string
	Image   string
	Overlay string
	Mode    string
	State   string
	Message string
	Error   string
	Started time.Time
	Updated time.Time
}

// Transition is one recorded state change of a Run.
type Transition struct {
	State   string
	Message string
	Error   string
	At      time.Time
}

// Journal is a flash.Observer which persists every event.
type Journal struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens (or creates) the journal database at path.
func Open(path string, log *slog.Logger) (*Journal, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	log.Debug("journal_ready", "path", path)
	return &Journal{db: db, log: log}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Observe records ev. Failures are logged, never returned: a broken journal
// must not fail the operation it describes.
func (j *Journal) Observe(ev flash.Event) {
	if err := j.record(context.Background(), ev); err != nil {
		j.log.Error("journal_write_failed", "operation", ev.ID, "state", ev.State, "error", err)
	}
}

func (j *Journal) record(ctx context.Context, ev flash.Event) error {
	at := ev.Time.UTC().Format(time.RFC3339Nano)
	var errText string
	if ev.Err != nil {
		errText = ev.Err.Error()
	}
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	device := ev.Device.Path
	if device == "" {
		device = ev.Request.DeviceID
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, device, image, overlay, mode, state, message, error, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			message = excluded.message,
			error = excluded.error,
			updated_at = excluded.updated_at
	`, ev.ID, device, ev.Request.ImagePath, ev.Request.OverlayPath, string(ev.Request.Mode),
		ev.State.String(), ev.Message, errText, at, at)
	if err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO transitions (run_id, state, message, error, at) VALUES (?, ?, ?, ?, ?)`,
		ev.ID, ev.State.String(), ev.Message, errText, at)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return tx.Commit()
}

// Recent returns up to limit runs, most recently started first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Run, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, device, image, overlay, mode, state, message, error, started_at, updated_at
		FROM runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	var runs []Run
	for rows.Next() {
		var (
			r                Run
			started, updated string
		)
		if err := rows.Scan(&r.ID, &r.Device, &r.Image, &r.Overlay, &r.Mode, &r.State, &r.Message, &r.Error, &started, &updated); err != nil {
			return nil, err
		}
		if r.Started, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, err
		}
		if r.Updated, err = time.Parse(time.RFC3339Nano, updated); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Transitions returns the state changes of run id in the order they
// happened.
func (j *Journal) Transitions(ctx context.Context, id string) ([]Transition, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT state, message, error, at FROM transitions WHERE run_id = ? ORDER BY rowid`, id)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()
	var ts []Transition
	for rows.Next() {
		var (
			t  Transition
			at string
		)
		if err := rows.Scan(&t.State, &t.Message, &t.Error, &at); err != nil {
			return nil, err
		}
		if t.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, err
		}
		ts = append(ts, t)
	}
	return ts, rows.Err()
}
