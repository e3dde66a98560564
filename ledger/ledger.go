// Package ledger implements the durable, append-only activity log and
// erasure queue the pipeline replays to rebuild day snapshots and
// honor right-to-erasure requests.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

const schema = `
CREATE TABLE IF NOT EXISTS activity_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	day TEXT NOT NULL,
	user_key BLOB NOT NULL,
	user_root BLOB NOT NULL,
	op TEXT NOT NULL CHECK(op IN ('+', '-')),
	metadata TEXT,
	created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_activity_day ON activity_log(day);
CREATE INDEX IF NOT EXISTS idx_activity_user_root ON activity_log(user_root);

CREATE TABLE IF NOT EXISTS erasure_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_root BLOB NOT NULL,
	days TEXT NOT NULL,
	pending INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
	processed_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_erasure_pending ON erasure_log(pending);
`

// ActivityEntry is one row of the append-only activity log.
type ActivityEntry struct {
	Day      string
	UserKey  []byte
	UserRoot []byte
	Op       string
	Metadata string
}

// ErasureEntry is one row of the erasure queue.
type ErasureEntry struct {
	ID       int64
	UserRoot []byte
	Days     []string
	Pending  bool
}

// Event is one ordered row returned by FetchDayEvents.
type Event struct {
	Op      string
	UserKey []byte
}

// Ledger is the durable, single-writer, WAL-mode SQLite store backing
// the activity log and erasure queue.
type Ledger struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open creates (or reuses) the ledger database at path, enabling WAL
// mode and ensuring the schema exists.
func Open(path string, logger zerolog.Logger) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ledger: create data dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("ledger: open db: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer contract; readers and writer share one connection
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: apply schema: %w", err)
	}
	return &Ledger{db: db, logger: logger.With().Str("component", "ledger").Logger()}, nil
}

// Close releases the underlying database handle.
func (l *Ledger) Close() error { return l.db.Close() }

// RecordActivity appends a single activity row and commits immediately.
func (l *Ledger) RecordActivity(ctx context.Context, entry ActivityEntry) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO activity_log (day, user_key, user_root, op, metadata) VALUES (?, ?, ?, ?, ?)`,
		entry.Day, entry.UserKey, entry.UserRoot, entry.Op, entry.Metadata,
	)
	if err != nil {
		return fmt.Errorf("ledger: record activity: %w", err)
	}
	return nil
}

// RecordActivityBatch inserts many activity rows in one transaction.
func (l *Ledger) RecordActivityBatch(ctx context.Context, entries []ActivityEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: begin batch tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO activity_log (day, user_key, user_root, op, metadata) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("ledger: prepare batch insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Day, e.UserKey, e.UserRoot, e.Op, e.Metadata); err != nil {
			return fmt.Errorf("ledger: batch insert row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger: commit batch: %w", err)
	}
	l.logger.Debug().Int("rows", len(entries)).Msg("recorded activity batch")
	return nil
}

// RecordErasure inserts a pending erasure and returns its assigned id.
func (l *Ledger) RecordErasure(ctx context.Context, entry ErasureEntry) (int64, error) {
	daysJSON, err := json.Marshal(entry.Days)
	if err != nil {
		return 0, fmt.Errorf("ledger: marshal erasure days: %w", err)
	}
	pending := 0
	if entry.Pending {
		pending = 1
	}
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO erasure_log (user_root, days, pending) VALUES (?, ?, ?)`,
		entry.UserRoot, string(daysJSON), pending,
	)
	if err != nil {
		return 0, fmt.Errorf("ledger: record erasure: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("ledger: read erasure id: %w", err)
	}
	return id, nil
}

// MarkErasureProcessed flips pending off and stamps processed_at.
func (l *Ledger) MarkErasureProcessed(ctx context.Context, id int64) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE erasure_log SET pending = 0, processed_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("ledger: mark erasure processed: %w", err)
	}
	return nil
}

// FetchDayEvents returns every activity row for day in insertion order
// (ORDER BY id ASC), which is the authoritative fold order.
func (l *Ledger) FetchDayEvents(ctx context.Context, day string) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT op, user_key FROM activity_log WHERE day = ? ORDER BY id ASC`, day)
	if err != nil {
		return nil, fmt.Errorf("ledger: fetch day events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.Op, &e.UserKey); err != nil {
			return nil, fmt.Errorf("ledger: scan day event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// DaysForUser returns every distinct day (ascending) the given
// user_root has touched, used to resolve deletion fan-out when the
// event itself doesn't carry an explicit day list.
func (l *Ledger) DaysForUser(ctx context.Context, userRoot []byte) ([]string, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT DISTINCT day FROM activity_log WHERE user_root = ? ORDER BY day ASC`, userRoot)
	if err != nil {
		return nil, fmt.Errorf("ledger: days for user: %w", err)
	}
	defer rows.Close()

	var days []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("ledger: scan day: %w", err)
		}
		days = append(days, d)
	}
	return days, rows.Err()
}

// PendingErasures returns every erasure still awaiting replay, in
// insertion order.
func (l *Ledger) PendingErasures(ctx context.Context) ([]ErasureEntry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, user_root, days, pending FROM erasure_log WHERE pending = 1 ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("ledger: pending erasures: %w", err)
	}
	defer rows.Close()

	var out []ErasureEntry
	for rows.Next() {
		var (
			e        ErasureEntry
			daysJSON string
			pending  int
		)
		if err := rows.Scan(&e.ID, &e.UserRoot, &daysJSON, &pending); err != nil {
			return nil, fmt.Errorf("ledger: scan erasure: %w", err)
		}
		if err := json.Unmarshal([]byte(daysJSON), &e.Days); err != nil {
			return nil, fmt.Errorf("ledger: unmarshal erasure days: %w", err)
		}
		e.Pending = pending != 0
		out = append(out, e)
	}
	return out, rows.Err()
}
