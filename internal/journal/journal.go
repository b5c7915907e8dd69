package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/nao1215/torctl/internal/manager"
)

// Journal is an append-only SQLite log of manager events.
type Journal struct {
	db   *sql.DB
	path string
}

// Options configures Open.
type Options struct {
	// CreateIfNotExists creates the file and its directory.
	CreateIfNotExists bool

	// EnableWAL enables Write-Ahead Logging so `torctl history` can read
	// while `torctl run` writes.
	EnableWAL bool
}

// DefaultOptions returns the options used by `torctl run`.
func DefaultOptions() Options {
	return Options{
		CreateIfNotExists: true,
		EnableWAL:         true,
	}
}

// Open opens or creates the journal at path.
func Open(path string, opts Options) (*Journal, error) {
	if !opts.CreateIfNotExists {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("%w at %s", ErrNotFound, path)
		} else if err != nil {
			return nil, fmt.Errorf("failed to check journal path: %w", err)
		}
	} else if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	// mode=rw refuses to create a missing file; mode=rwc creates it.
	dsn := path + "?mode=rw"
	if opts.CreateIfNotExists {
		dsn = path + "?mode=rwc"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	j := &Journal{db: db, path: path}

	if opts.EnableWAL {
		if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}
	if err := j.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return j, nil
}

// Path returns the database file.
func (j *Journal) Path() string {
	return j.path
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		name TEXT NOT NULL,
		state TEXT,
		summary TEXT NOT NULL,
		payload TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_name ON events(name);
	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
	`
	_, err := j.db.ExecContext(context.Background(), schema)
	return err
}

// Entry is one stored event.
type Entry struct {
	ID      int64
	Time    time.Time
	Name    manager.EventName
	State   manager.State
	Summary string
	Event   manager.Event
}

// Record stores ev and returns its row id. A zero event time is stamped now.
func (j *Journal) Record(ctx context.Context, ev manager.Event) (int64, error) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("failed to serialize event: %w", err)
	}

	res, err := j.db.ExecContext(ctx,
		`INSERT INTO events (timestamp, name, state, summary, payload) VALUES (?, ?, ?, ?, ?)`,
		ev.Time.UTC().Format(storedTimeFormat), string(ev.Name), string(ev.State), ev.Summary(), string(payload),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to record %s event: %w", ev.Name, err)
	}
	return res.LastInsertId()
}

// Handler returns a manager.Handler that records every event it receives.
// Write failures are logged, never returned to the emitter.
func (j *Journal) Handler(logger *slog.Logger) manager.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ev manager.Event) {
		if _, err := j.Record(context.Background(), ev); err != nil {
			logger.Warn("failed to journal event", "event", string(ev.Name), "error", err)
		}
	}
}

// Query filters List. Zero values match everything.
type Query struct {
	// Names limits the result to these events.
	Names []manager.EventName
	// Since drops entries older than this time.
	Since time.Time
	// Limit caps the number of entries; 0 means no limit.
	Limit int
}

// List returns matching entries, newest first.
func (j *Journal) List(ctx context.Context, q Query) ([]Entry, error) {
	if q.Limit < 0 {
		return nil, ErrInvalidLimit
	}

	var (
		where []string
		args  []any
	)
	if len(q.Names) > 0 {
		marks := make([]string, len(q.Names))
		for i, n := range q.Names {
			marks[i] = "?"
			args = append(args, string(n))
		}
		where = append(where, "name IN ("+strings.Join(marks, ", ")+")")
	}
	if !q.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, q.Since.UTC().Format(storedTimeFormat))
	}

	query := `SELECT id, timestamp, name, state, summary, payload FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                  Entry
			timestamp, payload string
			name               string
			state              sql.NullString
		)
		if err := rows.Scan(&e.ID, &timestamp, &name, &state, &e.Summary, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		e.Time = parseTimestamp(timestamp)
		e.Name = manager.EventName(name)
		e.State = manager.State(state.String)
		if err := json.Unmarshal([]byte(payload), &e.Event); err != nil {
			return nil, fmt.Errorf("failed to decode journal entry %d: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Counts returns the number of stored entries per event name.
func (j *Journal) Counts(ctx context.Context) (map[manager.EventName]int, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT name, COUNT(*) FROM events GROUP BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to count journal entries: %w", err)
	}
	defer rows.Close()

	counts := make(map[manager.EventName]int)
	for rows.Next() {
		var (
			name string
			n    int
		)
		if err := rows.Scan(&name, &n); err != nil {
			return nil, err
		}
		counts[manager.EventName(name)] = n
	}
	return counts, rows.Err()
}

// Prune deletes entries older than before and returns how many were removed.
func (j *Journal) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `DELETE FROM events WHERE timestamp < ?`, before.UTC().Format(storedTimeFormat))
	if err != nil {
		return 0, fmt.Errorf("failed to prune journal: %w", err)
	}
	return res.RowsAffected()
}

// storedTimeFormat is fixed width so that stored timestamps sort as text.
const storedTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// timestampFormats are tried in order when reading a stored timestamp.
var timestampFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
}

// parseTimestamp returns the zero time for a value no format accepts.
func parseTimestamp(s string) time.Time {
	for _, format := range timestampFormats {
		if t, err := time.Parse(format, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
