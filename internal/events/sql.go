package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/lib/pq"  // Postgres driver registration
	_ "modernc.org/sqlite" // SQLite driver registration
)

// Dialect selects placeholder syntax and DDL for a SQL backend.
type Dialect string

// Supported SQL dialects.
const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const (
	defaultBusyTimeout  = 5000 // milliseconds
	defaultWriteTimeout = 2 * time.Second

	sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"
)

// SQLSink persists events into an `events` table.
type SQLSink struct {
	db      *sql.DB
	dialect Dialect
	timeout time.Duration
	onError func(error)
}

// OpenSQLite opens a SQLite database at path with WAL mode and a single
// connection (SQLite serialises writes), then migrates the schema.
// Use ":memory:" for an ephemeral database.
func OpenSQLite(path string, onError func(error)) (*SQLSink, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("events: create directory %s: %w", dir, err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("events: open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	ctx := context.TODO()
	if path != ":memory:" {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("events: enable WAL: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("events: set busy_timeout: %w", err)
	}

	return NewSQLSink(ctx, db, DialectSQLite, onError)
}

// OpenPostgres connects to Postgres using dsn and migrates the schema.
func OpenPostgres(ctx context.Context, dsn string, onError func(error)) (*SQLSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("events: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("events: ping postgres: %w", err)
	}
	return NewSQLSink(ctx, db, DialectPostgres, onError)
}

// NewSQLSink wraps an open database and creates the events table if needed.
func NewSQLSink(ctx context.Context, db *sql.DB, dialect Dialect, onError func(error)) (*SQLSink, error) {
	s := &SQLSink{db: db, dialect: dialect, timeout: defaultWriteTimeout, onError: onError}
	if _, err := db.ExecContext(ctx, s.schema()); err != nil {
		return nil, fmt.Errorf("events: migrate %s: %w", dialect, err)
	}
	return s, nil
}

func (s *SQLSink) schema() string {
	if s.dialect == DialectPostgres {
		return `CREATE TABLE IF NOT EXISTS events (
			id         BIGSERIAL PRIMARY KEY,
			name       TEXT        NOT NULL,
			ts         TIMESTAMPTZ NOT NULL,
			fields     JSONB       NOT NULL DEFAULT '{}'
		)`
	}
	return `CREATE TABLE IF NOT EXISTS events (
		id     INTEGER PRIMARY KEY AUTOINCREMENT,
		name   TEXT NOT NULL,
		ts     TEXT NOT NULL,
		fields TEXT NOT NULL DEFAULT '{}'
	)`
}

// placeholder returns the i-th positional placeholder for the dialect.
func (s *SQLSink) placeholder(i int) string {
	if s.dialect == DialectPostgres {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

// Emit implements Emitter. Write failures go to onError.
func (s *SQLSink) Emit(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.Insert(ctx, e); err != nil && s.onError != nil {
		s.onError(err)
	}
}

// Insert writes one event.
func (s *SQLSink) Insert(ctx context.Context, e Event) error {
	fields := e.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("events: marshal fields: %w", err)
	}

	query := fmt.Sprintf("INSERT INTO events (name, ts, fields) VALUES (%s, %s, %s)",
		s.placeholder(1), s.placeholder(2), s.placeholder(3))

	ts := s.timestamp(e.Timestamp)

	if _, err := s.db.ExecContext(ctx, query, string(e.Name), ts, string(data)); err != nil {
		return fmt.Errorf("events: insert %s: %w", e.Name, err)
	}
	return nil
}

// Recent returns up to limit events, newest first. An empty name matches all.
func (s *SQLSink) Recent(ctx context.Context, name Name, limit int) ([]Event, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := "SELECT name, ts, fields FROM events"
	args := []any{}
	if name != "" {
		query += " WHERE name = " + s.placeholder(1)
		args = append(args, string(name))
	}
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT %s", s.placeholder(len(args)+1))
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("events: query recent: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var (
			ev     Event
			ts     any
			fields string
		)
		if err := rows.Scan(&ev.Name, &ts, &fields); err != nil {
			return nil, fmt.Errorf("events: scan: %w", err)
		}
		ev.Timestamp = parseTimestamp(ts)
		if err := json.Unmarshal([]byte(fields), &ev.Fields); err != nil {
			return nil, fmt.Errorf("events: unmarshal fields: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("events: recent rows: %w", err)
	}
	return out, nil
}

// timestamp converts t to the stored representation. SQLite keeps
// fixed-width UTC text so that string comparison orders correctly.
func (s *SQLSink) timestamp(t time.Time) any {
	if s.dialect == DialectSQLite {
		return t.UTC().Format(sqliteTimeLayout)
	}
	return t.UTC()
}

// Prune deletes events older than before and returns how many were removed.
func (s *SQLSink) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE ts < "+s.placeholder(1), s.timestamp(before))
	if err != nil {
		return 0, fmt.Errorf("events: prune: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("events: prune rows: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (s *SQLSink) Close() error {
	return s.db.Close()
}

func parseTimestamp(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		parsed, _ := time.Parse(time.RFC3339Nano, t)
		return parsed
	case []byte:
		parsed, _ := time.Parse(time.RFC3339Nano, string(t))
		return parsed
	}
	return time.Time{}
}
