package accesslog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// schemaVersion is the current access-log schema version.
const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS access_log (
    id TEXT PRIMARY KEY,
    ts TIMESTAMP NOT NULL,

    method TEXT NOT NULL,
    host TEXT,
    path TEXT NOT NULL,

    route TEXT,
    upstream_group TEXT,
    upstream TEXT,

    status INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL,

    remote_addr TEXT,
    generation INTEGER NOT NULL,
    upgraded BOOLEAN NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_access_log_ts ON access_log(ts);
CREATE INDEX IF NOT EXISTS idx_access_log_route ON access_log(route);

CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY
);
`

// Entry is one access record.
type Entry struct {
	ID         string
	Time       time.Time
	Method     string
	Host       string
	Path       string
	Route      string
	Group      string
	Upstream   string
	Status     int
	Duration   time.Duration
	RemoteAddr string
	Generation uint64
	Upgraded   bool
}

// Store is the SQLite-backed access record store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenStore opens (creating if needed) the database at path and prepares
// the schema. WAL mode keeps readers from blocking the writer.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening access log db: %w", err)
	}
	// The async recorder is the single writer.
	db.SetMaxOpenConns(4)

	s := &Store{
		db:     db,
		logger: slog.Default().With("component", "accesslog.store"),
	}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	s.logger.Info("access log store opened", "path", path)
	return s, nil
}

func (s *Store) initialize() error {
	if _, err := s.db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return fmt.Errorf("enabling WAL: %w", err)
	}
	if _, err := s.db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		return fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	if _, err := s.db.Exec(
		"INSERT OR IGNORE INTO schema_version (version) VALUES (?)", schemaVersion,
	); err != nil {
		return fmt.Errorf("recording schema version: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("schema version mismatch: expected %d, got %d", schemaVersion, version)
	}
	return nil
}

// Insert persists one entry.
func (s *Store) Insert(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO access_log (
			id, ts, method, host, path,
			route, upstream_group, upstream,
			status, duration_ms,
			remote_addr, generation, upgraded
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Time.UTC(), e.Method, e.Host, e.Path,
		e.Route, e.Group, e.Upstream,
		e.Status, e.Duration.Milliseconds(),
		e.RemoteAddr, e.Generation, e.Upgraded,
	)
	if err != nil {
		return fmt.Errorf("inserting access record: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, method, host, path,
		       route, upstream_group, upstream,
		       status, duration_ms,
		       remote_addr, generation, upgraded
		FROM access_log ORDER BY ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying access records: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var durationMs int64
		if err := rows.Scan(
			&e.ID, &e.Time, &e.Method, &e.Host, &e.Path,
			&e.Route, &e.Group, &e.Upstream,
			&e.Status, &durationMs,
			&e.RemoteAddr, &e.Generation, &e.Upgraded,
		); err != nil {
			return nil, fmt.Errorf("scanning access record: %w", err)
		}
		e.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns the number of stored entries.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM access_log").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting access records: %w", err)
	}
	return n, nil
}

// DeleteOlderThan removes entries with a timestamp before cutoff and
// returns how many were deleted.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM access_log WHERE ts < ?", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("pruning access records: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
