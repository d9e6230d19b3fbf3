// Package store persists jobs, titles, and configuration in sqlite.
//
// All mutations run inside transactions. Callers that read-modify-write an
// entity re-read it by id inside the transaction; nothing caches entities
// across suspension points.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"spool/internal/logging"
)

// Store wraps the sqlite handle.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const busyRetries = 5

// Open opens (or creates) the database at path and reconciles the schema.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logging.Component(logger, "store")}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const schemaJobs = `
CREATE TABLE disc_jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	drive TEXT NOT NULL,
	disc_label TEXT NOT NULL DEFAULT '',
	content_type TEXT NOT NULL DEFAULT 'unknown',
	detected_title TEXT NOT NULL DEFAULT '',
	detected_season INTEGER,
	disc_number INTEGER NOT NULL DEFAULT 1,
	staging_dir TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL DEFAULT 'idle',
	progress_percent REAL NOT NULL DEFAULT 0,
	current_title_index INTEGER NOT NULL DEFAULT 0,
	total_titles INTEGER NOT NULL DEFAULT 0,
	speed TEXT NOT NULL DEFAULT '',
	eta_seconds INTEGER NOT NULL DEFAULT 0,
	final_path TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	subtitle_status TEXT NOT NULL DEFAULT 'none'
)`

const schemaTitles = `
CREATE TABLE disc_titles (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id INTEGER NOT NULL REFERENCES disc_jobs(id) ON DELETE CASCADE,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	title_index INTEGER NOT NULL,
	duration_seconds REAL NOT NULL DEFAULT 0,
	expected_bytes INTEGER NOT NULL DEFAULT 0,
	chapter_count INTEGER NOT NULL DEFAULT 0,
	resolution TEXT NOT NULL DEFAULT '',
	is_selected INTEGER NOT NULL DEFAULT 1,
	is_extra INTEGER NOT NULL DEFAULT 0,
	state TEXT NOT NULL DEFAULT 'pending',
	matched_episode TEXT NOT NULL DEFAULT '',
	confidence REAL NOT NULL DEFAULT 0,
	match_details TEXT NOT NULL DEFAULT '',
	edition TEXT NOT NULL DEFAULT '',
	output_filename TEXT NOT NULL DEFAULT '',
	organized_to TEXT NOT NULL DEFAULT ''
)`

const schemaAppConfig = `
CREATE TABLE IF NOT EXISTS app_config (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	payload TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`

// migrate reconciles tables against the model. app_config is preserved
// unconditionally; the transient job/title tables are rebuilt when their
// columns diverge (jobs and titles only exist while a disc is in flight, so
// losing them is recoverable by re-inserting the disc).
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaAppConfig); err != nil {
		return fmt.Errorf("create app_config: %w", err)
	}

	tables := []struct {
		name    string
		schema  string
		columns []string
	}{
		{"disc_jobs", schemaJobs, []string{
			"id", "created_at", "updated_at", "drive", "disc_label",
			"content_type", "detected_title", "detected_season", "disc_number",
			"staging_dir", "state", "progress_percent", "current_title_index",
			"total_titles", "speed", "eta_seconds", "final_path",
			"error_message", "subtitle_status",
		}},
		{"disc_titles", schemaTitles, []string{
			"id", "job_id", "created_at", "updated_at", "title_index",
			"duration_seconds", "expected_bytes", "chapter_count", "resolution",
			"is_selected", "is_extra", "state", "matched_episode", "confidence",
			"match_details", "edition", "output_filename", "organized_to",
		}},
	}

	for _, table := range tables {
		existing, err := s.tableColumns(ctx, table.name)
		if err != nil {
			return err
		}
		if existing == nil {
			if _, err := s.db.ExecContext(ctx, table.schema); err != nil {
				return fmt.Errorf("create %s: %w", table.name, err)
			}
			continue
		}
		if columnsMatch(existing, table.columns) {
			continue
		}
		s.logger.Warn("schema mismatch, rebuilding table",
			logging.String("table", table.name))
		if _, err := s.db.ExecContext(ctx, "DROP TABLE "+table.name); err != nil {
			return fmt.Errorf("drop %s: %w", table.name, err)
		}
		if _, err := s.db.ExecContext(ctx, table.schema); err != nil {
			return fmt.Errorf("recreate %s: %w", table.name, err)
		}
	}
	return nil
}

// tableColumns returns the column names of a table, or nil when the table
// does not exist.
func (s *Store) tableColumns(ctx context.Context, table string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", table, err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var (
			cid        int
			name       string
			typeName   string
			notNull    int
			defaultVal sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &typeName, &notNull, &defaultVal, &primaryKey); err != nil {
			return nil, fmt.Errorf("scan table_info for %s: %w", table, err)
		}
		columns = append(columns, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return columns, nil
}

func columnsMatch(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	g := append([]string{}, got...)
	w := append([]string{}, want...)
	sort.Strings(g)
	sort.Strings(w)
	for i := range g {
		if g[i] != w[i] {
			return false
		}
	}
	return true
}

// WithTx runs fn inside a transaction, retrying on sqlite busy errors.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < busyRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
			}
		}
		sqlTx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			if isBusy(err) {
				lastErr = err
				continue
			}
			return fmt.Errorf("begin transaction: %w", err)
		}
		err = fn(&Tx{q: sqlTx})
		if err != nil {
			sqlTx.Rollback()
			if isBusy(err) {
				lastErr = err
				continue
			}
			return err
		}
		if err := sqlTx.Commit(); err != nil {
			if isBusy(err) {
				lastErr = err
				continue
			}
			return fmt.Errorf("commit transaction: %w", err)
		}
		return nil
	}
	return fmt.Errorf("transaction retries exhausted: %w", lastErr)
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// Tx exposes the store operations inside a transaction.
type Tx struct {
	q querier
}
