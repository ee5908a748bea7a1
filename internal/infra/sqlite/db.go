// Package sqlite provides SQLite-based persistent storage for a butler.
// Uses WAL mode for concurrent reads and crash-safe writes. Grounded on the
// teacher's internal/infra/sqlite/db.go: same Open/migrate/scanner shape,
// adapted from the models/node_info tables to the state/sessions/
// scheduled_tasks/butler_registry/message_inbox tables spec §6 describes.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)
)

// DB wraps a SQLite connection with WAL mode and migrations.
type DB struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at dir/<name>.db. Enables WAL
// mode, foreign keys, and a 5-second busy timeout.
func Open(dir, name string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, name+".db")
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// SQLite is single-writer; one connection avoids SQLITE_BUSY churn
	// under WAL and lets the busy-timeout pragma do its job.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// OpenPath opens (or creates) the database at an exact file path, used when
// two butlers share one database file with distinct schemas (spec §4.1
// database_schema).
func OpenPath(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping() error {
	return d.db.Ping()
}

// Exec and Query expose the raw connection to callers (internal/modreg's
// domain.ModuleDB adapter, module migrations) without leaking *sql.DB
// itself outside this package.
func (d *DB) Exec(query string, args ...any) (sql.Result, error) {
	return d.db.Exec(query, args...)
}

func (d *DB) Query(query string, args ...any) (*sql.Rows, error) {
	return d.db.Query(query, args...)
}

func (d *DB) QueryRow(query string, args ...any) *sql.Row {
	return d.db.QueryRow(query, args...)
}

// migrate runs idempotent schema migrations for the core butler tables.
// Module-owned tables are migrated separately by internal/modreg.
func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS state (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			version    INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id             TEXT PRIMARY KEY,
			prompt         TEXT NOT NULL,
			trigger_source TEXT NOT NULL,
			started_at     INTEGER NOT NULL,
			completed_at   INTEGER,
			result         TEXT NOT NULL DEFAULT '',
			tool_calls     TEXT NOT NULL DEFAULT '[]',
			success        BOOLEAN,
			error          TEXT NOT NULL DEFAULT '',
			duration_ms    INTEGER NOT NULL DEFAULT 0,
			trace_id       TEXT NOT NULL DEFAULT '',
			model          TEXT NOT NULL DEFAULT '',
			input_tokens   INTEGER NOT NULL DEFAULT 0,
			output_tokens  INTEGER NOT NULL DEFAULT 0,
			cost           REAL NOT NULL DEFAULT 0,
			request_id     TEXT NOT NULL DEFAULT '',
			schedule_name  TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_model ON sessions(model)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_schedule ON sessions(schedule_name)`,
		`CREATE TABLE IF NOT EXISTS scheduled_tasks (
			name          TEXT PRIMARY KEY,
			cron          TEXT NOT NULL,
			dispatch_mode TEXT NOT NULL,
			prompt        TEXT NOT NULL DEFAULT '',
			job_name      TEXT NOT NULL DEFAULT '',
			job_args      TEXT NOT NULL DEFAULT '',
			enabled       BOOLEAN NOT NULL DEFAULT 1,
			source        TEXT NOT NULL,
			next_run_at   INTEGER,
			last_run_at   INTEGER,
			last_result   TEXT NOT NULL DEFAULT '',
			until_at      INTEGER,
			stagger_key   TEXT NOT NULL DEFAULT '',
			timezone      TEXT NOT NULL DEFAULT '',
			start_at      INTEGER,
			end_at        INTEGER,
			display_title TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS butler_registry (
			name                 TEXT PRIMARY KEY,
			endpoint_url         TEXT NOT NULL,
			description          TEXT NOT NULL DEFAULT '',
			modules              TEXT NOT NULL DEFAULT '[]',
			last_seen_at         INTEGER,
			registered_at        INTEGER NOT NULL,
			eligibility_state    TEXT NOT NULL,
			eligibility_updated_at INTEGER NOT NULL,
			quarantined_at       INTEGER,
			quarantine_reason    TEXT NOT NULL DEFAULT '',
			liveness_ttl_seconds INTEGER NOT NULL DEFAULT 300
		)`,
		`CREATE TABLE IF NOT EXISTS butler_registry_eligibility_log (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			butler     TEXT NOT NULL,
			from_state TEXT NOT NULL,
			to_state   TEXT NOT NULL,
			reason     TEXT NOT NULL,
			at         INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_eligibility_log_butler ON butler_registry_eligibility_log(butler)`,
		`CREATE TABLE IF NOT EXISTS message_inbox (
			request_id               TEXT PRIMARY KEY,
			source_channel           TEXT NOT NULL,
			source_endpoint_identity TEXT NOT NULL DEFAULT '',
			sender_identity          TEXT NOT NULL DEFAULT '',
			prompt                   TEXT NOT NULL,
			trace_context            TEXT NOT NULL DEFAULT '',
			lifecycle_state          TEXT NOT NULL,
			classification           TEXT NOT NULL DEFAULT '',
			routing_results          TEXT NOT NULL DEFAULT '',
			created_at               INTEGER NOT NULL,
			idempotency_key          TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_inbox_idempotency ON message_inbox(idempotency_key) WHERE idempotency_key != ''`,
		`CREATE INDEX IF NOT EXISTS idx_inbox_state ON message_inbox(lifecycle_state)`,
		`CREATE TABLE IF NOT EXISTS routing_log (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id TEXT NOT NULL,
			target     TEXT NOT NULL,
			outcome    TEXT NOT NULL,
			detail     TEXT NOT NULL DEFAULT '',
			at         INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_routing_log_request ON routing_log(request_id)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func nullableUnix(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func nullableTimePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(n.Int64, 0).UTC()
	return &t
}

func unixPtr(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}
