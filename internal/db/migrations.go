package db

import (
	"context"
	"database/sql"
	"fmt"
)

type Migration struct {
	Version int
	UpSQL   string
	DownSQL string
}

var migrations = []Migration{
	{
		Version: 1,
		UpSQL: `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS cached_routes (
	id TEXT PRIMARY KEY,
	payload TEXT NOT NULL,
	cached_at TEXT NOT NULL,
	expires_at TEXT NOT NULL CHECK(expires_at > cached_at)
);
CREATE INDEX IF NOT EXISTS cached_routes_expires_at ON cached_routes(expires_at);

CREATE TABLE IF NOT EXISTS cached_vehicles (
	id TEXT PRIMARY KEY,
	payload TEXT NOT NULL,
	cached_at TEXT NOT NULL,
	expires_at TEXT NOT NULL CHECK(expires_at > cached_at)
);
CREATE INDEX IF NOT EXISTS cached_vehicles_expires_at ON cached_vehicles(expires_at);

CREATE TABLE IF NOT EXISTS cached_students (
	id TEXT PRIMARY KEY,
	payload TEXT NOT NULL,
	cached_at TEXT NOT NULL,
	expires_at TEXT NOT NULL CHECK(expires_at > cached_at)
);
CREATE INDEX IF NOT EXISTS cached_students_expires_at ON cached_students(expires_at);

CREATE TABLE IF NOT EXISTS cached_trips (
	id TEXT PRIMARY KEY,
	payload TEXT NOT NULL,
	cached_at TEXT NOT NULL,
	expires_at TEXT NOT NULL CHECK(expires_at > cached_at)
);
CREATE INDEX IF NOT EXISTS cached_trips_expires_at ON cached_trips(expires_at);

CREATE TABLE IF NOT EXISTS cached_locations (
	id TEXT PRIMARY KEY,
	payload TEXT NOT NULL,
	cached_at TEXT NOT NULL,
	expires_at TEXT NOT NULL CHECK(expires_at > cached_at)
);
CREATE INDEX IF NOT EXISTS cached_locations_expires_at ON cached_locations(expires_at);

CREATE TABLE IF NOT EXISTS cached_profiles (
	id TEXT PRIMARY KEY,
	payload TEXT NOT NULL,
	cached_at TEXT NOT NULL,
	expires_at TEXT NOT NULL CHECK(expires_at > cached_at)
);
CREATE INDEX IF NOT EXISTS cached_profiles_expires_at ON cached_profiles(expires_at);

CREATE TABLE IF NOT EXISTS pending_operations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL CHECK(kind IN ('create','update','delete','location-update','trip-start','trip-end')),
	target_kind TEXT NOT NULL,
	target_id TEXT NOT NULL DEFAULT '',
	target_keys TEXT,
	payload TEXT,
	attempts INTEGER NOT NULL DEFAULT 0 CHECK(attempts >= 0),
	max_attempts INTEGER NOT NULL CHECK(max_attempts > 0),
	status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending','error')),
	error TEXT NOT NULL DEFAULT '',
	idempotency_key TEXT NOT NULL UNIQUE,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	CHECK(attempts <= max_attempts)
);

CREATE TABLE IF NOT EXISTS session_state (
	session_id TEXT PRIMARY KEY,
	mode TEXT NOT NULL CHECK(mode IN ('online','limited','offline')),
	probe_target TEXT NOT NULL DEFAULT '',
	checked_at TEXT NOT NULL
);
`,
		DownSQL: `
DROP TABLE IF EXISTS session_state;
DROP TABLE IF EXISTS pending_operations;
DROP TABLE IF EXISTS cached_profiles;
DROP TABLE IF EXISTS cached_locations;
DROP TABLE IF EXISTS cached_trips;
DROP TABLE IF EXISTS cached_students;
DROP TABLE IF EXISTS cached_vehicles;
DROP TABLE IF EXISTS cached_routes;
DROP TABLE IF EXISTS schema_migrations;
`,
	},
	{
		Version: 2,
		UpSQL: `
CREATE TABLE IF NOT EXISTS auth_session (
	slot INTEGER PRIMARY KEY CHECK(slot = 1),
	user_id TEXT NOT NULL,
	access_token TEXT NOT NULL,
	refresh_token TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`,
		DownSQL: `
DROP TABLE IF EXISTS auth_session;
`,
	},
}

func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration, or 0 on a fresh file.
func SchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version sql.NullInt64
	err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&version)
	if err != nil {
		if isNoSuchTableErr(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return int(version.Int64), nil
}

func RollbackAll(ctx context.Context, db *sql.DB) error {
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin rollback tx %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("rollback migration %d: %w", m.Version, err)
		}
		if m.Version > 1 {
			if _, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = ?`, m.Version); err != nil {
				tx.Rollback() //nolint:errcheck
				return fmt.Errorf("unrecord migration %d: %w", m.Version, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit rollback %d: %w", m.Version, err)
		}
	}
	return nil
}
