package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

var cacheTables = []string{
	"cached_routes",
	"cached_vehicles",
	"cached_students",
	"cached_trips",
	"cached_locations",
	"cached_profiles",
	"pending_operations",
	"session_state",
	"auth_session",
}

func migratedDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "cache.db")+"?_pragma=foreign_keys(1)")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := ApplyMigrations(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

func tableCount(t *testing.T, conn *sql.DB, name string) int {
	t.Helper()
	var n int
	err := conn.QueryRowContext(context.Background(),
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n)
	if err != nil {
		t.Fatalf("lookup %s: %v", name, err)
	}
	return n
}

func TestMigrationsAreIdempotentAndReversible(t *testing.T) {
	ctx := context.Background()
	conn := migratedDB(t)
	if err := ApplyMigrations(ctx, conn); err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if v, err := SchemaVersion(ctx, conn); err != nil || v != len(migrations) {
		t.Fatalf("version = %d, %v; want %d", v, err, len(migrations))
	}
	for _, name := range cacheTables {
		if tableCount(t, conn, name) != 1 {
			t.Fatalf("table %s missing after migrate", name)
		}
	}

	if err := RollbackAll(ctx, conn); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	for _, name := range cacheTables {
		if tableCount(t, conn, name) != 0 {
			t.Fatalf("table %s left behind by rollback", name)
		}
	}
	if v, err := SchemaVersion(ctx, conn); err != nil || v != 0 {
		t.Fatalf("version after rollback = %d, %v", v, err)
	}
}

func TestSchemaRejectsInvalidRows(t *testing.T) {
	conn := migratedDB(t)
	cases := map[string]string{
		"expiry before cache time": `INSERT INTO cached_trips(id, payload, cached_at, expires_at)
			VALUES('t1','{}','2026-01-01T00:00:10.000000000Z','2026-01-01T00:00:05.000000000Z')`,
		"attempts over limit": `INSERT INTO pending_operations(kind, target_kind, target_id, attempts, max_attempts, idempotency_key, created_at, updated_at)
			VALUES('create','trip','t1',4,3,'k1','x','x')`,
		"unknown operation kind": `INSERT INTO pending_operations(kind, target_kind, target_id, max_attempts, idempotency_key, created_at, updated_at)
			VALUES('upsert','trip','t1',3,'k2','x','x')`,
		"unknown mode": `INSERT INTO session_state(session_id, mode, checked_at) VALUES('s1','degraded','x')`,
		"second auth slot": `INSERT INTO auth_session(slot, user_id, access_token, refresh_token, expires_at, updated_at)
			VALUES(2,'u','a','r','x','x')`,
	}
	for name, stmt := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := conn.ExecContext(context.Background(), stmt); err == nil {
				t.Fatal("insert accepted")
			}
		})
	}
}
