package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/g960059/ridewatch/internal/model"
)

// PutEntry writes entry with last-writer-wins semantics.
func (s *Store) PutEntry(ctx context.Context, entry model.CacheEntry) error {
	table, err := cacheTable(entry.Kind)
	if err != nil {
		return err
	}
	if entry.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidEntry)
	}
	if !json.Valid(entry.Payload) {
		return fmt.Errorf("%w: payload is not valid json", ErrInvalidEntry)
	}
	if entry.CachedAt.IsZero() {
		entry.CachedAt = s.now()
	}
	if !entry.ExpiresAt.After(entry.CachedAt) {
		return fmt.Errorf("%w: expires_at must be after cached_at", ErrInvalidEntry)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO `+table+`(id, payload, cached_at, expires_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	payload=excluded.payload,
	cached_at=excluded.cached_at,
	expires_at=excluded.expires_at
`, entry.ID, string(entry.Payload), ts(entry.CachedAt), ts(entry.ExpiresAt))
	if err != nil {
		return fmt.Errorf("put %s entry: %w", entry.Kind, err)
	}
	return nil
}

// GetEntry returns the entry for kind/id. Expired entries are deleted and
// reported as ErrNotFound.
func (s *Store) GetEntry(ctx context.Context, kind model.EntityKind, id string) (model.CacheEntry, error) {
	table, err := cacheTable(kind)
	if err != nil {
		return model.CacheEntry{}, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT id, payload, cached_at, expires_at FROM `+table+` WHERE id = ?`, id)
	entry, err := scanEntry(row, kind)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.CacheEntry{}, ErrNotFound
		}
		return model.CacheEntry{}, fmt.Errorf("get %s entry: %w", kind, err)
	}
	if entry.Expired(s.now()) {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ? AND expires_at <= ?`, id, ts(s.now())); err != nil {
			return model.CacheEntry{}, fmt.Errorf("evict %s entry: %w", kind, err)
		}
		return model.CacheEntry{}, ErrNotFound
	}
	return entry, nil
}

// ListEntries returns the non-expired entries of kind ordered by id.
func (s *Store) ListEntries(ctx context.Context, kind model.EntityKind) ([]model.CacheEntry, error) {
	table, err := cacheTable(kind)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, payload, cached_at, expires_at FROM `+table+` WHERE expires_at > ? ORDER BY id`, ts(s.now()))
	if err != nil {
		return nil, fmt.Errorf("list %s entries: %w", kind, err)
	}
	defer rows.Close()
	var out []model.CacheEntry
	for rows.Next() {
		entry, err := scanEntry(rows, kind)
		if err != nil {
			return nil, fmt.Errorf("scan %s entry: %w", kind, err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *Store) DeleteEntry(ctx context.Context, kind model.EntityKind, id string) error {
	table, err := cacheTable(kind)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete %s entry: %w", kind, err)
	}
	return nil
}

// SweepExpired deletes every expired entry and returns how many were removed.
// Each table is swept on its own; a failure leaves earlier tables swept.
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	cutoff := ts(s.now())
	var total int64
	for _, kind := range model.EntityKinds {
		table := cacheTables[kind]
		res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE expires_at <= ?`, cutoff)
		if err != nil {
			return total, fmt.Errorf("sweep %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("sweep %s rows affected: %w", table, err)
		}
		total += n
	}
	return total, nil
}

// CountEntries reports the number of non-expired entries per kind.
func (s *Store) CountEntries(ctx context.Context) (map[model.EntityKind]int, error) {
	cutoff := ts(s.now())
	out := make(map[model.EntityKind]int, len(cacheTables))
	for _, kind := range model.EntityKinds {
		var n int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+cacheTables[kind]+` WHERE expires_at > ?`, cutoff).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s entries: %w", kind, err)
		}
		out[kind] = n
	}
	return out, nil
}

func scanEntry(scanner interface{ Scan(dest ...any) error }, kind model.EntityKind) (model.CacheEntry, error) {
	var (
		entry     model.CacheEntry
		payload   string
		cachedAt  string
		expiresAt string
	)
	if err := scanner.Scan(&entry.ID, &payload, &cachedAt, &expiresAt); err != nil {
		return model.CacheEntry{}, err
	}
	var err error
	if entry.CachedAt, err = parseTS(cachedAt); err != nil {
		return model.CacheEntry{}, fmt.Errorf("parse cached_at: %w", err)
	}
	if entry.ExpiresAt, err = parseTS(expiresAt); err != nil {
		return model.CacheEntry{}, fmt.Errorf("parse expires_at: %w", err)
	}
	entry.Kind = kind
	entry.Payload = json.RawMessage(payload)
	return entry, nil
}

// NewEntry stamps a fresh entry with the store clock.
func (s *Store) NewEntry(kind model.EntityKind, id string, payload json.RawMessage, ttl time.Duration) model.CacheEntry {
	now := s.now()
	return model.CacheEntry{Kind: kind, ID: id, Payload: payload, CachedAt: now, ExpiresAt: now.Add(ttl)}
}
