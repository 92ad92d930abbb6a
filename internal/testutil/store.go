package testutil

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/g960059/ridewatch/internal/db"
	"github.com/g960059/ridewatch/internal/model"
)

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, filepath.Join(t.TempDir(), "ridewatch-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

// Clock is a manually advanced time source for stores and managers.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start.UTC()}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// SeedEntry caches v as JSON under kind/id with the given ttl.
func SeedEntry(t *testing.T, store *db.Store, ctx context.Context, kind model.EntityKind, id string, v any, ttl time.Duration) model.CacheEntry {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal seed entry: %v", err)
	}
	entry := store.NewEntry(kind, id, raw, ttl)
	if err := store.PutEntry(ctx, entry); err != nil {
		t.Fatalf("seed %s entry: %v", kind, err)
	}
	return entry
}

func SeedOperation(t *testing.T, store *db.Store, ctx context.Context, kind model.OperationKind, target model.OperationTarget, payload any) model.PendingOperation {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal seed payload: %v", err)
	}
	op, err := store.EnqueueOperation(ctx, model.PendingOperation{
		Kind:        kind,
		Target:      target,
		Payload:     raw,
		MaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("seed operation: %v", err)
	}
	return op
}
