package model

import (
	"testing"
	"time"
)

func TestCacheEntryKeyAndExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	entry := CacheEntry{Kind: KindTrip, ID: "t-1", CachedAt: now, ExpiresAt: now.Add(time.Minute)}
	if got := entry.Key(); got != "trip:t-1" {
		t.Fatalf("unexpected key %q", got)
	}
	if entry.Expired(now.Add(59 * time.Second)) {
		t.Fatalf("entry should be fresh before expiry")
	}
	if !entry.Expired(now.Add(time.Minute)) {
		t.Fatalf("entry should be expired at expiry instant")
	}
}

func TestPendingOperationStuck(t *testing.T) {
	cases := []struct {
		name     string
		attempts int
		max      int
		want     bool
	}{
		{name: "fresh", attempts: 0, max: 3, want: false},
		{name: "below ceiling", attempts: 2, max: 3, want: false},
		{name: "at ceiling", attempts: 3, max: 3, want: true},
		{name: "unbounded", attempts: 10, max: 0, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			op := PendingOperation{Attempts: tc.attempts, MaxAttempts: tc.max}
			if got := op.Stuck(); got != tc.want {
				t.Fatalf("Stuck() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestKindValidation(t *testing.T) {
	if !KindLocation.Valid() || EntityKind("bus").Valid() {
		t.Fatalf("unexpected entity kind validation")
	}
	if !OpTripEnd.Valid() || OperationKind("upsert").Valid() {
		t.Fatalf("unexpected operation kind validation")
	}
}

func TestSessionValid(t *testing.T) {
	now := time.Now()
	if (Session{AccessToken: "tok", ExpiresAt: now.Add(-time.Second)}).Valid(now) {
		t.Fatalf("expired session reported valid")
	}
	if !(Session{AccessToken: "tok", ExpiresAt: now.Add(time.Hour)}).Valid(now) {
		t.Fatalf("live session reported invalid")
	}
}
