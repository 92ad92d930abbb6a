package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/g960059/ridewatch/internal/db"
	"github.com/g960059/ridewatch/internal/fallback"
	"github.com/g960059/ridewatch/internal/model"
	"github.com/g960059/ridewatch/internal/resilience"
)

type FetchRequest struct {
	Kind model.EntityKind
	ID   string
	// Hints are passed to the placeholder generator.
	Hints fallback.Hints
	// Critical requests retry policy errors (auth and storage reads).
	Critical bool
	// Load performs the network read and returns the entity as JSON.
	Load func(ctx context.Context) (json.RawMessage, error)
	// OnCached, if set, receives a non-expired cached entry before the
	// network is consulted.
	OnCached func(model.CacheEntry)
	// CacheFirst answers from a non-expired cached entry without a
	// network read.
	CacheFirst bool
}

type Result struct {
	Payload   json.RawMessage
	Source    model.Source
	IsOffline bool
	// Found is false when the backend confirmed the entity does not exist.
	Found    bool
	CachedAt time.Time
	// Err is the network failure a cache or fallback result stands in for.
	Err *resilience.Error
}

// Decode unmarshals the payload into v.
func (r Result) Decode(v any) error {
	if !r.Found {
		return db.ErrNotFound
	}
	return json.Unmarshal(r.Payload, v)
}

// FetchError is returned when neither the network, the cache nor a
// placeholder could answer a read.
type FetchError struct {
	Kind      model.EntityKind
	ID        string
	IsOffline bool
	Err       *resilience.Error
}

func (e *FetchError) Error() string {
	reason := "offline"
	if e.Err != nil {
		reason = e.Err.Error()
	}
	return fmt.Sprintf("fetch %s %s: no cached data (%s)", e.Kind, e.ID, reason)
}

func (e *FetchError) Unwrap() error {
	if e.Err == nil {
		return nil
	}
	return e.Err
}

// Fetch reads kind/id, preferring fresh network data and degrading to
// the cache and then to a placeholder. It only fails when none of them
// can answer, or when ctx is canceled.
func (m *Manager) Fetch(ctx context.Context, req FetchRequest) (Result, error) {
	if !req.Kind.Valid() {
		return Result{}, fmt.Errorf("%w: %q", db.ErrUnknownKind, req.Kind)
	}
	if m.demo && m.fallbacks.Supports(req.Kind) {
		payload, err := m.fallbacks.Generate(req.Kind, req.ID, req.Hints, m.now())
		if err != nil {
			return Result{}, err
		}
		m.metrics.Read(string(req.Kind), string(model.SourceFallback))
		return Result{Payload: payload, Source: model.SourceFallback, Found: true}, nil
	}

	cached, hasCache := m.cached(ctx, req.Kind, req.ID)
	if hasCache && req.OnCached != nil {
		req.OnCached(cached)
	}
	if hasCache && req.CacheFirst {
		m.metrics.Read(string(req.Kind), string(model.SourceCache))
		return Result{Payload: cached.Payload, Source: model.SourceCache, Found: true, CachedAt: cached.CachedAt}, nil
	}

	if !m.reachable() {
		return m.degrade(req, cached, hasCache, nil, true)
	}
	if req.Load == nil {
		return m.degrade(req, cached, hasCache, nil, false)
	}

	payload, err := resilience.Execute(ctx, m.ex, resilience.Request{Path: string(req.Kind), Critical: req.Critical}, req.Load)
	if err == nil {
		payload = m.overlayPending(ctx, req.Kind, req.ID, payload)
		if len(payload) == 0 || string(payload) == "null" {
			return m.notFound(ctx, req)
		}
		entry := m.store.NewEntry(req.Kind, req.ID, payload, m.cfg.TTLFor(req.Kind))
		if perr := m.store.PutEntry(ctx, entry); perr != nil {
			m.log.Warn("cache write failed", "kind", req.Kind, "id", req.ID, "error", perr)
		}
		m.metrics.Read(string(req.Kind), string(model.SourceOnline))
		return Result{Payload: payload, Source: model.SourceOnline, Found: true, CachedAt: entry.CachedAt}, nil
	}

	ce := resilience.Classify(err)
	switch ce.Kind {
	case resilience.KindCanceled:
		return Result{}, ce
	case resilience.KindNotFound:
		return m.notFound(ctx, req)
	}
	return m.degrade(req, cached, hasCache, ce, !m.reachable())
}

func (m *Manager) cached(ctx context.Context, kind model.EntityKind, id string) (model.CacheEntry, bool) {
	entry, err := m.store.GetEntry(ctx, kind, id)
	if err == nil {
		return entry, true
	}
	if !errors.Is(err, db.ErrNotFound) {
		m.log.Warn("cache read failed", "kind", kind, "id", id, "error", err)
	}
	return model.CacheEntry{}, false
}

func (m *Manager) notFound(ctx context.Context, req FetchRequest) (Result, error) {
	if err := m.store.DeleteEntry(ctx, req.Kind, req.ID); err != nil && !errors.Is(err, db.ErrNotFound) {
		m.log.Warn("cache delete failed", "kind", req.Kind, "id", req.ID, "error", err)
	}
	m.metrics.Read(string(req.Kind), "not-found")
	return Result{Source: model.SourceOnline}, nil
}

// degrade walks the fallback chain: cached entry, placeholder, error.
func (m *Manager) degrade(req FetchRequest, cached model.CacheEntry, hasCache bool, cause *resilience.Error, offline bool) (Result, error) {
	if hasCache {
		m.metrics.Read(string(req.Kind), string(model.SourceCache))
		return Result{
			Payload:   cached.Payload,
			Source:    model.SourceCache,
			IsOffline: offline,
			Found:     true,
			CachedAt:  cached.CachedAt,
			Err:       cause,
		}, nil
	}
	if m.fallbacks.Supports(req.Kind) {
		payload, err := m.fallbacks.Generate(req.Kind, req.ID, req.Hints, m.now())
		if err == nil {
			m.log.Info("serving placeholder", "kind", req.Kind, "id", req.ID, "offline", offline)
			m.metrics.Read(string(req.Kind), string(model.SourceFallback))
			return Result{Payload: payload, Source: model.SourceFallback, IsOffline: offline, Found: true, Err: cause}, nil
		}
		m.log.Warn("placeholder generation failed", "kind", req.Kind, "id", req.ID, "error", err)
	}
	m.metrics.Read(string(req.Kind), "error")
	return Result{}, &FetchError{Kind: req.Kind, ID: req.ID, IsOffline: offline, Err: cause}
}

// overlayPending applies queued writes for kind/id on top of fresh
// network data so a refresh does not hide them before replay.
func (m *Manager) overlayPending(ctx context.Context, kind model.EntityKind, id string, payload json.RawMessage) json.RawMessage {
	ops, err := m.store.ListOperationsFor(ctx, kind, id)
	if err != nil || len(ops) == 0 {
		return payload
	}
	for _, op := range ops {
		var keep bool
		payload, keep = applyOperation(payload, op)
		if !keep {
			return nil
		}
	}
	return payload
}
