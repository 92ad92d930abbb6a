package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/g960059/ridewatch/internal/db"
	"github.com/g960059/ridewatch/internal/model"
	"github.com/g960059/ridewatch/internal/resilience"
)

// Mutation is a write intent.
type Mutation struct {
	Kind   model.OperationKind
	Target model.OperationTarget
	// Payload is marshaled to JSON unless it already is json.RawMessage.
	Payload any
}

type WriteResult struct {
	Confirmed bool
	Queued    bool
	// Operation is the queued operation when Queued is set, or when a
	// write that waited behind earlier ones was confirmed by replay.
	Operation model.PendingOperation
	// Response is the backend representation when Confirmed is set.
	Response json.RawMessage
}

// Mutate sends m to the backend when it is reachable. When it is not, or
// the attempt fails with a transient error, the write is queued and
// Mutate reports Queued with a nil error. Policy, auth, validation and
// schema failures are returned because replaying them cannot succeed.
func (m *Manager) Mutate(ctx context.Context, mut Mutation) (WriteResult, error) {
	if !mut.Kind.Valid() {
		return WriteResult{}, fmt.Errorf("unknown operation kind %q", mut.Kind)
	}
	if !mut.Target.Kind.Valid() {
		return WriteResult{}, fmt.Errorf("%w: %q", db.ErrUnknownKind, mut.Target.Kind)
	}
	payload, err := encodePayload(mut.Payload)
	if err != nil {
		return WriteResult{}, err
	}
	op := model.PendingOperation{
		Kind:           mut.Kind,
		Target:         mut.Target,
		Payload:        payload,
		MaxAttempts:    m.maxAttempts(),
		IdempotencyKey: uuid.NewString(),
	}

	if !m.reachable() {
		return m.enqueue(ctx, op, nil)
	}
	earlier, err := m.store.ListOperationsFor(ctx, op.Target.Kind, op.Target.ID)
	if err != nil {
		return WriteResult{}, fmt.Errorf("check queue for %s: %w", targetKey(op.Target), err)
	}
	if len(earlier) > 0 {
		return m.queueBehind(ctx, op)
	}

	resp, err := resilience.Execute(ctx, m.ex, resilience.Request{Path: m.dispatcher.Path(op)},
		func(ctx context.Context) (json.RawMessage, error) {
			return m.dispatcher.Dispatch(ctx, op)
		})
	if err == nil {
		m.applyToCache(ctx, op, resp)
		m.metrics.Write(string(op.Kind), "confirmed")
		return WriteResult{Confirmed: true, Response: resp}, nil
	}

	ce := resilience.Classify(err)
	switch ce.Kind {
	case resilience.KindTransport, resilience.KindServer:
		return m.enqueue(ctx, op, ce)
	default:
		m.metrics.Write(string(op.Kind), "failed")
		return WriteResult{}, ce
	}
}

func (m *Manager) enqueue(ctx context.Context, op model.PendingOperation, cause *resilience.Error) (WriteResult, error) {
	queued, err := m.store.EnqueueOperation(ctx, op)
	if err != nil {
		m.metrics.Write(string(op.Kind), "failed")
		return WriteResult{}, fmt.Errorf("queue %s: %w", op.Kind, err)
	}
	args := []any{"op", queued.ID, "kind", queued.Kind, "target", model.CacheKey(queued.Target.Kind, queued.Target.ID)}
	if cause != nil {
		args = append(args, "cause", cause.Message)
	}
	m.enqueued.Store(true)
	m.log.Info("write queued", args...)
	m.applyToCache(ctx, queued, nil)
	m.metrics.Write(string(op.Kind), "queued")
	m.refreshQueueGauge(ctx)
	return WriteResult{Queued: true, Operation: queued}, nil
}

// queueBehind appends op after the writes already queued for its target
// and replays, so it reaches the backend only after them. The result is
// Confirmed when the replay got op through.
func (m *Manager) queueBehind(ctx context.Context, op model.PendingOperation) (WriteResult, error) {
	res, err := m.enqueue(ctx, op, nil)
	if err != nil {
		return res, err
	}
	m.drain(ctx)
	_, err = m.store.GetOperation(ctx, res.Operation.ID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		return WriteResult{Confirmed: true, Operation: res.Operation}, nil
	case err != nil:
		m.log.Warn("look up queued write failed", "op", res.Operation.ID, "error", err)
	}
	return res, nil
}

func (m *Manager) maxAttempts() int {
	if m.cfg.MaxAttempts > 0 {
		return m.cfg.MaxAttempts
	}
	return 5
}

func encodePayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, errors.New("mutation payload is not valid json")
		}
		return p, nil
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode mutation payload: %w", err)
		}
		return raw, nil
	}
}

// applyToCache reflects a write in the cached entity. resp is the
// backend representation when the write was confirmed.
func (m *Manager) applyToCache(ctx context.Context, op model.PendingOperation, resp json.RawMessage) {
	kind, id := op.Target.Kind, op.Target.ID
	if id == "" {
		return
	}
	if op.Kind == model.OpDelete {
		if err := m.store.DeleteEntry(ctx, kind, id); err != nil && !errors.Is(err, db.ErrNotFound) {
			m.log.Warn("cache delete failed", "kind", kind, "id", id, "error", err)
		}
		return
	}

	var next json.RawMessage
	if rep := representation(resp); rep != nil && op.Kind != model.OpLocationUpdate {
		next = rep
	} else {
		var base json.RawMessage
		if entry, err := m.store.GetEntry(ctx, kind, id); err == nil {
			base = entry.Payload
		}
		if base == nil && !replaces(op.Kind) {
			// Partial update of something we never cached.
			return
		}
		var keep bool
		next, keep = applyOperation(base, op)
		if !keep || next == nil {
			return
		}
	}
	entry := m.store.NewEntry(kind, id, next, m.cfg.TTLFor(kind))
	if err := m.store.PutEntry(ctx, entry); err != nil {
		m.log.Warn("cache write failed", "kind", kind, "id", id, "error", err)
	}
}

// replaces reports whether op carries the whole entity rather than a patch.
func replaces(kind model.OperationKind) bool {
	return kind == model.OpCreate || kind == model.OpLocationUpdate
}

// applyOperation returns payload with op applied. keep is false when op
// deletes the entity.
func applyOperation(payload json.RawMessage, op model.PendingOperation) (json.RawMessage, bool) {
	switch op.Kind {
	case model.OpDelete:
		return nil, false
	case model.OpCreate, model.OpLocationUpdate:
		if len(op.Payload) == 0 {
			return payload, true
		}
		return op.Payload, true
	default:
		patch := op.Payload
		if op.Kind == model.OpTripStart || op.Kind == model.OpTripEnd {
			patch = tripPatch(op)
		}
		return mergeObjects(payload, patch), true
	}
}

// mergeObjects overlays the top-level fields of patch on base. A base
// that is not an object is replaced.
func mergeObjects(base, patch json.RawMessage) json.RawMessage {
	if len(patch) == 0 {
		return base
	}
	var p map[string]json.RawMessage
	if err := json.Unmarshal(patch, &p); err != nil {
		return base
	}
	b := map[string]json.RawMessage{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &b); err != nil {
			b = map[string]json.RawMessage{}
		}
	}
	for k, v := range p {
		b[k] = v
	}
	out, err := json.Marshal(b)
	if err != nil {
		return base
	}
	return out
}

// representation extracts the single row the backend returned for a
// write, or nil when it returned none.
func representation(resp json.RawMessage) json.RawMessage {
	if len(resp) == 0 || string(resp) == "null" {
		return nil
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(resp, &rows); err == nil {
		if len(rows) == 1 {
			return rows[0]
		}
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(resp, &obj); err == nil && len(obj) > 0 {
		return resp
	}
	return nil
}
