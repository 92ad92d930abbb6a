package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/g960059/ridewatch/internal/db"
	"github.com/g960059/ridewatch/internal/model"
	"github.com/g960059/ridewatch/internal/resilience"
)

type ReplayResult struct {
	Synced    int
	Errored   int
	Remaining int
	Stuck     int
	// Offline is set when the pass did not run or stopped early because
	// the backend became unreachable.
	Offline bool
}

// Replay sends queued operations to the backend in queue order. Calls
// made while a pass is running join that pass instead of starting
// another one.
//
// Every attempt is persisted before the request goes out. Operations at
// their attempt ceiling are skipped and counted as stuck. Once an
// operation for a target fails or is stuck, later operations for the same
// target wait for the next pass so they never overtake it.
func (m *Manager) Replay(ctx context.Context) (ReplayResult, error) {
	v, err, shared := m.replays.Do("replay", func() (any, error) {
		return m.replay(ctx)
	})
	if shared {
		m.log.Debug("joined running replay pass")
	}
	res, _ := v.(ReplayResult)
	return res, err
}

// drain replays until a pass starts after the last enqueue. A Replay call
// that joins a running pass can miss operations queued after that pass
// listed the queue.
func (m *Manager) drain(ctx context.Context) {
	for range 3 {
		if _, err := m.Replay(ctx); err != nil {
			m.log.Warn("replay failed", "error", err)
			return
		}
		if !m.enqueued.Load() {
			return
		}
	}
}

func (m *Manager) replay(ctx context.Context) (ReplayResult, error) {
	var res ReplayResult
	m.enqueued.Store(false)
	ops, err := m.store.ListOperations(ctx)
	if err != nil {
		return res, fmt.Errorf("replay: %w", err)
	}
	if len(ops) == 0 {
		m.metrics.SetQueue(0, 0)
		return res, nil
	}
	if !m.reachable() {
		res.Offline = true
		res.Remaining = len(ops)
		for _, op := range ops {
			if op.Stuck() {
				res.Stuck++
			}
		}
		return res, nil
	}

	blocked := map[string]bool{}
	for _, op := range ops {
		if ctx.Err() != nil {
			break
		}
		key := targetKey(op.Target)
		if op.Stuck() {
			res.Stuck++
			blocked[key] = true
			continue
		}
		if blocked[key] {
			continue
		}
		if !m.reachable() {
			res.Offline = true
			break
		}

		started, err := m.store.BeginAttempt(ctx, op.ID)
		if errors.Is(err, db.ErrAttemptsSpent) {
			res.Stuck++
			blocked[key] = true
			continue
		}
		if err != nil {
			return res, fmt.Errorf("replay op %d: %w", op.ID, err)
		}
		op = started

		resp, err := resilience.Execute(ctx, m.ex, resilience.Request{Path: m.dispatcher.Path(op)},
			func(ctx context.Context) (json.RawMessage, error) {
				return m.dispatcher.Dispatch(ctx, op)
			})
		if err != nil {
			res.Errored++
			blocked[key] = true
			m.log.Warn("replay failed",
				"op", op.ID,
				"kind", op.Kind,
				"attempt", op.Attempts,
				"max_attempts", op.MaxAttempts,
				"error", err,
			)
			if merr := m.store.MarkOperationError(context.WithoutCancel(ctx), op.ID, err.Error()); merr != nil {
				m.log.Warn("record replay error failed", "op", op.ID, "error", merr)
			}
			continue
		}
		if err := m.store.DeleteOperation(ctx, op.ID); err != nil && !errors.Is(err, db.ErrNotFound) {
			return res, fmt.Errorf("replay op %d: %w", op.ID, err)
		}
		m.applyToCache(ctx, op, resp)
		res.Synced++
	}

	pending, stuck, err := m.store.CountOperations(context.WithoutCancel(ctx))
	if err != nil {
		return res, err
	}
	res.Remaining = pending
	res.Stuck = stuck
	m.metrics.SetQueue(pending, stuck)
	m.metrics.Replayed(res.Synced, res.Errored)
	m.log.Info("replay finished",
		"synced", res.Synced,
		"errored", res.Errored,
		"remaining", res.Remaining,
		"stuck", res.Stuck,
	)
	if res.Synced > 0 && m.notify != nil {
		m.notify(res)
	}
	return res, ctx.Err()
}

func targetKey(t model.OperationTarget) string {
	if t.ID != "" {
		return model.CacheKey(t.Kind, t.ID)
	}
	// Creates without a client id share a per-kind lane.
	return string(t.Kind) + ":"
}

func (m *Manager) refreshQueueGauge(ctx context.Context) {
	pending, stuck, err := m.store.CountOperations(ctx)
	if err != nil {
		return
	}
	m.metrics.SetQueue(pending, stuck)
}

// Pending returns every queued operation, stuck ones included.
func (m *Manager) Pending(ctx context.Context) ([]model.PendingOperation, error) {
	return m.store.ListOperations(ctx)
}

// Retry clears the attempt counter of a stuck operation.
func (m *Manager) Retry(ctx context.Context, id int64) error {
	if err := m.store.ResetOperation(ctx, id); err != nil {
		return fmt.Errorf("retry op %d: %w", id, err)
	}
	m.refreshQueueGauge(ctx)
	return nil
}

// Discard drops a queued operation without sending it.
func (m *Manager) Discard(ctx context.Context, id int64) error {
	if err := m.store.DeleteOperation(ctx, id); err != nil {
		return fmt.Errorf("discard op %d: %w", id, err)
	}
	m.refreshQueueGauge(ctx)
	return nil
}
