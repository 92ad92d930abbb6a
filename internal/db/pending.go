package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/g960059/ridewatch/internal/model"
	"github.com/g960059/ridewatch/internal/security"
)

// EnqueueOperation appends op to the pending queue and returns it with its
// assigned id. Queue order is id order.
func (s *Store) EnqueueOperation(ctx context.Context, op model.PendingOperation) (model.PendingOperation, error) {
	if !op.Kind.Valid() {
		return model.PendingOperation{}, fmt.Errorf("unknown operation kind %q", op.Kind)
	}
	if !op.Target.Kind.Valid() {
		return model.PendingOperation{}, fmt.Errorf("%w: %q", ErrUnknownKind, op.Target.Kind)
	}
	if op.MaxAttempts <= 0 {
		return model.PendingOperation{}, fmt.Errorf("max_attempts must be positive")
	}
	if op.Payload != nil && !json.Valid(op.Payload) {
		return model.PendingOperation{}, fmt.Errorf("operation payload is not valid json")
	}
	if op.IdempotencyKey == "" {
		op.IdempotencyKey = uuid.NewString()
	}
	now := s.now()
	op.ID = 0
	op.Attempts = 0
	op.Status = model.OpStatusPending
	op.Error = ""
	op.CreatedAt = now
	op.UpdatedAt = now

	var keys any
	if len(op.Target.Keys) > 0 {
		raw, err := json.Marshal(op.Target.Keys)
		if err != nil {
			return model.PendingOperation{}, fmt.Errorf("marshal target keys: %w", err)
		}
		keys = string(raw)
	}
	var payload any
	if op.Payload != nil {
		payload = string(op.Payload)
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO pending_operations(kind, target_kind, target_id, target_keys, payload, attempts, max_attempts, status, error, idempotency_key, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, 0, ?, ?, '', ?, ?, ?)
`, string(op.Kind), string(op.Target.Kind), op.Target.ID, keys, payload, op.MaxAttempts, string(op.Status), op.IdempotencyKey, ts(now), ts(now))
	if err != nil {
		if isUniqueErr(err) {
			return model.PendingOperation{}, ErrDuplicate
		}
		return model.PendingOperation{}, fmt.Errorf("enqueue operation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.PendingOperation{}, fmt.Errorf("enqueue operation id: %w", err)
	}
	op.ID = id
	return op, nil
}

const pendingColumns = `id, kind, target_kind, target_id, target_keys, payload, attempts, max_attempts, status, error, idempotency_key, created_at, updated_at`

// ListOperations returns every queued operation, stuck ones included, in FIFO order.
func (s *Store) ListOperations(ctx context.Context) ([]model.PendingOperation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+pendingColumns+` FROM pending_operations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()
	var out []model.PendingOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// ListOperationsFor returns the queued operations targeting kind/id in FIFO order.
func (s *Store) ListOperationsFor(ctx context.Context, kind model.EntityKind, id string) ([]model.PendingOperation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+pendingColumns+` FROM pending_operations WHERE target_kind = ? AND target_id = ? ORDER BY id`, string(kind), id)
	if err != nil {
		return nil, fmt.Errorf("list operations for %s: %w", kind, err)
	}
	defer rows.Close()
	var out []model.PendingOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func (s *Store) GetOperation(ctx context.Context, id int64) (model.PendingOperation, error) {
	op, err := scanOperation(s.db.QueryRowContext(ctx, `SELECT `+pendingColumns+` FROM pending_operations WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.PendingOperation{}, ErrNotFound
		}
		return model.PendingOperation{}, fmt.Errorf("get operation: %w", err)
	}
	return op, nil
}

// BeginAttempt persists attempts+1 for id before any network I/O happens,
// so a crash mid-replay still counts the attempt. It returns
// ErrAttemptsSpent when the op is already at its ceiling.
func (s *Store) BeginAttempt(ctx context.Context, id int64) (model.PendingOperation, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE pending_operations
SET attempts = attempts + 1, updated_at = ?
WHERE id = ? AND attempts < max_attempts
`, ts(s.now()), id)
	if err != nil {
		return model.PendingOperation{}, fmt.Errorf("begin attempt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.PendingOperation{}, fmt.Errorf("begin attempt rows affected: %w", err)
	}
	op, err := s.GetOperation(ctx, id)
	if err != nil {
		return model.PendingOperation{}, err
	}
	if n == 0 {
		return op, ErrAttemptsSpent
	}
	return op, nil
}

// MarkOperationError records a failed replay. The message is redacted
// before it is stored.
func (s *Store) MarkOperationError(ctx context.Context, id int64, message string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE pending_operations SET status = 'error', error = ?, updated_at = ? WHERE id = ?
`, security.RedactPayload(message), ts(s.now()), id)
	if err != nil {
		return fmt.Errorf("mark operation error: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteOperation removes a confirmed operation.
func (s *Store) DeleteOperation(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pending_operations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete operation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetOperation clears the attempt counter of a stuck operation so replay
// picks it up again.
func (s *Store) ResetOperation(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE pending_operations SET attempts = 0, status = 'pending', error = '', updated_at = ? WHERE id = ?
`, ts(s.now()), id)
	if err != nil {
		return fmt.Errorf("reset operation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountOperations returns the number of queued ops and how many of them are stuck.
func (s *Store) CountOperations(ctx context.Context) (pending int, stuck int, err error) {
	err = s.db.QueryRowContext(ctx, `
SELECT COUNT(*), COALESCE(SUM(CASE WHEN attempts >= max_attempts THEN 1 ELSE 0 END), 0)
FROM pending_operations
`).Scan(&pending, &stuck)
	if err != nil {
		return 0, 0, fmt.Errorf("count operations: %w", err)
	}
	return pending, stuck, nil
}

func scanOperation(scanner interface{ Scan(dest ...any) error }) (model.PendingOperation, error) {
	var (
		op         model.PendingOperation
		kind       string
		targetKind string
		targetKeys sql.NullString
		payload    sql.NullString
		status     string
		createdAt  string
		updatedAt  string
	)
	if err := scanner.Scan(&op.ID, &kind, &targetKind, &op.Target.ID, &targetKeys, &payload, &op.Attempts, &op.MaxAttempts, &status, &op.Error, &op.IdempotencyKey, &createdAt, &updatedAt); err != nil {
		return model.PendingOperation{}, err
	}
	op.Kind = model.OperationKind(kind)
	op.Target.Kind = model.EntityKind(targetKind)
	op.Status = model.OperationStatus(status)
	if targetKeys.Valid && targetKeys.String != "" {
		if err := json.Unmarshal([]byte(targetKeys.String), &op.Target.Keys); err != nil {
			return model.PendingOperation{}, fmt.Errorf("decode target keys: %w", err)
		}
	}
	if payload.Valid {
		op.Payload = json.RawMessage(payload.String)
	}
	var err error
	if op.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.PendingOperation{}, fmt.Errorf("parse created_at: %w", err)
	}
	if op.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return model.PendingOperation{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return op, nil
}
