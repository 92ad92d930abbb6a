package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/g960059/ridewatch/internal/model"
)

func (s *Store) PutSessionState(ctx context.Context, state model.SessionState) error {
	if state.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if state.CheckedAt.IsZero() {
		state.CheckedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO session_state(session_id, mode, probe_target, checked_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
	mode=excluded.mode,
	probe_target=excluded.probe_target,
	checked_at=excluded.checked_at
`, state.SessionID, string(state.Mode), state.ProbeTarget, ts(state.CheckedAt))
	if err != nil {
		return fmt.Errorf("put session state: %w", err)
	}
	return nil
}

func (s *Store) GetSessionState(ctx context.Context, sessionID string) (model.SessionState, error) {
	var (
		state     model.SessionState
		mode      string
		checkedAt string
	)
	err := s.db.QueryRowContext(ctx, `SELECT session_id, mode, probe_target, checked_at FROM session_state WHERE session_id = ?`, sessionID).
		Scan(&state.SessionID, &mode, &state.ProbeTarget, &checkedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.SessionState{}, ErrNotFound
		}
		return model.SessionState{}, fmt.Errorf("get session state: %w", err)
	}
	state.Mode = model.Mode(mode)
	if state.CheckedAt, err = parseTS(checkedAt); err != nil {
		return model.SessionState{}, fmt.Errorf("parse checked_at: %w", err)
	}
	return state, nil
}

func (s *Store) DeleteSessionState(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_state WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session state: %w", err)
	}
	return nil
}

// SaveAuthSession stores the single signed-in backend session.
func (s *Store) SaveAuthSession(ctx context.Context, session model.Session) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO auth_session(slot, user_id, access_token, refresh_token, expires_at, updated_at)
VALUES (1, ?, ?, ?, ?, ?)
ON CONFLICT(slot) DO UPDATE SET
	user_id=excluded.user_id,
	access_token=excluded.access_token,
	refresh_token=excluded.refresh_token,
	expires_at=excluded.expires_at,
	updated_at=excluded.updated_at
`, session.UserID, session.AccessToken, session.RefreshToken, ts(session.ExpiresAt), ts(s.now()))
	if err != nil {
		return fmt.Errorf("save auth session: %w", err)
	}
	return nil
}

func (s *Store) LoadAuthSession(ctx context.Context) (model.Session, error) {
	var (
		session   model.Session
		expiresAt string
	)
	err := s.db.QueryRowContext(ctx, `SELECT user_id, access_token, refresh_token, expires_at FROM auth_session WHERE slot = 1`).
		Scan(&session.UserID, &session.AccessToken, &session.RefreshToken, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Session{}, ErrNotFound
		}
		return model.Session{}, fmt.Errorf("load auth session: %w", err)
	}
	if session.ExpiresAt, err = parseTS(expiresAt); err != nil {
		return model.Session{}, fmt.Errorf("parse expires_at: %w", err)
	}
	return session, nil
}

func (s *Store) ClearAuthSession(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM auth_session`); err != nil {
		return fmt.Errorf("clear auth session: %w", err)
	}
	return nil
}
