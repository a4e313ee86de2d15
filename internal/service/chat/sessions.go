package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"tradechat/internal/models"
)

const sessionColumns = `id, user_id, purpose, language, session_data, status, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var s models.Session
	if err := row.Scan(&s.ID, &s.UserID, &s.Purpose, &s.Language, &s.SessionData, &s.Status, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateSession opens a new ACTIVE session owned by userID.
func (s *Service) CreateSession(ctx context.Context, userID int64, purpose models.Purpose, language, payload string) (*models.Session, error) {
	if userID <= 0 {
		return nil, invalid("user_id is required")
	}
	if !purpose.Valid() {
		return nil, invalid("purpose must be an upper-case tag")
	}
	language = strings.TrimSpace(language)
	if language == "" {
		return nil, invalid("language is required")
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (user_id, purpose, language, session_data, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		userID, purpose, language, payload, models.StatusActive, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}
	s.logger.Info("session created",
		zap.Int64("session_id", id),
		zap.Int64("user_id", userID),
		zap.String("purpose", string(purpose)))
	return &models.Session{
		ID:          id,
		UserID:      userID,
		Purpose:     purpose,
		Language:    language,
		SessionData: payload,
		Status:      models.StatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// GetSession returns sql.ErrNoRows when the session does not exist or belongs
// to another user.
func (s *Service) GetSession(ctx context.Context, userID, sessionID int64) (*models.Session, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ? AND user_id = ?`,
		sessionID, userID,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

// ListSessions returns all sessions for a user ordered by last activity.
func (s *Service) ListSessions(ctx context.Context, userID int64) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE user_id = ? ORDER BY updated_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]*models.Session, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// UpdateSession moves a session to status and, when payload is non-nil,
// replaces its session data. An empty status keeps the current one. CLOSED and
// EXPIRED are terminal.
func (s *Service) UpdateSession(ctx context.Context, userID, sessionID int64, status models.SessionStatus, payload *string) (session *models.Session, err error) {
	if status != "" && !status.Valid() {
		return nil, invalid("unknown session status")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	current, err := scanSession(tx.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ? AND user_id = ?`,
		sessionID, userID,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	if status == "" {
		status = current.Status
	}
	if current.Status != models.StatusActive && status != current.Status {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, current.Status, status)
	}
	data := current.SessionData
	if payload != nil {
		data = *payload
	}
	now := s.now()
	if _, err = tx.ExecContext(ctx,
		`UPDATE sessions SET status = ?, session_data = ?, updated_at = ? WHERE id = ?`,
		status, data, now, sessionID,
	); err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit session update: %w", err)
	}
	if status != current.Status {
		s.logger.Info("session status changed",
			zap.Int64("session_id", sessionID),
			zap.String("from", string(current.Status)),
			zap.String("to", string(status)))
	}
	current.Status = status
	current.SessionData = data
	current.UpdatedAt = now
	return current, nil
}
