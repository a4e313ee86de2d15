package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"tradechat/internal/models"
)

const messageColumns = `id, session_id, sender, content, kind, metadata, created_at`

func scanMessage(row rowScanner) (*models.Message, error) {
	m := new(models.Message)
	if err := row.Scan(&m.ID, &m.SessionID, &m.Sender, &m.Content, &m.Kind, &m.Metadata, &m.CreatedAt); err != nil {
		return nil, err
	}
	return m, nil
}

// AppendMessage stores a message in an ACTIVE session owned by userID and
// bumps the session's updated_at.
func (s *Service) AppendMessage(ctx context.Context, userID, sessionID int64, sender models.Role, content string, kind models.Kind, metadata string) (*models.Message, error) {
	if !sender.Valid() {
		return nil, invalid("sender must be USER or ASSISTANT")
	}
	if kind == "" {
		kind = models.KindText
	}
	if !kind.Valid() {
		return nil, invalid("unknown message kind")
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, invalid("content cannot be empty")
	}
	session, err := s.GetSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != models.StatusActive {
		return nil, ErrSessionNotActive
	}

	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (session_id, sender, content, kind, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, sender, content, kind, metadata, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, now, sessionID); err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}
	return &models.Message{
		ID:        id,
		SessionID: sessionID,
		Sender:    sender,
		Content:   content,
		Kind:      kind,
		Metadata:  metadata,
		CreatedAt: now,
	}, nil
}

// ListMessages returns the full history of a session, oldest first.
func (s *Service) ListMessages(ctx context.Context, userID, sessionID int64) ([]*models.Message, error) {
	if _, err := s.GetSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE session_id = ? ORDER BY created_at ASC, id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]*models.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// LatestMessage returns (nil, nil) when the session has no messages.
func (s *Service) LatestMessage(ctx context.Context, userID, sessionID int64) (*models.Message, error) {
	if _, err := s.GetSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	m, err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE session_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		sessionID,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest message: %w", err)
	}
	return m, nil
}
