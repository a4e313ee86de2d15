package chat

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"tradechat/internal/logging"
	"tradechat/internal/models"
)

var (
	// ErrInvalidInput wraps every request validation failure.
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUsernameTaken      = errors.New("username already taken")
	// ErrSessionNotActive rejects new messages on CLOSED or EXPIRED sessions.
	ErrSessionNotActive = errors.New("session is not active")
	// ErrInvalidTransition rejects status changes out of a terminal status.
	ErrInvalidTransition = errors.New("invalid session status transition")
)

// Service persists users, chat sessions and their messages.
type Service struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

func NewService(db *sql.DB, logger *zap.Logger) *Service {
	logger = logging.OrNop(logger)
	return &Service{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, msg)
}

// RegisterUser creates a user with the supplied credentials.
func (s *Service) RegisterUser(ctx context.Context, username, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	password = strings.TrimSpace(password)
	if username == "" || password == "" {
		return nil, invalid("username and password are required")
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE username = ?)`, username,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check username: %w", err)
	}
	if exists {
		return nil, ErrUsernameTaken
	}

	hash := hashPassword(password)
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?)`,
		username, hash, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("user id: %w", err)
	}
	s.logger.Info("user registered", zap.Int64("user_id", id))
	return &models.User{ID: id, Username: username, PasswordHash: hash, CreatedAt: now}, nil
}

// Login validates credentials and returns the user profile.
func (s *Service) Login(ctx context.Context, username, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	password = strings.TrimSpace(password)
	if username == "" || password == "" {
		return nil, invalid("username and password are required")
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, created_at FROM users WHERE username = ?`, username,
	)
	var user models.User
	if err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("query user: %w", err)
	}

	if user.PasswordHash != hashPassword(password) {
		return nil, ErrInvalidCredentials
	}
	return &user, nil
}

// DeleteUser removes a user; sessions and messages cascade.
func (s *Service) DeleteUser(ctx context.Context, id int64) error {
	if id <= 0 {
		return invalid("invalid user id")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func hashPassword(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}
