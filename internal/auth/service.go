package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"tradechat/internal/redis"
)

const redisTokenPrefix = "auth:token:"

var (
	ErrTokenRequired = errors.New("token required")
	ErrInvalidToken  = errors.New("invalid token")
	ErrTokenExpired  = errors.New("token expired")
)

// Service issues, validates, and revokes user authentication tokens. Tokens
// live in user_tokens; with Redis attached, validated tokens are cached until
// they expire.
type Service struct {
	db             *sql.DB
	rdb            *redis.Client
	logger         *zap.Logger
	tokenTTL       time.Duration
	cookieName     string
	headerName     string
	csrfCookieName string
	csrfHeaderName string
}

// NewService constructs an auth service with the supplied token lifetime.
// rdb may be nil.
func NewService(db *sql.DB, rdb *redis.Client, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		db:             db,
		rdb:            rdb,
		logger:         zap.NewNop(),
		tokenTTL:       ttl,
		cookieName:     "auth_token",
		headerName:     "Authorization",
		csrfCookieName: "csrf_token",
		csrfHeaderName: "X-CSRF-Token",
	}
}

// SetLogger replaces the no-op logger.
func (s *Service) SetLogger(logger *zap.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// IssueToken mints a new random token for the user and persists it.
func (s *Service) IssueToken(ctx context.Context, userID int64) (string, error) {
	if userID <= 0 {
		return "", errors.New("invalid user id")
	}
	now := time.Now().UTC()
	expiresAt := now.Add(s.tokenTTL)
	for i := 0; i < 5; i++ {
		token, err := generateToken()
		if err != nil {
			return "", err
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO user_tokens (token, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
			token, userID, now, expiresAt,
		)
		if err == nil {
			s.cacheToken(ctx, token, userID, s.tokenTTL)
			return token, nil
		}
	}
	return "", errors.New("could not issue token")
}

// NewCSRFToken returns a random token used for CSRF protection.
func (s *Service) NewCSRFToken() (string, error) {
	return generateToken()
}

// ValidateToken verifies the token exists and has not expired, returning the user id.
func (s *Service) ValidateToken(ctx context.Context, authToken string) (int64, error) {
	if authToken == "" {
		return 0, ErrTokenRequired
	}
	if userID, ok := s.cachedToken(ctx, authToken); ok {
		return userID, nil
	}
	var userID int64
	var expires time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, expires_at FROM user_tokens WHERE token = ?`, authToken,
	).Scan(&userID, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrInvalidToken
		}
		return 0, fmt.Errorf("lookup token: %w", err)
	}
	remaining := time.Until(expires)
	if remaining <= 0 {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE token = ?`, authToken)
		return 0, ErrTokenExpired
	}
	s.cacheToken(ctx, authToken, userID, remaining)
	return userID, nil
}

// RevokeToken deletes a single token.
func (s *Service) RevokeToken(ctx context.Context, authToken string) error {
	if authToken == "" {
		return nil
	}
	s.dropCached(ctx, authToken)
	if _, err := s.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE token = ?`, authToken); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// RevokeUserTokens removes all tokens belonging to the user.
func (s *Service) RevokeUserTokens(ctx context.Context, userID int64) error {
	if userID <= 0 {
		return nil
	}
	if s.rdb != nil {
		rows, err := s.db.QueryContext(ctx, `SELECT token FROM user_tokens WHERE user_id = ?`, userID)
		if err != nil {
			return fmt.Errorf("list user tokens: %w", err)
		}
		var tokens []string
		for rows.Next() {
			var token string
			if err := rows.Scan(&token); err != nil {
				rows.Close()
				return fmt.Errorf("scan user token: %w", err)
			}
			tokens = append(tokens, token)
		}
		rows.Close()
		for _, token := range tokens {
			s.dropCached(ctx, token)
		}
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("revoke user tokens: %w", err)
	}
	return nil
}

func (s *Service) cacheToken(ctx context.Context, token string, userID int64, ttl time.Duration) {
	if s.rdb == nil {
		return
	}
	if err := s.rdb.Set(ctx, redisTokenPrefix+token, strconv.FormatInt(userID, 10), ttl); err != nil {
		s.logger.Warn("cache auth token failed", zap.Int64("user_id", userID), zap.Error(err))
	}
}

func (s *Service) cachedToken(ctx context.Context, token string) (int64, bool) {
	if s.rdb == nil {
		return 0, false
	}
	val, err := s.rdb.Get(ctx, redisTokenPrefix+token)
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			s.logger.Warn("read cached auth token failed", zap.Error(err))
		}
		return 0, false
	}
	userID, err := strconv.ParseInt(val, 10, 64)
	if err != nil || userID <= 0 {
		return 0, false
	}
	return userID, true
}

func (s *Service) dropCached(ctx context.Context, token string) {
	if s.rdb == nil {
		return
	}
	if err := s.rdb.Del(ctx, redisTokenPrefix+token); err != nil {
		s.logger.Warn("drop cached auth token failed", zap.Error(err))
	}
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// AuthCookieName returns the cookie name storing auth tokens.
func (s *Service) AuthCookieName() string {
	return s.cookieName
}

// CSRFCookieName returns the cookie used for CSRF tokens.
func (s *Service) CSRFCookieName() string {
	return s.csrfCookieName
}

// CSRFHeaderName returns the CSRF header name.
func (s *Service) CSRFHeaderName() string {
	return s.csrfHeaderName
}

// TokenTTL reports the configured token lifetime.
func (s *Service) TokenTTL() time.Duration {
	return s.tokenTTL
}
