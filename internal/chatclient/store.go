package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"tradechat/internal/models"
	"tradechat/internal/redis"
)

// SessionStore keeps the current session across restarts. Messages are never
// stored; they are refetched on resume.
type SessionStore interface {
	Save(ctx context.Context, session *models.Session) error
	// Load returns (nil, nil) when nothing is stored for the user.
	Load(ctx context.Context, userID int64) (*models.Session, error)
	Delete(ctx context.Context, userID int64) error
}

// MemorySessionStore keeps sessions for the life of the process only.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[int64]*models.Session
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[int64]*models.Session)}
}

func (s *MemorySessionStore) Save(_ context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session required")
	}
	s.mu.Lock()
	s.sessions[session.UserID] = session.Clone()
	s.mu.Unlock()
	return nil
}

func (s *MemorySessionStore) Load(_ context.Context, userID int64) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[userID].Clone(), nil
}

func (s *MemorySessionStore) Delete(_ context.Context, userID int64) error {
	s.mu.Lock()
	delete(s.sessions, userID)
	s.mu.Unlock()
	return nil
}

const (
	redisSessionPrefix = "chatclient:session:"
	// DefaultSessionTTL bounds how long an idle conversation can be resumed.
	DefaultSessionTTL = 7 * 24 * time.Hour
)

// RedisSessionStore persists the current session as JSON under one key per user.
type RedisSessionStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisSessionStore(client *redis.Client, ttl time.Duration) *RedisSessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &RedisSessionStore{client: client, ttl: ttl}
}

func redisSessionKey(userID int64) string {
	return fmt.Sprintf("%s%d", redisSessionPrefix, userID)
}

func (s *RedisSessionStore) Save(ctx context.Context, session *models.Session) error {
	if session == nil || session.ID <= 0 {
		return errors.New("session required")
	}
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.client.Set(ctx, redisSessionKey(session.UserID), data, s.ttl); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

func (s *RedisSessionStore) Load(ctx context.Context, userID int64) (*models.Session, error) {
	key := redisSessionKey(userID)
	raw, err := s.client.Get(ctx, key)
	if err != nil {
		if errors.Is(err, redis.ErrCacheMiss) {
			return nil, nil
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	var session models.Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if session.UserID != userID {
		return nil, nil
	}
	// resuming counts as activity
	if err := s.client.Expire(ctx, key, s.ttl); err != nil {
		return nil, fmt.Errorf("refresh session ttl: %w", err)
	}
	return &session, nil
}

func (s *RedisSessionStore) Delete(ctx context.Context, userID int64) error {
	if err := s.client.Del(ctx, redisSessionKey(userID)); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
