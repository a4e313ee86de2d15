// Package chatclient keeps the storefront's view of one assistant conversation:
// the current session, its messages, whether a turn is in flight and the last
// error. All state lives behind Client; callers read snapshots and drive it
// through EnsureSession, SubmitUserTurn, SubmitSuggestedAction, LoadExisting,
// UpdateStatus and Clear.
package chatclient

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"tradechat/internal/models"
)

// Profile describes who is talking and why. It feeds the lazy session creation
// done by the turn pipeline.
type Profile struct {
	UserID   int64
	Purpose  models.Purpose
	Language string
	Payload  string
}

type Client struct {
	remote Remote
	store  SessionStore
	logger *zap.Logger
	cache  *cache

	profileMu sync.RWMutex
	profile   Profile

	// persistMu orders store writes against the delete done by Clear.
	persistMu sync.Mutex
}

type Option func(*Client)

// WithSessionStore persists the current session so Resume can pick it up.
func WithSessionStore(store SessionStore) Option {
	return func(c *Client) {
		if store != nil {
			c.store = store
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func New(remote Remote, profile Profile, opts ...Option) *Client {
	c := &Client{
		remote:  remote,
		store:   NewMemorySessionStore(),
		logger:  zap.NewNop(),
		cache:   newCache(),
		profile: profile,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns a copy of the current conversation.
func (c *Client) State() State {
	return c.cache.snapshot()
}

// Subscribe delivers a snapshot after every change. Slow readers only see the
// latest one. The returned func stops delivery and closes the channel.
func (c *Client) Subscribe() (<-chan State, func()) {
	return c.cache.subscribe()
}

// AcknowledgeError clears LastError and nothing else.
func (c *Client) AcknowledgeError() {
	c.cache.acknowledgeError()
}

// Profile returns the profile used for lazily created sessions.
func (c *Client) Profile() Profile {
	c.profileMu.RLock()
	defer c.profileMu.RUnlock()
	return c.profile
}

// SetProfile changes who future sessions are created for. Callers switching
// user or purpose must Clear first; a cached session is kept as is.
func (c *Client) SetProfile(p Profile) {
	c.profileMu.Lock()
	c.profile = p
	c.profileMu.Unlock()
}

func (c *Client) persist(ctx context.Context, epoch uint64, s *models.Session) {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()
	cur, curEpoch := c.cache.current()
	if curEpoch != epoch || cur == nil || cur.ID != s.ID {
		return
	}
	if err := c.store.Save(ctx, cur); err != nil {
		c.logger.Warn("persist session failed", zap.Int64("session_id", s.ID), zap.Error(err))
	}
}

// lose reports the session t owns as gone: it leaves the cache and the store,
// and the caller gets ErrNoActiveSession.
func (c *Client) lose(ctx context.Context, t ticket, op string, cause error) error {
	e := newError(ErrNoActiveSession, op, cause)
	lost := c.cache.dropSession(t, e)
	if lost == nil {
		return e
	}
	c.logger.Warn("session no longer exists remotely",
		zap.Int64("session_id", lost.ID),
		zap.String("op", op))
	c.persistMu.Lock()
	defer c.persistMu.Unlock()
	// a session ensured after the drop may already be stored; keep it
	if cur, _ := c.cache.current(); cur != nil {
		return e
	}
	if err := c.store.Delete(ctx, lost.UserID); err != nil {
		c.logger.Warn("delete persisted session failed", zap.Int64("user_id", lost.UserID), zap.Error(err))
	}
	return e
}

func (c *Client) forget(ctx context.Context, userID int64) {
	if userID <= 0 {
		return
	}
	c.persistMu.Lock()
	defer c.persistMu.Unlock()
	if err := c.store.Delete(ctx, userID); err != nil {
		c.logger.Warn("delete persisted session failed", zap.Int64("user_id", userID), zap.Error(err))
	}
}
