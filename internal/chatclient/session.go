package chatclient

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"tradechat/internal/models"
)

// EnsureSession returns the cached session, creating one when none is cached.
// Concurrent callers share a single create call. A cached session is returned
// unchanged even when its purpose differs from the one requested; switching
// purpose requires Clear first. On failure the cache is left untouched.
func (c *Client) EnsureSession(ctx context.Context, userID int64, purpose models.Purpose, language, payload string) (*models.Session, error) {
	return c.ensure(ctx, Profile{UserID: userID, Purpose: purpose, Language: language, Payload: payload})
}

func (c *Client) ensure(ctx context.Context, p Profile) (*models.Session, error) {
	const op = "ensure session"
	cached, pending, own, epoch := c.cache.joinEnsure()
	if cached != nil {
		if cached.Purpose != p.Purpose || cached.UserID != p.UserID {
			c.logger.Warn("ensure kept cached session for a different profile",
				zap.Int64("session_id", cached.ID),
				zap.String("cached_purpose", string(cached.Purpose)),
				zap.String("requested_purpose", string(p.Purpose)))
		}
		return cached, nil
	}
	if pending != nil {
		select {
		case <-pending.done:
		case <-ctx.Done():
			return nil, newError(ErrSessionCreation, op, ctx.Err())
		}
		if pending.err != nil {
			if errors.Is(pending.err, ErrAbandoned) {
				return nil, pending.err
			}
			return nil, newError(ErrSessionCreation, op, pending.err)
		}
		return pending.session.Clone(), nil
	}

	created, err := c.create(ctx, p)
	c.cache.settleEnsure(own, epoch, created, err)
	if own.err != nil {
		if errors.Is(own.err, ErrAbandoned) {
			c.logger.Debug("discarded session created after clear", zap.Int64("user_id", p.UserID))
			return nil, own.err
		}
		return nil, newError(ErrSessionCreation, op, own.err)
	}
	c.logger.Info("chat session ready",
		zap.Int64("session_id", own.session.ID),
		zap.Int64("user_id", own.session.UserID),
		zap.String("purpose", string(own.session.Purpose)))
	c.persist(ctx, epoch, own.session)
	return own.session.Clone(), nil
}

func (c *Client) create(ctx context.Context, p Profile) (*models.Session, error) {
	if p.UserID <= 0 {
		return nil, errors.New("user is not authenticated")
	}
	if !p.Purpose.Valid() {
		return nil, errors.New("invalid conversation purpose")
	}
	s, err := c.remote.CreateSession(ctx, p.UserID, p.Purpose, p.Language, p.Payload)
	if err != nil {
		return nil, err
	}
	if s == nil || s.ID <= 0 {
		return nil, errors.New("remote returned a session without id")
	}
	return s, nil
}

// LoadExisting fetches a session by id and makes it the current one, then
// refetches its messages. A session the remote no longer knows is reported as
// ErrNoActiveSession, and is dropped if it was the cached one.
func (c *Client) LoadExisting(ctx context.Context, sessionID int64) (*models.Session, error) {
	cur, epoch := c.cache.current()
	s, err := c.remote.GetSession(ctx, sessionID)
	if err != nil {
		if notFound(err) {
			if cur != nil && cur.ID == sessionID {
				return nil, c.lose(ctx, ticket{epoch: epoch, sessionID: sessionID}, "load session", err)
			}
			return nil, newError(ErrNoActiveSession, "load session", err)
		}
		return nil, newError(ErrFetch, "load session", err)
	}
	if !c.cache.loadSession(epoch, s) {
		return nil, ErrAbandoned
	}
	c.persist(ctx, epoch, s)

	t := ticket{epoch: epoch, sessionID: s.ID}
	msgs, err := c.remote.ListAllMessages(ctx, s.ID)
	if err != nil {
		if notFound(err) {
			return nil, c.lose(ctx, t, "load messages", err)
		}
		e := newError(ErrFetch, "load messages", err)
		c.cache.recordError(t, e)
		return s.Clone(), e
	}
	if !c.cache.replaceMessages(t, msgs) {
		return nil, ErrAbandoned
	}
	return s.Clone(), nil
}

// Resume restores the persisted session for the profile's user, if any, and
// loads its messages. It returns (nil, nil) when nothing was persisted. A
// persisted session that no longer exists remotely is dropped from the store
// and reported as ErrNoActiveSession.
func (c *Client) Resume(ctx context.Context) (*models.Session, error) {
	p := c.Profile()
	stored, err := c.store.Load(ctx, p.UserID)
	if err != nil {
		return nil, newError(ErrFetch, "resume session", err)
	}
	if stored == nil {
		return nil, nil
	}
	s, err := c.LoadExisting(ctx, stored.ID)
	if errors.Is(err, ErrNoActiveSession) {
		c.logger.Info("persisted session is gone", zap.Int64("session_id", stored.ID))
		c.forget(ctx, p.UserID)
	}
	return s, err
}

// Open is what a widget calls when it is shown: resume the persisted
// conversation if there is one, otherwise ensure a fresh session.
func (c *Client) Open(ctx context.Context) (*models.Session, error) {
	if cur, _ := c.cache.current(); cur != nil {
		return cur, nil
	}
	s, err := c.Resume(ctx)
	if s != nil || (err != nil && !errors.Is(err, ErrNoActiveSession)) {
		return s, err
	}
	return c.ensure(ctx, c.Profile())
}

// UpdateStatus asks the remote to move the current session to status. The
// server's answer replaces the cached session. payload, when non-nil, replaces
// the session data.
func (c *Client) UpdateStatus(ctx context.Context, status models.SessionStatus, payload *string) (*models.Session, error) {
	const op = "update session"
	cur, epoch := c.cache.current()
	if cur == nil {
		return nil, newError(ErrNoActiveSession, op, nil)
	}
	t := ticket{epoch: epoch, sessionID: cur.ID}
	s, err := c.remote.UpdateSession(ctx, cur.ID, status, payload)
	if err != nil {
		if notFound(err) {
			return nil, c.lose(ctx, t, op, err)
		}
		err = newError(ErrSessionUpdate, op, err)
		c.cache.recordError(t, err)
		return nil, err
	}
	if !c.cache.replaceSession(t, s) {
		return nil, ErrAbandoned
	}
	c.persist(ctx, epoch, s)
	return s.Clone(), nil
}

// Clear forgets the conversation. It never waits for operations in flight;
// their results are discarded when they complete.
func (c *Client) Clear(ctx context.Context) {
	cur, _ := c.cache.current()
	c.cache.clear()
	userID := c.Profile().UserID
	if cur != nil {
		userID = cur.UserID
	}
	c.forget(ctx, userID)
	c.logger.Debug("conversation cleared", zap.Int64("user_id", userID))
}

// LatestMessage asks the remote for the newest message of the current session
// without touching the cache. It returns (nil, nil) when there is none.
func (c *Client) LatestMessage(ctx context.Context) (*models.Message, error) {
	cur, _ := c.cache.current()
	if cur == nil {
		return nil, newError(ErrNoActiveSession, "latest message", nil)
	}
	m, err := c.remote.LatestMessage(ctx, cur.ID)
	if err != nil {
		return nil, newError(ErrFetch, "latest message", err)
	}
	return m, nil
}
