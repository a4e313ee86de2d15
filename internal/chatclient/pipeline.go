package chatclient

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"tradechat/internal/models"
)

// Turn is what one submit produced. Either message may be nil when its step
// failed or was skipped.
type Turn struct {
	UserMessage      *models.Message
	AssistantMessage *models.Message
}

// SubmitUserTurn sends text as a USER message, asks for the assistant's reply
// and then replaces the cached messages with a full refetch. The refetch runs
// even when generation failed; if that refetch fails too, only the generation
// error is returned and recorded. A send failure stops the turn. A second call
// while one is in flight returns ErrBusy. When the remote reports the session
// gone at any step, the session is dropped from the cache and the store and
// ErrNoActiveSession is returned.
func (c *Client) SubmitUserTurn(ctx context.Context, text string) (Turn, error) {
	return c.submit(ctx, text, models.KindText, "")
}

// SubmitSuggestedAction is SubmitUserTurn for a suggested reply the user
// picked. The message is tagged ACTION and carries metadata as given.
func (c *Client) SubmitSuggestedAction(ctx context.Context, actionText, metadata string) (Turn, error) {
	return c.submit(ctx, actionText, models.KindAction, metadata)
}

func (c *Client) submit(ctx context.Context, text string, kind models.Kind, metadata string) (Turn, error) {
	var turn Turn
	text = strings.TrimSpace(text)
	if text == "" {
		return turn, ErrEmptyMessage
	}
	t, ok := c.cache.begin()
	if !ok {
		return turn, ErrBusy
	}
	defer c.cache.finish(t)

	if t.sessionID == 0 {
		s, err := c.ensure(ctx, c.Profile())
		if err != nil {
			c.cache.recordError(t, err)
			return turn, err
		}
		t.sessionID = s.ID
	}
	if !c.cache.owns(t) {
		return turn, ErrAbandoned
	}

	log := c.logger.With(zap.Int64("session_id", t.sessionID), zap.String("kind", string(kind)))

	sent, err := c.remote.SendMessage(ctx, t.sessionID, models.RoleUser, text, kind, metadata)
	if err != nil {
		if notFound(err) {
			return turn, c.lose(ctx, t, "send message", err)
		}
		e := newError(ErrSend, "send message", err)
		c.cache.recordError(t, e)
		log.Warn("send failed", zap.Error(err))
		return turn, e
	}
	if !c.cache.appendMessage(t, sent) {
		return turn, ErrAbandoned
	}
	turn.UserMessage = sent

	var genErr error
	reply, err := c.remote.GenerateAssistantReply(ctx, t.sessionID, text)
	if err != nil {
		if notFound(err) {
			return turn, c.lose(ctx, t, "generate reply", err)
		}
		genErr = newError(ErrGeneration, "generate reply", err)
		c.cache.recordError(t, genErr)
		log.Warn("generation failed", zap.Error(err))
	} else {
		if !c.cache.appendMessage(t, reply) {
			return turn, ErrAbandoned
		}
		turn.AssistantMessage = reply
	}

	msgs, err := c.remote.ListAllMessages(ctx, t.sessionID)
	if err != nil {
		if notFound(err) {
			return turn, c.lose(ctx, t, "reconcile messages", err)
		}
		log.Warn("reconcile failed", zap.Error(err))
		if genErr != nil {
			return turn, genErr
		}
		e := newError(ErrFetch, "reconcile messages", err)
		c.cache.recordError(t, e)
		return turn, e
	}
	if !c.cache.replaceMessages(t, msgs) {
		return turn, ErrAbandoned
	}
	return turn, genErr
}
