package chat

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tradechat/internal/models"
)

const (
	DefaultSessionIdleTTL      = 24 * time.Hour
	DefaultSessionExpiryPeriod = 10 * time.Minute
)

// StartSessionExpirer periodically marks ACTIVE sessions idle for longer than
// idleTTL as EXPIRED until ctx is done.
func (s *Service) StartSessionExpirer(ctx context.Context, idleTTL, interval time.Duration) {
	if idleTTL <= 0 {
		idleTTL = DefaultSessionIdleTTL
	}
	if interval <= 0 {
		interval = DefaultSessionExpiryPeriod
	}
	go s.expiryLoop(ctx, idleTTL, interval)
}

func (s *Service) expiryLoop(ctx context.Context, idleTTL, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.ExpireIdleSessions(ctx, idleTTL)
			if err != nil {
				s.logger.Warn("expire idle sessions", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Info("expired idle sessions", zap.Int64("count", n))
			}
		}
	}
}

// ExpireIdleSessions marks ACTIVE sessions without activity for idleTTL as
// EXPIRED and reports how many changed.
func (s *Service) ExpireIdleSessions(ctx context.Context, idleTTL time.Duration) (int64, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE status = ? AND updated_at < ?`,
		models.StatusExpired, now, models.StatusActive, now.Add(-idleTTL),
	)
	if err != nil {
		return 0, fmt.Errorf("expire sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expired rows: %w", err)
	}
	return n, nil
}
