package chatclient

import (
	"context"

	"tradechat/internal/models"
)

// Remote is the backend chat service. Implementations may be slow or fail; every
// failure is surfaced to the caller unchanged.
type Remote interface {
	CreateSession(ctx context.Context, userID int64, purpose models.Purpose, language, payload string) (*models.Session, error)
	GetSession(ctx context.Context, sessionID int64) (*models.Session, error)
	// UpdateSession leaves session data untouched when payload is nil.
	UpdateSession(ctx context.Context, sessionID int64, status models.SessionStatus, payload *string) (*models.Session, error)
	SendMessage(ctx context.Context, sessionID int64, sender models.Role, content string, kind models.Kind, metadata string) (*models.Message, error)
	ListAllMessages(ctx context.Context, sessionID int64) ([]*models.Message, error)
	GenerateAssistantReply(ctx context.Context, sessionID int64, userText string) (*models.Message, error)
	// LatestMessage returns (nil, nil) when the session has no messages yet.
	LatestMessage(ctx context.Context, sessionID int64) (*models.Message, error)
}
