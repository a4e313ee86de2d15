// Package remotechat talks to the chat service over its HTTP API.
package remotechat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"tradechat/internal/logging"
	"tradechat/internal/models"
)

const defaultTimeout = 30 * time.Second

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method  string
	Path    string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Code, e.Message)
	}
	return fmt.Sprintf("%s %s: %d", e.Method, e.Path, e.Code)
}

// NotFound reports a missing (or foreign) session.
func (e *StatusError) NotFound() bool {
	return e.Code == http.StatusNotFound
}

// Client implements chatclient.Remote. The authenticated user owns every
// session it creates.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
	logger     *zap.Logger
}

func New(baseURL, authToken string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger = logging.OrNop(logger)
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		authToken:  authToken,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("remotechat"),
	}
}

func (c *Client) CreateSession(ctx context.Context, userID int64, purpose models.Purpose, language, payload string) (*models.Session, error) {
	body := map[string]string{
		"purpose":      string(purpose),
		"language":     language,
		"session_data": payload,
	}
	var session models.Session
	if err := c.do(ctx, http.MethodPost, "/api/chat/sessions", body, &session); err != nil {
		return nil, err
	}
	if userID > 0 && session.UserID != userID {
		c.logger.Warn("session owner differs from requested user",
			zap.Int64("user_id", userID),
			zap.Int64("owner_id", session.UserID),
			zap.Int64("session_id", session.ID))
	}
	return &session, nil
}

func (c *Client) GetSession(ctx context.Context, sessionID int64) (*models.Session, error) {
	var session models.Session
	if err := c.do(ctx, http.MethodGet, sessionPath(sessionID, ""), nil, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (c *Client) UpdateSession(ctx context.Context, sessionID int64, status models.SessionStatus, payload *string) (*models.Session, error) {
	body := map[string]any{"status": string(status)}
	if payload != nil {
		body["session_data"] = *payload
	}
	var session models.Session
	if err := c.do(ctx, http.MethodPatch, sessionPath(sessionID, ""), body, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (c *Client) SendMessage(ctx context.Context, sessionID int64, sender models.Role, content string, kind models.Kind, metadata string) (*models.Message, error) {
	body := map[string]string{
		"sender":   string(sender),
		"content":  content,
		"kind":     string(kind),
		"metadata": metadata,
	}
	var message models.Message
	if err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "/messages"), body, &message); err != nil {
		return nil, err
	}
	return &message, nil
}

func (c *Client) ListAllMessages(ctx context.Context, sessionID int64) ([]*models.Message, error) {
	var out struct {
		Messages []*models.Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, sessionPath(sessionID, "/messages"), nil, &out); err != nil {
		return nil, err
	}
	if out.Messages == nil {
		out.Messages = make([]*models.Message, 0)
	}
	return out.Messages, nil
}

func (c *Client) GenerateAssistantReply(ctx context.Context, sessionID int64, userText string) (*models.Message, error) {
	var message models.Message
	if err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "/reply"), map[string]string{"content": userText}, &message); err != nil {
		return nil, err
	}
	return &message, nil
}

// LatestMessage returns (nil, nil) on 204 No Content.
func (c *Client) LatestMessage(ctx context.Context, sessionID int64) (*models.Message, error) {
	var message *models.Message
	if err := c.do(ctx, http.MethodGet, sessionPath(sessionID, "/messages/latest"), nil, &message); err != nil {
		return nil, err
	}
	return message, nil
}

func sessionPath(sessionID int64, suffix string) string {
	return fmt.Sprintf("/api/chat/sessions/%d%s", sessionID, suffix)
}

// do sends body as JSON and decodes the response into out. A 204 leaves out
// untouched.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	c.logger.Debug("remote call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Message: errorMessage(resp.Body)}
	}
	if resp.StatusCode == http.StatusNoContent || out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%s %s: empty response body", method, path)
		}
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func errorMessage(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(data))
}
