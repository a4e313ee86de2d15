package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	WebSearchRateLimit   = 5
	WebSearchRateWindow  = time.Minute
	WebSearchHTTPTimeout = 10 * time.Second
)

type toolSessionContextKey struct{}

type toolSession struct {
	UserID    int64
	SessionID int64
}

// toolRateLimiter is a sliding-window counter per key.
type toolRateLimiter struct {
	limit  int
	window time.Duration
	mu     sync.Mutex
	hits   map[string][]time.Time
	now    func() time.Time
}

func newToolRateLimiter(limit int, window time.Duration) *toolRateLimiter {
	return &toolRateLimiter{limit: limit, window: window, hits: make(map[string][]time.Time), now: time.Now}
}

// Allow records a hit for key unless it already has limit hits inside the window.
func (l *toolRateLimiter) Allow(key string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := now.Add(-l.window)
	recent := l.hits[key]
	for len(recent) > 0 && !recent[0].After(cutoff) {
		recent = recent[1:]
	}
	if len(recent) >= l.limit {
		l.hits[key] = recent
		return false
	}
	l.hits[key] = append(recent, now)
	return true
}

// WithToolSession tags ctx with the conversation a tool call belongs to.
func WithToolSession(ctx context.Context, userID, sessionID int64) context.Context {
	if userID <= 0 || sessionID <= 0 {
		return ctx
	}
	return context.WithValue(ctx, toolSessionContextKey{}, toolSession{UserID: userID, SessionID: sessionID})
}

func ToolSessionFromContext(ctx context.Context) (int64, int64, bool) {
	meta, ok := ctx.Value(toolSessionContextKey{}).(toolSession)
	if !ok {
		return 0, 0, false
	}
	return meta.UserID, meta.SessionID, true
}

// fetchURL reads a text page the user pasted, such as a tariff schedule or a
// carrier notice. Binary bodies are refused.
func (w *webSearchTool) fetchURL(ctx context.Context, target string) (string, error) {
	if w.httpClient == nil {
		w.httpClient = &http.Client{Timeout: WebSearchHTTPTimeout}
	}
	parsed, err := url.Parse(strings.TrimSpace(target))
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", errors.New("unsupported url scheme")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "TradeChat-WebSearch/1.0")
	req.Header.Set("Accept", "text/html, text/plain;q=0.9, application/json;q=0.8")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: %s", parsed.Host, resp.Status)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !textual(ct) {
		return "", fmt.Errorf("fetch %s: unsupported content type %q", parsed.Host, ct)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes+1))
	if err != nil {
		return "", err
	}
	if len(body) > maxFetchBytes {
		return string(body[:maxFetchBytes]) + "\n[truncated]", nil
	}
	return string(body), nil
}

const maxFetchBytes = 512 * 1024

func textual(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.HasPrefix(ct, "text/") || strings.Contains(ct, "json") || strings.Contains(ct, "xml")
}

func looksLikeURL(input string) bool {
	lower := strings.ToLower(strings.TrimSpace(input))
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
