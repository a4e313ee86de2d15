package remotechat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"tradechat/internal/api"
	"tradechat/internal/auth"
	"tradechat/internal/chatclient"
	"tradechat/internal/config"
	"tradechat/internal/models"
	"tradechat/internal/service/ai"
	"tradechat/internal/service/chat"
	"tradechat/internal/storage"
	"tradechat/internal/worker"
)

type tariffResponder struct{}

func (tariffResponder) GenerateReply(ctx context.Context, req ai.ReplyRequest) (string, error) {
	return "HS 8471.30 applies to " + req.UserText, nil
}

// newChatServer runs the real HTTP API and returns its URL and a bearer token
// for a fresh user.
func newChatServer(t *testing.T) (string, int64, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	chatService := chat.NewService(db, nil)
	authService := auth.NewService(db, nil, time.Hour)
	manager := worker.NewManager(tariffResponder{}, worker.DispatcherConfig{MinWorkers: 1, MaxWorkers: 2})
	router := gin.New()
	api.NewHandler(chatService, authService, manager, 5*time.Second, nil).RegisterRoutes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		manager.Close()
		db.Close()
	})

	ctx := context.Background()
	user, err := chatService.RegisterUser(ctx, "seller_kim", "pass123")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	token, err := authService.IssueToken(ctx, user.ID)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return srv.URL, user.ID, token
}

func TestClientAgainstChatServer(t *testing.T) {
	url, userID, token := newChatServer(t)
	remote := New(url, token, 5*time.Second, nil)
	ctx := context.Background()

	session, err := remote.CreateSession(ctx, userID, models.PurposeSellerProductInquiry, "ko", `{"productId":"P-1"}`)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if session.UserID != userID || session.Status != models.StatusActive || session.SessionData != `{"productId":"P-1"}` {
		t.Fatalf("unexpected session %+v", session)
	}

	latest, err := remote.LatestMessage(ctx, session.ID)
	if err != nil || latest != nil {
		t.Fatalf("expected (nil, nil) for empty session, got %+v, %v", latest, err)
	}

	if _, err := remote.SendMessage(ctx, session.ID, models.RoleUser, "laptop", models.KindText, ""); err != nil {
		t.Fatalf("send: %v", err)
	}
	reply, err := remote.GenerateAssistantReply(ctx, session.ID, "laptop")
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if reply.Sender != models.RoleAssistant || reply.Content != "HS 8471.30 applies to laptop" {
		t.Fatalf("unexpected reply %+v", reply)
	}

	messages, err := remote.ListAllMessages(ctx, session.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(messages) != 2 || messages[0].Sender != models.RoleUser || messages[1].ID != reply.ID {
		t.Fatalf("unexpected history %+v", messages)
	}

	closed, err := remote.UpdateSession(ctx, session.ID, models.StatusClosed, nil)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.Status != models.StatusClosed || closed.SessionData != session.SessionData {
		t.Fatalf("unexpected closed session %+v", closed)
	}

	_, err = remote.GetSession(ctx, session.ID+100)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || !statusErr.NotFound() {
		t.Fatalf("expected not found status error, got %v", err)
	}
}

func TestClientDrivesChatPipeline(t *testing.T) {
	url, userID, token := newChatServer(t)
	remote := New(url, token, 5*time.Second, nil)
	client := chatclient.New(remote, chatclient.Profile{
		UserID:   userID,
		Purpose:  models.PurposeSellerProductInquiry,
		Language: "ko",
	})
	ctx := context.Background()

	turn, err := client.SubmitUserTurn(ctx, "How should I label this shipment?")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if turn.UserMessage == nil || turn.UserMessage.Content != "How should I label this shipment?" {
		t.Fatalf("unexpected turn %+v", turn)
	}
	state := client.State()
	if state.CurrentSession == nil || len(state.Messages) != 2 || state.LastError != nil || state.IsLoading {
		t.Fatalf("unexpected state %+v", state)
	}
	if state.Messages[1].Sender != models.RoleAssistant {
		t.Fatalf("reply not reconciled: %+v", state.Messages)
	}

	if _, err := client.UpdateStatus(ctx, models.StatusClosed, nil); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := client.SubmitUserTurn(ctx, "one more"); !errors.Is(err, chatclient.ErrSend) {
		t.Fatalf("expected send error on closed session, got %v", err)
	}
}

func TestClientStatusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case strings.HasSuffix(r.URL.Path, "/messages/latest"):
			w.WriteHeader(http.StatusNoContent)
		case strings.HasSuffix(r.URL.Path, "/reply"):
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "server is busy, please retry"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	ctx := context.Background()

	remote := New(srv.URL+"/", "secret", time.Second, nil)
	if msg, err := remote.LatestMessage(ctx, 1); err != nil || msg != nil {
		t.Fatalf("expected empty success on 204, got %+v, %v", msg, err)
	}

	_, err := remote.GenerateAssistantReply(ctx, 1, "hi")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.Code != http.StatusTooManyRequests || statusErr.Message != "server is busy, please retry" || statusErr.NotFound() {
		t.Fatalf("unexpected status error %+v", statusErr)
	}

	if _, err := remote.GetSession(ctx, 1); !errors.As(err, &statusErr) || !statusErr.NotFound() {
		t.Fatalf("expected not found, got %v", err)
	}

	anon := New(srv.URL, "", time.Second, nil)
	if _, err := anon.GetSession(ctx, 1); !errors.As(err, &statusErr) || statusErr.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}
