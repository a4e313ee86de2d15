package chat

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"tradechat/internal/config"
	"tradechat/internal/models"
	"tradechat/internal/storage"
)

func TestRegisterAndLogin(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db, nil)
	ctx := context.Background()

	user, err := svc.RegisterUser(ctx, "seller-kim", "pw")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.RegisterUser(ctx, "seller-kim", "other"); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}
	got, err := svc.Login(ctx, "seller-kim", "pw")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if got.ID != user.ID {
		t.Fatalf("login returned user %d, want %d", got.ID, user.ID)
	}
	if _, err := svc.Login(ctx, "seller-kim", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.RegisterUser(ctx, " ", "pw"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db, nil)
	ctx := context.Background()
	userID := insertTestUser(t, db, "buyer-lee")

	session, err := svc.CreateSession(ctx, userID, models.PurposeBuyerPurchaseInquiry, "ko", `{"product_id":3}`)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if session.Status != models.StatusActive {
		t.Fatalf("new session should be ACTIVE, got %s", session.Status)
	}

	got, err := svc.GetSession(ctx, userID, session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Purpose != models.PurposeBuyerPurchaseInquiry || got.SessionData != `{"product_id":3}` {
		t.Fatalf("unexpected session %+v", got)
	}

	payload := `{"product_id":4}`
	updated, err := svc.UpdateSession(ctx, userID, session.ID, "", &payload)
	if err != nil {
		t.Fatalf("update payload: %v", err)
	}
	if updated.Status != models.StatusActive || updated.SessionData != payload {
		t.Fatalf("unexpected update result %+v", updated)
	}

	closed, err := svc.UpdateSession(ctx, userID, session.ID, models.StatusClosed, nil)
	if err != nil {
		t.Fatalf("close session: %v", err)
	}
	if closed.Status != models.StatusClosed || closed.SessionData != payload {
		t.Fatalf("unexpected closed session %+v", closed)
	}
	if _, err := svc.UpdateSession(ctx, userID, session.ID, models.StatusActive, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := svc.UpdateSession(ctx, userID, session.ID, "PAUSED", nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}

	sessions, err := svc.ListSessions(ctx, userID)
	if err != nil || len(sessions) != 1 {
		t.Fatalf("list sessions: %v %d", err, len(sessions))
	}
}

func TestCreateSessionValidation(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db, nil)
	userID := insertTestUser(t, db, "broker-park")

	cases := []struct {
		name     string
		purpose  models.Purpose
		language string
	}{
		{"lowercase purpose", "seller_inquiry", "ko"},
		{"empty purpose", "", "ko"},
		{"missing language", models.PurposeGeneral, " "},
	}
	for _, tc := range cases {
		if _, err := svc.CreateSession(context.Background(), userID, tc.purpose, tc.language, ""); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%s: expected ErrInvalidInput, got %v", tc.name, err)
		}
	}
}

func TestSessionOwnership(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db, nil)
	ctx := context.Background()
	owner := insertTestUser(t, db, "owner")
	other := insertTestUser(t, db, "other")

	session, err := svc.CreateSession(ctx, owner, models.PurposeGeneral, "en", "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := svc.GetSession(ctx, other, session.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows for foreign session, got %v", err)
	}
	if _, err := svc.AppendMessage(ctx, other, session.ID, models.RoleUser, "hi", models.KindText, ""); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows appending to foreign session, got %v", err)
	}
	if _, err := svc.ListMessages(ctx, other, session.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows listing foreign session, got %v", err)
	}
}

func TestMessagesOrderAndLatest(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db, nil)
	ctx := context.Background()
	userID := insertTestUser(t, db, "seller")

	session, err := svc.CreateSession(ctx, userID, models.PurposeSellerProductInquiry, "ko", "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	latest, err := svc.LatestMessage(ctx, userID, session.ID)
	if err != nil || latest != nil {
		t.Fatalf("expected no latest message, got %+v %v", latest, err)
	}

	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	step := 0
	svc.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	}

	if _, err := svc.AppendMessage(ctx, userID, session.ID, models.RoleUser, "What HS code applies?", "", ""); err != nil {
		t.Fatalf("append user: %v", err)
	}
	if _, err := svc.AppendMessage(ctx, userID, session.ID, models.RoleAssistant, "8471.30", models.KindText, ""); err != nil {
		t.Fatalf("append assistant: %v", err)
	}
	if _, err := svc.AppendMessage(ctx, userID, session.ID, models.RoleAssistant, "Next steps", models.KindSuggestions, `["register","quote"]`); err != nil {
		t.Fatalf("append suggestions: %v", err)
	}

	msgs, err := svc.ListMessages(ctx, userID, session.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Kind != models.KindText || msgs[0].Sender != models.RoleUser {
		t.Fatalf("unexpected first message %+v", msgs[0])
	}
	if msgs[2].Kind != models.KindSuggestions || msgs[2].Metadata != `["register","quote"]` {
		t.Fatalf("unexpected last message %+v", msgs[2])
	}

	latest, err = svc.LatestMessage(ctx, userID, session.ID)
	if err != nil || latest == nil || latest.ID != msgs[2].ID {
		t.Fatalf("unexpected latest %+v %v", latest, err)
	}
}

func TestAppendMessageValidation(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db, nil)
	ctx := context.Background()
	userID := insertTestUser(t, db, "seller")
	session, err := svc.CreateSession(ctx, userID, models.PurposeGeneral, "en", "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	if _, err := svc.AppendMessage(ctx, userID, session.ID, "SYSTEM", "hi", "", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for sender, got %v", err)
	}
	if _, err := svc.AppendMessage(ctx, userID, session.ID, models.RoleUser, "  ", "", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for content, got %v", err)
	}
	if _, err := svc.AppendMessage(ctx, userID, session.ID, models.RoleUser, "hi", "IMAGE", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for kind, got %v", err)
	}

	if _, err := svc.UpdateSession(ctx, userID, session.ID, models.StatusClosed, nil); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := svc.AppendMessage(ctx, userID, session.ID, models.RoleUser, "hi", "", ""); !errors.Is(err, ErrSessionNotActive) {
		t.Fatalf("expected ErrSessionNotActive, got %v", err)
	}
}

func TestExpireIdleSessions(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db, nil)
	ctx := context.Background()
	userID := insertTestUser(t, db, "idle")

	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }
	stale, err := svc.CreateSession(ctx, userID, models.PurposeGeneral, "en", "")
	if err != nil {
		t.Fatalf("create stale: %v", err)
	}
	svc.now = func() time.Time { return base.Add(2 * time.Hour) }
	fresh, err := svc.CreateSession(ctx, userID, models.PurposeGeneral, "en", "")
	if err != nil {
		t.Fatalf("create fresh: %v", err)
	}

	n, err := svc.ExpireIdleSessions(ctx, time.Hour)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired session, got %d", n)
	}
	if s, _ := svc.GetSession(ctx, userID, stale.ID); s.Status != models.StatusExpired {
		t.Fatalf("stale session not expired: %s", s.Status)
	}
	if s, _ := svc.GetSession(ctx, userID, fresh.ID); s.Status != models.StatusActive {
		t.Fatalf("fresh session should stay active: %s", s.Status)
	}
}

func TestDeleteUserCascades(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db, nil)
	ctx := context.Background()
	user, err := svc.RegisterUser(ctx, "gone", "pw")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	session, err := svc.CreateSession(ctx, user.ID, models.PurposeGeneral, "en", "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := svc.DeleteUser(ctx, user.ID); err != nil {
		t.Fatalf("delete user: %v", err)
	}
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sessions WHERE id = ?`, session.ID).Scan(&count); err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	if count != 0 {
		t.Fatalf("sessions not cascaded")
	}
	if err := svc.DeleteUser(ctx, user.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return db
}

func insertTestUser(t *testing.T, db *sql.DB, username string) int64 {
	t.Helper()
	now := time.Now().UTC()
	res, err := db.Exec(`INSERT INTO users (username, password_hash, created_at) VALUES (?, '', ?)`, username, now)
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("user id: %v", err)
	}
	return id
}
