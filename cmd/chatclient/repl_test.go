package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"tradechat/internal/chatclient"
	"tradechat/internal/models"
)

type stubConversation struct {
	mu       sync.Mutex
	state    chatclient.State
	sent     []string
	actions  [][2]string
	statuses []models.SessionStatus
	payloads []string
	loaded   []int64
	cleared  int
	acked    int
	sendErr  error
	latest   *models.Message
	profile  chatclient.Profile
}

func (s *stubConversation) Open(ctx context.Context) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.CurrentSession = &models.Session{ID: 7, UserID: 42, Purpose: models.PurposeSellerProductInquiry, Language: "ko", Status: models.StatusActive}
	return s.state.CurrentSession, nil
}

func (s *stubConversation) SubmitUserTurn(ctx context.Context, text string) (chatclient.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, text)
	if s.sendErr != nil {
		return chatclient.Turn{}, s.sendErr
	}
	return chatclient.Turn{}, nil
}

func (s *stubConversation) SubmitSuggestedAction(ctx context.Context, actionText, metadata string) (chatclient.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, [2]string{actionText, metadata})
	return chatclient.Turn{}, nil
}

func (s *stubConversation) UpdateStatus(ctx context.Context, status models.SessionStatus, payload *string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
	if payload != nil {
		s.payloads = append(s.payloads, *payload)
	}
	return s.state.CurrentSession, nil
}

func (s *stubConversation) LoadExisting(ctx context.Context, sessionID int64) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = append(s.loaded, sessionID)
	return nil, nil
}

func (s *stubConversation) LatestMessage(ctx context.Context) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, nil
}

func (s *stubConversation) Clear(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared++
}

func (s *stubConversation) AcknowledgeError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked++
}

func (s *stubConversation) Profile() chatclient.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile
}

func (s *stubConversation) SetProfile(p chatclient.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profile = p
}

func (s *stubConversation) State() chatclient.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *stubConversation) Subscribe() (<-chan chatclient.State, func()) {
	ch := make(chan chatclient.State)
	close(ch)
	return ch, func() {}
}

func TestREPLCommands(t *testing.T) {
	conv := &stubConversation{
		latest:  &models.Message{ID: 3, Sender: models.RoleAssistant, Content: "HS 8471", Kind: models.KindText},
		profile: chatclient.Profile{UserID: 42, Purpose: models.PurposeSellerProductInquiry, Language: "ko"},
	}
	input := strings.Join([]string{
		"What duty applies to laptops?",
		"   ",
		"/action Request a quote | {\"productId\":\"P-1\"}",
		"/data {\"orderId\":\"O-9\"}",
		"/close",
		"/load 12",
		"/load nope",
		"/latest",
		"/new",
		"/ack",
		"/purpose buyer_purchase_inquiry",
		"/purpose",
		"/dance",
		"/quit",
		"never sent",
	}, "\n")
	var out bytes.Buffer
	r := newREPL(conv, strings.NewReader(input), &out)
	if err := r.run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(conv.sent) != 1 || conv.sent[0] != "What duty applies to laptops?" {
		t.Fatalf("unexpected sent texts %v", conv.sent)
	}
	if len(conv.actions) != 1 || conv.actions[0] != [2]string{"Request a quote", `{"productId":"P-1"}`} {
		t.Fatalf("unexpected actions %v", conv.actions)
	}
	if len(conv.statuses) != 2 || conv.statuses[0] != "" || conv.statuses[1] != models.StatusClosed {
		t.Fatalf("unexpected status updates %v", conv.statuses)
	}
	if len(conv.payloads) != 1 || conv.payloads[0] != `{"orderId":"O-9"}` {
		t.Fatalf("unexpected payloads %v", conv.payloads)
	}
	if len(conv.loaded) != 1 || conv.loaded[0] != 12 {
		t.Fatalf("unexpected loads %v", conv.loaded)
	}
	if conv.cleared != 2 || conv.acked != 1 {
		t.Fatalf("expected two clears and one ack, got %d/%d", conv.cleared, conv.acked)
	}
	if conv.profile.Purpose != models.PurposeBuyerPurchaseInquiry {
		t.Fatalf("purpose not switched: %+v", conv.profile)
	}

	printed := out.String()
	for _, want := range []string{
		"-- session #7 (SELLER_PRODUCT_INQUIRY, ko, ACTIVE)",
		"usage: /load <session id>",
		"latest: [assistant] HS 8471",
		"usage: /purpose <tag>",
		"unknown command /dance",
	} {
		if !strings.Contains(printed, want) {
			t.Fatalf("output missing %q:\n%s", want, printed)
		}
	}
}

func TestREPLReportsOnlyUnrecordedErrors(t *testing.T) {
	recorded := &chatclient.Error{Kind: chatclient.ErrSend, Op: "send message", Err: errors.New("409")}
	conv := &stubConversation{}
	var out bytes.Buffer
	r := newREPL(conv, strings.NewReader(""), &out)

	conv.state.LastError = recorded
	r.report(recorded)
	if out.Len() != 0 {
		t.Fatalf("recorded error printed twice: %q", out.String())
	}

	r.report(chatclient.ErrBusy)
	if !strings.Contains(out.String(), "still waiting") {
		t.Fatalf("busy not reported: %q", out.String())
	}

	out.Reset()
	r.report(errors.New("dial tcp: refused"))
	if !strings.Contains(out.String(), "! dial tcp: refused") {
		t.Fatalf("unrecorded error not printed: %q", out.String())
	}
}

func TestRenderPrintsOnlyChanges(t *testing.T) {
	var out bytes.Buffer
	r := newREPL(&stubConversation{}, strings.NewReader(""), &out)
	session := &models.Session{ID: 9, Purpose: models.PurposeGeneral, Language: "en", Status: models.StatusActive}
	user := &models.Message{ID: 1, Sender: models.RoleUser, Content: "hello", Kind: models.KindText}
	reply := &models.Message{ID: 2, Sender: models.RoleAssistant, Content: "pick one", Kind: models.KindSuggestions}

	r.render(chatclient.State{CurrentSession: session, Messages: []*models.Message{user}, IsLoading: true})
	r.render(chatclient.State{CurrentSession: session, Messages: []*models.Message{user}, IsLoading: true})
	r.render(chatclient.State{CurrentSession: session, Messages: []*models.Message{user, reply}})

	got := out.String()
	if strings.Count(got, "[you] hello") != 1 {
		t.Fatalf("user message printed more than once:\n%s", got)
	}
	if strings.Count(got, "assistant is typing") != 1 {
		t.Fatalf("loading indicator repeated:\n%s", got)
	}
	if !strings.Contains(got, "[assistant > suggestions] pick one") {
		t.Fatalf("reply missing:\n%s", got)
	}
}
