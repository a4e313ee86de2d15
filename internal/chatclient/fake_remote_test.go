package chatclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"tradechat/internal/models"
)

type notFoundError struct{}

func (notFoundError) Error() string  { return "not found" }
func (notFoundError) NotFound() bool { return true }

// fakeRemote is an in-memory chat service. Gates, when set, hold the matching
// call until the test releases them.
type fakeRemote struct {
	mu            sync.Mutex
	nextSessionID int64
	nextMessageID int64
	sessions      map[int64]*models.Session
	messages      map[int64][]*models.Message
	clock         time.Time

	createCalls   int
	sendCalls     int
	generateCalls int
	listCalls     int

	createErr   error
	sendErr     error
	generateErr error
	listErr     error

	createGate      chan struct{}
	createStarted   chan struct{}
	generateGate    chan struct{}
	generateStarted chan struct{}

	// extraOnList is added server-side when the list is fetched, simulating
	// messages the optimistic appends never saw.
	extraOnList *models.Message

	reply func(userText string) string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		nextSessionID: 1,
		nextMessageID: 1,
		sessions:      make(map[int64]*models.Session),
		messages:      make(map[int64][]*models.Message),
		clock:         time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
		reply: func(string) string {
			return "HS 8471.30 applies to portable computers."
		},
	}
}

func (f *fakeRemote) tick() time.Time {
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

func (f *fakeRemote) CreateSession(ctx context.Context, userID int64, purpose models.Purpose, language, payload string) (*models.Session, error) {
	f.mu.Lock()
	f.createCalls++
	gate, started := f.createGate, f.createStarted
	f.mu.Unlock()
	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	now := f.tick()
	s := &models.Session{
		ID:          f.nextSessionID,
		UserID:      userID,
		Purpose:     purpose,
		Language:    language,
		SessionData: payload,
		Status:      models.StatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	f.nextSessionID++
	f.sessions[s.ID] = s
	return s.Clone(), nil
}

func (f *fakeRemote) GetSession(ctx context.Context, sessionID int64) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, notFoundError{}
	}
	return s.Clone(), nil
}

func (f *fakeRemote) UpdateSession(ctx context.Context, sessionID int64, status models.SessionStatus, payload *string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, notFoundError{}
	}
	s.Status = status
	if payload != nil {
		s.SessionData = *payload
	}
	s.UpdatedAt = f.tick()
	return s.Clone(), nil
}

func (f *fakeRemote) SendMessage(ctx context.Context, sessionID int64, sender models.Role, content string, kind models.Kind, metadata string) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	if _, ok := f.sessions[sessionID]; !ok {
		return nil, notFoundError{}
	}
	return f.appendLocked(sessionID, sender, content, kind, metadata), nil
}

func (f *fakeRemote) GenerateAssistantReply(ctx context.Context, sessionID int64, userText string) (*models.Message, error) {
	f.mu.Lock()
	f.generateCalls++
	gate, started := f.generateGate, f.generateStarted
	f.mu.Unlock()
	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.generateErr != nil {
		return nil, f.generateErr
	}
	return f.appendLocked(sessionID, models.RoleAssistant, f.reply(userText), models.KindText, ""), nil
}

func (f *fakeRemote) ListAllMessages(ctx context.Context, sessionID int64) ([]*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	if f.extraOnList != nil {
		extra := f.extraOnList
		f.extraOnList = nil
		f.appendLocked(sessionID, extra.Sender, extra.Content, extra.Kind, extra.Metadata)
	}
	return models.CloneMessages(f.messages[sessionID]), nil
}

func (f *fakeRemote) LatestMessage(ctx context.Context, sessionID int64) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.messages[sessionID]
	if len(msgs) == 0 {
		return nil, nil
	}
	m := *msgs[len(msgs)-1]
	return &m, nil
}

func (f *fakeRemote) appendLocked(sessionID int64, sender models.Role, content string, kind models.Kind, metadata string) *models.Message {
	m := &models.Message{
		ID:        f.nextMessageID,
		SessionID: sessionID,
		Sender:    sender,
		Content:   content,
		Kind:      kind,
		Metadata:  metadata,
		CreatedAt: f.tick(),
	}
	f.nextMessageID++
	f.messages[sessionID] = append(f.messages[sessionID], m)
	copied := *m
	return &copied
}

func (f *fakeRemote) countSender(sessionID int64, role models.Role) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.messages[sessionID] {
		if m.Sender == role {
			n++
		}
	}
	return n
}

func (f *fakeRemote) counts() (create, send, generate, list int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls, f.sendCalls, f.generateCalls, f.listCalls
}

var errRemoteDown = errors.New("remote unavailable")
