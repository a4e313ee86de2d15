package chatclient

import (
	"sync"

	"tradechat/internal/models"
)

// State is a read-only snapshot of the conversation held by a Client.
type State struct {
	CurrentSession *models.Session
	Messages       []*models.Message
	IsLoading      bool
	LastError      error
}

// ticket identifies the conversation an operation started against. Results are
// written back only while the ticket is still current.
type ticket struct {
	epoch     uint64
	sessionID int64
}

type ensureCall struct {
	done    chan struct{}
	session *models.Session
	err     error
}

// cache is the single mutable record behind a Client. Every field is guarded by
// mu, and every exported read goes through snapshot so callers never alias it.
type cache struct {
	mu       sync.Mutex
	session  *models.Session
	messages []*models.Message
	loading  bool
	lastErr  error

	// epoch is bumped by clear; tickets from an older epoch are stale.
	epoch    uint64
	ensuring *ensureCall

	subs    map[int]chan State
	nextSub int
}

func newCache() *cache {
	return &cache{subs: make(map[int]chan State)}
}

func (c *cache) snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *cache) snapshotLocked() State {
	return State{
		CurrentSession: c.session.Clone(),
		Messages:       models.CloneMessages(c.messages),
		IsLoading:      c.loading,
		LastError:      c.lastErr,
	}
}

// current returns the cached session and the epoch it belongs to.
func (c *cache) current() (*models.Session, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Clone(), c.epoch
}

// begin marks a turn in flight. It fails when one already is.
func (c *cache) begin() (ticket, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loading {
		return ticket{}, false
	}
	c.loading = true
	c.lastErr = nil
	t := ticket{epoch: c.epoch}
	if c.session != nil {
		t.sessionID = c.session.ID
	}
	c.notifyLocked()
	return t, true
}

// finish ends the turn started by begin unless clear already reset the flag.
func (c *cache) finish(t ticket) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.epoch != c.epoch {
		return
	}
	c.loading = false
	c.notifyLocked()
}

func (c *cache) ownsLocked(t ticket) bool {
	return t.epoch == c.epoch && c.session != nil && c.session.ID == t.sessionID
}

func (c *cache) owns(t ticket) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ownsLocked(t)
}

// joinEnsure returns the cached session, or an ensure already in flight, or
// registers a new ensure call that the caller must settle.
func (c *cache) joinEnsure() (cached *models.Session, pending *ensureCall, own *ensureCall, epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return c.session.Clone(), nil, nil, c.epoch
	}
	if c.ensuring != nil {
		return nil, c.ensuring, nil, c.epoch
	}
	call := &ensureCall{done: make(chan struct{})}
	c.ensuring = call
	return nil, nil, call, c.epoch
}

// settleEnsure stores the created session if the conversation was not cleared
// meanwhile, then releases everyone waiting on call.
func (c *cache) settleEnsure(call *ensureCall, epoch uint64, created *models.Session, err error) {
	c.mu.Lock()
	if c.ensuring == call {
		c.ensuring = nil
	}
	switch {
	case err != nil:
		call.err = err
	case epoch != c.epoch:
		call.err = ErrAbandoned
	case c.session != nil:
		// loadExisting won the race; keep what is cached
		call.session = c.session.Clone()
	default:
		c.session = created.Clone()
		c.messages = nil
		call.session = created.Clone()
		c.notifyLocked()
	}
	c.mu.Unlock()
	close(call.done)
}

// loadSession replaces the cached session if no clear happened since epoch.
func (c *cache) loadSession(epoch uint64, s *models.Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		return false
	}
	if c.session == nil || c.session.ID != s.ID {
		c.messages = nil
	}
	c.session = s.Clone()
	c.notifyLocked()
	return true
}

// replaceSession swaps in the server's view of the session the ticket owns.
func (c *cache) replaceSession(t ticket, s *models.Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ownsLocked(t) || s.ID != t.sessionID {
		return false
	}
	c.session = s.Clone()
	c.notifyLocked()
	return true
}

func (c *cache) appendMessage(t ticket, m *models.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ownsLocked(t) {
		return false
	}
	copied := *m
	c.messages = append(c.messages, &copied)
	c.notifyLocked()
	return true
}

func (c *cache) replaceMessages(t ticket, msgs []*models.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ownsLocked(t) {
		return false
	}
	c.messages = models.CloneMessages(msgs)
	c.notifyLocked()
	return true
}

// recordError sets lastErr unless the conversation was cleared since t.
func (c *cache) recordError(t ticket, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.epoch != c.epoch {
		return false
	}
	c.lastErr = err
	c.notifyLocked()
	return true
}

// dropSession forgets the session t owns because the remote no longer has it,
// and records err. Unlike clear it keeps the epoch, so the turn in flight
// still finishes normally. It returns the dropped session, or nil when t is stale.
func (c *cache) dropSession(t ticket, err error) *models.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ownsLocked(t) {
		return nil
	}
	lost := c.session
	c.session = nil
	c.messages = nil
	c.lastErr = err
	c.notifyLocked()
	return lost
}

func (c *cache) acknowledgeError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastErr == nil {
		return
	}
	c.lastErr = nil
	c.notifyLocked()
}

// clear drops everything and invalidates all outstanding tickets. It never
// waits on an operation in flight.
func (c *cache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.session = nil
	c.messages = nil
	c.loading = false
	c.lastErr = nil
	c.ensuring = nil
	c.notifyLocked()
}

func (c *cache) subscribe() (<-chan State, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan State, 1)
	c.subs[id] = ch
	ch <- c.snapshotLocked()
	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
}

// notifyLocked hands every subscriber the latest snapshot, replacing one it
// has not read yet.
func (c *cache) notifyLocked() {
	if len(c.subs) == 0 {
		return
	}
	st := c.snapshotLocked()
	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		ch <- st
	}
}
