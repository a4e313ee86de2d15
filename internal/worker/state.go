package worker

import (
	"context"
	"sync"
)

// userState tracks which of a user's sessions have a reply in flight.
type userState struct {
	mu       sync.Mutex
	inflight map[int64]inflightJob // by session id
}

type inflightJob struct {
	id     string
	cancel context.CancelCauseFunc
}

func newUserState() *userState {
	return &userState{inflight: make(map[int64]inflightJob)}
}

func (s *userState) claim(sessionID int64, jobID string, cancel context.CancelCauseFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[sessionID]; busy {
		return false
	}
	s.inflight[sessionID] = inflightJob{id: jobID, cancel: cancel}
	return true
}

// release frees the session if jobID still holds it and returns how many
// sessions of the user remain busy.
func (s *userState) release(sessionID int64, jobID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[sessionID].id == jobID {
		delete(s.inflight, sessionID)
	}
	return len(s.inflight)
}

// cancelAll cancels the context of every job the user has in flight, queued or
// running. Claims stay held until each job finishes.
func (s *userState) cancelAll(cause error) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.inflight {
		if job.cancel != nil {
			job.cancel(cause)
		}
	}
	return len(s.inflight)
}
