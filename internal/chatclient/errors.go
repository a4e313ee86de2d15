package chatclient

import (
	"errors"
	"fmt"
)

var (
	ErrSessionCreation = errors.New("session creation failed")
	ErrNoActiveSession = errors.New("no active session")
	ErrSessionUpdate   = errors.New("session update failed")
	ErrSend            = errors.New("send message failed")
	ErrGeneration      = errors.New("assistant reply generation failed")
	ErrFetch           = errors.New("message fetch failed")

	// ErrBusy rejects a turn submitted while another is in flight. It is never
	// recorded as the last error.
	ErrBusy = errors.New("a turn is already in flight")
	// ErrAbandoned means Clear ran while the operation was in flight and its
	// result was dropped.
	ErrAbandoned = errors.New("conversation abandoned")
	// ErrEmptyMessage rejects blank user text before anything is sent.
	ErrEmptyMessage = errors.New("message text is empty")
)

// Error is a failure of one step of a chat operation. Kind is one of the
// sentinel errors above, so callers can use errors.Is(err, ErrSend).
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == e.Kind }

func newError(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// notFound reports whether a remote error says the resource is gone.
func notFound(err error) bool {
	var nf interface{ NotFound() bool }
	return errors.As(err, &nf) && nf.NotFound()
}
