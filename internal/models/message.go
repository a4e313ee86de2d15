package models

import "time"

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "USER"
	RoleAssistant Role = "ASSISTANT"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Kind describes how a message body should be rendered.
type Kind string

const (
	KindText        Kind = "TEXT"
	KindAction      Kind = "ACTION"      // call-to-action, details in Metadata
	KindSuggestions Kind = "SUGGESTIONS" // grouped suggested replies
)

func (k Kind) Valid() bool {
	switch k {
	case KindText, KindAction, KindSuggestions:
		return true
	}
	return false
}

type Message struct {
	ID        int64     `json:"id"`
	SessionID int64     `json:"session_id"`
	Sender    Role      `json:"sender"`
	Content   string    `json:"content"`
	Kind      Kind      `json:"kind"`
	Metadata  string    `json:"metadata,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CloneMessages deep-copies a message list so callers can't alias cached state.
func CloneMessages(in []*Message) []*Message {
	out := make([]*Message, 0, len(in))
	for _, m := range in {
		if m == nil {
			continue
		}
		c := *m
		out = append(out, &c)
	}
	return out
}
