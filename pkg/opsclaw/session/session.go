// Package session stores per-conversation message history.
//
// A Session holds the durable turns of one (channel, chat) conversation:
// the user's text and the agent's final reply. Intermediate tool calls are
// never stored. Sessions are bounded; the oldest messages are dropped
// first once MaxMessages is exceeded.
package session

import (
	"maps"
	"time"

	"github.com/jholhewres/opsclaw/pkg/opsclaw/provider"
)

// DefaultMaxMessages bounds a session when no limit is configured.
const DefaultMaxMessages = 100

// Message is one stored turn.
type Message struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Session is the history of one conversation.
type Session struct {
	Key         string         `json:"key"`
	Messages    []Message      `json:"messages"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	Metadata    map[string]any `json:"metadata"`
	MaxMessages int            `json:"max_messages"`
}

// New creates an empty session.
func New(key string, maxMessages int) *Session {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	now := time.Now()
	return &Session{
		Key:         key,
		Messages:    []Message{},
		CreatedAt:   now,
		UpdatedAt:   now,
		Metadata:    map[string]any{},
		MaxMessages: maxMessages,
	}
}

// AddMessage appends a message and evicts the oldest beyond MaxMessages.
func (s *Session) AddMessage(role, content string) {
	s.AddMessageWithMetadata(role, content, nil)
}

// AddMessageWithMetadata appends a message carrying metadata.
func (s *Session) AddMessageWithMetadata(role, content string, metadata map[string]any) {
	now := time.Now()
	s.Messages = append(s.Messages, Message{
		Role:      role,
		Content:   content,
		Timestamp: now,
		Metadata:  metadata,
	})
	s.UpdatedAt = now
	s.trim()
}

// SetMaxMessages changes the bound and trims immediately.
func (s *Session) SetMaxMessages(n int) {
	if n <= 0 {
		n = DefaultMaxMessages
	}
	s.MaxMessages = n
	s.trim()
}

func (s *Session) trim() {
	if s.MaxMessages <= 0 {
		s.MaxMessages = DefaultMaxMessages
	}
	if excess := len(s.Messages) - s.MaxMessages; excess > 0 {
		s.Messages = append([]Message(nil), s.Messages[excess:]...)
	}
}

// History returns the last n messages, oldest first, in the shape sent to
// the model. n <= 0 yields an empty slice.
func (s *Session) History(n int) []provider.Message {
	if n <= 0 || len(s.Messages) == 0 {
		return []provider.Message{}
	}
	start := len(s.Messages) - n
	if start < 0 {
		start = 0
	}
	out := make([]provider.Message, 0, len(s.Messages)-start)
	for _, m := range s.Messages[start:] {
		out = append(out, provider.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

// Len returns the number of stored messages.
func (s *Session) Len() int { return len(s.Messages) }

// Clear removes all messages.
func (s *Session) Clear() {
	s.Messages = []Message{}
	s.UpdatedAt = time.Now()
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	c := *s
	c.Messages = make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		m.Metadata = maps.Clone(m.Metadata)
		c.Messages[i] = m
	}
	c.Metadata = maps.Clone(s.Metadata)
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
	return &c
}
