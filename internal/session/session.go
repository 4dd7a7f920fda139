// Package session persists conversation state in SQLite. One session
// per (channel, chat) pair, keyed "channel:chat_id".
package session

import (
	"time"
)

// Message is one transcript entry within a session.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is a single conversation, loaded fully into memory and
// written back by Save.
type Session struct {
	Key      string
	Messages []Message

	// LastConsolidated is the index into Messages up to which the
	// memory pipeline has already archived older turns.
	LastConsolidated int

	// ModelOverride, when non-empty, replaces the configured default
	// model for this session only.
	ModelOverride string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AddMessage appends a transcript entry stamped with the current time.
func (s *Session) AddMessage(role, content string) {
	s.Messages = append(s.Messages, Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	})
}

// History returns the most recent n messages, oldest first. n <= 0
// returns everything.
func (s *Session) History(n int) []Message {
	if n <= 0 || n >= len(s.Messages) {
		return s.Messages
	}
	return s.Messages[len(s.Messages)-n:]
}
