// Package session keeps the identity and history of one conversation and
// routes inbound bridge messages to typed handlers.
package session

import (
	"sync"
	"time"

	"sofie/pkg/protocol"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role      Role
	Content   string
	Timestamp time.Time
}

func (m Message) Wire() protocol.HistoryEntry {
	return protocol.HistoryEntry{
		Role:      string(m.Role),
		Content:   m.Content,
		Timestamp: m.Timestamp.UnixMilli(),
	}
}

// Session is shared by the state machine (reads and writes) and the
// transport (reads the conversation id to tag requests).
type Session struct {
	mu             sync.RWMutex
	conversationID string
	history        []Message
}

func New() *Session {
	return &Session{}
}

func (s *Session) ConversationID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversationID
}

// SetConversationID records the id assigned by the peer. Once set it is
// kept until Clear; an empty id never overwrites an existing one.
func (s *Session) SetConversationID(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversationID = id
}

func (s *Session) Append(role Role, content string) Message {
	m := Message{Role: role, Content: content, Timestamp: time.Now()}

	s.mu.Lock()
	s.history = append(s.history, m)
	s.mu.Unlock()

	return m
}

// History returns a copy of the full history in insertion order.
func (s *Session) History() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message(nil), s.history...)
}

// Recent returns a copy of at most the last n messages.
func (s *Session) Recent(n int) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 {
		return nil
	}
	start := max(len(s.history)-n, 0)
	return append([]Message(nil), s.history[start:]...)
}

func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history)
}

// Clear forgets the conversation id and the history.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversationID = ""
	s.history = nil
}

func Wire(msgs []Message) []protocol.HistoryEntry {
	out := make([]protocol.HistoryEntry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Wire())
	}
	return out
}
