package models

import (
	"encoding/json"
	"sync"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is one entry of an agent conversation.
type Message struct {
	Role       Role   `json:"role"`
	Content    string `json:"content"`
	ToolCallID string `json:"toolCallId,omitempty"`
	ToolName   string `json:"toolName,omitempty"`
}

// AssistantMessage builds an assistant-authored message.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// MessageLog is a shared, concurrency-safe message history.
//
// A single *MessageLog may be referenced by several agent states at once;
// an inline child agent writes into the same log its parent reads from.
// The zero value is an empty log ready for use.
type MessageLog struct {
	mu       sync.RWMutex
	messages []Message
}

// NewMessageLog creates a log seeded with the given messages.
func NewMessageLog(msgs ...Message) *MessageLog {
	l := &MessageLog{}
	if len(msgs) > 0 {
		l.messages = append(make([]Message, 0, len(msgs)), msgs...)
	}
	return l
}

// Append adds messages to the end of the log.
func (l *MessageLog) Append(msgs ...Message) {
	if len(msgs) == 0 {
		return
	}
	l.mu.Lock()
	l.messages = append(l.messages, msgs...)
	l.mu.Unlock()
}

// Replace swaps the entire contents of the log in place. Holders of the
// same pointer observe the new contents.
func (l *MessageLog) Replace(msgs []Message) {
	cp := make([]Message, len(msgs))
	copy(cp, msgs)
	l.mu.Lock()
	l.messages = cp
	l.mu.Unlock()
}

// Snapshot returns a copy of the current messages.
func (l *MessageLog) Snapshot() []Message {
	if l == nil {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Message, len(l.messages))
	copy(out, l.messages)
	return out
}

// Len returns the number of messages.
func (l *MessageLog) Len() int {
	if l == nil {
		return 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}

// Last returns the most recent message.
func (l *MessageLog) Last() (Message, bool) {
	if l == nil {
		return Message{}, false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.messages) == 0 {
		return Message{}, false
	}
	return l.messages[len(l.messages)-1], true
}

// Clone returns an independent log with the same contents.
func (l *MessageLog) Clone() *MessageLog {
	return NewMessageLog(l.Snapshot()...)
}

// MarshalJSON encodes the log as a plain array.
func (l *MessageLog) MarshalJSON() ([]byte, error) {
	msgs := l.Snapshot()
	if msgs == nil {
		msgs = []Message{}
	}
	return json.Marshal(msgs)
}

// UnmarshalJSON decodes a plain array into the log.
func (l *MessageLog) UnmarshalJSON(data []byte) error {
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return err
	}
	l.mu.Lock()
	l.messages = msgs
	l.mu.Unlock()
	return nil
}
