package model

import (
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// DefaultTitle is the title of a conversation that has no user message yet.
const DefaultTitle = "New Conversation"

// Conversation stores a chat and its messages in insertion order.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Model     string    `json:"model"`
}

// Clone returns a deep copy that shares no memory with c.
func (c Conversation) Clone() Conversation {
	out := c
	if c.Messages != nil {
		out.Messages = make([]Message, len(c.Messages))
		copy(out.Messages, c.Messages)
	}
	return out
}

// Message stores a single message in a conversation.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Model     string    `json:"model,omitempty"` // Model that produced an assistant message.
}

// State is everything that survives a restart.
type State struct {
	Conversations []Conversation `json:"conversations"`
	Model         string         `json:"model"`
	ActiveID      *string        `json:"active_id,omitempty"`
}

// Change tells store observers which part of the state was mutated.
type Change int

const (
	ChangeConversations Change = iota
	ChangeModel
	ChangeActive
)

func (c Change) String() string {
	switch c {
	case ChangeConversations:
		return "conversations"
	case ChangeModel:
		return "model"
	case ChangeActive:
		return "active"
	default:
		return "unknown"
	}
}

// Stream event types sent to clients of a turn.
const (
	EventStart = "start"
	EventDelta = "delta"
	EventDone  = "done"
	EventError = "error"
)

// StreamResponse is the structure for a single event of a streamed turn.
type StreamResponse struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	Content        string `json:"content,omitempty"`
	Done           bool   `json:"done"`
	Error          string `json:"error,omitempty"`
}

// Session is the view of the orchestrator state exposed to clients.
type Session struct {
	ActiveConversationID *string `json:"active_conversation_id"`
	Loading              bool    `json:"loading"`
	Model                string  `json:"model"`
}

// ModelInfo describes one entry of the model catalog.
type ModelInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}
