// Package sink persists conversations produced by bridge sessions.
//
// Sessions talk to a Sink, which never returns errors and never blocks on
// I/O. Storage backends implement Store; Async adapts one or more Stores to
// a Sink behind a bounded queue.
package sink

import (
	"context"
	"time"
)

// Status is the lifecycle state of a tool call record.
type Status string

const (
	StatusPending      Status = "pending"
	StatusExecuting    Status = "executing"
	StatusSuccess      Status = "success"
	StatusError        Status = "error"
	StatusUnauthorized Status = "unauthorized"
)

// Conversation describes a session at start.
type Conversation struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	AssistantID string    `json:"assistant_id"`
	TenantID    string    `json:"tenant_id"`
	ClientID    string    `json:"client_id"`
	Provider    string    `json:"provider"`
	Transport   string    `json:"transport"`
	StartedAt   time.Time `json:"started_at"`
}

// TurnMetadata accompanies SaveTurn.
type TurnMetadata struct {
	ConversationID string    `json:"conversation_id"`
	Index          int       `json:"index"`
	Incomplete     bool      `json:"incomplete"`
	Interrupted    bool      `json:"interrupted"`
	StartedAt      time.Time `json:"started_at"`
	EndedAt        time.Time `json:"ended_at"`
	// UserAudioWAV optionally carries the tail of the user's audio.
	UserAudioWAV []byte `json:"-"`
}

// Turn is one stored user/assistant exchange.
type Turn struct {
	SessionID     string `json:"session_id"`
	UserText      string `json:"user_text"`
	AssistantText string `json:"assistant_text"`
	TurnMetadata
}

// ToolCallRecord is one tool invocation.
type ToolCallRecord struct {
	SessionID      string         `json:"session_id"`
	ConversationID string         `json:"conversation_id"`
	Tool           string         `json:"tool"`
	CallID         string         `json:"call_id"`
	Args           map[string]any `json:"args,omitempty"`
	Result         map[string]any `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
	Status         Status         `json:"status"`
	StartedAt      time.Time      `json:"started_at"`
	Duration       time.Duration  `json:"duration_ns"`
}

// Sink is the session-facing persistence boundary.
type Sink interface {
	// StartConversation registers a conversation and returns its record id.
	StartConversation(ctx context.Context, c Conversation) string
	SaveTurn(ctx context.Context, sessionID, userText, assistantText string, meta TurnMetadata)
	LogToolCall(ctx context.Context, rec ToolCallRecord)
	EndConversation(ctx context.Context, conversationID string, endedAt time.Time)
}

// Store is a storage backend.
type Store interface {
	Name() string
	CreateConversation(ctx context.Context, c Conversation) error
	AppendTurn(ctx context.Context, t Turn) error
	AppendToolCall(ctx context.Context, rec ToolCallRecord) error
	CloseConversation(ctx context.Context, conversationID string, endedAt time.Time) error
	Close() error
}

// Discard is a Sink that drops everything.
type Discard struct{}

func (Discard) StartConversation(context.Context, Conversation) string { return "" }
func (Discard) SaveTurn(context.Context, string, string, string, TurnMetadata) {}
func (Discard) LogToolCall(context.Context, ToolCallRecord)                    {}
func (Discard) EndConversation(context.Context, string, time.Time)             {}
