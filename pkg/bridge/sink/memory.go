package sink

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrUnknownConversation is returned when a record references a
// conversation the store has not seen.
var ErrUnknownConversation = errors.New("sink: unknown conversation")

// Memory is an in-process Store. It backs tests and single-node deployments
// without a database.
type Memory struct {
	mu            sync.Mutex
	conversations map[string]*StoredConversation
	order         []string
	// Fail, when set, is returned by every write.
	Fail error
}

// StoredConversation is a conversation with its records.
type StoredConversation struct {
	Conversation
	EndedAt   time.Time
	Turns     []Turn
	ToolCalls []ToolCallRecord
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{conversations: make(map[string]*StoredConversation)}
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) CreateConversation(_ context.Context, c Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	if _, ok := m.conversations[c.ID]; !ok {
		m.order = append(m.order, c.ID)
	}
	m.conversations[c.ID] = &StoredConversation{Conversation: c}
	return nil
}

func (m *Memory) AppendTurn(_ context.Context, t Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	c, ok := m.conversations[t.ConversationID]
	if !ok {
		return ErrUnknownConversation
	}
	c.Turns = append(c.Turns, t)
	return nil
}

func (m *Memory) AppendToolCall(_ context.Context, rec ToolCallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	c, ok := m.conversations[rec.ConversationID]
	if !ok {
		return ErrUnknownConversation
	}
	c.ToolCalls = append(c.ToolCalls, rec)
	return nil
}

func (m *Memory) CloseConversation(_ context.Context, id string, endedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	c, ok := m.conversations[id]
	if !ok {
		return ErrUnknownConversation
	}
	c.EndedAt = endedAt
	return nil
}

func (m *Memory) Close() error { return nil }

// Get returns a copy of one conversation.
func (m *Memory) Get(id string) (StoredConversation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return StoredConversation{}, false
	}
	out := *c
	out.Turns = append([]Turn(nil), c.Turns...)
	out.ToolCalls = append([]ToolCallRecord(nil), c.ToolCalls...)
	return out, true
}

// IDs lists conversation ids in creation order.
func (m *Memory) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

// Log is a Store that writes records to a structured logger.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Name() string { return "log" }

func (l Log) CreateConversation(ctx context.Context, c Conversation) error {
	l.Logger.InfoContext(ctx, "conversation started",
		"conversation_id", c.ID, "session_id", c.SessionID, "assistant_id", c.AssistantID, "provider", c.Provider)
	return nil
}

func (l Log) AppendTurn(ctx context.Context, t Turn) error {
	l.Logger.InfoContext(ctx, "turn",
		"conversation_id", t.ConversationID, "index", t.Index,
		"user_chars", len(t.UserText), "assistant_chars", len(t.AssistantText),
		"incomplete", t.Incomplete, "interrupted", t.Interrupted)
	return nil
}

func (l Log) AppendToolCall(ctx context.Context, rec ToolCallRecord) error {
	l.Logger.InfoContext(ctx, "tool call",
		"conversation_id", rec.ConversationID, "tool", rec.Tool, "call_id", rec.CallID,
		"status", rec.Status, "duration", rec.Duration)
	return nil
}

func (l Log) CloseConversation(ctx context.Context, id string, endedAt time.Time) error {
	l.Logger.InfoContext(ctx, "conversation ended", "conversation_id", id, "ended_at", endedAt)
	return nil
}

func (l Log) Close() error { return nil }
