// Package journal is an append-only SQLite store. The bridge writes to it
// when the primary sink rejects a record, so nothing is lost while the
// database is unavailable.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vango-go/voicebridge/pkg/bridge/sink"
)

// Record kinds.
const (
	KindConversation = "conversation"
	KindTurn         = "turn"
	KindToolCall     = "tool_call"
	KindEnd          = "end"
)

// Entry is one journal row.
type Entry struct {
	ID             int64
	Kind           string
	ConversationID string
	SessionID      string
	Payload        []byte
	Audio          []byte
	CreatedAt      time.Time
}

// Store is a sink.Store backed by a local SQLite file.
type Store struct {
	db    *sql.DB
	clock func() time.Time
}

var _ sink.Store = (*Store)(nil)

// Open creates or opens the journal at path. ":memory:" is accepted.
func Open(ctx context.Context, path string) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("journal: create dir: %w", err)
			}
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: open sqlite: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: ping sqlite: %w", err)
	}
	s := &Store{db: db, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS journal (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    kind TEXT NOT NULL,
    conversation_id TEXT NOT NULL,
    session_id TEXT,
    payload BLOB NOT NULL,
    audio BLOB,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_journal_conversation ON journal(conversation_id, id);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("journal: init schema: %w", err)
	}
	return nil
}

func (s *Store) Name() string { return "journal" }

func (s *Store) append(ctx context.Context, kind, conversationID, sessionID string, v any, audio []byte) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("journal: encode %s: %w", kind, err)
	}
	if len(audio) == 0 {
		audio = nil
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO journal(kind, conversation_id, session_id, payload, audio, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		kind, conversationID, sessionID, payload, audio, s.clock().UTC())
	if err != nil {
		return fmt.Errorf("journal: insert %s: %w", kind, err)
	}
	return nil
}

func (s *Store) CreateConversation(ctx context.Context, c sink.Conversation) error {
	return s.append(ctx, KindConversation, c.ID, c.SessionID, c, nil)
}

func (s *Store) AppendTurn(ctx context.Context, t sink.Turn) error {
	return s.append(ctx, KindTurn, t.ConversationID, t.SessionID, t, t.UserAudioWAV)
}

func (s *Store) AppendToolCall(ctx context.Context, rec sink.ToolCallRecord) error {
	return s.append(ctx, KindToolCall, rec.ConversationID, rec.SessionID, rec, nil)
}

func (s *Store) CloseConversation(ctx context.Context, id string, endedAt time.Time) error {
	return s.append(ctx, KindEnd, id, "", map[string]any{"ended_at": endedAt}, nil)
}

// Entries returns a conversation's rows in write order.
func (s *Store) Entries(ctx context.Context, conversationID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, conversation_id, COALESCE(session_id, ''), payload, audio, created_at
		 FROM journal WHERE conversation_id = ? ORDER BY id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Kind, &e.ConversationID, &e.SessionID, &e.Payload, &e.Audio, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes rows older than maxAge and returns how many were removed.
func (s *Store) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM journal WHERE created_at < ?`, s.clock().UTC().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("journal: prune: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) Close() error { return s.db.Close() }
