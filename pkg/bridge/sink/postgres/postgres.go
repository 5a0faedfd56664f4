// Package postgres stores conversations in PostgreSQL.
package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/vango-go/voicebridge/pkg/bridge/sink"
)

//go:embed migrations/*.sql
var embedded embed.FS

// Migrations returns the embedded goose migrations.
func Migrations() fs.FS {
	sub, err := fs.Sub(embedded, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// Store is a sink.Store backed by a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ sink.Store = (*Store)(nil)

// Open connects to databaseURL and applies pending migrations.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Migrate runs the embedded migrations against pool.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	p, err := goose.NewProvider(goose.DialectPostgres, db, Migrations())
	if err != nil {
		return fmt.Errorf("postgres: migrations: %w", err)
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("postgres: migrate up: %w", err)
	}
	return nil
}

func (s *Store) Name() string { return "postgres" }

func (s *Store) CreateConversation(ctx context.Context, c sink.Conversation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (id, session_id, assistant_id, tenant_id, client_id, provider, transport, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		c.ID, c.SessionID, c.AssistantID, c.TenantID, c.ClientID, c.Provider, c.Transport, c.StartedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert conversation: %w", err)
	}
	return nil
}

func (s *Store) AppendTurn(ctx context.Context, t sink.Turn) error {
	var wav []byte
	if len(t.UserAudioWAV) > 0 {
		wav = t.UserAudioWAV
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO turns (conversation_id, idx, session_id, user_text, assistant_text,
			incomplete, interrupted, started_at, ended_at, user_audio_wav)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (conversation_id, idx) DO NOTHING`,
		t.ConversationID, t.Index, t.SessionID, t.UserText, t.AssistantText,
		t.Incomplete, t.Interrupted, nullTime(t.StartedAt), nullTime(t.EndedAt), wav)
	if err != nil {
		return fmt.Errorf("postgres: insert turn: %w", err)
	}
	return nil
}

func (s *Store) AppendToolCall(ctx context.Context, rec sink.ToolCallRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tool_calls (conversation_id, session_id, tool, call_id, args, result, error, status, started_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ConversationID, rec.SessionID, rec.Tool, rec.CallID, rec.Args, rec.Result,
		rec.Error, string(rec.Status), rec.StartedAt, rec.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("postgres: insert tool call: %w", err)
	}
	return nil
}

func (s *Store) CloseConversation(ctx context.Context, id string, endedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE conversations SET ended_at = $2 WHERE id = $1`, id, endedAt)
	if err != nil {
		return fmt.Errorf("postgres: close conversation: %w", err)
	}
	return nil
}

// Ping checks connectivity for readiness probes.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
