// Package natslog forwards conversation records to a NATS subject so that
// downstream consumers (spreadsheets, analytics, CRMs) can follow calls live.
package natslog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vango-go/voicebridge/pkg/bridge/sink"
)

// DefaultSubject is the subject prefix used when Config.Subject is empty.
const DefaultSubject = "voicebridge.conversations"

// Config configures the publisher.
type Config struct {
	URL            string
	Subject        string
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

// Envelope is the JSON body of every published message.
type Envelope struct {
	Kind           string    `json:"kind"`
	ConversationID string    `json:"conversation_id"`
	SessionID      string    `json:"session_id,omitempty"`
	At             time.Time `json:"at"`
	Record         any       `json:"record"`
}

// Store publishes records to "<subject>.<kind>".
type Store struct {
	conn    *nats.Conn
	subject string
	log     *slog.Logger
}

var _ sink.Store = (*Store)(nil)

// Connect dials the NATS servers in cfg.URL.
func Connect(cfg Config) (*Store, error) {
	if cfg.URL == "" {
		return nil, errors.New("natslog: no NATS url configured")
	}
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 2 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name("voicebridge-sink"),
		nats.Timeout(cfg.ConnectTimeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "error", err)
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("natslog: connect: %w", err)
	}
	log.Info("connected to NATS", "url", cfg.URL, "subject", cfg.Subject)
	return &Store{conn: conn, subject: cfg.Subject, log: log}, nil
}

func (s *Store) Name() string { return "nats" }

func (s *Store) publish(kind, conversationID, sessionID string, record any) error {
	data, err := json.Marshal(Envelope{
		Kind:           kind,
		ConversationID: conversationID,
		SessionID:      sessionID,
		At:             time.Now().UTC(),
		Record:         record,
	})
	if err != nil {
		return fmt.Errorf("natslog: encode %s: %w", kind, err)
	}
	if err := s.conn.Publish(s.subject+"."+kind, data); err != nil {
		return fmt.Errorf("natslog: publish %s: %w", kind, err)
	}
	return nil
}

func (s *Store) CreateConversation(_ context.Context, c sink.Conversation) error {
	return s.publish("conversation", c.ID, c.SessionID, c)
}

func (s *Store) AppendTurn(_ context.Context, t sink.Turn) error {
	return s.publish("turn", t.ConversationID, t.SessionID, t)
}

func (s *Store) AppendToolCall(_ context.Context, rec sink.ToolCallRecord) error {
	return s.publish("tool_call", rec.ConversationID, rec.SessionID, rec)
}

func (s *Store) CloseConversation(_ context.Context, id string, endedAt time.Time) error {
	return s.publish("end", id, "", map[string]any{"ended_at": endedAt})
}

// Healthy reports whether the connection is up.
func (s *Store) Healthy() bool {
	return s.conn != nil && s.conn.Status() == nats.CONNECTED
}

// Close flushes pending publishes and closes the connection.
func (s *Store) Close() error {
	s.log.Info("closing NATS connection")
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
		return fmt.Errorf("natslog: drain: %w", err)
	}
	return nil
}
