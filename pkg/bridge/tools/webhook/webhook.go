// Package webhook implements tools.Executor by POSTing the call to an HTTP
// endpoint configured per assistant.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vango-go/voicebridge/pkg/bridge/tools"
)

// Config describes one webhook-backed tool.
type Config struct {
	Definition tools.Definition
	URL        string
	Headers    map[string]string
	Timeout    time.Duration
	// AllowPrivate skips the address guard. Only for local development.
	AllowPrivate bool
	Client       *http.Client
}

// Request is the JSON body sent to the endpoint.
type Request struct {
	Tool           string         `json:"tool"`
	CallID         string         `json:"call_id"`
	SessionID      string         `json:"session_id"`
	AssistantID    string         `json:"assistant_id,omitempty"`
	TenantID       string         `json:"tenant_id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	ChannelID      string         `json:"channel_id,omitempty"`
	Arguments      map[string]any `json:"arguments"`
}

// Executor posts calls to Config.URL and returns the JSON object it answers.
type Executor struct {
	cfg    Config
	client *http.Client
}

var _ tools.Executor = (*Executor)(nil)

// New validates cfg.URL and builds the executor.
func New(ctx context.Context, cfg Config) (*Executor, error) {
	if cfg.Definition.Name == "" {
		return nil, fmt.Errorf("webhook: tool name is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := cfg.Client
	if !cfg.AllowPrivate {
		if _, err := ValidateTarget(ctx, cfg.URL); err != nil {
			return nil, fmt.Errorf("webhook %s: %w", cfg.Definition.Name, err)
		}
		if client == nil {
			client = restrictedClient(cfg.Timeout)
		}
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Executor{cfg: cfg, client: client}, nil
}

func (e *Executor) Definition() tools.Definition { return e.cfg.Definition }

func (e *Executor) Execute(ctx context.Context, cc tools.CallContext, args map[string]any) (map[string]any, error) {
	if args == nil {
		args = map[string]any{}
	}
	body, err := json.Marshal(Request{
		Tool:           e.cfg.Definition.Name,
		CallID:         cc.CallID,
		SessionID:      cc.SessionID,
		AssistantID:    cc.AssistantID,
		TenantID:       cc.TenantID,
		ConversationID: cc.ConversationID,
		ChannelID:      cc.ChannelID,
		Arguments:      args,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "voicebridge-webhook/1")
	for k, v := range e.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	if resp.StatusCode == http.StatusNoContent {
		return map[string]any{"status": "ok"}, nil
	}
	var out map[string]any
	if err := decodeJSONLimited(resp, &out); err != nil {
		return nil, err
	}
	return out, nil
}
