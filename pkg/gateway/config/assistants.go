package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vango-go/voicebridge/pkg/bridge/provider"
	"github.com/vango-go/voicebridge/pkg/bridge/tools"
)

// DefaultAssistantID names the assistant served when no assistants file is
// configured.
const DefaultAssistantID = "default"

// Assistant is one entry of the assistants file.
type Assistant struct {
	ID               string `yaml:"id"`
	TenantID         string `yaml:"tenant"`
	StripeCustomerID string `yaml:"stripe_customer_id"`

	Provider        string                 `yaml:"provider"`
	Model           string                 `yaml:"model"`
	Voice           string                 `yaml:"voice"`
	Instructions    string                 `yaml:"instructions"`
	Language        string                 `yaml:"language"`
	AgentID         string                 `yaml:"agent_id"`
	MaxOutputTokens int                    `yaml:"max_output_tokens"`
	TurnDetection   provider.TurnDetection `yaml:"turn_detection"`

	// Tools lists enabled tool names. "*" enables every registered tool.
	Tools     []string          `yaml:"tools"`
	Aliases   map[string]string `yaml:"aliases"`
	ToolModes map[string]string `yaml:"tool_modes"`

	// MaxSessions overrides VB_WS_MAX_SESSIONS_PER_ASSISTANT when > 0.
	MaxSessions int `yaml:"max_sessions"`

	kind  provider.Kind
	modes map[string]tools.Mode
}

// Kind is the parsed provider kind.
func (a Assistant) Kind() provider.Kind { return a.kind }

// Policy builds the assistant's tool policy.
func (a Assistant) Policy() *tools.Policy {
	p := tools.NewPolicy(a.Tools, a.Aliases, a.modes)
	for _, name := range a.Tools {
		if strings.TrimSpace(name) == "*" {
			p.AllowAll = true
		}
	}
	return p
}

// ProviderConfig returns the adapter configuration for this assistant.
// Tools and sample rates are filled in by the session.
func (a Assistant) ProviderConfig(apiKey string, connectTimeout time.Duration) provider.Config {
	return provider.Config{
		APIKey:          apiKey,
		Model:           a.Model,
		Voice:           a.Voice,
		Instructions:    a.Instructions,
		Language:        a.Language,
		AgentID:         a.AgentID,
		TurnDetection:   a.TurnDetection,
		MaxOutputTokens: a.MaxOutputTokens,
		ConnectTimeout:  connectTimeout,
	}
}

// Webhook declares a tool executed by POSTing to an HTTP endpoint.
type Webhook struct {
	Name         string            `yaml:"name"`
	Description  string            `yaml:"description"`
	URL          string            `yaml:"url"`
	Mode         string            `yaml:"mode"`
	Parameters   map[string]any    `yaml:"parameters"`
	Headers      map[string]string `yaml:"headers"`
	Timeout      time.Duration     `yaml:"timeout"`
	Streaming    bool              `yaml:"streaming"`
	AllowPrivate bool              `yaml:"allow_private"`
}

// Definition returns the tool definition declared by the webhook.
func (w Webhook) Definition() tools.Definition {
	mode, _ := tools.ParseMode(w.Mode)
	return tools.Definition{
		Name:        tools.Normalize(w.Name),
		Description: w.Description,
		Parameters:  w.Parameters,
		Mode:        mode,
		Streaming:   w.Streaming,
		NeedsClient: w.Streaming,
	}
}

// Assistants is the parsed assistants file.
type Assistants struct {
	Assistants []Assistant `yaml:"assistants"`
	Webhooks   []Webhook   `yaml:"webhooks"`

	byID map[string]int
}

// LoadAssistants reads and validates path. An empty path yields the single
// default assistant on defaultProvider.
func LoadAssistants(path, defaultProvider string) (*Assistants, error) {
	if strings.TrimSpace(path) == "" {
		as := &Assistants{Assistants: []Assistant{{ID: DefaultAssistantID, Provider: defaultProvider}}}
		if err := as.validate(); err != nil {
			return nil, fmt.Errorf("VB_DEFAULT_PROVIDER: %w", err)
		}
		return as, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("VB_ASSISTANTS_FILE: %w", err)
	}
	as, err := ParseAssistants(data)
	if err != nil {
		return nil, fmt.Errorf("VB_ASSISTANTS_FILE %s: %w", path, err)
	}
	return as, nil
}

// ParseAssistants decodes and validates an assistants document. Unknown
// fields are rejected.
func ParseAssistants(data []byte) (*Assistants, error) {
	var as Assistants
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&as); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := as.validate(); err != nil {
		return nil, err
	}
	return &as, nil
}

func (as *Assistants) validate() error {
	if len(as.Assistants) == 0 {
		return errors.New("no assistants defined")
	}

	as.byID = make(map[string]int, len(as.Assistants))
	for i := range as.Assistants {
		a := &as.Assistants[i]
		a.ID = strings.TrimSpace(a.ID)
		if a.ID == "" {
			return fmt.Errorf("assistants[%d]: id is required", i)
		}
		if _, dup := as.byID[a.ID]; dup {
			return fmt.Errorf("assistants[%d]: duplicate id %q", i, a.ID)
		}
		kind, err := provider.ParseKind(a.Provider)
		if err != nil {
			return fmt.Errorf("assistant %q: %w", a.ID, err)
		}
		a.kind = kind
		if kind == provider.KindElevenLabs && strings.TrimSpace(a.AgentID) == "" {
			return fmt.Errorf("assistant %q: agent_id is required for elevenlabs", a.ID)
		}
		if a.MaxSessions < 0 {
			return fmt.Errorf("assistant %q: max_sessions must be >= 0", a.ID)
		}
		a.modes = make(map[string]tools.Mode, len(a.ToolModes))
		for name, raw := range a.ToolModes {
			m, ok := tools.ParseMode(raw)
			if !ok {
				return fmt.Errorf("assistant %q: tool %q: unknown mode %q", a.ID, name, raw)
			}
			a.modes[name] = m
		}
		as.byID[a.ID] = i
	}

	seen := make(map[string]struct{}, len(as.Webhooks))
	for i, w := range as.Webhooks {
		name := tools.Normalize(w.Name)
		if name == "" {
			return fmt.Errorf("webhooks[%d]: name is required", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("webhooks[%d]: duplicate name %q", i, name)
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(w.URL) == "" {
			return fmt.Errorf("webhook %q: url is required", name)
		}
		if _, ok := tools.ParseMode(w.Mode); !ok {
			return fmt.Errorf("webhook %q: unknown mode %q", name, w.Mode)
		}
		if w.Timeout < 0 {
			return fmt.Errorf("webhook %q: timeout must be >= 0", name)
		}
	}
	return nil
}

// Get returns the assistant with id.
func (as *Assistants) Get(id string) (Assistant, bool) {
	if as == nil {
		return Assistant{}, false
	}
	i, ok := as.byID[strings.TrimSpace(id)]
	if !ok {
		return Assistant{}, false
	}
	return as.Assistants[i], true
}
