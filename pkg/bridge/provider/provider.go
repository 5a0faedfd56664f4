// Package provider defines the vendor-neutral contract for realtime speech
// APIs. Each vendor lives in its own subpackage and hides its wire protocol,
// commit model and post-tool-result quirks behind Provider.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Kind is the closed set of supported vendors.
type Kind string

const (
	KindOpenAI     Kind = "openai"
	KindGemini     Kind = "gemini"
	KindElevenLabs Kind = "elevenlabs"
)

// ParseKind normalizes a configured provider name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindOpenAI, KindGemini, KindElevenLabs:
		return k, nil
	case "a":
		return KindOpenAI, nil
	case "b", "google":
		return KindGemini, nil
	case "c", "11labs":
		return KindElevenLabs, nil
	default:
		return "", fmt.Errorf("unknown provider %q", s)
	}
}

// DefaultConnectTimeout bounds Connect when Config.ConnectTimeout is unset.
const DefaultConnectTimeout = 30 * time.Second

// ToolDeclaration is a function the model may call.
type ToolDeclaration struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description" yaml:"description"`
	Parameters  map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// TurnDetection carries voice-activity tunables. Disabled selects manual
// commit on providers that support it.
type TurnDetection struct {
	Disabled          bool    `yaml:"disabled"`
	Threshold         float64 `yaml:"threshold"`
	PrefixPaddingMs   int     `yaml:"prefix_padding_ms"`
	SilenceDurationMs int     `yaml:"silence_duration_ms"`
}

// Config is everything needed to (re)connect a provider. Reconnect reuses it
// unchanged.
type Config struct {
	APIKey  string
	BaseURL string

	Model           string
	Voice           string
	Instructions    string
	Language        string
	AgentID         string
	Tools           []ToolDeclaration
	TurnDetection   TurnDetection
	MaxOutputTokens int

	// InputSampleRate is the PCM16 rate passed to SendAudio.
	InputSampleRate int
	// OutputSampleRate is the PCM16 rate of AudioDelta payloads.
	OutputSampleRate int

	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

// WithDefaults fills zero values.
func (c Config) WithDefaults() Config {
	if c.InputSampleRate <= 0 {
		c.InputSampleRate = 16000
	}
	if c.OutputSampleRate <= 0 {
		c.OutputSampleRate = 24000
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return c
}

// Speaker identifies who a transcript fragment belongs to.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// EventType discriminates Event.
type EventType int

const (
	EventAudioDelta EventType = iota + 1
	EventTranscriptDelta
	EventSpeechStarted
	EventSpeechStopped
	EventToolCallRequested
	EventTurnComplete
	EventInterrupted
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventAudioDelta:
		return "audio_delta"
	case EventTranscriptDelta:
		return "transcript_delta"
	case EventSpeechStarted:
		return "speech_started"
	case EventSpeechStopped:
		return "speech_stopped"
	case EventToolCallRequested:
		return "tool_call_requested"
	case EventTurnComplete:
		return "turn_complete"
	case EventInterrupted:
		return "interrupted"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// ToolCall is a model-issued function call. ID must be echoed unchanged in
// SendToolResult on the same Provider.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// ToolResult is the payload returned for a ToolCall.
type ToolResult struct {
	Output  map[string]any
	IsError bool
}

// Event is one item of the provider event stream.
type Event struct {
	Type EventType

	// Audio is PCM16 mono at Config.OutputSampleRate.
	Audio []byte

	Speaker Speaker
	Text    string
	Final   bool

	ToolCall *ToolCall

	// Err is set for EventError. These are non-fatal vendor errors; a fatal
	// loss is signalled by the Events channel closing.
	Err error
}

// Provider is one vendor realtime connection.
type Provider interface {
	Kind() Kind
	Connect(ctx context.Context, cfg Config) error
	SendAudio(ctx context.Context, pcm []byte) error
	CommitTurn(ctx context.Context) error
	SendToolResult(ctx context.Context, callID string, result ToolResult) error
	// Events returns the stream of the current connection. It is closed when
	// the socket closes and is not restartable.
	Events() <-chan Event
	HandleInterruption(ctx context.Context) error
	Reconnect(ctx context.Context) error
	Close() error
}

// InputClearer is implemented by providers with a server-side input buffer
// that can be discarded.
type InputClearer interface {
	ClearInput(ctx context.Context) error
}

// Factory builds an unconnected Provider of the given kind.
type Factory func(kind Kind) (Provider, error)
