package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	Addr string

	LogLevel  string
	LogFormat LogFormat

	// AssistantsFile is a YAML file of assistants. When empty a single
	// "default" assistant on DefaultProvider is served.
	AssistantsFile  string
	DefaultProvider string

	// Vendor credentials.
	OpenAIAPIKey     string
	GeminiAPIKey     string
	ElevenLabsAPIKey string

	ConnectTimeout time.Duration

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// If true, the client IP for handshake limiting may come from proxy
	// headers like X-Forwarded-For.
	TrustProxyHeaders bool

	// Handshake rate per client IP. 0 disables the limit.
	HandshakeRPS   float64
	HandshakeBurst int

	// Realtime WebSocket sessions.
	WSMaxSessionDuration      time.Duration
	WSPingInterval            time.Duration
	WSWriteTimeout            time.Duration
	WSHandshakeTimeout        time.Duration
	WSMaxSessionsPerAssistant int
	WSMaxMessageBytes         int64

	// Inbound audio limits (per session).
	InboundMaxFPS int
	InboundMaxBPS int64

	// UserAudioTail attaches the last N of user audio to each saved turn.
	UserAudioTail time.Duration
	ToolTimeout   time.Duration

	// Conversation sinks.
	DatabaseURL   string
	JournalPath   string
	NATSURL       string
	NATSSubject   string
	SinkQueueSize int

	// Subscription gate. Empty disables the gate.
	StripeSecretKey string
	GateCacheTTL    time.Duration

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                      envOr("VB_ADDR", ":8080"),
		LogLevel:                  strings.ToLower(envOr("VB_LOG_LEVEL", "info")),
		LogFormat:                 LogFormat(strings.ToLower(envOr("VB_LOG_FORMAT", string(LogFormatText)))),
		AssistantsFile:            envOr("VB_ASSISTANTS_FILE", ""),
		DefaultProvider:           strings.ToLower(envOr("VB_DEFAULT_PROVIDER", "openai")),
		OpenAIAPIKey:              envOr("OPENAI_API_KEY", ""),
		GeminiAPIKey:              envOr("GEMINI_API_KEY", ""),
		ElevenLabsAPIKey:          envOr("ELEVENLABS_API_KEY", ""),
		ConnectTimeout:            envDurationOr("VB_CONNECT_TIMEOUT", 30*time.Second),
		CORSAllowedOrigins:        make(map[string]struct{}),
		TrustProxyHeaders:         envBoolOr("VB_TRUST_PROXY_HEADERS", false),
		HandshakeRPS:              envFloat64Or("VB_HANDSHAKE_RPS", 2.0),
		HandshakeBurst:            envIntOr("VB_HANDSHAKE_BURST", 8),
		WSMaxSessionDuration:      envDurationOr("VB_WS_MAX_SESSION_DURATION", 2*time.Hour),
		WSPingInterval:            envDurationOr("VB_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:            envDurationOr("VB_WS_WRITE_TIMEOUT", 5*time.Second),
		WSHandshakeTimeout:        envDurationOr("VB_WS_HANDSHAKE_TIMEOUT", 5*time.Second),
		WSMaxSessionsPerAssistant: envIntOr("VB_WS_MAX_SESSIONS_PER_ASSISTANT", 0),
		WSMaxMessageBytes:         envInt64Or("VB_WS_MAX_MESSAGE_BYTES", 1<<20),
		InboundMaxFPS:             envIntOr("VB_INBOUND_MAX_FPS", 120),
		InboundMaxBPS:             envInt64Or("VB_INBOUND_MAX_BPS", 128*1024),
		UserAudioTail:             envDurationOr("VB_USER_AUDIO_TAIL", 0),
		ToolTimeout:               envDurationOr("VB_TOOL_TIMEOUT", 10*time.Second),
		DatabaseURL:               envOr("VB_DATABASE_URL", ""),
		JournalPath:               envOr("VB_JOURNAL_PATH", ""),
		NATSURL:                   envOr("VB_NATS_URL", ""),
		NATSSubject:               envOr("VB_NATS_SUBJECT", "voicebridge.conversations"),
		SinkQueueSize:             envIntOr("VB_SINK_QUEUE_SIZE", 256),
		StripeSecretKey:           envOr("STRIPE_SECRET_KEY", ""),
		GateCacheTTL:              envDurationOr("VB_GATE_CACHE_TTL", 5*time.Minute),
		ReadHeaderTimeout:         envDurationOr("VB_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:       envDurationOr("VB_SHUTDOWN_GRACE", 30*time.Second),
	}

	for _, origin := range splitCSV(os.Getenv("VB_CORS_ALLOWED_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("VB_LOG_LEVEL must be one of debug, info, warn, error")
	}
	switch cfg.LogFormat {
	case LogFormatText, LogFormatJSON:
	default:
		return Config{}, fmt.Errorf("VB_LOG_FORMAT must be text or json")
	}
	switch cfg.DefaultProvider {
	case "openai", "gemini", "elevenlabs":
	default:
		return Config{}, fmt.Errorf("VB_DEFAULT_PROVIDER must be openai, gemini or elevenlabs")
	}

	if cfg.ConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("VB_CONNECT_TIMEOUT must be > 0")
	}
	if cfg.WSMaxSessionDuration <= 0 {
		return Config{}, fmt.Errorf("VB_WS_MAX_SESSION_DURATION must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("VB_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VB_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("VB_WS_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.WSMaxSessionsPerAssistant < 0 {
		return Config{}, fmt.Errorf("VB_WS_MAX_SESSIONS_PER_ASSISTANT must be >= 0")
	}
	if cfg.WSMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("VB_WS_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.HandshakeRPS < 0 {
		return Config{}, fmt.Errorf("VB_HANDSHAKE_RPS must be >= 0")
	}
	if cfg.HandshakeBurst < 0 {
		return Config{}, fmt.Errorf("VB_HANDSHAKE_BURST must be >= 0")
	}
	if cfg.InboundMaxFPS < 0 {
		return Config{}, fmt.Errorf("VB_INBOUND_MAX_FPS must be >= 0")
	}
	if cfg.InboundMaxBPS < 0 {
		return Config{}, fmt.Errorf("VB_INBOUND_MAX_BPS must be >= 0")
	}
	if cfg.UserAudioTail < 0 {
		return Config{}, fmt.Errorf("VB_USER_AUDIO_TAIL must be >= 0")
	}
	if cfg.ToolTimeout <= 0 {
		return Config{}, fmt.Errorf("VB_TOOL_TIMEOUT must be > 0")
	}
	if cfg.SinkQueueSize <= 0 {
		return Config{}, fmt.Errorf("VB_SINK_QUEUE_SIZE must be > 0")
	}
	if strings.TrimSpace(cfg.NATSSubject) == "" {
		return Config{}, fmt.Errorf("VB_NATS_SUBJECT must not be empty")
	}
	if cfg.GateCacheTTL < 0 {
		return Config{}, fmt.Errorf("VB_GATE_CACHE_TTL must be >= 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VB_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VB_SHUTDOWN_GRACE must be > 0")
	}

	return cfg, nil
}

// APIKey returns the vendor key for a provider kind.
func (c Config) APIKey(kind string) string {
	switch kind {
	case "openai":
		return c.OpenAIAPIKey
	case "gemini":
		return c.GeminiAPIKey
	case "elevenlabs":
		return c.ElevenLabsAPIKey
	default:
		return ""
	}
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
