// Package elevenlabs adapts the ElevenLabs Conversational AI websocket.
//
// The agent runs its own VAD and resumes after client_tool_result without a
// nudge. The protocol has no explicit end-of-response event, so TurnComplete
// is emitted once an agent_response has been seen and agent audio has been
// idle for TurnIdle.
package elevenlabs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vango-go/voicebridge/pkg/bridge/provider"
	"github.com/vango-go/voicebridge/pkg/core"
	"github.com/vango-go/voicebridge/pkg/core/audio"
)

const (
	name       = "elevenlabs"
	defaultURL = "wss://api.elevenlabs.io/v1/convai/conversation"
	inputRate  = 16000

	// DefaultTurnIdle is how long agent audio must be quiet before the turn
	// is considered complete.
	DefaultTurnIdle = 500 * time.Millisecond
)

// Adapter implements provider.Provider.
type Adapter struct {
	// TurnIdle overrides DefaultTurnIdle when positive.
	TurnIdle time.Duration

	mu     sync.Mutex
	cfg    provider.Config
	hasCfg bool
	conn   *provider.WSConn
	stream *provider.Stream
	resets chan struct{}
	convID string
}

// New returns an unconnected adapter.
func New() *Adapter {
	return &Adapter{}
}

var _ provider.Provider = (*Adapter)(nil)

func (a *Adapter) Kind() provider.Kind { return provider.KindElevenLabs }

// ConversationID is the vendor conversation id of the current connection.
func (a *Adapter) ConversationID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.convID
}

func (a *Adapter) Connect(ctx context.Context, cfg provider.Config) error {
	cfg = cfg.WithDefaults()
	if strings.TrimSpace(cfg.APIKey) == "" {
		return core.NewConnectError(name, core.ConnectAuth, errors.New("api key is required"))
	}
	if strings.TrimSpace(cfg.AgentID) == "" {
		return core.NewConnectError(name, core.ConnectForbidden, errors.New("agent id is required"))
	}
	wsURL, err := buildURL(cfg)
	if err != nil {
		return core.NewConnectError(name, core.ConnectUnavailable, err)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("xi-api-key", strings.TrimSpace(cfg.APIKey))
	conn, err := provider.DialWS(ctx, name, wsURL, header)
	if err != nil {
		return err
	}
	if err := conn.WriteJSON(ctx, initiation(cfg)); err != nil {
		_ = conn.Close()
		return core.NewConnectError(name, core.ConnectUnavailable, fmt.Errorf("send initiation: %w", err))
	}
	meta, err := awaitMetadata(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return err
	}

	stream := provider.NewStream(256)
	resets := make(chan struct{}, 1)
	outRate := parseRate(meta.OutputFormat, 16000)
	a.mu.Lock()
	a.cfg = cfg
	a.hasCfg = true
	a.conn = conn
	a.stream = stream
	a.resets = resets
	a.convID = meta.ConversationID
	a.mu.Unlock()

	go a.readLoop(conn, stream, resets, cfg, outRate)
	return nil
}

type metadata struct {
	ConversationID string `json:"conversation_id"`
	OutputFormat   string `json:"agent_output_audio_format"`
	InputFormat    string `json:"user_input_audio_format"`
}

func awaitMetadata(ctx context.Context, conn *provider.WSConn) (metadata, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()
	for {
		msg, err := conn.ReadJSON()
		if err != nil {
			var pe *core.ProtocolError
			if errors.As(err, &pe) {
				continue
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return metadata{}, core.NewConnectError(name, core.ConnectTimeout, err)
			}
			reason := conn.FailureReason()
			if strings.Contains(strings.ToLower(reason), "api key") || strings.Contains(reason, "code=1008") {
				return metadata{}, core.NewConnectError(name, core.ConnectForbidden, fmt.Errorf("%w (%s)", err, reason))
			}
			return metadata{}, core.NewConnectError(name, core.ConnectUnavailable, err)
		}
		if provider.DecodeString(msg["type"]) != "conversation_initiation_metadata" {
			continue
		}
		var meta metadata
		if err := provider.DecodeInto(msg["conversation_initiation_metadata_event"], &meta); err != nil {
			return metadata{}, core.NewConnectError(name, core.ConnectUnavailable, fmt.Errorf("decode metadata: %w", err))
		}
		return meta, nil
	}
}

func (a *Adapter) current() (*provider.WSConn, provider.Config, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil || a.conn.IsClosed() {
		return nil, a.cfg, errors.New("elevenlabs: not connected")
	}
	return a.conn, a.cfg, nil
}

func (a *Adapter) SendAudio(ctx context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	conn, cfg, err := a.current()
	if err != nil {
		return err
	}
	wire := audio.Resample(pcm, cfg.InputSampleRate, inputRate)
	return conn.WriteJSON(ctx, map[string]any{"user_audio_chunk": audio.EncodeBase64(wire)})
}

// CommitTurn is a no-op: the agent detects end of speech itself.
func (a *Adapter) CommitTurn(ctx context.Context) error {
	_, _, err := a.current()
	return err
}

func (a *Adapter) SendToolResult(ctx context.Context, callID string, result provider.ToolResult) error {
	conn, _, err := a.current()
	if err != nil {
		return err
	}
	output, err := json.Marshal(result.Output)
	if err != nil {
		return fmt.Errorf("encode tool output: %w", err)
	}
	return conn.WriteJSON(ctx, map[string]any{
		"type":         "client_tool_result",
		"tool_call_id": callID,
		"result":       string(output),
		"is_error":     result.IsError,
	})
}

func (a *Adapter) Events() <-chan provider.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stream.Events()
}

// HandleInterruption drops the pending turn-complete timer. The agent stops
// speaking on its own when it hears the user.
func (a *Adapter) HandleInterruption(ctx context.Context) error {
	a.mu.Lock()
	resets := a.resets
	a.mu.Unlock()
	if resets == nil {
		return nil
	}
	select {
	case resets <- struct{}{}:
	default:
	}
	return nil
}

func (a *Adapter) Reconnect(ctx context.Context) error {
	a.mu.Lock()
	cfg, ok := a.cfg, a.hasCfg
	a.mu.Unlock()
	if !ok {
		return errors.New("elevenlabs: reconnect before connect")
	}
	_ = a.Close()
	return a.Connect(ctx, cfg)
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	conn, stream := a.conn, a.stream
	a.conn = nil
	a.resets = nil
	a.mu.Unlock()
	if stream != nil {
		stream.Abort()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (a *Adapter) turnIdle() time.Duration {
	if a.TurnIdle > 0 {
		return a.TurnIdle
	}
	return DefaultTurnIdle
}

// readLoop is the stream's only producer. Frames are read on a helper
// goroutine so the idle timer can be serviced between them.
func (a *Adapter) readLoop(conn *provider.WSConn, stream *provider.Stream, resets <-chan struct{}, cfg provider.Config, outRate int) {
	defer stream.Finish()
	log := cfg.Logger.With("provider", name)

	frames := make(chan map[string]json.RawMessage)
	quit := make(chan struct{})
	defer close(quit)
	go func() {
		defer close(frames)
		for {
			msg, err := conn.ReadJSON()
			if err != nil {
				var pe *core.ProtocolError
				if errors.As(err, &pe) {
					log.Debug("elevenlabs: ignoring malformed event", "error", pe)
					continue
				}
				if !conn.IsClosed() {
					log.Warn("elevenlabs: connection dropped", "error", err, "reason", conn.FailureReason())
				}
				return
			}
			select {
			case frames <- msg:
			case <-quit:
				return
			}
		}
	}()

	t := &turnState{idle: a.turnIdle(), timer: time.NewTimer(time.Hour)}
	t.timer.Stop()
	defer t.timer.Stop()

	for {
		select {
		case msg, ok := <-frames:
			if !ok {
				return
			}
			if !a.handle(conn, stream, t, cfg, outRate, log, msg) {
				return
			}
		case <-t.timer.C:
			if t.responded {
				t.responded = false
				if !stream.Emit(provider.Event{Type: provider.EventTurnComplete}) {
					return
				}
			}
		case <-resets:
			t.clear()
		}
	}
}

type turnState struct {
	idle      time.Duration
	timer     *time.Timer
	responded bool
}

func (t *turnState) touch() {
	if t.responded {
		t.timer.Reset(t.idle)
	}
}

func (t *turnState) clear() {
	t.responded = false
	t.timer.Stop()
}

func (a *Adapter) handle(conn *provider.WSConn, stream *provider.Stream, t *turnState, cfg provider.Config, outRate int, log *slog.Logger, msg map[string]json.RawMessage) bool {
	emit := stream.Emit
	switch typ := provider.DecodeString(msg["type"]); typ {
	case "audio":
		var ev struct {
			Audio string `json:"audio_base_64"`
		}
		_ = provider.DecodeInto(msg["audio_event"], &ev)
		pcm, err := audio.DecodeBase64(ev.Audio)
		if err != nil {
			return emit(provider.Event{Type: provider.EventError, Err: &core.ProtocolError{Code: "invalid_audio", Message: err.Error()}})
		}
		t.touch()
		if len(pcm) == 0 {
			return true
		}
		return emit(provider.Event{Type: provider.EventAudioDelta, Audio: audio.Resample(pcm, outRate, cfg.OutputSampleRate)})

	case "user_transcript":
		var ev struct {
			Text string `json:"user_transcript"`
		}
		_ = provider.DecodeInto(msg["user_transcription_event"], &ev)
		return emit(provider.Event{Type: provider.EventTranscriptDelta, Speaker: provider.SpeakerUser, Text: ev.Text, Final: true})

	case "agent_response":
		var ev struct {
			Text string `json:"agent_response"`
		}
		_ = provider.DecodeInto(msg["agent_response_event"], &ev)
		t.responded = true
		t.touch()
		return emit(provider.Event{Type: provider.EventTranscriptDelta, Speaker: provider.SpeakerAssistant, Text: ev.Text, Final: true})

	case "interruption":
		t.clear()
		return emit(provider.Event{Type: provider.EventInterrupted})

	case "client_tool_call":
		var call struct {
			Name       string          `json:"tool_name"`
			ID         string          `json:"tool_call_id"`
			Parameters json.RawMessage `json:"parameters"`
		}
		if err := provider.DecodeInto(msg["client_tool_call"], &call); err != nil || call.ID == "" {
			log.Warn("elevenlabs: malformed tool call", "error", err)
			return true
		}
		args, err := provider.DecodeArgs(call.Parameters)
		if err != nil {
			log.Warn("elevenlabs: bad tool arguments", "tool", call.Name, "error", err)
			args = map[string]any{}
		}
		// The agent waits on the tool; hold off the idle timer.
		t.timer.Stop()
		return emit(provider.Event{Type: provider.EventToolCallRequested, ToolCall: &provider.ToolCall{ID: call.ID, Name: call.Name, Args: args}})

	case "ping":
		var ev struct {
			EventID int64 `json:"event_id"`
			PingMs  int64 `json:"ping_ms"`
		}
		_ = provider.DecodeInto(msg["ping_event"], &ev)
		pong := func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := conn.WriteJSON(ctx, map[string]any{"type": "pong", "event_id": ev.EventID}); err != nil {
				log.Debug("elevenlabs: pong failed", "error", err)
			}
		}
		if ev.PingMs > 0 {
			time.AfterFunc(time.Duration(ev.PingMs)*time.Millisecond, pong)
		} else {
			pong()
		}
		return true

	case "error":
		message := provider.DecodeString(msg["message"])
		if message == "" {
			var body struct {
				Message string `json:"message"`
			}
			_ = provider.DecodeInto(msg["error"], &body)
			message = body.Message
		}
		conn.SetLastServerError(message)
		return emit(provider.Event{Type: provider.EventError, Err: fmt.Errorf("elevenlabs: %s", message)})

	case "vad_score", "internal_tentative_agent_response", "agent_response_correction", "conversation_initiation_metadata":
		return true

	default:
		log.Debug("elevenlabs: unhandled event", "type", typ)
		return true
	}
}

func buildURL(cfg provider.Config) (string, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		base = defaultURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid elevenlabs url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https", "":
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("agent_id", strings.TrimSpace(cfg.AgentID))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func initiation(cfg provider.Config) map[string]any {
	agent := map[string]any{}
	if cfg.Instructions != "" {
		agent["prompt"] = map[string]any{"prompt": cfg.Instructions}
	}
	if cfg.Language != "" {
		agent["language"] = cfg.Language
	}
	override := map[string]any{}
	if len(agent) > 0 {
		override["agent"] = agent
	}
	if cfg.Voice != "" {
		override["tts"] = map[string]any{"voice_id": cfg.Voice}
	}
	return map[string]any{
		"type":                         "conversation_initiation_client_data",
		"conversation_config_override": override,
	}
}

// parseRate reads the rate from formats such as "pcm_16000".
func parseRate(format string, fallback int) int {
	_, rate, ok := strings.Cut(format, "_")
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(rate)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
