// Package openai adapts the OpenAI Realtime websocket protocol.
//
// Quirks handled here: audio is exchanged as 24kHz PCM16; with server VAD
// disabled the input buffer must be committed and a response requested
// explicitly; after a function_call_output the model does not resume on its
// own, so response.create is sent after every tool result.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-go/voicebridge/pkg/bridge/provider"
	"github.com/vango-go/voicebridge/pkg/core"
	"github.com/vango-go/voicebridge/pkg/core/audio"
)

const (
	name         = "openai"
	defaultURL   = "wss://api.openai.com/v1/realtime"
	defaultModel = "gpt-4o-realtime-preview"
	wireRate     = 24000
)

// Adapter implements provider.Provider.
type Adapter struct {
	mu     sync.Mutex
	cfg    provider.Config
	hasCfg bool
	conn   *provider.WSConn
	stream *provider.Stream

	responseActive    atomic.Bool
	responseHadOutput atomic.Bool
	pendingInputBytes atomic.Int64
	// cancelled drops output of a response cancelled by HandleInterruption
	// until the next response.created.
	cancelled atomic.Bool
}

// New returns an unconnected adapter.
func New() *Adapter {
	return &Adapter{}
}

var _ provider.Provider = (*Adapter)(nil)
var _ provider.InputClearer = (*Adapter)(nil)

func (a *Adapter) Kind() provider.Kind { return provider.KindOpenAI }

func (a *Adapter) Connect(ctx context.Context, cfg provider.Config) error {
	cfg = cfg.WithDefaults()
	if strings.TrimSpace(cfg.APIKey) == "" {
		return core.NewConnectError(name, core.ConnectAuth, errors.New("api key is required"))
	}
	wsURL, err := buildURL(cfg)
	if err != nil {
		return core.NewConnectError(name, core.ConnectUnavailable, err)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+strings.TrimSpace(cfg.APIKey))
	header.Set("OpenAI-Beta", "realtime=v1")
	conn, err := provider.DialWS(ctx, name, wsURL, header)
	if err != nil {
		return err
	}
	if err := awaitSessionCreated(ctx, conn); err != nil {
		_ = conn.Close()
		return err
	}
	if err := conn.WriteJSON(ctx, sessionUpdate(cfg)); err != nil {
		_ = conn.Close()
		return core.NewConnectError(name, core.ConnectUnavailable, fmt.Errorf("send session.update: %w", err))
	}

	stream := provider.NewStream(256)
	a.mu.Lock()
	a.cfg = cfg
	a.hasCfg = true
	a.conn = conn
	a.stream = stream
	a.mu.Unlock()
	a.responseActive.Store(false)
	a.responseHadOutput.Store(false)
	a.pendingInputBytes.Store(0)
	a.cancelled.Store(false)

	go a.readLoop(conn, stream, cfg)
	return nil
}

func (a *Adapter) current() (*provider.WSConn, provider.Config, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil || a.conn.IsClosed() {
		return nil, a.cfg, errors.New("openai: not connected")
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
	wire := audio.Resample(pcm, cfg.InputSampleRate, wireRate)
	if err := conn.WriteJSON(ctx, map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": audio.EncodeBase64(wire),
	}); err != nil {
		return err
	}
	a.pendingInputBytes.Add(int64(len(wire)))
	return nil
}

func (a *Adapter) CommitTurn(ctx context.Context) error {
	conn, cfg, err := a.current()
	if err != nil {
		return err
	}
	if !cfg.TurnDetection.Disabled {
		return nil
	}
	if a.pendingInputBytes.Swap(0) == 0 {
		return nil
	}
	if err := conn.WriteJSON(ctx, map[string]any{"type": "input_audio_buffer.commit"}); err != nil {
		return err
	}
	return conn.WriteJSON(ctx, map[string]any{"type": "response.create"})
}

// ClearInput discards uncommitted input audio.
func (a *Adapter) ClearInput(ctx context.Context) error {
	conn, _, err := a.current()
	if err != nil {
		return err
	}
	a.pendingInputBytes.Store(0)
	a.cancelled.Store(false)
	return conn.WriteJSON(ctx, map[string]any{"type": "input_audio_buffer.clear"})
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
	if err := conn.WriteJSON(ctx, map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  string(output),
		},
	}); err != nil {
		return err
	}
	return conn.WriteJSON(ctx, map[string]any{"type": "response.create"})
}

func (a *Adapter) Events() <-chan provider.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stream.Events()
}

func (a *Adapter) HandleInterruption(ctx context.Context) error {
	if !a.responseActive.CompareAndSwap(true, false) {
		return nil
	}
	conn, _, err := a.current()
	if err != nil {
		return nil
	}
	a.cancelled.Store(true)
	return conn.WriteJSON(ctx, map[string]any{"type": "response.cancel"})
}

func (a *Adapter) Reconnect(ctx context.Context) error {
	a.mu.Lock()
	cfg, ok := a.cfg, a.hasCfg
	a.mu.Unlock()
	if !ok {
		return errors.New("openai: reconnect before connect")
	}
	_ = a.Close()
	return a.Connect(ctx, cfg)
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	conn, stream := a.conn, a.stream
	a.conn = nil
	a.mu.Unlock()
	if stream != nil {
		stream.Abort()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (a *Adapter) readLoop(conn *provider.WSConn, stream *provider.Stream, cfg provider.Config) {
	defer stream.Finish()
	log := cfg.Logger.With("provider", name)
	for {
		msg, err := conn.ReadJSON()
		if err != nil {
			var pe *core.ProtocolError
			if errors.As(err, &pe) {
				log.Debug("openai: ignoring malformed event", "error", pe)
				continue
			}
			if !conn.IsClosed() {
				log.Warn("openai: connection dropped", "error", err, "reason", conn.FailureReason())
			}
			return
		}
		if !a.handle(conn, stream, cfg, log, msg) {
			return
		}
	}
}

func (a *Adapter) handle(conn *provider.WSConn, stream *provider.Stream, cfg provider.Config, log *slog.Logger, msg map[string]json.RawMessage) bool {
	emit := stream.Emit
	switch typ := provider.DecodeString(msg["type"]); typ {
	case "response.created":
		a.responseActive.Store(true)
		a.responseHadOutput.Store(false)
		a.cancelled.Store(false)
		return true

	case "response.audio.delta", "response.output_audio.delta":
		if a.cancelled.Load() {
			return true
		}
		pcm, err := audio.DecodeBase64(provider.DecodeString(msg["delta"]))
		if err != nil {
			return emit(provider.Event{Type: provider.EventError, Err: &core.ProtocolError{Code: "invalid_audio", Message: err.Error()}})
		}
		a.responseHadOutput.Store(true)
		return emit(provider.Event{Type: provider.EventAudioDelta, Audio: audio.Resample(pcm, wireRate, cfg.OutputSampleRate)})

	case "response.audio_transcript.delta", "response.output_audio_transcript.delta",
		"response.text.delta", "response.output_text.delta":
		a.responseHadOutput.Store(true)
		return emit(provider.Event{Type: provider.EventTranscriptDelta, Speaker: provider.SpeakerAssistant, Text: provider.DecodeText(msg["delta"])})

	case "response.audio_transcript.done", "response.output_audio_transcript.done":
		return emit(provider.Event{Type: provider.EventTranscriptDelta, Speaker: provider.SpeakerAssistant, Text: provider.DecodeText(msg["transcript"]), Final: true})

	case "conversation.item.input_audio_transcription.delta":
		return emit(provider.Event{Type: provider.EventTranscriptDelta, Speaker: provider.SpeakerUser, Text: provider.DecodeText(msg["delta"])})

	case "conversation.item.input_audio_transcription.completed":
		return emit(provider.Event{Type: provider.EventTranscriptDelta, Speaker: provider.SpeakerUser, Text: provider.DecodeText(msg["transcript"]), Final: true})

	case "input_audio_buffer.speech_started":
		return emit(provider.Event{Type: provider.EventSpeechStarted})

	case "input_audio_buffer.speech_stopped":
		return emit(provider.Event{Type: provider.EventSpeechStopped})

	case "response.output_item.done":
		var item struct {
			Type      string          `json:"type"`
			CallID    string          `json:"call_id"`
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := provider.DecodeInto(msg["item"], &item); err != nil || item.Type != "function_call" {
			return true
		}
		args, err := provider.DecodeArgs(item.Arguments)
		if err != nil {
			log.Warn("openai: bad tool arguments", "tool", item.Name, "error", err)
			args = map[string]any{}
		}
		return emit(provider.Event{Type: provider.EventToolCallRequested, ToolCall: &provider.ToolCall{ID: item.CallID, Name: item.Name, Args: args}})

	case "response.done":
		a.responseActive.Store(false)
		var resp struct {
			Status string `json:"status"`
		}
		_ = provider.DecodeInto(msg["response"], &resp)
		switch {
		case resp.Status == "cancelled":
			return emit(provider.Event{Type: provider.EventInterrupted})
		case a.responseHadOutput.Swap(false):
			return emit(provider.Event{Type: provider.EventTurnComplete})
		}
		return true

	case "error":
		var body struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = provider.DecodeInto(msg["error"], &body)
		conn.SetLastServerError(body.Message)
		return emit(provider.Event{Type: provider.EventError, Err: fmt.Errorf("openai %s: %s", body.Code, body.Message)})

	default:
		return true
	}
}

func awaitSessionCreated(ctx context.Context, conn *provider.WSConn) error {
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
				return core.NewConnectError(name, core.ConnectTimeout, err)
			}
			return core.NewConnectError(name, core.ConnectUnavailable, err)
		}
		switch provider.DecodeString(msg["type"]) {
		case "session.created":
			return nil
		case "error":
			var body struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			}
			_ = provider.DecodeInto(msg["error"], &body)
			return core.NewConnectError(name, connectKindForCode(body.Code), errors.New(body.Message))
		}
	}
}

func connectKindForCode(code string) core.ConnectKind {
	switch code {
	case "invalid_api_key", "authentication_error", "unauthorized":
		return core.ConnectAuth
	case "insufficient_quota", "model_not_found", "permission_denied", "forbidden":
		return core.ConnectForbidden
	default:
		return core.ConnectUnavailable
	}
}

func buildURL(cfg provider.Config) (string, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		base = defaultURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid openai realtime url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https", "":
		u.Scheme = "wss"
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	q := u.Query()
	if q.Get("model") == "" {
		q.Set("model", model)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func sessionUpdate(cfg provider.Config) map[string]any {
	session := map[string]any{
		"modalities":                []string{"audio", "text"},
		"input_audio_format":        "pcm16",
		"output_audio_format":       "pcm16",
		"input_audio_transcription": map[string]any{"model": "whisper-1"},
		"tool_choice":               "auto",
	}
	if cfg.Instructions != "" {
		session["instructions"] = cfg.Instructions
	}
	if cfg.Voice != "" {
		session["voice"] = cfg.Voice
	}
	if cfg.MaxOutputTokens > 0 {
		session["max_response_output_tokens"] = cfg.MaxOutputTokens
	} else {
		session["max_response_output_tokens"] = "inf"
	}
	if cfg.TurnDetection.Disabled {
		session["turn_detection"] = nil
	} else {
		td := map[string]any{"type": "server_vad"}
		if cfg.TurnDetection.Threshold > 0 {
			td["threshold"] = cfg.TurnDetection.Threshold
		}
		if cfg.TurnDetection.PrefixPaddingMs > 0 {
			td["prefix_padding_ms"] = cfg.TurnDetection.PrefixPaddingMs
		}
		if cfg.TurnDetection.SilenceDurationMs > 0 {
			td["silence_duration_ms"] = cfg.TurnDetection.SilenceDurationMs
		}
		session["turn_detection"] = td
	}
	if len(cfg.Tools) > 0 {
		tools := make([]map[string]any, 0, len(cfg.Tools))
		for _, t := range cfg.Tools {
			params := t.Parameters
			if params == nil {
				params = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			tools = append(tools, map[string]any{
				"type":        "function",
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			})
		}
		session["tools"] = tools
	}
	return map[string]any{"type": "session.update", "session": session}
}
