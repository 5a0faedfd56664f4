// Package browser implements the JSON-over-websocket client transport used by
// web and mobile clients.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vango-go/voicebridge/pkg/bridge/transport"
	"github.com/vango-go/voicebridge/pkg/core"
	"github.com/vango-go/voicebridge/pkg/core/audio"
)

// Config configures a browser transport.
type Config struct {
	// InputRate is the PCM16 rate of input_audio_buffer.append payloads.
	InputRate int
	// OutputRate is the PCM16 rate of response.audio.delta payloads.
	OutputRate int
	Profile    transport.ClientProfile
	Writer     transport.WriterConfig
	ReadLimit  int64
	Logger     *slog.Logger
}

// Transport implements transport.Transport over an upgraded websocket.
type Transport struct {
	conn   *websocket.Conn
	cfg    Config
	log    *slog.Logger
	writer *transport.Writer
	inbox  *transport.Inbox

	startOnce sync.Once
	cancel    context.CancelFunc
}

var _ transport.Transport = (*Transport)(nil)

// New wraps an upgraded connection.
func New(conn *websocket.Conn, cfg Config) *Transport {
	if cfg.InputRate <= 0 {
		cfg.InputRate = audio.RateInput
	}
	if cfg.OutputRate <= 0 {
		cfg.OutputRate = audio.RateOutput
	}
	if cfg.Profile == "" {
		cfg.Profile = transport.ProfileBrowser
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 1 << 20
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Transport{
		conn:   conn,
		cfg:    cfg,
		log:    log.With("transport", "browser"),
		writer: transport.NewWriter(conn, cfg.Writer),
		inbox:  transport.NewInbox(128),
	}
}

// Accept starts the read and write pumps. The browser protocol has no
// handshake beyond the HTTP upgrade.
func (t *Transport) Accept(ctx context.Context) error {
	t.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		t.cancel = cancel
		t.conn.SetReadLimit(t.cfg.ReadLimit)
		go func() {
			if err := t.writer.Run(runCtx); err != nil {
				t.log.Debug("browser writer stopped", "error", err)
			}
		}()
		go t.readLoop()
	})
	return nil
}

func (t *Transport) readLoop() {
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && (closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway) {
				err = nil
			}
			t.inbox.Disconnect(err)
			return
		}
		if msgType == websocket.BinaryMessage {
			if len(data) > 0 && !t.inbox.Push(transport.ClientEvent{Type: transport.ClientAudioChunk, Audio: data}) {
				return
			}
			continue
		}
		ev, handled, err := decode(data)
		if err != nil {
			if !t.inbox.PushError(err) {
				return
			}
			continue
		}
		if handled == "ping" {
			_ = t.SendEvent(context.Background(), transport.EventPong, nil)
			continue
		}
		if !t.inbox.Push(ev) {
			return
		}
	}
}

// decode parses one text frame. handled is set for frames answered inside
// the transport.
func decode(data []byte) (ev transport.ClientEvent, handled string, err error) {
	var envelope struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
		Muted *bool  `json:"muted"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return ev, "", &core.ProtocolError{Code: "bad_request", Message: "invalid json frame"}
	}
	typ := strings.TrimSpace(envelope.Type)
	switch typ {
	case "":
		return ev, "", &core.ProtocolError{Code: "bad_request", Message: "missing type", Param: "type"}
	case "ping":
		return ev, "ping", nil
	case "input_audio_buffer.append":
		if strings.TrimSpace(envelope.Audio) == "" {
			return ev, "", &core.ProtocolError{Code: "bad_request", Message: "input_audio_buffer.append.audio is required", Param: "audio"}
		}
		pcm, err := audio.DecodeBase64(envelope.Audio)
		if err != nil {
			return ev, "", &core.ProtocolError{Code: "bad_request", Message: "audio is not valid base64", Param: "audio"}
		}
		return transport.ClientEvent{Type: transport.ClientAudioChunk, Audio: pcm}, "", nil
	case "input_audio_buffer.commit":
		return control(transport.ControlCommit, nil), "", nil
	case "input_audio_buffer.clear":
		return control(transport.ControlClear, nil), "", nil
	case "interruption.manual":
		return control(transport.ControlManualInterrupt, nil), "", nil
	case "speech.user_started":
		return control(transport.ControlUserSpeechStarted, nil), "", nil
	case "speech.user_stopped":
		return control(transport.ControlUserSpeechStopped, nil), "", nil
	case "session.mute":
		if envelope.Muted == nil {
			return ev, "", &core.ProtocolError{Code: "bad_request", Message: "session.mute.muted is required", Param: "muted"}
		}
		return control(transport.ControlMute, map[string]any{"muted": *envelope.Muted}), "", nil
	default:
		return ev, "", &core.ProtocolError{Code: "unsupported", Message: "unknown message type", Param: typ}
	}
}

func control(kind transport.ControlKind, payload map[string]any) transport.ClientEvent {
	return transport.ClientEvent{Type: transport.ClientControl, Control: kind, Payload: payload}
}

func (t *Transport) Receive(ctx context.Context) (transport.ClientEvent, error) {
	return t.inbox.Receive(ctx)
}

func (t *Transport) SendAudio(ctx context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	payload, err := json.Marshal(map[string]any{
		"type":  "response.audio.delta",
		"delta": audio.EncodeBase64(pcm),
	})
	if err != nil {
		return err
	}
	return t.writer.EnqueueAudio(ctx, payload)
}

func (t *Transport) SendEvent(ctx context.Context, kind transport.EventKind, payload map[string]any) error {
	msg := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		msg[k] = v
	}
	msg["type"] = string(kind)
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if kind == transport.EventConversationInterrupted {
		t.writer.FlushAudio()
	}
	return t.writer.Enqueue(ctx, data, kind.Urgent())
}

func (t *Transport) FlushAudio(ctx context.Context) error {
	t.writer.FlushAudio()
	return nil
}

// Close sends a close frame after urgent frames drain. Safe to call more
// than once.
func (t *Transport) Close(code int, reason string) error {
	t.inbox.Stop()
	t.writer.Close(code, reason)
	if t.cancel == nil {
		// Never accepted: no writer goroutine to close the socket.
		_ = t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		return t.conn.Close()
	}
	<-t.writer.Done()
	t.cancel()
	return nil
}

func (t *Transport) Profile() transport.ClientProfile { return t.cfg.Profile }

func (t *Transport) Rates() (input, output int) { return t.cfg.InputRate, t.cfg.OutputRate }
