// Package telephony implements the media-stream client transport used by
// phone carriers: JSON start/media/stop frames carrying base64 G.711 audio.
package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vango-go/voicebridge/pkg/bridge/transport"
	"github.com/vango-go/voicebridge/pkg/core"
	"github.com/vango-go/voicebridge/pkg/core/audio"
)

// FrameMs is the duration of each outbound media frame.
const FrameMs = 20

// Config configures a telephony transport.
type Config struct {
	Writer    transport.WriterConfig
	ReadLimit int64
	Logger    *slog.Logger
}

// Transport implements transport.Transport for a media stream.
type Transport struct {
	conn   *websocket.Conn
	cfg    Config
	log    *slog.Logger
	writer *transport.Writer
	inbox  *transport.Inbox

	startOnce sync.Once
	cancel    context.CancelFunc
	accepted  bool

	// Set by Accept, read-only afterwards.
	streamSID  string
	callSID    string
	format     audio.Format
	parameters map[string]any

	// Outbound state, guarded by outMu.
	outMu       sync.Mutex
	seq         int64
	chunk       int64
	timestampMs int64
	startSent   bool
	framer      *audio.Framer
	markCounter int64
}

var _ transport.Transport = (*Transport)(nil)

// New wraps an upgraded connection.
func New(conn *websocket.Conn, cfg Config) *Transport {
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
		log:    log.With("transport", "telephony"),
		writer: transport.NewWriter(conn, cfg.Writer),
		inbox:  transport.NewInbox(256),
		format: audio.Telephony(),
	}
}

type frame struct {
	Event          string          `json:"event"`
	SequenceNumber json.RawMessage `json:"sequenceNumber,omitempty"`
	StreamSID      string          `json:"streamSid,omitempty"`
	Start          *startBody      `json:"start,omitempty"`
	Media          *mediaBody      `json:"media,omitempty"`
	Stop           *stopBody       `json:"stop,omitempty"`
	Mark           *markBody       `json:"mark,omitempty"`
}

type startBody struct {
	StreamSID        string         `json:"streamSid"`
	CallSID          string         `json:"callSid"`
	MediaFormat      mediaFormat    `json:"mediaFormat"`
	CustomParameters map[string]any `json:"customParameters"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type mediaBody struct {
	Track     string          `json:"track,omitempty"`
	Chunk     json.RawMessage `json:"chunk,omitempty"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
	Payload   string          `json:"payload"`
}

type stopBody struct {
	MediaInfo struct {
		Duration  json.Number `json:"duration"`
		BytesSent json.Number `json:"bytesSent"`
	} `json:"mediaInfo"`
}

type markBody struct {
	Name string `json:"name"`
}

// Accept reads frames until start arrives, then starts the pumps. The start
// frame is delivered from Receive as ClientStreamStart.
func (t *Transport) Accept(ctx context.Context) error {
	var err error
	t.startOnce.Do(func() {
		err = t.awaitStart(ctx)
		if err != nil {
			return
		}
		t.accepted = true
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		t.cancel = cancel
		t.framer = audio.NewFramer(t.format, FrameMs)
		go func() {
			if err := t.writer.Run(runCtx); err != nil {
				t.log.Debug("telephony writer stopped", "error", err)
			}
		}()
		t.inbox.Push(transport.ClientEvent{
			Type:    transport.ClientStreamStart,
			Format:  t.format,
			Payload: map[string]any{"stream_sid": t.streamSID, "call_sid": t.callSID, "parameters": t.parameters},
		})
		go t.readLoop()
	})
	return err
}

func (t *Transport) awaitStart(ctx context.Context) error {
	t.conn.SetReadLimit(t.cfg.ReadLimit)
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(deadline)
	} else {
		_ = t.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	}
	defer func() { _ = t.conn.SetReadDeadline(time.Time{}) }()
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			return &core.TransportDisconnectedError{Err: fmt.Errorf("awaiting start: %w", err)}
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.log.Debug("telephony: ignoring malformed frame before start", "error", err)
			continue
		}
		switch f.Event {
		case "connected":
			continue
		case "start":
			if f.Start == nil {
				return &core.ProtocolError{Code: "bad_request", Message: "start frame without start body", Param: "start"}
			}
			format, err := parseFormat(f.Start.MediaFormat)
			if err != nil {
				return err
			}
			t.format = format
			t.streamSID = f.Start.StreamSID
			if t.streamSID == "" {
				t.streamSID = f.StreamSID
			}
			t.callSID = f.Start.CallSID
			t.parameters = f.Start.CustomParameters
			return nil
		case "stop":
			return &core.TransportDisconnectedError{Err: errors.New("stream stopped before start")}
		default:
			t.log.Debug("telephony: frame before start", "event", f.Event)
		}
	}
}

func parseFormat(mf mediaFormat) (audio.Format, error) {
	f := audio.Telephony()
	if mf.Encoding != "" {
		enc, ok := audio.ParseEncoding(mf.Encoding)
		if !ok {
			return f, &core.ProtocolError{Code: "unsupported", Message: "unsupported media encoding", Param: mf.Encoding}
		}
		f.Encoding = enc
	}
	if mf.SampleRate > 0 {
		f.SampleRate = mf.SampleRate
	}
	if mf.Channels > 1 {
		return f, &core.ProtocolError{Code: "unsupported", Message: "only mono media streams are supported", Param: "channels"}
	}
	return f, nil
}

func (t *Transport) readLoop() {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && (closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway) {
				err = nil
			}
			t.inbox.Disconnect(err)
			return
		}
		ev, ok, err := t.decode(data)
		if err != nil {
			if !t.inbox.PushError(err) {
				return
			}
			continue
		}
		if !ok {
			continue
		}
		if !t.inbox.Push(ev) {
			return
		}
	}
}

func (t *Transport) decode(data []byte) (transport.ClientEvent, bool, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return transport.ClientEvent{}, false, &core.ProtocolError{Code: "bad_request", Message: "invalid json frame"}
	}
	switch f.Event {
	case "media":
		if f.Media == nil || f.Media.Payload == "" {
			return transport.ClientEvent{}, false, &core.ProtocolError{Code: "bad_request", Message: "media.payload is required", Param: "payload"}
		}
		if f.Media.Track != "" && f.Media.Track != "inbound" {
			return transport.ClientEvent{}, false, nil
		}
		raw, err := audio.DecodeBase64(f.Media.Payload)
		if err != nil {
			return transport.ClientEvent{}, false, &core.ProtocolError{Code: "bad_request", Message: "media payload is not valid base64", Param: "payload"}
		}
		return transport.ClientEvent{Type: transport.ClientAudioChunk, Audio: audio.ToPCM16(raw, t.format)}, true, nil
	case "stop":
		var stats transport.StreamStats
		if f.Stop != nil {
			stats.DurationMs, _ = f.Stop.MediaInfo.Duration.Int64()
			stats.BytesSent, _ = f.Stop.MediaInfo.BytesSent.Int64()
		}
		return transport.ClientEvent{Type: transport.ClientStreamStop, Stats: stats}, true, nil
	case "mark":
		name := ""
		if f.Mark != nil {
			name = f.Mark.Name
		}
		return transport.ClientEvent{Type: transport.ClientControl, Control: transport.ControlMark, Payload: map[string]any{"name": name}}, true, nil
	case "connected", "start", "dtmf":
		return transport.ClientEvent{}, false, nil
	default:
		return transport.ClientEvent{}, false, &core.ProtocolError{Code: "unsupported", Message: "unknown event", Param: f.Event}
	}
}

func (t *Transport) Receive(ctx context.Context) (transport.ClientEvent, error) {
	return t.inbox.Receive(ctx)
}

// nextSeq must be called with outMu held.
func (t *Transport) nextSeq() string {
	t.seq++
	return strconv.FormatInt(t.seq, 10)
}

// SendAudio encodes PCM16 at the stream rate to the stream encoding and
// sends it as 20 ms media frames. A start frame precedes the first one.
func (t *Transport) SendAudio(ctx context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	if !t.accepted {
		return errors.New("telephony: not accepted")
	}
	t.outMu.Lock()
	defer t.outMu.Unlock()

	if !t.startSent {
		t.startSent = true
		if err := t.enqueue(ctx, map[string]any{
			"event":          "start",
			"sequenceNumber": t.nextSeq(),
			"streamSid":      t.streamSID,
			"start": map[string]any{
				"streamSid": t.streamSID,
				"mediaFormat": map[string]any{
					"encoding":   wireEncoding(t.format.Encoding),
					"sampleRate": t.format.SampleRate,
					"channels":   1,
				},
			},
		}, false, false); err != nil {
			return err
		}
	}

	for _, payload := range t.framer.Push(audio.FromPCM16(pcm, t.format)) {
		t.chunk++
		msg := map[string]any{
			"event":          "media",
			"sequenceNumber": t.nextSeq(),
			"streamSid":      t.streamSID,
			"media": map[string]any{
				"chunk":     strconv.FormatInt(t.chunk, 10),
				"timestamp": strconv.FormatInt(t.timestampMs, 10),
				"payload":   audio.EncodeBase64(payload),
			},
		}
		t.timestampMs += FrameMs
		if err := t.enqueue(ctx, msg, true, false); err != nil {
			return err
		}
	}
	return nil
}

func wireEncoding(e audio.Encoding) string {
	switch e {
	case audio.EncodingMulaw:
		return "audio/x-mulaw"
	case audio.EncodingAlaw:
		return "audio/x-alaw"
	default:
		return "audio/l16"
	}
}

func (t *Transport) enqueue(ctx context.Context, msg map[string]any, isAudio, urgent bool) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if isAudio {
		return t.writer.EnqueueAudio(ctx, data)
	}
	return t.writer.Enqueue(ctx, data, urgent)
}

// SendEvent frames interruption as clear and assistant speech end as a mark.
// The media-stream protocol carries no other event kinds.
func (t *Transport) SendEvent(ctx context.Context, kind transport.EventKind, payload map[string]any) error {
	if !t.accepted {
		return nil
	}
	switch kind {
	case transport.EventConversationInterrupted:
		return t.clear(ctx)
	case transport.EventAssistantSpeechEnded:
		t.outMu.Lock()
		defer t.outMu.Unlock()
		if rest := t.framer.Flush(); len(rest) > 0 {
			t.chunk++
			if err := t.enqueue(ctx, map[string]any{
				"event":          "media",
				"sequenceNumber": t.nextSeq(),
				"streamSid":      t.streamSID,
				"media": map[string]any{
					"chunk":     strconv.FormatInt(t.chunk, 10),
					"timestamp": strconv.FormatInt(t.timestampMs, 10),
					"payload":   audio.EncodeBase64(rest),
				},
			}, true, false); err != nil {
				return err
			}
			t.timestampMs += int64(t.format.DurationMs(len(rest)))
		}
		t.markCounter++
		return t.enqueue(ctx, map[string]any{
			"event":          "mark",
			"sequenceNumber": t.nextSeq(),
			"streamSid":      t.streamSID,
			"mark":           map[string]any{"name": "turn_" + strconv.FormatInt(t.markCounter, 10)},
		}, true, false)
	default:
		return nil
	}
}

func (t *Transport) clear(ctx context.Context) error {
	t.outMu.Lock()
	defer t.outMu.Unlock()
	t.framer.Reset()
	t.writer.FlushAudio()
	return t.enqueue(ctx, map[string]any{
		"event":          "clear",
		"sequenceNumber": t.nextSeq(),
		"streamSid":      t.streamSID,
	}, false, true)
}

func (t *Transport) FlushAudio(ctx context.Context) error {
	if !t.accepted {
		return nil
	}
	return t.clear(ctx)
}

func (t *Transport) Close(code int, reason string) error {
	t.inbox.Stop()
	t.writer.Close(code, reason)
	if t.cancel == nil {
		_ = t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		return t.conn.Close()
	}
	<-t.writer.Done()
	t.cancel()
	return nil
}

func (t *Transport) Profile() transport.ClientProfile { return transport.ProfileTelephony }

// Rates reports the stream sample rate in both directions.
func (t *Transport) Rates() (input, output int) {
	return t.format.SampleRate, t.format.SampleRate
}

// StreamSID returns the carrier stream id from the start frame.
func (t *Transport) StreamSID() string { return t.streamSID }

// Format returns the negotiated wire format.
func (t *Transport) Format() audio.Format { return t.format }
