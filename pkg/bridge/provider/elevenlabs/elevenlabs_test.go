package elevenlabs

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vango-go/voicebridge/pkg/bridge/provider"
	"github.com/vango-go/voicebridge/pkg/core"
	"github.com/vango-go/voicebridge/pkg/core/audio"
)

type fakeAgent struct {
	srv      *httptest.Server
	received chan map[string]any
	conns    chan *websocket.Conn
	query    chan string
}

func newFakeAgent(t *testing.T, sendMetadata bool) *fakeAgent {
	t.Helper()
	f := &fakeAgent{
		received: make(chan map[string]any, 64),
		conns:    make(chan *websocket.Conn, 4),
		query:    make(chan string, 4),
	}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("xi-api-key") != "xi-key" {
			http.Error(w, "invalid api key", http.StatusUnauthorized)
			return
		}
		f.query <- r.URL.Query().Get("agent_id")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		var initMsg map[string]any
		if err := conn.ReadJSON(&initMsg); err != nil {
			return
		}
		f.received <- initMsg
		if sendMetadata {
			_ = conn.WriteJSON(map[string]any{
				"type": "conversation_initiation_metadata",
				"conversation_initiation_metadata_event": map[string]any{
					"conversation_id":           "conv_1",
					"agent_output_audio_format": "pcm_16000",
					"user_input_audio_format":   "pcm_16000",
				},
			})
		}
		f.conns <- conn
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			f.received <- msg
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAgent) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeAgent) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case msg := <-f.received:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for client message")
		return nil
	}
}

func (f *fakeAgent) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-f.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for connection")
		return nil
	}
}

func nextEvent(t *testing.T, ch <-chan provider.Event) provider.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatalf("event stream closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for provider event")
		return provider.Event{}
	}
}

func testConfig(f *fakeAgent) provider.Config {
	return provider.Config{
		APIKey:           "xi-key",
		BaseURL:          f.url(),
		AgentID:          "agent_42",
		Voice:            "voice_9",
		Instructions:     "be brief",
		InputSampleRate:  16000,
		OutputSampleRate: 16000,
	}
}

func TestConnectSendsInitiation(t *testing.T) {
	f := newFakeAgent(t, true)
	a := New()
	if err := a.Connect(context.Background(), testConfig(f)); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer a.Close()

	if got := <-f.query; got != "agent_42" {
		t.Fatalf("agent_id=%q, want agent_42", got)
	}
	init := f.next(t)
	if init["type"] != "conversation_initiation_client_data" {
		t.Fatalf("first message type=%v", init["type"])
	}
	override, _ := init["conversation_config_override"].(map[string]any)
	tts, _ := override["tts"].(map[string]any)
	if tts["voice_id"] != "voice_9" {
		t.Fatalf("override=%v", override)
	}
	if a.ConversationID() != "conv_1" {
		t.Fatalf("conversation id=%q", a.ConversationID())
	}
}

func TestConnectRejectsBadKey(t *testing.T) {
	f := newFakeAgent(t, true)
	cfg := testConfig(f)
	cfg.APIKey = "wrong"
	err := New().Connect(context.Background(), cfg)
	var ce *core.ConnectError
	if !errors.As(err, &ce) || ce.Kind != core.ConnectAuth {
		t.Fatalf("err=%v, want auth", err)
	}
}

func TestConnectRequiresAgentID(t *testing.T) {
	err := New().Connect(context.Background(), provider.Config{APIKey: "xi-key"})
	var ce *core.ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("err=%v, want connect error", err)
	}
}

func TestConnectTimesOutWithoutMetadata(t *testing.T) {
	f := newFakeAgent(t, false)
	cfg := testConfig(f)
	cfg.ConnectTimeout = 150 * time.Millisecond
	err := New().Connect(context.Background(), cfg)
	var ce *core.ConnectError
	if !errors.As(err, &ce) || ce.Kind != core.ConnectTimeout {
		t.Fatalf("err=%v, want timeout", err)
	}
}

func TestAudioAndToolResultFrames(t *testing.T) {
	f := newFakeAgent(t, true)
	a := New()
	if err := a.Connect(context.Background(), testConfig(f)); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer a.Close()
	f.next(t)

	pcm := []byte{1, 0, 2, 0, 3, 0}
	if err := a.SendAudio(context.Background(), pcm); err != nil {
		t.Fatalf("SendAudio error: %v", err)
	}
	msg := f.next(t)
	got, err := audio.DecodeBase64(msg["user_audio_chunk"].(string))
	if err != nil || !bytes.Equal(got, pcm) {
		t.Fatalf("chunk=%v err=%v", got, err)
	}

	if err := a.CommitTurn(context.Background()); err != nil {
		t.Fatalf("CommitTurn error: %v", err)
	}
	if err := a.SendToolResult(context.Background(), "tc_1", provider.ToolResult{Output: map[string]any{"ok": true}}); err != nil {
		t.Fatalf("SendToolResult error: %v", err)
	}
	msg = f.next(t)
	if msg["type"] != "client_tool_result" || msg["tool_call_id"] != "tc_1" || msg["result"] != `{"ok":true}` || msg["is_error"] != false {
		t.Fatalf("tool result=%v", msg)
	}
}

func TestServerEventsAndSyntheticTurnComplete(t *testing.T) {
	f := newFakeAgent(t, true)
	a := New()
	a.TurnIdle = 50 * time.Millisecond
	if err := a.Connect(context.Background(), testConfig(f)); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer a.Close()
	f.next(t)
	server := f.conn(t)
	events := a.Events()

	pcm := []byte{5, 0, 6, 0}
	_ = server.WriteJSON(map[string]any{"type": "user_transcript", "user_transcription_event": map[string]any{"user_transcript": "what time is it"}})
	_ = server.WriteJSON(map[string]any{"type": "agent_response", "agent_response_event": map[string]any{"agent_response": "It is noon."}})
	_ = server.WriteJSON(map[string]any{"type": "audio", "audio_event": map[string]any{"audio_base_64": audio.EncodeBase64(pcm), "event_id": 1}})

	ev := nextEvent(t, events)
	if ev.Type != provider.EventTranscriptDelta || ev.Speaker != provider.SpeakerUser || ev.Text != "what time is it" || !ev.Final {
		t.Fatalf("ev=%+v", ev)
	}
	ev = nextEvent(t, events)
	if ev.Type != provider.EventTranscriptDelta || ev.Speaker != provider.SpeakerAssistant || ev.Text != "It is noon." {
		t.Fatalf("ev=%+v", ev)
	}
	ev = nextEvent(t, events)
	if ev.Type != provider.EventAudioDelta || !bytes.Equal(ev.Audio, pcm) {
		t.Fatalf("ev=%+v", ev)
	}
	if ev := nextEvent(t, events); ev.Type != provider.EventTurnComplete {
		t.Fatalf("type=%v, want turn complete after idle", ev.Type)
	}

	_ = server.WriteJSON(map[string]any{"type": "client_tool_call", "client_tool_call": map[string]any{
		"tool_name": "lookup_order", "tool_call_id": "tc_9", "parameters": map[string]any{"order": "A1"},
	}})
	ev = nextEvent(t, events)
	if ev.Type != provider.EventToolCallRequested || ev.ToolCall.ID != "tc_9" || ev.ToolCall.Args["order"] != "A1" {
		t.Fatalf("ev=%+v", ev)
	}

	_ = server.WriteJSON(map[string]any{"type": "interruption", "interruption_event": map[string]any{"reason": "user"}})
	if ev := nextEvent(t, events); ev.Type != provider.EventInterrupted {
		t.Fatalf("type=%v, want interrupted", ev.Type)
	}
}

func TestInterruptionCancelsPendingTurnComplete(t *testing.T) {
	f := newFakeAgent(t, true)
	a := New()
	a.TurnIdle = 100 * time.Millisecond
	if err := a.Connect(context.Background(), testConfig(f)); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer a.Close()
	f.next(t)
	server := f.conn(t)
	events := a.Events()

	_ = server.WriteJSON(map[string]any{"type": "agent_response", "agent_response_event": map[string]any{"agent_response": "Let me"}})
	nextEvent(t, events)
	if err := a.HandleInterruption(context.Background()); err != nil {
		t.Fatalf("HandleInterruption error: %v", err)
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected event after interruption: %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestPingIsAnswered(t *testing.T) {
	f := newFakeAgent(t, true)
	a := New()
	if err := a.Connect(context.Background(), testConfig(f)); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer a.Close()
	f.next(t)
	server := f.conn(t)

	_ = server.WriteJSON(map[string]any{"type": "ping", "ping_event": map[string]any{"event_id": 7}})
	msg := f.next(t)
	if msg["type"] != "pong" || msg["event_id"] != float64(7) {
		t.Fatalf("pong=%v", msg)
	}
}

func TestEventsCloseOnServerDrop(t *testing.T) {
	f := newFakeAgent(t, true)
	a := New()
	if err := a.Connect(context.Background(), testConfig(f)); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer a.Close()
	f.next(t)
	server := f.conn(t)
	events := a.Events()
	_ = server.Close()
	select {
	case _, ok := <-events:
		if ok {
			t.Fatalf("unexpected event")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("events not closed after drop")
	}
}

func TestParseRate(t *testing.T) {
	cases := map[string]int{"pcm_16000": 16000, "pcm_44100": 44100, "ulaw_8000": 8000, "": 16000, "pcm_x": 16000}
	for in, want := range cases {
		if got := parseRate(in, 16000); got != want {
			t.Fatalf("parseRate(%q)=%d, want %d", in, got, want)
		}
	}
}
