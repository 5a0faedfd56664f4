package gemini

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/voicebridge/pkg/bridge/provider"
	"github.com/vango-go/voicebridge/pkg/core"
	"google.golang.org/genai"
)

type fakeSession struct {
	recv      chan *genai.LiveServerMessage
	closed    chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	inputs    []genai.LiveRealtimeInput
	responses []genai.LiveToolResponseInput
}

func newFakeSession(setup bool) *fakeSession {
	f := &fakeSession{
		recv:   make(chan *genai.LiveServerMessage, 16),
		closed: make(chan struct{}),
	}
	if setup {
		f.recv <- &genai.LiveServerMessage{SetupComplete: &genai.LiveServerSetupComplete{}}
	}
	return f
}

func (f *fakeSession) SendRealtimeInput(input genai.LiveRealtimeInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, input)
	return nil
}

func (f *fakeSession) SendToolResponse(input genai.LiveToolResponseInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, input)
	return nil
}

func (f *fakeSession) Receive() (*genai.LiveServerMessage, error) {
	select {
	case msg := <-f.recv:
		return msg, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeSession) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func newTestAdapter(sess *fakeSession, captured **genai.LiveConnectConfig) *Adapter {
	return &Adapter{connect: func(ctx context.Context, cfg provider.Config, model string, live *genai.LiveConnectConfig) (liveSession, error) {
		if captured != nil {
			*captured = live
		}
		return sess, nil
	}}
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

func TestConnectBuildsLiveConfig(t *testing.T) {
	sess := newFakeSession(true)
	var live *genai.LiveConnectConfig
	a := newTestAdapter(sess, &live)
	err := a.Connect(context.Background(), provider.Config{
		APIKey:          "key",
		Voice:           "Puck",
		Instructions:    "you are a receptionist",
		MaxOutputTokens: 512,
		Tools:           []provider.ToolDeclaration{{Name: "book_slot", Parameters: map[string]any{"type": "object"}}},
		TurnDetection:   provider.TurnDetection{SilenceDurationMs: 700},
	})
	if err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer a.Close()

	if live.SpeechConfig == nil || live.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Puck" {
		t.Fatalf("speech config=%+v", live.SpeechConfig)
	}
	if live.SystemInstruction == nil || live.SystemInstruction.Parts[0].Text != "you are a receptionist" {
		t.Fatalf("system instruction=%+v", live.SystemInstruction)
	}
	if live.MaxOutputTokens != 512 {
		t.Fatalf("max tokens=%d", live.MaxOutputTokens)
	}
	if len(live.Tools) != 1 || live.Tools[0].FunctionDeclarations[0].Name != "book_slot" {
		t.Fatalf("tools=%+v", live.Tools)
	}
	aad := live.RealtimeInputConfig.AutomaticActivityDetection
	if aad.SilenceDurationMs == nil || *aad.SilenceDurationMs != 700 {
		t.Fatalf("silence=%v", aad.SilenceDurationMs)
	}
}

func TestConnectTimeoutClosesSession(t *testing.T) {
	sess := newFakeSession(false)
	a := newTestAdapter(sess, nil)
	err := a.Connect(context.Background(), provider.Config{APIKey: "key", ConnectTimeout: 100 * time.Millisecond})
	var ce *core.ConnectError
	if !errors.As(err, &ce) || ce.Kind != core.ConnectTimeout {
		t.Fatalf("err=%v, want timeout", err)
	}
	select {
	case <-sess.closed:
	case <-time.After(time.Second):
		t.Fatalf("session not closed after timeout")
	}
}

func TestConnectAuthFailure(t *testing.T) {
	a := &Adapter{connect: func(context.Context, provider.Config, string, *genai.LiveConnectConfig) (liveSession, error) {
		return nil, errors.New("API key not valid. Please pass a valid API key.")
	}}
	err := a.Connect(context.Background(), provider.Config{APIKey: "key"})
	var ce *core.ConnectError
	if !errors.As(err, &ce) || ce.Kind != core.ConnectAuth {
		t.Fatalf("err=%v, want auth", err)
	}
}

func TestSendAudioAndCommit(t *testing.T) {
	sess := newFakeSession(true)
	a := newTestAdapter(sess, nil)
	if err := a.Connect(context.Background(), provider.Config{APIKey: "key", InputSampleRate: 16000}); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer a.Close()

	chunk := []byte{1, 2, 3, 4}
	if err := a.SendAudio(context.Background(), chunk); err != nil {
		t.Fatalf("SendAudio error: %v", err)
	}
	if err := a.CommitTurn(context.Background()); err != nil {
		t.Fatalf("CommitTurn error: %v", err)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if len(sess.inputs) != 1 {
		t.Fatalf("inputs=%d, want 1 (commit is a no-op)", len(sess.inputs))
	}
	in := sess.inputs[0]
	if in.Audio == nil || !bytes.Equal(in.Audio.Data, chunk) || in.Audio.MIMEType != "audio/pcm;rate=16000" {
		t.Fatalf("input=%+v", in.Audio)
	}
}

func TestTranslateServerMessages(t *testing.T) {
	sess := newFakeSession(true)
	a := newTestAdapter(sess, nil)
	if err := a.Connect(context.Background(), provider.Config{APIKey: "key", OutputSampleRate: 24000}); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer a.Close()
	events := a.Events()

	pcm := []byte{9, 0, 8, 0}
	sess.recv <- &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
		InputTranscription: &genai.Transcription{Text: "book me in", Finished: true},
	}}
	sess.recv <- &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
		ModelTurn: &genai.Content{Parts: []*genai.Part{{InlineData: &genai.Blob{Data: pcm, MIMEType: "audio/pcm;rate=24000"}}}},
		OutputTranscription: &genai.Transcription{Text: "Sure"},
	}}
	sess.recv <- &genai.LiveServerMessage{ToolCall: &genai.LiveServerToolCall{
		FunctionCalls: []*genai.FunctionCall{{ID: "fc_1", Name: "book_slot", Args: map[string]any{"time": "9am"}}},
	}}
	sess.recv <- &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{TurnComplete: true}}
	sess.recv <- &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{Interrupted: true}}

	ev := nextEvent(t, events)
	if ev.Type != provider.EventTranscriptDelta || ev.Speaker != provider.SpeakerUser || !ev.Final {
		t.Fatalf("ev=%+v", ev)
	}
	ev = nextEvent(t, events)
	if ev.Type != provider.EventTranscriptDelta || ev.Speaker != provider.SpeakerAssistant || ev.Text != "Sure" {
		t.Fatalf("ev=%+v", ev)
	}
	ev = nextEvent(t, events)
	if ev.Type != provider.EventAudioDelta || !bytes.Equal(ev.Audio, pcm) {
		t.Fatalf("ev=%+v", ev)
	}
	ev = nextEvent(t, events)
	if ev.Type != provider.EventToolCallRequested || ev.ToolCall.ID != "fc_1" || ev.ToolCall.Args["time"] != "9am" {
		t.Fatalf("ev=%+v", ev)
	}
	if ev := nextEvent(t, events); ev.Type != provider.EventTurnComplete {
		t.Fatalf("type=%v, want turn complete", ev.Type)
	}
	if ev := nextEvent(t, events); ev.Type != provider.EventInterrupted {
		t.Fatalf("type=%v, want interrupted", ev.Type)
	}

	if err := a.SendToolResult(context.Background(), "fc_1", provider.ToolResult{Output: map[string]any{"status": "ok"}}); err != nil {
		t.Fatalf("SendToolResult error: %v", err)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if len(sess.responses) != 1 {
		t.Fatalf("responses=%d", len(sess.responses))
	}
	fr := sess.responses[0].FunctionResponses[0]
	if fr.ID != "fc_1" || fr.Name != "book_slot" || fr.Response["status"] != "ok" {
		t.Fatalf("function response=%+v", fr)
	}
}

func TestEventsCloseOnReceiveError(t *testing.T) {
	sess := newFakeSession(true)
	a := newTestAdapter(sess, nil)
	if err := a.Connect(context.Background(), provider.Config{APIKey: "key"}); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	events := a.Events()
	_ = sess.Close()
	select {
	case _, ok := <-events:
		if ok {
			t.Fatalf("unexpected event")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("events not closed")
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if err := a.SendAudio(context.Background(), []byte{1, 2}); err == nil {
		t.Fatalf("expected error after close")
	}
}
