// Package transport defines the client-facing side of a bridge session.
//
// A Transport owns one inbound connection (a browser websocket or a
// telephony media stream) and converts its wire format to and from a
// neutral event stream. Audio crossing this boundary is always PCM16 mono;
// Rates reports the sample rates in each direction once Accept returns.
package transport

import (
	"context"
	"time"

	"github.com/vango-go/voicebridge/pkg/core/audio"
)

// ClientProfile classifies the caller for interruption debouncing.
type ClientProfile string

const (
	ProfileBrowser   ClientProfile = "browser"
	ProfileMobile    ClientProfile = "mobile"
	ProfileTelephony ClientProfile = "telephony"
)

// DebounceWindow returns the interruption coalescing window for p.
func (p ClientProfile) DebounceWindow() time.Duration {
	switch p {
	case ProfileMobile, ProfileTelephony:
		return 150 * time.Millisecond
	default:
		return 120 * time.Millisecond
	}
}

// ClientEventType discriminates ClientEvent.
type ClientEventType int

const (
	ClientAudioChunk ClientEventType = iota + 1
	ClientControl
	ClientStreamStart
	ClientStreamStop
	ClientDisconnected
)

func (t ClientEventType) String() string {
	switch t {
	case ClientAudioChunk:
		return "audio_chunk"
	case ClientControl:
		return "control"
	case ClientStreamStart:
		return "stream_start"
	case ClientStreamStop:
		return "stream_stop"
	case ClientDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ControlKind names a client-originated control signal.
type ControlKind string

const (
	ControlCommit            ControlKind = "commit"
	ControlClear             ControlKind = "clear"
	ControlManualInterrupt   ControlKind = "interruption.manual"
	ControlUserSpeechStarted ControlKind = "speech.user_started"
	ControlUserSpeechStopped ControlKind = "speech.user_stopped"
	ControlMute              ControlKind = "mute"
	ControlMark              ControlKind = "mark"
)

// StreamStats is reported by a telephony stop frame.
type StreamStats struct {
	DurationMs int64
	BytesSent  int64
}

// ClientEvent is one normalized inbound item.
type ClientEvent struct {
	Type ClientEventType

	// Audio is PCM16 mono at the transport's input rate.
	Audio []byte

	Control ControlKind
	Payload map[string]any

	Format audio.Format
	Stats  StreamStats

	// Err is the cause of a ClientDisconnected event, nil for a clean close.
	Err error
}

// EventKind names an outbound, non-audio event.
type EventKind string

const (
	EventPong                    EventKind = "pong"
	EventSessionReady            EventKind = "session.ready"
	EventSessionDraining         EventKind = "session.draining"
	EventAssistantSpeechStarted  EventKind = "assistant.speech.started"
	EventAssistantSpeechEnded    EventKind = "assistant.speech.ended"
	EventUserSpeechStarted       EventKind = "speech.user_started"
	EventUserSpeechStopped       EventKind = "speech.user_stopped"
	EventFunctionCallStarted     EventKind = "function_call.started"
	EventFunctionCallExecuting   EventKind = "function_call.executing"
	EventFunctionCallCompleted   EventKind = "function_call.completed"
	EventFunctionCallError       EventKind = "function_call.error"
	EventConversationInterrupted EventKind = "conversation.interrupted"
	EventTranscriptDelta         EventKind = "transcript.delta"
	EventTextChannelOpen         EventKind = "text_channel.open"
	EventWarning                 EventKind = "warning"
	EventError                   EventKind = "error"
)

// Urgent reports whether kind must overtake queued audio.
func (k EventKind) Urgent() bool {
	switch k {
	case EventConversationInterrupted, EventError, EventSessionDraining, EventPong:
		return true
	default:
		return false
	}
}

// Transport is one client connection.
type Transport interface {
	// Accept completes the inbound handshake and starts the pumps.
	Accept(ctx context.Context) error
	// Receive returns the next inbound event. Malformed frames surface as
	// *core.ProtocolError and the stream continues; after disconnect it
	// returns *core.TransportDisconnectedError.
	Receive(ctx context.Context) (ClientEvent, error)
	// SendAudio queues PCM16 at the output rate.
	SendAudio(ctx context.Context, pcm []byte) error
	// SendEvent relays a non-audio event. Kinds the wire cannot carry are
	// dropped without error.
	SendEvent(ctx context.Context, kind EventKind, payload map[string]any) error
	// FlushAudio discards assistant audio queued but not yet written.
	FlushAudio(ctx context.Context) error
	Close(code int, reason string) error
	Profile() ClientProfile
	// Rates returns the PCM16 sample rates of inbound and outbound audio.
	Rates() (input, output int)
}
