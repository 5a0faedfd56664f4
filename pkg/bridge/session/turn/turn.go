// Package turn is the turn-taking state machine of a bridge session. It does
// no I/O: Apply returns the actions the session must perform.
package turn

import (
	"github.com/vango-go/voicebridge/pkg/bridge/resilience"
)

// State is the conversational floor.
type State int

const (
	Idle State = iota
	Listening
	UserSpeaking
	AssistantSpeaking
	// Interrupted is transient: Apply passes through it on the way back to
	// Listening and reports it in Result.Via.
	Interrupted
	Terminated
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case UserSpeaking:
		return "user_speaking"
	case AssistantSpeaking:
		return "assistant_speaking"
	case Interrupted:
		return "interrupted"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Source says who asked for an interruption.
type Source string

const (
	SourceProviderVAD  Source = "provider_vad"
	SourceClientSpeech Source = "client_speech"
	SourceClientManual Source = "client_manual"
)

// Input is a signal fed to the machine.
type Input int

const (
	InputStart Input = iota + 1
	InputSpeechStarted
	InputSpeechStopped
	InputCommit
	InputAudioDelta
	InputTurnComplete
	InputInterrupt
	InputTerminate
)

// Action is a bit set of side effects.
type Action uint8

const (
	ActionCommit Action = 1 << iota
	ActionInterrupt
	ActionFlushTurn
	ActionNotifyAssistantStarted
	ActionNotifyAssistantEnded
)

// Result is the outcome of one Apply.
type Result struct {
	From, To State
	// ViaInterrupted reports a pass through Interrupted.
	ViaInterrupted bool
	// Source is the origin of an interruption, admitted or coalesced.
	Source  Source
	Actions Action
	// Drop tells the session to discard the audio delta that was applied.
	Drop bool
	// Coalesced reports an interruption swallowed by the debounce window.
	Coalesced bool
}

func (r Result) Has(a Action) bool { return r.Actions&a != 0 }

// Machine is not safe for concurrent use; the session loop owns it.
type Machine struct {
	state        State
	manualCommit bool
	debounce     *resilience.Debouncer
	// draining drops audio still in flight from a response that was cut
	// off. It ends at the next turn boundary or when the debounce window
	// closes.
	draining bool
}

// New returns a machine in Idle. manualCommit makes a speech stop produce
// ActionCommit.
func New(debounce *resilience.Debouncer, manualCommit bool) *Machine {
	return &Machine{state: Idle, debounce: debounce, manualCommit: manualCommit}
}

func (m *Machine) State() State { return m.state }

// Apply feeds one signal. src names the origin of speech starts and
// interruptions and is ignored otherwise.
func (m *Machine) Apply(in Input, src Source) Result {
	res := Result{From: m.state, To: m.state}
	if m.state == Terminated {
		if in == InputAudioDelta {
			res.Drop = true
		}
		return res
	}

	switch in {
	case InputStart:
		if m.state == Idle {
			m.state = Listening
		}

	case InputSpeechStarted:
		switch m.state {
		case AssistantSpeaking:
			m.interrupt(&res, src)
		case Listening, Idle:
			m.state = UserSpeaking
		}

	case InputSpeechStopped:
		if m.state == UserSpeaking {
			m.state = Listening
		}
		m.draining = false
		if m.manualCommit {
			res.Actions |= ActionCommit
		}

	case InputCommit:
		if m.state == UserSpeaking {
			m.state = Listening
		}
		m.draining = false
		res.Actions |= ActionCommit

	case InputAudioDelta:
		if m.draining && m.debounce.Open() {
			res.Drop = true
			break
		}
		m.draining = false
		if m.state != AssistantSpeaking {
			m.state = AssistantSpeaking
			res.Actions |= ActionNotifyAssistantStarted
		}

	case InputTurnComplete:
		if m.state == AssistantSpeaking {
			m.state = Listening
			res.Actions |= ActionNotifyAssistantEnded
		}
		m.draining = false
		res.Actions |= ActionFlushTurn

	case InputInterrupt:
		if m.state == AssistantSpeaking {
			m.interrupt(&res, src)
		}

	case InputTerminate:
		m.state = Terminated
		m.draining = false
		res.Actions |= ActionFlushTurn
	}

	res.To = m.state
	return res
}

func (m *Machine) interrupt(res *Result, src Source) {
	res.Source = src
	if m.debounce != nil && !m.debounce.Allow() {
		res.Coalesced = true
		return
	}
	res.ViaInterrupted = true
	res.Actions |= ActionInterrupt | ActionFlushTurn
	m.state = Listening
	m.draining = m.debounce != nil
}

// Reset returns a live machine to Listening, dropping any in-flight
// response. The session uses it after a provider reconnect.
func (m *Machine) Reset() {
	if m.state == Terminated {
		return
	}
	m.state = Listening
	m.draining = false
}
