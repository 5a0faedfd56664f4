package provider

import "sync"

// Stream is the event channel of one provider connection. The connection's
// read loop is the only producer and calls Finish when it exits; Abort
// unblocks a producer stuck in Emit.
type Stream struct {
	ch        chan Event
	done      chan struct{}
	abortOnce sync.Once
	finOnce   sync.Once
}

// NewStream returns a Stream with the given buffer size.
func NewStream(buffer int) *Stream {
	if buffer < 0 {
		buffer = 0
	}
	return &Stream{
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
}

// ClosedStream returns a finished stream, for adapters that are not connected.
func ClosedStream() <-chan Event {
	ch := make(chan Event)
	close(ch)
	return ch
}

// Events returns the receive side.
func (s *Stream) Events() <-chan Event {
	if s == nil {
		return ClosedStream()
	}
	return s.ch
}

// Emit delivers ev, returning false if the stream was aborted.
func (s *Stream) Emit(ev Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.ch <- ev:
		return true
	case <-s.done:
		return false
	}
}

// Abort makes pending and future Emit calls return false.
func (s *Stream) Abort() {
	s.abortOnce.Do(func() { close(s.done) })
}

// Aborted reports whether Abort was called.
func (s *Stream) Aborted() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Finish closes the event channel. Only the producer may call it.
func (s *Stream) Finish() {
	s.finOnce.Do(func() { close(s.ch) })
}
