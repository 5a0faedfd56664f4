package transport

import (
	"context"
	"sync"

	"github.com/vango-go/voicebridge/pkg/core"
)

type inboxItem struct {
	ev  ClientEvent
	err error
}

// Inbox carries events from a transport's read goroutine to Receive. The
// read goroutine is the only producer and ends the stream with Disconnect.
type Inbox struct {
	ch       chan inboxItem
	stop     chan struct{}
	stopOnce sync.Once
	endOnce  sync.Once

	mu    sync.Mutex
	cause error
}

// NewInbox returns an inbox buffering size items.
func NewInbox(size int) *Inbox {
	if size <= 0 {
		size = 64
	}
	return &Inbox{
		ch:   make(chan inboxItem, size),
		stop: make(chan struct{}),
	}
}

// Push delivers ev, returning false once the inbox is stopped.
func (b *Inbox) Push(ev ClientEvent) bool {
	return b.push(inboxItem{ev: ev})
}

// PushError delivers a non-fatal decode error.
func (b *Inbox) PushError(err error) bool {
	return b.push(inboxItem{err: err})
}

func (b *Inbox) push(it inboxItem) bool {
	select {
	case <-b.stop:
		return false
	default:
	}
	select {
	case b.ch <- it:
		return true
	case <-b.stop:
		return false
	}
}

// Disconnect emits a final ClientDisconnected event carrying cause and closes
// the stream.
func (b *Inbox) Disconnect(cause error) {
	b.endOnce.Do(func() {
		b.mu.Lock()
		b.cause = cause
		b.mu.Unlock()
		b.push(inboxItem{ev: ClientEvent{Type: ClientDisconnected, Err: cause}})
		close(b.ch)
	})
}

// Stop unblocks a producer stuck in Push. Receive keeps draining what is
// buffered.
func (b *Inbox) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
}

// Receive returns the next item, or *core.TransportDisconnectedError once
// the stream has ended.
func (b *Inbox) Receive(ctx context.Context) (ClientEvent, error) {
	select {
	case it, ok := <-b.ch:
		if !ok {
			b.mu.Lock()
			cause := b.cause
			b.mu.Unlock()
			return ClientEvent{}, &core.TransportDisconnectedError{Err: cause}
		}
		return it.ev, it.err
	case <-ctx.Done():
		return ClientEvent{}, ctx.Err()
	}
}
