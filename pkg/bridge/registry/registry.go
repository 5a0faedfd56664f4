// Package registry tracks live bridge sessions for lookup, drain warnings
// and shutdown.
package registry

import (
	"context"
	"sort"
	"sync"
)

// Handle is what a session exposes to the process.
type Handle struct {
	AssistantID string
	// ClientID is the external identifier (call sid, browser client id).
	ClientID string
	Cancel   func()
	Warn     func(code, message string) error
}

// Registry is safe for concurrent use. The zero value is not usable; call New.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*entry
	wg       sync.WaitGroup
}

type entry struct {
	handle Handle
	once   sync.Once
}

func New() *Registry {
	return &Registry{sessions: make(map[string]*entry)}
}

// Register adds a session. A previous entry with the same id is released.
// The returned func unregisters this entry and is safe to call more than once.
func (r *Registry) Register(sessionID string, h Handle) (unregister func()) {
	if r == nil {
		return func() {}
	}
	e := &entry{handle: h}

	r.mu.Lock()
	old := r.sessions[sessionID]
	r.sessions[sessionID] = e
	r.wg.Add(1)
	r.mu.Unlock()

	if old != nil {
		r.unregister(sessionID, old)
	}
	return func() { r.unregister(sessionID, e) }
}

func (r *Registry) unregister(sessionID string, e *entry) {
	e.once.Do(func() {
		r.mu.Lock()
		if r.sessions[sessionID] == e {
			delete(r.sessions, sessionID)
		}
		r.mu.Unlock()
		r.wg.Done()
	})
}

// Lookup returns the handle registered under sessionID.
func (r *Registry) Lookup(sessionID string) (Handle, bool) {
	if r == nil {
		return Handle{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sessionID]
	if !ok {
		return Handle{}, false
	}
	return e.handle, true
}

// LookupClient finds a session by its external client id.
func (r *Registry) LookupClient(clientID string) (string, Handle, bool) {
	if r == nil || clientID == "" {
		return "", Handle{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.sessions {
		if e.handle.ClientID == clientID {
			return id, e.handle, true
		}
	}
	return "", Handle{}, false
}

func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CountAssistant returns the number of live sessions for one assistant.
func (r *Registry) CountAssistant(assistantID string) int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.sessions {
		if e.handle.AssistantID == assistantID {
			n++
		}
	}
	return n
}

// IDs lists live session ids in sorted order.
func (r *Registry) IDs() []string {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// WarnAll sends a warning to every session, best effort.
func (r *Registry) WarnAll(code, message string) (sent int) {
	if r == nil {
		return 0
	}
	var warns []func(code, message string) error
	r.mu.Lock()
	for _, e := range r.sessions {
		if e.handle.Warn != nil {
			warns = append(warns, e.handle.Warn)
		}
	}
	r.mu.Unlock()

	for _, warn := range warns {
		_ = warn(code, message)
		sent++
	}
	return sent
}

// CancelAll cancels every live session.
func (r *Registry) CancelAll() (canceled int) {
	if r == nil {
		return 0
	}
	var cancels []func()
	r.mu.Lock()
	for _, e := range r.sessions {
		if e.handle.Cancel != nil {
			cancels = append(cancels, e.handle.Cancel)
		}
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered session has unregistered or ctx ends.
// It reports whether the registry drained.
func (r *Registry) Wait(ctx context.Context) bool {
	if r == nil {
		return true
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
