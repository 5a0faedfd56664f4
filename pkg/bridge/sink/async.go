package sink

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	defaultQueueSize    = 256
	defaultWriteTimeout = 5 * time.Second
)

// AsyncConfig configures Async.
type AsyncConfig struct {
	QueueSize    int
	WriteTimeout time.Duration
	// Fallback receives a record when any primary store rejects it.
	Fallback Store
	Logger   *slog.Logger
	// OnDrop observes records dropped because the queue was full.
	OnDrop func(op string)
	// OnError observes failed store writes.
	OnError func(store, op string)
	NewID   func() string
}

type job struct {
	op string
	fn func(context.Context, Store) error
}

// Async is a Sink that hands records to a single worker through a bounded
// queue. Callers never block: a full queue drops the record with a warning.
type Async struct {
	stores   []Store
	fallback Store
	cfg      AsyncConfig
	log      *slog.Logger

	queue chan job
	done  chan struct{}

	mu     sync.RWMutex
	closed bool

	dropped atomic.Int64
}

var _ Sink = (*Async)(nil)

// NewAsync starts a worker writing to every store in order.
func NewAsync(cfg AsyncConfig, stores ...Store) *Async {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	a := &Async{
		stores:   stores,
		fallback: cfg.Fallback,
		cfg:      cfg,
		log:      log,
		queue:    make(chan job, cfg.QueueSize),
		done:     make(chan struct{}),
	}
	go a.run()
	return a
}

// Dropped returns how many records were discarded on a full queue.
func (a *Async) Dropped() int64 { return a.dropped.Load() }

func (a *Async) StartConversation(ctx context.Context, c Conversation) string {
	if c.ID == "" {
		c.ID = a.cfg.NewID()
	}
	if c.StartedAt.IsZero() {
		c.StartedAt = time.Now().UTC()
	}
	a.enqueue("create_conversation", func(ctx context.Context, s Store) error {
		return s.CreateConversation(ctx, c)
	})
	return c.ID
}

func (a *Async) SaveTurn(ctx context.Context, sessionID, userText, assistantText string, meta TurnMetadata) {
	t := Turn{SessionID: sessionID, UserText: userText, AssistantText: assistantText, TurnMetadata: meta}
	a.enqueue("append_turn", func(ctx context.Context, s Store) error {
		return s.AppendTurn(ctx, t)
	})
}

func (a *Async) LogToolCall(ctx context.Context, rec ToolCallRecord) {
	a.enqueue("append_tool_call", func(ctx context.Context, s Store) error {
		return s.AppendToolCall(ctx, rec)
	})
}

func (a *Async) EndConversation(ctx context.Context, conversationID string, endedAt time.Time) {
	if conversationID == "" {
		return
	}
	a.enqueue("close_conversation", func(ctx context.Context, s Store) error {
		return s.CloseConversation(ctx, conversationID, endedAt)
	})
}

func (a *Async) enqueue(op string, fn func(context.Context, Store) error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.drop(op, "closed")
		return
	}
	select {
	case a.queue <- job{op: op, fn: fn}:
	default:
		a.drop(op, "queue full")
	}
}

func (a *Async) drop(op, why string) {
	a.dropped.Add(1)
	a.log.Warn("sink record dropped", "op", op, "reason", why)
	if a.cfg.OnDrop != nil {
		a.cfg.OnDrop(op)
	}
}

func (a *Async) run() {
	defer close(a.done)
	for j := range a.queue {
		a.apply(j)
	}
}

func (a *Async) apply(j job) {
	failed := false
	for _, s := range a.stores {
		if err := a.write(s, j); err != nil {
			failed = true
			a.log.Warn("sink write failed", "store", s.Name(), "op", j.op, "error", err)
			if a.cfg.OnError != nil {
				a.cfg.OnError(s.Name(), j.op)
			}
		}
	}
	if failed && a.fallback != nil {
		if err := a.write(a.fallback, j); err != nil {
			a.log.Error("sink fallback write failed", "store", a.fallback.Name(), "op", j.op, "error", err)
		}
	}
}

func (a *Async) write(s Store, j job) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.WriteTimeout)
	defer cancel()
	return j.fn(ctx, s)
}

// Close stops accepting records, drains the queue, and closes every store.
// It returns ctx.Err() if draining outlives ctx.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	select {
	case <-a.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	var errs []error
	for _, s := range a.stores {
		errs = append(errs, s.Close())
	}
	if a.fallback != nil {
		errs = append(errs, a.fallback.Close())
	}
	return errors.Join(errs...)
}
