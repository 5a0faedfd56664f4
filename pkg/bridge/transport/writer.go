package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrWriterClosed is returned when queuing on a writer that has stopped.
var ErrWriterClosed = errors.New("transport writer closed")

// WSWriter is the write half of a websocket connection.
type WSWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// WriterConfig tunes the outbound writer.
type WriterConfig struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
	QueueSize    int
}

func (c WriterConfig) withDefaults() WriterConfig {
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	return c
}

type frame struct {
	payload []byte
	audio   bool
	gen     uint64
}

// Writer is the single goroutine allowed to write to a client websocket.
// Urgent frames overtake queued audio, and FlushAudio invalidates every
// audio frame queued before the call.
type Writer struct {
	ws  WSWriter
	cfg WriterConfig

	priority chan frame
	normal   chan frame
	audioGen atomic.Uint64

	closeOnce   sync.Once
	closing     chan struct{}
	closeCode   int
	closeReason string

	done chan struct{}
}

// NewWriter returns a writer for ws. Call Run to start it.
func NewWriter(ws WSWriter, cfg WriterConfig) *Writer {
	cfg = cfg.withDefaults()
	return &Writer{
		ws:       ws,
		cfg:      cfg,
		priority: make(chan frame, 32),
		normal:   make(chan frame, cfg.QueueSize),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Done is closed when Run returns.
func (w *Writer) Done() <-chan struct{} { return w.done }

// Enqueue queues a text frame, blocking while the queue is full.
func (w *Writer) Enqueue(ctx context.Context, payload []byte, urgent bool) error {
	ch := w.normal
	if urgent {
		ch = w.priority
	}
	return w.push(ctx, ch, frame{payload: payload})
}

// EnqueueAudio queues an assistant audio frame.
func (w *Writer) EnqueueAudio(ctx context.Context, payload []byte) error {
	return w.push(ctx, w.normal, frame{payload: payload, audio: true, gen: w.audioGen.Load()})
}

// FlushAudio drops audio frames queued so far.
func (w *Writer) FlushAudio() {
	w.audioGen.Add(1)
}

func (w *Writer) push(ctx context.Context, ch chan frame, f frame) error {
	select {
	case <-w.closing:
		return ErrWriterClosed
	case <-w.done:
		return ErrWriterClosed
	default:
	}
	select {
	case ch <- f:
		return nil
	case <-w.closing:
		return ErrWriterClosed
	case <-w.done:
		return ErrWriterClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close asks Run to flush urgent frames, send a close frame with code and
// reason, and close the socket.
func (w *Writer) Close(code int, reason string) {
	w.closeOnce.Do(func() {
		w.closeCode = code
		w.closeReason = reason
		close(w.closing)
	})
}

// Run writes frames until ctx is cancelled, Close is called, or a write
// fails.
func (w *Writer) Run(ctx context.Context) error {
	defer close(w.done)
	writeTimeout := w.cfg.WriteTimeout

	pingTicker := time.NewTicker(w.cfg.PingInterval)
	defer pingTicker.Stop()

	shutdown := func(code int, reason string) {
		w.flushPriority(writeTimeout)
		_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeTimeout))
		_ = w.ws.Close()
	}

	for {
		select {
		case <-ctx.Done():
			shutdown(websocket.CloseNormalClosure, "")
			return nil
		case <-w.closing:
			shutdown(w.closeCode, w.closeReason)
			return nil
		default:
		}

		// Urgent frames first.
		select {
		case f := <-w.priority:
			if err := w.write(f, writeTimeout); err != nil {
				_ = w.ws.Close()
				return err
			}
			continue
		default:
		}

		select {
		case <-ctx.Done():
		case <-w.closing:
		case <-pingTicker.C:
			if err := w.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				_ = w.ws.Close()
				return err
			}
		case f := <-w.priority:
			if err := w.write(f, writeTimeout); err != nil {
				_ = w.ws.Close()
				return err
			}
		case f := <-w.normal:
			if err := w.write(f, writeTimeout); err != nil {
				_ = w.ws.Close()
				return err
			}
		}
	}
}

func (w *Writer) flushPriority(writeTimeout time.Duration) {
	flushTimeout := 100 * time.Millisecond
	if writeTimeout < flushTimeout {
		flushTimeout = writeTimeout
	}
	deadline := time.Now().Add(flushTimeout)
	for i := 0; i < 8 && time.Now().Before(deadline); i++ {
		select {
		case f := <-w.priority:
			_ = w.write(f, writeTimeout)
		default:
			return
		}
	}
}

func (w *Writer) write(f frame, writeTimeout time.Duration) error {
	if f.audio && f.gen < w.audioGen.Load() {
		return nil
	}
	if len(f.payload) == 0 {
		return nil
	}
	if err := w.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return w.ws.WriteMessage(websocket.TextMessage, f.payload)
}
