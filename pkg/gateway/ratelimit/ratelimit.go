// Package ratelimit holds the in-memory admission limits of the gateway: a
// handshake token bucket per client and a concurrent session cap per
// assistant. Single-process only.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"time"
)

type Config struct {
	HandshakeRPS   float64
	HandshakeBurst int

	// MaxSessions caps concurrent sessions per assistant. 0 disables the cap
	// unless a per-call limit is given.
	MaxSessions int

	// Operational bounds for the client map.
	MaxEntries int
	EntryTTL   time.Duration
}

type Limiter struct {
	cfg Config

	mu         sync.Mutex
	clients    map[string]*clientLimiter
	assistants map[string]int
}

type clientLimiter struct {
	mu sync.Mutex
	tb tokenBucket

	lastSeen time.Time
}

type tokenBucket struct {
	rps      float64
	capacity float64

	tokens float64
	last   time.Time
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{
		cfg:        cfg,
		clients:    make(map[string]*clientLimiter),
		assistants: make(map[string]int),
	}
}

func KeyFromIP(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return "ip_" + hex.EncodeToString(sum[:16])
}

type Permit struct {
	release func()
}

func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.release()
	p.release = nil
}

type Decision struct {
	Allowed    bool
	RetryAfter int
	Permit     *Permit
}

// AcquireHandshake spends one handshake token for client.
func (l *Limiter) AcquireHandshake(client string, now time.Time) Decision {
	if l.cfg.HandshakeRPS <= 0 || l.cfg.HandshakeBurst <= 0 {
		return Decision{Allowed: true}
	}
	if client == "" {
		client = "anonymous"
	}
	cl := l.getOrCreate(client, now)
	ok, retryAfter := cl.allowToken(now, l.cfg.HandshakeRPS, l.cfg.HandshakeBurst)
	return Decision{Allowed: ok, RetryAfter: retryAfter}
}

// AcquireSession takes one of the assistant's session slots. limit
// overrides Config.MaxSessions when > 0. The permit must be released when
// the session ends.
func (l *Limiter) AcquireSession(assistantID string, limit int) Decision {
	if limit <= 0 {
		limit = l.cfg.MaxSessions
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit > 0 && l.assistants[assistantID] >= limit {
		return Decision{Allowed: false, RetryAfter: 1}
	}
	l.assistants[assistantID]++
	return Decision{
		Allowed: true,
		Permit: &Permit{release: func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if n := l.assistants[assistantID] - 1; n > 0 {
				l.assistants[assistantID] = n
			} else {
				delete(l.assistants, assistantID)
			}
		}},
	}
}

// Active returns the number of held session slots for assistantID.
func (l *Limiter) Active(assistantID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.assistants[assistantID]
}

func (l *Limiter) getOrCreate(client string, now time.Time) *clientLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.clients) >= l.cfg.MaxEntries {
		l.gcLocked(now)
		// If still too big, drop one arbitrary entry (bounded memory > perfect fairness).
		if len(l.clients) >= l.cfg.MaxEntries {
			for k := range l.clients {
				delete(l.clients, k)
				break
			}
		}
	}

	cl, ok := l.clients[client]
	if !ok {
		cl = &clientLimiter{}
		l.clients[client] = cl
	}
	cl.lastSeen = now
	return cl
}

func (l *Limiter) gcLocked(now time.Time) {
	for k, v := range l.clients {
		if now.Sub(v.lastSeen) > l.cfg.EntryTTL {
			delete(l.clients, k)
		}
	}
}

func (cl *clientLimiter) allowToken(now time.Time, rps float64, burst int) (bool, int) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	capacity := float64(burst)
	if cl.tb.capacity == 0 {
		cl.tb = tokenBucket{
			rps:      rps,
			capacity: capacity,
			tokens:   capacity,
			last:     now,
		}
	}

	elapsed := now.Sub(cl.tb.last).Seconds()
	if elapsed > 0 {
		cl.tb.tokens = math.Min(cl.tb.capacity, cl.tb.tokens+(elapsed*cl.tb.rps))
		cl.tb.last = now
	}

	if cl.tb.tokens >= 1.0 {
		cl.tb.tokens -= 1.0
		return true, 0
	}

	needed := 1.0 - cl.tb.tokens
	retryAfter := int(math.Ceil(needed / cl.tb.rps))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter
}
