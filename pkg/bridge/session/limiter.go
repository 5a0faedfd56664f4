package session

import "time"

// inboundLimiter is a token bucket over frames/s and bytes/s. Tokens are
// kept in token-nanoseconds so short refill intervals are not lost.
type inboundLimiter struct {
	now          func() time.Time
	fpsRate      int64
	fpsTokens    int64
	bpsRate      int64
	bpsTokens    int64
	burstSeconds int64
	lastRefill   time.Time
}

const tokenScale = int64(time.Second)

func newInboundLimiter(now func() time.Time, fps int, bps int64, burstSeconds int) *inboundLimiter {
	if fps <= 0 && bps <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	if burstSeconds <= 0 {
		burstSeconds = 1
	}

	l := &inboundLimiter{
		now:          now,
		fpsRate:      int64(fps),
		bpsRate:      bps,
		burstSeconds: int64(burstSeconds),
		lastRefill:   now(),
	}
	if l.fpsRate > 0 {
		l.fpsTokens = l.fpsRate * l.burstSeconds * tokenScale
	}
	if l.bpsRate > 0 {
		l.bpsTokens = l.bpsRate * l.burstSeconds * tokenScale
	}
	return l
}

// Allow consumes one frame of frameBytes if both buckets can pay for it.
func (l *inboundLimiter) Allow(frameBytes int) bool {
	if l == nil {
		return true
	}
	l.refill()

	if frameBytes < 0 {
		frameBytes = 0
	}
	if l.fpsRate > 0 && l.fpsTokens < tokenScale {
		return false
	}
	cost := int64(frameBytes) * tokenScale
	if l.bpsRate > 0 && l.bpsTokens < cost {
		return false
	}
	if l.fpsRate > 0 {
		l.fpsTokens -= tokenScale
	}
	if l.bpsRate > 0 {
		l.bpsTokens -= cost
	}
	return true
}

func (l *inboundLimiter) refill() {
	now := l.now()
	elapsed := now.Sub(l.lastRefill)
	if elapsed <= 0 {
		return
	}
	l.lastRefill = now
	// Anything past one burst would be clipped anyway.
	ns := min(elapsed.Nanoseconds(), l.burstSeconds*tokenScale)
	if l.fpsRate > 0 {
		l.fpsTokens = min(l.fpsTokens+ns*l.fpsRate, l.fpsRate*l.burstSeconds*tokenScale)
	}
	if l.bpsRate > 0 {
		l.bpsTokens = min(l.bpsTokens+ns*l.bpsRate, l.bpsRate*l.burstSeconds*tokenScale)
	}
}
