package httpapi

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// sweepThreshold is the number of tracked identifiers above which idle
// limiters are dropped.
const sweepThreshold = 1024

// sendLimiter throttles sends per session identifier. A nil sendLimiter
// allows everything.
type sendLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newSendLimiter(limit rate.Limit, burst int) *sendLimiter {
	if limit <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &sendLimiter{limit: limit, burst: burst, limiters: make(map[string]*rate.Limiter)}
}

func (l *sendLimiter) allow(id string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	l.mu.Lock()
	lim, ok := l.limiters[id]
	if !ok {
		if len(l.limiters) >= sweepThreshold {
			l.sweepLocked(now)
		}
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[id] = lim
	}
	l.mu.Unlock()
	return lim.AllowN(now, 1)
}

// sweepLocked drops limiters that have refilled completely; they carry no
// state a fresh limiter would not.
func (l *sendLimiter) sweepLocked(now time.Time) {
	for id, lim := range l.limiters {
		if lim.TokensAt(now) >= float64(l.burst) {
			delete(l.limiters, id)
		}
	}
}

func (l *sendLimiter) forget(id string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.limiters, id)
	l.mu.Unlock()
}
