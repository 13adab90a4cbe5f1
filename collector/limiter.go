package collector

import (
	"sync"

	"golang.org/x/time/rate"
)

// limiters holds one token bucket per API key.
type limiters struct {
	mu    sync.Mutex
	rps   float64
	burst int
	byKey map[string]*rate.Limiter
}

func newLimiters(rps float64, burst int) *limiters {
	if burst <= 0 {
		burst = 1
	}
	return &limiters{rps: rps, burst: burst, byKey: make(map[string]*rate.Limiter)}
}

// allow reports whether a request for key may proceed.
func (l *limiters) allow(key string) bool {
	if l == nil || l.rps <= 0 {
		return true
	}
	l.mu.Lock()
	lim, ok := l.byKey[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.rps), l.burst)
		l.byKey[key] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
