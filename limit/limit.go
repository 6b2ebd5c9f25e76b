// Package limit holds per-key token-bucket rate limiters.
package limit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiters lazily creates one rate.Limiter per key. Safe for concurrent use.
type Limiters struct {
	m     sync.Map
	limit rate.Limit
	burst int
}

// New returns a limiter map allowing rps events per second per key.
func New(rps float64, burst int) *Limiters {
	return &Limiters{limit: rate.Limit(rps), burst: burst}
}

// Allow reports whether one more event is permitted for key right now.
func (l *Limiters) Allow(key string) bool {
	if x, ok := l.m.Load(key); ok {
		return x.(*rate.Limiter).Allow()
	}
	r := rate.NewLimiter(l.limit, l.burst)
	if x, loaded := l.m.LoadOrStore(key, r); loaded {
		return x.(*rate.Limiter).Allow()
	}
	return r.Allow()
}
