// Package ratelimit implements sliding window limits per key.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter allows at most perKey events per key and, when global > 0, at most
// global events overall within a sliding window.
type Limiter struct {
	mu        sync.Mutex
	perKey    map[string][]time.Time
	global    []time.Time
	keyMax    int
	globalMax int
	window    time.Duration
	now       func() time.Time
}

// New creates a limiter with a one minute window.
func New(perKeyPerMin, globalPerMin int) *Limiter {
	return NewWindow(perKeyPerMin, globalPerMin, time.Minute)
}

func NewWindow(perKey, global int, window time.Duration) *Limiter {
	return &Limiter{
		perKey:    make(map[string][]time.Time),
		keyMax:    perKey,
		globalMax: global,
		window:    window,
		now:       time.Now,
	}
}

// Allow records an event for key and reports whether it is within limits.
// Rejected events are not recorded.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	if l.globalMax > 0 {
		l.global = pruneOld(l.global, cutoff)
		if len(l.global) >= l.globalMax {
			return false
		}
	}

	ts := pruneOld(l.perKey[key], cutoff)
	if len(ts) >= l.keyMax {
		l.perKey[key] = ts
		return false
	}

	if l.globalMax > 0 {
		l.global = append(l.global, now)
	}
	l.perKey[key] = append(ts, now)
	return true
}

// Sweep removes keys whose events all fell out of the window.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.window)
	n := 0
	for k, ts := range l.perKey {
		if ts = pruneOld(ts, cutoff); len(ts) == 0 {
			delete(l.perKey, k)
			n++
		} else {
			l.perKey[k] = ts
		}
	}
	return n
}

func pruneOld(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0:0], ts[i:]...)
}
