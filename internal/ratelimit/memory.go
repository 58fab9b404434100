package ratelimit

import (
	"context"
	"sync"
	"time"
)

const pruneThreshold = 10_000

type window struct {
	count int
	start time.Time
}

// MemoryLimiter keeps counters in process memory. Counters are not shared across instances.
type MemoryLimiter struct {
	mu      sync.Mutex
	max     int
	length  time.Duration
	now     func() time.Time
	windows map[string]*window
}

// NewMemoryLimiter builds a limiter admitting max requests per window. A nil clock uses time.Now.
func NewMemoryLimiter(max int, length time.Duration, now func() time.Time) *MemoryLimiter {
	if max <= 0 {
		max = DefaultMaxRequests
	}
	if length <= 0 {
		length = DefaultWindow
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryLimiter{max: max, length: length, now: now, windows: make(map[string]*window)}
}

func (l *MemoryLimiter) Allow(_ context.Context, identity string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[identity]
	if !ok || now.Sub(w.start) > l.length {
		if len(l.windows) >= pruneThreshold {
			l.pruneLocked(now)
		}
		l.windows[identity] = &window{count: 1, start: now}
		return Decision{Allowed: true, Limit: l.max, Remaining: l.max - 1}, nil
	}

	if w.count >= l.max {
		return Decision{
			Allowed:    false,
			Limit:      l.max,
			RetryAfter: w.start.Add(l.length).Sub(now),
		}, nil
	}
	w.count++
	return Decision{Allowed: true, Limit: l.max, Remaining: l.max - w.count}, nil
}

func (l *MemoryLimiter) pruneLocked(now time.Time) {
	for id, w := range l.windows {
		if now.Sub(w.start) > l.length {
			delete(l.windows, id)
		}
	}
}
