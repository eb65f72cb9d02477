package middleware

import (
	"sync"
	"time"
)

type window struct {
	start time.Time
	count int
}

// RateLimiter is a fixed-window counter keyed by source address. The
// window resets limit attempts after its duration elapses; until then the
// limit is a hard cap. State is process-wide and purely in-memory.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	period  time.Duration
	windows map[string]*window
	now     func() time.Time
}

func NewRateLimiter(limit int, period time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		period:  period,
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Allow records one attempt from source and reports whether it fits in
// the current window.
func (l *RateLimiter) Allow(source string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[source]
	if !ok || now.Sub(w.start) >= l.period {
		l.windows[source] = &window{start: now, count: 1}
		return true
	}
	w.count++
	return w.count <= l.limit
}
