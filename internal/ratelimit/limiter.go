// Package ratelimit implements fixed-window admission control keyed by client identity.
//
// Each client gets a window that opens on its first request and lasts for the configured
// duration. Up to Limit requests are admitted per window; the counter resets once the
// window has elapsed. Bursts straddling a window boundary can admit up to 2×Limit
// requests in a short span.
package ratelimit

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const lockStripes = 64

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// Reset is when the current window closes.
	Reset time.Time
}

// RetryAfter returns how long a denied client should wait, rounded up to whole seconds.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.Reset.Sub(now)
	if wait <= 0 {
		return 0
	}
	return wait.Truncate(time.Second) + time.Second
}

type window struct {
	start time.Time
	count int
}

// Limiter is a fixed-window rate limiter safe for concurrent use.
type Limiter struct {
	limit  int
	period time.Duration
	now    func() time.Time

	// windows is bounded by client count; idle clients age out after two periods.
	windows *expirable.LRU[string, window]
	locks   [lockStripes]sync.Mutex
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New creates a limiter admitting limit requests per period for each of up to
// maxClients tracked clients.
func New(limit int, period time.Duration, maxClients int, opts ...Option) *Limiter {
	l := &Limiter{
		limit:   limit,
		period:  period,
		now:     time.Now,
		windows: expirable.NewLRU[string, window](maxClients, nil, 2*period),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Limit returns the per-window admission ceiling.
func (l *Limiter) Limit() int { return l.limit }

// Period returns the window duration.
func (l *Limiter) Period() time.Duration { return l.period }

// Allow reports whether clientKey may make another request in its current window.
func (l *Limiter) Allow(clientKey string) bool {
	return l.Check(clientKey).Allowed
}

// Check records an admission attempt for clientKey and returns the full decision.
func (l *Limiter) Check(clientKey string) Decision {
	mu := l.lock(clientKey)
	mu.Lock()
	defer mu.Unlock()

	now := l.now()
	w, ok := l.windows.Peek(clientKey)
	if !ok || !now.Before(w.start.Add(l.period)) {
		w = window{start: now}
	}

	d := Decision{Limit: l.limit, Reset: w.start.Add(l.period)}
	if w.count >= l.limit {
		return d
	}

	w.count++
	l.windows.Add(clientKey, w)

	d.Allowed = true
	d.Remaining = l.limit - w.count
	return d
}

func (l *Limiter) lock(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &l.locks[h.Sum32()%lockStripes]
}
