// ABOUTME: Sliding one-minute window limiter keyed by webhook id
// ABOUTME: Reports remaining calls and seconds until the window frees a slot

package ratelimit

import (
	"math"
	"sync"
	"time"
)

// DefaultWindow is the length of the sliding window.
const DefaultWindow = time.Minute

// Decision is the outcome of Allow.
type Decision struct {
	Allowed   bool
	Remaining int
	// ResetIn is the number of whole seconds until another call is admitted.
	ResetIn int
}

// Options configures a Limiter.
type Options struct {
	Window time.Duration
	Now    func() time.Time
}

// Limiter tracks admitted request timestamps per key.
type Limiter struct {
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string][]time.Time
}

// New creates a Limiter.
func New(opts Options) *Limiter {
	window := opts.Window
	if window <= 0 {
		window = DefaultWindow
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Limiter{
		window:  window,
		now:     now,
		entries: map[string][]time.Time{},
	}
}

// Allow admits one call for key when fewer than limit calls were admitted in
// the current window.
func (l *Limiter) Allow(key string, limit int) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	kept := l.entries[key][:0]
	for _, ts := range l.entries[key] {
		if now.Sub(ts) < l.window {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= limit {
		l.entries[key] = kept
		reset := 0
		if len(kept) > 0 {
			wait := l.window - now.Sub(kept[0])
			reset = int(math.Ceil(wait.Seconds()))
		}
		return Decision{Allowed: false, Remaining: 0, ResetIn: reset}
	}

	kept = append(kept, now)
	l.entries[key] = kept
	return Decision{
		Allowed:   true,
		Remaining: limit - len(kept),
		ResetIn:   int(l.window / time.Second),
	}
}

// Forget drops all history for key.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
}
