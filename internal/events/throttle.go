// ABOUTME: Per-key failure counter that decides when delivery errors are logged
// ABOUTME: Logs the first failure and every Nth after it, resetting on success

package events

import "sync"

// DefaultLogEvery is the failure interval between logged delivery errors.
const DefaultLogEvery = 5

// Throttle suppresses repeated error logs for the same key.
type Throttle struct {
	mu     sync.Mutex
	counts map[string]int
	every  int
}

// NewThrottle creates a Throttle logging every nth failure.
func NewThrottle(every int) *Throttle {
	if every <= 0 {
		every = DefaultLogEvery
	}
	return &Throttle{counts: make(map[string]int), every: every}
}

// Failure records a failure for key and reports whether it should be logged.
func (t *Throttle) Failure(key string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.counts[key]++
	n := t.counts[key]
	return n, n == 1 || n%t.every == 0
}

// Success clears the failure count for key.
func (t *Throttle) Success(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.counts, key)
}

// Count returns the consecutive failures recorded for key.
func (t *Throttle) Count(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[key]
}
