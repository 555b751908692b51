// ABOUTME: Single-flight restart lease and retry counters keyed by session id
// ABOUTME: Only one recovery cycle per session can hold the lease at a time

package recovery

import "sync"

// lease is a held restart slot. owner is the client generation allowed to
// claim the slot next; zero means nobody, a restart timer is pending.
type lease struct {
	owner uint64
}

// Leases tracks restart leases and attempt counters.
type Leases struct {
	mu       sync.Mutex
	held     map[string]*lease
	attempts map[string]int
}

// NewLeases returns an empty lease table.
func NewLeases() *Leases {
	return &Leases{
		held:     make(map[string]*lease),
		attempts: make(map[string]int),
	}
}

// Acquire claims the restart slot for id on behalf of the client generation gen.
// It succeeds when no lease is held, or when the lease was handed off to gen
// (the recreated client failed and schedules its own next retry).
func (l *Leases) Acquire(id string, gen uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.held[id]
	if !ok {
		l.held[id] = &lease{}
		return true
	}
	if gen != 0 && cur.owner == gen {
		cur.owner = 0
		return true
	}
	return false
}

// Handoff passes a held lease to the recreated client generation gen.
// It does nothing when no lease is held.
func (l *Leases) Handoff(id string, gen uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.held[id]; ok {
		cur.owner = gen
	}
}

// Release frees the restart slot for id.
func (l *Leases) Release(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, id)
}

// Held reports whether a restart is in flight for id.
func (l *Leases) Held(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[id]
	return ok
}

// Next increments and returns the attempt counter for id.
func (l *Leases) Next(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts[id]++
	return l.attempts[id]
}

// Attempts returns the current attempt counter for id.
func (l *Leases) Attempts(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts[id]
}

// Reset zeroes the attempt counter for id.
func (l *Leases) Reset(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, id)
}

// Forget drops both the lease and the counter for id.
func (l *Leases) Forget(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, id)
	delete(l.attempts, id)
}
