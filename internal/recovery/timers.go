// ABOUTME: Cancellable per-session restart timers
// ABOUTME: A cancelled timer never runs its callback, even if it already fired

package recovery

import (
	"sync"
	"time"
)

type pendingTimer struct {
	timer *time.Timer
	token uint64
}

// Timers schedules at most one pending restart per session id.
type Timers struct {
	mu      sync.Mutex
	pending map[string]pendingTimer
	next    uint64
	stopped bool
}

// NewTimers returns an empty timer set.
func NewTimers() *Timers {
	return &Timers{pending: make(map[string]pendingTimer)}
}

// Schedule runs fn after delay, replacing any pending timer for id.
func (t *Timers) Schedule(id string, delay time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}
	if cur, ok := t.pending[id]; ok {
		cur.timer.Stop()
	}

	t.next++
	token := t.next
	timer := time.AfterFunc(delay, func() {
		if !t.claim(id, token) {
			return
		}
		fn()
	})
	t.pending[id] = pendingTimer{timer: timer, token: token}
}

// claim removes the pending entry if it still belongs to token.
func (t *Timers) claim(id string, token uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.pending[id]
	if !ok || cur.token != token {
		return false
	}
	delete(t.pending, id)
	return true
}

// Cancel stops the pending timer for id. It reports whether one was pending.
func (t *Timers) Cancel(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.pending[id]
	if !ok {
		return false
	}
	cur.timer.Stop()
	delete(t.pending, id)
	return true
}

// Pending reports whether a restart is scheduled for id.
func (t *Timers) Pending(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[id]
	return ok
}

// Stop cancels every timer and refuses new ones.
func (t *Timers) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopped = true
	for id, cur := range t.pending {
		cur.timer.Stop()
		delete(t.pending, id)
	}
}
