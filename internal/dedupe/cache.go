// ABOUTME: Bounded TTL window of recently delivered message events
// ABOUTME: Keys combine session, event type and message id

package dedupe

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

// DefaultTTL is how long a delivered message key is remembered.
const DefaultTTL = 5 * time.Minute

// DefaultMaxSize bounds the number of remembered keys.
const DefaultMaxSize = 10000

// Key builds the dedupe key for a message event.
func Key(sessionID, eventType, messageID string) string {
	return strings.Join([]string{sessionID, eventType, messageID}, "|")
}

type entry struct {
	seenAt  time.Time
	element *list.Element
}

// Window remembers keys for a fixed TTL, evicting the oldest key once full.
type Window struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a Window and starts its background sweeper.
func New(ttl time.Duration, maxSize int) *Window {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	w := &Window{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go w.sweep()
	return w
}

// Seen reports whether key was marked within the TTL.
func (w *Window) Seen(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.seen[key]
	return ok && w.now().Sub(e.seenAt) < w.ttl
}

// Claim marks key and reports true only the first time it is seen within the
// TTL. Check and mark happen under one lock.
func (w *Window) Claim(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if e, ok := w.seen[key]; ok {
		if now.Sub(e.seenAt) < w.ttl {
			return false
		}
		e.seenAt = now
		w.order.MoveToBack(e.element)
		return true
	}

	if len(w.seen) >= w.maxSize {
		if front := w.order.Front(); front != nil {
			oldest, _ := front.Value.(string)
			w.order.Remove(front)
			delete(w.seen, oldest)
		}
	}
	w.seen[key] = &entry{seenAt: now, element: w.order.PushBack(key)}
	return true
}

// Len returns the number of remembered keys, expired or not.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}

func (w *Window) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.expire()
		case <-w.done:
			return
		}
	}
}

// expire drops keys older than the TTL. Keys are ordered by mark time, so
// it stops at the first live one.
func (w *Window) expire() {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	for front := w.order.Front(); front != nil; front = w.order.Front() {
		key, _ := front.Value.(string)
		e := w.seen[key]
		if e != nil && now.Sub(e.seenAt) < w.ttl {
			return
		}
		w.order.Remove(front)
		delete(w.seen, key)
	}
}

// Close stops the sweeper. Safe to call more than once.
func (w *Window) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		close(w.done)
		w.closed = true
	}
}
