// ABOUTME: In-memory WebhookStore implementation for testing
// ABOUTME: Mirrors SQLiteStore semantics including the history cap

package store

import (
	"context"
	"sort"
	"sync"
)

// MockStore is an in-memory WebhookStore for tests.
type MockStore struct {
	mu       sync.RWMutex
	webhooks map[string]*Webhook
	history  []*HistoryEntry // oldest first

	// AppendErr, when set, is returned by AppendHistory.
	AppendErr error
}

var _ WebhookStore = (*MockStore)(nil)

// NewMockStore creates an empty MockStore.
func NewMockStore() *MockStore {
	return &MockStore{webhooks: make(map[string]*Webhook)}
}

// CreateWebhook stores a copy of w.
func (m *MockStore) CreateWebhook(_ context.Context, w *Webhook) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.webhooks[w.ID]; ok {
		return ErrDuplicateWebhook
	}
	c := *w
	m.webhooks[w.ID] = &c
	return nil
}

// GetWebhook returns a copy of the webhook.
func (m *MockStore) GetWebhook(_ context.Context, id string) (*Webhook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.webhooks[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *w
	return &c, nil
}

// UpdateWebhook replaces the stored webhook, keeping its creation time.
func (m *MockStore) UpdateWebhook(_ context.Context, w *Webhook) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.webhooks[w.ID]
	if !ok {
		return ErrNotFound
	}
	c := *w
	c.CreatedAt = cur.CreatedAt
	m.webhooks[w.ID] = &c
	return nil
}

// DeleteWebhook removes the webhook and its history.
func (m *MockStore) DeleteWebhook(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.webhooks[id]; !ok {
		return ErrNotFound
	}
	delete(m.webhooks, id)

	kept := m.history[:0]
	for _, e := range m.history {
		if e.WebhookID != id {
			kept = append(kept, e)
		}
	}
	m.history = kept
	return nil
}

// ListWebhooks returns copies of all webhooks, newest first.
func (m *MockStore) ListWebhooks(_ context.Context) ([]*Webhook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Webhook, 0, len(m.webhooks))
	for _, w := range m.webhooks {
		c := *w
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// ReplaceWebhooks swaps the whole set. A duplicate id leaves the store unchanged.
func (m *MockStore) ReplaceWebhooks(_ context.Context, webhooks []*Webhook) error {
	next := make(map[string]*Webhook, len(webhooks))
	for _, w := range webhooks {
		if _, dup := next[w.ID]; dup {
			return ErrDuplicateWebhook
		}
		c := *w
		next[w.ID] = &c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhooks = next
	return nil
}

// AppendHistory appends e and trims to the newest keep entries.
func (m *MockStore) AppendHistory(_ context.Context, e *HistoryEntry, keep int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.AppendErr != nil {
		return m.AppendErr
	}
	if keep <= 0 {
		keep = DefaultHistoryLimit
	}
	c := *e
	m.history = append(m.history, &c)
	if over := len(m.history) - keep; over > 0 {
		m.history = append([]*HistoryEntry(nil), m.history[over:]...)
	}
	return nil
}

// ListHistory returns entries newest first.
func (m *MockStore) ListHistory(_ context.Context, f HistoryFilter) ([]*HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*HistoryEntry
	for i := len(m.history) - 1; i >= 0; i-- {
		e := m.history[i]
		if f.WebhookID != "" && e.WebhookID != f.WebhookID {
			continue
		}
		c := *e
		out = append(out, &c)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// CountHistory returns the number of stored entries.
func (m *MockStore) CountHistory(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.history), nil
}

// Close is a no-op.
func (m *MockStore) Close() error { return nil }
