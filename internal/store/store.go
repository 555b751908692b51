// ABOUTME: WebhookStore interface and data types for relay-gateway persistence
// ABOUTME: Defines Webhook, HistoryEntry and the history filter

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateWebhook is returned when a webhook id is already taken
var ErrDuplicateWebhook = errors.New("webhook already exists")

// DefaultHistoryLimit is the global cap on stored history rows
const DefaultHistoryLimit = 500

// History status values
const (
	HistorySuccess = "success"
	HistoryError   = "error"
)

// Webhook is an inbound webhook registration
type Webhook struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	SessionID   string    `json:"sessionId"`
	ChatID      string    `json:"chatId"`
	ChatName    string    `json:"chatName,omitempty"`
	SecretToken string    `json:"secretToken"`
	RateLimit   int       `json:"rateLimit"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// HistoryEntry records the outcome of one inbound webhook call
type HistoryEntry struct {
	ID         string          `json:"id"`
	WebhookID  string          `json:"webhookId"`
	Timestamp  time.Time       `json:"timestamp"`
	Status     string          `json:"status"`
	StatusCode int             `json:"statusCode"`
	Payload    string          `json:"payload"`
	Response   json.RawMessage `json:"response,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// HistoryFilter narrows a history listing. Zero values mean no filter.
type HistoryFilter struct {
	WebhookID string
	Limit     int
}

// WebhookStore is the persistence contract used by the webhook registry
type WebhookStore interface {
	CreateWebhook(ctx context.Context, w *Webhook) error
	GetWebhook(ctx context.Context, id string) (*Webhook, error)
	UpdateWebhook(ctx context.Context, w *Webhook) error
	// DeleteWebhook removes the webhook and its history
	DeleteWebhook(ctx context.Context, id string) error
	ListWebhooks(ctx context.Context) ([]*Webhook, error)
	// ReplaceWebhooks swaps the whole registration set atomically
	ReplaceWebhooks(ctx context.Context, webhooks []*Webhook) error

	// AppendHistory inserts e and keeps only the newest keep rows
	AppendHistory(ctx context.Context, e *HistoryEntry, keep int) error
	// ListHistory returns entries newest first
	ListHistory(ctx context.Context, f HistoryFilter) ([]*HistoryEntry, error)
	CountHistory(ctx context.Context) (int, error)

	Close() error
}
