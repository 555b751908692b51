// ABOUTME: Webhook registration management over the webhook store
// ABOUTME: Creates, patches, toggles, re-keys, deletes and bulk-imports registrations

package webhook

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/relay-gateway/internal/connection"
	"github.com/2389/relay-gateway/internal/ratelimit"
	"github.com/2389/relay-gateway/internal/session"
	"github.com/2389/relay-gateway/internal/store"
)

var (
	// ErrInvalidInput is returned for registrations that fail validation.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound is returned when a webhook id is unknown.
	ErrNotFound = errors.New("webhook not found")
)

const (
	DefaultRateLimit = 10
	MaxRateLimit     = 1000

	tokenPrefix = "whsec_"
	idPrefix    = "wh_"
	histPrefix  = "hist_"
)

// Sessions is the part of the session manager the registry needs.
type Sessions interface {
	Validate(ctx context.Context, sessionID string) session.Validation
	Send(ctx context.Context, sessionID, chatID, content string) (*connection.SentMessage, error)
}

// Options configures a Registry.
type Options struct {
	DefaultRateLimit int
	// HistoryLimit caps stored history rows.
	HistoryLimit int
	Now          func() time.Time
	Logger       *slog.Logger
}

// Registry manages webhook registrations and serves inbound calls.
type Registry struct {
	store    store.WebhookStore
	sessions Sessions
	limiter  *ratelimit.Limiter
	opts     Options
	logger   *slog.Logger

	// locks serializes read-modify-write changes per webhook id.
	locks idLocks
}

type idLock struct {
	mu   sync.Mutex
	refs int
}

// idLocks hands out one mutex per id, dropping it once nobody holds or waits on it.
type idLocks struct {
	mu sync.Mutex
	m  map[string]*idLock
}

func (l *idLocks) lock(id string) func() {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[string]*idLock)
	}
	e := l.m[id]
	if e == nil {
		e = &idLock{}
		l.m[id] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.m, id)
		}
		l.mu.Unlock()
	}
}

// NewRegistry creates a Registry.
func NewRegistry(st store.WebhookStore, sessions Sessions, limiter *ratelimit.Limiter, opts Options) *Registry {
	if opts.DefaultRateLimit <= 0 {
		opts.DefaultRateLimit = DefaultRateLimit
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = store.DefaultHistoryLimit
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.Options{})
	}
	return &Registry{
		store:    st,
		sessions: sessions,
		limiter:  limiter,
		opts:     opts,
		logger:   opts.Logger,
	}
}

// CreateInput describes a new registration.
type CreateInput struct {
	Name      string `json:"name"`
	SessionID string `json:"sessionId"`
	ChatID    string `json:"chatId"`
	ChatName  string `json:"chatName"`
	RateLimit *int   `json:"rateLimit"`
	Enabled   *bool  `json:"enabled"`
}

// UpdateInput patches a registration. Nil fields are left unchanged.
type UpdateInput struct {
	Name      *string `json:"name"`
	SessionID *string `json:"sessionId"`
	ChatID    *string `json:"chatId"`
	ChatName  *string `json:"chatName"`
	RateLimit *int    `json:"rateLimit"`
	Enabled   *bool   `json:"enabled"`
}

// NewToken returns a fresh secret token: whsec_ followed by 48 hex digits.
func NewToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return tokenPrefix + hex.EncodeToString(buf), nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func checkRateLimit(limit int) error {
	if limit < 1 || limit > MaxRateLimit {
		return invalid("rateLimit must be between 1 and %d", MaxRateLimit)
	}
	return nil
}

func normalizeSession(raw string) (string, error) {
	id, err := session.NormalizeID(raw)
	if err != nil {
		return "", invalid("sessionId %q is not a valid session id", raw)
	}
	return id, nil
}

func mapStoreErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// Create validates in and stores a new registration with a generated id and token.
func (r *Registry) Create(ctx context.Context, in CreateInput) (*store.Webhook, error) {
	name := strings.TrimSpace(in.Name)
	chatID := strings.TrimSpace(in.ChatID)
	if name == "" || strings.TrimSpace(in.SessionID) == "" || chatID == "" {
		return nil, invalid("name, sessionId and chatId are required")
	}
	sessionID, err := normalizeSession(in.SessionID)
	if err != nil {
		return nil, err
	}

	limit := r.opts.DefaultRateLimit
	if in.RateLimit != nil {
		limit = *in.RateLimit
	}
	if err := checkRateLimit(limit); err != nil {
		return nil, err
	}
	enabled := true
	if in.Enabled != nil {
		enabled = *in.Enabled
	}

	token, err := NewToken()
	if err != nil {
		return nil, err
	}
	now := r.opts.Now()
	w := &store.Webhook{
		ID:          idPrefix + uuid.NewString(),
		Name:        name,
		SessionID:   sessionID,
		ChatID:      chatID,
		ChatName:    strings.TrimSpace(in.ChatName),
		SecretToken: token,
		RateLimit:   limit,
		Enabled:     enabled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.store.CreateWebhook(ctx, w); err != nil {
		return nil, fmt.Errorf("creating webhook: %w", err)
	}

	r.logger.Info("webhook created", "webhook_id", w.ID, "session_id", w.SessionID, "chat_id", w.ChatID)
	return w, nil
}

// Get returns a registration.
func (r *Registry) Get(ctx context.Context, id string) (*store.Webhook, error) {
	w, err := r.store.GetWebhook(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return w, nil
}

// List returns every registration, newest first.
func (r *Registry) List(ctx context.Context) ([]*store.Webhook, error) {
	list, err := r.store.ListWebhooks(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing webhooks: %w", err)
	}
	if list == nil {
		list = []*store.Webhook{}
	}
	return list, nil
}

// Update applies the non-nil fields of in.
func (r *Registry) Update(ctx context.Context, id string, in UpdateInput) (*store.Webhook, error) {
	return r.mutate(ctx, id, func(w *store.Webhook) error {
		if in.Name != nil {
			name := strings.TrimSpace(*in.Name)
			if name == "" {
				return invalid("name must not be empty")
			}
			w.Name = name
		}
		if in.SessionID != nil {
			sessionID, err := normalizeSession(*in.SessionID)
			if err != nil {
				return err
			}
			w.SessionID = sessionID
		}
		if in.ChatID != nil {
			chatID := strings.TrimSpace(*in.ChatID)
			if chatID == "" {
				return invalid("chatId must not be empty")
			}
			w.ChatID = chatID
		}
		if in.ChatName != nil {
			w.ChatName = strings.TrimSpace(*in.ChatName)
		}
		if in.RateLimit != nil {
			if err := checkRateLimit(*in.RateLimit); err != nil {
				return err
			}
			w.RateLimit = *in.RateLimit
		}
		if in.Enabled != nil {
			w.Enabled = *in.Enabled
		}
		return nil
	})
}

// Toggle flips the enabled flag.
func (r *Registry) Toggle(ctx context.Context, id string) (*store.Webhook, error) {
	w, err := r.mutate(ctx, id, func(w *store.Webhook) error {
		w.Enabled = !w.Enabled
		return nil
	})
	if err == nil {
		r.logger.Info("webhook toggled", "webhook_id", id, "enabled", w.Enabled)
	}
	return w, err
}

// RegenerateToken replaces the secret token. The old token stops working at once.
func (r *Registry) RegenerateToken(ctx context.Context, id string) (*store.Webhook, error) {
	token, err := NewToken()
	if err != nil {
		return nil, err
	}
	w, err := r.mutate(ctx, id, func(w *store.Webhook) error {
		w.SecretToken = token
		return nil
	})
	if err == nil {
		r.logger.Info("webhook token regenerated", "webhook_id", id)
	}
	return w, err
}

// mutate reads, patches and writes back one registration while holding the
// id's lock, so concurrent Update, Toggle and RegenerateToken calls never
// overwrite each other's fields.
func (r *Registry) mutate(ctx context.Context, id string, apply func(*store.Webhook) error) (*store.Webhook, error) {
	unlock := r.locks.lock(id)
	defer unlock()

	w, err := r.store.GetWebhook(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if err := apply(w); err != nil {
		return nil, err
	}
	w.UpdatedAt = r.opts.Now()
	if err := r.store.UpdateWebhook(ctx, w); err != nil {
		return nil, fmt.Errorf("updating webhook: %w", mapStoreErr(err))
	}
	return w, nil
}

// Delete removes a registration, its history and its rate window.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.store.DeleteWebhook(ctx, id); err != nil {
		return mapStoreErr(err)
	}
	r.limiter.Forget(id)
	r.logger.Info("webhook deleted", "webhook_id", id)
	return nil
}

// Sync replaces every registration with webhooks in one transaction. Missing
// ids, tokens and timestamps are generated; rate limits are validated.
func (r *Registry) Sync(ctx context.Context, webhooks []store.Webhook) ([]*store.Webhook, error) {
	previous, err := r.store.ListWebhooks(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing webhooks: %w", err)
	}

	now := r.opts.Now()
	next := make([]*store.Webhook, 0, len(webhooks))
	seen := make(map[string]bool, len(webhooks))
	for i := range webhooks {
		w := webhooks[i]
		if strings.TrimSpace(w.Name) == "" || strings.TrimSpace(w.ChatID) == "" {
			return nil, invalid("webhook %d: name and chatId are required", i)
		}
		if w.SessionID, err = normalizeSession(w.SessionID); err != nil {
			return nil, err
		}
		if w.RateLimit == 0 {
			w.RateLimit = r.opts.DefaultRateLimit
		}
		if err := checkRateLimit(w.RateLimit); err != nil {
			return nil, err
		}
		if w.ID == "" {
			w.ID = idPrefix + uuid.NewString()
		}
		if seen[w.ID] {
			return nil, invalid("duplicate webhook id %s", w.ID)
		}
		seen[w.ID] = true
		if w.SecretToken == "" {
			if w.SecretToken, err = NewToken(); err != nil {
				return nil, err
			}
		}
		if w.CreatedAt.IsZero() {
			w.CreatedAt = now
		}
		w.UpdatedAt = now
		next = append(next, &w)
	}

	if err := r.store.ReplaceWebhooks(ctx, next); err != nil {
		return nil, fmt.Errorf("syncing webhooks: %w", err)
	}
	for _, old := range previous {
		if !seen[old.ID] {
			r.limiter.Forget(old.ID)
		}
	}

	r.logger.Info("webhooks synced", "count", len(next), "previous", len(previous))
	return next, nil
}

// History returns call history newest first. The limit is capped at the
// configured history size.
func (r *Registry) History(ctx context.Context, f store.HistoryFilter) ([]*store.HistoryEntry, error) {
	if f.Limit <= 0 || f.Limit > r.opts.HistoryLimit {
		f.Limit = r.opts.HistoryLimit
	}
	entries, err := r.store.ListHistory(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("listing history: %w", err)
	}
	if entries == nil {
		entries = []*store.HistoryEntry{}
	}
	return entries, nil
}
