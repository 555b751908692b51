// ABOUTME: Routes session events to webhook deliveries with per-session URL resolution
// ABOUTME: Applies callback filtering, message dedupe, media republish and read receipts

package events

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/2389/relay-gateway/internal/connection"
	"github.com/2389/relay-gateway/internal/dedupe"
)

// Options configures a Dispatcher.
type Options struct {
	// BaseURL is the fallback webhook URL for every session.
	BaseURL string
	// SessionWebhooks maps session ids to their own webhook URLs.
	SessionWebhooks map[string]string
	// Disabled lists event data types that are never delivered.
	Disabled []string
	// MaxAttachmentSize is the exclusive upper bound for media republish.
	MaxAttachmentSize int64
	// MarkSeen sends read receipts for incoming messages.
	MarkSeen bool
	// SideEffectTimeout bounds media downloads and read receipts.
	SideEffectTimeout time.Duration
	// Getenv looks up per-session URL overrides. Defaults to os.Getenv.
	Getenv func(string) string
	Logger *slog.Logger
}

// Dispatcher turns session events into queued deliveries.
type Dispatcher struct {
	opts     Options
	disabled map[string]bool
	queue    *Queue
	window   *dedupe.Window
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewDispatcher creates a Dispatcher submitting to queue. window may be nil
// to disable dedupe.
func NewDispatcher(queue *Queue, window *dedupe.Window, opts Options) *Dispatcher {
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	if opts.SideEffectTimeout <= 0 {
		opts.SideEffectTimeout = 30 * time.Second
	}
	if opts.MaxAttachmentSize <= 0 {
		opts.MaxAttachmentSize = 10_000_000
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	disabled := make(map[string]bool, len(opts.Disabled))
	for _, name := range opts.Disabled {
		name = strings.TrimSpace(name)
		if name != "" {
			disabled[name] = true
		}
	}

	return &Dispatcher{
		opts:     opts,
		disabled: disabled,
		queue:    queue,
		window:   window,
		logger:   opts.Logger,
	}
}

// Enabled reports whether events of type t are delivered.
func (d *Dispatcher) Enabled(t connection.EventType) bool {
	return !d.disabled[string(t)] && !d.disabled[t.DataType()]
}

// ResolveURL returns the webhook URL for sessionID: the
// <SESSION_ID>_WEBHOOK_URL environment variable, then the configured
// per-session URL, then the base URL.
func (d *Dispatcher) ResolveURL(sessionID string) string {
	envKey := strings.ToUpper(strings.ReplaceAll(sessionID, "-", "_")) + "_WEBHOOK_URL"
	if url := d.opts.Getenv(envKey); url != "" {
		return url
	}
	if url := d.opts.SessionWebhooks[sessionID]; url != "" {
		return url
	}
	return d.opts.BaseURL
}

// Dispatch delivers evt for sessionID and starts its side effects. It never
// blocks on network I/O.
func (d *Dispatcher) Dispatch(sessionID string, client connection.Client, evt connection.Event) {
	if evt.Type.Internal() || !d.Enabled(evt.Type) {
		return
	}

	msg := evt.Message
	if msg != nil && msg.ID != "" && d.window != nil {
		if !d.window.Claim(dedupe.Key(sessionID, string(evt.Type), msg.ID)) {
			d.logger.Debug("dropping duplicate message event",
				"session_id", sessionID, "event", evt.Type, "message_id", msg.ID)
			return
		}
	}

	d.submit(sessionID, evt.Type, payloadData(evt))

	if msg == nil || client == nil {
		return
	}
	if msg.HasMedia && msg.MediaSize < d.opts.MaxAttachmentSize && d.Enabled(connection.EventMedia) {
		d.goSideEffect(func(ctx context.Context) { d.republishMedia(ctx, sessionID, client, msg) })
	}
	if d.opts.MarkSeen && evt.Type.MarksSeen() && msg.ChatID != "" {
		d.goSideEffect(func(ctx context.Context) {
			if err := client.SendSeen(ctx, msg.ChatID); err != nil {
				d.logger.Debug("sending read receipt", "session_id", sessionID, "error", err)
			}
		})
	}
}

// Wait blocks until in-flight side effects finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) submit(sessionID string, t connection.EventType, data map[string]any) {
	url := d.ResolveURL(sessionID)
	if url == "" {
		return
	}
	d.queue.Submit(Delivery{
		URL:       url,
		SessionID: sessionID,
		DataType:  t.DataType(),
		Data:      data,
	})
}

func (d *Dispatcher) goSideEffect(fn func(ctx context.Context)) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.opts.SideEffectTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func (d *Dispatcher) republishMedia(ctx context.Context, sessionID string, client connection.Client, msg *connection.Message) {
	media, err := client.DownloadMedia(ctx, msg)
	if err != nil {
		d.logger.Warn("downloading media", "session_id", sessionID, "message_id", msg.ID, "error", err)
		return
	}
	if media == nil {
		return
	}
	d.submit(sessionID, connection.EventMedia, connection.MessageData(msg, map[string]any{
		"messageMedia": media,
	}))
}

// payloadData returns the webhook data for evt.
func payloadData(evt connection.Event) map[string]any {
	if evt.Data != nil {
		return evt.Data
	}
	if evt.Message != nil {
		return connection.MessageData(evt.Message, nil)
	}
	return map[string]any{}
}
