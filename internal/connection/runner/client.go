// ABOUTME: connection.Client backed by a WebSocket to a remote automation runner
// ABOUTME: Routes responses to pending requests by id and turns event frames into typed events

package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/2389/relay-gateway/internal/connection"
)

// ErrConnectionLost is returned for requests cut off by the socket closing.
var ErrConnectionLost = errors.New("runner connection lost")

// Options configures a Driver.
type Options struct {
	// URL is the runner base URL (ws, wss, http or https).
	URL            string
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	// APIKey is sent as x-api-key on the upgrade request when set.
	APIKey string
	// ReadLimit caps a single frame. Media frames need room.
	ReadLimit int64
	Logger    *slog.Logger
}

// Driver builds runner clients.
type Driver struct {
	base *url.URL
	opts Options
}

// NewDriver validates opts and returns a Driver.
func NewDriver(opts Options) (*Driver, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing runner url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, fmt.Errorf("runner url %q: unsupported scheme %q", opts.URL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("runner url %q: missing host", opts.URL)
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 32 << 20
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Driver{base: u, opts: opts}, nil
}

// Name implements connection.Driver.
func (d *Driver) Name() string { return "runner" }

// NewClient implements connection.Driver. Nothing is dialed until Initialize.
func (d *Driver) NewClient(sessionID, dir string) (connection.Client, error) {
	u := *d.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/session/" + url.PathEscape(sessionID)
	return newClient(sessionID, dir, u.String(), d.opts), nil
}

// Client is a runner-backed connection.Client.
type Client struct {
	sessionID string
	dir       string
	url       string
	opts      Options
	logger    *slog.Logger

	events chan connection.Event
	stop   chan struct{}
	done   chan struct{}

	mu      sync.Mutex
	conn    *websocket.Conn
	cancel  context.CancelFunc
	pending map[string]chan *Frame
	surface *surface
	closed  bool
	dead    bool
}

func newClient(sessionID, dir, rawURL string, opts Options) *Client {
	return &Client{
		sessionID: sessionID,
		dir:       dir,
		url:       rawURL,
		opts:      opts,
		logger:    opts.Logger.With("component", "runner", "session_id", sessionID),
		events:    make(chan connection.Event, 64),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		pending:   make(map[string]chan *Frame),
	}
}

// Initialize dials the runner and asks it to start the session.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return connection.ErrClientClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return fmt.Errorf("runner session %s already initialized", c.sessionID)
	}
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()

	header := http.Header{}
	if c.opts.APIKey != "" {
		header.Set("x-api-key", c.opts.APIKey)
	}
	conn, _, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return fmt.Errorf("dialing runner: %w", err)
	}
	conn.SetReadLimit(c.opts.ReadLimit)

	loopCtx, loopCancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		loopCancel()
		conn.CloseNow()
		return connection.ErrClientClosed
	}
	c.conn = conn
	c.cancel = loopCancel
	c.mu.Unlock()

	go c.readLoop(loopCtx, conn)

	params := InitializeParams{SessionID: c.sessionID, DataDir: c.dir}
	if err := c.call(ctx, OpInitialize, params, nil); err != nil {
		return err
	}
	c.logger.Debug("runner session initialized")
	return nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer close(c.done)
	defer close(c.events)

	for {
		var f Frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			c.mu.Lock()
			closing := c.closed
			c.dead = true
			if c.surface != nil {
				c.surface.closed.Store(true)
			}
			for id, ch := range c.pending {
				close(ch)
				delete(c.pending, id)
			}
			c.mu.Unlock()

			if !closing {
				c.logger.Warn("runner connection dropped", "error", err)
				c.push(connection.Event{
					Type: connection.EventExecutionClosed,
					Data: map[string]any{"error": err.Error()},
				})
			}
			return
		}

		if f.IsResponse() {
			c.resolve(&f)
			continue
		}
		if f.Event != "" {
			c.handleEvent(&f)
		}
	}
}

func (c *Client) resolve(f *Frame) {
	c.mu.Lock()
	ch, ok := c.pending[f.ID]
	if ok {
		delete(c.pending, f.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("received response for unknown request", "request_id", f.ID)
		return
	}
	ch <- f
}

func (c *Client) handleEvent(f *Frame) {
	t, ok := connection.ParseEventType(f.Event)
	if !ok {
		c.logger.Debug("ignoring unknown runner event", "event", f.Event)
		return
	}

	evt := connection.Event{Type: t, Data: f.Data}
	switch t {
	case connection.EventExecutionReady:
		c.mu.Lock()
		if c.surface == nil || c.surface.closed.Load() {
			c.surface = &surface{client: c}
		}
		c.mu.Unlock()
	case connection.EventExecutionClosed:
		c.mu.Lock()
		if c.surface != nil {
			c.surface.closed.Store(true)
		}
		c.mu.Unlock()
	case connection.EventExecutionError:
		evt.Err = errors.New(stringField(f.Data, "error"))
	case connection.EventQR:
		evt.QR = stringField(f.Data, "qr")
	case connection.EventDisconnected:
		evt.Reason = stringField(f.Data, "reason")
	case connection.EventChangeState:
		evt.State = stringField(f.Data, "state")
	}

	if raw, ok := f.Data["message"]; ok {
		evt.Message = decodeMessage(raw)
	}
	c.push(evt)
}

// push delivers evt unless the client is being torn down.
func (c *Client) push(evt connection.Event) {
	select {
	case c.events <- evt:
	case <-c.stop:
	}
}

func stringField(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

func decodeMessage(raw any) *connection.Message {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var msg connection.Message
	if err := json.Unmarshal(b, &msg); err != nil {
		return nil
	}
	return &msg
}

// call sends op and waits for its response. out may be nil.
func (c *Client) call(ctx context.Context, op string, params, out any) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return connection.ErrClientClosed
	}
	return c.do(ctx, op, params, out)
}

func (c *Client) do(ctx context.Context, op string, params, out any) error {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encoding %s params: %w", op, err)
		}
		raw = b
	}

	id := uuid.NewString()
	ch := make(chan *Frame, 1)

	c.mu.Lock()
	conn := c.conn
	switch {
	case conn == nil:
		c.mu.Unlock()
		return connection.ErrNotInitialized
	case c.dead:
		c.mu.Unlock()
		return ErrConnectionLost
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	if err := wsjson.Write(ctx, conn, Frame{ID: id, Op: op, Params: raw}); err != nil {
		return fmt.Errorf("runner %s: writing request: %w", op, err)
	}

	select {
	case f, ok := <-ch:
		if !ok {
			return ErrConnectionLost
		}
		if f.Error != "" {
			return &RemoteError{Op: op, Message: f.Error}
		}
		if out != nil && len(f.Result) > 0 {
			if err := json.Unmarshal(f.Result, out); err != nil {
				return fmt.Errorf("runner %s: decoding result: %w", op, err)
			}
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("runner %s: %w", op, ctx.Err())
	}
}

// Destroy implements connection.Client.
func (c *Client) Destroy(ctx context.Context) error {
	return c.shutdown(ctx, OpDestroy)
}

// Logout implements connection.Client.
func (c *Client) Logout(ctx context.Context) error {
	return c.shutdown(ctx, OpLogout)
}

func (c *Client) shutdown(ctx context.Context, op string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn, cancel, dead := c.conn, c.cancel, c.dead
	c.mu.Unlock()

	close(c.stop)
	if conn == nil {
		close(c.events)
		return nil
	}

	var opErr error
	if !dead {
		opErr = c.do(ctx, op, nil, nil)
		if opErr != nil {
			c.logger.Debug("runner teardown request failed", "op", op, "error", opErr)
		}
	}
	_ = conn.Close(websocket.StatusNormalClosure, op)
	cancel()

	select {
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if op == OpLogout && opErr != nil && !errors.Is(opErr, ErrConnectionLost) {
		return opErr
	}
	return nil
}

// State implements connection.Client.
func (c *Client) State(ctx context.Context) (string, error) {
	var res StateResult
	if err := c.call(ctx, OpGetState, nil, &res); err != nil {
		return "", err
	}
	return res.State, nil
}

// SendMessage implements connection.Client.
func (c *Client) SendMessage(ctx context.Context, chatID, content string) (*connection.SentMessage, error) {
	var res SendResult
	if err := c.call(ctx, OpSendMessage, SendMessageParams{ChatID: chatID, Content: content}, &res); err != nil {
		return nil, err
	}
	sent := &connection.SentMessage{ID: res.ID, ChatID: res.ChatID}
	if res.Timestamp > 0 {
		sent.Timestamp = time.UnixMilli(res.Timestamp).UTC()
	}
	return sent, nil
}

// SendSeen implements connection.Client.
func (c *Client) SendSeen(ctx context.Context, chatID string) error {
	return c.call(ctx, OpSendSeen, ChatParams{ChatID: chatID}, nil)
}

// DownloadMedia implements connection.Client.
func (c *Client) DownloadMedia(ctx context.Context, msg *connection.Message) (*connection.Media, error) {
	if msg == nil || !msg.HasMedia {
		return nil, connection.ErrNoMedia
	}
	var media connection.Media
	if err := c.call(ctx, OpDownloadMedia, MediaParams{MessageID: msg.ID, ChatID: msg.ChatID}, &media); err != nil {
		return nil, err
	}
	return &media, nil
}

// Events implements connection.Client.
func (c *Client) Events() <-chan connection.Event { return c.events }

// Surface implements connection.Client.
func (c *Client) Surface() connection.Surface {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.surface == nil {
		return nil
	}
	return c.surface
}

type surface struct {
	client *Client
	closed atomic.Bool
}

func (s *surface) Closed() bool { return s.closed.Load() }

func (s *surface) Evaluate(ctx context.Context, expr string) error {
	if s.closed.Load() {
		return ErrConnectionLost
	}
	return s.client.call(ctx, OpEvaluate, EvaluateParams{Expression: expr}, nil)
}
