// ABOUTME: In-memory scriptable connection client for tests and local development
// ABOUTME: Emits lifecycle events on demand and records sends, seen receipts and teardown

package fake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/relay-gateway/internal/connection"
)

// Behavior controls what a fake client does during Initialize.
type Behavior struct {
	// InitErr is returned from Initialize when set.
	InitErr error
	// InitBlock makes Initialize wait until its context is cancelled.
	InitBlock bool
	// QR is emitted as a qr event when non-empty.
	QR string
	// AutoReady emits authenticated and ready after Initialize.
	AutoReady bool
	// NoSurface leaves the execution surface missing after Initialize.
	NoSurface bool
}

// Surface is a controllable execution surface.
type Surface struct {
	closed  atomic.Bool
	mu      sync.Mutex
	evalErr error
	evals   int
}

// Closed implements connection.Surface.
func (s *Surface) Closed() bool { return s.closed.Load() }

// Evaluate implements connection.Surface.
func (s *Surface) Evaluate(ctx context.Context, _ string) error {
	s.mu.Lock()
	s.evals++
	err := s.evalErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return ctx.Err()
}

// SetClosed marks the surface closed or open.
func (s *Surface) SetClosed(closed bool) { s.closed.Store(closed) }

// SetEvalErr makes every Evaluate call fail with err.
func (s *Surface) SetEvalErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evalErr = err
}

// Evals returns how many probes have been run.
func (s *Surface) Evals() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evals
}

// Sent records a SendMessage call.
type Sent struct {
	ChatID  string
	Content string
}

// Client is a fake connection.Client.
type Client struct {
	SessionID string
	Dir       string

	behavior Behavior
	events   chan connection.Event

	mu         sync.Mutex
	state      string
	surface    *Surface
	sent       []Sent
	seen       []string
	sendErr    error
	closed     bool
	destroyed  bool
	loggedOut  bool
	initCalled bool
	counter    int
}

// NewClient returns a fake client with the given behavior.
func NewClient(sessionID, dir string, b Behavior) *Client {
	return &Client{
		SessionID: sessionID,
		Dir:       dir,
		behavior:  b,
		events:    make(chan connection.Event, 64),
		state:     "OPENING",
	}
}

// Initialize implements connection.Client.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	c.initCalled = true
	if !c.behavior.NoSurface && c.surface == nil {
		c.surface = &Surface{}
	}
	b := c.behavior
	c.mu.Unlock()

	if b.InitBlock {
		<-ctx.Done()
		return ctx.Err()
	}
	if b.InitErr != nil {
		return b.InitErr
	}
	if b.QR != "" {
		c.Emit(connection.Event{Type: connection.EventQR, QR: b.QR, Data: map[string]any{"qr": b.QR}})
	}
	if b.AutoReady {
		c.Ready()
	}
	return nil
}

// Ready marks the client connected and emits authenticated and ready.
func (c *Client) Ready() {
	c.SetState(connection.StateConnected)
	c.Emit(connection.Event{Type: connection.EventAuthenticated})
	c.Emit(connection.Event{Type: connection.EventReady})
}

// Disconnect marks the client disconnected and emits a disconnected event.
func (c *Client) Disconnect(reason string) {
	c.SetState("UNPAIRED")
	c.Emit(connection.Event{
		Type:   connection.EventDisconnected,
		Reason: reason,
		Data:   map[string]any{"reason": reason},
	})
}

// Crash closes the surface and emits execution_closed.
func (c *Client) Crash() {
	if s := c.FakeSurface(); s != nil {
		s.SetClosed(true)
	}
	c.Emit(connection.Event{Type: connection.EventExecutionClosed})
}

// Emit pushes an event unless the client is closed or its buffer is full.
func (c *Client) Emit(evt connection.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.events <- evt:
		return true
	default:
		return false
	}
}

// Destroy implements connection.Client.
func (c *Client) Destroy(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyed = true
	c.closeLocked()
	return nil
}

// Logout implements connection.Client.
func (c *Client) Logout(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loggedOut = true
	c.closeLocked()
	return nil
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	if c.surface != nil {
		c.surface.SetClosed(true)
	}
	close(c.events)
}

// State implements connection.Client.
func (c *Client) State(_ context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", connection.ErrClientClosed
	}
	return c.state, nil
}

// SetState sets the value reported by State.
func (c *Client) SetState(state string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
}

// SetSendErr makes SendMessage fail with err.
func (c *Client) SetSendErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// SendMessage implements connection.Client.
func (c *Client) SendMessage(_ context.Context, chatID, content string) (*connection.SentMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, connection.ErrClientClosed
	}
	if c.sendErr != nil {
		return nil, c.sendErr
	}
	c.counter++
	c.sent = append(c.sent, Sent{ChatID: chatID, Content: content})
	return &connection.SentMessage{
		ID:        fmt.Sprintf("true_%s_FAKE%04d", chatID, c.counter),
		ChatID:    chatID,
		Timestamp: time.Now().UTC(),
	}, nil
}

// SendSeen implements connection.Client.
func (c *Client) SendSeen(_ context.Context, chatID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, chatID)
	return nil
}

// DownloadMedia implements connection.Client.
func (c *Client) DownloadMedia(_ context.Context, msg *connection.Message) (*connection.Media, error) {
	if msg == nil || !msg.HasMedia {
		return nil, connection.ErrNoMedia
	}
	return &connection.Media{MimeType: "image/jpeg", Data: "ZmFrZQ==", Size: msg.MediaSize}, nil
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

// FakeSurface returns the concrete surface for test control.
func (c *Client) FakeSurface() *Surface {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.surface
}

// SentMessages returns a copy of all sent messages.
func (c *Client) SentMessages() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Sent, len(c.sent))
	copy(out, c.sent)
	return out
}

// SeenChats returns the chats marked as seen.
func (c *Client) SeenChats() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.seen))
	copy(out, c.seen)
	return out
}

// Destroyed reports whether Destroy was called.
func (c *Client) Destroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// LoggedOut reports whether Logout was called.
func (c *Client) LoggedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}

// Closed reports whether the client was destroyed or logged out.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ErrDriverFailure is returned by Driver.NewClient when FailNew is set.
var ErrDriverFailure = errors.New("fake driver failure")

// Driver hands out fake clients and remembers every one it built.
type Driver struct {
	mu       sync.Mutex
	behavior Behavior
	clients  map[string][]*Client
	failNew  bool
	onNew    func(*Client)
}

// NewDriver returns a driver whose clients use b.
func NewDriver(b Behavior) *Driver {
	return &Driver{behavior: b, clients: make(map[string][]*Client)}
}

// Name implements connection.Driver.
func (d *Driver) Name() string { return "fake" }

// NewClient implements connection.Driver.
func (d *Driver) NewClient(sessionID, dir string) (connection.Client, error) {
	d.mu.Lock()
	if d.failNew {
		d.mu.Unlock()
		return nil, ErrDriverFailure
	}
	c := NewClient(sessionID, dir, d.behavior)
	d.clients[sessionID] = append(d.clients[sessionID], c)
	hook := d.onNew
	d.mu.Unlock()

	if hook != nil {
		hook(c)
	}
	return c, nil
}

// SetBehavior changes the behavior of clients built from now on.
func (d *Driver) SetBehavior(b Behavior) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.behavior = b
}

// SetFailNew makes NewClient fail.
func (d *Driver) SetFailNew(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNew = fail
}

// OnNew registers a hook called for each new client.
func (d *Driver) OnNew(fn func(*Client)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onNew = fn
}

// Clients returns every client built for sessionID, oldest first.
func (d *Driver) Clients(sessionID string) []*Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Client, len(d.clients[sessionID]))
	copy(out, d.clients[sessionID])
	return out
}

// Latest returns the newest client for sessionID, or nil.
func (d *Driver) Latest(sessionID string) *Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.clients[sessionID]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}
