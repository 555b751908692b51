// ABOUTME: connection.Client backed by a Matrix account through mautrix
// ABOUTME: Sync drives the event stream; sends resolve chat ids to rooms, creating direct rooms on demand

package matrix

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/relay-gateway/internal/connection"
)

const (
	stateOpening = "OPENING"
	// maxMediaRefs bounds the message id to content URI cache.
	maxMediaRefs = 1024
)

// Options configures a Driver.
type Options struct {
	// CredentialsFile is the file name inside each session folder.
	CredentialsFile string
	Logger          *slog.Logger
}

// Driver builds Matrix clients from per-session credentials.
type Driver struct {
	opts Options
}

// NewDriver returns a Driver.
func NewDriver(opts Options) *Driver {
	if opts.CredentialsFile == "" {
		opts.CredentialsFile = "matrix.toml"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Driver{opts: opts}
}

// Name implements connection.Driver.
func (d *Driver) Name() string { return "matrix" }

// NewClient implements connection.Driver. The credentials file must exist.
func (d *Driver) NewClient(sessionID, dir string) (connection.Client, error) {
	creds, err := LoadCredentials(filepath.Join(dir, d.opts.CredentialsFile))
	if err != nil {
		return nil, err
	}
	cli, err := mautrix.NewClient(creds.Homeserver, id.UserID(creds.UserID), creds.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	cli.DeviceID = id.DeviceID(creds.DeviceID)

	return &Client{
		sessionID: sessionID,
		self:      id.UserID(creds.UserID),
		matrix:    cli,
		logger:    d.opts.Logger.With("component", "matrix", "session_id", sessionID),
		events:    make(chan connection.Event, 64),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		state:     stateOpening,
		direct:    make(map[id.UserID]id.RoomID),
		directRev: make(map[id.RoomID]id.UserID),
		lastEvent: make(map[id.RoomID]id.EventID),
		media:     make(map[string]mediaRef),
	}, nil
}

type mediaRef struct {
	uri  id.ContentURI
	mime string
	name string
	size int64
}

// Client is a Matrix-backed connection.Client.
type Client struct {
	sessionID string
	self      id.UserID
	matrix    *mautrix.Client
	logger    *slog.Logger

	events chan connection.Event
	stop   chan struct{}
	done   chan struct{}

	mu        sync.Mutex
	state     string
	started   bool
	closed    bool
	cancel    context.CancelFunc
	surface   *surface
	direct    map[id.UserID]id.RoomID
	directRev map[id.RoomID]id.UserID
	lastEvent map[id.RoomID]id.EventID
	media     map[string]mediaRef
	mediaIDs  []string
}

// Initialize verifies the access token and starts syncing.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return connection.ErrClientClosed
	}
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("matrix session %s already initialized", c.sessionID)
	}
	c.started = true
	c.mu.Unlock()

	who, err := c.matrix.Whoami(ctx)
	if err != nil {
		if errors.Is(err, mautrix.MUnknownToken) || errors.Is(err, mautrix.MMissingToken) {
			c.push(connection.Event{
				Type: connection.EventAuthFailure,
				Data: map[string]any{"msg": err.Error()},
			})
		}
		c.finish()
		return fmt.Errorf("verifying matrix token: %w", err)
	}
	if c.matrix.DeviceID == "" {
		c.matrix.DeviceID = who.DeviceID
	}

	syncer, ok := c.matrix.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		c.finish()
		return fmt.Errorf("unexpected syncer type: %T", c.matrix.Syncer)
	}
	syncer.OnSync(c.onSync)
	syncer.OnSync(c.matrix.DontProcessOldEvents)
	syncer.OnEventType(event.EventMessage, c.onMessage)

	loopCtx, cancel := context.WithCancel(context.Background())
	s := &surface{client: c}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return connection.ErrClientClosed
	}
	c.cancel = cancel
	c.surface = s
	c.mu.Unlock()

	go c.syncLoop(loopCtx, s)
	c.push(connection.Event{Type: connection.EventExecutionReady})
	c.logger.Info("matrix sync started", "user_id", c.self.String())
	return nil
}

// finish closes the event stream for a client whose sync never started.
func (c *Client) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	select {
	case <-c.done:
	default:
		close(c.stop)
		close(c.events)
		close(c.done)
	}
}

func (c *Client) syncLoop(ctx context.Context, s *surface) {
	defer close(c.done)
	defer close(c.events)

	err := c.matrix.SyncWithContext(ctx)
	s.closed.Store(true)

	c.mu.Lock()
	closing := c.closed
	c.mu.Unlock()
	if closing {
		return
	}

	reason := "sync stopped"
	if err != nil {
		reason = err.Error()
	}
	c.logger.Warn("matrix sync ended", "error", err)
	c.push(connection.Event{
		Type: connection.EventExecutionClosed,
		Data: map[string]any{"error": reason},
	})
}

func (c *Client) onSync(_ context.Context, _ *mautrix.RespSync, since string) bool {
	c.mu.Lock()
	first := c.state != connection.StateConnected
	c.state = connection.StateConnected
	c.mu.Unlock()

	if first {
		c.logger.Info("matrix session ready", "since", since)
		c.push(connection.Event{Type: connection.EventAuthenticated})
		c.push(connection.Event{Type: connection.EventReady})
	}
	return true
}

func (c *Client) onMessage(_ context.Context, evt *event.Event) {
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return
	}

	c.mu.Lock()
	c.lastEvent[evt.RoomID] = evt.ID
	chatID := RoomChatID(evt.RoomID)
	if user, ok := c.directRev[evt.RoomID]; ok {
		chatID = UserChatID(user)
	}
	c.mu.Unlock()

	msg := &connection.Message{
		ID:        evt.ID.String(),
		ChatID:    chatID,
		From:      UserChatID(evt.Sender),
		Author:    evt.Sender.String(),
		Body:      content.Body,
		Type:      string(content.MsgType),
		Timestamp: evt.Timestamp / 1000,
		FromMe:    evt.Sender == c.self,
	}
	if content.URL != "" {
		if uri, err := content.URL.Parse(); err == nil {
			msg.HasMedia = true
			ref := mediaRef{uri: uri, name: content.FileName}
			if content.Info != nil {
				ref.mime = content.Info.MimeType
				ref.size = int64(content.Info.Size)
				msg.MediaSize = ref.size
			}
			c.rememberMedia(msg.ID, ref)
		}
	}

	data := connection.MessageData(msg, nil)
	c.push(connection.Event{Type: connection.EventMessageCreate, Message: msg, Data: data})
	if !msg.FromMe {
		c.push(connection.Event{Type: connection.EventMessage, Message: msg, Data: data})
	}
}

func (c *Client) rememberMedia(msgID string, ref mediaRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.media[msgID]; !ok {
		c.mediaIDs = append(c.mediaIDs, msgID)
	}
	c.media[msgID] = ref
	for len(c.mediaIDs) > maxMediaRefs {
		delete(c.media, c.mediaIDs[0])
		c.mediaIDs = c.mediaIDs[1:]
	}
}

func (c *Client) push(evt connection.Event) {
	select {
	case c.events <- evt:
	case <-c.stop:
	}
}

// Destroy implements connection.Client.
func (c *Client) Destroy(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()

	close(c.stop)
	if cancel == nil {
		// Sync never started; nobody else closes the stream.
		c.mu.Lock()
		select {
		case <-c.done:
		default:
			close(c.events)
			close(c.done)
		}
		c.mu.Unlock()
		return nil
	}

	cancel()
	c.matrix.StopSync()
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Logout invalidates the access token, then tears the client down.
func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil
	}

	_, err := c.matrix.Logout(ctx)
	if derr := c.Destroy(ctx); err == nil {
		err = derr
	}
	if err != nil {
		return fmt.Errorf("matrix logout: %w", err)
	}
	return nil
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

func (c *Client) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return connection.ErrClientClosed
	case c.surface == nil:
		return connection.ErrNotInitialized
	}
	return nil
}

// resolveRoom maps chatID to a room, creating a direct room for new users.
func (c *Client) resolveRoom(ctx context.Context, chatID string) (id.RoomID, error) {
	room, user, err := ParseChatID(chatID)
	if err != nil {
		return "", err
	}
	if room != "" {
		return room, nil
	}

	c.mu.Lock()
	room, ok := c.direct[user]
	c.mu.Unlock()
	if ok {
		return room, nil
	}

	resp, err := c.matrix.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Invite:   []id.UserID{user},
		IsDirect: true,
		Preset:   "trusted_private_chat",
	})
	if err != nil {
		return "", fmt.Errorf("creating direct room with %s: %w", user, err)
	}

	c.mu.Lock()
	c.direct[user] = resp.RoomID
	c.directRev[resp.RoomID] = user
	c.mu.Unlock()
	c.logger.Info("created direct room", "user", user.String(), "room", resp.RoomID.String())
	return resp.RoomID, nil
}

// SendMessage implements connection.Client.
func (c *Client) SendMessage(ctx context.Context, chatID, content string) (*connection.SentMessage, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	room, err := c.resolveRoom(ctx, chatID)
	if err != nil {
		return nil, err
	}
	resp, err := c.matrix.SendText(ctx, room, content)
	if err != nil {
		return nil, fmt.Errorf("sending to %s: %w", room, err)
	}
	return &connection.SentMessage{
		ID:        resp.EventID.String(),
		ChatID:    chatID,
		Timestamp: time.Now().UTC(),
	}, nil
}

// SendSeen marks the latest event seen in the chat as read.
func (c *Client) SendSeen(ctx context.Context, chatID string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	room, err := c.resolveRoom(ctx, chatID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	last, ok := c.lastEvent[room]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.matrix.MarkRead(ctx, room, last)
}

// DownloadMedia implements connection.Client.
func (c *Client) DownloadMedia(ctx context.Context, msg *connection.Message) (*connection.Media, error) {
	if msg == nil || !msg.HasMedia {
		return nil, connection.ErrNoMedia
	}
	c.mu.Lock()
	ref, ok := c.media[msg.ID]
	c.mu.Unlock()
	if !ok {
		return nil, connection.ErrNoMedia
	}

	data, err := c.matrix.DownloadBytes(ctx, ref.uri)
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", ref.uri.String(), err)
	}
	return &connection.Media{
		MimeType: ref.mime,
		Data:     base64.StdEncoding.EncodeToString(data),
		Filename: ref.name,
		Size:     int64(len(data)),
	}, nil
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

// Evaluate round-trips whoami; the expression is ignored.
func (s *surface) Evaluate(ctx context.Context, _ string) error {
	_, err := s.client.matrix.Whoami(ctx)
	return err
}
