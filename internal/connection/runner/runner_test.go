// ABOUTME: Tests for the runner driver against the in-process simulator
// ABOUTME: Covers pairing, sends, media, socket drops, teardown and request timeouts

package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/connection"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSimClient(t *testing.T, opts SimOptions) (*Simulator, *Client) {
	t.Helper()
	opts.Logger = discardLogger()
	sim := NewSimulator(opts)
	srv := httptest.NewServer(sim)
	t.Cleanup(srv.Close)

	d, err := NewDriver(Options{
		URL:            srv.URL,
		APIKey:         opts.APIKey,
		DialTimeout:    2 * time.Second,
		RequestTimeout: 2 * time.Second,
		Logger:         discardLogger(),
	})
	require.NoError(t, err)

	c, err := d.NewClient("main", t.TempDir())
	require.NoError(t, err)
	client := c.(*Client)
	t.Cleanup(func() { _ = client.Destroy(context.Background()) })
	return sim, client
}

// waitEvent reads events until one of type want arrives.
func waitEvent(t *testing.T, c *Client, want connection.EventType) connection.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case evt, ok := <-c.Events():
			if !ok {
				t.Fatalf("event stream closed while waiting for %s", want)
			}
			if evt.Type == want {
				return evt
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func waitClosed(t *testing.T, c *Client) {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-c.Events():
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("event stream not closed")
		}
	}
}

func TestNewDriver_Validation(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"ws://localhost:9300", false},
		{"https://runner.internal", false},
		{"ftp://runner", true},
		{"ws://", true},
		{"::bad", true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			d, err := NewDriver(Options{URL: tt.url})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "runner", d.Name())
		})
	}
}

func TestDriver_SessionURL(t *testing.T) {
	d, err := NewDriver(Options{URL: "ws://runner:9300/base/"})
	require.NoError(t, err)
	c, err := d.NewClient("team-a", "/tmp/x")
	require.NoError(t, err)
	assert.Equal(t, "ws://runner:9300/base/session/team-a", c.(*Client).url)
}

func TestClient_PairAndSend(t *testing.T) {
	_, c := newSimClient(t, SimOptions{})
	ctx := context.Background()

	assert.Nil(t, c.Surface())
	require.NoError(t, c.Initialize(ctx))

	qr := waitEvent(t, c, connection.EventQR)
	assert.Regexp(t, `^relay-sim:main:\d+$`, qr.QR)
	waitEvent(t, c, connection.EventReady)

	state, err := c.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, connection.StateConnected, state)

	surface := c.Surface()
	require.NotNil(t, surface)
	assert.False(t, surface.Closed())
	assert.NoError(t, surface.Evaluate(ctx, "1"))

	sent, err := c.SendMessage(ctx, "5511999999999@c.us", "hello")
	require.NoError(t, err)
	assert.Regexp(t, `^true_5511999999999@c.us_SIM\d{4}$`, sent.ID)
	assert.False(t, sent.Timestamp.IsZero())

	echo := waitEvent(t, c, connection.EventMessageCreate)
	require.NotNil(t, echo.Message)
	assert.Equal(t, sent.ID, echo.Message.ID)
	assert.Equal(t, "hello", echo.Message.Body)
	assert.True(t, echo.Message.FromMe)

	assert.NoError(t, c.SendSeen(ctx, "5511999999999@c.us"))

	_, err = c.DownloadMedia(ctx, &connection.Message{ID: "m1"})
	assert.ErrorIs(t, err, connection.ErrNoMedia)
	media, err := c.DownloadMedia(ctx, &connection.Message{ID: "m1", ChatID: "5511@c.us", HasMedia: true})
	require.NoError(t, err)
	assert.Equal(t, "text/plain", media.MimeType)
	assert.Equal(t, "attachment.txt", media.Filename)
}

func TestClient_RemoteError(t *testing.T) {
	_, c := newSimClient(t, SimOptions{AuthDelay: -1})
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx))
	waitEvent(t, c, connection.EventQR)

	_, err := c.SendMessage(ctx, "5511@c.us", "too early")
	var remote *RemoteError
	require.True(t, errors.As(err, &remote), "got %v", err)
	assert.Equal(t, OpSendMessage, remote.Op)
	assert.Equal(t, "client is not ready", remote.Message)
}

func TestClient_AuthorizeAndPush(t *testing.T) {
	sim, c := newSimClient(t, SimOptions{AuthDelay: -1})
	require.NoError(t, c.Initialize(context.Background()))
	waitEvent(t, c, connection.EventQR)

	require.NoError(t, sim.Authorize("main"))
	waitEvent(t, c, connection.EventReady)

	require.NoError(t, sim.Push("main", connection.EventDisconnected, map[string]any{"reason": "CONFLICT"}))
	evt := waitEvent(t, c, connection.EventDisconnected)
	assert.Equal(t, "CONFLICT", evt.Reason)

	require.NoError(t, sim.Push("main", connection.EventExecutionError, map[string]any{"error": "net::ERR_INTERNET_DISCONNECTED"}))
	evt = waitEvent(t, c, connection.EventExecutionError)
	require.Error(t, evt.Err)
	assert.Contains(t, evt.Err.Error(), "ERR_INTERNET_DISCONNECTED")

	assert.ErrorIs(t, sim.Push("other", connection.EventReady, nil), ErrUnknownSession)
}

func TestClient_SocketDropClosesSurface(t *testing.T) {
	sim, c := newSimClient(t, SimOptions{})
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx))
	waitEvent(t, c, connection.EventReady)
	surface := c.Surface()
	require.NotNil(t, surface)

	require.NoError(t, sim.Drop("main"))

	waitEvent(t, c, connection.EventExecutionClosed)
	waitClosed(t, c)
	assert.True(t, surface.Closed())

	_, err := c.State(ctx)
	assert.ErrorIs(t, err, ErrConnectionLost)
	assert.NoError(t, c.Destroy(ctx))
}

func TestClient_ExecutionClosedEvent(t *testing.T) {
	sim, c := newSimClient(t, SimOptions{})
	require.NoError(t, c.Initialize(context.Background()))
	waitEvent(t, c, connection.EventReady)
	surface := c.Surface()
	require.NotNil(t, surface)

	require.NoError(t, sim.Push("main", connection.EventExecutionClosed, nil))
	waitEvent(t, c, connection.EventExecutionClosed)
	assert.True(t, surface.Closed())
	assert.ErrorIs(t, surface.Evaluate(context.Background(), "1"), ErrConnectionLost)
}

func TestClient_LogoutClosesStream(t *testing.T) {
	sim, c := newSimClient(t, SimOptions{})
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx))
	waitEvent(t, c, connection.EventReady)

	require.NoError(t, c.Logout(ctx))
	waitClosed(t, c)

	_, err := c.SendMessage(ctx, "5511@c.us", "after logout")
	assert.ErrorIs(t, err, connection.ErrClientClosed)
	assert.ErrorIs(t, c.Initialize(ctx), connection.ErrClientClosed)
	assert.NoError(t, c.Destroy(ctx))

	assert.Eventually(t, func() bool { return len(sim.Sessions()) == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestClient_DestroyBeforeInitialize(t *testing.T) {
	_, c := newSimClient(t, SimOptions{})
	ctx := context.Background()

	_, err := c.State(ctx)
	assert.ErrorIs(t, err, connection.ErrNotInitialized)

	require.NoError(t, c.Destroy(ctx))
	waitClosed(t, c)
	assert.ErrorIs(t, c.Initialize(ctx), connection.ErrClientClosed)
}

func TestClient_APIKey(t *testing.T) {
	_, c := newSimClient(t, SimOptions{APIKey: "runner-key"})
	require.NoError(t, c.Initialize(context.Background()))
	waitEvent(t, c, connection.EventReady)

	sim := NewSimulator(SimOptions{APIKey: "runner-key", Logger: discardLogger()})
	srv := httptest.NewServer(sim)
	defer srv.Close()
	d, err := NewDriver(Options{URL: srv.URL, DialTimeout: time.Second, Logger: discardLogger()})
	require.NoError(t, err)
	bad, err := d.NewClient("main", t.TempDir())
	require.NoError(t, err)
	assert.Error(t, bad.Initialize(context.Background()))
}

func TestClient_RequestTimeout(t *testing.T) {
	// A runner that accepts the socket and never answers.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer ws.CloseNow()
		for {
			if _, _, err := ws.Read(r.Context()); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	d, err := NewDriver(Options{
		URL:            srv.URL,
		RequestTimeout: 50 * time.Millisecond,
		Logger:         discardLogger(),
	})
	require.NoError(t, err)
	c, err := d.NewClient("slow", t.TempDir())
	require.NoError(t, err)
	defer c.Destroy(context.Background())

	err = c.Initialize(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_DialFailure(t *testing.T) {
	d, err := NewDriver(Options{URL: "ws://127.0.0.1:1", DialTimeout: time.Second, Logger: discardLogger()})
	require.NoError(t, err)
	c, err := d.NewClient("main", t.TempDir())
	require.NoError(t, err)

	err = c.Initialize(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dialing runner")
}
