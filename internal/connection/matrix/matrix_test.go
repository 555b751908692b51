// ABOUTME: Tests for the Matrix driver: chat id mapping, credentials and a fake homeserver
// ABOUTME: The homeserver serves whoami, filter, sync, createRoom and send endpoints

package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"github.com/2389/relay-gateway/internal/connection"
)

func TestChatIDMapping(t *testing.T) {
	assert.Equal(t, "abc:example.org@g.us", RoomChatID("!abc:example.org"))
	assert.Equal(t, "alice:example.org@c.us", UserChatID("@alice:example.org"))

	room, user, err := ParseChatID("abc:example.org@g.us")
	require.NoError(t, err)
	assert.Equal(t, id.RoomID("!abc:example.org"), room)
	assert.Empty(t, user)

	room, user, err = ParseChatID("alice:example.org@c.us")
	require.NoError(t, err)
	assert.Empty(t, room)
	assert.Equal(t, id.UserID("@alice:example.org"), user)

	for _, bad := range []string{"5511999999999@c.us", "120363@g.us", "alice:example.org", ""} {
		_, _, err := ParseChatID(bad)
		assert.Error(t, err, bad)
	}
}

func writeCreds(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "matrix.toml"), []byte(content), 0600); err != nil {
		t.Fatalf("writing credentials: %v", err)
	}
}

func TestLoadCredentials(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TEST_MATRIX_TOKEN", "syt_secret")
	writeCreds(t, dir, `
homeserver = "https://matrix.example.org"
user_id = "@relay:example.org"
access_token = "${TEST_MATRIX_TOKEN}"
device_id = "RELAYDEV"
`)

	creds, err := LoadCredentials(filepath.Join(dir, "matrix.toml"))
	require.NoError(t, err)
	assert.Equal(t, Credentials{
		Homeserver:  "https://matrix.example.org",
		UserID:      "@relay:example.org",
		AccessToken: "syt_secret",
		DeviceID:    "RELAYDEV",
	}, *creds)
}

func TestLoadCredentials_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"not toml", "homeserver = ", "parsing"},
		{"no homeserver", `user_id = "@a:b"` + "\n" + `access_token = "x"`, "homeserver is required"},
		{"bad scheme", `homeserver = "ftp://x"` + "\n" + `user_id = "@a:b"` + "\n" + `access_token = "x"`, "http or https"},
		{"no user", `homeserver = "https://x"` + "\n" + `access_token = "x"`, "user_id"},
		{"no token", `homeserver = "https://x"` + "\n" + `user_id = "@a:b"`, "access_token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeCreds(t, dir, tt.content)
			_, err := LoadCredentials(filepath.Join(dir, "matrix.toml"))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDriver_MissingCredentials(t *testing.T) {
	d := NewDriver(Options{Logger: discardLogger()})
	assert.Equal(t, "matrix", d.Name())
	_, err := d.NewClient("main", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading matrix credentials")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// homeserver is a minimal client-server API fake.
type homeserver struct {
	token string
	syncs atomic.Int32

	mu      sync.Mutex
	sent    []string
	created int
}

func (h *homeserver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Header.Get("Authorization") != "Bearer "+h.token {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"errcode":"M_UNKNOWN_TOKEN","error":"Invalid access token"}`)
		return
	}

	path := r.URL.Path
	switch {
	case strings.HasSuffix(path, "/account/whoami"):
		fmt.Fprint(w, `{"user_id":"@relay:example.org","device_id":"DEV1"}`)
	case strings.HasSuffix(path, "/filter"):
		fmt.Fprint(w, `{"filter_id":"1"}`)
	case strings.HasSuffix(path, "/sync"):
		n := h.syncs.Add(1)
		if n > 1 {
			time.Sleep(20 * time.Millisecond)
		}
		if n == 2 {
			fmt.Fprint(w, `{"next_batch":"b2","rooms":{"join":{"!ops:example.org":{"timeline":{"events":[
				{"type":"m.room.message","event_id":"$in1","sender":"@alice:example.org","origin_server_ts":1714550400000,
				 "content":{"msgtype":"m.text","body":"hello relay"}}]}}}}}`)
			return
		}
		fmt.Fprintf(w, `{"next_batch":"b%d"}`, n)
	case strings.HasSuffix(path, "/createRoom"):
		h.mu.Lock()
		h.created++
		h.mu.Unlock()
		fmt.Fprint(w, `{"room_id":"!dm:example.org"}`)
	case strings.Contains(path, "/send/m.room.message/"):
		var body struct {
			Body string `json:"body"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		h.mu.Lock()
		h.sent = append(h.sent, body.Body)
		n := len(h.sent)
		h.mu.Unlock()
		fmt.Fprintf(w, `{"event_id":"$out%d"}`, n)
	case strings.HasSuffix(path, "/logout"):
		fmt.Fprint(w, `{}`)
	default:
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"errcode":"M_UNRECOGNIZED","error":"Unrecognized request"}`)
	}
}

func newHomeserverClient(t *testing.T, token string) (*homeserver, *Client) {
	t.Helper()
	hs := &homeserver{token: "syt_good"}
	srv := httptest.NewServer(hs)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	writeCreds(t, dir, fmt.Sprintf(`
homeserver = %q
user_id = "@relay:example.org"
access_token = %q
`, srv.URL, token))

	c, err := NewDriver(Options{Logger: discardLogger()}).NewClient("main", dir)
	require.NoError(t, err)
	client := c.(*Client)
	t.Cleanup(func() { _ = client.Destroy(context.Background()) })
	return hs, client
}

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

func TestClient_SyncAndSend(t *testing.T) {
	hs, c := newHomeserverClient(t, "syt_good")
	ctx := context.Background()

	_, err := c.SendMessage(ctx, "ops:example.org@g.us", "too early")
	assert.ErrorIs(t, err, connection.ErrNotInitialized)

	require.NoError(t, c.Initialize(ctx))
	waitEvent(t, c, connection.EventExecutionReady)
	waitEvent(t, c, connection.EventReady)

	state, err := c.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, connection.StateConnected, state)

	surface := c.Surface()
	require.NotNil(t, surface)
	assert.False(t, surface.Closed())
	assert.NoError(t, surface.Evaluate(ctx, "1"))

	in := waitEvent(t, c, connection.EventMessage)
	require.NotNil(t, in.Message)
	assert.Equal(t, "$in1", in.Message.ID)
	assert.Equal(t, "ops:example.org@g.us", in.Message.ChatID)
	assert.Equal(t, "alice:example.org@c.us", in.Message.From)
	assert.Equal(t, "hello relay", in.Message.Body)
	assert.False(t, in.Message.FromMe)

	sent, err := c.SendMessage(ctx, "ops:example.org@g.us", "to the room")
	require.NoError(t, err)
	assert.Equal(t, "$out1", sent.ID)

	_, err = c.SendMessage(ctx, "alice:example.org@c.us", "direct one")
	require.NoError(t, err)
	_, err = c.SendMessage(ctx, "alice:example.org@c.us", "direct two")
	require.NoError(t, err)

	hs.mu.Lock()
	assert.Equal(t, []string{"to the room", "direct one", "direct two"}, hs.sent)
	assert.Equal(t, 1, hs.created)
	hs.mu.Unlock()

	require.NoError(t, c.Destroy(ctx))
	assert.True(t, surface.Closed())
	_, err = c.State(ctx)
	assert.ErrorIs(t, err, connection.ErrClientClosed)
}

func TestClient_BadTokenReportsAuthFailure(t *testing.T) {
	_, c := newHomeserverClient(t, "syt_revoked")

	err := c.Initialize(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "verifying matrix token")

	evt := waitEvent(t, c, connection.EventAuthFailure)
	assert.NotEmpty(t, evt.Data["msg"])
	assert.Nil(t, c.Surface())
}

func TestClient_DownloadMediaWithoutRef(t *testing.T) {
	_, c := newHomeserverClient(t, "syt_good")
	_, err := c.DownloadMedia(context.Background(), &connection.Message{ID: "$x", HasMedia: true})
	assert.ErrorIs(t, err, connection.ErrNoMedia)
	_, err = c.DownloadMedia(context.Background(), nil)
	assert.ErrorIs(t, err, connection.ErrNoMedia)
}
