// ABOUTME: Tests for the delivery queue, failure throttle and event dispatcher
// ABOUTME: Uses httptest webhook receivers and the fake connection client

package events

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/connection"
	"github.com/2389/relay-gateway/internal/connection/fake"
	"github.com/2389/relay-gateway/internal/dedupe"
)

type received struct {
	DataType  string         `json:"dataType"`
	Data      map[string]any `json:"data"`
	SessionID string         `json:"sessionId"`
	APIKey    string         `json:"-"`
}

type receiver struct {
	mu   sync.Mutex
	got  []received
	code int
}

func newReceiver(t *testing.T, code int) (*receiver, *httptest.Server) {
	t.Helper()
	r := &receiver{code: code}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var body received
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			t.Errorf("decoding delivery: %v", err)
		}
		body.APIKey = req.Header.Get("x-api-key")
		r.mu.Lock()
		r.got = append(r.got, body)
		r.mu.Unlock()
		w.WriteHeader(r.code)
	}))
	t.Cleanup(srv.Close)
	return r, srv
}

func (r *receiver) all() []received {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]received, len(r.got))
	copy(out, r.got)
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestThrottle(t *testing.T) {
	th := NewThrottle(5)

	var logged []int
	for i := 0; i < 10; i++ {
		if n, ok := th.Failure("s"); ok {
			logged = append(logged, n)
		}
	}
	assert.Equal(t, []int{1, 5, 10}, logged)

	th.Success("s")
	assert.Equal(t, 0, th.Count("s"))
	n, ok := th.Failure("s")
	assert.Equal(t, 1, n)
	assert.True(t, ok)
}

func TestQueue_Delivers(t *testing.T) {
	recv, srv := newReceiver(t, http.StatusOK)
	q := NewQueue(QueueOptions{APIKey: "secret", Logger: quietLogger()})

	ok := q.Submit(Delivery{
		URL:       srv.URL,
		SessionID: "main",
		DataType:  "message",
		Data:      map[string]any{"body": "hi"},
	})
	require.True(t, ok)
	q.Close()

	got := recv.all()
	require.Len(t, got, 1)
	assert.Equal(t, "message", got[0].DataType)
	assert.Equal(t, "main", got[0].SessionID)
	assert.Equal(t, "hi", got[0].Data["body"])
	assert.Equal(t, "secret", got[0].APIKey)
	assert.Equal(t, uint64(1), q.Stats().Delivered)
}

func TestQueue_Non2xxIsFailure(t *testing.T) {
	_, srv := newReceiver(t, http.StatusInternalServerError)
	q := NewQueue(QueueOptions{Logger: quietLogger()})

	q.Submit(Delivery{URL: srv.URL, SessionID: "main", DataType: "ready", Data: map[string]any{}})
	q.Close()

	stats := q.Stats()
	assert.Equal(t, uint64(0), stats.Delivered)
	assert.Equal(t, uint64(1), stats.Failed)
}

func TestQueue_ThrottlesPerEventType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var body received
		_ = json.NewDecoder(req.Body).Decode(&body)
		if body.DataType == "message_ack" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	var logs bytes.Buffer
	q := NewQueue(QueueOptions{
		Workers: 1,
		Logger:  slog.New(slog.NewTextHandler(&logs, nil)),
	})
	for i := 0; i < 4; i++ {
		q.Submit(Delivery{URL: srv.URL, SessionID: "s1", DataType: "message_ack", Data: map[string]any{}})
		q.Submit(Delivery{URL: srv.URL, SessionID: "s1", DataType: "message", Data: map[string]any{}})
	}
	q.Close()

	assert.Equal(t, 1, strings.Count(logs.String(), "check your webhook URL"), logs.String())
	assert.Equal(t, 4, q.throttle.Count("s1|message_ack"))
	assert.Equal(t, 0, q.throttle.Count("s1|message"))

	stats := q.Stats()
	assert.Equal(t, uint64(4), stats.Delivered)
	assert.Equal(t, uint64(4), stats.Failed)
}

func TestQueue_DropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	q := NewQueue(QueueOptions{Size: 1, Workers: 1, Logger: quietLogger()})

	accepted := 0
	for i := 0; i < 10; i++ {
		if q.Submit(Delivery{URL: srv.URL, SessionID: "s", DataType: "message"}) {
			accepted++
		}
	}
	close(release)
	q.Close()

	assert.LessOrEqual(t, accepted, 2)
	assert.Equal(t, uint64(10-accepted), q.Stats().Dropped)
}

func TestQueue_SubmitAfterClose(t *testing.T) {
	q := NewQueue(QueueOptions{Logger: quietLogger()})
	q.Close()
	q.Close()

	assert.False(t, q.Submit(Delivery{URL: "http://127.0.0.1:1", SessionID: "s"}))
	assert.Equal(t, uint64(1), q.Stats().Dropped)
}

func TestResolveURL(t *testing.T) {
	env := map[string]string{"SALES_BOT_WEBHOOK_URL": "http://env/sales"}
	d := NewDispatcher(nil, nil, Options{
		BaseURL:         "http://base/hook",
		SessionWebhooks: map[string]string{"sales-bot": "http://cfg/sales", "support": "http://cfg/support"},
		Getenv:          func(k string) string { return env[k] },
		Logger:          quietLogger(),
	})

	assert.Equal(t, "http://env/sales", d.ResolveURL("sales-bot"))
	assert.Equal(t, "http://cfg/support", d.ResolveURL("support"))
	assert.Equal(t, "http://base/hook", d.ResolveURL("other"))
}

func newDispatcher(t *testing.T, url string, opts Options) (*Dispatcher, *Queue) {
	t.Helper()
	q := NewQueue(QueueOptions{Logger: quietLogger()})
	w := dedupe.New(time.Minute, 100)
	t.Cleanup(w.Close)

	opts.BaseURL = url
	opts.Getenv = func(string) string { return "" }
	opts.Logger = quietLogger()
	return NewDispatcher(q, w, opts), q
}

func TestDispatch_DataTypes(t *testing.T) {
	recv, srv := newReceiver(t, http.StatusOK)
	d, q := newDispatcher(t, srv.URL, Options{})

	d.Dispatch("main", nil, connection.Event{Type: connection.EventAuthFailure, Data: map[string]any{"msg": "bad"}})
	d.Dispatch("main", nil, connection.Event{Type: connection.EventReady})
	d.Dispatch("main", nil, connection.Event{Type: connection.EventExecutionClosed})
	q.Close()

	got := recv.all()
	require.Len(t, got, 2)
	types := []string{got[0].DataType, got[1].DataType}
	assert.ElementsMatch(t, []string{"status", "ready"}, types)
}

func TestDispatch_DisabledCallbacks(t *testing.T) {
	recv, srv := newReceiver(t, http.StatusOK)
	d, q := newDispatcher(t, srv.URL, Options{Disabled: []string{"message_ack", " qr "}})

	assert.False(t, d.Enabled(connection.EventMessageAck))
	assert.False(t, d.Enabled(connection.EventQR))
	assert.True(t, d.Enabled(connection.EventMessage))

	d.Dispatch("main", nil, connection.Event{Type: connection.EventQR, QR: "x"})
	d.Dispatch("main", nil, connection.Event{Type: connection.EventMessageAck})
	q.Close()

	assert.Empty(t, recv.all())
}

func TestDispatch_NoURLSkips(t *testing.T) {
	d, q := newDispatcher(t, "", Options{})

	d.Dispatch("main", nil, connection.Event{Type: connection.EventReady})
	q.Close()

	assert.Equal(t, Stats{}, q.Stats())
}

func TestDispatch_DedupesMessages(t *testing.T) {
	recv, srv := newReceiver(t, http.StatusOK)
	d, q := newDispatcher(t, srv.URL, Options{})

	msg := &connection.Message{ID: "ABC", ChatID: "5511@c.us", Body: "hello"}
	evt := connection.Event{Type: connection.EventMessage, Message: msg}
	d.Dispatch("main", nil, evt)
	d.Dispatch("main", nil, evt)
	d.Dispatch("other", nil, evt)
	d.Dispatch("main", nil, connection.Event{Type: connection.EventMessageCreate, Message: msg})
	q.Close()

	got := recv.all()
	require.Len(t, got, 3)
	for _, r := range got {
		message, ok := r.Data["message"].(map[string]any)
		require.True(t, ok, "data.message missing in %+v", r)
		assert.Equal(t, "hello", message["body"])
	}
}

func TestDispatch_MediaAndSeen(t *testing.T) {
	recv, srv := newReceiver(t, http.StatusOK)
	d, q := newDispatcher(t, srv.URL, Options{MarkSeen: true, MaxAttachmentSize: 1000})

	client := fake.NewClient("main", t.TempDir(), fake.Behavior{})
	msg := &connection.Message{ID: "M1", ChatID: "5511@c.us", HasMedia: true, MediaSize: 500}
	d.Dispatch("main", client, connection.Event{Type: connection.EventMessage, Message: msg})
	d.Wait()
	q.Close()

	got := recv.all()
	require.Len(t, got, 2)
	var media *received
	for i := range got {
		if got[i].DataType == "media" {
			media = &got[i]
		}
	}
	require.NotNil(t, media, "no media delivery in %+v", got)
	assert.Contains(t, media.Data, "messageMedia")
	assert.Contains(t, media.Data, "message")

	assert.Equal(t, []string{"5511@c.us"}, client.SeenChats())
}

func TestDispatch_MediaTooLarge(t *testing.T) {
	recv, srv := newReceiver(t, http.StatusOK)
	d, q := newDispatcher(t, srv.URL, Options{MaxAttachmentSize: 1000})

	client := fake.NewClient("main", t.TempDir(), fake.Behavior{})
	msg := &connection.Message{ID: "M2", ChatID: "5511@c.us", HasMedia: true, MediaSize: 1000}
	d.Dispatch("main", client, connection.Event{Type: connection.EventMessage, Message: msg})
	d.Wait()
	q.Close()

	got := recv.all()
	require.Len(t, got, 1)
	assert.Equal(t, "message", got[0].DataType)
	assert.Empty(t, client.SeenChats())
}
