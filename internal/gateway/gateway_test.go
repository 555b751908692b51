// ABOUTME: Tests for gateway wiring, health endpoints and the Run lifecycle
// ABOUTME: Uses the fake connection driver and a recording webhook receiver

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/connection/fake"
	"github.com/2389/relay-gateway/internal/session"
)

// delivery is one event POST seen by the receiver.
type delivery struct {
	DataType  string         `json:"dataType"`
	SessionID string         `json:"sessionId"`
	Data      map[string]any `json:"data"`
}

type receiver struct {
	mu  sync.Mutex
	got []delivery
}

func (rc *receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var d delivery
	if err := json.NewDecoder(r.Body).Decode(&d); err == nil {
		rc.mu.Lock()
		rc.got = append(rc.got, d)
		rc.mu.Unlock()
	}
	w.WriteHeader(http.StatusOK)
}

func (rc *receiver) types(sessionID string) []string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	var out []string
	for _, d := range rc.got {
		if d.SessionID == sessionID {
			out = append(out, d.DataType)
		}
	}
	return out
}

type testGateway struct {
	gw       *Gateway
	driver   *fake.Driver
	receiver *receiver
	server   *httptest.Server
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig builds a config through the real parser. extra is appended
// to the YAML document.
func testConfig(t *testing.T, receiverURL, extra string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	yaml := fmt.Sprintf(`
server:
  http_addr: "127.0.0.1:0"
database:
  path: %q
sessions:
  folder_path: %q
  recover: false
  surface_wait: 200ms
  probe_timeout: 100ms
  terminate_wait: 1s
events:
  base_webhook_url: %q
  delivery_timeout: 2s
driver:
  kind: fake
%s`, filepath.Join(dir, "gateway.db"), filepath.Join(dir, "sessions"), receiverURL, extra)

	cfg, err := config.Parse([]byte(yaml))
	require.NoError(t, err)
	return cfg
}

func newTestGateway(t *testing.T, b fake.Behavior, extra string) *testGateway {
	t.Helper()

	rc := &receiver{}
	hooks := httptest.NewServer(rc)
	t.Cleanup(hooks.Close)

	cfg := testConfig(t, hooks.URL, extra)
	driver := fake.NewDriver(b)
	gw, err := newGateway(cfg, driver, quietLogger())
	if err != nil {
		t.Fatalf("failed to create gateway: %v", err)
	}

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})

	return &testGateway{gw: gw, driver: driver, receiver: rc, server: srv}
}

// do sends a request and decodes a JSON response body when present.
func (tg *testGateway) do(t *testing.T, method, path string, body any, header http.Header) (*http.Response, map[string]any) {
	t.Helper()

	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rd = strings.NewReader(string(data))
	}

	req, err := http.NewRequest(method, tg.server.URL+path, rd)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out), "body: %s", raw)
	} else {
		out = map[string]any{"text": string(raw)}
	}
	return resp, out
}

func (tg *testGateway) waitState(t *testing.T, id string, want session.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, err := tg.gw.Sessions().Status(id)
		return err == nil && snap.State == want
	}, 2*time.Second, 10*time.Millisecond, "session %s never reached %s", id, want)
}

func TestHealth(t *testing.T) {
	tg := newTestGateway(t, fake.Behavior{AutoReady: true}, "")

	resp, body := tg.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", body["text"])
}

func TestReady_RequiresConnectedSession(t *testing.T) {
	tg := newTestGateway(t, fake.Behavior{AutoReady: true}, "")

	resp, body := tg.do(t, http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "no sessions connected", body["text"])

	_, err := tg.gw.Sessions().Start("main")
	require.NoError(t, err)
	tg.waitState(t, "main", session.StateConnected)

	resp, body = tg.do(t, http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready (1 sessions)", body["text"])
}

func TestEventsReachWebhook(t *testing.T) {
	tg := newTestGateway(t, fake.Behavior{QR: "qr-1", AutoReady: true}, "")

	resp, _ := tg.do(t, http.MethodGet, "/session/start/main", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		return len(tg.receiver.types("main")) >= 3
	}, 2*time.Second, 10*time.Millisecond)
	// Workers deliver concurrently, so arrival order is not fixed.
	assert.ElementsMatch(t, []string{"qr", "authenticated", "ready"}, tg.receiver.types("main"))
}

func TestBuildDriver(t *testing.T) {
	logger := quietLogger()

	tests := []struct {
		name    string
		driver  config.DriverConfig
		want    string
		wantErr bool
	}{
		{name: "fake", driver: config.DriverConfig{Kind: config.DriverFake}, want: "fake"},
		{name: "matrix", driver: config.DriverConfig{Kind: config.DriverMatrix}, want: "matrix"},
		{name: "runner", driver: config.DriverConfig{
			Kind:   config.DriverRunner,
			Runner: config.RunnerConfig{URL: "ws://localhost:9000"},
		}, want: "runner"},
		{name: "runner bad url", driver: config.DriverConfig{
			Kind:   config.DriverRunner,
			Runner: config.RunnerConfig{URL: "ftp://localhost"},
		}, wantErr: true},
		{name: "unknown", driver: config.DriverConfig{Kind: "carrier-pigeon"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := buildDriver(&config.Config{Driver: tt.driver}, logger)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Name())
		})
	}
}

func TestNew_StoreFailure(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1/hook", "")
	// A directory cannot be opened as the database file.
	cfg.Database.Path = t.TempDir()

	_, err := New(cfg, quietLogger())
	assert.Error(t, err)
}

func TestRun_ShutsDownOnCancel(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1/hook", "")
	gw, err := New(cfg, quietLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_ListenFailure(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1/hook", "")
	cfg.Server.HTTPAddr = "127.0.0.1:-1"
	gw, err := New(cfg, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })

	assert.Error(t, gw.Run(context.Background()))
}
