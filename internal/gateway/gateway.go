// ABOUTME: Gateway orchestrator wiring sessions, event delivery and webhooks to the HTTP API
// ABOUTME: Owns the listener (TCP or tailnet), the store and graceful shutdown

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/connection"
	"github.com/2389/relay-gateway/internal/connection/fake"
	"github.com/2389/relay-gateway/internal/connection/matrix"
	"github.com/2389/relay-gateway/internal/connection/runner"
	"github.com/2389/relay-gateway/internal/dedupe"
	"github.com/2389/relay-gateway/internal/events"
	"github.com/2389/relay-gateway/internal/probe"
	"github.com/2389/relay-gateway/internal/ratelimit"
	"github.com/2389/relay-gateway/internal/recovery"
	"github.com/2389/relay-gateway/internal/session"
	"github.com/2389/relay-gateway/internal/store"
	"github.com/2389/relay-gateway/internal/webhook"
)

// Gateway orchestrates the relay-gateway server components.
type Gateway struct {
	config      *config.Config
	store       store.WebhookStore
	driver      connection.Driver
	sessions    *session.Manager
	queue       *events.Queue
	dispatcher  *events.Dispatcher
	dedupe      *dedupe.Window
	webhooks    *webhook.Registry
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// verifier stays a nil interface when no JWT secret is configured
	verifier auth.TokenVerifier
}

// buildDriver returns the connection driver named by driver.kind.
func buildDriver(cfg *config.Config, logger *slog.Logger) (connection.Driver, error) {
	switch cfg.Driver.Kind {
	case config.DriverRunner:
		d, err := runner.NewDriver(runner.Options{
			URL:            cfg.Driver.Runner.URL,
			DialTimeout:    cfg.Driver.Runner.DialTimeout,
			RequestTimeout: cfg.Driver.Runner.RequestTimeout,
			APIKey:         cfg.Auth.APIKey,
			Logger:         logger.With("component", "runner"),
		})
		if err != nil {
			return nil, fmt.Errorf("creating runner driver: %w", err)
		}
		return d, nil
	case config.DriverMatrix:
		return matrix.NewDriver(matrix.Options{
			CredentialsFile: cfg.Driver.Matrix.CredentialsFile,
			Logger:          logger.With("component", "matrix"),
		}), nil
	case config.DriverFake:
		return fake.NewDriver(fake.Behavior{QR: "relay-fake-qr", AutoReady: true}), nil
	default:
		return nil, fmt.Errorf("unknown driver kind %q", cfg.Driver.Kind)
	}
}

// New creates a Gateway with the driver selected by cfg.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	driver, err := buildDriver(cfg, logger)
	if err != nil {
		return nil, err
	}
	return newGateway(cfg, driver, logger)
}

func newGateway(cfg *config.Config, driver connection.Driver, logger *slog.Logger) (*Gateway, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	window := dedupe.New(cfg.Events.DedupeTTL, 0)
	queue := events.NewQueue(events.QueueOptions{
		Size:     cfg.Events.QueueSize,
		Workers:  cfg.Events.Workers,
		Timeout:  cfg.Events.DeliveryTimeout,
		APIKey:   cfg.Auth.APIKey,
		LogEvery: cfg.Events.ErrorLogEvery,
		Logger:   logger.With("component", "delivery"),
	})
	dispatcher := events.NewDispatcher(queue, window, events.Options{
		BaseURL:           cfg.Events.BaseWebhookURL,
		SessionWebhooks:   cfg.Events.SessionWebhooks,
		Disabled:          cfg.Events.DisabledCallbacks,
		MaxAttachmentSize: cfg.Events.MaxAttachmentSize,
		MarkSeen:          cfg.Events.SetMessagesAsSeen,
		Logger:            logger.With("component", "events"),
	})

	manager := session.NewManager(session.Options{
		Driver:     driver,
		Sink:       dispatcher,
		FolderPath: cfg.Sessions.FolderPath,
		Recover:    cfg.Sessions.RecoverEnabled(),
		Policy: recovery.Policy{
			BaseDelay:    cfg.Sessions.BaseDelay,
			MaxDelay:     cfg.Sessions.MaxDelay,
			NetworkFloor: cfg.Sessions.NetworkFloor,
			MaxAttempts:  cfg.Sessions.MaxAttempts,
		},
		Probe: probe.Options{
			SurfaceWait:    cfg.Sessions.SurfaceWait,
			Attempts:       cfg.Sessions.ProbeAttempts,
			AttemptTimeout: cfg.Sessions.ProbeTimeout,
		},
		TerminateWait: cfg.Sessions.TerminateWait,
		Logger:        logger.With("component", "sessions"),
	})

	registry := webhook.NewRegistry(s, manager, ratelimit.New(ratelimit.Options{}), webhook.Options{
		DefaultRateLimit: cfg.Webhooks.DefaultRateLimit,
		HistoryLimit:     cfg.Webhooks.HistoryLimit,
		Logger:           logger.With("component", "webhooks"),
	})

	gw := &Gateway{
		config:     cfg,
		store:      s,
		driver:     driver,
		sessions:   manager,
		queue:      queue,
		dispatcher: dispatcher,
		dedupe:     window,
		webhooks:   registry,
		logger:     logger,
	}
	if cfg.Auth.JWTSecret != "" {
		gw.verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	} else {
		logger.Warn("auth.jwt_secret not set, webhook admin API is unauthenticated")
	}

	gw.httpServer = &http.Server{
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("gateway initialized",
		"driver", driver.Name(),
		"recover", cfg.Sessions.RecoverEnabled(),
		"base_webhook_url", cfg.Events.BaseWebhookURL,
	)
	return gw, nil
}

// Handler returns the HTTP handler serving the gateway API.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Sessions returns the session manager.
func (g *Gateway) Sessions() *session.Manager {
	return g.sessions
}

// restoreSessions starts a session for every folder left by a previous run.
func (g *Gateway) restoreSessions() {
	if !g.config.Sessions.RecoverEnabled() {
		return
	}
	restored, err := g.sessions.Restore()
	if err != nil {
		g.logger.Error("restoring sessions", "error", err)
		return
	}
	if len(restored) > 0 {
		g.logger.Info("sessions restored", "count", len(restored), "sessions", restored)
	}
}

// setupTCPListener listens on server.http_addr.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// startServer serves HTTP in a goroutine, returning its error channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()
	return errCh
}

// Run restores sessions, serves the API and blocks until ctx is canceled.
// Returns nil on graceful shutdown, or the server error.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	g.restoreSessions()
	errCh := g.startServer(ln)

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	// ctx is already canceled here.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), g.shutdownTimeout())
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// shutdownTimeout leaves room for every client to close.
func (g *Gateway) shutdownTimeout() time.Duration {
	return g.config.Sessions.TerminateWait + 5*time.Second
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) string {
	if configured != "" {
		return configured
	}
	return filepath.Join(config.DataPath(), "tailscale")
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and listens for HTTP there.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir := resolveTailscaleStateDir(tsCfg.StateDir)
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	ln, err := g.createTailscaleListener(tsCfg)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, err
	}
	return ln, nil
}

func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleListener picks Funnel, tailnet HTTPS or plain :80.
func (g *Gateway) createTailscaleListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale funnel: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		g.logger.Info("enabling HTTPS with Tailscale certs on :443")
		ln, err := g.tsnetServer.Listen("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
		}
		lc, err := g.tsnetServer.LocalClient()
		if err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("getting tailscale local client: %w", err)
		}
		return tls.NewListener(ln, &tls.Config{
			GetCertificate: lc.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}), nil
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server, closes every session client, drains
// pending deliveries and releases the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.sessions.Close(ctx)
	g.dispatcher.Wait()
	g.queue.Close()
	g.dedupe.Close()

	stats := g.queue.Stats()
	g.logger.Info("event delivery stopped",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	return errors.Join(errs...)
}
