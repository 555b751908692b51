// ABOUTME: Standalone runner simulator for local development and E2E testing
// ABOUTME: Usage: fake-runner [-addr localhost:7000] [-auth-delay 2s] [-api-key K]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"

	"github.com/2389/relay-gateway/internal/connection"
	"github.com/2389/relay-gateway/internal/connection/runner"
)

func main() {
	_ = godotenv.Load()

	addr := flag.String("addr", "localhost:7000", "listen address")
	authDelay := flag.Duration("auth-delay", 2*time.Second, "pause between QR and ready (negative waits for /control/{id}/authorize)")
	apiKey := flag.String("api-key", os.Getenv("RUNNER_API_KEY"), "required x-api-key on socket upgrades")
	flag.Parse()

	if err := run(*addr, *authDelay, *apiKey); err != nil {
		log.Fatal(err)
	}
}

func run(addr string, authDelay time.Duration, apiKey string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	sim := runner.NewSimulator(runner.SimOptions{
		AuthDelay: authDelay,
		APIKey:    apiKey,
		Logger:    logger,
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           routes(sim),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	color.New(color.FgGreen).Print("  ▶ ")
	fmt.Fprintf(os.Stderr, "fake-runner listening on ws://%s/session/{id}\n", addr)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

// routes mounts the runner sockets plus a small control surface for
// driving sessions by hand.
func routes(sim *runner.Simulator) http.Handler {
	r := chi.NewRouter()
	r.Handle("/session/{id}", sim)

	r.Route("/control", func(r chi.Router) {
		r.Get("/sessions", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"sessions": sim.Sessions()})
		})
		r.Post("/{id}/authorize", func(w http.ResponseWriter, r *http.Request) {
			control(w, sim.Authorize(chi.URLParam(r, "id")))
		})
		r.Post("/{id}/drop", func(w http.ResponseWriter, r *http.Request) {
			control(w, sim.Drop(chi.URLParam(r, "id")))
		})
		// Body: {"id":"m1","chatId":"15551234567@c.us","body":"hello"}
		r.Post("/{id}/message", func(w http.ResponseWriter, r *http.Request) {
			var msg map[string]any
			if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
				return
			}
			control(w, sim.Push(chi.URLParam(r, "id"), connection.EventMessage, map[string]any{"message": msg}))
		})
	})
	return r
}

func control(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, runner.ErrUnknownSession):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
