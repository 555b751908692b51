// ABOUTME: chi route table for the gateway HTTP API
// ABOUTME: Groups session, client, admin webhook and inbound webhook routes by auth

package gateway

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/2389/relay-gateway/internal/auth"
)

func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)

	apiKey := auth.APIKeyMiddleware(g.config.Auth.APIKey)

	r.Route("/session", func(r chi.Router) {
		r.Use(apiKey)
		r.Get("/start/{sessionId}", g.handleStartSession)
		r.Get("/status/{sessionId}", g.handleSessionStatus)
		r.Get("/qr/{sessionId}", g.handleSessionQR)
		r.Get("/restart/{sessionId}", g.handleRestartSession)
		r.Get("/terminate/{sessionId}", g.handleTerminateSession)
		r.Get("/terminateAll", g.handleTerminateAll)
		r.Get("/terminateInactive", g.handleTerminateInactive)
		r.Get("/list", g.handleListSessions)
	})

	r.Route("/client", func(r chi.Router) {
		r.Use(apiKey)
		r.Post("/sendMessage/{sessionId}", g.handleSendMessage)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.AdminMiddleware(g.verifier, g.logger))
		r.Route("/api/webhooks", func(r chi.Router) {
			r.Get("/", g.handleListWebhooks)
			r.Post("/", g.handleCreateWebhook)
			r.Get("/{id}", g.handleGetWebhook)
			r.Put("/{id}", g.handleUpdateWebhook)
			r.Delete("/{id}", g.handleDeleteWebhook)
			r.Post("/{id}/toggle", g.handleToggleWebhook)
			r.Post("/{id}/regenerate-token", g.handleRegenerateToken)
		})
		r.Get("/api/webhook-history", g.handleWebhookHistory)
		r.Post("/api/webhook-sync", g.handleWebhookSync)
	})

	r.Post("/webhook/{id}", g.handleInbound)
	r.Post("/api/webhook/{id}", g.handleInbound)

	return r
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one session is connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	n := g.sessions.CountConnected()
	if n == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no sessions connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d sessions)", n)
}
