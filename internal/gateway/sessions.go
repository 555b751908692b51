// ABOUTME: HTTP handlers for session lifecycle and direct client sends
// ABOUTME: Maps session manager errors to status codes with errors.Is

package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/2389/relay-gateway/internal/connection"
	"github.com/2389/relay-gateway/internal/session"
)

// sessionErrorStatus maps a session manager error to an HTTP status.
func sessionErrorStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidSessionID):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrNoQRCode):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionExists):
		return http.StatusConflict
	case errors.Is(err, session.ErrSessionNotConnected),
		errors.Is(err, session.ErrBrowserClosed),
		errors.Is(err, session.ErrSessionClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (g *Gateway) sessionError(w http.ResponseWriter, err error) {
	status := sessionErrorStatus(err)
	if status == http.StatusInternalServerError {
		g.logger.Error("session request failed", "error", err)
	}
	g.sendJSONError(w, status, err.Error())
}

// teardownContext keeps teardown running after the caller disconnects.
func teardownContext(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

func (g *Gateway) handleStartSession(w http.ResponseWriter, r *http.Request) {
	snap, err := g.sessions.Start(chi.URLParam(r, "sessionId"))
	if err != nil {
		g.sessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Session initiated successfully",
		"state":   snap.State,
	})
}

func (g *Gateway) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := g.sessions.Status(chi.URLParam(r, "sessionId"))
	if err != nil {
		g.sessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"state":          snap.State,
		"retryCount":     snap.RetryCount,
		"restartPending": snap.RestartPending,
	})
}

func (g *Gateway) handleSessionQR(w http.ResponseWriter, r *http.Request) {
	qr, err := g.sessions.QR(chi.URLParam(r, "sessionId"))
	if err != nil {
		g.sessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "qr": qr})
}

func (g *Gateway) handleRestartSession(w http.ResponseWriter, r *http.Request) {
	if err := g.sessions.Restart(teardownContext(r), chi.URLParam(r, "sessionId")); err != nil {
		g.sessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Restarted successfully"})
}

func (g *Gateway) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	if err := g.sessions.Terminate(teardownContext(r), chi.URLParam(r, "sessionId")); err != nil {
		g.sessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Logged out successfully"})
}

func (g *Gateway) handleTerminateAll(w http.ResponseWriter, r *http.Request) {
	terminated, err := g.sessions.TerminateAll(teardownContext(r))
	g.writeFlushResult(w, terminated, err)
}

func (g *Gateway) handleTerminateInactive(w http.ResponseWriter, r *http.Request) {
	terminated, err := g.sessions.TerminateInactive(teardownContext(r))
	g.writeFlushResult(w, terminated, err)
}

// writeFlushResult reports the terminated ids even when some teardowns failed.
func (g *Gateway) writeFlushResult(w http.ResponseWriter, terminated []string, err error) {
	if terminated == nil {
		terminated = []string{}
	}
	if err != nil {
		g.logger.Error("flushing sessions", "error", err, "terminated", terminated)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success":    false,
			"error":      err.Error(),
			"terminated": terminated,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"message":    "Flush completed successfully",
		"terminated": terminated,
	})
}

func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "sessions": g.sessions.List()})
}

// SendMessageRequest is the body of POST /client/sendMessage/{sessionId}.
type SendMessageRequest struct {
	ChatID      string `json:"chatId"`
	ContentType string `json:"contentType"`
	Content     any    `json:"content"`
}

func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	var req SendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ContentType != "string" {
		g.sendJSONError(w, http.StatusBadRequest, "unsupported contentType: only \"string\" is supported")
		return
	}
	content, ok := req.Content.(string)
	if !ok || content == "" {
		g.sendJSONError(w, http.StatusBadRequest, "content must be a non-empty string")
		return
	}
	if !connection.ValidChatID(req.ChatID) {
		g.sendJSONError(w, http.StatusBadRequest, "invalid chatId: must end with @c.us or @g.us")
		return
	}

	v := g.sessions.Validate(r.Context(), sessionID)
	if err := v.Err(); err != nil {
		body := map[string]any{"success": false, "error": err.Error()}
		if v.Reason == session.ReasonNotConnected {
			body["sessionState"] = v.State
		}
		writeJSON(w, sessionErrorStatus(err), body)
		return
	}

	sent, err := g.sessions.Send(r.Context(), sessionID, req.ChatID, content)
	if err != nil {
		g.logger.Warn("sending message", "session_id", sessionID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": sent})
}
