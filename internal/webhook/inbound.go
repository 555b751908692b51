// ABOUTME: Inbound webhook call handling: auth, rate limit, payload and session gates
// ABOUTME: Every outcome is recorded in the webhook history before returning

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/connection"
	"github.com/2389/relay-gateway/internal/session"
	"github.com/2389/relay-gateway/internal/store"
)

// Inbound failure messages.
const (
	MsgMissingAuth     = "Missing or invalid Authorization header"
	MsgNotFound        = "Webhook not found"
	MsgInvalidToken    = "Invalid secret token"
	MsgDisabled        = "Webhook is disabled"
	MsgInvalidJSON     = "Invalid JSON payload"
	MsgInvalidMessage  = "Missing or invalid message field"
	MsgInvalidChatID   = "Invalid chatId format. Must end with @c.us (personal) or @g.us (group)"
	MsgSessionNotFound = "Session not found. Please create a new session."
	MsgBrowserClosed   = "Session browser closed. Attempting to reconnect..."
	MsgBodyTooLarge    = "Request body too large"
	MsgBodyUnreadable  = "Could not read request body"
)

// InboundResult is the HTTP response for an inbound call.
type InboundResult struct {
	Status  int
	Body    map[string]any
	Headers map[string]string
}

type inboundPayload struct {
	Message any `json:"message"`
}

// HandleInbound authenticates and executes one inbound webhook call. The
// message is sent to the webhook's own chat through its session.
func (r *Registry) HandleInbound(ctx context.Context, webhookID, authHeader string, body []byte) InboundResult {
	payload := string(body)
	logger := r.logger.With("webhook_id", webhookID)

	token, ok := auth.BearerToken(authHeader)
	if !ok {
		return r.fail(ctx, webhookID, payload, http.StatusUnauthorized, MsgMissingAuth)
	}

	w, err := r.store.GetWebhook(ctx, webhookID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.Error("loading webhook", "error", err)
		}
		return r.fail(ctx, webhookID, payload, http.StatusNotFound, MsgNotFound)
	}

	if !auth.SecureCompare(token, w.SecretToken) {
		return r.fail(ctx, webhookID, payload, http.StatusUnauthorized, MsgInvalidToken)
	}
	if !w.Enabled {
		return r.fail(ctx, webhookID, payload, http.StatusForbidden, MsgDisabled)
	}

	decision := r.limiter.Allow(w.ID, w.RateLimit)
	if !decision.Allowed {
		res := r.fail(ctx, webhookID, payload, http.StatusTooManyRequests,
			fmt.Sprintf("Rate limit exceeded. Try again in %d seconds.", decision.ResetIn))
		res.Headers = rateHeaders(0, decision.ResetIn)
		return res
	}

	var in inboundPayload
	if err := json.Unmarshal(body, &in); err != nil {
		return r.fail(ctx, webhookID, payload, http.StatusBadRequest, MsgInvalidJSON)
	}
	message, ok := in.Message.(string)
	if !ok || strings.TrimSpace(message) == "" {
		return r.fail(ctx, webhookID, payload, http.StatusBadRequest, MsgInvalidMessage)
	}
	if !connection.ValidChatID(w.ChatID) {
		return r.fail(ctx, webhookID, payload, http.StatusBadRequest, MsgInvalidChatID)
	}

	v := r.sessions.Validate(ctx, w.SessionID)
	if !v.OK {
		res := r.fail(ctx, webhookID, payload, validationStatus(v.Reason), validationMessage(v))
		if v.Reason == session.ReasonNotConnected {
			res.Body["sessionState"] = v.State
		}
		return res
	}

	sent, err := r.sessions.Send(ctx, w.SessionID, w.ChatID, message)
	if err != nil {
		logger.Warn("sending inbound message", "session_id", w.SessionID, "error", err)
		return r.fail(ctx, webhookID, payload, http.StatusInternalServerError, err.Error())
	}

	response, _ := json.Marshal(map[string]string{
		"messageId": sent.ID,
		"chatId":    w.ChatID,
		"sessionId": w.SessionID,
	})
	r.record(ctx, &store.HistoryEntry{
		WebhookID:  webhookID,
		Status:     store.HistorySuccess,
		StatusCode: http.StatusOK,
		Payload:    payload,
		Response:   response,
	})

	logger.Info("inbound message sent", "session_id", w.SessionID, "message_id", sent.ID)
	return InboundResult{
		Status: http.StatusOK,
		Body: map[string]any{
			"success":            true,
			"messageId":          sent.ID,
			"webhookId":          w.ID,
			"rateLimitRemaining": decision.Remaining,
		},
		Headers: rateHeaders(decision.Remaining, decision.ResetIn),
	}
}

// Reject records and returns a failure for an inbound call that never got a
// readable body, such as one over the size limit.
func (r *Registry) Reject(ctx context.Context, webhookID string, status int, msg string) InboundResult {
	return r.fail(ctx, webhookID, "", status, msg)
}

func (r *Registry) fail(ctx context.Context, webhookID, payload string, status int, msg string) InboundResult {
	r.record(ctx, &store.HistoryEntry{
		WebhookID:  webhookID,
		Status:     store.HistoryError,
		StatusCode: status,
		Payload:    payload,
		Error:      msg,
	})
	return InboundResult{
		Status: status,
		Body:   map[string]any{"success": false, "error": msg},
	}
}

// record appends e to history. A storage failure is logged, not returned.
func (r *Registry) record(ctx context.Context, e *store.HistoryEntry) {
	e.ID = histPrefix + uuid.NewString()
	e.Timestamp = r.opts.Now()
	if err := r.store.AppendHistory(context.WithoutCancel(ctx), e, r.opts.HistoryLimit); err != nil {
		r.logger.Error("recording webhook history", "webhook_id", e.WebhookID, "error", err)
	}
}

func rateHeaders(remaining, resetIn int) map[string]string {
	return map[string]string{
		"X-RateLimit-Remaining": strconv.Itoa(remaining),
		"X-RateLimit-Reset":     strconv.Itoa(resetIn),
	}
}

func validationStatus(reason session.Reason) int {
	if reason == session.ReasonNotFound {
		return http.StatusNotFound
	}
	return http.StatusServiceUnavailable
}

func validationMessage(v session.Validation) string {
	switch v.Reason {
	case session.ReasonNotFound:
		return MsgSessionNotFound
	case session.ReasonNotConnected:
		return fmt.Sprintf("Session not connected. Current state: %s. Please reconnect.", v.State)
	default:
		return MsgBrowserClosed
	}
}
