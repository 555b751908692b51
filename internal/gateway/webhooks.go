// ABOUTME: HTTP handlers for webhook administration and inbound webhook calls
// ABOUTME: Admin routes sit behind the JWT middleware; inbound calls carry the webhook secret

package gateway

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/store"
	"github.com/2389/relay-gateway/internal/webhook"
)

func (g *Gateway) webhookError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, webhook.ErrInvalidInput):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, webhook.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrDuplicateWebhook):
		g.sendJSONError(w, http.StatusConflict, err.Error())
	default:
		g.logger.Error("webhook request failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, err.Error())
	}
}

func (g *Gateway) writeWebhook(w http.ResponseWriter, status int, wh *store.Webhook) {
	writeJSON(w, status, map[string]any{"success": true, "webhook": wh})
}

func (g *Gateway) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	list, err := g.webhooks.List(r.Context())
	if err != nil {
		g.webhookError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "webhooks": list})
}

func (g *Gateway) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	var in webhook.CreateInput
	if err := decodeJSON(r, &in); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	wh, err := g.webhooks.Create(r.Context(), in)
	if err != nil {
		g.webhookError(w, err)
		return
	}
	g.logger.Info("webhook created via API", "webhook_id", wh.ID, "by", auth.SubjectFromContext(r.Context()))
	g.writeWebhook(w, http.StatusCreated, wh)
}

func (g *Gateway) handleGetWebhook(w http.ResponseWriter, r *http.Request) {
	wh, err := g.webhooks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		g.webhookError(w, err)
		return
	}
	g.writeWebhook(w, http.StatusOK, wh)
}

func (g *Gateway) handleUpdateWebhook(w http.ResponseWriter, r *http.Request) {
	var in webhook.UpdateInput
	if err := decodeJSON(r, &in); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	wh, err := g.webhooks.Update(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		g.webhookError(w, err)
		return
	}
	g.writeWebhook(w, http.StatusOK, wh)
}

func (g *Gateway) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := g.webhooks.Delete(r.Context(), id); err != nil {
		g.webhookError(w, err)
		return
	}
	g.logger.Info("webhook deleted via API", "webhook_id", id, "by", auth.SubjectFromContext(r.Context()))
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (g *Gateway) handleToggleWebhook(w http.ResponseWriter, r *http.Request) {
	wh, err := g.webhooks.Toggle(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		g.webhookError(w, err)
		return
	}
	g.writeWebhook(w, http.StatusOK, wh)
}

func (g *Gateway) handleRegenerateToken(w http.ResponseWriter, r *http.Request) {
	wh, err := g.webhooks.RegenerateToken(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		g.webhookError(w, err)
		return
	}
	g.writeWebhook(w, http.StatusOK, wh)
}

func (g *Gateway) handleWebhookHistory(w http.ResponseWriter, r *http.Request) {
	f := store.HistoryFilter{WebhookID: r.URL.Query().Get("webhookId")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = limit
	}

	history, err := g.webhooks.History(r.Context(), f)
	if err != nil {
		g.webhookError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "history": history})
}

// syncRequest is the body of POST /api/webhook-sync.
type syncRequest struct {
	Webhooks []store.Webhook `json:"webhooks"`
}

func (g *Gateway) handleWebhookSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := decodeJSON(r, &req); err != nil || req.Webhooks == nil {
		g.sendJSONError(w, http.StatusBadRequest, "Invalid webhooks data")
		return
	}
	synced, err := g.webhooks.Sync(r.Context(), req.Webhooks)
	if err != nil {
		g.webhookError(w, err)
		return
	}
	g.logger.Info("webhooks synced via API", "count", len(synced), "by", auth.SubjectFromContext(r.Context()))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "synced": len(synced)})
}

func (g *Gateway) handleInbound(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var res webhook.InboundResult
	body, err := readBody(r)
	switch {
	case errors.Is(err, errBodyTooLarge):
		res = g.webhooks.Reject(r.Context(), id, http.StatusRequestEntityTooLarge, webhook.MsgBodyTooLarge)
	case err != nil:
		res = g.webhooks.Reject(r.Context(), id, http.StatusBadRequest, webhook.MsgBodyUnreadable)
	default:
		res = g.webhooks.HandleInbound(r.Context(), id, r.Header.Get("Authorization"), body)
	}
	for k, v := range res.Headers {
		w.Header().Set(k, v)
	}
	writeJSON(w, res.Status, res.Body)
}
