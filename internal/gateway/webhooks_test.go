// ABOUTME: Tests for the webhook admin API and inbound webhook routes
// ABOUTME: Drives registrations end to end through the fake driver

package gateway

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/connection/fake"
	"github.com/2389/relay-gateway/internal/session"
)

func bearer(token string) http.Header {
	return http.Header{"Authorization": {"Bearer " + token}}
}

// createWebhook registers a webhook through the API and returns its id and token.
func createWebhook(t *testing.T, tg *testGateway, header http.Header, body map[string]any) (string, string) {
	t.Helper()
	resp, out := tg.do(t, http.MethodPost, "/api/webhooks", body, header)
	require.Equal(t, http.StatusCreated, resp.StatusCode, out)
	wh, ok := out["webhook"].(map[string]any)
	require.True(t, ok)
	return wh["id"].(string), wh["secretToken"].(string)
}

func connectedGateway(t *testing.T, extra string) *testGateway {
	t.Helper()
	tg := newTestGateway(t, fake.Behavior{AutoReady: true}, extra)
	_, err := tg.gw.Sessions().Start("main")
	require.NoError(t, err)
	tg.waitState(t, "main", session.StateConnected)
	return tg
}

func TestWebhookCRUD(t *testing.T) {
	tg := newTestGateway(t, fake.Behavior{}, "")

	id, token := createWebhook(t, tg, nil, map[string]any{
		"name": "Ops", "sessionId": "Main", "chatId": "120363000000000000@g.us", "rateLimit": 5,
	})
	assert.Regexp(t, `^wh_`, id)
	assert.Regexp(t, `^whsec_[0-9a-f]{48}$`, token)

	resp, body := tg.do(t, http.MethodGet, "/api/webhooks", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := body["webhooks"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "main", list[0].(map[string]any)["sessionId"])

	resp, body = tg.do(t, http.MethodPut, "/api/webhooks/"+id, map[string]any{"name": "Ops 2", "rateLimit": 20}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	wh := body["webhook"].(map[string]any)
	assert.Equal(t, "Ops 2", wh["name"])
	assert.Equal(t, float64(20), wh["rateLimit"])

	resp, body = tg.do(t, http.MethodPost, "/api/webhooks/"+id+"/toggle", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["webhook"].(map[string]any)["enabled"])

	resp, body = tg.do(t, http.MethodPost, "/api/webhooks/"+id+"/regenerate-token", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEqual(t, token, body["webhook"].(map[string]any)["secretToken"])

	resp, _ = tg.do(t, http.MethodGet, "/api/webhooks/"+id, nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = tg.do(t, http.MethodDelete, "/api/webhooks/"+id, nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = tg.do(t, http.MethodGet, "/api/webhooks/"+id, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, false, body["success"])
}

func TestWebhookCreate_Invalid(t *testing.T) {
	tg := newTestGateway(t, fake.Behavior{}, "")

	tests := []struct {
		name string
		body any
	}{
		{"invalid json", `{"name":`},
		{"missing fields", map[string]any{"name": "x"}},
		{"rate limit too high", map[string]any{"name": "x", "sessionId": "main", "chatId": "1@c.us", "rateLimit": 5000}},
		{"bad session id", map[string]any{"name": "x", "sessionId": "no spaces", "chatId": "1@c.us"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := tg.do(t, http.MethodPost, "/api/webhooks", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, false, body["success"])
		})
	}
}

func TestAdminRoutes_RequireJWT(t *testing.T) {
	secret := "0123456789abcdef0123456789abcdef"
	tg := newTestGateway(t, fake.Behavior{}, "auth:\n  jwt_secret: "+secret+"\n")

	resp, _ := tg.do(t, http.MethodGet, "/api/webhooks", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = tg.do(t, http.MethodGet, "/api/webhook-history", nil, bearer("not-a-jwt"))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := auth.NewJWTVerifier([]byte(secret)).Generate("admin", time.Hour)
	require.NoError(t, err)

	resp, _ = tg.do(t, http.MethodGet, "/api/webhooks", nil, bearer(token))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	id, _ := createWebhook(t, tg, bearer(token), map[string]any{
		"name": "Ops", "sessionId": "main", "chatId": "1@g.us",
	})

	// Inbound calls never use the admin token.
	resp, body := tg.do(t, http.MethodPost, "/webhook/"+id, `{"message":"hi"}`, bearer(token))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Invalid secret token", body["error"])
}

func TestInbound_SendsThroughSession(t *testing.T) {
	tg := connectedGateway(t, "")
	id, token := createWebhook(t, tg, nil, map[string]any{
		"name": "Ops", "sessionId": "main", "chatId": "120363000000000000@g.us",
	})

	resp, body := tg.do(t, http.MethodPost, "/webhook/"+id, `{"message":"deploy finished"}`, bearer(token))
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "true_120363000000000000@g.us_FAKE0001", body["messageId"])
	assert.Equal(t, float64(9), body["rateLimitRemaining"])
	assert.Equal(t, "9", resp.Header.Get("X-RateLimit-Remaining"))
	assert.Equal(t, "60", resp.Header.Get("X-RateLimit-Reset"))

	resp, _ = tg.do(t, http.MethodPost, "/api/webhook/"+id, `{"message":"alias"}`, bearer(token))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	sent := tg.driver.Latest("main").SentMessages()
	require.Len(t, sent, 2)
	assert.Equal(t, "deploy finished", sent[0].Content)
	assert.Equal(t, "alias", sent[1].Content)

	resp, body = tg.do(t, http.MethodGet, "/api/webhook-history?webhookId="+id+"&limit=1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	history := body["history"].([]any)
	require.Len(t, history, 1)
	entry := history[0].(map[string]any)
	assert.Equal(t, "success", entry["status"])
	assert.Equal(t, `{"message":"alias"}`, entry["payload"])
}

func TestInbound_RateLimited(t *testing.T) {
	tg := connectedGateway(t, "")
	id, token := createWebhook(t, tg, nil, map[string]any{
		"name": "Ops", "sessionId": "main", "chatId": "1@c.us", "rateLimit": 2,
	})

	for i := 0; i < 2; i++ {
		resp, _ := tg.do(t, http.MethodPost, "/webhook/"+id, `{"message":"hi"}`, bearer(token))
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, body := tg.do(t, http.MethodPost, "/webhook/"+id, `{"message":"hi"}`, bearer(token))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Regexp(t, `^Rate limit exceeded\. Try again in (5[5-9]|60) seconds\.$`, body["error"])
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
	assert.Len(t, tg.driver.Latest("main").SentMessages(), 2)
}

func TestInbound_GatesRecordHistory(t *testing.T) {
	tg := newTestGateway(t, fake.Behavior{QR: "qr-1"}, "")
	_, err := tg.gw.Sessions().Start("main")
	require.NoError(t, err)
	tg.waitState(t, "main", session.StateAwaitingAuth)

	id, token := createWebhook(t, tg, nil, map[string]any{
		"name": "Ops", "sessionId": "main", "chatId": "1@c.us",
	})

	resp, _ := tg.do(t, http.MethodPost, "/webhook/"+id, `{"message":"hi"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = tg.do(t, http.MethodPost, "/webhook/wh_missing", `{"message":"hi"}`, bearer(token))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := tg.do(t, http.MethodPost, "/webhook/"+id, `{"message":"hi"}`, bearer(token))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "OPENING", body["sessionState"])

	resp, body = tg.do(t, http.MethodGet, "/api/webhook-history", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	history := body["history"].([]any)
	require.Len(t, history, 3)
	for _, h := range history {
		assert.Equal(t, "error", h.(map[string]any)["status"])
	}
	assert.Empty(t, tg.driver.Latest("main").SentMessages())
}

func TestInbound_OversizedBodyRecordsHistory(t *testing.T) {
	tg := connectedGateway(t, "")
	id, token := createWebhook(t, tg, nil, map[string]any{
		"name": "Ops", "sessionId": "main", "chatId": "1@c.us",
	})

	huge := `{"message":"` + strings.Repeat("x", maxBodyBytes) + `"}`
	resp, body := tg.do(t, http.MethodPost, "/webhook/"+id, huge, bearer(token))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, "Request body too large", body["error"])

	resp, body = tg.do(t, http.MethodGet, "/api/webhook-history?webhookId="+id, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	history := body["history"].([]any)
	require.Len(t, history, 1)
	entry := history[0].(map[string]any)
	assert.Equal(t, "error", entry["status"])
	assert.Equal(t, float64(http.StatusRequestEntityTooLarge), entry["statusCode"])
	assert.Empty(t, tg.driver.Latest("main").SentMessages())
}

func TestWebhookHistory_BadLimit(t *testing.T) {
	tg := newTestGateway(t, fake.Behavior{}, "")

	resp, body := tg.do(t, http.MethodGet, "/api/webhook-history?limit=zero", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "limit must be a positive integer", body["error"])
}

func TestWebhookSync(t *testing.T) {
	tg := newTestGateway(t, fake.Behavior{}, "")
	oldID, _ := createWebhook(t, tg, nil, map[string]any{
		"name": "Old", "sessionId": "main", "chatId": "1@c.us",
	})

	resp, body := tg.do(t, http.MethodPost, "/api/webhook-sync", map[string]any{
		"webhooks": []map[string]any{
			{"id": "wh_imported", "name": "Imported", "sessionId": "main", "chatId": "2@g.us", "secretToken": "whsec_kept", "enabled": true},
			{"name": "Fresh", "sessionId": "other", "chatId": "3@c.us"},
		},
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, float64(2), body["synced"])

	resp, _ = tg.do(t, http.MethodGet, "/api/webhooks/"+oldID, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = tg.do(t, http.MethodGet, "/api/webhooks/wh_imported", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "whsec_kept", body["webhook"].(map[string]any)["secretToken"])

	resp, body = tg.do(t, http.MethodPost, "/api/webhook-sync", `{"hooks":[]}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Invalid webhooks data", body["error"])
}
