// Package gateway orchestrates the relay-gateway server components.
//
// # Overview
//
// The gateway package is the central coordinator of relay-gateway. It owns
// the webhook store, the session manager, the event delivery queue and
// dispatcher, the webhook registry and the HTTP server, and wires them
// together from a config.Config:
//
//	driver     := runner | matrix | fake        (driver.kind)
//	dispatcher := events.NewDispatcher(queue, dedupe window, ...)
//	sessions   := session.NewManager(driver, sink = dispatcher, ...)
//	webhooks   := webhook.NewRegistry(store, sessions, limiter, ...)
//
// # HTTP API
//
// Routes are served by a chi router (router.go):
//
//   - GET /health, GET /health/ready - liveness and readiness
//   - GET /session/{start,status,qr,restart,terminate}/{sessionId} - session lifecycle
//   - GET /session/{terminateAll,terminateInactive,list}
//   - POST /client/sendMessage/{sessionId} - send text through a session
//   - /api/webhooks, /api/webhook-history, /api/webhook-sync - webhook admin
//   - POST /webhook/{id}, POST /api/webhook/{id} - inbound webhook calls
//
// Session and client routes require the x-api-key header when auth.api_key
// is set. Webhook admin routes require an admin JWT when auth.jwt_secret is
// set. Inbound calls authenticate with the webhook's own secret token.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // restores sessions, serves until ctx is canceled
//
// Run shuts down on return. Shutdown closes every session client without
// logging out, so the next start can restore them.
package gateway
