// Package webhook manages user-defined inbound webhooks. Each registration
// binds a secret token to a session and a chat; an authenticated call with
// a {"message": "..."} body sends that message through the session.
//
// Calls pass through a fixed sequence of gates (auth, existence, token,
// enabled flag, rate limit, payload, session readiness) and every outcome
// is appended to the webhook history.
package webhook
