// Package store persists webhook registrations and their call history in
// SQLite.
//
// # Data Models
//
//   - Webhook: an inbound webhook bound to a session and a chat, with its
//     secret token, per-minute rate limit and enabled flag
//   - HistoryEntry: one inbound call outcome with the raw payload and the
//     response or error
//
// History is capped: every insert trims the oldest rows beyond the
// configured limit inside the same transaction.
//
// SQLiteStore is the production implementation. MockStore is an in-memory
// implementation for tests of packages that depend on WebhookStore.
package store
