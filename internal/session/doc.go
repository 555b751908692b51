// Package session owns the lifecycle of every messaging session: creating
// connection clients, tracking their state, validating readiness, restoring
// sessions from disk and restarting failed clients with backoff.
//
// Each client gets a generation number when it is built. Events and
// failures carrying an older generation are ignored, so a replaced client
// can never affect its successor.
package session
