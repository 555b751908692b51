// Package recovery holds the primitives the session manager uses to heal
// failed sessions: the exponential backoff policy, failure classification,
// the per-session single-flight restart lease with its attempt counter, and
// cancellable restart timers.
package recovery
