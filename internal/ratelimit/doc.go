// Package ratelimit implements a per-key sliding-window request limiter
// used to cap inbound webhook calls.
package ratelimit
