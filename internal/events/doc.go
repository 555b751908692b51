// Package events delivers connection client events to per-session webhook
// URLs. Delivery is best effort: a bounded queue drops work when full, and
// failures are logged with throttling rather than retried.
package events
