// Package dedupe suppresses repeated deliveries of the same message event.
// Connection clients can surface one message more than once during
// reconnects, and a bounded TTL window keeps each delivery unique.
package dedupe
