// Package fake provides an in-memory connection driver. Tests use it to script
// lifecycle events; `driver.kind: fake` runs the gateway without a network.
package fake
