// ABOUTME: Readiness validation combining the liveness probe with semantic state
// ABOUTME: Used before sending and by terminate and the inactive sweep

package session

import (
	"context"

	"github.com/2389/relay-gateway/internal/connection"
	"github.com/2389/relay-gateway/internal/probe"
)

// Validate reports whether the session can send right now. The surface is
// proven alive before the client's reported state is trusted.
func (m *Manager) Validate(ctx context.Context, rawID string) Validation {
	id, err := NormalizeID(rawID)
	if err != nil {
		return Validation{Reason: ReasonNotFound}
	}

	m.mu.RLock()
	rec, ok := m.sessions[id]
	var client connection.Client
	var state State
	if ok {
		client = rec.client
		state = rec.state
	}
	m.mu.RUnlock()

	if !ok {
		return Validation{Reason: ReasonNotFound}
	}
	if client == nil {
		return Validation{Reason: ReasonNotConnected, State: string(state)}
	}
	return m.validateClient(ctx, client)
}

func (m *Manager) validateClient(ctx context.Context, client connection.Client) Validation {
	if client == nil {
		return Validation{Reason: ReasonSessionClosed}
	}

	res := probe.Check(ctx, client, m.opts.Probe)
	switch res.Liveness {
	case probe.Closed:
		return Validation{Reason: ReasonBrowserClosed}
	case probe.Unknown:
		m.logger.Debug("liveness probe inconclusive", "result", res.String())
		return Validation{Reason: ReasonSessionClosed}
	}

	state, err := client.State(ctx)
	if err != nil {
		return Validation{Reason: ReasonSessionClosed}
	}
	if state != connection.StateConnected {
		return Validation{Reason: ReasonNotConnected, State: state}
	}
	return Validation{OK: true, State: state, Reason: ReasonConnected}
}
