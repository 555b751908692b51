// ABOUTME: Lifecycle event handling and automatic restart with backoff
// ABOUTME: One restart cycle per session at a time, guarded by a generation lease

package session

import (
	"errors"

	"github.com/2389/relay-gateway/internal/connection"
	"github.com/2389/relay-gateway/internal/recovery"
)

// handleEvent dispatches evt and then applies its lifecycle effect.
func (m *Manager) handleEvent(id string, gen uint64, client connection.Client, evt connection.Event) {
	if !m.current(id, gen) {
		return
	}

	if !evt.Type.Internal() && m.opts.Sink != nil {
		m.opts.Sink.Dispatch(id, client, evt)
	}

	switch evt.Type {
	case connection.EventQR:
		m.mu.Lock()
		if rec, ok := m.sessions[id]; ok && rec.gen == gen {
			rec.qr = evt.QR
		}
		m.mu.Unlock()
		m.transition(id, gen, StateAwaitingAuth)

	case connection.EventReady:
		if m.transition(id, gen, StateConnected) {
			m.leases.Release(id)
			m.leases.Reset(id)
			m.logger.Info("session ready", "session_id", id)
		}

	case connection.EventAuthFailure:
		m.logger.Warn("session authentication failed", "session_id", id)

	case connection.EventDisconnected:
		if evt.Reason == connection.ReasonLogout {
			m.logger.Info("session logged out from device", "session_id", id)
			m.destroyRecord(id, gen)
			return
		}
		m.handleFailure(id, gen, "disconnected: "+evt.Reason, recovery.ClassTransient)

	case connection.EventExecutionClosed:
		m.handleFailure(id, gen, "browser page closed", recovery.ClassTransient)

	case connection.EventExecutionError:
		m.handleFailure(id, gen, "browser page error", recovery.Classify(evt.Err))
	}
}

// handleFailure moves the session to DISCONNECTED and, when recovery is on,
// schedules a single restart cycle. Duplicate signals while a cycle is in
// flight are dropped.
func (m *Manager) handleFailure(id string, gen uint64, reason string, class recovery.FailureClass) {
	if !m.current(id, gen) {
		return
	}
	m.transition(id, gen, StateDisconnected)

	logger := m.logger.With("session_id", id, "reason", reason)
	if !m.opts.Recover {
		logger.Warn("session failed, auto-recovery disabled")
		return
	}
	if !m.leases.Acquire(id, gen) {
		logger.Info("restart already in progress, skipping")
		return
	}

	m.mu.Lock()
	rec, ok := m.sessions[id]
	if !ok || rec.gen != gen || rec.client == nil || !CanTransition(rec.state, StateRestarting) {
		m.mu.Unlock()
		m.leases.Release(id)
		return
	}
	client := m.detachLocked(rec)
	rec.setState(StateRestarting)
	m.mu.Unlock()

	go m.closeClient(client, false)
	m.scheduleRestart(id, gen, class, reason)
}

// scheduleRestart counts an attempt and either arms the restart timer or
// gives up once the policy is exhausted.
func (m *Manager) scheduleRestart(id string, gen uint64, class recovery.FailureClass, reason string) {
	attempt := m.leases.Next(id)
	if m.opts.Policy.Exhausted(attempt) {
		m.logger.Error("max retry attempts reached, stopping auto-recovery",
			"session_id", id, "max_attempts", m.opts.Policy.MaxAttempts, "reason", reason)
		m.destroyRecord(id, gen)
		return
	}

	delay := m.opts.Policy.Delay(attempt-1, class)
	m.logger.Warn("scheduling session restart",
		"session_id", id,
		"attempt", attempt,
		"max_attempts", m.opts.Policy.MaxAttempts,
		"delay", delay,
		"class", class,
		"reason", reason,
	)
	m.timers.Schedule(id, delay, func() { m.recreate(id, gen) })
}

// recreate builds the replacement client once the backoff delay elapses.
func (m *Manager) recreate(id string, prevGen uint64) {
	m.mu.RLock()
	rec, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return
	}

	m.logger.Info("attempting session restart", "session_id", id, "attempt", m.leases.Attempts(id))
	err := m.spawn(rec, StateRestarting, prevGen)
	if err == nil || errors.Is(err, errSuperseded) {
		return
	}

	m.logger.Warn("recreating client failed", "session_id", id, "error", err)
	m.scheduleRestart(id, prevGen, recovery.Classify(err), "client construction failed")
}

// destroyRecord removes generation gen of id from the registry and destroys
// its client. The session folder is kept.
func (m *Manager) destroyRecord(id string, gen uint64) {
	m.timers.Cancel(id)

	m.mu.Lock()
	rec, ok := m.sessions[id]
	if !ok || rec.gen != gen {
		m.mu.Unlock()
		return
	}
	client := m.detachLocked(rec)
	rec.setState(StateDestroyed)
	delete(m.sessions, id)
	m.mu.Unlock()

	m.leases.Forget(id)
	m.logger.Info("session destroyed", "session_id", id)
	go m.closeClient(client, false)
}
