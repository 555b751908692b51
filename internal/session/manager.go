// ABOUTME: Session registry owning one connection client per session id
// ABOUTME: Handles start, status, restart, terminate and the per-client event loop

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/relay-gateway/internal/connection"
	"github.com/2389/relay-gateway/internal/probe"
	"github.com/2389/relay-gateway/internal/recovery"
)

// errSuperseded means another restart or a terminate replaced the record first.
var errSuperseded = errors.New("session superseded")

// EventSink receives every dispatchable event of every session.
type EventSink interface {
	Dispatch(sessionID string, client connection.Client, evt connection.Event)
}

// Options configures a Manager.
type Options struct {
	Driver connection.Driver
	Sink   EventSink
	// FolderPath holds one session-<id> directory per session.
	FolderPath string
	// Recover enables automatic restarts after failures.
	Recover bool
	Policy  recovery.Policy
	Probe   probe.Options
	// TerminateWait bounds how long teardown waits for a client to close.
	TerminateWait time.Duration
	Logger        *slog.Logger
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	ID             string    `json:"id"`
	State          State     `json:"state"`
	QR             string    `json:"qr,omitempty"`
	RetryCount     int       `json:"retryCount"`
	RestartPending bool      `json:"restartPending"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// record is the registry entry for one session. All fields are guarded by Manager.mu.
type record struct {
	id        string
	state     State
	client    connection.Client
	gen       uint64
	qr        string
	detach    context.CancelFunc
	loopDone  chan struct{}
	createdAt time.Time
	updatedAt time.Time
}

func (r *record) setState(s State) {
	r.state = s
	r.updatedAt = time.Now().UTC()
}

// Manager is the authoritative registry of sessions.
type Manager struct {
	opts     Options
	sessions map[string]*record
	mu       sync.RWMutex
	leases   *recovery.Leases
	timers   *recovery.Timers
	gen      atomic.Uint64
	logger   *slog.Logger
}

// NewManager creates a Manager. Zero-valued options fall back to defaults.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Policy == (recovery.Policy{}) {
		opts.Policy = recovery.DefaultPolicy()
	}
	if opts.TerminateWait <= 0 {
		opts.TerminateWait = 10 * time.Second
	}
	if opts.FolderPath == "" {
		opts.FolderPath = "./sessions"
	}
	return &Manager{
		opts:     opts,
		sessions: make(map[string]*record),
		leases:   recovery.NewLeases(),
		timers:   recovery.NewTimers(),
		logger:   opts.Logger,
	}
}

// Start allocates a session and initializes its client in the background.
// Returns ErrSessionExists if a live session already uses the id.
func (m *Manager) Start(rawID string) (Snapshot, error) {
	id, err := NormalizeID(rawID)
	if err != nil {
		return Snapshot{}, err
	}

	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return Snapshot{}, ErrSessionExists
	}
	now := time.Now().UTC()
	rec := &record{id: id, state: StateCreating, createdAt: now, updatedAt: now}
	m.sessions[id] = rec
	m.mu.Unlock()

	m.leases.Forget(id)
	if err := m.spawn(rec, StateCreating, 0); err != nil {
		m.mu.Lock()
		if m.sessions[id] == rec {
			delete(m.sessions, id)
		}
		m.mu.Unlock()
		return Snapshot{}, err
	}

	m.logger.Info("=== SESSION STARTED ===", "session_id", id, "driver", m.opts.Driver.Name())
	return m.Status(id)
}

// spawn builds a fresh client for rec and starts its event loop and
// initialization. It only proceeds while rec is still registered in state
// from with generation expectGen.
func (m *Manager) spawn(rec *record, from State, expectGen uint64) error {
	client, err := m.opts.Driver.NewClient(rec.id, m.sessionDir(rec.id))
	if err != nil {
		return fmt.Errorf("creating %s client: %w", m.opts.Driver.Name(), err)
	}

	gen := m.gen.Add(1)
	loopCtx, detach := context.WithCancel(context.Background())
	done := make(chan struct{})

	m.mu.Lock()
	if m.sessions[rec.id] != rec || rec.state != from || rec.gen != expectGen {
		m.mu.Unlock()
		detach()
		m.closeClient(client, false)
		return errSuperseded
	}
	rec.client = client
	rec.gen = gen
	rec.detach = detach
	rec.loopDone = done
	rec.qr = ""
	rec.setState(StateCreating)
	m.mu.Unlock()

	if from == StateRestarting {
		m.leases.Handoff(rec.id, gen)
	}

	go m.eventLoop(loopCtx, rec.id, gen, client, done)
	go m.initialize(loopCtx, rec.id, gen, client)
	return nil
}

// initialize runs client.Initialize and routes failures into recovery.
func (m *Manager) initialize(ctx context.Context, id string, gen uint64, client connection.Client) {
	err := client.Initialize(ctx)
	if err == nil || ctx.Err() != nil {
		return
	}
	class := recovery.Classify(err)
	m.logger.Warn("client initialize failed", "session_id", id, "error", err, "class", class)
	m.handleFailure(id, gen, "initialize error", class)
}

// eventLoop is the single consumer of a client's events.
func (m *Manager) eventLoop(ctx context.Context, id string, gen uint64, client connection.Client, done chan struct{}) {
	defer close(done)

	events := client.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if ctx.Err() != nil {
				return
			}
			m.handleEvent(id, gen, client, evt)
		}
	}
}

// Status returns a snapshot of the session.
func (m *Manager) Status(rawID string) (Snapshot, error) {
	id, err := NormalizeID(rawID)
	if err != nil {
		return Snapshot{}, err
	}

	m.mu.RLock()
	rec, ok := m.sessions[id]
	var snap Snapshot
	if ok {
		snap = Snapshot{
			ID:        rec.id,
			State:     rec.state,
			QR:        rec.qr,
			CreatedAt: rec.createdAt,
			UpdatedAt: rec.updatedAt,
		}
	}
	m.mu.RUnlock()

	if !ok {
		return Snapshot{}, ErrSessionNotFound
	}
	snap.RetryCount = m.leases.Attempts(id)
	snap.RestartPending = m.timers.Pending(id)
	return snap, nil
}

// QR returns the last authentication code received for the session.
func (m *Manager) QR(rawID string) (string, error) {
	snap, err := m.Status(rawID)
	if err != nil {
		return "", err
	}
	if snap.QR == "" {
		return "", ErrNoQRCode
	}
	return snap.QR, nil
}

// List returns snapshots of all sessions ordered by id.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	sort.Strings(ids)
	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		if snap, err := m.Status(id); err == nil {
			out = append(out, snap)
		}
	}
	return out
}

// CountConnected returns how many sessions are CONNECTED.
func (m *Manager) CountConnected() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, rec := range m.sessions {
		if rec.state == StateConnected {
			n++
		}
	}
	return n
}

// Send delivers a text message through the session's live client.
// The client is looked up at call time; callers validate first.
func (m *Manager) Send(ctx context.Context, rawID, chatID, content string) (*connection.SentMessage, error) {
	id, err := NormalizeID(rawID)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	rec, ok := m.sessions[id]
	var client connection.Client
	if ok {
		client = rec.client
	}
	m.mu.RUnlock()

	if !ok {
		return nil, ErrSessionNotFound
	}
	if client == nil {
		return nil, ErrSessionClosed
	}

	sent, err := client.SendMessage(ctx, chatID, content)
	if err != nil {
		return nil, fmt.Errorf("sending message: %w", err)
	}
	m.logger.Debug("message sent", "session_id", id, "chat_id", chatID, "message_id", sent.ID)
	return sent, nil
}

// Restart tears down the session's client and builds a new one immediately,
// bypassing backoff. An unknown id is started fresh.
func (m *Manager) Restart(ctx context.Context, rawID string) error {
	id, err := NormalizeID(rawID)
	if err != nil {
		return err
	}

	m.timers.Cancel(id)

	m.mu.Lock()
	rec, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		_, err := m.Start(id)
		return err
	}
	client := m.detachLocked(rec)
	prevGen := rec.gen
	from := rec.state
	rec.setState(StateRestarting)
	m.mu.Unlock()

	m.leases.Forget(id)
	m.logger.Info("restarting session", "session_id", id, "from", from)
	m.closeClientCtx(ctx, client, false)

	if err := m.spawn(rec, StateRestarting, prevGen); err != nil {
		if errors.Is(err, errSuperseded) {
			return nil
		}
		m.mu.Lock()
		if m.sessions[id] == rec && rec.gen == prevGen {
			rec.setState(StateDisconnected)
		}
		m.mu.Unlock()
		return err
	}
	return nil
}

// Terminate logs out a connected session, or destroys an unconnected one,
// then removes its folder and forgets the id. Pending restarts and listeners
// are cancelled before the client is touched.
func (m *Manager) Terminate(ctx context.Context, rawID string) error {
	id, err := NormalizeID(rawID)
	if err != nil {
		return err
	}

	m.timers.Cancel(id)

	m.mu.Lock()
	rec, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		m.leases.Forget(id)
		removed, err := m.removeFolder(id)
		if err != nil {
			return err
		}
		if !removed {
			return ErrSessionNotFound
		}
		m.logger.Info("removed orphaned session folder", "session_id", id)
		return nil
	}
	done := rec.loopDone
	client := m.detachLocked(rec)
	m.mu.Unlock()

	if client != nil {
		v := m.validateClient(ctx, client)
		if v.OK {
			m.logger.Info("logging out session", "session_id", id)
		} else {
			m.logger.Info("destroying session", "session_id", id, "reason", v.Reason)
		}
		m.closeClientCtx(ctx, client, v.OK)
		m.waitLoop(done)
	}

	m.mu.Lock()
	if m.sessions[id] == rec {
		rec.setState(StateDestroyed)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	m.timers.Cancel(id)
	m.leases.Forget(id)

	if _, err := m.removeFolder(id); err != nil {
		m.logger.Warn("deleting session folder", "session_id", id, "error", err)
	}
	m.logger.Info("=== SESSION TERMINATED ===", "session_id", id)
	return nil
}

// TerminateAll terminates every known session, live or on disk.
func (m *Manager) TerminateAll(ctx context.Context) ([]string, error) {
	return m.flush(ctx, false)
}

// TerminateInactive terminates every known session that fails validation.
func (m *Manager) TerminateInactive(ctx context.Context) ([]string, error) {
	return m.flush(ctx, true)
}

func (m *Manager) flush(ctx context.Context, inactiveOnly bool) ([]string, error) {
	ids, err := m.knownIDs()
	if err != nil {
		return nil, err
	}

	var terminated []string
	var errs []error
	for _, id := range ids {
		if inactiveOnly && m.Validate(ctx, id).OK {
			continue
		}
		if err := m.Terminate(ctx, id); err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				continue
			}
			errs = append(errs, fmt.Errorf("terminating %s: %w", id, err))
			continue
		}
		terminated = append(terminated, id)
	}
	return terminated, errors.Join(errs...)
}

// knownIDs returns the sorted union of live ids and on-disk session folders.
func (m *Manager) knownIDs() ([]string, error) {
	set := make(map[string]struct{})

	m.mu.RLock()
	for id := range m.sessions {
		set[id] = struct{}{}
	}
	m.mu.RUnlock()

	folderIDs, err := m.folderIDs()
	if err != nil {
		return nil, err
	}
	for _, id := range folderIDs {
		set[id] = struct{}{}
	}

	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Close detaches and destroys every client without logging out or deleting
// folders, so sessions can be restored on the next start.
func (m *Manager) Close(ctx context.Context) {
	m.timers.Stop()

	m.mu.Lock()
	clients := make([]connection.Client, 0, len(m.sessions))
	for id, rec := range m.sessions {
		if c := m.detachLocked(rec); c != nil {
			clients = append(clients, c)
		}
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c connection.Client) {
			defer wg.Done()
			m.closeClientCtx(ctx, c, false)
		}(c)
	}
	wg.Wait()
	m.logger.Info("session manager closed", "sessions", len(clients))
}

// detachLocked stops the record's event loop and takes its client.
// Must be called with mu held.
func (m *Manager) detachLocked(rec *record) connection.Client {
	if rec.detach != nil {
		rec.detach()
		rec.detach = nil
	}
	client := rec.client
	rec.client = nil
	return client
}

// current reports whether gen is the attached client generation for id.
func (m *Manager) current(id string, gen uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[id]
	return ok && rec.gen == gen && rec.client != nil
}

// transition moves the attached generation gen of id to state to if allowed.
func (m *Manager) transition(id string, gen uint64, to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sessions[id]
	if !ok || rec.gen != gen || rec.client == nil {
		return false
	}
	if !CanTransition(rec.state, to) {
		m.logger.Debug("ignoring state transition", "session_id", id, "from", rec.state, "to", to)
		return false
	}
	from := rec.state
	rec.setState(to)
	if from != to {
		m.logger.Info("session state changed", "session_id", id, "from", from, "to", to)
	}
	return true
}

func (m *Manager) closeClient(client connection.Client, logout bool) {
	m.closeClientCtx(context.Background(), client, logout)
}

// closeClientCtx logs out or destroys client, bounded by TerminateWait.
func (m *Manager) closeClientCtx(ctx context.Context, client connection.Client, logout bool) {
	if client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.TerminateWait)
	defer cancel()

	var err error
	if logout {
		err = client.Logout(ctx)
	} else {
		err = client.Destroy(ctx)
	}
	if err != nil {
		m.logger.Debug("closing client", "logout", logout, "error", err)
	}
}

// waitLoop waits for an event loop to exit, bounded by TerminateWait.
func (m *Manager) waitLoop(done chan struct{}) {
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(m.opts.TerminateWait):
		m.logger.Warn("timed out waiting for session event loop to stop")
	}
}
