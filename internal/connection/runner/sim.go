// ABOUTME: In-process runner speaking the runner protocol over WebSocket
// ABOUTME: Emits a QR, goes ready, echoes sends as message_create; used by tests and fake-runner

package runner

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/2389/relay-gateway/internal/connection"
)

// ErrUnknownSession is returned by Simulator controls for sessions without a socket.
var ErrUnknownSession = errors.New("no runner socket for session")

// SimOptions configures a Simulator.
type SimOptions struct {
	// AuthDelay is the pause between the QR and ready. Negative waits for Authorize.
	AuthDelay time.Duration
	// APIKey, when set, must match the x-api-key upgrade header.
	APIKey string
	Logger *slog.Logger
}

// Simulator is an http.Handler serving runner sockets at /session/{id}.
type Simulator struct {
	opts    SimOptions
	logger  *slog.Logger
	counter atomic.Int64

	mu    sync.Mutex
	conns map[string]*simConn
}

type simConn struct {
	id   string
	conn *websocket.Conn
	ctx  context.Context

	mu    sync.Mutex
	state string
	timer *time.Timer
}

// NewSimulator returns a Simulator.
func NewSimulator(opts SimOptions) *Simulator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Simulator{
		opts:   opts,
		logger: opts.Logger.With("component", "runner-sim"),
		conns:  make(map[string]*simConn),
	}
}

func (s *Simulator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, ok := strings.CutPrefix(r.URL.Path, "/session/")
	if !ok || id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	if s.opts.APIKey != "" && r.Header.Get("x-api-key") != s.opts.APIKey {
		http.Error(w, "invalid api key", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Error("accepting runner socket", "error", err)
		return
	}
	ws.SetReadLimit(32 << 20)
	defer ws.CloseNow()

	sc := &simConn{id: id, conn: ws, ctx: r.Context(), state: "OPENING"}
	s.mu.Lock()
	if old := s.conns[id]; old != nil {
		old.conn.CloseNow()
	}
	s.conns[id] = sc
	s.mu.Unlock()
	defer s.forget(sc)

	s.logger.Info("runner socket opened", "session_id", id)
	for {
		var f Frame
		if err := wsjson.Read(r.Context(), ws, &f); err != nil {
			if websocket.CloseStatus(err) == -1 {
				s.logger.Debug("runner socket read failed", "session_id", id, "error", err)
			}
			return
		}
		if f.Op == "" {
			continue
		}
		if done := s.handle(sc, &f); done {
			_ = ws.Close(websocket.StatusNormalClosure, f.Op)
			return
		}
	}
}

func (s *Simulator) forget(sc *simConn) {
	sc.mu.Lock()
	if sc.timer != nil {
		sc.timer.Stop()
	}
	sc.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[sc.id] == sc {
		delete(s.conns, sc.id)
	}
	s.logger.Info("runner socket closed", "session_id", sc.id)
}

// handle answers one request. It reports whether the socket should close.
func (s *Simulator) handle(sc *simConn, f *Frame) bool {
	switch f.Op {
	case OpInitialize:
		s.reply(sc, f, nil, "")
		s.emit(sc, connection.EventExecutionReady, nil)
		sc.setState("UNPAIRED")
		qr := fmt.Sprintf("relay-sim:%s:%d", sc.id, s.counter.Add(1))
		s.emit(sc, connection.EventQR, map[string]any{"qr": qr})
		if s.opts.AuthDelay >= 0 {
			sc.mu.Lock()
			sc.timer = time.AfterFunc(s.opts.AuthDelay, func() { s.authorize(sc) })
			sc.mu.Unlock()
		}

	case OpGetState:
		s.reply(sc, f, StateResult{State: sc.getState()}, "")

	case OpSendMessage:
		var p SendMessageParams
		if err := json.Unmarshal(f.Params, &p); err != nil {
			s.reply(sc, f, nil, "invalid params")
			return false
		}
		if sc.getState() != connection.StateConnected {
			s.reply(sc, f, nil, "client is not ready")
			return false
		}
		now := time.Now().UTC()
		id := fmt.Sprintf("true_%s_SIM%04d", p.ChatID, s.counter.Add(1))
		s.reply(sc, f, SendResult{ID: id, ChatID: p.ChatID, Timestamp: now.UnixMilli()}, "")
		s.emit(sc, connection.EventMessageCreate, map[string]any{
			"message": map[string]any{
				"id":        id,
				"chatId":    p.ChatID,
				"to":        p.ChatID,
				"body":      p.Content,
				"type":      "chat",
				"timestamp": now.Unix(),
				"fromMe":    true,
			},
		})

	case OpSendSeen, OpEvaluate:
		s.reply(sc, f, nil, "")

	case OpDownloadMedia:
		s.reply(sc, f, connection.Media{
			MimeType: "text/plain",
			Data:     base64.StdEncoding.EncodeToString([]byte("relay simulator attachment")),
			Filename: "attachment.txt",
			Size:     26,
		}, "")

	case OpLogout:
		sc.setState("UNPAIRED")
		s.reply(sc, f, nil, "")
		s.emit(sc, connection.EventDisconnected, map[string]any{"reason": connection.ReasonLogout})
		return true

	case OpDestroy:
		s.reply(sc, f, nil, "")
		return true

	default:
		s.reply(sc, f, nil, "unknown op "+f.Op)
	}
	return false
}

func (s *Simulator) authorize(sc *simConn) {
	sc.setState(connection.StateConnected)
	s.emit(sc, connection.EventAuthenticated, nil)
	s.emit(sc, connection.EventReady, nil)
	s.logger.Info("runner session ready", "session_id", sc.id)
}

func (s *Simulator) reply(sc *simConn, req *Frame, result any, errMsg string) {
	f := Frame{ID: req.ID, Error: errMsg}
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			f.Error = err.Error()
		} else {
			f.Result = b
		}
	}
	if err := wsjson.Write(sc.ctx, sc.conn, f); err != nil {
		s.logger.Debug("writing runner response", "session_id", sc.id, "error", err)
	}
}

func (s *Simulator) emit(sc *simConn, t connection.EventType, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	if err := wsjson.Write(sc.ctx, sc.conn, Frame{Event: string(t), Data: data}); err != nil {
		s.logger.Debug("writing runner event", "session_id", sc.id, "event", t, "error", err)
	}
}

func (sc *simConn) setState(state string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.state = state
}

func (sc *simConn) getState() string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.state
}

func (s *Simulator) lookup(sessionID string) (*simConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.conns[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return sc, nil
}

// Authorize completes pairing for a session waiting on its QR.
func (s *Simulator) Authorize(sessionID string) error {
	sc, err := s.lookup(sessionID)
	if err != nil {
		return err
	}
	s.authorize(sc)
	return nil
}

// Push sends an arbitrary event to a session.
func (s *Simulator) Push(sessionID string, t connection.EventType, data map[string]any) error {
	sc, err := s.lookup(sessionID)
	if err != nil {
		return err
	}
	s.emit(sc, t, data)
	return nil
}

// Drop closes a session socket without a close handshake.
func (s *Simulator) Drop(sessionID string) error {
	sc, err := s.lookup(sessionID)
	if err != nil {
		return err
	}
	return sc.conn.CloseNow()
}

// Sessions returns the ids with an open socket, sorted.
func (s *Simulator) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
