// ABOUTME: JSON frame format spoken between the gateway and an automation runner
// ABOUTME: Requests and responses share an id; pushed event frames carry a type and data

package runner

import (
	"encoding/json"
	"fmt"
)

// Ops understood by a runner.
const (
	OpInitialize    = "initialize"
	OpDestroy       = "destroy"
	OpLogout        = "logout"
	OpGetState      = "getState"
	OpSendMessage   = "sendMessage"
	OpSendSeen      = "sendSeen"
	OpDownloadMedia = "downloadMedia"
	OpEvaluate      = "evaluate"
)

// Frame is one WebSocket text message in either direction.
type Frame struct {
	ID     string          `json:"id,omitempty"`
	Op     string          `json:"op,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`

	Event string         `json:"event,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

// IsResponse reports whether f answers a request.
func (f *Frame) IsResponse() bool { return f.ID != "" && f.Op == "" }

// InitializeParams is sent with OpInitialize.
type InitializeParams struct {
	SessionID string `json:"sessionId"`
	DataDir   string `json:"dataDir"`
}

// SendMessageParams is sent with OpSendMessage.
type SendMessageParams struct {
	ChatID  string `json:"chatId"`
	Content string `json:"content"`
}

// ChatParams is sent with OpSendSeen.
type ChatParams struct {
	ChatID string `json:"chatId"`
}

// MediaParams is sent with OpDownloadMedia.
type MediaParams struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
}

// EvaluateParams is sent with OpEvaluate.
type EvaluateParams struct {
	Expression string `json:"expression"`
}

// StateResult answers OpGetState.
type StateResult struct {
	State string `json:"state"`
}

// SendResult answers OpSendMessage. Timestamp is in milliseconds.
type SendResult struct {
	ID        string `json:"id"`
	ChatID    string `json:"chatId"`
	Timestamp int64  `json:"timestamp"`
}

// RemoteError is a failure reported by the runner for one request.
type RemoteError struct {
	Op      string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("runner %s: %s", e.Op, e.Message)
}
