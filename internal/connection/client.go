// ABOUTME: Client and Driver interfaces for messaging network connections
// ABOUTME: A Client is owned by exactly one session; Drivers construct them per session id

package connection

import (
	"context"
	"errors"
	"time"
)

// StateConnected is the semantic state reported by a fully connected client.
const StateConnected = "CONNECTED"

// ReasonLogout is the disconnect reason for an explicit logout.
const ReasonLogout = "LOGOUT"

var (
	// ErrNotInitialized is returned by operations that need an initialized client.
	ErrNotInitialized = errors.New("client not initialized")

	// ErrClientClosed is returned once the client has been destroyed.
	ErrClientClosed = errors.New("client closed")

	// ErrNoMedia is returned by DownloadMedia for messages without attachments.
	ErrNoMedia = errors.New("message has no media")
)

// Surface is the execution context behind a client (a browser page, a sync
// loop). It exists only after the client has started far enough to run code.
type Surface interface {
	// Closed reports whether the surface has been torn down.
	Closed() bool
	// Evaluate runs a trivial expression to prove the surface responds.
	Evaluate(ctx context.Context, expr string) error
}

// Client is a single connection to the messaging network.
type Client interface {
	// Initialize starts the connection. It may block until the client is
	// authenticated or waiting for authentication.
	Initialize(ctx context.Context) error
	// Destroy tears down the connection without logging out.
	Destroy(ctx context.Context) error
	// Logout ends the authenticated session and tears down the connection.
	Logout(ctx context.Context) error
	// State returns the semantic connection state, e.g. "CONNECTED".
	State(ctx context.Context) (string, error)
	// SendMessage sends a text message to chatID.
	SendMessage(ctx context.Context, chatID, content string) (*SentMessage, error)
	// SendSeen marks the conversation as read.
	SendSeen(ctx context.Context, chatID string) error
	// DownloadMedia fetches the attachment of msg.
	DownloadMedia(ctx context.Context, msg *Message) (*Media, error)
	// Events returns the event stream. It is closed when the client stops.
	Events() <-chan Event
	// Surface returns the execution surface, or nil if it does not exist yet.
	Surface() Surface
}

// Driver constructs clients for session ids.
type Driver interface {
	// Name identifies the driver in logs.
	Name() string
	// NewClient builds an uninitialized client whose on-disk state lives in dir.
	NewClient(sessionID, dir string) (Client, error)
}

// SentMessage describes a message accepted by the network.
type SentMessage struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	Timestamp time.Time `json:"timestamp"`
}

// Media is a downloaded attachment, base64 encoded.
type Media struct {
	MimeType string `json:"mimetype"`
	Data     string `json:"data"`
	Filename string `json:"filename,omitempty"`
	Size     int64  `json:"filesize,omitempty"`
}
