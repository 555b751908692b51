// ABOUTME: Sentinel and typed errors for session operations and validation
// ABOUTME: Validation maps readiness failures onto these errors

package session

import (
	"errors"
	"fmt"
)

var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionExists       = errors.New("session already exists")
	ErrInvalidSessionID    = errors.New("invalid session id")
	ErrSessionNotConnected = errors.New("session not connected")
	ErrBrowserClosed       = errors.New("session browser closed")
	ErrSessionClosed       = errors.New("session closed")
	ErrNoQRCode            = errors.New("qr code not available")
	ErrPathTraversal       = errors.New("session folder outside session root")
)

// NotConnectedError carries the semantic state reported by the client.
type NotConnectedError struct {
	State string
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("session not connected: state %s", e.State)
}

func (e *NotConnectedError) Unwrap() error { return ErrSessionNotConnected }

// Reason is the outcome of a validation.
type Reason string

const (
	ReasonConnected     Reason = "session_connected"
	ReasonNotFound      Reason = "session_not_found"
	ReasonNotConnected  Reason = "session_not_connected"
	ReasonBrowserClosed Reason = "browser tab closed"
	ReasonSessionClosed Reason = "session closed"
)

// Validation is the result of Manager.Validate.
type Validation struct {
	OK     bool
	State  string
	Reason Reason
}

// Err returns nil for a connected session, or the typed error for the reason.
func (v Validation) Err() error {
	switch v.Reason {
	case ReasonConnected:
		return nil
	case ReasonNotFound:
		return ErrSessionNotFound
	case ReasonNotConnected:
		return &NotConnectedError{State: v.State}
	case ReasonBrowserClosed:
		return ErrBrowserClosed
	default:
		return ErrSessionClosed
	}
}
