// ABOUTME: Typed event enum emitted by connection clients
// ABOUTME: Carries lifecycle, message and group events plus internal surface signals

package connection

import "encoding/json"

// EventType identifies a connection client event. Values double as the
// webhook dataType, except auth_failure which is delivered as "status".
type EventType string

const (
	EventAuthFailure           EventType = "auth_failure"
	EventAuthenticated         EventType = "authenticated"
	EventCall                  EventType = "call"
	EventChangeState           EventType = "change_state"
	EventDisconnected          EventType = "disconnected"
	EventGroupJoin             EventType = "group_join"
	EventGroupLeave            EventType = "group_leave"
	EventGroupUpdate           EventType = "group_update"
	EventLoadingScreen         EventType = "loading_screen"
	EventMediaUploaded         EventType = "media_uploaded"
	EventMessage               EventType = "message"
	EventMessageAck            EventType = "message_ack"
	EventMessageCreate         EventType = "message_create"
	EventMessageReaction       EventType = "message_reaction"
	EventMessageEdit           EventType = "message_edit"
	EventMessageCiphertext     EventType = "message_ciphertext"
	EventMessageRevokeEveryone EventType = "message_revoke_everyone"
	EventMessageRevokeMe       EventType = "message_revoke_me"
	EventQR                    EventType = "qr"
	EventReady                 EventType = "ready"
	EventContactChanged        EventType = "contact_changed"
	EventChatRemoved           EventType = "chat_removed"
	EventChatArchived          EventType = "chat_archived"
	EventUnreadCount           EventType = "unread_count"

	// EventMedia is synthesized by the dispatcher after downloading an attachment.
	EventMedia EventType = "media"

	// Surface signals. These drive recovery and are never dispatched.
	EventExecutionReady  EventType = "execution_ready"
	EventExecutionClosed EventType = "execution_closed"
	EventExecutionError  EventType = "execution_error"
)

// DispatchedEvents lists every event type that can be delivered to a webhook.
var DispatchedEvents = []EventType{
	EventAuthFailure,
	EventAuthenticated,
	EventCall,
	EventChangeState,
	EventDisconnected,
	EventGroupJoin,
	EventGroupLeave,
	EventGroupUpdate,
	EventLoadingScreen,
	EventMediaUploaded,
	EventMessage,
	EventMessageAck,
	EventMessageCreate,
	EventMessageReaction,
	EventMessageEdit,
	EventMessageCiphertext,
	EventMessageRevokeEveryone,
	EventMessageRevokeMe,
	EventQR,
	EventReady,
	EventContactChanged,
	EventChatRemoved,
	EventChatArchived,
	EventUnreadCount,
	EventMedia,
}

// ParseEventType returns the EventType for s, including internal types.
func ParseEventType(s string) (EventType, bool) {
	t := EventType(s)
	if t.Internal() {
		return t, true
	}
	for _, known := range DispatchedEvents {
		if known == t {
			return t, true
		}
	}
	return "", false
}

// Internal reports whether the event only drives lifecycle handling.
func (t EventType) Internal() bool {
	switch t {
	case EventExecutionReady, EventExecutionClosed, EventExecutionError:
		return true
	}
	return false
}

// DataType is the webhook dataType used when delivering t.
func (t EventType) DataType() string {
	if t == EventAuthFailure {
		return "status"
	}
	return string(t)
}

// MarksSeen reports whether receiving t triggers a read receipt when the
// mark-as-seen policy is on.
func (t EventType) MarksSeen() bool {
	switch t {
	case EventMessage, EventMessageAck, EventMessageCreate:
		return true
	}
	return false
}

// Message is the parsed view of a message carried by message-class events.
type Message struct {
	ID        string `json:"id"`
	ChatID    string `json:"chatId"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Author    string `json:"author,omitempty"`
	Body      string `json:"body"`
	Type      string `json:"type,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	FromMe    bool   `json:"fromMe"`
	HasMedia  bool   `json:"hasMedia"`
	MediaSize int64  `json:"mediaSize,omitempty"`
}

// Event is one item of a client's event stream.
type Event struct {
	Type EventType
	// Data is the payload delivered as the webhook "data" field.
	Data map[string]any
	// Message is set for message-class events.
	Message *Message
	// Reason is set for disconnected events.
	Reason string
	// QR is set for qr events.
	QR string
	// State is set for change_state events.
	State string
	// Err is set for execution_error events.
	Err error
}

// MessageData converts msg into the map form used as webhook data so that
// drivers producing typed messages deliver the same JSON as raw ones.
func MessageData(msg *Message, extra map[string]any) map[string]any {
	data := make(map[string]any, len(extra)+1)
	if msg != nil {
		var asMap map[string]any
		raw, err := json.Marshal(msg)
		if err == nil && json.Unmarshal(raw, &asMap) == nil {
			data["message"] = asMap
		}
	}
	for k, v := range extra {
		data[k] = v
	}
	return data
}
