// ABOUTME: Tests for event type helpers and chat id validation
// ABOUTME: Covers dataType mapping, internal events and suffix checks

package connection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventType_DataType(t *testing.T) {
	assert.Equal(t, "status", EventAuthFailure.DataType())
	assert.Equal(t, "message", EventMessage.DataType())
	assert.Equal(t, "media", EventMedia.DataType())
}

func TestEventType_Internal(t *testing.T) {
	assert.True(t, EventExecutionClosed.Internal())
	assert.True(t, EventExecutionError.Internal())
	assert.False(t, EventDisconnected.Internal())

	for _, et := range DispatchedEvents {
		assert.False(t, et.Internal(), "dispatched event %s must not be internal", et)
	}
}

func TestParseEventType(t *testing.T) {
	et, ok := ParseEventType("message_revoke_everyone")
	require.True(t, ok)
	assert.Equal(t, EventMessageRevokeEveryone, et)

	_, ok = ParseEventType("execution_closed")
	assert.True(t, ok)

	_, ok = ParseEventType("not_an_event")
	assert.False(t, ok)
}

func TestEventType_MarksSeen(t *testing.T) {
	assert.True(t, EventMessage.MarksSeen())
	assert.True(t, EventMessageAck.MarksSeen())
	assert.True(t, EventMessageCreate.MarksSeen())
	assert.False(t, EventMessageReaction.MarksSeen())
}

func TestValidChatID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"5511999999999@c.us", true},
		{"120363000000000000@g.us", true},
		{"123@x.us", false},
		{"@c.us", false},
		{"", false},
		{"5511999999999", false},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			if got := ValidChatID(tt.id); got != tt.want {
				t.Errorf("ValidChatID(%q) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}
}

func TestMessageData(t *testing.T) {
	msg := &Message{ID: "m1", ChatID: "1@c.us", Body: "hi", HasMedia: true}
	data := MessageData(msg, map[string]any{"ack": 2})

	inner, ok := data["message"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "m1", inner["id"])
	assert.Equal(t, true, inner["hasMedia"])
	assert.Equal(t, 2, data["ack"])
}
