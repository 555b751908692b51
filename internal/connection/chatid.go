// ABOUTME: Chat identifier helpers for personal and group conversations
// ABOUTME: Personal chats end in @c.us, groups in @g.us

package connection

import "strings"

const (
	PersonalSuffix = "@c.us"
	GroupSuffix    = "@g.us"
)

// ValidChatID reports whether id names a personal or group conversation.
func ValidChatID(id string) bool {
	return IsPersonalChat(id) || IsGroupChat(id)
}

// IsPersonalChat reports whether id is a one-to-one conversation.
func IsPersonalChat(id string) bool {
	return len(id) > len(PersonalSuffix) && strings.HasSuffix(id, PersonalSuffix)
}

// IsGroupChat reports whether id is a group conversation.
func IsGroupChat(id string) bool {
	return len(id) > len(GroupSuffix) && strings.HasSuffix(id, GroupSuffix)
}

// ChatLocalPart strips the personal or group suffix from id.
func ChatLocalPart(id string) string {
	id = strings.TrimSuffix(id, PersonalSuffix)
	return strings.TrimSuffix(id, GroupSuffix)
}
