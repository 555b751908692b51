// ABOUTME: Mapping between Matrix room and user ids and gateway chat ids
// ABOUTME: Rooms become @g.us chats, users become @c.us chats

package matrix

import (
	"fmt"
	"strings"

	"maunium.net/go/mautrix/id"

	"github.com/2389/relay-gateway/internal/connection"
)

// RoomChatID returns the group chat id for room.
func RoomChatID(room id.RoomID) string {
	return strings.TrimPrefix(string(room), "!") + connection.GroupSuffix
}

// UserChatID returns the personal chat id for user.
func UserChatID(user id.UserID) string {
	return strings.TrimPrefix(string(user), "@") + connection.PersonalSuffix
}

// ParseChatID resolves a chat id to either a room or a user.
func ParseChatID(chatID string) (id.RoomID, id.UserID, error) {
	switch {
	case connection.IsGroupChat(chatID):
		local := strings.TrimSuffix(chatID, connection.GroupSuffix)
		if !strings.Contains(local, ":") {
			return "", "", fmt.Errorf("chat %q is not a matrix room", chatID)
		}
		return id.RoomID("!" + local), "", nil
	case connection.IsPersonalChat(chatID):
		local := strings.TrimSuffix(chatID, connection.PersonalSuffix)
		user := id.UserID("@" + local)
		if _, _, err := user.Parse(); err != nil {
			return "", "", fmt.Errorf("chat %q is not a matrix user: %w", chatID, err)
		}
		return "", user, nil
	default:
		return "", "", fmt.Errorf("chat %q has no @c.us or @g.us suffix", chatID)
	}
}
