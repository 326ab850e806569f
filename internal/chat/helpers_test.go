package chat_test

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"chatsync/internal/chat"
	"chatsync/internal/store"
)

func nopLog() zerolog.Logger {
	return zerolog.Nop()
}

func seedUser(m *store.Memory, userID, displayName string) chat.Profile {
	return m.SeedProfile(chat.Profile{
		UserID:      userID,
		DisplayName: displayName,
		Status:      chat.StatusOnline,
	})
}

func newPrivateConv(m *store.Memory, a, b string) *chat.Conversation {
	conv, err := m.CreateConversation(context.Background(),
		chat.Conversation{Type: chat.ConversationPrivate, CreatedBy: a},
		[]chat.ConversationMember{
			{UserID: a, Role: chat.RoleAdmin},
			{UserID: b, Role: chat.RoleMember},
		})
	if err != nil {
		panic(err)
	}
	return conv
}

func seedMessageAt(m *store.Memory, convID, senderID, content string, at time.Time) chat.Message {
	return m.SeedMessage(chat.Message{
		ConversationID: convID,
		SenderID:       senderID,
		Content:        content,
		Type:           chat.MessageText,
		CreatedAt:      at,
	})
}
