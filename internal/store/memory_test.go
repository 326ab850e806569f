package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/internal/chat"
	"chatsync/internal/store"
)

func TestMemory_SubscribeFiltersByTableKindAndColumn(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	var anyKind, insertOnly, filtered int
	subAny, err := m.Subscribe(ctx, chat.TableMessages, chat.EventAny, chat.Filter{}, func(chat.Event) { anyKind++ })
	require.NoError(t, err)
	defer subAny.Close()

	subInsert, err := m.Subscribe(ctx, chat.TableMessages, chat.EventInsert, chat.Filter{}, func(chat.Event) { insertOnly++ })
	require.NoError(t, err)
	defer subInsert.Close()

	subConv, err := m.Subscribe(ctx, chat.TableMessages, chat.EventInsert,
		chat.Filter{Column: "conversation_id", Value: "c1"}, func(chat.Event) { filtered++ })
	require.NoError(t, err)
	defer subConv.Close()

	m.Publish(ctx, chat.Event{Table: chat.TableMessages, Kind: chat.EventInsert,
		Row: chat.MarshalRow(chat.Message{ID: "m1", ConversationID: "c1"})})
	m.Publish(ctx, chat.Event{Table: chat.TableMessages, Kind: chat.EventInsert,
		Row: chat.MarshalRow(chat.Message{ID: "m2", ConversationID: "c2"})})
	m.Publish(ctx, chat.Event{Table: chat.TableMessages, Kind: chat.EventUpdate,
		Row: chat.MarshalRow(chat.Message{ID: "m1", ConversationID: "c1"})})
	m.Publish(ctx, chat.Event{Table: chat.TableProfiles, Kind: chat.EventInsert,
		Row: chat.MarshalRow(chat.Profile{UserID: "u1"})})

	assert.Equal(t, 3, anyKind, "any kind sees inserts and updates for its table only")
	assert.Equal(t, 2, insertOnly)
	assert.Equal(t, 1, filtered)
}

func TestMemory_SubscriptionCloseIsIdempotent(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	var got int
	sub, err := m.Subscribe(ctx, chat.TableTyping, chat.EventAny, chat.Filter{}, func(chat.Event) { got++ })
	require.NoError(t, err)

	require.NoError(t, m.UpsertTyping(ctx, chat.TypingIndicator{ConversationID: "c1", UserID: "u1", IsTyping: true}))
	assert.Equal(t, 1, got)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close(), "closing twice must not fail")

	require.NoError(t, m.UpsertTyping(ctx, chat.TypingIndicator{ConversationID: "c1", UserID: "u1", IsTyping: false}))
	assert.Equal(t, 1, got, "no delivery after close")
}

func TestMemory_CreateConversationPublishesMemberInserts(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	var forU2 int
	sub, err := m.Subscribe(ctx, chat.TableMembers, chat.EventInsert,
		chat.Filter{Column: "user_id", Value: "u2"}, func(chat.Event) { forU2++ })
	require.NoError(t, err)
	defer sub.Close()

	conv, err := m.CreateConversation(ctx,
		chat.Conversation{Type: chat.ConversationGroup, Name: "Team", CreatedBy: "u1"},
		[]chat.ConversationMember{
			{UserID: "u1", Role: chat.RoleAdmin},
			{UserID: "u2", Role: chat.RoleMember},
			{UserID: "u3", Role: chat.RoleMember},
		})
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.NotEmpty(t, conv.ID)

	assert.Equal(t, 1, forU2, "only u2's membership row matches the filter")

	members, err := m.MembersForConversations(ctx, []string{conv.ID})
	require.NoError(t, err)
	assert.Len(t, members, 3)
}
