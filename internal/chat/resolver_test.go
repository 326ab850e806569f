package chat_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/internal/chat"
	"chatsync/internal/store"
)

func TestCreatePrivate_Idempotent(t *testing.T) {
	m := store.NewMemory()
	seedUser(m, "a", "Ann")
	seedUser(m, "b", "Bo")
	ctx := context.Background()

	da := chat.NewDirectory(m, m, "a", nopLog())
	db := chat.NewDirectory(m, m, "b", nopLog())

	first, err := da.CreatePrivate(ctx, "b")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, chat.ConversationPrivate, first.Type)

	// Same direction.
	again, err := da.CreatePrivate(ctx, "b")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, first.ID, again.ID)

	// Opposite direction resolves to the same conversation.
	fromB, err := db.CreatePrivate(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, fromB)
	assert.Equal(t, first.ID, fromB.ID)

	// Exactly one conversation exists between the pair.
	ids, err := m.ConversationIDsForUser(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestCreatePrivate_AssignsRoles(t *testing.T) {
	m := store.NewMemory()
	seedUser(m, "a", "Ann")
	seedUser(m, "b", "Bo")
	ctx := context.Background()

	d := chat.NewDirectory(m, m, "a", nopLog())
	conv, err := d.CreatePrivate(ctx, "b")
	require.NoError(t, err)

	members, err := m.MembersForConversations(ctx, []string{conv.ID})
	require.NoError(t, err)
	require.Len(t, members, 2)

	roles := map[string]chat.MemberRole{}
	for _, mem := range members {
		roles[mem.UserID] = mem.Role
	}
	assert.Equal(t, chat.RoleAdmin, roles["a"], "creator is admin")
	assert.Equal(t, chat.RoleMember, roles["b"])
}

func TestCreatePrivate_DoesNotReuseGroup(t *testing.T) {
	m := store.NewMemory()
	seedUser(m, "a", "Ann")
	seedUser(m, "b", "Bo")
	ctx := context.Background()

	// A shared group must not satisfy the private find-or-create.
	_, err := m.CreateConversation(ctx,
		chat.Conversation{Type: chat.ConversationGroup, Name: "Team", CreatedBy: "a"},
		[]chat.ConversationMember{
			{UserID: "a", Role: chat.RoleAdmin},
			{UserID: "b", Role: chat.RoleMember},
		})
	require.NoError(t, err)

	d := chat.NewDirectory(m, m, "a", nopLog())
	conv, err := d.CreatePrivate(ctx, "b")
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Equal(t, chat.ConversationPrivate, conv.Type)

	ids, err := m.ConversationIDsForUser(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, ids, 2, "group stays, private is new")
}

func TestCreateGroup_RejectsBlankNameAndEmptyMembers(t *testing.T) {
	m := store.NewMemory()
	seedUser(m, "a", "Ann")
	seedUser(m, "b", "Bo")
	seedUser(m, "c", "Cy")
	ctx := context.Background()
	d := chat.NewDirectory(m, m, "a", nopLog())

	conv, err := d.CreateGroup(ctx, "  ", []string{"b", "c"})
	require.NoError(t, err)
	assert.Nil(t, conv, "whitespace-only name is a local no-op")

	conv, err = d.CreateGroup(ctx, "Team", nil)
	require.NoError(t, err)
	assert.Nil(t, conv, "no members is a local no-op")

	ids, err := m.ConversationIDsForUser(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, ids, "no insert may be attempted")
}

func TestCreateGroup_CreatesWithMembership(t *testing.T) {
	m := store.NewMemory()
	seedUser(m, "a", "Ann")
	seedUser(m, "b", "Bo")
	ctx := context.Background()
	d := chat.NewDirectory(m, m, "a", nopLog())

	conv, err := d.CreateGroup(ctx, "Team", []string{"b"})
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Equal(t, chat.ConversationGroup, conv.Type)
	assert.Equal(t, "Team", conv.Name)

	members, err := m.MembersForConversations(ctx, []string{conv.ID})
	require.NoError(t, err)
	require.Len(t, members, 2)

	roles := map[string]chat.MemberRole{}
	for _, mem := range members {
		roles[mem.UserID] = mem.Role
	}
	assert.Equal(t, chat.RoleAdmin, roles["a"])
	assert.Equal(t, chat.RoleMember, roles["b"])
}
