package chat_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/internal/chat"
	"chatsync/internal/store"
)

func TestDirectory_EmptyMemberships(t *testing.T) {
	m := store.NewMemory()
	seedUser(m, "u1", "Ann")

	d := chat.NewDirectory(m, m, "u1", nopLog())
	err := d.Refresh(context.Background())

	require.NoError(t, err)
	assert.Empty(t, d.Conversations())
	assert.False(t, d.Loading())
	assert.NoError(t, d.Err())
}

func TestDirectory_BuildsDetails(t *testing.T) {
	m := store.NewMemory()
	seedUser(m, "u1", "Ann")
	seedUser(m, "u2", "Bo")
	conv := newPrivateConv(m, "u1", "u2")

	base := time.Now().UTC().Add(-time.Hour)
	seedMessageAt(m, conv.ID, "u1", "hello", base)
	seedMessageAt(m, conv.ID, "u2", "hi there", base.Add(time.Minute))

	d := chat.NewDirectory(m, m, "u1", nopLog())
	require.NoError(t, d.Refresh(context.Background()))

	list := d.Conversations()
	require.Len(t, list, 1)
	detail := list[0]

	require.Len(t, detail.Members, 2)
	for _, mem := range detail.Members {
		require.NotNil(t, mem.Profile, "member %s should have a resolved profile", mem.UserID)
	}

	require.NotNil(t, detail.LastMessage)
	assert.Equal(t, "hi there", detail.LastMessage.Content)
	require.NotNil(t, detail.LastMessage.Sender)
	assert.Equal(t, "Bo", detail.LastMessage.Sender.DisplayName)

	// One message from u2 that u1 has not read; u1's own message never counts.
	assert.Equal(t, 1, detail.UnreadCount)
}

func TestDirectory_UnreadCountHonorsReadBy(t *testing.T) {
	m := store.NewMemory()
	seedUser(m, "u1", "Ann")
	seedUser(m, "u2", "Bo")
	conv := newPrivateConv(m, "u1", "u2")

	base := time.Now().UTC().Add(-time.Hour)
	read := seedMessageAt(m, conv.ID, "u2", "seen", base)
	require.NoError(t, m.SetMessageReadBy(context.Background(), read.ID, []string{"u1"}))
	seedMessageAt(m, conv.ID, "u2", "unseen", base.Add(time.Minute))

	d := chat.NewDirectory(m, m, "u1", nopLog())
	require.NoError(t, d.Refresh(context.Background()))

	list := d.Conversations()
	require.Len(t, list, 1)
	assert.Equal(t, 1, list[0].UnreadCount)
}

func TestDirectory_SortsByLastActivity(t *testing.T) {
	m := store.NewMemory()
	seedUser(m, "u1", "Ann")
	seedUser(m, "u2", "Bo")
	seedUser(m, "u3", "Cy")

	quiet := newPrivateConv(m, "u1", "u2") // no messages, sorts by creation
	busy := newPrivateConv(m, "u1", "u3")  // old message
	fresh, err := m.CreateConversation(context.Background(),
		chat.Conversation{Type: chat.ConversationGroup, Name: "Team", CreatedBy: "u1"},
		[]chat.ConversationMember{
			{UserID: "u1", Role: chat.RoleAdmin},
			{UserID: "u2", Role: chat.RoleMember},
		})
	require.NoError(t, err)

	base := time.Now().UTC()
	seedMessageAt(m, busy.ID, "u3", "old", base.Add(-2*time.Hour))
	seedMessageAt(m, fresh.ID, "u2", "new", base.Add(-time.Minute))

	dir := chat.NewDirectory(m, m, "u1", nopLog())
	require.NoError(t, dir.Refresh(context.Background()))

	list := dir.Conversations()
	require.Len(t, list, 3)
	// Freshest activity first. All three were created just now, so quiet's
	// creation time beats fresh's minute-old message, and a message always
	// beats the creation time of its own conversation: busy sorts by its
	// two-hour-old message, not by being created last.
	assert.Equal(t, quiet.ID, list[0].ID)
	assert.Equal(t, fresh.ID, list[1].ID)
	assert.Equal(t, busy.ID, list[2].ID)
}

func TestDirectory_RefreshesOnMessageInsert(t *testing.T) {
	m := store.NewMemory()
	seedUser(m, "u1", "Ann")
	seedUser(m, "u2", "Bo")
	conv := newPrivateConv(m, "u1", "u2")

	d := chat.NewDirectory(m, m, "u1", nopLog())
	require.NoError(t, d.Start(context.Background()))
	defer d.Close()

	require.Nil(t, d.Conversations()[0].LastMessage)

	_, err := m.InsertMessage(context.Background(), chat.Message{
		ConversationID: conv.ID,
		SenderID:       "u2",
		Content:        "ping",
	})
	require.NoError(t, err)

	list := d.Conversations()
	require.Len(t, list, 1)
	require.NotNil(t, list[0].LastMessage)
	assert.Equal(t, "ping", list[0].LastMessage.Content)
	assert.Equal(t, 1, list[0].UnreadCount)
}

func TestDirectory_RefreshesWhenAddedToConversation(t *testing.T) {
	m := store.NewMemory()
	seedUser(m, "u1", "Ann")
	seedUser(m, "u2", "Bo")

	d := chat.NewDirectory(m, m, "u2", nopLog())
	require.NoError(t, d.Start(context.Background()))
	defer d.Close()
	require.Empty(t, d.Conversations())

	// u1 creates a group that includes u2; the membership insert event
	// filtered on u2's id drives the refresh.
	_, err := m.CreateConversation(context.Background(),
		chat.Conversation{Type: chat.ConversationGroup, Name: "Team", CreatedBy: "u1"},
		[]chat.ConversationMember{
			{UserID: "u1", Role: chat.RoleAdmin},
			{UserID: "u2", Role: chat.RoleMember},
		})
	require.NoError(t, err)

	assert.Len(t, d.Conversations(), 1)
}

type failingStore struct {
	chat.Store
	fail bool
}

func (f *failingStore) ConversationIDsForUser(ctx context.Context, userID string) ([]string, error) {
	if f.fail {
		return nil, errors.New("store unavailable")
	}
	return f.Store.ConversationIDsForUser(ctx, userID)
}

func TestDirectory_FailureKeepsLastGoodList(t *testing.T) {
	m := store.NewMemory()
	seedUser(m, "u1", "Ann")
	seedUser(m, "u2", "Bo")
	newPrivateConv(m, "u1", "u2")

	fs := &failingStore{Store: m}
	d := chat.NewDirectory(fs, m, "u1", nopLog())
	require.NoError(t, d.Refresh(context.Background()))
	require.Len(t, d.Conversations(), 1)

	fs.fail = true
	err := d.Refresh(context.Background())

	require.Error(t, err)
	assert.Error(t, d.Err())
	assert.Len(t, d.Conversations(), 1, "previous list must survive a failed refresh")
	assert.False(t, d.Loading())
}

// gatedStore lets a test hold one refresh in flight while a newer one
// completes, returning stale data from the held call.
type gatedStore struct {
	chat.Store
	gate  chan struct{}
	stale bool
}

func (g *gatedStore) RecentMessages(ctx context.Context, convIDs []string) ([]chat.Message, error) {
	if g.stale {
		g.stale = false
		<-g.gate
		return nil, nil // stale view: no messages
	}
	return g.Store.RecentMessages(ctx, convIDs)
}

func TestDirectory_SupersededRefreshIsDiscarded(t *testing.T) {
	m := store.NewMemory()
	seedUser(m, "u1", "Ann")
	seedUser(m, "u2", "Bo")
	conv := newPrivateConv(m, "u1", "u2")
	seedMessageAt(m, conv.ID, "u2", "already here", time.Now().UTC())

	gs := &gatedStore{Store: m, gate: make(chan struct{}), stale: true}
	d := chat.NewDirectory(gs, m, "u1", nopLog())

	done := make(chan error, 1)
	go func() { done <- d.Refresh(context.Background()) }()

	// Give the first refresh time to reach the gate, then run a newer one
	// to completion.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, d.Refresh(context.Background()))

	list := d.Conversations()
	require.Len(t, list, 1)
	require.NotNil(t, list[0].LastMessage)

	// Release the stale refresh; its empty result must not overwrite.
	close(gs.gate)
	require.NoError(t, <-done)

	list = d.Conversations()
	require.Len(t, list, 1)
	assert.NotNil(t, list[0].LastMessage, "stale refresh result must be discarded")
}
