package chat_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/internal/chat"
	"chatsync/internal/store"
)

func TestUsers_ListExcludesSelfOrderedByName(t *testing.T) {
	m := store.NewMemory()
	seedUser(m, "me", "Zed")
	seedUser(m, "u1", "cy")
	seedUser(m, "u2", "Ann")
	seedUser(m, "u3", "Bo")

	u := chat.NewUserDirectory(m, m, "me", nopLog())
	require.NoError(t, u.Refresh(context.Background()))

	users := u.Users()
	require.Len(t, users, 3)
	assert.Equal(t, "Ann", users[0].DisplayName)
	assert.Equal(t, "Bo", users[1].DisplayName)
	assert.Equal(t, "cy", users[2].DisplayName)
	assert.False(t, u.Loading())
	assert.NoError(t, u.Err())
}

type searchCountingStore struct {
	chat.Store
	calls int
}

func (s *searchCountingStore) SearchProfiles(ctx context.Context, query string, limit int) ([]chat.SearchableProfile, error) {
	s.calls++
	return s.Store.SearchProfiles(ctx, query, limit)
}

func TestUsers_SearchGuardsShortQueries(t *testing.T) {
	m := store.NewMemory()
	seedUser(m, "me", "Zed")
	seedUser(m, "u1", "Ann")

	cs := &searchCountingStore{Store: m}
	u := chat.NewUserDirectory(cs, m, "me", nopLog())
	ctx := context.Background()

	for _, q := range []string{"", " ", "\t ", "a", " a "} {
		results, err := u.Search(ctx, q)
		require.NoError(t, err)
		assert.Empty(t, results)
	}
	assert.Equal(t, 0, cs.calls, "sub-minimum queries never reach the store")

	results, err := u.Search(ctx, "an")
	require.NoError(t, err)
	assert.Equal(t, 1, cs.calls)
	require.Len(t, results, 1)
	assert.Equal(t, "Ann", results[0].DisplayName)
}

func TestUsers_SearchIsCappedAndCaseInsensitive(t *testing.T) {
	m := store.NewMemory()
	seedUser(m, "me", "Zed")
	for i := 0; i < 12; i++ {
		seedUser(m, fmt.Sprintf("u%d", i), fmt.Sprintf("Tester %02d", i))
	}

	u := chat.NewUserDirectory(m, m, "me", nopLog())
	results, err := u.Search(context.Background(), "tEsTeR")
	require.NoError(t, err)
	assert.Len(t, results, chat.SearchResultCap)
}

func TestUsers_RefreshNotifiesOnLoadingTransition(t *testing.T) {
	m := store.NewMemory()
	seedUser(m, "me", "Zed")
	seedUser(m, "u1", "Ann")

	u := chat.NewUserDirectory(m, m, "me", nopLog())
	var states []bool
	u.SetOnChange(func() { states = append(states, u.Loading()) })

	require.NoError(t, u.Refresh(context.Background()))
	require.Len(t, states, 2)
	assert.True(t, states[0], "consumers observe the list entering its loading state")
	assert.False(t, states[1])
}

func TestUsers_ProfileUpdatePatchesInPlace(t *testing.T) {
	m := store.NewMemory()
	seedUser(m, "me", "Zed")
	seedUser(m, "u1", "Ann")
	bo := seedUser(m, "u2", "Bo")
	seedUser(m, "u3", "Cy")
	ctx := context.Background()

	u := chat.NewUserDirectory(m, m, "me", nopLog())
	require.NoError(t, u.Start(ctx))
	defer u.Close()

	bo.Status = chat.StatusAway
	require.NoError(t, m.UpdateProfile(ctx, bo))

	users := u.Users()
	require.Len(t, users, 3)
	// Order is untouched; only the matching entry changed.
	assert.Equal(t, "Ann", users[0].DisplayName)
	assert.Equal(t, "Bo", users[1].DisplayName)
	assert.Equal(t, chat.StatusAway, users[1].Status)
	assert.Equal(t, "Cy", users[2].DisplayName)
	assert.Equal(t, chat.StatusOnline, users[0].Status)
}

func TestUsers_UpdateForUnknownProfileIsIgnored(t *testing.T) {
	m := store.NewMemory()
	seedUser(m, "me", "Zed")
	seedUser(m, "u1", "Ann")
	ctx := context.Background()

	u := chat.NewUserDirectory(m, m, "me", nopLog())
	require.NoError(t, u.Start(ctx))
	defer u.Close()

	stranger := seedUser(m, "u9", "New Person")
	// Simulate an update event for a profile the list never loaded.
	require.NoError(t, m.UpdateProfile(ctx, stranger))

	users := u.Users()
	require.Len(t, users, 1, "updates never insert rows, only patch existing ones")
	assert.Equal(t, "Ann", users[0].DisplayName)
}

func TestProfile_SearchableProjection(t *testing.T) {
	p := chat.Profile{
		UserID:      "u1",
		DisplayName: "Ann",
		AvatarURL:   "https://example.com/a.png",
		Status:      chat.StatusBusy,
	}
	s := p.Searchable()
	assert.Equal(t, p.UserID, s.UserID)
	assert.Equal(t, p.DisplayName, s.DisplayName)
	assert.Equal(t, p.AvatarURL, s.AvatarURL)
}
