package chat

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// MinSearchLength is the shortest query (after trimming) that reaches the
// store; anything shorter returns empty without a remote call.
const MinSearchLength = 2

// SearchResultCap bounds how many searchable profiles one query returns.
const SearchResultCap = 10

// UserDirectory maintains the list of addressable users (everyone but
// self, ordered by display name). Profile updates patch the single matching
// entry in place: presence flicker must not disturb unrelated rows or list
// order, so this is the one component that merges incrementally.
type UserDirectory struct {
	store  Store
	bus    Bus
	userID string
	log    zerolog.Logger

	mu       sync.Mutex
	users    []Profile
	loading  bool
	err      error
	sub      Subscription
	onChange func()
}

func NewUserDirectory(store Store, bus Bus, userID string, log zerolog.Logger) *UserDirectory {
	return &UserDirectory{
		store:  store,
		bus:    bus,
		userID: userID,
		log:    log.With().Str("component", "users").Str("user_id", userID).Logger(),
	}
}

func (u *UserDirectory) SetOnChange(fn func()) {
	u.mu.Lock()
	u.onChange = fn
	u.mu.Unlock()
}

// Start loads the list and subscribes to profile updates.
func (u *UserDirectory) Start(ctx context.Context) error {
	if err := u.Refresh(ctx); err != nil {
		return err
	}
	sub, err := u.bus.Subscribe(ctx, TableProfiles, EventUpdate, Filter{}, func(ev Event) {
		u.patch(ev)
	})
	if err != nil {
		return err
	}
	u.mu.Lock()
	u.sub = sub
	u.mu.Unlock()
	return nil
}

func (u *UserDirectory) Close() error {
	u.mu.Lock()
	sub := u.sub
	u.sub = nil
	u.mu.Unlock()
	if sub != nil {
		return sub.Close()
	}
	return nil
}

// Refresh reloads the full list, ordered by display name ascending. On
// failure the previous list is retained alongside a sticky error.
func (u *UserDirectory) Refresh(ctx context.Context) error {
	u.mu.Lock()
	u.loading = true
	notify := u.onChange
	u.mu.Unlock()
	if notify != nil {
		notify()
	}

	list, err := u.store.ProfilesExcept(ctx, u.userID)

	u.mu.Lock()
	u.loading = false
	if err != nil {
		u.err = err
	} else {
		u.err = nil
		u.users = list
	}
	notify = u.onChange
	u.mu.Unlock()
	if notify != nil {
		notify()
	}
	if err != nil {
		u.log.Error().Err(err).Msg("user list refresh failed")
	}
	return err
}

// patch replaces the one entry matching the updated profile, in place.
func (u *UserDirectory) patch(ev Event) {
	var p Profile
	if err := json.Unmarshal(ev.Row, &p); err != nil {
		u.log.Error().Err(err).Msg("bad profile event payload")
		return
	}

	u.mu.Lock()
	changed := false
	for i := range u.users {
		if u.users[i].UserID == p.UserID {
			u.users[i] = p
			changed = true
			break
		}
	}
	notify := u.onChange
	u.mu.Unlock()
	if changed && notify != nil {
		notify()
	}
}

// Search returns the privacy-limited projection for display names matching
// query, capped at SearchResultCap. Queries shorter than MinSearchLength
// after trimming never reach the store.
func (u *UserDirectory) Search(ctx context.Context, query string) ([]SearchableProfile, error) {
	query = strings.TrimSpace(query)
	if len(query) < MinSearchLength {
		return []SearchableProfile{}, nil
	}
	return u.store.SearchProfiles(ctx, query, SearchResultCap)
}

// Users returns a copy of the current list.
func (u *UserDirectory) Users() []Profile {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]Profile, len(u.users))
	copy(out, u.users)
	return out
}

func (u *UserDirectory) Loading() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.loading
}

func (u *UserDirectory) Err() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.err
}
