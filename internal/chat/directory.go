package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Directory owns the conversation list for one signed-in user. The list is
// rebuilt wholesale on every refresh from five batched reads; it is never
// patched incrementally, so a half-applied merge can't be observed.
type Directory struct {
	store  Store
	bus    Bus
	userID string
	log    zerolog.Logger

	mu            sync.Mutex
	conversations []ConversationWithDetails
	loading       bool
	err           error
	gen           uint64 // bumped per refresh; stale refreshes discard their result
	subs          []Subscription
	onChange      func()
}

func NewDirectory(store Store, bus Bus, userID string, log zerolog.Logger) *Directory {
	return &Directory{
		store:  store,
		bus:    bus,
		userID: userID,
		log:    log.With().Str("component", "directory").Str("user_id", userID).Logger(),
	}
}

// SetOnChange registers a callback invoked after every state change.
// Must be set before Start.
func (d *Directory) SetOnChange(fn func()) {
	d.mu.Lock()
	d.onChange = fn
	d.mu.Unlock()
}

// Start performs the initial refresh and opens the two subscriptions that
// keep the list current: any message insert anywhere, and membership
// inserts naming this user (covers being added to a new conversation).
func (d *Directory) Start(ctx context.Context) error {
	if err := d.Refresh(ctx); err != nil {
		return err
	}

	msgSub, err := d.bus.Subscribe(ctx, TableMessages, EventInsert, Filter{}, func(Event) {
		if err := d.Refresh(ctx); err != nil {
			d.log.Error().Err(err).Msg("refresh after message insert failed")
		}
	})
	if err != nil {
		return err
	}

	memberSub, err := d.bus.Subscribe(ctx, TableMembers, EventInsert, Filter{Column: "user_id", Value: d.userID}, func(Event) {
		if err := d.Refresh(ctx); err != nil {
			d.log.Error().Err(err).Msg("refresh after membership insert failed")
		}
	})
	if err != nil {
		msgSub.Close()
		return err
	}

	d.mu.Lock()
	d.subs = append(d.subs, msgSub, memberSub)
	d.mu.Unlock()
	return nil
}

// Close tears down the directory's subscriptions. Idempotent.
func (d *Directory) Close() error {
	d.mu.Lock()
	subs := d.subs
	d.subs = nil
	d.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
	return nil
}

// Refresh rebuilds the whole list. On any read failure the previous list is
// kept and the error is retained as sticky state.
func (d *Directory) Refresh(ctx context.Context) error {
	d.mu.Lock()
	d.gen++
	gen := d.gen
	d.loading = true
	notify := d.onChange
	d.mu.Unlock()
	if notify != nil {
		notify()
	}

	list, err := d.build(ctx)

	d.mu.Lock()
	if gen != d.gen {
		// A newer refresh started while this one was in flight; its result
		// wins, whatever it is. Drop ours.
		d.mu.Unlock()
		d.log.Debug().Uint64("gen", gen).Msg("refresh superseded, result discarded")
		return nil
	}
	d.loading = false
	if err != nil {
		d.err = err
	} else {
		d.err = nil
		d.conversations = list
	}
	notify = d.onChange
	d.mu.Unlock()
	if notify != nil {
		notify()
	}
	if err != nil {
		d.log.Error().Err(err).Msg("directory refresh failed")
	}
	return err
}

func (d *Directory) build(ctx context.Context) ([]ConversationWithDetails, error) {
	convIDs, err := d.store.ConversationIDsForUser(ctx, d.userID)
	if err != nil {
		return nil, err
	}
	if len(convIDs) == 0 {
		// No memberships is terminal, not an error.
		return []ConversationWithDetails{}, nil
	}

	convs, err := d.store.ConversationsByID(ctx, convIDs)
	if err != nil {
		return nil, err
	}
	members, err := d.store.MembersForConversations(ctx, convIDs)
	if err != nil {
		return nil, err
	}

	userIDs := make([]string, 0, len(members))
	seen := make(map[string]bool, len(members))
	for _, m := range members {
		if !seen[m.UserID] {
			seen[m.UserID] = true
			userIDs = append(userIDs, m.UserID)
		}
	}
	profiles, err := d.store.ProfilesByUserID(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	profileByID := make(map[string]Profile, len(profiles))
	for _, p := range profiles {
		profileByID[p.UserID] = p
	}

	// Descending, so the first match per conversation is its latest.
	messages, err := d.store.RecentMessages(ctx, convIDs)
	if err != nil {
		return nil, err
	}

	list := make([]ConversationWithDetails, 0, len(convs))
	for _, conv := range convs {
		detail := ConversationWithDetails{Conversation: conv}

		for _, m := range members {
			if m.ConversationID != conv.ID {
				continue
			}
			mw := MemberWithProfile{ConversationMember: m}
			if p, ok := profileByID[m.UserID]; ok {
				p := p
				mw.Profile = &p
			}
			detail.Members = append(detail.Members, mw)
		}

		for _, msg := range messages {
			if msg.ConversationID != conv.ID {
				continue
			}
			if detail.LastMessage == nil {
				last := MessageWithSender{Message: msg}
				if p, ok := profileByID[msg.SenderID]; ok {
					p := p
					last.Sender = &p
				}
				detail.LastMessage = &last
			}
			if msg.SenderID != d.userID && !msg.ReadByContains(d.userID) {
				detail.UnreadCount++
			}
		}

		list = append(list, detail)
	}

	sort.SliceStable(list, func(i, j int) bool {
		return list[i].sortTime().After(list[j].sortTime())
	})
	return list, nil
}

// sortTime is the directory ordering key: last message time if any,
// else conversation creation time.
func (c ConversationWithDetails) sortTime() time.Time {
	if c.LastMessage != nil {
		return c.LastMessage.CreatedAt
	}
	return c.CreatedAt
}

// Conversations returns a copy of the current list.
func (d *Directory) Conversations() []ConversationWithDetails {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ConversationWithDetails, len(d.conversations))
	copy(out, d.conversations)
	return out
}

func (d *Directory) Loading() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loading
}

func (d *Directory) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}
