package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTypingDebounce is how long after the last keystroke the "stopped
// typing" upsert fires.
const DefaultTypingDebounce = 2 * time.Second

// TypingChannel propagates this user's typing state for one conversation
// and mirrors everyone else's. The publish side debounces keystrokes; the
// consume side is level-triggered: every indicator event re-derives the
// full typing set from the store instead of patching, so out-of-order
// events never need reconciling.
type TypingChannel struct {
	store          Store
	bus            Bus
	userID         string
	conversationID string
	debounce       time.Duration
	log            zerolog.Logger

	mu       sync.Mutex
	timer    *time.Timer
	typing   []Profile
	sub      Subscription
	closed   bool
	onChange func()
}

func NewTypingChannel(store Store, bus Bus, userID, conversationID string, debounce time.Duration, log zerolog.Logger) *TypingChannel {
	if debounce <= 0 {
		debounce = DefaultTypingDebounce
	}
	return &TypingChannel{
		store:          store,
		bus:            bus,
		userID:         userID,
		conversationID: conversationID,
		debounce:       debounce,
		log:            log.With().Str("component", "typing").Str("conversation_id", conversationID).Logger(),
	}
}

func (t *TypingChannel) SetOnChange(fn func()) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// Start opens the indicator subscription for this conversation.
func (t *TypingChannel) Start(ctx context.Context) error {
	sub, err := t.bus.Subscribe(ctx, TableTyping, EventAny, Filter{Column: "conversation_id", Value: t.conversationID}, func(Event) {
		t.refresh(ctx)
	})
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.sub = sub
	t.mu.Unlock()
	return nil
}

// Ping records a keystroke: upsert is_typing=true and (re)arm the debounce
// timer that will flip it back to false after a quiet period.
func (t *TypingChannel) Ping(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.debounce, func() {
		if err := t.upsert(ctx, false); err != nil {
			t.log.Error().Err(err).Msg("debounced stop-typing upsert failed")
		}
	})
	t.mu.Unlock()

	return t.upsert(ctx, true)
}

// Stop flips is_typing to false immediately and cancels any pending
// debounce, so a delayed timer can't resurrect a stale state. Used on
// explicit send.
func (t *TypingChannel) Stop(ctx context.Context) error {
	t.cancelTimer()
	return t.upsert(ctx, false)
}

// Close cancels the debounce timer and the subscription. It does not write:
// a teardown must never race a new typing session with a late upsert.
func (t *TypingChannel) Close() error {
	t.mu.Lock()
	t.closed = true
	timer := t.timer
	t.timer = nil
	sub := t.sub
	t.sub = nil
	t.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
	if sub != nil {
		return sub.Close()
	}
	return nil
}

// TypingUsers returns the profiles currently typing in this conversation,
// excluding the current user.
func (t *TypingChannel) TypingUsers() []Profile {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Profile, len(t.typing))
	copy(out, t.typing)
	return out
}

func (t *TypingChannel) cancelTimer() {
	t.mu.Lock()
	timer := t.timer
	t.timer = nil
	t.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
}

func (t *TypingChannel) upsert(ctx context.Context, isTyping bool) error {
	return t.store.UpsertTyping(ctx, TypingIndicator{
		ConversationID: t.conversationID,
		UserID:         t.userID,
		IsTyping:       isTyping,
		UpdatedAt:      time.Now().UTC(),
	})
}

// refresh re-derives the typing set wholesale.
func (t *TypingChannel) refresh(ctx context.Context) {
	ids, err := t.store.TypingUserIDs(ctx, t.conversationID, t.userID)
	if err != nil {
		t.log.Error().Err(err).Msg("typing set query failed")
		return
	}

	var profiles []Profile
	if len(ids) > 0 {
		profiles, err = t.store.ProfilesByUserID(ctx, ids)
		if err != nil {
			t.log.Error().Err(err).Msg("typing profiles query failed")
			return
		}
	}

	t.mu.Lock()
	t.typing = profiles
	notify := t.onChange
	t.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// FormatTypingNames renders the typing banner for a list of display names.
func FormatTypingNames(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0] + " is typing"
	case 2:
		return names[0] + " and " + names[1] + " are typing"
	default:
		return fmt.Sprintf("%s and %d others are typing", names[0], len(names)-1)
	}
}
