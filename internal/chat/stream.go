package chat

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Stream owns the ordered message history of one open conversation. History
// loads ascending (chronological reading order); pushed inserts are appended
// in arrival order, never re-fetched, so already-rendered history never
// reorders under the reader.
type Stream struct {
	store          Store
	bus            Bus
	userID         string
	conversationID string
	log            zerolog.Logger
	typing         *TypingChannel

	mu       sync.Mutex
	messages []MessageWithSender
	loading  bool
	err      error
	sub      Subscription
	onChange func()
}

func NewStream(store Store, bus Bus, userID, conversationID string, debounce time.Duration, log zerolog.Logger) *Stream {
	return &Stream{
		store:          store,
		bus:            bus,
		userID:         userID,
		conversationID: conversationID,
		log:            log.With().Str("component", "stream").Str("conversation_id", conversationID).Logger(),
		typing:         NewTypingChannel(store, bus, userID, conversationID, debounce, log),
	}
}

// SetOnChange registers a callback invoked after every state change,
// including typing-set changes. Must be set before Start.
func (s *Stream) SetOnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
	s.typing.SetOnChange(fn)
}

// Start loads history and opens the insert subscription scoped to this
// conversation, plus the typing channel's subscription.
func (s *Stream) Start(ctx context.Context) error {
	if err := s.Load(ctx); err != nil {
		return err
	}

	sub, err := s.bus.Subscribe(ctx, TableMessages, EventInsert, Filter{Column: "conversation_id", Value: s.conversationID}, func(ev Event) {
		s.append(ctx, ev)
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()

	return s.typing.Start(ctx)
}

// Close tears down the message and typing subscriptions and cancels the
// debounce timer. A late event from this conversation can no longer reach
// the in-memory list. Idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
	return s.typing.Close()
}

// Load fetches the full ascending history and joins sender profiles. A
// missing sender profile degrades that message to a nil Sender instead of
// failing the fetch. On failure the previous list is retained.
func (s *Stream) Load(ctx context.Context) error {
	s.mu.Lock()
	s.loading = true
	notify := s.onChange
	s.mu.Unlock()
	if notify != nil {
		notify()
	}

	msgs, err := s.store.ConversationMessages(ctx, s.conversationID)
	var list []MessageWithSender
	if err == nil {
		senderIDs := make([]string, 0, len(msgs))
		seen := make(map[string]bool, len(msgs))
		for _, m := range msgs {
			if !seen[m.SenderID] {
				seen[m.SenderID] = true
				senderIDs = append(senderIDs, m.SenderID)
			}
		}
		var profiles []Profile
		if len(senderIDs) > 0 {
			profiles, err = s.store.ProfilesByUserID(ctx, senderIDs)
		}
		if err == nil {
			profileByID := make(map[string]Profile, len(profiles))
			for _, p := range profiles {
				profileByID[p.UserID] = p
			}
			list = make([]MessageWithSender, 0, len(msgs))
			for _, m := range msgs {
				mw := MessageWithSender{Message: m}
				if p, ok := profileByID[m.SenderID]; ok {
					p := p
					mw.Sender = &p
				}
				list = append(list, mw)
			}
		}
	}

	s.mu.Lock()
	s.loading = false
	if err != nil {
		s.err = err
	} else {
		s.err = nil
		s.messages = list
	}
	notify = s.onChange
	s.mu.Unlock()
	if notify != nil {
		notify()
	}
	if err != nil {
		s.log.Error().Err(err).Msg("message load failed")
	}
	return err
}

// Send trims and inserts one message. Content that is empty after trimming
// is a no-op returning (nil, nil), not an error. A send also counts as an
// explicit stop-typing.
func (s *Stream) Send(ctx context.Context, content string, msgType MessageType) (*Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, nil
	}
	if msgType == "" {
		msgType = MessageText
	}

	if err := s.typing.Stop(ctx); err != nil {
		s.log.Error().Err(err).Msg("stop-typing on send failed")
	}

	msg, err := s.store.InsertMessage(ctx, Message{
		ConversationID: s.conversationID,
		SenderID:       s.userID,
		Content:        content,
		Type:           msgType,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("send failed")
		return nil, err
	}
	return msg, nil
}

// SetTyping forwards composer input state to the typing channel.
func (s *Stream) SetTyping(ctx context.Context, isTyping bool) error {
	if isTyping {
		return s.typing.Ping(ctx)
	}
	return s.typing.Stop(ctx)
}

// MarkAsRead adds the current user to the read_by set of every message in
// this conversation sent by someone else. Messages already marked are
// skipped, so a second call with nothing new performs zero writes. The
// sender's own messages are never touched.
func (s *Stream) MarkAsRead(ctx context.Context) error {
	msgs, err := s.store.MessagesNotSentBy(ctx, s.conversationID, s.userID)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if m.ReadByContains(s.userID) {
			continue
		}
		readBy := append(append([]string{}, m.ReadBy...), s.userID)
		if err := s.store.SetMessageReadBy(ctx, m.ID, readBy); err != nil {
			s.log.Error().Err(err).Str("message_id", m.ID).Msg("mark-as-read write failed")
			return err
		}
	}
	return nil
}

// append handles one pushed insert: decode the row, resolve its sender
// profile individually, and append to the tail in arrival order.
func (s *Stream) append(ctx context.Context, ev Event) {
	var msg Message
	if err := json.Unmarshal(ev.Row, &msg); err != nil {
		s.log.Error().Err(err).Msg("bad message event payload")
		return
	}

	mw := MessageWithSender{Message: msg}
	if p, err := s.store.ProfileByUserID(ctx, msg.SenderID); err == nil && p != nil {
		mw.Sender = p
	}

	s.mu.Lock()
	s.messages = append(s.messages, mw)
	notify := s.onChange
	s.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// Messages returns a copy of the current ascending list.
func (s *Stream) Messages() []MessageWithSender {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MessageWithSender, len(s.messages))
	copy(out, s.messages)
	return out
}

// TypingUsers returns the profiles currently typing here, excluding self.
func (s *Stream) TypingUsers() []Profile {
	return s.typing.TypingUsers()
}

func (s *Stream) ConversationID() string {
	return s.conversationID
}

func (s *Stream) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
