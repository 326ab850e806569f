package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatsync/internal/chat"
)

// Memory is an in-memory Store, Bus, and Publisher in one. Event dispatch is
// synchronous: a write returns only after every matching handler has run.
// It backs the tests and doubles as a zero-infrastructure dev backend.
type Memory struct {
	mu            sync.Mutex
	profiles      map[string]chat.Profile
	conversations map[string]chat.Conversation
	members       []chat.ConversationMember
	messages      []chat.Message
	typing        map[string]chat.TypingIndicator // keyed conversationID+userID

	subMu  sync.Mutex
	nextID int
	subs   map[int]*memorySub
}

func NewMemory() *Memory {
	return &Memory{
		profiles:      make(map[string]chat.Profile),
		conversations: make(map[string]chat.Conversation),
		typing:        make(map[string]chat.TypingIndicator),
		subs:          make(map[int]*memorySub),
	}
}

// ---------------------------------------------
// Seeding helpers
// ---------------------------------------------

func (m *Memory) SeedProfile(p chat.Profile) chat.Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.UserID == "" {
		p.UserID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = chat.StatusOffline
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	m.profiles[p.UserID] = p
	return p
}

func (m *Memory) SeedMessage(msg chat.Message) chat.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addMessage(msg)
}

// UpdateProfile overwrites a profile row and publishes the update event,
// the path a presence change takes.
func (m *Memory) UpdateProfile(ctx context.Context, p chat.Profile) error {
	m.mu.Lock()
	p.UpdatedAt = time.Now().UTC()
	m.profiles[p.UserID] = p
	m.mu.Unlock()
	return m.Publish(ctx, chat.Event{Table: chat.TableProfiles, Kind: chat.EventUpdate, Row: chat.MarshalRow(p)})
}

// ---------------------------------------------
// chat.Store
// ---------------------------------------------

func (m *Memory) ConversationIDsForUser(_ context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, mem := range m.members {
		if mem.UserID == userID {
			ids = append(ids, mem.ConversationID)
		}
	}
	return ids, nil
}

func (m *Memory) ConversationsByID(_ context.Context, ids []string) ([]chat.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []chat.Conversation
	for _, id := range ids {
		if c, ok := m.conversations[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Memory) MembersForConversations(_ context.Context, conversationIDs []string) ([]chat.ConversationMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[string]bool, len(conversationIDs))
	for _, id := range conversationIDs {
		want[id] = true
	}
	var out []chat.ConversationMember
	for _, mem := range m.members {
		if want[mem.ConversationID] {
			out = append(out, mem)
		}
	}
	return out, nil
}

func (m *Memory) ProfilesByUserID(_ context.Context, userIDs []string) ([]chat.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []chat.Profile
	for _, id := range userIDs {
		if p, ok := m.profiles[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *Memory) ProfileByUserID(_ context.Context, userID string) (*chat.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.profiles[userID]; ok {
		return &p, nil
	}
	return nil, nil
}

func (m *Memory) RecentMessages(_ context.Context, conversationIDs []string) ([]chat.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[string]bool, len(conversationIDs))
	for _, id := range conversationIDs {
		want[id] = true
	}
	var out []chat.Message
	for _, msg := range m.messages {
		if want[msg.ConversationID] {
			out = append(out, msg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ConversationMessages(_ context.Context, conversationID string) ([]chat.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []chat.Message
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID {
			out = append(out, msg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) MessagesNotSentBy(_ context.Context, conversationID, userID string) ([]chat.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []chat.Message
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID && msg.SenderID != userID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *Memory) CreateConversation(ctx context.Context, conv chat.Conversation, members []chat.ConversationMember) (*chat.Conversation, error) {
	m.mu.Lock()
	now := time.Now().UTC()
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	conv.CreatedAt, conv.UpdatedAt = now, now
	m.conversations[conv.ID] = conv

	stored := make([]chat.ConversationMember, 0, len(members))
	for _, mem := range members {
		mem.ConversationID = conv.ID
		mem.JoinedAt = now
		m.members = append(m.members, mem)
		stored = append(stored, mem)
	}
	m.mu.Unlock()

	m.Publish(ctx, chat.Event{Table: chat.TableConversations, Kind: chat.EventInsert, Row: chat.MarshalRow(conv)})
	for _, mem := range stored {
		m.Publish(ctx, chat.Event{Table: chat.TableMembers, Kind: chat.EventInsert, Row: chat.MarshalRow(mem)})
	}
	return &conv, nil
}

func (m *Memory) InsertMessage(ctx context.Context, msg chat.Message) (*chat.Message, error) {
	m.mu.Lock()
	stored := m.addMessage(msg)
	m.mu.Unlock()

	m.Publish(ctx, chat.Event{Table: chat.TableMessages, Kind: chat.EventInsert, Row: chat.MarshalRow(stored)})
	return &stored, nil
}

// addMessage assumes m.mu is held.
func (m *Memory) addMessage(msg chat.Message) chat.Message {
	now := time.Now().UTC()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Type == "" {
		msg.Type = chat.MessageText
	}
	if msg.ReadBy == nil {
		msg.ReadBy = []string{}
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now
	m.messages = append(m.messages, msg)
	return msg
}

func (m *Memory) SetMessageReadBy(ctx context.Context, messageID string, readBy []string) error {
	m.mu.Lock()
	var updated *chat.Message
	for i := range m.messages {
		if m.messages[i].ID == messageID {
			m.messages[i].ReadBy = readBy
			m.messages[i].UpdatedAt = time.Now().UTC()
			msg := m.messages[i]
			updated = &msg
			break
		}
	}
	m.mu.Unlock()
	if updated == nil {
		return fmt.Errorf("message %s not found", messageID)
	}
	return m.Publish(ctx, chat.Event{Table: chat.TableMessages, Kind: chat.EventUpdate, Row: chat.MarshalRow(*updated)})
}

func (m *Memory) UpsertTyping(ctx context.Context, ind chat.TypingIndicator) error {
	key := ind.ConversationID + "/" + ind.UserID
	m.mu.Lock()
	_, existed := m.typing[key]
	m.typing[key] = ind
	m.mu.Unlock()

	kind := chat.EventInsert
	if existed {
		kind = chat.EventUpdate
	}
	return m.Publish(ctx, chat.Event{Table: chat.TableTyping, Kind: kind, Row: chat.MarshalRow(ind)})
}

func (m *Memory) TypingUserIDs(_ context.Context, conversationID, excludeUserID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, ind := range m.typing {
		if ind.ConversationID == conversationID && ind.IsTyping && ind.UserID != excludeUserID {
			out = append(out, ind.UserID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) ProfilesExcept(_ context.Context, userID string) ([]chat.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []chat.Profile
	for _, p := range m.profiles {
		if p.UserID != userID {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return strings.ToLower(out[i].DisplayName) < strings.ToLower(out[j].DisplayName)
	})
	return out, nil
}

func (m *Memory) SearchProfiles(_ context.Context, query string, limit int) ([]chat.SearchableProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	needle := strings.ToLower(query)
	var full []chat.Profile
	for _, p := range m.profiles {
		if strings.Contains(strings.ToLower(p.DisplayName), needle) {
			full = append(full, p)
		}
	}
	sort.SliceStable(full, func(i, j int) bool {
		return strings.ToLower(full[i].DisplayName) < strings.ToLower(full[j].DisplayName)
	})
	out := make([]chat.SearchableProfile, 0, len(full))
	for _, p := range full {
		if len(out) == limit {
			break
		}
		out = append(out, p.Searchable())
	}
	return out, nil
}

// ---------------------------------------------
// chat.Bus / chat.Publisher
// ---------------------------------------------

type memorySub struct {
	owner  *Memory
	id     int
	table  string
	kind   chat.EventKind
	filter chat.Filter
	fn     func(chat.Event)

	once sync.Once
}

func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.owner.subMu.Lock()
		delete(s.owner.subs, s.id)
		s.owner.subMu.Unlock()
	})
	return nil
}

func (m *Memory) Subscribe(_ context.Context, table string, kind chat.EventKind, filter chat.Filter, fn func(chat.Event)) (chat.Subscription, error) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.nextID++
	sub := &memorySub{owner: m, id: m.nextID, table: table, kind: kind, filter: filter, fn: fn}
	m.subs[sub.id] = sub
	return sub, nil
}

func (m *Memory) Publish(_ context.Context, ev chat.Event) error {
	m.subMu.Lock()
	var matched []*memorySub
	for _, sub := range m.subs {
		if sub.table != ev.Table {
			continue
		}
		if sub.kind != chat.EventAny && sub.kind != ev.Kind {
			continue
		}
		if !matchesFilter(ev, sub.filter) {
			continue
		}
		matched = append(matched, sub)
	}
	m.subMu.Unlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].id < matched[j].id })
	for _, sub := range matched {
		sub.fn(ev)
	}
	return nil
}

// matchesFilter applies the one-column equality filter against the raw row.
func matchesFilter(ev chat.Event, f chat.Filter) bool {
	if f.Column == "" {
		return true
	}
	var row map[string]any
	if err := json.Unmarshal(ev.Row, &row); err != nil {
		return false
	}
	v, ok := row[f.Column]
	if !ok {
		return false
	}
	return fmt.Sprint(v) == f.Value
}
