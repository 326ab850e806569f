package chat

import (
	"context"
	"encoding/json"
)

// Table names, shared between the store implementations and the
// change-event bus.
const (
	TableProfiles      = "profiles"
	TableConversations = "conversations"
	TableMembers       = "conversation_members"
	TableMessages      = "messages"
	TableTyping        = "typing_indicators"
)

// Store is what the sync engine needs from the remote store. Implementations
// live in internal/store; tests use the in-memory one.
type Store interface {
	// Directory reads.
	ConversationIDsForUser(ctx context.Context, userID string) ([]string, error)
	ConversationsByID(ctx context.Context, ids []string) ([]Conversation, error)
	MembersForConversations(ctx context.Context, conversationIDs []string) ([]ConversationMember, error)
	ProfilesByUserID(ctx context.Context, userIDs []string) ([]Profile, error)
	// RecentMessages returns every message for the given conversations,
	// ordered by creation time descending.
	RecentMessages(ctx context.Context, conversationIDs []string) ([]Message, error)

	// Stream reads.
	// ConversationMessages is ordered ascending: chronological reading order.
	ConversationMessages(ctx context.Context, conversationID string) ([]Message, error)
	ProfileByUserID(ctx context.Context, userID string) (*Profile, error)
	MessagesNotSentBy(ctx context.Context, conversationID, userID string) ([]Message, error)

	// Writes.
	// CreateConversation inserts the conversation and all member rows as a
	// single atomic operation; a failure leaves no orphaned conversation.
	CreateConversation(ctx context.Context, conv Conversation, members []ConversationMember) (*Conversation, error)
	InsertMessage(ctx context.Context, msg Message) (*Message, error)
	SetMessageReadBy(ctx context.Context, messageID string, readBy []string) error
	UpsertTyping(ctx context.Context, ind TypingIndicator) error

	// Presence / user directory.
	TypingUserIDs(ctx context.Context, conversationID, excludeUserID string) ([]string, error)
	ProfilesExcept(ctx context.Context, userID string) ([]Profile, error)
	// SearchProfiles is the privacy-preserving lookup: case-insensitive
	// substring match on display name, capped at limit, searchable
	// projection only.
	SearchProfiles(ctx context.Context, query string, limit int) ([]SearchableProfile, error)
}

// EventKind selects which row mutations a subscription receives.
type EventKind string

const (
	EventInsert EventKind = "insert"
	EventUpdate EventKind = "update"
	EventAny    EventKind = "*"
)

// Event is one row mutation pushed by the store. Row is the mutated row
// encoded as JSON; consumers decode the shape they care about.
type Event struct {
	Table string          `json:"table"`
	Kind  EventKind       `json:"kind"`
	Row   json.RawMessage `json:"row"`
}

// Filter restricts a subscription to rows where Column equals Value.
// The zero value matches every row.
type Filter struct {
	Column string
	Value  string
}

// Subscription is a live change-event feed. Close cancels delivery; it is
// idempotent and safe to call more than once.
type Subscription interface {
	Close() error
}

// Bus delivers change events. Handlers for one subscription are invoked
// serially; a component therefore never sees two of its own callbacks run
// concurrently for the same subscription.
type Bus interface {
	Subscribe(ctx context.Context, table string, kind EventKind, filter Filter, fn func(Event)) (Subscription, error)
}

// Publisher is the write side of the bus. Store implementations publish an
// event after every successful insert/update/upsert.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// MarshalRow encodes a row for an Event payload.
func MarshalRow(row any) json.RawMessage {
	b, err := json.Marshal(row)
	if err != nil {
		return nil
	}
	return b
}
