package chat

import "time"

// ---------------------------------------------
// Database Models
// ---------------------------------------------

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
	StatusAway    PresenceStatus = "away"
	StatusBusy    PresenceStatus = "busy"
)

type Profile struct {
	UserID      string         `json:"user_id"`
	DisplayName string         `json:"display_name"`
	AvatarURL   string         `json:"avatar_url,omitempty"`
	Status      PresenceStatus `json:"status"`
	LastSeen    time.Time      `json:"last_seen"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// SearchableProfile is the limited projection returned by user search.
// It must never expose presence or timestamps to non-members.
type SearchableProfile struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Searchable projects a full profile down to its searchable shape.
func (p Profile) Searchable() SearchableProfile {
	return SearchableProfile{
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		AvatarURL:   p.AvatarURL,
	}
}

type ConversationType string

const (
	ConversationPrivate ConversationType = "private"
	ConversationGroup   ConversationType = "group"
)

type Conversation struct {
	ID        string           `json:"id"`
	Type      ConversationType `json:"type"`
	Name      string           `json:"name,omitempty"` // groups only
	AvatarURL string           `json:"avatar_url,omitempty"`
	CreatedBy string           `json:"created_by"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

type MemberRole string

const (
	RoleAdmin  MemberRole = "admin"
	RoleMember MemberRole = "member"
)

type ConversationMember struct {
	ConversationID string     `json:"conversation_id"`
	UserID         string     `json:"user_id"`
	Role           MemberRole `json:"role"`
	JoinedAt       time.Time  `json:"joined_at"`
}

type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Content        string      `json:"content"`
	Type           MessageType `json:"message_type"`
	ReadBy         []string    `json:"read_by"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// ReadByContains reports whether userID already appears in the read_by set.
func (m Message) ReadByContains(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

type TypingIndicator struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	IsTyping       bool      `json:"is_typing"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ---------------------------------------------
// Derived Views (in-memory only, rebuilt per fetch)
// ---------------------------------------------

// MemberWithProfile joins a membership row to its full profile.
// Profile is nil when the profile row could not be resolved.
type MemberWithProfile struct {
	ConversationMember
	Profile *Profile `json:"profile"`
}

// MessageWithSender joins a message to its sender's full profile.
// Sender is nil when the sender's profile could not be resolved;
// the message itself is never dropped for that.
type MessageWithSender struct {
	Message
	Sender *Profile `json:"sender"`
}

// ConversationWithDetails is a conversation enriched with its resolved
// members, most recent message, and unread count for the current user.
type ConversationWithDetails struct {
	Conversation
	Members     []MemberWithProfile `json:"members"`
	LastMessage *MessageWithSender  `json:"last_message,omitempty"`
	UnreadCount int                 `json:"unread_count"`
}
