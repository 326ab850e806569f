package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"chatsync/internal/chat"
)

// Postgres implements chat.Store on a SQL connection. Every successful
// write publishes a change event so subscribed components see it; the
// publisher may be nil in one-shot contexts that need no fan-out.
type Postgres struct {
	db  *sql.DB
	pub chat.Publisher
}

func NewPostgres(db *sql.DB, pub chat.Publisher) *Postgres {
	return &Postgres{db: db, pub: pub}
}

func (s *Postgres) publish(ctx context.Context, table string, kind chat.EventKind, row any) {
	if s.pub == nil {
		return
	}
	s.pub.Publish(ctx, chat.Event{Table: table, Kind: kind, Row: chat.MarshalRow(row)})
}

func (s *Postgres) ConversationIDsForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id FROM conversation_members WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Postgres) ConversationsByID(ctx context.Context, ids []string) ([]chat.Conversation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, COALESCE(name, ''), COALESCE(avatar_url, ''), created_by, created_at, updated_at
		FROM conversations WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chat.Conversation
	for rows.Next() {
		var c chat.Conversation
		if err := rows.Scan(&c.ID, &c.Type, &c.Name, &c.AvatarURL, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Postgres) MembersForConversations(ctx context.Context, conversationIDs []string) ([]chat.ConversationMember, error) {
	if len(conversationIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, user_id, role, joined_at
		FROM conversation_members WHERE conversation_id = ANY($1)`, conversationIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chat.ConversationMember
	for rows.Next() {
		var m chat.ConversationMember
		if err := rows.Scan(&m.ConversationID, &m.UserID, &m.Role, &m.JoinedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Postgres) ProfilesByUserID(ctx context.Context, userIDs []string) ([]chat.Profile, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	return s.queryProfiles(ctx, `
		SELECT user_id, display_name, COALESCE(avatar_url, ''), status, last_seen, created_at, updated_at
		FROM profiles WHERE user_id = ANY($1)`, userIDs)
}

func (s *Postgres) ProfileByUserID(ctx context.Context, userID string) (*chat.Profile, error) {
	var p chat.Profile
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, display_name, COALESCE(avatar_url, ''), status, last_seen, created_at, updated_at
		FROM profiles WHERE user_id = $1`, userID).
		Scan(&p.UserID, &p.DisplayName, &p.AvatarURL, &p.Status, &p.LastSeen, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

func (s *Postgres) queryProfiles(ctx context.Context, query string, args ...any) ([]chat.Profile, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chat.Profile
	for rows.Next() {
		var p chat.Profile
		if err := rows.Scan(&p.UserID, &p.DisplayName, &p.AvatarURL, &p.Status, &p.LastSeen, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Postgres) RecentMessages(ctx context.Context, conversationIDs []string) ([]chat.Message, error) {
	if len(conversationIDs) == 0 {
		return nil, nil
	}
	return s.queryMessages(ctx, `
		SELECT id, conversation_id, sender_id, content, message_type, read_by, created_at, updated_at
		FROM messages WHERE conversation_id = ANY($1)
		ORDER BY created_at DESC`, conversationIDs)
}

func (s *Postgres) ConversationMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	return s.queryMessages(ctx, `
		SELECT id, conversation_id, sender_id, content, message_type, read_by, created_at, updated_at
		FROM messages WHERE conversation_id = $1
		ORDER BY created_at ASC`, conversationID)
}

func (s *Postgres) MessagesNotSentBy(ctx context.Context, conversationID, userID string) ([]chat.Message, error) {
	return s.queryMessages(ctx, `
		SELECT id, conversation_id, sender_id, content, message_type, read_by, created_at, updated_at
		FROM messages WHERE conversation_id = $1 AND sender_id <> $2`, conversationID, userID)
}

func (s *Postgres) queryMessages(ctx context.Context, query string, args ...any) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chat.Message
	for rows.Next() {
		var m chat.Message
		var readBy []byte
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.Type, &readBy, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.ReadBy = []string{}
		if len(readBy) > 0 {
			if err := json.Unmarshal(readBy, &m.ReadBy); err != nil {
				return nil, err
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CreateConversation writes the conversation and all member rows in one
// transaction; a membership failure rolls the conversation back too.
func (s *Postgres) CreateConversation(ctx context.Context, conv chat.Conversation, members []chat.ConversationMember) (*chat.Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	conv.ID = uuid.NewString()
	err = tx.QueryRowContext(ctx, `
		INSERT INTO conversations (id, type, name, avatar_url, created_by)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5)
		RETURNING created_at, updated_at`,
		conv.ID, conv.Type, conv.Name, conv.AvatarURL, conv.CreatedBy).
		Scan(&conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return nil, err
	}

	stored := make([]chat.ConversationMember, 0, len(members))
	for _, m := range members {
		m.ConversationID = conv.ID
		err = tx.QueryRowContext(ctx, `
			INSERT INTO conversation_members (conversation_id, user_id, role)
			VALUES ($1, $2, $3)
			RETURNING joined_at`,
			m.ConversationID, m.UserID, m.Role).Scan(&m.JoinedAt)
		if err != nil {
			return nil, err
		}
		stored = append(stored, m)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.publish(ctx, chat.TableConversations, chat.EventInsert, conv)
	for _, m := range stored {
		s.publish(ctx, chat.TableMembers, chat.EventInsert, m)
	}
	return &conv, nil
}

func (s *Postgres) InsertMessage(ctx context.Context, msg chat.Message) (*chat.Message, error) {
	msg.ID = uuid.NewString()
	if msg.Type == "" {
		msg.Type = chat.MessageText
	}
	if msg.ReadBy == nil {
		msg.ReadBy = []string{}
	}
	readBy, err := json.Marshal(msg.ReadBy)
	if err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, content, message_type, read_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Content, msg.Type, readBy).
		Scan(&msg.CreatedAt, &msg.UpdatedAt)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, chat.TableMessages, chat.EventInsert, msg)
	return &msg, nil
}

func (s *Postgres) SetMessageReadBy(ctx context.Context, messageID string, readBy []string) error {
	payload, err := json.Marshal(readBy)
	if err != nil {
		return err
	}
	var msg chat.Message
	var raw []byte
	err = s.db.QueryRowContext(ctx, `
		UPDATE messages SET read_by = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING id, conversation_id, sender_id, content, message_type, read_by, created_at, updated_at`,
		messageID, payload).
		Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Content, &msg.Type, &raw, &msg.CreatedAt, &msg.UpdatedAt)
	if err != nil {
		return err
	}
	msg.ReadBy = readBy

	s.publish(ctx, chat.TableMessages, chat.EventUpdate, msg)
	return nil
}

func (s *Postgres) UpsertTyping(ctx context.Context, ind chat.TypingIndicator) error {
	if ind.UpdatedAt.IsZero() {
		ind.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO typing_indicators (conversation_id, user_id, is_typing, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (conversation_id, user_id)
		DO UPDATE SET is_typing = EXCLUDED.is_typing, updated_at = EXCLUDED.updated_at`,
		ind.ConversationID, ind.UserID, ind.IsTyping, ind.UpdatedAt)
	if err != nil {
		return err
	}

	s.publish(ctx, chat.TableTyping, chat.EventUpdate, ind)
	return nil
}

func (s *Postgres) TypingUserIDs(ctx context.Context, conversationID, excludeUserID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM typing_indicators
		WHERE conversation_id = $1 AND is_typing = TRUE AND user_id <> $2
		ORDER BY user_id`, conversationID, excludeUserID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Postgres) ProfilesExcept(ctx context.Context, userID string) ([]chat.Profile, error) {
	return s.queryProfiles(ctx, `
		SELECT user_id, display_name, COALESCE(avatar_url, ''), status, last_seen, created_at, updated_at
		FROM profiles WHERE user_id <> $1
		ORDER BY display_name ASC`, userID)
}

func (s *Postgres) SearchProfiles(ctx context.Context, query string, limit int) ([]chat.SearchableProfile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, display_name, COALESCE(avatar_url, '')
		FROM profiles WHERE display_name ILIKE $1
		ORDER BY display_name ASC
		LIMIT $2`, "%"+query+"%", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chat.SearchableProfile
	for rows.Next() {
		var p chat.SearchableProfile
		if err := rows.Scan(&p.UserID, &p.DisplayName, &p.AvatarURL); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
