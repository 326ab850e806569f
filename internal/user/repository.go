package user

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"chatsync/internal/chat"
)

type Repository struct {
	db  *sql.DB
	pub chat.Publisher
}

func NewRepository(db *sql.DB, pub chat.Publisher) *Repository {
	return &Repository{db: db, pub: pub}
}

// CreateUser inserts the account row and its profile row together; an
// account without a profile would be invisible to the whole chat engine.
func (r *Repository) CreateUser(ctx context.Context, u *User, displayName string) (*User, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	u.ID = uuid.NewString()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO users (id, username, password) VALUES ($1, $2, $3)`,
		u.ID, u.Username, u.Password); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO profiles (user_id, display_name) VALUES ($1, $2)`,
		u.ID, displayName); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return u, nil
}

func (r *Repository) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	u := &User{}
	query := "SELECT id, username, password FROM users WHERE username = $1"

	err := r.db.QueryRowContext(ctx, query, username).Scan(&u.ID, &u.Username, &u.Password)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.New("user not found")
		}
		return nil, err
	}

	return u, nil
}

// SetStatus updates the profile's presence status and fans the change out
// as a profile update event.
func (r *Repository) SetStatus(ctx context.Context, userID string, status chat.PresenceStatus) error {
	var p chat.Profile
	err := r.db.QueryRowContext(ctx, `
		UPDATE profiles SET status = $2, last_seen = NOW(), updated_at = NOW()
		WHERE user_id = $1
		RETURNING user_id, display_name, COALESCE(avatar_url, ''), status, last_seen, created_at, updated_at`,
		userID, status).
		Scan(&p.UserID, &p.DisplayName, &p.AvatarURL, &p.Status, &p.LastSeen, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return err
	}

	if r.pub != nil {
		return r.pub.Publish(ctx, chat.Event{
			Table: chat.TableProfiles,
			Kind:  chat.EventUpdate,
			Row:   chat.MarshalRow(p),
		})
	}
	return nil
}
