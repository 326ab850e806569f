package chat

import (
	"context"
	"strings"
)

// CreatePrivate finds or creates the 1:1 conversation between the current
// user and otherUserID. Calling it twice (from either side) yields the same
// conversation: an existing private conversation shared by both users
// short-circuits creation.
func (d *Directory) CreatePrivate(ctx context.Context, otherUserID string) (*Conversation, error) {
	myIDs, err := d.store.ConversationIDsForUser(ctx, d.userID)
	if err != nil {
		return nil, err
	}
	otherIDs, err := d.store.ConversationIDsForUser(ctx, otherUserID)
	if err != nil {
		return nil, err
	}

	otherSet := make(map[string]bool, len(otherIDs))
	for _, id := range otherIDs {
		otherSet[id] = true
	}
	var common []string
	for _, id := range myIDs {
		if otherSet[id] {
			common = append(common, id)
		}
	}

	if len(common) > 0 {
		convs, err := d.store.ConversationsByID(ctx, common)
		if err != nil {
			return nil, err
		}
		for _, conv := range convs {
			if conv.Type == ConversationPrivate {
				conv := conv
				return &conv, nil
			}
		}
	}

	conv := Conversation{
		Type:      ConversationPrivate,
		CreatedBy: d.userID,
	}
	members := []ConversationMember{
		{UserID: d.userID, Role: RoleAdmin},
		{UserID: otherUserID, Role: RoleMember},
	}
	created, err := d.store.CreateConversation(ctx, conv, members)
	if err != nil {
		d.log.Error().Err(err).Str("other_user_id", otherUserID).Msg("create private conversation failed")
		return nil, err
	}

	if err := d.Refresh(ctx); err != nil {
		d.log.Error().Err(err).Msg("refresh after create failed")
	}
	return created, nil
}

// CreateGroup creates a group conversation with the current user as admin
// and every id in memberIDs as a member. A blank name or an empty member
// set is a local no-op: nothing is written and no error is surfaced.
func (d *Directory) CreateGroup(ctx context.Context, name string, memberIDs []string) (*Conversation, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(memberIDs) == 0 {
		return nil, nil
	}

	conv := Conversation{
		Type:      ConversationGroup,
		Name:      name,
		CreatedBy: d.userID,
	}
	members := make([]ConversationMember, 0, len(memberIDs)+1)
	members = append(members, ConversationMember{UserID: d.userID, Role: RoleAdmin})
	for _, id := range memberIDs {
		members = append(members, ConversationMember{UserID: id, Role: RoleMember})
	}

	created, err := d.store.CreateConversation(ctx, conv, members)
	if err != nil {
		d.log.Error().Err(err).Str("name", name).Msg("create group conversation failed")
		return nil, err
	}

	if err := d.Refresh(ctx); err != nil {
		d.log.Error().Err(err).Msg("refresh after create failed")
	}
	return created, nil
}
