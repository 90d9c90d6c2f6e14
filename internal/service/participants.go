package service

import (
	"context"

	"github.com/hapmoniym/blog-service/internal/model"
	registrystore "github.com/hapmoniym/blog-service/internal/registry/store"
)

// ParticipantRegistry manages the membership rows binding users to conversations.
type ParticipantRegistry struct {
	store registrystore.MessagingStore
	users *userResolver
}

// Create adds user to conversationID. The user must exist in the store.
func (r *ParticipantRegistry) Create(ctx context.Context, user *model.User, conversationID string, hasSeenLatestMessage bool) (*model.Participant, error) {
	if user == nil || user.ID == "" {
		return nil, &registrystore.NotFoundError{Resource: "user", ID: ""}
	}
	if _, err := r.users.RequireAll(ctx, []string{user.ID}); err != nil {
		return nil, err
	}
	p := &model.Participant{
		User:                 user,
		HasSeenLatestMessage: hasSeenLatestMessage,
	}
	model.SyncParticipant(p, conversationID)
	if err := r.store.CreateParticipant(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// FindByConversation returns every participant of conversationID.
func (r *ParticipantRegistry) FindByConversation(ctx context.Context, conversationID string) ([]model.Participant, error) {
	return r.store.FindParticipantsByConversation(ctx, conversationID)
}

// Find returns the participant for (userID, conversationID), or nil.
func (r *ParticipantRegistry) Find(ctx context.Context, userID, conversationID string) (*model.Participant, error) {
	return r.store.FindParticipant(ctx, userID, conversationID)
}

// IsParticipant reports whether userID is a member of conversationID.
func (r *ParticipantRegistry) IsParticipant(ctx context.Context, userID, conversationID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	p, err := r.store.FindParticipant(ctx, userID, conversationID)
	if err != nil {
		return false, err
	}
	return p != nil, nil
}

// MarkRead flags the matching participant as having seen the latest message. It is
// a no-op when userID is not a participant.
func (r *ParticipantRegistry) MarkRead(ctx context.Context, userID, conversationID string) error {
	_, err := r.store.MarkRead(ctx, userID, conversationID)
	return err
}

// MarkUnreadExcept clears the read flag of every participant other than userID.
func (r *ParticipantRegistry) MarkUnreadExcept(ctx context.Context, conversationID, userID string) error {
	_, err := r.store.MarkUnreadExcept(ctx, conversationID, userID)
	return err
}

// Delete removes the participants of conversationID whose user is in userIDs.
func (r *ParticipantRegistry) Delete(ctx context.Context, conversationID string, userIDs []string) (int64, error) {
	if len(userIDs) == 0 {
		return 0, nil
	}
	return r.store.DeleteParticipants(ctx, conversationID, userIDs)
}

// DeleteAll removes every participant of conversationID.
func (r *ParticipantRegistry) DeleteAll(ctx context.Context, conversationID string) (int64, error) {
	return r.store.DeleteParticipantsByConversation(ctx, conversationID)
}
