package store

import (
	"context"
	"fmt"

	"github.com/hapmoniym/blog-service/internal/model"
)

// MessagingStore persists users, conversations, participants and messages.
//
// Methods called with a context returned by InTransaction join that transaction.
// Conversation writes apply model.SyncConversation before persisting and
// participant writes apply model.SyncParticipant.
type MessagingStore interface {
	// InTransaction runs fn in a single store transaction. The transaction commits
	// when fn returns nil and rolls back otherwise.
	InTransaction(ctx context.Context, fn func(ctx context.Context) error) error

	// Users
	GetUser(ctx context.Context, userID string) (*model.User, error)
	// GetUsers returns the users that exist; missing ids are omitted.
	GetUsers(ctx context.Context, userIDs []string) ([]model.User, error)
	UpsertUser(ctx context.Context, user model.User) (*model.User, error)

	// Participants
	CreateParticipant(ctx context.Context, participant *model.Participant) error
	FindParticipantsByConversation(ctx context.Context, conversationID string) ([]model.Participant, error)
	// FindParticipant returns nil, nil when the user is not a participant.
	FindParticipant(ctx context.Context, userID string, conversationID string) (*model.Participant, error)
	// MarkRead sets hasSeenLatestMessage on the matching participants and returns
	// how many matched.
	MarkRead(ctx context.Context, userID string, conversationID string) (int64, error)
	// MarkUnreadExcept clears hasSeenLatestMessage on every participant of the
	// conversation except userID.
	MarkUnreadExcept(ctx context.Context, conversationID string, userID string) (int64, error)
	DeleteParticipants(ctx context.Context, conversationID string, userIDs []string) (int64, error)
	DeleteParticipantsByConversation(ctx context.Context, conversationID string) (int64, error)

	// Conversations
	CreateConversation(ctx context.Context, conversation *model.Conversation) error
	GetConversation(ctx context.Context, conversationID string) (*model.Conversation, error)
	// ListConversationsForUser returns conversations whose participantUserIds
	// contain userID, most recently updated first.
	ListConversationsForUser(ctx context.Context, userID string) ([]model.Conversation, error)
	SaveConversation(ctx context.Context, conversation *model.Conversation) error
	// DeleteConversation reports whether a conversation was removed.
	DeleteConversation(ctx context.Context, conversationID string) (bool, error)

	// Messages
	CreateMessage(ctx context.Context, message *model.Message) error
	// ListMessages returns every message of the conversation, newest first.
	ListMessages(ctx context.Context, conversationID string) ([]model.Message, error)
	DeleteMessagesByConversation(ctx context.Context, conversationID string) (int64, error)

	Close(ctx context.Context) error
}

// Loader creates a MessagingStore from config.
type Loader func(ctx context.Context) (MessagingStore, error)

// Plugin represents a store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}
