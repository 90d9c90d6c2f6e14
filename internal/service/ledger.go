package service

import (
	"context"
	"fmt"
	"time"

	"github.com/hapmoniym/blog-service/internal/model"
	registrystore "github.com/hapmoniym/blog-service/internal/registry/store"
)

// MessageLedger appends messages to conversations and lists them for participants.
type MessageLedger struct {
	store        registrystore.MessagingStore
	participants *ParticipantRegistry
}

func validateBody(body string) error {
	if !model.ValidBody(body) {
		return &registrystore.ValidationError{
			Field:   "body",
			Message: fmt.Sprintf("must be between %d and %d characters", model.MessageBodyMinLength, model.MessageBodyMaxLength),
		}
	}
	return nil
}

// List returns the messages of conversationID newest first. The requester must be
// a participant.
func (l *MessageLedger) List(ctx context.Context, conversationID, requesterUserID string) ([]model.Message, error) {
	if _, err := l.store.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	ok, err := l.participants.IsParticipant(ctx, requesterUserID, conversationID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &registrystore.AccessDeniedError{Message: "not a participant of this conversation"}
	}
	return l.store.ListMessages(ctx, conversationID)
}

// Append persists a new message from senderID and records it as the latest message
// of conv. The caller saves conv.
func (l *MessageLedger) Append(ctx context.Context, conv *model.Conversation, senderID, body string) (*model.Message, error) {
	if err := validateBody(body); err != nil {
		return nil, err
	}
	msg := &model.Message{
		Body:           body,
		ConversationID: conv.ID,
		SenderID:       senderID,
		CreatedAt:      time.Now(),
	}
	if err := l.store.CreateMessage(ctx, msg); err != nil {
		return nil, err
	}
	conv.PrependMessage(msg)
	return msg, nil
}
