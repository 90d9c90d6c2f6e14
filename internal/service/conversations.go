// Package service implements the conversation and messaging use cases on top of a
// MessagingStore and an EventBus.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/hapmoniym/blog-service/internal/model"
	registrycache "github.com/hapmoniym/blog-service/internal/registry/cache"
	"github.com/hapmoniym/blog-service/internal/registry/eventbus"
	registrystore "github.com/hapmoniym/blog-service/internal/registry/store"
	"github.com/hapmoniym/blog-service/internal/security"
)

// Options tunes a ConversationService.
type Options struct {
	// UserCacheTTL is how long resolved users stay in the user cache.
	UserCacheTTL time.Duration
}

// ConversationService orchestrates the multi-record conversation use cases. Writes
// to one conversation are serialized in process and run in a store transaction;
// events are published after commit while the conversation is still held.
type ConversationService struct {
	store        registrystore.MessagingStore
	bus          eventbus.EventBus
	users        *userResolver
	participants *ParticipantRegistry
	ledger       *MessageLedger
	locks        *keyedMutex
}

// New wires a ConversationService. userCache may be nil.
func New(store registrystore.MessagingStore, bus eventbus.EventBus, userCache registrycache.UserCache, opts Options) *ConversationService {
	users := &userResolver{store: store, cache: userCache, ttl: opts.UserCacheTTL}
	participants := &ParticipantRegistry{store: store, users: users}
	return &ConversationService{
		store:        store,
		bus:          bus,
		users:        users,
		participants: participants,
		ledger:       &MessageLedger{store: store, participants: participants},
		locks:        newKeyedMutex(),
	}
}

// Participants returns the participant registry.
func (s *ConversationService) Participants() *ParticipantRegistry { return s.participants }

// IsParticipant reports whether userID is a member of conversationID.
func (s *ConversationService) IsParticipant(ctx context.Context, userID, conversationID string) (bool, error) {
	ok, err := s.participants.IsParticipant(ctx, userID, conversationID)
	if err != nil {
		return false, s.fail("isParticipant", err)
	}
	return ok, nil
}

// SaveUser creates or updates a user record and evicts it from the user cache.
func (s *ConversationService) SaveUser(ctx context.Context, user model.User) (*model.User, error) {
	if user.ID == "" {
		return nil, &registrystore.ValidationError{Field: "id", Message: "must not be empty"}
	}
	saved, err := s.store.UpsertUser(ctx, user)
	if err != nil {
		return nil, s.fail("saveUser", err)
	}
	s.users.Forget(ctx, saved.ID)
	return saved, nil
}

// Conversations returns the conversations userID participates in, most recently
// updated first.
func (s *ConversationService) Conversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	convs, err := s.store.ListConversationsForUser(ctx, userID)
	if err != nil {
		return nil, s.fail("conversations", err)
	}
	ptrs := make([]*model.Conversation, len(convs))
	for i := range convs {
		ptrs[i] = &convs[i]
	}
	if err := s.users.hydrateConversations(ctx, ptrs...); err != nil {
		return nil, s.fail("conversations", err)
	}
	return convs, nil
}

// Messages returns the messages of conversationID, newest first. userID must be a
// participant.
func (s *ConversationService) Messages(ctx context.Context, conversationID, userID string) ([]model.Message, error) {
	messages, err := s.ledger.List(ctx, conversationID, userID)
	if err != nil {
		return nil, s.fail("messages", err)
	}
	if err := s.users.hydrateMessages(ctx, messages); err != nil {
		return nil, s.fail("messages", err)
	}
	return messages, nil
}

// CreateConversation creates a conversation between participantUserIDs and returns
// its id. Only creatorUserID starts with the conversation marked as seen.
func (s *ConversationService) CreateConversation(ctx context.Context, participantUserIDs []string, creatorUserID string) (string, error) {
	ids := uniqueIDs(participantUserIDs)
	if len(ids) == 0 {
		return "", &registrystore.ValidationError{Field: "participantUserIds", Message: "must contain at least one user"}
	}

	conv := &model.Conversation{ID: uuid.NewString()}
	err := s.store.InTransaction(ctx, func(ctx context.Context) error {
		// The store may run this func again after a transient failure.
		conv.Participants = nil
		conv.Messages = []model.Message{}
		users, err := s.users.RequireAll(ctx, ids)
		if err != nil {
			return err
		}
		for _, id := range ids {
			u := users[id]
			p, err := s.participants.Create(ctx, &u, conv.ID, id == creatorUserID)
			if err != nil {
				return err
			}
			conv.Participants = append(conv.Participants, *p)
		}
		return s.store.CreateConversation(ctx, conv)
	})
	if err != nil {
		return "", s.fail("createConversation", err)
	}

	log.Info("Conversation created", "conversationId", conv.ID, "participants", len(ids))
	s.publish(ctx, model.Event{Topic: model.TopicConversationCreated, Conversation: conv})
	return conv.ID, nil
}

// SendMessage appends a message from senderID, marks the sender as having seen it
// and every other participant as unread.
func (s *ConversationService) SendMessage(ctx context.Context, conversationID, senderID, body string) (*model.Message, error) {
	if err := validateBody(body); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(conversationID)
	defer unlock()

	var (
		conv *model.Conversation
		msg  *model.Message
	)
	err := s.store.InTransaction(ctx, func(ctx context.Context) error {
		var err error
		conv, err = s.store.GetConversation(ctx, conversationID)
		if err != nil {
			return err
		}
		if !conv.HasParticipant(senderID) {
			return &registrystore.AccessDeniedError{Message: "sender is not a participant of this conversation"}
		}
		if err := s.loadMessages(ctx, conv); err != nil {
			return err
		}
		msg, err = s.ledger.Append(ctx, conv, senderID, body)
		if err != nil {
			return err
		}
		if err := s.participants.MarkRead(ctx, senderID, conversationID); err != nil {
			return err
		}
		if err := s.participants.MarkUnreadExcept(ctx, conversationID, senderID); err != nil {
			return err
		}
		if conv.Participants, err = s.participants.FindByConversation(ctx, conversationID); err != nil {
			return err
		}
		return s.store.SaveConversation(ctx, conv)
	})
	if err != nil {
		return nil, s.fail("sendMessage", err)
	}

	s.publish(ctx, model.Event{Topic: model.TopicMessageSent, Message: msg})
	s.publish(ctx, model.Event{Topic: model.TopicConversationUpdated, Conversation: conv})
	return msg, nil
}

// UpdateParticipants replaces the membership of conversationID with
// desiredUserIDs. Removals and additions commit together or not at all. New
// participants start with the conversation marked as seen.
func (s *ConversationService) UpdateParticipants(ctx context.Context, conversationID, requesterUserID string, desiredUserIDs []string) (bool, error) {
	desired := uniqueIDs(desiredUserIDs)
	if len(desired) == 0 {
		return false, &registrystore.ValidationError{Field: "participantIds", Message: "must contain at least one user"}
	}
	unlock := s.locks.Lock(conversationID)
	defer unlock()

	var (
		conv          *model.Conversation
		added, remove []string
	)
	err := s.store.InTransaction(ctx, func(ctx context.Context) error {
		var err error
		conv, err = s.store.GetConversation(ctx, conversationID)
		if err != nil {
			return err
		}
		if !conv.HasParticipant(requesterUserID) {
			return &registrystore.AccessDeniedError{Message: "not a participant of this conversation"}
		}
		added, remove = model.Diff(conv.ParticipantUserIDs, desired)
		if err := s.loadMessages(ctx, conv); err != nil {
			return err
		}

		if len(remove) > 0 {
			if _, err := s.participants.Delete(ctx, conversationID, remove); err != nil {
				return err
			}
			if conv.Participants, err = s.participants.FindByConversation(ctx, conversationID); err != nil {
				return err
			}
			if err := s.store.SaveConversation(ctx, conv); err != nil {
				return err
			}
		}

		if len(added) > 0 {
			users, err := s.users.RequireAll(ctx, added)
			if err != nil {
				return err
			}
			for _, id := range added {
				u := users[id]
				p, err := s.participants.Create(ctx, &u, conversationID, true)
				if err != nil {
					return err
				}
				conv.Participants = append(conv.Participants, *p)
			}
			if err := s.store.SaveConversation(ctx, conv); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, s.fail("updateParticipants", err)
	}

	log.Info("Conversation participants updated", "conversationId", conversationID, "added", len(added), "removed", len(remove))
	s.publish(ctx, model.Event{
		Topic:          model.TopicConversationUpdated,
		Conversation:   conv,
		AddedUserIDs:   added,
		RemovedUserIDs: remove,
	})
	return true, nil
}

// DeleteConversation removes conversationID with its messages and participants. It
// returns false when the conversation does not exist.
func (s *ConversationService) DeleteConversation(ctx context.Context, conversationID, requesterUserID string) (bool, error) {
	unlock := s.locks.Lock(conversationID)
	defer unlock()

	var snapshot *model.Conversation
	err := s.store.InTransaction(ctx, func(ctx context.Context) error {
		var err error
		snapshot, err = s.store.GetConversation(ctx, conversationID)
		if err != nil {
			return err
		}
		if !snapshot.HasParticipant(requesterUserID) {
			return &registrystore.AccessDeniedError{Message: "not a participant of this conversation"}
		}
		if err := s.loadMessages(ctx, snapshot); err != nil {
			return err
		}
		if _, err := s.store.DeleteMessagesByConversation(ctx, conversationID); err != nil {
			return err
		}
		if _, err := s.participants.DeleteAll(ctx, conversationID); err != nil {
			return err
		}
		_, err = s.store.DeleteConversation(ctx, conversationID)
		return err
	})
	if err != nil {
		var notFound *registrystore.NotFoundError
		if errors.As(err, &notFound) && notFound.Resource == "conversation" {
			return false, nil
		}
		return false, s.fail("deleteConversation", err)
	}

	log.Info("Conversation deleted", "conversationId", conversationID)
	s.publish(ctx, model.Event{Topic: model.TopicConversationDeleted, Conversation: snapshot})
	return true, nil
}

// MarkConversationAsRead flags userID's participant row in conversationID as
// having seen the latest message. Repeated calls leave the same state.
func (s *ConversationService) MarkConversationAsRead(ctx context.Context, userID, conversationID string) (bool, error) {
	unlock := s.locks.Lock(conversationID)
	defer unlock()

	if err := s.participants.MarkRead(ctx, userID, conversationID); err != nil {
		return false, s.fail("markConversationAsRead", err)
	}
	return true, nil
}

// loadMessages fills conv.Messages for the event payload. Subscribers, including
// users just removed from the conversation, read messages from the event.
func (s *ConversationService) loadMessages(ctx context.Context, conv *model.Conversation) error {
	msgs, err := s.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return err
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	conv.Messages = msgs
	return nil
}

// publish hydrates the event payload and hands it to the bus. The mutation has
// already committed, so failures are logged rather than returned.
func (s *ConversationService) publish(ctx context.Context, ev model.Event) {
	if ev.Conversation != nil {
		if err := s.users.hydrateConversations(ctx, ev.Conversation); err != nil {
			log.Warn("Event hydration failed", "topic", ev.Topic, "err", err)
		}
	}
	if ev.Message != nil {
		msgs := []model.Message{*ev.Message}
		if err := s.users.hydrateMessages(ctx, msgs); err != nil {
			log.Warn("Event hydration failed", "topic", ev.Topic, "err", err)
		}
		ev.Message = &msgs[0]
	}
	if err := s.bus.Publish(ctx, ev); err != nil {
		log.Error("Event publish failed", "topic", ev.Topic, "conversationId", ev.ConversationID(), "err", err)
		return
	}
	security.CountEvent(security.EventsPublishedTotal, string(ev.Topic))
}

// fail passes domain errors through and wraps anything else in an
// OperationFailedError after logging the cause.
func (s *ConversationService) fail(op string, err error) error {
	var (
		notFound   *registrystore.NotFoundError
		validation *registrystore.ValidationError
		conflict   *registrystore.ConflictError
		denied     *registrystore.AccessDeniedError
		authErr    *security.AuthenticationError
		failed     *registrystore.OperationFailedError
	)
	switch {
	case errors.As(err, &notFound), errors.As(err, &validation), errors.As(err, &conflict),
		errors.As(err, &denied), errors.As(err, &authErr), errors.As(err, &failed):
		return err
	}
	log.Error("Operation failed", "op", op, "err", err)
	return &registrystore.OperationFailedError{Op: op, Cause: err}
}
