// Package subscription decides which event bus events each connected subscriber
// may receive.
package subscription

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/hapmoniym/blog-service/internal/model"
	"github.com/hapmoniym/blog-service/internal/registry/eventbus"
	registrystore "github.com/hapmoniym/blog-service/internal/registry/store"
	"github.com/hapmoniym/blog-service/internal/security"
)

// Request describes one subscription: the topic, the subscriber's identity (nil
// when anonymous) and, for TopicMessageSent, the conversation argument.
type Request struct {
	Topic          model.Topic
	Identity       *security.Identity
	ConversationID string
}

func (r Request) userID() string {
	if r.Identity == nil {
		return ""
	}
	return r.Identity.UserID
}

// Membership answers whether a user currently participates in a conversation.
type Membership interface {
	IsParticipant(ctx context.Context, userID, conversationID string) (bool, error)
}

// Filter authorizes subscriptions and evaluates per-event delivery predicates.
type Filter struct {
	members           Membership
	requireMembership bool
}

// NewFilter returns a Filter. When requireMembership is set, messageSent
// subscriptions need an authenticated participant of the conversation; otherwise
// they are scoped by the conversation argument alone.
func NewFilter(members Membership, requireMembership bool) *Filter {
	return &Filter{members: members, requireMembership: requireMembership}
}

// Authorize checks that req may be opened at all.
func (f *Filter) Authorize(ctx context.Context, req Request) error {
	switch req.Topic {
	case model.TopicConversationCreated, model.TopicConversationUpdated, model.TopicConversationDeleted:
		return requireIdentity(req)
	case model.TopicMessageSent:
		if req.ConversationID == "" {
			return &registrystore.ValidationError{Field: "conversationId", Message: "must not be empty"}
		}
		if !f.requireMembership {
			return nil
		}
		if err := requireIdentity(req); err != nil {
			return err
		}
		ok, err := f.members.IsParticipant(ctx, req.userID(), req.ConversationID)
		if err != nil {
			return err
		}
		if !ok {
			return &registrystore.AccessDeniedError{Message: "not a participant of this conversation"}
		}
		return nil
	default:
		return fmt.Errorf("unknown topic %q", req.Topic)
	}
}

func requireIdentity(req Request) error {
	if req.userID() == "" {
		return &security.AuthenticationError{Message: "Not authorized"}
	}
	return nil
}

// Allow reports whether ev should be delivered to the subscriber described by req.
func Allow(req Request, ev model.Event) bool {
	uid := req.userID()
	switch ev.Topic {
	case model.TopicConversationCreated, model.TopicConversationDeleted:
		return uid != "" && ev.Conversation.HasParticipant(uid)
	case model.TopicConversationUpdated:
		if uid == "" {
			return false
		}
		isParticipant := ev.Conversation.HasParticipant(uid)
		isSenderOfLatest := ev.Conversation.LatestSenderID() == uid
		return (isParticipant && !isSenderOfLatest) || isSenderOfLatest || ev.IsBeingRemoved(uid)
	case model.TopicMessageSent:
		return ev.Message != nil && ev.Message.ConversationID == req.ConversationID
	default:
		return false
	}
}

// Open authorizes req, subscribes to its topic on bus and returns the filtered
// stream. The returned channel is closed when ctx is done or the bus closes.
func (f *Filter) Open(ctx context.Context, bus eventbus.EventBus, req Request) (<-chan model.Event, error) {
	if err := f.Authorize(ctx, req); err != nil {
		return nil, err
	}
	in, err := bus.Subscribe(ctx, req.Topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", req.Topic, err)
	}

	topic := string(req.Topic)
	out := make(chan model.Event)
	security.TrackSubscription(topic, 1)
	log.Debug("Subscription opened", "topic", topic, "user", req.userID(), "conversation", req.ConversationID)

	go func() {
		defer close(out)
		defer security.TrackSubscription(topic, -1)
		for ev := range in {
			if !Allow(req, ev) {
				security.CountEvent(security.EventsFilteredTotal, topic)
				continue
			}
			select {
			case out <- ev:
				security.CountEvent(security.EventsDeliveredTotal, topic)
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
