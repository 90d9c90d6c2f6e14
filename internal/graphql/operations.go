package graphql

import (
	"context"
	"fmt"

	"github.com/hapmoniym/blog-service/internal/model"
	registrystore "github.com/hapmoniym/blog-service/internal/registry/store"
	"github.com/hapmoniym/blog-service/internal/security"
	"github.com/hapmoniym/blog-service/internal/service"
	"github.com/hapmoniym/blog-service/internal/subscription"
	"github.com/vektah/gqlparser/v2/ast"
)

// operation is one root field of the API. Query and mutation fields set resolve;
// subscription fields set topic and payload.
type operation struct {
	kind ast.Operation
	name string

	resolve func(ctx context.Context, svc *service.ConversationService, id *security.Identity, args arguments) (any, error)

	topic   model.Topic
	payload func(ev model.Event) any
}

// operations is the complete API surface.
var operations = []operation{
	{
		kind: ast.Query,
		name: "conversations",
		resolve: func(ctx context.Context, svc *service.ConversationService, id *security.Identity, _ arguments) (any, error) {
			return svc.Conversations(ctx, id.UserID)
		},
	},
	{
		kind: ast.Query,
		name: "messages",
		resolve: func(ctx context.Context, svc *service.ConversationService, id *security.Identity, args arguments) (any, error) {
			return svc.Messages(ctx, args.String("conversationId"), id.UserID)
		},
	},
	{
		kind: ast.Mutation,
		name: "createConversation",
		resolve: func(ctx context.Context, svc *service.ConversationService, id *security.Identity, args arguments) (any, error) {
			return svc.CreateConversation(ctx, args.Strings("participantUserIds"), id.UserID)
		},
	},
	{
		kind: ast.Mutation,
		name: "sendMessage",
		resolve: func(ctx context.Context, svc *service.ConversationService, id *security.Identity, args arguments) (any, error) {
			if err := requireSelf(id, args.String("senderId"), "senderId"); err != nil {
				return nil, err
			}
			if _, err := svc.SendMessage(ctx, args.String("conversationId"), args.String("senderId"), args.String("body")); err != nil {
				return nil, err
			}
			return true, nil
		},
	},
	{
		kind: ast.Mutation,
		name: "markConversationAsRead",
		resolve: func(ctx context.Context, svc *service.ConversationService, id *security.Identity, args arguments) (any, error) {
			if err := requireSelf(id, args.String("userId"), "userId"); err != nil {
				return nil, err
			}
			return svc.MarkConversationAsRead(ctx, args.String("userId"), args.String("conversationId"))
		},
	},
	{
		kind: ast.Mutation,
		name: "deleteConversation",
		resolve: func(ctx context.Context, svc *service.ConversationService, id *security.Identity, args arguments) (any, error) {
			return svc.DeleteConversation(ctx, args.String("conversationId"), id.UserID)
		},
	},
	{
		kind: ast.Mutation,
		name: "updateParticipants",
		resolve: func(ctx context.Context, svc *service.ConversationService, id *security.Identity, args arguments) (any, error) {
			return svc.UpdateParticipants(ctx, args.String("conversationId"), id.UserID, args.Strings("participantIds"))
		},
	},
	{
		kind:    ast.Subscription,
		name:    "conversationCreated",
		topic:   model.TopicConversationCreated,
		payload: func(ev model.Event) any { return ev.Conversation },
	},
	{
		kind:    ast.Subscription,
		name:    "conversationUpdated",
		topic:   model.TopicConversationUpdated,
		payload: func(ev model.Event) any { return &updatedPayload{event: ev} },
	},
	{
		kind:    ast.Subscription,
		name:    "conversationDeleted",
		topic:   model.TopicConversationDeleted,
		payload: func(ev model.Event) any { return ev.Conversation },
	},
	{
		kind:    ast.Subscription,
		name:    "messageSent",
		topic:   model.TopicMessageSent,
		payload: func(ev model.Event) any { return ev.Message },
	},
}

func lookupOperation(kind ast.Operation, name string) (*operation, bool) {
	for i := range operations {
		if operations[i].kind == kind && operations[i].name == name {
			return &operations[i], true
		}
	}
	return nil, false
}

// subscriptionRequest builds the filter request for a subscription field.
func subscriptionRequest(op *operation, id *security.Identity, args arguments) subscription.Request {
	return subscription.Request{
		Topic:          op.topic,
		Identity:       id,
		ConversationID: args.String("conversationId"),
	}
}

// updatedPayload is the ConversationUpdatedPayload object.
type updatedPayload struct {
	event model.Event
}

// requireSelf rejects mutations that act on behalf of another user.
func requireSelf(id *security.Identity, userID, field string) error {
	if id.UserID != userID {
		return &registrystore.AccessDeniedError{Message: fmt.Sprintf("%s must be the authenticated user", field)}
	}
	return nil
}

// arguments are coerced field arguments.
type arguments map[string]any

func (a arguments) String(name string) string {
	s, _ := a[name].(string)
	return s
}

func (a arguments) Strings(name string) []string {
	switch v := a[name].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
