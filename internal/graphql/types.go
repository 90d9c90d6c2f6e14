package graphql

import (
	"context"
	"time"

	"github.com/hapmoniym/blog-service/internal/model"
	"github.com/hapmoniym/blog-service/internal/security"
)

// fieldResolver produces the value of one field of an object type.
type fieldResolver func(ctx context.Context, x *execution, parent any, args arguments) (any, error)

// objectTypes maps schema object types to their field resolvers.
var objectTypes = map[string]map[string]fieldResolver{
	"User": {
		"id":       userField(func(u *model.User) any { return u.ID }),
		"name":     userField(func(u *model.User) any { return u.Name }),
		"username": userField(func(u *model.User) any { return u.Username }),
		"photo":    userField(userPhoto),
	},
	"Participant": {
		"id":                   participantField(func(p *model.Participant) any { return p.ID }),
		"userId":               participantField(func(p *model.Participant) any { return p.UserID }),
		"conversationId":       participantField(func(p *model.Participant) any { return p.ConversationID }),
		"hasSeenLatestMessage": participantField(func(p *model.Participant) any { return p.HasSeenLatestMessage }),
		"createdAt":            participantField(func(p *model.Participant) any { return p.CreatedAt }),
		"user":                 participantField(func(p *model.Participant) any { return p.User }),
	},
	"Message": {
		"id":             messageField(func(m *model.Message) any { return m.ID }),
		"body":           messageField(func(m *model.Message) any { return m.Body }),
		"conversationId": messageField(func(m *model.Message) any { return m.ConversationID }),
		"senderId":       messageField(func(m *model.Message) any { return m.SenderID }),
		"createdAt":      messageField(func(m *model.Message) any { return m.CreatedAt }),
		"sender":         messageField(func(m *model.Message) any { return m.Sender }),
	},
	"Conversation": {
		"id":                 conversationField(func(c *model.Conversation) any { return c.ID }),
		"participants":       conversationField(func(c *model.Conversation) any { return c.Participants }),
		"participantUserIds": conversationField(func(c *model.Conversation) any { return nonNilStrings(c.ParticipantUserIDs) }),
		"latestMessage":      conversationField(func(c *model.Conversation) any { return c.LatestMessage }),
		"latestMessageId":    conversationField(func(c *model.Conversation) any { return c.LatestMessageID }),
		"createdAt":          conversationField(func(c *model.Conversation) any { return c.CreatedAt }),
		"updatedAt":          conversationField(func(c *model.Conversation) any { return c.UpdatedAt }),
		"messages":           conversationMessages,
	},
	"ConversationUpdatedPayload": {
		"conversation":   payloadField(func(p *updatedPayload) any { return p.event.Conversation }),
		"addedUserIds":   payloadField(func(p *updatedPayload) any { return nonNilStrings(p.event.AddedUserIDs) }),
		"removedUserIds": payloadField(func(p *updatedPayload) any { return nonNilStrings(p.event.RemovedUserIDs) }),
	},
}

// conversationMessages returns the loaded messages, or fetches them for the caller.
func conversationMessages(ctx context.Context, x *execution, parent any, _ arguments) (any, error) {
	c := parent.(*model.Conversation)
	if c.Messages != nil {
		return c.Messages, nil
	}
	id, err := security.RequireIdentity(ctx)
	if err != nil {
		return nil, err
	}
	return x.svc.Messages(ctx, c.ID, id.UserID)
}

func userPhoto(u *model.User) any {
	if u.Photo == "" {
		return nil
	}
	return u.Photo
}

func userField(get func(*model.User) any) fieldResolver {
	return func(_ context.Context, _ *execution, parent any, _ arguments) (any, error) {
		return get(parent.(*model.User)), nil
	}
}

func participantField(get func(*model.Participant) any) fieldResolver {
	return func(_ context.Context, _ *execution, parent any, _ arguments) (any, error) {
		return get(parent.(*model.Participant)), nil
	}
}

func messageField(get func(*model.Message) any) fieldResolver {
	return func(_ context.Context, _ *execution, parent any, _ arguments) (any, error) {
		return get(parent.(*model.Message)), nil
	}
}

func conversationField(get func(*model.Conversation) any) fieldResolver {
	return func(_ context.Context, _ *execution, parent any, _ arguments) (any, error) {
		return get(parent.(*model.Conversation)), nil
	}
}

func payloadField(get func(*updatedPayload) any) fieldResolver {
	return func(_ context.Context, _ *execution, parent any, _ arguments) (any, error) {
		return get(parent.(*updatedPayload)), nil
	}
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// isNil reports whether v is nil or a nil model pointer.
func isNil(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case *model.User:
		return t == nil
	case *model.Participant:
		return t == nil
	case *model.Message:
		return t == nil
	case *model.Conversation:
		return t == nil
	case *updatedPayload:
		return t == nil
	default:
		return false
	}
}

// listItems returns the elements of a list value, addressing struct elements so
// field resolvers see pointers.
func listItems(v any) ([]any, bool) {
	switch t := v.(type) {
	case []string:
		out := make([]any, len(t))
		for i := range t {
			out[i] = t[i]
		}
		return out, true
	case []model.Conversation:
		out := make([]any, len(t))
		for i := range t {
			out[i] = &t[i]
		}
		return out, true
	case []model.Participant:
		out := make([]any, len(t))
		for i := range t {
			out[i] = &t[i]
		}
		return out, true
	case []model.Message:
		out := make([]any, len(t))
		for i := range t {
			out[i] = &t[i]
		}
		return out, true
	case []any:
		return t, true
	default:
		return nil, false
	}
}

// serializeScalar converts a resolved leaf value to its JSON form.
func serializeScalar(typeName string, v any) any {
	if typeName == "DateTime" {
		if t, ok := v.(time.Time); ok {
			return t.UTC().Format(time.RFC3339Nano)
		}
	}
	return v
}
