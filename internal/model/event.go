package model

// Topic names an event bus channel.
type Topic string

const (
	TopicConversationCreated Topic = "CONVERSATION_CREATED"
	TopicConversationUpdated Topic = "CONVERSATION_UPDATED"
	TopicConversationDeleted Topic = "CONVERSATION_DELETED"
	TopicMessageSent         Topic = "MESSAGE_SENT"
)

// Topics lists every event bus topic.
var Topics = []Topic{
	TopicConversationCreated,
	TopicConversationUpdated,
	TopicConversationDeleted,
	TopicMessageSent,
}

// Event is the payload carried on the event bus. Conversation is set for the three
// conversation topics; Message is set for TopicMessageSent.
type Event struct {
	Topic          Topic         `json:"topic"`
	Conversation   *Conversation `json:"conversation,omitempty"`
	Message        *Message      `json:"message,omitempty"`
	AddedUserIDs   []string      `json:"addedUserIds,omitempty"`
	RemovedUserIDs []string      `json:"removedUserIds,omitempty"`
}

// ConversationID returns the conversation the event refers to.
func (e *Event) ConversationID() string {
	switch {
	case e.Message != nil:
		return e.Message.ConversationID
	case e.Conversation != nil:
		return e.Conversation.ID
	default:
		return ""
	}
}

// IsBeingRemoved reports whether userID is listed in RemovedUserIDs.
func (e *Event) IsBeingRemoved(userID string) bool {
	for _, id := range e.RemovedUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}
