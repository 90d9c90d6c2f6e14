package model

import (
	"time"
	"unicode/utf8"
)

const (
	// MessageBodyMinLength and MessageBodyMaxLength bound Message.Body in characters.
	MessageBodyMinLength = 1
	MessageBodyMaxLength = 2000
)

// User is owned by the account system; the messaging core only reads it.
type User struct {
	ID        string    `json:"id"        gorm:"primaryKey"`
	Name      string    `json:"name"      gorm:"not null"`
	Username  string    `json:"username"  gorm:"not null;uniqueIndex"`
	Photo     string    `json:"photo"`
	CreatedAt time.Time `json:"createdAt" gorm:"not null"`
}

func (User) TableName() string { return "users" }

// Participant is one user's membership in one conversation.
type Participant struct {
	ID                   string    `json:"id"                   gorm:"primaryKey"`
	UserID               string    `json:"userId"               gorm:"not null;uniqueIndex:idx_participants_user_conversation"`
	ConversationID       string    `json:"conversationId"       gorm:"not null;uniqueIndex:idx_participants_user_conversation;index"`
	HasSeenLatestMessage bool      `json:"hasSeenLatestMessage" gorm:"not null"`
	CreatedAt            time.Time `json:"createdAt"            gorm:"not null"`

	// User is populated on read; it is never persisted with the participant.
	User *User `json:"user,omitempty" gorm:"-"`
}

func (Participant) TableName() string { return "participants" }

// Message is an immutable chat message.
type Message struct {
	ID             string    `json:"id"             gorm:"primaryKey"`
	Body           string    `json:"body"           gorm:"not null;size:2000"`
	ConversationID string    `json:"conversationId" gorm:"not null;index:idx_messages_conversation_created,priority:1"`
	SenderID       string    `json:"senderId"       gorm:"not null"`
	CreatedAt      time.Time `json:"createdAt"      gorm:"not null;index:idx_messages_conversation_created,priority:2"`

	Sender *User `json:"sender,omitempty" gorm:"-"`
}

func (Message) TableName() string { return "messages" }

// Snapshot returns a copy of the message without populated relations, suitable for
// embedding in a Conversation.
func (m *Message) Snapshot() *Message {
	if m == nil {
		return nil
	}
	return &Message{
		ID:             m.ID,
		Body:           m.Body,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		CreatedAt:      m.CreatedAt,
	}
}

// ValidBody reports whether body satisfies the message length bounds.
func ValidBody(body string) bool {
	n := utf8.RuneCountInString(body)
	return n >= MessageBodyMinLength && n <= MessageBodyMaxLength
}

// Conversation is the aggregate root of the messaging core. ParticipantIDs,
// ParticipantUserIDs and LatestMessageID are denormalized and kept in step by the
// Sync functions in this package.
type Conversation struct {
	ID                 string    `json:"id"                 gorm:"primaryKey"`
	ParticipantIDs     []string  `json:"participantIds"     gorm:"type:text;serializer:json"`
	ParticipantUserIDs []string  `json:"participantUserIds" gorm:"type:text;serializer:json"`
	MessageIDs         []string  `json:"messageIds"         gorm:"type:text;serializer:json"` // newest first
	LatestMessage      *Message  `json:"latestMessage"      gorm:"type:text;serializer:json"`
	LatestMessageID    string    `json:"latestMessageId"    gorm:"not null;default:''"`
	CreatedAt          time.Time `json:"createdAt"          gorm:"not null"`
	UpdatedAt          time.Time `json:"updatedAt"          gorm:"not null;index"`

	Participants []Participant `json:"participants,omitempty" gorm:"-"`
	Messages     []Message     `json:"messages,omitempty"     gorm:"-"`
}

func (Conversation) TableName() string { return "conversations" }

// HasParticipant reports whether userID is in ParticipantUserIDs.
func (c *Conversation) HasParticipant(userID string) bool {
	if c == nil || userID == "" {
		return false
	}
	for _, id := range c.ParticipantUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// LatestSenderID returns the sender of the latest message, or "".
func (c *Conversation) LatestSenderID() string {
	if c == nil || c.LatestMessage == nil {
		return ""
	}
	return c.LatestMessage.SenderID
}

// PrependMessage records m as the newest message of the conversation.
func (c *Conversation) PrependMessage(m *Message) {
	c.MessageIDs = append([]string{m.ID}, c.MessageIDs...)
	if c.Messages != nil {
		c.Messages = append([]Message{*m}, c.Messages...)
	}
	c.LatestMessage = m.Snapshot()
	SyncLatestMessageID(c)
}
