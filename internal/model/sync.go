package model

// SyncLatestMessageID mirrors LatestMessage.ID into LatestMessageID, or "" when
// there is no latest message. Stores call it before every conversation write.
func SyncLatestMessageID(c *Conversation) {
	if c.LatestMessage == nil {
		c.LatestMessageID = ""
		return
	}
	c.LatestMessageID = c.LatestMessage.ID
}

// SyncParticipants recomputes ParticipantIDs and ParticipantUserIDs from the
// live Participants slice, preserving membership order.
func SyncParticipants(c *Conversation) {
	ids := make([]string, 0, len(c.Participants))
	userIDs := make([]string, 0, len(c.Participants))
	seen := make(map[string]bool, len(c.Participants))
	for i := range c.Participants {
		p := &c.Participants[i]
		SyncParticipant(p, c.ID)
		ids = append(ids, p.ID)
		if !seen[p.UserID] {
			seen[p.UserID] = true
			userIDs = append(userIDs, p.UserID)
		}
	}
	c.ParticipantIDs = ids
	c.ParticipantUserIDs = userIDs
}

// SyncConversation applies every conversation-level mirror.
func SyncConversation(c *Conversation) {
	SyncParticipants(c)
	SyncLatestMessageID(c)
}

// SyncParticipant mirrors the referenced user and conversation ids onto p.
func SyncParticipant(p *Participant, conversationID string) {
	if p.User != nil && p.User.ID != "" {
		p.UserID = p.User.ID
	}
	if conversationID != "" {
		p.ConversationID = conversationID
	}
}

// Diff returns the ids present in desired but not current (add) and the ids present
// in current but not desired (remove). Order follows the input slices and
// duplicates are dropped.
func Diff(current, desired []string) (add, remove []string) {
	cur := make(map[string]bool, len(current))
	for _, id := range current {
		cur[id] = true
	}
	want := make(map[string]bool, len(desired))
	for _, id := range desired {
		if want[id] {
			continue
		}
		want[id] = true
		if !cur[id] {
			add = append(add, id)
		}
	}
	dropped := make(map[string]bool)
	for _, id := range current {
		if !want[id] && !dropped[id] {
			dropped[id] = true
			remove = append(remove, id)
		}
	}
	return add, remove
}
