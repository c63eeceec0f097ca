package models

// Conversation is the denormalized conversation document. ParticipantIDs
// holds the same user id twice for a self-chat; it is stored as-is, not
// deduplicated, so the equality query for self-chat lookup stays exact.
type Conversation struct {
	ID             string   `json:"id"`
	ParticipantIDs []string `json:"participant_ids"`
	// LastMessageText and LastMessageTS mirror the most recent message and
	// are updated in the same write batch as the message itself.
	LastMessageText string `json:"last_message_text"`
	// LastMessageTS is a server-assigned timestamp (ns).
	LastMessageTS int64 `json:"last_message_ts"`
	IsSelfChat    bool  `json:"is_self_chat"`
	// Created timestamp (ns)
	CreatedTS int64 `json:"created_ts,omitempty"`
}

// HasParticipant reports whether the given user takes part in the
// conversation.
func (c Conversation) HasParticipant(userID string) bool {
	for _, id := range c.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// OtherParticipant returns the peer's id in a two-party conversation. For a
// self-chat it returns the current user id.
func (c Conversation) OtherParticipant(currentUserID string) string {
	if c.IsSelfChat {
		return currentUserID
	}
	for _, id := range c.ParticipantIDs {
		if id != currentUserID {
			return id
		}
	}
	return ""
}
