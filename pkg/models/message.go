package models

type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Text           string `json:"text"`
	// TS is the server-assigned send time (ns), monotonic within a
	// conversation.
	TS int64 `json:"ts"`
	// IsRead defaults to false and may only transition false -> true.
	IsRead bool `json:"is_read"`
}
