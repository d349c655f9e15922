package models

import "time"

const (
	FieldSenderID  = "senderId"
	FieldContent   = "content"
	FieldTimestamp = "timestamp"
)

// Message is one immutable chat message.
type Message struct {
	ID        string    `json:"id"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}
