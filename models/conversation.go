package models

import (
	"sort"
	"strings"
	"time"
)

// Collection names and field names of conversation documents.
const (
	ChatsCollection = "chats"

	FieldParticipants   = "participants"
	FieldLastMessage    = "lastMessage"
	FieldLastUpdated    = "lastUpdated"
	FieldUnreadMessages = "unreadMessages"
)

// Conversation is a private chat between exactly two participants.
type Conversation struct {
	ID             string         `json:"id"`
	Participants   []string       `json:"participants"`
	LastMessage    string         `json:"lastMessage"`
	LastUpdated    time.Time      `json:"lastUpdated"`
	UnreadMessages map[string]int `json:"unreadMessages"`
}

// HasParticipant reports whether userID takes part in the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// OtherParticipant returns the participant that is not userID, or "" when
// there is none.
func (c Conversation) OtherParticipant(userID string) string {
	for _, p := range c.Participants {
		if p != userID {
			return p
		}
	}
	return ""
}

// UnreadFor returns userID's unread counter.
func (c Conversation) UnreadFor(userID string) int {
	return c.UnreadMessages[userID]
}

// ConversationKeySeparator joins the two user ids of a conversation key.
// User ids may not contain it, so every key names exactly one pair.
const ConversationKeySeparator = "="

// ConversationKey derives the id of the private conversation between two
// users. The id does not depend on argument order.
func ConversationKey(userID1, userID2 string) string {
	userIDs := []string{userID1, userID2}
	sort.Strings(userIDs)
	return strings.Join(userIDs, ConversationKeySeparator)
}

// MessagesCollection is the collection holding a conversation's messages.
func MessagesCollection(conversationID string) string {
	return ChatsCollection + "/" + conversationID + "/messages"
}
