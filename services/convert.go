package services

import (
	"fmt"
	"sort"

	"chat-sync/models"
	"chat-sync/store"
)

func decodeConversation(doc *store.Document) (models.Conversation, error) {
	var c models.Conversation
	if err := doc.DataTo(&c); err != nil {
		return models.Conversation{}, fmt.Errorf("conversation %s: %w", doc.ID, err)
	}
	c.ID = doc.ID
	if c.UnreadMessages == nil {
		c.UnreadMessages = make(map[string]int, len(c.Participants))
	}
	for _, p := range c.Participants {
		if _, ok := c.UnreadMessages[p]; !ok {
			c.UnreadMessages[p] = 0
		}
	}
	return c, nil
}

func decodeMessage(doc *store.Document) (models.Message, error) {
	var m models.Message
	if err := doc.DataTo(&m); err != nil {
		return models.Message{}, fmt.Errorf("message %s: %w", doc.ID, err)
	}
	m.ID = doc.ID
	return m, nil
}

// sortByLastActivity orders conversations most recent first.
func sortByLastActivity(convs []models.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		if !convs[i].LastUpdated.Equal(convs[j].LastUpdated) {
			return convs[i].LastUpdated.After(convs[j].LastUpdated)
		}
		return convs[i].ID < convs[j].ID
	})
}

// sortByTimestamp orders messages oldest first.
func sortByTimestamp(msgs []models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].Timestamp.Before(msgs[j].Timestamp)
		}
		return msgs[i].ID < msgs[j].ID
	})
}
