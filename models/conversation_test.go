package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConversationKeyIsOrderIndependent(t *testing.T) {
	assert.Equal(t, ConversationKey("u1", "u2"), ConversationKey("u2", "u1"))
	assert.Equal(t, "u1=u2", ConversationKey("u2", "u1"))
}

func TestConversationKeyKeepsUnderscoreIDsApart(t *testing.T) {
	assert.NotEqual(t, ConversationKey("a_b", "c"), ConversationKey("a", "b_c"))
}

func TestConversationParticipants(t *testing.T) {
	c := Conversation{
		Participants:   []string{"u1", "u2"},
		UnreadMessages: map[string]int{"u1": 0, "u2": 3},
	}
	assert.True(t, c.HasParticipant("u1"))
	assert.False(t, c.HasParticipant("u3"))
	assert.Equal(t, "u2", c.OtherParticipant("u1"))
	assert.Equal(t, "u1", c.OtherParticipant("u2"))
	assert.Equal(t, 3, c.UnreadFor("u2"))
	assert.Equal(t, 0, c.UnreadFor("u3"))
}

func TestConversationMethodsOnValues(t *testing.T) {
	load := func() Conversation {
		return Conversation{Participants: []string{"u1", "u2"}, UnreadMessages: map[string]int{"u1": 2}}
	}
	assert.Equal(t, 2, load().UnreadFor("u1"))
	assert.True(t, load().HasParticipant("u2"))
	assert.Equal(t, "u1", load().OtherParticipant("u2"))
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, UnknownUserName, DisplayName(nil))
	assert.Equal(t, "Ada", DisplayName(&User{ID: "u1", Name: "Ada"}))
}

func TestMessagesCollection(t *testing.T) {
	assert.Equal(t, "chats/c1/messages", MessagesCollection("c1"))
}
