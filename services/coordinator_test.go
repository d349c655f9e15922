package services

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"chat-sync/models"
	"chat-sync/store"
)

func TestResolveConversationIsSymmetric(t *testing.T) {
	ctx := context.Background()
	st := newMemoryStore(t)

	first, err := ResolveConversation(ctx, st, "u1", "u2", zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u1", "u2"}, first.Participants)
	assert.Equal(t, map[string]int{"u1": 0, "u2": 0}, first.UnreadMessages)
	assert.Empty(t, first.LastMessage)
	assert.False(t, first.LastUpdated.IsZero())

	second, err := ResolveConversation(ctx, st, "u2", "u1", zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestResolveConversationReusesStoreAssignedIDs(t *testing.T) {
	ctx := context.Background()
	st := newMemoryStore(t)
	legacyID, err := st.Add(ctx, models.ChatsCollection, store.Fields{
		models.FieldParticipants:   []any{"u1", "u2"},
		models.FieldUnreadMessages: map[string]any{"u1": 0, "u2": 0},
		models.FieldLastMessage:    "old",
		models.FieldLastUpdated:    store.ServerTimestamp,
	})
	require.NoError(t, err)

	conv, err := ResolveConversation(ctx, st, "u2", "u1", zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, legacyID, conv.ID)
}

func TestResolveConversationConcurrentFirstContact(t *testing.T) {
	ctx := context.Background()
	st := newMemoryStore(t)

	logger := zaptest.NewLogger(t)
	var wg sync.WaitGroup
	ids := make([]string, 16)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, b := "u1", "u2"
			if i%2 == 1 {
				a, b = b, a
			}
			conv, err := ResolveConversation(ctx, st, a, b, logger)
			if assert.NoError(t, err) {
				ids[i] = conv.ID
			}
		}()
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	docs, err := st.Find(ctx, store.Collection(models.ChatsCollection))
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestResolveConversationRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	st := newMemoryStore(t)

	_, err := ResolveConversation(ctx, st, "u1", "u1", zaptest.NewLogger(t))
	assert.ErrorIs(t, err, ErrSelfConversation)

	_, err = ResolveConversation(ctx, st, "u1", "", zaptest.NewLogger(t))
	assert.ErrorIs(t, err, ErrInvalidUserID)
	assert.Equal(t, int64(0), st.Writes())
}

func TestResolveConversationKeepsPairsApart(t *testing.T) {
	ctx := context.Background()
	st := newMemoryStore(t)
	logger := zaptest.NewLogger(t)

	theirs, err := ResolveConversation(ctx, st, "a_b", "c", logger)
	require.NoError(t, err)
	_, err = NewConversationChannel(st, logger).Send(ctx, theirs.ID, "c", "private note")
	require.NoError(t, err)

	mine, err := ResolveConversation(ctx, st, "a", "b_c", logger)
	require.NoError(t, err)
	assert.NotEqual(t, theirs.ID, mine.ID)
	assert.True(t, mine.HasParticipant("a"))
	assert.True(t, mine.HasParticipant("b_c"))
	assert.Empty(t, mine.LastMessage)
}

func TestResolveConversationRejectsForeignDocumentAtKey(t *testing.T) {
	ctx := context.Background()
	st := newMemoryStore(t)
	// A document squatting on the pair's key without the pair in it.
	seedConversation(t, st, models.ConversationKey("u1", "u2"), []string{"u3", "u4"},
		map[string]any{"u3": 0, "u4": 0}, time.Now())

	_, err := ResolveConversation(ctx, st, "u1", "u2", zaptest.NewLogger(t))
	assert.ErrorIs(t, err, ErrConversationConflict)
}

func TestResolveConversationLogsMalformedChats(t *testing.T) {
	ctx := context.Background()
	st := newMemoryStore(t)
	_, _, err := st.Create(ctx, models.ChatsCollection, "broken", store.Fields{
		models.FieldParticipants: []any{"u1", "u2"},
		models.FieldLastUpdated:  "yesterday-ish",
	})
	require.NoError(t, err)

	core, logs := observer.New(zap.WarnLevel)
	conv, err := ResolveConversation(ctx, st, "u1", "u2", zap.New(core))
	require.NoError(t, err)
	assert.Equal(t, models.ConversationKey("u1", "u2"), conv.ID)

	warnings := logs.FilterMessage("Skipping malformed conversation").All()
	require.Len(t, warnings, 1)
	assert.Equal(t, "broken", warnings[0].ContextMap()["conversation_id"])
}

func TestValidateUserID(t *testing.T) {
	for _, id := range []string{"u1", "a_b", "7f3c-9a", "42"} {
		assert.NoError(t, ValidateUserID(id), id)
	}
	for _, id := range []string{"", " ", "a b", "a.b", "a/b", "a*", "a>", "a=b", strings.Repeat("x", 129)} {
		assert.ErrorIs(t, ValidateUserID(id), ErrInvalidUserID, id)
	}
}

type sessionRecorder struct {
	chats    latest[[]ChatEntry]
	messages latest[sessionMessages]
}

type sessionMessages struct {
	conversationID string
	msgs           []models.Message
}

func (r *sessionRecorder) handlers() SessionHandlers {
	return SessionHandlers{
		OnChats: r.chats.set,
		OnMessages: func(conv models.Conversation, msgs []models.Message) {
			r.messages.set(sessionMessages{conversationID: conv.ID, msgs: msgs})
		},
	}
}

func TestChatSessionStateMachine(t *testing.T) {
	ctx := context.Background()
	st := newMemoryStore(t)
	seedUser(t, st, "u2", "Bob")

	var rec sessionRecorder
	session := NewChatSession(ctx, st, "u1", rec.handlers(), zaptest.NewLogger(t))
	defer session.Close()
	require.NoError(t, session.Start())

	assert.Equal(t, NoChatSelected, session.State())
	_, err := session.Send(ctx, "hi")
	assert.ErrorIs(t, err, ErrNoActiveConversation)

	conv, err := session.StartNewChat(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, ConversationActive, session.State())
	active, ok := session.Active()
	require.True(t, ok)
	assert.Equal(t, conv.ID, active.ID)

	chat, ok := session.ActiveChat()
	require.True(t, ok)
	assert.Equal(t, "u2", chat.RecipientID)
	require.NotNil(t, chat.Recipient)
	assert.Equal(t, "Bob@example.com", chat.Recipient.Email)
	assert.Equal(t, "Bob", chat.RecipientName)

	_, err = session.Send(ctx, "hello Bob")
	require.NoError(t, err)

	got := rec.messages.waitFor(t, func(m sessionMessages) bool { return len(m.msgs) == 1 })
	assert.Equal(t, conv.ID, got.conversationID)
	assert.Equal(t, "hello Bob", got.msgs[0].Content)

	chats := rec.chats.waitFor(t, func(e []ChatEntry) bool {
		return len(e) == 1 && e[0].Conversation.LastMessage == "hello Bob"
	})
	assert.Equal(t, "Bob", chats[0].RecipientName)
}

func TestChatSessionReselectionTearsDownPreviousChannel(t *testing.T) {
	ctx := context.Background()
	st := newMemoryStore(t)
	seedConversation(t, st, "first", []string{"u1", "u2"}, map[string]any{"u1": 4, "u2": 0}, time.Now())
	seedConversation(t, st, "second", []string{"u1", "u3"}, map[string]any{"u1": 1, "u3": 0}, time.Now())

	var rec sessionRecorder
	session := NewChatSession(ctx, st, "u1", rec.handlers(), zaptest.NewLogger(t))
	defer session.Close()

	_, err := session.OpenDeepLink(ctx, "first")
	require.NoError(t, err)
	rec.messages.waitFor(t, func(m sessionMessages) bool { return m.conversationID == "first" })
	chat, ok := session.ActiveChat()
	require.True(t, ok)
	assert.Nil(t, chat.Recipient)
	assert.Equal(t, models.UnknownUserName, chat.RecipientName)
	assert.Equal(t, 0, loadConversation(t, st, "first").UnreadFor("u1"))

	require.NoError(t, session.StartFromDirectory(loadConversation(t, st, "second")))
	rec.messages.waitFor(t, func(m sessionMessages) bool { return m.conversationID == "second" })
	assert.Equal(t, 0, loadConversation(t, st, "second").UnreadFor("u1"))

	// Messages to the deselected conversation must stay unread.
	channel := NewConversationChannel(st, zaptest.NewLogger(t))
	_, err = channel.Send(ctx, "first", "u2", "still there?")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, loadConversation(t, st, "first").UnreadFor("u1"))

	latestMsgs, _ := rec.messages.get()
	assert.Equal(t, "second", latestMsgs.conversationID)
}

func TestChatSessionRejectsForeignConversation(t *testing.T) {
	ctx := context.Background()
	st := newMemoryStore(t)
	seedConversation(t, st, "theirs", []string{"u2", "u3"}, map[string]any{"u2": 0, "u3": 0}, time.Now())

	session := NewChatSession(ctx, st, "u1", SessionHandlers{}, zaptest.NewLogger(t))
	defer session.Close()

	_, err := session.OpenDeepLink(ctx, "theirs")
	assert.ErrorIs(t, err, ErrNotParticipant)
	assert.Equal(t, NoChatSelected, session.State())

	_, err = session.OpenDeepLink(ctx, "missing")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestChatSessionCloseStopsEverything(t *testing.T) {
	ctx := context.Background()
	st := newMemoryStore(t)
	seedConversation(t, st, "c1", []string{"u1", "u2"}, map[string]any{"u1": 0, "u2": 0}, time.Now())

	var rec sessionRecorder
	session := NewChatSession(ctx, st, "u1", rec.handlers(), zaptest.NewLogger(t))
	require.NoError(t, session.Start())
	require.NoError(t, session.StartFromDirectory(loadConversation(t, st, "c1")))
	rec.messages.waitFor(t, func(sessionMessages) bool { return true })

	session.Close()
	session.Close()

	_, before := rec.messages.get()
	_, err := NewConversationChannel(st, zaptest.NewLogger(t)).Send(ctx, "c1", "u2", "after close")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	_, after := rec.messages.get()
	assert.Equal(t, before, after)
	assert.Equal(t, 1, loadConversation(t, st, "c1").UnreadFor("u1"))

	assert.ErrorIs(t, session.StartFromDirectory(loadConversation(t, st, "c1")), ErrSessionClosed)
	assert.ErrorIs(t, session.Start(), ErrSessionClosed)
}

func TestSessionStateString(t *testing.T) {
	assert.Equal(t, "no_chat_selected", NoChatSelected.String())
	assert.Equal(t, "conversation_active", ConversationActive.String())
}
