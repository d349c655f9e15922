package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"chat-sync/models"
	"chat-sync/store"
)

// ConversationChannel streams the messages of a conversation and keeps the
// reader's unread counter at zero while it is open.
type ConversationChannel struct {
	store  store.Store
	logger *zap.Logger
}

// NewConversationChannel creates a channel over st.
func NewConversationChannel(st store.Store, logger *zap.Logger) *ConversationChannel {
	return &ConversationChannel{store: st, logger: logger}
}

func messagesQuery(conversationID string) store.Query {
	return store.Collection(models.MessagesCollection(conversationID)).
		Order(models.FieldTimestamp, store.Asc)
}

// Conversation loads a conversation by id.
func (c *ConversationChannel) Conversation(ctx context.Context, conversationID string) (*models.Conversation, error) {
	doc, err := c.store.Get(ctx, models.ChatsCollection, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", conversationID, err)
	}
	conv, err := decodeConversation(doc)
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (c *ConversationChannel) participantConversation(ctx context.Context, conversationID, userID string) (*models.Conversation, error) {
	conv, err := c.Conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, fmt.Errorf("%w: %s in %s", ErrNotParticipant, userID, conversationID)
	}
	return conv, nil
}

// Subscribe opens the conversation for readerID. fn receives the full,
// timestamp-ordered history on every change. The reader's unread counter
// is zeroed once on open and again before every delivery.
func (c *ConversationChannel) Subscribe(ctx context.Context, conversationID, readerID string, fn func([]models.Message)) (store.Unsubscribe, error) {
	if _, err := c.participantConversation(ctx, conversationID, readerID); err != nil {
		return nil, err
	}

	logger := c.logger.With(
		zap.String("conversation_id", conversationID),
		zap.String("reader_id", readerID))

	if err := c.resetUnread(ctx, conversationID, readerID, "open"); err != nil {
		logger.Warn("Error marking messages as read", zap.Error(err))
	}

	unsubscribe, err := c.store.Subscribe(ctx, messagesQuery(conversationID), func(snap store.Snapshot) {
		if err := c.resetUnread(ctx, conversationID, readerID, "snapshot"); err != nil {
			logger.Warn("Error resetting unread messages", zap.Error(err))
		}
		snapshotsDelivered.WithLabelValues("channel").Inc()
		fn(c.messages(logger, snap.Docs))
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe messages of %s: %w", conversationID, err)
	}
	return unsubscribe, nil
}

// MarkRead zeroes readerID's unread counter.
func (c *ConversationChannel) MarkRead(ctx context.Context, conversationID, readerID string) error {
	if _, err := c.participantConversation(ctx, conversationID, readerID); err != nil {
		return err
	}
	return c.resetUnread(ctx, conversationID, readerID, "explicit")
}

func (c *ConversationChannel) resetUnread(ctx context.Context, conversationID, readerID, trigger string) error {
	err := c.store.Update(ctx, models.ChatsCollection, conversationID, store.Updates{
		store.FieldPath(models.FieldUnreadMessages, readerID): 0,
	})
	if err != nil {
		storeErrors.WithLabelValues("reset_unread").Inc()
		return err
	}
	unreadResets.WithLabelValues(trigger).Inc()
	return nil
}

// History returns the conversation's messages once, oldest first.
func (c *ConversationChannel) History(ctx context.Context, conversationID string) ([]models.Message, error) {
	docs, err := c.store.Find(ctx, messagesQuery(conversationID))
	if err != nil {
		return nil, fmt.Errorf("history of %s: %w", conversationID, err)
	}
	return c.messages(c.logger, docs), nil
}

func (c *ConversationChannel) messages(logger *zap.Logger, docs []*store.Document) []models.Message {
	msgs := make([]models.Message, 0, len(docs))
	for _, doc := range docs {
		m, err := decodeMessage(doc)
		if err != nil {
			logger.Warn("Skipping malformed message", zap.Error(err))
			continue
		}
		msgs = append(msgs, m)
	}
	sortByTimestamp(msgs)
	return msgs
}

// Send appends a message from senderID and updates the conversation
// summary: last message, last activity and the recipient's unread counter.
// Blank text is ignored without touching the store; Send then returns a nil
// message and a nil error.
func (c *ConversationChannel) Send(ctx context.Context, conversationID, senderID, text string) (*models.Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	conv, err := c.participantConversation(ctx, conversationID, senderID)
	if err != nil {
		return nil, err
	}
	recipientID := conv.OtherParticipant(senderID)
	if recipientID == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoRecipient, conversationID)
	}

	collection := models.MessagesCollection(conversationID)
	message := store.Fields{
		models.FieldSenderID:  senderID,
		models.FieldContent:   text,
		models.FieldTimestamp: store.ServerTimestamp,
	}
	summary := store.Updates{
		models.FieldLastMessage: text,
		models.FieldLastUpdated: store.ServerTimestamp,
		store.FieldPath(models.FieldUnreadMessages, recipientID): store.Increment(1),
	}

	var messageID string
	if tx, ok := c.store.(store.Transactor); ok {
		err = tx.RunTransaction(ctx, func(ctx context.Context, w store.Writer) error {
			id, err := w.Add(ctx, collection, message)
			if err != nil {
				return err
			}
			messageID = id
			return w.Update(ctx, models.ChatsCollection, conversationID, summary)
		})
		if err != nil {
			return nil, fmt.Errorf("send message to %s: %w", conversationID, err)
		}
	} else {
		messageID, err = c.store.Add(ctx, collection, message)
		if err != nil {
			return nil, fmt.Errorf("send message to %s: %w", conversationID, err)
		}
		if err := c.store.Update(ctx, models.ChatsCollection, conversationID, summary); err != nil {
			// The message is stored; only the summary lags behind.
			storeErrors.WithLabelValues("update_summary").Inc()
			c.logger.Error("Message stored but conversation summary not updated",
				zap.String("conversation_id", conversationID),
				zap.String("message_id", messageID),
				zap.Error(err))
		}
	}
	messagesSent.Inc()

	doc, err := c.store.Get(ctx, collection, messageID)
	if err != nil {
		return nil, fmt.Errorf("load sent message %s: %w", messageID, err)
	}
	m, err := decodeMessage(doc)
	if err != nil {
		return nil, err
	}
	return &m, nil
}
