package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"chat-sync/models"
	"chat-sync/store"
)

// ChatEntry is one row of a user's chat list.
type ChatEntry struct {
	Conversation  models.Conversation `json:"conversation"`
	RecipientID   string              `json:"recipient_id"`
	Recipient     *models.User        `json:"recipient"`
	RecipientName string              `json:"recipient_name"`
	Unread        int                 `json:"unread"`
}

// ChatDirectory lists the conversations of one user, most recent first.
type ChatDirectory struct {
	store  store.Store
	userID string
	users  *UserResolver
	logger *zap.Logger
}

// NewChatDirectory creates a directory for currentUserID. Participant
// metadata is cached for the directory's lifetime.
func NewChatDirectory(st store.Store, currentUserID string, logger *zap.Logger) *ChatDirectory {
	logger = logger.With(zap.String("user_id", currentUserID))
	return &ChatDirectory{
		store:  st,
		userID: currentUserID,
		users:  NewUserResolver(st, logger),
		logger: logger,
	}
}

func (d *ChatDirectory) query() store.Query {
	return store.Collection(models.ChatsCollection).
		Where(models.FieldParticipants, store.OpArrayContains, d.userID).
		Order(models.FieldLastUpdated, store.Desc)
}

// Subscribe emits the full chat list now and after every change to one of
// the user's conversations. Each emission replaces the previous one.
func (d *ChatDirectory) Subscribe(ctx context.Context, fn func([]ChatEntry)) (store.Unsubscribe, error) {
	unsubscribe, err := d.store.Subscribe(ctx, d.query(), func(snap store.Snapshot) {
		entries := d.entries(ctx, snap.Docs)
		snapshotsDelivered.WithLabelValues("directory").Inc()
		fn(entries)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe chats of %s: %w", d.userID, err)
	}
	return unsubscribe, nil
}

// List returns the chat list once.
func (d *ChatDirectory) List(ctx context.Context) ([]ChatEntry, error) {
	docs, err := d.store.Find(ctx, d.query())
	if err != nil {
		return nil, fmt.Errorf("list chats of %s: %w", d.userID, err)
	}
	return d.entries(ctx, docs), nil
}

func (d *ChatDirectory) entries(ctx context.Context, docs []*store.Document) []ChatEntry {
	convs := make([]models.Conversation, 0, len(docs))
	for _, doc := range docs {
		c, err := decodeConversation(doc)
		if err != nil {
			d.logger.Warn("Skipping malformed conversation", zap.Error(err))
			continue
		}
		convs = append(convs, c)
	}
	sortByLastActivity(convs)

	others := make([]string, 0, len(convs))
	for _, c := range convs {
		for _, p := range c.Participants {
			if p != d.userID {
				others = append(others, p)
			}
		}
	}
	users := d.users.ResolveAll(ctx, others)

	entries := make([]ChatEntry, 0, len(convs))
	for _, c := range convs {
		recipientID := c.OtherParticipant(d.userID)
		recipient := users[recipientID]
		entries = append(entries, ChatEntry{
			Conversation:  c,
			RecipientID:   recipientID,
			Recipient:     recipient,
			RecipientName: models.DisplayName(recipient),
			Unread:        c.UnreadFor(d.userID),
		})
	}
	return entries
}
