package services

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"chat-sync/models"
	"chat-sync/store"
)

// ResolveConversation returns the conversation between currentUserID and
// otherUserID, creating it on first contact.
//
// Existing conversations are found by scanning the current user's chats, so
// conversations created with store-assigned ids are reused. New ones get
// the id ConversationKey(a, b) and are created with Create, which makes
// concurrent first contact converge on one document.
func ResolveConversation(ctx context.Context, st store.Store, currentUserID, otherUserID string, logger *zap.Logger) (*models.Conversation, error) {
	if err := ValidateUserID(currentUserID); err != nil {
		return nil, err
	}
	if err := ValidateUserID(otherUserID); err != nil {
		return nil, err
	}
	if currentUserID == otherUserID {
		return nil, ErrSelfConversation
	}

	q := store.Collection(models.ChatsCollection).
		Where(models.FieldParticipants, store.OpArrayContains, currentUserID)
	docs, err := st.Find(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("find chats of %s: %w", currentUserID, err)
	}
	for _, doc := range docs {
		conv, err := decodeConversation(doc)
		if err != nil {
			logger.Warn("Skipping malformed conversation",
				zap.String("conversation_id", doc.ID),
				zap.Error(err))
			continue
		}
		if conv.HasParticipant(otherUserID) {
			return &conv, nil
		}
	}

	doc, created, err := st.Create(ctx, models.ChatsCollection, models.ConversationKey(currentUserID, otherUserID), store.Fields{
		models.FieldParticipants: []any{currentUserID, otherUserID},
		models.FieldUnreadMessages: map[string]any{
			currentUserID: 0,
			otherUserID:   0,
		},
		models.FieldLastMessage: "",
		models.FieldLastUpdated: store.ServerTimestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	if created {
		conversationsCreated.Inc()
	}
	conv, err := decodeConversation(doc)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(currentUserID) || !conv.HasParticipant(otherUserID) {
		return nil, fmt.Errorf("%w: %s", ErrConversationConflict, conv.ID)
	}
	return &conv, nil
}

// SessionState is the chat-selection state of a session.
type SessionState int

const (
	NoChatSelected SessionState = iota
	ConversationActive
)

func (s SessionState) String() string {
	switch s {
	case NoChatSelected:
		return "no_chat_selected"
	case ConversationActive:
		return "conversation_active"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// SessionHandlers receive the live views of a session. Handlers run on
// store delivery goroutines and must not call back into the session.
type SessionHandlers struct {
	OnChats    func([]ChatEntry)
	OnMessages func(models.Conversation, []models.Message)
}

// ChatSession binds one user's selected conversation to a live
// ConversationChannel. At most one channel subscription is open at a time;
// Close releases every live query the session holds.
type ChatSession struct {
	store     store.Store
	userID    string
	channel   *ConversationChannel
	directory *ChatDirectory
	handlers  SessionHandlers
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	state         SessionState
	active        *ChatEntry
	stopMessages  store.Unsubscribe
	stopDirectory store.Unsubscribe
	closed        bool
}

// NewChatSession creates a session for the authenticated currentUserID.
// Live queries opened by the session end when ctx is cancelled or Close is
// called.
func NewChatSession(ctx context.Context, st store.Store, currentUserID string, handlers SessionHandlers, logger *zap.Logger) *ChatSession {
	ctx, cancel := context.WithCancel(ctx)
	logger = logger.With(zap.String("user_id", currentUserID))
	return &ChatSession{
		store:     st,
		userID:    currentUserID,
		channel:   NewConversationChannel(st, logger),
		directory: NewChatDirectory(st, currentUserID, logger),
		handlers:  handlers,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes the session's chat list when an OnChats handler is set.
func (s *ChatSession) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.handlers.OnChats == nil || s.stopDirectory != nil {
		return nil
	}
	stop, err := s.directory.Subscribe(s.ctx, s.handlers.OnChats)
	if err != nil {
		return err
	}
	s.stopDirectory = stop
	return nil
}

// ResolveConversation finds or creates the conversation with otherUserID
// without activating it.
func (s *ChatSession) ResolveConversation(ctx context.Context, otherUserID string) (*models.Conversation, error) {
	return ResolveConversation(ctx, s.store, s.userID, otherUserID, s.logger)
}

// StartNewChat resolves the conversation with otherUserID and activates it.
func (s *ChatSession) StartNewChat(ctx context.Context, otherUserID string) (*models.Conversation, error) {
	conv, err := s.ResolveConversation(ctx, otherUserID)
	if err != nil {
		return nil, err
	}
	if err := s.activate(*conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// StartFromDirectory activates a conversation picked from the chat list.
func (s *ChatSession) StartFromDirectory(conv models.Conversation) error {
	return s.activate(conv)
}

// OpenDeepLink loads conversationID and activates it.
func (s *ChatSession) OpenDeepLink(ctx context.Context, conversationID string) (*models.Conversation, error) {
	conv, err := s.channel.Conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if err := s.activate(*conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// chatEntry pairs conv with its recipient's metadata. A failed lookup
// leaves the recipient nil so the header shows the placeholder name.
func (s *ChatSession) chatEntry(conv models.Conversation) ChatEntry {
	recipientID := conv.OtherParticipant(s.userID)
	var recipient *models.User
	if recipientID != "" {
		u, err := s.directory.users.Resolve(s.ctx, recipientID)
		if err != nil {
			storeErrors.WithLabelValues("resolve_user").Inc()
			s.logger.Warn("Failed to resolve recipient",
				zap.String("conversation_id", conv.ID),
				zap.String("recipient_id", recipientID),
				zap.Error(err))
		} else {
			recipient = u
		}
	}
	return ChatEntry{
		Conversation:  conv,
		RecipientID:   recipientID,
		Recipient:     recipient,
		RecipientName: models.DisplayName(recipient),
		Unread:        conv.UnreadFor(s.userID),
	}
}

func (s *ChatSession) activate(conv models.Conversation) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	if !conv.HasParticipant(s.userID) {
		return fmt.Errorf("%w: %s in %s", ErrNotParticipant, s.userID, conv.ID)
	}
	entry := s.chatEntry(conv)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}

	// The old listener must be gone before the new one starts, or it keeps
	// zeroing a counter for a conversation that is no longer visible.
	if s.stopMessages != nil {
		s.stopMessages()
		s.stopMessages = nil
	}

	onMessages := s.handlers.OnMessages
	stop, err := s.channel.Subscribe(s.ctx, conv.ID, s.userID, func(msgs []models.Message) {
		if onMessages != nil {
			onMessages(conv, msgs)
		}
	})
	if err != nil {
		s.state = NoChatSelected
		s.active = nil
		return err
	}

	s.stopMessages = stop
	s.active = &entry
	s.state = ConversationActive
	s.logger.Debug("Conversation activated", zap.String("conversation_id", conv.ID))
	return nil
}

// Send sends text to the active conversation.
func (s *ChatSession) Send(ctx context.Context, text string) (*models.Message, error) {
	conv, ok := s.Active()
	if !ok {
		return nil, ErrNoActiveConversation
	}
	return s.channel.Send(ctx, conv.ID, s.userID, text)
}

// MarkRead zeroes the user's unread counter on the active conversation.
func (s *ChatSession) MarkRead(ctx context.Context) error {
	conv, ok := s.Active()
	if !ok {
		return ErrNoActiveConversation
	}
	return s.channel.MarkRead(ctx, conv.ID, s.userID)
}

func (s *ChatSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// State returns the current selection state.
func (s *ChatSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Active returns the active conversation, if any.
func (s *ChatSession) Active() (models.Conversation, bool) {
	entry, ok := s.ActiveChat()
	return entry.Conversation, ok
}

// ActiveChat returns the active conversation together with the recipient
// resolved when it was activated.
func (s *ChatSession) ActiveChat() (ChatEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return ChatEntry{}, false
	}
	return *s.active, true
}

// Close stops every live query of the session. It is idempotent.
func (s *ChatSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.stopMessages != nil {
		s.stopMessages()
		s.stopMessages = nil
	}
	if s.stopDirectory != nil {
		s.stopDirectory()
		s.stopDirectory = nil
	}
	s.cancel()
}
