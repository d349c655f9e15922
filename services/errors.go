package services

import "errors"

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrNotParticipant       = errors.New("user is not part of this conversation")
	ErrSelfConversation     = errors.New("cannot create a conversation with yourself")
	ErrNoRecipient          = errors.New("conversation has no recipient")
	ErrNoActiveConversation = errors.New("no conversation selected")
	ErrSessionClosed        = errors.New("chat session closed")
	ErrUserNotFound         = errors.New("user not found")
	ErrInvalidUserID        = errors.New("invalid user id")
	ErrConversationConflict = errors.New("conversation id belongs to another pair")
)
