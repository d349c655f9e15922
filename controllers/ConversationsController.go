package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chat-sync/middlewares"
	"chat-sync/services"
	"chat-sync/utils"
)

// GetConversation lists the caller's conversations, most recent first.
func (ctl *Controller) GetConversation(c *gin.Context) {
	userID := middlewares.CurrentUserID(c)
	directory := services.NewChatDirectory(ctl.Store, userID, ctl.Logger)
	entries, err := directory.List(c.Request.Context())
	if err != nil {
		ctl.respondServiceError(c, err, "Failed to fetch conversations")
		return
	}
	utils.RespondSuccess(c, entries, gin.H{"count": len(entries)})
}

// CreateConversationHandler returns the conversation between the caller and
// receiver_id, creating it on first contact.
func (ctl *Controller) CreateConversationHandler(c *gin.Context) {
	var input struct {
		ReceiverID string `json:"receiver_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		utils.RespondError(c, http.StatusBadRequest, err.Error())
		return
	}

	userID := middlewares.CurrentUserID(c)
	conv, err := services.ResolveConversation(c.Request.Context(), ctl.Store, userID, input.ReceiverID, ctl.Logger)
	if err != nil {
		ctl.respondServiceError(c, err, "Failed to create conversation")
		return
	}
	ctl.Logger.Debug("Conversation resolved",
		zap.String("conversation_id", conv.ID),
		zap.String("user_id", userID),
		zap.String("receiver_id", input.ReceiverID))
	utils.RespondSuccess(c, conv, nil)
}

// GetConversationByID returns one conversation of the caller.
func (ctl *Controller) GetConversationByID(c *gin.Context) {
	conv, err := ctl.Channel.Conversation(c.Request.Context(), c.Param("conversation_id"))
	if err != nil {
		ctl.respondServiceError(c, err, "Failed to fetch conversation")
		return
	}
	if !conv.HasParticipant(middlewares.CurrentUserID(c)) {
		utils.RespondError(c, http.StatusForbidden, services.ErrNotParticipant.Error())
		return
	}
	utils.RespondSuccess(c, conv, nil)
}
