package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-sync/middlewares"
	"chat-sync/services"
	"chat-sync/utils"
)

// SendMessage appends a message from the caller. Blank content is accepted
// and ignored.
func (ctl *Controller) SendMessage(c *gin.Context) {
	var input struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		utils.RespondError(c, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := ctl.Channel.Send(c.Request.Context(), c.Param("conversation_id"), middlewares.CurrentUserID(c), input.Content)
	if err != nil {
		ctl.respondServiceError(c, err, "Failed to send message")
		return
	}
	utils.RespondSuccess(c, msg, nil)
}

// GetMessagesByConversationID returns the message history in send order.
func (ctl *Controller) GetMessagesByConversationID(c *gin.Context) {
	ctx := c.Request.Context()
	conversationID := c.Param("conversation_id")

	conv, err := ctl.Channel.Conversation(ctx, conversationID)
	if err != nil {
		ctl.respondServiceError(c, err, "Failed to fetch messages")
		return
	}
	if !conv.HasParticipant(middlewares.CurrentUserID(c)) {
		utils.RespondError(c, http.StatusForbidden, services.ErrNotParticipant.Error())
		return
	}

	messages, err := ctl.Channel.History(ctx, conversationID)
	if err != nil {
		ctl.respondServiceError(c, err, "Failed to fetch messages")
		return
	}
	utils.RespondSuccess(c, messages, gin.H{"conversation": conv, "count": len(messages)})
}

// MarkConversationRead zeroes the caller's unread counter.
func (ctl *Controller) MarkConversationRead(c *gin.Context) {
	conversationID := c.Param("conversation_id")
	if err := ctl.Channel.MarkRead(c.Request.Context(), conversationID, middlewares.CurrentUserID(c)); err != nil {
		ctl.respondServiceError(c, err, "Failed to mark conversation read")
		return
	}
	utils.RespondSuccess(c, gin.H{"conversation_id": conversationID}, nil)
}
