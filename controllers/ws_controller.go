package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chat-sync/middlewares"
	"chat-sync/models"
	"chat-sync/services"
)

// Frame types.
const (
	frameSelect = "select"
	frameStart  = "start"
	frameSend   = "send"
	frameRead   = "read"

	frameChats    = "chats"
	frameActive   = "active"
	frameMessages = "messages"
	frameError    = "error"
)

var errBadFrame = errors.New("bad frame")

type clientFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	Content        string `json:"content,omitempty"`
}

type serverFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	Data           any    `json:"data,omitempty"`
	Code           int    `json:"code,omitempty"`
	Error          string `json:"error,omitempty"`
}

func errorFrame(err error) serverFrame {
	return serverFrame{Type: frameError, Code: statusFor(err), Error: err.Error()}
}

// WSController upgrades the request and hosts a chat session for the
// caller until the connection closes. The optional conversation_id query
// parameter opens that conversation right away.
func (ctl *Controller) WSController(c *gin.Context) {
	userID := middlewares.CurrentUserID(c)
	conn, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		ctl.Logger.Warn("Failed to upgrade connection", zap.String("user_id", userID), zap.Error(err))
		return
	}

	client := newClient(conn, userID, ctl.Logger)
	if !ctl.WS.Register(client) {
		client.Close()
		return
	}

	// The request context ends when this handler returns; the session
	// lives exactly as long as the connection.
	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	session := services.NewChatSession(ctx, ctl.Store, userID, services.SessionHandlers{
		OnChats: func(entries []services.ChatEntry) {
			client.sendFrame(serverFrame{Type: frameChats, Data: entries})
		},
		OnMessages: func(conv models.Conversation, msgs []models.Message) {
			client.sendFrame(serverFrame{Type: frameMessages, ConversationID: conv.ID, Data: msgs})
		},
	}, client.logger)
	defer func() {
		session.Close()
		cancel()
		ctl.WS.Unregister(client)
		client.Close()
	}()

	go client.writePump(ctl.wsConfig.PingInterval, ctl.wsConfig.PongTimeout)

	if err := session.Start(); err != nil {
		client.sendFrame(errorFrame(err))
		return
	}
	if id := c.Query("conversation_id"); id != "" {
		ctl.handleFrame(ctx, session, client, clientFrame{Type: frameSelect, ConversationID: id})
	}

	client.readPump(func(data []byte) {
		var f clientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			client.sendFrame(errorFrame(fmt.Errorf("%w: %v", errBadFrame, err)))
			return
		}
		ctl.handleFrame(ctx, session, client, f)
	})
}

func (ctl *Controller) handleFrame(ctx context.Context, session *services.ChatSession, client *Client, f clientFrame) {
	var err error
	switch f.Type {
	case frameSelect:
		if _, err = session.OpenDeepLink(ctx, f.ConversationID); err == nil {
			sendActive(session, client)
		}
	case frameStart:
		if _, err = session.StartNewChat(ctx, f.UserID); err == nil {
			sendActive(session, client)
		}
	case frameSend:
		_, err = session.Send(ctx, f.Content)
	case frameRead:
		err = session.MarkRead(ctx)
	default:
		err = fmt.Errorf("%w: unknown type %q", errBadFrame, f.Type)
	}

	if err != nil {
		if statusFor(err) >= 500 {
			client.logger.Error("Frame failed", zap.String("type", f.Type), zap.Error(err))
		}
		client.sendFrame(errorFrame(err))
	}
}

// sendActive announces the active conversation with its recipient, so the
// client can render the chat header.
func sendActive(session *services.ChatSession, client *Client) {
	entry, ok := session.ActiveChat()
	if !ok {
		return
	}
	client.sendFrame(serverFrame{Type: frameActive, ConversationID: entry.Conversation.ID, Data: entry})
}
