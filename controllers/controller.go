// Package controllers implements the HTTP and WebSocket handlers of the
// chat service.
package controllers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chat-sync/config"
	"chat-sync/services"
	"chat-sync/store"
	"chat-sync/utils"
)

// Controller holds the dependencies shared by all handlers.
type Controller struct {
	Store   store.Store
	Channel *services.ConversationChannel
	WS      *WebSocketManager
	Logger  *zap.Logger

	wsConfig config.WSConfig
	upgrader websocket.Upgrader
}

// New creates a Controller. Origins are enforced by the CORS middleware,
// so the upgrader accepts every origin.
func New(st store.Store, manager *WebSocketManager, wsConfig config.WSConfig, logger *zap.Logger) *Controller {
	return &Controller{
		Store:    st,
		Channel:  services.NewConversationChannel(st, logger),
		WS:       manager,
		Logger:   logger,
		wsConfig: wsConfig,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Health reports liveness and the number of open WebSocket clients.
func (ctl *Controller) Health(c *gin.Context) {
	utils.RespondSuccess(c, gin.H{
		"status":     "ok",
		"ws_clients": ctl.WS.Count(),
	}, nil)
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrConversationNotFound), errors.Is(err, services.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, services.ErrSelfConversation),
		errors.Is(err, services.ErrInvalidUserID),
		errors.Is(err, services.ErrNoRecipient),
		errors.Is(err, services.ErrNoActiveConversation),
		errors.Is(err, errBadFrame):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrConversationConflict):
		return http.StatusConflict
	case errors.Is(err, services.ErrSessionClosed):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func (ctl *Controller) respondServiceError(c *gin.Context, err error, message string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		ctl.Logger.Error(message, zap.Error(err), zap.String("path", c.FullPath()))
		utils.RespondError(c, status, message)
		return
	}
	utils.RespondError(c, status, err.Error())
}
