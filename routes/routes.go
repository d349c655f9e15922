package routes

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"chat-sync/config"
	"chat-sync/controllers"
	"chat-sync/middlewares"
)

// RegisterRoutes builds the HTTP router.
func RegisterRoutes(ctl *controllers.Controller, cfg config.HTTPConfig, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middlewares.RequestLogger(logger))

	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-User-ID"},
		AllowCredentials: true,
	}))

	r.GET("/healthz", ctl.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", middlewares.CurrentUserMiddleware(true), ctl.WSController)

	protected := r.Group("/api")
	protected.Use(middlewares.CurrentUserMiddleware(false))
	{
		protected.POST("/users", ctl.SaveUser)
		protected.GET("/userinfo", ctl.GetUserInfo)
		protected.GET("/users/:user_id", ctl.GetUser)

		protected.GET("/conversation", ctl.GetConversation)
		protected.POST("/createConversation", ctl.CreateConversationHandler)
		protected.GET("/conversation/:conversation_id", ctl.GetMessagesByConversationID)
		protected.GET("/conversation/:conversation_id/summary", ctl.GetConversationByID)
		protected.POST("/conversation/:conversation_id/messages", ctl.SendMessage)
		protected.POST("/conversation/:conversation_id/read", ctl.MarkConversationRead)
	}

	return r
}
