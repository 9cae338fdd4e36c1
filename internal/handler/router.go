package handler

import (
	"net/http"
	"time"

	"llmhouse-backend/internal/config"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func NewRouter(cfg *config.Config, chatHandler *ChatHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORS.AllowedOrigins,
		AllowMethods:     cfg.CORS.AllowedMethods,
		AllowHeaders:     cfg.CORS.AllowedHeaders,
		ExposeHeaders:    cfg.CORS.ExposedHeaders,
		AllowCredentials: cfg.CORS.AllowCredentials,
		MaxAge:           time.Duration(cfg.CORS.MaxAge) * time.Second,
	}))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().Unix(),
		})
	})

	api := router.Group("/api")
	{
		topics := api.Group("/topics")
		{
			topics.POST("", chatHandler.CreateTopic)
			topics.GET("", chatHandler.ListTopics)
			topics.GET("/:topic_id", chatHandler.GetTopic)
			topics.PUT("/:topic_id", chatHandler.UpdateTopicTitle)
			topics.DELETE("/:topic_id", chatHandler.DeleteTopic)
			topics.GET("/:topic_id/messages", chatHandler.ListMessages)
			topics.POST("/:topic_id/messages", chatHandler.SendMessage)
		}
		messages := api.Group("/messages")
		{
			messages.GET("/:message_id", chatHandler.GetMessage)
			messages.GET("/:message_id/stream", chatHandler.StreamMessage)
			messages.POST("/:message_id/abort", chatHandler.AbortMessage)
		}
	}

	return router
}
