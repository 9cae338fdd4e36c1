package handler

import (
	"errors"
	"net/http"

	"llmhouse-backend/internal/model"
	"llmhouse-backend/internal/service"
	"llmhouse-backend/internal/storage"
	"llmhouse-backend/pkg/logger"

	"github.com/gin-gonic/gin"
)

type ChatHandler struct {
	chatService *service.ChatService
}

func NewChatHandler(chatService *service.ChatService) *ChatHandler {
	return &ChatHandler{
		chatService: chatService,
	}
}

func (h *ChatHandler) CreateTopic(c *gin.Context) {
	var req model.CreateTopicRequest
	// 允许空请求体，使用默认标题
	_ = c.ShouldBindJSON(&req)

	topic, err := h.chatService.CreateTopic(c.Request.Context(), req.Title)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, topicResponse(topic))
}

func (h *ChatHandler) ListTopics(c *gin.Context) {
	topics, err := h.chatService.ListTopics(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	out := make([]model.TopicResponse, 0, len(topics))
	for _, t := range topics {
		out = append(out, topicResponse(t))
	}
	c.JSON(http.StatusOK, gin.H{"topics": out})
}

func (h *ChatHandler) GetTopic(c *gin.Context) {
	topic, err := h.chatService.GetTopic(c.Request.Context(), c.Param("topic_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, topicResponse(topic))
}

func (h *ChatHandler) UpdateTopicTitle(c *gin.Context) {
	var req model.UpdateTopicTitleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.chatService.UpdateTopicTitle(c.Request.Context(), c.Param("topic_id"), req.Title); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Title updated successfully"})
}

func (h *ChatHandler) DeleteTopic(c *gin.Context) {
	if err := h.chatService.DeleteTopic(c.Request.Context(), c.Param("topic_id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Topic deleted successfully"})
}

func (h *ChatHandler) ListMessages(c *gin.Context) {
	topicID := c.Param("topic_id")
	messages, err := h.chatService.ListMessages(c.Request.Context(), topicID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"topic_id": topicID,
		"messages": messages,
	})
}

func (h *ChatHandler) GetMessage(c *gin.Context) {
	view, err := h.chatService.GetMessage(c.Request.Context(), c.Param("message_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// SendMessage 默认立即返回消息 id；stream=true 时在同一连接上推送助手消息的生成过程
func (h *ChatHandler) SendMessage(c *gin.Context) {
	var req model.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := h.chatService.SendMessage(c.Request.Context(), c.Param("topic_id"), req.Content)
	if err != nil {
		writeError(c, err)
		return
	}

	if c.Query("stream") != "true" {
		c.JSON(http.StatusOK, resp)
		return
	}
	h.streamMessage(c, resp.AssistantMessageID, resp)
}

// StreamMessage 订阅（或重新订阅）一条助手消息的生成过程
func (h *ChatHandler) StreamMessage(c *gin.Context) {
	h.streamMessage(c, c.Param("message_id"), nil)
}

func (h *ChatHandler) AbortMessage(c *gin.Context) {
	if err := h.chatService.Abort(c.Request.Context(), c.Param("message_id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Response aborted"})
}

func topicResponse(t *model.Topic) model.TopicResponse {
	return model.TopicResponse{
		TopicID:      t.ID,
		Title:        t.Title,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
		MessageCount: len(t.Messages),
	}
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrTopicNotFound),
		errors.Is(err, storage.ErrMessageNotFound),
		errors.Is(err, service.ErrResponseNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrEmptyContent),
		errors.Is(err, storage.ErrInvalidData):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		logger.Errorf("Request %s %s failed: %v", c.Request.Method, c.FullPath(), err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
