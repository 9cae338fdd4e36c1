package model

type SendMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

type CreateTopicRequest struct {
	Title string `json:"title"`
}

type UpdateTopicTitleRequest struct {
	Title string `json:"title" binding:"required"`
}
