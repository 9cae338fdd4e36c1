package model

import "time"

type TopicResponse struct {
	TopicID      string    `json:"topic_id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// MessageView 消息及其按显示顺序排列的块
type MessageView struct {
	Message
	BlockItems []Block `json:"block_items"`
}

// SendMessageResponse 发送消息后立即返回的 id，助手消息随后流式填充
type SendMessageResponse struct {
	TopicID            string `json:"topic_id"`
	UserMessageID      string `json:"user_message_id"`
	AssistantMessageID string `json:"assistant_message_id"`
}
