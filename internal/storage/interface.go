package storage

import (
	"context"

	"llmhouse-backend/internal/model"
)

// Tx 单实体写操作。既可以直接在 Store 上调用，也可以在 Transaction 内调用。
type Tx interface {
	SaveMessage(ctx context.Context, msg *model.Message) error
	UpdateMessage(ctx context.Context, messageID string, changes model.MessageChanges) error
	SaveBlock(ctx context.Context, block *model.Block) error
	UpdateBlock(ctx context.Context, blockID string, changes model.BlockChanges) error
	// UpsertTopicMessage 刷新 topic 上的消息镜像
	UpsertTopicMessage(ctx context.Context, topicID string, msg *model.Message) error
}

type Store interface {
	Tx

	// 话题管理
	CreateTopic(ctx context.Context, topic *model.Topic) error
	GetTopic(ctx context.Context, topicID string) (*model.Topic, error)
	UpdateTopicTitle(ctx context.Context, topicID, title string) error
	DeleteTopic(ctx context.Context, topicID string) error
	ListTopics(ctx context.Context) ([]*model.Topic, error)

	// 消息与块
	GetMessage(ctx context.Context, messageID string) (*model.Message, error)
	ListMessages(ctx context.Context, topicID string) ([]*model.Message, error)
	GetBlock(ctx context.Context, blockID string) (*model.Block, error)
	ListBlocks(ctx context.Context, messageID string) ([]*model.Block, error)

	// Transaction fn 返回错误时所有写入都不生效
	Transaction(ctx context.Context, fn func(tx Tx) error) error

	// 存储管理
	Init(ctx context.Context) error
	Close() error
}
