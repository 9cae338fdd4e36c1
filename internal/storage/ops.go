package storage

import (
	"context"
	"fmt"
	"time"

	"llmhouse-backend/internal/model"
	"llmhouse-backend/pkg/logger"

	"github.com/sirupsen/logrus"
)

// entityIO 各后端提供的按主键读写能力。读不到时返回对应的 NotFound 哨兵错误。
type entityIO interface {
	getTopic(ctx context.Context, id string) (*model.Topic, error)
	getMessage(ctx context.Context, id string) (*model.Message, error)
	getBlock(ctx context.Context, id string) (*model.Block, error)
	putTopic(ctx context.Context, topic *model.Topic) error
	putMessage(ctx context.Context, msg *model.Message) error
	putBlock(ctx context.Context, block *model.Block) error
}

// writer 在 entityIO 之上实现 Tx 的统一语义，所有后端共用
type writer struct {
	io  entityIO
	now func() time.Time
}

func newWriter(io entityIO) *writer {
	return &writer{io: io, now: time.Now}
}

func (w *writer) SaveMessage(ctx context.Context, msg *model.Message) error {
	if msg == nil || msg.ID == "" {
		return fmt.Errorf("%w: message id is required", ErrInvalidData)
	}
	if _, err := w.io.getTopic(ctx, msg.TopicID); err != nil {
		return err
	}
	saved := msg.Clone()
	if saved.CreatedAt.IsZero() {
		saved.CreatedAt = w.now()
	}
	if saved.UpdatedAt.IsZero() {
		saved.UpdatedAt = saved.CreatedAt
	}
	return w.io.putMessage(ctx, &saved)
}

func (w *writer) UpdateMessage(ctx context.Context, messageID string, changes model.MessageChanges) error {
	msg, err := w.io.getMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if !msg.Apply(changes, w.now()) {
		logger.WithFields(logrus.Fields{
			"message_id": messageID,
			"status":     msg.Status,
		}).Debug("Ignoring message update rejected by status rules")
		return nil
	}
	return w.io.putMessage(ctx, msg)
}

func (w *writer) SaveBlock(ctx context.Context, block *model.Block) error {
	if block == nil || block.ID == "" {
		return fmt.Errorf("%w: block id is required", ErrInvalidData)
	}
	if _, err := w.io.getMessage(ctx, block.MessageID); err != nil {
		return err
	}
	saved := block.Clone()
	if saved.CreatedAt.IsZero() {
		saved.CreatedAt = w.now()
	}
	if saved.UpdatedAt.IsZero() {
		saved.UpdatedAt = saved.CreatedAt
	}
	return w.io.putBlock(ctx, &saved)
}

func (w *writer) UpdateBlock(ctx context.Context, blockID string, changes model.BlockChanges) error {
	block, err := w.io.getBlock(ctx, blockID)
	if err != nil {
		return err
	}
	if changes.IsEmpty() {
		return nil
	}
	if !block.Apply(changes, w.now()) {
		logger.WithFields(logrus.Fields{
			"block_id": blockID,
			"status":   block.Status,
		}).Debug("Ignoring block update rejected by status rules")
		return nil
	}
	return w.io.putBlock(ctx, block)
}

func (w *writer) UpsertTopicMessage(ctx context.Context, topicID string, msg *model.Message) error {
	if msg == nil {
		return fmt.Errorf("%w: message is required", ErrInvalidData)
	}
	topic, err := w.io.getTopic(ctx, topicID)
	if err != nil {
		return err
	}
	topic.UpsertMessage(*msg)
	topic.UpdatedAt = w.now()
	return w.io.putTopic(ctx, topic)
}
