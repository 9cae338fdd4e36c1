package service

import (
	"context"
	"fmt"
	"strings"

	"llmhouse-backend/internal/model"
	"llmhouse-backend/pkg/logger"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
)

// history 话题内最近的已完成消息，转换成模型输入。
// 只取正文块，思考、工具和错误块不回传给模型。
func (s *ChatService) history(ctx context.Context, topicID string) ([]*schema.Message, error) {
	messages, err := s.store.ListMessages(ctx, topicID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	var done []*model.Message
	for _, msg := range messages {
		if msg.Status == model.MessageSuccess {
			done = append(done, msg)
		}
	}
	if limit := s.opts.Provider.MaxHistoryMessages; limit > 0 && len(done) > limit {
		done = done[len(done)-limit:]
	}

	out := make([]*schema.Message, 0, len(done))
	for _, msg := range done {
		blocks, err := s.orderedBlocks(ctx, msg)
		if err != nil {
			return nil, err
		}
		text := mainText(blocks)
		if text == "" {
			continue
		}
		role := schema.User
		if msg.Role == model.RoleAssistant {
			role = schema.Assistant
		}
		out = append(out, &schema.Message{Role: role, Content: text})
	}

	logger.Debugf("Retrieved %d history messages for topic %s (total: %d)", len(out), topicID, len(messages))
	return out, nil
}

func mainText(blocks []model.Block) string {
	var parts []string
	for _, b := range blocks {
		if b.Type == model.BlockMainText && b.Content != "" {
			parts = append(parts, b.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

func buildPrompt(ctx context.Context, systemPrompt string, history []*schema.Message, query string) ([]*schema.Message, error) {
	var templates []schema.MessagesTemplate
	if systemPrompt != "" {
		templates = append(templates, schema.SystemMessage(systemPrompt))
	}
	templates = append(templates,
		schema.MessagesPlaceholder("message_histories", true),
		schema.UserMessage("{user_query}"),
	)

	messages, err := prompt.FromMessages(schema.FString, templates...).Format(ctx, map[string]any{
		"message_histories": history,
		"user_query":        query,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build prompt: %w", err)
	}
	return messages, nil
}
