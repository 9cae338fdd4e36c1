package service

import (
	"context"
	"strings"

	"llmhouse-backend/internal/events"
	"llmhouse-backend/internal/model"
	"llmhouse-backend/pkg/logger"
)

const defaultTitleMaxRunes = 30

// TopicNamer 响应成功后，用话题的第一条用户消息替换默认标题
type TopicNamer struct {
	svc      *ChatService
	maxRunes int
	sub      *events.Subscription
}

func NewTopicNamer(svc *ChatService, bus events.Bus, maxRunes int) *TopicNamer {
	if maxRunes <= 0 {
		maxRunes = defaultTitleMaxRunes
	}
	return &TopicNamer{
		svc:      svc,
		maxRunes: maxRunes,
		sub:      bus.Subscribe(64, events.MessageCompleted),
	}
}

// Run 阻塞到 ctx 结束或订阅关闭
func (n *TopicNamer) Run(ctx context.Context) {
	defer n.sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-n.sub.C():
			if !ok {
				return
			}
			if err := n.name(ctx, ev.TopicID); err != nil {
				logger.Warnf("Failed to name topic %s: %v", ev.TopicID, err)
			}
		}
	}
}

func (n *TopicNamer) Close() error {
	return n.sub.Close()
}

func (n *TopicNamer) name(ctx context.Context, topicID string) error {
	topic, err := n.svc.store.GetTopic(ctx, topicID)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(topic.Title, DefaultTitlePrefix) {
		return nil
	}

	for _, msg := range topic.Messages {
		if msg.Role != model.RoleUser {
			continue
		}
		blocks, err := n.svc.orderedBlocks(ctx, &msg)
		if err != nil {
			return err
		}
		text := strings.Join(strings.Fields(mainText(blocks)), " ")
		if text == "" {
			return nil
		}
		title := truncateRunes(text, n.maxRunes)
		logger.Debugf("Naming topic %s: %s", topicID, title)
		return n.svc.store.UpdateTopicTitle(ctx, topicID, title)
	}
	return nil
}

func truncateRunes(str string, maxLen int) string {
	runes := []rune(str)
	if len(runes) <= maxLen {
		return str
	}
	return string(runes[:maxLen]) + "..."
}
