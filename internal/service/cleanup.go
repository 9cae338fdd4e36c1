package service

import (
	"context"
	"time"

	"llmhouse-backend/pkg/logger"
)

// CleanupExpiredTopics 删除超过 ttl 未更新的话题，跳过仍有响应在生成的话题
func (s *ChatService) CleanupExpiredTopics(ctx context.Context, ttl time.Duration) (int, error) {
	topics, err := s.store.ListTopics(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := s.opts.Now().Add(-ttl)
	removed := 0
	for _, topic := range topics {
		if !topic.UpdatedAt.Before(cutoff) || len(s.activeFor(topic.ID)) > 0 {
			continue
		}
		if err := s.store.DeleteTopic(ctx, topic.ID); err != nil {
			logger.Errorf("Failed to delete expired topic %s: %v", topic.ID, err)
			continue
		}
		removed++
		logger.Infof("Cleaned up expired topic: %s", topic.ID)
	}
	return removed, nil
}

// RunCleanup 按 interval 周期清理，阻塞到 ctx 结束
func (s *ChatService) RunCleanup(ctx context.Context, ttl, interval time.Duration) {
	if ttl <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.CleanupExpiredTopics(ctx, ttl); err != nil {
				logger.Errorf("Failed to list topics for cleanup: %v", err)
			}
		}
	}
}
