// Package events 进程内通知总线。响应完成、失败、中断后发布事件，
// 自动命名等无关功能各自订阅，互不阻塞。
package events

import (
	"context"
	"sync"
	"time"

	"llmhouse-backend/internal/model"
	"llmhouse-backend/pkg/logger"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

type Type string

const (
	MessageCompleted   Type = "message.completed"
	MessageFailed      Type = "message.failed"
	MessageInterrupted Type = "message.interrupted"
)

type Event struct {
	ID        string             `json:"id"`
	Type      Type               `json:"type"`
	TopicID   string             `json:"topic_id"`
	MessageID string             `json:"message_id"`
	Error     *model.ErrorDetail `json:"error,omitempty"`
	At        time.Time          `json:"at"`
}

type Bus interface {
	// Publish 非阻塞投递；订阅者缓冲区满时丢弃并告警
	Publish(ctx context.Context, event Event)
	// Subscribe types 为空表示订阅全部类型
	Subscribe(buffer int, types ...Type) *Subscription
}

type Subscription struct {
	bus   *bus
	ch    chan Event
	types map[Type]struct{}
	once  sync.Once
}

// C 事件通道，Close 后关闭
func (s *Subscription) C() <-chan Event {
	return s.ch
}

func (s *Subscription) wants(t Type) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// Close 幂等
func (s *Subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		close(s.ch)
		s.bus.mu.Unlock()
	})
	return nil
}

type bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

func NewBus() Bus {
	return &bus{subs: make(map[*Subscription]struct{})}
}

func (b *bus) Subscribe(buffer int, types ...Type) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	s := &Subscription{bus: b, ch: make(chan Event, buffer), types: make(map[Type]struct{}, len(types))}
	for _, t := range types {
		s.types[t] = struct{}{}
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *bus) Publish(_ context.Context, event Event) {
	if event.ID == "" {
		event.ID = ulid.Make().String()
	}
	if event.At.IsZero() {
		event.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !s.wants(event.Type) {
			continue
		}
		select {
		case s.ch <- event:
		default:
			logger.WithFields(logrus.Fields{
				"event_id":   event.ID,
				"event_type": event.Type,
				"message_id": event.MessageID,
			}).Warn("Event subscriber channel full, dropping event")
		}
	}
}
