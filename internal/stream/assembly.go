package stream

import (
	"context"
	"time"

	"llmhouse-backend/internal/events"
	"llmhouse-backend/internal/metrics"
	"llmhouse-backend/internal/model"
	"llmhouse-backend/internal/storage"

	"github.com/google/uuid"
)

// ObservableStore 界面订阅的进程内状态
type ObservableStore interface {
	AddBlock(block model.Block)
	UpdateBlock(blockID string, changes model.BlockChanges)
	UpdateMessageStatus(messageID string, status model.MessageStatus)
	UpdateMessage(messageID string, changes model.MessageChanges)
}

// DurableStore 持久化存储中组装过程需要的部分
type DurableStore interface {
	storage.Tx
	Transaction(ctx context.Context, fn func(tx storage.Tx) error) error
}

// Dependencies 会话的外部协作者
type Dependencies struct {
	State   ObservableStore
	Store   DurableStore
	Bus     events.Bus
	Metrics *metrics.Instruments
	NewID   func() string
	Now     func() time.Time
}

func (d Dependencies) withDefaults() Dependencies {
	if d.NewID == nil {
		d.NewID = uuid.NewString
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Metrics == nil {
		d.Metrics = metrics.Default()
	}
	return d
}

const DefaultToolWaitTimeout = 60 * time.Second

type Options struct {
	ThrottleInterval time.Duration
	ToolWaitTimeout  time.Duration
	DeltaMode        DeltaMode
}

func (o Options) withDefaults() Options {
	if o.ThrottleInterval <= 0 {
		o.ThrottleInterval = DefaultThrottleInterval
	}
	if o.ToolWaitTimeout <= 0 {
		o.ToolWaitTimeout = DefaultToolWaitTimeout
	}
	if o.DeltaMode == "" {
		o.DeltaMode = DeltaIncremental
	}
	return o
}

// blockList 消息的有序块 id 列表，不含重复
type blockList struct {
	ids []string
}

func (l *blockList) contains(id string) bool {
	return indexOf(l.ids, id) >= 0
}

// insert before 为空或不在列表里时追加到末尾
func (l *blockList) insert(id, before string) bool {
	if id == "" || l.contains(id) {
		return false
	}
	if i := indexOf(l.ids, before); before != "" && i >= 0 {
		l.ids = append(l.ids[:i], append([]string{id}, l.ids[i:]...)...)
		return true
	}
	l.ids = append(l.ids, id)
	return true
}

func (l *blockList) snapshot() []string {
	return append([]string(nil), l.ids...)
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

// assembly 一次响应内各组件共享的上下文。调用方持有会话锁。
type assembly struct {
	message        model.Message
	initialBlockID string
	deps           Dependencies
	opts           Options
	updater        *ThrottledBlockUpdater
	blocks         blockList
	states         *BlockStateManager
	tracker        *ToolCallTracker
}

// attachBlock 把块登记到消息的块列表，并立即写出新的列表
func (a *assembly) attachBlock(ctx context.Context, blockID, before string) error {
	if !a.blocks.insert(blockID, before) {
		return nil
	}
	return a.updater.UpdateMessage(durable(ctx), a.message.ID, model.MessageChanges{Blocks: a.blocks.snapshot()})
}

// createBlock 立即创建块并挂到消息上
func (a *assembly) createBlock(ctx context.Context, block model.Block, before string) error {
	block.MessageID = a.message.ID
	if err := a.updater.CreateBlock(durable(ctx), block); err != nil {
		return err
	}
	return a.attachBlock(ctx, block.ID, before)
}

// durable 持久化写入不随流的取消而中断
func durable(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
