package stream

import (
	"context"
	"sync"
	"time"

	"llmhouse-backend/internal/metrics"
	"llmhouse-backend/internal/model"
	"llmhouse-backend/pkg/logger"

	"github.com/sirupsen/logrus"
)

const DefaultThrottleInterval = 200 * time.Millisecond

type blockWriteFunc func(ctx context.Context, blockID string, changes model.BlockChanges) error

// sink 一个写入目标及其独立的节流状态
type sink struct {
	name  string
	write blockWriteFunc

	// writeMu 保证同一 sink 上的写入按取出 pending 的顺序落地
	writeMu sync.Mutex
	pending map[string]model.BlockChanges
	timers  map[string]*time.Timer
}

// ThrottledBlockUpdater 把块变更同时写入可观察状态和持久化存储。
// 两个 sink 各自按块节流：窗口内的变更合并，窗口结束时只写最新的合并结果。
type ThrottledBlockUpdater struct {
	mu       sync.Mutex
	ctx      context.Context
	interval time.Duration
	state    ObservableStore
	store    DurableStore
	sinks    []*sink
	closed   bool
	metrics  *metrics.Instruments
}

func NewThrottledBlockUpdater(ctx context.Context, interval time.Duration, state ObservableStore, store DurableStore, ins *metrics.Instruments) *ThrottledBlockUpdater {
	if interval <= 0 {
		interval = DefaultThrottleInterval
	}
	u := &ThrottledBlockUpdater{
		ctx:      context.WithoutCancel(ctx),
		interval: interval,
		state:    state,
		store:    store,
		metrics:  ins,
	}
	u.sinks = []*sink{
		{
			name: "state",
			write: func(_ context.Context, id string, changes model.BlockChanges) error {
				state.UpdateBlock(id, changes)
				return nil
			},
			pending: make(map[string]model.BlockChanges),
			timers:  make(map[string]*time.Timer),
		},
		{
			name:    "store",
			write:   store.UpdateBlock,
			pending: make(map[string]model.BlockChanges),
			timers:  make(map[string]*time.Timer),
		},
	}
	return u
}

// CreateBlock 立即写入两个 sink，不经过节流
func (u *ThrottledBlockUpdater) CreateBlock(ctx context.Context, block model.Block) error {
	u.state.AddBlock(block)
	if err := u.store.SaveBlock(ctx, &block); err != nil {
		return err
	}
	u.metrics.BlockCreated(ctx, string(block.Type))
	return nil
}

// UpdateBlock 合并进 pending，由窗口结束时的定时器写出
func (u *ThrottledBlockUpdater) UpdateBlock(blockID string, changes model.BlockChanges) {
	if changes.IsEmpty() {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		logger.Debugf("Block update for %s after updater closed, ignored", blockID)
		return
	}
	for _, s := range u.sinks {
		s.pending[blockID] = s.pending[blockID].Merge(changes)
		if _, scheduled := s.timers[blockID]; !scheduled {
			s := s
			s.timers[blockID] = time.AfterFunc(u.interval, func() {
				u.fire(s, blockID)
			})
		}
	}
}

// UpdateBlockNow 合并后立即写出，用于块第一次以某种类型出现
func (u *ThrottledBlockUpdater) UpdateBlockNow(ctx context.Context, blockID string, changes model.BlockChanges) error {
	u.UpdateBlock(blockID, changes)
	return u.Flush(ctx, blockID)
}

// UpdateMessage 消息级变更不节流
func (u *ThrottledBlockUpdater) UpdateMessage(ctx context.Context, messageID string, changes model.MessageChanges) error {
	u.state.UpdateMessage(messageID, changes)
	return u.store.UpdateMessage(ctx, messageID, changes)
}

func (u *ThrottledBlockUpdater) fire(s *sink, blockID string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	changes, ok := u.take(s, blockID)
	if !ok {
		return
	}
	if err := s.write(u.ctx, blockID, changes); err != nil {
		logger.WithFields(logrus.Fields{
			"block_id": blockID,
			"sink":     s.name,
		}).Warnf("Throttled block write failed: %v", err)
		return
	}
	u.metrics.BlockWritten(u.ctx, s.name)
}

// take 取出并清空某块的 pending，同时停掉定时器
func (u *ThrottledBlockUpdater) take(s *sink, blockID string) (model.BlockChanges, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if t, ok := s.timers[blockID]; ok {
		t.Stop()
		delete(s.timers, blockID)
	}
	changes, ok := s.pending[blockID]
	delete(s.pending, blockID)
	return changes, ok && !changes.IsEmpty()
}

// Flush 立即写出某块在两个 sink 上的 pending
func (u *ThrottledBlockUpdater) Flush(ctx context.Context, blockID string) error {
	var firstErr error
	for _, s := range u.sinks {
		s.writeMu.Lock()
		changes, ok := u.take(s, blockID)
		if ok {
			if err := s.write(ctx, blockID, changes); err != nil && firstErr == nil {
				firstErr = err
			} else if err == nil {
				u.metrics.BlockWritten(ctx, s.name)
			}
		}
		s.writeMu.Unlock()
	}
	return firstErr
}

// FlushAll 写出全部 pending
func (u *ThrottledBlockUpdater) FlushAll(ctx context.Context) error {
	var firstErr error
	for _, id := range u.pendingIDs() {
		if err := u.Flush(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (u *ThrottledBlockUpdater) pendingIDs() []string {
	u.mu.Lock()
	defer u.mu.Unlock()

	seen := map[string]struct{}{}
	var ids []string
	for _, s := range u.sinks {
		for id := range s.pending {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// Discard 丢弃所有 pending 并等待进行中的写入结束，之后的更新一律忽略
func (u *ThrottledBlockUpdater) Discard() {
	u.mu.Lock()
	u.closed = true
	for _, s := range u.sinks {
		for id, t := range s.timers {
			t.Stop()
			delete(s.timers, id)
		}
		s.pending = make(map[string]model.BlockChanges)
	}
	u.mu.Unlock()

	for _, s := range u.sinks {
		s.writeMu.Lock()
		s.writeMu.Unlock() //nolint:staticcheck // 仅用于等待进行中的写入
	}
}

// Close 写出全部 pending 后拒绝后续更新
func (u *ThrottledBlockUpdater) Close(ctx context.Context) error {
	err := u.FlushAll(ctx)
	u.mu.Lock()
	u.closed = true
	u.mu.Unlock()
	return err
}
