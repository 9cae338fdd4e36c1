package stream

import (
	"context"
	"sync"
	"time"

	"llmhouse-backend/internal/model"
)

// ToolCallRecord 一次工具调用的跟踪记录，完成后不再变化
type ToolCallRecord struct {
	ToolID    string
	BlockID   string
	Name      string
	Status    model.ToolStatus
	StartedAt time.Time
	EndedAt   time.Time
}

func (r ToolCallRecord) Duration() time.Duration {
	if r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// ToolCallTracker 单个响应会话内进行中的工具调用。
// 工具调用与文本流并发执行，状态按工具 id 记录，不依赖到达顺序。
type ToolCallTracker struct {
	mu      sync.Mutex
	records map[string]*ToolCallRecord
	order   []string
	pending int
	// changed 每次有调用结束时关闭并换新，用来唤醒等待者
	changed chan struct{}
	now     func() time.Time
}

func NewToolCallTracker(now func() time.Time) *ToolCallTracker {
	if now == nil {
		now = time.Now
	}
	return &ToolCallTracker{
		records: make(map[string]*ToolCallRecord),
		changed: make(chan struct{}),
		now:     now,
	}
}

// StartTool 登记工具调用。id 已存在时返回 false，不做任何修改。
func (t *ToolCallTracker) StartTool(toolID, name, blockID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.records[toolID]; exists {
		return false
	}
	t.records[toolID] = &ToolCallRecord{
		ToolID:    toolID,
		BlockID:   blockID,
		Name:      name,
		Status:    model.ToolInvoking,
		StartedAt: t.now(),
	}
	t.order = append(t.order, toolID)
	t.pending++
	return true
}

// Lookup 按工具 id 查找记录
func (t *ToolCallTracker) Lookup(toolID string) (ToolCallRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[toolID]
	if !ok {
		return ToolCallRecord{}, false
	}
	return *rec, true
}

// CompleteTool 结束一次调用。未知 id 或已结束的调用返回 false。
func (t *ToolCallTracker) CompleteTool(toolID string, success bool) (ToolCallRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[toolID]
	if !ok || rec.Status != model.ToolInvoking {
		return ToolCallRecord{}, false
	}
	rec.Status = model.ToolDone
	if !success {
		rec.Status = model.ToolError
	}
	rec.EndedAt = t.now()
	t.pending--
	t.broadcast()
	return *rec, true
}

func (t *ToolCallTracker) broadcast() {
	close(t.changed)
	t.changed = make(chan struct{})
}

// Outstanding 尚未结束的调用，按登记顺序
func (t *ToolCallTracker) Outstanding() []ToolCallRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []ToolCallRecord
	for _, id := range t.order {
		if rec := t.records[id]; rec.Status == model.ToolInvoking {
			out = append(out, *rec)
		}
	}
	return out
}

// WaitForAllToolsComplete 等待所有调用结束，最多等 timeout。
// 全部结束返回 true；超时或 ctx 结束返回 false。
func (t *ToolCallTracker) WaitForAllToolsComplete(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		t.mu.Lock()
		if t.pending == 0 {
			t.mu.Unlock()
			return true
		}
		changed := t.changed
		t.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// Reset 清空全部记录，并唤醒等待者
func (t *ToolCallTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.records = make(map[string]*ToolCallRecord)
	t.order = nil
	t.pending = 0
	t.broadcast()
}

// Cleanup 会话结束时调用。未结束的调用按失败收尾，记录保留供查询。
func (t *ToolCallTracker) Cleanup() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending == 0 {
		return
	}
	now := t.now()
	for _, rec := range t.records {
		if rec.Status == model.ToolInvoking {
			rec.Status = model.ToolError
			rec.EndedAt = now
		}
	}
	t.pending = 0
	t.broadcast()
}
