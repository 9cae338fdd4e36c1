package stream

import (
	"strings"
)

// DeltaMode 供应商发送 delta 的方式
type DeltaMode string

const (
	// DeltaIncremental 每个 delta 只含新增文本
	DeltaIncremental DeltaMode = "incremental"
	// DeltaCumulative 每个 delta 重发迄今为止的完整文本
	DeltaCumulative DeltaMode = "cumulative"
)

func ParseDeltaMode(s string) DeltaMode {
	if DeltaMode(strings.ToLower(strings.TrimSpace(s))) == DeltaCumulative {
		return DeltaCumulative
	}
	return DeltaIncremental
}

// ContentAccumulator 合并同一种内容的连续片段
type ContentAccumulator struct {
	content string
}

// Accumulate 片段以当前内容为前缀时视为重发的完整文本，直接替换；否则追加
func (a *ContentAccumulator) Accumulate(fragment string) string {
	if a.content != "" && strings.HasPrefix(fragment, a.content) {
		a.content = fragment
	} else {
		a.content += fragment
	}
	return a.content
}

// Append 严格增量追加
func (a *ContentAccumulator) Append(delta string) string {
	a.content += delta
	return a.content
}

// Reconcile 处理 *-complete 事件携带的完整文本：空值忽略，较短的值视为过期
func (a *ContentAccumulator) Reconcile(full string) string {
	if full != "" && len(full) >= len(a.content) {
		a.content = full
	}
	return a.content
}

func (a *ContentAccumulator) Content() string {
	return a.content
}

func (a *ContentAccumulator) Clear() {
	a.content = ""
}

// ThinkingAccumulator 额外记录思考耗时
type ThinkingAccumulator struct {
	ContentAccumulator
	elapsedMs int64
}

// ObserveElapsed 取见过的最大值，乱序的旧值不会让耗时倒退
func (a *ThinkingAccumulator) ObserveElapsed(ms int64) int64 {
	if ms > a.elapsedMs {
		a.elapsedMs = ms
	}
	return a.elapsedMs
}

func (a *ThinkingAccumulator) ElapsedMs() int64 {
	return a.elapsedMs
}

func (a *ThinkingAccumulator) Clear() {
	a.ContentAccumulator.Clear()
	a.elapsedMs = 0
}
