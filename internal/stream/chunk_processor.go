package stream

import (
	"context"
	"fmt"
	"time"

	"llmhouse-backend/internal/model"
)

// ChunkProcessor 处理文本和思考两类内容事件：累积内容，确定目标块，节流写出。
// *-complete 事件只当作又一次累积，结束由顶层的 response-complete 决定。
type ChunkProcessor struct {
	*assembly

	text     ContentAccumulator
	thinking ThinkingAccumulator

	thinkingStartedAt time.Time
}

func newChunkProcessor(a *assembly) *ChunkProcessor {
	return &ChunkProcessor{assembly: a}
}

func (p *ChunkProcessor) Process(ctx context.Context, chunk model.Chunk) error {
	switch c := chunk.(type) {
	case model.TextDelta:
		return p.writeText(ctx, p.accumulateDelta(&p.text, c.Text))
	case model.TextComplete:
		return p.writeText(ctx, p.text.Reconcile(c.Text))
	case model.ThinkingDelta:
		p.observeThinking(c.ElapsedMs)
		return p.writeThinking(ctx, p.accumulateDelta(&p.thinking.ContentAccumulator, c.Text))
	case model.ThinkingComplete:
		p.observeThinking(c.ElapsedMs)
		return p.writeThinking(ctx, p.thinking.Reconcile(c.Text))
	default:
		return fmt.Errorf("chunk processor cannot handle %s", chunk.Type())
	}
}

func (p *ChunkProcessor) accumulateDelta(acc *ContentAccumulator, delta string) string {
	if p.opts.DeltaMode == DeltaCumulative {
		return acc.Accumulate(delta)
	}
	return acc.Append(delta)
}

// observeThinking 供应商不给耗时的时候用首个思考事件起算的墙钟时间
func (p *ChunkProcessor) observeThinking(elapsedMs int64) {
	now := p.deps.Now()
	if p.thinkingStartedAt.IsZero() {
		p.thinkingStartedAt = now
	}
	if elapsedMs <= 0 {
		elapsedMs = now.Sub(p.thinkingStartedAt).Milliseconds()
	}
	p.thinking.ObserveElapsed(elapsedMs)
}

func (p *ChunkProcessor) writeText(ctx context.Context, content string) error {
	tr := p.states.TransitionToText()
	changes := model.BlockChanges{
		Content: model.Ptr(content),
		Status:  model.Ptr(model.BlockStreaming),
	}
	return p.write(ctx, tr, model.BlockMainText, changes, "")
}

func (p *ChunkProcessor) writeThinking(ctx context.Context, content string) error {
	tr := p.states.TransitionToThinking()
	changes := model.BlockChanges{
		Content:        model.Ptr(content),
		Status:         model.Ptr(model.BlockStreaming),
		ThinkingMillis: model.Ptr(p.thinking.ElapsedMs()),
	}
	// 思考块总是排在文本块前面
	return p.write(ctx, tr, model.BlockThinking, changes, p.states.TextBlockID())
}

func (p *ChunkProcessor) write(ctx context.Context, tr Transition, typ model.BlockType, changes model.BlockChanges, before string) error {
	switch {
	case tr.IsNewBlock:
		block := model.Block{
			ID:     tr.BlockID,
			Type:   typ,
			Status: model.BlockStreaming,
		}
		block.Apply(changes, p.deps.Now())
		return p.createBlock(ctx, block, before)
	case tr.Claimed:
		changes.Type = model.Ptr(typ)
		return p.updater.UpdateBlockNow(durable(ctx), tr.BlockID, changes)
	default:
		p.updater.UpdateBlock(tr.BlockID, changes)
		return nil
	}
}

func (p *ChunkProcessor) TextContent() string {
	return p.text.Content()
}

func (p *ChunkProcessor) ThinkingContent() string {
	return p.thinking.Content()
}
