package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"llmhouse-backend/internal/errclass"
	"llmhouse-backend/internal/model"

	"github.com/cloudwego/eino/schema"
)

// Pump 把 eino 的流式输出转换成 Chunk 序列。
// 通道在流结束、出错或 ctx 结束后关闭；ctx 结束时不再发送结束事件。
func Pump(ctx context.Context, sr *schema.StreamReader[*schema.Message]) <-chan model.Chunk {
	out := make(chan model.Chunk, 64)
	go func() {
		defer close(out)
		defer sr.Close()
		p := &pump{ctx: ctx, out: out, now: time.Now}
		p.run(sr)
	}()
	return out
}

type pump struct {
	ctx context.Context
	out chan<- model.Chunk
	now func() time.Time

	frames        []*schema.Message
	reasoning     strings.Builder
	thinkingStart time.Time
	thinkingDone  bool
}

func (p *pump) send(c model.Chunk) bool {
	select {
	case p.out <- c:
		return true
	case <-p.ctx.Done():
		return false
	}
}

func (p *pump) run(sr *schema.StreamReader[*schema.Message]) {
	if !p.send(model.ResponseCreated{}) {
		return
	}
	for {
		msg, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			p.fail(err)
			return
		}
		if msg == nil {
			continue
		}
		p.frames = append(p.frames, msg)
		if !p.frame(msg) {
			return
		}
	}
	p.finish()
}

func (p *pump) frame(msg *schema.Message) bool {
	if msg.ReasoningContent != "" {
		if p.thinkingStart.IsZero() {
			p.thinkingStart = p.now()
		}
		p.reasoning.WriteString(msg.ReasoningContent)
		if !p.send(model.ThinkingDelta{Text: msg.ReasoningContent, ElapsedMs: p.elapsed()}) {
			return false
		}
	}
	if msg.Content != "" {
		// 正文开始即视为思考结束
		if !p.closeThinking() {
			return false
		}
		return p.send(model.TextDelta{Text: msg.Content})
	}
	return true
}

func (p *pump) closeThinking() bool {
	if p.thinkingDone || p.reasoning.Len() == 0 {
		return true
	}
	p.thinkingDone = true
	return p.send(model.ThinkingComplete{Text: p.reasoning.String(), ElapsedMs: p.elapsed()})
}

func (p *pump) elapsed() int64 {
	if p.thinkingStart.IsZero() {
		return 0
	}
	return p.now().Sub(p.thinkingStart).Milliseconds()
}

func (p *pump) finish() {
	var full *schema.Message
	if len(p.frames) > 0 {
		var err error
		full, err = schema.ConcatMessages(p.frames)
		if err != nil {
			p.fail(fmt.Errorf("concat stream frames: %w", err))
			return
		}
	}
	if !p.closeThinking() {
		return
	}
	if full != nil && len(full.ToolCalls) > 0 {
		if !p.send(model.ToolInProgress{Calls: ToolCallsOf(full)}) {
			return
		}
	}
	var text string
	if full != nil {
		text = full.Content
	}
	p.send(model.ResponseComplete{Text: text})
}

func (p *pump) fail(err error) {
	classified := errclass.ClassifyError(err)
	msg := classified.Message
	if msg == "" {
		msg = err.Error()
	}
	p.send(model.ErrorChunk{Message: msg, Kind: string(classified.Kind)})
}

// ToolCallsOf 取出完整消息里的工具调用，缺少 id 的按序号补一个
func ToolCallsOf(msg *schema.Message) []model.ToolCall {
	calls := make([]model.ToolCall, 0, len(msg.ToolCalls))
	for i, tc := range msg.ToolCalls {
		id := tc.ID
		if id == "" {
			idx := i
			if tc.Index != nil {
				idx = *tc.Index
			}
			id = fmt.Sprintf("call_%d", idx)
		}
		calls = append(calls, model.ToolCall{
			ID:        id,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return calls
}
