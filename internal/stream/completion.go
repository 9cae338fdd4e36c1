package stream

import (
	"context"
	"fmt"

	"llmhouse-backend/internal/events"
	"llmhouse-backend/internal/model"
	"llmhouse-backend/internal/storage"
	"llmhouse-backend/pkg/logger"

	"github.com/sirupsen/logrus"
)

const (
	InterruptionMarker   = "\n\n[Response interrupted by user]"
	EmptyContentMarker   = "[No content generated: response interrupted by user]"
	toolTimeoutMessage   = "tool did not finish before timeout"
	toolInterruptMessage = "tool call interrupted by user"
)

// FinalBlockOrder 计算消息最终的块顺序：保留已有 id 的相对顺序，
// 文本块紧跟在思考块之后，结果不含重复 id。
func FinalBlockOrder(existing []string, thinkingID, textID string) []string {
	textPos := -1
	out := make([]string, 0, len(existing)+2)
	for _, id := range existing {
		if id == "" || indexOf(out, id) >= 0 {
			continue
		}
		if id == textID {
			if textPos < 0 {
				textPos = len(out)
			}
			continue
		}
		out = append(out, id)
	}
	if thinkingID != "" && indexOf(out, thinkingID) < 0 {
		if textPos >= 0 && textPos <= len(out) {
			out = append(out[:textPos], append([]string{thinkingID}, out[textPos:]...)...)
		} else {
			out = append(out, thinkingID)
		}
	}
	if textID == "" {
		return out
	}

	pos := len(out)
	if i := indexOf(out, thinkingID); thinkingID != "" && i >= 0 {
		pos = i + 1
	} else if textPos >= 0 && textPos < len(out) {
		pos = textPos
	}
	return append(out[:pos], append([]string{textID}, out[pos:]...)...)
}

// ResponseCompletionHandler 正常结束和用户中断两条收尾路径
type ResponseCompletionHandler struct {
	*assembly
	processor *ChunkProcessor
	tools     *ToolResponseHandler
}

func newResponseCompletionHandler(a *assembly, p *ChunkProcessor, t *ToolResponseHandler) *ResponseCompletionHandler {
	return &ResponseCompletionHandler{assembly: a, processor: p, tools: t}
}

// awaitTools 有界等待所有工具调用结束，调用方不能持有会话锁
func (h *ResponseCompletionHandler) awaitTools(ctx context.Context) bool {
	if len(h.tracker.Outstanding()) == 0 {
		return true
	}
	drained := h.tracker.WaitForAllToolsComplete(ctx, h.opts.ToolWaitTimeout)
	if !drained {
		stalled := h.tracker.Outstanding()
		ids := make([]string, 0, len(stalled))
		for _, rec := range stalled {
			ids = append(ids, rec.ToolID)
		}
		logger.WithFields(logrus.Fields{
			"message_id": h.message.ID,
			"tools":      ids,
		}).Warnf("Tools still running after %s, finalizing without them", h.opts.ToolWaitTimeout)
	}
	return drained
}

// commit 在一个事务里写入消息、相关块和 topic 上的消息镜像
func (h *ResponseCompletionHandler) commit(ctx context.Context, finalContent string) error {
	ctx = durable(ctx)
	h.updater.Discard()

	changes := h.tools.finalizeStalled(toolTimeoutMessage)
	text := h.processor.text.Reconcile(finalContent)
	// 没有任何内容时占位块以空文本块收尾
	claimEmpty := !h.states.InitialBlockClaimed()
	if text != "" || claimEmpty || h.states.TextBlockID() != "" {
		if err := h.finalizeText(ctx, changes, text); err != nil {
			return err
		}
	}
	h.finalizeThinking(changes, h.processor.ThinkingContent())

	if err := h.persist(ctx, changes, h.finalMessageChanges(), persistCommit); err != nil {
		return err
	}

	h.tracker.Cleanup()
	h.publish(ctx, events.MessageCompleted, nil)
	h.deps.Metrics.ResponseFinalized(ctx, "success", "")
	return nil
}

// interrupt 用户取消时的快速收尾：冻结已有内容并追加中断标记。
// 只逐条写入需要收尾的块和消息本身，不开事务，也不刷新 topic 上的消息镜像。
func (h *ResponseCompletionHandler) interrupt(ctx context.Context) error {
	ctx = durable(ctx)
	h.updater.Discard()

	changes := h.tools.finalizeStalled(toolInterruptMessage)
	text := h.processor.TextContent()
	thinking := h.processor.ThinkingContent()
	if text == "" && h.states.TextBlockID() == "" && thinking != "" {
		// 只有思考内容时标记加在思考块上，不再补一个空文本块
		h.finalizeThinking(changes, thinking+InterruptionMarker)
	} else {
		content := EmptyContentMarker
		if text != "" {
			content = text + InterruptionMarker
		}
		if err := h.finalizeText(ctx, changes, content); err != nil {
			return err
		}
		h.finalizeThinking(changes, thinking)
	}

	if err := h.persist(ctx, changes, h.finalMessageChanges(), persistDirect); err != nil {
		return err
	}

	h.tracker.Cleanup()
	h.publish(ctx, events.MessageInterrupted, nil)
	h.deps.Metrics.ResponseFinalized(ctx, "interrupted", "")
	return nil
}

func (h *ResponseCompletionHandler) finalizeText(ctx context.Context, changes map[string]model.BlockChanges, content string) error {
	tr := h.states.TransitionToText()
	c := model.BlockChanges{
		Content: model.Ptr(content),
		Status:  model.Ptr(model.BlockSuccess),
	}
	if tr.Claimed {
		c.Type = model.Ptr(model.BlockMainText)
	}
	if tr.IsNewBlock {
		return h.createFinalBlock(ctx, tr.BlockID, model.BlockMainText, c)
	}
	changes[tr.BlockID] = c
	return nil
}

func (h *ResponseCompletionHandler) finalizeThinking(changes map[string]model.BlockChanges, content string) {
	id := h.states.ThinkingBlockID()
	if id == "" {
		return
	}
	changes[id] = model.BlockChanges{
		Content:        model.Ptr(content),
		Status:         model.Ptr(model.BlockSuccess),
		ThinkingMillis: model.Ptr(h.processor.thinking.ElapsedMs()),
	}
}

func (h *ResponseCompletionHandler) finalMessageChanges() model.MessageChanges {
	order := FinalBlockOrder(h.blocks.snapshot(), h.states.ThinkingBlockID(), h.states.TextBlockID())
	h.blocks.ids = order
	return model.MessageChanges{
		Status: model.Ptr(model.MessageSuccess),
		Blocks: order,
	}
}

// createFinalBlock 收尾时才出现的块，直接以终态创建
func (a *assembly) createFinalBlock(ctx context.Context, blockID string, typ model.BlockType, c model.BlockChanges) error {
	block := model.Block{ID: blockID, Type: typ, Status: model.BlockStreaming}
	block.Apply(c, a.deps.Now())
	return a.createBlock(ctx, block, "")
}

type persistMode int

const (
	// persistCommit 一个事务内写块、消息和 topic 镜像
	persistCommit persistMode = iota
	// persistDirect 逐条写块和消息
	persistDirect
)

// persist 把收尾变更写入两个 sink
func (a *assembly) persist(ctx context.Context, blocks map[string]model.BlockChanges, msgChanges model.MessageChanges, mode persistMode) error {
	mirror := a.message.Clone()
	mirror.Apply(msgChanges, a.deps.Now())

	write := func(tx storage.Tx) error {
		for _, id := range a.blocks.ids {
			c, ok := blocks[id]
			if !ok {
				continue
			}
			if err := tx.UpdateBlock(ctx, id, c); err != nil {
				return fmt.Errorf("update block %s: %w", id, err)
			}
		}
		if err := tx.UpdateMessage(ctx, a.message.ID, msgChanges); err != nil {
			return fmt.Errorf("update message %s: %w", a.message.ID, err)
		}
		if mode == persistCommit && mirror.TopicID != "" {
			if err := tx.UpsertTopicMessage(ctx, mirror.TopicID, &mirror); err != nil {
				return fmt.Errorf("update topic %s: %w", mirror.TopicID, err)
			}
		}
		return nil
	}

	var err error
	if mode == persistCommit {
		err = a.deps.Store.Transaction(ctx, write)
	} else {
		err = write(a.deps.Store)
	}
	if err != nil {
		return err
	}

	for _, id := range a.blocks.ids {
		if c, ok := blocks[id]; ok {
			a.deps.State.UpdateBlock(id, c)
		}
	}
	a.deps.State.UpdateMessage(a.message.ID, msgChanges)
	a.message = mirror
	return nil
}

func (a *assembly) publish(ctx context.Context, typ events.Type, detail *model.ErrorDetail) {
	if a.deps.Bus == nil {
		return
	}
	a.deps.Bus.Publish(ctx, events.Event{
		Type:      typ,
		TopicID:   a.message.TopicID,
		MessageID: a.message.ID,
		Error:     detail,
	})
}
