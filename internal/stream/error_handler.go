package stream

import (
	"context"

	"llmhouse-backend/internal/errclass"
	"llmhouse-backend/internal/events"
	"llmhouse-backend/internal/model"
	"llmhouse-backend/pkg/logger"

	"github.com/sirupsen/logrus"
)

// ResponseErrorHandler 流级失败的收尾：已有内容原样保留，块和消息都进入 ERROR
type ResponseErrorHandler struct {
	*assembly
	processor *ChunkProcessor
	tools     *ToolResponseHandler
}

func newResponseErrorHandler(a *assembly, p *ChunkProcessor, t *ToolResponseHandler) *ResponseErrorHandler {
	return &ResponseErrorHandler{assembly: a, processor: p, tools: t}
}

func (h *ResponseErrorHandler) fail(ctx context.Context, err error) (*errclass.Error, error) {
	ctx = durable(ctx)
	classified := errclass.ClassifyError(err)
	detail := &model.ErrorDetail{
		Kind:       string(classified.Kind),
		Message:    classified.Error(),
		StatusCode: classified.StatusCode,
	}
	if classified.Message != "" {
		detail.Message = classified.Message
	}

	logger.WithFields(logrus.Fields{
		"message_id": h.message.ID,
		"kind":       classified.Kind,
	}).Errorf("Response failed: %v", err)

	h.updater.Discard()

	changes := h.tools.finalizeStalled(detail.Message)
	if id := h.states.TextBlockID(); id != "" {
		changes[id] = model.BlockChanges{
			Content: model.Ptr(h.processor.TextContent()),
			Status:  model.Ptr(model.BlockError),
		}
	}
	if id := h.states.ThinkingBlockID(); id != "" {
		changes[id] = model.BlockChanges{
			Content:        model.Ptr(h.processor.ThinkingContent()),
			Status:         model.Ptr(model.BlockError),
			ThinkingMillis: model.Ptr(h.processor.thinking.ElapsedMs()),
		}
	}

	errChanges := model.BlockChanges{
		Type:    model.Ptr(model.BlockTypeError),
		Content: model.Ptr(detail.Message),
		Status:  model.Ptr(model.BlockError),
		Error:   detail,
	}
	if !h.states.InitialBlockClaimed() {
		changes[h.initialBlockID] = errChanges
	} else {
		errChanges.Type = nil
		if werr := h.createFinalBlock(ctx, h.deps.NewID(), model.BlockTypeError, errChanges); werr != nil {
			return classified, werr
		}
	}

	msgChanges := model.MessageChanges{
		Status: model.Ptr(model.MessageError),
		Blocks: FinalBlockOrder(h.blocks.snapshot(), h.states.ThinkingBlockID(), h.states.TextBlockID()),
	}
	h.blocks.ids = msgChanges.Blocks
	if werr := h.persist(ctx, changes, msgChanges, persistCommit); werr != nil {
		return classified, werr
	}

	h.tracker.Cleanup()
	h.publish(ctx, events.MessageFailed, detail)
	h.deps.Metrics.ResponseFinalized(ctx, "error", string(classified.Kind))
	return classified, nil
}
