package stream

import (
	"context"
	"errors"
	"fmt"

	"llmhouse-backend/internal/errclass"
	"llmhouse-backend/internal/model"
	"llmhouse-backend/pkg/logger"

	"github.com/sirupsen/logrus"
)

// ToolResponseHandler 按工具调用 id 创建和更新工具块。
// 每个调用相互独立，一个调用的失败不会影响其他调用。
type ToolResponseHandler struct {
	*assembly
}

func newToolResponseHandler(a *assembly) *ToolResponseHandler {
	return &ToolResponseHandler{assembly: a}
}

// HandleInProgress 同一调用重复投递时只创建一个块
func (h *ToolResponseHandler) HandleInProgress(ctx context.Context, c model.ToolInProgress) error {
	var errs []error
	for _, call := range c.Calls {
		if call.ID == "" {
			logger.Warnf("Tool call without id ignored (name=%s)", call.Name)
			continue
		}
		blockID := h.deps.NewID()
		if !h.tracker.StartTool(call.ID, call.Name, blockID) {
			logger.Debugf("Duplicate tool-in-progress for %s ignored", call.ID)
			continue
		}

		block := model.Block{
			ID:        blockID,
			Type:      model.BlockTool,
			Status:    model.BlockProcessing,
			ToolID:    call.ID,
			ToolName:  call.Name,
			Arguments: call.Arguments,
		}
		if err := h.createBlock(ctx, block, ""); err != nil {
			errs = append(errs, fmt.Errorf("create tool block for %s: %w", call.ID, err))
		}
	}
	return errors.Join(errs...)
}

// HandleComplete 找不到对应块的结果只记日志
func (h *ToolResponseHandler) HandleComplete(ctx context.Context, c model.ToolComplete) error {
	var errs []error
	for _, result := range c.Results {
		if result.Status != model.ToolDone && result.Status != model.ToolError {
			logger.Debugf("Tool result %s with status %q ignored", result.ID, result.Status)
			continue
		}
		rec, ok := h.tracker.Lookup(result.ID)
		if !ok {
			logger.WithFields(logrus.Fields{
				"message_id": h.message.ID,
				"tool_id":    result.ID,
			}).Warn("Tool result for unknown tool call, skipped")
			continue
		}
		if rec.Status != model.ToolInvoking {
			logger.Debugf("Tool %s already finished, duplicate result ignored", result.ID)
			continue
		}

		success := result.Status == model.ToolDone
		duration := h.deps.Now().Sub(rec.StartedAt)
		changes := model.BlockChanges{
			Content:            model.Ptr(result.Response),
			Status:             model.Ptr(model.BlockSuccess),
			ToolDurationMillis: model.Ptr(duration.Milliseconds()),
		}
		if !success {
			changes.Status = model.Ptr(model.BlockError)
			changes.Error = &model.ErrorDetail{
				Kind:    string(errclass.ToolExecution),
				Message: toolErrorMessage(result),
			}
		}

		h.updater.UpdateBlock(rec.BlockID, changes)
		if err := h.updater.Flush(durable(ctx), rec.BlockID); err != nil {
			errs = append(errs, fmt.Errorf("finalize tool block for %s: %w", result.ID, err))
		}
		h.tracker.CompleteTool(result.ID, success)
		h.deps.Metrics.ToolFinished(ctx, rec.Name, string(result.Status), duration)
	}
	return errors.Join(errs...)
}

// finalizeStalled 把仍未结束的工具块标记为失败
func (h *ToolResponseHandler) finalizeStalled(reason string) map[string]model.BlockChanges {
	out := map[string]model.BlockChanges{}
	for _, rec := range h.tracker.Outstanding() {
		out[rec.BlockID] = model.BlockChanges{
			Status: model.Ptr(model.BlockError),
			Error: &model.ErrorDetail{
				Kind:    string(errclass.ToolExecution),
				Message: reason,
			},
		}
	}
	return out
}

func toolErrorMessage(r model.ToolResult) string {
	if r.Error != "" {
		return errclass.NormalizeMessage(r.Error)
	}
	if r.Response != "" {
		return errclass.NormalizeMessage(r.Response)
	}
	return "tool execution failed"
}
