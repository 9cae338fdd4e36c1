package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"llmhouse-backend/internal/errclass"
	"llmhouse-backend/internal/model"
	"llmhouse-backend/pkg/logger"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultTimeout     = 30 * time.Second
	DefaultConcurrency = 4
)

// Deliver 把工具事件交回响应会话
type Deliver func(ctx context.Context, c model.Chunk) error

// Executor 并发执行一批工具调用，每个调用结束后立即投递结果
type Executor struct {
	registry    *Registry
	timeout     time.Duration
	concurrency int
}

func NewExecutor(registry *Registry, timeout time.Duration, concurrency int) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Executor{registry: registry, timeout: timeout, concurrency: concurrency}
}

// Execute 阻塞到所有调用结束。单个调用失败只体现在它自己的结果里。
// ctx 结束后未开始的调用直接以失败结果投递。
func (e *Executor) Execute(ctx context.Context, calls []model.ToolCall, deliver Deliver) []model.ToolResult {
	results := make([]model.ToolResult, len(calls))
	g := new(errgroup.Group)
	g.SetLimit(e.concurrency)

	for i, call := range calls {
		g.Go(func() error {
			r := e.invoke(ctx, call)
			results[i] = r
			if err := deliver(context.WithoutCancel(ctx), model.ToolComplete{Results: []model.ToolResult{r}}); err != nil {
				logger.WithFields(logrus.Fields{
					"tool_id": call.ID,
					"tool":    call.Name,
				}).Warnf("Failed to deliver tool result: %v", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (e *Executor) invoke(ctx context.Context, call model.ToolCall) (result model.ToolResult) {
	result = model.ToolResult{ID: call.ID, Name: call.Name}
	fail := func(err error) model.ToolResult {
		result.Status = model.ToolError
		result.Error = err.Error()
		return result
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	t, ok := e.registry.Lookup(call.Name)
	if !ok {
		return fail(fmt.Errorf("%w: %s", ErrToolNotFound, call.Name))
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Tool %s panicked: %v", call.Name, r)
			result = fail(fmt.Errorf("tool panicked: %v", r))
		}
	}()

	start := time.Now()
	output, err := t.InvokableRun(ctx, call.Arguments)
	logger.Debugf("Tool %s (%s) finished in %s", call.Name, call.ID, time.Since(start))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fail(errclass.Wrap(errclass.Timeout, fmt.Errorf("tool %s timed out after %s", call.Name, e.timeout)))
		}
		return fail(err)
	}
	if failed, detail := IsMCPErrorResult(output); failed {
		result.Status = model.ToolError
		result.Response = output
		result.Error = detail.ErrorMessage
		return result
	}

	result.Status = model.ToolDone
	result.Response = output
	return result
}
