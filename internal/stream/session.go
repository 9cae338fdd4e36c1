package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"llmhouse-backend/internal/errclass"
	"llmhouse-backend/internal/model"
	"llmhouse-backend/pkg/logger"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("llmhouse-backend/stream")

var (
	ErrUnhandledChunk = errors.New("unhandled chunk type")
	ErrStreamClosed   = errors.New("stream closed before response completed")
)

type phase int

const (
	phaseStreaming phase = iota
	// phaseCompleting 已收到结束事件，正在等待工具调用
	phaseCompleting
	phaseDone
)

// Outcome 会话的终态
type Outcome string

const (
	OutcomeNone        Outcome = ""
	OutcomeSuccess     Outcome = "success"
	OutcomeInterrupted Outcome = "interrupted"
	OutcomeError       Outcome = "error"
)

// ResponseSession 一次流式响应的组装过程。
// 每个响应一个实例，工具跟踪器等状态都归它所有，不在会话之间共享。
type ResponseSession struct {
	MessageID      string
	InitialBlockID string
	TopicID        string

	mu      sync.Mutex
	phase   phase
	outcome Outcome
	err     *errclass.Error
	done    chan struct{}
	// stopWait 会话被其他路径终结时唤醒正在等待工具的 Complete
	stopWait context.CancelFunc
	waitCtx  context.Context

	a          *assembly
	processor  *ChunkProcessor
	tools      *ToolResponseHandler
	completion *ResponseCompletionHandler
	failure    *ResponseErrorHandler
}

// NewResponseSession msg 必须已经写入两个存储；占位块由 Start 创建
func NewResponseSession(ctx context.Context, msg model.Message, initialBlockID string, deps Dependencies, opts Options) *ResponseSession {
	deps = deps.withDefaults()
	opts = opts.withDefaults()
	if initialBlockID == "" {
		initialBlockID = deps.NewID()
	}

	a := &assembly{
		message:        msg.Clone(),
		initialBlockID: initialBlockID,
		deps:           deps,
		opts:           opts,
		updater:        NewThrottledBlockUpdater(ctx, opts.ThrottleInterval, deps.State, deps.Store, deps.Metrics),
		states:         NewBlockStateManager(initialBlockID, deps.NewID),
		tracker:        NewToolCallTracker(deps.Now),
	}
	s := &ResponseSession{
		MessageID:      msg.ID,
		InitialBlockID: initialBlockID,
		TopicID:        msg.TopicID,
		done:           make(chan struct{}),
		a:              a,
	}
	s.waitCtx, s.stopWait = context.WithCancel(context.WithoutCancel(ctx))
	s.processor = newChunkProcessor(a)
	s.tools = newToolResponseHandler(a)
	s.completion = newResponseCompletionHandler(a, s.processor, s.tools)
	s.failure = newResponseErrorHandler(a, s.processor, s.tools)
	return s
}

// Start 创建预分配的占位块并挂到消息上
func (s *ResponseSession) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	placeholder := model.Block{
		ID:     s.InitialBlockID,
		Type:   model.BlockUnknown,
		Status: model.BlockPending,
	}
	return s.a.createBlock(ctx, placeholder, "")
}

// Tracker 会话的工具调用跟踪器
func (s *ResponseSession) Tracker() *ToolCallTracker {
	return s.a.tracker
}

// Done 会话终结后关闭
func (s *ResponseSession) Done() <-chan struct{} {
	return s.done
}

func (s *ResponseSession) Outcome() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// Run 消费 chunks 直到会话终结。
// ctx 被取消走中断收尾；超时和流提前关闭走失败收尾。
func (s *ResponseSession) Run(ctx context.Context, chunks <-chan model.Chunk) error {
	for {
		select {
		case <-ctx.Done():
			return s.stop(ctx)
		case chunk, ok := <-chunks:
			if !ok {
				if s.finished() {
					return s.terminalError()
				}
				// 上游因取消而关闭通道时按取消处理
				if ctx.Err() != nil {
					return s.stop(ctx)
				}
				return s.Fail(ctx, errclass.Wrap(errclass.Network, ErrStreamClosed))
			}
			if err := s.HandleChunk(ctx, chunk); err != nil {
				if s.finished() {
					return err
				}
				logger.WithFields(logrus.Fields{
					"message_id": s.MessageID,
					"chunk_type": chunk.Type(),
				}).Warnf("Chunk handling failed: %v", err)
			}
			if s.finished() {
				return s.terminalError()
			}
		}
	}
}

func (s *ResponseSession) stop(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return s.CompleteWithInterruption(ctx)
	}
	return s.Fail(ctx, errclass.Wrap(errclass.Timeout, ctx.Err()))
}

// HandleChunk 处理一个事件。工具执行协程也通过这里投递事件，调用按会话锁串行。
func (s *ResponseSession) HandleChunk(ctx context.Context, chunk model.Chunk) error {
	if chunk == nil {
		return fmt.Errorf("%w: nil", ErrUnhandledChunk)
	}
	s.a.deps.Metrics.ChunkHandled(ctx, string(chunk.Type()))

	switch c := chunk.(type) {
	case model.ResponseComplete:
		return s.Complete(ctx, c.Text)
	case model.ErrorChunk:
		return s.Fail(ctx, errorFromChunk(c))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == phaseDone {
		logger.Debugf("Chunk %s after session %s finished, ignored", chunk.Type(), s.MessageID)
		return nil
	}
	// 收到结束事件后只接受工具事件
	if s.phase == phaseCompleting {
		switch chunk.(type) {
		case model.ToolInProgress, model.ToolComplete:
		default:
			logger.Debugf("Chunk %s after response-complete for %s, ignored", chunk.Type(), s.MessageID)
			return nil
		}
	}

	switch c := chunk.(type) {
	case model.ResponseCreated:
		return s.markStreaming(ctx)
	case model.TextDelta, model.TextComplete, model.ThinkingDelta, model.ThinkingComplete:
		return s.processor.Process(ctx, c)
	case model.ToolInProgress:
		return s.tools.HandleInProgress(ctx, c)
	case model.ToolComplete:
		return s.tools.HandleComplete(ctx, c)
	default:
		return fmt.Errorf("%w: %T", ErrUnhandledChunk, chunk)
	}
}

func (s *ResponseSession) markStreaming(ctx context.Context) error {
	changes := model.MessageChanges{Status: model.Ptr(model.MessageStreaming)}
	if !s.a.message.Apply(changes, s.a.deps.Now()) {
		return nil
	}
	return s.a.updater.UpdateMessage(durable(ctx), s.MessageID, changes)
}

// Complete 正常结束。先有界等待工具调用，再一次性提交最终状态。
func (s *ResponseSession) Complete(ctx context.Context, finalContent string) error {
	s.mu.Lock()
	if s.phase != phaseStreaming {
		s.mu.Unlock()
		return nil
	}
	s.phase = phaseCompleting
	s.mu.Unlock()

	ctx, span := tracer.Start(ctx, "stream.complete", trace.WithAttributes(
		attribute.String("message.id", s.MessageID),
	))
	defer span.End()

	waitCtx, cancel := mergeDone(ctx, s.waitCtx)
	s.completion.awaitTools(waitCtx)
	cancel()

	if errors.Is(ctx.Err(), context.Canceled) {
		return s.CompleteWithInterruption(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == phaseDone {
		return nil
	}
	if err := s.completion.commit(ctx, finalContent); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Errorf("Failed to commit response %s: %v", s.MessageID, err)
		classified, _ := s.failure.fail(ctx, err)
		s.finish(OutcomeError, classified)
		return classified
	}
	s.finish(OutcomeSuccess, nil)
	return nil
}

// CompleteWithInterruption 用户取消后唯一合法的收尾路径，已有内容保留并加上中断标记
func (s *ResponseSession) CompleteWithInterruption(ctx context.Context) error {
	s.stopWait()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == phaseDone {
		return nil
	}
	s.phase = phaseDone

	ctx, span := tracer.Start(durable(ctx), "stream.interrupt", trace.WithAttributes(
		attribute.String("message.id", s.MessageID),
	))
	defer span.End()

	logger.Infof("Response %s interrupted by user", s.MessageID)
	if err := s.completion.interrupt(ctx); err != nil {
		span.RecordError(err)
		s.finish(OutcomeInterrupted, nil)
		return fmt.Errorf("finalize interrupted response %s: %w", s.MessageID, err)
	}
	s.finish(OutcomeInterrupted, nil)
	return nil
}

// Fail 失败收尾，重复调用不会再写入。返回分类后的错误，是否重试由调用方决定。
func (s *ResponseSession) Fail(ctx context.Context, err error) error {
	if err == nil {
		err = errclass.New(errclass.Unknown, "unknown error")
	}
	if errors.Is(err, context.Canceled) {
		return s.CompleteWithInterruption(ctx)
	}

	s.stopWait()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == phaseDone {
		if s.err != nil {
			return s.err
		}
		return errclass.ClassifyError(err)
	}
	s.phase = phaseDone

	ctx, span := tracer.Start(durable(ctx), "stream.fail", trace.WithAttributes(
		attribute.String("message.id", s.MessageID),
	))
	defer span.End()

	classified, werr := s.failure.fail(ctx, err)
	span.SetStatus(codes.Error, classified.Error())
	if werr != nil {
		span.RecordError(werr)
		logger.Errorf("Failed to persist error state for %s: %v", s.MessageID, werr)
	}
	s.finish(OutcomeError, classified)
	return classified
}

// finish 调用方持有 s.mu
func (s *ResponseSession) finish(outcome Outcome, err *errclass.Error) {
	s.phase = phaseDone
	if s.outcome != OutcomeNone {
		return
	}
	s.outcome = outcome
	s.err = err
	s.stopWait()
	close(s.done)
}

func (s *ResponseSession) finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome != OutcomeNone
}

func (s *ResponseSession) terminalError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	return nil
}

func errorFromChunk(c model.ErrorChunk) error {
	if c.Kind == "" {
		return errclass.ClassifyError(errors.New(c.Message))
	}
	return errclass.New(errclass.ParseKind(c.Kind), errclass.NormalizeMessage(c.Message))
}

// mergeDone 任一 ctx 结束时返回的 ctx 就结束
func mergeDone(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
