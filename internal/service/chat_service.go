// Package service 话题和消息管理，负责启动、中断流式响应
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"llmhouse-backend/internal/config"
	"llmhouse-backend/internal/events"
	"llmhouse-backend/internal/llm"
	"llmhouse-backend/internal/metrics"
	"llmhouse-backend/internal/model"
	"llmhouse-backend/internal/state"
	"llmhouse-backend/internal/storage"
	"llmhouse-backend/internal/stream"
	"llmhouse-backend/internal/tools"
	"llmhouse-backend/pkg/logger"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultTitlePrefix 新话题的默认标题前缀，自动命名只改写这类标题
const DefaultTitlePrefix = "新对话"

// stateRetention 响应结束后可观察状态保留的时间，晚到的订阅者还能拿到终态
const stateRetention = 5 * time.Minute

var (
	ErrEmptyContent     = errors.New("message content is empty")
	ErrResponseNotFound = errors.New("no active response for message")
)

// StreamOpener 打开一次模型流式调用
type StreamOpener interface {
	Stream(ctx context.Context, messages []*schema.Message) (*schema.StreamReader[*schema.Message], error)
}

type Options struct {
	Provider config.ProviderConfig
	Stream   config.StreamConfig
	Topic    config.TopicConfig
	Metrics  *metrics.Instruments
	NewID    func() string
	Now      func() time.Time
}

type activeResponse struct {
	topicID string
	session *stream.ResponseSession
	cancel  context.CancelFunc
}

type ChatService struct {
	store    storage.Store
	state    *state.Store
	bus      events.Bus
	llm      StreamOpener
	executor *tools.Executor
	opts     Options

	mu     sync.Mutex
	active map[string]*activeResponse
	wg     sync.WaitGroup
}

// NewChatService executor 可以为 nil，此时模型发起的工具调用以超时收尾
func NewChatService(store storage.Store, st *state.Store, bus events.Bus, opener StreamOpener, executor *tools.Executor, opts Options) *ChatService {
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	return &ChatService{
		store:    store,
		state:    st,
		bus:      bus,
		llm:      opener,
		executor: executor,
		opts:     opts,
		active:   make(map[string]*activeResponse),
	}
}

func (s *ChatService) State() *state.Store {
	return s.state
}

func (s *ChatService) CreateTopic(ctx context.Context, title string) (*model.Topic, error) {
	now := s.opts.Now()
	if strings.TrimSpace(title) == "" {
		title = DefaultTitlePrefix + " " + now.Format("2006-01-02 15:04")
	}
	topic := &model.Topic{
		ID:        s.opts.NewID(),
		Title:     title,
		Messages:  make([]model.Message, 0),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateTopic(ctx, topic); err != nil {
		return nil, fmt.Errorf("failed to create topic: %w", err)
	}
	return topic, nil
}

func (s *ChatService) GetTopic(ctx context.Context, topicID string) (*model.Topic, error) {
	topic, err := s.store.GetTopic(ctx, topicID)
	if err != nil {
		return nil, fmt.Errorf("failed to get topic %s: %w", topicID, err)
	}
	return topic, nil
}

func (s *ChatService) ListTopics(ctx context.Context) ([]*model.Topic, error) {
	topics, err := s.store.ListTopics(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list topics: %w", err)
	}
	return topics, nil
}

func (s *ChatService) UpdateTopicTitle(ctx context.Context, topicID, title string) error {
	if err := s.store.UpdateTopicTitle(ctx, topicID, title); err != nil {
		return fmt.Errorf("failed to update topic %s: %w", topicID, err)
	}
	return nil
}

// DeleteTopic 先中断该话题上正在生成的响应
func (s *ChatService) DeleteTopic(ctx context.Context, topicID string) error {
	for _, r := range s.activeFor(topicID) {
		r.cancel()
		<-r.session.Done()
	}
	if err := s.store.DeleteTopic(ctx, topicID); err != nil {
		return fmt.Errorf("failed to delete topic %s: %w", topicID, err)
	}
	return nil
}

// ListMessages 每条消息带上按显示顺序排列的块
func (s *ChatService) ListMessages(ctx context.Context, topicID string) ([]model.MessageView, error) {
	if _, err := s.store.GetTopic(ctx, topicID); err != nil {
		return nil, fmt.Errorf("failed to get topic %s: %w", topicID, err)
	}
	messages, err := s.store.ListMessages(ctx, topicID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	views := make([]model.MessageView, 0, len(messages))
	for _, msg := range messages {
		blocks, err := s.orderedBlocks(ctx, msg)
		if err != nil {
			return nil, err
		}
		views = append(views, model.MessageView{Message: *msg, BlockItems: blocks})
	}
	return views, nil
}

// GetMessage 单条消息及其块
func (s *ChatService) GetMessage(ctx context.Context, messageID string) (*model.MessageView, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", messageID, err)
	}
	blocks, err := s.orderedBlocks(ctx, msg)
	if err != nil {
		return nil, err
	}
	return &model.MessageView{Message: *msg, BlockItems: blocks}, nil
}

func (s *ChatService) orderedBlocks(ctx context.Context, msg *model.Message) ([]model.Block, error) {
	blocks, err := s.store.ListBlocks(ctx, msg.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list blocks of %s: %w", msg.ID, err)
	}
	byID := make(map[string]*model.Block, len(blocks))
	for _, b := range blocks {
		byID[b.ID] = b
	}
	out := make([]model.Block, 0, len(msg.Blocks))
	for _, id := range msg.Blocks {
		if b, ok := byID[id]; ok {
			out = append(out, *b)
		}
	}
	return out, nil
}

// SendMessage 保存用户消息，创建待生成的助手消息并在后台开始流式响应。
// 返回时响应尚未结束，进度通过 state 订阅获取。
func (s *ChatService) SendMessage(ctx context.Context, topicID, content string) (*model.SendMessageResponse, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}
	if _, err := s.store.GetTopic(ctx, topicID); err != nil {
		return nil, fmt.Errorf("failed to get topic %s: %w", topicID, err)
	}

	history, err := s.history(ctx, topicID)
	if err != nil {
		return nil, err
	}
	prompt, err := buildPrompt(ctx, s.opts.Provider.SystemPrompt, history, content)
	if err != nil {
		return nil, err
	}

	now := s.opts.Now()
	userBlock := &model.Block{
		ID:        s.opts.NewID(),
		Type:      model.BlockMainText,
		Content:   content,
		Status:    model.BlockSuccess,
		CreatedAt: now,
		UpdatedAt: now,
	}
	userMsg := &model.Message{
		ID:        s.opts.NewID(),
		TopicID:   topicID,
		Role:      model.RoleUser,
		Status:    model.MessageSuccess,
		Blocks:    []string{userBlock.ID},
		CreatedAt: now,
		UpdatedAt: now,
	}
	userBlock.MessageID = userMsg.ID
	// 消息按创建时间排序，助手消息必须排在用户消息之后
	later := s.opts.Now()
	if !later.After(now) {
		later = now.Add(time.Microsecond)
	}
	assistantMsg := &model.Message{
		ID:        s.opts.NewID(),
		TopicID:   topicID,
		Role:      model.RoleAssistant,
		Status:    model.MessagePending,
		CreatedAt: later,
		UpdatedAt: later,
	}

	err = s.store.Transaction(ctx, func(tx storage.Tx) error {
		if err := tx.SaveMessage(ctx, userMsg); err != nil {
			return err
		}
		if err := tx.SaveBlock(ctx, userBlock); err != nil {
			return err
		}
		if err := tx.UpsertTopicMessage(ctx, topicID, userMsg); err != nil {
			return err
		}
		if err := tx.SaveMessage(ctx, assistantMsg); err != nil {
			return err
		}
		return tx.UpsertTopicMessage(ctx, topicID, assistantMsg)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save messages: %w", err)
	}
	s.state.PutMessage(*assistantMsg)

	if err := s.startResponse(*assistantMsg, prompt); err != nil {
		return nil, err
	}

	return &model.SendMessageResponse{
		TopicID:            topicID,
		UserMessageID:      userMsg.ID,
		AssistantMessageID: assistantMsg.ID,
	}, nil
}

func (s *ChatService) startResponse(msg model.Message, prompt []*schema.Message) error {
	// 响应生命周期独立于发起请求的 HTTP 连接
	ctx, cancel := context.WithCancel(context.Background())

	session := stream.NewResponseSession(ctx, msg, "", stream.Dependencies{
		State:   s.state,
		Store:   s.store,
		Bus:     s.bus,
		Metrics: s.opts.Metrics,
		NewID:   s.opts.NewID,
		Now:     s.opts.Now,
	}, stream.Options{
		ThrottleInterval: s.opts.Stream.ThrottleInterval,
		ToolWaitTimeout:  s.opts.Stream.ToolWaitTimeout,
		DeltaMode:        stream.ParseDeltaMode(s.opts.Stream.DeltaMode),
	})
	if err := session.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("failed to start response %s: %w", msg.ID, err)
	}

	s.mu.Lock()
	s.active[msg.ID] = &activeResponse{topicID: msg.TopicID, session: session, cancel: cancel}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(msg.ID, cancel)
		s.respond(ctx, session, prompt)
	}()
	return nil
}

func (s *ChatService) respond(ctx context.Context, session *stream.ResponseSession, prompt []*schema.Message) {
	log := logger.WithFields(logrus.Fields{
		"topic_id":   session.TopicID,
		"message_id": session.MessageID,
	})

	sr, err := s.llm.Stream(ctx, prompt)
	if err != nil {
		if ferr := session.Fail(ctx, err); ferr != nil {
			log.Warnf("Response failed before streaming: %v", ferr)
		}
		return
	}

	err = session.Run(ctx, s.dispatchTools(ctx, session, llm.Pump(ctx, sr)))
	if err != nil {
		log.Warnf("Response finished with error: %v", err)
		return
	}
	log.Infof("Response finished: %s", session.Outcome())
}

// dispatchTools 工具调用事件先同步交给会话登记，再交给执行器，
// 保证执行结果回来时对应的工具块已经存在
func (s *ChatService) dispatchTools(ctx context.Context, session *stream.ResponseSession, in <-chan model.Chunk) <-chan model.Chunk {
	out := make(chan model.Chunk)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(out)
		for {
			var c model.Chunk
			select {
			case <-ctx.Done():
				return
			case next, ok := <-in:
				if !ok {
					return
				}
				c = next
			}
			if tip, ok := c.(model.ToolInProgress); ok {
				if err := session.HandleChunk(ctx, tip); err != nil {
					logger.Warnf("Failed to register tool calls for %s: %v", session.MessageID, err)
				}
				if s.executor != nil && len(tip.Calls) > 0 {
					s.wg.Add(1)
					go func() {
						defer s.wg.Done()
						s.executor.Execute(ctx, tip.Calls, session.HandleChunk)
					}()
				}
				continue
			}
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (s *ChatService) release(messageID string, cancel context.CancelFunc) {
	cancel()
	s.mu.Lock()
	delete(s.active, messageID)
	s.mu.Unlock()
	time.AfterFunc(stateRetention, func() { s.state.Forget(messageID) })
}

// Abort 用户中断。已生成的内容保留并带中断标记。
func (s *ChatService) Abort(ctx context.Context, messageID string) error {
	s.mu.Lock()
	r, ok := s.active[messageID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrResponseNotFound, messageID)
	}

	r.cancel()
	select {
	case <-r.session.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsActive 消息是否仍在生成
func (s *ChatService) IsActive(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[messageID]
	return ok
}

func (s *ChatService) activeFor(topicID string) []*activeResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*activeResponse
	for _, r := range s.active {
		if r.topicID == topicID {
			out = append(out, r)
		}
	}
	return out
}

// Shutdown 中断所有进行中的响应并等待收尾完成
func (s *ChatService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, r := range s.active {
		r.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
