package stream

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"llmhouse-backend/internal/errclass"
	"llmhouse-backend/internal/events"
	"llmhouse-backend/internal/model"
	"llmhouse-backend/internal/state"
	"llmhouse-backend/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const initialBlock = "block-initial"

type harness struct {
	t     *testing.T
	store *storage.MemoryStorage
	state *state.Store
	bus   events.Bus
	msg   model.Message

	idMu sync.Mutex
	ids  func() string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	h := &harness{
		t:     t,
		store: storage.NewMemoryStorage(),
		state: state.NewStore(),
		bus:   events.NewBus(),
		ids:   seqIDs("block"),
	}
	require.NoError(t, h.store.CreateTopic(ctx, &model.Topic{ID: "topic-1", Title: "t"}))
	h.msg = model.Message{ID: "msg-1", TopicID: "topic-1", Role: model.RoleAssistant, Status: model.MessagePending}
	require.NoError(t, h.store.SaveMessage(ctx, &h.msg))
	h.state.PutMessage(h.msg)
	return h
}

func (h *harness) newID() string {
	h.idMu.Lock()
	defer h.idMu.Unlock()
	return h.ids()
}

func (h *harness) session(opts Options) *ResponseSession {
	h.t.Helper()
	if opts.ThrottleInterval == 0 {
		opts.ThrottleInterval = 10 * time.Millisecond
	}
	s := NewResponseSession(context.Background(), h.msg, initialBlock, Dependencies{
		State: h.state,
		Store: h.store,
		Bus:   h.bus,
		NewID: h.newID,
	}, opts)
	require.NoError(h.t, s.Start(context.Background()))
	return s
}

func (h *harness) feed(s *ResponseSession, chunks ...model.Chunk) {
	h.t.Helper()
	for _, c := range chunks {
		require.NoError(h.t, s.HandleChunk(context.Background(), c))
	}
}

func (h *harness) message() *model.Message {
	h.t.Helper()
	msg, err := h.store.GetMessage(context.Background(), h.msg.ID)
	require.NoError(h.t, err)
	return msg
}

func (h *harness) blocks() []*model.Block {
	h.t.Helper()
	blocks, err := h.store.ListBlocks(context.Background(), h.msg.ID)
	require.NoError(h.t, err)
	return blocks
}

func blocksOfType(blocks []*model.Block, typ model.BlockType) []*model.Block {
	var out []*model.Block
	for _, b := range blocks {
		if b.Type == typ {
			out = append(out, b)
		}
	}
	return out
}

func TestTextOnlyResponseReusesInitialBlock(t *testing.T) {
	h := newHarness(t)
	s := h.session(Options{})

	h.feed(s,
		model.ResponseCreated{},
		model.TextDelta{Text: "Hello"},
		model.TextDelta{Text: " world"},
		model.TextComplete{Text: "Hello world"},
		model.ResponseComplete{},
	)

	blocks := h.blocks()
	require.Len(t, blocks, 1)
	assert.Equal(t, initialBlock, blocks[0].ID)
	assert.Equal(t, model.BlockMainText, blocks[0].Type)
	assert.Equal(t, model.BlockSuccess, blocks[0].Status)
	assert.Equal(t, "Hello world", blocks[0].Content)

	msg := h.message()
	assert.Equal(t, model.MessageSuccess, msg.Status)
	assert.Equal(t, []string{initialBlock}, msg.Blocks)
	assert.Equal(t, OutcomeSuccess, s.Outcome())

	topic, err := h.store.GetTopic(context.Background(), "topic-1")
	require.NoError(t, err)
	require.Len(t, topic.Messages, 1)
	assert.Equal(t, model.MessageSuccess, topic.Messages[0].Status)

	snap, ok := h.state.Block(initialBlock)
	require.True(t, ok)
	assert.Equal(t, "Hello world", snap.Content)
}

func TestThinkingAndTextProduceTwoOrderedBlocks(t *testing.T) {
	for name, chunks := range map[string][]model.Chunk{
		"thinking first": {
			model.ThinkingDelta{Text: "let me think", ElapsedMs: 100},
			model.ThinkingComplete{Text: "let me think", ElapsedMs: 250},
			model.TextDelta{Text: "answer"},
		},
		"text first": {
			model.TextDelta{Text: "answer"},
			model.ThinkingDelta{Text: "let me think", ElapsedMs: 250},
		},
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			s := h.session(Options{})
			h.feed(s, chunks...)
			h.feed(s, model.ResponseComplete{})

			blocks := h.blocks()
			require.Len(t, blocks, 2)
			assert.NotEqual(t, blocks[0].ID, blocks[1].ID)
			assert.Equal(t, model.BlockThinking, blocks[0].Type)
			assert.Equal(t, model.BlockMainText, blocks[1].Type)
			assert.Equal(t, "let me think", blocks[0].Content)
			assert.Equal(t, int64(250), blocks[0].ThinkingMillis)
			assert.Equal(t, "answer", blocks[1].Content)

			msg := h.message()
			assert.Equal(t, []string{blocks[0].ID, blocks[1].ID}, msg.Blocks)
		})
	}
}

func TestCumulativeDeltasAreNotDoubleCounted(t *testing.T) {
	h := newHarness(t)
	s := h.session(Options{DeltaMode: DeltaCumulative})

	h.feed(s,
		model.TextDelta{Text: "Hel"},
		model.TextDelta{Text: "Hello"},
		model.TextDelta{Text: "Hello world"},
		model.ResponseComplete{},
	)
	assert.Equal(t, "Hello world", h.blocks()[0].Content)
}

func TestShorterCompletePayloadDoesNotTruncate(t *testing.T) {
	h := newHarness(t)
	s := h.session(Options{})

	h.feed(s,
		model.TextDelta{Text: "The full streamed answer"},
		model.TextComplete{Text: "The full"},
		model.ResponseComplete{Text: "The"},
	)
	assert.Equal(t, "The full streamed answer", h.blocks()[0].Content)
}

func TestEmptyResponseClaimsPlaceholderAsText(t *testing.T) {
	h := newHarness(t)
	s := h.session(Options{})

	h.feed(s, model.ResponseCreated{}, model.ResponseComplete{})

	blocks := h.blocks()
	require.Len(t, blocks, 1)
	assert.Equal(t, model.BlockMainText, blocks[0].Type)
	assert.Equal(t, model.BlockSuccess, blocks[0].Status)
	assert.Equal(t, "", blocks[0].Content)
}

func TestDuplicateToolInProgressCreatesOneBlock(t *testing.T) {
	h := newHarness(t)
	s := h.session(Options{})

	call := model.ToolInProgress{Calls: []model.ToolCall{{ID: "T", Name: "search", Arguments: `{"q":"go"}`}}}
	h.feed(s, call, call)

	tools := blocksOfType(h.blocks(), model.BlockTool)
	require.Len(t, tools, 1)
	assert.Equal(t, "T", tools[0].ToolID)
	assert.Equal(t, model.BlockProcessing, tools[0].Status)
	assert.Contains(t, h.message().Blocks, tools[0].ID)

	h.feed(s, model.ToolComplete{Results: []model.ToolResult{{ID: "T", Status: model.ToolDone, Response: "ok"}}})
	h.feed(s, model.ResponseComplete{})

	tools = blocksOfType(h.blocks(), model.BlockTool)
	require.Len(t, tools, 1)
	assert.Equal(t, model.BlockSuccess, tools[0].Status)
	assert.Equal(t, "ok", tools[0].Content)
}

func TestToolFailureIsIsolated(t *testing.T) {
	h := newHarness(t)
	s := h.session(Options{})

	h.feed(s,
		model.ToolInProgress{Calls: []model.ToolCall{{ID: "a", Name: "one"}, {ID: "b", Name: "two"}}},
		model.ToolComplete{Results: []model.ToolResult{
			{ID: "a", Status: model.ToolError, Error: "boom"},
			{ID: "unknown", Status: model.ToolDone},
			{ID: "b", Status: model.ToolDone, Response: "fine"},
		}},
		model.TextDelta{Text: "summary"},
		model.ResponseComplete{},
	)

	byTool := map[string]*model.Block{}
	for _, b := range blocksOfType(h.blocks(), model.BlockTool) {
		byTool[b.ToolID] = b
	}
	require.Len(t, byTool, 2)
	assert.Equal(t, model.BlockError, byTool["a"].Status)
	require.NotNil(t, byTool["a"].Error)
	assert.Equal(t, string(errclass.ToolExecution), byTool["a"].Error.Kind)
	assert.Equal(t, model.BlockSuccess, byTool["b"].Status)
	assert.Equal(t, model.MessageSuccess, h.message().Status)
}

func TestCompleteWaitsForOutstandingTools(t *testing.T) {
	h := newHarness(t)
	s := h.session(Options{ToolWaitTimeout: 10 * time.Second})

	h.feed(s, model.ToolInProgress{Calls: []model.ToolCall{{ID: "t1", Name: "a"}, {ID: "t2", Name: "b"}}})

	completed := make(chan error, 1)
	go func() {
		completed <- s.HandleChunk(context.Background(), model.ResponseComplete{})
	}()

	select {
	case <-s.Done():
		t.Fatal("completed before tools finished")
	case <-time.After(100 * time.Millisecond):
	}

	h.feed(s, model.ToolComplete{Results: []model.ToolResult{{ID: "t1", Status: model.ToolDone}}})
	select {
	case <-s.Done():
		t.Fatal("completed with one tool outstanding")
	case <-time.After(50 * time.Millisecond):
	}

	h.feed(s, model.ToolComplete{Results: []model.ToolResult{{ID: "t2", Status: model.ToolDone}}})
	select {
	case err := <-completed:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("completion did not proceed after tools finished")
	}

	for _, b := range blocksOfType(h.blocks(), model.BlockTool) {
		assert.Equal(t, model.BlockSuccess, b.Status)
	}
}

func TestCompleteProceedsAfterToolTimeout(t *testing.T) {
	h := newHarness(t)
	s := h.session(Options{ToolWaitTimeout: 80 * time.Millisecond})

	h.feed(s,
		model.ToolInProgress{Calls: []model.ToolCall{{ID: "hung", Name: "slow"}}},
		model.TextDelta{Text: "partial"},
	)

	start := time.Now()
	require.NoError(t, s.HandleChunk(context.Background(), model.ResponseComplete{}))
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)

	tools := blocksOfType(h.blocks(), model.BlockTool)
	require.Len(t, tools, 1)
	assert.Equal(t, model.BlockError, tools[0].Status)
	require.NotNil(t, tools[0].Error)
	assert.Equal(t, toolTimeoutMessage, tools[0].Error.Message)
	assert.Equal(t, model.MessageSuccess, h.message().Status)

	// 超时后才到的结果不再改写已终结的块
	require.NoError(t, s.HandleChunk(context.Background(), model.ToolComplete{
		Results: []model.ToolResult{{ID: "hung", Status: model.ToolDone, Response: "late"}},
	}))
	assert.Equal(t, model.BlockError, blocksOfType(h.blocks(), model.BlockTool)[0].Status)
}

func TestInterruptionMarkers(t *testing.T) {
	t.Run("no content", func(t *testing.T) {
		h := newHarness(t)
		s := h.session(Options{})
		require.NoError(t, s.CompleteWithInterruption(context.Background()))

		blocks := h.blocks()
		require.Len(t, blocks, 1)
		assert.Equal(t, EmptyContentMarker, blocks[0].Content)
		assert.Equal(t, OutcomeInterrupted, s.Outcome())
	})

	t.Run("partial content", func(t *testing.T) {
		h := newHarness(t)
		s := h.session(Options{})
		h.feed(s, model.TextDelta{Text: "X"})
		require.NoError(t, s.CompleteWithInterruption(context.Background()))

		text := blocksOfType(h.blocks(), model.BlockMainText)
		require.Len(t, text, 1)
		assert.Equal(t, "X"+InterruptionMarker, text[0].Content)
		assert.Equal(t, model.MessageSuccess, h.message().Status)
	})

	t.Run("thinking only", func(t *testing.T) {
		h := newHarness(t)
		s := h.session(Options{})
		h.feed(s, model.ThinkingDelta{Text: "hmm"})
		require.NoError(t, s.CompleteWithInterruption(context.Background()))

		blocks := h.blocks()
		require.Len(t, blocks, 1)
		assert.Equal(t, model.BlockThinking, blocks[0].Type)
		assert.Equal(t, "hmm"+InterruptionMarker, blocks[0].Content)
		assert.Equal(t, model.BlockSuccess, blocks[0].Status)
		assert.Equal(t, []string{initialBlock}, h.message().Blocks)
	})

	t.Run("thinking and text", func(t *testing.T) {
		h := newHarness(t)
		s := h.session(Options{})
		h.feed(s, model.ThinkingDelta{Text: "hmm"}, model.TextDelta{Text: "X"})
		require.NoError(t, s.CompleteWithInterruption(context.Background()))

		thinking := blocksOfType(h.blocks(), model.BlockThinking)
		require.Len(t, thinking, 1)
		assert.Equal(t, "hmm", thinking[0].Content)
		assert.Equal(t, model.BlockSuccess, thinking[0].Status)

		text := blocksOfType(h.blocks(), model.BlockMainText)
		require.Len(t, text, 1)
		assert.Equal(t, "X"+InterruptionMarker, text[0].Content)
	})
}

// txRecordingStore 记录事务和 topic 镜像写入次数
type txRecordingStore struct {
	storage.Store
	mu           sync.Mutex
	transactions int
	mirrorWrites int
}

func (r *txRecordingStore) Transaction(ctx context.Context, fn func(tx storage.Tx) error) error {
	r.mu.Lock()
	r.transactions++
	r.mu.Unlock()
	return r.Store.Transaction(ctx, fn)
}

func (r *txRecordingStore) UpsertTopicMessage(ctx context.Context, topicID string, msg *model.Message) error {
	r.mu.Lock()
	r.mirrorWrites++
	r.mu.Unlock()
	return r.Store.UpsertTopicMessage(ctx, topicID, msg)
}

func (r *txRecordingStore) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transactions, r.mirrorWrites
}

func TestInterruptionWritesEntitiesDirectly(t *testing.T) {
	h := newHarness(t)
	rec := &txRecordingStore{Store: h.store}
	s := NewResponseSession(context.Background(), h.msg, initialBlock, Dependencies{
		State: h.state,
		Store: rec,
		Bus:   h.bus,
		NewID: h.newID,
	}, Options{ThrottleInterval: 10 * time.Millisecond})
	require.NoError(t, s.Start(context.Background()))

	h.feed(s, model.TextDelta{Text: "partial"})
	require.NoError(t, s.CompleteWithInterruption(context.Background()))

	transactions, mirrorWrites := rec.counts()
	assert.Zero(t, transactions)
	assert.Zero(t, mirrorWrites)
	assert.Equal(t, model.MessageSuccess, h.message().Status)
	assert.Equal(t, "partial"+InterruptionMarker, blocksOfType(h.blocks(), model.BlockMainText)[0].Content)

	msg, ok := h.state.Message(h.msg.ID)
	require.True(t, ok)
	assert.Equal(t, model.MessageSuccess, msg.Status)
}

func TestCompletionCommitsInOneTransaction(t *testing.T) {
	h := newHarness(t)
	rec := &txRecordingStore{Store: h.store}
	s := NewResponseSession(context.Background(), h.msg, initialBlock, Dependencies{
		State: h.state,
		Store: rec,
		Bus:   h.bus,
		NewID: h.newID,
	}, Options{ThrottleInterval: 10 * time.Millisecond})
	require.NoError(t, s.Start(context.Background()))

	h.feed(s, model.TextDelta{Text: "done"}, model.ResponseComplete{})

	transactions, _ := rec.counts()
	assert.Equal(t, 1, transactions)
	topic, err := h.store.GetTopic(context.Background(), "topic-1")
	require.NoError(t, err)
	require.Len(t, topic.Messages, 1)
	assert.Equal(t, model.MessageSuccess, topic.Messages[0].Status)
}

func TestInterruptionStopsThrottledWrites(t *testing.T) {
	h := newHarness(t)
	s := h.session(Options{ThrottleInterval: 30 * time.Millisecond})

	h.feed(s, model.TextDelta{Text: "a"}, model.TextDelta{Text: "b"})
	require.NoError(t, s.CompleteWithInterruption(context.Background()))
	time.Sleep(80 * time.Millisecond)

	assert.Equal(t, "ab"+InterruptionMarker, h.blocks()[0].Content)
	h.feed(s, model.TextDelta{Text: "late"})
	assert.Equal(t, "ab"+InterruptionMarker, h.blocks()[0].Content)
}

func TestFailIsIdempotent(t *testing.T) {
	h := newHarness(t)
	s := h.session(Options{})
	sub := h.bus.Subscribe(8, events.MessageFailed)
	defer sub.Close()

	h.feed(s, model.TextDelta{Text: "partial answer"})

	cause := errclass.New(errclass.Auth, "invalid api key")
	err1 := s.Fail(context.Background(), cause)
	err2 := s.Fail(context.Background(), errors.New("second failure"))

	var classified *errclass.Error
	require.ErrorAs(t, err1, &classified)
	assert.Equal(t, errclass.Auth, classified.Kind)
	require.Error(t, err2)

	blocks := h.blocks()
	require.Len(t, blocksOfType(blocks, model.BlockTypeError), 1)
	text := blocksOfType(blocks, model.BlockMainText)
	require.Len(t, text, 1)
	assert.Equal(t, "partial answer", text[0].Content)
	assert.Equal(t, model.BlockError, text[0].Status)
	assert.Equal(t, model.MessageError, h.message().Status)

	select {
	case ev := <-sub.C():
		require.NotNil(t, ev.Error)
		assert.Equal(t, string(errclass.Auth), ev.Error.Kind)
	case <-time.After(time.Second):
		t.Fatal("no failure event")
	}
	select {
	case <-sub.C():
		t.Fatal("second failure event published")
	default:
	}
}

func TestFailWithoutContentClaimsPlaceholder(t *testing.T) {
	h := newHarness(t)
	s := h.session(Options{})

	err := s.HandleChunk(context.Background(), model.ErrorChunk{Message: "upstream exploded", Kind: "server"})
	require.Error(t, err)

	blocks := h.blocks()
	require.Len(t, blocks, 1)
	assert.Equal(t, initialBlock, blocks[0].ID)
	assert.Equal(t, model.BlockTypeError, blocks[0].Type)
	require.NotNil(t, blocks[0].Error)
	assert.Equal(t, string(errclass.Server), blocks[0].Error.Kind)
}

func TestRunFinalizesOnStreamEnd(t *testing.T) {
	h := newHarness(t)
	s := h.session(Options{})
	sub := h.bus.Subscribe(8, events.MessageCompleted)
	defer sub.Close()

	ch := make(chan model.Chunk, 8)
	ch <- model.ResponseCreated{}
	ch <- model.TextDelta{Text: "hi"}
	ch <- model.ResponseComplete{}
	ch <- model.TextDelta{Text: " ignored"}
	close(ch)

	require.NoError(t, s.Run(context.Background(), ch))
	assert.Equal(t, "hi", h.blocks()[0].Content)

	select {
	case ev := <-sub.C():
		assert.Equal(t, h.msg.ID, ev.MessageID)
		assert.Equal(t, "topic-1", ev.TopicID)
		assert.NotEmpty(t, ev.ID)
	case <-time.After(time.Second):
		t.Fatal("no completion event")
	}
}

func TestRunFailsWhenStreamClosesEarly(t *testing.T) {
	h := newHarness(t)
	s := h.session(Options{})

	ch := make(chan model.Chunk, 2)
	ch <- model.TextDelta{Text: "cut"}
	close(ch)

	err := s.Run(context.Background(), ch)
	require.Error(t, err)
	assert.Equal(t, errclass.Network, errclass.Classify(err))
	assert.Equal(t, model.MessageError, h.message().Status)
	assert.Equal(t, "cut", blocksOfType(h.blocks(), model.BlockMainText)[0].Content)
}

func TestRunInterruptsOnCancel(t *testing.T) {
	h := newHarness(t)
	s := h.session(Options{})

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan model.Chunk)
	go func() {
		ch <- model.TextDelta{Text: "so far"}
		cancel()
	}()

	require.NoError(t, s.Run(ctx, ch))
	assert.Equal(t, OutcomeInterrupted, s.Outcome())
	content := h.blocks()[0].Content
	assert.True(t, strings.HasSuffix(content, InterruptionMarker))
	assert.True(t, strings.HasPrefix(content, "so far"))
}

func TestStateStoreReceivesUpdates(t *testing.T) {
	h := newHarness(t)
	sub := h.state.Subscribe(h.msg.ID)
	defer sub.Close()

	s := h.session(Options{})
	h.feed(s, model.TextDelta{Text: "x"}, model.ResponseComplete{})

	msg, ok := h.state.Message(h.msg.ID)
	require.True(t, ok)
	assert.Equal(t, model.MessageSuccess, msg.Status)

	var sawAdd bool
	for {
		select {
		case u := <-sub.C():
			if u.Kind == state.BlockAdded && u.Block.ID == initialBlock {
				sawAdd = true
			}
			continue
		default:
		}
		break
	}
	assert.True(t, sawAdd)
}
