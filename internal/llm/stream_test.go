package llm

import (
	"context"
	"errors"
	"testing"

	"llmhouse-backend/internal/config"
	"llmhouse-backend/internal/errclass"
	"llmhouse-backend/internal/model"

	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(ch <-chan model.Chunk) []model.Chunk {
	var out []model.Chunk
	for c := range ch {
		out = append(out, c)
	}
	return out
}

func types(chunks []model.Chunk) []model.ChunkType {
	out := make([]model.ChunkType, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, c.Type())
	}
	return out
}

func assistant(content string) *schema.Message {
	return &schema.Message{Role: schema.Assistant, Content: content}
}

func TestPumpTextOnly(t *testing.T) {
	sr := schema.StreamReaderFromArray([]*schema.Message{assistant("Hel"), assistant("lo")})

	chunks := collect(Pump(context.Background(), sr))

	assert.Equal(t, []model.ChunkType{
		model.ChunkResponseCreated,
		model.ChunkTextDelta,
		model.ChunkTextDelta,
		model.ChunkResponseComplete,
	}, types(chunks))
	assert.Equal(t, model.TextDelta{Text: "Hel"}, chunks[1])
	assert.Equal(t, model.ResponseComplete{Text: "Hello"}, chunks[3])
}

func TestPumpReasoningBeforeContent(t *testing.T) {
	sr := schema.StreamReaderFromArray([]*schema.Message{
		{Role: schema.Assistant, ReasoningContent: "let me "},
		{Role: schema.Assistant, ReasoningContent: "think"},
		assistant("answer"),
	})

	chunks := collect(Pump(context.Background(), sr))

	require.Equal(t, []model.ChunkType{
		model.ChunkResponseCreated,
		model.ChunkThinkingDelta,
		model.ChunkThinkingDelta,
		model.ChunkThinkingComplete,
		model.ChunkTextDelta,
		model.ChunkResponseComplete,
	}, types(chunks))
	done, ok := chunks[3].(model.ThinkingComplete)
	require.True(t, ok)
	assert.Equal(t, "let me think", done.Text)
	assert.Equal(t, model.ResponseComplete{Text: "answer"}, chunks[5])
}

func TestPumpThinkingOnlyStillCompletes(t *testing.T) {
	sr := schema.StreamReaderFromArray([]*schema.Message{
		{Role: schema.Assistant, ReasoningContent: "hmm"},
	})

	chunks := collect(Pump(context.Background(), sr))

	assert.Equal(t, []model.ChunkType{
		model.ChunkResponseCreated,
		model.ChunkThinkingDelta,
		model.ChunkThinkingComplete,
		model.ChunkResponseComplete,
	}, types(chunks))
}

func TestPumpMergesToolCallFragments(t *testing.T) {
	idx := 0
	sr := schema.StreamReaderFromArray([]*schema.Message{
		{Role: schema.Assistant, ToolCalls: []schema.ToolCall{{
			Index:    &idx,
			ID:       "call-1",
			Function: schema.FunctionCall{Name: "search", Arguments: `{"q":`},
		}}},
		{Role: schema.Assistant, ToolCalls: []schema.ToolCall{{
			Index:    &idx,
			Function: schema.FunctionCall{Arguments: `"go"}`},
		}}},
	})

	chunks := collect(Pump(context.Background(), sr))

	require.Equal(t, []model.ChunkType{
		model.ChunkResponseCreated,
		model.ChunkToolInProgress,
		model.ChunkResponseComplete,
	}, types(chunks))
	assert.Equal(t, model.ToolInProgress{Calls: []model.ToolCall{
		{ID: "call-1", Name: "search", Arguments: `{"q":"go"}`},
	}}, chunks[1])
}

func TestPumpStreamErrorBecomesErrorChunk(t *testing.T) {
	sr, sw := schema.Pipe[*schema.Message](4)
	go func() {
		defer sw.Close()
		sw.Send(assistant("partial"), nil)
		sw.Send(nil, errclass.New(errclass.RateLimit, "too many requests"))
	}()

	chunks := collect(Pump(context.Background(), sr))

	require.Equal(t, []model.ChunkType{
		model.ChunkResponseCreated,
		model.ChunkTextDelta,
		model.ChunkError,
	}, types(chunks))
	assert.Equal(t, model.ErrorChunk{Message: "too many requests", Kind: string(errclass.RateLimit)}, chunks[2])
}

func TestToolCallsOfFillsMissingIDs(t *testing.T) {
	two := 2
	msg := &schema.Message{ToolCalls: []schema.ToolCall{
		{Function: schema.FunctionCall{Name: "a"}},
		{Index: &two, Function: schema.FunctionCall{Name: "b"}},
		{ID: "x", Function: schema.FunctionCall{Name: "c"}},
	}}

	calls := ToolCallsOf(msg)

	assert.Equal(t, []string{"call_0", "call_2", "x"}, []string{calls[0].ID, calls[1].ID, calls[2].ID})
}

type fakeChatModel struct {
	key   string
	calls *[]string
	err   error
}

func (m *fakeChatModel) Generate(ctx context.Context, in []*schema.Message, opts ...einoModel.Option) (*schema.Message, error) {
	*m.calls = append(*m.calls, m.key)
	if m.err != nil {
		return nil, m.err
	}
	return assistant("from " + m.key), nil
}

func (m *fakeChatModel) Stream(ctx context.Context, in []*schema.Message, opts ...einoModel.Option) (*schema.StreamReader[*schema.Message], error) {
	*m.calls = append(*m.calls, m.key)
	if m.err != nil {
		return nil, m.err
	}
	return schema.StreamReaderFromArray([]*schema.Message{assistant("from " + m.key)}), nil
}

func (m *fakeChatModel) BindTools(tools []*schema.ToolInfo) error { return nil }

func newFakeProvider(t *testing.T, keys []string, failing map[string]error) (*Provider, *[]string, *int) {
	return newFakeProviderWithRetries(t, keys, failing, 2)
}

func newFakeProviderWithRetries(t *testing.T, keys []string, failing map[string]error, retries int) (*Provider, *[]string, *int) {
	t.Helper()
	var calls []string
	created := 0
	factory := func(ctx context.Context, apiKey string) (einoModel.ChatModel, error) {
		created++
		return &fakeChatModel{key: apiKey, calls: &calls, err: failing[apiKey]}, nil
	}
	p, err := NewProviderWithFactory(config.ProviderConfig{APIKeys: keys, MaxCredentialRetries: retries}, nil, nil, factory)
	require.NoError(t, err)
	return p, &calls, &created
}

func TestProviderStreamFailsOverOnAuthError(t *testing.T) {
	p, calls, _ := newFakeProvider(t, []string{"k1", "k2"}, map[string]error{
		"k1": errclass.New(errclass.Auth, "invalid api key"),
	})

	sr, err := p.Stream(context.Background(), []*schema.Message{schema.UserMessage("hi")})
	require.NoError(t, err)

	chunks := collect(Pump(context.Background(), sr))
	assert.Equal(t, model.ResponseComplete{Text: "from k2"}, chunks[len(chunks)-1])
	assert.Equal(t, []string{"k1", "k2"}, *calls)
}

func TestProviderStopsOnNonCredentialError(t *testing.T) {
	p, calls, _ := newFakeProvider(t, []string{"k1", "k2"}, map[string]error{
		"k1": errclass.New(errclass.Server, "upstream exploded"),
	})

	_, err := p.Generate(context.Background(), []*schema.Message{schema.UserMessage("hi")})
	require.Error(t, err)
	assert.Equal(t, errclass.Server, errclass.Classify(err))
	assert.Equal(t, []string{"k1"}, *calls)
}

func TestProviderZeroRetriesDisablesFailover(t *testing.T) {
	authErr := errclass.New(errclass.Auth, "invalid api key")
	p, calls, _ := newFakeProviderWithRetries(t, []string{"k1", "k2", "k3"}, map[string]error{
		"k1": authErr,
		"k2": authErr,
		"k3": authErr,
	}, 0)

	_, err := p.Generate(context.Background(), []*schema.Message{schema.UserMessage("hi")})
	require.Error(t, err)
	assert.Equal(t, errclass.Auth, errclass.Classify(err))
	assert.Equal(t, []string{"k1"}, *calls)
}

func TestProviderCachesModelPerKey(t *testing.T) {
	p, _, created := newFakeProvider(t, []string{"k1"}, nil)

	for i := 0; i < 3; i++ {
		_, err := p.Generate(context.Background(), nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, *created)
}

func TestNewChatModelRejectsUnknownProvider(t *testing.T) {
	_, err := NewChatModel(context.Background(), config.ProviderConfig{Type: "mystery"}, "k")
	require.Error(t, err)
	assert.False(t, errors.Is(err, context.Canceled))
}
