package stream

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"llmhouse-backend/internal/model"
	"llmhouse-backend/internal/state"
	"llmhouse-backend/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingState 记录每次块写入的内容
type countingState struct {
	*state.Store
	mu     sync.Mutex
	writes []string
}

func (c *countingState) UpdateBlock(id string, changes model.BlockChanges) {
	c.mu.Lock()
	if changes.Content != nil {
		c.writes = append(c.writes, *changes.Content)
	}
	c.mu.Unlock()
	c.Store.UpdateBlock(id, changes)
}

func (c *countingState) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

type countingStore struct {
	storage.Store
	mu     sync.Mutex
	writes int
}

func (c *countingStore) UpdateBlock(ctx context.Context, id string, changes model.BlockChanges) error {
	c.mu.Lock()
	c.writes++
	c.mu.Unlock()
	return c.Store.UpdateBlock(ctx, id, changes)
}

func (c *countingStore) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

func newThrottleFixture(t *testing.T, interval time.Duration) (*ThrottledBlockUpdater, *countingState, *countingStore) {
	t.Helper()
	ctx := context.Background()

	mem := storage.NewMemoryStorage()
	require.NoError(t, mem.CreateTopic(ctx, &model.Topic{ID: "topic-1"}))
	msg := model.Message{ID: "msg-1", TopicID: "topic-1", Role: model.RoleAssistant, Status: model.MessageStreaming}
	require.NoError(t, mem.SaveMessage(ctx, &msg))

	st := &countingState{Store: state.NewStore()}
	st.PutMessage(msg)
	store := &countingStore{Store: mem}

	u := NewThrottledBlockUpdater(ctx, interval, st, store, nil)
	require.NoError(t, u.CreateBlock(ctx, model.Block{
		ID: "b1", MessageID: "msg-1", Type: model.BlockMainText, Status: model.BlockStreaming,
	}))
	return u, st, store
}

func TestCreateBlockIsImmediate(t *testing.T) {
	_, st, store := newThrottleFixture(t, time.Hour)

	_, ok := st.Block("b1")
	assert.True(t, ok)
	_, err := store.GetBlock(context.Background(), "b1")
	assert.NoError(t, err)
}

func TestUpdatesCoalesceToLatest(t *testing.T) {
	u, st, store := newThrottleFixture(t, 50*time.Millisecond)

	for i := 1; i <= 10; i++ {
		u.UpdateBlock("b1", model.BlockChanges{Content: model.Ptr(fmt.Sprintf("v%d", i))})
	}
	assert.Equal(t, 0, st.count())

	require.Eventually(t, func() bool {
		return st.count() == 1 && store.count() == 1
	}, time.Second, 5*time.Millisecond)

	got, err := store.GetBlock(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, "v10", got.Content)
	b, _ := st.Block("b1")
	assert.Equal(t, "v10", b.Content)
}

func TestMergedChangesKeepEarlierFields(t *testing.T) {
	u, _, store := newThrottleFixture(t, time.Hour)

	u.UpdateBlock("b1", model.BlockChanges{ThinkingMillis: model.Ptr(int64(42))})
	u.UpdateBlock("b1", model.BlockChanges{Content: model.Ptr("latest")})
	require.NoError(t, u.Flush(context.Background(), "b1"))

	got, err := store.GetBlock(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, "latest", got.Content)
	assert.Equal(t, int64(42), got.ThinkingMillis)
}

func TestFlushBypassesThrottle(t *testing.T) {
	u, st, store := newThrottleFixture(t, 30*time.Millisecond)

	u.UpdateBlock("b1", model.BlockChanges{Content: model.Ptr("final")})
	require.NoError(t, u.Flush(context.Background(), "b1"))
	assert.Equal(t, 1, st.count())
	assert.Equal(t, 1, store.count())

	// 定时器已经停掉，不会重复写
	time.Sleep(90 * time.Millisecond)
	assert.Equal(t, 1, st.count())
	assert.Equal(t, 1, store.count())
}

func TestCloseFlushesPending(t *testing.T) {
	u, _, store := newThrottleFixture(t, time.Hour)

	u.UpdateBlock("b1", model.BlockChanges{Content: model.Ptr("last words")})
	require.NoError(t, u.Close(context.Background()))

	got, err := store.GetBlock(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, "last words", got.Content)

	u.UpdateBlock("b1", model.BlockChanges{Content: model.Ptr("ignored")})
	require.NoError(t, u.FlushAll(context.Background()))
	got, _ = store.GetBlock(context.Background(), "b1")
	assert.Equal(t, "last words", got.Content)
}

func TestDiscardDropsPending(t *testing.T) {
	u, st, store := newThrottleFixture(t, 20*time.Millisecond)

	u.UpdateBlock("b1", model.BlockChanges{Content: model.Ptr("dropped")})
	u.Discard()
	time.Sleep(60 * time.Millisecond)

	assert.Equal(t, 0, st.count())
	assert.Equal(t, 0, store.count())

	u.UpdateBlock("b1", model.BlockChanges{Content: model.Ptr("after discard")})
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 0, store.count())
}
