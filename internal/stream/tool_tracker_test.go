package stream

import (
	"context"
	"testing"
	"time"

	"llmhouse-backend/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartToolIsCheckAndSet(t *testing.T) {
	tr := NewToolCallTracker(nil)

	assert.True(t, tr.StartTool("t1", "search", "b1"))
	assert.False(t, tr.StartTool("t1", "search", "b2"))

	rec, ok := tr.Lookup("t1")
	require.True(t, ok)
	assert.Equal(t, "b1", rec.BlockID)
	assert.Equal(t, model.ToolInvoking, rec.Status)
}

func TestCompleteToolOnce(t *testing.T) {
	tr := NewToolCallTracker(nil)
	tr.StartTool("t1", "search", "b1")

	rec, ok := tr.CompleteTool("t1", false)
	require.True(t, ok)
	assert.Equal(t, model.ToolError, rec.Status)
	assert.False(t, rec.EndedAt.IsZero())

	_, ok = tr.CompleteTool("t1", true)
	assert.False(t, ok)
	_, ok = tr.CompleteTool("missing", true)
	assert.False(t, ok)
	assert.Empty(t, tr.Outstanding())
}

func TestWaitForAllToolsCompleteDrains(t *testing.T) {
	tr := NewToolCallTracker(nil)
	tr.StartTool("t1", "a", "b1")
	tr.StartTool("t2", "b", "b2")

	go func() {
		time.Sleep(20 * time.Millisecond)
		tr.CompleteTool("t1", true)
		time.Sleep(20 * time.Millisecond)
		tr.CompleteTool("t2", true)
	}()

	start := time.Now()
	assert.True(t, tr.WaitForAllToolsComplete(context.Background(), 5*time.Second))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestWaitForAllToolsCompleteTimesOut(t *testing.T) {
	tr := NewToolCallTracker(nil)
	tr.StartTool("t1", "hung", "b1")

	start := time.Now()
	assert.False(t, tr.WaitForAllToolsComplete(context.Background(), 50*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	require.Len(t, tr.Outstanding(), 1)
	assert.Equal(t, "t1", tr.Outstanding()[0].ToolID)
}

func TestWaitForAllToolsCompleteHonoursContext(t *testing.T) {
	tr := NewToolCallTracker(nil)
	tr.StartTool("t1", "hung", "b1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, tr.WaitForAllToolsComplete(ctx, time.Minute))
}

func TestCleanupAndReset(t *testing.T) {
	tr := NewToolCallTracker(nil)
	tr.StartTool("t1", "a", "b1")

	tr.Cleanup()
	assert.Empty(t, tr.Outstanding())
	rec, ok := tr.Lookup("t1")
	require.True(t, ok)
	assert.Equal(t, model.ToolError, rec.Status)
	assert.True(t, tr.WaitForAllToolsComplete(context.Background(), time.Millisecond))

	tr.Reset()
	_, ok = tr.Lookup("t1")
	assert.False(t, ok)
	assert.True(t, tr.StartTool("t1", "a", "b9"))
}
