package state

import (
	"testing"

	"llmhouse-backend/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorePublishesSnapshots(t *testing.T) {
	s := NewStore()
	s.PutMessage(model.Message{ID: "m1", Status: model.MessagePending})

	sub := s.Subscribe("m1")
	defer sub.Close()

	s.AddBlock(model.Block{ID: "b1", MessageID: "m1", Type: model.BlockMainText, Status: model.BlockStreaming})
	s.UpdateBlock("b1", model.BlockChanges{Content: model.Ptr("hi")})
	s.UpdateMessageStatus("m1", model.MessageSuccess)

	added := <-sub.C()
	assert.Equal(t, BlockAdded, added.Kind)
	updated := <-sub.C()
	require.NotNil(t, updated.Block)
	assert.Equal(t, "hi", updated.Block.Content)
	msg := <-sub.C()
	require.NotNil(t, msg.Message)
	assert.Equal(t, model.MessageSuccess, msg.Message.Status)
}

func TestStoreRejectsBackwardsTransitions(t *testing.T) {
	s := NewStore()
	s.PutMessage(model.Message{ID: "m1", Status: model.MessagePending})
	s.AddBlock(model.Block{ID: "b1", MessageID: "m1", Status: model.BlockStreaming})

	s.UpdateBlock("b1", model.BlockChanges{Status: model.Ptr(model.BlockSuccess), Content: model.Ptr("done")})
	s.UpdateBlock("b1", model.BlockChanges{Status: model.Ptr(model.BlockStreaming), Content: model.Ptr("late")})

	b, ok := s.Block("b1")
	require.True(t, ok)
	assert.Equal(t, "done", b.Content)
	assert.Equal(t, model.BlockSuccess, b.Status)
}

func TestStoreBlocksFollowMessageOrder(t *testing.T) {
	s := NewStore()
	s.PutMessage(model.Message{ID: "m1", Status: model.MessageStreaming})
	s.AddBlock(model.Block{ID: "text", MessageID: "m1"})
	s.AddBlock(model.Block{ID: "think", MessageID: "m1"})
	s.UpdateMessage("m1", model.MessageChanges{Blocks: []string{"think", "text"}})

	blocks := s.Blocks("m1")
	require.Len(t, blocks, 2)
	assert.Equal(t, "think", blocks[0].ID)
	assert.Equal(t, "text", blocks[1].ID)

	s.Forget("m1")
	_, ok := s.Message("m1")
	assert.False(t, ok)
	assert.Empty(t, s.Blocks("m1"))
}
