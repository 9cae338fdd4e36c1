package stream

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func seqIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

func TestTextOnlyClaimsInitialBlock(t *testing.T) {
	m := NewBlockStateManager("initial", seqIDs("new"))

	tr := m.TransitionToText()
	assert.Equal(t, Transition{BlockID: "initial", Claimed: true}, tr)
	assert.Equal(t, StateTextOnly, m.State())

	for i := 0; i < 3; i++ {
		assert.Equal(t, Transition{BlockID: "initial"}, m.TransitionToText())
	}
	assert.Equal(t, "", m.ThinkingBlockID())
}

func TestThinkingThenTextMintsOneNewBlock(t *testing.T) {
	m := NewBlockStateManager("initial", seqIDs("new"))

	assert.Equal(t, Transition{BlockID: "initial", Claimed: true}, m.TransitionToThinking())
	assert.Equal(t, Transition{BlockID: "new-1", IsNewBlock: true}, m.TransitionToText())
	assert.Equal(t, StateBoth, m.State())

	// BOTH 之后不再产生新 id
	assert.Equal(t, Transition{BlockID: "new-1"}, m.TransitionToText())
	assert.Equal(t, Transition{BlockID: "initial"}, m.TransitionToThinking())
	assert.NotEqual(t, m.TextBlockID(), m.ThinkingBlockID())
}

func TestTextThenThinking(t *testing.T) {
	m := NewBlockStateManager("initial", seqIDs("new"))

	m.TransitionToText()
	tr := m.TransitionToThinking()
	assert.True(t, tr.IsNewBlock)
	assert.Equal(t, "new-1", m.ThinkingBlockID())
	assert.Equal(t, "initial", m.TextBlockID())
	assert.True(t, m.InitialBlockClaimed())
}

func TestBlockStateString(t *testing.T) {
	assert.Equal(t, "INITIAL", StateInitial.String())
	assert.Equal(t, "BOTH", StateBoth.String())
	assert.Equal(t, "BlockState(9)", BlockState(9).String())
}
