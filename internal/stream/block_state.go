package stream

import "fmt"

// BlockState 一次响应里已经出现过的内容种类
type BlockState int

const (
	StateInitial BlockState = iota
	StateTextOnly
	StateThinkingOnly
	StateBoth
)

func (s BlockState) String() string {
	switch s {
	case StateInitial:
		return "INITIAL"
	case StateTextOnly:
		return "TEXT_ONLY"
	case StateThinkingOnly:
		return "THINKING_ONLY"
	case StateBoth:
		return "BOTH"
	default:
		return fmt.Sprintf("BlockState(%d)", int(s))
	}
}

// Transition 内容应写入的块。
// IsNewBlock 表示生成了新的块 id，调用方需要先创建该块；
// Claimed 表示本次认领了预分配的块，块已存在，只需写入类型。
type Transition struct {
	BlockID    string
	IsNewBlock bool
	Claimed    bool
}

// BlockStateManager 决定文本和思考内容各自挂在哪个块上。
// 第一种到达的内容认领会话预分配的块，第二种内容才会生成新块。
type BlockStateManager struct {
	state          BlockState
	initialBlockID string
	textBlockID    string
	thinkingID     string
	newID          func() string
}

func NewBlockStateManager(initialBlockID string, newID func() string) *BlockStateManager {
	return &BlockStateManager{initialBlockID: initialBlockID, newID: newID}
}

func (m *BlockStateManager) State() BlockState {
	return m.state
}

func (m *BlockStateManager) TextBlockID() string {
	return m.textBlockID
}

func (m *BlockStateManager) ThinkingBlockID() string {
	return m.thinkingID
}

func (m *BlockStateManager) TransitionToText() Transition {
	switch m.state {
	case StateInitial:
		m.state = StateTextOnly
		m.textBlockID = m.initialBlockID
		return Transition{BlockID: m.textBlockID, Claimed: true}
	case StateThinkingOnly:
		m.state = StateBoth
		m.textBlockID = m.newID()
		return Transition{BlockID: m.textBlockID, IsNewBlock: true}
	default:
		return Transition{BlockID: m.textBlockID}
	}
}

func (m *BlockStateManager) TransitionToThinking() Transition {
	switch m.state {
	case StateInitial:
		m.state = StateThinkingOnly
		m.thinkingID = m.initialBlockID
		return Transition{BlockID: m.thinkingID, Claimed: true}
	case StateTextOnly:
		m.state = StateBoth
		m.thinkingID = m.newID()
		return Transition{BlockID: m.thinkingID, IsNewBlock: true}
	default:
		return Transition{BlockID: m.thinkingID}
	}
}

// InitialBlockClaimed 预分配的块是否已被某种内容认领
func (m *BlockStateManager) InitialBlockClaimed() bool {
	return m.state != StateInitial
}
