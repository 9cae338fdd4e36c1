package model

import (
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageStreaming MessageStatus = "streaming"
	MessageSuccess   MessageStatus = "success"
	MessageError     MessageStatus = "error"
)

func (s MessageStatus) rank() int {
	switch s {
	case MessagePending:
		return 0
	case MessageStreaming:
		return 1
	case MessageSuccess, MessageError:
		return 2
	default:
		return -1
	}
}

// IsTerminal 消息是否已经终结
func (s MessageStatus) IsTerminal() bool {
	return s == MessageSuccess || s == MessageError
}

// CanTransitionTo 状态只能向前推进，终态不可再变
func (s MessageStatus) CanTransitionTo(next MessageStatus) bool {
	if next.rank() < 0 {
		return false
	}
	if s == next {
		return true
	}
	if s.IsTerminal() {
		return false
	}
	return next.rank() > s.rank()
}

type BlockType string

const (
	// BlockUnknown 会话预分配的占位块，由第一种到达的内容认领
	BlockUnknown   BlockType = "unknown"
	BlockMainText  BlockType = "main_text"
	BlockThinking  BlockType = "thinking"
	BlockTool      BlockType = "tool"
	BlockTypeError BlockType = "error"
)

type BlockStatus string

const (
	BlockPending    BlockStatus = "pending"
	BlockStreaming  BlockStatus = "streaming"
	BlockProcessing BlockStatus = "processing"
	BlockSuccess    BlockStatus = "success"
	BlockError      BlockStatus = "error"
)

func (s BlockStatus) rank() int {
	switch s {
	case BlockPending:
		return 0
	case BlockStreaming, BlockProcessing:
		return 1
	case BlockSuccess, BlockError:
		return 2
	default:
		return -1
	}
}

func (s BlockStatus) IsTerminal() bool {
	return s == BlockSuccess || s == BlockError
}

// CanTransitionTo 与 MessageStatus 相同的前进规则；streaming 与 processing 同级可互换
func (s BlockStatus) CanTransitionTo(next BlockStatus) bool {
	if next.rank() < 0 {
		return false
	}
	if s == next {
		return true
	}
	if s.IsTerminal() {
		return false
	}
	return next.rank() >= s.rank()
}

// ErrorDetail 归一化后的错误信息，挂在 error 块或失败的工具块上
type ErrorDetail struct {
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code,omitempty"`
}

type Topic struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UpsertMessage 更新 topic 上的消息镜像，不存在则追加
func (t *Topic) UpsertMessage(msg Message) {
	for i := range t.Messages {
		if t.Messages[i].ID == msg.ID {
			t.Messages[i] = msg.Clone()
			return
		}
	}
	t.Messages = append(t.Messages, msg.Clone())
}

func (t Topic) Clone() Topic {
	out := t
	out.Messages = make([]Message, len(t.Messages))
	for i, m := range t.Messages {
		out.Messages[i] = m.Clone()
	}
	return out
}

type Message struct {
	ID        string        `json:"id"`
	TopicID   string        `json:"topic_id"`
	Role      Role          `json:"role"`
	Status    MessageStatus `json:"status"`
	Blocks    []string      `json:"blocks"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

func (m Message) Clone() Message {
	out := m
	out.Blocks = append([]string(nil), m.Blocks...)
	return out
}

// MessageChanges 稀疏变更集，nil 字段表示不修改
type MessageChanges struct {
	Status *MessageStatus `json:"status,omitempty"`
	Blocks []string       `json:"blocks,omitempty"`
}

// Apply 应用变更；被前进规则拒绝的状态变更会让整次调用返回 false
func (m *Message) Apply(c MessageChanges, now time.Time) bool {
	if c.Status != nil && !m.Status.CanTransitionTo(*c.Status) {
		return false
	}
	if c.Status != nil {
		m.Status = *c.Status
	}
	if c.Blocks != nil {
		m.Blocks = dedupe(c.Blocks)
	}
	m.UpdatedAt = now
	return true
}

type Block struct {
	ID                 string       `json:"id"`
	MessageID          string       `json:"message_id"`
	Type               BlockType    `json:"type"`
	Content            string       `json:"content"`
	Status             BlockStatus  `json:"status"`
	ThinkingMillis     int64        `json:"thinking_millis,omitempty"`
	ToolID             string       `json:"tool_id,omitempty"`
	ToolName           string       `json:"tool_name,omitempty"`
	Arguments          string       `json:"arguments,omitempty"`
	ToolDurationMillis int64        `json:"tool_duration_millis,omitempty"`
	Error              *ErrorDetail `json:"error,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

func (b Block) Clone() Block {
	out := b
	if b.Error != nil {
		e := *b.Error
		out.Error = &e
	}
	return out
}

type BlockChanges struct {
	Type               *BlockType   `json:"type,omitempty"`
	Content            *string      `json:"content,omitempty"`
	Status             *BlockStatus `json:"status,omitempty"`
	ThinkingMillis     *int64       `json:"thinking_millis,omitempty"`
	ToolDurationMillis *int64       `json:"tool_duration_millis,omitempty"`
	Error              *ErrorDetail `json:"error,omitempty"`
}

// IsEmpty 没有任何字段需要写入
func (c BlockChanges) IsEmpty() bool {
	return c.Type == nil && c.Content == nil && c.Status == nil &&
		c.ThinkingMillis == nil && c.ToolDurationMillis == nil && c.Error == nil
}

// Merge 合并两次变更，next 中设置的字段覆盖当前字段
func (c BlockChanges) Merge(next BlockChanges) BlockChanges {
	out := c
	if next.Type != nil {
		out.Type = next.Type
	}
	if next.Content != nil {
		out.Content = next.Content
	}
	if next.Status != nil {
		out.Status = next.Status
	}
	if next.ThinkingMillis != nil {
		out.ThinkingMillis = next.ThinkingMillis
	}
	if next.ToolDurationMillis != nil {
		out.ToolDurationMillis = next.ToolDurationMillis
	}
	if next.Error != nil {
		out.Error = next.Error
	}
	return out
}

// Apply 应用变更。已终结的块不再接受任何修改。
func (b *Block) Apply(c BlockChanges, now time.Time) bool {
	if b.Status.IsTerminal() {
		return false
	}
	if c.Status != nil && !b.Status.CanTransitionTo(*c.Status) {
		return false
	}
	if c.Type != nil {
		b.Type = *c.Type
	}
	if c.Content != nil {
		b.Content = *c.Content
	}
	if c.Status != nil {
		b.Status = *c.Status
	}
	if c.ThinkingMillis != nil {
		b.ThinkingMillis = *c.ThinkingMillis
	}
	if c.ToolDurationMillis != nil {
		b.ToolDurationMillis = *c.ToolDurationMillis
	}
	if c.Error != nil {
		e := *c.Error
		b.Error = &e
	}
	b.UpdatedAt = now
	return true
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Ptr 构造变更集字段用
func Ptr[T any](v T) *T {
	return &v
}
