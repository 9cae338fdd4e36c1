// Package state 进程内可观察状态：保存正在生成的消息和块的最新快照，
// 并把每次变化推送给订阅者（SSE 等）。
package state

import (
	"sort"
	"sync"
	"time"

	"llmhouse-backend/internal/model"
	"llmhouse-backend/pkg/logger"
)

type UpdateKind string

const (
	BlockAdded     UpdateKind = "block.added"
	BlockUpdated   UpdateKind = "block.updated"
	MessageUpdated UpdateKind = "message.updated"
)

// Update 推送给订阅者的一次变化，携带变化后的完整快照
type Update struct {
	Kind      UpdateKind     `json:"kind"`
	MessageID string         `json:"message_id"`
	Block     *model.Block   `json:"block,omitempty"`
	Message   *model.Message `json:"message,omitempty"`
}

type Subscription struct {
	store     *Store
	messageID string
	ch        chan Update
	once      sync.Once
}

func (s *Subscription) C() <-chan Update {
	return s.ch
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.store.mu.Lock()
		delete(s.store.subs[s.messageID], s)
		if len(s.store.subs[s.messageID]) == 0 {
			delete(s.store.subs, s.messageID)
		}
		close(s.ch)
		s.store.mu.Unlock()
	})
}

type Store struct {
	mu       sync.RWMutex
	messages map[string]model.Message
	blocks   map[string]model.Block
	subs     map[string]map[*Subscription]struct{}
	buffer   int
	now      func() time.Time
}

func NewStore() *Store {
	return &Store{
		messages: make(map[string]model.Message),
		blocks:   make(map[string]model.Block),
		subs:     make(map[string]map[*Subscription]struct{}),
		buffer:   256,
		now:      time.Now,
	}
}

// PutMessage 登记（或覆盖）一条消息
func (s *Store) PutMessage(msg model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages[msg.ID] = msg.Clone()
	m := msg.Clone()
	s.notify(msg.ID, Update{Kind: MessageUpdated, MessageID: msg.ID, Message: &m})
}

func (s *Store) AddBlock(block model.Block) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if block.CreatedAt.IsZero() {
		block.CreatedAt = s.now()
		block.UpdatedAt = block.CreatedAt
	}
	s.blocks[block.ID] = block.Clone()
	b := block.Clone()
	s.notify(block.MessageID, Update{Kind: BlockAdded, MessageID: block.MessageID, Block: &b})
}

func (s *Store) UpdateBlock(blockID string, changes model.BlockChanges) {
	s.mu.Lock()
	defer s.mu.Unlock()

	block, ok := s.blocks[blockID]
	if !ok {
		logger.Debugf("State update for unknown block %s ignored", blockID)
		return
	}
	if !block.Apply(changes, s.now()) {
		return
	}
	s.blocks[blockID] = block
	b := block.Clone()
	s.notify(block.MessageID, Update{Kind: BlockUpdated, MessageID: block.MessageID, Block: &b})
}

func (s *Store) UpdateMessageStatus(messageID string, status model.MessageStatus) {
	s.UpdateMessage(messageID, model.MessageChanges{Status: &status})
}

func (s *Store) UpdateMessage(messageID string, changes model.MessageChanges) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[messageID]
	if !ok {
		logger.Debugf("State update for unknown message %s ignored", messageID)
		return
	}
	if !msg.Apply(changes, s.now()) {
		return
	}
	s.messages[messageID] = msg
	m := msg.Clone()
	s.notify(messageID, Update{Kind: MessageUpdated, MessageID: messageID, Message: &m})
}

func (s *Store) Message(messageID string) (model.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[messageID]
	return msg.Clone(), ok
}

func (s *Store) Block(blockID string) (model.Block, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.blocks[blockID]
	return b.Clone(), ok
}

// Blocks 消息的全部块，按消息上的块顺序排列，未登记的排在最后
func (s *Store) Blocks(messageID string) []model.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order := map[string]int{}
	if msg, ok := s.messages[messageID]; ok {
		for i, id := range msg.Blocks {
			order[id] = i
		}
	}
	var out []model.Block
	for _, b := range s.blocks {
		if b.MessageID == messageID {
			out = append(out, b.Clone())
		}
	}
	rank := func(b model.Block) int {
		if p, ok := order[b.ID]; ok {
			return p
		}
		return len(order)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := rank(out[i]), rank(out[j])
		if ri != rj {
			return ri < rj
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Subscribe 订阅一条消息的变化；缓冲区满时丢弃中间更新，订阅者应以快照为准
func (s *Store) Subscribe(messageID string) *Subscription {
	sub := &Subscription{store: s, messageID: messageID, ch: make(chan Update, s.buffer)}
	s.mu.Lock()
	if s.subs[messageID] == nil {
		s.subs[messageID] = make(map[*Subscription]struct{})
	}
	s.subs[messageID][sub] = struct{}{}
	s.mu.Unlock()
	return sub
}

// Forget 消息终结后释放快照
func (s *Store) Forget(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, b := range s.blocks {
		if b.MessageID == messageID {
			delete(s.blocks, id)
		}
	}
	delete(s.messages, messageID)
}

// notify 调用方持有写锁
func (s *Store) notify(messageID string, u Update) {
	for sub := range s.subs[messageID] {
		select {
		case sub.ch <- u:
		default:
			logger.Warnf("State subscriber for message %s is lagging, dropping %s", messageID, u.Kind)
		}
	}
}
