package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"llmhouse-backend/internal/model"
)

// dataset 以值形式保存全部实体，便于整体复制做事务快照
type dataset struct {
	topics   map[string]model.Topic
	messages map[string]model.Message
	blocks   map[string]model.Block
	// dirty 记录被写过的 topic，磁盘后端据此决定要落盘的文件
	dirty map[string]struct{}
}

func newDataset() *dataset {
	return &dataset{
		topics:   make(map[string]model.Topic),
		messages: make(map[string]model.Message),
		blocks:   make(map[string]model.Block),
		dirty:    make(map[string]struct{}),
	}
}

func (d *dataset) clone() *dataset {
	out := newDataset()
	for id, t := range d.topics {
		out.topics[id] = t.Clone()
	}
	for id, m := range d.messages {
		out.messages[id] = m.Clone()
	}
	for id, b := range d.blocks {
		out.blocks[id] = b.Clone()
	}
	return out
}

func (d *dataset) markDirty(topicID string) {
	d.dirty[topicID] = struct{}{}
}

func (d *dataset) getTopic(_ context.Context, id string) (*model.Topic, error) {
	t, ok := d.topics[id]
	if !ok {
		return nil, ErrTopicNotFound
	}
	out := t.Clone()
	return &out, nil
}

func (d *dataset) getMessage(_ context.Context, id string) (*model.Message, error) {
	m, ok := d.messages[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	out := m.Clone()
	return &out, nil
}

func (d *dataset) getBlock(_ context.Context, id string) (*model.Block, error) {
	b, ok := d.blocks[id]
	if !ok {
		return nil, ErrBlockNotFound
	}
	out := b.Clone()
	return &out, nil
}

func (d *dataset) putTopic(_ context.Context, topic *model.Topic) error {
	d.topics[topic.ID] = topic.Clone()
	d.markDirty(topic.ID)
	return nil
}

func (d *dataset) putMessage(_ context.Context, msg *model.Message) error {
	d.messages[msg.ID] = msg.Clone()
	d.markDirty(msg.TopicID)
	return nil
}

func (d *dataset) putBlock(_ context.Context, block *model.Block) error {
	d.blocks[block.ID] = block.Clone()
	if msg, ok := d.messages[block.MessageID]; ok {
		d.markDirty(msg.TopicID)
	}
	return nil
}

func (d *dataset) deleteTopic(topicID string) {
	for id, m := range d.messages {
		if m.TopicID != topicID {
			continue
		}
		for bid, b := range d.blocks {
			if b.MessageID == id {
				delete(d.blocks, bid)
			}
		}
		delete(d.messages, id)
	}
	delete(d.topics, topicID)
	d.markDirty(topicID)
}

func (d *dataset) listTopics() []*model.Topic {
	topics := make([]*model.Topic, 0, len(d.topics))
	for _, t := range d.topics {
		c := t.Clone()
		topics = append(topics, &c)
	}
	sort.Slice(topics, func(i, j int) bool {
		return topics[i].UpdatedAt.After(topics[j].UpdatedAt)
	})
	return topics
}

func (d *dataset) listMessages(topicID string) []*model.Message {
	var messages []*model.Message
	for _, m := range d.messages {
		if m.TopicID == topicID {
			c := m.Clone()
			messages = append(messages, &c)
		}
	}
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
	return messages
}

// listBlocks 按消息上的块顺序返回，未登记到消息上的块排在最后
func (d *dataset) listBlocks(messageID string) []*model.Block {
	var blocks []*model.Block
	for _, b := range d.blocks {
		if b.MessageID == messageID {
			c := b.Clone()
			blocks = append(blocks, &c)
		}
	}
	var order []string
	if m, ok := d.messages[messageID]; ok {
		order = m.Blocks
	}
	sortBlocks(blocks, order)
	return blocks
}

func sortBlocks(blocks []*model.Block, order []string) {
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	rank := func(b *model.Block) int {
		if p, ok := pos[b.ID]; ok {
			return p
		}
		return len(order)
	}
	sort.SliceStable(blocks, func(i, j int) bool {
		ri, rj := rank(blocks[i]), rank(blocks[j])
		if ri != rj {
			return ri < rj
		}
		return blocks[i].CreatedAt.Before(blocks[j].CreatedAt)
	})
}

type MemoryStorage struct {
	mu   sync.RWMutex
	data *dataset
	now  func() time.Time
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: newDataset(), now: time.Now}
}

func (m *MemoryStorage) Init(context.Context) error {
	return nil
}

func (m *MemoryStorage) Close() error {
	return nil
}

func (m *MemoryStorage) CreateTopic(_ context.Context, topic *model.Topic) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data.topics[topic.ID] = topic.Clone()
	return nil
}

func (m *MemoryStorage) GetTopic(ctx context.Context, topicID string) (*model.Topic, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.data.getTopic(ctx, topicID)
}

func (m *MemoryStorage) UpdateTopicTitle(_ context.Context, topicID, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	topic, exists := m.data.topics[topicID]
	if !exists {
		return ErrTopicNotFound
	}
	topic.Title = title
	topic.UpdatedAt = m.now()
	m.data.topics[topicID] = topic
	return nil
}

func (m *MemoryStorage) DeleteTopic(_ context.Context, topicID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.data.topics[topicID]; !exists {
		return ErrTopicNotFound
	}
	m.data.deleteTopic(topicID)
	return nil
}

func (m *MemoryStorage) ListTopics(context.Context) ([]*model.Topic, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.data.listTopics(), nil
}

func (m *MemoryStorage) GetMessage(ctx context.Context, messageID string) (*model.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.data.getMessage(ctx, messageID)
}

func (m *MemoryStorage) ListMessages(_ context.Context, topicID string) ([]*model.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, exists := m.data.topics[topicID]; !exists {
		return nil, ErrTopicNotFound
	}
	return m.data.listMessages(topicID), nil
}

func (m *MemoryStorage) GetBlock(ctx context.Context, blockID string) (*model.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.data.getBlock(ctx, blockID)
}

func (m *MemoryStorage) ListBlocks(_ context.Context, messageID string) ([]*model.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.data.listBlocks(messageID), nil
}

// Transaction 在快照上执行 fn，成功后整体替换
func (m *MemoryStorage) Transaction(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.data.clone()
	tx := newWriter(snapshot)
	tx.now = m.now
	if err := fn(tx); err != nil {
		return err
	}
	m.data = snapshot
	return nil
}

// direct 直接写路径：单实体操作整体持有写锁
func (m *MemoryStorage) direct() *writer {
	w := newWriter(m.data)
	w.now = m.now
	return w
}

func (m *MemoryStorage) SaveMessage(ctx context.Context, msg *model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.direct().SaveMessage(ctx, msg)
}

func (m *MemoryStorage) UpdateMessage(ctx context.Context, messageID string, changes model.MessageChanges) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.direct().UpdateMessage(ctx, messageID, changes)
}

func (m *MemoryStorage) SaveBlock(ctx context.Context, block *model.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.direct().SaveBlock(ctx, block)
}

func (m *MemoryStorage) UpdateBlock(ctx context.Context, blockID string, changes model.BlockChanges) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.direct().UpdateBlock(ctx, blockID, changes)
}

func (m *MemoryStorage) UpsertTopicMessage(ctx context.Context, topicID string, msg *model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.direct().UpsertTopicMessage(ctx, topicID, msg)
}
