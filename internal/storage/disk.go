package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"llmhouse-backend/internal/model"
	"llmhouse-backend/pkg/logger"
)

// DiskStorage 每个话题一个 JSON 文件（话题、消息、块一起存放），
// 单话题事务只替换一个文件，借助 rename 保证原子性。
type DiskStorage struct {
	dataDir string
	mu      sync.RWMutex
	data    *dataset
	now     func() time.Time
}

type TopicIndex struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// topicFile 单个话题文件的内容
type topicFile struct {
	Topic    model.Topic     `json:"topic"`
	Messages []model.Message `json:"messages"`
	Blocks   []model.Block   `json:"blocks"`
}

func NewDiskStorage(dataDir string) *DiskStorage {
	return &DiskStorage{
		dataDir: dataDir,
		data:    newDataset(),
		now:     time.Now,
	}
}

func (d *DiskStorage) Init(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := os.MkdirAll(filepath.Join(d.dataDir, "topics"), 0755); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageInit, err)
	}

	if err := d.loadTopics(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageInit, err)
	}

	logger.Infof("Disk storage initialized with %d topics", len(d.data.topics))
	return nil
}

func (d *DiskStorage) loadTopics() error {
	topicsDir := filepath.Join(d.dataDir, "topics")
	files, err := os.ReadDir(topicsDir)
	if err != nil {
		return err
	}

	for _, file := range files {
		if filepath.Ext(file.Name()) != ".json" {
			continue
		}
		topicID := strings.TrimSuffix(file.Name(), ".json")
		tf, err := d.loadTopicFile(topicID)
		if err != nil {
			logger.Errorf("Failed to load topic %s: %v", topicID, err)
			continue
		}
		d.data.topics[tf.Topic.ID] = tf.Topic
		for _, m := range tf.Messages {
			d.data.messages[m.ID] = m
		}
		for _, b := range tf.Blocks {
			d.data.blocks[b.ID] = b
		}
	}
	d.data.dirty = make(map[string]struct{})
	return d.saveTopicIndex(d.data)
}

func (d *DiskStorage) topicPath(topicID string) string {
	return filepath.Join(d.dataDir, "topics", topicID+".json")
}

func (d *DiskStorage) loadTopicFile(topicID string) (*topicFile, error) {
	data, err := os.ReadFile(d.topicPath(topicID))
	if err != nil {
		return nil, err
	}

	var tf topicFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return &tf, nil
}

func writeFileAtomic(path string, v any) error {
	tempPath := path + ".tmp"

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return err
	}

	return os.Rename(tempPath, path)
}

func (d *DiskStorage) saveTopicIndex(data *dataset) error {
	indexes := make([]*TopicIndex, 0, len(data.topics))
	for _, t := range data.listTopics() {
		indexes = append(indexes, &TopicIndex{
			ID:        t.ID,
			Title:     t.Title,
			CreatedAt: t.CreatedAt,
			UpdatedAt: t.UpdatedAt,
		})
	}
	return writeFileAtomic(filepath.Join(d.dataDir, "topics.json"), indexes)
}

// persist 把 data 中标记为脏的话题写回磁盘；已删除的话题删除文件
func (d *DiskStorage) persist(data *dataset) error {
	if len(data.dirty) == 0 {
		return nil
	}
	for topicID := range data.dirty {
		topic, exists := data.topics[topicID]
		if !exists {
			if err := os.Remove(d.topicPath(topicID)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("%w: %v", ErrFileOperation, err)
			}
			continue
		}

		tf := topicFile{Topic: topic}
		for _, m := range data.listMessages(topicID) {
			tf.Messages = append(tf.Messages, *m)
			for _, b := range data.listBlocks(m.ID) {
				tf.Blocks = append(tf.Blocks, *b)
			}
		}
		if err := writeFileAtomic(d.topicPath(topicID), tf); err != nil {
			return fmt.Errorf("%w: %v", ErrFileOperation, err)
		}
	}
	data.dirty = make(map[string]struct{})

	if err := d.saveTopicIndex(data); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}
	return nil
}

// mutate 在副本上修改并落盘，成功后才替换内存状态
func (d *DiskStorage) mutate(fn func(data *dataset) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	snapshot := d.data.clone()
	if err := fn(snapshot); err != nil {
		return err
	}
	if err := d.persist(snapshot); err != nil {
		return err
	}
	d.data = snapshot
	return nil
}

func (d *DiskStorage) writerFor(data *dataset) *writer {
	w := newWriter(data)
	w.now = d.now
	return w
}

func (d *DiskStorage) CreateTopic(_ context.Context, topic *model.Topic) error {
	return d.mutate(func(data *dataset) error {
		data.topics[topic.ID] = topic.Clone()
		data.markDirty(topic.ID)
		return nil
	})
}

func (d *DiskStorage) GetTopic(ctx context.Context, topicID string) (*model.Topic, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.data.getTopic(ctx, topicID)
}

func (d *DiskStorage) UpdateTopicTitle(_ context.Context, topicID, title string) error {
	return d.mutate(func(data *dataset) error {
		topic, exists := data.topics[topicID]
		if !exists {
			return ErrTopicNotFound
		}
		topic.Title = title
		topic.UpdatedAt = d.now()
		data.topics[topicID] = topic
		data.markDirty(topicID)
		return nil
	})
}

func (d *DiskStorage) DeleteTopic(_ context.Context, topicID string) error {
	return d.mutate(func(data *dataset) error {
		if _, exists := data.topics[topicID]; !exists {
			return ErrTopicNotFound
		}
		data.deleteTopic(topicID)
		return nil
	})
}

func (d *DiskStorage) ListTopics(context.Context) ([]*model.Topic, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.data.listTopics(), nil
}

func (d *DiskStorage) GetMessage(ctx context.Context, messageID string) (*model.Message, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.data.getMessage(ctx, messageID)
}

func (d *DiskStorage) ListMessages(_ context.Context, topicID string) ([]*model.Message, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if _, exists := d.data.topics[topicID]; !exists {
		return nil, ErrTopicNotFound
	}
	return d.data.listMessages(topicID), nil
}

func (d *DiskStorage) GetBlock(ctx context.Context, blockID string) (*model.Block, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.data.getBlock(ctx, blockID)
}

func (d *DiskStorage) ListBlocks(_ context.Context, messageID string) ([]*model.Block, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.data.listBlocks(messageID), nil
}

func (d *DiskStorage) SaveMessage(ctx context.Context, msg *model.Message) error {
	return d.mutate(func(data *dataset) error {
		return d.writerFor(data).SaveMessage(ctx, msg)
	})
}

func (d *DiskStorage) UpdateMessage(ctx context.Context, messageID string, changes model.MessageChanges) error {
	return d.mutate(func(data *dataset) error {
		return d.writerFor(data).UpdateMessage(ctx, messageID, changes)
	})
}

func (d *DiskStorage) SaveBlock(ctx context.Context, block *model.Block) error {
	return d.mutate(func(data *dataset) error {
		return d.writerFor(data).SaveBlock(ctx, block)
	})
}

func (d *DiskStorage) UpdateBlock(ctx context.Context, blockID string, changes model.BlockChanges) error {
	return d.mutate(func(data *dataset) error {
		return d.writerFor(data).UpdateBlock(ctx, blockID, changes)
	})
}

func (d *DiskStorage) UpsertTopicMessage(ctx context.Context, topicID string, msg *model.Message) error {
	return d.mutate(func(data *dataset) error {
		return d.writerFor(data).UpsertTopicMessage(ctx, topicID, msg)
	})
}

func (d *DiskStorage) Transaction(_ context.Context, fn func(tx Tx) error) error {
	return d.mutate(func(data *dataset) error {
		return fn(d.writerFor(data))
	})
}

func (d *DiskStorage) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.data = newDataset()
	return nil
}
