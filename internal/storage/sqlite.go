package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"llmhouse-backend/internal/model"
	"llmhouse-backend/pkg/logger"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type topicRecord struct {
	ID        string          `gorm:"primaryKey;size:64"`
	Title     string          `gorm:"size:255"`
	Messages  []model.Message `gorm:"serializer:json"`
	CreatedAt time.Time       `gorm:"autoCreateTime:false"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime:false;index"`
}

func (topicRecord) TableName() string { return "topics" }

type messageRecord struct {
	ID        string    `gorm:"primaryKey;size:64"`
	TopicID   string    `gorm:"index;size:64"`
	Role      string    `gorm:"size:16"`
	Status    string    `gorm:"size:16"`
	Blocks    []string  `gorm:"serializer:json"`
	CreatedAt time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt time.Time `gorm:"autoUpdateTime:false"`
}

func (messageRecord) TableName() string { return "messages" }

type blockRecord struct {
	ID                 string             `gorm:"primaryKey;size:64"`
	MessageID          string             `gorm:"index;size:64"`
	Type               string             `gorm:"size:16"`
	Content            string             `gorm:"type:text"`
	Status             string             `gorm:"size:16"`
	ThinkingMillis     int64
	ToolID             string             `gorm:"size:128"`
	ToolName           string             `gorm:"size:128"`
	Arguments          string             `gorm:"type:text"`
	ToolDurationMillis int64
	Error              *model.ErrorDetail `gorm:"serializer:json"`
	CreatedAt          time.Time          `gorm:"autoCreateTime:false"`
	UpdatedAt          time.Time          `gorm:"autoUpdateTime:false"`
}

func (blockRecord) TableName() string { return "blocks" }

func toTopicRecord(t *model.Topic) *topicRecord {
	return &topicRecord{ID: t.ID, Title: t.Title, Messages: t.Clone().Messages, CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt}
}

func (r *topicRecord) toModel() *model.Topic {
	return &model.Topic{ID: r.ID, Title: r.Title, Messages: r.Messages, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt}
}

func toMessageRecord(m *model.Message) *messageRecord {
	return &messageRecord{
		ID:        m.ID,
		TopicID:   m.TopicID,
		Role:      string(m.Role),
		Status:    string(m.Status),
		Blocks:    append([]string(nil), m.Blocks...),
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func (r *messageRecord) toModel() *model.Message {
	return &model.Message{
		ID:        r.ID,
		TopicID:   r.TopicID,
		Role:      model.Role(r.Role),
		Status:    model.MessageStatus(r.Status),
		Blocks:    r.Blocks,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func toBlockRecord(b *model.Block) *blockRecord {
	c := b.Clone()
	return &blockRecord{
		ID:                 c.ID,
		MessageID:          c.MessageID,
		Type:               string(c.Type),
		Content:            c.Content,
		Status:             string(c.Status),
		ThinkingMillis:     c.ThinkingMillis,
		ToolID:             c.ToolID,
		ToolName:           c.ToolName,
		Arguments:          c.Arguments,
		ToolDurationMillis: c.ToolDurationMillis,
		Error:              c.Error,
		CreatedAt:          c.CreatedAt,
		UpdatedAt:          c.UpdatedAt,
	}
}

func (r *blockRecord) toModel() *model.Block {
	return &model.Block{
		ID:                 r.ID,
		MessageID:          r.MessageID,
		Type:               model.BlockType(r.Type),
		Content:            r.Content,
		Status:             model.BlockStatus(r.Status),
		ThinkingMillis:     r.ThinkingMillis,
		ToolID:             r.ToolID,
		ToolName:           r.ToolName,
		Arguments:          r.Arguments,
		ToolDurationMillis: r.ToolDurationMillis,
		Error:              r.Error,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

// gormIO 基于 *gorm.DB 的实体读写，db 可以是根连接也可以是事务
type gormIO struct {
	db *gorm.DB
}

func (g gormIO) getTopic(ctx context.Context, id string) (*model.Topic, error) {
	var rec topicRecord
	if err := g.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTopicNotFound
		}
		return nil, err
	}
	return rec.toModel(), nil
}

func (g gormIO) getMessage(ctx context.Context, id string) (*model.Message, error) {
	var rec messageRecord
	if err := g.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return rec.toModel(), nil
}

func (g gormIO) getBlock(ctx context.Context, id string) (*model.Block, error) {
	var rec blockRecord
	if err := g.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBlockNotFound
		}
		return nil, err
	}
	return rec.toModel(), nil
}

func (g gormIO) putTopic(ctx context.Context, topic *model.Topic) error {
	return g.db.WithContext(ctx).Save(toTopicRecord(topic)).Error
}

func (g gormIO) putMessage(ctx context.Context, msg *model.Message) error {
	return g.db.WithContext(ctx).Save(toMessageRecord(msg)).Error
}

func (g gormIO) putBlock(ctx context.Context, block *model.Block) error {
	return g.db.WithContext(ctx).Save(toBlockRecord(block)).Error
}

// SQLiteStorage 通过 GORM 把话题、消息和块保存在 SQLite 中
type SQLiteStorage struct {
	db     *gorm.DB
	dbPath string
	// mu 串行化读改写，避免同一实体上的更新互相覆盖
	mu  sync.Mutex
	now func() time.Time
}

func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageInit, err)
	}

	dsn := dbPath + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=1"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %v", ErrStorageInit, err)
	}

	return &SQLiteStorage{db: db, dbPath: dbPath, now: time.Now}, nil
}

func (s *SQLiteStorage) Init(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&topicRecord{}, &messageRecord{}, &blockRecord{}); err != nil {
		return fmt.Errorf("%w: migrate: %v", ErrStorageInit, err)
	}
	logger.Infof("SQLite storage initialized: %s", s.dbPath)
	return nil
}

func (s *SQLiteStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLiteStorage) writerFor(db *gorm.DB) *writer {
	w := newWriter(gormIO{db: db})
	w.now = s.now
	return w
}

func (s *SQLiteStorage) CreateTopic(ctx context.Context, topic *model.Topic) error {
	return s.db.WithContext(ctx).Create(toTopicRecord(topic)).Error
}

func (s *SQLiteStorage) GetTopic(ctx context.Context, topicID string) (*model.Topic, error) {
	return gormIO{db: s.db}.getTopic(ctx, topicID)
}

func (s *SQLiteStorage) UpdateTopicTitle(ctx context.Context, topicID, title string) error {
	result := s.db.WithContext(ctx).Model(&topicRecord{}).Where("id = ?", topicID).
		Updates(map[string]any{"title": title, "updated_at": s.now()})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTopicNotFound
	}
	return nil
}

func (s *SQLiteStorage) DeleteTopic(ctx context.Context, topicID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Delete(&topicRecord{}, "id = ?", topicID)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrTopicNotFound
		}
		messageIDs := tx.Model(&messageRecord{}).Select("id").Where("topic_id = ?", topicID)
		if err := tx.Where("message_id IN (?)", messageIDs).Delete(&blockRecord{}).Error; err != nil {
			return err
		}
		return tx.Where("topic_id = ?", topicID).Delete(&messageRecord{}).Error
	})
}

func (s *SQLiteStorage) ListTopics(ctx context.Context) ([]*model.Topic, error) {
	var records []topicRecord
	if err := s.db.WithContext(ctx).Order("updated_at desc").Find(&records).Error; err != nil {
		return nil, err
	}
	topics := make([]*model.Topic, 0, len(records))
	for i := range records {
		topics = append(topics, records[i].toModel())
	}
	return topics, nil
}

func (s *SQLiteStorage) GetMessage(ctx context.Context, messageID string) (*model.Message, error) {
	return gormIO{db: s.db}.getMessage(ctx, messageID)
}

func (s *SQLiteStorage) ListMessages(ctx context.Context, topicID string) ([]*model.Message, error) {
	if _, err := s.GetTopic(ctx, topicID); err != nil {
		return nil, err
	}
	var records []messageRecord
	if err := s.db.WithContext(ctx).Where("topic_id = ?", topicID).Order("created_at asc").Find(&records).Error; err != nil {
		return nil, err
	}
	messages := make([]*model.Message, 0, len(records))
	for i := range records {
		messages = append(messages, records[i].toModel())
	}
	return messages, nil
}

func (s *SQLiteStorage) GetBlock(ctx context.Context, blockID string) (*model.Block, error) {
	return gormIO{db: s.db}.getBlock(ctx, blockID)
}

func (s *SQLiteStorage) ListBlocks(ctx context.Context, messageID string) ([]*model.Block, error) {
	var records []blockRecord
	if err := s.db.WithContext(ctx).Where("message_id = ?", messageID).Find(&records).Error; err != nil {
		return nil, err
	}
	blocks := make([]*model.Block, 0, len(records))
	for i := range records {
		blocks = append(blocks, records[i].toModel())
	}

	var order []string
	if msg, err := s.GetMessage(ctx, messageID); err == nil {
		order = msg.Blocks
	}
	sortBlocks(blocks, order)
	return blocks, nil
}

func (s *SQLiteStorage) SaveMessage(ctx context.Context, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writerFor(s.db).SaveMessage(ctx, msg)
}

func (s *SQLiteStorage) UpdateMessage(ctx context.Context, messageID string, changes model.MessageChanges) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writerFor(s.db).UpdateMessage(ctx, messageID, changes)
}

func (s *SQLiteStorage) SaveBlock(ctx context.Context, block *model.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writerFor(s.db).SaveBlock(ctx, block)
}

func (s *SQLiteStorage) UpdateBlock(ctx context.Context, blockID string, changes model.BlockChanges) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writerFor(s.db).UpdateBlock(ctx, blockID, changes)
}

func (s *SQLiteStorage) UpsertTopicMessage(ctx context.Context, topicID string, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writerFor(s.db).UpsertTopicMessage(ctx, topicID, msg)
}

func (s *SQLiteStorage) Transaction(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(s.writerFor(tx))
	})
}
