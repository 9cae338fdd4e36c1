package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"llmhouse-backend/internal/model"
	"llmhouse-backend/pkg/logger"

	"github.com/redis/go-redis/v9"
)

const redisTxRetries = 5

// RedisStorage 每个实体一个 JSON 键，配合集合键维护话题→消息→块的归属。
// 所有写操作都走 WATCH/MULTI 乐观事务。
type RedisStorage struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisStorage(addr, password string, db int, prefix string) (*RedisStorage, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("%w: redis address is required", ErrStorageInit)
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "llmhouse:"
	}
	if !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisStorage{client: client, prefix: prefix, now: time.Now}, nil
}

func (s *RedisStorage) Init(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("%w: redis ping failed: %v", ErrStorageInit, err)
	}
	logger.Infof("Redis storage initialized with prefix %s", s.prefix)
	return nil
}

func (s *RedisStorage) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStorage) topicKey(id string) string         { return s.prefix + "topic:" + id }
func (s *RedisStorage) topicsKey() string                 { return s.prefix + "topics" }
func (s *RedisStorage) topicMessagesKey(id string) string { return s.prefix + "topic:" + id + ":messages" }
func (s *RedisStorage) messageKey(id string) string       { return s.prefix + "message:" + id }
func (s *RedisStorage) messageBlocksKey(id string) string { return s.prefix + "message:" + id + ":blocks" }
func (s *RedisStorage) blockKey(id string) string         { return s.prefix + "block:" + id }

// redisTx 在一次 WATCH 事务中暂存写入，读取时先查暂存区再读 redis 并 WATCH 对应键
type redisTx struct {
	s       *RedisStorage
	tx      *redis.Tx
	staged  map[string][]byte
	members map[string][]string
}

func (r *redisTx) load(ctx context.Context, key string, v any, notFound error) error {
	if data, ok := r.staged[key]; ok {
		return json.Unmarshal(data, v)
	}
	if err := r.tx.Watch(ctx, key).Err(); err != nil {
		return err
	}
	data, err := r.tx.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return notFound
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return nil
}

func (r *redisTx) stage(key string, v any, setKey, member string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	r.staged[key] = data
	r.members[setKey] = append(r.members[setKey], member)
	return nil
}

func (r *redisTx) getTopic(ctx context.Context, id string) (*model.Topic, error) {
	var t model.Topic
	if err := r.load(ctx, r.s.topicKey(id), &t, ErrTopicNotFound); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *redisTx) getMessage(ctx context.Context, id string) (*model.Message, error) {
	var m model.Message
	if err := r.load(ctx, r.s.messageKey(id), &m, ErrMessageNotFound); err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *redisTx) getBlock(ctx context.Context, id string) (*model.Block, error) {
	var b model.Block
	if err := r.load(ctx, r.s.blockKey(id), &b, ErrBlockNotFound); err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *redisTx) putTopic(_ context.Context, topic *model.Topic) error {
	return r.stage(r.s.topicKey(topic.ID), topic, r.s.topicsKey(), topic.ID)
}

func (r *redisTx) putMessage(_ context.Context, msg *model.Message) error {
	return r.stage(r.s.messageKey(msg.ID), msg, r.s.topicMessagesKey(msg.TopicID), msg.ID)
}

func (r *redisTx) putBlock(_ context.Context, block *model.Block) error {
	return r.stage(r.s.blockKey(block.ID), block, r.s.messageBlocksKey(block.MessageID), block.ID)
}

func (r *redisTx) commit(ctx context.Context) error {
	if len(r.staged) == 0 {
		return nil
	}
	_, err := r.tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for key, data := range r.staged {
			pipe.Set(ctx, key, data, 0)
		}
		for setKey, members := range r.members {
			args := make([]any, len(members))
			for i, m := range members {
				args[i] = m
			}
			pipe.SAdd(ctx, setKey, args...)
		}
		return nil
	})
	return err
}

// watch 乐观事务：被并发修改时整体重试
func (s *RedisStorage) watch(ctx context.Context, fn func(rt *redisTx) error) error {
	for attempt := 0; attempt < redisTxRetries; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			rt := &redisTx{s: s, tx: tx, staged: map[string][]byte{}, members: map[string][]string{}}
			if err := fn(rt); err != nil {
				return err
			}
			return rt.commit(ctx)
		})
		if errors.Is(err, redis.TxFailedErr) {
			logger.Debugf("Redis transaction conflict, retrying (attempt %d)", attempt+1)
			continue
		}
		return err
	}
	return fmt.Errorf("redis transaction: %w", redis.TxFailedErr)
}

func (s *RedisStorage) Transaction(ctx context.Context, fn func(tx Tx) error) error {
	return s.watch(ctx, func(rt *redisTx) error {
		w := newWriter(rt)
		w.now = s.now
		return fn(w)
	})
}

func (s *RedisStorage) SaveMessage(ctx context.Context, msg *model.Message) error {
	return s.Transaction(ctx, func(tx Tx) error { return tx.SaveMessage(ctx, msg) })
}

func (s *RedisStorage) UpdateMessage(ctx context.Context, messageID string, changes model.MessageChanges) error {
	return s.Transaction(ctx, func(tx Tx) error { return tx.UpdateMessage(ctx, messageID, changes) })
}

func (s *RedisStorage) SaveBlock(ctx context.Context, block *model.Block) error {
	return s.Transaction(ctx, func(tx Tx) error { return tx.SaveBlock(ctx, block) })
}

func (s *RedisStorage) UpdateBlock(ctx context.Context, blockID string, changes model.BlockChanges) error {
	return s.Transaction(ctx, func(tx Tx) error { return tx.UpdateBlock(ctx, blockID, changes) })
}

func (s *RedisStorage) UpsertTopicMessage(ctx context.Context, topicID string, msg *model.Message) error {
	return s.Transaction(ctx, func(tx Tx) error { return tx.UpsertTopicMessage(ctx, topicID, msg) })
}

func (s *RedisStorage) CreateTopic(ctx context.Context, topic *model.Topic) error {
	data, err := json.Marshal(topic)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.topicKey(topic.ID), data, 0)
	pipe.SAdd(ctx, s.topicsKey(), topic.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStorage) GetTopic(ctx context.Context, topicID string) (*model.Topic, error) {
	var t model.Topic
	if err := s.get(ctx, s.topicKey(topicID), &t, ErrTopicNotFound); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *RedisStorage) UpdateTopicTitle(ctx context.Context, topicID, title string) error {
	return s.watch(ctx, func(rt *redisTx) error {
		topic, err := rt.getTopic(ctx, topicID)
		if err != nil {
			return err
		}
		topic.Title = title
		topic.UpdatedAt = s.now()
		return rt.putTopic(ctx, topic)
	})
}

func (s *RedisStorage) DeleteTopic(ctx context.Context, topicID string) error {
	if _, err := s.GetTopic(ctx, topicID); err != nil {
		return err
	}
	messageIDs, err := s.client.SMembers(ctx, s.topicMessagesKey(topicID)).Result()
	if err != nil {
		return err
	}

	keys := []string{s.topicKey(topicID), s.topicMessagesKey(topicID)}
	for _, mid := range messageIDs {
		blockIDs, err := s.client.SMembers(ctx, s.messageBlocksKey(mid)).Result()
		if err != nil {
			return err
		}
		keys = append(keys, s.messageKey(mid), s.messageBlocksKey(mid))
		for _, bid := range blockIDs {
			keys = append(keys, s.blockKey(bid))
		}
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.SRem(ctx, s.topicsKey(), topicID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStorage) ListTopics(ctx context.Context) ([]*model.Topic, error) {
	ids, err := s.client.SMembers(ctx, s.topicsKey()).Result()
	if err != nil {
		return nil, err
	}
	topics, err := mgetJSON[model.Topic](ctx, s.client, keysFor(ids, s.topicKey))
	if err != nil {
		return nil, err
	}
	sort.Slice(topics, func(i, j int) bool {
		return topics[i].UpdatedAt.After(topics[j].UpdatedAt)
	})
	return topics, nil
}

func (s *RedisStorage) GetMessage(ctx context.Context, messageID string) (*model.Message, error) {
	var m model.Message
	if err := s.get(ctx, s.messageKey(messageID), &m, ErrMessageNotFound); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *RedisStorage) ListMessages(ctx context.Context, topicID string) ([]*model.Message, error) {
	if _, err := s.GetTopic(ctx, topicID); err != nil {
		return nil, err
	}
	ids, err := s.client.SMembers(ctx, s.topicMessagesKey(topicID)).Result()
	if err != nil {
		return nil, err
	}
	messages, err := mgetJSON[model.Message](ctx, s.client, keysFor(ids, s.messageKey))
	if err != nil {
		return nil, err
	}
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
	return messages, nil
}

func (s *RedisStorage) GetBlock(ctx context.Context, blockID string) (*model.Block, error) {
	var b model.Block
	if err := s.get(ctx, s.blockKey(blockID), &b, ErrBlockNotFound); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *RedisStorage) ListBlocks(ctx context.Context, messageID string) ([]*model.Block, error) {
	ids, err := s.client.SMembers(ctx, s.messageBlocksKey(messageID)).Result()
	if err != nil {
		return nil, err
	}
	blocks, err := mgetJSON[model.Block](ctx, s.client, keysFor(ids, s.blockKey))
	if err != nil {
		return nil, err
	}
	var order []string
	if msg, err := s.GetMessage(ctx, messageID); err == nil {
		order = msg.Blocks
	}
	sortBlocks(blocks, order)
	return blocks, nil
}

func (s *RedisStorage) get(ctx context.Context, key string, v any, notFound error) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return notFound
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return nil
}

func keysFor(ids []string, keyFn func(string) string) []string {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyFn(id)
	}
	return keys
}

// mgetJSON 批量读取，跳过已经被删除的键
func mgetJSON[T any](ctx context.Context, client *redis.Client, keys []string) ([]*T, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	values, err := client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(values))
	for i, raw := range values {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		var v T
		if err := json.Unmarshal([]byte(str), &v); err != nil {
			logger.Warnf("Skipping corrupt redis value %s: %v", keys[i], err)
			continue
		}
		out = append(out, &v)
	}
	return out, nil
}
