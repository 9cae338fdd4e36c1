package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"llmhouse-backend/internal/config"
	"llmhouse-backend/internal/events"
	"llmhouse-backend/internal/model"
	"llmhouse-backend/internal/state"
	"llmhouse-backend/internal/storage"
	"llmhouse-backend/internal/stream"
	"llmhouse-backend/pkg/logger"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// maxChunkLine 单行事件的上限
const maxChunkLine = 4 << 20

func replayCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay [file]",
		Short: "Run a recorded JSONL chunk stream through the response engine",
		Long: `Replay reads one chunk per line ({"type": "text-delta", "text": "..."}),
feeds them to a response session backed by in-memory storage and prints
the final message with its blocks. Reads stdin when file is omitted or "-".`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			in := io.Reader(os.Stdin)
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			view, err := replay(cmd.Context(), in, cfg.Stream)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(view)
		},
	}
	return cmd
}

// replay 工具事件和 service 一样绕过事件通道直接投递，
// 这样 response-complete 之后记录的结果仍能被等待中的收尾收到
func replay(ctx context.Context, in io.Reader, cfg config.StreamConfig) (*model.MessageView, error) {
	store := storage.NewMemoryStorage()
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	defer store.Close()
	st := state.NewStore()

	now := time.Now()
	topic := &model.Topic{ID: uuid.NewString(), Title: "replay", CreatedAt: now, UpdatedAt: now}
	if err := store.CreateTopic(ctx, topic); err != nil {
		return nil, err
	}
	msg := &model.Message{
		ID:        uuid.NewString(),
		TopicID:   topic.ID,
		Role:      model.RoleAssistant,
		Status:    model.MessagePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.Transaction(ctx, func(tx storage.Tx) error {
		if err := tx.SaveMessage(ctx, msg); err != nil {
			return err
		}
		return tx.UpsertTopicMessage(ctx, topic.ID, msg)
	}); err != nil {
		return nil, err
	}
	st.PutMessage(*msg)

	session := stream.NewResponseSession(ctx, *msg, "", stream.Dependencies{
		State: st,
		Store: store,
		Bus:   events.NewBus(),
	}, stream.Options{
		ThrottleInterval: cfg.ThrottleInterval,
		ToolWaitTimeout:  cfg.ToolWaitTimeout,
		DeltaMode:        stream.ParseDeltaMode(cfg.DeltaMode),
	})
	if err := session.Start(ctx); err != nil {
		return nil, err
	}

	chunks := make(chan model.Chunk)
	readErr := make(chan error, 1)
	go func() {
		defer close(chunks)
		readErr <- feed(ctx, in, session, chunks)
	}()

	if err := session.Run(ctx, chunks); err != nil {
		logger.Warnf("Replay finished with error: %v", err)
	}
	select {
	case err := <-readErr:
		if err != nil {
			return nil, err
		}
	default:
	}

	stored, err := store.GetMessage(ctx, msg.ID)
	if err != nil {
		return nil, err
	}
	blocks, err := store.ListBlocks(ctx, msg.ID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]model.Block, len(blocks))
	for _, b := range blocks {
		byID[b.ID] = *b
	}
	view := &model.MessageView{Message: *stored}
	for _, id := range stored.Blocks {
		if b, ok := byID[id]; ok {
			view.BlockItems = append(view.BlockItems, b)
		}
	}
	return view, nil
}

func feed(ctx context.Context, in io.Reader, session *stream.ResponseSession, out chan<- model.Chunk) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxChunkLine)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		chunk, err := model.DecodeChunk(raw)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		switch chunk.(type) {
		case model.ToolInProgress, model.ToolComplete:
			if err := session.HandleChunk(ctx, chunk); err != nil {
				logger.Warnf("Replay line %d: %v", line, err)
			}
			continue
		}
		select {
		case out <- chunk:
		case <-session.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return scanner.Err()
}
