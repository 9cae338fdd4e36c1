package handler

import (
	"time"

	"llmhouse-backend/internal/model"
	"llmhouse-backend/internal/state"
	"llmhouse-backend/internal/utils"
	"llmhouse-backend/pkg/logger"

	"github.com/gin-gonic/gin"
)

// HeartbeatInterval 空闲连接的心跳间隔
var HeartbeatInterval = 15 * time.Second

// streamMessage 先推送当前快照，再推送增量，消息进入终态后结束。
// 客户端断开不影响后台生成。
func (h *ChatHandler) streamMessage(c *gin.Context, messageID string, created *model.SendMessageResponse) {
	st := h.chatService.State()
	sub := st.Subscribe(messageID)
	defer sub.Close()

	snapshot, live := h.snapshot(c, st, messageID)
	if snapshot == nil {
		return
	}

	sse := utils.NewSSEWriter(c.Writer)
	c.Status(200)
	if created != nil {
		if err := sse.WriteJSON("created", created); err != nil {
			return
		}
	}
	if err := sse.WriteJSON("snapshot", snapshot); err != nil {
		return
	}
	if !live || snapshot.Status.IsTerminal() {
		h.finish(c, sse, messageID)
		return
	}

	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			logger.Debugf("SSE client for %s disconnected", messageID)
			return
		case <-heartbeat.C:
			if err := sse.Comment("heartbeat"); err != nil {
				return
			}
			// 订阅者积压时更新会被丢弃，终态可能漏收
			if msg, ok := st.Message(messageID); !ok || msg.Status.IsTerminal() {
				h.finish(c, sse, messageID)
				return
			}
		case u, ok := <-sub.C():
			if !ok {
				h.finish(c, sse, messageID)
				return
			}
			if err := writeUpdate(sse, u); err != nil {
				logger.Warnf("Failed to write SSE update for %s: %v", messageID, err)
				return
			}
			if u.Kind == state.MessageUpdated && u.Message != nil && u.Message.Status.IsTerminal() {
				h.finish(c, sse, messageID)
				return
			}
		}
	}
}

// snapshot 优先取进程内状态；已被释放的消息从持久化存储读取，live 为 false
func (h *ChatHandler) snapshot(c *gin.Context, st *state.Store, messageID string) (*model.MessageView, bool) {
	if msg, ok := st.Message(messageID); ok {
		return &model.MessageView{Message: msg, BlockItems: st.Blocks(messageID)}, true
	}
	view, err := h.chatService.GetMessage(c.Request.Context(), messageID)
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	return view, false
}

func (h *ChatHandler) finish(c *gin.Context, sse *utils.SSEWriter, messageID string) {
	if view, err := h.chatService.GetMessage(c.Request.Context(), messageID); err == nil {
		_ = sse.WriteJSON("done", view)
	}
	_ = sse.Close()
}

func writeUpdate(sse *utils.SSEWriter, u state.Update) error {
	switch u.Kind {
	case state.BlockAdded, state.BlockUpdated:
		return sse.WriteJSON("block", u)
	default:
		return sse.WriteJSON("message", u)
	}
}
