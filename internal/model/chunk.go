package model

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

type ChunkType string

const (
	ChunkResponseCreated  ChunkType = "response-created"
	ChunkTextDelta        ChunkType = "text-delta"
	ChunkTextComplete     ChunkType = "text-complete"
	ChunkThinkingDelta    ChunkType = "thinking-delta"
	ChunkThinkingComplete ChunkType = "thinking-complete"
	ChunkToolInProgress   ChunkType = "tool-in-progress"
	ChunkToolComplete     ChunkType = "tool-complete"
	ChunkResponseComplete ChunkType = "response-complete"
	ChunkError            ChunkType = "error"
)

// ChunkTypes 全部变体，顺序与定义一致
var ChunkTypes = []ChunkType{
	ChunkResponseCreated,
	ChunkTextDelta,
	ChunkTextComplete,
	ChunkThinkingDelta,
	ChunkThinkingComplete,
	ChunkToolInProgress,
	ChunkToolComplete,
	ChunkResponseComplete,
	ChunkError,
}

// Chunk 响应流中的一个归一化事件。
// 接口带有未导出方法，只有本包内定义的变体可以实现它。
type Chunk interface {
	Type() ChunkType
	sealed()
}

type ResponseCreated struct{}

type TextDelta struct {
	Text string `json:"text"`
}

type TextComplete struct {
	Text string `json:"text"`
}

type ThinkingDelta struct {
	Text      string `json:"text"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

type ThinkingComplete struct {
	Text      string `json:"text"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

type ToolStatus string

const (
	ToolInvoking ToolStatus = "invoking"
	ToolDone     ToolStatus = "done"
	ToolError    ToolStatus = "error"
)

type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

type ToolResult struct {
	ID       string     `json:"id"`
	Name     string     `json:"name,omitempty"`
	Status   ToolStatus `json:"status"`
	Response string     `json:"response,omitempty"`
	Error    string     `json:"error,omitempty"`
}

type ToolInProgress struct {
	Calls []ToolCall `json:"tool_calls"`
}

type ToolComplete struct {
	Results []ToolResult `json:"tool_results"`
}

type ResponseComplete struct {
	// Text 可选：供应商在结束事件里附带的完整文本，可能过期
	Text string `json:"text,omitempty"`
}

type ErrorChunk struct {
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

func (ResponseCreated) Type() ChunkType  { return ChunkResponseCreated }
func (TextDelta) Type() ChunkType        { return ChunkTextDelta }
func (TextComplete) Type() ChunkType     { return ChunkTextComplete }
func (ThinkingDelta) Type() ChunkType    { return ChunkThinkingDelta }
func (ThinkingComplete) Type() ChunkType { return ChunkThinkingComplete }
func (ToolInProgress) Type() ChunkType   { return ChunkToolInProgress }
func (ToolComplete) Type() ChunkType     { return ChunkToolComplete }
func (ResponseComplete) Type() ChunkType { return ChunkResponseComplete }
func (ErrorChunk) Type() ChunkType       { return ChunkError }

func (ResponseCreated) sealed()  {}
func (TextDelta) sealed()        {}
func (TextComplete) sealed()     {}
func (ThinkingDelta) sealed()    {}
func (ThinkingComplete) sealed() {}
func (ToolInProgress) sealed()   {}
func (ToolComplete) sealed()     {}
func (ResponseComplete) sealed() {}
func (ErrorChunk) sealed()       {}

var ErrUnknownChunkType = errors.New("unknown chunk type")

// DecodeChunk 解析 {"type": "...", ...} 形式的 JSON 事件
func DecodeChunk(raw []byte) (Chunk, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("invalid chunk json: %q", truncate(string(raw), 80))
	}
	typ := ChunkType(gjson.GetBytes(raw, "type").String())

	var chunk Chunk
	var err error
	switch typ {
	case ChunkResponseCreated:
		chunk = ResponseCreated{}
	case ChunkTextDelta:
		chunk, err = decodeInto[TextDelta](raw)
	case ChunkTextComplete:
		chunk, err = decodeInto[TextComplete](raw)
	case ChunkThinkingDelta:
		chunk, err = decodeInto[ThinkingDelta](raw)
	case ChunkThinkingComplete:
		chunk, err = decodeInto[ThinkingComplete](raw)
	case ChunkToolInProgress:
		chunk, err = decodeInto[ToolInProgress](raw)
	case ChunkToolComplete:
		chunk, err = decodeInto[ToolComplete](raw)
	case ChunkResponseComplete:
		chunk, err = decodeInto[ResponseComplete](raw)
	case ChunkError:
		chunk, err = decodeInto[ErrorChunk](raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownChunkType, typ)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s chunk: %w", typ, err)
	}
	return chunk, nil
}

func decodeInto[T Chunk](raw []byte) (Chunk, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// EncodeChunk 与 DecodeChunk 对应，输出带 type 字段的 JSON
func EncodeChunk(c Chunk) ([]byte, error) {
	body, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	typ, _ := json.Marshal(c.Type())
	fields["type"] = typ
	return json.Marshal(fields)
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
