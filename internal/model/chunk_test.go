package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeChunk(t *testing.T) {
	cases := []struct {
		raw  string
		want Chunk
	}{
		{`{"type":"response-created"}`, ResponseCreated{}},
		{`{"type":"text-delta","text":"Hel"}`, TextDelta{Text: "Hel"}},
		{`{"type":"text-complete","text":"Hello"}`, TextComplete{Text: "Hello"}},
		{`{"type":"thinking-delta","text":"hmm","elapsed_ms":120}`, ThinkingDelta{Text: "hmm", ElapsedMs: 120}},
		{`{"type":"thinking-complete","text":"hmm.","elapsed_ms":300}`, ThinkingComplete{Text: "hmm.", ElapsedMs: 300}},
		{
			`{"type":"tool-in-progress","tool_calls":[{"id":"t1","name":"search","arguments":"{}"}]}`,
			ToolInProgress{Calls: []ToolCall{{ID: "t1", Name: "search", Arguments: "{}"}}},
		},
		{
			`{"type":"tool-complete","tool_results":[{"id":"t1","status":"done","response":"ok"}]}`,
			ToolComplete{Results: []ToolResult{{ID: "t1", Status: ToolDone, Response: "ok"}}},
		},
		{`{"type":"response-complete"}`, ResponseComplete{}},
		{`{"type":"error","message":"boom","kind":"server"}`, ErrorChunk{Message: "boom", Kind: "server"}},
	}

	for _, tc := range cases {
		got, err := DecodeChunk([]byte(tc.raw))
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, got)
	}
}

func TestDecodeChunkCoversEveryType(t *testing.T) {
	for _, typ := range ChunkTypes {
		_, err := DecodeChunk([]byte(`{"type":"` + string(typ) + `"}`))
		assert.NoError(t, err, typ)
	}
}

func TestDecodeChunkRejectsUnknown(t *testing.T) {
	_, err := DecodeChunk([]byte(`{"type":"audio-delta"}`))
	assert.ErrorIs(t, err, ErrUnknownChunkType)

	_, err = DecodeChunk([]byte(`not json`))
	assert.Error(t, err)
}

func TestEncodeChunkRoundTrip(t *testing.T) {
	in := ThinkingDelta{Text: "step 1", ElapsedMs: 42}
	raw, err := EncodeChunk(in)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"thinking-delta"`)

	out, err := DecodeChunk(raw)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
