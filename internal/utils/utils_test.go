package utils

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSSEWriterFormatsEvents(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewSSEWriter(rec)

	require.NoError(t, w.WriteJSON("block", map[string]string{"id": "b1"}))
	require.NoError(t, w.Write("", "line1\nline2"))
	require.NoError(t, w.Close())

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t,
		"event: block\ndata: {\"id\":\"b1\"}\n\n"+
			"data: line1\ndata: line2\n\n"+
			"data: [DONE]\n\n",
		rec.Body.String())
}

func TestRedactJSON(t *testing.T) {
	in := `{"model":"m","api_key":"sk-123","nested":{"Token": "abc"}}`
	out := RedactJSON(in)
	assert.NotContains(t, out, "sk-123")
	assert.NotContains(t, out, "abc")
	assert.Contains(t, out, `"model":"m"`)
}

func TestSensitiveHeaders(t *testing.T) {
	assert.True(t, isSensitiveHeader("Authorization"))
	assert.True(t, isSensitiveHeader("X-Api-Key"))
	assert.False(t, isSensitiveHeader("Content-Type"))
}
