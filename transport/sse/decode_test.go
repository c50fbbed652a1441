package sse_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/BaSui01/notegen/transport/sse"
	"github.com/BaSui01/notegen/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func decodeAll(t *testing.T, input string) []types.Event {
	t.Helper()
	var events []types.Event
	err := sse.Decode(strings.NewReader(input), func(ev types.Event) bool {
		events = append(events, ev)
		return true
	}, zap.NewNop())
	require.NoError(t, err)
	return events
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []types.Event
	}{
		{
			name:  "typed payload",
			input: "event: chunk\ndata: {\"type\":\"chunk\",\"chunk\":\"ab\",\"fullText\":\"ab\"}\n\n",
			want:  []types.Event{{Type: types.EventChunk, Chunk: "ab", FullText: "ab"}},
		},
		{
			name:  "event name fills missing type",
			input: "event: ping\ndata: {}\n\n",
			want:  []types.Event{{Type: types.EventPing}},
		},
		{
			name:  "comments and crlf",
			input: ": keep-alive\r\nevent: end\r\ndata: {\"fullText\":\"done\"}\r\n\r\n",
			want:  []types.Event{{Type: types.EventEnd, FullText: "done"}},
		},
		{
			name:  "multi-line data",
			input: "event: error\ndata: {\"message\":\ndata: \"boom\"}\n\n",
			want:  []types.Event{{Type: types.EventError, Message: "boom"}},
		},
		{
			name:  "malformed frame dropped",
			input: "event: chunk\ndata: {not json\n\nevent: end\ndata: {}\n\n",
			want:  []types.Event{{Type: types.EventEnd}},
		},
		{
			name:  "untyped frame dropped",
			input: "data: {\"chunk\":\"x\"}\n\n",
			want:  nil,
		},
		{
			name:  "trailing frame without blank line dropped",
			input: "event: end\ndata: {}",
			want:  nil,
		},
		{
			name:  "connection cut mid frame",
			input: "event: chunk\ndata: {\"type\":\"chunk\",\"chunk\":\"a\"}\n\nevent: end\ndata: {\"type\":\"end\",\"fullText\":\"a\"}\n",
			want:  []types.Event{{Type: types.EventChunk, Chunk: "a"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, decodeAll(t, tt.input))
		})
	}
}

func TestDecode_StopsWhenEmitReturnsFalse(t *testing.T) {
	input := "event: ping\ndata: {}\n\nevent: ping\ndata: {}\n\n"
	n := 0
	err := sse.Decode(strings.NewReader(input), func(types.Event) bool {
		n++
		return false
	}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEncodeDecode(t *testing.T) {
	var buf bytes.Buffer
	ev := types.Event{Type: types.EventChunk, RequestID: "r", Chunk: "多字节", FullText: "多字节"}
	require.NoError(t, sse.Encode(&buf, ev))
	assert.True(t, strings.HasPrefix(buf.String(), "event: chunk\ndata: "))
	assert.Equal(t, []types.Event{ev}, decodeAll(t, buf.String()))
}
