package server

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Tyrowin/chatrelay/internal/auth"
)

func TestRoomNames(t *testing.T) {
	assert.Equal(t, "user.7", UserRoom("7"))
	assert.Equal(t, "conversation.42", ConversationRoom("42"))
}

func TestEncodeFrame(t *testing.T) {
	tests := []struct {
		name  string
		event string
		data  json.RawMessage
		want  string
	}{
		{"object kept byte for byte", "message.new", json.RawMessage(`{"z":1,  "a":"x"}`), `{"event":"message.new","data":{"z":1,  "a":"x"}}`},
		{"scalar", "count", json.RawMessage(`3`), `{"event":"count","data":3}`},
		{"nil data", "typing", nil, `{"event":"typing","data":null}`},
		{"blank data", "typing", json.RawMessage("  "), `{"event":"typing","data":null}`},
		{"event name escaped", `a"b`, json.RawMessage(`1`), `{"event":"a\"b","data":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := encodeFrame(tt.event, tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
			assert.True(t, json.Valid(got))
		})
	}
}

func TestEncodeError(t *testing.T) {
	got, err := encodeError("boom")
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"error","data":{"message":"boom"}}`, string(got))
}

func TestDecodeFrame(t *testing.T) {
	frame, err := decodeFrame([]byte(`{"event":" join-conversations ","data":[1]}`))
	require.NoError(t, err)
	assert.Equal(t, EventJoinConversations, frame.Event)
	assert.JSONEq(t, `[1]`, string(frame.Data))

	for _, raw := range []string{``, `null`, `{}`, `{"event":""}`, `{"event":[]}`, `"join-conversations"`} {
		_, err := decodeFrame([]byte(raw))
		assert.Error(t, err, "input %q", raw)
	}
}

func TestDecodeConversationIDs(t *testing.T) {
	tests := []struct {
		name   string
		data   string
		want   []auth.ID
		wantOK bool
	}{
		{"numbers", `[1,2,999]`, []auth.ID{"1", "2", "999"}, true},
		{"strings and numbers", `["a", 2]`, []auth.ID{"a", "2"}, true},
		{"duplicates collapsed in order", `[2,1,"2",1]`, []auth.ID{"2", "1"}, true},
		{"invalid elements skipped", `[null,1.5,{},[],"",3]`, []auth.ID{"3"}, true},
		{"empty array", `[]`, []auth.ID{}, true},
		{"leading whitespace", "  [4]", []auth.ID{"4"}, true},
		{"number", `42`, nil, false},
		{"string", `"42"`, nil, false},
		{"object", `{"ids":[1]}`, nil, false},
		{"null", `null`, nil, false},
		{"missing", ``, nil, false},
		{"broken array", `[1,`, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := decodeConversationIDs(json.RawMessage(tt.data), zap.NewNop())
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestIsExpectedCloseError(t *testing.T) {
	assert.True(t, isExpectedCloseError(nil))
	assert.True(t, isExpectedCloseError(errors.New("write tcp: use of closed network connection")))
	assert.True(t, isExpectedCloseError(errors.New("websocket: close sent")))
	assert.True(t, isExpectedCloseError(errors.New("write: broken pipe")))
	assert.False(t, isExpectedCloseError(errors.New("unexpected EOF")))
}
