package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/Tyrowin/chatrelay/internal/auth"
)

// Client event names.
const (
	EventJoinConversations = "join-conversations"
	EventLeaveConversation = "leave-conversation"
	EventError             = "error"
)

// Client-facing error messages.
const (
	msgInvalidFrame     = "invalid message format"
	msgJoinExpectsArray = "join-conversations expects an array of conversation ids"
	msgLeaveExpectsID   = "leave-conversation expects a conversation id"
	msgRateLimited      = "rate limit exceeded"
)

const (
	roomPrefixUser         = "user."
	roomPrefixConversation = "conversation."
)

// Frame is the JSON object carried by every WebSocket text message, in
// both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ErrorPayload is the data of an outbound error event.
type ErrorPayload struct {
	Message string `json:"message"`
}

// UserRoom names the room every session of a user is joined to.
func UserRoom(userID string) string {
	return roomPrefixUser + userID
}

// ConversationRoom names the room for a conversation.
func ConversationRoom(conversationID string) string {
	return roomPrefixConversation + conversationID
}

// encodeFrame builds an outbound frame around raw data without re-encoding
// it, so the client receives the bytes the backend published.
func encodeFrame(event string, data json.RawMessage) ([]byte, error) {
	name, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode event name: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		data = json.RawMessage("null")
	}

	var buf bytes.Buffer
	buf.Grow(len(name) + len(data) + 20)
	buf.WriteString(`{"event":`)
	buf.Write(name)
	buf.WriteString(`,"data":`)
	buf.Write(data)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func encodeError(message string) ([]byte, error) {
	data, err := json.Marshal(ErrorPayload{Message: message})
	if err != nil {
		return nil, err
	}
	return encodeFrame(EventError, data)
}

// decodeFrame parses an inbound frame. The event name is required.
func decodeFrame(raw []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	frame.Event = strings.TrimSpace(frame.Event)
	if frame.Event == "" {
		return Frame{}, fmt.Errorf("decode frame: missing event")
	}
	return frame, nil
}

// decodeConversationIDs reads the join-conversations payload. ok is false
// when data is not a JSON array. Elements that are not ids are logged and
// skipped; duplicates are collapsed.
func decodeConversationIDs(data json.RawMessage, log *zap.Logger) (ids []auth.ID, ok bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, false
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(trimmed, &elems); err != nil {
		return nil, false
	}

	ids = make([]auth.ID, 0, len(elems))
	for _, elem := range elems {
		var id auth.ID
		if err := json.Unmarshal(elem, &id); err != nil {
			log.Warn("Skipping invalid conversation id", zap.ByteString("id", elem), zap.Error(err))
			continue
		}
		ids = append(ids, id)
	}
	return lo.Uniq(ids), true
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
