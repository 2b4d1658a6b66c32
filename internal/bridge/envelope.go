package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidEnvelope is returned for bus payloads that cannot be forwarded.
var ErrInvalidEnvelope = errors.New("invalid bus envelope")

// Envelope is the body the backend publishes. Data is forwarded verbatim.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

var jsonNull = json.RawMessage("null")

// DecodeEnvelope parses a bus payload. A missing data field becomes null.
func DecodeEnvelope(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	env.Event = strings.TrimSpace(env.Event)
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event name", ErrInvalidEnvelope)
	}
	if len(bytes.TrimSpace(env.Data)) == 0 {
		env.Data = jsonNull
	}
	return env, nil
}
