package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message types recognized on the wire. Request/response pairs share a
// correlation id; the remaining types are fire-and-forget.
const (
	TypeChatMessage  = "chat_message"
	TypeChatResponse = "chat_response"

	TypeScriptExecute   = "script_execute"
	TypeExecutionResult = "execution_result"
	TypeExecutionPrompt = "execution_prompt"

	TypeMCPConfig         = "mcp_config"
	TypeMCPConfigResponse = "mcp_config_response"

	TypeHeartbeat         = "heartbeat"
	TypeHeartbeatResponse = "heartbeat_response"

	TypeError                 = "error"
	TypeConnectionEstablished = "connection_established"

	TypeTest         = "test"
	TypeTestResponse = "test_response"
)

// Envelope is the uniform message wrapper used at every boundary.
// ID is present only on correlated request/response pairs; Timestamp is
// ISO-8601 (RFC 3339).
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Now returns the wire representation of the current time.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// NewID returns a fresh correlation id.
func NewID() string {
	return uuid.NewString()
}

// New builds an uncorrelated envelope. The payload is marshalled
// immediately; a marshal failure yields an empty data object rather than
// an error, since every payload type in this repo is marshallable.
func New(msgType string, data any) Envelope {
	return Envelope{
		Type:      msgType,
		Timestamp: Now(),
		Data:      marshal(data),
	}
}

// NewRequest builds a correlated request envelope with a fresh id.
func NewRequest(msgType string, data any) Envelope {
	env := New(msgType, data)
	env.ID = NewID()
	return env
}

// Reply builds a response envelope carrying the request's correlation id.
func Reply(msgType, id string, data any) Envelope {
	env := New(msgType, data)
	env.ID = id
	return env
}

// Heartbeat returns an application-level heartbeat envelope.
func Heartbeat() Envelope {
	return New(TypeHeartbeat, map[string]string{})
}

// HeartbeatResponse echoes a heartbeat back to its sender.
func HeartbeatResponse(id string) Envelope {
	return Reply(TypeHeartbeatResponse, id, map[string]string{})
}

// Decode parses a wire frame into an Envelope. A frame that is not a
// JSON object with a string type is a protocol error.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return env, nil
}

// Encode renders an envelope as a wire frame.
func (e Envelope) Encode() []byte {
	data, _ := json.Marshal(e)
	return data
}

// DecodeData unmarshals the envelope payload into out.
func (e Envelope) DecodeData(out any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("envelope %q: empty data", e.Type)
	}
	if err := json.Unmarshal(e.Data, out); err != nil {
		return fmt.Errorf("envelope %q: %w", e.Type, err)
	}
	return nil
}

func marshal(data any) json.RawMessage {
	if data == nil {
		return json.RawMessage(`{}`)
	}
	if raw, ok := data.(json.RawMessage); ok {
		return raw
	}
	b, err := json.Marshal(data)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
