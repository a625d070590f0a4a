// Package channel maintains the persistent, mutually-authenticated JSON
// message stream between the agent and the control plane. It owns the
// connect/authenticate/register handshake, the heartbeat sender and
// monitor, request/response correlation, and reconnection with backoff —
// the same responsibilities arkeep's connection.Manager holds for its gRPC
// session, adapted to a JSON-over-websocket wire format instead of
// protobuf-over-gRPC (spec requires a literal JSON envelope).
package channel

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is the wire envelope for every frame exchanged on the control
// channel: {"type": ..., "id": ..., "timestamp": ..., "data": ...}.
type Message struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage builds a Message with a fresh request ID and the current
// timestamp, encoding data as the payload.
func NewMessage(msgType string, data any) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("channel: marshal %s payload: %w", msgType, err)
	}
	return Message{
		Type:      msgType,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      raw,
	}, nil
}

// Decode unmarshals the message's Data field into v.
func (m Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Message type tags used on the control channel.
const (
	TypeAuth                 = "auth"
	TypeAuthResponse         = "auth_response"
	TypeAgentRegister        = "agent_register"
	TypeHeartbeat            = "heartbeat"
	TypeHeartbeatResponse    = "heartbeat_response"
	TypeTaskAssign           = "task_assign"
	TypeTaskAssignResponse   = "task_assign_response"
	TypeTaskCancel           = "task_cancel"
	TypeTaskCancelResponse   = "task_cancel_response"
	TypeTaskResultsBatch     = "task_results_batch"
	TypeConfigUpdate         = "config_update"
	TypeConfigUpdateResponse = "config_update_response"
	TypeAgentCommand         = "agent_command"
	TypeAgentCommandResponse = "agent_command_response"
	TypeResourceReport       = "resource_report"
)

// AuthRequest is the data payload of a TypeAuth message.
type AuthRequest struct {
	AgentID   string `json:"agent_id"`
	Timestamp string `json:"timestamp"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
	Version   string `json:"version"`
}

// AuthResponseData is the data payload of a TypeAuthResponse message.
type AuthResponseData struct {
	Success   bool   `json:"success"`
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Error     string `json:"error"`
}

// RegisterData is the data payload of a TypeAgentRegister message.
type RegisterData struct {
	AgentID      string   `json:"agent_id"`
	Timestamp    string   `json:"timestamp"`
	Capabilities []string `json:"capabilities"`
	Version      string   `json:"version"`
}

// HeartbeatData is the data payload of a TypeHeartbeat message.
type HeartbeatData struct {
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id"`
	Timestamp string `json:"timestamp"`
}
