// Package protocol defines the wire vocabulary shared by the Hub and its
// Spokes: the JSON frame envelope carried over the device channel and the
// SSE event types emitted by the agent loop.
package protocol

import "encoding/json"

// ProtocolVersion is bumped on incompatible frame changes.
const ProtocolVersion = 1

// Spoke channel frame types.
const (
	FrameRegister          = "register"
	FrameHeartbeat         = "heartbeat"
	FrameSkillCallRequest  = "skill_call_request"
	FrameSkillCallResponse = "skill_call_response"
	FrameSkillCallCancel   = "skill_call_cancel"
	FrameError             = "error"
)

// Frame is the envelope for every message on a spoke channel.
// CorrelationID ties a skill_call_request to its eventual response and is
// treated as an opaque, case-sensitive string.
type Frame struct {
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// SkillInfo describes one callable exposed by a Spoke.
type SkillInfo struct {
	ClassName    string `json:"class_name"`
	MethodName   string `json:"method_name"`
	Signature    string `json:"signature"`
	Docstring    string `json:"docstring,omitempty"`
	ClassSummary string `json:"class_summary,omitempty"`
}

// RegisterPayload replaces the Spoke's full skill set.
type RegisterPayload struct {
	Skills []SkillInfo `json:"skills"`
}

// RegisterAck is sent back after a successful register frame.
type RegisterAck struct {
	Registered          int    `json:"registered"`
	ResolvedDisplayName string `json:"resolved_display_name"`
}

// HeartbeatAck reports how many skill rows the heartbeat refreshed. A zero
// count tells the Spoke its registration was swept and it must re-register.
type HeartbeatAck struct {
	Skills int `json:"skills"`
}

// SkillCallRequest asks the Spoke to execute a tool in its local sandbox.
type SkillCallRequest struct {
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments"`
	TimeoutMs int64           `json:"timeout_ms,omitempty"`
}

// SkillCallResponse carries the Spoke's execution result.
type SkillCallResponse struct {
	Success bool   `json:"success"`
	Result  string `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ErrorPayload is attached to error frames in either direction.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewFrame builds a frame with a marshaled payload. Marshal errors are
// impossible for the payload types above, so they are swallowed.
func NewFrame(frameType, correlationID string, payload any) Frame {
	f := Frame{Type: frameType, CorrelationID: correlationID}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err == nil {
			f.Payload = data
		}
	}
	return f
}
