package protocol

// SSE event types streamed to chat clients during an agent run.
// Clients rely on exactly one "done" per stream to finalize.
const (
	SSEToolCallStarted  = "tool_call_started"
	SSEToolCallResult   = "tool_call_result"
	SSEAssistantMessage = "assistant_message"
	SSEError            = "error"
	SSEDone             = "done"
)

// Presence event names published on the in-process bus when a device channel
// opens or closes. The skill registry consults these for liveness.
const (
	EventDeviceOnline  = "device_online"
	EventDeviceOffline = "device_offline"
)

// Tool-level error codes surfaced to the LLM as tool results rather than
// aborting the agent loop.
const (
	ErrCodeDeviceOffline      = "device_offline"
	ErrCodeDeviceBackpressure = "device_backpressure"
	ErrCodeToolTimeout        = "tool_timeout"
	ErrCodeShuttingDown       = "shutting_down"
)
