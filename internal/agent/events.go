package agent

// Event is emitted during agent execution for gateway broadcasting.
type Event struct {
	Type      string      `json:"type"` // "run.started", "chunk", "tool.call", "tool.result", "run.completed", "run.failed"
	SessionID string      `json:"session_id"`
	Payload   interface{} `json:"payload,omitempty"`
}
