package bus

// InboundMessage represents a message received from a channel (Telegram, QQ, web, etc.)
type InboundMessage struct {
	Channel  string            `json:"channel"`
	SenderID string            `json:"sender_id"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Media    []string          `json:"media,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage represents a message to be sent to a channel.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Media    []string          `json:"media,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Priority orders inbound messages in the queue. Higher drains first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	}
	return "unknown"
}

// QueuedMessage wraps an inbound message with queue bookkeeping.
type QueuedMessage struct {
	ID         string         `json:"id"`
	Message    InboundMessage `json:"message"`
	Priority   Priority       `json:"priority"`
	EnqueuedAt int64          `json:"enqueued_at"` // unix seconds
	RetryCount int            `json:"retry_count"`
	MaxRetries int            `json:"max_retries"`
}

// DeadLetter holds a message that exhausted its retries, with the last error.
type DeadLetter struct {
	Message QueuedMessage `json:"message"`
	Error   string        `json:"error"`
}

// Stats is a point-in-time snapshot of queue state, exposed over the REST surface.
type Stats struct {
	QueueSizes        map[string]int `json:"queue_sizes"`
	OutboundSize      int            `json:"outbound_size"`
	DeadLetterSize    int            `json:"dead_letter_size"`
	TotalEnqueued     int64          `json:"total_enqueued"`
	TotalProcessed    int64          `json:"total_processed"`
	TotalFailed       int64          `json:"total_failed"`
	TotalDeduplicated int64          `json:"total_deduplicated"`
	TotalRetried      int64          `json:"total_retried"`
}
