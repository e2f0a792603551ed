// Package channels connects external chat platforms (Telegram, Discord,
// QQ, WeChat, DingTalk, Feishu, the web UI) to the agent runtime via the
// message bus.
package channels

import (
	"context"
	"strings"

	"github.com/countbot/countbot/internal/bus"
)

// InternalChannels are system channels excluded from outbound dispatch.
var InternalChannels = map[string]bool{
	"cli":      true,
	"system":   true,
	"subagent": true,
}

// IsInternalChannel checks if a channel name is internal.
func IsInternalChannel(name string) bool {
	return InternalChannels[name]
}

// Channel is the interface all platform adapters implement.
type Channel interface {
	// Name returns the channel identifier (e.g. "telegram", "qq").
	Name() string

	// Start runs the channel's receive loop. It blocks until ctx is
	// cancelled or a fatal connection error occurs; the supervisor
	// restarts it with backoff.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the channel.
	Stop(ctx context.Context) error

	// Send delivers an outbound message.
	Send(ctx context.Context, msg bus.OutboundMessage) error

	// IsRunning reports whether the channel is actively connected.
	IsRunning() bool

	// IsAllowed checks the channel's sender allowlist.
	IsAllowed(senderID string) bool
}

// BaseChannel provides shared functionality for adapters; embed it.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	running   bool
	allowList []string
}

// NewBaseChannel creates the shared adapter state.
func NewBaseChannel(name string, msgBus *bus.MessageBus, allowList []string) *BaseChannel {
	return &BaseChannel{
		name:      name,
		bus:       msgBus,
		allowList: allowList,
	}
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// IsRunning reports the running state.
func (c *BaseChannel) IsRunning() bool { return c.running }

// SetRunning updates the running state.
func (c *BaseChannel) SetRunning(running bool) { c.running = running }

// Bus returns the message bus reference.
func (c *BaseChannel) Bus() *bus.MessageBus { return c.bus }

// IsAllowed checks the allowlist. Supports compound senderID format
// "123456|username"; an empty allowlist admits everyone.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}

	idPart := senderID
	userPart := ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}

	for _, allowed := range c.allowList {
		trimmed := strings.TrimPrefix(allowed, "@")
		if senderID == allowed || senderID == trimmed ||
			idPart == allowed || idPart == trimmed ||
			(userPart != "" && (userPart == allowed || userPart == trimmed)) {
			return true
		}
	}
	return false
}

// HandleMessage publishes a received message to the bus at the given
// priority. Disallowed senders are dropped silently.
func (c *BaseChannel) HandleMessage(senderID, chatID, content string, media []string, metadata map[string]string, priority bus.Priority) {
	if !c.IsAllowed(senderID) {
		return
	}
	c.bus.PublishInbound(bus.InboundMessage{
		Channel:  c.name,
		SenderID: senderID,
		ChatID:   chatID,
		Content:  content,
		Media:    media,
		Metadata: metadata,
	}, priority)
}

// Truncate shortens a string to maxLen, appending "..." when cut.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
