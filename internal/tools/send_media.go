package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/countbot/countbot/internal/bus"
)

// SendMediaTool queues an outbound message carrying media attachments to
// the chat the current agent run replies to.
type SendMediaTool struct {
	bus *bus.MessageBus
}

func NewSendMediaTool(b *bus.MessageBus) *SendMediaTool {
	return &SendMediaTool{bus: b}
}

func (t *SendMediaTool) Name() string { return "send_media" }
func (t *SendMediaTool) Description() string {
	return "Send one or more media files (image/file URLs) to the current chat"
}
func (t *SendMediaTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"urls": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Media URLs to send",
			},
			"caption": map[string]interface{}{
				"type":        "string",
				"description": "Optional caption text",
			},
		},
		"required": []string{"urls"},
	}
}

func (t *SendMediaTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	var urls []string
	if raw, ok := args["urls"].([]interface{}); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				urls = append(urls, strings.TrimSpace(s))
			}
		}
	}
	if len(urls) == 0 {
		return ErrorResult("urls is required")
	}
	caption, _ := args["caption"].(string)

	channel, chatID := DeliveryTarget(ctx)
	if channel == "" || chatID == "" {
		return ErrorResult("no delivery target for this session")
	}

	t.bus.PublishOutbound(bus.OutboundMessage{
		Channel: channel,
		ChatID:  chatID,
		Content: caption,
		Media:   urls,
	})
	return SilentResult(fmt.Sprintf("已发送 %d 个媒体文件", len(urls)))
}
