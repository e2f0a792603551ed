// Package wechat holds the WeChat adapter skeleton. The official
// account APIs need a verified callback server, so inbound and outbound
// delivery are not wired yet; the channel only validates config and
// participates in lifecycle management.
package wechat

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/countbot/countbot/internal/bus"
	"github.com/countbot/countbot/internal/channels"
	"github.com/countbot/countbot/internal/config"
)

// Channel is the WeChat adapter placeholder.
type Channel struct {
	*channels.BaseChannel
	config config.WeChatConfig
}

// New creates a WeChat channel from config.
func New(cfg config.WeChatConfig, msgBus *bus.MessageBus) *Channel {
	return &Channel{
		BaseChannel: channels.NewBaseChannel("wechat", msgBus, nil),
		config:      cfg,
	}
}

// Start validates config and idles until the context is cancelled.
func (c *Channel) Start(ctx context.Context) error {
	if c.config.AppID == "" || c.config.Secret == "" {
		return fmt.Errorf("wechat app_id and secret not configured")
	}

	c.SetRunning(true)
	defer c.SetRunning(false)
	slog.Warn("wechat channel started (message delivery not implemented)")

	<-ctx.Done()
	return ctx.Err()
}

// Stop is a no-op: cancelling the Start context stops the channel.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping wechat bot")
	c.SetRunning(false)
	return nil
}

// Send is not implemented for WeChat yet.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	slog.Warn("wechat send not implemented", "content", channels.Truncate(msg.Content, 50))
	return nil
}
