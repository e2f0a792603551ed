// Package discord connects to the Discord gateway via bot events.
package discord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/countbot/countbot/internal/bus"
	"github.com/countbot/countbot/internal/channels"
	"github.com/countbot/countbot/internal/config"
)

// discordMessageLimit is the per-message character cap.
const discordMessageLimit = 2000

// Channel is the Discord adapter.
type Channel struct {
	*channels.BaseChannel
	session   *discordgo.Session
	config    config.DiscordConfig
	botUserID string
}

// New creates a Discord channel from config.
func New(cfg config.DiscordConfig, msgBus *bus.MessageBus) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Channel{
		BaseChannel: channels.NewBaseChannel("discord", msgBus, cfg.AllowFrom),
		session:     session,
		config:      cfg,
	}, nil
}

// Start opens the gateway connection and blocks until ctx is cancelled.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting discord bot")

	c.session.AddHandler(c.handleMessage)
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID

	c.SetRunning(true)
	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)

	<-ctx.Done()
	c.SetRunning(false)
	c.session.Close()
	return ctx.Err()
}

// Stop closes the gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping discord bot")
	c.SetRunning(false)
	return c.session.Close()
}

func (c *Channel) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	var media []string
	for _, att := range m.Attachments {
		media = append(media, att.URL)
	}
	if m.Content == "" && len(media) == 0 {
		return
	}

	senderID := m.Author.ID
	if m.Author.Username != "" {
		senderID += "|" + m.Author.Username
	}
	c.HandleMessage(senderID, m.ChannelID, m.Content, media, map[string]string{
		"message_id": m.ID,
		"guild_id":   m.GuildID,
	}, bus.PriorityNormal)
}

// Send delivers an outbound message, chunking long text.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bot not running")
	}
	if msg.ChatID == "" {
		return fmt.Errorf("empty chat ID for discord send")
	}

	for _, mediaURL := range msg.Media {
		if _, err := c.session.ChannelMessageSend(msg.ChatID, mediaURL); err != nil {
			return fmt.Errorf("send discord media link: %w", err)
		}
	}

	content := msg.Content
	for len(content) > discordMessageLimit {
		if _, err := c.session.ChannelMessageSend(msg.ChatID, content[:discordMessageLimit]); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
		content = content[discordMessageLimit:]
	}
	if content != "" {
		if _, err := c.session.ChannelMessageSend(msg.ChatID, content); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}
