// Package telegram connects to the Telegram Bot API via long polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/countbot/countbot/internal/bus"
	"github.com/countbot/countbot/internal/channels"
	"github.com/countbot/countbot/internal/config"
)

// telegramMessageLimit is the Bot API per-message text cap.
const telegramMessageLimit = 4096

// Channel is the Telegram adapter.
type Channel struct {
	*channels.BaseChannel
	bot    *telego.Bot
	config config.TelegramConfig
}

// New creates a Telegram channel from config. An optional HTTP proxy is
// applied to all Bot API calls.
func New(cfg config.TelegramConfig, msgBus *bus.MessageBus) (*Channel, error) {
	var opts []telego.BotOption
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, err)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Channel{
		BaseChannel: channels.NewBaseChannel("telegram", msgBus, cfg.AllowFrom),
		bot:         bot,
		config:      cfg,
	}, nil
}

// Start long-polls for updates until ctx is cancelled.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting telegram bot (polling mode)")

	updates, err := c.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	c.SetRunning(true)
	defer c.SetRunning(false)
	slog.Info("telegram bot connected", "username", c.bot.Username())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("telegram updates channel closed")
			}
			if update.Message != nil {
				c.handleMessage(update.Message)
			}
		}
	}
}

// Stop is a no-op: cancelling the Start context ends long polling.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping telegram bot")
	c.SetRunning(false)
	return nil
}

func (c *Channel) handleMessage(msg *telego.Message) {
	if msg.From == nil {
		return
	}
	content := msg.Text
	if content == "" {
		content = msg.Caption
	}

	var media []string
	if len(msg.Photo) > 0 {
		// Largest size is last.
		photo := msg.Photo[len(msg.Photo)-1]
		if u := c.fileURL(photo.FileID); u != "" {
			media = append(media, u)
		}
	}
	if msg.Document != nil {
		if u := c.fileURL(msg.Document.FileID); u != "" {
			media = append(media, u)
		}
	}
	if content == "" && len(media) == 0 {
		return
	}

	senderID := strconv.FormatInt(msg.From.ID, 10)
	if msg.From.Username != "" {
		senderID += "|" + msg.From.Username
	}
	chatID := strconv.FormatInt(msg.Chat.ID, 10)

	c.HandleMessage(senderID, chatID, content, media, map[string]string{
		"message_id": strconv.Itoa(msg.MessageID),
	}, bus.PriorityNormal)
}

func (c *Channel) fileURL(fileID string) string {
	file, err := c.bot.GetFile(context.Background(), &telego.GetFileParams{FileID: fileID})
	if err != nil {
		slog.Warn("telegram file lookup failed", "error", err)
		return ""
	}
	return c.bot.FileDownloadURL(file.FilePath)
}

// Send delivers an outbound message. Markdown is tried first; Telegram
// rejects malformed markup, so a failed send falls back to plain text.
// Long replies are chunked to the API limit.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat ID %q: %w", msg.ChatID, err)
	}
	chat := tu.ID(chatID)

	for _, mediaURL := range msg.Media {
		photo := tu.Photo(chat, telego.InputFile{URL: mediaURL})
		if _, err := c.bot.SendPhoto(ctx, photo); err != nil {
			slog.Warn("telegram media send failed, sending as link",
				"error", err)
			if _, err := c.bot.SendMessage(ctx, tu.Message(chat, mediaURL)); err != nil {
				return fmt.Errorf("send media link: %w", err)
			}
		}
	}

	for _, chunk := range splitMessage(msg.Content, telegramMessageLimit) {
		params := tu.Message(chat, chunk)
		params.ParseMode = telego.ModeMarkdown
		if _, err := c.bot.SendMessage(ctx, params); err != nil {
			// Retry without markdown: the text may contain unbalanced
			// markup characters.
			plain := tu.Message(chat, chunk)
			if _, err := c.bot.SendMessage(ctx, plain); err != nil {
				return fmt.Errorf("send telegram message: %w", err)
			}
		}
	}
	return nil
}

// splitMessage breaks text into chunks within limit, preferring newline
// boundaries.
func splitMessage(text string, limit int) []string {
	if text == "" {
		return nil
	}
	var chunks []string
	for len(text) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if text[i-1] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
