// Package dingtalk connects to DingTalk via Stream mode: a WebSocket
// carries bot callbacks, replies go through the per-conversation session
// webhook while it is valid, then fall back to the OpenAPI.
package dingtalk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/countbot/countbot/internal/bus"
	"github.com/countbot/countbot/internal/channels"
	"github.com/countbot/countbot/internal/config"
)

const (
	openAPIBase   = "https://api.dingtalk.com"
	replyTitle    = "CountBot Reply"
	webhookCapMax = 500
)

// sessionWebhook caches the reply URL DingTalk attaches to each inbound
// message; it expires server-side.
type sessionWebhook struct {
	url           string
	expiredTimeMs int64
	senderStaffID string
}

// Channel is the DingTalk adapter.
type Channel struct {
	*channels.BaseChannel
	config config.DingTalkConfig
	client *http.Client

	tokenMu     sync.Mutex
	accessToken string
	tokenExpiry time.Time

	webhookMu sync.Mutex
	webhooks  map[string]sessionWebhook // chatID → webhook
}

// New creates a DingTalk channel from config.
func New(cfg config.DingTalkConfig, msgBus *bus.MessageBus) *Channel {
	return &Channel{
		BaseChannel: channels.NewBaseChannel("dingtalk", msgBus, cfg.AllowFrom),
		config:      cfg,
		client:      &http.Client{Timeout: 30 * time.Second},
		webhooks:    make(map[string]sessionWebhook),
	}
}

// Start opens the Stream-mode connection and processes callbacks.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting dingtalk bot (stream mode)")

	endpoint, ticket, err := c.openConnection(ctx)
	if err != nil {
		return fmt.Errorf("open dingtalk connection: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint+"?ticket="+ticket, nil)
	if err != nil {
		return fmt.Errorf("dial dingtalk stream: %w", err)
	}
	defer conn.Close()

	c.SetRunning(true)
	defer c.SetRunning(false)
	slog.Info("dingtalk bot connected")

	frames := make(chan []byte, 16)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			frames <- data
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return fmt.Errorf("dingtalk stream read: %w", err)
		case data := <-frames:
			c.handleFrame(conn, data)
		}
	}
}

// Stop is a no-op: cancelling the Start context closes the stream.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping dingtalk bot")
	c.SetRunning(false)
	return nil
}

type streamFrame struct {
	SpecVersion string `json:"specVersion"`
	Type        string `json:"type"`
	Headers     struct {
		Topic     string `json:"topic"`
		MessageID string `json:"messageId"`
	} `json:"headers"`
	Data string `json:"data"`
}

func (c *Channel) handleFrame(conn *websocket.Conn, raw []byte) {
	var frame streamFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		slog.Warn("dingtalk frame decode failed", "error", err)
		return
	}

	// Every frame must be acked or the server disconnects.
	ack := map[string]interface{}{
		"code":    200,
		"headers": map[string]string{
			"contentType": "application/json",
			"messageId":   frame.Headers.MessageID,
		},
		"message": "OK",
		"data":    frame.Data,
	}
	if frame.Headers.Topic != "ping" {
		ack["data"] = "{}"
	}
	if err := conn.WriteJSON(ack); err != nil {
		slog.Warn("dingtalk ack failed", "error", err)
	}

	if frame.Type != "CALLBACK" || frame.Headers.Topic != "/v1.0/im/bot/messages/get" {
		return
	}
	c.handleBotMessage(frame.Data)
}

type botMessage struct {
	SenderStaffID             string `json:"senderStaffId"`
	SenderNick                string `json:"senderNick"`
	ConversationID            string `json:"conversationId"`
	ConversationType          string `json:"conversationType"` // "1" private, "2" group
	SessionWebhook            string `json:"sessionWebhook"`
	SessionWebhookExpiredTime int64  `json:"sessionWebhookExpiredTime"`
	Text                      struct {
		Content string `json:"content"`
	} `json:"text"`
}

func (c *Channel) handleBotMessage(data string) {
	var msg botMessage
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		slog.Warn("dingtalk message decode failed", "error", err)
		return
	}

	chatID := msg.ConversationID
	c.webhookMu.Lock()
	if len(c.webhooks) >= webhookCapMax {
		for k := range c.webhooks {
			delete(c.webhooks, k)
			break
		}
	}
	c.webhooks[chatID] = sessionWebhook{
		url:           msg.SessionWebhook,
		expiredTimeMs: msg.SessionWebhookExpiredTime,
		senderStaffID: msg.SenderStaffID,
	}
	c.webhookMu.Unlock()

	content := strings.TrimSpace(msg.Text.Content)
	if content == "" {
		return
	}

	senderID := msg.SenderStaffID
	if msg.SenderNick != "" {
		senderID += "|" + msg.SenderNick
	}
	c.HandleMessage(senderID, chatID, content, nil, map[string]string{
		"conversation_type": msg.ConversationType,
	}, bus.PriorityNormal)
}

// Send replies via the cached session webhook when still valid, otherwise
// through the OpenAPI robot endpoints.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	content := msg.Content
	for _, mediaURL := range msg.Media {
		content += "\n![media](" + mediaURL + ")"
	}
	if content == "" {
		return nil
	}

	c.webhookMu.Lock()
	wh, ok := c.webhooks[msg.ChatID]
	c.webhookMu.Unlock()

	if ok && wh.url != "" && time.Now().UnixMilli() < wh.expiredTimeMs {
		if err := c.sendViaWebhook(ctx, wh, content); err == nil {
			return nil
		} else {
			slog.Warn("dingtalk session webhook failed, using openapi", "error", err)
		}
	}
	return c.sendViaOpenAPI(ctx, msg.ChatID, wh.senderStaffID, content)
}

func (c *Channel) sendViaWebhook(ctx context.Context, wh sessionWebhook, content string) error {
	body := map[string]interface{}{
		"msgtype": "markdown",
		"markdown": map[string]string{
			"title": replyTitle,
			"text":  content,
		},
	}
	if wh.senderStaffID != "" {
		body["at"] = map[string]interface{}{"atUserIds": []string{wh.senderStaffID}}
	}

	data, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, "POST", wh.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("session webhook: HTTP %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// isGroupConversation detects group chats by conversation ID shape.
func isGroupConversation(chatID string) bool {
	return strings.HasPrefix(chatID, "cid") || strings.Contains(chatID, "group")
}

func (c *Channel) sendViaOpenAPI(ctx context.Context, chatID, staffID, content string) error {
	token, err := c.getAccessToken(ctx)
	if err != nil {
		return err
	}

	msgParam, _ := json.Marshal(map[string]string{
		"title": replyTitle,
		"text":  content,
	})

	var path string
	var body map[string]interface{}
	if isGroupConversation(chatID) {
		path = "/v1.0/robot/groupMessages/send"
		body = map[string]interface{}{
			"robotCode":          c.config.ClientID,
			"openConversationId": chatID,
			"msgKey":             "sampleMarkdown",
			"msgParam":           string(msgParam),
		}
	} else {
		if staffID == "" {
			staffID = chatID
		}
		path = "/v1.0/robot/oToMessages/batchSend"
		body = map[string]interface{}{
			"robotCode": c.config.ClientID,
			"userIds":   []string{staffID},
			"msgKey":    "sampleMarkdown",
			"msgParam":  string(msgParam),
		}
	}

	data, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, "POST", openAPIBase+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-acs-dingtalk-access-token", token)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("dingtalk api %s: HTTP %d: %s", path, resp.StatusCode, string(respBody))
	}
	return nil
}

// getAccessToken returns a cached OpenAPI token, refreshing 60s early.
func (c *Channel) getAccessToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	payload, _ := json.Marshal(map[string]string{
		"appKey":    c.config.ClientID,
		"appSecret": c.config.ClientSecret,
	})
	req, err := http.NewRequestWithContext(ctx, "POST", openAPIBase+"/v1.0/oauth2/accessToken", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result struct {
		AccessToken string `json:"accessToken"`
		ExpireIn    int    `json:"expireIn"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if result.AccessToken == "" {
		return "", fmt.Errorf("empty dingtalk access token")
	}
	if result.ExpireIn <= 0 {
		result.ExpireIn = 7200
	}

	c.accessToken = result.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(result.ExpireIn-60) * time.Second)
	return c.accessToken, nil
}

// openConnection registers the stream subscription and returns the
// WebSocket endpoint and ticket.
func (c *Channel) openConnection(ctx context.Context) (endpoint, ticket string, err error) {
	payload, _ := json.Marshal(map[string]interface{}{
		"clientId":     c.config.ClientID,
		"clientSecret": c.config.ClientSecret,
		"subscriptions": []map[string]string{
			{"type": "CALLBACK", "topic": "/v1.0/im/bot/messages/get"},
		},
	})
	req, err := http.NewRequestWithContext(ctx, "POST", openAPIBase+"/v1.0/gateway/connections/open", bytes.NewReader(payload))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return "", "", fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Endpoint string `json:"endpoint"`
		Ticket   string `json:"ticket"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", "", err
	}
	if result.Endpoint == "" || result.Ticket == "" {
		return "", "", fmt.Errorf("incomplete connection response")
	}
	return result.Endpoint, result.Ticket, nil
}
