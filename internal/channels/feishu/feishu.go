// Package feishu connects to Feishu (Lark) over the event long
// connection. Replies are sent as interactive cards so markdown and
// tables render natively.
package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/countbot/countbot/internal/bus"
	"github.com/countbot/countbot/internal/channels"
	"github.com/countbot/countbot/internal/config"
)

const (
	openAPIBase   = "https://open.feishu.cn/open-apis"
	wsEndpointURL = "https://open.feishu.cn/callback/ws/endpoint"

	seenCap      = 1000
	imageTempDir = "data/temp/images"
)

// msgTypePlaceholders stand in for media the agent cannot read inline.
var msgTypePlaceholders = map[string]string{
	"image":   "[图片]",
	"audio":   "[语音]",
	"file":    "[文件]",
	"sticker": "[表情]",
}

// tableRe matches a markdown table block: a header row, a separator row
// and at least one data row, all pipe-delimited.
var tableRe = regexp.MustCompile(`(?m)((?:^\|[^\n]*\|[ \t]*\n?){3,})`)

// Channel is the Feishu adapter.
type Channel struct {
	*channels.BaseChannel
	config  config.FeishuConfig
	client  *http.Client
	apiBase string
	seen    *channels.SeenCache

	tokenMu     sync.Mutex
	tenantToken string
	tokenExpiry time.Time
}

// New creates a Feishu channel from config.
func New(cfg config.FeishuConfig, msgBus *bus.MessageBus) *Channel {
	return &Channel{
		BaseChannel: channels.NewBaseChannel("feishu", msgBus, nil),
		config:      cfg,
		client:      &http.Client{Timeout: 30 * time.Second},
		apiBase:     openAPIBase,
		seen:        channels.NewSeenCache(seenCap),
	}
}

// Start opens the event long connection and blocks processing events.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting feishu bot", "app_id", c.config.AppID)

	endpoint, err := c.connectionEndpoint(ctx)
	if err != nil {
		return fmt.Errorf("resolve feishu endpoint: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial feishu event stream: %w", err)
	}
	defer conn.Close()

	c.SetRunning(true)
	defer c.SetRunning(false)
	slog.Info("feishu bot connected")

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
			return fmt.Errorf("feishu event stream read: %w", err)
		case data := <-frames:
			c.handleFrame(ctx, conn, data)
		}
	}
}

// Stop is a no-op: cancelling the Start context closes the stream.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping feishu bot")
	c.SetRunning(false)
	return nil
}

type wsFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (c *Channel) handleFrame(ctx context.Context, conn *websocket.Conn, raw []byte) {
	var frame wsFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		slog.Warn("feishu frame decode failed", "error", err)
		return
	}

	switch frame.Type {
	case "ping":
		if err := conn.WriteJSON(map[string]string{"type": "pong"}); err != nil {
			slog.Warn("feishu pong failed", "error", err)
		}
	case "event":
		c.handleEvent(ctx, frame.Data)
	}
}

// messageEvent is the im.message.receive_v1 payload in the v2 event
// schema.
type messageEvent struct {
	Header struct {
		EventID   string `json:"event_id"`
		EventType string `json:"event_type"`
	} `json:"header"`
	Event struct {
		Sender struct {
			SenderID struct {
				OpenID string `json:"open_id"`
			} `json:"sender_id"`
		} `json:"sender"`
		Message struct {
			MessageID   string `json:"message_id"`
			ChatID      string `json:"chat_id"`
			ChatType    string `json:"chat_type"` // "p2p" or "group"
			MessageType string `json:"message_type"`
			Content     string `json:"content"`
		} `json:"message"`
	} `json:"event"`
}

func (c *Channel) handleEvent(ctx context.Context, data json.RawMessage) {
	var ev messageEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		slog.Warn("feishu event decode failed", "error", err)
		return
	}
	if ev.Header.EventType != "im.message.receive_v1" {
		return
	}

	msg := ev.Event.Message
	if msg.MessageID == "" || c.seen.Seen(msg.MessageID) {
		return
	}

	content, media := c.extractContent(ctx, msg.MessageID, msg.MessageType, msg.Content)
	if content == "" && len(media) == 0 {
		return
	}

	senderID := ev.Event.Sender.SenderID.OpenID
	if senderID == "" {
		senderID = "unknown"
	}

	// Group replies go back to the chat, private replies to the sender.
	chatID := msg.ChatID
	if msg.ChatType != "group" {
		chatID = senderID
	}

	go c.addReaction(ctx, msg.MessageID)

	c.HandleMessage(senderID, chatID, content, media, map[string]string{
		"message_id": msg.MessageID,
		"chat_type":  msg.ChatType,
	}, bus.PriorityNormal)
}

// extractContent turns the raw message content into text the agent can
// read, downloading images to a local temp path.
func (c *Channel) extractContent(ctx context.Context, messageID, msgType, raw string) (string, []string) {
	switch msgType {
	case "text":
		return parseTextContent(raw), nil
	case "image":
		var body struct {
			ImageKey string `json:"image_key"`
		}
		var media []string
		if json.Unmarshal([]byte(raw), &body) == nil && body.ImageKey != "" {
			if path, err := c.downloadImage(ctx, messageID, body.ImageKey); err != nil {
				slog.Warn("feishu image download failed", "error", err)
			} else {
				media = append(media, path)
			}
		}
		return msgTypePlaceholders["image"], media
	default:
		if ph, ok := msgTypePlaceholders[msgType]; ok {
			return ph, nil
		}
		return "[" + msgType + "]", nil
	}
}

// parseTextContent extracts the text field from a Feishu text message
// body, falling back to the raw payload.
func parseTextContent(raw string) string {
	var body struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(raw), &body); err != nil || body.Text == "" {
		return strings.TrimSpace(raw)
	}
	return strings.TrimSpace(body.Text)
}

// addReaction acknowledges receipt with a thumbs-up.
func (c *Channel) addReaction(ctx context.Context, messageID string) {
	body := map[string]interface{}{
		"reaction_type": map[string]string{"emoji_type": "THUMBSUP"},
	}
	if err := c.doAPI(ctx, "POST", "/im/v1/messages/"+messageID+"/reactions", body, nil); err != nil {
		slog.Debug("feishu reaction failed", "error", err)
	}
}

// downloadImage fetches an inbound image to imageTempDir and returns
// the local path.
func (c *Channel) downloadImage(ctx context.Context, messageID, imageKey string) (string, error) {
	token, err := c.getTenantToken(ctx)
	if err != nil {
		return "", err
	}

	url := c.apiBase + "/im/v1/messages/" + messageID + "/resources/" + imageKey + "?type=image"
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download image: HTTP %d", resp.StatusCode)
	}

	if err := os.MkdirAll(imageTempDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(imageTempDir, messageID+".jpg")
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return "", err
	}
	return path, nil
}

// Send delivers an outbound message as an interactive card, uploading
// local media files alongside.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	receiveIDType := receiveIDTypeFor(msg.ChatID)

	content := msg.Content
	var localMedia []string
	for _, m := range msg.Media {
		if _, err := os.Stat(m); err == nil {
			localMedia = append(localMedia, m)
		} else {
			content += "\n[媒体](" + m + ")"
		}
	}

	if strings.TrimSpace(content) != "" {
		if err := c.sendCard(ctx, msg.ChatID, content, receiveIDType); err != nil {
			return err
		}
	}
	for _, path := range localMedia {
		if err := c.sendMediaFile(ctx, msg.ChatID, path, receiveIDType); err != nil {
			slog.Error("feishu media send failed", "path", path, "error", err)
		}
	}
	return nil
}

// receiveIDTypeFor distinguishes chat IDs from user open IDs.
func receiveIDTypeFor(chatID string) string {
	if strings.HasPrefix(chatID, "oc_") {
		return "chat_id"
	}
	return "open_id"
}

func (c *Channel) sendCard(ctx context.Context, chatID, content, receiveIDType string) error {
	card := map[string]interface{}{
		"config":   map[string]bool{"wide_screen_mode": true},
		"elements": buildCardElements(content),
	}
	cardJSON, _ := json.Marshal(card)
	return c.createMessage(ctx, chatID, "interactive", string(cardJSON), receiveIDType)
}

// buildCardElements splits content into markdown and native table
// elements so markdown tables render properly.
func buildCardElements(content string) []map[string]interface{} {
	var elements []map[string]interface{}
	lastEnd := 0

	for _, loc := range tableRe.FindAllStringIndex(content, -1) {
		if before := strings.TrimSpace(content[lastEnd:loc[0]]); before != "" {
			elements = append(elements, map[string]interface{}{"tag": "markdown", "content": before})
		}
		block := content[loc[0]:loc[1]]
		if table := parseMarkdownTable(block); table != nil {
			elements = append(elements, table)
		} else {
			elements = append(elements, map[string]interface{}{"tag": "markdown", "content": block})
		}
		lastEnd = loc[1]
	}

	if remaining := strings.TrimSpace(content[lastEnd:]); remaining != "" {
		elements = append(elements, map[string]interface{}{"tag": "markdown", "content": remaining})
	}
	if len(elements) == 0 {
		elements = append(elements, map[string]interface{}{"tag": "markdown", "content": content})
	}
	return elements
}

// parseMarkdownTable converts a markdown table block into a card table
// element, or nil when the block is not a well-formed table.
func parseMarkdownTable(block string) map[string]interface{} {
	var lines []string
	for _, line := range strings.Split(strings.TrimSpace(block), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) < 3 {
		return nil
	}

	splitRow := func(line string) []string {
		cells := strings.Split(strings.Trim(line, "|"), "|")
		for i := range cells {
			cells[i] = strings.TrimSpace(cells[i])
		}
		return cells
	}

	headers := splitRow(lines[0])
	columns := make([]map[string]interface{}, len(headers))
	for i, h := range headers {
		columns[i] = map[string]interface{}{
			"tag":          "column",
			"name":         fmt.Sprintf("c%d", i),
			"display_name": h,
			"width":        "auto",
		}
	}

	rows := make([]map[string]string, 0, len(lines)-2)
	for _, line := range lines[2:] {
		cells := splitRow(line)
		row := make(map[string]string, len(headers))
		for i := range headers {
			if i < len(cells) {
				row[fmt.Sprintf("c%d", i)] = cells[i]
			} else {
				row[fmt.Sprintf("c%d", i)] = ""
			}
		}
		rows = append(rows, row)
	}

	return map[string]interface{}{
		"tag":       "table",
		"page_size": len(rows) + 1,
		"columns":   columns,
		"rows":      rows,
	}
}

// isImageFile reports whether the path looks like an image by
// extension.
func isImageFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".bmp", ".webp":
		return true
	}
	return false
}

func (c *Channel) sendMediaFile(ctx context.Context, chatID, path, receiveIDType string) error {
	if isImageFile(path) {
		key, err := c.uploadImage(ctx, path)
		if err != nil {
			return err
		}
		content, _ := json.Marshal(map[string]string{"image_key": key})
		return c.createMessage(ctx, chatID, "image", string(content), receiveIDType)
	}

	key, err := c.uploadFile(ctx, path)
	if err != nil {
		return err
	}
	content, _ := json.Marshal(map[string]string{"file_key": key})
	return c.createMessage(ctx, chatID, "file", string(content), receiveIDType)
}

func (c *Channel) createMessage(ctx context.Context, chatID, msgType, content, receiveIDType string) error {
	body := map[string]string{
		"receive_id": chatID,
		"msg_type":   msgType,
		"content":    content,
	}
	return c.doAPI(ctx, "POST", "/im/v1/messages?receive_id_type="+receiveIDType, body, nil)
}

func (c *Channel) uploadImage(ctx context.Context, path string) (string, error) {
	var result struct {
		ImageKey string `json:"image_key"`
	}
	err := c.uploadMultipart(ctx, "/im/v1/images", path, map[string]string{
		"image_type": "message",
	}, "image", &result)
	if err != nil {
		return "", err
	}
	return result.ImageKey, nil
}

func (c *Channel) uploadFile(ctx context.Context, path string) (string, error) {
	var result struct {
		FileKey string `json:"file_key"`
	}
	err := c.uploadMultipart(ctx, "/im/v1/files", path, map[string]string{
		"file_type": "stream",
		"file_name": filepath.Base(path),
	}, "file", &result)
	if err != nil {
		return "", err
	}
	return result.FileKey, nil
}

func (c *Channel) uploadMultipart(ctx context.Context, path, filePath string, fields map[string]string, fileField string, out interface{}) error {
	token, err := c.getTenantToken(ctx)
	if err != nil {
		return err
	}

	f, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		w.WriteField(k, v)
	}
	part, err := w.CreateFormFile(fileField, filepath.Base(filePath))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return err
	}
	w.Close()

	req, err := http.NewRequestWithContext(ctx, "POST", c.apiBase+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeEnvelope(resp, out)
}

// doAPI issues an authenticated JSON request against the open API.
func (c *Channel) doAPI(ctx context.Context, method, path string, body, out interface{}) error {
	token, err := c.getTenantToken(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiBase+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeEnvelope(resp, out)
}

// decodeEnvelope unwraps the {code, msg, data} envelope all open API
// responses share.
func decodeEnvelope(resp *http.Response, out interface{}) error {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	var envelope struct {
		Code int             `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("decode response (HTTP %d): %w", resp.StatusCode, err)
	}
	if envelope.Code != 0 {
		return fmt.Errorf("feishu api: code=%d msg=%s", envelope.Code, envelope.Msg)
	}
	if out != nil && len(envelope.Data) > 0 {
		return json.Unmarshal(envelope.Data, out)
	}
	return nil
}

// getTenantToken returns a cached tenant access token, refreshing 60s
// early.
func (c *Channel) getTenantToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.tenantToken != "" && time.Now().Before(c.tokenExpiry) {
		return c.tenantToken, nil
	}

	payload, _ := json.Marshal(map[string]string{
		"app_id":     c.config.AppID,
		"app_secret": c.config.AppSecret,
	})
	req, err := http.NewRequestWithContext(ctx, "POST", c.apiBase+"/auth/v3/tenant_access_token/internal", bytes.NewReader(payload))
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
		Code              int    `json:"code"`
		Msg               string `json:"msg"`
		TenantAccessToken string `json:"tenant_access_token"`
		Expire            int    `json:"expire"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if result.Code != 0 {
		return "", fmt.Errorf("tenant token: code=%d msg=%s", result.Code, result.Msg)
	}
	if result.Expire <= 0 {
		result.Expire = 7200
	}

	c.tenantToken = result.TenantAccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(result.Expire-60) * time.Second)
	return c.tenantToken, nil
}

// connectionEndpoint registers the app and returns the event stream
// WebSocket URL.
func (c *Channel) connectionEndpoint(ctx context.Context) (string, error) {
	payload, _ := json.Marshal(map[string]string{
		"AppID":     c.config.AppID,
		"AppSecret": c.config.AppSecret,
	})
	req, err := http.NewRequestWithContext(ctx, "POST", wsEndpointURL, bytes.NewReader(payload))
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
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			URL string `json:"url"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	if result.Code != 0 {
		return "", fmt.Errorf("code=%d msg=%s", result.Code, result.Msg)
	}
	if result.Data.URL == "" {
		return "", fmt.Errorf("empty endpoint url")
	}
	return result.Data.URL, nil
}
