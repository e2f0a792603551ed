// Package qq connects to the QQ official bot platform: a WebSocket
// gateway for inbound events and the OpenAPI for replies.
package qq

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
	apiBase  = "https://api.sgroup.qq.com"
	tokenURL = "https://bots.qq.com/app/getAppAccessToken"

	// Passive replies must reference an inbound msg_id within QQ's
	// 5-minute window; stay under it with margin.
	passiveReplyTTL = 290 * time.Second

	replyContextCap = 200
	processedIDsCap = 1000

	msgTypeText     = 0
	msgTypeMarkdown = 2
)

// errorHints map QQ API error codes to actionable operator hints.
var errorHints = map[string]string{
	"4005":   "markdown 未开通，请在 QQ 开放平台申请 markdown 消息权限",
	"11255":  "markdown 模板不可用，已回退纯文本",
	"22009":  "消息被安全打击，请调整内容后重试",
	"304082": "主动消息触达上限，请等待被动回复窗口",
	"304083": "主动消息触达上限，请等待被动回复窗口",
}

// replyContext remembers an inbound message so the reply can ride the
// passive (free) window.
type replyContext struct {
	msgID     string
	isGroup   bool
	timestamp time.Time
}

// Channel is the QQ adapter.
type Channel struct {
	*channels.BaseChannel
	config config.QQConfig
	client *http.Client

	tokenMu     sync.Mutex
	accessToken string
	tokenExpiry time.Time

	replyMu      sync.Mutex
	replyCtx     map[string]replyContext // chatID → latest inbound context
	replyOrder   []string
	processedIDs *channels.SeenCache

	seqMu  sync.Mutex
	msgSeq map[string]int // chatID → active-message sequence counter
}

// New creates a QQ channel from config.
func New(cfg config.QQConfig, msgBus *bus.MessageBus) *Channel {
	return &Channel{
		BaseChannel:  channels.NewBaseChannel("qq", msgBus, cfg.AllowFrom),
		config:       cfg,
		client:       &http.Client{Timeout: 30 * time.Second},
		replyCtx:     make(map[string]replyContext),
		processedIDs: channels.NewSeenCache(processedIDsCap),
		msgSeq:       make(map[string]int),
	}
}

// gateway wire frames.

type wsPayload struct {
	Op   int             `json:"op"`
	Data json.RawMessage `json:"d,omitempty"`
	Seq  int64           `json:"s,omitempty"`
	Type string          `json:"t,omitempty"`
}

const (
	opDispatch     = 0
	opHeartbeat    = 1
	opIdentify     = 2
	opReconnect    = 7
	opInvalidSess  = 9
	opHello        = 10
	opHeartbeatACK = 11
)

// Start connects to the gateway and processes events until ctx ends.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting qq bot")

	token, err := c.getAccessToken(ctx)
	if err != nil {
		return fmt.Errorf("qq access token: %w", err)
	}

	gatewayURL, err := c.getGatewayURL(ctx, token)
	if err != nil {
		return fmt.Errorf("qq gateway url: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, gatewayURL, nil)
	if err != nil {
		return fmt.Errorf("dial qq gateway: %w", err)
	}
	defer conn.Close()

	// Hello frame carries the heartbeat interval.
	var hello wsPayload
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	var helloData struct {
		HeartbeatInterval int `json:"heartbeat_interval"`
	}
	if err := json.Unmarshal(hello.Data, &helloData); err != nil || helloData.HeartbeatInterval <= 0 {
		helloData.HeartbeatInterval = 41250
	}

	identify, _ := json.Marshal(map[string]interface{}{
		"token":      "QQBot " + token,
		"intents":    1<<25 | 1<<30, // group/C2C messages + public guild messages
		"shard":      []int{0, 1},
		"properties": map[string]string{},
	})
	if err := conn.WriteJSON(wsPayload{Op: opIdentify, Data: identify}); err != nil {
		return fmt.Errorf("identify: %w", err)
	}

	c.SetRunning(true)
	defer c.SetRunning(false)
	slog.Info("qq bot connected")

	var lastSeq int64
	heartbeat := time.NewTicker(time.Duration(helloData.HeartbeatInterval) * time.Millisecond)
	defer heartbeat.Stop()

	frames := make(chan wsPayload, 16)
	readErr := make(chan error, 1)
	go func() {
		for {
			var p wsPayload
			if err := conn.ReadJSON(&p); err != nil {
				readErr <- err
				return
			}
			frames <- p
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return fmt.Errorf("qq gateway read: %w", err)
		case <-heartbeat.C:
			seq, _ := json.Marshal(lastSeq)
			if err := conn.WriteJSON(wsPayload{Op: opHeartbeat, Data: seq}); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		case p := <-frames:
			if p.Seq > 0 {
				lastSeq = p.Seq
			}
			switch p.Op {
			case opDispatch:
				c.handleDispatch(p.Type, p.Data)
			case opReconnect, opInvalidSess:
				return fmt.Errorf("qq gateway requested reconnect (op %d)", p.Op)
			case opHeartbeatACK:
			}
		}
	}
}

// Stop is a no-op: cancelling the Start context closes the connection.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping qq bot")
	c.SetRunning(false)
	return nil
}

type qqMessageEvent struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Author  struct {
		ID         string `json:"id"`
		UserOpenID string `json:"user_openid"`
		MemberID   string `json:"member_openid"`
	} `json:"author"`
	GroupOpenID string `json:"group_openid"`
	Attachments []struct {
		URL         string `json:"url"`
		ContentType string `json:"content_type"`
	} `json:"attachments"`
}

func (c *Channel) handleDispatch(eventType string, data json.RawMessage) {
	isGroup := false
	switch eventType {
	case "GROUP_AT_MESSAGE_CREATE":
		isGroup = true
	case "C2C_MESSAGE_CREATE":
	default:
		return
	}

	var ev qqMessageEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		slog.Warn("qq event decode failed", "type", eventType, "error", err)
		return
	}
	if c.processedIDs.Seen(ev.ID) {
		return
	}

	senderID := ev.Author.UserOpenID
	if senderID == "" {
		senderID = ev.Author.MemberID
	}
	if senderID == "" {
		senderID = ev.Author.ID
	}

	chatID := senderID
	if isGroup {
		chatID = ev.GroupOpenID
	}

	c.rememberReplyContext(chatID, ev.ID, isGroup)

	var media []string
	for _, att := range ev.Attachments {
		if att.URL != "" {
			url := att.URL
			if !strings.HasPrefix(url, "http") {
				url = "https://" + url
			}
			media = append(media, url)
		}
	}

	c.HandleMessage(senderID, chatID, strings.TrimSpace(ev.Content), media, map[string]string{
		"message_id": ev.ID,
	}, bus.PriorityNormal)
}

func (c *Channel) rememberReplyContext(chatID, msgID string, isGroup bool) {
	c.replyMu.Lock()
	defer c.replyMu.Unlock()

	if _, exists := c.replyCtx[chatID]; !exists {
		c.replyOrder = append(c.replyOrder, chatID)
		if len(c.replyOrder) > replyContextCap {
			evict := c.replyOrder[0]
			c.replyOrder = c.replyOrder[1:]
			delete(c.replyCtx, evict)
		}
	}
	c.replyCtx[chatID] = replyContext{msgID: msgID, isGroup: isGroup, timestamp: time.Now()}
}

// passiveContext returns the reply context when still inside the passive
// window.
func (c *Channel) passiveContext(chatID string) (replyContext, bool) {
	c.replyMu.Lock()
	defer c.replyMu.Unlock()
	rc, ok := c.replyCtx[chatID]
	if !ok || time.Since(rc.timestamp) > passiveReplyTTL {
		return replyContext{}, false
	}
	return rc, true
}

func (c *Channel) nextSeq(chatID string) int {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	c.msgSeq[chatID]++
	return c.msgSeq[chatID]
}

// Send delivers an outbound message: markdown first when enabled, plain
// text fallback on template errors; media go as file attachments.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	rc, passive := c.passiveContext(msg.ChatID)
	isGroup := rc.isGroup

	for _, mediaURL := range msg.Media {
		if err := c.sendMedia(ctx, msg.ChatID, mediaURL, rc, passive, isGroup); err != nil {
			slog.Warn("qq media send failed", "error", err, "hint", hintFor(err))
		}
	}
	if msg.Content == "" {
		return nil
	}

	useMarkdown := c.config.MarkdownEnabled
	if isGroup {
		useMarkdown = c.config.GroupMarkdownEnabled
	}

	if useMarkdown {
		err := c.sendText(ctx, msg.ChatID, msg.Content, msgTypeMarkdown, rc, passive, isGroup)
		if err == nil {
			return nil
		}
		errText := err.Error()
		if !strings.Contains(errText, "11255") && !strings.Contains(errText, "invalid request") {
			return fmt.Errorf("%w (%s)", err, hintFor(err))
		}
		slog.Info("qq markdown rejected, falling back to text", "chat_id", msg.ChatID)
	}

	if err := c.sendText(ctx, msg.ChatID, msg.Content, msgTypeText, rc, passive, isGroup); err != nil {
		return fmt.Errorf("%w (%s)", err, hintFor(err))
	}
	return nil
}

func (c *Channel) sendText(ctx context.Context, chatID, content string, msgType int, rc replyContext, passive, isGroup bool) error {
	body := map[string]interface{}{
		"content":  content,
		"msg_type": msgType,
	}
	if msgType == msgTypeMarkdown {
		body["markdown"] = map[string]string{"content": content}
		body["content"] = " "
	}
	if passive {
		body["msg_id"] = rc.msgID
	} else {
		body["msg_seq"] = c.nextSeq(chatID)
	}
	return c.postMessage(ctx, chatID, isGroup, body)
}

func (c *Channel) sendMedia(ctx context.Context, chatID, mediaURL string, rc replyContext, passive, isGroup bool) error {
	fileType := 2
	lower := strings.ToLower(mediaURL)
	for _, ext := range []string{".jpg", ".jpeg", ".png", ".gif", ".webp"} {
		if strings.HasSuffix(lower, ext) {
			fileType = 1
			break
		}
	}

	// Upload first, then reference the file_info in a rich message.
	uploadPath := fmt.Sprintf("/v2/users/%s/files", chatID)
	if isGroup {
		uploadPath = fmt.Sprintf("/v2/groups/%s/files", chatID)
	}
	var uploaded struct {
		FileInfo string `json:"file_info"`
	}
	if err := c.doAPI(ctx, uploadPath, map[string]interface{}{
		"file_type":   fileType,
		"url":         mediaURL,
		"srv_send_msg": false,
	}, &uploaded); err != nil {
		return err
	}

	body := map[string]interface{}{
		"msg_type": 7, // rich media
		"media":    map[string]string{"file_info": uploaded.FileInfo},
		"content":  " ",
	}
	if passive {
		body["msg_id"] = rc.msgID
	} else {
		body["msg_seq"] = c.nextSeq(chatID)
	}
	return c.postMessage(ctx, chatID, isGroup, body)
}

func (c *Channel) postMessage(ctx context.Context, chatID string, isGroup bool, body map[string]interface{}) error {
	path := fmt.Sprintf("/v2/users/%s/messages", chatID)
	if isGroup {
		path = fmt.Sprintf("/v2/groups/%s/messages", chatID)
	}
	return c.doAPI(ctx, path, body, nil)
}

func (c *Channel) doAPI(ctx context.Context, path string, body interface{}, out interface{}) error {
	token, err := c.getAccessToken(ctx)
	if err != nil {
		return err
	}

	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", apiBase+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "QQBot "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("qq api %s: HTTP %d: %s", path, resp.StatusCode, string(respBody))
	}
	if out != nil {
		return json.Unmarshal(respBody, out)
	}
	return nil
}

// getAccessToken returns a cached app token, refreshing 60s early.
func (c *Channel) getAccessToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	payload, _ := json.Marshal(map[string]string{
		"appId":        c.config.AppID,
		"clientSecret": c.config.Secret,
	})
	req, err := http.NewRequestWithContext(ctx, "POST", tokenURL, bytes.NewReader(payload))
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
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if result.AccessToken == "" {
		return "", fmt.Errorf("empty qq access token")
	}

	expires := 7200
	fmt.Sscanf(result.ExpiresIn, "%d", &expires)
	c.accessToken = result.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(expires-60) * time.Second)
	return c.accessToken, nil
}

func (c *Channel) getGatewayURL(ctx context.Context, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", apiBase+"/gateway", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "QQBot "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	if result.URL == "" {
		return "", fmt.Errorf("empty gateway url")
	}
	return result.URL, nil
}

// hintFor matches a QQ API error against the known error-code hints.
func hintFor(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	for code, hint := range errorHints {
		if strings.Contains(msg, code) {
			return hint
		}
	}
	return "详见 QQ 开放平台错误码文档"
}
