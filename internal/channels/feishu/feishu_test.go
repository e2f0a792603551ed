package feishu

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/countbot/countbot/internal/bus"
	"github.com/countbot/countbot/internal/config"
)

func newTestChannel(t *testing.T) *Channel {
	t.Helper()
	b, err := bus.New("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Close() })
	c := New(config.FeishuConfig{AppID: "cli_test", AppSecret: "secret"}, b)
	// Reactions would hit the real API; point them nowhere reachable fast.
	c.apiBase = "http://127.0.0.1:0"
	return c
}

func textEvent(msgID, chatID, chatType, text string) json.RawMessage {
	content, _ := json.Marshal(map[string]string{"text": text})
	ev := map[string]interface{}{
		"header": map[string]string{
			"event_id":   "ev-" + msgID,
			"event_type": "im.message.receive_v1",
		},
		"event": map[string]interface{}{
			"sender": map[string]interface{}{
				"sender_id": map[string]string{"open_id": "ou_sender"},
			},
			"message": map[string]string{
				"message_id":   msgID,
				"chat_id":      chatID,
				"chat_type":    chatType,
				"message_type": "text",
				"content":      string(content),
			},
		},
	}
	raw, _ := json.Marshal(ev)
	return raw
}

func TestHandleEventPublishesInbound(t *testing.T) {
	c := newTestChannel(t)
	c.handleEvent(context.Background(), textEvent("om_1", "oc_chat", "p2p", "hello"))
	if c.Bus().InboundSize() != 1 {
		t.Errorf("inbound = %d", c.Bus().InboundSize())
	}
}

func TestHandleEventDedup(t *testing.T) {
	c := newTestChannel(t)
	ev := textEvent("om_dup", "oc_chat", "group", "hi")
	c.handleEvent(context.Background(), ev)
	c.handleEvent(context.Background(), ev)
	if c.Bus().InboundSize() != 1 {
		t.Errorf("inbound = %d, redelivery should be dropped", c.Bus().InboundSize())
	}
}

func TestGroupRepliesTargetChat(t *testing.T) {
	c := newTestChannel(t)

	c.handleEvent(context.Background(), textEvent("om_g", "oc_group1", "group", "group msg"))
	qm, ok := c.Bus().ConsumeInbound(context.Background())
	if !ok || qm.Message.ChatID != "oc_group1" {
		t.Errorf("group chat id = %q ok=%v", qm.Message.ChatID, ok)
	}
	c.Bus().MarkDone(qm.ID)

	c.handleEvent(context.Background(), textEvent("om_p", "oc_private", "p2p", "dm"))
	qm, ok = c.Bus().ConsumeInbound(context.Background())
	if !ok || qm.Message.ChatID != "ou_sender" {
		t.Errorf("p2p chat id = %q ok=%v, want sender open id", qm.Message.ChatID, ok)
	}
	c.Bus().MarkDone(qm.ID)
}

func TestParseTextContent(t *testing.T) {
	if got := parseTextContent(`{"text":"  hi there "}`); got != "hi there" {
		t.Errorf("parseTextContent = %q", got)
	}
	if got := parseTextContent("plain"); got != "plain" {
		t.Errorf("fallback = %q", got)
	}
}

func TestReceiveIDTypeFor(t *testing.T) {
	if receiveIDTypeFor("oc_abc") != "chat_id" {
		t.Error("oc_ prefix should be chat_id")
	}
	if receiveIDTypeFor("ou_abc") != "open_id" {
		t.Error("open ids should be open_id")
	}
}

func TestBuildCardElementsPlainMarkdown(t *testing.T) {
	elements := buildCardElements("just **markdown**")
	if len(elements) != 1 || elements[0]["tag"] != "markdown" {
		t.Fatalf("elements = %v", elements)
	}
}

func TestBuildCardElementsWithTable(t *testing.T) {
	content := "intro\n\n| Name | Age |\n| --- | --- |\n| Bob | 3 |\n\noutro"
	elements := buildCardElements(content)
	if len(elements) != 3 {
		t.Fatalf("elements = %d, want markdown/table/markdown", len(elements))
	}
	table := elements[1]
	if table["tag"] != "table" {
		t.Fatalf("middle element = %v", table)
	}
	columns := table["columns"].([]map[string]interface{})
	if len(columns) != 2 || columns[0]["display_name"] != "Name" {
		t.Errorf("columns = %v", columns)
	}
	rows := table["rows"].([]map[string]string)
	if len(rows) != 1 || rows[0]["c0"] != "Bob" || rows[0]["c1"] != "3" {
		t.Errorf("rows = %v", rows)
	}
}

func TestParseMarkdownTableRejectsShortBlock(t *testing.T) {
	if parseMarkdownTable("| a |\n| - |") != nil {
		t.Error("two-line block is not a table")
	}
}

func TestParseMarkdownTablePadsShortRows(t *testing.T) {
	table := parseMarkdownTable("| A | B |\n| - | - |\n| only |")
	if table == nil {
		t.Fatal("table should parse")
	}
	rows := table["rows"].([]map[string]string)
	if rows[0]["c1"] != "" {
		t.Errorf("missing cell should be empty, got %q", rows[0]["c1"])
	}
}

func TestIsImageFile(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"a.PNG", true},
		{"b.jpeg", true},
		{"c.pdf", false},
		{"noext", false},
	}
	for _, tt := range tests {
		if got := isImageFile(tt.path); got != tt.want {
			t.Errorf("isImageFile(%q) = %v", tt.path, got)
		}
	}
}

func TestExtractContentPlaceholders(t *testing.T) {
	c := newTestChannel(t)
	for msgType, want := range map[string]string{
		"audio":   "[语音]",
		"file":    "[文件]",
		"sticker": "[表情]",
	} {
		got, _ := c.extractContent(context.Background(), "om_x", msgType, "{}")
		if got != want {
			t.Errorf("extractContent(%s) = %q, want %q", msgType, got, want)
		}
	}
	got, _ := c.extractContent(context.Background(), "om_x", "share_chat", "{}")
	if got != "[share_chat]" {
		t.Errorf("unknown type = %q", got)
	}
}
