package qq

import (
	"errors"
	"fmt"
	"testing"
	"time"

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
	return New(config.QQConfig{AppID: "app", Secret: "secret"}, b)
}

func TestPassiveContextWindow(t *testing.T) {
	c := newTestChannel(t)

	c.rememberReplyContext("chat1", "msg1", true)
	rc, ok := c.passiveContext("chat1")
	if !ok || rc.msgID != "msg1" || !rc.isGroup {
		t.Errorf("context = %+v ok=%v", rc, ok)
	}

	// Expired context is not usable for passive replies.
	c.replyMu.Lock()
	rc = c.replyCtx["chat1"]
	rc.timestamp = time.Now().Add(-passiveReplyTTL - time.Second)
	c.replyCtx["chat1"] = rc
	c.replyMu.Unlock()

	if _, ok := c.passiveContext("chat1"); ok {
		t.Error("expired context should not be passive")
	}
	if _, ok := c.passiveContext("unknown"); ok {
		t.Error("unknown chat should have no context")
	}
}

func TestReplyContextEviction(t *testing.T) {
	c := newTestChannel(t)
	for i := 0; i < replyContextCap+10; i++ {
		c.rememberReplyContext(fmt.Sprintf("chat%d", i), "m", false)
	}
	if len(c.replyCtx) != replyContextCap {
		t.Errorf("context cache size = %d, want %d", len(c.replyCtx), replyContextCap)
	}
	if _, ok := c.passiveContext("chat0"); ok {
		t.Error("oldest context should be evicted")
	}
}

func TestMsgSeqIncrementsPerChat(t *testing.T) {
	c := newTestChannel(t)
	if c.nextSeq("a") != 1 || c.nextSeq("a") != 2 {
		t.Error("seq should increment per chat")
	}
	if c.nextSeq("b") != 1 {
		t.Error("seq should be independent per chat")
	}
}

func TestDispatchDedup(t *testing.T) {
	c := newTestChannel(t)
	event := []byte(`{"id":"m1","content":"hi","author":{"user_openid":"u1"}}`)

	c.handleDispatch("C2C_MESSAGE_CREATE", event)
	c.handleDispatch("C2C_MESSAGE_CREATE", event)
	if c.Bus().InboundSize() != 1 {
		t.Errorf("inbound = %d, redelivery should be dropped", c.Bus().InboundSize())
	}
}

func TestDispatchGroupUsesGroupOpenID(t *testing.T) {
	c := newTestChannel(t)
	event := []byte(`{"id":"m2","content":"hello","author":{"member_openid":"u2"},"group_openid":"g1"}`)

	c.handleDispatch("GROUP_AT_MESSAGE_CREATE", event)
	rc, ok := c.passiveContext("g1")
	if !ok || !rc.isGroup {
		t.Errorf("group reply context missing: %+v ok=%v", rc, ok)
	}
}

func TestHintFor(t *testing.T) {
	if got := hintFor(errors.New("qq api: HTTP 400: code 11255")); got != "markdown 模板不可用，已回退纯文本" {
		t.Errorf("hint = %q", got)
	}
	if got := hintFor(errors.New("code 304082")); got != "主动消息触达上限，请等待被动回复窗口" {
		t.Errorf("hint = %q", got)
	}
	if got := hintFor(errors.New("mystery")); got != "详见 QQ 开放平台错误码文档" {
		t.Errorf("hint = %q", got)
	}
}
