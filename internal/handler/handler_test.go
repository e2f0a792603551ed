package handler

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/countbot/countbot/internal/agent"
	"github.com/countbot/countbot/internal/bus"
	"github.com/countbot/countbot/internal/channels"
	"github.com/countbot/countbot/internal/config"
	"github.com/countbot/countbot/internal/providers"
	"github.com/countbot/countbot/internal/store"
	"github.com/countbot/countbot/internal/tools"
)

type fakeProvider struct {
	response *providers.ChatResponse
	err      error
}

func (p *fakeProvider) Chat(_ context.Context, _ providers.ChatRequest) (*providers.ChatResponse, error) {
	return p.response, p.err
}

func (p *fakeProvider) ChatStream(ctx context.Context, req providers.ChatRequest, _ func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	return p.Chat(ctx, req)
}

func (p *fakeProvider) DefaultModel() string { return "fake-model" }
func (p *fakeProvider) Name() string         { return "fake" }

func newTestHandler(t *testing.T, provider providers.Provider) (*Handler, *bus.MessageBus, *store.Store) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	b, err := bus.New("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Close() })

	cfg := config.Default()
	loop := agent.NewLoop(agent.LoopConfig{
		Config:   cfg,
		Store:    st,
		Tools:    tools.NewRegistry(),
		Provider: provider,
	})

	h := New(Config{Bus: b, Store: st, Loop: loop, AppConfig: cfg})
	return h, b, st
}

func takeReply(t *testing.T, b *bus.MessageBus) bus.OutboundMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, ok := b.ConsumeOutbound(ctx)
	if !ok {
		t.Fatal("no outbound reply")
	}
	return msg
}

func inbound(content string) bus.InboundMessage {
	return bus.InboundMessage{
		Channel:  "telegram",
		SenderID: "42|alice",
		ChatID:   "chat1",
		Content:  content,
	}
}

func TestHelpCommand(t *testing.T) {
	h, b, _ := newTestHandler(t, &fakeProvider{})
	if err := h.process(context.Background(), inbound("/help")); err != nil {
		t.Fatal(err)
	}
	reply := takeReply(t, b)
	if !strings.HasPrefix(reply.Content, "Commands:") {
		t.Errorf("help reply = %q", reply.Content)
	}
	if reply.Channel != "telegram" || reply.ChatID != "chat1" {
		t.Errorf("reply routing = %s/%s", reply.Channel, reply.ChatID)
	}
}

func TestMentionStrippedBeforeCommandMatch(t *testing.T) {
	h, b, _ := newTestHandler(t, &fakeProvider{})
	if err := h.process(context.Background(), inbound("@_user_123 /help")); err != nil {
		t.Fatal(err)
	}
	if reply := takeReply(t, b); !strings.HasPrefix(reply.Content, "Commands:") {
		t.Errorf("reply = %q", reply.Content)
	}
}

func TestNewSessionCommand(t *testing.T) {
	h, b, st := newTestHandler(t, &fakeProvider{})
	if err := h.process(context.Background(), inbound("/new")); err != nil {
		t.Fatal(err)
	}
	reply := takeReply(t, b)
	if !strings.HasPrefix(reply.Content, "New session created: ") {
		t.Fatalf("reply = %q", reply.Content)
	}
	if !strings.Contains(reply.Content, "Name: telegram:chat1:") {
		t.Errorf("session name missing timestamp suffix: %q", reply.Content)
	}

	// Subsequent messages must land in the new session.
	sessions, err := st.ListSessions("telegram:chat1", 10)
	if err != nil || len(sessions) != 1 {
		t.Fatalf("sessions = %v err=%v", sessions, err)
	}
	id, err := h.getOrCreateSession(inbound("hi"))
	if err != nil || id != sessions[0].ID {
		t.Errorf("active session = %q, want %q (err=%v)", id, sessions[0].ID, err)
	}
}

func TestListSessionsEmpty(t *testing.T) {
	h, b, _ := newTestHandler(t, &fakeProvider{})
	if err := h.process(context.Background(), inbound("/list")); err != nil {
		t.Fatal(err)
	}
	if reply := takeReply(t, b); reply.Content != "No sessions found." {
		t.Errorf("reply = %q", reply.Content)
	}
}

func TestSwitchSessionCommand(t *testing.T) {
	h, b, st := newTestHandler(t, &fakeProvider{})

	sess, err := st.CreateSession("telegram:chat1")
	if err != nil {
		t.Fatal(err)
	}

	h.process(context.Background(), inbound("/switch nope"))
	if reply := takeReply(t, b); reply.Content != "Session nope not found." {
		t.Errorf("reply = %q", reply.Content)
	}

	h.process(context.Background(), inbound("/switch "+sess.ID))
	if reply := takeReply(t, b); reply.Content != "Switched to session: telegram:chat1" {
		t.Errorf("reply = %q", reply.Content)
	}
}

func TestClearHistoryCommand(t *testing.T) {
	h, b, st := newTestHandler(t, &fakeProvider{})

	sess, err := st.CreateSession("telegram:chat1")
	if err != nil {
		t.Fatal(err)
	}
	st.AddMessage(sess.ID, "user", "remember me")

	if err := h.process(context.Background(), inbound("/clear")); err != nil {
		t.Fatal(err)
	}
	if reply := takeReply(t, b); reply.Content != "History cleared." {
		t.Errorf("reply = %q", reply.Content)
	}
	if n, _ := st.MessageCount(sess.ID); n != 0 {
		t.Errorf("messages after clear = %d", n)
	}
}

func TestStopWithoutActiveTask(t *testing.T) {
	h, b, _ := newTestHandler(t, &fakeProvider{})
	if err := h.process(context.Background(), inbound("/stop")); err != nil {
		t.Fatal(err)
	}
	if reply := takeReply(t, b); reply.Content != "No active task to stop." {
		t.Errorf("reply = %q", reply.Content)
	}
}

func TestAgentTurnSavesAndReplies(t *testing.T) {
	h, b, st := newTestHandler(t, &fakeProvider{
		response: &providers.ChatResponse{Content: "pong", FinishReason: "stop"},
	})

	if err := h.process(context.Background(), inbound("ping")); err != nil {
		t.Fatal(err)
	}
	if reply := takeReply(t, b); reply.Content != "pong" {
		t.Errorf("reply = %q", reply.Content)
	}

	sess, err := st.FindSessionByName("telegram:chat1")
	if err != nil {
		t.Fatal(err)
	}
	msgs, err := st.GetMessages(sess.ID, 10)
	if err != nil || len(msgs) != 2 {
		t.Fatalf("messages = %d err=%v", len(msgs), err)
	}
	if msgs[0].Role != "user" || msgs[0].Content != "ping" {
		t.Errorf("first = %+v", msgs[0])
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != "pong" {
		t.Errorf("second = %+v", msgs[1])
	}
}

func TestEmptyResponseFallback(t *testing.T) {
	h, b, _ := newTestHandler(t, &fakeProvider{
		response: &providers.ChatResponse{Content: "", FinishReason: "stop"},
	})
	if err := h.process(context.Background(), inbound("hello")); err != nil {
		t.Fatal(err)
	}
	if reply := takeReply(t, b); reply.Content != emptyReply {
		t.Errorf("reply = %q", reply.Content)
	}
}

func TestProviderErrorGetsFriendlyReply(t *testing.T) {
	h, b, _ := newTestHandler(t, &fakeProvider{err: errors.New("HTTP 429: rate limit exceeded")})
	if err := h.process(context.Background(), inbound("hello")); err != nil {
		t.Fatal(err)
	}
	reply := takeReply(t, b)
	if !strings.Contains(reply.Content, "额度不足") {
		t.Errorf("reply = %q", reply.Content)
	}
}

func TestRateLimitedSenderIsDenied(t *testing.T) {
	h, b, _ := newTestHandler(t, &fakeProvider{
		response: &providers.ChatResponse{Content: "ok", FinishReason: "stop"},
	})
	h.limiter = channels.NewSenderLimiter(1, time.Minute)

	h.process(context.Background(), inbound("first"))
	takeReply(t, b)

	h.process(context.Background(), inbound("second"))
	if reply := takeReply(t, b); !strings.Contains(reply.Content, "发送太频繁") {
		t.Errorf("reply = %q", reply.Content)
	}
}

func TestMetadataSessionOverride(t *testing.T) {
	h, _, st := newTestHandler(t, &fakeProvider{})
	sess, err := st.CreateSession("web:ui")
	if err != nil {
		t.Fatal(err)
	}

	msg := inbound("hi")
	msg.Metadata = map[string]string{"session_id": sess.ID}
	id, err := h.getOrCreateSession(msg)
	if err != nil || id != sess.ID {
		t.Errorf("session = %q err=%v", id, err)
	}
}
