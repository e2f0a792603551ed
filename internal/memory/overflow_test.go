package memory

import (
	"strings"
	"testing"

	"github.com/countbot/countbot/internal/store"
)

func TestFormatForSummarySkipsTrivialAcks(t *testing.T) {
	msgs := []store.Message{
		{Role: "user", Content: "好的"},
		{Role: "assistant", Content: "ok"},
		{Role: "user", Content: "帮我订明天上午十点的会议室"},
		{Role: "user", Content: "谢谢啦"},
		{Role: "assistant", Content: "已经订好了，在三楼会议室A"},
	}
	text := formatForSummary(msgs, 4000)

	lines := strings.Split(text, "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d: %q", len(lines), text)
	}
	if !strings.HasPrefix(lines[0], "用户: 帮我订") || !strings.HasPrefix(lines[1], "AI: 已经订好了") {
		t.Errorf("text = %q", text)
	}
}

func TestFormatForSummaryTruncatesLongMessages(t *testing.T) {
	long := strings.Repeat("长", 400)
	text := formatForSummary([]store.Message{{Role: "user", Content: long}}, 4000)

	if !strings.HasSuffix(text, "...") {
		t.Fatalf("no truncation marker: %q", text[len(text)-20:])
	}
	content := strings.TrimSuffix(strings.TrimPrefix(text, "用户: "), "...")
	if n := len([]rune(content)); n != 300 {
		t.Errorf("truncated length = %d runes, want 300", n)
	}
}

func TestFormatForSummaryStopsAtBudget(t *testing.T) {
	msgs := []store.Message{
		{Role: "user", Content: "第一条足够长的消息内容"},
		{Role: "user", Content: "第二条足够长的消息内容"},
		{Role: "user", Content: "第三条足够长的消息内容"},
	}
	text := formatForSummary(msgs, 30)

	if strings.Contains(text, "第三条") {
		t.Errorf("budget not enforced: %q", text)
	}
	if !strings.Contains(text, "第一条") {
		t.Errorf("first message missing: %q", text)
	}
}
