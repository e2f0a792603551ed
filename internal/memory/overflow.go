package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/countbot/countbot/internal/providers"
	"github.com/countbot/countbot/internal/store"
)

const overflowSummaryPrompt = `你是一个记忆整理助手。请将以下对话内容提炼为一条简洁的记忆条目（一行以内），
只保留长期有价值的事实、决定、偏好和待办事项。多个事项用；分隔。
如果对话没有值得长期记住的内容，只回复"无需记录"。

对话内容：
%s`

// formatCharLimit caps the conversation text fed to the summary prompt.
const formatCharLimit = 4000

// messageCharLimit caps a single message inside the summary text.
const messageCharLimit = 300

// ackPrefixes mark short messages that carry no facts worth remembering.
var ackPrefixes = []string{
	"好的", "知道了", "明白", "收到", "谢谢", "好", "行",
	"嗯", "哦", "ok", "OK", "Ok", "嗯嗯", "哦哦", "好好",
	"了解", "可以", "没问题", "对", "是的", "没错", "确实",
	"哈哈", "呵呵", "嘻嘻", "666", "👍", "🙏", "感谢",
	"thanks", "thx", "yes", "no", "yep", "nope", "sure",
	"got it", "noted", "fine", "cool", "nice",
}

// isTrivialAck reports whether a message is a short acknowledgement
// ("好的", "ok") that should not reach the summary prompt.
func isTrivialAck(content string) bool {
	if utf8.RuneCountInString(content) > 8 {
		return false
	}
	for _, p := range ackPrefixes {
		if strings.HasPrefix(content, p) {
			return true
		}
	}
	return false
}

// Summarizer condenses messages that scroll out of the rolling history
// window into memory entries, so context survives the window.
type Summarizer struct {
	store    *store.Store
	memory   *Store
	provider providers.Provider
	model    string
}

// NewSummarizer wires the overflow summarizer. provider may change at
// runtime via SetProvider when settings reload.
func NewSummarizer(st *store.Store, mem *Store, provider providers.Provider, model string) *Summarizer {
	return &Summarizer{store: st, memory: mem, provider: provider, model: model}
}

// SetProvider swaps the LLM used for summaries (settings hot reload).
func (s *Summarizer) SetProvider(p providers.Provider, model string) {
	s.provider = p
	s.model = model
}

// SummarizeOverflow condenses messages beyond maxHistory into one memory
// entry. Only messages past the session's summarization watermark are
// considered, so each message is summarized at most once. Call before
// loading history for an agent turn.
func (s *Summarizer) SummarizeOverflow(ctx context.Context, sessionID string, maxHistory int) error {
	if s.provider == nil || maxHistory <= 0 {
		return nil
	}

	total, err := s.store.MessageCount(sessionID)
	if err != nil {
		return err
	}
	if total <= maxHistory {
		return nil
	}
	overflowCount := total - maxHistory

	sess, err := s.store.GetSession(sessionID)
	if err != nil {
		return err
	}

	overflow, err := s.store.MessagesAfter(sessionID, sess.LastSummarizedMsgID, overflowCount)
	if err != nil {
		return err
	}
	if len(overflow) == 0 {
		return nil
	}
	lastID := overflow[len(overflow)-1].ID

	var toSummarize []store.Message
	for _, m := range overflow {
		if (m.Role == "user" || m.Role == "assistant") && m.Content != "" {
			toSummarize = append(toSummarize, m)
		}
	}

	// Too few turns to be worth an LLM call; still advance the watermark.
	if len(toSummarize) < 3 {
		return s.store.SetLastSummarized(sessionID, lastID)
	}

	prompt := fmt.Sprintf(overflowSummaryPrompt, formatForSummary(toSummarize, formatCharLimit))
	resp, err := s.provider.Chat(ctx, providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: prompt}},
		Model:    s.model,
		Options:  map[string]interface{}{"temperature": 0.3},
	})
	if err != nil {
		return fmt.Errorf("overflow summary: %w", err)
	}

	summary := strings.TrimSpace(resp.Content)
	if summary != "" && !strings.Contains(summary, "无需记录") {
		if _, err := s.memory.Append("auto-overflow", summary); err != nil {
			return err
		}
		slog.Info("overflow summary saved",
			"session_id", sessionID, "messages", len(overflow))
	}

	return s.store.SetLastSummarized(sessionID, lastID)
}

// formatForSummary renders messages as "用户:/AI:" lines. Trivial acks
// are skipped, each message is capped at messageCharLimit runes, and the
// output stops once maxChars is reached.
func formatForSummary(msgs []store.Message, maxChars int) string {
	var lines []string
	total := 0

	for _, m := range msgs {
		content := strings.TrimSpace(m.Content)
		if content == "" || isTrivialAck(content) {
			continue
		}
		if runes := []rune(content); len(runes) > messageCharLimit {
			content = string(runes[:messageCharLimit]) + "..."
		}

		label := "用户"
		if m.Role == "assistant" {
			label = "AI"
		}
		line := fmt.Sprintf("%s: %s", label, content)

		n := utf8.RuneCountInString(line)
		if total+n+1 > maxChars {
			break
		}
		lines = append(lines, line)
		total += n + 1
	}
	return strings.Join(lines, "\n")
}
