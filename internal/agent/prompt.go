package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/countbot/countbot/internal/config"
	"github.com/countbot/countbot/internal/memory"
	"github.com/countbot/countbot/internal/store"
)

// shanghaiTZ is the assistant's home timezone for "current time" context.
var shanghaiTZ = mustLoadLocation("Asia/Shanghai")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone("CST", 8*3600)
	}
	return loc
}

const memoryTailEntries = 10

// composeSystemPrompt builds the system prompt from persona settings, the
// active personality, recent long-term memory and the current time.
func composeSystemPrompt(persona config.PersonaConfig, st *store.Store, mem *memory.Store, extra string, now time.Time) string {
	var b strings.Builder

	fmt.Fprintf(&b, "你是 %s，%s 的个人AI助理。", persona.AIName, persona.UserName)
	if persona.UserAddress != "" {
		fmt.Fprintf(&b, "称呼用户为「%s」。", persona.UserAddress)
	}
	b.WriteString("\n\n")

	if prompt := personalityPrompt(persona, st); prompt != "" {
		b.WriteString(prompt)
		b.WriteString("\n\n")
	}

	fmt.Fprintf(&b, "当前时间：%s\n\n", now.In(shanghaiTZ).Format("2006-01-02 15:04 Monday"))

	if mem != nil && mem.LineCount() > 0 {
		b.WriteString("最近的长期记忆（可用 memory_search 检索更多）：\n")
		b.WriteString(mem.Recent(memoryTailEntries))
		b.WriteString("\n\n")
	}

	b.WriteString("重要的事实、偏好和待办请用 memory_append 保存。长耗时任务用 spawn_subagent 放到后台。")

	if extra != "" {
		b.WriteString("\n\n")
		b.WriteString(extra)
	}
	return b.String()
}

// personalityPrompt resolves the persona's behavior prompt. A custom
// personality overrides the named one.
func personalityPrompt(persona config.PersonaConfig, st *store.Store) string {
	if persona.CustomPersonality != "" {
		return persona.CustomPersonality
	}
	if persona.Personality == "" || st == nil {
		return ""
	}
	p, err := st.GetPersonality(persona.Personality)
	if err != nil {
		return ""
	}
	return p.Prompt
}
