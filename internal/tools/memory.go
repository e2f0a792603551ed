package tools

import (
	"context"
	"fmt"

	"github.com/countbot/countbot/internal/memory"
)

// MemoryAppendTool persists one long-term memory entry.
type MemoryAppendTool struct {
	mem *memory.Store
}

func NewMemoryAppendTool(mem *memory.Store) *MemoryAppendTool {
	return &MemoryAppendTool{mem: mem}
}

func (t *MemoryAppendTool) Name() string { return "memory_append" }
func (t *MemoryAppendTool) Description() string {
	return "Save one fact, preference, decision or todo to long-term memory"
}
func (t *MemoryAppendTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"content": map[string]interface{}{
				"type":        "string",
				"description": "The memory entry to save (one line)",
			},
		},
		"required": []string{"content"},
	}
}

func (t *MemoryAppendTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	content, _ := args["content"].(string)
	if content == "" {
		return ErrorResult("content is required")
	}
	source := SessionID(ctx)
	if source == "" {
		source = "agent"
	}
	line, err := t.mem.Append(source, content)
	if err != nil {
		return ErrorResult(fmt.Sprintf("save memory: %v", err)).WithError(err)
	}
	return SilentResult(fmt.Sprintf("已保存到记忆第 %d 行", line))
}

// MemorySearchTool searches memory by keywords.
type MemorySearchTool struct {
	mem        *memory.Store
	maxResults int
}

func NewMemorySearchTool(mem *memory.Store, maxResults int) *MemorySearchTool {
	if maxResults <= 0 {
		maxResults = 15
	}
	return &MemorySearchTool{mem: mem, maxResults: maxResults}
}

func (t *MemorySearchTool) Name() string { return "memory_search" }
func (t *MemorySearchTool) Description() string {
	return "Search long-term memory by keywords (OR by default, AND with match_all)"
}
func (t *MemorySearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"keywords": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Keywords to search for",
			},
			"match_all": map[string]interface{}{
				"type":        "boolean",
				"description": "Require all keywords to match (AND)",
			},
		},
		"required": []string{"keywords"},
	}
}

func (t *MemorySearchTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	var keywords []string
	if raw, ok := args["keywords"].([]interface{}); ok {
		for _, kw := range raw {
			if s, ok := kw.(string); ok {
				keywords = append(keywords, s)
			}
		}
	}
	matchAll, _ := args["match_all"].(bool)
	return NewResult(t.mem.Search(keywords, t.maxResults, matchAll))
}

// MemoryReadTool reads memory lines by range.
type MemoryReadTool struct {
	mem *memory.Store
}

func NewMemoryReadTool(mem *memory.Store) *MemoryReadTool {
	return &MemoryReadTool{mem: mem}
}

func (t *MemoryReadTool) Name() string { return "memory_read" }
func (t *MemoryReadTool) Description() string {
	return "Read memory entries by line range (1-based, inclusive)"
}
func (t *MemoryReadTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"start": map[string]interface{}{
				"type":        "integer",
				"description": "First line to read",
			},
			"end": map[string]interface{}{
				"type":        "integer",
				"description": "Last line to read (default: start)",
			},
		},
		"required": []string{"start"},
	}
}

func (t *MemoryReadTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	start := intArg(args, "start", 1)
	end := intArg(args, "end", 0)
	return NewResult(t.mem.ReadRange(start, end))
}

// MemoryDeleteTool removes memory lines by number.
type MemoryDeleteTool struct {
	mem *memory.Store
}

func NewMemoryDeleteTool(mem *memory.Store) *MemoryDeleteTool {
	return &MemoryDeleteTool{mem: mem}
}

func (t *MemoryDeleteTool) Name() string { return "memory_delete" }
func (t *MemoryDeleteTool) Description() string {
	return "Delete memory entries by their line numbers"
}
func (t *MemoryDeleteTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"lines": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "integer"},
				"description": "1-based line numbers to delete",
			},
		},
		"required": []string{"lines"},
	}
}

func (t *MemoryDeleteTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	var lines []int
	if raw, ok := args["lines"].([]interface{}); ok {
		for _, v := range raw {
			if f, ok := v.(float64); ok {
				lines = append(lines, int(f))
			}
		}
	}
	if len(lines) == 0 {
		return ErrorResult("lines is required")
	}
	deleted, err := t.mem.Delete(lines)
	if err != nil {
		return ErrorResult(fmt.Sprintf("delete memory: %v", err)).WithError(err)
	}
	return SilentResult(fmt.Sprintf("已删除 %d 条记忆", deleted))
}

// MemoryRecentTool returns the newest memory entries.
type MemoryRecentTool struct {
	mem *memory.Store
}

func NewMemoryRecentTool(mem *memory.Store) *MemoryRecentTool {
	return &MemoryRecentTool{mem: mem}
}

func (t *MemoryRecentTool) Name() string { return "memory_recent" }
func (t *MemoryRecentTool) Description() string {
	return "Show the most recent memory entries"
}
func (t *MemoryRecentTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"count": map[string]interface{}{
				"type":        "integer",
				"description": "How many entries to show (default 10)",
			},
		},
	}
}

func (t *MemoryRecentTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	count := intArg(args, "count", 10)
	return NewResult(t.mem.Recent(count))
}

// intArg reads a numeric argument; JSON numbers decode as float64.
func intArg(args map[string]interface{}, key string, def int) int {
	if f, ok := args[key].(float64); ok {
		return int(f)
	}
	return def
}
