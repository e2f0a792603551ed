// Package memory implements the long-term memory file.
//
// Memory is a single UTF-8 text file, one entry per line:
//
//	2026-02-15|telegram|用户要求每天早上9点发送日报；已创建cron任务
//
// Line numbers are 1-based and stable between mutations, so the LLM can read
// and delete by number.
package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const memoryFileName = "MEMORY.md"

// Store manages the line-oriented memory file.
type Store struct {
	mu   sync.RWMutex
	path string

	now func() time.Time
}

// NewStore creates the memory directory if needed and returns a Store over
// <dir>/MEMORY.md.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}
	return &Store{
		path: filepath.Join(dir, memoryFileName),
		now:  time.Now,
	}, nil
}

// Path returns the memory file location.
func (s *Store) Path() string { return s.path }

func (s *Store) readLines() []string {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil
	}
	content := strings.TrimSpace(string(data))
	if content == "" {
		return nil
	}
	return strings.Split(content, "\n")
}

func (s *Store) writeLines(lines []string) error {
	return os.WriteFile(s.path, []byte(strings.Join(lines, "\n")+"\n"), 0o644)
}

// Append adds one entry and returns its 1-based line number.
// Newlines in content are flattened so the line format stays intact.
func (s *Store) Append(source, content string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	content = strings.ReplaceAll(content, "\n", " ")
	content = strings.ReplaceAll(content, "\r", " ")
	content = strings.Join(strings.Fields(content), " ")

	entry := fmt.Sprintf("%s|%s|%s", s.now().Format("2006-01-02"), source, content)
	lines := append(s.readLines(), entry)
	if err := s.writeLines(lines); err != nil {
		return 0, fmt.Errorf("append memory: %w", err)
	}
	return len(lines), nil
}

// ReadRange returns lines start..end (1-based, inclusive) prefixed with their
// line numbers. end <= 0 reads only the start line. Bounds are clamped.
func (s *Store) ReadRange(start, end int) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lines := s.readLines()
	total := len(lines)
	if total == 0 {
		return "记忆为空"
	}

	if end <= 0 {
		end = start
	}
	start = clamp(start, 1, total)
	end = clamp(end, start, total)

	var b strings.Builder
	for i := start; i <= end; i++ {
		if i > start {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[%d] %s", i, lines[i-1])
	}
	return b.String()
}

// Search finds lines containing the keywords (case-insensitive).
// matchAll selects AND semantics; the default is OR. Results are capped at
// maxResults with an overflow footer.
func (s *Store) Search(keywords []string, maxResults int, matchAll bool) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lines := s.readLines()
	if len(lines) == 0 {
		return "记忆为空，无搜索结果"
	}
	if len(keywords) == 0 {
		return "请提供搜索关键词"
	}

	cleaned := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			cleaned = append(cleaned, kw)
		}
	}
	if len(cleaned) == 0 {
		return "请提供有效的搜索关键词"
	}
	if maxResults <= 0 {
		maxResults = 15
	}

	var results []string
	for i, line := range lines {
		lower := strings.ToLower(line)
		if matchesLine(lower, cleaned, matchAll) {
			results = append(results, fmt.Sprintf("[%d] %s", i+1, line))
		}
	}

	if len(results) == 0 {
		mode := "任意"
		if matchAll {
			mode = "全部"
		}
		return fmt.Sprintf("未找到包含 %s 关键词 %s 的记忆", mode, strings.Join(cleaned, ", "))
	}

	if len(results) > maxResults {
		total := len(results)
		results = results[:maxResults]
		results = append(results, fmt.Sprintf("... 共 %d 条匹配，仅显示前 %d 条", total, maxResults))
	}
	return strings.Join(results, "\n")
}

func matchesLine(lower string, keywords []string, matchAll bool) bool {
	if matchAll {
		for _, kw := range keywords {
			if !strings.Contains(lower, kw) {
				return false
			}
		}
		return true
	}
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Delete removes the given 1-based line numbers and returns how many lines
// were actually deleted.
func (s *Store) Delete(lineNumbers []int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines := s.readLines()
	if len(lines) == 0 {
		return 0, nil
	}

	toDelete := make(map[int]bool, len(lineNumbers))
	for _, n := range lineNumbers {
		toDelete[n] = true
	}

	kept := lines[:0]
	for i, line := range lines {
		if !toDelete[i+1] {
			kept = append(kept, line)
		}
	}

	deleted := len(lines) - len(kept)
	if deleted > 0 {
		if err := s.writeLines(kept); err != nil {
			return 0, fmt.Errorf("delete memory lines: %w", err)
		}
	}
	return deleted, nil
}

// Recent returns the last count entries with line-number prefixes.
func (s *Store) Recent(count int) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lines := s.readLines()
	if len(lines) == 0 {
		return "记忆为空"
	}

	start := len(lines) - count
	if start < 0 {
		start = 0
	}
	var b strings.Builder
	for i := start; i < len(lines); i++ {
		if i > start {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[%d] %s", i+1, lines[i])
	}
	return b.String()
}

// LineCount returns the number of memory entries.
func (s *Store) LineCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.readLines())
}

// Stats summarizes the memory file: entry count, per-source counts and the
// covered date range.
type Stats struct {
	Total     int            `json:"total"`
	Sources   map[string]int `json:"sources"`
	DateRange string         `json:"date_range"`
}

// Stats computes memory statistics.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lines := s.readLines()
	stats := Stats{Total: len(lines), Sources: map[string]int{}}
	if len(lines) == 0 {
		return stats
	}

	var dates []string
	for _, line := range lines {
		parts := strings.SplitN(line, "|", 3)
		if len(parts) >= 2 {
			dates = append(dates, parts[0])
			stats.Sources[parts[1]]++
		}
	}
	if len(dates) > 0 {
		stats.DateRange = fmt.Sprintf("%s ~ %s", dates[0], dates[len(dates)-1])
	}
	return stats
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
