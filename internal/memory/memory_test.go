package memory

import (
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s.now = func() time.Time { return time.Date(2026, 2, 15, 10, 0, 0, 0, time.UTC) }
	return s
}

func TestAppendAndRead(t *testing.T) {
	s := newTestStore(t)

	n, err := s.Append("telegram", "用户要求每天早上9点发送日报")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("line number = %d, want 1", n)
	}

	got := s.ReadRange(1, 0)
	want := "[1] 2026-02-15|telegram|用户要求每天早上9点发送日报"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestAppendFlattensNewlines(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Append("web-chat", "line one\nline  two\r\nthree"); err != nil {
		t.Fatal(err)
	}
	got := s.ReadRange(1, 0)
	if strings.Count(got, "\n") != 0 {
		t.Errorf("entry should be a single line: %q", got)
	}
	if !strings.Contains(got, "line one line two three") {
		t.Errorf("whitespace not collapsed: %q", got)
	}
}

func TestReadRangeClamping(t *testing.T) {
	s := newTestStore(t)
	for _, c := range []string{"a", "b", "c"} {
		if _, err := s.Append("test", c); err != nil {
			t.Fatal(err)
		}
	}

	// Out-of-range bounds are clamped instead of erroring.
	got := s.ReadRange(0, 99)
	if strings.Count(got, "\n") != 2 {
		t.Errorf("expected 3 lines, got %q", got)
	}

	if s.ReadRange(2, 2) != "[2] 2026-02-15|test|b" {
		t.Errorf("single line read wrong: %q", s.ReadRange(2, 2))
	}
}

func TestReadEmpty(t *testing.T) {
	s := newTestStore(t)
	if got := s.ReadRange(1, 5); got != "记忆为空" {
		t.Errorf("got %q", got)
	}
	if got := s.Recent(5); got != "记忆为空" {
		t.Errorf("got %q", got)
	}
}

func TestSearchOrAnd(t *testing.T) {
	s := newTestStore(t)
	entries := []string{
		"天气API方案确定使用OpenWeatherMap",
		"用户喜欢简洁的回答",
		"天气缓存策略选Redis",
	}
	for _, e := range entries {
		if _, err := s.Append("web-chat", e); err != nil {
			t.Fatal(err)
		}
	}

	or := s.Search([]string{"天气", "redis"}, 15, false)
	if strings.Count(or, "\n") != 1 {
		t.Errorf("OR search should match 2 lines: %q", or)
	}

	and := s.Search([]string{"天气", "redis"}, 15, true)
	if strings.Contains(and, "\n") || !strings.Contains(and, "[3]") {
		t.Errorf("AND search should match only line 3: %q", and)
	}
}

func TestSearchCaseInsensitive(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Append("test", "use OpenWeatherMap for weather"); err != nil {
		t.Fatal(err)
	}
	if got := s.Search([]string{"OPENWEATHERMAP"}, 15, false); !strings.Contains(got, "[1]") {
		t.Errorf("search should be case-insensitive: %q", got)
	}
}

func TestSearchNoMatchAndEmptyKeywords(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Append("test", "something"); err != nil {
		t.Fatal(err)
	}

	if got := s.Search(nil, 15, false); got != "请提供搜索关键词" {
		t.Errorf("got %q", got)
	}
	if got := s.Search([]string{"  "}, 15, false); got != "请提供有效的搜索关键词" {
		t.Errorf("got %q", got)
	}
	got := s.Search([]string{"missing"}, 15, false)
	if !strings.Contains(got, "未找到包含 任意 关键词") {
		t.Errorf("got %q", got)
	}
	got = s.Search([]string{"missing"}, 15, true)
	if !strings.Contains(got, "未找到包含 全部 关键词") {
		t.Errorf("got %q", got)
	}
}

func TestSearchOverflowFooter(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		if _, err := s.Append("test", "match this line"); err != nil {
			t.Fatal(err)
		}
	}

	got := s.Search([]string{"match"}, 3, false)
	if !strings.Contains(got, "... 共 5 条匹配，仅显示前 3 条") {
		t.Errorf("missing overflow footer: %q", got)
	}
	if strings.Count(got, "\n") != 3 {
		t.Errorf("expected 3 results + footer: %q", got)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	for _, c := range []string{"a", "b", "c", "d"} {
		if _, err := s.Append("test", c); err != nil {
			t.Fatal(err)
		}
	}

	deleted, err := s.Delete([]int{2, 4, 99})
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 2 {
		t.Errorf("deleted = %d, want 2", deleted)
	}
	if s.LineCount() != 2 {
		t.Errorf("remaining = %d, want 2", s.LineCount())
	}
	// Lines renumber after deletion.
	if got := s.ReadRange(2, 0); !strings.Contains(got, "|c") {
		t.Errorf("line 2 should now be c: %q", got)
	}
}

func TestRecent(t *testing.T) {
	s := newTestStore(t)
	for _, c := range []string{"a", "b", "c", "d", "e"} {
		if _, err := s.Append("test", c); err != nil {
			t.Fatal(err)
		}
	}

	got := s.Recent(2)
	if !strings.Contains(got, "[4]") || !strings.Contains(got, "[5]") {
		t.Errorf("recent should keep original numbering: %q", got)
	}
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Append("telegram", "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Append("telegram", "b"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Append("cron", "c"); err != nil {
		t.Fatal(err)
	}

	stats := s.Stats()
	if stats.Total != 3 {
		t.Errorf("total = %d", stats.Total)
	}
	if stats.Sources["telegram"] != 2 || stats.Sources["cron"] != 1 {
		t.Errorf("sources = %v", stats.Sources)
	}
	if stats.DateRange != "2026-02-15 ~ 2026-02-15" {
		t.Errorf("date range = %q", stats.DateRange)
	}
}
