package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "countbot.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionLifecycle(t *testing.T) {
	s := openTestStore(t)

	sess, err := s.CreateSession("telegram:chat1")
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.GetSession(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "telegram:chat1" {
		t.Errorf("name = %q", got.Name)
	}

	byName, err := s.FindSessionByName("telegram:chat1")
	if err != nil {
		t.Fatal(err)
	}
	if byName.ID != sess.ID {
		t.Errorf("FindSessionByName returned wrong session")
	}

	if err := s.DeleteSession(sess.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetSession(sess.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMessagesOrderAndLimit(t *testing.T) {
	s := openTestStore(t)
	sess, err := s.CreateSession("qq:room")
	if err != nil {
		t.Fatal(err)
	}

	contents := []string{"one", "two", "three", "four"}
	for i, c := range contents {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		if _, err := s.AddMessage(sess.ID, role, c); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.GetMessages(sess.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 || all[0].Content != "one" || all[3].Content != "four" {
		t.Errorf("unexpected full history: %+v", all)
	}

	// Limit keeps the most recent messages, oldest first.
	recent, err := s.GetMessages(sess.ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || recent[0].Content != "three" || recent[1].Content != "four" {
		t.Errorf("unexpected limited history: %+v", recent)
	}

	n, err := s.MessageCount(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Errorf("count = %d", n)
	}

	if err := s.ClearMessages(sess.ID); err != nil {
		t.Fatal(err)
	}
	n, _ = s.MessageCount(sess.ID)
	if n != 0 {
		t.Errorf("count after clear = %d", n)
	}
}

func TestAddMessageRejectsInvalidRole(t *testing.T) {
	s := openTestStore(t)
	sess, _ := s.CreateSession("x")
	if _, err := s.AddMessage(sess.ID, "robot", "hi"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
	for _, role := range []string{"user", "assistant", "system", "tool"} {
		if _, err := s.AddMessage(sess.ID, role, "hi"); err != nil {
			t.Errorf("role %q rejected: %v", role, err)
		}
	}
}

func TestMessagesAfterWatermark(t *testing.T) {
	s := openTestStore(t)
	sess, _ := s.CreateSession("overflow")

	var thirdID int64
	for i, c := range []string{"a", "b", "c", "d", "e"} {
		m, err := s.AddMessage(sess.ID, "user", c)
		if err != nil {
			t.Fatal(err)
		}
		if i == 2 {
			thirdID = m.ID
		}
	}

	after, err := s.MessagesAfter(sess.ID, thirdID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != 2 || after[0].Content != "d" {
		t.Errorf("unexpected MessagesAfter result: %+v", after)
	}

	if err := s.SetLastSummarized(sess.ID, thirdID); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetSession(sess.ID)
	if got.LastSummarizedMsgID != thirdID {
		t.Errorf("watermark = %d, want %d", got.LastSummarizedMsgID, thirdID)
	}
}

func TestCronJobLifecycle(t *testing.T) {
	s := openTestStore(t)

	next := time.Now().Add(-time.Minute)
	job := &CronJob{
		Name:     "daily report",
		Schedule: "0 9 * * *",
		Message:  "写一份日报",
		Enabled:  true,
		Channel:  "telegram",
		ChatID:   "42",
		NextRun:  &next,
	}
	if err := s.CreateCronJob(job); err != nil {
		t.Fatal(err)
	}

	due, err := s.DueCronJobs(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].ID != job.ID {
		t.Fatalf("expected 1 due job, got %d", len(due))
	}

	// Record a run: stats update and next_run advances out of the due window.
	now := time.Now()
	future := now.Add(24 * time.Hour)
	job.LastRun = &now
	job.LastStatus = "ok"
	job.RunCount = 1
	job.NextRun = &future
	if err := s.RecordCronRun(job); err != nil {
		t.Fatal(err)
	}

	due, _ = s.DueCronJobs(time.Now())
	if len(due) != 0 {
		t.Errorf("job should no longer be due")
	}

	got, err := s.GetCronJob(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.RunCount != 1 || got.LastStatus != "ok" {
		t.Errorf("run stats not recorded: %+v", got)
	}

	if err := s.DeleteCronJob(job.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetCronJob(job.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	s := openTestStore(t)

	type aiSettings struct {
		Model       string  `json:"model"`
		Temperature float64 `json:"temperature"`
	}
	in := aiSettings{Model: "deepseek-chat", Temperature: 0.3}
	if err := s.SetSetting("ai", in); err != nil {
		t.Fatal(err)
	}

	var out aiSettings
	if err := s.GetSetting("ai", &out); err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Errorf("got %+v, want %+v", out, in)
	}

	var missing aiSettings
	if err := s.GetSetting("nope", &missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestBuiltinPersonalities(t *testing.T) {
	s := openTestStore(t)

	list, err := s.ListPersonalities()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) < 4 {
		t.Fatalf("expected builtin personalities seeded, got %d", len(list))
	}

	// Builtins can be edited but not deleted.
	if err := s.UpdatePersonality("professional", "专业", "新的提示词"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeletePersonality("professional"); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}

	custom, err := s.CreatePersonality("诗人", "用诗意的语言回答。")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.DeletePersonality(custom.ID); err != nil {
		t.Errorf("custom personality should be deletable: %v", err)
	}
}

func TestTaskTransitions(t *testing.T) {
	s := openTestStore(t)

	task, err := s.CreateTask("sess1", "research something")
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != TaskPending {
		t.Errorf("status = %q", task.Status)
	}

	if err := s.UpdateTaskStatus(task.ID, TaskCompleted, "done"); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetTask(task.ID)
	if got.Status != TaskCompleted || got.Result != "done" {
		t.Errorf("task not updated: %+v", got)
	}
}

func TestLastUserMessageTime(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.LastUserMessageTime(); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on empty DB, got %v", err)
	}

	sess, _ := s.CreateSession("t")
	if _, err := s.AddMessage(sess.ID, "user", "hello"); err != nil {
		t.Fatal(err)
	}
	ts, err := s.LastUserMessageTime()
	if err != nil {
		t.Fatal(err)
	}
	if time.Since(ts) > time.Minute {
		t.Errorf("timestamp too old: %v", ts)
	}
}
