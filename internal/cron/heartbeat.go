package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/countbot/countbot/internal/config"
	"github.com/countbot/countbot/internal/memory"
	"github.com/countbot/countbot/internal/providers"
	"github.com/countbot/countbot/internal/store"
)

// Builtin greeting job identity. The fixed ID keeps startup sync from
// creating duplicates.
const (
	HeartbeatJobID    = "builtin:heartbeat"
	heartbeatJobName  = "系统问候（内置）"
	heartbeatSchedule = "0 * * * *"
)

const (
	defaultIdleThresholdHours = 4
	defaultQuietStart         = 21
	defaultQuietEnd           = 8
	defaultMaxGreetsPerDay    = 2
	greetProbability          = 0.5

	// Greetings longer than this read like essays; discard them.
	maxGreetingChars = 200

	greetDaysKept = 3
)

const greetingPrompt = `你是 %s，%s 的个人AI助理。%s

现在是%s，用户已经 %s 小时没有说话了。
请主动向用户发一条简短自然的问候，可以结合时间段关心用户，或提起一个轻松的话题。
只输出问候内容本身，一两句话，不要解释。
%s`

// Heartbeat generates proactive greetings when the user has been idle,
// gated by quiet hours, a daily cap and a coin flip so the timing feels
// natural.
type Heartbeat struct {
	cfg      *config.Config
	store    *store.Store
	mem      *memory.Store
	provider func() providers.Provider

	// test seams
	now  func() time.Time
	roll func() float64

	mu     sync.Mutex
	greets map[string]int // "YYYY-MM-DD" → count
}

func NewHeartbeat(cfg *config.Config, st *store.Store, mem *memory.Store, provider func() providers.Provider) *Heartbeat {
	return &Heartbeat{
		cfg:      cfg,
		store:    st,
		mem:      mem,
		provider: provider,
		now:      nowShanghai,
		roll:     rand.Float64,
		greets:   make(map[string]int),
	}
}

// isQuietHour reports whether hour falls in the do-not-disturb window.
// Windows crossing midnight (21→8) wrap.
func isQuietHour(hour, start, end int) bool {
	if start <= end {
		return start <= hour && hour < end
	}
	return hour >= start || hour < end
}

// timeDesc renders the hour as a Chinese day-part label.
func timeDesc(hour int) string {
	switch {
	case hour < 12:
		return fmt.Sprintf("上午%d点", hour)
	case hour < 14:
		return fmt.Sprintf("中午%d点", hour)
	case hour < 18:
		return fmt.Sprintf("下午%d点", hour)
	default:
		return fmt.Sprintf("晚上%d点", hour)
	}
}

// Execute returns a greeting, or "" when any gate says not now.
func (h *Heartbeat) Execute(ctx context.Context) (string, error) {
	snap := h.cfg.Snapshot()
	hb := snap.Heartbeat

	quietStart := hb.QuietStart
	quietEnd := hb.QuietEnd
	if quietStart == 0 && quietEnd == 0 {
		quietStart, quietEnd = defaultQuietStart, defaultQuietEnd
	}
	idleThreshold := hb.IdleThresholdHr
	if idleThreshold <= 0 {
		idleThreshold = defaultIdleThresholdHours
	}
	maxGreets := hb.MaxGreetsPerDay
	if maxGreets <= 0 {
		maxGreets = defaultMaxGreetsPerDay
	}

	now := h.now()
	if isQuietHour(now.Hour(), quietStart, quietEnd) {
		slog.Debug("heartbeat skipped: quiet hours",
			"hour", now.Hour(), "window", fmt.Sprintf("%d:00-%d:00", quietStart, quietEnd))
		return "", nil
	}

	today := now.Format("2006-01-02")
	h.mu.Lock()
	count := h.greets[today]
	h.mu.Unlock()
	if count >= maxGreets {
		slog.Debug("heartbeat skipped: daily cap", "count", count, "max", maxGreets)
		return "", nil
	}

	idleHours, ok := h.userIdleHours()
	if !ok || idleHours < float64(idleThreshold) {
		slog.Debug("heartbeat skipped: user not idle",
			"idle_hours", fmt.Sprintf("%.1f", idleHours), "threshold", idleThreshold)
		return "", nil
	}

	if h.roll() > greetProbability {
		slog.Debug("heartbeat skipped: probability")
		return "", nil
	}

	slog.Info("heartbeat triggered",
		"idle_hours", fmt.Sprintf("%.1f", idleHours), "greet_number", count+1)

	greeting, err := h.generate(ctx, snap, now, idleHours)
	if err != nil {
		return "", err
	}
	if greeting == "" {
		return "", nil
	}

	h.mu.Lock()
	h.greets[today] = count + 1
	h.pruneGreetsLocked()
	h.mu.Unlock()

	slog.Info("heartbeat greeting generated",
		"count", count+1, "max", maxGreets, "preview", truncate(greeting, 60))
	return greeting, nil
}

// userIdleHours reports how long since the user's last message anywhere.
// ok is false when no user message exists yet.
func (h *Heartbeat) userIdleHours() (float64, bool) {
	last, err := h.store.LastUserMessageTime()
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Error("heartbeat idle query failed", "error", err)
		}
		return 0, false
	}
	return time.Since(last).Hours(), true
}

func (h *Heartbeat) generate(ctx context.Context, snap config.Config, now time.Time, idleHours float64) (string, error) {
	provider := h.provider()
	if provider == nil {
		return "", fmt.Errorf("no provider configured")
	}

	persona := snap.Persona
	var personaDesc string
	if persona.CustomPersonality != "" {
		personaDesc = persona.CustomPersonality
	} else if persona.Personality != "" {
		if p, err := h.store.GetPersonality(persona.Personality); err == nil {
			personaDesc = p.Prompt
		}
	}

	var memoryContext string
	if h.mem != nil && h.mem.LineCount() > 0 {
		memoryContext = "最近的记忆（可参考但不必提及）：\n" + h.mem.Recent(5)
	}

	prompt := fmt.Sprintf(greetingPrompt,
		persona.AIName, persona.UserName, personaDesc,
		timeDesc(now.Hour()), fmt.Sprintf("%.0f", idleHours), memoryContext)

	resp, err := provider.Chat(ctx, providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: prompt}},
		Model:    snap.Agent.Model,
		Options:  map[string]interface{}{providers.OptTemperature: 0.8},
	})
	if err != nil {
		return "", fmt.Errorf("generate greeting: %w", err)
	}

	greeting := strings.TrimSpace(resp.Content)
	if greeting == "" || len([]rune(greeting)) > maxGreetingChars {
		return "", nil
	}
	return greeting, nil
}

// pruneGreetsLocked keeps only the newest greetDaysKept date entries.
func (h *Heartbeat) pruneGreetsLocked() {
	for len(h.greets) > greetDaysKept {
		oldest := ""
		for date := range h.greets {
			if oldest == "" || date < oldest {
				oldest = date
			}
		}
		delete(h.greets, oldest)
	}
}

// EnsureJob syncs the builtin heartbeat job with config at startup,
// creating it on first run.
func EnsureJob(svc *Service, st *store.Store, hb config.HeartbeatConfig) error {
	schedule := hb.Schedule
	if schedule == "" {
		schedule = heartbeatSchedule
	}

	existing, err := st.GetCronJob(HeartbeatJobID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if existing == nil {
		job := &store.CronJob{
			ID:              HeartbeatJobID,
			Name:            heartbeatJobName,
			Schedule:        schedule,
			Message:         heartbeatMarker,
			Enabled:         hb.Enabled,
			Channel:         hb.Channel,
			ChatID:          hb.ChatID,
			DeliverResponse: true,
		}
		if err := svc.AddJob(job); err != nil {
			return err
		}
		slog.Info("created builtin heartbeat job", "enabled", hb.Enabled, "channel", hb.Channel)
		return nil
	}

	changed := existing.Enabled != hb.Enabled ||
		existing.Channel != hb.Channel ||
		existing.ChatID != hb.ChatID ||
		existing.Schedule != schedule ||
		!existing.DeliverResponse
	if !changed {
		slog.Debug("heartbeat job already in sync")
		return nil
	}

	existing.Enabled = hb.Enabled
	existing.Channel = hb.Channel
	existing.ChatID = hb.ChatID
	existing.Schedule = schedule
	existing.DeliverResponse = true
	if existing.Enabled {
		next, err := svc.NextRun(schedule, nowShanghai())
		if err != nil {
			return err
		}
		existing.NextRun = &next
	} else {
		existing.NextRun = nil
	}
	if err := st.UpdateCronJob(existing); err != nil {
		return err
	}
	slog.Info("synced heartbeat job config", "enabled", hb.Enabled, "channel", hb.Channel)
	return nil
}
