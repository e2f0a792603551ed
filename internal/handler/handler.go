// Package handler consumes inbound messages from the bus, dispatches
// session commands, runs agent turns and publishes replies. Channels and
// the web UI share the same loop, tools and prompts.
package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/countbot/countbot/internal/agent"
	"github.com/countbot/countbot/internal/bus"
	"github.com/countbot/countbot/internal/channels"
	"github.com/countbot/countbot/internal/config"
	"github.com/countbot/countbot/internal/memory"
	"github.com/countbot/countbot/internal/providers"
	"github.com/countbot/countbot/internal/store"
)

// mentionRe strips platform @mention markers before command matching.
var mentionRe = regexp.MustCompile(`@_user_\d+\s*`)

const (
	maxConsecutiveErrors = 10
	errorBackoff         = 5 * time.Second

	emptyReply = "抱歉，未能生成回复，请稍后重试。"

	helpText = "Commands:\n" +
		"/new - Create new session\n" +
		"/list - List sessions\n" +
		"/switch <id> - Switch session\n" +
		"/clear - Clear history\n" +
		"/stop - Stop current task\n" +
		"/help - Show this help"
)

// Handler is the inbound message processor.
type Handler struct {
	bus        *bus.MessageBus
	store      *store.Store
	loop       *agent.Loop
	cfg        *config.Config
	summarizer *memory.Summarizer
	limiter    *channels.SenderLimiter

	// active maps "<channel>:<chat_id>" to the session the chat switched
	// to via /new or /switch; without an entry the default session named
	// after the chat key is used.
	sessionMu sync.Mutex
	active    map[string]string

	taskMu      sync.Mutex
	activeTasks map[string]struct{} // session IDs with a running turn

	// locks serialize agent turns per session: a second message for the
	// same session queues behind the first instead of racing it.
	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	errorStreak atomic.Int32
}

// Config wires a new Handler.
type Config struct {
	Bus        *bus.MessageBus
	Store      *store.Store
	Loop       *agent.Loop
	AppConfig  *config.Config
	Summarizer *memory.Summarizer      // optional
	Limiter    *channels.SenderLimiter // optional
}

func New(cfg Config) *Handler {
	return &Handler{
		bus:         cfg.Bus,
		store:       cfg.Store,
		loop:        cfg.Loop,
		cfg:         cfg.AppConfig,
		summarizer:  cfg.Summarizer,
		limiter:     cfg.Limiter,
		active:      make(map[string]string),
		activeTasks: make(map[string]struct{}),
		locks:       make(map[string]*sync.Mutex),
	}
}

// Start consumes inbound messages until ctx is cancelled. Each message is
// handled on its own goroutine; a streak of failures backs the consumer
// off instead of spinning against a broken dependency.
func (h *Handler) Start(ctx context.Context) {
	slog.Info("message processing loop started")
	for {
		if h.errorStreak.Load() >= maxConsecutiveErrors {
			slog.Error("too many consecutive handler errors, backing off",
				"streak", h.errorStreak.Load(), "backoff", errorBackoff)
			h.errorStreak.Store(0)
			select {
			case <-ctx.Done():
				return
			case <-time.After(errorBackoff):
			}
		}

		qm, ok := h.bus.ConsumeInbound(ctx)
		if !ok {
			slog.Info("message processing loop stopped")
			return
		}
		go h.handle(ctx, qm)
	}
}

func (h *Handler) handle(ctx context.Context, qm bus.QueuedMessage) {
	if err := h.process(ctx, qm.Message); err != nil {
		h.errorStreak.Add(1)
		h.bus.MarkFailed(qm.ID, err)
		return
	}
	h.errorStreak.Store(0)
	h.bus.MarkDone(qm.ID)
}

// process handles one inbound message. It returns an error only for
// infrastructure failures worth a bus retry; agent and command errors are
// answered inline.
func (h *Handler) process(ctx context.Context, msg bus.InboundMessage) error {
	start := time.Now()
	content := strings.TrimSpace(mentionRe.ReplaceAllString(msg.Content, ""))
	slog.Info("handling inbound",
		"channel", msg.Channel, "sender", msg.SenderID,
		"chat", msg.ChatID, "preview", channels.Truncate(content, 50))

	if h.limiter != nil {
		if allowed, wait := h.limiter.Allow(msg.SenderID); !allowed {
			slog.Warn("rate limited", "channel", msg.Channel, "sender", msg.SenderID)
			h.reply(msg, channels.DenyMessage(wait))
			return nil
		}
	}

	switch cmd := strings.ToLower(content); {
	case cmd == "/new" || cmd == "/newsession" || cmd == "/new_session":
		return h.cmdNewSession(msg)
	case cmd == "/list" || cmd == "/sessions" || cmd == "/list_sessions":
		return h.cmdListSessions(msg)
	case strings.HasPrefix(cmd, "/switch ") || strings.HasPrefix(content, "/切换 "):
		h.cmdSwitchSession(msg, content)
		return nil
	case cmd == "/clear" || cmd == "/clear_history":
		return h.cmdClearHistory(msg)
	case cmd == "/stop" || cmd == "/cancel":
		return h.cmdStop(msg)
	case cmd == "/help" || cmd == "/h" || cmd == "/?":
		h.reply(msg, helpText)
		return nil
	}

	sessionID, err := h.getOrCreateSession(msg)
	if err != nil {
		return fmt.Errorf("resolve session: %w", err)
	}

	mu := h.sessionLock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	h.trackTask(sessionID)
	defer h.untrackTask(sessionID)

	snap := h.cfg.Snapshot()
	if h.summarizer != nil {
		if err := h.summarizer.SummarizeOverflow(ctx, sessionID, snap.Agent.MaxHistoryMessages); err != nil {
			slog.Warn("overflow summarization failed", "session", sessionID, "error", err)
		}
	}

	if _, err := h.store.AddMessage(sessionID, "user", msg.Content); err != nil {
		return fmt.Errorf("save user message: %w", err)
	}

	result, err := h.loop.Run(ctx, agent.RunRequest{
		SessionID: sessionID,
		Channel:   msg.Channel,
		ChatID:    msg.ChatID,
		Content:   msg.Content,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Info("task cancelled", "channel", msg.Channel, "session", sessionID)
			h.reply(msg, "Task cancelled")
			return nil
		}
		slog.Error("agent turn failed",
			"channel", msg.Channel, "session", sessionID,
			"elapsed", time.Since(start).Round(time.Millisecond), "error", err)
		h.reply(msg, providers.FriendlyError(err))
		return nil
	}

	response := result.Content
	if strings.TrimSpace(response) == "" {
		slog.Warn("empty agent response", "channel", msg.Channel, "session", sessionID)
		response = emptyReply
	} else {
		if _, err := h.store.AddMessage(sessionID, "assistant", response); err != nil {
			slog.Error("save assistant message failed", "session", sessionID, "error", err)
		}
	}

	h.reply(msg, response)
	slog.Info("handled message",
		"channel", msg.Channel, "session", sessionID,
		"iterations", result.Iterations,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

func (h *Handler) reply(msg bus.InboundMessage, content string) {
	h.bus.PublishOutbound(bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: content,
	})
}

// chatKey identifies a conversation across session switches.
func chatKey(msg bus.InboundMessage) string {
	return msg.Channel + ":" + msg.ChatID
}

// getOrCreateSession resolves the session for a chat: an explicit
// metadata override, the chat's switched session, an existing default
// session, or a fresh one named after the chat key.
func (h *Handler) getOrCreateSession(msg bus.InboundMessage) (string, error) {
	if id, ok := msg.Metadata["session_id"]; ok && id != "" {
		return id, nil
	}

	key := chatKey(msg)
	h.sessionMu.Lock()
	id, ok := h.active[key]
	h.sessionMu.Unlock()
	if ok {
		return id, nil
	}

	sess, err := h.store.FindSessionByName(key)
	if err == nil {
		return sess.ID, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	sess, err = h.store.CreateSession(key)
	if err != nil {
		return "", err
	}
	slog.Info("created session", "id", sess.ID, "name", key)
	return sess.ID, nil
}

func (h *Handler) cmdNewSession(msg bus.InboundMessage) error {
	name := fmt.Sprintf("%s:%s", chatKey(msg), time.Now().Format("20060102_150405"))
	sess, err := h.store.CreateSession(name)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	h.sessionMu.Lock()
	h.active[chatKey(msg)] = sess.ID
	h.sessionMu.Unlock()

	h.reply(msg, fmt.Sprintf("New session created: %s\nName: %s", sess.ID, name))
	return nil
}

func (h *Handler) cmdListSessions(msg bus.InboundMessage) error {
	sessions, err := h.store.ListSessions(chatKey(msg), 10)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	if len(sessions) == 0 {
		h.reply(msg, "No sessions found.")
		return nil
	}

	lines := []string{"Sessions (recent 10):\n"}
	for i, s := range sessions {
		count, err := h.store.MessageCount(s.ID)
		if err != nil {
			count = 0
		}
		lines = append(lines, fmt.Sprintf("%d. %s\n   ID: %s\n   Created: %s\n   Messages: %d",
			i+1, s.Name, s.ID, s.CreatedAt.Local().Format("2006-01-02 15:04"), count))
	}
	lines = append(lines, "\nUse /switch <session_id> to switch.")
	h.reply(msg, strings.Join(lines, "\n"))
	return nil
}

func (h *Handler) cmdSwitchSession(msg bus.InboundMessage, content string) {
	fields := strings.Fields(content)
	if len(fields) < 2 {
		h.reply(msg, "Usage: /switch <session_id>")
		return
	}
	sessionID := fields[1]

	sess, err := h.store.GetSession(sessionID)
	if err != nil {
		h.reply(msg, fmt.Sprintf("Session %s not found.", sessionID))
		return
	}

	h.sessionMu.Lock()
	h.active[chatKey(msg)] = sess.ID
	h.sessionMu.Unlock()
	h.reply(msg, "Switched to session: "+sess.Name)
}

func (h *Handler) cmdClearHistory(msg bus.InboundMessage) error {
	sessionID, err := h.getOrCreateSession(msg)
	if err != nil {
		return err
	}
	if err := h.store.ClearMessages(sessionID); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	h.reply(msg, "History cleared.")
	return nil
}

func (h *Handler) cmdStop(msg bus.InboundMessage) error {
	sessionID, err := h.getOrCreateSession(msg)
	if err != nil {
		return err
	}
	if h.loop.Cancel(sessionID) {
		h.reply(msg, "Task stopped.")
	} else {
		h.reply(msg, "No active task to stop.")
	}
	return nil
}

// sessionLock returns the mutex that serializes turns for one session.
func (h *Handler) sessionLock(sessionID string) *sync.Mutex {
	h.lockMu.Lock()
	defer h.lockMu.Unlock()
	mu, ok := h.locks[sessionID]
	if !ok {
		mu = &sync.Mutex{}
		h.locks[sessionID] = mu
	}
	return mu
}

func (h *Handler) trackTask(sessionID string) {
	h.taskMu.Lock()
	h.activeTasks[sessionID] = struct{}{}
	h.taskMu.Unlock()
}

func (h *Handler) untrackTask(sessionID string) {
	h.taskMu.Lock()
	delete(h.activeTasks, sessionID)
	h.taskMu.Unlock()
}

// ActiveTasks returns the session IDs with a turn in flight.
func (h *Handler) ActiveTasks() []string {
	h.taskMu.Lock()
	defer h.taskMu.Unlock()
	ids := make([]string, 0, len(h.activeTasks))
	for id := range h.activeTasks {
		ids = append(ids, id)
	}
	return ids
}

// QueueStats reports bus and task counters for the status API.
func (h *Handler) QueueStats() map[string]interface{} {
	stats := h.bus.Stats()
	return map[string]interface{}{
		"inbound_size":  h.bus.InboundSize(),
		"outbound_size": stats.OutboundSize,
		"queues":        stats.QueueSizes,
		"active_tasks":  len(h.ActiveTasks()),
		"dead_letter":   stats.DeadLetterSize,
	}
}
