package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/countbot/countbot/internal/bus"
	"github.com/countbot/countbot/internal/providers"
	"github.com/countbot/countbot/internal/store"
	"github.com/countbot/countbot/internal/tools"
)

const (
	subagentMaxIterations = 15
	subagentTimeout       = 10 * time.Minute
	subagentResultLimit   = 4000
)

// SubagentManager runs background tasks spawned from conversations.
// Each task gets its own session, a restricted tool set and an iteration
// cap, and its outcome is delivered back to the originating chat.
type SubagentManager struct {
	loop  *Loop
	store *store.Store
	bus   *bus.MessageBus
}

func NewSubagentManager(loop *Loop, st *store.Store, b *bus.MessageBus) *SubagentManager {
	return &SubagentManager{loop: loop, store: st, bus: b}
}

// Spawn records the task and starts it in the background. The parent
// context is not inherited: finishing the chat turn must not kill the task.
func (m *SubagentManager) Spawn(ctx context.Context, task, originSession, channel, chatID string) (string, error) {
	t, err := m.store.CreateTask(originSession, task)
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}

	go m.execute(t.ID, task, channel, chatID)
	return t.ID, nil
}

func (m *SubagentManager) execute(taskID, task, channel, chatID string) {
	ctx, cancel := context.WithTimeout(context.Background(), subagentTimeout)
	defer cancel()

	if err := m.store.UpdateTaskStatus(taskID, store.TaskRunning, ""); err != nil {
		slog.Warn("subagent status update failed", "task", taskID, "error", err)
	}
	slog.Info("subagent started", "task", taskID)

	sess, err := m.store.CreateSession("subagent:" + taskID)
	if err != nil {
		m.fail(taskID, channel, chatID, fmt.Errorf("create session: %w", err))
		return
	}
	sessionID := sess.ID
	if _, err := m.store.AddMessage(sessionID, "user", task); err != nil {
		m.fail(taskID, channel, chatID, fmt.Errorf("save task message: %w", err))
		return
	}

	result, err := m.loop.Run(ctx, RunRequest{
		SessionID: sessionID,
		Content:   task,
		ExtraSystem: "你现在是后台任务执行者。独立完成以下任务并输出最终结果，" +
			"不要提问，不要等待用户输入。",
		Registry:      m.loop.tools.Restricted(tools.SubagentDenyList...),
		MaxIterations: subagentMaxIterations,
	})
	if err != nil {
		m.fail(taskID, channel, chatID, err)
		return
	}

	output := result.Content
	if len(output) > subagentResultLimit {
		output = output[:subagentResultLimit] + "..."
	}
	if _, err := m.store.AddMessage(sessionID, "assistant", result.Content); err != nil {
		slog.Warn("subagent result save failed", "task", taskID, "error", err)
	}
	if err := m.store.UpdateTaskStatus(taskID, store.TaskCompleted, output); err != nil {
		slog.Warn("subagent status update failed", "task", taskID, "error", err)
	}
	slog.Info("subagent completed", "task", taskID, "iterations", result.Iterations)

	m.notify(channel, chatID, "✅ 后台任务完成：\n"+output)
}

func (m *SubagentManager) fail(taskID, channel, chatID string, err error) {
	slog.Error("subagent failed", "task", taskID, "error", err)
	if uerr := m.store.UpdateTaskStatus(taskID, store.TaskFailed, err.Error()); uerr != nil {
		slog.Warn("subagent status update failed", "task", taskID, "error", uerr)
	}
	m.notify(channel, chatID, "❌ 后台任务失败："+providers.FriendlyError(err))
}

func (m *SubagentManager) notify(channel, chatID, content string) {
	if channel == "" || chatID == "" {
		return
	}
	m.bus.PublishOutbound(bus.OutboundMessage{
		Channel: channel,
		ChatID:  chatID,
		Content: content,
	})
}
