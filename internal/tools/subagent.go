package tools

import (
	"context"
	"strings"
)

// SubagentRunner launches a background task with a restricted tool set.
// Implemented by the agent package; injected here to avoid a cycle.
type SubagentRunner interface {
	Spawn(ctx context.Context, task, originSession, channel, chatID string) (taskID string, err error)
}

// Tools subagents must not reach: no recursion, no direct delivery.
var SubagentDenyList = []string{"spawn_subagent", "send_media"}

// SpawnSubagentTool hands a long-running task to a background agent and
// returns immediately so the conversation stays responsive.
type SpawnSubagentTool struct {
	runner SubagentRunner
}

func NewSpawnSubagentTool(runner SubagentRunner) *SpawnSubagentTool {
	return &SpawnSubagentTool{runner: runner}
}

func (t *SpawnSubagentTool) Name() string { return "spawn_subagent" }
func (t *SpawnSubagentTool) Description() string {
	return "Run a long task in the background; the result is delivered to this chat when done"
}
func (t *SpawnSubagentTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task": map[string]interface{}{
				"type":        "string",
				"description": "Full task description for the background agent",
			},
		},
		"required": []string{"task"},
	}
}

func (t *SpawnSubagentTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	task, _ := args["task"].(string)
	task = strings.TrimSpace(task)
	if task == "" {
		return ErrorResult("task is required")
	}
	if t.runner == nil {
		return ErrorResult("background tasks are not available")
	}

	channel, chatID := DeliveryTarget(ctx)
	taskID, err := t.runner.Spawn(ctx, task, SessionID(ctx), channel, chatID)
	if err != nil {
		return ErrorResult("spawn task: " + err.Error()).WithError(err)
	}
	return AsyncResult("后台任务已启动，任务ID: " + taskID + "，完成后会通知你。")
}
