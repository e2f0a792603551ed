// Package agent implements the think-act-observe loop: it feeds session
// history and the tool surface to the LLM and executes the tool calls it
// requests until the model produces a plain reply.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/countbot/countbot/internal/config"
	"github.com/countbot/countbot/internal/memory"
	"github.com/countbot/countbot/internal/providers"
	"github.com/countbot/countbot/internal/store"
	"github.com/countbot/countbot/internal/tools"
)

// Loop runs agent turns for all sessions.
type Loop struct {
	cfg   *config.Config
	store *store.Store
	mem   *memory.Store
	tools *tools.Registry

	mu       sync.RWMutex
	provider providers.Provider

	// runs maps sessionID to the cancel func of its active turn, so
	// /stop can abort a running task.
	runs sync.Map

	onEvent func(Event)
}

// LoopConfig wires a new Loop.
type LoopConfig struct {
	Config   *config.Config
	Store    *store.Store
	Memory   *memory.Store
	Tools    *tools.Registry
	Provider providers.Provider
	OnEvent  func(Event)
}

func NewLoop(cfg LoopConfig) *Loop {
	return &Loop{
		cfg:      cfg.Config,
		store:    cfg.Store,
		mem:      cfg.Memory,
		tools:    cfg.Tools,
		provider: cfg.Provider,
		onEvent:  cfg.OnEvent,
	}
}

// SetProvider swaps the LLM provider (settings hot reload).
func (l *Loop) SetProvider(p providers.Provider) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.provider = p
}

// SetOnEvent installs the event sink after construction; the gateway
// attaches itself here since it is built after the loop.
func (l *Loop) SetOnEvent(fn func(Event)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onEvent = fn
}

// Provider returns the current LLM provider.
func (l *Loop) Provider() providers.Provider {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.provider
}

// RunRequest is the input for one agent turn.
type RunRequest struct {
	SessionID string
	Channel   string
	ChatID    string
	Content   string

	// ExtraSystem is appended to the system prompt (subagent task
	// framing, scheduled job context).
	ExtraSystem string

	// OnChunk streams assistant text as it arrives; nil disables
	// streaming.
	OnChunk func(string)

	// Registry overrides the loop's tool registry (subagents get a
	// restricted view). Nil uses the default.
	Registry *tools.Registry

	// MaxIterations overrides the configured cap when > 0.
	MaxIterations int
}

// RunResult is the output of a completed turn.
type RunResult struct {
	Content    string           `json:"content"`
	Iterations int              `json:"iterations"`
	Usage      *providers.Usage `json:"usage,omitempty"`
}

// Cancel aborts the active turn for a session. Returns false when no turn
// is running.
func (l *Loop) Cancel(sessionID string) bool {
	if v, ok := l.runs.Load(sessionID); ok {
		v.(context.CancelFunc)()
		return true
	}
	return false
}

// Run executes one agent turn. History is loaded from the session store;
// the latest stored user message is assumed to be req.Content and is not
// duplicated.
func (l *Loop) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	l.runs.Store(req.SessionID, cancel)
	defer l.runs.Delete(req.SessionID)

	ctx = tools.WithSession(ctx, req.SessionID)
	if req.Channel != "" {
		ctx = tools.WithDelivery(ctx, req.Channel, req.ChatID)
	}

	snap := l.cfg.Snapshot()
	maxIterations := req.MaxIterations
	if maxIterations <= 0 {
		maxIterations = snap.Agent.MaxIterations
	}
	if maxIterations <= 0 {
		maxIterations = 10
	}
	registry := req.Registry
	if registry == nil {
		registry = l.tools
	}

	l.emit(Event{Type: "run.started", SessionID: req.SessionID})

	messages, err := l.buildMessages(req, snap)
	if err != nil {
		return nil, err
	}

	var totalUsage providers.Usage
	var finalContent string
	iteration := 0

	for iteration < maxIterations {
		iteration++
		slog.Debug("agent iteration",
			"session", req.SessionID, "iteration", iteration, "messages", len(messages))

		chatReq := providers.ChatRequest{
			Messages: messages,
			Tools:    registry.Definitions(),
			Model:    snap.Agent.Model,
			Options: map[string]interface{}{
				providers.OptMaxTokens:   snap.Agent.MaxTokens,
				providers.OptTemperature: snap.Agent.Temperature,
			},
		}

		var resp *providers.ChatResponse
		provider := l.Provider()
		if req.OnChunk != nil {
			resp, err = provider.ChatStream(ctx, chatReq, func(chunk providers.StreamChunk) {
				if chunk.Content != "" {
					req.OnChunk(chunk.Content)
					l.emit(Event{
						Type:      "chunk",
						SessionID: req.SessionID,
						Payload:   map[string]string{"content": chunk.Content},
					})
				}
			})
		} else {
			resp, err = provider.Chat(ctx, chatReq)
		}
		if err != nil {
			l.emit(Event{
				Type:      "run.failed",
				SessionID: req.SessionID,
				Payload:   map[string]string{"error": err.Error()},
			})
			return nil, fmt.Errorf("LLM call failed (iteration %d): %w", iteration, err)
		}

		if resp.Usage != nil {
			totalUsage.PromptTokens += resp.Usage.PromptTokens
			totalUsage.CompletionTokens += resp.Usage.CompletionTokens
			totalUsage.TotalTokens += resp.Usage.TotalTokens
		}

		if len(resp.ToolCalls) == 0 {
			finalContent = resp.Content
			break
		}

		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, tc := range resp.ToolCalls {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			result := l.executeTool(ctx, registry, req.SessionID, tc)
			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    result.ForLLM,
				ToolCallID: tc.ID,
			})
		}
	}

	if iteration >= maxIterations && finalContent == "" {
		slog.Warn("agent hit iteration cap", "session", req.SessionID, "iterations", iteration)
		finalContent = "任务过于复杂，已达到最大处理轮数。请把任务拆小后重试。"
	}

	l.emit(Event{Type: "run.completed", SessionID: req.SessionID})
	return &RunResult{
		Content:    finalContent,
		Iterations: iteration,
		Usage:      &totalUsage,
	}, nil
}

func (l *Loop) buildMessages(req RunRequest, snap config.Config) ([]providers.Message, error) {
	system := composeSystemPrompt(snap.Persona, l.store, l.mem, req.ExtraSystem, time.Now())
	messages := []providers.Message{{Role: "system", Content: system}}

	history, err := l.store.GetMessages(req.SessionID, snap.Agent.MaxHistoryMessages)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	// The newest stored message is the one being processed; drop it and
	// append fresh so retried turns never double it.
	if n := len(history); n > 0 && history[n-1].Role == "user" && history[n-1].Content == req.Content {
		history = history[:n-1]
	}
	for _, m := range history {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		messages = append(messages, providers.Message{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, providers.Message{Role: "user", Content: req.Content})
	return messages, nil
}

func (l *Loop) executeTool(ctx context.Context, registry *tools.Registry, sessionID string, tc providers.ToolCall) *tools.Result {
	l.emit(Event{
		Type:      "tool.call",
		SessionID: sessionID,
		Payload:   map[string]interface{}{"name": tc.Name, "id": tc.ID},
	})

	var result *tools.Result
	switch {
	case tc.RawArguments != "":
		result = tools.ErrorResult(fmt.Sprintf("invalid JSON in tool arguments: %s", tc.RawArguments))
	default:
		tool, ok := registry.Get(tc.Name)
		if !ok {
			result = tools.ErrorResult(fmt.Sprintf("unknown tool: %s", tc.Name))
		} else {
			argsJSON, _ := json.Marshal(tc.Arguments)
			slog.Info("tool call", "session", sessionID, "tool", tc.Name, "args_len", len(argsJSON))
			result = tool.Execute(ctx, tc.Arguments)
		}
	}
	if result.Err != nil {
		slog.Warn("tool failed", "tool", tc.Name, "error", result.Err)
	}

	l.emit(Event{
		Type:      "tool.result",
		SessionID: sessionID,
		Payload: map[string]interface{}{
			"name":     tc.Name,
			"id":       tc.ID,
			"is_error": result.IsError,
			"for_user": result.ForUser,
		},
	})
	return result
}

func (l *Loop) emit(ev Event) {
	l.mu.RLock()
	onEvent := l.onEvent
	l.mu.RUnlock()
	if onEvent != nil {
		onEvent(ev)
	}
}
