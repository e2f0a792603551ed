package cron

import (
	"context"
	"errors"
	"log/slog"

	"github.com/countbot/countbot/internal/agent"
	"github.com/countbot/countbot/internal/bus"
	"github.com/countbot/countbot/internal/store"
)

// heartbeatMarker is the message of the builtin greeting job; the
// executor routes it to the heartbeat service instead of the agent.
const heartbeatMarker = "__heartbeat__"

// Executor turns due jobs into agent runs and delivers responses.
type Executor struct {
	loop      *agent.Loop
	store     *store.Store
	bus       *bus.MessageBus
	heartbeat *Heartbeat // optional
}

func NewExecutor(loop *agent.Loop, st *store.Store, msgBus *bus.MessageBus, hb *Heartbeat) *Executor {
	return &Executor{loop: loop, store: st, bus: msgBus, heartbeat: hb}
}

// Execute runs one job and returns the agent response.
func (e *Executor) Execute(ctx context.Context, job *store.CronJob) (string, error) {
	slog.Info("executing job", "id", job.ID, "message_preview", truncate(job.Message, 100))

	if job.Message == heartbeatMarker {
		return e.executeHeartbeat(ctx, job)
	}

	targeted := job.Channel != "" && job.ChatID != ""
	var sessionID string
	var err error
	if targeted {
		sessionID, err = e.getOrCreateSession(job.Channel + ":" + job.ChatID)
	} else {
		sessionID, err = e.getOrCreateSession("cron:" + job.ID)
	}
	if err != nil {
		return "", err
	}

	// Targeted jobs share the chat's session, so the prompt and response
	// become part of its visible history.
	if targeted {
		if _, err := e.store.AddMessage(sessionID, "user", job.Message); err != nil {
			slog.Error("cron user message save failed", "session", sessionID, "error", err)
		}
	}

	channel := job.Channel
	if channel == "" {
		channel = "cron"
	}
	chatID := job.ChatID
	if chatID == "" {
		chatID = job.ID
	}

	result, err := e.loop.Run(ctx, agent.RunRequest{
		SessionID: sessionID,
		Channel:   channel,
		ChatID:    chatID,
		Content:   job.Message,
	})
	if err != nil {
		return "", err
	}
	response := result.Content

	if targeted && response != "" {
		if _, err := e.store.AddMessage(sessionID, "assistant", response); err != nil {
			slog.Error("cron assistant message save failed", "session", sessionID, "error", err)
		}
	}

	if job.DeliverResponse && response != "" && targeted {
		e.bus.PublishOutbound(bus.OutboundMessage{
			Channel: job.Channel,
			ChatID:  job.ChatID,
			Content: response,
		})
		slog.Info("cron response delivered", "channel", job.Channel, "chat", job.ChatID)
	}

	return response, nil
}

// executeHeartbeat generates a proactive greeting and delivers it to the
// configured chat, recording it in that chat's session so a reply has
// context.
func (e *Executor) executeHeartbeat(ctx context.Context, job *store.CronJob) (string, error) {
	if e.heartbeat == nil {
		slog.Warn("heartbeat service not configured, skipping")
		return "", nil
	}

	greeting, err := e.heartbeat.Execute(ctx)
	if err != nil {
		slog.Error("heartbeat execution failed", "error", err)
		return "", nil
	}
	if greeting == "" {
		return "", nil
	}

	if job.Channel == "" || job.ChatID == "" {
		slog.Warn("heartbeat has no channel/chat_id configured, greeting not delivered")
		return greeting, nil
	}

	e.bus.PublishOutbound(bus.OutboundMessage{
		Channel: job.Channel,
		ChatID:  job.ChatID,
		Content: greeting,
	})

	sessionID, err := e.getOrCreateSession(job.Channel + ":" + job.ChatID)
	if err == nil {
		if _, err := e.store.AddMessage(sessionID, "assistant", greeting); err != nil {
			slog.Error("greeting save failed", "session", sessionID, "error", err)
		}
	}

	return greeting, nil
}

func (e *Executor) getOrCreateSession(name string) (string, error) {
	sess, err := e.store.FindSessionByName(name)
	if err == nil {
		return sess.ID, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	sess, err = e.store.CreateSession(name)
	if err != nil {
		return "", err
	}
	slog.Info("created session", "id", sess.ID, "name", name)
	return sess.ID, nil
}
