package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/countbot/countbot/internal/agent"
	"github.com/countbot/countbot/internal/providers"
	"github.com/countbot/countbot/internal/store"
)

const (
	wsWriteTimeout = 10 * time.Second

	// defaultWebSession is the session used when the UI sends a message
	// without picking one.
	defaultWebSession = "web:default"
)

// wsFrame is the envelope for both directions of the WebSocket protocol.
type wsFrame struct {
	Type      string                 `json:"type"`
	SessionID string                 `json:"session_id,omitempty"`
	Content   string                 `json:"content,omitempty"`
	Media     []string               `json:"media,omitempty"`
	Tool      string                 `json:"tool,omitempty"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

type wsClient struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex

	subMu sync.Mutex
	subs  map[string]bool // subscribed session IDs
}

func (c *wsClient) send(v interface{}) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := c.conn.WriteJSON(v); err != nil {
		slog.Debug("ws write failed", "client", c.id, "error", err)
	}
}

func (c *wsClient) subscribe(sessionID string) {
	c.subMu.Lock()
	c.subs[sessionID] = true
	c.subMu.Unlock()
}

func (c *wsClient) unsubscribe(sessionID string) {
	c.subMu.Lock()
	delete(c.subs, sessionID)
	c.subMu.Unlock()
}

func (c *wsClient) subscribed(sessionID string) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return c.subs[sessionID]
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		subs: make(map[string]bool),
	}
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		conn.Close()
	}()

	client.send(map[string]string{"type": "connected", "client_id": client.id})

	for {
		var frame wsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("ws read failed", "client", client.id, "error", err)
			}
			return
		}

		switch frame.Type {
		case "ping":
			client.send(map[string]string{"type": "pong"})
		case "subscribe":
			if frame.SessionID != "" {
				client.subscribe(frame.SessionID)
			}
		case "unsubscribe":
			if frame.SessionID != "" {
				client.unsubscribe(frame.SessionID)
			}
		case "message":
			go s.runWebTurn(client, frame)
		case "tool_execute":
			go s.executeWebTool(client, frame)
		default:
			client.send(map[string]string{
				"type":    "error",
				"message": "未知消息类型: " + frame.Type,
				"code":    "INVALID_INPUT",
			})
		}
	}
}

func (s *Server) registerClient(c *wsClient) {
	s.clientMu.Lock()
	s.clients[c.id] = c
	s.clientMu.Unlock()
	slog.Info("ws client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *wsClient) {
	s.clientMu.Lock()
	delete(s.clients, c.id)
	s.clientMu.Unlock()
	slog.Info("ws client disconnected", "id", c.id)
}

// runWebTurn runs one agent turn for a WebSocket message. Chunks and tool
// frames reach the client through HandleAgentEvent; this sends the
// terminal frame.
func (s *Server) runWebTurn(client *wsClient, frame wsFrame) {
	sessionID, err := s.resolveWebSession(frame.SessionID)
	if err != nil {
		client.send(map[string]string{
			"type":    "error",
			"message": err.Error(),
			"code":    "NOT_FOUND",
		})
		return
	}
	client.subscribe(sessionID)

	if frame.Content == "" {
		client.send(map[string]string{
			"type":    "error",
			"message": "消息内容为空",
			"code":    "INVALID_INPUT",
		})
		return
	}

	if _, err := s.store.AddMessage(sessionID, "user", frame.Content); err != nil {
		slog.Error("web user message save failed", "session", sessionID, "error", err)
	}

	result, err := s.loop.Run(context.Background(), agent.RunRequest{
		SessionID: sessionID,
		Channel:   "web",
		ChatID:    client.id,
		Content:   frame.Content,
		OnChunk:   func(string) {}, // streaming delivery happens via events
	})
	if err != nil {
		code := "RUN_FAILED"
		if errors.Is(err, context.Canceled) {
			code = "CANCELLED"
		}
		client.send(map[string]string{
			"type":       "error",
			"session_id": sessionID,
			"message":    providers.FriendlyError(err),
			"code":       code,
		})
		return
	}

	var messageID int64
	if msg, err := s.store.AddMessage(sessionID, "assistant", result.Content); err == nil {
		messageID = msg.ID
	} else {
		slog.Error("web assistant message save failed", "session", sessionID, "error", err)
	}

	client.send(map[string]interface{}{
		"type":       "message_complete",
		"session_id": sessionID,
		"message_id": messageID,
		"content":    result.Content,
	})
}

const webToolTimeout = 60 * time.Second

// executeWebTool runs a single tool directly for the UI's tool console.
func (s *Server) executeWebTool(client *wsClient, frame wsFrame) {
	if s.tools == nil {
		client.send(map[string]string{
			"type":    "error",
			"message": "工具执行不可用",
			"code":    "SERVICE_UNAVAILABLE",
		})
		return
	}
	tool, ok := s.tools.Get(frame.Tool)
	if !ok {
		client.send(map[string]string{
			"type":    "error",
			"message": "未知工具: " + frame.Tool,
			"code":    "NOT_FOUND",
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), webToolTimeout)
	defer cancel()
	start := time.Now()
	result := tool.Execute(ctx, frame.Arguments)

	out := result.ForUser
	if out == "" {
		out = result.ForLLM
	}
	client.send(map[string]interface{}{
		"type":     "tool_result",
		"tool":     frame.Tool,
		"result":   out,
		"is_error": result.IsError,
		"duration": time.Since(start).Seconds(),
	})
}

// resolveWebSession maps an optional session ID to a real session,
// creating the shared web session on first use.
func (s *Server) resolveWebSession(sessionID string) (string, error) {
	if sessionID != "" {
		if _, err := s.store.GetSession(sessionID); err != nil {
			return "", err
		}
		return sessionID, nil
	}

	sess, err := s.store.FindSessionByName(defaultWebSession)
	if err == nil {
		return sess.ID, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	sess, err = s.store.CreateSession(defaultWebSession)
	if err != nil {
		return "", err
	}
	return sess.ID, nil
}

// HandleAgentEvent fans agent loop events out to WebSocket clients
// subscribed to the session. Wire it as the loop's OnEvent callback.
func (s *Server) HandleAgentEvent(ev agent.Event) {
	frame := eventFrame(ev)
	if frame == nil {
		return
	}

	s.clientMu.RLock()
	defer s.clientMu.RUnlock()
	for _, client := range s.clients {
		if client.subscribed(ev.SessionID) {
			client.send(frame)
		}
	}
}

// eventFrame translates a loop event into its wire frame, or nil for
// events the UI does not render.
func eventFrame(ev agent.Event) map[string]interface{} {
	payload := payloadMap(ev.Payload)
	switch ev.Type {
	case "chunk":
		return map[string]interface{}{
			"type":       "message_chunk",
			"session_id": ev.SessionID,
			"content":    payload["content"],
		}
	case "tool.call":
		return map[string]interface{}{
			"type":       "tool_call",
			"session_id": ev.SessionID,
			"tool":       payload["name"],
			"message_id": payload["id"],
		}
	case "tool.result":
		return map[string]interface{}{
			"type":       "tool_result",
			"session_id": ev.SessionID,
			"tool":       payload["name"],
			"message_id": payload["id"],
			"result":     payload["for_user"],
			"is_error":   payload["is_error"],
		}
	case "run.failed":
		return map[string]interface{}{
			"type":       "error",
			"session_id": ev.SessionID,
			"message":    payload["error"],
			"code":       "RUN_FAILED",
		}
	default:
		return nil
	}
}

func payloadMap(p interface{}) map[string]interface{} {
	switch v := p.(type) {
	case map[string]interface{}:
		return v
	case map[string]string:
		out := make(map[string]interface{}, len(v))
		for k, s := range v {
			out[k] = s
		}
		return out
	default:
		return map[string]interface{}{}
	}
}

// notifyTask broadcasts a task lifecycle frame to every client.
func (s *Server) notifyTask(typ, taskID string, payload map[string]interface{}) {
	frame := map[string]interface{}{"type": typ, "task_id": taskID}
	for k, v := range payload {
		frame[k] = v
	}

	s.clientMu.RLock()
	defer s.clientMu.RUnlock()
	for _, client := range s.clients {
		client.send(frame)
	}
}
