package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/countbot/countbot/internal/agent"
	"github.com/countbot/countbot/internal/bus"
	"github.com/countbot/countbot/internal/config"
	"github.com/countbot/countbot/internal/cron"
	"github.com/countbot/countbot/internal/handler"
	"github.com/countbot/countbot/internal/providers"
	"github.com/countbot/countbot/internal/store"
	"github.com/countbot/countbot/internal/tools"
)

type fakeProvider struct {
	response string
	err      error
}

func (p *fakeProvider) Chat(_ context.Context, _ providers.ChatRequest) (*providers.ChatResponse, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &providers.ChatResponse{Content: p.response}, nil
}

func (p *fakeProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	if p.err == nil && onChunk != nil {
		onChunk(providers.StreamChunk{Content: p.response})
	}
	return p.Chat(ctx, req)
}

func (p *fakeProvider) DefaultModel() string { return "fake-model" }
func (p *fakeProvider) Name() string         { return "fake" }

type env struct {
	srv   *Server
	ts    *httptest.Server
	st    *store.Store
	cfg   *config.Config
	loop  *agent.Loop
	cron  *cron.Service
	ran   chan string // job IDs executed by the test scheduler
	sched *cron.Scheduler
}

func newTestEnv(t *testing.T, provider providers.Provider) *env {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	b, err := bus.New("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Close() })

	cfg := config.Default()
	loop := agent.NewLoop(agent.LoopConfig{
		Config:   cfg,
		Store:    st,
		Tools:    tools.NewRegistry(),
		Provider: provider,
	})
	h := handler.New(handler.Config{Bus: b, Store: st, Loop: loop, AppConfig: cfg})

	svc := cron.NewService(st)
	ran := make(chan string, 8)
	sched := cron.NewScheduler(st, svc, func(_ context.Context, job *store.CronJob) (string, error) {
		ran <- job.ID
		return "done", nil
	})
	svc.SetScheduler(sched)

	srv := NewServer(Deps{
		Config:    cfg,
		Store:     st,
		Bus:       b,
		Loop:      loop,
		Handler:   h,
		Cron:      svc,
		Scheduler: sched,
	})
	loop.SetOnEvent(srv.HandleAgentEvent)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &env{srv: srv, ts: ts, st: st, cfg: cfg, loop: loop, cron: svc, ran: ran, sched: sched}
}

// call runs a request against the test server and decodes the JSON body.
func (e *env) call(t *testing.T, method, path string, body interface{}, header http.Header) (int, map[string]interface{}) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, e.ts.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	for key, vals := range header {
		for _, v := range vals {
			req.Header.Add(key, v)
		}
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var decoded map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&decoded)
	return resp.StatusCode, decoded
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t, &fakeProvider{})
	status, body := e.call(t, http.MethodGet, "/api/health", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v", body["status"])
	}
}

func TestLoopbackTrustedWithoutToken(t *testing.T) {
	e := newTestEnv(t, &fakeProvider{})
	status, _ := e.call(t, http.MethodGet, "/api/queue/stats", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("loopback request rejected: %d", status)
	}
}

func TestRemoteAuthFlow(t *testing.T) {
	e := newTestEnv(t, &fakeProvider{})
	e.cfg.Update(func(c *config.Config) {
		c.Gateway.PasswordSalt = "salt"
		c.Gateway.PasswordHash = hashPassword("salt", "secret")
	})

	// A proxy header disqualifies the loopback shortcut.
	proxied := http.Header{"X-Forwarded-For": []string{"203.0.113.9"}}

	status, body := e.call(t, http.MethodGet, "/api/queue/stats", nil, proxied)
	if status != http.StatusUnauthorized {
		t.Fatalf("unauthenticated remote request: status = %d", status)
	}
	if body["code"] != "AUTH_REQUIRED" {
		t.Errorf("code = %v", body["code"])
	}

	status, _ = e.call(t, http.MethodPost, "/api/auth/login",
		map[string]string{"password": "wrong"}, proxied)
	if status != http.StatusUnauthorized {
		t.Fatalf("wrong password: status = %d", status)
	}

	status, body = e.call(t, http.MethodPost, "/api/auth/login",
		map[string]string{"password": "secret"}, proxied)
	if status != http.StatusOK {
		t.Fatalf("login failed: status = %d", status)
	}
	token, _ := body["token"].(string)
	if token == "" {
		t.Fatal("no token issued")
	}

	authed := http.Header{
		"X-Forwarded-For": []string{"203.0.113.9"},
		"Authorization":   []string{"Bearer " + token},
	}
	status, _ = e.call(t, http.MethodGet, "/api/queue/stats", nil, authed)
	if status != http.StatusOK {
		t.Fatalf("token rejected: status = %d", status)
	}
}

func TestRemoteAllowedWhenNoPassword(t *testing.T) {
	e := newTestEnv(t, &fakeProvider{})
	proxied := http.Header{"X-Forwarded-For": []string{"203.0.113.9"}}
	status, _ := e.call(t, http.MethodGet, "/api/queue/stats", nil, proxied)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
}

func TestQueueStatsShape(t *testing.T) {
	e := newTestEnv(t, &fakeProvider{})
	_, body := e.call(t, http.MethodGet, "/api/queue/stats", nil, nil)
	for _, key := range []string{"inbound_size", "outbound_size", "active_tasks", "rate_limiter"} {
		if _, ok := body[key]; !ok {
			t.Errorf("missing %s in %v", key, body)
		}
	}
}

func TestQueueCancelWithoutTask(t *testing.T) {
	e := newTestEnv(t, &fakeProvider{})
	status, body := e.call(t, http.MethodPost, "/api/queue/cancel",
		map[string]string{"session_id": "nope"}, nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if body["success"] != false {
		t.Errorf("success = %v", body["success"])
	}
}

func TestCronCRUD(t *testing.T) {
	e := newTestEnv(t, &fakeProvider{})

	status, created := e.call(t, http.MethodPost, "/api/cron/jobs", map[string]interface{}{
		"name":     "早报",
		"schedule": "0 8 * * *",
		"message":  "生成今日早报",
	}, nil)
	if status != http.StatusCreated {
		t.Fatalf("create status = %d: %v", status, created)
	}
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatal("no job id returned")
	}
	if created["schedule_description"] == "" {
		t.Error("missing schedule description")
	}

	status, list := e.call(t, http.MethodGet, "/api/cron/jobs", nil, nil)
	if status != http.StatusOK || list["count"].(float64) != 1 {
		t.Fatalf("list = %d %v", status, list)
	}

	status, updated := e.call(t, http.MethodPut, "/api/cron/jobs/"+id,
		map[string]interface{}{"name": "晚报", "enabled": false}, nil)
	if status != http.StatusOK {
		t.Fatalf("update status = %d: %v", status, updated)
	}
	if updated["name"] != "晚报" || updated["enabled"] != false {
		t.Errorf("update applied wrong: %v", updated)
	}

	status, _ = e.call(t, http.MethodPost, "/api/cron/jobs",
		map[string]interface{}{"name": "bad", "schedule": "not cron", "message": "x"}, nil)
	if status != http.StatusBadRequest {
		t.Errorf("invalid schedule: status = %d", status)
	}

	status, _ = e.call(t, http.MethodDelete, "/api/cron/jobs/"+id, nil, nil)
	if status != http.StatusOK {
		t.Fatalf("delete status = %d", status)
	}
	status, _ = e.call(t, http.MethodGet, "/api/cron/jobs/"+id, nil, nil)
	if status != http.StatusNotFound {
		t.Errorf("deleted job still there: status = %d", status)
	}
}

func TestBuiltinCronJobProtected(t *testing.T) {
	e := newTestEnv(t, &fakeProvider{})
	if err := e.cron.AddJob(&store.CronJob{
		ID:       "builtin:heartbeat",
		Name:     "系统问候（内置）",
		Schedule: "0 * * * *",
		Message:  "__heartbeat__",
	}); err != nil {
		t.Fatal(err)
	}

	status, _ := e.call(t, http.MethodPut, "/api/cron/jobs/builtin:heartbeat",
		map[string]interface{}{"name": "hijack"}, nil)
	if status != http.StatusForbidden {
		t.Errorf("rename builtin: status = %d", status)
	}

	status, _ = e.call(t, http.MethodPut, "/api/cron/jobs/builtin:heartbeat",
		map[string]interface{}{"message": "rm -rf /"}, nil)
	if status != http.StatusForbidden {
		t.Errorf("rewrite builtin: status = %d", status)
	}

	status, _ = e.call(t, http.MethodDelete, "/api/cron/jobs/builtin:heartbeat", nil, nil)
	if status != http.StatusForbidden {
		t.Errorf("delete builtin: status = %d", status)
	}

	status, _ = e.call(t, http.MethodPut, "/api/cron/jobs/builtin:heartbeat",
		map[string]interface{}{"enabled": true, "channel": "telegram", "chat_id": "1"}, nil)
	if status != http.StatusOK {
		t.Errorf("toggle builtin: status = %d", status)
	}
}

func TestRunCronJobNow(t *testing.T) {
	e := newTestEnv(t, &fakeProvider{})
	job := &store.CronJob{Name: "once", Schedule: "0 0 1 1 *", Message: "hi", Enabled: false}
	if err := e.cron.AddJob(job); err != nil {
		t.Fatal(err)
	}

	status, body := e.call(t, http.MethodPost, "/api/cron/jobs/"+job.ID+"/run", nil, nil)
	if status != http.StatusOK || body["success"] != true {
		t.Fatalf("run = %d %v", status, body)
	}

	select {
	case id := <-e.ran:
		if id != job.ID {
			t.Errorf("ran job %s, want %s", id, job.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("job never executed")
	}
}

func TestValidateCron(t *testing.T) {
	e := newTestEnv(t, &fakeProvider{})

	_, body := e.call(t, http.MethodPost, "/api/cron/validate",
		map[string]string{"schedule": "*/5 * * * *"}, nil)
	if body["valid"] != true {
		t.Errorf("valid schedule rejected: %v", body)
	}
	if body["description"] == "" || body["next_run"] == nil {
		t.Errorf("missing enrichment: %v", body)
	}

	_, body = e.call(t, http.MethodPost, "/api/cron/validate",
		map[string]string{"schedule": "whenever"}, nil)
	if body["valid"] != false {
		t.Errorf("invalid schedule accepted: %v", body)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	e := newTestEnv(t, &fakeProvider{})
	e.cfg.Update(func(c *config.Config) { c.Agent.APIKey = "real-key" })

	_, body := e.call(t, http.MethodGet, "/api/settings", nil, nil)
	agentCfg := body["agent"].(map[string]interface{})
	if agentCfg["api_key"] != "***" {
		t.Errorf("api_key not masked: %v", agentCfg["api_key"])
	}

	status, _ := e.call(t, http.MethodPut, "/api/settings", map[string]interface{}{
		"agent":   map[string]interface{}{"model": "glm-test", "api_key": "***"},
		"persona": map[string]interface{}{"ai_name": "小测"},
	}, nil)
	if status != http.StatusOK {
		t.Fatalf("put status = %d", status)
	}

	snap := e.cfg.Snapshot()
	if snap.Agent.Model != "glm-test" {
		t.Errorf("model = %s", snap.Agent.Model)
	}
	if snap.Agent.APIKey != "real-key" {
		t.Errorf("masked api_key clobbered the real one: %q", snap.Agent.APIKey)
	}
	if snap.Persona.AIName != "小测" {
		t.Errorf("ai_name = %s", snap.Persona.AIName)
	}
}

func TestSettingsPassword(t *testing.T) {
	e := newTestEnv(t, &fakeProvider{})
	status, _ := e.call(t, http.MethodPut, "/api/settings", map[string]interface{}{
		"gateway": map[string]interface{}{"password": "hunter2"},
	}, nil)
	if status != http.StatusOK {
		t.Fatalf("put status = %d", status)
	}

	snap := e.cfg.Snapshot()
	if snap.Gateway.PasswordHash == "" || snap.Gateway.PasswordSalt == "" {
		t.Fatal("password not hashed")
	}
	if hashPassword(snap.Gateway.PasswordSalt, "hunter2") != snap.Gateway.PasswordHash {
		t.Error("hash does not verify")
	}
}

func TestProviderCatalog(t *testing.T) {
	e := newTestEnv(t, &fakeProvider{})
	_, body := e.call(t, http.MethodGet, "/api/settings/providers", nil, nil)
	list, _ := body["providers"].([]interface{})
	if len(list) == 0 {
		t.Fatal("empty provider catalog")
	}
	first := list[0].(map[string]interface{})
	if first["id"] == "" || first["name"] == "" {
		t.Errorf("bad entry: %v", first)
	}
}

func TestDangerousPatterns(t *testing.T) {
	e := newTestEnv(t, &fakeProvider{})
	_, body := e.call(t, http.MethodGet, "/api/settings/security/dangerous-patterns", nil, nil)
	if body["count"].(float64) == 0 {
		t.Fatal("no patterns returned")
	}
}

func TestChannelEndpoints(t *testing.T) {
	e := newTestEnv(t, &fakeProvider{})

	_, body := e.call(t, http.MethodGet, "/api/channels/list", nil, nil)
	list, _ := body["channels"].([]interface{})
	if len(list) != 6 {
		t.Fatalf("channel count = %d", len(list))
	}

	status, _ := e.call(t, http.MethodPost, "/api/channels/update", map[string]interface{}{
		"channel": "telegram",
		"config":  map[string]interface{}{"enabled": true, "token": "tok123"},
	}, nil)
	if status != http.StatusOK {
		t.Fatalf("update status = %d", status)
	}
	if e.cfg.Snapshot().Channels.Telegram.Token != "tok123" {
		t.Error("token not applied")
	}

	_, body = e.call(t, http.MethodGet, "/api/channels/telegram/config", nil, nil)
	cm := body["config"].(map[string]interface{})
	if cm["token"] != "***" {
		t.Errorf("token not masked: %v", cm["token"])
	}
	if cm["enabled"] != true {
		t.Errorf("enabled = %v", cm["enabled"])
	}

	// Masked token echoed back must not erase the stored one.
	e.call(t, http.MethodPost, "/api/channels/update", map[string]interface{}{
		"channel": "telegram",
		"config":  map[string]interface{}{"enabled": false, "token": "***"},
	}, nil)
	if got := e.cfg.Snapshot().Channels.Telegram.Token; got != "tok123" {
		t.Errorf("token clobbered: %q", got)
	}

	_, body = e.call(t, http.MethodPost, "/api/channels/test",
		map[string]interface{}{"channel": "discord"}, nil)
	if body["success"] != false {
		t.Errorf("unconfigured channel test passed: %v", body)
	}

	status, _ = e.call(t, http.MethodGet, "/api/channels/zalo/config", nil, nil)
	if status != http.StatusNotFound {
		t.Errorf("unknown channel: status = %d", status)
	}
}

func TestTasksAPI(t *testing.T) {
	e := newTestEnv(t, &fakeProvider{})
	sess, err := e.st.CreateSession("chat")
	if err != nil {
		t.Fatal(err)
	}
	task, err := e.st.CreateTask(sess.ID, "整理下载目录")
	if err != nil {
		t.Fatal(err)
	}

	_, body := e.call(t, http.MethodGet, "/api/tasks", nil, nil)
	if body["count"].(float64) != 1 {
		t.Fatalf("count = %v", body["count"])
	}

	_, stats := e.call(t, http.MethodGet, "/api/tasks/stats", nil, nil)
	if stats["pending"].(float64) != 1 || stats["total"].(float64) != 1 {
		t.Errorf("stats = %v", stats)
	}

	status, got := e.call(t, http.MethodGet, "/api/tasks/"+task.ID, nil, nil)
	if status != http.StatusOK || got["prompt"] != "整理下载目录" {
		t.Fatalf("get = %d %v", status, got)
	}

	status, body = e.call(t, http.MethodDelete, "/api/tasks/"+task.ID, nil, nil)
	if status != http.StatusOK || body["success"] != true {
		t.Fatalf("cancel = %d %v", status, body)
	}
	cancelled, _ := e.st.GetTask(task.ID)
	if cancelled.Status != store.TaskFailed {
		t.Errorf("status after cancel = %s", cancelled.Status)
	}

	// A finished task cannot be cancelled again, only deleted.
	status, _ = e.call(t, http.MethodDelete, "/api/tasks/"+task.ID, nil, nil)
	if status != http.StatusBadRequest {
		t.Errorf("double cancel: status = %d", status)
	}

	status, _ = e.call(t, http.MethodPost, "/api/tasks/"+task.ID+"/delete", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("delete status = %d", status)
	}
	if _, err := e.st.GetTask(task.ID); err == nil {
		t.Error("task still present after delete")
	}
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var frame map[string]interface{}
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func TestWebSocketPing(t *testing.T) {
	e := newTestEnv(t, &fakeProvider{})
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(e.ts), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if frame := readFrame(t, conn); frame["type"] != "connected" {
		t.Fatalf("first frame = %v", frame)
	}
	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatal(err)
	}
	if frame := readFrame(t, conn); frame["type"] != "pong" {
		t.Fatalf("frame = %v", frame)
	}
}

func TestWebSocketConversation(t *testing.T) {
	e := newTestEnv(t, &fakeProvider{response: "你好，有什么可以帮你？"})
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(e.ts), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	readFrame(t, conn) // connected

	if err := conn.WriteJSON(map[string]string{"type": "message", "content": "你好"}); err != nil {
		t.Fatal(err)
	}

	var sawChunk bool
	for {
		frame := readFrame(t, conn)
		switch frame["type"] {
		case "message_chunk":
			sawChunk = true
		case "message_complete":
			if frame["content"] != "你好，有什么可以帮你？" {
				t.Errorf("content = %v", frame["content"])
			}
			if !sawChunk {
				t.Error("no message_chunk before message_complete")
			}
			return
		case "error":
			t.Fatalf("error frame: %v", frame)
		}
	}
}

func TestWebSocketUnknownType(t *testing.T) {
	e := newTestEnv(t, &fakeProvider{})
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(e.ts), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	readFrame(t, conn) // connected

	if err := conn.WriteJSON(map[string]string{"type": "teleport"}); err != nil {
		t.Fatal(err)
	}
	frame := readFrame(t, conn)
	if frame["type"] != "error" || frame["code"] != "INVALID_INPUT" {
		t.Fatalf("frame = %v", frame)
	}
}
