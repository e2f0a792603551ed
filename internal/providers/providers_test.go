package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func sseServer(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth header = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func TestChatStreamContent(t *testing.T) {
	srv := sseServer(t, []string{
		`{"choices":[{"delta":{"content":"你好"}}]}`,
		`{"choices":[{"delta":{"content":"，主人"},"finish_reason":"stop"}]}`,
		`{"choices":[],"usage":{"prompt_tokens":10,"completion_tokens":4,"total_tokens":14}}`,
	})
	defer srv.Close()

	p := NewOpenAIProvider("openai", "test-key", srv.URL, "gpt-5.3")
	var chunks []string
	resp, err := p.ChatStream(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, func(c StreamChunk) {
		if c.Content != "" {
			chunks = append(chunks, c.Content)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "你好，主人" {
		t.Errorf("content = %q", resp.Content)
	}
	if len(chunks) != 2 {
		t.Errorf("chunks = %v", chunks)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("finish reason = %q", resp.FinishReason)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 14 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestChatStreamToolCallAssembly(t *testing.T) {
	srv := sseServer(t, []string{
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"read_file","arguments":""}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"path\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"notes.md\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
	})
	defer srv.Close()

	p := NewOpenAIProvider("openai", "test-key", srv.URL, "gpt-5.3")
	resp, err := p.ChatStream(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "read my notes"}},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "call_1" || tc.Name != "read_file" {
		t.Errorf("call = %+v", tc)
	}
	if tc.Arguments["path"] != "notes.md" {
		t.Errorf("arguments = %v", tc.Arguments)
	}
	if tc.RawArguments != "" {
		t.Errorf("raw arguments should be empty on valid JSON: %q", tc.RawArguments)
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("finish reason = %q", resp.FinishReason)
	}
}

func TestChatStreamKeepsRawArgumentsOnBadJSON(t *testing.T) {
	srv := sseServer(t, []string{
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"exec_shell","arguments":"{broken"}}]}}]}`,
	})
	defer srv.Close()

	p := NewOpenAIProvider("openai", "test-key", srv.URL, "gpt-5.3")
	resp, err := p.ChatStream(context.Background(), ChatRequest{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	if resp.ToolCalls[0].RawArguments != "{broken" {
		t.Errorf("raw arguments = %q", resp.ToolCalls[0].RawArguments)
	}
}

func TestChatNonStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body["stream"] != false {
			t.Errorf("stream = %v", body["stream"])
		}
		if body["model"] != "gpt-5.3" {
			t.Errorf("model = %v, default model not applied", body["model"])
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"},"finish_reason":"stop"}],"usage":{"total_tokens":3}}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("openai", "test-key", srv.URL, "gpt-5.3")
	resp, err := p.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "ping"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "ok" {
		t.Errorf("content = %q", resp.Content)
	}
}

func TestChatHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limit exceeded"}}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("openai", "test-key", srv.URL, "gpt-5.3")
	_, err := p.Chat(context.Background(), ChatRequest{})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "429") {
		t.Errorf("error should carry status: %v", err)
	}
}

func TestToolCallWireFormat(t *testing.T) {
	var captured map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatal(err)
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"done"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("openai", "test-key", srv.URL, "gpt-5.3")
	_, err := p.Chat(context.Background(), ChatRequest{
		Messages: []Message{
			{Role: "assistant", ToolCalls: []ToolCall{{
				ID: "call_1", Name: "read_file",
				Arguments: map[string]interface{}{"path": "a.txt"},
			}}},
			{Role: "tool", Content: "contents", ToolCallID: "call_1"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	msgs := captured["messages"].([]interface{})
	assistant := msgs[0].(map[string]interface{})
	tcs := assistant["tool_calls"].([]interface{})
	fn := tcs[0].(map[string]interface{})["function"].(map[string]interface{})
	if fn["name"] != "read_file" {
		t.Errorf("function name = %v", fn["name"])
	}
	// Arguments must be a JSON string, not a nested object.
	if _, ok := fn["arguments"].(string); !ok {
		t.Errorf("arguments should be a string, got %T", fn["arguments"])
	}
	tool := msgs[1].(map[string]interface{})
	if tool["tool_call_id"] != "call_1" {
		t.Errorf("tool_call_id = %v", tool["tool_call_id"])
	}
}

func TestFindByAPIBase(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"https://api.moonshot.ai/v1", "moonshot"},
		{"https://api.moonshot.cn/v1", "moonshot"},
		{"https://open.bigmodel.cn/api/paas/v4", "zhipu"},
		{"https://openrouter.ai/api/v1", "openrouter"},
		{"https://api.deepseek.com/v1", "deepseek"},
		{"http://localhost:11434/v1", "ollama"},
		{"https://example.com/v1", ""},
	}
	for _, tt := range tests {
		got, ok := FindByAPIBase(tt.base)
		if tt.want == "" {
			if ok {
				t.Errorf("FindByAPIBase(%q) matched %q, want no match", tt.base, got.ID)
			}
			continue
		}
		if !ok || got.ID != tt.want {
			t.Errorf("FindByAPIBase(%q) = %q ok=%v, want %q", tt.base, got.ID, ok, tt.want)
		}
	}
}

func TestFriendlyError(t *testing.T) {
	tests := []struct {
		err  string
		want string
	}{
		{"HTTP 429: rate limit exceeded", "AI 服务额度不足，请联系管理员检查 API 账户余额。"},
		{"HTTP 401: invalid api_key", "API 认证失败，请联系管理员检查密钥配置。"},
		{"request failed: connection refused", "网络连接异常，请稍后重试。"},
		{"context length exceeded", "对话上下文过长，请发送 /new 创建新会话后重试。"},
		{"HTTP 404: model not found", "所选模型不可用，请在设置中确认模型名称是否正确。"},
		{"the model `x` does not exist", "所选模型不可用，请在设置中确认模型名称是否正确。"},
		{"HTTP 503: service unavailable", "AI 服务暂时不可用，请稍后重试。"},
		{"something else entirely", "处理消息时出错，请稍后重试。"},
	}
	for _, tt := range tests {
		if got := FriendlyError(errors.New(tt.err)); got != tt.want {
			t.Errorf("FriendlyError(%q) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
