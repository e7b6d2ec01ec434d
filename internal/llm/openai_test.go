package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func completionBody(content string, toolCalls []wireToolCall) string {
	resp := map[string]any{
		"id":      "chatcmpl-1",
		"model":   "gpt-oss-120b",
		"created": 1700000000,
		"choices": []map[string]any{
			{
				"message": map[string]any{
					"role":       "assistant",
					"content":    content,
					"tool_calls": toolCalls,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     12,
			"completion_tokens": 34,
		},
	}
	data, _ := json.Marshal(resp)
	return string(data)
}

func TestChatSuccess(t *testing.T) {
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("unexpected auth header %q", auth)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionBody("hello there", nil)))
	}))
	defer srv.Close()

	client := NewOpenAIClient(srv.URL+"/v1", "sk-test", nil)
	resp, err := client.Chat(context.Background(), "gpt-oss-120b",
		[]Message{{Role: "user", Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}

	if resp.Message.Content != "hello there" {
		t.Errorf("unexpected content %q", resp.Message.Content)
	}
	if resp.InputTokens != 12 || resp.OutputTokens != 34 {
		t.Errorf("unexpected usage: in=%d out=%d", resp.InputTokens, resp.OutputTokens)
	}
	if gotReq.Model != "gpt-oss-120b" {
		t.Errorf("request model %q", gotReq.Model)
	}
}

func TestChatDecodesToolCallArguments(t *testing.T) {
	var tc wireToolCall
	tc.ID = "call_abc"
	tc.Type = "function"
	tc.Function.Name = "get_crypto_price"
	tc.Function.Arguments = `{"symbol":"ETH","currency":"USD"}`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(completionBody("", []wireToolCall{tc})))
	}))
	defer srv.Close()

	client := NewOpenAIClient(srv.URL+"/v1", "", nil)
	resp, err := client.Chat(context.Background(), "gpt-oss-120b",
		[]Message{{Role: "user", Content: "price of eth"}}, nil)
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}

	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.Message.ToolCalls))
	}
	call := resp.Message.ToolCalls[0]
	if call.ID != "call_abc" || call.Function.Name != "get_crypto_price" {
		t.Errorf("unexpected call %+v", call)
	}
	if call.Function.Arguments["symbol"] != "ETH" {
		t.Errorf("arguments not decoded: %+v", call.Function.Arguments)
	}
}

func TestChat502IsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewOpenAIClient(srv.URL+"/v1", "", nil)
	_, err := client.Chat(context.Background(), "gpt-oss-120b",
		[]Message{{Role: "user", Content: "hi"}}, nil)
	if err == nil {
		t.Fatal("expected error")
	}

	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ProviderError, got %T: %v", err, err)
	}
	if pe.Class != ClassTransient {
		t.Errorf("class = %v, want transient", pe.Class)
	}
	if pe.StatusCode != 502 {
		t.Errorf("status = %d, want 502", pe.StatusCode)
	}
}

func TestChatContentFilterIsContentPolicy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"Data inspection failed","type":"invalid_request_error","code":"data_inspection_failed"}}`))
	}))
	defer srv.Close()

	client := NewOpenAIClient(srv.URL+"/v1", "", nil)
	_, err := client.Chat(context.Background(), "gpt-oss-120b",
		[]Message{{Role: "user", Content: "spicy"}}, nil)

	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ProviderError, got %T: %v", err, err)
	}
	if pe.Class != ClassContentPolicy {
		t.Errorf("class = %v, want content_policy", pe.Class)
	}
}

func TestChatErrorInsideOKBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":{"message":"upstream overloaded","code":502}}`))
	}))
	defer srv.Close()

	client := NewOpenAIClient(srv.URL+"/v1", "", nil)
	_, err := client.Chat(context.Background(), "gpt-oss-120b",
		[]Message{{Role: "user", Content: "hi"}}, nil)

	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ProviderError, got %T: %v", err, err)
	}
	if pe.Class != ClassTransient {
		t.Errorf("class = %v, want transient", pe.Class)
	}
}

func TestChatNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"x","choices":[]}`))
	}))
	defer srv.Close()

	client := NewOpenAIClient(srv.URL+"/v1", "", nil)
	_, err := client.Chat(context.Background(), "gpt-oss-120b",
		[]Message{{Role: "user", Content: "hi"}}, nil)

	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ProviderError, got %T: %v", err, err)
	}
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	client := NewOpenAIClient(srv.URL+"/v1", "", nil)
	if err := client.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}
