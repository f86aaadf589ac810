package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"chatdispatch/internal/cache"
	"chatdispatch/internal/chatlog"
	"chatdispatch/internal/dispatch"
	"chatdispatch/internal/llm"
	"chatdispatch/internal/retry"
)

type mockLLMClient struct {
	mu             sync.Mutex
	resp           *llm.ChatResponse
	stream         chan llm.StreamResult
	err            error
	streamErr      error
	nonStreamCalls int
	streamCalls    int
	lastRequest    *llm.ChatRequest
}

func (m *mockLLMClient) ChatCompletion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nonStreamCalls++
	m.lastRequest = req
	if m.err != nil {
		return nil, m.err
	}
	return m.resp, nil
}

func (m *mockLLMClient) ChatCompletionStream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamCalls++
	m.lastRequest = req
	if m.streamErr != nil {
		return nil, m.streamErr
	}
	if m.stream == nil {
		m.stream = make(chan llm.StreamResult)
	}
	return m.stream, nil
}

func singleAttempt() dispatch.Option {
	return dispatch.WithRetryPolicy(retry.Policy{MaxAttempts: 1})
}

func postJSON(t *testing.T, handler http.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	handler(rr, req)
	return rr
}

func TestChatHandlerNonStream(t *testing.T) {
	store := cache.NewMemoryStore(time.Minute, 0)
	t.Cleanup(func() { store.Close() })

	fakeLLM := &mockLLMClient{
		resp: &llm.ChatResponse{
			Model: "gpt-4",
			Choices: []llm.ChatChoice{
				{Index: 0, Message: llm.ChatMessage{Role: llm.RoleAssistant, Content: "hello!"}},
			},
		},
	}

	logPath := filepath.Join(t.TempDir(), "chat_log.txt")
	h := NewChatHandler(dispatch.New(fakeLLM, dispatch.WithCache(store)), logPath)

	requestBody := chatCompletionRequest{
		Model:    "gpt-4",
		Messages: []llm.ChatMessage{{Role: llm.RoleUser, Content: "hi"}},
	}

	rr := postJSON(t, h.ChatCompletion, "/v1/chat/completions", requestBody)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if rr.Header().Get("X-Cache") != "miss" {
		t.Fatalf("expected cache miss, got %q", rr.Header().Get("X-Cache"))
	}

	var resp llm.ChatResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Choices[0].Message.Content != "hello!" {
		t.Fatalf("unexpected response message: %#v", resp.Choices[0].Message)
	}
	if fakeLLM.lastRequest.Temperature != 0 {
		t.Fatalf("temperature must be 0, got %v", fakeLLM.lastRequest.Temperature)
	}

	key, err := cache.BuildKey(&llm.ChatRequest{Model: "gpt-4", Messages: requestBody.Messages})
	if err != nil {
		t.Fatalf("build cache key: %v", err)
	}
	if rr.Header().Get("X-Chat-Hash") != key.Hash() {
		t.Fatalf("hash header = %q, want %q", rr.Header().Get("X-Chat-Hash"), key.Hash())
	}
	if _, hit, _ := store.Get(context.Background(), key.Bytes); !hit {
		t.Fatalf("expected response to be cached")
	}

	// Second identical request is served from the cache.
	rr = postJSON(t, h.ChatCompletion, "/v1/chat/completions", requestBody)
	if rr.Header().Get("X-Cache") != "hit" {
		t.Fatalf("expected cache hit, got %q", rr.Header().Get("X-Cache"))
	}
	if fakeLLM.nonStreamCalls != 1 {
		t.Fatalf("expected non-stream call once, got %d", fakeLLM.nonStreamCalls)
	}

	records, err := chatlog.ReadFile(logPath, chatlog.EncodingJSON)
	if err != nil || len(records) != 1 {
		t.Fatalf("expected 1 log record, got %d (%v)", len(records), err)
	}
}

func TestChatHandlerStream(t *testing.T) {
	streamChan := make(chan llm.StreamResult, 2)
	fakeLLM := &mockLLMClient{
		stream: streamChan,
	}

	h := NewChatHandler(dispatch.New(fakeLLM), "")

	payload, err := json.Marshal(chatCompletionRequest{
		Model:    "gpt-4",
		Stream:   true,
		Messages: []llm.ChatMessage{{Role: llm.RoleUser, Content: "stream please"}},
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.ChatCompletion(rr, req)
		close(done)
	}()

	streamChan <- llm.StreamResult{Chunk: &llm.StreamChunk{Index: 0, Delta: "hel"}}
	streamChan <- llm.StreamResult{Chunk: &llm.StreamChunk{Index: 0, Delta: "lo", FinishReason: "stop"}}
	close(streamChan)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("handler did not finish streaming")
	}

	if fakeLLM.streamCalls != 1 {
		t.Fatalf("expected stream call once, got %d", fakeLLM.streamCalls)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	body := rr.Body.String()
	if !strings.Contains(body, `"content":"hel"`) {
		t.Fatalf("expected first chunk in body: %s", body)
	}
	if !strings.Contains(body, `"content":"lo"`) {
		t.Fatalf("expected second chunk in body: %s", body)
	}
	if !strings.Contains(body, "data: [DONE]") {
		t.Fatalf("expected DONE sentinel in body: %s", body)
	}
}

func TestChatHandlerErrorStatus(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want int
	}{
		{llm.NewAPIError(400, "", "bad"), http.StatusBadRequest},
		{llm.NewAPIError(401, "", "bad key"), http.StatusUnauthorized},
		{llm.NewAPIError(429, "", "slow down"), http.StatusTooManyRequests},
		{llm.NewAPIError(503, "", "down"), http.StatusBadGateway},
		{llm.NewAPIError(404, "", "no such model"), http.StatusBadGateway},
		{fmt.Errorf("%w: dial", llm.ErrConnection), http.StatusBadGateway},
	} {
		t.Run(llm.KindOf(tc.err)+"_"+fmt.Sprint(tc.want), func(t *testing.T) {
			h := NewChatHandler(dispatch.New(&mockLLMClient{err: tc.err}, singleAttempt()), "")
			rr := postJSON(t, h.ChatCompletion, "/v1/chat/completions", chatCompletionRequest{Model: "gpt-4"})
			if rr.Code != tc.want {
				t.Fatalf("status = %d, want %d", rr.Code, tc.want)
			}

			var body errorResponse
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if body.Error.Type != llm.KindOf(tc.err) {
				t.Fatalf("error type = %q", body.Error.Type)
			}
		})
	}
}

func TestChatHandlerNoClient(t *testing.T) {
	h := NewChatHandler(dispatch.New(nil), "")
	rr := postJSON(t, h.ChatCompletion, "/v1/chat/completions", chatCompletionRequest{Model: "gpt-4"})
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestChatHandlerInvalidJSON(t *testing.T) {
	h := NewChatHandler(dispatch.New(&mockLLMClient{}), "")
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader("{"))
	rr := httptest.NewRecorder()
	h.ChatCompletion(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestSimpleHandler(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "chat_log.txt")
	fakeLLM := &mockLLMClient{
		resp: &llm.ChatResponse{Choices: []llm.ChatChoice{{Message: llm.ChatMessage{Role: llm.RoleAssistant, Content: "pong"}}}},
	}
	h := NewChatHandler(dispatch.New(fakeLLM, dispatch.WithDefaultLogPath(logPath)), "")

	rr := postJSON(t, h.Simple, "/v1/chat/simple", simpleRequest{
		Model:    "gpt-4",
		Messages: []llm.ChatMessage{{Role: llm.RoleUser, Content: "ping"}},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	var resp simpleResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil || resp.Content != "pong" {
		t.Fatalf("unexpected body %s (%v)", rr.Body.String(), err)
	}
}

func TestSimpleHandlerBadRequestIsEmpty(t *testing.T) {
	h := NewChatHandler(dispatch.New(&mockLLMClient{err: llm.NewAPIError(400, "", "bad")},
		dispatch.WithDefaultLogPath(filepath.Join(t.TempDir(), "log.txt"))), "")

	rr := postJSON(t, h.Simple, "/v1/chat/simple", simpleRequest{Model: "gpt-4"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if strings.TrimSpace(rr.Body.String()) != `{"content":""}` {
		t.Fatalf("unexpected body %s", rr.Body.String())
	}
}

func TestStatusForDeadline(t *testing.T) {
	status, _ := statusFor(fmt.Errorf("wrapped: %w", context.DeadlineExceeded))
	if status != http.StatusGatewayTimeout {
		t.Fatalf("status = %d", status)
	}
	if status, _ := statusFor(errors.New("mystery")); status != http.StatusBadGateway {
		t.Fatalf("status = %d", status)
	}
}
