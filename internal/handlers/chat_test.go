package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"codexbridge/internal/llm"
)

type mockLLMClient struct {
	stream      chan llm.ChatEvent
	err         error
	streamCalls int
	lastRequest *llm.ChatRequest
}

func (m *mockLLMClient) ChatStream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.ChatEvent, error) {
	m.streamCalls++
	m.lastRequest = req
	if m.err != nil {
		return nil, m.err
	}
	if m.stream == nil {
		m.stream = make(chan llm.ChatEvent)
	}
	return m.stream, nil
}

func TestChatStreamHandler(t *testing.T) {
	streamChan := make(chan llm.ChatEvent, 4)
	fakeLLM := &mockLLMClient{stream: streamChan}
	h := NewChatHandler(fakeLLM)

	requestBody := llm.ChatRequest{
		Model: "gpt-5",
		Messages: []llm.ChatMessage{
			{Role: llm.RoleUser, Content: "stream please"},
		},
	}
	payload, err := json.Marshal(requestBody)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/stream", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.ChatStream(rr, req)
		close(done)
	}()

	streamChan <- llm.ChatEvent{Type: llm.EventContentDelta, Delta: "hel"}
	streamChan <- llm.ChatEvent{Type: llm.EventContentDelta, Delta: "lo"}
	streamChan <- llm.ChatEvent{Type: llm.EventToolStart, Tool: &llm.ToolStart{
		Name:      "web/search",
		Arguments: map[string]any{"q": "x"},
		CallID:    "c1",
	}}
	streamChan <- llm.ChatEvent{Type: llm.EventDone, Usage: &llm.Usage{InputTokens: 10, OutputTokens: 5}}
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
		t.Fatalf("content type = %q", ct)
	}

	body := rr.Body.String()
	if !strings.Contains(body, `"delta":"hel"`) {
		t.Fatalf("expected first chunk in body: %s", body)
	}
	if !strings.Contains(body, `"delta":"lo"`) {
		t.Fatalf("expected second chunk in body: %s", body)
	}
	if !strings.Contains(body, `"name":"web/search"`) {
		t.Fatalf("expected tool event in body: %s", body)
	}
	if !strings.Contains(body, `"input_tokens":10`) {
		t.Fatalf("expected usage in body: %s", body)
	}
	if !strings.Contains(body, "data: [DONE]") {
		t.Fatalf("expected DONE sentinel in body: %s", body)
	}
}

func TestChatStreamHandlerErrorEvent(t *testing.T) {
	streamChan := make(chan llm.ChatEvent, 1)
	streamChan <- llm.ChatEvent{Type: llm.EventError, Err: errors.New("provider overloaded")}
	close(streamChan)

	h := NewChatHandler(&mockLLMClient{stream: streamChan})

	payload, _ := json.Marshal(llm.ChatRequest{
		Model:    "gpt-5",
		Messages: []llm.ChatMessage{{Role: llm.RoleUser, Content: "hi"}},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/stream", bytes.NewReader(payload))
	rr := httptest.NewRecorder()

	h.ChatStream(rr, req)

	body := rr.Body.String()
	if !strings.Contains(body, `"type":"error"`) {
		t.Fatalf("expected error event in body: %s", body)
	}
	if !strings.Contains(body, "provider overloaded") {
		t.Fatalf("expected error message in body: %s", body)
	}
}

func TestChatStreamHandlerRejectedRequest(t *testing.T) {
	fakeLLM := &mockLLMClient{err: errors.New("invalid request: model is required")}
	h := NewChatHandler(fakeLLM)

	payload, _ := json.Marshal(llm.ChatRequest{})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/stream", bytes.NewReader(payload))
	rr := httptest.NewRecorder()

	h.ChatStream(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestChatStreamHandlerInvalidJSON(t *testing.T) {
	h := NewChatHandler(&mockLLMClient{})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/stream", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()

	h.ChatStream(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}
