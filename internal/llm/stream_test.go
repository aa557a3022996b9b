package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

// staticCreds satisfies Credentials with a fixed token ("" = unauthenticated).
type staticCreds string

func (s staticCreds) AccessToken(ctx context.Context) (string, error) {
	return string(s), nil
}

func sseServer(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Fatalf("response writer does not support flushing")
		}
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
}

func newTestClient(t *testing.T, baseURL string, creds Credentials) Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL:     baseURL,
		Credentials: creds,
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func collectEvents(t *testing.T, events <-chan ChatEvent) []ChatEvent {
	t.Helper()
	var out []ChatEvent
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out waiting for events; got %d so far", len(out))
		}
	}
}

func TestChatStreamContentAndUsage(t *testing.T) {
	t.Parallel()

	var gotReq providerRequest
	var gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/responses" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("read body: %v", err)
		}
		if err := json.Unmarshal(body, &gotReq); err != nil {
			t.Fatalf("unmarshal request: %v", err)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		lines := []string{
			`{"type":"response.output_text.delta","delta":"hel"}`,
			`{"type":"response.reasoning_summary_text.delta","delta":"thinking"}`,
			`{"type":"response.output_text.delta","delta":"lo"}`,
			`{"type":"response.completed","response":{"usage":{"input_tokens":10,"output_tokens":5}}}`,
		}
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, staticCreds("test-token"))

	events, err := client.ChatStream(context.Background(), &ChatRequest{
		Model:    "gpt-5",
		Messages: []ChatMessage{{Role: RoleUser, Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	got := collectEvents(t, events)

	if gotAuth != "Bearer test-token" {
		t.Fatalf("unexpected Authorization header: %s", gotAuth)
	}
	if !gotReq.Stream || gotReq.Model != "gpt-5" {
		t.Fatalf("unexpected provider request: %#v", gotReq)
	}

	var content, thinking strings.Builder
	for _, ev := range got[:len(got)-1] {
		switch ev.Type {
		case EventContentDelta:
			content.WriteString(ev.Delta)
		case EventThinkingDelta:
			thinking.WriteString(ev.Delta)
		default:
			t.Fatalf("unexpected non-terminal event: %#v", ev)
		}
	}
	if content.String() != "hello" {
		t.Fatalf("unexpected content: %q", content.String())
	}
	if thinking.String() != "thinking" {
		t.Fatalf("unexpected thinking: %q", thinking.String())
	}

	last := got[len(got)-1]
	if last.Type != EventDone {
		t.Fatalf("expected terminal done, got %#v", last)
	}
	if last.Usage == nil || last.Usage.InputTokens != 10 || last.Usage.OutputTokens != 5 {
		t.Fatalf("usage not captured: %#v", last.Usage)
	}
}

func TestChatStreamToolCallLifecycle(t *testing.T) {
	t.Parallel()

	srv := sseServer(t,
		`{"type":"response.output_item.added","output_index":2,"item":{"type":"function_call","name":"web__search","call_id":"c1"}}`,
		`{"type":"response.function_call_arguments.delta","output_index":2,"delta":"{\"q\":"}`,
		`{"type":"response.function_call_arguments.delta","output_index":2,"delta":"\"x\"}"}`,
		`{"type":"response.function_call_arguments.done","output_index":2,"arguments":"{\"q\":\"x\"}"}`,
	)
	defer srv.Close()

	client := newTestClient(t, srv.URL, staticCreds("tok"))
	events, err := client.ChatStream(context.Background(), &ChatRequest{
		Model:    "gpt-5",
		Messages: []ChatMessage{{Role: RoleUser, Content: "search x"}},
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	got := collectEvents(t, events)
	if len(got) != 2 {
		t.Fatalf("expected tool_start + done, got %#v", got)
	}

	tool := got[0]
	if tool.Type != EventToolStart || tool.Tool == nil {
		t.Fatalf("expected tool_start, got %#v", tool)
	}
	if tool.Tool.Name != "web/search" {
		t.Fatalf("tool name not decoded: %q", tool.Tool.Name)
	}
	if tool.Tool.CallID != "c1" {
		t.Fatalf("unexpected call id: %q", tool.Tool.CallID)
	}
	if q, ok := tool.Tool.Arguments["q"].(string); !ok || q != "x" {
		t.Fatalf("arguments not parsed: %#v", tool.Tool.Arguments)
	}

	if got[1].Type != EventDone {
		t.Fatalf("expected done, got %#v", got[1])
	}
}

func TestChatStreamOrphanArgumentsDelta(t *testing.T) {
	t.Parallel()

	srv := sseServer(t,
		`{"type":"response.function_call_arguments.delta","output_index":7,"delta":"{\"q\":\"x\"}"}`,
		`{"type":"response.function_call_arguments.done","output_index":7,"arguments":"{\"q\":\"x\"}"}`,
	)
	defer srv.Close()

	client := newTestClient(t, srv.URL, staticCreds("tok"))
	events, err := client.ChatStream(context.Background(), &ChatRequest{
		Model:    "gpt-5",
		Messages: []ChatMessage{{Role: RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	got := collectEvents(t, events)
	if len(got) != 1 || got[0].Type != EventDone {
		t.Fatalf("orphan deltas must produce nothing but done, got %#v", got)
	}
}

func TestChatStreamMalformedToolArgumentsDropped(t *testing.T) {
	t.Parallel()

	srv := sseServer(t,
		`{"type":"response.output_item.added","output_index":0,"item":{"type":"function_call","name":"search","call_id":"c1"}}`,
		`{"type":"response.function_call_arguments.done","output_index":0,"arguments":"{broken"}`,
		`{"type":"response.output_text.delta","delta":"still here"}`,
	)
	defer srv.Close()

	client := newTestClient(t, srv.URL, staticCreds("tok"))
	events, err := client.ChatStream(context.Background(), &ChatRequest{
		Model:    "gpt-5",
		Messages: []ChatMessage{{Role: RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	got := collectEvents(t, events)
	// A single malformed tool call must not abort the stream.
	if len(got) != 2 || got[0].Type != EventContentDelta || got[1].Type != EventDone {
		t.Fatalf("unexpected events: %#v", got)
	}
}

func TestChatStreamErrorEventTerminates(t *testing.T) {
	t.Parallel()

	srv := sseServer(t,
		`{"type":"response.output_text.delta","delta":"a"}`,
		`{"type":"error","code":"overloaded","message":"try again later"}`,
		`{"type":"response.output_text.delta","delta":"never seen"}`,
	)
	defer srv.Close()

	client := newTestClient(t, srv.URL, staticCreds("tok"))
	events, err := client.ChatStream(context.Background(), &ChatRequest{
		Model:    "gpt-5",
		Messages: []ChatMessage{{Role: RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	got := collectEvents(t, events)
	if len(got) != 2 {
		t.Fatalf("expected delta + error only, got %#v", got)
	}
	last := got[1]
	if last.Type != EventError || last.Err == nil {
		t.Fatalf("expected terminal error, got %#v", last)
	}
	if !strings.Contains(last.Err.Error(), "overloaded") || !strings.Contains(last.Err.Error(), "try again later") {
		t.Fatalf("error should carry provider code and message: %v", last.Err)
	}
}

func TestChatStreamMalformedLinesSkipped(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {not json\n\n")
		fmt.Fprint(w, ": comment\n")
		fmt.Fprint(w, "event: something\n\n")
		fmt.Fprint(w, "data: {\"type\":\"response.output_text.delta\",\"delta\":\"ok\"}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, staticCreds("tok"))
	events, err := client.ChatStream(context.Background(), &ChatRequest{
		Model:    "gpt-5",
		Messages: []ChatMessage{{Role: RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	got := collectEvents(t, events)
	if len(got) != 2 || got[0].Delta != "ok" || got[1].Type != EventDone {
		t.Fatalf("unexpected events: %#v", got)
	}
}

func TestChatStreamDrainsLineWithoutTrailingNewline(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"type\":\"response.output_text.delta\",\"delta\":\"first\"}\n")
		flusher.Flush()
		// Provider omits the trailing newline on its last event.
		fmt.Fprint(w, "data: {\"type\":\"response.output_text.delta\",\"delta\":\"last\"}")
		flusher.Flush()
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, staticCreds("tok"))
	events, err := client.ChatStream(context.Background(), &ChatRequest{
		Model:    "gpt-5",
		Messages: []ChatMessage{{Role: RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	got := collectEvents(t, events)
	if len(got) != 3 {
		t.Fatalf("expected two deltas + done, got %#v", got)
	}
	if got[1].Delta != "last" {
		t.Fatalf("residual line not drained: %#v", got[1])
	}
	if got[2].Type != EventDone || got[2].Usage != nil {
		t.Fatalf("done without reported usage should carry nil usage: %#v", got[2])
	}
}

func TestChatStreamNotAuthenticated(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("server must not be called without credentials")
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, staticCreds(""))
	events, err := client.ChatStream(context.Background(), &ChatRequest{
		Model:    "gpt-5",
		Messages: []ChatMessage{{Role: RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	got := collectEvents(t, events)
	if len(got) != 1 || got[0].Type != EventError {
		t.Fatalf("expected single error event, got %#v", got)
	}
	if !strings.Contains(got[0].Err.Error(), "not authenticated") {
		t.Fatalf("unexpected error: %v", got[0].Err)
	}
}

func TestChatStreamUpstreamHTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"token expired","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, staticCreds("stale"))
	events, err := client.ChatStream(context.Background(), &ChatRequest{
		Model:    "gpt-5",
		Messages: []ChatMessage{{Role: RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	got := collectEvents(t, events)
	if len(got) != 1 || got[0].Type != EventError {
		t.Fatalf("expected single error event, got %#v", got)
	}
	if !strings.Contains(got[0].Err.Error(), "token expired") {
		t.Fatalf("provider message lost: %v", got[0].Err)
	}
}

func TestChatStreamValidation(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, "http://localhost:0", staticCreds("tok"))

	if _, err := client.ChatStream(context.Background(), nil); err == nil {
		t.Fatalf("nil request must be rejected")
	}
	if _, err := client.ChatStream(context.Background(), &ChatRequest{}); err == nil || !strings.Contains(err.Error(), "invalid request") {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestChatStreamCancellation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"type\":\"response.output_text.delta\",\"delta\":\"a\"}\n\n")
		flusher.Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	client := newTestClient(t, srv.URL, staticCreds("tok"))

	ctx, cancel := context.WithCancel(context.Background())
	events, err := client.ChatStream(ctx, &ChatRequest{
		Model:    "gpt-5",
		Messages: []ChatMessage{{Role: RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Type != EventContentDelta {
			t.Fatalf("expected first delta, got %#v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for first delta")
	}

	cancel()

	// The channel must close (connection released) without hanging.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("stream did not shut down after cancellation")
		}
	}
}

func TestNewClientValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewClient(Config{}, zaptest.NewLogger(t)); err == nil {
		t.Fatalf("expected validation error, got nil")
	}
	if _, err := NewClient(Config{BaseURL: "http://x"}, nil); err == nil {
		t.Fatalf("missing credentials must be rejected")
	}
	if _, err := NewClient(Config{BaseURL: "http://x", Credentials: staticCreds("t"), ReasoningEffort: "max"}, nil); err == nil {
		t.Fatalf("invalid reasoning effort must be rejected")
	}
}

func TestChatStreamUpstreamTimeoutEmitsTerminalError(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	defer close(block)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"type\":\"response.output_text.delta\",\"delta\":\"hel\"}\n\n")
		flusher.Flush()
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	c, err := NewClient(Config{
		BaseURL:         srv.URL,
		Credentials:     staticCreds("tok"),
		UpstreamTimeout: 30 * time.Millisecond,
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	req := &ChatRequest{
		Model:    "gpt-5",
		Messages: []ChatMessage{{Role: RoleUser, Content: "hi"}},
	}

	// The hung-upstream deadline races terminal-event delivery against the
	// internal context; repeat so a dropped terminal event cannot hide.
	for i := 0; i < 25; i++ {
		events, err := c.ChatStream(context.Background(), req)
		if err != nil {
			t.Fatalf("run %d: ChatStream: %v", i, err)
		}
		evs := collectEvents(t, events)
		if len(evs) == 0 {
			t.Fatalf("run %d: channel closed with no events", i)
		}
		last := evs[len(evs)-1]
		if last.Type != EventError || last.Err == nil {
			t.Fatalf("run %d: stream ended without a terminal error, last event %#v", i, last)
		}
	}
}
