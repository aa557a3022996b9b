package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// ChatStream opens a streaming chat completion and returns a lazy sequence
// of chat events. The sequence always ends with exactly one terminal event
// (EventDone or EventError). Cancelling ctx abandons the stream and releases
// the underlying connection.
func (c *client) ChatStream(parentCtx context.Context, req *ChatRequest) (<-chan ChatEvent, error) {
	if req == nil {
		return nil, fmt.Errorf("llmclient: request is nil")
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("llmclient: invalid request: %w", err)
	}

	c.logger.Debug("chat stream starting",
		zap.String("model", req.Model),
		zap.Int("message_count", len(req.Messages)),
		zap.Int("tool_count", len(req.Tools)),
	)

	// Per-stream ceiling (0 = only use parentCtx)
	var ctx context.Context
	var cancel context.CancelFunc
	if c.cfg.UpstreamTimeout > 0 {
		ctx, cancel = context.WithTimeout(parentCtx, c.cfg.UpstreamTimeout)
	} else {
		ctx, cancel = context.WithCancel(parentCtx)
	}

	events := make(chan ChatEvent, 16)

	go func() {
		defer close(events)
		defer cancel()
		c.runStream(parentCtx, ctx, req, events)
	}()

	return events, nil
}

func (c *client) runStream(parentCtx, ctx context.Context, req *ChatRequest, events chan<- ChatEvent) {
	// send delivers one mid-stream event, giving up when the stream is done
	// with (internal deadline or consumer cancellation).
	send := func(ev ChatEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	// sendTerminal delivers the stream's single terminal event. It blocks on
	// the caller only: the internal deadline firing means the consumer is
	// still live and must see the terminal event, so ctx must not preempt it.
	sendTerminal := func(ev ChatEvent) {
		select {
		case events <- ev:
		case <-parentCtx.Done():
		}
	}
	fail := func(err error) {
		c.logger.Error("chat stream failed",
			zap.String("model", req.Model),
			zap.Error(err),
		)
		sendTerminal(ChatEvent{Type: EventError, Err: err})
	}

	// ---------- Credentials ----------

	token, err := c.cfg.Credentials.AccessToken(ctx)
	if err != nil {
		fail(fmt.Errorf("llmclient: resolve credentials: %w", err))
		return
	}
	if token == "" {
		fail(errors.New("llmclient: not authenticated; complete the device login first"))
		return
	}

	// ---------- Build provider request ----------

	bodyBytes, err := json.Marshal(c.buildProviderRequest(req))
	if err != nil {
		fail(fmt.Errorf("llmclient: marshal stream request: %w", err))
		return
	}

	url := c.cfg.BaseURL + "/responses"

	doOnce := func(ctx context.Context) (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
		if err != nil {
			return nil, fmt.Errorf("llmclient: build HTTP stream request: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")
		return c.httpClient.Do(httpReq)
	}

	// ---------- Connect with retries (no mid-stream retries) ----------

	resp, err := c.connectWithRetry(ctx, doOnce)
	if err != nil {
		fail(err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)

		var perr providerErrorResponse
		if err := json.Unmarshal(body, &perr); err == nil && perr.Error.Message != "" {
			fail(fmt.Errorf("llmclient: upstream stream %d: %s (%s)",
				resp.StatusCode, perr.Error.Message, perr.Error.Type))
			return
		}
		fail(fmt.Errorf("llmclient: upstream stream %d: %s",
			resp.StatusCode, truncate(string(body), 200)))
		return
	}

	// ---------- Translate SSE into chat events ----------

	tr := &translator{
		pending:      make(map[int]*pendingToolCall),
		logger:       c.logger,
		send:         send,
		sendTerminal: sendTerminal,
	}

	var lines lineBuffer
	buf := make([]byte, 4096)

	for {
		select {
		case <-ctx.Done():
			if parentCtx.Err() != nil {
				c.logger.Info("chat stream cancelled",
					zap.String("model", req.Model),
					zap.Error(parentCtx.Err()),
				)
				return
			}
			fail(fmt.Errorf("llmclient: stream timed out after %s", c.cfg.UpstreamTimeout))
			return
		default:
		}

		n, err := resp.Body.Read(buf)
		if n > 0 {
			for _, line := range lines.push(string(buf[:n])) {
				ev, ok := decodeLine(line)
				if !ok {
					continue
				}
				if tr.handle(ev) {
					return
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				// Drain: one last decode of the residual buffered line.
				if line, ok := lines.flush(); ok {
					if ev, ok := decodeLine(line); ok && tr.handle(ev) {
						return
					}
				}
				c.logger.Info("chat stream completed",
					zap.String("model", req.Model),
					zap.Int("tool_calls", tr.toolCalls),
					zap.Bool("usage_reported", tr.usage != nil),
				)
				sendTerminal(ChatEvent{Type: EventDone, Usage: tr.usage})
				return
			}
			if parentCtx.Err() != nil {
				c.logger.Info("chat stream cancelled",
					zap.String("model", req.Model),
					zap.Error(parentCtx.Err()),
				)
				return
			}
			fail(fmt.Errorf("llmclient: read stream: %w", err))
			return
		}
	}
}

// pendingToolCall accumulates a concurrently-streamed function call, keyed
// by the provider's output index for the lifetime of one stream.
type pendingToolCall struct {
	name   string
	callID string
	args   strings.Builder
}

// translator folds decoded protocol events into caller-facing chat events.
// It owns the in-flight tool-call table and the last reported usage.
type translator struct {
	pending      map[int]*pendingToolCall
	usage        *Usage
	toolCalls    int
	logger       *zap.Logger
	send         func(ChatEvent) bool
	sendTerminal func(ChatEvent)
}

// handle processes one protocol event and reports whether the stream is
// terminal: either an error event was emitted or the consumer went away.
func (t *translator) handle(ev *streamEvent) bool {
	switch ev.Type {
	case eventTextDelta:
		if ev.Delta == "" {
			return false
		}
		return !t.send(ChatEvent{Type: EventContentDelta, Delta: ev.Delta})

	case eventReasoningDelta:
		if ev.Delta == "" {
			return false
		}
		return !t.send(ChatEvent{Type: EventThinkingDelta, Delta: ev.Delta})

	case eventItemAdded:
		if ev.Item == nil || ev.Item.Type != "function_call" || ev.OutputIndex == nil {
			return false
		}
		if ev.Item.Name == "" || ev.Item.CallID == "" {
			return false
		}
		t.pending[*ev.OutputIndex] = &pendingToolCall{
			name:   decodeToolName(ev.Item.Name),
			callID: ev.Item.CallID,
		}
		return false

	case eventFuncArgsDelta:
		if ev.OutputIndex == nil {
			return false
		}
		// No-op when the index was never announced.
		if pc, ok := t.pending[*ev.OutputIndex]; ok {
			pc.args.WriteString(ev.Delta)
		}
		return false

	case eventFuncArgsDone:
		if ev.OutputIndex == nil {
			return false
		}
		pc, ok := t.pending[*ev.OutputIndex]
		if !ok {
			return false
		}
		delete(t.pending, *ev.OutputIndex)

		// The done event usually carries the complete arguments; fall back
		// to what we accumulated.
		argsText := ev.Arguments
		if argsText == "" {
			argsText = pc.args.String()
		}

		var args map[string]any
		if err := json.Unmarshal([]byte(argsText), &args); err != nil {
			t.logger.Warn("dropping tool call with unparseable arguments",
				zap.String("tool", pc.name),
				zap.String("call_id", pc.callID),
				zap.Error(err),
			)
			return false
		}

		t.toolCalls++
		return !t.send(ChatEvent{Type: EventToolStart, Tool: &ToolStart{
			Name:      pc.name,
			Arguments: args,
			CallID:    pc.callID,
		}})

	case eventCompleted:
		// Usage arrives here; the stream itself ends at EOF or [DONE].
		if ev.Response != nil && ev.Response.Usage != nil {
			t.usage = &Usage{
				InputTokens:  ev.Response.Usage.InputTokens,
				OutputTokens: ev.Response.Usage.OutputTokens,
			}
		}
		return false

	case eventError:
		msg := ev.Message
		if msg == "" {
			msg = "provider stream error"
		}
		err := fmt.Errorf("llmclient: provider error: %s", msg)
		if ev.Code != "" {
			err = fmt.Errorf("llmclient: provider error %s: %s", ev.Code, msg)
		}
		t.sendTerminal(ChatEvent{Type: EventError, Err: err})
		return true

	default:
		// Unrecognized event types are forwarded by the decoder and
		// deliberately ignored here.
		return false
	}
}

// truncate limits string length for logging
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
