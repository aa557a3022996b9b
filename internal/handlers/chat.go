package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"codexbridge/internal/llm"
	"codexbridge/internal/metrics"
	"codexbridge/pkg/logging/logging"
)

// ChatHandler bridges POST /v1/chat/stream onto the streaming provider
// client. The upstream event sequence is re-emitted verbatim as SSE.
type ChatHandler struct {
	Client llm.Client
}

func NewChatHandler(client llm.Client) *ChatHandler {
	return &ChatHandler{Client: client}
}

// sseChatEvent is the wire form of one chat event on the outgoing SSE
// stream. Err is flattened to a plain string.
type sseChatEvent struct {
	Type  llm.EventType  `json:"type"`
	Delta string         `json:"delta,omitempty"`
	Tool  *llm.ToolStart `json:"tool,omitempty"`
	Usage *llm.Usage     `json:"usage,omitempty"`
	Error string         `json:"error,omitempty"`
}

// ChatStream handles POST /v1/chat/stream.
func (h *ChatHandler) ChatStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.L(ctx)
	start := time.Now()

	var req llm.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("invalid request", zap.Error(err))
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	events, err := h.Client.ChatStream(ctx, &req)
	if err != nil {
		logger.Warn("chat stream rejected", zap.Error(err))
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		logger.Error("response writer does not support streaming")
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var sent int
	for ev := range events {
		metrics.ChatEventsTotal.WithLabelValues(string(ev.Type)).Inc()

		out := sseChatEvent{
			Type:  ev.Type,
			Delta: ev.Delta,
			Tool:  ev.Tool,
			Usage: ev.Usage,
		}
		if ev.Err != nil {
			out.Error = ev.Err.Error()
		}

		payload, err := json.Marshal(out)
		if err != nil {
			logger.Warn("marshal event", zap.Error(err))
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			// Client went away; the request context cancel stops the
			// upstream stream, just drain what's left.
			logger.Debug("client disconnected mid-stream", zap.Error(err))
			for range events {
			}
			return
		}
		flusher.Flush()
		sent++
	}

	_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()

	logger.Info("chat stream finished",
		zap.String("model", req.Model),
		zap.Int("events", sent),
		zap.Duration("total_latency_ms", time.Since(start)),
	)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
