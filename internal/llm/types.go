package llm

import (
	"context"
	"errors"
	"fmt"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is a function invocation the assistant requested in an earlier turn.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ChatMessage is one turn of the conversation. Assistant messages may carry
// tool calls; tool messages carry the result of exactly one call, correlated
// by ToolCallID.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// Tool describes a function the model may call. Parameters is a JSON Schema
// root object.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type ChatRequest struct {
	Model           string        `json:"model"`
	Messages        []ChatMessage `json:"messages"`
	Temperature     *float64      `json:"temperature,omitempty"`
	MaxOutputTokens int           `json:"max_output_tokens,omitempty"`
	Tools           []Tool        `json:"tools,omitempty"`
}

func (r *ChatRequest) Validate() error {
	if r.Model == "" {
		return errors.New("model is required")
	}
	if len(r.Messages) == 0 {
		return errors.New("at least one message is required")
	}
	for i, m := range r.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		default:
			return fmt.Errorf("invalid role %q in messages[%d]", m.Role, i)
		}
		if m.Role == RoleTool && m.ToolCallID == "" {
			return fmt.Errorf("tool_call_id is required for messages[%d]", i)
		}
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return errors.New("temperature must be between 0 and 2")
	}
	return nil
}

type EventType string

const (
	EventContentDelta  EventType = "content_delta"
	EventThinkingDelta EventType = "thinking_delta"
	EventToolStart     EventType = "tool_start"
	EventError         EventType = "error"
	EventDone          EventType = "done"
)

// ToolStart announces a completed tool invocation request from the model:
// the name has been decoded from its wire form and the arguments fully
// accumulated and parsed.
type ToolStart struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	CallID    string         `json:"call_id"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ChatEvent is one element of the event sequence produced by a streaming
// chat call. Exactly one terminal event (EventError or EventDone) ends the
// sequence; Usage on EventDone is nil when the provider never reported it.
type ChatEvent struct {
	Type  EventType
	Delta string     // EventContentDelta, EventThinkingDelta
	Tool  *ToolStart // EventToolStart
	Usage *Usage     // EventDone, may be nil
	Err   error      // EventError
}

// Credentials supplies the bearer token for upstream calls. An empty token
// with a nil error means "not authenticated" and short-circuits the request.
type Credentials interface {
	AccessToken(ctx context.Context) (string, error)
}

type Client interface {
	ChatStream(ctx context.Context, req *ChatRequest) (<-chan ChatEvent, error)
}
