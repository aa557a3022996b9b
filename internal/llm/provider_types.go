package llm

// Request shape we send upstream (Responses API).
type providerRequest struct {
	Model           string             `json:"model"`
	Input           []providerItem     `json:"input"`
	Stream          bool               `json:"stream"`
	Temperature     *float64           `json:"temperature,omitempty"`
	MaxOutputTokens int                `json:"max_output_tokens,omitempty"`
	Tools           []providerTool     `json:"tools,omitempty"`
	ToolChoice      string             `json:"tool_choice,omitempty"`
	Reasoning       *providerReasoning `json:"reasoning,omitempty"`
}

// providerItem is one entry of the ordered input array. Exactly one of three
// shapes is populated: a message (role+content), a function_call
// (name+arguments+call_id) or a function_call_output (call_id+output).
type providerItem struct {
	Type      string `json:"type,omitempty"`
	Role      string `json:"role,omitempty"`
	Content   string `json:"content,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Output    string `json:"output,omitempty"`
}

type providerTool struct {
	Type        string         `json:"type"` // always "function"
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type providerReasoning struct {
	Effort  string `json:"effort"`
	Summary string `json:"summary"`
}

type providerErrorResponse struct {
	Error struct {
		Message string      `json:"message"`
		Type    string      `json:"type"`
		Code    interface{} `json:"code"`
	} `json:"error"`
}

// SSE event discriminants we act on. Unrecognized types decode fine and are
// ignored by the translator.
const (
	eventTextDelta      = "response.output_text.delta"
	eventReasoningDelta = "response.reasoning_summary_text.delta"
	eventItemAdded      = "response.output_item.added"
	eventFuncArgsDelta  = "response.function_call_arguments.delta"
	eventFuncArgsDone   = "response.function_call_arguments.done"
	eventCompleted      = "response.completed"
	eventError          = "error"
)

// streamEvent is the decoded payload of one SSE "data:" line. Only the
// fields relevant to the event's Type are populated; everything else stays
// at its zero value.
type streamEvent struct {
	Type        string          `json:"type"`
	Delta       string          `json:"delta,omitempty"`
	OutputIndex *int            `json:"output_index,omitempty"`
	Arguments   string          `json:"arguments,omitempty"`
	Item        *streamItem     `json:"item,omitempty"`
	Response    *streamResponse `json:"response,omitempty"`
	Message     string          `json:"message,omitempty"` // error events
	Code        string          `json:"code,omitempty"`
}

type streamItem struct {
	Type   string `json:"type"`
	Name   string `json:"name,omitempty"`
	CallID string `json:"call_id,omitempty"`
}

type streamResponse struct {
	Usage *streamUsage `json:"usage,omitempty"`
}

type streamUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
