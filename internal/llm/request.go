package llm

import (
	"encoding/json"

	"github.com/google/uuid"
)

// buildInput expands the conversation into the ordered input-item array the
// Responses API expects. Expansion is deterministic: an assistant message
// carrying tool calls becomes one message item (only when it has textual
// content) followed by one function_call item per tool call, in call order.
// Tool-result messages become function_call_output items.
func buildInput(msgs []ChatMessage) []providerItem {
	items := make([]providerItem, 0, len(msgs))

	for _, m := range msgs {
		switch {
		case m.Role == RoleTool:
			items = append(items, providerItem{
				Type:   "function_call_output",
				CallID: m.ToolCallID,
				Output: m.Content,
			})

		case m.Role == RoleAssistant && len(m.ToolCalls) > 0:
			if m.Content != "" {
				items = append(items, providerItem{
					Role:    RoleAssistant,
					Content: m.Content,
				})
			}
			for _, tc := range m.ToolCalls {
				args, err := json.Marshal(tc.Arguments)
				if err != nil {
					args = []byte("{}")
				}
				callID := tc.ID
				if callID == "" {
					// Some hosts omit call IDs on replayed history; the API
					// requires them to pair calls with outputs.
					callID = "call_" + uuid.NewString()
				}
				items = append(items, providerItem{
					Type:      "function_call",
					Name:      encodeToolName(tc.Name),
					Arguments: string(args),
					CallID:    callID,
				})
			}

		default:
			items = append(items, providerItem{
				Role:    m.Role,
				Content: m.Content,
			})
		}
	}

	return items
}

// buildProviderRequest assembles the streaming request body. tool_choice is
// only sent alongside tools, and the reasoning block only when a non-"none"
// effort is configured.
func (c *client) buildProviderRequest(req *ChatRequest) providerRequest {
	pReq := providerRequest{
		Model:           req.Model,
		Input:           buildInput(req.Messages),
		Stream:          true,
		Temperature:     req.Temperature,
		MaxOutputTokens: req.MaxOutputTokens,
	}

	if len(req.Tools) > 0 {
		pReq.Tools = make([]providerTool, 0, len(req.Tools))
		for _, t := range req.Tools {
			pReq.Tools = append(pReq.Tools, providerTool{
				Type:        "function",
				Name:        encodeToolName(t.Name),
				Description: t.Description,
				Parameters:  t.Parameters,
			})
		}
		pReq.ToolChoice = "auto"
	}

	if c.cfg.ReasoningEffort != "none" {
		pReq.Reasoning = &providerReasoning{
			Effort:  c.cfg.ReasoningEffort,
			Summary: "auto",
		}
	}

	return pReq
}
