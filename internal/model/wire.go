package model

import (
	"encoding/json"

	"github.com/seraph-dev/seraph/pkg/seraph"
)

// OpenAI-compatible wire types, mirroring internal/masteragent/model.go's
// inline request/response shapes.

type openAIChatCompletionRequest struct {
	Model    string               `json:"model"`
	Messages []openAIChatMessage  `json:"messages"`
	Tools    []openAITool         `json:"tools,omitempty"`
}

type openAIChatMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
}

type openAITool struct {
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type openAIToolCall struct {
	ID       string                 `json:"id"`
	Type     string                 `json:"type"`
	Function openAIFunctionCallBody `json:"function"`
}

type openAIFunctionCallBody struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAIChatCompletionResponse struct {
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
}

type openAIChoice struct {
	Message      openAIChatMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func convertRequest(model, systemPrompt string, messages []Message, tools []ToolSpec) openAIChatCompletionRequest {
	out := openAIChatCompletionRequest{Model: model}

	if systemPrompt != "" {
		out.Messages = append(out.Messages, openAIChatMessage{Role: "system", Content: systemPrompt})
	}

	for _, msg := range messages {
		m := openAIChatMessage{Role: msg.Role, Content: msg.Content, ToolCallID: msg.ToolCallID}
		for _, tc := range msg.ToolCalls {
			argsJSON, _ := json.Marshal(tc.Arguments)
			m.ToolCalls = append(m.ToolCalls, openAIToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: openAIFunctionCallBody{
					Name:      tc.Name,
					Arguments: string(argsJSON),
				},
			})
		}
		out.Messages = append(out.Messages, m)
	}

	for _, t := range tools {
		out.Tools = append(out.Tools, openAITool{
			Type: "function",
			Function: openAIFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	return out
}

func convertResponse(resp openAIChatCompletionResponse) seraph.GenerateResult {
	result := seraph.GenerateResult{
		Usage: seraph.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}

	if len(resp.Choices) == 0 {
		return result
	}

	msg := resp.Choices[0].Message
	result.Text = msg.Content

	for _, tc := range msg.ToolCalls {
		var args map[string]any
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		result.ToolCalls = append(result.ToolCalls, seraph.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}

	return result
}
