package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAICompatProvider implements Provider over any OpenAI-format chat API.
// Used for Qwen via the DashScope compatible-mode endpoint as well as for
// OpenAI itself.
type OpenAICompatProvider struct {
	client *openai.Client
	model  string
	name   string
}

// NewOpenAICompat creates an OpenAI-format provider. baseURL may be empty
// for the OpenAI default.
func NewOpenAICompat(name, baseURL, apiKey, model string) *OpenAICompatProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAICompatProvider{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		name:   name,
	}
}

func (p *OpenAICompatProvider) Name() string {
	if p.name != "" {
		return p.name
	}
	return "openai"
}

func (p *OpenAICompatProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req, nil, nil))
	if err != nil {
		return nil, p.wrapError(err)
	}
	return p.buildResponse(&resp)
}

// CompleteWithTools sends a completion request with tool definitions,
// mapping the provider-neutral tool conversation onto OpenAI's tool-call
// message format.
func (p *OpenAICompatProvider) CompleteWithTools(ctx context.Context, req CompletionRequest, tools []ToolDefinition, toolMessages []ToolMessage) (*CompletionResponse, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req, tools, toolMessages))
	if err != nil {
		return nil, p.wrapError(err)
	}
	return p.buildResponse(&resp)
}

func (p *OpenAICompatProvider) buildRequest(req CompletionRequest, tools []ToolDefinition, toolMessages []ToolMessage) openai.ChatCompletionRequest {
	var messages []openai.ChatCompletionMessage
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	for _, tm := range toolMessages {
		messages = append(messages, convertToolMessage(tm)...)
	}

	var oaTools []openai.Tool
	for _, t := range tools {
		oaTools = append(oaTools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}

	model := req.Model
	if model == "" {
		model = p.model
	}
	out := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Tools:    oaTools,
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		out.Temperature = float32(req.Temperature)
	}
	return out
}

// convertToolMessage flattens one neutral tool turn into OpenAI messages:
// assistant turns carry text plus tool calls, user turns carry tool results
// as role "tool" messages.
func convertToolMessage(tm ToolMessage) []openai.ChatCompletionMessage {
	var out []openai.ChatCompletionMessage

	if tm.Role == "assistant" {
		msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
		for _, b := range tm.Content {
			switch b.Type {
			case "text":
				msg.Content += b.Text
			case "tool_use":
				if b.ToolCall == nil {
					continue
				}
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   b.ToolCall.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      b.ToolCall.Name,
						Arguments: string(b.ToolCall.Input),
					},
				})
			}
		}
		if msg.Content != "" || len(msg.ToolCalls) > 0 {
			out = append(out, msg)
		}
		return out
	}

	for _, b := range tm.Content {
		switch b.Type {
		case "text":
			if b.Text != "" {
				out = append(out, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleUser,
					Content: b.Text,
				})
			}
		case "tool_result":
			if b.ToolResult == nil {
				continue
			}
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    b.ToolResult.Content,
				ToolCallID: b.ToolResult.ToolCallID,
			})
		}
	}
	return out
}

func (p *OpenAICompatProvider) buildResponse(resp *openai.ChatCompletionResponse) (*CompletionResponse, error) {
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{Message: "empty choices in response", Provider: p.Name()}
	}
	choice := resp.Choices[0]

	var toolCalls []ToolCall
	for _, tc := range choice.Message.ToolCalls {
		toolCalls = append(toolCalls, ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: json.RawMessage(tc.Function.Arguments),
		})
	}

	return &CompletionResponse{
		Content:      choice.Message.Content,
		Model:        resp.Model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		StopReason:   string(choice.FinishReason),
		ToolCalls:    toolCalls,
	}, nil
}

func (p *OpenAICompatProvider) wrapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{
			Message:    apiErr.Message,
			StatusCode: apiErr.HTTPStatusCode,
			Provider:   p.Name(),
		}
	}
	return &ProviderError{Message: fmt.Sprintf("completion failed: %v", err), Provider: p.Name()}
}
