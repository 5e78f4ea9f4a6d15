// Package agent turns inbound chat messages into answers: it assembles the
// conversation context, runs the LLM with the tool registry, executes at most
// one tool round, and reports progress onto an AI card when the conversation
// supports one.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gray035/dingtalk-agent-client/internal/dingtalk"
	"github.com/gray035/dingtalk-agent-client/internal/history"
	"github.com/gray035/dingtalk-agent-client/internal/llm"
	"github.com/gray035/dingtalk-agent-client/internal/stream"
)

// History is the conversation memory the agent reads and appends to.
// Satisfied by *history.Store.
type History interface {
	Append(ctx context.Context, conversationID, role, content string) error
	Window(ctx context.Context, conversationID string) ([]history.Entry, error)
}

// Config tunes the agent service.
type Config struct {
	SystemPrompt   string
	CardTemplateID string // empty disables card progress
	MaxTokens      int
}

const defaultSystemPrompt = `You are a helpful assistant for DingTalk users.
Answer concisely in the user's language. Use the available tools when the
question needs directory lookups or the current time.`

// Service implements the message-handling boundary of the stream pipeline.
type Service struct {
	cfg      Config
	provider llm.ToolProvider
	hist     History
	cards    dingtalk.CardUpdater
	tools    *registry

	now func() time.Time
}

// New creates an agent service. hist and cards may be nil to disable
// conversation memory and card progress respectively.
func New(cfg Config, provider llm.ToolProvider, hist History, cards dingtalk.CardUpdater, tools []Tool) *Service {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	return &Service{
		cfg:      cfg,
		provider: provider,
		hist:     hist,
		cards:    cards,
		tools:    newRegistry(tools),
		now:      time.Now,
	}
}

// HandleMessage produces a result for one inbound message.
func (s *Service) HandleMessage(ctx context.Context, msg *stream.InboundMessage) (*stream.Result, error) {
	card := s.cardFor(msg)

	req := llm.CompletionRequest{
		System:    s.systemPrompt(msg),
		Messages:  s.buildMessages(ctx, msg),
		MaxTokens: s.cfg.MaxTokens,
	}

	resp, err := s.provider.CompleteWithTools(ctx, req, s.tools.definitions(), nil)
	if err != nil {
		return nil, fmt.Errorf("completion: %w", err)
	}

	var result *stream.Result
	if len(resp.ToolCalls) > 0 {
		result, err = s.runToolRound(ctx, req, resp, card)
		if err != nil {
			return nil, err
		}
	} else {
		result = &stream.Result{Text: resp.Content}
	}

	s.remember(ctx, msg, result)
	s.finishCard(ctx, card, result)
	return result, nil
}

// runToolRound executes the first requested tool, feeds its output back to
// the model, and wraps the exchange in a tool result. One round only; a
// model that keeps asking for tools gets its last text answer instead.
func (s *Service) runToolRound(ctx context.Context, req llm.CompletionRequest, resp *llm.CompletionResponse, card *dingtalk.StreamCard) (*stream.Result, error) {
	call := resp.ToolCalls[0]
	tool, ok := s.tools.lookup(call.Name)
	if !ok {
		return nil, fmt.Errorf("model requested unknown tool %q", call.Name)
	}

	if card != nil {
		if err := card.CreatePlanStep(ctx, call.Name, dingtalk.StepExecuting, "Running "+call.Name, ""); err != nil {
			slog.Warn("card plan step failed", "tool", call.Name, "error", err)
		}
	}

	slog.Info("executing tool", "tool", call.Name)
	output, runErr := tool.Run(ctx, call.Input)

	var resultContent string
	if runErr != nil {
		resultContent = "tool error: " + runErr.Error()
	} else if encoded, err := json.Marshal(output); err == nil {
		resultContent = string(encoded)
	} else {
		resultContent = fmt.Sprintf("%v", output)
	}

	if card != nil {
		status := dingtalk.StepSuccess
		if runErr != nil {
			status = dingtalk.StepError
		}
		if err := card.UpdatePlanStep(ctx, call.Name, status, "Running "+call.Name, resultContent); err != nil {
			slog.Warn("card plan update failed", "tool", call.Name, "error", err)
		}
	}

	toolMessages := []llm.ToolMessage{
		{
			Role: "assistant",
			Content: []llm.ContentBlock{
				{Type: "text", Text: resp.Content},
				{Type: "tool_use", ToolCall: &call},
			},
		},
		{
			Role: "user",
			Content: []llm.ContentBlock{
				{Type: "tool_result", ToolResult: &llm.ToolOutput{
					ToolCallID: call.ID,
					Content:    resultContent,
					IsError:    runErr != nil,
				}},
			},
		},
	}

	final, err := s.provider.CompleteWithTools(ctx, req, s.tools.definitions(), toolMessages)
	if err != nil {
		return nil, fmt.Errorf("tool summary completion: %w", err)
	}

	var args map[string]any
	if len(call.Input) > 0 {
		if err := json.Unmarshal(call.Input, &args); err != nil {
			args = map[string]any{"raw": string(call.Input)}
		}
	}
	return &stream.Result{Tool: &stream.ToolResult{
		Name:    call.Name,
		Args:    args,
		Output:  output,
		Summary: final.Content,
	}}, nil
}

// systemPrompt renders the base prompt plus the per-message user context.
func (s *Service) systemPrompt(msg *stream.InboundMessage) string {
	var b strings.Builder
	b.WriteString(s.cfg.SystemPrompt)
	b.WriteString("\n\n## Context\n")
	fmt.Fprintf(&b, "- User: %s\n", msg.SenderNick)
	if msg.SenderID != "" {
		fmt.Fprintf(&b, "- User id: %s\n", msg.SenderID)
	}
	if msg.IsGroupChat() {
		fmt.Fprintf(&b, "- Conversation: group chat %s\n", msg.ConversationTitle)
	} else {
		b.WriteString("- Conversation: private chat\n")
	}
	fmt.Fprintf(&b, "- Current time: %s\n", s.now().Format("2006-01-02 15:04:05"))
	return b.String()
}

// buildMessages loads the conversation window and appends the current turn.
func (s *Service) buildMessages(ctx context.Context, msg *stream.InboundMessage) []llm.Message {
	var messages []llm.Message
	if s.hist != nil && msg.ConversationID != "" {
		window, err := s.hist.Window(ctx, msg.ConversationID)
		if err != nil {
			slog.Warn("load history window", "conversation", msg.ConversationID, "error", err)
		}
		for _, e := range window {
			messages = append(messages, llm.Message{Role: e.Role, Content: e.Content})
		}
	}
	return append(messages, llm.Message{Role: "user", Content: msg.Text})
}

// remember appends the exchange to history. Failures are logged, not fatal.
func (s *Service) remember(ctx context.Context, msg *stream.InboundMessage, result *stream.Result) {
	if s.hist == nil || msg.ConversationID == "" {
		return
	}
	answer := result.Text
	if result.Tool != nil {
		answer = result.Tool.Summary
	}
	if err := s.hist.Append(ctx, msg.ConversationID, "user", msg.Text); err != nil {
		slog.Warn("append history", "error", err)
		return
	}
	if err := s.hist.Append(ctx, msg.ConversationID, "assistant", answer); err != nil {
		slog.Warn("append history", "error", err)
	}
}

// cardFor returns a stream card when the message carries a conversation
// token and cards are configured, else nil.
func (s *Service) cardFor(msg *stream.InboundMessage) *dingtalk.StreamCard {
	if s.cards == nil || s.cfg.CardTemplateID == "" || msg.ConversationToken == "" {
		return nil
	}
	return dingtalk.NewStreamCard(s.cards, msg.ConversationToken, s.cfg.CardTemplateID)
}

// finishCard streams the final answer onto the card and completes it.
func (s *Service) finishCard(ctx context.Context, card *dingtalk.StreamCard, result *stream.Result) {
	if card == nil {
		return
	}
	answer := result.Text
	if result.Tool != nil {
		answer = result.Tool.Summary
	}
	if err := card.UpdateOnce(ctx, answer); err != nil {
		slog.Warn("card final update failed", "error", err)
	}
	if err := card.Finish(ctx); err != nil {
		slog.Warn("card finish failed", "error", err)
	}
}
