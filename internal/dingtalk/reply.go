package dingtalk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// ContentType selects the reply payload format.
type ContentType string

const (
	ContentTypeText     ContentType = "text"
	ContentTypeMarkdown ContentType = "markdown"
	ContentTypeAICard   ContentType = "ai_card"
)

// CardData is the content document for an AI card reply.
type CardData struct {
	TemplateID string         `json:"templateId"`
	CardData   map[string]any `json:"cardData"`
	Options    map[string]any `json:"options,omitempty"`
}

// encode renders the card document into the string form the reply APIs
// expect in their content field.
func (c *CardData) encode() (string, error) {
	encoded, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode card data: %w", err)
	}
	return string(encoded), nil
}

// ReplyService sends replies into DingTalk conversations through the
// AI-interaction API, addressed by the conversation token carried on each
// inbound message.
type ReplyService struct {
	c *client
}

// NewReplyService creates a reply client. host may be empty for the default.
func NewReplyService(tokens TokenProvider, host string) *ReplyService {
	return &ReplyService{c: newClient(host, tokens)}
}

type replyRequest struct {
	ConversationToken string `json:"conversationToken"`
	ContentType       string `json:"contentType"`
	Content           string `json:"content"`
}

// Reply sends content into the conversation identified by token.
func (s *ReplyService) Reply(ctx context.Context, token string, contentType ContentType, content string) error {
	err := s.c.doJSON(ctx, http.MethodPost, "/v1.0/aiInteraction/reply", replyRequest{
		ConversationToken: token,
		ContentType:       string(contentType),
		Content:           content,
	}, nil)
	if err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	slog.Info("sent reply", "content_type", contentType, "len", len(content))
	return nil
}

// ReplyText sends a plain text reply.
func (s *ReplyService) ReplyText(ctx context.Context, token, text string) error {
	return s.Reply(ctx, token, ContentTypeText, text)
}

// ReplyMarkdown sends a markdown reply.
func (s *ReplyService) ReplyMarkdown(ctx context.Context, token, markdown string) error {
	return s.Reply(ctx, token, ContentTypeMarkdown, markdown)
}

// ReplyCard sends an AI card reply.
func (s *ReplyService) ReplyCard(ctx context.Context, token string, card *CardData) error {
	content, err := card.encode()
	if err != nil {
		return err
	}
	return s.Reply(ctx, token, ContentTypeAICard, content)
}

type prepareRequest struct {
	OpenConversationID string `json:"openConversationId,omitempty"`
	UnionID            string `json:"unionId,omitempty"`
	ContentType        string `json:"contentType"`
	Content            string `json:"content"`
}

type prepareResponse struct {
	Result struct {
		ConversationToken string `json:"conversationToken"`
	} `json:"result"`
}

// Prepare opens a proactive card conversation and returns its conversation
// token for subsequent updates.
func (s *ReplyService) Prepare(ctx context.Context, openConversationID, unionID string, card *CardData) (string, error) {
	content, err := card.encode()
	if err != nil {
		return "", err
	}
	var resp prepareResponse
	err = s.c.doJSON(ctx, http.MethodPost, "/v1.0/aiInteraction/prepare", prepareRequest{
		OpenConversationID: openConversationID,
		UnionID:            unionID,
		ContentType:        string(ContentTypeAICard),
		Content:            content,
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("prepare card: %w", err)
	}
	if resp.Result.ConversationToken == "" {
		return "", fmt.Errorf("prepare card: empty conversation token")
	}
	return resp.Result.ConversationToken, nil
}

type updateRequest struct {
	ConversationToken string `json:"conversationToken"`
	ContentType       string `json:"contentType"`
	Content           string `json:"content"`
}

// Update pushes new card content into a prepared or in-flight conversation.
func (s *ReplyService) Update(ctx context.Context, token string, card *CardData) error {
	content, err := card.encode()
	if err != nil {
		return err
	}
	err = s.c.doJSON(ctx, http.MethodPost, "/v1.0/aiInteraction/update", updateRequest{
		ConversationToken: token,
		ContentType:       string(ContentTypeAICard),
		Content:           content,
	}, nil)
	if err != nil {
		return fmt.Errorf("update card: %w", err)
	}
	return nil
}

type finishRequest struct {
	ConversationToken string `json:"conversationToken"`
}

// Finish marks a proactive card conversation as complete.
func (s *ReplyService) Finish(ctx context.Context, token string) error {
	err := s.c.doJSON(ctx, http.MethodPost, "/v1.0/aiInteraction/finish", finishRequest{
		ConversationToken: token,
	}, nil)
	if err != nil {
		return fmt.Errorf("finish card: %w", err)
	}
	return nil
}
