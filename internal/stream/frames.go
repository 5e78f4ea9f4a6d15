// Package stream implements the DingTalk Stream-mode client: the persistent
// websocket transport, the supervising reconnect loop, the connection health
// monitor, and the chatbot callback pipeline.
package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// Frame types carried on the stream connection.
const (
	FrameTypeSystem   = "SYSTEM"
	FrameTypeCallback = "CALLBACK"
	FrameTypeEvent    = "EVENT"
)

// System topics pushed by the gateway.
const (
	TopicPing       = "ping"
	TopicDisconnect = "disconnect"
)

// Ack status codes. The gateway speaks HTTP-flavored codes on the ack frame.
const (
	AckOK              = 200
	AckNotFound        = 404
	AckSystemException = 500
)

// ContentTypeJSON is the only content type the gateway exchanges.
const ContentTypeJSON = "application/json"

// FrameHeaders are the headers of an inbound stream frame.
type FrameHeaders struct {
	AppID        string `json:"appId,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"`
	ContentType  string `json:"contentType,omitempty"`
	MessageID    string `json:"messageId"`
	Time         string `json:"time,omitempty"`
	Topic        string `json:"topic"`
}

// Frame is a single inbound message on the stream connection.
// Data is a JSON document whose shape depends on the frame type.
type Frame struct {
	SpecVersion string          `json:"specVersion,omitempty"`
	Type        string          `json:"type"`
	Headers     FrameHeaders    `json:"headers"`
	Data        json.RawMessage `json:"data"`
}

// AckHeaders are the headers echoed back on every acknowledgement.
type AckHeaders struct {
	ContentType string `json:"contentType"`
	MessageID   string `json:"messageId"`
}

// AckFrame is the acknowledgement returned for every inbound frame.
type AckFrame struct {
	Code    int        `json:"code"`
	Headers AckHeaders `json:"headers"`
	Message string     `json:"message,omitempty"`
	Data    any        `json:"data,omitempty"`
}

// NewAck builds an acknowledgement echoing the inbound frame's message id.
func NewAck(code int, messageID string, data any) *AckFrame {
	return &AckFrame{
		Code: code,
		Headers: AckHeaders{
			ContentType: ContentTypeJSON,
			MessageID:   messageID,
		},
		Data: data,
	}
}

// StatusLine mirrors an HTTP status line inside a graph response.
type StatusLine struct {
	Code         int    `json:"code"`
	ReasonPhrase string `json:"reasonPhrase"`
}

// RequestLine mirrors an HTTP request line inside a graph request.
type RequestLine struct {
	Method string `json:"method"`
	URI    string `json:"uri"`
}

// GraphRequest is the HTTP-shaped payload carried by a chatbot callback frame.
// Body holds the message envelope, either as a JSON object or as a
// JSON-encoded string of one.
type GraphRequest struct {
	RequestLine RequestLine       `json:"requestLine"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        json.RawMessage   `json:"body"`
}

// GraphResponse is the HTTP-shaped payload returned inside a callback ack.
// The gateway expects Body as a JSON-encoded string.
type GraphResponse struct {
	StatusLine StatusLine        `json:"statusLine"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

// newGraphResponse builds a graph response with the given status and body.
// The body is JSON-encoded into the wire's string form.
func newGraphResponse(code int, reason string, body any) *GraphResponse {
	encoded, err := json.Marshal(body)
	if err != nil {
		// Body values are maps of plain values; reaching this means a
		// programming error upstream. Degrade to an error document.
		slog.Error("encode graph response body", "error", err)
		encoded = []byte(`{"error":"response encoding failed"}`)
	}
	return &GraphResponse{
		StatusLine: StatusLine{Code: code, ReasonPhrase: reason},
		Headers:    map[string]string{"Content-Type": ContentTypeJSON},
		Body:       string(encoded),
	}
}

// InboundMessage is a decoded chatbot message envelope. Fields follow the
// platform's envelope keys; absent fields carry documented defaults.
type InboundMessage struct {
	Text              string // trimmed "input"
	SenderID          string
	SenderNick        string // "Unknown User" when absent
	ConversationID    string
	ConversationType  string // "1" (private chat) when absent
	ConversationTitle string
	ConversationToken string
	SenderUnionID     string
	MsgType           string
	OrgID             string
	RequestID         string
}

// IsGroupChat reports whether the message came from a group conversation.
// The platform marks private chats with conversation type "1".
func (m *InboundMessage) IsGroupChat() bool {
	return m.ConversationType != "1"
}

// envelope is the raw wire shape of a chatbot message.
type envelope struct {
	Input             string          `json:"input"`
	SenderID          string          `json:"sender_id"`
	SenderNick        string          `json:"sender_nick"`
	ConversationID    string          `json:"conversation_id"`
	ConversationType  string          `json:"conversation_type"`
	ConversationTitle string          `json:"conversation_title"`
	ConversationToken string          `json:"conversationToken"`
	SenderUnionID     string          `json:"sender_union_id"`
	MsgType           string          `json:"msgType"`
	OrgID             json.Number     `json:"orgId"`
	OrgIDAlt          json.Number     `json:"org_id"`
	ScenarioContext   json.RawMessage `json:"scenarioContext"`
}

// scenarioContext is the inner, double-encoded context document. Only the
// fields the pipeline consumes are decoded.
type scenarioContext struct {
	OrgID     json.Number `json:"orgId"`
	RequestID string      `json:"requestId"`
}

// msgTypeDoc is the double-encoded msgType field: `"{\"msgType\":\"text\"}"`.
type msgTypeDoc struct {
	MsgType string `json:"msgType"`
}

// ParseInbound decodes a graph request body into an InboundMessage.
// The body may be a JSON object or a JSON-encoded string of one.
func ParseInbound(body json.RawMessage) (*InboundMessage, error) {
	raw := bodyBytes(body)
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty callback body")
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode message envelope: %w", err)
	}

	msg := &InboundMessage{
		Text:              strings.TrimSpace(env.Input),
		SenderID:          env.SenderID,
		SenderNick:        env.SenderNick,
		ConversationID:    env.ConversationID,
		ConversationType:  env.ConversationType,
		ConversationTitle: env.ConversationTitle,
		ConversationToken: env.ConversationToken,
		SenderUnionID:     env.SenderUnionID,
		OrgID:             env.OrgID.String(),
	}
	if msg.SenderNick == "" {
		msg.SenderNick = "Unknown User"
	}
	if msg.ConversationType == "" {
		msg.ConversationType = "1"
	}
	if msg.OrgID == "" {
		msg.OrgID = env.OrgIDAlt.String()
	}

	// msgType is itself a JSON document. Tolerate absence or junk.
	if env.MsgType != "" {
		var mt msgTypeDoc
		if err := json.Unmarshal([]byte(env.MsgType), &mt); err == nil {
			msg.MsgType = mt.MsgType
		} else {
			slog.Warn("malformed msgType field", "error", err)
		}
	}

	// scenarioContext is double-encoded and frequently absent; recover the
	// org and request identifiers when it parses, log and continue when not.
	if msg.OrgID == "" && len(env.ScenarioContext) > 0 {
		if sc, err := parseScenarioContext(env.ScenarioContext); err != nil {
			slog.Warn("malformed scenarioContext field", "error", err)
		} else {
			msg.OrgID = sc.OrgID.String()
			msg.RequestID = sc.RequestID
		}
	}
	if msg.OrgID == "0" {
		msg.OrgID = ""
	}

	return msg, nil
}

func parseScenarioContext(raw json.RawMessage) (*scenarioContext, error) {
	data := bodyBytes(raw)
	var sc scenarioContext
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, err
	}
	return &sc, nil
}

// bodyBytes unwraps a possibly string-encoded JSON document.
func bodyBytes(raw json.RawMessage) []byte {
	trimmed := strings.TrimSpace(string(raw))
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal([]byte(trimmed), &inner); err == nil {
			return []byte(inner)
		}
	}
	return []byte(trimmed)
}
