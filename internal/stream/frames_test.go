package stream

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseInbound(t *testing.T) {
	body := json.RawMessage(`{
		"input": "  hello  ",
		"sender_id": "user123",
		"sender_nick": "zhangdaping",
		"conversation_id": "cid456",
		"conversation_type": "copilot",
		"conversationToken": "tok789",
		"sender_union_id": "union1",
		"msgType": "{\"msgType\":\"text\"}",
		"scenarioContext": "{\"orgId\":12345,\"requestId\":\"req-1\"}"
	}`)

	msg, err := ParseInbound(body)
	if err != nil {
		t.Fatalf("ParseInbound: %v", err)
	}
	if msg.Text != "hello" {
		t.Errorf("Text = %q, want %q", msg.Text, "hello")
	}
	if msg.SenderNick != "zhangdaping" {
		t.Errorf("SenderNick = %q, want zhangdaping", msg.SenderNick)
	}
	if !msg.IsGroupChat() {
		t.Error("conversation_type copilot should not be a private chat")
	}
	if msg.ConversationToken != "tok789" {
		t.Errorf("ConversationToken = %q", msg.ConversationToken)
	}
	if msg.MsgType != "text" {
		t.Errorf("MsgType = %q, want text", msg.MsgType)
	}
	if msg.OrgID != "12345" {
		t.Errorf("OrgID = %q, want 12345", msg.OrgID)
	}
	if msg.RequestID != "req-1" {
		t.Errorf("RequestID = %q, want req-1", msg.RequestID)
	}
}

func TestParseInboundDefaults(t *testing.T) {
	msg, err := ParseInbound(json.RawMessage(`{"sender_id":"u1"}`))
	if err != nil {
		t.Fatalf("ParseInbound: %v", err)
	}
	if msg.Text != "" {
		t.Errorf("Text = %q, want empty", msg.Text)
	}
	if msg.SenderNick != "Unknown User" {
		t.Errorf("SenderNick = %q, want Unknown User", msg.SenderNick)
	}
	if msg.ConversationType != "1" {
		t.Errorf("ConversationType = %q, want 1", msg.ConversationType)
	}
	if msg.IsGroupChat() {
		t.Error("default conversation type should be a private chat")
	}
}

func TestParseInboundMalformedContext(t *testing.T) {
	// Junk in the double-encoded fields must not fail the whole parse.
	body := json.RawMessage(`{
		"input": "hi",
		"msgType": "not json",
		"scenarioContext": "also not json"
	}`)
	msg, err := ParseInbound(body)
	if err != nil {
		t.Fatalf("ParseInbound: %v", err)
	}
	if msg.Text != "hi" {
		t.Errorf("Text = %q, want hi", msg.Text)
	}
	if msg.MsgType != "" {
		t.Errorf("MsgType = %q, want empty", msg.MsgType)
	}
}

func TestParseInboundStringEncodedBody(t *testing.T) {
	inner := `{"input":"wrapped","sender_id":"u2"}`
	encoded, _ := json.Marshal(inner)
	msg, err := ParseInbound(encoded)
	if err != nil {
		t.Fatalf("ParseInbound: %v", err)
	}
	if msg.Text != "wrapped" {
		t.Errorf("Text = %q, want wrapped", msg.Text)
	}
}

func TestParseInboundInvalid(t *testing.T) {
	if _, err := ParseInbound(json.RawMessage(``)); err == nil {
		t.Error("empty body should fail")
	}
	if _, err := ParseInbound(json.RawMessage(`[1,2]`)); err == nil {
		t.Error("non-object body should fail")
	}
}

func TestNewAckEchoesMessageID(t *testing.T) {
	ack := NewAck(AckOK, "msg-42", nil)
	if ack.Code != AckOK {
		t.Errorf("Code = %d, want %d", ack.Code, AckOK)
	}
	if ack.Headers.MessageID != "msg-42" {
		t.Errorf("MessageID = %q, want msg-42", ack.Headers.MessageID)
	}
	if ack.Headers.ContentType != ContentTypeJSON {
		t.Errorf("ContentType = %q", ack.Headers.ContentType)
	}
}

func TestGraphResponseEncodesBodyAsString(t *testing.T) {
	resp := newGraphResponse(200, "OK", map[string]any{"text": "done"})
	if resp.StatusLine.Code != 200 || resp.StatusLine.ReasonPhrase != "OK" {
		t.Errorf("StatusLine = %+v", resp.StatusLine)
	}

	// Body must be a JSON-encoded string, not a nested object.
	var decoded map[string]string
	if err := json.Unmarshal([]byte(resp.Body), &decoded); err != nil {
		t.Fatalf("Body is not a JSON document: %v", err)
	}
	if decoded["text"] != "done" {
		t.Errorf("Body = %q", resp.Body)
	}

	wire, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(wire), `"body":"{`) {
		t.Errorf("wire form does not string-encode the body: %s", wire)
	}
}
