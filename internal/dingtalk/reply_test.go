package dingtalk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// staticTokens is a TokenProvider returning a fixed token.
type staticTokens string

func (s staticTokens) Token(ctx context.Context) (string, error) {
	return string(s), nil
}

func TestReplySendsTokenHeader(t *testing.T) {
	var got replyRequest
	var header string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1.0/aiInteraction/reply" {
			t.Errorf("path = %s", r.URL.Path)
		}
		header = r.Header.Get("x-acs-dingtalk-access-token")
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	s := NewReplyService(staticTokens("app-token"), srv.URL)
	if err := s.ReplyMarkdown(context.Background(), "ctok", "**hi**"); err != nil {
		t.Fatalf("ReplyMarkdown: %v", err)
	}
	if header != "app-token" {
		t.Errorf("access token header = %q", header)
	}
	if got.ConversationToken != "ctok" || got.ContentType != "markdown" || got.Content != "**hi**" {
		t.Errorf("request = %+v", got)
	}
}

func TestReplyCardEncodesContent(t *testing.T) {
	var got replyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	s := NewReplyService(staticTokens("t"), srv.URL)
	card := &CardData{
		TemplateID: "tpl.schema",
		CardData:   map[string]any{"title": "Working"},
		Options:    map[string]any{"componentTag": "staticComponent"},
	}
	if err := s.ReplyCard(context.Background(), "ctok", card); err != nil {
		t.Fatalf("ReplyCard: %v", err)
	}
	if got.ContentType != "ai_card" {
		t.Errorf("contentType = %q", got.ContentType)
	}

	// Content is the card document encoded as a string.
	var decoded CardData
	if err := json.Unmarshal([]byte(got.Content), &decoded); err != nil {
		t.Fatalf("content is not a card document: %v", err)
	}
	if decoded.TemplateID != "tpl.schema" {
		t.Errorf("templateId = %q", decoded.TemplateID)
	}
}

func TestPrepareReturnsConversationToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1.0/aiInteraction/prepare" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"result":{"conversationToken":"prepared-tok"}}`))
	}))
	defer srv.Close()

	s := NewReplyService(staticTokens("t"), srv.URL)
	tok, err := s.Prepare(context.Background(), "conv-1", "union-1", &CardData{TemplateID: "tpl"})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if tok != "prepared-tok" {
		t.Errorf("token = %q", tok)
	}
}

func TestReplyServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":"invalidToken"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	s := NewReplyService(staticTokens("t"), srv.URL)
	if err := s.ReplyText(context.Background(), "ctok", "hi"); err == nil {
		t.Error("expected error on 401 response")
	}
}

func TestSearchUsers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1.0/contact/users/search" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req searchUsersRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.QueryWord != "alice" || req.Size != 10 {
			t.Errorf("request = %+v", req)
		}
		if req.FullMatchField != 1 {
			t.Errorf("FullMatchField = %d, want 1 for exact search", req.FullMatchField)
		}
		w.Write([]byte(`{"hasMore":false,"totalCount":1,"list":["user-1"]}`))
	}))
	defer srv.Close()

	s := NewContactService(staticTokens("t"), srv.URL)
	ids, err := s.SearchUsers(context.Background(), "alice", 0, 0, true)
	if err != nil {
		t.Fatalf("SearchUsers: %v", err)
	}
	if len(ids) != 1 || ids[0] != "user-1" {
		t.Errorf("ids = %v", ids)
	}
}

func TestUsersInfoSkipsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/topapi/v2/user/get" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("access_token") != "t" {
			t.Errorf("access_token = %q", r.URL.Query().Get("access_token"))
		}
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		switch req["userid"] {
		case "user-1":
			w.Write([]byte(`{"errcode":0,"result":{"userid":"user-1","name":"Alice","title":"Engineer"}}`))
		default:
			w.Write([]byte(`{"errcode":60121,"errmsg":"user not found"}`))
		}
	}))
	defer srv.Close()

	s := NewContactService(staticTokens("t"), srv.URL)
	s.legacyHost = srv.URL

	users, err := s.UsersInfo(context.Background(), []string{"user-1", "user-gone"})
	if err != nil {
		t.Fatalf("UsersInfo: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("users = %+v, want the one resolvable record", users)
	}
	if users[0].Name != "Alice" || users[0].Title != "Engineer" {
		t.Errorf("user = %+v", users[0])
	}
}
