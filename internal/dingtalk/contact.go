package dingtalk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
)

// legacyAPIHost serves the v2 user endpoints that never moved to the new
// Open Platform host.
const legacyAPIHost = "https://oapi.dingtalk.com"

// ContactService queries the organization's contact directory.
type ContactService struct {
	c          *client
	legacyHost string
}

// NewContactService creates a contact client. host may be empty for the
// default API host.
func NewContactService(tokens TokenProvider, host string) *ContactService {
	return &ContactService{c: newClient(host, tokens), legacyHost: legacyAPIHost}
}

type searchUsersRequest struct {
	QueryWord      string `json:"queryWord"`
	Offset         int    `json:"offset"`
	Size           int    `json:"size"`
	FullMatchField int    `json:"fullMatchField,omitempty"`
}

type searchUsersResponse struct {
	HasMore    bool     `json:"hasMore"`
	TotalCount int      `json:"totalCount"`
	List       []string `json:"list"`
}

// SearchUsers searches the directory by name and returns matching user ids.
// exact restricts the search to full-name matches.
func (s *ContactService) SearchUsers(ctx context.Context, query string, offset, size int, exact bool) ([]string, error) {
	if size <= 0 {
		size = 10
	}
	req := searchUsersRequest{
		QueryWord: query,
		Offset:    offset,
		Size:      size,
	}
	if exact {
		req.FullMatchField = 1
	}

	var resp searchUsersResponse
	if err := s.c.doJSON(ctx, http.MethodPost, "/v1.0/contact/users/search", req, &resp); err != nil {
		return nil, fmt.Errorf("search users %q: %w", query, err)
	}
	return resp.List, nil
}

// UserDetail is the directory record for one user from the legacy v2 API.
type UserDetail struct {
	UserID string `json:"userid"`
	Name   string `json:"name"`
	Title  string `json:"title"`
	Email  string `json:"email"`
	Mobile string `json:"mobile"`
}

type legacyUserResponse struct {
	ErrCode int        `json:"errcode"`
	ErrMsg  string     `json:"errmsg"`
	Result  UserDetail `json:"result"`
}

// UsersInfo resolves user ids to directory records. The legacy endpoint only
// takes one id per call; ids that fail to resolve are logged and skipped.
func (s *ContactService) UsersInfo(ctx context.Context, userIDs []string) ([]UserDetail, error) {
	token, err := s.c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("get access token: %w", err)
	}

	endpoint := s.legacyHost + "/topapi/v2/user/get?access_token=" + url.QueryEscape(token)
	details := make([]UserDetail, 0, len(userIDs))
	for _, id := range userIDs {
		detail, err := s.fetchUser(ctx, endpoint, id)
		if err != nil {
			slog.Warn("resolve user failed", "user_id", id, "error", err)
			continue
		}
		details = append(details, *detail)
	}
	return details, nil
}

func (s *ContactService) fetchUser(ctx context.Context, endpoint, userID string) (*UserDetail, error) {
	body, err := json.Marshal(map[string]string{
		"language": "zh_CN",
		"userid":   userID,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("user/get returned %d: %s", resp.StatusCode, respBody)
	}

	var out legacyUserResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode user/get response: %w", err)
	}
	if out.ErrCode != 0 {
		return nil, fmt.Errorf("user/get errcode %d: %s", out.ErrCode, out.ErrMsg)
	}
	return &out.Result, nil
}

// UserProfile is the subset of the directory profile the agent consumes.
type UserProfile struct {
	UserID  string `json:"userId"`
	UnionID string `json:"unionId"`
	Name    string `json:"name"`
	Avatar  string `json:"avatarUrl"`
	Email   string `json:"email"`
	Mobile  string `json:"mobile"`
}

// Me fetches the profile of the calling identity.
func (s *ContactService) Me(ctx context.Context) (*UserProfile, error) {
	var profile UserProfile
	if err := s.c.doJSON(ctx, http.MethodGet, "/v1.0/contact/users/me", nil, &profile); err != nil {
		return nil, fmt.Errorf("get own profile: %w", err)
	}
	return &profile, nil
}
