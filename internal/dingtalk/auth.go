package dingtalk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// tokenRefreshMargin refreshes the app token this long before it expires.
const tokenRefreshMargin = 5 * time.Minute

// Auth obtains and caches the app-level access token. Safe for concurrent
// use; a refresh happens at most once per expiry window.
type Auth struct {
	clientID     string
	clientSecret string
	host         string
	httpc        *http.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time

	now func() time.Time
}

// NewAuth creates an app authenticator for the given credentials. host may
// be empty to use the default API host.
func NewAuth(clientID, clientSecret, host string) *Auth {
	if host == "" {
		host = DefaultHost
	}
	return &Auth{
		clientID:     clientID,
		clientSecret: clientSecret,
		host:         host,
		httpc:        &http.Client{Timeout: 15 * time.Second},
		now:          time.Now,
	}
}

// Token returns a valid app access token, refreshing it when the cached one
// is missing or within the refresh margin of expiry.
func (a *Auth) Token(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token != "" && a.now().Before(a.expiresAt.Add(-tokenRefreshMargin)) {
		return a.token, nil
	}
	return a.refresh(ctx)
}

type accessTokenRequest struct {
	AppKey    string `json:"appKey"`
	AppSecret string `json:"appSecret"`
}

type accessTokenResponse struct {
	AccessToken string `json:"accessToken"`
	ExpireIn    int64  `json:"expireIn"`
}

// refresh fetches a new app token. Caller holds a.mu.
func (a *Auth) refresh(ctx context.Context) (string, error) {
	payload, err := json.Marshal(accessTokenRequest{
		AppKey:    a.clientID,
		AppSecret: a.clientSecret,
	})
	if err != nil {
		return "", fmt.Errorf("marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.host+"/v1.0/oauth2/accessToken", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, respBody)
	}

	var tr accessTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("token endpoint returned empty token")
	}

	a.token = tr.AccessToken
	a.expiresAt = a.now().Add(time.Duration(tr.ExpireIn) * time.Second)
	slog.Info("refreshed app access token", "expires_in", tr.ExpireIn)
	return a.token, nil
}
