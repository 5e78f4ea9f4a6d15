// Package dingtalk provides clients for the DingTalk Open Platform REST
// APIs: app authentication, AI-interaction replies, streaming AI cards, and
// the contact directory.
package dingtalk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultHost is the DingTalk Open Platform API host.
const DefaultHost = "https://api.dingtalk.com"

const accessTokenHeader = "x-acs-dingtalk-access-token"

// TokenProvider supplies an app access token for API calls.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// client is the shared HTTP plumbing for the Open Platform APIs.
type client struct {
	host   string
	tokens TokenProvider
	httpc  *http.Client
}

func newClient(host string, tokens TokenProvider) *client {
	if host == "" {
		host = DefaultHost
	}
	return &client{
		host:   host,
		tokens: tokens,
		httpc: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// doJSON issues an authenticated JSON request and decodes the response into
// out (which may be nil when the response body is irrelevant).
func (c *client) doJSON(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", path, err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.host+path, body)
	if err != nil {
		return fmt.Errorf("create %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("get access token: %w", err)
	}
	req.Header.Set(accessTokenHeader, token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("dingtalk returned %d for %s: %s", resp.StatusCode, path, respBody)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
