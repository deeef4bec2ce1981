package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// APIClient posts JSON to a collaborator service with a bearer token from Tokens.
// A 401 triggers one token refresh and retry.
type APIClient struct {
	BaseURL string
	Tokens  TokenProvider
	HTTP    *http.Client
}

func NewAPIClient(baseURL string, tokens TokenProvider) *APIClient {
	if tokens == nil {
		tokens = StaticToken("")
	}
	return &APIClient{BaseURL: strings.TrimRight(baseURL, "/"), Tokens: tokens, HTTP: &http.Client{Timeout: 5 * time.Second}}
}

// StatusError is a non-2xx response from a collaborator.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string { return fmt.Sprintf("status %d: %s", e.Code, e.Body) }

func (c *APIClient) PostJSON(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	tok, err := c.Tokens.Get(ctx)
	if err != nil {
		return fmt.Errorf("token: %w", err)
	}
	code, msg, err := c.post(ctx, path, payload, tok)
	if err != nil {
		return err
	}
	if code == http.StatusUnauthorized {
		if tok, err = c.Tokens.Refresh(ctx); err != nil {
			return fmt.Errorf("token refresh: %w", err)
		}
		if code, msg, err = c.post(ctx, path, payload, tok); err != nil {
			return err
		}
	}
	if code < 200 || code >= 300 {
		return &StatusError{Code: code, Body: msg}
	}
	return nil
}

func (c *APIClient) post(ctx context.Context, path string, payload []byte, tok string) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer func() { _ = resp.Body.Close() }()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return resp.StatusCode, strings.TrimSpace(string(b)), nil
}
