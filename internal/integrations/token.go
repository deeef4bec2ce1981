package integrations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TokenProvider hands out bearer tokens for collaborator APIs.
type TokenProvider interface {
	Get(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// ClientCredentials fetches OAuth2 client-credentials tokens and caches them
// until shortly before they expire.
type ClientCredentials struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Cache        Cache
	HTTP         *http.Client
	// Skew is subtracted from expires_in when caching.
	Skew time.Duration
}

func NewClientCredentials(tokenURL, clientID, clientSecret string, cache Cache) *ClientCredentials {
	return &ClientCredentials{
		TokenURL:     tokenURL,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Cache:        cache,
		HTTP:         &http.Client{Timeout: 5 * time.Second},
		Skew:         30 * time.Second,
	}
}

func (c *ClientCredentials) cacheKey() string { return "token:" + c.ClientID }

func (c *ClientCredentials) Get(ctx context.Context) (string, error) {
	if b, err := c.Cache.Get(ctx, c.cacheKey()); err == nil && len(b) > 0 {
		return string(b), nil
	}
	return c.Refresh(ctx)
}

func (c *ClientCredentials) Refresh(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.ClientID)
	form.Set("client_secret", c.ClientSecret)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token request: status %d", resp.StatusCode)
	}
	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("token response: %w", err)
	}
	if body.AccessToken == "" {
		return "", errors.New("token response: empty access_token")
	}
	ttl := time.Duration(body.ExpiresIn)*time.Second - c.Skew
	if ttl > 0 {
		_ = c.Cache.Set(ctx, c.cacheKey(), []byte(body.AccessToken), ttl)
	}
	return body.AccessToken, nil
}

// StaticToken is a fixed token; an empty token means requests go out unauthenticated.
type StaticToken string

func (s StaticToken) Get(context.Context) (string, error)     { return string(s), nil }
func (s StaticToken) Refresh(context.Context) (string, error) { return string(s), nil }
