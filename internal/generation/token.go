package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// TokenSource supplies the bearer credential for the generation backend and
// knows how to exchange it for a fresh one when it expires mid-session.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// StaticTokenSource returns a fixed credential. Refresh fails, so an
// unauthorized response surfaces as an expired session immediately.
type StaticTokenSource struct {
	token string
}

// NewStaticTokenSource wraps a pre-issued API key.
func NewStaticTokenSource(token string) *StaticTokenSource {
	return &StaticTokenSource{token: strings.TrimSpace(token)}
}

func (s *StaticTokenSource) Token(ctx context.Context) (string, error) {
	return s.token, nil
}

func (s *StaticTokenSource) Refresh(ctx context.Context) (string, error) {
	return "", errors.New("static credential cannot be refreshed")
}

// RefreshingTokenSource exchanges a long-lived refresh token for short-lived
// access tokens at an auth endpoint. Safe for concurrent use.
type RefreshingTokenSource struct {
	tokenURL     string
	refreshToken string
	client       *http.Client

	mu     sync.Mutex
	access string
}

// NewRefreshingTokenSource builds a source against the given token endpoint.
func NewRefreshingTokenSource(tokenURL, refreshToken string, client *http.Client) (*RefreshingTokenSource, error) {
	if strings.TrimSpace(tokenURL) == "" {
		return nil, errors.New("token url is required")
	}
	if strings.TrimSpace(refreshToken) == "" {
		return nil, errors.New("refresh token is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &RefreshingTokenSource{
		tokenURL:     strings.TrimRight(tokenURL, "/"),
		refreshToken: strings.TrimSpace(refreshToken),
		client:       client,
	}, nil
}

func (s *RefreshingTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	access := s.access
	s.mu.Unlock()
	if access != "" {
		return access, nil
	}
	return s.Refresh(ctx)
}

func (s *RefreshingTokenSource) Refresh(ctx context.Context) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": s.refreshToken,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("refresh token: status %d", resp.StatusCode)
	}

	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if strings.TrimSpace(out.AccessToken) == "" {
		return "", errors.New("token endpoint returned empty access token")
	}

	s.mu.Lock()
	s.access = out.AccessToken
	s.mu.Unlock()
	return out.AccessToken, nil
}
