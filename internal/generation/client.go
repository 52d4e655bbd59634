// Package generation talks to the upstream deck-generation backend. One
// request produces a chunked response of newline-delimited event frames;
// this package owns opening that stream and the single allowed
// refresh-and-retry when the credential has expired.
package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"server/internal/domain"
)

// Options configures the backend client.
type Options struct {
	BaseURL    string
	Tokens     TokenSource
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Client opens progress streams against the generation backend.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient constructs a backend client. A nil HTTP client gets a default
// without an overall timeout: stream reads outlive any sane request timeout,
// so deadlines are the caller's context's job.
func NewClient(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("generation: base url is required")
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:    baseURL,
		tokens:     opts.Tokens,
		httpClient: client,
		logger:     opts.Logger,
	}, nil
}

// StartGeneration submits a new generation request and returns the event
// stream for it. The backend assigns the job id; it arrives in-stream.
func (c *Client) StartGeneration(ctx context.Context, req domain.JobRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("generation: marshal request: %w", err)
	}
	return c.openStream(ctx, "/v1/presentations/generate", body)
}

// OpenProgressStream attaches to the progress stream of an existing job.
func (c *Client) OpenProgressStream(ctx context.Context, jobID domain.JobID) (io.ReadCloser, error) {
	path := fmt.Sprintf("/v1/presentations/%s/stream", url.PathEscape(string(jobID)))
	return c.openStream(ctx, path, nil)
}

// openStream performs the initial connect under the auth retry policy: on an
// unauthorized status it refreshes the credential exactly once and retries
// the connect exactly once. Any other failure class is never retried.
func (c *Client) openStream(ctx context.Context, path string, body []byte) (io.ReadCloser, error) {
	token, err := c.currentToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("generation: obtain credential: %w", err)
	}

	resp, err := c.connect(ctx, path, body, token)
	if err != nil {
		return nil, err
	}
	if !unauthorized(resp.StatusCode) {
		return c.accept(resp, path)
	}
	drain(resp)

	if c.tokens == nil {
		return nil, domain.ErrAuthExpired
	}
	fresh, err := c.tokens.Refresh(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Str("path", path).Msg("generation: token refresh failed")
		return nil, domain.ErrAuthExpired
	}

	resp, err = c.connect(ctx, path, body, fresh)
	if err != nil {
		return nil, err
	}
	if unauthorized(resp.StatusCode) {
		drain(resp)
		return nil, domain.ErrAuthExpired
	}
	return c.accept(resp, path)
}

func (c *Client) connect(ctx context.Context, path string, body []byte, token string) (*http.Response, error) {
	method := http.MethodGet
	var reader io.Reader
	if body != nil {
		method = http.MethodPost
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("generation: build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &domain.TransportError{Op: "connect " + path, Err: err}
	}
	return resp, nil
}

func (c *Client) accept(resp *http.Response, path string) (io.ReadCloser, error) {
	if resp.StatusCode >= 300 {
		drain(resp)
		return nil, &domain.TransportError{
			Op:  "connect " + path,
			Err: fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}
	return resp.Body, nil
}

func (c *Client) currentToken(ctx context.Context) (string, error) {
	if c.tokens == nil {
		return "", nil
	}
	return c.tokens.Token(ctx)
}

func unauthorized(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}
