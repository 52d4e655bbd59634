package generation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"server/internal/domain"
)

type fakeTokens struct {
	current    string
	refreshed  string
	refreshErr error
	refreshes  int32
}

func (f *fakeTokens) Token(ctx context.Context) (string, error) {
	return f.current, nil
}

func (f *fakeTokens) Refresh(ctx context.Context) (string, error) {
	atomic.AddInt32(&f.refreshes, 1)
	if f.refreshErr != nil {
		return "", f.refreshErr
	}
	f.current = f.refreshed
	return f.refreshed, nil
}

func newTestClient(t *testing.T, baseURL string, tokens TokenSource) *Client {
	t.Helper()
	c, err := NewClient(Options{BaseURL: baseURL, Tokens: tokens, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

func TestRefreshRetrySucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"type\":\"job_started\"}\n\n")
	}))
	defer srv.Close()

	tokens := &fakeTokens{current: "stale", refreshed: "fresh"}
	c := newTestClient(t, srv.URL, tokens)

	body, err := c.OpenProgressStream(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("OpenProgressStream() error = %v", err)
	}
	defer body.Close()

	if got := atomic.LoadInt32(&attempts); got != 2 {
		t.Fatalf("connect attempts = %d, want 2", got)
	}
	if got := atomic.LoadInt32(&tokens.refreshes); got != 1 {
		t.Fatalf("refreshes = %d, want 1", got)
	}
}

func TestSecondUnauthorizedIsTerminal(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tokens := &fakeTokens{current: "stale", refreshed: "still-bad"}
	c := newTestClient(t, srv.URL, tokens)

	_, err := c.OpenProgressStream(context.Background(), "job-1")
	if !errors.Is(err, domain.ErrAuthExpired) {
		t.Fatalf("error = %v, want ErrAuthExpired", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 2 {
		t.Fatalf("connect attempts = %d, want exactly 2", got)
	}
	if got := atomic.LoadInt32(&tokens.refreshes); got != 1 {
		t.Fatalf("refreshes = %d, want exactly 1", got)
	}
}

func TestRefreshFailureIsTerminal(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	tokens := &fakeTokens{current: "stale", refreshErr: errors.New("auth service down")}
	c := newTestClient(t, srv.URL, tokens)

	_, err := c.OpenProgressStream(context.Background(), "job-1")
	if !errors.Is(err, domain.ErrAuthExpired) {
		t.Fatalf("error = %v, want ErrAuthExpired", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Fatalf("connect attempts = %d, want 1", got)
	}
}

func TestNonAuthFailureNotRetried(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	tokens := &fakeTokens{current: "ok", refreshed: "ok"}
	c := newTestClient(t, srv.URL, tokens)

	_, err := c.OpenProgressStream(context.Background(), "job-1")
	var te *domain.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want *domain.TransportError", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Fatalf("connect attempts = %d, want 1", got)
	}
	if got := atomic.LoadInt32(&tokens.refreshes); got != 0 {
		t.Fatalf("refreshes = %d, want 0", got)
	}
}

func TestStartGenerationRequestShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/v1/presentations/generate" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Accept"); got != "text/event-stream" {
			t.Errorf("Accept = %q", got)
		}
		var req domain.JobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if req.Prompt != "quarterly results" {
			t.Errorf("prompt = %q", req.Prompt)
		}
		w.Header().Set("Content-Type", "text/event-stream")
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, &fakeTokens{current: "ok"})
	body, err := c.StartGeneration(context.Background(), domain.JobRequest{Prompt: "quarterly results", SlideCount: 8})
	if err != nil {
		t.Fatalf("StartGeneration() error = %v", err)
	}
	body.Close()
}

func TestOpenProgressStreamPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s, want GET", r.Method)
		}
		if r.URL.Path != "/v1/presentations/job-7/stream" {
			t.Errorf("path = %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, &fakeTokens{current: "ok"})
	body, err := c.OpenProgressStream(context.Background(), "job-7")
	if err != nil {
		t.Fatalf("OpenProgressStream() error = %v", err)
	}
	body.Close()
}

func TestStaticTokenSourceRefreshFails(t *testing.T) {
	s := NewStaticTokenSource("api-key")
	if tok, err := s.Token(context.Background()); err != nil || tok != "api-key" {
		t.Fatalf("Token() = %q, %v", tok, err)
	}
	if _, err := s.Refresh(context.Background()); err == nil {
		t.Fatal("Refresh() should fail for a static credential")
	}
}
