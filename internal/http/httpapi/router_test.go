package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"server/internal/coordinator"
	"server/internal/generation"
	"server/internal/http/handlers"
	"server/internal/infra"
)

func newTestAPI(t *testing.T) *httptest.Server {
	t.Helper()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"type\":\"job_started\"}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(backend.Close)

	client, err := generation.NewClient(generation.Options{BaseURL: backend.URL, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	coord := coordinator.New(coordinator.Options{Client: client, Logger: zerolog.Nop()})
	t.Cleanup(coord.Shutdown)

	app := handlers.NewApp(coord, nil, zerolog.Nop())
	cfg := &infra.Config{DefaultLocale: "en", RateLimitPerMin: 100}
	api := httptest.NewServer(NewRouter(app, cfg, nil))
	t.Cleanup(api.Close)
	return api
}

func doJSON(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestHealthEndpoint(t *testing.T) {
	api := newTestAPI(t)
	resp, body := doJSON(t, http.MethodGet, api.URL+"/v1/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestDeckGenerationLifecycle(t *testing.T) {
	api := newTestAPI(t)

	resp, body := doJSON(t, http.MethodPost, api.URL+"/v1/decks/deck-1/generate", `{"prompt":"intro to coffee"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}
	if body["jobId"] != "deck-1" {
		t.Fatalf("jobId = %v, want deck-1", body["jobId"])
	}

	resp, body = doJSON(t, http.MethodPost, api.URL+"/v1/decks/deck-1/generate", `{"prompt":"intro to coffee"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want %d", resp.StatusCode, http.StatusConflict)
	}
	if body["error"] != "already in progress" {
		t.Fatalf("duplicate error = %v", body["error"])
	}

	resp, body = doJSON(t, http.MethodGet, api.URL+"/v1/jobs", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	jobs, ok := body["jobs"].([]any)
	if !ok || len(jobs) != 1 {
		t.Fatalf("jobs = %v, want one entry", body["jobs"])
	}

	resp, _ = doJSON(t, http.MethodDelete, api.URL+"/v1/jobs/deck-1", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("stop status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
	// Stopping again is a no-op, not an error.
	resp, _ = doJSON(t, http.MethodDelete, api.URL+"/v1/jobs/deck-1", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("repeat stop status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
}

func TestJobHistoryWithoutArchive(t *testing.T) {
	api := newTestAPI(t)
	resp, body := doJSON(t, http.MethodGet, api.URL+"/v1/jobs/history", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	jobs, ok := body["jobs"].([]any)
	if !ok || len(jobs) != 0 {
		t.Fatalf("jobs = %v, want empty list", body["jobs"])
	}
}

func TestRequestIDEchoed(t *testing.T) {
	api := newTestAPI(t)
	req, _ := http.NewRequest(http.MethodGet, api.URL+"/v1/healthz", nil)
	req.Header.Set("X-Request-ID", "trace-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "trace-123" {
		t.Fatalf("X-Request-ID = %q, want trace-123", got)
	}
}
