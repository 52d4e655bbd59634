package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"server/internal/coordinator"
	"server/internal/domain"
	"server/internal/middleware"
)

// StartDeckGeneration attaches to the progress stream of a deck whose
// generation the backend already knows about. The deck id doubles as the
// job id for attach-style starts.
func (a *App) StartDeckGeneration(w http.ResponseWriter, r *http.Request) {
	deckID := chi.URLParam(r, "deckID")
	if deckID == "" {
		a.json(w, http.StatusBadRequest, map[string]string{"error": "deck id is required"})
		return
	}

	req, err := decodeJobRequest(r)
	if err != nil {
		a.json(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	req.DeckID = deckID
	if req.Language == "" {
		req.Language = middleware.LocaleFromContext(r.Context())
	}

	if err := a.Coordinator.Start(domain.JobID(deckID), req, coordinator.Callbacks{}); err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusAccepted, map[string]string{"jobId": deckID})
}

// Generate submits a brand-new generation request. The backend assigns the
// job id mid-stream, so the response carries only a correlation id; clients
// follow the job on the events feed.
func (a *App) Generate(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJobRequest(r)
	if err != nil {
		a.json(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Language == "" {
		req.Language = middleware.LocaleFromContext(r.Context())
	}

	handle, err := a.Coordinator.Generate(r.Context(), req, coordinator.Callbacks{})
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusAccepted, map[string]string{"requestId": handle.RequestID})
}

// StopJob cancels a running job. Stopping an unknown or already-stopped job
// succeeds; cancellation is idempotent.
func (a *App) StopJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if jobID == "" {
		a.json(w, http.StatusBadRequest, map[string]string{"error": "job id is required"})
		return
	}
	a.Coordinator.Stop(domain.JobID(jobID))
	w.WriteHeader(http.StatusNoContent)
}

func decodeJobRequest(r *http.Request) (domain.JobRequest, error) {
	var req domain.JobRequest
	if r.Body == nil {
		return req, nil
	}
	err := json.NewDecoder(r.Body).Decode(&req)
	if err == io.EOF {
		return req, nil
	}
	return req, err
}
