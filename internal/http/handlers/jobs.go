package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"server/internal/domain"
)

// ListJobs returns the currently active sessions.
func (a *App) ListJobs(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]any{"jobs": a.Coordinator.Active()})
}

// JobHistory lists archived job outcomes, newest first.
func (a *App) JobHistory(w http.ResponseWriter, r *http.Request) {
	if a.Archive == nil {
		a.json(w, http.StatusOK, map[string]any{"jobs": []domain.JobRecord{}})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := a.Archive.ListRecent(r.Context(), limit)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{"jobs": records})
}

// JobEvents re-broadcasts the coordinator's event bus to the client as an
// SSE stream. An optional ?job= filter narrows it to one job.
func (a *App) JobEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		a.json(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	filter := domain.JobID(r.URL.Query().Get("job"))
	events, cancel := a.Coordinator.Subscribe(64)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			if filter != "" && ev.JobID != filter {
				continue
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
