package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"server/internal/coordinator"
	"server/internal/domain"
)

// App bundles the dependencies the HTTP handlers need.
type App struct {
	Coordinator *coordinator.Coordinator
	Archive     domain.JobArchive
	Logger      zerolog.Logger
}

// NewApp builds the handler container. Archive may be nil when persistence
// is disabled.
func NewApp(coord *coordinator.Coordinator, archive domain.JobArchive, logger zerolog.Logger) *App {
	return &App{Coordinator: coord, Archive: archive, Logger: logger}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// fail maps domain errors onto HTTP responses with their specific,
// user-visible messages.
func (a *App) fail(w http.ResponseWriter, err error) {
	var ae *domain.AdmissionError
	switch {
	case errors.As(err, &ae):
		code := http.StatusTooManyRequests
		if ae.Reason == domain.AdmissionAlreadyRunning {
			code = http.StatusConflict
		}
		a.json(w, code, map[string]string{"error": string(ae.Reason)})
	case errors.Is(err, domain.ErrAuthExpired):
		a.json(w, http.StatusUnauthorized, map[string]string{"error": domain.ErrAuthExpired.Error()})
	case errors.Is(err, domain.ErrNotFound):
		a.json(w, http.StatusNotFound, map[string]string{"error": "not found"})
	default:
		a.Logger.Error().Err(err).Msg("handlers: request failed")
		a.json(w, http.StatusBadGateway, map[string]string{"error": "generation backend unavailable"})
	}
}
