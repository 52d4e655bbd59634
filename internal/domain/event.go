package domain

import "strings"

// Canonical event kinds after normalization. The backend's type strings are
// folded into these; synonym spellings are resolved by NormalizeEventType.
const (
	EventJobStarted     = "job_started"
	EventPhaseStarted   = "phase_started"
	EventSubstepStarted = "substep_started"
	EventSlideStarted   = "slide_started"
	EventSlideCompleted = "slide_completed"
	EventSlideError     = "slide_error"
	EventJobComplete    = "job_complete"
	EventError          = "error"
	EventMessage        = "message"
)

var eventTypeSynonyms = map[string]string{
	"job_started":         EventJobStarted,
	"generation_started":  EventJobStarted,
	"started":             EventJobStarted,
	"phase_started":       EventPhaseStarted,
	"stage_started":       EventPhaseStarted,
	"substep_started":     EventSubstepStarted,
	"step_started":        EventSubstepStarted,
	"slide_started":       EventSlideStarted,
	"item_started":        EventSlideStarted,
	"slide_completed":     EventSlideCompleted,
	"item_completed":      EventSlideCompleted,
	"slide_generated":     EventSlideCompleted,
	"slide_error":         EventSlideError,
	"item_error":          EventSlideError,
	"job_complete":        EventJobComplete,
	"generation_complete": EventJobComplete,
	"complete":            EventJobComplete,
	"completed":           EventJobComplete,
	"done":                EventJobComplete,
	"error":               EventError,
	"message":             EventMessage,
	"status":              EventMessage,
}

// NormalizeEventType folds a wire type string onto a canonical event kind.
// Unrecognized types degrade to message events so the stream never aborts
// over vocabulary drift.
func NormalizeEventType(t string) string {
	if kind, ok := eventTypeSynonyms[strings.ToLower(strings.TrimSpace(t))]; ok {
		return kind
	}
	return EventMessage
}

// EventData is the structured payload nested under "data".
type EventData struct {
	JobID       string   `json:"job_id,omitempty"`
	Progress    *float64 `json:"progress,omitempty"`
	Phase       string   `json:"phase,omitempty"`
	Substep     string   `json:"substep,omitempty"`
	SlideIndex  *int     `json:"slide_index,omitempty"`
	SlideTitle  string   `json:"slide_title,omitempty"`
	SlidesTotal *int     `json:"slides_total,omitempty"`
	Message     string   `json:"message,omitempty"`
	Error       string   `json:"error,omitempty"`
	Fatal       *bool    `json:"fatal,omitempty"`
	Severity    string   `json:"severity,omitempty"`
	Code        string   `json:"code,omitempty"`
}

// RawEvent is one decoded stream frame. Newer producers nest everything
// under Data; legacy producers put flat fields at the top level. Both shapes
// decode into this struct and are reconciled by Normalize.
type RawEvent struct {
	Type string     `json:"type"`
	Data *EventData `json:"data,omitempty"`

	// Legacy flat fallback fields.
	JobID      string   `json:"jobId,omitempty"`
	Stage      string   `json:"stage,omitempty"`
	Progress   *float64 `json:"progress,omitempty"`
	Message    string   `json:"message,omitempty"`
	SlideIndex *int     `json:"slideIndex,omitempty"`
	SlideTitle string   `json:"slideTitle,omitempty"`
}

// Event is the canonical internal shape consumed by the state machine.
type Event struct {
	Kind        string
	WireType    string
	JobID       JobID
	Phase       *Phase
	Substep     string
	Progress    *float64
	SlideIndex  *int
	SlideTitle  string
	SlidesTotal *int
	Message     string
	ErrorText   string
	Fatal       *bool
	Severity    string
	Code        string
}

// Normalize maps either wire shape onto the canonical Event. Structured
// fields win over legacy flat ones when both are present.
func (r *RawEvent) Normalize() Event {
	ev := Event{
		Kind:     NormalizeEventType(r.Type),
		WireType: r.Type,
	}

	phaseToken := r.Stage
	ev.Progress = r.Progress
	ev.SlideIndex = r.SlideIndex
	ev.SlideTitle = r.SlideTitle
	ev.Message = r.Message
	if r.JobID != "" {
		ev.JobID = JobID(r.JobID)
	}

	if d := r.Data; d != nil {
		if d.Phase != "" {
			phaseToken = d.Phase
		}
		if d.Progress != nil {
			ev.Progress = d.Progress
		}
		if d.SlideIndex != nil {
			ev.SlideIndex = d.SlideIndex
		}
		if d.SlideTitle != "" {
			ev.SlideTitle = d.SlideTitle
		}
		if d.Message != "" {
			ev.Message = d.Message
		}
		if d.JobID != "" {
			ev.JobID = JobID(d.JobID)
		}
		ev.Substep = d.Substep
		ev.SlidesTotal = d.SlidesTotal
		ev.ErrorText = d.Error
		ev.Fatal = d.Fatal
		ev.Severity = d.Severity
		ev.Code = d.Code
	}

	if phaseToken == "" {
		// Legacy producers encode the phase in the type itself,
		// e.g. "theme_generation_started".
		phaseToken = strings.TrimSuffix(strings.ToLower(r.Type), "_started")
	}
	if p, ok := ParsePhase(phaseToken); ok {
		ev.Phase = &p
	}

	return ev
}
