package domain

import (
	"sort"
	"strings"
	"time"
)

// JobID identifies one deck generation job. The generation backend assigns
// it, so for bulk starts it is unknown until the first stream event arrives.
type JobID string

// JobStatus enumerates job lifecycle states as recorded in the archive.
type JobStatus string

const (
	JobStatusStreaming JobStatus = "streaming"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// JobRequest carries the caller's generation parameters.
type JobRequest struct {
	DeckID      string   `json:"deckId,omitempty"`
	Prompt      string   `json:"prompt"`
	Outline     []string `json:"outline,omitempty"`
	SlideCount  int      `json:"slideCount,omitempty"`
	DetailLevel string   `json:"detailLevel,omitempty"`
	Style       string   `json:"style,omitempty"`
	Language    string   `json:"language,omitempty"`
}

// Phase is a coarse backend execution stage. Phases are ordered; the
// progress state machine never moves backwards through them.
type Phase int

const (
	PhaseInitialization Phase = iota
	PhaseThemeGeneration
	PhaseImageCollection
	PhaseSlideGeneration
	PhaseFinalization
	PhaseComplete
)

var phaseNames = map[Phase]string{
	PhaseInitialization:  "initialization",
	PhaseThemeGeneration: "theme_generation",
	PhaseImageCollection: "image_collection",
	PhaseSlideGeneration: "slide_generation",
	PhaseFinalization:    "finalization",
	PhaseComplete:        "complete",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return "unknown"
}

// Floor returns the minimum reported progress once the phase is entered.
// The backend's numeric signal is noisy; the floor keeps the bar honest.
func (p Phase) Floor() int {
	switch p {
	case PhaseThemeGeneration:
		return 15
	case PhaseImageCollection:
		return 30
	case PhaseSlideGeneration:
		return 55
	case PhaseFinalization:
		return 95
	case PhaseComplete:
		return 100
	default:
		return 0
	}
}

// phaseTokens maps both structured phase names and legacy stage tokens onto
// canonical phases. Producers have shipped several spellings over time.
var phaseTokens = map[string]Phase{
	"initialization":   PhaseInitialization,
	"init":             PhaseInitialization,
	"pending":          PhaseInitialization,
	"theme":            PhaseThemeGeneration,
	"theme_generation": PhaseThemeGeneration,
	"images":           PhaseImageCollection,
	"image_collection": PhaseImageCollection,
	"image_search":     PhaseImageCollection,
	"slides":           PhaseSlideGeneration,
	"slide_generation": PhaseSlideGeneration,
	"content":          PhaseSlideGeneration,
	"finalization":     PhaseFinalization,
	"finalizing":       PhaseFinalization,
	"export":           PhaseFinalization,
	"complete":         PhaseComplete,
	"completed":        PhaseComplete,
	"done":             PhaseComplete,
}

// ParsePhase resolves a backend phase or stage token to a canonical Phase.
func ParsePhase(token string) (Phase, bool) {
	p, ok := phaseTokens[strings.ToLower(strings.TrimSpace(token))]
	return p, ok
}

// Snapshot is the canonical progress view emitted after processing one
// event. The per-slide sets accumulate across the owning session's events.
type Snapshot struct {
	JobID            JobID          `json:"jobId"`
	Phase            Phase          `json:"-"`
	PhaseName        string         `json:"phase"`
	Progress         int            `json:"progress"`
	Message          string         `json:"message"`
	CompletedSlides  []int          `json:"completedSlides"`
	InProgressSlides []int          `json:"inProgressSlides"`
	SlideErrors      map[int]string `json:"slideErrors,omitempty"`
	IsComplete       bool           `json:"isComplete"`
	IsError          bool           `json:"isError"`
	Raw              *RawEvent      `json:"-"`
}

// SortedIndexes converts a slide-index set into a stable slice for snapshots.
func SortedIndexes(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for idx := range set {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// JobRecord is the archived outcome of a job, kept for the job-list view.
type JobRecord struct {
	ID           JobID
	DeckID       string
	Status       JobStatus
	Phase        string
	Progress     int
	ErrorMessage string
	StartedAt    time.Time
	FinishedAt   time.Time
}
