// Package progress folds the backend's noisy event stream into one
// consistent, monotonic progress view.
package progress

import (
	"fmt"
	"strings"

	"server/internal/domain"
)

// Machine is the per-session progress state machine. It is not safe for
// concurrent use; a session feeds it events strictly in arrival order.
type Machine struct {
	jobID       domain.JobID
	locale      string
	phase       domain.Phase
	progress    int
	message     string
	completed   map[int]struct{}
	inProgress  map[int]struct{}
	slideErrors map[int]string
	totalSlides int
	complete    bool
	errored     bool
	failure     error
	last        domain.Snapshot
}

// NewMachine creates a state machine for one job. locale selects the label
// catalog for human-readable messages. The machine starts with a usable
// snapshot so a start broadcast carries the initialization phase, not zeroes.
func NewMachine(jobID domain.JobID, locale string) *Machine {
	m := &Machine{
		jobID:       jobID,
		locale:      NormalizeLocale(locale),
		phase:       domain.PhaseInitialization,
		completed:   make(map[int]struct{}),
		inProgress:  make(map[int]struct{}),
		slideErrors: make(map[int]string),
	}
	m.message = PhaseLabel(m.locale, domain.PhaseInitialization)
	m.last = m.snapshot(nil)
	return m
}

// SetJobID binds the backend-assigned id once the first event reveals it.
func (m *Machine) SetJobID(id domain.JobID) {
	if m.jobID == "" {
		m.jobID = id
	}
}

// JobID returns the bound job id, which may be empty before the first event.
func (m *Machine) JobID() domain.JobID { return m.jobID }

// Failure returns the terminal error after a fatal event, else nil.
func (m *Machine) Failure() error { return m.failure }

// LastSnapshot returns the snapshot produced by the most recent event.
func (m *Machine) LastSnapshot() domain.Snapshot { return m.last }

// ProcessEvent consumes one raw event in either wire shape and returns the
// recomputed snapshot. Progress and phase only ever move forward.
func (m *Machine) ProcessEvent(raw *domain.RawEvent) domain.Snapshot {
	ev := raw.Normalize()
	if err := validate(ev); err != nil {
		m.errored = true
		if m.failure == nil {
			m.failure = err
		}
		m.last = m.snapshot(raw)
		return m.last
	}
	if ev.JobID != "" {
		m.SetJobID(ev.JobID)
	}
	if ev.SlidesTotal != nil && *ev.SlidesTotal > 0 {
		m.totalSlides = *ev.SlidesTotal
	}

	// Any phase-declaring event may advance the phase, but never rewind it.
	if ev.Phase != nil {
		m.advancePhase(*ev.Phase)
	}

	switch ev.Kind {
	case domain.EventJobStarted:
		m.message = PhaseLabel(m.locale, m.phase)

	case domain.EventPhaseStarted:
		m.message = PhaseLabel(m.locale, m.phase)

	case domain.EventSubstepStarted:
		m.message = SubstepLabel(m.locale, m.phase, ev.Substep)

	case domain.EventSlideStarted:
		m.advancePhase(domain.PhaseSlideGeneration)
		if ev.SlideIndex != nil {
			m.inProgress[*ev.SlideIndex] = struct{}{}
			m.message = SlideLabel(m.locale, *ev.SlideIndex, ev.SlideTitle, false)
		}

	case domain.EventSlideCompleted:
		m.advancePhase(domain.PhaseSlideGeneration)
		if ev.SlideIndex != nil {
			// Re-completing an already-completed index is a no-op.
			delete(m.inProgress, *ev.SlideIndex)
			m.completed[*ev.SlideIndex] = struct{}{}
			m.message = SlideLabel(m.locale, *ev.SlideIndex, ev.SlideTitle, true)
		}

	case domain.EventSlideError:
		m.errored = true
		if ev.SlideIndex != nil {
			delete(m.inProgress, *ev.SlideIndex)
			m.slideErrors[*ev.SlideIndex] = errorText(ev)
		}
		// A single slide failure is non-fatal unless explicitly flagged.
		if ev.Fatal != nil && *ev.Fatal {
			m.fail(ev)
		}

	case domain.EventJobComplete:
		m.advancePhase(domain.PhaseComplete)
		m.complete = true
		m.message = PhaseLabel(m.locale, domain.PhaseComplete)

	case domain.EventError:
		m.errored = true
		if classifyFatal(ev) {
			m.fail(ev)
		}

	default:
		if ev.Message != "" {
			m.message = ev.Message
		}
	}

	m.recomputeProgress(ev)
	m.last = m.snapshot(raw)
	return m.last
}

func (m *Machine) advancePhase(p domain.Phase) {
	if p < m.phase {
		// Earlier-phase declarations are stale backend noise.
		return
	}
	m.phase = p
	if m.message == "" {
		m.message = PhaseLabel(m.locale, p)
	}
}

// recomputeProgress applies P_{n+1} = max(P_n, f(event)). Each phase clamps
// progress up to its floor; during slide generation with a known total the
// completed-slide ratio takes over once any slide has finished.
func (m *Machine) recomputeProgress(ev domain.Event) {
	target := m.phase.Floor()

	if m.phase == domain.PhaseSlideGeneration && m.totalSlides > 0 && len(m.completed) > 0 {
		target = 55 + (40*len(m.completed))/m.totalSlides
	} else if ev.Progress != nil {
		if explicit := clampProgress(int(*ev.Progress)); explicit > target {
			target = explicit
		}
	}

	if m.complete {
		target = 100
	}
	if target > m.progress {
		m.progress = target
	}
}

func (m *Machine) fail(ev domain.Event) {
	if m.failure != nil {
		return
	}
	m.failure = &domain.FatalGenerationError{Code: ev.Code, Message: errorText(ev)}
}

func (m *Machine) snapshot(raw *domain.RawEvent) domain.Snapshot {
	errs := make(map[int]string, len(m.slideErrors))
	for idx, msg := range m.slideErrors {
		errs[idx] = msg
	}
	return domain.Snapshot{
		JobID:            m.jobID,
		Phase:            m.phase,
		PhaseName:        m.phase.String(),
		Progress:         m.progress,
		Message:          m.message,
		CompletedSlides:  domain.SortedIndexes(m.completed),
		InProgressSlides: domain.SortedIndexes(m.inProgress),
		SlideErrors:      errs,
		IsComplete:       m.complete,
		IsError:          m.errored,
		Raw:              raw,
	}
}

// maxSlidesTotal bounds the slide count a payload may claim; anything above
// it means the stream is feeding garbage into the per-slide bookkeeping.
const maxSlidesTotal = 1000

// validate rejects payloads broken enough that folding them in would corrupt
// the per-slide sets. A validation failure ends the session.
func validate(ev domain.Event) error {
	if ev.SlideIndex != nil && *ev.SlideIndex < 0 {
		return &domain.ValidationError{Detail: fmt.Sprintf("negative slide index %d", *ev.SlideIndex)}
	}
	if ev.SlidesTotal != nil && (*ev.SlidesTotal < 0 || *ev.SlidesTotal > maxSlidesTotal) {
		return &domain.ValidationError{Detail: fmt.Sprintf("implausible slide total %d", *ev.SlidesTotal)}
	}
	return nil
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func errorText(ev domain.Event) string {
	if ev.ErrorText != "" {
		return ev.ErrorText
	}
	if ev.Message != "" {
		return ev.Message
	}
	return "generation error"
}

// Non-fatal error classes: transient conditions the backend reports but
// recovers from on its own.
var nonFatalCodes = map[string]struct{}{
	"IMAGE_FETCH_FAILED": {},
	"SLIDE_RETRYING":     {},
	"RATE_LIMITED":       {},
}

// classifyFatal decides whether a top-level error event terminates the
// session. An explicit fatal/severity/code field wins over any
// message-content heuristic; an unrecognized error event is fatal.
func classifyFatal(ev domain.Event) bool {
	if ev.Fatal != nil {
		return *ev.Fatal
	}
	switch strings.ToLower(ev.Severity) {
	case "warning", "info":
		return false
	case "fatal", "critical":
		return true
	}
	if _, ok := nonFatalCodes[strings.ToUpper(ev.Code)]; ok {
		return false
	}
	text := strings.ToLower(errorText(ev))
	if strings.Contains(text, "retrying") || strings.Contains(text, "skipping") {
		return false
	}
	return true
}
