package progress

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"server/internal/domain"
)

// Human-readable messages come from a fixed lookup, never from echoing raw
// backend tokens. Two locales are supported, matching the product surface.

var localeMatcher = language.NewMatcher([]language.Tag{
	language.English,
	language.Indonesian,
})

// NormalizeLocale folds an arbitrary locale string ("id-ID", "en_US", …)
// onto one of the supported catalogs.
func NormalizeLocale(locale string) string {
	tag, err := language.Parse(strings.ReplaceAll(locale, "_", "-"))
	if err != nil {
		return "en"
	}
	_, idx, _ := localeMatcher.Match(tag)
	if idx == 1 {
		return "id"
	}
	return "en"
}

var phaseLabels = map[string]map[domain.Phase]string{
	"en": {
		domain.PhaseInitialization:  "Preparing your presentation",
		domain.PhaseThemeGeneration: "Designing the theme",
		domain.PhaseImageCollection: "Collecting images",
		domain.PhaseSlideGeneration: "Generating slides",
		domain.PhaseFinalization:    "Finalizing your presentation",
		domain.PhaseComplete:        "Presentation ready",
	},
	"id": {
		domain.PhaseInitialization:  "Menyiapkan presentasi Anda",
		domain.PhaseThemeGeneration: "Merancang tema",
		domain.PhaseImageCollection: "Mengumpulkan gambar",
		domain.PhaseSlideGeneration: "Membuat slide",
		domain.PhaseFinalization:    "Menyelesaikan presentasi Anda",
		domain.PhaseComplete:        "Presentasi siap",
	},
}

var substepLabels = map[string]map[string]string{
	"en": {
		"outline":       "Structuring the outline",
		"layout":        "Choosing layouts",
		"colors":        "Picking a color palette",
		"fonts":         "Selecting fonts",
		"image_search":  "Searching for images",
		"image_resize":  "Optimizing images",
		"speaker_notes": "Writing speaker notes",
		"export":        "Packaging the deck",
	},
	"id": {
		"outline":       "Menyusun kerangka",
		"layout":        "Memilih tata letak",
		"colors":        "Memilih palet warna",
		"fonts":         "Memilih huruf",
		"image_search":  "Mencari gambar",
		"image_resize":  "Mengoptimalkan gambar",
		"speaker_notes": "Menulis catatan pembicara",
		"export":        "Mengemas presentasi",
	},
}

var slideLabels = map[string]struct{ working, done string }{
	"en": {working: "Generating slide %d", done: "Slide %d finished"},
	"id": {working: "Membuat slide %d", done: "Slide %d selesai"},
}

// PhaseLabel returns the catalog message for a phase.
func PhaseLabel(locale string, phase domain.Phase) string {
	catalog, ok := phaseLabels[locale]
	if !ok {
		catalog = phaseLabels["en"]
	}
	return catalog[phase]
}

// SubstepLabel returns the catalog message for a phase substep, falling back
// to the phase label for unknown substep tokens.
func SubstepLabel(locale string, phase domain.Phase, substep string) string {
	catalog, ok := substepLabels[locale]
	if !ok {
		catalog = substepLabels["en"]
	}
	if label, ok := catalog[strings.ToLower(strings.TrimSpace(substep))]; ok {
		return label
	}
	return PhaseLabel(locale, phase)
}

// SlideLabel describes per-slide activity, 1-based for humans. A known
// slide title is appended in title case.
func SlideLabel(locale string, index int, title string, completed bool) string {
	forms, ok := slideLabels[locale]
	if !ok {
		forms = slideLabels["en"]
	}
	format := forms.working
	if completed {
		format = forms.done
	}
	label := fmt.Sprintf(format, index+1)
	if title = strings.TrimSpace(title); title != "" {
		label += ": " + cases.Title(language.Und).String(title)
	}
	return label
}
