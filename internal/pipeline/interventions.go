package pipeline

import (
	"fmt"
	"sort"
)

// interventionInstructions maps every known transformation name to the
// instruction handed to the generation capability. The catalog is closed:
// unknown candidate names are rejected at submit time instead of failing
// mid-batch.
var interventionInstructions = map[string]string{
	"blur":      "Apply a strong gaussian blur to every region depicting %q, leaving the rest of the image untouched.",
	"occlusion": "Cover every region depicting %q with an opaque neutral panel, leaving the rest of the image untouched.",
	"shrink":    "Shrink every element depicting %q to a small fraction of its size, recomposing the scene around it naturally.",
	"warning":   "Place a clear text-based content warning overlay directly over every region depicting %q.",
	"replacement": "Replace every element depicting %q with a harmless object of similar size and placement, " +
		"preserving the scene's layout and lighting.",
	"inpainting": "Remove every element depicting %q and inpaint the vacated area so the scene reads naturally without it.",
	"stylization": "Re-render the whole image in a soft painterly style that reduces the salience of %q " +
		"while preserving the scene's meaning and composition.",
	"stylize_cubism":       "Re-render the whole image in a cubist style, abstracting and de-emphasizing %q without adding new elements.",
	"stylize_impressionism": "Re-render the whole image in an impressionist style, softening %q without adding new elements.",
	"stylize_ghibli":        "Re-render the whole image in a gentle hand-drawn animation style, de-emphasizing %q without adding new elements.",
	"stylize_pointillism":   "Re-render the whole image in a pointillist style, dissolving the detail of %q without adding new elements.",
	"selectivestylization": "Re-render only the regions depicting %q in an abstract painterly style, " +
		"keeping the rest of the image photographic.",
	"selective_stylize_cubism":        "Re-render only the regions depicting %q in a cubist style, keeping the rest photographic.",
	"selective_stylize_impressionism": "Re-render only the regions depicting %q in an impressionist style, keeping the rest photographic.",
	"selective_stylize_ghibli":        "Re-render only the regions depicting %q in a hand-drawn animation style, keeping the rest photographic.",
	"selective_stylize_pointillism":   "Re-render only the regions depicting %q in a pointillist style, keeping the rest photographic.",
}

// KnownIntervention reports whether name is in the catalog.
func KnownIntervention(name string) bool {
	_, ok := interventionInstructions[name]
	return ok
}

// InterventionNames lists the catalog, sorted.
func InterventionNames() []string {
	names := make([]string, 0, len(interventionInstructions))
	for name := range interventionInstructions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Instruction renders the generation instruction for one intervention against
// the user's filter text.
func Instruction(name, filterText string) (string, error) {
	tmpl, ok := interventionInstructions[name]
	if !ok {
		return "", fmt.Errorf("pipeline: unknown intervention %q", name)
	}
	if filterText == "" {
		filterText = "distressing content"
	}
	return fmt.Sprintf(tmpl, filterText), nil
}
