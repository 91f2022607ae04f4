package revision

import (
	"strings"
	"time"

	"contentflow/backend/pkg/models"
)

// Classification is routing metadata derived from user feedback. It
// never affects correctness, only the plan forwarded to the agent.
type Classification struct {
	Category      string
	Priority      string
	EstimatedTime time.Duration
}

// Classifier turns free-text feedback into a processing plan. A single
// keyword implementation exists today; the interface keeps it swappable
// without touching orchestration.
type Classifier interface {
	Classify(feedback string, revisionType models.RevisionType) Classification
}

// KeywordClassifier matches feedback against fixed category vocabularies.
type KeywordClassifier struct{}

var contentVocab = []struct {
	category string
	words    []string
}{
	{"tone", []string{"tone", "voice", "formal", "casual", "friendly", "professional"}},
	{"structure", []string{"structure", "reorganize", "reorder", "flow", "section", "paragraph"}},
	{"length", []string{"shorter", "longer", "shorten", "length", "expand", "concise", "brief", "trim"}},
	{"information", []string{"information", "detail", "fact", "accurate", "missing", "incorrect", "source"}},
}

var imageVocab = []struct {
	category string
	words    []string
}{
	{"color", []string{"color", "colour", "bright", "dark", "palette", "saturation"}},
	{"style", []string{"style", "realistic", "cartoon", "artistic", "minimalist", "modern"}},
	{"composition", []string{"composition", "layout", "crop", "angle", "background", "focus"}},
}

var categoryEstimates = map[string]time.Duration{
	"tone":        3 * time.Minute,
	"structure":   5 * time.Minute,
	"length":      2 * time.Minute,
	"information": 6 * time.Minute,
	"color":       2 * time.Minute,
	"style":       4 * time.Minute,
	"composition": 5 * time.Minute,
	"general":     5 * time.Minute,
}

// Classify picks the first category whose vocabulary matches the
// feedback, falling back to "general".
func (KeywordClassifier) Classify(feedback string, revisionType models.RevisionType) Classification {
	lowered := strings.ToLower(feedback)

	vocab := contentVocab
	if revisionType == models.RevisionTypeImage {
		vocab = imageVocab
	}

	category := "general"
	for _, entry := range vocab {
		if containsAny(lowered, entry.words) {
			category = entry.category
			break
		}
	}

	priority := "normal"
	if containsAny(lowered, []string{"urgent", "asap", "immediately"}) {
		priority = "high"
	}

	return Classification{
		Category:      category,
		Priority:      priority,
		EstimatedTime: categoryEstimates[category],
	}
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
