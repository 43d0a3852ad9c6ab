// -----------------------------------------------------------------------
// Normalize stage - whitespace and character cleanup. Normalization is
// idempotent: normalize(normalize(x)) == normalize(x).
// -----------------------------------------------------------------------

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dossier/internal/models"
)

var (
	multiSpace   = regexp.MustCompile(`[ \t]+`)
	multiNewline = regexp.MustCompile(`\n{3,}`)

	// Typographic characters folded to their ASCII forms
	charFolds = strings.NewReplacer(
		"‘", "'", "’", "'",
		"“", `"`, "”", `"`,
		"–", "-", "—", "-",
		" ", " ", "…", "...",
	)

	// Common English stopwords used for cheap language detection
	englishStopwords = map[string]bool{
		"the": true, "and": true, "of": true, "to": true, "in": true,
		"a": true, "is": true, "that": true, "for": true, "on": true,
		"with": true, "as": true, "was": true, "at": true, "by": true,
	}
)

// Normalizer is the normalize stage handler
type Normalizer struct {
	logger arbor.ILogger
}

// NewNormalizer creates the normalize stage
func NewNormalizer(logger arbor.ILogger) *Normalizer {
	return &Normalizer{logger: logger}
}

// Handle normalizes the payload text and reports language, quality and
// word count.
func (n *Normalizer) Handle(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	var payload models.NormalizePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("invalid normalize payload: %w", err)
	}

	text := NormalizeText(payload.Text)
	words := strings.Fields(text)

	result := models.NormalizeResult{
		Text:         text,
		Language:     detectLanguage(words),
		QualityScore: qualityScore(text),
		WordCount:    len(words),
	}

	n.logger.Debug().
		Str("document_id", payload.DocumentID).
		Str("language", result.Language).
		Int("word_count", result.WordCount).
		Float64("quality", result.QualityScore).
		Msg("Text normalized")

	return json.Marshal(result)
}

// NormalizeText applies the stage's canonical cleanup
func NormalizeText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = charFolds.Replace(text)

	// Strip control characters except newline and tab
	text = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) || r == unicode.ReplacementChar {
			return -1
		}
		return r
	}, text)

	text = multiSpace.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	text = strings.Join(lines, "\n")
	text = multiNewline.ReplaceAllString(text, "\n\n")

	return strings.TrimSpace(text)
}

// detectLanguage is a stopword-ratio check, enough to tag English corpora
func detectLanguage(words []string) string {
	if len(words) == 0 {
		return "unknown"
	}
	hits := 0
	for _, w := range words {
		if englishStopwords[strings.ToLower(strings.Trim(w, ".,;:!?\"'"))] {
			hits++
		}
	}
	if float64(hits)/float64(len(words)) >= 0.05 {
		return "en"
	}
	return "unknown"
}

// qualityScore is the share of letters, digits and whitespace in the text
func qualityScore(text string) float64 {
	if text == "" {
		return 0
	}
	total, ok := 0, 0
	for _, r := range text {
		total++
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			ok++
		}
	}
	return float64(ok) / float64(total)
}
