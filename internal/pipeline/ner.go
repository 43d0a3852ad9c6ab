// -----------------------------------------------------------------------
// NER stage - entity extraction with heuristic confidence scoring.
// Confidence is a ranking signal derived from capitalization and span
// shape when the engine exposes no score, not a calibrated probability.
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

	"github.com/ternarybob/dossier/internal/common"
	"github.com/ternarybob/dossier/internal/interfaces"
	"github.com/ternarybob/dossier/internal/models"
)

// NERStage extracts entity mentions and persists them per chunk
type NERStage struct {
	engine interfaces.NEREngine
	store  interfaces.StorageManager
	logger arbor.ILogger
}

// NewNERStage creates the NER stage
func NewNERStage(engine interfaces.NEREngine, store interfaces.StorageManager, logger arbor.ILogger) *NERStage {
	if engine == nil {
		engine = NewHeuristicNEREngine()
	}
	return &NERStage{engine: engine, store: store, logger: logger}
}

// Handle extracts entities from the payload text, standardizes labels,
// fills heuristic confidence and saves mentions.
func (s *NERStage) Handle(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	var payload models.NERPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("invalid ner payload: %w", err)
	}

	entities, err := s.engine.Extract(ctx, payload.Text)
	if err != nil {
		return nil, err
	}

	mentions := make([]*models.EntityMention, 0, len(entities))
	for i := range entities {
		entities[i].Label = models.StandardizeLabel(entities[i].Label)
		if entities[i].Confidence == 0 {
			entities[i].Confidence = heuristicConfidence(entities[i].Text, entities[i].Label)
		}
		mentions = append(mentions, &models.EntityMention{
			ID:         common.NewEntityID(),
			DocumentID: payload.DocumentID,
			ChunkID:    payload.ChunkID,
			Text:       entities[i].Text,
			Label:      entities[i].Label,
			StartChar:  entities[i].Start,
			EndChar:    entities[i].End,
			Confidence: entities[i].Confidence,
		})
	}

	if len(mentions) > 0 && payload.DocumentID != "" {
		if err := s.store.Entities().SaveMentions(ctx, mentions); err != nil {
			return nil, err
		}
	}

	s.logger.Debug().
		Str("document_id", payload.DocumentID).
		Str("engine", s.engine.Name()).
		Int("entities", len(entities)).
		Msg("Entities extracted")

	return json.Marshal(models.NERResult{Entities: entities})
}

// heuristicConfidence scores a span from its surface form. Multi-word
// capitalized spans are stronger evidence than single capitalized tokens.
func heuristicConfidence(text, label string) float64 {
	conf := 0.5
	words := strings.Fields(text)
	if len(words) > 1 {
		conf += 0.2
	}
	capitalized := 0
	for _, w := range words {
		r := []rune(w)
		if len(r) > 0 && unicode.IsUpper(r[0]) {
			capitalized++
		}
	}
	if len(words) > 0 && capitalized == len(words) {
		conf += 0.15
	}
	if label == models.LabelDate || label == models.LabelMoney {
		// Pattern-matched labels are near-certain
		conf = 0.9
	}
	if conf > 0.95 {
		conf = 0.95
	}
	return conf
}

// heuristicNEREngine is the built-in engine: pattern matching for dates
// and money, capitalized-sequence detection for names and places.
type heuristicNEREngine struct{}

var _ interfaces.NEREngine = (*heuristicNEREngine)(nil)

// NewHeuristicNEREngine creates the pattern-based fallback engine
func NewHeuristicNEREngine() interfaces.NEREngine {
	return &heuristicNEREngine{}
}

func (e *heuristicNEREngine) Name() string { return "heuristic" }

var (
	datePattern  = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b|\b\d{1,2}/\d{1,2}/\d{2,4}\b|\b(?:January|February|March|April|May|June|July|August|September|October|November|December)\s+\d{1,2},?\s+\d{4}\b`)
	moneyPattern = regexp.MustCompile(`[$€£]\s?\d[\d,]*(?:\.\d+)?(?:\s?(?:million|billion|thousand))?\b`)

	// Capitalized token runs, allowing connectives inside multi-word names
	properPattern = regexp.MustCompile(`\b[A-Z][a-z]+(?:\s+(?:of|the|and|de|van|von)\s+[A-Z][a-z]+|\s+[A-Z][a-z]+)*\b`)

	orgSuffixes = []string{"Inc", "Corp", "Ltd", "LLC", "Company", "Bank", "University", "Institute", "Agency", "Department", "Ministry"}

	// Sentence starters that are capitalized by position, not by name
	commonStarters = map[string]bool{
		"The": true, "A": true, "An": true, "This": true, "That": true,
		"These": true, "Those": true, "It": true, "He": true, "She": true,
		"They": true, "We": true, "I": true, "In": true, "On": true,
		"At": true, "By": true, "For": true, "With": true, "From": true,
		"As": true, "If": true, "But": true, "And": true, "Or": true,
	}
)

func (e *heuristicNEREngine) Extract(ctx context.Context, text string) ([]models.NEREntity, error) {
	var entities []models.NEREntity
	claimed := make([]bool, len(text))

	claim := func(start, end int) bool {
		for i := start; i < end && i < len(claimed); i++ {
			if claimed[i] {
				return false
			}
		}
		for i := start; i < end && i < len(claimed); i++ {
			claimed[i] = true
		}
		return true
	}

	for _, loc := range datePattern.FindAllStringIndex(text, -1) {
		if claim(loc[0], loc[1]) {
			entities = append(entities, models.NEREntity{
				Text: text[loc[0]:loc[1]], Label: "DATE", Start: loc[0], End: loc[1],
			})
		}
	}
	for _, loc := range moneyPattern.FindAllStringIndex(text, -1) {
		if claim(loc[0], loc[1]) {
			entities = append(entities, models.NEREntity{
				Text: text[loc[0]:loc[1]], Label: "MONEY", Start: loc[0], End: loc[1],
			})
		}
	}

	for _, loc := range properPattern.FindAllStringIndex(text, -1) {
		span := text[loc[0]:loc[1]]
		words := strings.Fields(span)

		// Drop a bare sentence starter
		if len(words) == 1 && commonStarters[words[0]] {
			continue
		}
		// Trim a leading starter from a longer span
		start := loc[0]
		if len(words) > 1 && commonStarters[words[0]] {
			start += len(words[0]) + 1
			span = text[start:loc[1]]
			words = words[1:]
			if len(words) == 1 && commonStarters[words[0]] {
				continue
			}
		}
		if !claim(start, loc[1]) {
			continue
		}

		entities = append(entities, models.NEREntity{
			Text:  span,
			Label: classifySpan(text, start, span),
			Start: start,
			End:   loc[1],
		})
	}

	return entities, nil
}

// locationPrepositions signal that the following proper noun is a place
var locationPrepositions = map[string]bool{
	"in": true, "at": true, "from": true, "near": true, "to": true, "outside": true,
}

func classifySpan(text string, start int, span string) string {
	for _, suffix := range orgSuffixes {
		if strings.HasSuffix(span, suffix) || strings.Contains(span, suffix+" ") {
			return "ORG"
		}
	}
	if locationPrepositions[precedingWord(text, start)] {
		return "GPE"
	}
	return "PERSON"
}

// precedingWord returns the lowercased word immediately before position
func precedingWord(text string, pos int) string {
	end := pos
	for end > 0 && unicode.IsSpace(rune(text[end-1])) {
		end--
	}
	begin := end
	for begin > 0 && !unicode.IsSpace(rune(text[begin-1])) {
		begin--
	}
	return strings.ToLower(strings.Trim(text[begin:end], ".,;:!?\"'"))
}
