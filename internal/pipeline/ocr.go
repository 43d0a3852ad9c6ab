// -----------------------------------------------------------------------
// OCR stage - two-tier recognition with quality-gated escalation.
// The fast engine handles the common case; output that fails the quality
// gate is re-run on the heavy engine and its result kept regardless.
// -----------------------------------------------------------------------

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dossier/internal/interfaces"
	"github.com/ternarybob/dossier/internal/models"
)

// minPrintableRatio is the character-quality gate: below this share of
// letters, digits and whitespace the fast result is considered garbage.
const minPrintableRatio = 0.5

// OCRStage runs recognition with fast-to-heavy escalation
type OCRStage struct {
	fast          interfaces.OCREngine
	heavy         interfaces.OCREngine
	confThreshold float64
	minLength     int
	events        interfaces.EventService
	logger        arbor.ILogger
}

// NewOCRStage creates the OCR stage. heavy may be nil, in which case
// escalation keeps the fast result.
func NewOCRStage(fast, heavy interfaces.OCREngine, confThreshold float64, minLength int, events interfaces.EventService, logger arbor.ILogger) *OCRStage {
	if confThreshold <= 0 {
		confThreshold = 0.6
	}
	return &OCRStage{
		fast:          fast,
		heavy:         heavy,
		confThreshold: confThreshold,
		minLength:     minLength,
		events:        events,
		logger:        logger,
	}
}

// Handle recognizes the payload image. An empty image yields an empty
// result without escalation.
func (s *OCRStage) Handle(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	var payload models.OCRPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("invalid ocr payload: %w", err)
	}
	if payload.ImagePath == "" && payload.ImageBase64 == "" {
		return nil, fmt.Errorf("ocr payload has neither image_path nor image_base64")
	}

	result, err := s.fast.Recognize(ctx, payload)
	if err != nil {
		return nil, err
	}

	s.publishAttempt(ctx, job, &payload, s.fast.Name(), result)

	if s.needsEscalation(result) && s.heavy != nil {
		s.logger.Info().
			Str("document_id", payload.DocumentID).
			Int("page", payload.PageNumber).
			Float64("confidence", result.Confidence).
			Int("length", len(result.Text)).
			Msg("Escalating OCR to heavy engine")

		heavyResult, err := s.heavy.Recognize(ctx, payload)
		if err != nil {
			return nil, err
		}
		heavyResult.Escalated = true
		result = heavyResult

		s.publishAttempt(ctx, job, &payload, s.heavy.Name(), result)
		s.events.Publish(ctx, models.Event{
			Type:          models.EventOCREscalated,
			CorrelationID: job.CorrelationID,
			Payload: map[string]interface{}{
				"document_id": payload.DocumentID,
				"page_number": payload.PageNumber,
				"engine":      s.heavy.Name(),
			},
		})
	}

	return json.Marshal(result)
}

// needsEscalation applies the quality gate: low confidence, short output,
// or garbage characters. Genuinely empty images are not escalated.
func (s *OCRStage) needsEscalation(result *models.OCRResult) bool {
	if result.Text == "" && result.Confidence == 0 && len(result.Lines) == 0 {
		return false
	}
	if result.Confidence < s.confThreshold {
		return true
	}
	if s.minLength > 0 && len(strings.TrimSpace(result.Text)) < s.minLength {
		return true
	}
	return printableRatio(result.Text) < minPrintableRatio
}

func printableRatio(text string) float64 {
	if text == "" {
		return 1
	}
	total, ok := 0, 0
	for _, r := range text {
		total++
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) || unicode.IsPunct(r) {
			ok++
		}
	}
	return float64(ok) / float64(total)
}

func (s *OCRStage) publishAttempt(ctx context.Context, job *models.Job, payload *models.OCRPayload, engine string, result *models.OCRResult) {
	s.events.Publish(ctx, models.Event{
		Type:          models.EventOCRAttempted,
		CorrelationID: job.CorrelationID,
		Payload: map[string]interface{}{
			"document_id": payload.DocumentID,
			"page_number": payload.PageNumber,
			"engine":      engine,
			"confidence":  result.Confidence,
			"length":      len(result.Text),
		},
	})
}
