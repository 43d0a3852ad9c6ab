package interfaces

import (
	"context"

	"github.com/ternarybob/dossier/internal/models"
)

// OCREngine recognizes text in a page image. Both the fast (bounding-boxed
// line detection) and heavy (vision-LM) engines implement this; the stage
// escalates from fast to heavy on quality failure.
type OCREngine interface {
	Name() string
	Recognize(ctx context.Context, req models.OCRPayload) (*models.OCRResult, error)
}

// EmbeddingEngine encodes text into dense vectors. Dimensions must be
// stable for the engine lifetime; Encode(same text) is deterministic
// within model nondeterminism bounds.
type EmbeddingEngine interface {
	ModelName() string
	Dimensions() int
	Encode(ctx context.Context, text string) ([]float32, error)
	EncodeBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// NEREngine extracts entity spans from text. Engines that expose no score
// leave Confidence zero; the stage derives a heuristic one.
type NEREngine interface {
	Name() string
	Extract(ctx context.Context, text string) ([]models.NEREntity, error)
}
