package pipeline

import (
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dossier/internal/common"
	"github.com/ternarybob/dossier/internal/interfaces"
)

// Handlers builds the stage handler table keyed by pool name. Engine
// clients are constructed here; absent engine URLs yield clients that
// fail with resource errors so their jobs requeue rather than deadletter.
func Handlers(cfg *common.Config, store interfaces.StorageManager, events interfaces.EventService, logger arbor.ILogger) map[string]interfaces.StageHandler {
	ocrFast := NewOCREngine("paddle", cfg.Engines.OCRFastURL, cfg.Engines.RateLimit)
	ocrHeavy := NewOCREngine("qwen-vl", cfg.Engines.OCRHeavyURL, cfg.Engines.RateLimit)
	embedder := NewEmbeddingEngine(cfg.Engines.EmbedURL, cfg.Engines.EmbedModel, 0, cfg.Engines.RateLimit)

	extract := NewExtractor(cfg.DataRoot, store, events, logger)
	ocr := NewOCRStage(ocrFast, ocrHeavy, cfg.Pipeline.OCRConfidence, cfg.Pipeline.OCRMinLength, events, logger)
	ocrHeavyOnly := NewOCRStage(ocrHeavy, nil, cfg.Pipeline.OCRConfidence, cfg.Pipeline.OCRMinLength, events, logger)
	normalize := NewNormalizer(logger)
	ner := NewNERStage(nil, store, logger)
	chunk := NewChunker(cfg.Pipeline.ChunkSize, cfg.Pipeline.ChunkOverlap, cfg.Pipeline.ChunkMethod, store, logger)
	embed := NewEmbedder(embedder, store, logger)

	return map[string]interfaces.StageHandler{
		"extract":   extract.Handle,
		"ocr":       ocr.Handle,
		"ocr-heavy": ocrHeavyOnly.Handle,
		"normalize": normalize.Handle,
		"ner":       ner.Handle,
		"chunk":     chunk.Handle,
		"embed":     embed.Handle,
	}
}
