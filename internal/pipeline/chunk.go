// -----------------------------------------------------------------------
// Chunk stage - splits normalized text into dense, ordered chunks.
// Chunk indices form [0, N) with no gaps; re-chunking replaces the set.
// -----------------------------------------------------------------------

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dossier/internal/common"
	"github.com/ternarybob/dossier/internal/interfaces"
	"github.com/ternarybob/dossier/internal/models"
)

// Chunker is the chunk stage handler
type Chunker struct {
	size    int
	overlap int
	method  string
	store   interfaces.StorageManager
	logger  arbor.ILogger
}

// NewChunker creates the chunk stage. Methods are "fixed", "sentence" and
// "semantic"; semantic is not implemented and falls back to sentence.
func NewChunker(size, overlap int, method string, store interfaces.StorageManager, logger arbor.ILogger) *Chunker {
	if size <= 0 {
		size = 1000
	}
	if overlap < 0 {
		overlap = 0
	}
	if method == "" {
		method = "sentence"
	}
	return &Chunker{size: size, overlap: overlap, method: method, store: store, logger: logger}
}

// Handle splits the payload text, replaces the document's chunk set and
// returns the new chunk ids in order.
func (c *Chunker) Handle(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	var payload models.ChunkPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("invalid chunk payload: %w", err)
	}

	texts := c.Split(payload.Text)

	chunks := make([]*models.Chunk, len(texts))
	chunkIDs := make([]string, len(texts))
	for i, text := range texts {
		chunks[i] = &models.Chunk{
			ID:         common.NewChunkID(),
			DocumentID: payload.DocumentID,
			Text:       text,
			ChunkIndex: i,
		}
		chunkIDs[i] = chunks[i].ID
	}

	if payload.DocumentID != "" {
		// Re-chunking replaces any previous chunk set so indices stay dense
		if err := c.store.Chunks().DeleteByDocument(ctx, payload.DocumentID); err != nil {
			return nil, err
		}
		if err := c.store.Chunks().SaveAll(ctx, chunks); err != nil {
			return nil, err
		}
	}

	c.logger.Debug().
		Str("document_id", payload.DocumentID).
		Str("method", c.method).
		Int("chunks", len(chunks)).
		Msg("Document chunked")

	return json.Marshal(models.ChunkResult{ChunkIDs: chunkIDs, Count: len(chunkIDs)})
}

// Split divides text into chunks per the configured method
func (c *Chunker) Split(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	switch c.method {
	case "fixed":
		return c.splitFixed(text)
	default:
		// "sentence" and "semantic"; semantic has no implementation yet
		// and degrades to sentence boundaries.
		return c.splitSentences(text)
	}
}

// splitFixed windows the text by runes. Step is clamped to at least one
// rune so a degenerate overlap still terminates.
func (c *Chunker) splitFixed(text string) []string {
	runes := []rune(text)
	if len(runes) <= c.size {
		return []string{text}
	}

	step := c.size - c.overlap
	degenerate := step < 1
	if degenerate {
		step = 1
	}

	// Degenerate mode walks every rune position, yielding one chunk per
	// rune; normal mode stops once a window reaches the end of the text.
	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + c.size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if !degenerate && end == len(runes) {
			break
		}
	}
	return chunks
}

// splitSentences packs whole sentences into chunks up to the size limit,
// carrying overlap sentences between neighbors. A single sentence longer
// than the limit is windowed with the fixed splitter.
func (c *Chunker) splitSentences(text string) []string {
	sentences := splitIntoSentences(text)
	if len(sentences) == 0 {
		return nil
	}

	var chunks []string
	var current []string
	currentLen := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		chunks = append(chunks, strings.TrimSpace(strings.Join(current, " ")))

		// Carry trailing sentences as overlap for the next chunk
		var carried []string
		carriedLen := 0
		for i := len(current) - 1; i >= 0 && carriedLen < c.overlap; i-- {
			carried = append([]string{current[i]}, carried...)
			carriedLen += len(current[i]) + 1
		}
		if carriedLen >= currentLen {
			carried = nil // Overlap would reproduce the whole chunk
		}
		current = carried
		currentLen = 0
		for _, s := range current {
			currentLen += len(s) + 1
		}
	}

	for _, sentence := range sentences {
		if len(sentence) > c.size {
			flush()
			current = nil
			currentLen = 0
			chunks = append(chunks, c.splitFixed(sentence)...)
			continue
		}
		if currentLen+len(sentence) > c.size && currentLen > 0 {
			flush()
		}
		current = append(current, sentence)
		currentLen += len(sentence) + 1
	}
	if len(current) > 0 && currentLen > 0 {
		chunks = append(chunks, strings.TrimSpace(strings.Join(current, " ")))
	}

	return chunks
}

// splitIntoSentences breaks on terminal punctuation followed by whitespace
func splitIntoSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		current.WriteRune(runes[i])
		if runes[i] == '.' || runes[i] == '!' || runes[i] == '?' {
			if i+1 >= len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n' {
				s := strings.TrimSpace(current.String())
				if s != "" {
					sentences = append(sentences, s)
				}
				current.Reset()
			}
		} else if runes[i] == '\n' && i+1 < len(runes) && runes[i+1] == '\n' {
			// Paragraph break ends a sentence even without punctuation
			s := strings.TrimSpace(current.String())
			if s != "" {
				sentences = append(sentences, s)
			}
			current.Reset()
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}
