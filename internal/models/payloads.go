// -----------------------------------------------------------------------
// Job payload formats - the wire contract between enqueuers and stages
// -----------------------------------------------------------------------

package models

// ExtractPayload requests text extraction from a source file
type ExtractPayload struct {
	FilePath   string `json:"file_path"`
	DocumentID string `json:"doc_id,omitempty"`
	Tenant     string `json:"tenant,omitempty"`
}

// ExtractResult is the extract stage output
type ExtractResult struct {
	Text     string            `json:"text"`
	Pages    int               `json:"pages"`
	Metadata DocumentForensics `json:"metadata"`
}

// OCRPayload requests recognition of a page image. Exactly one of
// ImagePath or ImageBase64 is set.
type OCRPayload struct {
	ImagePath   string `json:"image_path,omitempty"`
	ImageBase64 string `json:"image_base64,omitempty"`
	DocumentID  string `json:"doc_id,omitempty"`
	PageNumber  int    `json:"page_number,omitempty"`
	Lang        string `json:"lang,omitempty"`
	UseAngleCls bool   `json:"use_angle_cls,omitempty"`
}

// OCRLine is a detected text line with its bounding box
type OCRLine struct {
	Box        [][2]float64 `json:"box"`
	Text       string       `json:"text"`
	Confidence float64      `json:"confidence"`
}

// OCRResult is the OCR stage output. Escalated records whether the heavy
// engine produced the final text.
type OCRResult struct {
	Text       string    `json:"text"`
	Lines      []OCRLine `json:"lines,omitempty"`
	Confidence float64   `json:"confidence"`
	Escalated  bool      `json:"escalated"`
}

// NormalizePayload requests text normalization
type NormalizePayload struct {
	Text       string `json:"text"`
	DocumentID string `json:"doc_id"`
}

// NormalizeResult is the normalize stage output
type NormalizeResult struct {
	Text         string  `json:"text"`
	Language     string  `json:"language"`
	QualityScore float64 `json:"quality_score"`
	WordCount    int     `json:"word_count"`
}

// NERPayload requests entity extraction over a text span
type NERPayload struct {
	Text       string `json:"text"`
	DocumentID string `json:"doc_id"`
	ChunkID    string `json:"chunk_id,omitempty"`
}

// NEREntity is a single extracted entity span
type NEREntity struct {
	Text       string  `json:"text"`
	Label      string  `json:"label"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Confidence float64 `json:"confidence"`
}

// NERResult is the NER stage output
type NERResult struct {
	Entities []NEREntity `json:"entities"`
}

// ChunkPayload requests chunking of normalized text
type ChunkPayload struct {
	Text       string `json:"text"`
	DocumentID string `json:"doc_id"`
}

// ChunkResult is the chunk stage output
type ChunkResult struct {
	ChunkIDs []string `json:"chunk_ids"`
	Count    int      `json:"count"`
}

// EmbedPayload requests embedding of one or many chunk texts
type EmbedPayload struct {
	Text       string   `json:"text,omitempty"`
	Texts      []string `json:"texts,omitempty"`
	Batch      bool     `json:"batch,omitempty"`
	DocumentID string   `json:"doc_id,omitempty"`
	ChunkID    string   `json:"chunk_id,omitempty"`
	ChunkIDs   []string `json:"chunk_ids,omitempty"`
}

// EmbedResult is the single-text embed output
type EmbedResult struct {
	Embedding  []float32 `json:"embedding"`
	Dimensions int       `json:"dimensions"`
	Model      string    `json:"model"`
	VectorID   string    `json:"vector_id"`
}

// EmbedBatchResult is the batch embed output
type EmbedBatchResult struct {
	Embeddings [][]float32 `json:"embeddings"`
	Count      int         `json:"count"`
	Model      string      `json:"model"`
	VectorIDs  []string    `json:"vector_ids"`
}
