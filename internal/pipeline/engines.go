// -----------------------------------------------------------------------
// Engine clients - HTTP clients for the out-of-process ML engines.
// All engines are optional; connection failures surface as resource
// errors so jobs requeue instead of deadlettering.
// -----------------------------------------------------------------------

package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/ternarybob/dossier/internal/interfaces"
	"github.com/ternarybob/dossier/internal/models"
)

const defaultEmbedDimensions = 1024 // bge-m3

// httpOCREngine calls a recognition service speaking the OCR wire contract
type httpOCREngine struct {
	name    string
	url     string
	client  *http.Client
	limiter *rate.Limiter
}

var _ interfaces.OCREngine = (*httpOCREngine)(nil)

// NewOCREngine creates a rate-limited OCR engine client
func NewOCREngine(name, url string, requestsPerSecond float64) interfaces.OCREngine {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 10
	}
	return &httpOCREngine{
		name:    name,
		url:     url,
		client:  &http.Client{Timeout: 5 * time.Minute},
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), int(requestsPerSecond)),
	}
}

func (e *httpOCREngine) Name() string { return e.name }

func (e *httpOCREngine) Recognize(ctx context.Context, req models.OCRPayload) (*models.OCRResult, error) {
	if e.url == "" {
		return nil, fmt.Errorf("ocr engine %s: %w", e.name, interfaces.ErrEngineUnavailable)
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var result models.OCRResult
	if err := postJSON(ctx, e.client, e.url+"/ocr", req, &result); err != nil {
		return nil, fmt.Errorf("ocr engine %s: %w", e.name, err)
	}
	return &result, nil
}

// httpEmbeddingEngine calls an embedding service
type httpEmbeddingEngine struct {
	url        string
	model      string
	dimensions int
	client     *http.Client
	limiter    *rate.Limiter
}

var _ interfaces.EmbeddingEngine = (*httpEmbeddingEngine)(nil)

// NewEmbeddingEngine creates a rate-limited embedding engine client
func NewEmbeddingEngine(url, model string, dimensions int, requestsPerSecond float64) interfaces.EmbeddingEngine {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 10
	}
	if dimensions <= 0 {
		dimensions = defaultEmbedDimensions
	}
	if model == "" {
		model = "bge-m3"
	}
	return &httpEmbeddingEngine{
		url:        url,
		model:      model,
		dimensions: dimensions,
		client:     &http.Client{Timeout: 2 * time.Minute},
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), int(requestsPerSecond)),
	}
}

func (e *httpEmbeddingEngine) ModelName() string { return e.model }
func (e *httpEmbeddingEngine) Dimensions() int   { return e.dimensions }

type embedRequest struct {
	Model string   `json:"model"`
	Texts []string `json:"texts"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (e *httpEmbeddingEngine) Encode(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EncodeBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embedding engine returned %d vectors for 1 text", len(vecs))
	}
	return vecs[0], nil
}

func (e *httpEmbeddingEngine) EncodeBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if e.url == "" {
		return nil, fmt.Errorf("embedding engine: %w", interfaces.ErrEngineUnavailable)
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var resp embedResponse
	req := embedRequest{Model: e.model, Texts: texts}
	if err := postJSON(ctx, e.client, e.url+"/embed", req, &resp); err != nil {
		return nil, fmt.Errorf("embedding engine: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding engine returned %d vectors for %d texts", len(resp.Embeddings), len(texts))
	}
	for i, vec := range resp.Embeddings {
		if len(vec) != e.dimensions {
			return nil, fmt.Errorf("embedding %d has %d dimensions, expected %d", i, len(vec), e.dimensions)
		}
	}
	return resp.Embeddings, nil
}

func postJSON(ctx context.Context, client *http.Client, url string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrEngineUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: engine returned %d", interfaces.ErrEngineUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("engine returned %d: %s", resp.StatusCode, string(data))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode engine response: %w", err)
	}
	return nil
}
