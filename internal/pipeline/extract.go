// -----------------------------------------------------------------------
// Extract stage - text extraction from source files.
// PDF via pdfcpu, HTML via goquery + markdown conversion, email via
// go-message; image files and scanned PDFs are routed to OCR.
// -----------------------------------------------------------------------

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/emersion/go-message/mail"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dossier/internal/interfaces"
	"github.com/ternarybob/dossier/internal/models"
)

// minTextPerPage marks a PDF as scanned when the embedded text layer
// averages fewer characters per page than this.
const minTextPerPage = 16

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".tif": true, ".tiff": true, ".bmp": true, ".webp": true,
}

// Extractor is the extract stage handler
type Extractor struct {
	dataRoot string
	store    interfaces.StorageManager
	events   interfaces.EventService
	logger   arbor.ILogger
	tempDir  string
}

// NewExtractor creates the extract stage
func NewExtractor(dataRoot string, store interfaces.StorageManager, events interfaces.EventService, logger arbor.ILogger) *Extractor {
	tempDir := filepath.Join(os.TempDir(), "dossier-extract")
	os.MkdirAll(tempDir, 0o755)

	return &Extractor{
		dataRoot: dataRoot,
		store:    store,
		events:   events,
		logger:   logger,
		tempDir:  tempDir,
	}
}

// Handle extracts text from the payload's source file. A missing file is a
// terminal payload error; image content publishes document.ocr_required and
// returns an empty text result for the OCR stage to fill.
func (e *Extractor) Handle(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	var payload models.ExtractPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("invalid extract payload: %w", err)
	}
	if payload.FilePath == "" {
		return nil, fmt.Errorf("extract payload has no file_path")
	}

	path := payload.FilePath
	if !filepath.IsAbs(path) {
		path = filepath.Join(e.dataRoot, path)
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", interfaces.ErrFileNotFound, payload.FilePath)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", payload.FilePath, err)
	}

	result := models.ExtractResult{
		Pages: 1,
		Metadata: models.DocumentForensics{
			SizeBytes: info.Size(),
		},
	}

	ext := strings.ToLower(filepath.Ext(path))
	ocrRequired := false

	switch {
	case ext == ".pdf":
		ocrRequired, err = e.extractPDF(ctx, path, &result)
	case ext == ".html" || ext == ".htm":
		result.Metadata.ContentType = "text/html"
		result.Text, err = e.extractHTML(path)
	case ext == ".eml":
		result.Metadata.ContentType = "message/rfc822"
		result.Text, err = e.extractEmail(path)
	case imageExtensions[ext]:
		result.Metadata.ContentType = "image/" + strings.TrimPrefix(ext, ".")
		ocrRequired = true
	default:
		result.Metadata.ContentType = "text/plain"
		result.Text, err = e.extractPlain(path)
	}
	if err != nil {
		return nil, err
	}

	if err := e.updateDocument(ctx, payload.DocumentID, &result, ocrRequired); err != nil {
		return nil, err
	}

	if ocrRequired && payload.DocumentID != "" {
		e.events.Publish(ctx, models.Event{
			Type:          models.EventDocumentOCRRequired,
			CorrelationID: job.CorrelationID,
			Payload: map[string]interface{}{
				"document_id": payload.DocumentID,
				"file_path":   path,
				"pages":       result.Pages,
			},
		})
	}

	e.logger.Info().
		Str("document_id", payload.DocumentID).
		Str("file", filepath.Base(path)).
		Int("pages", result.Pages).
		Int("text_length", len(result.Text)).
		Bool("ocr_required", ocrRequired).
		Msg("Extraction completed")

	return json.Marshal(result)
}

// extractPDF reads the PDF text layer. Returns true when the document
// looks scanned and needs OCR.
func (e *Extractor) extractPDF(ctx context.Context, path string, result *models.ExtractResult) (bool, error) {
	conf := model.NewDefaultConfiguration()
	pdfCtx, err := api.ReadContextFile(path)
	if err != nil {
		return false, fmt.Errorf("failed to read PDF: %w", err)
	}

	result.Pages = pdfCtx.PageCount
	result.Metadata.ContentType = "application/pdf"
	result.Metadata.Encrypted = pdfCtx.Encrypt != nil
	if pdfCtx.Author != "" {
		result.Metadata.Author = pdfCtx.Author
	}
	if pdfCtx.Producer != "" {
		result.Metadata.Producer = pdfCtx.Producer
	}

	outDir := filepath.Join(e.tempDir, fmt.Sprintf("pages_%d_%d", os.Getpid(), time.Now().UnixNano()))
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return false, fmt.Errorf("failed to create extraction directory: %w", err)
	}
	defer os.RemoveAll(outDir)

	if err := api.ExtractContentFile(path, outDir, nil, conf); err != nil {
		e.logger.Warn().Err(err).Str("file", filepath.Base(path)).Msg("PDF content extraction failed, treating as scanned")
		return true, nil
	}

	pageTexts := make(map[int]string)
	files, _ := os.ReadDir(outDir)
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		content, err := os.ReadFile(filepath.Join(outDir, file.Name()))
		if err != nil {
			continue
		}
		var pageNum int
		if _, err := fmt.Sscanf(file.Name(), "Content_page_%d", &pageNum); err == nil {
			pageTexts[pageNum] = string(content)
		} else if _, err := fmt.Sscanf(file.Name(), "page_%d", &pageNum); err == nil {
			pageTexts[pageNum] = string(content)
		}
	}

	var builder strings.Builder
	for pageNum := 1; pageNum <= pdfCtx.PageCount; pageNum++ {
		if text, ok := pageTexts[pageNum]; ok {
			if builder.Len() > 0 {
				builder.WriteString("\n\n")
			}
			builder.WriteString(text)
		}
	}
	result.Text = strings.TrimSpace(builder.String())

	scanned := len(result.Text) < minTextPerPage*result.Pages
	return scanned, nil
}

// extractHTML strips non-content elements and converts to markdown
func (e *Extractor) extractHTML(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open html file: %w", err)
	}
	defer f.Close()

	doc, err := goquery.NewDocumentFromReader(f)
	if err != nil {
		return "", fmt.Errorf("failed to parse html: %w", err)
	}

	doc.Find("script, style, noscript, iframe").Remove()
	body, err := doc.Find("body").Html()
	if err != nil || strings.TrimSpace(body) == "" {
		body, _ = doc.Html()
	}

	converter := md.NewConverter("", true, nil)
	converted, err := converter.ConvertString(body)
	if err != nil {
		// Fallback to the bare text nodes
		return strings.TrimSpace(doc.Text()), nil
	}
	return strings.TrimSpace(converted), nil
}

// extractEmail reads headers and the text/plain body of an .eml file
func (e *Extractor) extractEmail(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open email file: %w", err)
	}
	defer f.Close()

	mr, err := mail.CreateReader(f)
	if err != nil {
		return "", fmt.Errorf("failed to parse email: %w", err)
	}

	var builder strings.Builder
	if subject, err := mr.Header.Subject(); err == nil && subject != "" {
		builder.WriteString("Subject: " + subject + "\n")
	}
	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		builder.WriteString("From: " + from[0].String() + "\n")
	}
	if date, err := mr.Header.Date(); err == nil && !date.IsZero() {
		builder.WriteString("Date: " + date.Format(time.RFC1123) + "\n")
	}
	builder.WriteString("\n")

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to read email part: %w", err)
		}

		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			if strings.HasPrefix(contentType, "text/plain") {
				b, err := io.ReadAll(p.Body)
				if err != nil {
					return "", fmt.Errorf("failed to read email body: %w", err)
				}
				builder.Write(b)
			}
		}
	}

	return strings.TrimSpace(builder.String()), nil
}

func (e *Extractor) extractPlain(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// updateDocument records extraction forensics on the owning document
func (e *Extractor) updateDocument(ctx context.Context, docID string, result *models.ExtractResult, ocrRequired bool) error {
	if docID == "" {
		return nil
	}
	doc, err := e.store.Documents().Get(ctx, docID)
	if err != nil {
		return err
	}

	doc.NumPages = result.Pages
	doc.Forensics = result.Metadata
	doc.Status = models.DocumentStatusProcessing
	if ocrRequired {
		doc.CurrentStage = "ocr"
	}

	return e.store.Documents().Save(ctx, doc)
}
