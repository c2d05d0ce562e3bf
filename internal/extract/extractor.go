package extract

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
	"go.uber.org/zap"

	"github.com/docqa/backend/pkg/logger"
)

// ErrExtraction marks a PDF that cannot yield text: malformed bytes, an
// encrypted file, or a document with no extractable text layer. There is no
// OCR fallback.
var ErrExtraction = errors.New("extraction failed")

// Page holds the extracted plain text of one PDF page. Numbers are 1-based.
type Page struct {
	Number int
	Text   string
}

var whitespaceRE = regexp.MustCompile(`\s+`)

type PDFExtractor struct{}

func NewPDFExtractor() *PDFExtractor {
	return &PDFExtractor{}
}

// Extract parses raw PDF bytes into an ordered sequence of per-page texts.
// Pages without a text layer are skipped; a document where every page is
// skipped fails with ErrExtraction.
func (e *PDFExtractor) Extract(data []byte) ([]Page, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrExtraction)
	}

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtraction, err)
	}

	numPages := reader.NumPage()
	pages := make([]Page, 0, numPages)

	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}

		text, err := page.GetPlainText(nil)
		if err != nil {
			logger.Warn("Failed to extract page text",
				zap.Int("page", i),
				zap.Error(err),
			)
			continue
		}

		cleaned := cleanText(text)
		if cleaned == "" {
			continue
		}

		pages = append(pages, Page{Number: i, Text: cleaned})
	}

	if len(pages) == 0 {
		return nil, fmt.Errorf("%w: no extractable text in %d pages", ErrExtraction, numPages)
	}

	logger.Debug("PDF extracted",
		zap.Int("total_pages", numPages),
		zap.Int("text_pages", len(pages)),
	)

	return pages, nil
}

// cleanText strips control characters and collapses runs of whitespace.
// Chunk offsets are computed against this cleaned form, so it must be
// deterministic for a given input.
func cleanText(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if r >= ' ' || r == '\n' || r == '\t' {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(whitespaceRE.ReplaceAllString(b.String(), " "))
}
